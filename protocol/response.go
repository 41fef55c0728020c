package protocol

import (
	"time"

	"github.com/Tutortoise/inference-worker/etf"
	"github.com/Tutortoise/inference-worker/models"
)

// Reply builds {reply, Nonce, {ok, Detections, Timings}}. Detections from
// every frame are concatenated in batch order.
func Reply(nonce etf.Ref, batch models.DetectionBatch, timings models.ProcessingTimings) etf.Tuple {
	dets := batch.Flatten()
	list := make(etf.List, 0, len(dets))
	for _, d := range dets {
		list = append(list, detectionMap(d))
	}

	result := etf.Tuple{
		etf.Atom("ok"),
		list,
		etf.List{
			stage("load", timings.Load),
			stage("execute", timings.Execute),
			stage("process", timings.Process),
		},
	}
	return etf.Tuple{etf.Atom("reply"), nonce, result}
}

func detectionMap(d models.Detection) etf.Map {
	return etf.Map{
		{Key: etf.Atom("x1"), Value: float64(d.X1)},
		{Key: etf.Atom("y1"), Value: float64(d.Y1)},
		{Key: etf.Atom("x2"), Value: float64(d.X2)},
		{Key: etf.Atom("y2"), Value: float64(d.Y2)},
		{Key: etf.Atom("score"), Value: float64(d.Score)},
		{Key: etf.Atom("class_id"), Value: int64(d.ClassID)},
	}
}

func stage(name etf.Atom, d time.Duration) etf.Tuple {
	us := d.Microseconds()
	if us < 0 {
		us = 0
	}
	return etf.Tuple{name, us}
}
