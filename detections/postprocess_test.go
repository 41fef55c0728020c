package detections

import (
	"errors"
	"math"
	"reflect"
	"testing"

	"github.com/Tutortoise/inference-worker/models"
)

// prediction builds one output row with a single class.
func prediction(cx, cy, w, h, objectness, classScore float32) []float32 {
	return []float32{cx, cy, w, h, objectness, classScore}
}

func outputOf(frames ...[][]float32) *Output {
	out := &Output{}
	predictions, attributes := 0, BoxAttributes+1
	if len(frames) > 0 {
		predictions = len(frames[0])
		if predictions > 0 {
			attributes = len(frames[0][0])
		}
	}
	for _, frame := range frames {
		for _, row := range frame {
			out.Data = append(out.Data, row...)
		}
	}
	out.Shape = [3]int{len(frames), predictions, attributes}
	return out
}

func TestToCorners(t *testing.T) {
	x1, y1, x2, y2 := toCorners(50, 50, 20, 10)
	if x1 != 40 || y1 != 45 || x2 != 60 || y2 != 55 {
		t.Errorf("toCorners(50,50,20,10) = (%v,%v,%v,%v), want (40,45,60,55)", x1, y1, x2, y2)
	}
}

func TestPostprocessSuppressesOverlappingBox(t *testing.T) {
	// IoU of the two boxes is 0.7.
	out := outputOf([][]float32{
		prediction(5, 5, 10, 10, 1, 0.9),
		prediction(5, 3.5, 10, 7, 1, 0.6),
	})

	batch, err := Postprocess(out, MinScore, MinIoU)
	if err != nil {
		t.Fatalf("Postprocess() error = %v", err)
	}
	if len(batch) != 1 || len(batch[0]) != 1 {
		t.Fatalf("Postprocess() = %+v, want one detection", batch)
	}
	got := batch[0][0]
	want := models.Detection{X1: 0, Y1: 0, X2: 10, Y2: 10, Score: 0.9, ClassID: 0}
	if got != want {
		t.Errorf("detection = %+v, want %+v", got, want)
	}
}

func TestPostprocessScoreBoundary(t *testing.T) {
	out := outputOf([][]float32{
		prediction(10, 10, 4, 4, 0.5, 0.5),   // exactly 0.25
		prediction(100, 100, 4, 4, 0.5, 0.49), // just below
	})

	batch, err := Postprocess(out, MinScore, MinIoU)
	if err != nil {
		t.Fatalf("Postprocess() error = %v", err)
	}
	if len(batch[0]) != 1 || batch[0][0].Score != 0.25 {
		t.Errorf("Postprocess() = %+v, want only the 0.25 prediction", batch[0])
	}
}

func TestPostprocessDropsNaNScores(t *testing.T) {
	nan := float32(math.NaN())
	out := outputOf([][]float32{
		prediction(10, 10, 4, 4, nan, 0.9),
		prediction(50, 50, 4, 4, 0.9, nan),
		prediction(100, 100, 4, 4, 1, 0.8),
	})

	batch, err := Postprocess(out, MinScore, MinIoU)
	if err != nil {
		t.Fatalf("Postprocess() error = %v", err)
	}
	if len(batch[0]) != 1 || batch[0][0].Score != 0.8 {
		t.Errorf("Postprocess() = %+v, want only the 0.8 prediction", batch[0])
	}
}

func TestPostprocessEmptyFrameIsNotAnError(t *testing.T) {
	out := outputOf(
		[][]float32{prediction(10, 10, 4, 4, 0.1, 0.1)},
		[][]float32{prediction(10, 10, 4, 4, 1, 1)},
	)

	batch, err := Postprocess(out, MinScore, MinIoU)
	if err != nil {
		t.Fatalf("Postprocess() error = %v", err)
	}
	if len(batch) != 2 {
		t.Fatalf("len(batch) = %d, want 2", len(batch))
	}
	if len(batch[0]) != 0 || len(batch[1]) != 1 {
		t.Errorf("frames = %d/%d detections, want 0/1", len(batch[0]), len(batch[1]))
	}
}

func TestPostprocessPicksArgmaxClass(t *testing.T) {
	out := outputOf([][]float32{
		{20, 20, 10, 10, 0.8, 0.1, 0.7, 0.3},
	})

	batch, err := Postprocess(out, MinScore, MinIoU)
	if err != nil {
		t.Fatalf("Postprocess() error = %v", err)
	}
	got := batch[0][0]
	if got.ClassID != 1 {
		t.Errorf("ClassID = %d, want 1", got.ClassID)
	}
	classScore, objectness := float32(0.7), float32(0.8)
	if want := classScore * objectness; got.Score != want {
		t.Errorf("Score = %v, want %v", got.Score, want)
	}
}

func TestPostprocessFramesAreIndependent(t *testing.T) {
	row := prediction(5, 5, 10, 10, 1, 0.9)
	out := outputOf([][]float32{row}, [][]float32{row})

	batch, err := Postprocess(out, MinScore, MinIoU)
	if err != nil {
		t.Fatalf("Postprocess() error = %v", err)
	}
	if len(batch[0]) != 1 || len(batch[1]) != 1 {
		t.Errorf("identical boxes in different frames suppressed each other: %+v", batch)
	}
}

func TestPostprocessRejectsBadShape(t *testing.T) {
	tests := []*Output{
		{Shape: [3]int{1, 1, 5}, Data: make([]float32, 5)},
		{Shape: [3]int{1, 2, 6}, Data: make([]float32, 6)},
	}
	for _, out := range tests {
		if _, err := Postprocess(out, MinScore, MinIoU); !errors.Is(err, ErrInference) {
			t.Errorf("Postprocess(%v) error = %v, want ErrInference", out.Shape, err)
		}
	}
}

func TestNonMaxSuppressionIoUBoundary(t *testing.T) {
	// Intersection 45, union 100.
	candidates := []models.Detection{
		{X1: 0, Y1: 0, X2: 10, Y2: 4.5, Score: 0.6},
		{X1: 0, Y1: 0, X2: 10, Y2: 10, Score: 0.9},
	}
	if iou := calculateIOU(candidates[0], candidates[1]); iou != 0.45 {
		t.Fatalf("IoU = %v, want 0.45", iou)
	}

	kept := NonMaxSuppression(candidates, MinIoU)
	if len(kept) != 1 || kept[0].Score != 0.9 {
		t.Errorf("NonMaxSuppression() = %+v, want only the 0.9 box", kept)
	}
}

func TestNonMaxSuppressionIgnoresClass(t *testing.T) {
	candidates := []models.Detection{
		{X1: 0, Y1: 0, X2: 10, Y2: 10, Score: 0.9, ClassID: 0},
		{X1: 0, Y1: 0, X2: 10, Y2: 10, Score: 0.8, ClassID: 3},
	}
	if kept := NonMaxSuppression(candidates, MinIoU); len(kept) != 1 {
		t.Errorf("kept %d boxes, want 1", len(kept))
	}
}

func TestNonMaxSuppressionIsIdempotent(t *testing.T) {
	candidates := []models.Detection{
		{X1: 0, Y1: 0, X2: 10, Y2: 10, Score: 0.9},
		{X1: 1, Y1: 1, X2: 11, Y2: 11, Score: 0.8},
		{X1: 30, Y1: 30, X2: 40, Y2: 40, Score: 0.7},
		{X1: 32, Y1: 30, X2: 42, Y2: 40, Score: 0.95},
		{X1: 100, Y1: 100, X2: 120, Y2: 130, Score: 0.3},
	}

	once := NonMaxSuppression(candidates, MinIoU)
	twice := NonMaxSuppression(once, MinIoU)
	if !reflect.DeepEqual(once, twice) {
		t.Errorf("second pass changed result:\n%+v\n%+v", once, twice)
	}
	if len(once) != 3 {
		t.Errorf("kept %d boxes, want 3", len(once))
	}
	for i := 1; i < len(once); i++ {
		if once[i-1].Score < once[i].Score {
			t.Errorf("result not ordered by score: %+v", once)
		}
	}
}

func TestCalculateIOUDegenerateBoxes(t *testing.T) {
	point := models.Detection{X1: 5, Y1: 5, X2: 5, Y2: 5}
	if iou := calculateIOU(point, point); iou != 0 {
		t.Errorf("IoU of zero-area boxes = %v, want 0", iou)
	}
	a := models.Detection{X1: 0, Y1: 0, X2: 1, Y2: 1}
	b := models.Detection{X1: 2, Y1: 2, X2: 3, Y2: 3}
	if iou := calculateIOU(a, b); iou != 0 {
		t.Errorf("IoU of disjoint boxes = %v, want 0", iou)
	}
}

func TestRescale(t *testing.T) {
	batch := models.DetectionBatch{{{X1: 10, Y1: 10, X2: 20, Y2: 30, Score: 0.5}}}
	Rescale(batch, 2, 0.5)
	want := models.Detection{X1: 20, Y1: 5, X2: 40, Y2: 15, Score: 0.5}
	if batch[0][0] != want {
		t.Errorf("Rescale() = %+v, want %+v", batch[0][0], want)
	}
}
