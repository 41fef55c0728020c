package detections

import (
	"fmt"
	"sort"

	"github.com/Tutortoise/inference-worker/models"
)

// Output is a host-resident [batch, predictions, 5+classes] tensor.
type Output struct {
	Shape [3]int
	Data  []float32
}

func (o *Output) validate() error {
	batch, predictions, attributes := o.Shape[0], o.Shape[1], o.Shape[2]
	if batch < 0 || predictions < 0 || attributes < BoxAttributes+1 {
		return fmt.Errorf("%w: output shape %v", ErrInference, o.Shape)
	}
	if len(o.Data) != batch*predictions*attributes {
		return fmt.Errorf("%w: output holds %d values, shape %v needs %d",
			ErrInference, len(o.Data), o.Shape, batch*predictions*attributes)
	}
	return nil
}

// Postprocess decodes every frame of out into detections scoring at least
// minScore, suppressing overlaps of minIoU or more within each frame.
// Frames without survivors yield an empty list.
func Postprocess(out *Output, minScore, minIoU float64) (models.DetectionBatch, error) {
	if err := out.validate(); err != nil {
		return nil, err
	}

	batch, predictions, attributes := out.Shape[0], out.Shape[1], out.Shape[2]
	frameSize := predictions * attributes
	result := make(models.DetectionBatch, 0, batch)

	for b := 0; b < batch; b++ {
		frame := out.Data[b*frameSize : (b+1)*frameSize]
		candidates := decodeFrame(frame, predictions, attributes, minScore)
		result = append(result, NonMaxSuppression(candidates, minIoU))
	}

	return result, nil
}

func decodeFrame(frame []float32, predictions, attributes int, minScore float64) []models.Detection {
	candidates := make([]models.Detection, 0, 64)
	for i := 0; i < predictions; i++ {
		row := frame[i*attributes : (i+1)*attributes]
		objectness := row[4]

		classID := 0
		classScore := row[BoxAttributes]
		for c, s := range row[BoxAttributes+1:] {
			if s > classScore {
				classScore = s
				classID = c + 1
			}
		}

		score := classScore * objectness
		// NaN scores fail this comparison and are dropped.
		if !(float64(score) >= minScore) {
			continue
		}

		x1, y1, x2, y2 := toCorners(row[0], row[1], row[2], row[3])
		candidates = append(candidates, models.Detection{
			X1:      x1,
			Y1:      y1,
			X2:      x2,
			Y2:      y2,
			Score:   score,
			ClassID: classID,
		})
	}
	return candidates
}

// toCorners converts a center-form box to corner form.
func toCorners(cx, cy, w, h float32) (x1, y1, x2, y2 float32) {
	return cx - w/2, cy - h/2, cx + w/2, cy + h/2
}

// NonMaxSuppression greedily keeps the highest scoring box and drops every
// remaining box whose IoU with it is at least minIoU. Class does not gate
// suppression. The result is ordered by descending score.
func NonMaxSuppression(candidates []models.Detection, minIoU float64) []models.Detection {
	sorted := make([]models.Detection, len(candidates))
	copy(sorted, candidates)
	sortDetectionsByScore(sorted)

	kept := make([]models.Detection, 0, len(sorted))
	suppressed := make([]bool, len(sorted))
	for i := range sorted {
		if suppressed[i] {
			continue
		}
		kept = append(kept, sorted[i])
		for j := i + 1; j < len(sorted); j++ {
			if !suppressed[j] && calculateIOU(sorted[i], sorted[j]) >= minIoU {
				suppressed[j] = true
			}
		}
	}
	return kept
}

func sortDetectionsByScore(dets []models.Detection) {
	sort.SliceStable(dets, func(i, j int) bool {
		return dets[i].Score > dets[j].Score
	})
}

func calculateIOU(a, b models.Detection) float64 {
	x1 := max(float64(a.X1), float64(b.X1))
	y1 := max(float64(a.Y1), float64(b.Y1))
	x2 := min(float64(a.X2), float64(b.X2))
	y2 := min(float64(a.Y2), float64(b.Y2))

	if x2 <= x1 || y2 <= y1 {
		return 0.0
	}

	intersection := (x2 - x1) * (y2 - y1)
	area1 := (float64(a.X2) - float64(a.X1)) * (float64(a.Y2) - float64(a.Y1))
	area2 := (float64(b.X2) - float64(b.X1)) * (float64(b.Y2) - float64(b.Y1))
	union := area1 + area2 - intersection
	if union <= 0 {
		return 0.0
	}

	return intersection / union
}

// Rescale maps detections from model input space back to source pixels.
func Rescale(batch models.DetectionBatch, scaleX, scaleY float32) {
	if scaleX == 1 && scaleY == 1 {
		return
	}
	for _, frame := range batch {
		for i := range frame {
			frame[i].X1 *= scaleX
			frame[i].X2 *= scaleX
			frame[i].Y1 *= scaleY
			frame[i].Y2 *= scaleY
		}
	}
}
