package detections

const (
	MinScore = 0.25
	MinIoU   = 0.45

	// BoxAttributes is the number of leading values per prediction:
	// center x, center y, width, height and objectness.
	BoxAttributes = 5
	Channels      = 3
)
