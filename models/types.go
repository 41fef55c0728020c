package models

import "time"

type Orientation int

const (
	OrientationUpright Orientation = iota
	OrientationRotated90CCW
	OrientationRotated180
	OrientationRotated90CW
)

func (o Orientation) String() string {
	switch o {
	case OrientationUpright:
		return "upright"
	case OrientationRotated90CCW:
		return "rotated_90_ccw"
	case OrientationRotated180:
		return "rotated_180"
	case OrientationRotated90CW:
		return "rotated_90_cw"
	}
	return "unknown"
}

type Format int

const (
	FormatRGB Format = iota + 1
	FormatYUV420
)

func (f Format) String() string {
	switch f {
	case FormatRGB:
		return "RGB"
	case FormatYUV420:
		return "I420"
	}
	return "unknown"
}

type SourceKind int

const (
	SourceInline SourceKind = iota
	SourceSharedMemory
)

func (k SourceKind) String() string {
	if k == SourceSharedMemory {
		return "shared_memory"
	}
	return "inline"
}

// ImageSource owns the pixel bytes of one request. Bytes is only valid
// until Release is called.
type ImageSource interface {
	Kind() SourceKind
	Bytes() []byte
	Release() error
}

// InlineSource holds a heap copy of a binary embedded in the request.
type InlineSource struct {
	data []byte
}

func NewInlineSource(b []byte) *InlineSource {
	data := make([]byte, len(b))
	copy(data, b)
	return &InlineSource{data: data}
}

func (s *InlineSource) Kind() SourceKind { return SourceInline }
func (s *InlineSource) Bytes() []byte    { return s.data }

func (s *InlineSource) Release() error {
	s.data = nil
	return nil
}

type Image struct {
	Width       int
	Height      int
	Orientation Orientation
	Format      Format
	Source      ImageSource
}

// Data returns the pixel bytes of the image.
func (i Image) Data() []byte {
	if i.Source == nil {
		return nil
	}
	return i.Source.Bytes()
}

type Detection struct {
	X1      float32
	Y1      float32
	X2      float32
	Y2      float32
	Score   float32
	ClassID int
}

// DetectionBatch holds one detection list per frame, in batch order.
type DetectionBatch [][]Detection

// Flatten concatenates every frame's detections.
func (b DetectionBatch) Flatten() []Detection {
	var out []Detection
	for _, frame := range b {
		out = append(out, frame...)
	}
	return out
}

type ProcessingTimings struct {
	RequestID string
	Load      time.Duration
	Execute   time.Duration
	Process   time.Duration
}
