package detections

import (
	"errors"
	"fmt"

	"github.com/Tutortoise/inference-worker/models"
	"github.com/x448/float16"
)

var ErrUnsupportedImage = errors.New("unsupported image")

type Precision int

const (
	PrecisionFloat32 Precision = iota
	PrecisionFloat16
)

func ParsePrecision(s string) (Precision, error) {
	switch s {
	case "float32", "fp32", "float":
		return PrecisionFloat32, nil
	case "float16", "fp16", "half":
		return PrecisionFloat16, nil
	}
	return 0, fmt.Errorf("unknown precision %q", s)
}

func (p Precision) String() string {
	if p == PrecisionFloat16 {
		return "float16"
	}
	return "float32"
}

// Capability is one orientation/format combination an image may arrive in.
type Capability struct {
	Orientation models.Orientation
	Format      models.Format
}

// Capabilities lists the combinations the tensor builder accepts. Anything
// absent is rejected at ingestion.
var Capabilities = map[Capability]bool{
	{models.OrientationUpright, models.FormatRGB}: true,
}

func Supported(o models.Orientation, f models.Format) bool {
	return Capabilities[Capability{Orientation: o, Format: f}]
}

// ExpectedSize is the number of pixel bytes an image of the given geometry
// occupies.
func ExpectedSize(f models.Format, width, height int) int {
	switch f {
	case models.FormatRGB:
		return width * height * Channels
	case models.FormatYUV420:
		chroma := ((width + 1) / 2) * ((height + 1) / 2)
		return width*height + 2*chroma
	}
	return 0
}

// Tensor is a normalized 1 x 3 x H x W input. Exactly one of Float32 and
// Float16 is populated, according to Precision.
type Tensor struct {
	Shape     [4]int64
	Precision Precision
	Float32   []float32
	Float16   []uint16

	// ScaleX and ScaleY map model-space coordinates back to the source image.
	ScaleX float32
	ScaleY float32
}

type TensorBuilder struct {
	precision   Precision
	inputWidth  int
	inputHeight int
}

// NewTensorBuilder returns a builder producing tensors of the given
// precision. A zero input dimension means the model accepts any size.
func NewTensorBuilder(precision Precision, inputWidth, inputHeight int) *TensorBuilder {
	return &TensorBuilder{
		precision:   precision,
		inputWidth:  inputWidth,
		inputHeight: inputHeight,
	}
}

func (b *TensorBuilder) Build(img models.Image) (*Tensor, error) {
	if img.Width <= 0 || img.Height <= 0 {
		return nil, fmt.Errorf("%w: %dx%d", ErrUnsupportedImage, img.Width, img.Height)
	}
	if !Supported(img.Orientation, img.Format) {
		return nil, fmt.Errorf("%w: %s %s", ErrUnsupportedImage, img.Orientation, img.Format)
	}

	pix := img.Data()
	expected := ExpectedSize(img.Format, img.Width, img.Height)
	if len(pix) < expected {
		return nil, fmt.Errorf("%w: %d bytes for %dx%d %s, want %d",
			ErrUnsupportedImage, len(pix), img.Width, img.Height, img.Format, expected)
	}
	pix = pix[:expected]

	width, height := img.Width, img.Height
	scaleX, scaleY := float32(1), float32(1)
	if b.needsResize(width, height) {
		pix = resizeRGB(pix, width, height, b.inputWidth, b.inputHeight)
		scaleX = float32(width) / float32(b.inputWidth)
		scaleY = float32(height) / float32(b.inputHeight)
		width, height = b.inputWidth, b.inputHeight
	}

	data := newChannelProcessor(width, height).process(pix)
	t := &Tensor{
		Shape:     [4]int64{1, Channels, int64(height), int64(width)},
		Precision: b.precision,
		ScaleX:    scaleX,
		ScaleY:    scaleY,
	}
	if b.precision == PrecisionFloat16 {
		t.Float16 = narrow(data)
	} else {
		t.Float32 = data
	}
	return t, nil
}

func (b *TensorBuilder) needsResize(width, height int) bool {
	if b.inputWidth <= 0 || b.inputHeight <= 0 {
		return false
	}
	return width != b.inputWidth || height != b.inputHeight
}

func narrow(src []float32) []uint16 {
	dst := make([]uint16, len(src))
	for i, v := range src {
		dst[i] = float16.Fromfloat32(v).Bits()
	}
	return dst
}

func widen(src []uint16) []float32 {
	dst := make([]float32, len(src))
	for i, v := range src {
		dst[i] = float16.Frombits(v).Float32()
	}
	return dst
}
