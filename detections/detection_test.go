package detections

import (
	"errors"
	"os"
	"reflect"
	"testing"

	ort "github.com/yalue/onnxruntime_go"
	"github.com/x448/float16"
)

func TestCheckPrecision(t *testing.T) {
	if err := checkPrecision(ort.TensorElementDataTypeFloat, PrecisionFloat32); err != nil {
		t.Errorf("float model, float32 input: %v", err)
	}
	if err := checkPrecision(ort.TensorElementDataTypeFloat16, PrecisionFloat16); err != nil {
		t.Errorf("float16 model, float16 input: %v", err)
	}
	if err := checkPrecision(ort.TensorElementDataTypeFloat, PrecisionFloat16); !errors.Is(err, ErrPrecisionMismatch) {
		t.Errorf("float model, float16 input: error = %v, want ErrPrecisionMismatch", err)
	}
	if err := checkPrecision(ort.TensorElementDataTypeFloat16, PrecisionFloat32); !errors.Is(err, ErrPrecisionMismatch) {
		t.Errorf("float16 model, float32 input: error = %v, want ErrPrecisionMismatch", err)
	}
}

func TestSpatialDims(t *testing.T) {
	tests := []struct {
		shape         ort.Shape
		width, height int
	}{
		{ort.NewShape(1, 3, 640, 480), 480, 640},
		{ort.NewShape(1, 3, -1, -1), 0, 0},
		{ort.NewShape(1, 3, 640), 0, 0},
	}
	for _, tt := range tests {
		w, h := spatialDims(tt.shape)
		if w != tt.width || h != tt.height {
			t.Errorf("spatialDims(%v) = %d,%d, want %d,%d", tt.shape, w, h, tt.width, tt.height)
		}
	}
}

func TestOutputShape(t *testing.T) {
	got, err := outputShape(ort.NewShape(-1, 25200, 85), 1)
	if err != nil {
		t.Fatalf("outputShape() error = %v", err)
	}
	if !reflect.DeepEqual(got, ort.NewShape(1, 25200, 85)) {
		t.Errorf("outputShape() = %v, want [1 25200 85]", got)
	}
	// Two bytes per half float.
	if size := got.FlattenedSize() * 2; size != 1*25200*85*2 {
		t.Errorf("half precision buffer = %d bytes", size)
	}

	fixed, err := outputShape(ort.NewShape(2, 10, 6), 1)
	if err != nil || !reflect.DeepEqual(fixed, ort.NewShape(2, 10, 6)) {
		t.Errorf("fixed batch = %v, %v", fixed, err)
	}

	for _, shape := range []ort.Shape{ort.NewShape(1, -1, 85), ort.NewShape(1, 85), ort.NewShape(-1, 10, 0)} {
		if _, err := outputShape(shape, 1); !errors.Is(err, ErrInference) {
			t.Errorf("outputShape(%v) error = %v, want ErrInference", shape, err)
		}
	}
}

func TestDecodeHalf(t *testing.T) {
	values := []float32{0, 1, -2.5, 0.25, 640}
	raw := make([]byte, 0, len(values)*2)
	for _, v := range values {
		bits := float16.Fromfloat32(v).Bits()
		raw = append(raw, byte(bits), byte(bits>>8))
	}

	got, err := decodeHalf(raw)
	if err != nil {
		t.Fatalf("decodeHalf() error = %v", err)
	}
	if !reflect.DeepEqual(got, values) {
		t.Errorf("decodeHalf() = %v, want %v", got, values)
	}

	if _, err := decodeHalf(raw[:3]); !errors.Is(err, ErrInference) {
		t.Errorf("odd length error = %v, want ErrInference", err)
	}
}

// TestModelSessionForward needs the ONNX Runtime library and a detection
// model on disk.
func TestModelSessionForward(t *testing.T) {
	libPath := os.Getenv("ONNXRUNTIME_LIB")
	modelPath := os.Getenv("TEST_MODEL_PATH")
	if libPath == "" || modelPath == "" {
		t.Skip("set ONNXRUNTIME_LIB and TEST_MODEL_PATH to run")
	}

	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		t.Fatalf("InitializeEnvironment() error = %v", err)
	}
	defer ort.DestroyEnvironment()

	session, err := NewModelSession(SessionConfig{
		ModelPath:  modelPath,
		InputName:  "images",
		OutputName: "output0",
		Precision:  PrecisionFloat32,
	})
	if err != nil {
		t.Fatalf("NewModelSession() error = %v", err)
	}
	defer session.Destroy()

	width, height := session.InputWidth, session.InputHeight
	if width == 0 {
		width, height = 640, 640
	}
	img := rgbImage(width, height, make([]byte, width*height*3))
	tensor, err := NewTensorBuilder(PrecisionFloat32, session.InputWidth, session.InputHeight).Build(img)
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	out, err := session.Forward(tensor)
	if err != nil {
		t.Fatalf("Forward() error = %v", err)
	}
	if out.Shape[0] != 1 || out.Shape[2] < BoxAttributes+1 {
		t.Errorf("output shape = %v", out.Shape)
	}
	if _, err := Postprocess(out, MinScore, MinIoU); err != nil {
		t.Errorf("Postprocess() error = %v", err)
	}
}
