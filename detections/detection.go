package detections

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"strconv"

	ort "github.com/yalue/onnxruntime_go"
)

var (
	ErrInference         = errors.New("inference failed")
	ErrPrecisionMismatch = errors.New("input precision does not match model")
)

type SessionConfig struct {
	ModelPath  string
	InputName  string
	OutputName string
	Precision  Precision
	UseCUDA    bool
	DeviceID   int
}

// ModelSession runs forward passes against one loaded ONNX model.
type ModelSession struct {
	Session     *ort.DynamicAdvancedSession
	Precision   Precision
	InputWidth  int
	InputHeight int

	// outputInfo is the declared output. Half precision outputs are
	// allocated from its dimensions before each run.
	outputInfo ort.InputOutputInfo
}

// NewModelSession loads the model and checks that its declared input
// element type agrees with the configured precision.
func NewModelSession(cfg SessionConfig) (*ModelSession, error) {
	inputs, outputs, err := ort.GetInputOutputInfo(cfg.ModelPath)
	if err != nil {
		return nil, fmt.Errorf("error reading model inputs: %w", err)
	}

	input, ok := findInfo(inputs, cfg.InputName)
	if !ok {
		return nil, fmt.Errorf("model has no input named %q", cfg.InputName)
	}
	output, ok := findInfo(outputs, cfg.OutputName)
	if !ok {
		return nil, fmt.Errorf("model has no output named %q", cfg.OutputName)
	}
	if err := checkPrecision(input.DataType, cfg.Precision); err != nil {
		return nil, err
	}
	if output.DataType == ort.TensorElementDataTypeFloat16 {
		if _, err := outputShape(output.Dimensions, 1); err != nil {
			return nil, err
		}
	}

	options, err := ort.NewSessionOptions()
	if err != nil {
		return nil, fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	options.SetIntraOpNumThreads(runtime.NumCPU())
	options.SetInterOpNumThreads(1)

	if cfg.UseCUDA {
		cudaOptions, err := ort.NewCUDAProviderOptions()
		if err != nil {
			return nil, fmt.Errorf("error creating CUDA options: %w", err)
		}
		defer cudaOptions.Destroy()

		err = cudaOptions.Update(map[string]string{"device_id": strconv.Itoa(cfg.DeviceID)})
		if err != nil {
			return nil, fmt.Errorf("error configuring CUDA device %d: %w", cfg.DeviceID, err)
		}
		if err := options.AppendExecutionProviderCUDA(cudaOptions); err != nil {
			return nil, fmt.Errorf("error enabling CUDA: %w", err)
		}
	}

	session, err := ort.NewDynamicAdvancedSession(
		cfg.ModelPath,
		[]string{cfg.InputName},
		[]string{cfg.OutputName},
		options,
	)
	if err != nil {
		return nil, fmt.Errorf("error creating session: %w", err)
	}

	width, height := spatialDims(input.Dimensions)
	return &ModelSession{
		Session:     session,
		Precision:   cfg.Precision,
		InputWidth:  width,
		InputHeight: height,
		outputInfo:  output,
	}, nil
}

func findInfo(infos []ort.InputOutputInfo, name string) (ort.InputOutputInfo, bool) {
	for _, info := range infos {
		if info.Name == name {
			return info, true
		}
	}
	return ort.InputOutputInfo{}, false
}

func checkPrecision(dataType ort.TensorElementDataType, p Precision) error {
	want := ort.TensorElementDataType(ort.TensorElementDataTypeFloat)
	if p == PrecisionFloat16 {
		want = ort.TensorElementDataType(ort.TensorElementDataTypeFloat16)
	}
	if dataType != want {
		return fmt.Errorf("%w: model input is %v, configured %s", ErrPrecisionMismatch, dataType, p)
	}
	return nil
}

// outputShape resolves the declared output dimensions for a run with the
// given batch size. Only the leading batch dimension may be dynamic.
func outputShape(declared ort.Shape, batch int64) (ort.Shape, error) {
	if len(declared) != 3 {
		return nil, fmt.Errorf("%w: output rank %d, want 3", ErrInference, len(declared))
	}
	shape := declared.Clone()
	if shape[0] <= 0 {
		shape[0] = batch
	}
	for i, d := range shape[1:] {
		if d <= 0 {
			return nil, fmt.Errorf("%w: half precision output needs a fixed dimension %d, model declares %v",
				ErrInference, i+1, declared)
		}
	}
	return shape, nil
}

// spatialDims returns the fixed width and height of an NCHW input, or zero
// for dimensions the model leaves dynamic.
func spatialDims(shape ort.Shape) (int, int) {
	if len(shape) != 4 || shape[2] <= 0 || shape[3] <= 0 {
		return 0, 0
	}
	return int(shape[3]), int(shape[2])
}

func (m *ModelSession) Destroy() {
	if m.Session != nil {
		m.Session.Destroy()
	}
}

// Forward runs the model on t and copies the output into host memory.
// Run returns only after the execution provider has finished, so the data
// is complete when postprocessing reads it.
func (m *ModelSession) Forward(t *Tensor) (*Output, error) {
	if t.Precision != m.Precision {
		return nil, fmt.Errorf("%w: tensor is %s, session is %s", ErrPrecisionMismatch, t.Precision, m.Precision)
	}

	input, err := newInputValue(t)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	defer input.Destroy()

	output, err := m.newOutputValue(t.Shape[0])
	if err != nil {
		return nil, err
	}
	outputs := []ort.Value{output}
	if err := m.Session.Run([]ort.Value{input}, outputs); err != nil {
		if output != nil {
			output.Destroy()
		}
		return nil, fmt.Errorf("%w: %v", ErrInference, err)
	}
	defer outputs[0].Destroy()

	return readOutput(outputs[0])
}

// newOutputValue pre-allocates a half precision output. Float outputs are
// left nil for the runtime to allocate.
func (m *ModelSession) newOutputValue(batch int64) (ort.Value, error) {
	if m.outputInfo.DataType != ort.TensorElementDataTypeFloat16 {
		return nil, nil
	}
	shape, err := outputShape(m.outputInfo.Dimensions, batch)
	if err != nil {
		return nil, err
	}
	raw := make([]byte, shape.FlattenedSize()*2)
	value, err := ort.NewCustomDataTensor(shape, raw, ort.TensorElementDataTypeFloat16)
	if err != nil {
		return nil, fmt.Errorf("%w: allocating output: %v", ErrInference, err)
	}
	return value, nil
}

func newInputValue(t *Tensor) (ort.Value, error) {
	shape := ort.NewShape(t.Shape[:]...)
	if t.Precision == PrecisionFloat16 {
		raw := make([]byte, len(t.Float16)*2)
		for i, v := range t.Float16 {
			binary.LittleEndian.PutUint16(raw[i*2:], v)
		}
		return ort.NewCustomDataTensor(shape, raw, ort.TensorElementDataTypeFloat16)
	}
	return ort.NewTensor(shape, t.Float32)
}

func readOutput(value ort.Value) (*Output, error) {
	shape := value.GetShape()
	if len(shape) != 3 {
		return nil, fmt.Errorf("%w: output rank %d, want 3", ErrInference, len(shape))
	}

	out := &Output{Shape: [3]int{int(shape[0]), int(shape[1]), int(shape[2])}}
	switch v := value.(type) {
	case *ort.Tensor[float32]:
		out.Data = append([]float32(nil), v.GetData()...)
	case *ort.CustomDataTensor:
		data, err := decodeHalf(v.GetData())
		if err != nil {
			return nil, err
		}
		out.Data = data
	default:
		return nil, fmt.Errorf("%w: unexpected output type %T", ErrInference, value)
	}
	return out, nil
}

// decodeHalf reads little-endian IEEE half floats.
func decodeHalf(raw []byte) ([]float32, error) {
	if len(raw)%2 != 0 {
		return nil, fmt.Errorf("%w: half precision output has odd length %d", ErrInference, len(raw))
	}
	half := make([]uint16, len(raw)/2)
	for i := range half {
		half[i] = binary.LittleEndian.Uint16(raw[i*2:])
	}
	return widen(half), nil
}
