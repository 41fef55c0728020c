package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/Tutortoise/inference-worker/detections"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

var ErrConfig = errors.New("invalid configuration")

type Config struct {
	Node    NodeConfig
	Model   ModelConfig
	Ready   ReadyConfig
	Verbose bool

	MetricsAddr     string
	SharedMemoryDir string
}

type NodeConfig struct {
	Name     string
	Cookie   string
	EPMDPort int
}

type ModelConfig struct {
	// Type is reserved for selecting a model backend and is only logged.
	Type           string
	Path           string
	Device         string
	DeviceID       int
	Precision      detections.Precision
	InputName      string
	OutputName     string
	RuntimeLibrary string
}

type ReadyConfig struct {
	Module   string
	Function string
	Value    string
	// Timeout of zero waits for the parent indefinitely.
	Timeout time.Duration
}

var required = []string{
	"NODE_NAME",
	"NODE_COOKIE",
	"MODEL_PATH",
	"READY_MODULE",
	"READY_FUNCTION",
	"READY_VALUE",
}

// Load reads the environment, after merging in any of envFiles that exist.
// Variables already set in the environment win over file values.
func Load(envFiles ...string) (*Config, error) {
	for _, f := range envFiles {
		if err := godotenv.Load(f); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: %v", ErrConfig, f, err)
		}
	}

	v := viper.New()
	v.SetDefault("MODEL_TYPE", "yolov5")
	v.SetDefault("MODEL_DEVICE", "cpu")
	v.SetDefault("MODEL_DEVICE_ID", 0)
	v.SetDefault("MODEL_INPUT_NAME", "images")
	v.SetDefault("MODEL_OUTPUT_NAME", "output0")
	v.SetDefault("SHM_DIR", "/dev/shm")
	v.SetDefault("READY_TIMEOUT", "0s")
	v.SetDefault("EPMD_PORT", 4369)
	v.AutomaticEnv()

	return fromViper(v)
}

func fromViper(v *viper.Viper) (*Config, error) {
	var missing []string
	for _, key := range required {
		if strings.TrimSpace(v.GetString(key)) == "" {
			missing = append(missing, key)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: missing %s", ErrConfig, strings.Join(missing, ", "))
	}

	device := strings.ToLower(v.GetString("MODEL_DEVICE"))
	if device != "cpu" && device != "cuda" {
		return nil, fmt.Errorf("%w: MODEL_DEVICE must be cpu or cuda, got %q", ErrConfig, device)
	}

	precision := detections.PrecisionFloat32
	if device == "cuda" {
		precision = detections.PrecisionFloat16
	}
	if p := v.GetString("MODEL_PRECISION"); p != "" {
		var err error
		if precision, err = detections.ParsePrecision(strings.ToLower(p)); err != nil {
			return nil, fmt.Errorf("%w: MODEL_PRECISION: %v", ErrConfig, err)
		}
	}
	if device == "cpu" && precision == detections.PrecisionFloat16 {
		return nil, fmt.Errorf("%w: float16 precision requires MODEL_DEVICE=cuda", ErrConfig)
	}

	timeout, err := time.ParseDuration(v.GetString("READY_TIMEOUT"))
	if err != nil || timeout < 0 {
		return nil, fmt.Errorf("%w: READY_TIMEOUT %q", ErrConfig, v.GetString("READY_TIMEOUT"))
	}

	epmdPort := v.GetInt("EPMD_PORT")
	if epmdPort <= 0 || epmdPort > 65535 {
		return nil, fmt.Errorf("%w: EPMD_PORT %q", ErrConfig, v.GetString("EPMD_PORT"))
	}

	level := strings.ToLower(v.GetString("LOGGER_LEVEL"))

	return &Config{
		Node: NodeConfig{
			Name:     v.GetString("NODE_NAME"),
			Cookie:   v.GetString("NODE_COOKIE"),
			EPMDPort: epmdPort,
		},
		Model: ModelConfig{
			Type:           v.GetString("MODEL_TYPE"),
			Path:           v.GetString("MODEL_PATH"),
			Device:         device,
			DeviceID:       v.GetInt("MODEL_DEVICE_ID"),
			Precision:      precision,
			InputName:      v.GetString("MODEL_INPUT_NAME"),
			OutputName:     v.GetString("MODEL_OUTPUT_NAME"),
			RuntimeLibrary: v.GetString("ONNXRUNTIME_LIB"),
		},
		Ready: ReadyConfig{
			Module:   v.GetString("READY_MODULE"),
			Function: v.GetString("READY_FUNCTION"),
			Value:    v.GetString("READY_VALUE"),
			Timeout:  timeout,
		},
		Verbose:         level == "" || level == "debug",
		MetricsAddr:     v.GetString("METRICS_ADDR"),
		SharedMemoryDir: v.GetString("SHM_DIR"),
	}, nil
}

// UseCUDA reports whether the model runs on the CUDA execution provider.
func (m ModelConfig) UseCUDA() bool { return m.Device == "cuda" }
