package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/Tutortoise/inference-worker/detections"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("NODE_NAME", "pool@localhost")
	t.Setenv("NODE_COOKIE", "secret")
	t.Setenv("MODEL_PATH", "/models/yolov5s.onnx")
	t.Setenv("READY_MODULE", "Elixir.Emporium.Inference.Pool")
	t.Setenv("READY_FUNCTION", "ready")
	t.Setenv("READY_VALUE", "yolov5")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Node.Name != "pool@localhost" || cfg.Node.Cookie != "secret" || cfg.Node.EPMDPort != 4369 {
		t.Errorf("Node = %+v", cfg.Node)
	}
	if cfg.Model.Device != "cpu" || cfg.Model.Precision != detections.PrecisionFloat32 || cfg.Model.UseCUDA() {
		t.Errorf("Model = %+v", cfg.Model)
	}
	if cfg.Model.InputName != "images" || cfg.Model.OutputName != "output0" {
		t.Errorf("tensor names = %q, %q", cfg.Model.InputName, cfg.Model.OutputName)
	}
	if cfg.Ready.Module != "Elixir.Emporium.Inference.Pool" || cfg.Ready.Function != "ready" || cfg.Ready.Value != "yolov5" {
		t.Errorf("Ready = %+v", cfg.Ready)
	}
	if cfg.Ready.Timeout != 0 {
		t.Errorf("Ready.Timeout = %v, want 0", cfg.Ready.Timeout)
	}
	if cfg.SharedMemoryDir != "/dev/shm" || cfg.MetricsAddr != "" {
		t.Errorf("SharedMemoryDir = %q, MetricsAddr = %q", cfg.SharedMemoryDir, cfg.MetricsAddr)
	}
	if !cfg.Verbose {
		t.Error("unset LOGGER_LEVEL should be verbose")
	}
}

func TestLoadMissingRequired(t *testing.T) {
	for _, key := range required {
		t.Run(key, func(t *testing.T) {
			setRequired(t)
			t.Setenv(key, "")
			if _, err := Load(); !errors.Is(err, ErrConfig) {
				t.Errorf("error = %v, want ErrConfig", err)
			}
		})
	}
}

func TestLoadLoggerLevel(t *testing.T) {
	tests := map[string]bool{"debug": true, "DEBUG": true, "info": false, "error": false}
	for level, verbose := range tests {
		setRequired(t)
		t.Setenv("LOGGER_LEVEL", level)
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load() error = %v", err)
		}
		if cfg.Verbose != verbose {
			t.Errorf("LOGGER_LEVEL=%s: Verbose = %v, want %v", level, cfg.Verbose, verbose)
		}
	}
}

func TestLoadDevicePrecision(t *testing.T) {
	tests := []struct {
		device, precision string
		want              detections.Precision
		wantErr           bool
	}{
		{"cuda", "", detections.PrecisionFloat16, false},
		{"cuda", "float32", detections.PrecisionFloat32, false},
		{"CPU", "float32", detections.PrecisionFloat32, false},
		{"cpu", "float16", 0, true},
		{"tpu", "", 0, true},
		{"cuda", "int8", 0, true},
	}
	for _, tt := range tests {
		setRequired(t)
		t.Setenv("MODEL_DEVICE", tt.device)
		t.Setenv("MODEL_PRECISION", tt.precision)
		cfg, err := Load()
		if tt.wantErr {
			if !errors.Is(err, ErrConfig) {
				t.Errorf("%s/%s: error = %v, want ErrConfig", tt.device, tt.precision, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("%s/%s: error = %v", tt.device, tt.precision, err)
			continue
		}
		if cfg.Model.Precision != tt.want {
			t.Errorf("%s/%s: precision = %v, want %v", tt.device, tt.precision, cfg.Model.Precision, tt.want)
		}
	}
}

func TestLoadInvalidValues(t *testing.T) {
	for key, value := range map[string]string{"READY_TIMEOUT": "soon", "EPMD_PORT": "70000"} {
		setRequired(t)
		t.Setenv(key, value)
		if _, err := Load(); !errors.Is(err, ErrConfig) {
			t.Errorf("%s=%s: error = %v, want ErrConfig", key, value, err)
		}
	}
}

func TestLoadEnvFile(t *testing.T) {
	setRequired(t)
	t.Setenv("READY_VALUE", "from-env")

	path := filepath.Join(t.TempDir(), ".env")
	content := "READY_VALUE=from-file\nMETRICS_ADDR=127.0.0.1:9464\nREADY_TIMEOUT=30s\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() {
		os.Unsetenv("METRICS_ADDR")
		os.Unsetenv("READY_TIMEOUT")
	})

	cfg, err := Load(path, filepath.Join(t.TempDir(), "absent.env"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Ready.Value != "from-env" {
		t.Errorf("Ready.Value = %q, environment should win", cfg.Ready.Value)
	}
	if cfg.MetricsAddr != "127.0.0.1:9464" || cfg.Ready.Timeout != 30*time.Second {
		t.Errorf("file values not applied: %q, %v", cfg.MetricsAddr, cfg.Ready.Timeout)
	}
}
