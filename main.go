package main

import (
	"context"
	"errors"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/Tutortoise/inference-worker/config"
	"github.com/Tutortoise/inference-worker/detections"
	"github.com/Tutortoise/inference-worker/link"
	"github.com/Tutortoise/inference-worker/logging"
	"github.com/Tutortoise/inference-worker/metrics"
	"github.com/Tutortoise/inference-worker/protocol"
	ort "github.com/yalue/onnxruntime_go"
	"go.uber.org/zap"
)

func main() {
	cfg, err := config.Load(".env")
	if err != nil {
		logger, _ := logging.New(false)
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger, err := logging.New(cfg.Verbose)
	if err != nil {
		panic(fmt.Sprintf("failed to build logger: %v", err))
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, logger); err != nil {
		logger.Fatal("worker stopped", zap.Error(err))
	}
	logger.Info("worker shut down")
}

func run(ctx context.Context, cfg *config.Config, logger *zap.Logger) error {
	libPath, err := runtimeLibraryPath(cfg.Model.RuntimeLibrary)
	if err != nil {
		return fmt.Errorf("%w: %v", config.ErrConfig, err)
	}
	ort.SetSharedLibraryPath(libPath)
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	defer ort.DestroyEnvironment()

	session, err := detections.NewModelSession(detections.SessionConfig{
		ModelPath:  cfg.Model.Path,
		InputName:  cfg.Model.InputName,
		OutputName: cfg.Model.OutputName,
		Precision:  cfg.Model.Precision,
		UseCUDA:    cfg.Model.UseCUDA(),
		DeviceID:   cfg.Model.DeviceID,
	})
	if errors.Is(err, detections.ErrPrecisionMismatch) {
		return fmt.Errorf("%w: %v", config.ErrConfig, err)
	}
	if err != nil {
		return fmt.Errorf("failed to create model session: %w", err)
	}
	defer session.Destroy()
	logger.Info("model loaded",
		zap.String("type", cfg.Model.Type),
		zap.String("path", cfg.Model.Path),
		zap.String("device", cfg.Model.Device),
		zap.Stringer("precision", cfg.Model.Precision),
		zap.Int("input_width", session.InputWidth),
		zap.Int("input_height", session.InputHeight))

	conn, err := link.Connect(ctx, cfg.Node.Name, cfg.Node.Cookie, link.Options{
		EPMDPort: cfg.Node.EPMDPort,
		Logger:   logger,
	})
	if err != nil {
		return err
	}
	defer conn.Close()
	self := conn.Self()
	logger.Info("connected", zap.String("peer", conn.Peer()), zap.String("node", string(self.Node)))

	readyCtx := ctx
	if cfg.Ready.Timeout > 0 {
		var cancel context.CancelFunc
		readyCtx, cancel = context.WithTimeout(ctx, cfg.Ready.Timeout)
		defer cancel()
	}
	if err := conn.ReadinessHandshake(readyCtx, cfg.Ready.Module, cfg.Ready.Function, cfg.Ready.Value); err != nil {
		return err
	}

	m := metrics.New()
	if cfg.MetricsAddr != "" {
		mon := &Monitor{
			Node:    string(self.Node),
			Peer:    conn.Peer(),
			Mailbox: fmt.Sprintf("<%s.%d.%d>", self.Node, self.ID, self.Serial),
			Metrics: m,
		}
		mon.Start(cfg.MetricsAddr, logger)
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			mon.Shutdown(shutdownCtx)
		}()
	}

	// Closing the connection unblocks Receive on shutdown.
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	worker := NewWorker(conn,
		protocol.NewDecoder(cfg.SharedMemoryDir),
		detections.NewTensorBuilder(cfg.Model.Precision, session.InputWidth, session.InputHeight),
		session, m, logger)
	err = worker.Run()
	if ctx.Err() != nil {
		return nil
	}
	return err
}
