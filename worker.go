package main

import (
	"fmt"
	"time"

	"github.com/Tutortoise/inference-worker/detections"
	"github.com/Tutortoise/inference-worker/etf"
	"github.com/Tutortoise/inference-worker/link"
	"github.com/Tutortoise/inference-worker/metrics"
	"github.com/Tutortoise/inference-worker/models"
	"github.com/Tutortoise/inference-worker/protocol"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// Transport is the connection to the parent node.
type Transport interface {
	Receive() (link.Message, error)
	Send(to etf.Pid, msg etf.Term) error
}

// Decoder turns a message payload into a request whose image the worker
// releases once the request is done.
type Decoder interface {
	Decode(payload []byte) (*protocol.Request, error)
}

// Runner executes the model forward pass.
type Runner interface {
	Forward(t *detections.Tensor) (*detections.Output, error)
}

// Worker owns everything one request needs. It handles a single request
// at a time, in the order messages arrive.
type Worker struct {
	transport Transport
	decoder   Decoder
	builder   *detections.TensorBuilder
	runner    Runner
	metrics   *metrics.Metrics
	logger    *zap.Logger

	minScore float64
	minIoU   float64
}

func NewWorker(transport Transport, decoder Decoder, builder *detections.TensorBuilder,
	runner Runner, m *metrics.Metrics, logger *zap.Logger) *Worker {
	return &Worker{
		transport: transport,
		decoder:   decoder,
		builder:   builder,
		runner:    runner,
		metrics:   m,
		logger:    logger,
		minScore:  detections.MinScore,
		minIoU:    detections.MinIoU,
	}
}

// Run receives and handles messages until the connection fails or a
// request cannot be served. Every returned error is fatal.
func (w *Worker) Run() error {
	for {
		w.logger.Debug("awaiting message")
		msg, err := w.transport.Receive()
		if err != nil {
			return fmt.Errorf("receive: %w", err)
		}

		switch msg.Kind {
		case link.KindTick:
			w.metrics.Tick()
		case link.KindSend, link.KindRegSend:
			w.logger.Debug("got message", zap.Stringer("kind", msg.Kind), zap.Int("bytes", len(msg.Payload)))
			if err := w.handle(msg.Payload); err != nil {
				return err
			}
		default:
			w.metrics.Dropped(msg.Kind.String())
			w.logger.Debug("dropping message", zap.Any("control", msg.Control))
		}
	}
}

func (w *Worker) handle(payload []byte) error {
	req, err := w.decoder.Decode(payload)
	if err != nil {
		return fmt.Errorf("decode request: %w", err)
	}
	defer req.Image.Source.Release()

	timings := models.ProcessingTimings{RequestID: uuid.NewString()}
	logger := w.logger.With(zap.String("request_id", timings.RequestID))
	logger.Debug("processing inference",
		zap.Int("width", req.Image.Width),
		zap.Int("height", req.Image.Height),
		zap.Stringer("source", req.Image.Source.Kind()))

	batch, err := w.infer(req.Image, &timings)
	if err != nil {
		return err
	}

	if err := w.transport.Send(req.Sender, protocol.Reply(req.Nonce, batch, timings)); err != nil {
		return fmt.Errorf("send reply: %w", err)
	}

	count := len(batch.Flatten())
	w.metrics.ObserveRequest(req.Image.Source.Kind(), timings, count)
	logger.Debug("processing times",
		zap.Duration("load", timings.Load),
		zap.Duration("execute", timings.Execute),
		zap.Duration("process", timings.Process),
		zap.Int("detections", count))
	return nil
}

// infer runs one image through the pipeline and records the time spent in
// each stage.
func (w *Worker) infer(img models.Image, timings *models.ProcessingTimings) (models.DetectionBatch, error) {
	start := time.Now()
	tensor, err := w.builder.Build(img)
	if err != nil {
		return nil, fmt.Errorf("build tensor: %w", err)
	}
	loaded := time.Now()
	timings.Load = loaded.Sub(start)

	out, err := w.runner.Forward(tensor)
	if err != nil {
		return nil, fmt.Errorf("forward: %w", err)
	}
	executed := time.Now()
	timings.Execute = executed.Sub(loaded)

	batch, err := detections.Postprocess(out, w.minScore, w.minIoU)
	if err != nil {
		return nil, fmt.Errorf("postprocess: %w", err)
	}
	detections.Rescale(batch, tensor.ScaleX, tensor.ScaleY)
	timings.Process = time.Since(executed)

	return batch, nil
}
