package metrics

import (
	"net/http"
	"sync/atomic"

	"github.com/Tutortoise/inference-worker/models"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds worker counters. The receive loop is the only writer; the
// monitoring server reads concurrently.
type Metrics struct {
	RequestsHandled atomic.Uint64
	Ticks           atomic.Uint64

	requests   *prometheus.CounterVec
	stages     *prometheus.HistogramVec
	detections prometheus.Counter
	dropped    *prometheus.CounterVec

	registry *prometheus.Registry
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "inference_requests_total",
			Help: "Inference requests handled, by image source",
		}, []string{"source"}),
		stages: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "inference_stage_duration_seconds",
			Help:    "Time spent in each request stage",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"stage"}),
		detections: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "inference_detections_total",
			Help: "Detections returned after suppression",
		}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "link_messages_dropped_total",
			Help: "Messages ignored by the receive loop, by kind",
		}, []string{"kind"}),
	}

	m.registry.MustRegister(m.requests, m.stages, m.detections, m.dropped)
	m.registry.MustRegister(prometheus.NewCounterFunc(
		prometheus.CounterOpts{
			Name: "link_ticks_total",
			Help: "Keep-alive ticks answered",
		},
		func() float64 { return float64(m.Ticks.Load()) },
	))
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// ObserveRequest records one completed request.
func (m *Metrics) ObserveRequest(source models.SourceKind, t models.ProcessingTimings, detections int) {
	m.RequestsHandled.Add(1)
	m.requests.WithLabelValues(source.String()).Inc()
	m.stages.WithLabelValues("load").Observe(t.Load.Seconds())
	m.stages.WithLabelValues("execute").Observe(t.Execute.Seconds())
	m.stages.WithLabelValues("process").Observe(t.Process.Seconds())
	m.detections.Add(float64(detections))
}

func (m *Metrics) Dropped(kind string) {
	m.dropped.WithLabelValues(kind).Inc()
}

func (m *Metrics) Tick() {
	m.Ticks.Add(1)
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
