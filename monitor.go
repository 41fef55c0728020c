package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Tutortoise/inference-worker/metrics"
	"github.com/gorilla/mux"
	"go.uber.org/zap"
)

// Monitor serves metrics and health on a side port. It only reads
// counters, so it never touches request state.
type Monitor struct {
	Node    string
	Peer    string
	Mailbox string
	Metrics *metrics.Metrics

	server *http.Server
}

type HealthResponse struct {
	Status          string `json:"status"`
	Node            string `json:"node"`
	Peer            string `json:"peer"`
	Mailbox         string `json:"mailbox"`
	RequestsHandled uint64 `json:"requests_handled"`
	Ticks           uint64 `json:"ticks"`
}

func (m *Monitor) Router() *mux.Router {
	r := mux.NewRouter()
	r.Handle("/metrics", m.Metrics.Handler()).Methods("GET")
	r.HandleFunc("/health", m.handleHealth).Methods("GET")
	return r
}

func (m *Monitor) handleHealth(w http.ResponseWriter, _ *http.Request) {
	response := HealthResponse{
		Status:          "ok",
		Node:            m.Node,
		Peer:            m.Peer,
		Mailbox:         m.Mailbox,
		RequestsHandled: m.Metrics.RequestsHandled.Load(),
		Ticks:           m.Metrics.Ticks.Load(),
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(response)
}

// Start listens on addr in the background.
func (m *Monitor) Start(addr string, logger *zap.Logger) {
	m.server = &http.Server{
		Handler:      m.Router(),
		Addr:         addr,
		WriteTimeout: 15 * time.Second,
		ReadTimeout:  15 * time.Second,
	}

	go func() {
		logger.Info("starting monitoring server", zap.String("addr", addr))
		if err := m.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("monitoring server stopped", zap.Error(err))
		}
	}()
}

func (m *Monitor) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}
