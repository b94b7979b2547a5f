package metrics

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const readHeaderTimeout = 10 * time.Second

// Exporter serves the registry over HTTP.
type Exporter struct {
	addr    string
	metrics *Metrics

	mu      sync.Mutex
	server  *http.Server
	started bool
}

// NewExporter creates an exporter for m listening on addr.
func NewExporter(addr string, m *Metrics) *Exporter {
	return &Exporter{addr: addr, metrics: m}
}

// Handler returns the /metrics handler.
func (e *Exporter) Handler() http.Handler {
	return promhttp.HandlerFor(e.metrics.Registry(), promhttp.HandlerOpts{
		EnableOpenMetrics: true,
	})
}

// Start serves /metrics and /health. It blocks until Shutdown and then
// returns http.ErrServerClosed.
func (e *Exporter) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", e.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	e.server = &http.Server{
		Addr:              e.addr,
		Handler:           mux,
		ReadHeaderTimeout: readHeaderTimeout,
	}
	e.started = true
	srv := e.server
	e.mu.Unlock()

	return srv.ListenAndServe()
}

// Shutdown stops the exporter.
func (e *Exporter) Shutdown(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.server == nil || !e.started {
		return nil
	}
	e.started = false
	return e.server.Shutdown(ctx)
}
