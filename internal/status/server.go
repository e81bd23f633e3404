// Package status serves the optional run-monitoring endpoint. GPU-bound
// stages can run for hours; the endpoint lets operators watch progress and
// scrape metrics without touching the output directory.
package status

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/segdesign/segdesign/pkg/pipeline"
)

// Snapshotter yields the current run snapshot.
type Snapshotter interface {
	Status() pipeline.Status
}

// NewHandler builds the status router: GET /status returns the run
// snapshot as JSON, GET /metrics exposes the prometheus registry.
func NewHandler(snap Snapshotter, registry *prometheus.Registry, logger *slog.Logger) http.Handler {
	r := chi.NewRouter()
	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snap.Status()); err != nil {
			logger.Error("encoding status", "err", err)
		}
	})
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
	return r
}

// Serve runs the handler on addr in a goroutine and returns immediately.
// The server lives for the whole run; it dies with the process.
func Serve(addr string, handler http.Handler, logger *slog.Logger) {
	go func() {
		logger.Info("status server listening", "addr", addr)
		if err := http.ListenAndServe(addr, handler); err != nil {
			logger.Error("status server stopped", "err", err)
		}
	}()
}
