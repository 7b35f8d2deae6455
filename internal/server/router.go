package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joseph-ayodele/tender-extractor/constants"
	"github.com/joseph-ayodele/tender-extractor/internal/common"
	"github.com/joseph-ayodele/tender-extractor/internal/entity"
)

// Prober reports whether the store is reachable.
type Prober func(ctx context.Context) error

// CountsFunc returns the current number of jobs per status.
type CountsFunc func(ctx context.Context) (entity.StatusCounts, error)

// JobsFunc lists jobs, optionally filtered by status.
type JobsFunc func(ctx context.Context, status constants.JobStatus, limit int) ([]*entity.Job, error)

// RouterConfig wires the operator endpoints.
type RouterConfig struct {
	Counts   CountsFunc
	Jobs     JobsFunc
	Probe    Prober
	Gatherer prometheus.Gatherer
	Logger   *slog.Logger
	// Timeout bounds each store call made by a handler.
	Timeout time.Duration
}

// StatusResponse is the body of GET /status.
type StatusResponse struct {
	Counts map[string]int `json:"counts"`
	Total  int            `json:"total"`
	At     time.Time      `json:"at"`
}

// NewRouter builds the operator HTTP surface: /healthz, /status, /jobs and
// /metrics.
func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 3 * time.Second
	}
	if cfg.Gatherer == nil {
		cfg.Gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, req *http.Request) {
		if cfg.Probe != nil {
			ctx, cancel := context.WithTimeout(req.Context(), cfg.Timeout)
			defer cancel()
			if err := cfg.Probe(ctx); err != nil {
				cfg.Logger.Warn("health probe failed", "error", err)
				writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
				return
			}
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	r.Get("/status", func(w http.ResponseWriter, req *http.Request) {
		if cfg.Counts == nil {
			writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "status not configured"})
			return
		}
		ctx, cancel := context.WithTimeout(req.Context(), cfg.Timeout)
		defer cancel()
		counts, err := cfg.Counts(ctx)
		if err != nil {
			cfg.Logger.Error("status counts failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "counts unavailable"})
			return
		}
		resp := StatusResponse{Counts: make(map[string]int, len(counts)), Total: counts.Total(), At: time.Now().UTC()}
		for st, n := range counts {
			resp.Counts[string(st)] = n
		}
		writeJSON(w, http.StatusOK, resp)
	})

	r.Get("/jobs", func(w http.ResponseWriter, req *http.Request) {
		if cfg.Jobs == nil {
			writeJSON(w, http.StatusNotImplemented, map[string]string{"error": "jobs not configured"})
			return
		}
		limit := 100
		if v := req.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 || n > 1000 {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": "limit must be within 1..1000"})
				return
			}
			limit = n
		}
		ctx, cancel := context.WithTimeout(req.Context(), cfg.Timeout)
		defer cancel()
		jobs, err := cfg.Jobs(ctx, constants.JobStatus(req.URL.Query().Get("status")), limit)
		switch {
		case errors.Is(err, common.ErrInvalidInput):
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		case err != nil:
			cfg.Logger.Error("list jobs failed", "error", err)
			writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "jobs unavailable"})
			return
		}
		if jobs == nil {
			jobs = []*entity.Job{}
		}
		writeJSON(w, http.StatusOK, jobs)
	})

	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	return r
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
