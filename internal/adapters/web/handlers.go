// Package web serves the operational HTTP surface: health, metrics, and
// on-demand sweep runs.
package web

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"land-office/internal/core"
)

// JobRunner runs sweep jobs by name.
type JobRunner interface {
	RunJob(ctx context.Context, name string) (core.SweepResult, error)
	JobNames() []string
}

// Pinger reports whether a dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler holds the ops dependencies behind the chi router.
type Handler struct {
	jobs JobRunner
	db   Pinger
	log  *zap.Logger
}

// NewHandler wires the ops routes.
func NewHandler(jobs JobRunner, db Pinger, gatherer prometheus.Gatherer, log *zap.Logger) http.Handler {
	if log == nil {
		log = zap.NewNop()
	}
	h := &Handler{jobs: jobs, db: db, log: log}

	r := chi.NewRouter()
	r.Use(RequestID)
	r.Use(Logger(log))
	r.Use(Recoverer(log))

	r.Get("/healthz", h.health)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/sweeps", h.listJobs)
	r.Post("/sweeps/{job}/run", h.runJob)

	return r
}

// health pings the database with a short timeout.
func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	type response struct {
		Status   string `json:"status"`
		Database string `json:"database"`
	}

	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := h.db.Ping(ctx); err != nil {
		h.log.Warn("health check failed", zap.Error(err))
		writeJSON(w, http.StatusServiceUnavailable, response{Status: "degraded", Database: "unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, response{Status: "ok", Database: "ok"})
}

func (h *Handler) listJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string][]string{"jobs": h.jobs.JobNames()})
}

type runResponse struct {
	Job        string `json:"job"`
	Scanned    int    `json:"scanned"`
	Affected   int    `json:"affected"`
	Failed     int    `json:"failed"`
	DurationMS int64  `json:"duration_ms"`
}

// runJob runs one sweep synchronously and reports its counts.
func (h *Handler) runJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "job")
	res, err := h.jobs.RunJob(r.Context(), name)
	if err != nil {
		h.log.Warn("on-demand sweep failed", zap.String("job", name), zap.Error(err))
		writeEngineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, runResponse{
		Job:        name,
		Scanned:    res.Scanned,
		Affected:   res.Affected,
		Failed:     res.Failed,
		DurationMS: res.Duration.Milliseconds(),
	})
}
