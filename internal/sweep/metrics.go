package sweep

import (
	"context"
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"land-office/internal/core"
)

// Metrics records sweep outcomes.
type Metrics struct {
	runs        *prometheus.CounterVec
	items       *prometheus.CounterVec
	duration    *prometheus.HistogramVec
	lastSuccess *prometheus.GaugeVec
}

// NewMetrics creates the sweep collectors and registers them with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "land_office",
			Subsystem: "sweep",
			Name:      "runs_total",
			Help:      "Sweep job runs by outcome (ok, error, cancelled, skipped).",
		}, []string{"job", "outcome"}),
		items: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "land_office",
			Subsystem: "sweep",
			Name:      "items_total",
			Help:      "Rows handled by sweep jobs, by result (affected, failed).",
		}, []string{"job", "result"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "land_office",
			Subsystem: "sweep",
			Name:      "duration_seconds",
			Help:      "Wall time of sweep job runs.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 8),
		}, []string{"job"}),
		lastSuccess: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "land_office",
			Subsystem: "sweep",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last successful run.",
		}, []string{"job"}),
	}
	reg.MustRegister(m.runs, m.items, m.duration, m.lastSuccess)
	return m
}

func (m *Metrics) observe(job string, res core.SweepResult, err error, at time.Time) {
	outcome := "ok"
	switch {
	case errors.Is(err, ErrLocked):
		outcome = "skipped"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		outcome = "cancelled"
	case err != nil:
		outcome = "error"
	}
	m.runs.WithLabelValues(job, outcome).Inc()
	if outcome == "skipped" {
		return
	}
	m.items.WithLabelValues(job, "affected").Add(float64(res.Affected))
	m.items.WithLabelValues(job, "failed").Add(float64(res.Failed))
	m.duration.WithLabelValues(job).Observe(res.Duration.Seconds())
	if outcome == "ok" {
		m.lastSuccess.WithLabelValues(job).Set(float64(at.Unix()))
	}
}
