// Package metrics counts what a run did. A batch CLI has nothing to scrape,
// so the registry is written to a node-exporter textfile after every run.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "rewards"

type Metrics struct {
	registry      *prometheus.Registry
	searches      *prometheus.CounterVec
	activities    *prometheus.CounterVec
	phaseDuration *prometheus.HistogramVec
	aborts        *prometheus.CounterVec
	lastRun       *prometheus.GaugeVec
}

// New registers the collectors on a private registry so several instances
// can coexist in one process.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		searches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "search",
			Name:      "queries_total",
			Help:      "Search attempts by account, device profile and outcome.",
		}, []string{"account", "profile", "outcome"}),
		activities: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "activity",
			Name:      "cards_total",
			Help:      "Dashboard activity cards by account and outcome.",
		}, []string{"account", "outcome"}),
		phaseDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "phase_duration_seconds",
			Help:      "Wall time of each run phase.",
			Buckets:   []float64{10, 30, 60, 120, 300, 600, 1200, 2400},
		}, []string{"phase", "status"}),
		aborts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "phase_aborts_total",
			Help:      "Phases that ended early, by reason.",
		}, []string{"phase", "reason"}),
		lastRun: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "last_run_timestamp_seconds",
			Help:      "Unix time the last run of each mode finished.",
		}, []string{"mode"}),
	}
	reg.MustRegister(m.searches, m.activities, m.phaseDuration, m.aborts, m.lastRun)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// AddSearches adds n attempts with the given outcome: completed, missed or
// skipped.
func (m *Metrics) AddSearches(account, profile, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.searches.WithLabelValues(account, profile, outcome).Add(float64(n))
}

func (m *Metrics) AddActivities(account, outcome string, n int) {
	if m == nil || n <= 0 {
		return
	}
	m.activities.WithLabelValues(account, outcome).Add(float64(n))
}

func (m *Metrics) ObservePhase(phase, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase, status).Observe(d.Seconds())
}

func (m *Metrics) IncAbort(phase, reason string) {
	if m == nil {
		return
	}
	m.aborts.WithLabelValues(phase, reason).Inc()
}

func (m *Metrics) MarkRun(mode string, at time.Time) {
	if m == nil {
		return
	}
	m.lastRun.WithLabelValues(mode).Set(float64(at.Unix()))
}

// WriteTextfile writes the registry in the exposition format. The write is
// atomic so a collector never reads a partial file.
func (m *Metrics) WriteTextfile(path string) error {
	if m == nil || path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics dir: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, m.registry); err != nil {
		return fmt.Errorf("write metrics textfile: %w", err)
	}
	return nil
}
