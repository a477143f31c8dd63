// Package stats collects Prometheus metrics for schema runs. The CLI is a
// short-lived process, so metrics are exported with the node_exporter
// textfile format instead of an HTTP endpoint.
package stats

import (
	"fmt"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "dbschema"

// Metrics holds the collectors of one process. Each instance has its own
// registry.
type Metrics struct {
	reg *prometheus.Registry

	RunsTotal       *prometheus.CounterVec
	RunDuration     *prometheus.HistogramVec
	ModulesTotal    *prometheus.CounterVec
	ModuleDuration  *prometheus.HistogramVec
	DriftTotal      prometheus.Counter
	ReplayedObjects *prometheus.CounterVec
	DDLStatements   *prometheus.CounterVec
	LockWait        prometheus.Histogram
	LastRun         *prometheus.GaugeVec
}

// New creates a collector set with all metrics registered.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	f := promauto.With(reg)
	return &Metrics{
		reg: reg,
		RunsTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "runs_total",
				Help:      "Total number of runs by command and outcome",
			},
			[]string{"command", "status"},
		),
		RunDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "run_duration_seconds",
				Help:      "Run duration in seconds",
				Buckets:   []float64{.05, .1, .25, .5, 1, 2.5, 5, 10, 30, 60, 120, 300},
			},
			[]string{"command"},
		),
		ModulesTotal: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "modules_total",
				Help:      "Modules processed by action (install, upgrade, none) and outcome",
			},
			[]string{"action", "status"},
		),
		ModuleDuration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "module_duration_seconds",
				Help:      "Per-module processing time in seconds",
				Buckets:   []float64{.01, .05, .1, .25, .5, 1, 2.5, 5, 10, 30},
			},
			[]string{"action"},
		),
		DriftTotal: f.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "drift_detected_total",
				Help:      "Modules whose stored checksum differed from the files",
			},
		),
		ReplayedObjects: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "replayed_statements_total",
				Help:      "Statements replayed by kind (indexes, views, seeds)",
			},
			[]string{"kind"},
		),
		DDLStatements: f.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "ddl_statements_total",
				Help:      "DDL statements by outcome (executed, tolerated, rewritten)",
			},
			[]string{"outcome"},
		),
		LockWait: f.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "lock_wait_seconds",
				Help:      "Time spent acquiring the run lock",
				Buckets:   []float64{.001, .01, .05, .1, .5, 1, 5, 10, 30},
			},
		),
		LastRun: f.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "last_run_timestamp_seconds",
				Help:      "Unix time of the last finished run by outcome",
			},
			[]string{"status"},
		),
	}
}

// Registry exposes the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry { return m.reg }

// RunFinished records a run outcome.
func (m *Metrics) RunFinished(command, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.RunsTotal.WithLabelValues(command, status).Inc()
	m.RunDuration.WithLabelValues(command).Observe(d.Seconds())
	m.LastRun.WithLabelValues(status).SetToCurrentTime()
}

// ModuleResult is the subset of a module outcome the metrics need.
type ModuleResult struct {
	Action          string
	Failed          bool
	Drift           bool
	IndexesReplayed int
	ViewsReplayed   int
	SeedsReplayed   int
	Duration        time.Duration
}

// ModuleFinished records one module outcome.
func (m *Metrics) ModuleFinished(r ModuleResult) {
	if m == nil {
		return
	}
	status := "success"
	if r.Failed {
		status = "failed"
	}
	m.ModulesTotal.WithLabelValues(r.Action, status).Inc()
	m.ModuleDuration.WithLabelValues(r.Action).Observe(r.Duration.Seconds())
	if r.Drift {
		m.DriftTotal.Inc()
	}
	m.ReplayedObjects.WithLabelValues("indexes").Add(float64(r.IndexesReplayed))
	m.ReplayedObjects.WithLabelValues("views").Add(float64(r.ViewsReplayed))
	m.ReplayedObjects.WithLabelValues("seeds").Add(float64(r.SeedsReplayed))
}

// AddDDL adds executor counters.
func (m *Metrics) AddDDL(executed, tolerated, rewritten int) {
	if m == nil {
		return
	}
	m.DDLStatements.WithLabelValues("executed").Add(float64(executed))
	m.DDLStatements.WithLabelValues("tolerated").Add(float64(tolerated))
	m.DDLStatements.WithLabelValues("rewritten").Add(float64(rewritten))
}

// ObserveLockWait records how long the run lock took.
func (m *Metrics) ObserveLockWait(d time.Duration) {
	if m == nil {
		return
	}
	m.LockWait.Observe(d.Seconds())
}

// WriteTextfile writes all metrics to path in the text exposition format.
func (m *Metrics) WriteTextfile(path string) error {
	if err := prometheus.WriteToTextfile(path, m.reg); err != nil {
		return fmt.Errorf("writing metrics to %s: %w", path, err)
	}
	return nil
}
