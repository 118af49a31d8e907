package jobmetrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics exposes Prometheus collectors for background jobs.
type Metrics struct {
	runs         *prometheus.CounterVec
	failures     *prometheus.CounterVec
	duration     *prometheus.HistogramVec
	declarations *prometheus.CounterVec
	results      *prometheus.CounterVec
	retries      *prometheus.CounterVec
}

var (
	defaultOnce    sync.Once
	defaultMetrics *Metrics
)

// NewMetrics registers the job metrics against the provided registerer. When the
// registerer is nil the default Prometheus registerer is used.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		defaultOnce.Do(func() {
			defaultMetrics = buildMetrics(prometheus.DefaultRegisterer)
		})
		return defaultMetrics
	}
	return buildMetrics(registerer)
}

// Tracker provides lifecycle instrumentation helpers for a single job run.
type Tracker struct {
	metrics *Metrics
	job     string
	start   time.Time
}

// Track spawns a tracker for the given job name.
func (m *Metrics) Track(job string) *Tracker {
	if m == nil {
		return &Tracker{job: job, start: time.Now()}
	}
	return &Tracker{metrics: m, job: job, start: time.Now()}
}

// End finalises the tracker, recording duration, success/failure counts and
// returning the provided error untouched.
func (t *Tracker) End(err error) error {
	if t == nil || t.metrics == nil || t.job == "" {
		return err
	}
	status := "success"
	if err != nil {
		status = "failure"
		t.metrics.failures.WithLabelValues(t.job).Inc()
	}
	t.metrics.runs.WithLabelValues(t.job, status).Inc()
	t.metrics.duration.WithLabelValues(t.job).Observe(time.Since(t.start).Seconds())
	return err
}

// IncDeclarationIssued counts a declaration sent to the authority.
func (m *Metrics) IncDeclarationIssued(kind string) {
	if m == nil {
		return
	}
	m.declarations.WithLabelValues(kind).Inc()
}

// ObserveDeclarationResult counts a settled declaration by type and state.
func (m *Metrics) ObserveDeclarationResult(kind, state string) {
	if m == nil {
		return
	}
	m.results.WithLabelValues(kind, state).Inc()
}

// IncRetryScheduled counts a successor pass scheduled for the given reason.
func (m *Metrics) IncRetryScheduled(reason string) {
	if m == nil {
		return
	}
	if reason == "" {
		reason = "unknown"
	}
	m.retries.WithLabelValues(reason).Inc()
}

func buildMetrics(registerer prometheus.Registerer) *Metrics {
	runs := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dimona_jobs_total",
		Help: "Total job executions partitioned by job name and status.",
	}, []string{"job", "status"})
	failures := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dimona_jobs_failures_total",
		Help: "Total failures observed for background jobs.",
	}, []string{"job"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "dimona_job_duration_seconds",
		Help:    "Duration in seconds of background job executions.",
		Buckets: prometheus.DefBuckets,
	}, []string{"job"})
	declarations := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dimona_declarations_issued_total",
		Help: "Declarations sent to the authority by declaration type.",
	}, []string{"type"})
	results := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dimona_declaration_results_total",
		Help: "Settled declarations by declaration type and resulting state.",
	}, []string{"type", "state"})
	retries := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "dimona_sync_retries_total",
		Help: "Successor sync passes scheduled by reason.",
	}, []string{"reason"})
	registerer.MustRegister(runs, failures, duration, declarations, results, retries)
	return &Metrics{
		runs:         runs,
		failures:     failures,
		duration:     duration,
		declarations: declarations,
		results:      results,
		retries:      retries,
	}
}
