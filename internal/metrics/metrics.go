// Package metrics holds the Prometheus collectors for the pipeline. A nil *Metrics is valid and
// records nothing, so components take it as an optional dependency.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles the pipeline collectors on a dedicated registry.
type Metrics struct {
	Registry            *prometheus.Registry
	TransitionsTotal    *prometheus.CounterVec
	StageDuration       *prometheus.HistogramVec
	RetriesTotal        *prometheus.CounterVec
	StallsTotal         *prometheus.CounterVec
	ReportFailuresTotal prometheus.Counter
	PublishErrorsTotal  prometheus.Counter
	QueueDepth          prometheus.Gauge
	ScheduledTotal      prometheus.Counter
}

func New() *Metrics {
	registry := prometheus.NewRegistry()

	transitions := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diagnostics_transitions_total",
			Help: "Applied submission status transitions.",
		},
		[]string{"from", "to"},
	)
	stageDuration := prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "diagnostics_stage_duration_seconds",
			Help:    "Collaborator call latency by pipeline stage and result.",
			Buckets: []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		},
		[]string{"stage", "result"},
	)
	retries := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diagnostics_retries_total",
			Help: "Retry budget consumed, by stage.",
		},
		[]string{"stage"},
	)
	stalls := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diagnostics_stalls_total",
			Help: "Submissions recovered from a stalled in-flight status.",
		},
		[]string{"status"},
	)
	reportFailures := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "diagnostics_report_failures_total",
			Help: "Best-effort report generations that failed.",
		},
	)
	publishErrors := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "diagnostics_event_publish_errors_total",
			Help: "Events that could not be published.",
		},
	)
	queueDepth := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "diagnostics_queue_depth",
			Help: "Submissions waiting for a worker.",
		},
	)
	scheduled := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "diagnostics_scheduled_total",
			Help: "Delayed re-invocations scheduled by the worker queue.",
		},
	)

	registry.MustRegister(
		transitions, stageDuration, retries, stalls, reportFailures, publishErrors, queueDepth, scheduled,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	return &Metrics{
		Registry:            registry,
		TransitionsTotal:    transitions,
		StageDuration:       stageDuration,
		RetriesTotal:        retries,
		StallsTotal:         stalls,
		ReportFailuresTotal: reportFailures,
		PublishErrorsTotal:  publishErrors,
		QueueDepth:          queueDepth,
		ScheduledTotal:      scheduled,
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{Registry: m.Registry})
}

func (m *Metrics) IncTransition(from, to string) {
	if m == nil {
		return
	}
	m.TransitionsTotal.WithLabelValues(from, to).Inc()
}

// ObserveStage records one collaborator call. result is "ok" or a failure kind.
func (m *Metrics) ObserveStage(stage, result string, d time.Duration) {
	if m == nil {
		return
	}
	m.StageDuration.WithLabelValues(stage, result).Observe(d.Seconds())
}

func (m *Metrics) IncRetry(stage string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(stage).Inc()
}

func (m *Metrics) IncStall(status string) {
	if m == nil {
		return
	}
	m.StallsTotal.WithLabelValues(status).Inc()
}

func (m *Metrics) IncReportFailure() {
	if m == nil {
		return
	}
	m.ReportFailuresTotal.Inc()
}

func (m *Metrics) IncPublishError() {
	if m == nil {
		return
	}
	m.PublishErrorsTotal.Inc()
}

func (m *Metrics) SetQueueDepth(n int) {
	if m == nil {
		return
	}
	m.QueueDepth.Set(float64(n))
}

func (m *Metrics) IncScheduled() {
	if m == nil {
		return
	}
	m.ScheduledTotal.Inc()
}
