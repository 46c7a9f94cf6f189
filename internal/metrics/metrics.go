// Package metrics manages Prometheus instrumentation for the daemon. The
// registry is explicit and injected into each component at construction;
// nothing registers against the default registry at import time.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "sqlwatch"

// Registry owns the process-wide counters, histograms, and gauges.
type Registry struct {
	reg *prometheus.Registry

	executions    *prometheus.CounterVec
	execSeconds   *prometheus.HistogramVec
	notifications *prometheus.CounterVec
	notifySeconds *prometheus.HistogramVec
	scheduledJobs prometheus.Gauge
	uptimeSeconds prometheus.Counter
}

// NewRegistry builds and registers all instruments.
func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		executions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "alert_executions_total",
				Help:      "Alert executions partitioned by outcome.",
			},
			[]string{"name", "outcome"},
		),
		execSeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "alert_execution_seconds",
				Help:      "Duration of alert executions from query start to fan-out end.",
				Buckets:   []float64{0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120},
			},
			[]string{"name"},
		),
		notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "notifications_total",
				Help:      "Notification deliveries partitioned by channel and result.",
			},
			[]string{"channel", "result"},
		),
		notifySeconds: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "notification_seconds",
				Help:      "Duration of notification deliveries including retries.",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"channel"},
		),
		scheduledJobs: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "scheduled_jobs",
				Help:      "Number of alerts currently scheduled.",
			},
		),
		uptimeSeconds: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "uptime_seconds",
				Help:      "Seconds since the daemon started.",
			},
		),
	}

	r.reg.MustRegister(
		r.executions,
		r.execSeconds,
		r.notifications,
		r.notifySeconds,
		r.scheduledJobs,
		r.uptimeSeconds,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// RecordExecution records one alert run.
func (r *Registry) RecordExecution(name, outcome string, duration time.Duration) {
	if r == nil {
		return
	}
	r.executions.WithLabelValues(name, outcome).Inc()
	secs := duration.Seconds()
	if secs < 0 {
		secs = 0
	}
	r.execSeconds.WithLabelValues(name).Observe(secs)
}

// RecordNotification records one delivery attempt sequence for a channel.
func (r *Registry) RecordNotification(channel string, ok bool, duration time.Duration) {
	if r == nil {
		return
	}
	result := "success"
	if !ok {
		result = "error"
	}
	r.notifications.WithLabelValues(channel, result).Inc()
	r.notifySeconds.WithLabelValues(channel).Observe(duration.Seconds())
}

// SetScheduledJobs updates the scheduled-jobs gauge.
func (r *Registry) SetScheduledJobs(n int) {
	if r == nil {
		return
	}
	r.scheduledJobs.Set(float64(n))
}

// AddUptime advances the uptime counter; driven by the supervisor's ticker.
func (r *Registry) AddUptime(seconds float64) {
	if r == nil {
		return
	}
	r.uptimeSeconds.Add(seconds)
}

// Handler exposes the registry in Prometheus text format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Gatherer exposes the underlying registry for tests.
func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
