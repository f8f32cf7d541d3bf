// Package metrics exposes invocation counters in Prometheus format.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tjfontaine/thingserver/internal/invocation"
)

// Duration buckets in milliseconds. Actions range from instant property
// pokes to multi-minute hardware moves.
var defaultBuckets = []float64{1, 5, 10, 50, 100, 500, 1000, 5000, 30000, 120000, 600000}

// Prometheus implements action.Metrics on its own registry so several
// servers in one process do not collide.
type Prometheus struct {
	registry *prometheus.Registry

	submitted *prometheus.CounterVec
	started   *prometheus.CounterVec
	finished  *prometheus.CounterVec
	duration  *prometheus.HistogramVec
	expired   prometheus.Counter
	retained  prometheus.Gauge
	running   prometheus.Gauge
}

// NewPrometheus creates the collectors under namespace.
func NewPrometheus(namespace string) *Prometheus {
	if namespace == "" {
		namespace = "thingserver"
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	p := &Prometheus{
		registry: registry,

		submitted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_submitted_total",
				Help:      "Action invocations accepted",
			},
			[]string{"action"},
		),

		started: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_started_total",
				Help:      "Action invocations that began running",
			},
			[]string{"action"},
		),

		finished: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_finished_total",
				Help:      "Action invocations that reached a final status",
			},
			[]string{"action", "status"},
		),

		duration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "invocation_duration_milliseconds",
				Help:      "Time from start to finish of an action in milliseconds",
				Buckets:   defaultBuckets,
			},
			[]string{"action", "status"},
		),

		expired: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "invocations_expired_total",
				Help:      "Finished invocations dropped after their retention time",
			},
		),

		retained: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "invocations_retained",
				Help:      "Invocations currently held in the registry",
			},
		),

		running: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "invocations_running",
				Help:      "Invocations currently executing",
			},
		),
	}

	registry.MustRegister(
		p.submitted,
		p.started,
		p.finished,
		p.duration,
		p.expired,
		p.retained,
		p.running,
	)
	return p
}

func (p *Prometheus) InvocationSubmitted(action string) {
	p.submitted.WithLabelValues(action).Inc()
}

func (p *Prometheus) InvocationStarted(action string) {
	p.started.WithLabelValues(action).Inc()
	p.running.Inc()
}

func (p *Prometheus) InvocationFinished(action string, status invocation.Status, d time.Duration) {
	p.finished.WithLabelValues(action, string(status)).Inc()
	// invocations cancelled while queued never started
	if d > 0 {
		p.running.Dec()
		p.duration.WithLabelValues(action, string(status)).Observe(float64(d.Microseconds()) / 1000)
	}
}

func (p *Prometheus) InvocationsExpired(n int) {
	p.expired.Add(float64(n))
}

func (p *Prometheus) SetRetained(n int) {
	p.retained.Set(float64(n))
}

// Registry returns the underlying registry for custom collectors.
func (p *Prometheus) Registry() *prometheus.Registry {
	return p.registry
}

// Handler serves the exposition format.
func (p *Prometheus) Handler() http.Handler {
	return promhttp.HandlerFor(p.registry, promhttp.HandlerOpts{})
}
