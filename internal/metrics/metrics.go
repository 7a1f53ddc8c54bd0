// Package metrics holds the Prometheus collectors for the coordinator and the
// transform job. Collectors live on private registries so tests and multiple
// instances in one process do not collide.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"csv-ingest/internal/domain"
	"csv-ingest/internal/service/ingestion"
)

var _ ingestion.Recorder = (*Coordinator)(nil)

// Coordinator records notification outcomes, step latencies and launches.
type Coordinator struct {
	reg           *prometheus.Registry
	notifications *prometheus.CounterVec
	steps         *prometheus.HistogramVec
	launched      *prometheus.CounterVec
}

// NewCoordinator registers the coordinator collectors on a new registry,
// together with the Go runtime and process collectors.
func NewCoordinator() *Coordinator {
	c := &Coordinator{
		reg: prometheus.NewRegistry(),
		notifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csv_ingest_notifications_total",
			Help: "Notifications handled, by outcome and reason.",
		}, []string{"outcome", "reason"}),
		steps: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "csv_ingest_step_duration_seconds",
			Help:    "Latency of each coordinator step.",
			Buckets: prometheus.ExponentialBuckets(0.005, 2, 14),
		}, []string{"step"}),
		launched: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csv_ingest_jobs_launched_total",
			Help: "Transform jobs accepted by a job runner.",
		}, []string{"runner"}),
	}
	c.reg.MustRegister(
		c.notifications,
		c.steps,
		c.launched,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return c
}

// ObserveNotification implements ingestion.Recorder.
func (c *Coordinator) ObserveNotification(outcome domain.Outcome, reason string) {
	c.notifications.WithLabelValues(outcome.String(), reason).Inc()
}

// ObserveStep implements ingestion.Recorder.
func (c *Coordinator) ObserveStep(step string, d time.Duration) {
	c.steps.WithLabelValues(step).Observe(d.Seconds())
}

// JobLaunched implements ingestion.Recorder.
func (c *Coordinator) JobLaunched(runner string) {
	c.launched.WithLabelValues(runner).Inc()
}

// Handler serves the registry in the Prometheus exposition format.
func (c *Coordinator) Handler() http.Handler {
	return promhttp.HandlerFor(c.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (c *Coordinator) Registry() *prometheus.Registry { return c.reg }
