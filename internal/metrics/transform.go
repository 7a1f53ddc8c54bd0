package metrics

import (
	"context"
	"fmt"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/prometheus/client_golang/prometheus/push"

	"csv-ingest/internal/service/transform"
)

var _ transform.Recorder = (*Transform)(nil)

// DefaultPushJob is the Pushgateway job label for transform runs.
const DefaultPushJob = "csv_transform"

// Transform counts rows and runs of the transform job. A batch job ends
// before any scrape, so the values are pushed to a Pushgateway instead.
type Transform struct {
	reg      *prometheus.Registry
	rows     *prometheus.CounterVec
	runs     *prometheus.CounterVec
	duration prometheus.Histogram
}

// NewTransform registers the transform collectors on a new registry.
func NewTransform() *Transform {
	t := &Transform{
		reg: prometheus.NewRegistry(),
		rows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csv_transform_rows_total",
			Help: "Rows handled by transform runs, by kind (read, written, bad).",
		}, []string{"kind"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "csv_transform_runs_total",
			Help: "Transform runs by final status.",
		}, []string{"status"}),
		duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "csv_transform_run_duration_seconds",
			Help:    "Wall time of transform runs.",
			Buckets: prometheus.ExponentialBuckets(0.1, 2, 16),
		}),
	}
	t.reg.MustRegister(t.rows, t.runs, t.duration)
	return t
}

// ObserveRun implements transform.Recorder.
func (t *Transform) ObserveRun(status string, r transform.Report) {
	t.rows.WithLabelValues("read").Add(float64(r.RowsRead))
	t.rows.WithLabelValues("written").Add(float64(r.RowsWritten))
	t.rows.WithLabelValues("bad").Add(float64(r.BadRows))
	t.runs.WithLabelValues(status).Inc()
	t.duration.Observe(r.Duration.Seconds())
}

// Push sends the collected values to a Pushgateway, grouped by job key so
// concurrent runs do not overwrite each other.
func (t *Transform) Push(ctx context.Context, gatewayURL, jobKey string) error {
	if gatewayURL == "" {
		return nil
	}
	p := push.New(gatewayURL, DefaultPushJob).Gatherer(t.reg)
	if jobKey != "" {
		p = p.Grouping("job_key", jobKey)
	}
	if err := p.PushContext(ctx); err != nil {
		return fmt.Errorf("push metrics: %w", err)
	}
	return nil
}

// Handler serves the registry for long-lived agents.
func (t *Transform) Handler() http.Handler {
	return promhttp.HandlerFor(t.reg, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry.
func (t *Transform) Registry() *prometheus.Registry { return t.reg }
