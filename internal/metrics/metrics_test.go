package metrics

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csv-ingest/internal/domain"
	"csv-ingest/internal/service/transform"
)

func TestCoordinator(t *testing.T) {
	c := NewCoordinator()
	c.ObserveNotification(domain.OutcomeAccepted, domain.ReasonLaunched)
	c.ObserveNotification(domain.OutcomeAccepted, domain.ReasonLaunched)
	c.ObserveNotification(domain.OutcomeRejectFatal, domain.ReasonInferenceFailed)
	c.ObserveStep("infer", 20*time.Millisecond)
	c.JobLaunched("dataflow")

	assert.Equal(t, 2.0, testutil.ToFloat64(c.notifications.WithLabelValues("accepted", "launched")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.notifications.WithLabelValues("reject_fatal", "inference_failed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(c.launched.WithLabelValues("dataflow")))

	rec := httptest.NewRecorder()
	c.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `csv_ingest_notifications_total{outcome="accepted",reason="launched"} 2`)
	assert.Contains(t, body, `csv_ingest_step_duration_seconds_count{step="infer"} 1`)
}

func TestTransform_Push(t *testing.T) {
	var path, body string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		b, _ := io.ReadAll(r.Body)
		body = string(b)
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	m := NewTransform()
	m.ObserveRun(transform.StatusSucceeded, transform.Report{RowsRead: 10, RowsWritten: 9, BadRows: 1, Duration: time.Second})

	assert.Equal(t, 9.0, testutil.ToFloat64(m.rows.WithLabelValues("written")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runs.WithLabelValues("succeeded")))

	require.NoError(t, m.Push(context.Background(), srv.URL, "abc123"))
	assert.True(t, strings.HasPrefix(path, "/metrics/job/csv_transform/job_key/abc123"), path)
	assert.NotEmpty(t, body)

	require.NoError(t, m.Push(context.Background(), "", "abc123"), "no gateway configured")
}
