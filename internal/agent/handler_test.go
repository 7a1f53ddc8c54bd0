package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csv-ingest/internal/domain"
	"csv-ingest/internal/launcher"
	"csv-ingest/internal/service/transform"
)

const testToken = "test-agent-token-42"

type stubRunner struct {
	calls atomic.Int32
	runFn func(ctx context.Context, req domain.JobRequest) (*transform.Report, error)
}

func (s *stubRunner) Run(ctx context.Context, req domain.JobRequest) (*transform.Report, error) {
	s.calls.Add(1)
	return s.runFn(ctx, req)
}

// gatedRunner blocks every run until release is closed or the run is cancelled.
func gatedRunner(release <-chan struct{}) *stubRunner {
	return &stubRunner{runFn: func(ctx context.Context, _ domain.JobRequest) (*transform.Report, error) {
		select {
		case <-release:
			return &transform.Report{RowsRead: 3, RowsWritten: 3}, nil
		case <-ctx.Done():
			return &transform.Report{}, ctx.Err()
		}
	}}
}

func setupAgent(t *testing.T, runner Runner, maxConcurrency int64) (*Server, *httptest.Server) {
	t.Helper()
	s := NewServer(Config{Runner: runner, Token: testToken, MaxConcurrency: maxConcurrency})
	srv := httptest.NewServer(s.Handler())
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, srv
}

func testRequest(key string) domain.JobRequest {
	return domain.JobRequest{
		Key:       key,
		Source:    domain.ObjectRef{Bucket: "landing", Object: "incoming/" + key + ".csv", Generation: 1},
		Table:     domain.TableIdentifier{Project: "proj", Dataset: "csv_ingest", Table: "csv_" + key},
		Schema:    domain.InferredSchema{Columns: []domain.Column{{Name: "id", Type: domain.TypeInteger}}},
		Delimiter: ",",
		HasHeader: true,
	}
}

func postJob(t *testing.T, srv *httptest.Server, token string, body []byte) *http.Response {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodPost, srv.URL+"/jobs", bytes.NewReader(body))
	require.NoError(t, err)
	if token != "" {
		launcher.SignRequest(req, token, body, time.Now())
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	return resp
}

func getJob(t *testing.T, srv *httptest.Server, id string) (job, int) {
	t.Helper()
	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/jobs/"+id, nil)
	require.NoError(t, err)
	launcher.SignRequest(req, testToken, nil, time.Now())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var j job
	if resp.StatusCode == http.StatusOK {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&j))
	}
	return j, resp.StatusCode
}

func waitForStatus(t *testing.T, srv *httptest.Server, id, status string) job {
	t.Helper()
	var j job
	require.Eventually(t, func() bool {
		j, _ = getJob(t, srv, id)
		return j.Status == status
	}, 2*time.Second, 10*time.Millisecond, "job %s never reached %s", id, status)
	return j
}

func TestAgent_LaunchThroughClient(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	runner := gatedRunner(release)
	_, srv := setupAgent(t, runner, 2)

	client, err := launcher.NewAgent(srv.URL, testToken, nil)
	require.NoError(t, err)
	ctx := context.Background()
	req := testRequest("orders")

	first, err := client.Launch(ctx, req)
	require.NoError(t, err)
	assert.NotEmpty(t, first.ID)
	assert.Equal(t, launcher.RunnerAgent, first.Runner)
	assert.Equal(t, domain.JobName(launcher.DefaultJobNamePrefix, "orders"), first.Name)
	assert.False(t, first.AlreadyRunning)

	second, err := client.Launch(ctx, req)
	require.NoError(t, err)
	assert.True(t, second.AlreadyRunning)
	assert.Equal(t, first.ID, second.ID)

	close(release)
	done := waitForStatus(t, srv, first.ID, StatusSucceeded)
	require.NotNil(t, done.Report)
	assert.EqualValues(t, 3, done.Report.RowsWritten)

	third, err := client.Launch(ctx, req)
	require.NoError(t, err)
	assert.False(t, third.AlreadyRunning)
	assert.Equal(t, first.ID, third.ID, "a finished job is not rerun")
	assert.EqualValues(t, 1, runner.calls.Load())
}

func TestAgent_RejectsUnsignedRequests(t *testing.T) {
	t.Parallel()
	runner := &stubRunner{runFn: func(context.Context, domain.JobRequest) (*transform.Report, error) {
		panic("runner must not be called")
	}}
	_, srv := setupAgent(t, runner, 1)
	body, err := json.Marshal(testRequest("a"))
	require.NoError(t, err)

	for name, token := range map[string]string{"unsigned": "", "wrong token": "not-the-token"} {
		resp := postJob(t, srv, token, body)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode, name)
	}

	req, err := http.NewRequestWithContext(context.Background(), http.MethodGet, srv.URL+"/jobs/x", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestAgent_RejectsInvalidRequests(t *testing.T) {
	t.Parallel()
	runner := &stubRunner{runFn: func(context.Context, domain.JobRequest) (*transform.Report, error) {
		panic("runner must not be called")
	}}
	_, srv := setupAgent(t, runner, 1)

	bad := testRequest("a")
	bad.Delimiter = ";;"
	invalid, err := json.Marshal(bad)
	require.NoError(t, err)

	for name, body := range map[string][]byte{
		"not json":       []byte("{"),
		"missing fields": []byte("{}"),
		"bad delimiter":  invalid,
	} {
		resp := postJob(t, srv, testToken, body)
		_ = resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode, name)
	}
}

func TestAgent_BoundsConcurrency(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	runner := gatedRunner(release)
	_, srv := setupAgent(t, runner, 1)
	client, err := launcher.NewAgent(srv.URL, testToken, nil)
	require.NoError(t, err)

	a, err := client.Launch(context.Background(), testRequest("a"))
	require.NoError(t, err)
	b, err := client.Launch(context.Background(), testRequest("b"))
	require.NoError(t, err)

	waitForStatus(t, srv, a.ID, StatusRunning)
	queued, _ := getJob(t, srv, b.ID)
	assert.Equal(t, StatusQueued, queued.Status)
	assert.EqualValues(t, 1, runner.calls.Load())

	close(release)
	waitForStatus(t, srv, a.ID, StatusSucceeded)
	waitForStatus(t, srv, b.ID, StatusSucceeded)
	assert.EqualValues(t, 2, runner.calls.Load())
}

func TestAgent_FailedJobCanBeResubmitted(t *testing.T) {
	t.Parallel()
	var fail atomic.Bool
	fail.Store(true)
	runner := &stubRunner{runFn: func(context.Context, domain.JobRequest) (*transform.Report, error) {
		if fail.Load() {
			return &transform.Report{BadRows: 5}, &domain.ThresholdExceededError{BadRows: 5, MaxBadRows: 0}
		}
		return &transform.Report{RowsWritten: 1}, nil
	}}
	_, srv := setupAgent(t, runner, 1)
	client, err := launcher.NewAgent(srv.URL, testToken, nil)
	require.NoError(t, err)

	first, err := client.Launch(context.Background(), testRequest("a"))
	require.NoError(t, err)
	failed := waitForStatus(t, srv, first.ID, StatusFailed)
	assert.Contains(t, failed.Error, "bad row count")
	require.NotNil(t, failed.Report)
	assert.EqualValues(t, 5, failed.Report.BadRows)

	fail.Store(false)
	retry, err := client.Launch(context.Background(), testRequest("a"))
	require.NoError(t, err)
	assert.NotEqual(t, first.ID, retry.ID)
	waitForStatus(t, srv, retry.ID, StatusSucceeded)
}

func TestAgent_GetUnknownAndHealth(t *testing.T) {
	t.Parallel()
	_, srv := setupAgent(t, gatedRunner(make(chan struct{})), 1)

	_, status := getJob(t, srv, "missing")
	assert.Equal(t, http.StatusNotFound, status)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["max_concurrency"])
}

func TestAgent_ShutdownCancelsRunningJobs(t *testing.T) {
	t.Parallel()
	s, srv := setupAgent(t, gatedRunner(make(chan struct{})), 1)
	client, err := launcher.NewAgent(srv.URL, testToken, nil)
	require.NoError(t, err)

	h, err := client.Launch(context.Background(), testRequest("a"))
	require.NoError(t, err)
	waitForStatus(t, srv, h.ID, StatusRunning)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = s.Shutdown(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))

	j, _ := getJob(t, srv, h.ID)
	assert.Equal(t, StatusFailed, j.Status)
	assert.Contains(t, j.Error, "context canceled")

	_, err = client.Launch(context.Background(), testRequest("b"))
	var se *domain.SubmissionError
	require.ErrorAs(t, err, &se)
	assert.Contains(t, se.Error(), "503")
}

func TestServer_PrunesFinishedJobs(t *testing.T) {
	t.Parallel()
	runner := &stubRunner{runFn: func(context.Context, domain.JobRequest) (*transform.Report, error) {
		return &transform.Report{RowsRead: 1, RowsWritten: 1}, nil
	}}
	s := NewServer(Config{Runner: runner, Token: testToken, JobRetention: time.Hour, MaxFinished: 2})
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	base := time.Now()
	var offset atomic.Int64
	s.now = func() time.Time { return base.Add(time.Duration(offset.Load())) }

	runToEnd := func(key string) string {
		t.Helper()
		j, code := s.enqueue(testRequest(key))
		require.Equal(t, http.StatusAccepted, code)
		require.Eventually(t, func() bool {
			got, ok := s.lookup(j.ID)
			return ok && got.Status == StatusSucceeded
		}, 5*time.Second, 5*time.Millisecond)
		offset.Add(int64(time.Minute))
		return j.ID
	}

	k1 := runToEnd("k1")
	k2 := runToEnd("k2")
	k3 := runToEnd("k3")

	// Over the cap: the oldest finished job goes.
	_, ok := s.lookup(k1)
	assert.False(t, ok)
	for _, id := range []string{k2, k3} {
		_, ok = s.lookup(id)
		assert.True(t, ok, id)
	}

	// Past the retention: everything finished before goes.
	offset.Add(int64(2 * time.Hour))
	k4 := runToEnd("k4")
	for _, id := range []string{k2, k3} {
		_, ok = s.lookup(id)
		assert.False(t, ok, id)
	}
	_, ok = s.lookup(k4)
	assert.True(t, ok)

	s.mu.Lock()
	assert.Len(t, s.jobs, 1)
	assert.Len(t, s.byKey, 1)
	s.mu.Unlock()

	// A forgotten key runs again.
	j, code := s.enqueue(testRequest("k1"))
	assert.Equal(t, http.StatusAccepted, code)
	assert.NotEqual(t, k1, j.ID)
}
