package ingestion

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"csv-ingest/internal/db"
	"csv-ingest/internal/db/repository"
	"csv-ingest/internal/domain"
	"csv-ingest/internal/service/inference"
	"csv-ingest/internal/service/provision"
)

// === Mocks ===

type mockInferrer struct {
	calls   atomic.Int32
	inferFn func(ctx context.Context, ref domain.ObjectRef) (*inference.Sample, error)
}

func (m *mockInferrer) Infer(ctx context.Context, ref domain.ObjectRef) (*inference.Sample, error) {
	m.calls.Add(1)
	if m.inferFn == nil {
		panic("Infer called unexpectedly")
	}
	return m.inferFn(ctx, ref)
}

type mockProvisioner struct {
	calls    atomic.Int32
	ensureFn func(ctx context.Context, table domain.TableIdentifier, schema domain.InferredSchema) (*provision.Result, error)
}

func (m *mockProvisioner) Ensure(ctx context.Context, table domain.TableIdentifier, schema domain.InferredSchema) (*provision.Result, error) {
	m.calls.Add(1)
	if m.ensureFn == nil {
		panic("Ensure called unexpectedly")
	}
	return m.ensureFn(ctx, table, schema)
}

type mockLauncher struct {
	calls    atomic.Int32
	launchFn func(ctx context.Context, req domain.JobRequest) (domain.JobHandle, error)
}

func (m *mockLauncher) Launch(ctx context.Context, req domain.JobRequest) (domain.JobHandle, error) {
	m.calls.Add(1)
	if m.launchFn == nil {
		panic("Launch called unexpectedly")
	}
	return m.launchFn(ctx, req)
}

type recordingRecorder struct {
	mu       sync.Mutex
	outcomes []string
	launched []string
}

func (r *recordingRecorder) ObserveNotification(o domain.Outcome, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes = append(r.outcomes, o.String()+"/"+reason)
}

func (r *recordingRecorder) ObserveStep(string, time.Duration) {}

func (r *recordingRecorder) JobLaunched(runner string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.launched = append(r.launched, runner)
}

// === Fixtures ===

var ordersSchema = domain.InferredSchema{Columns: []domain.Column{
	{Name: "order_id", Type: domain.TypeInteger},
	{Name: "total", Type: domain.TypeFloat},
	{Name: "paid", Type: domain.TypeBoolean},
}}

var testConfig = Config{
	ProjectID:       "proj",
	Bucket:          "landing",
	Prefix:          "incoming/",
	Dataset:         "csv_ingest",
	TablePrefix:     "csv_",
	TempLocation:    "gs://tmp/df",
	StagingLocation: "gs://tmp/staging",
	Lease:           time.Minute,
	Timeout:         5 * time.Second,
}

func notification(object string, gen int64) domain.Notification {
	return domain.Notification{
		Bucket:     "landing",
		Object:     object,
		Generation: gen,
		EventType:  domain.EventObjectFinalize,
		MessageID:  "m-1",
	}
}

type harness struct {
	coord       *Coordinator
	dedup       *repository.DedupRepo
	inferrer    *mockInferrer
	provisioner *mockProvisioner
	launcher    *mockLauncher
	recorder    *recordingRecorder
}

func newHarness(t *testing.T, cfg Config) *harness {
	t.Helper()
	h := &harness{
		dedup: repository.NewDedupRepo(db.OpenTestSQLite(t), db.DialectSQLite, 3),
		inferrer: &mockInferrer{inferFn: func(context.Context, domain.ObjectRef) (*inference.Sample, error) {
			return &inference.Sample{Schema: ordersSchema, Delimiter: ';'}, nil
		}},
		provisioner: &mockProvisioner{ensureFn: func(_ context.Context, _ domain.TableIdentifier, s domain.InferredSchema) (*provision.Result, error) {
			return &provision.Result{Created: true, LoadSchema: s}, nil
		}},
		launcher: &mockLauncher{launchFn: func(_ context.Context, req domain.JobRequest) (domain.JobHandle, error) {
			return domain.JobHandle{ID: "job-" + req.Key, Name: domain.JobName("csv-ingest", req.Key), Runner: "test"}, nil
		}},
		recorder: &recordingRecorder{},
	}
	h.coord = New(cfg, h.dedup, h.inferrer, h.provisioner, h.launcher, WithRecorder(h.recorder))
	return h
}

// === Tests ===

func TestHandle_LaunchesJob(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig)

	var got domain.JobRequest
	h.launcher.launchFn = func(_ context.Context, req domain.JobRequest) (domain.JobHandle, error) {
		got = req
		return domain.JobHandle{ID: "job-1", Runner: "test"}, nil
	}

	res := h.coord.Handle(context.Background(), notification("incoming/Orders 2024.csv", 42))
	require.NoError(t, res.Err)
	assert.Equal(t, domain.OutcomeAccepted, res.Outcome)
	assert.Equal(t, domain.ReasonLaunched, res.Reason)
	assert.Equal(t, "proj:csv_ingest.csv_Orders_2024", res.Table.String())

	assert.Equal(t, domain.JobKey("landing", "incoming/Orders 2024.csv", 42), got.Key)
	assert.Equal(t, domain.ObjectRef{Bucket: "landing", Object: "incoming/Orders 2024.csv", Generation: 42}, got.Source)
	assert.Equal(t, ordersSchema, got.Schema)
	assert.Equal(t, ";", got.Delimiter)
	assert.True(t, got.HasHeader)
	assert.Equal(t, "gs://tmp/df", got.TempLocation)
	assert.Equal(t, "gs://tmp/staging", got.StagingLocation)
	assert.Empty(t, got.ErrorSink)

	rec, err := h.dedup.Get(context.Background(), domain.ProcessedKey{Bucket: "landing", Object: "incoming/Orders 2024.csv", Generation: 42})
	require.NoError(t, err)
	assert.Equal(t, domain.StateCommitted, rec.State)
	assert.Equal(t, "job-1", rec.JobID)
	assert.Equal(t, []string{"test"}, h.recorder.launched)
}

func TestHandle_FilteredNotificationsHaveNoSideEffects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*domain.Notification)
		reason string
	}{
		{"other bucket", func(n *domain.Notification) { n.Bucket = "elsewhere" }, domain.ReasonBucketMismatch},
		{"outside prefix", func(n *domain.Notification) { n.Object = "archive/a.csv" }, domain.ReasonPrefixMismatch},
		{"prefix is case sensitive", func(n *domain.Notification) { n.Object = "Incoming/a.csv" }, domain.ReasonPrefixMismatch},
		{"delete event", func(n *domain.Notification) { n.EventType = "OBJECT_DELETE" }, domain.ReasonNotFinalizeEvent},
		{"missing event type", func(n *domain.Notification) { n.EventType = "" }, domain.ReasonNotFinalizeEvent},
		{"not csv", func(n *domain.Notification) { n.Object = "incoming/a.parquet" }, domain.ReasonNotCSV},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// nil dedup and mocks without functions: any side effect panics.
			c := New(testConfig, nil, &mockInferrer{}, &mockProvisioner{}, &mockLauncher{})
			n := notification("incoming/a.csv", 1)
			tt.mutate(&n)

			res := c.Handle(context.Background(), n)
			assert.Equal(t, domain.OutcomeAccepted, res.Outcome)
			assert.Equal(t, tt.reason, res.Reason)
		})
	}
}

func TestHandle_UppercaseExtensionIsCSV(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig)

	res := h.coord.Handle(context.Background(), notification("incoming/DATA.CSV", 1))
	assert.Equal(t, domain.ReasonLaunched, res.Reason)
}

func TestHandle_DuplicateDeliveryShortCircuits(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig)
	n := notification("incoming/a.csv", 42)

	first := h.coord.Handle(context.Background(), n)
	require.Equal(t, domain.ReasonLaunched, first.Reason)

	second := h.coord.Handle(context.Background(), n)
	assert.Equal(t, domain.OutcomeAccepted, second.Outcome)
	assert.Equal(t, domain.ReasonDuplicate, second.Reason)

	assert.EqualValues(t, 1, h.inferrer.calls.Load(), "second delivery stops before inference")
	assert.EqualValues(t, 1, h.provisioner.calls.Load())
	assert.EqualValues(t, 1, h.launcher.calls.Load())
}

func TestHandle_ConcurrentDuplicatesLaunchOnce(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig)
	n := notification("incoming/a.csv", 7)

	release := make(chan struct{})
	h.launcher.launchFn = func(_ context.Context, req domain.JobRequest) (domain.JobHandle, error) {
		<-release
		return domain.JobHandle{ID: "job-1"}, nil
	}

	const deliveries = 8
	results := make([]Result, deliveries)
	var wg sync.WaitGroup
	for i := 0; i < deliveries; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i] = h.coord.Handle(context.Background(), n)
		}(i)
	}
	// Let the losers observe the live claim before the winner finishes.
	time.Sleep(100 * time.Millisecond)
	close(release)
	wg.Wait()

	launched := 0
	for _, r := range results {
		switch r.Reason {
		case domain.ReasonLaunched:
			launched++
		case domain.ReasonInFlight:
			assert.Equal(t, domain.OutcomeRejectRetryable, r.Outcome)
		case domain.ReasonDuplicate:
			assert.Equal(t, domain.OutcomeAccepted, r.Outcome)
		default:
			t.Fatalf("unexpected result %+v", r)
		}
	}
	assert.Equal(t, 1, launched)
	assert.EqualValues(t, 1, h.launcher.calls.Load())
	assert.EqualValues(t, 1, h.provisioner.calls.Load())
}

func TestHandle_FatalInferenceLeavesPoisonMarker(t *testing.T) {
	tests := []struct {
		name  string
		cause error
	}{
		{"empty object", domain.ErrSchemaInference("object is empty")},
		{"generation gone", domain.ErrNotFound("object landing/incoming/a.csv#1 not found")},
		{"undecodable header", domain.ErrSchemaInference("header cell 2 is not valid UTF-8")},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			h := newHarness(t, testConfig)
			h.inferrer.inferFn = func(context.Context, domain.ObjectRef) (*inference.Sample, error) {
				return nil, tt.cause
			}
			n := notification("incoming/a.csv", 1)

			res := h.coord.Handle(context.Background(), n)
			assert.Equal(t, domain.OutcomeRejectFatal, res.Outcome)
			assert.Equal(t, domain.ReasonInferenceFailed, res.Reason)
			require.ErrorIs(t, res.Err, tt.cause)

			rec, err := h.dedup.Get(context.Background(), n.Key())
			require.NoError(t, err)
			assert.Equal(t, domain.StateFailed, rec.State)

			res = h.coord.Handle(context.Background(), n)
			assert.Equal(t, domain.OutcomeAccepted, res.Outcome)
			assert.Equal(t, domain.ReasonPermanentlyFailed, res.Reason)
			assert.EqualValues(t, 1, h.inferrer.calls.Load())
			assert.Zero(t, h.launcher.calls.Load())
		})
	}
}

func TestHandle_ProvisioningConflictIsFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig)
	h.provisioner.ensureFn = func(context.Context, domain.TableIdentifier, domain.InferredSchema) (*provision.Result, error) {
		return nil, &domain.ProvisioningConflictError{Table: "t", Differences: []string{"x"}}
	}

	res := h.coord.Handle(context.Background(), notification("incoming/a.csv", 1))
	assert.Equal(t, domain.OutcomeRejectFatal, res.Outcome)
	assert.Equal(t, domain.ReasonProvisioningFailed, res.Reason)
	assert.Zero(t, h.launcher.calls.Load())
}

func TestHandle_RetryableFailuresReleaseClaim(t *testing.T) {
	tests := []struct {
		name   string
		setup  func(h *harness)
		reason string
	}{
		{
			name: "transient read",
			setup: func(h *harness) {
				h.inferrer.inferFn = func(context.Context, domain.ObjectRef) (*inference.Sample, error) {
					return nil, domain.ErrTransient("read", errors.New("503"))
				}
			},
			reason: domain.ReasonInferenceFailed,
		},
		{
			name: "submission",
			setup: func(h *harness) {
				h.launcher.launchFn = func(context.Context, domain.JobRequest) (domain.JobHandle, error) {
					return domain.JobHandle{}, errors.New("quota exceeded")
				}
			},
			reason: domain.ReasonSubmissionFailed,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, testConfig)
			tt.setup(h)
			n := notification("incoming/a.csv", 1)

			res := h.coord.Handle(context.Background(), n)
			assert.Equal(t, domain.OutcomeRejectRetryable, res.Outcome)
			assert.Equal(t, tt.reason, res.Reason)

			rec, err := h.dedup.Get(context.Background(), n.Key())
			require.NoError(t, err)
			assert.Equal(t, domain.StateRetry, rec.State)
			assert.Equal(t, 1, rec.Attempts)
		})
	}
}

func TestHandle_AttemptBudgetTurnsFatal(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig) // budget of 3
	h.launcher.launchFn = func(context.Context, domain.JobRequest) (domain.JobHandle, error) {
		return domain.JobHandle{}, &domain.SubmissionError{Runner: "test", Err: errors.New("403")}
	}
	n := notification("incoming/a.csv", 1)

	var outcomes []string
	for i := 0; i < 4; i++ {
		res := h.coord.Handle(context.Background(), n)
		outcomes = append(outcomes, fmt.Sprintf("%s/%s", res.Outcome, res.Reason))
	}
	assert.Equal(t, []string{
		"reject_retryable/submission_failed",
		"reject_retryable/submission_failed",
		"reject_fatal/attempts_exhausted",
		"accepted/permanently_failed",
	}, outcomes)
	assert.EqualValues(t, 3, h.launcher.calls.Load())
}

func TestHandle_TimeoutIsRetryable(t *testing.T) {
	t.Parallel()
	cfg := testConfig
	cfg.Timeout = 50 * time.Millisecond
	h := newHarness(t, cfg)
	h.inferrer.inferFn = func(ctx context.Context, _ domain.ObjectRef) (*inference.Sample, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	res := h.coord.Handle(context.Background(), notification("incoming/slow.csv", 1))
	assert.Equal(t, domain.OutcomeRejectRetryable, res.Outcome)
	assert.ErrorIs(t, res.Err, context.DeadlineExceeded)

	rec, err := h.dedup.Get(context.Background(), domain.ProcessedKey{Bucket: "landing", Object: "incoming/slow.csv", Generation: 1})
	require.NoError(t, err)
	assert.Equal(t, domain.StateRetry, rec.State, "claim released despite expired request context")
}

func TestHandle_AlreadyRunningJobIsCommitted(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig)
	h.launcher.launchFn = func(_ context.Context, req domain.JobRequest) (domain.JobHandle, error) {
		return domain.JobHandle{Name: "csv-ingest-" + req.Key, AlreadyRunning: true}, nil
	}

	res := h.coord.Handle(context.Background(), notification("incoming/a.csv", 1))
	assert.Equal(t, domain.ReasonLaunched, res.Reason)
	require.NotNil(t, res.Job)
	assert.True(t, res.Job.AlreadyRunning)
}

func TestHandle_ErrorSinkPerJob(t *testing.T) {
	t.Parallel()
	cfg := testConfig
	cfg.ErrorSinkPrefix = "gs://errors/csv/"
	cfg.MaxBadRows = 25
	h := newHarness(t, cfg)

	var got domain.JobRequest
	h.launcher.launchFn = func(_ context.Context, req domain.JobRequest) (domain.JobHandle, error) {
		got = req
		return domain.JobHandle{ID: "j"}, nil
	}
	h.coord.Handle(context.Background(), notification("incoming/a.csv", 9))

	key := domain.JobKey("landing", "incoming/a.csv", 9)
	assert.Equal(t, "gs://errors/csv/csv_a/"+key+".jsonl", got.ErrorSink)
	assert.Equal(t, int64(25), got.MaxBadRows)
}

func TestHandle_DedupUnavailable(t *testing.T) {
	t.Parallel()
	h := newHarness(t, testConfig)
	h.coord.dedup = failingDedup{}

	res := h.coord.Handle(context.Background(), notification("incoming/a.csv", 1))
	assert.Equal(t, domain.OutcomeRejectRetryable, res.Outcome)
	assert.Equal(t, domain.ReasonDedupUnavailable, res.Reason)
	assert.Zero(t, h.inferrer.calls.Load())
}

type failingDedup struct{ domain.DedupStore }

func (failingDedup) Claim(context.Context, domain.ProcessedKey, string, time.Duration) (*domain.ClaimResult, error) {
	return nil, domain.ErrTransient("state store", errors.New("database is locked"))
}
