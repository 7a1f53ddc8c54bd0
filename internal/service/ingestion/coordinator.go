// Package ingestion turns storage notifications into launched transform jobs.
package ingestion

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"csv-ingest/internal/domain"
	"csv-ingest/internal/service/inference"
	"csv-ingest/internal/service/provision"
)

// Defaults for Config.
const (
	DefaultLease   = 10 * time.Minute
	DefaultTimeout = 60 * time.Second

	// settleTimeout bounds the dedup write that records an attempt's outcome.
	// It runs detached from the request context so a launched job is still
	// committed when the request deadline has just passed.
	settleTimeout = 10 * time.Second
)

// Step names reported to the Recorder.
const (
	StepClaim     = "claim"
	StepInfer     = "infer"
	StepProvision = "provision"
	StepLaunch    = "launch"
	StepCommit    = "commit"
)

// SchemaInferrer samples an object and infers its schema.
type SchemaInferrer interface {
	Infer(ctx context.Context, ref domain.ObjectRef) (*inference.Sample, error)
}

// TableProvisioner makes sure the destination table can take the schema.
type TableProvisioner interface {
	Ensure(ctx context.Context, table domain.TableIdentifier, schema domain.InferredSchema) (*provision.Result, error)
}

// Recorder receives coordinator metrics.
type Recorder interface {
	ObserveNotification(outcome domain.Outcome, reason string)
	ObserveStep(step string, d time.Duration)
	JobLaunched(runner string)
}

type noopRecorder struct{}

func (noopRecorder) ObserveNotification(domain.Outcome, string) {}
func (noopRecorder) ObserveStep(string, time.Duration) {}
func (noopRecorder) JobLaunched(string) {}

// Config holds the coordinator's routing and naming settings.
type Config struct {
	ProjectID       string
	Bucket          string
	Prefix          string
	Dataset         string
	TablePrefix     string
	TempLocation    string
	StagingLocation string
	// ErrorSinkPrefix, when set, is a URI prefix under which each job writes
	// its rejected rows.
	ErrorSinkPrefix string
	MaxBadRows      int64
	Lease           time.Duration
	Timeout         time.Duration
}

// Result is the outcome of handling one notification.
type Result struct {
	Outcome domain.Outcome
	Reason  string
	Table   domain.TableIdentifier
	Job     *domain.JobHandle
	Err     error
}

// Coordinator filters, deduplicates and sequences inference, provisioning and
// launch for each notification. It holds no mutable state of its own; the
// dedup store is the only coordination point between concurrent deliveries.
type Coordinator struct {
	cfg         Config
	dedup       domain.DedupStore
	inferrer    SchemaInferrer
	provisioner TableProvisioner
	launcher    domain.JobLauncher
	metrics     Recorder
	logger      *slog.Logger
	newID       func() string
}

// Option customizes a Coordinator.
type Option func(*Coordinator)

// WithRecorder sets the metrics recorder.
func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.metrics = r
		}
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

// New creates a Coordinator.
func New(cfg Config, dedup domain.DedupStore, inferrer SchemaInferrer, provisioner TableProvisioner, launcher domain.JobLauncher, opts ...Option) *Coordinator {
	if cfg.Lease <= 0 {
		cfg.Lease = DefaultLease
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	c := &Coordinator{
		cfg:         cfg,
		dedup:       dedup,
		inferrer:    inferrer,
		provisioner: provisioner,
		launcher:    launcher,
		metrics:     noopRecorder{},
		logger:      slog.Default(),
		newID:       domain.NewID,
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("component", "coordinator")
	return c
}

// Handle processes one notification. It never waits for the launched job.
func (c *Coordinator) Handle(ctx context.Context, n domain.Notification) Result {
	log := c.logger.With(
		"bucket", n.Bucket,
		"object", n.Object,
		"generation", n.Generation,
		"message_id", n.MessageID,
	)

	res := c.handle(ctx, n, log)
	c.metrics.ObserveNotification(res.Outcome, res.Reason)

	switch {
	case res.Outcome == domain.OutcomeRejectFatal:
		log.Error("notification rejected", "outcome", res.Outcome.String(), "reason", res.Reason, "error", res.Err)
	case res.Outcome == domain.OutcomeRejectRetryable:
		log.Warn("notification will be retried", "reason", res.Reason, "error", res.Err)
	case res.Reason == domain.ReasonLaunched:
		log.Info("job launched", "table", res.Table.String(), "job_id", res.Job.ID, "job_name", res.Job.Name,
			"already_running", res.Job.AlreadyRunning)
	default:
		log.Debug("notification skipped", "reason", res.Reason)
	}
	return res
}

func (c *Coordinator) handle(ctx context.Context, n domain.Notification, log *slog.Logger) Result {
	if reason, skip := c.filter(n); skip {
		return Result{Outcome: domain.OutcomeAccepted, Reason: reason}
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	key := n.Key()
	attemptID := c.newID()

	start := time.Now()
	claim, err := c.dedup.Claim(ctx, key, attemptID, c.cfg.Lease)
	c.metrics.ObserveStep(StepClaim, time.Since(start))
	if err != nil {
		return Result{Outcome: domain.OutcomeRejectRetryable, Reason: domain.ReasonDedupUnavailable, Err: err}
	}
	switch claim.Status {
	case domain.ClaimDuplicate:
		return Result{Outcome: domain.OutcomeAccepted, Reason: domain.ReasonDuplicate}
	case domain.ClaimPermanentlyFailed:
		return Result{Outcome: domain.OutcomeAccepted, Reason: domain.ReasonPermanentlyFailed}
	case domain.ClaimInFlight:
		return Result{Outcome: domain.OutcomeRejectRetryable, Reason: domain.ReasonInFlight}
	}

	table := domain.TableIdentifierFor(c.cfg.ProjectID, c.cfg.Dataset, c.cfg.TablePrefix, n.Object)

	start = time.Now()
	sample, err := c.inferrer.Infer(ctx, n.Ref())
	c.metrics.ObserveStep(StepInfer, time.Since(start))
	if err != nil {
		return c.fail(ctx, key, attemptID, domain.ReasonInferenceFailed, table, err, log)
	}

	start = time.Now()
	prov, err := c.provisioner.Ensure(ctx, table, sample.Schema)
	c.metrics.ObserveStep(StepProvision, time.Since(start))
	if err != nil {
		return c.fail(ctx, key, attemptID, domain.ReasonProvisioningFailed, table, err, log)
	}
	if prov.Created {
		log.Info("destination table created", "table", table.String())
	}

	req := c.jobRequest(n, table, sample, prov.LoadSchema)

	start = time.Now()
	handle, err := c.launcher.Launch(ctx, req)
	c.metrics.ObserveStep(StepLaunch, time.Since(start))
	if err != nil {
		var se *domain.SubmissionError
		if !errors.As(err, &se) {
			err = &domain.SubmissionError{Err: err}
		}
		return c.fail(ctx, key, attemptID, domain.ReasonSubmissionFailed, table, err, log)
	}
	c.metrics.JobLaunched(handle.Runner)

	// The job is running; a failed commit is retried by redelivery and the
	// relaunch is absorbed by the runner's job-name check.
	settleCtx, cancelSettle := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancelSettle()
	start = time.Now()
	err = c.dedup.Commit(settleCtx, key, attemptID, handle)
	c.metrics.ObserveStep(StepCommit, time.Since(start))
	if err != nil {
		return Result{Outcome: domain.OutcomeRejectRetryable, Reason: domain.ReasonCommitFailed, Table: table, Job: &handle, Err: err}
	}

	return Result{Outcome: domain.OutcomeAccepted, Reason: domain.ReasonLaunched, Table: table, Job: &handle}
}

// filter applies the routing rules that need no I/O. The prefix match is
// exact and case-sensitive; the extension match is case-insensitive.
func (c *Coordinator) filter(n domain.Notification) (string, bool) {
	switch {
	case n.Bucket != c.cfg.Bucket:
		return domain.ReasonBucketMismatch, true
	case !strings.HasPrefix(n.Object, c.cfg.Prefix):
		return domain.ReasonPrefixMismatch, true
	case !n.IsFinalize():
		return domain.ReasonNotFinalizeEvent, true
	case !n.IsCSV():
		return domain.ReasonNotCSV, true
	}
	return "", false
}

func (c *Coordinator) jobRequest(n domain.Notification, table domain.TableIdentifier, sample *inference.Sample, load domain.InferredSchema) domain.JobRequest {
	key := domain.JobKey(n.Bucket, n.Object, n.Generation)
	req := domain.JobRequest{
		Key:             key,
		Source:          n.Ref(),
		Table:           table,
		Schema:          load,
		Delimiter:       inference.DelimiterString(sample.Delimiter),
		HasHeader:       true,
		TempLocation:    c.cfg.TempLocation,
		StagingLocation: c.cfg.StagingLocation,
		MaxBadRows:      c.cfg.MaxBadRows,
	}
	if c.cfg.ErrorSinkPrefix != "" {
		req.ErrorSink = strings.TrimRight(c.cfg.ErrorSinkPrefix, "/") + "/" + table.Table + "/" + key + ".jsonl"
	}
	return req
}

// fail settles the claim for a failed attempt. Fatal errors leave a FAILED
// marker so redeliveries are acknowledged without work; retryable errors
// release the claim until the attempt budget is spent.
func (c *Coordinator) fail(ctx context.Context, key domain.ProcessedKey, attemptID, reason string, table domain.TableIdentifier, cause error, log *slog.Logger) Result {
	settleCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), settleTimeout)
	defer cancel()

	if !domain.IsRetryable(cause) {
		if err := c.dedup.MarkFailed(settleCtx, key, attemptID, cause.Error()); err != nil {
			log.Warn("failed to record permanent failure", "error", err)
		}
		return Result{Outcome: domain.OutcomeRejectFatal, Reason: reason, Table: table, Err: cause}
	}

	state, err := c.dedup.Release(settleCtx, key, attemptID, cause.Error())
	if err != nil {
		log.Warn("failed to release claim", "error", err)
	}
	if err == nil && state == domain.StateFailed {
		return Result{Outcome: domain.OutcomeRejectFatal, Reason: domain.ReasonAttemptsExhausted, Table: table, Err: cause}
	}
	return Result{Outcome: domain.OutcomeRejectRetryable, Reason: reason, Table: table, Err: cause}
}
