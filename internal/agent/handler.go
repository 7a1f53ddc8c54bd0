// Package agent serves the transform agent: a long-lived process that accepts
// signed job submissions from the coordinator and runs them in the background
// with bounded concurrency. httptest.NewServer over Server.Handler gives an
// in-process agent for tests.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"csv-ingest/internal/domain"
	"csv-ingest/internal/launcher"
	"csv-ingest/internal/service/transform"
)

// Job statuses. Finished jobs use the transform run statuses.
const (
	StatusQueued    = "queued"
	StatusRunning   = "running"
	StatusSucceeded = transform.StatusSucceeded
	StatusFailed    = transform.StatusFailed
)

// Defaults for Config.
const (
	DefaultMaxConcurrency = 2
	DefaultJobRetention   = 24 * time.Hour
	DefaultMaxFinished    = 1000
)

const maxRequestBytes = 1 << 20

// Runner executes one transform request.
type Runner interface {
	Run(ctx context.Context, req domain.JobRequest) (*transform.Report, error)
}

// Config holds the parameters needed to build the agent.
type Config struct {
	Runner         Runner
	Token          string
	MaxConcurrency int64
	MaxSkew        time.Duration
	JobNamePrefix  string
	// JobRetention is how long a finished job stays queryable and keeps
	// answering resubmissions of its key.
	JobRetention time.Duration
	// MaxFinished caps the finished jobs kept in memory; the oldest go first.
	MaxFinished int
	Logger      *slog.Logger
}

type job struct {
	launcher.AgentJob
	Report    *transform.Report `json:"report,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
	UpdatedAt time.Time         `json:"updated_at"`
}

// Server tracks submitted jobs in memory. Job state does not survive a
// restart; the coordinator's dedup store is the durable record.
type Server struct {
	cfg    Config
	sem    *semaphore.Weighted
	logger *slog.Logger
	start  time.Time
	now    func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	jobs    map[string]*job
	byKey   map[string]string
	closing bool
}

// NewServer creates an agent server.
func NewServer(cfg Config) *Server {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = DefaultMaxConcurrency
	}
	if cfg.MaxSkew <= 0 {
		cfg.MaxSkew = launcher.DefaultMaxSkew
	}
	if cfg.JobNamePrefix == "" {
		cfg.JobNamePrefix = launcher.DefaultJobNamePrefix
	}
	if cfg.JobRetention <= 0 {
		cfg.JobRetention = DefaultJobRetention
	}
	if cfg.MaxFinished <= 0 {
		cfg.MaxFinished = DefaultMaxFinished
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:    cfg,
		sem:    semaphore.NewWeighted(cfg.MaxConcurrency),
		logger: logger.With("component", "agent"),
		start:  time.Now(),
		now:    time.Now,
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
		byKey:  make(map[string]string),
	}
}

// Handler returns the agent's routes: POST /jobs, GET /jobs/{id} and
// GET /health.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /jobs", s.submit)
	mux.HandleFunc("GET /jobs/{id}", s.get)
	mux.HandleFunc("GET /health", s.health)
	return mux
}

func (s *Server) submit(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	if err := launcher.VerifyRequest(r, s.cfg.Token, body, s.now(), s.cfg.MaxSkew); err != nil {
		s.logger.Warn("rejected job submission", "error", err)
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req domain.JobRequest
	if err := json.Unmarshal(body, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := req.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	view, status := s.enqueue(req)
	writeJSON(w, status, view)
}

// enqueue registers the job unless the same key is queued, running or done.
// A failed job may be resubmitted under a fresh id.
func (s *Server) enqueue(req domain.JobRequest) (job, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closing {
		return job{AgentJob: launcher.AgentJob{Key: req.Key, Status: StatusFailed, Error: "agent is shutting down"}},
			http.StatusServiceUnavailable
	}

	if id, ok := s.byKey[req.Key]; ok {
		existing := s.jobs[id]
		switch existing.Status {
		case StatusQueued, StatusRunning:
			return *existing, http.StatusConflict
		case StatusSucceeded:
			return *existing, http.StatusOK
		}
	}

	now := s.now()
	s.pruneLocked(now)
	j := &job{
		AgentJob: launcher.AgentJob{
			ID:     domain.NewID(),
			Name:   domain.JobName(s.cfg.JobNamePrefix, req.Key),
			Key:    req.Key,
			Status: StatusQueued,
		},
		CreatedAt: now,
		UpdatedAt: now,
	}
	s.jobs[j.ID] = j
	s.byKey[req.Key] = j.ID

	s.wg.Add(1)
	go s.execute(j.ID, req)

	s.logger.Info("job accepted", "job_id", j.ID, "job_key", req.Key, "table", req.Table.String())
	return *j, http.StatusAccepted
}

func (s *Server) execute(id string, req domain.JobRequest) {
	defer s.wg.Done()

	if err := s.sem.Acquire(s.ctx, 1); err != nil {
		s.finish(id, nil, fmt.Errorf("waiting for a run slot: %w", err))
		return
	}
	defer s.sem.Release(1)

	s.update(id, func(j *job) { j.Status = StatusRunning })
	report, err := s.cfg.Runner.Run(s.ctx, req)
	s.finish(id, report, err)
}

func (s *Server) finish(id string, report *transform.Report, err error) {
	s.update(id, func(j *job) {
		j.Report = report
		if err != nil {
			j.Status = StatusFailed
			j.Error = err.Error()
			return
		}
		j.Status = StatusSucceeded
	})
}

func (s *Server) update(id string, fn func(*job)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j := s.jobs[id]
	fn(j)
	j.UpdatedAt = s.now()
	if finished(j.Status) {
		s.pruneLocked(j.UpdatedAt)
	}
}

func finished(status string) bool {
	return status == StatusSucceeded || status == StatusFailed
}

// pruneLocked drops finished jobs older than the retention, then the oldest
// finished jobs beyond MaxFinished. Queued and running jobs are never dropped.
// Once a succeeded job is gone a resubmission of its key runs again; the
// coordinator's dedup store keeps that from happening for a delivered object.
func (s *Server) pruneLocked(now time.Time) {
	cutoff := now.Add(-s.cfg.JobRetention)
	var done []*job
	for _, j := range s.jobs {
		if !finished(j.Status) {
			continue
		}
		if j.UpdatedAt.Before(cutoff) {
			s.forgetLocked(j)
			continue
		}
		done = append(done, j)
	}
	if len(done) <= s.cfg.MaxFinished {
		return
	}
	slices.SortFunc(done, func(a, b *job) int { return a.UpdatedAt.Compare(b.UpdatedAt) })
	for _, j := range done[:len(done)-s.cfg.MaxFinished] {
		s.forgetLocked(j)
	}
}

func (s *Server) forgetLocked(j *job) {
	delete(s.jobs, j.ID)
	if s.byKey[j.Key] == j.ID {
		delete(s.byKey, j.Key)
	}
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	if err := launcher.VerifyRequest(r, s.cfg.Token, nil, s.now(), s.cfg.MaxSkew); err != nil {
		writeError(w, http.StatusUnauthorized, "unauthorized")
		return
	}
	j, ok := s.lookup(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (s *Server) lookup(id string) (job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return job{}, false
	}
	return *j, true
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	counts := map[string]int{}
	s.mu.Lock()
	for _, j := range s.jobs {
		counts[j.Status]++
	}
	s.mu.Unlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"status":          "ok",
		"uptime_seconds":  int(time.Since(s.start).Seconds()),
		"max_concurrency": s.cfg.MaxConcurrency,
		"jobs":            counts,
	})
}

// Shutdown stops accepting jobs and waits for running ones. When ctx ends
// first, running jobs are cancelled and Shutdown returns ctx's error once
// they have returned.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.cancel()
		return nil
	case <-ctx.Done():
		s.cancel()
		<-done
		return ctx.Err()
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"code": status, "message": message})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
