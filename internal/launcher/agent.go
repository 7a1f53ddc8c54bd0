package launcher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"csv-ingest/internal/domain"
)

var _ domain.JobLauncher = (*Agent)(nil)

// AgentJob is the agent's view of a submitted job.
type AgentJob struct {
	ID     string `json:"id"`
	Name   string `json:"name"`
	Key    string `json:"job_key"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

// Agent submits jobs to a transform agent over signed HTTP.
type Agent struct {
	endpoint      string
	token         string
	jobNamePrefix string
	client        *http.Client
	now           func() time.Time
}

// NewAgent creates an agent launcher. client may be nil.
func NewAgent(endpoint, token string, client *http.Client) (*Agent, error) {
	if endpoint == "" || token == "" {
		return nil, fmt.Errorf("agent launcher requires AGENT_URL and AGENT_TOKEN")
	}
	if client == nil {
		client = &http.Client{Timeout: 30 * time.Second}
	}
	return &Agent{
		endpoint:      strings.TrimRight(endpoint, "/"),
		token:         token,
		jobNamePrefix: DefaultJobNamePrefix,
		client:        client,
		now:           time.Now,
	}, nil
}

// Launch implements domain.JobLauncher.
func (l *Agent) Launch(ctx context.Context, req domain.JobRequest) (domain.JobHandle, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return domain.JobHandle{}, &domain.SubmissionError{Runner: RunnerAgent, Err: err}
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, l.endpoint+"/jobs", bytes.NewReader(body))
	if err != nil {
		return domain.JobHandle{}, &domain.SubmissionError{Runner: RunnerAgent, Err: err}
	}
	httpReq.Header.Set("Content-Type", "application/json")
	SignRequest(httpReq, l.token, body, l.now())

	resp, err := l.client.Do(httpReq)
	if err != nil {
		return domain.JobHandle{}, &domain.SubmissionError{Runner: RunnerAgent, Err: err}
	}
	defer resp.Body.Close() //nolint:errcheck

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return domain.JobHandle{}, &domain.SubmissionError{Runner: RunnerAgent, Err: err}
	}

	switch resp.StatusCode {
	case http.StatusOK, http.StatusAccepted, http.StatusConflict:
		var job AgentJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return domain.JobHandle{}, &domain.SubmissionError{
				Runner: RunnerAgent,
				Err:    fmt.Errorf("decode agent response: %w", err),
			}
		}
		name := job.Name
		if name == "" {
			name = domain.JobName(l.jobNamePrefix, req.Key)
		}
		return domain.JobHandle{
			ID:             job.ID,
			Name:           name,
			Runner:         RunnerAgent,
			AlreadyRunning: resp.StatusCode == http.StatusConflict,
		}, nil
	}
	return domain.JobHandle{}, &domain.SubmissionError{
		Runner: RunnerAgent,
		Err:    fmt.Errorf("agent returned %d: %s", resp.StatusCode, strings.TrimSpace(string(payload))),
	}
}
