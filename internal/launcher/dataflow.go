// Package launcher submits transform jobs to a batch runner: Dataflow flex
// templates in production, or a self-hosted transform agent.
package launcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	df "google.golang.org/api/dataflow/v1b3"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"

	"csv-ingest/internal/domain"
)

// Runner names reported in JobHandle.Runner.
const (
	RunnerDataflow = "dataflow"
	RunnerAgent    = "agent"
)

// DefaultJobNamePrefix prefixes every launched job name.
const DefaultJobNamePrefix = "csv-ingest"

var _ domain.JobLauncher = (*Dataflow)(nil)

// DataflowConfig configures flex-template launches.
type DataflowConfig struct {
	Project             string
	Region              string
	TemplatePath        string
	ServiceAccountEmail string
	JobNamePrefix       string
}

// Dataflow launches jobs from a flex template. The job name is derived from
// the job key, so a second launch for the same object is rejected by
// Dataflow with 409 and reported as AlreadyRunning.
type Dataflow struct {
	svc    *df.Service
	cfg    DataflowConfig
	logger *slog.Logger
}

// NewDataflow creates a Dataflow launcher.
func NewDataflow(ctx context.Context, cfg DataflowConfig, logger *slog.Logger, opts ...option.ClientOption) (*Dataflow, error) {
	if cfg.Project == "" || cfg.Region == "" || cfg.TemplatePath == "" {
		return nil, fmt.Errorf("dataflow launcher requires project, region and template path")
	}
	if cfg.JobNamePrefix == "" {
		cfg.JobNamePrefix = DefaultJobNamePrefix
	}
	if logger == nil {
		logger = slog.Default()
	}
	svc, err := df.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create dataflow client: %w", err)
	}
	return &Dataflow{svc: svc, cfg: cfg, logger: logger}, nil
}

// Launch implements domain.JobLauncher. It returns once Dataflow has accepted
// the launch request and does not wait for the job to run.
func (l *Dataflow) Launch(ctx context.Context, req domain.JobRequest) (domain.JobHandle, error) {
	if err := req.Validate(); err != nil {
		return domain.JobHandle{}, &domain.SubmissionError{Runner: RunnerDataflow, Err: err}
	}
	name := domain.JobName(l.cfg.JobNamePrefix, req.Key)

	call := l.svc.Projects.Locations.FlexTemplates.Launch(l.cfg.Project, l.cfg.Region, &df.LaunchFlexTemplateRequest{
		LaunchParameter: &df.LaunchFlexTemplateParameter{
			JobName:              name,
			ContainerSpecGcsPath: l.cfg.TemplatePath,
			Parameters:           req.Params(),
			Environment: &df.FlexTemplateRuntimeEnvironment{
				TempLocation:        req.TempLocation,
				StagingLocation:     req.StagingLocation,
				ServiceAccountEmail: l.cfg.ServiceAccountEmail,
			},
		},
	})
	resp, err := call.Context(ctx).Do()
	if err != nil {
		var gerr *googleapi.Error
		if errors.As(err, &gerr) && gerr.Code == http.StatusConflict {
			l.logger.Info("job already launched", "job_name", name, "job_key", req.Key)
			return domain.JobHandle{Name: name, Runner: RunnerDataflow, AlreadyRunning: true}, nil
		}
		return domain.JobHandle{}, &domain.SubmissionError{Runner: RunnerDataflow, Err: err}
	}

	h := domain.JobHandle{Name: name, Runner: RunnerDataflow}
	if resp.Job != nil {
		h.ID = resp.Job.Id
		if resp.Job.Name != "" {
			h.Name = resp.Job.Name
		}
	}
	return h, nil
}
