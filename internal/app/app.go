// Package app wires configuration into the coordinator's services and HTTP
// handler.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"google.golang.org/api/option"

	"csv-ingest/internal/api"
	"csv-ingest/internal/config"
	"csv-ingest/internal/db"
	"csv-ingest/internal/db/repository"
	"csv-ingest/internal/domain"
	"csv-ingest/internal/launcher"
	"csv-ingest/internal/metrics"
	"csv-ingest/internal/middleware"
	"csv-ingest/internal/objectstore"
	"csv-ingest/internal/service/inference"
	"csv-ingest/internal/service/ingestion"
	"csv-ingest/internal/service/provision"
	"csv-ingest/internal/tablestore"
)

// Deps lets callers supply backends instead of building them from config.
// Nil fields are built from the Config.
type Deps struct {
	Objects  objectstore.Store
	Tables   tablestore.Store
	Launcher domain.JobLauncher
}

// App is the fully wired coordinator.
type App struct {
	Handler     http.Handler
	Coordinator *ingestion.Coordinator
	Metrics     *metrics.Coordinator

	cfg     *config.Config
	sweeper *ingestion.Sweeper
	closers []func() error
	logger  *slog.Logger
}

// New builds every backend, the dedup store, the coordinator and the router.
// On error, anything already opened is closed.
func New(ctx context.Context, cfg *config.Config, deps Deps, logger *slog.Logger) (_ *App, err error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{cfg: cfg, logger: logger}
	defer func() {
		if err != nil {
			_ = a.Close()
		}
	}()

	objects := deps.Objects
	if objects == nil {
		if objects, err = NewObjectStore(ctx, cfg); err != nil {
			return nil, err
		}
		a.addCloser(objects)
	}

	tables := deps.Tables
	if tables == nil {
		if tables, err = NewTableStore(ctx, cfg); err != nil {
			return nil, err
		}
		a.addCloser(tables)
	}

	jobs := deps.Launcher
	if jobs == nil {
		if jobs, err = NewLauncher(ctx, cfg, logger); err != nil {
			return nil, err
		}
	}

	dialect, err := db.ParseDialect(cfg.DedupDriver)
	if err != nil {
		return nil, err
	}
	stateDB, err := db.Open(ctx, dialect, cfg.DedupDSN)
	if err != nil {
		return nil, fmt.Errorf("open dedup store: %w", err)
	}
	a.closers = append(a.closers, stateDB.Close)
	dedup := repository.NewDedupRepo(stateDB, dialect, cfg.DedupMaxAttempts)

	a.Metrics = metrics.NewCoordinator()
	a.Coordinator = ingestion.New(
		ingestion.Config{
			ProjectID:       cfg.ProjectID,
			Bucket:          cfg.Bucket,
			Prefix:          cfg.Prefix,
			Dataset:         cfg.Dataset,
			TablePrefix:     cfg.TablePrefix,
			TempLocation:    cfg.TempLocation,
			StagingLocation: cfg.StagingLocation,
			ErrorSinkPrefix: cfg.ErrorSinkPrefix,
			MaxBadRows:      cfg.MaxBadRows,
			Lease:           cfg.DedupLease,
			Timeout:         cfg.RequestTimeout,
		},
		dedup,
		inference.New(objects, inference.Config{SampleRows: cfg.SampleRows, MaxSampleBytes: cfg.SampleMaxBytes}, logger),
		provision.New(tables, logger),
		jobs,
		ingestion.WithRecorder(a.Metrics),
		ingestion.WithLogger(logger),
	)
	a.sweeper = ingestion.NewSweeper(dedup, cfg.DedupRetention, logger)

	auth, err := NewPushAuth(ctx, cfg.PushAuth, logger)
	if err != nil {
		return nil, err
	}

	a.Handler = api.NewRouter(api.RouterConfig{
		Push:    api.NewPushHandler(a.Coordinator, logger),
		Metrics: a.Metrics.Handler(),
		StateDB: stateDB,
		RateLimit: middleware.RateLimitConfig{
			RequestsPerSecond: cfg.RateLimitRPS,
			Burst:             cfg.RateLimitBurst,
		},
		Auth: auth,
	})
	return a, nil
}

// Start launches background work: the dedup retention sweeper.
func (a *App) Start() error {
	return a.sweeper.Start(a.cfg.DedupSweepSchedule)
}

// Close stops background work and releases backends in reverse order.
func (a *App) Close() error {
	if a.sweeper != nil {
		a.sweeper.Stop()
	}
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		errs = append(errs, a.closers[i]())
	}
	a.closers = nil
	return errors.Join(errs...)
}

func (a *App) addCloser(v any) {
	if c, ok := v.(io.Closer); ok {
		a.closers = append(a.closers, c.Close)
	}
}

// ObjectStoreConfig maps the storage settings onto objectstore.Config.
func ObjectStoreConfig(cfg *config.Config) objectstore.Config {
	s := cfg.Storage
	return objectstore.Config{
		Kind:               cfg.ObjectStore,
		GCSCredentialsFile: s.GCSCredentialsFile,
		GCSEndpoint:        s.GCSEndpoint,
		S3KeyID:            s.S3KeyID,
		S3Secret:           s.S3Secret,
		S3Endpoint:         s.S3Endpoint,
		S3Region:           s.S3Region,
		S3PathStyle:        s.S3PathStyle,
		AzureAccountName:   s.AzureAccountName,
		AzureAccountKey:    s.AzureAccountKey,
		AzureEndpoint:      s.AzureEndpoint,
		LocalRoot:          s.LocalRoot,
	}
}

// NewObjectStore builds the configured object store.
func NewObjectStore(ctx context.Context, cfg *config.Config) (objectstore.Store, error) {
	store, err := objectstore.New(ctx, ObjectStoreConfig(cfg))
	if err != nil {
		return nil, fmt.Errorf("object store: %w", err)
	}
	return store, nil
}

// NewTableStore builds the configured table store.
func NewTableStore(ctx context.Context, cfg *config.Config) (tablestore.Store, error) {
	switch cfg.TableStore {
	case tablestore.KindDuckDB:
		store, err := tablestore.OpenDuckDB(cfg.DuckDBPath)
		if err != nil {
			return nil, fmt.Errorf("table store: %w", err)
		}
		return store, nil
	case "", tablestore.KindBigQuery:
		var opts []option.ClientOption
		if cfg.BQEndpoint != "" {
			opts = append(opts, option.WithEndpoint(cfg.BQEndpoint), option.WithoutAuthentication())
		}
		store, err := tablestore.NewBigQuery(ctx, cfg.BQLocation, opts...)
		if err != nil {
			return nil, fmt.Errorf("table store: %w", err)
		}
		return store, nil
	}
	return nil, fmt.Errorf("unknown table store %q", cfg.TableStore)
}

// NewLauncher builds the configured job launcher.
func NewLauncher(ctx context.Context, cfg *config.Config, logger *slog.Logger) (domain.JobLauncher, error) {
	switch cfg.Launcher {
	case config.LauncherAgent:
		return launcher.NewAgent(cfg.AgentURL, cfg.AgentToken, nil)
	case "", config.LauncherDataflow:
		return launcher.NewDataflow(ctx, launcher.DataflowConfig{
			Project:             cfg.ProjectID,
			Region:              cfg.Region,
			TemplatePath:        cfg.TemplatePath,
			ServiceAccountEmail: cfg.ServiceAccountEmail,
		}, logger)
	}
	return nil, fmt.Errorf("unknown launcher %q", cfg.Launcher)
}

// NewPushAuth returns the push authentication middleware for the configured
// mode, or nil when authentication is off.
func NewPushAuth(ctx context.Context, cfg config.PushAuthConfig, logger *slog.Logger) (func(http.Handler) http.Handler, error) {
	var (
		validator middleware.TokenValidator
		err       error
	)
	switch cfg.Mode {
	case "", config.AuthModeNone:
		return nil, nil
	case config.AuthModeOIDC:
		validator, err = middleware.NewOIDCValidator(ctx, cfg.Issuer, cfg.Audience)
	case config.AuthModeHS256:
		validator, err = middleware.NewHS256Validator(cfg.Secret, cfg.Audience)
	default:
		return nil, fmt.Errorf("unknown push auth mode %q", cfg.Mode)
	}
	if err != nil {
		return nil, fmt.Errorf("push auth: %w", err)
	}
	return middleware.PushAuth(validator, cfg.Email, logger), nil
}
