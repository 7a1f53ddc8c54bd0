package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"csv-ingest/internal/agent"
	"csv-ingest/internal/app"
	"csv-ingest/internal/config"
	"csv-ingest/internal/metrics"
	"csv-ingest/internal/objectstore"
	"csv-ingest/internal/service/transform"
)

// shutdownGrace bounds how long running jobs may finish after a signal.
const shutdownGrace = 5 * time.Minute

func newAgentCmd(st *cliState) *cobra.Command {
	return &cobra.Command{
		Use:   "agent",
		Short: "Serve signed job submissions over HTTP",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serveAgent(cmd.Context(), st)
		},
	}
}

func serveAgent(ctx context.Context, st *cliState) error {
	cfg := st.cfg
	if cfg.AgentToken == "" {
		return errors.New("AGENT_TOKEN is required")
	}
	logger := st.logger

	objects, err := objectstore.New(ctx, cfg.Objects)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	if c, ok := objects.(io.Closer); ok {
		defer c.Close() //nolint:errcheck
	}
	tables, err := app.NewTableStore(ctx, &config.Config{
		TableStore: cfg.TableStore,
		DuckDBPath: cfg.DuckDBPath,
		BQLocation: cfg.BQLocation,
		BQEndpoint: cfg.BQEndpoint,
	})
	if err != nil {
		return err
	}
	if c, ok := tables.(io.Closer); ok {
		defer c.Close() //nolint:errcheck
	}

	m := metrics.NewTransform()
	job := transform.New(objects, tables, transform.Config{
		BatchSize:  cfg.BatchSize,
		BufferSize: cfg.BufferSize,
	}, m, logger)

	server := agent.NewServer(agent.Config{
		Runner:         job,
		Token:          cfg.AgentToken,
		MaxConcurrency: cfg.MaxConcurrency,
		JobRetention:   cfg.JobRetention,
		MaxFinished:    cfg.MaxFinished,
		Logger:         logger,
	})

	mux := http.NewServeMux()
	mux.Handle("/", server.Handler())
	mux.Handle("GET /metrics", m.Handler())

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("transform agent listening", "addr", cfg.ListenAddr, "max_concurrency", cfg.MaxConcurrency)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	logger.Info("shutting down transform agent")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	_ = srv.Shutdown(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("jobs still running at shutdown: %w", err)
	}
	return nil
}
