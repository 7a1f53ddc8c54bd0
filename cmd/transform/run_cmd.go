package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"csv-ingest/internal/app"
	"csv-ingest/internal/config"
	"csv-ingest/internal/domain"
	"csv-ingest/internal/metrics"
	"csv-ingest/internal/objectstore"
	"csv-ingest/internal/service/transform"
)

// jobParams are the flat parameters a launcher passes as --name=value flags.
var jobParams = []struct{ name, usage string }{
	{domain.ParamJobKey, "Deterministic key of the load"},
	{domain.ParamInputBucket, "Source bucket"},
	{domain.ParamInputObject, "Source object path"},
	{domain.ParamInputGeneration, "Source object generation"},
	{domain.ParamOutputTable, "Destination table as project:dataset.table"},
	{domain.ParamSchema, "Load schema as name:TYPE,..."},
	{domain.ParamDelimiter, "Field delimiter (default \",\")"},
	{domain.ParamHasHeader, "Whether the first line is a header (default true)"},
	{domain.ParamTempLocation, "Runner temp location"},
	{domain.ParamStagingLocation, "Runner staging location"},
	{domain.ParamMaxBadRows, "Bad rows tolerated before the job fails; negative means unlimited"},
	{domain.ParamErrorSink, "URI receiving rejected rows as JSON lines"},
}

func newRunCmd(st *cliState) *cobra.Command {
	var requestFile string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Load one CSV object into its destination table",
		Long: "Load one CSV object. The request comes either from --request-file (YAML or JSON)\n" +
			"or from one flag per job parameter, as passed by a flex template launch.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			req, err := loadRequest(cmd.Flags(), requestFile)
			if err != nil {
				return err
			}
			return runJob(cmd.Context(), st, req, cmd.OutOrStdout())
		},
	}

	cmd.Flags().StringVar(&requestFile, "request-file", "", "YAML or JSON JobRequest file")
	for _, p := range jobParams {
		cmd.Flags().String(p.name, "", p.usage)
	}
	return cmd
}

// loadRequest builds the JobRequest from exactly one of the two sources.
func loadRequest(flags *pflag.FlagSet, requestFile string) (domain.JobRequest, error) {
	params := map[string]string{}
	flags.Visit(func(f *pflag.Flag) {
		if f.Name != "request-file" {
			params[f.Name] = f.Value.String()
		}
	})

	switch {
	case requestFile != "" && len(params) > 0:
		return domain.JobRequest{}, errors.New("use either --request-file or job parameter flags, not both")
	case requestFile != "":
		data, err := os.ReadFile(requestFile) //nolint:gosec // path is caller-controlled
		if err != nil {
			return domain.JobRequest{}, fmt.Errorf("read request file: %w", err)
		}
		req := domain.JobRequest{Delimiter: ",", HasHeader: true}
		if err := yaml.Unmarshal(data, &req); err != nil {
			return domain.JobRequest{}, fmt.Errorf("parse request file: %w", err)
		}
		return req, req.Validate()
	case len(params) == 0:
		return domain.JobRequest{}, errors.New("no job request: pass --request-file or the job parameter flags")
	}
	return domain.JobRequestFromParams(params)
}

func runJob(ctx context.Context, st *cliState, req domain.JobRequest, out io.Writer) error {
	objects, err := objectstore.New(ctx, st.cfg.Objects)
	if err != nil {
		return fmt.Errorf("object store: %w", err)
	}
	if c, ok := objects.(io.Closer); ok {
		defer c.Close() //nolint:errcheck
	}

	tables, err := app.NewTableStore(ctx, &config.Config{
		TableStore: st.cfg.TableStore,
		DuckDBPath: st.cfg.DuckDBPath,
		BQLocation: st.cfg.BQLocation,
		BQEndpoint: st.cfg.BQEndpoint,
	})
	if err != nil {
		return err
	}
	if c, ok := tables.(io.Closer); ok {
		defer c.Close() //nolint:errcheck
	}

	m := metrics.NewTransform()
	job := transform.New(objects, tables, transform.Config{
		BatchSize:  st.cfg.BatchSize,
		BufferSize: st.cfg.BufferSize,
	}, m, st.logger)

	report, runErr := job.Run(ctx, req)

	if err := m.Push(context.WithoutCancel(ctx), st.cfg.PushgatewayURL, req.Key); err != nil {
		st.logger.Warn("metrics push failed", "error", err)
	}

	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	if err := enc.Encode(report); err != nil {
		return err
	}
	return runErr
}
