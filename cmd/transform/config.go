package main

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"csv-ingest/internal/objectstore"
	"csv-ingest/internal/tablestore"
)

// TransformConfig holds the backends and tuning of the transform binary,
// loaded from environment variables. The job parameters themselves come
// from flags or a request file.
type TransformConfig struct {
	Objects        objectstore.Config
	TableStore     string
	DuckDBPath     string
	BQLocation     string
	BQEndpoint     string
	BatchSize      int
	BufferSize     int
	PushgatewayURL string

	// Agent mode only.
	AgentToken     string
	ListenAddr     string
	MaxConcurrency int64
	JobRetention   time.Duration
	MaxFinished    int
}

func loadTransformConfig() (*TransformConfig, error) {
	cfg := &TransformConfig{
		Objects: objectstore.Config{
			Kind:               os.Getenv("OBJECT_STORE"),
			GCSCredentialsFile: os.Getenv("GCS_CREDENTIALS_FILE"),
			GCSEndpoint:        os.Getenv("GCS_ENDPOINT"),
			S3KeyID:            os.Getenv("S3_KEY_ID"),
			S3Secret:           os.Getenv("S3_SECRET"),
			S3Endpoint:         os.Getenv("S3_ENDPOINT"),
			S3Region:           os.Getenv("S3_REGION"),
			S3PathStyle:        os.Getenv("S3_PATH_STYLE") == "true",
			AzureAccountName:   os.Getenv("AZURE_ACCOUNT_NAME"),
			AzureAccountKey:    os.Getenv("AZURE_ACCOUNT_KEY"),
			AzureEndpoint:      os.Getenv("AZURE_ENDPOINT"),
			LocalRoot:          os.Getenv("LOCAL_OBJECT_ROOT"),
		},
		TableStore:     os.Getenv("TABLE_STORE"),
		DuckDBPath:     os.Getenv("DUCKDB_PATH"),
		BQLocation:     os.Getenv("BQ_LOCATION"),
		BQEndpoint:     os.Getenv("BQ_ENDPOINT"),
		PushgatewayURL: os.Getenv("PUSHGATEWAY_URL"),
		AgentToken:     os.Getenv("AGENT_TOKEN"),
		ListenAddr:     os.Getenv("LISTEN_ADDR"),
	}
	if v := os.Getenv("BATCH_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BATCH_SIZE: %w", err)
		}
		cfg.BatchSize = n
	}
	if v := os.Getenv("BUFFER_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid BUFFER_SIZE: %w", err)
		}
		cfg.BufferSize = n
	}
	if v := os.Getenv("AGENT_MAX_CONCURRENCY"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid AGENT_MAX_CONCURRENCY: %w", err)
		}
		cfg.MaxConcurrency = n
	}
	if v := os.Getenv("AGENT_JOB_RETENTION"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("invalid AGENT_JOB_RETENTION: %w", err)
		}
		cfg.JobRetention = d
	}
	if v := os.Getenv("AGENT_MAX_FINISHED_JOBS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("invalid AGENT_MAX_FINISHED_JOBS: %w", err)
		}
		cfg.MaxFinished = n
	}
	if cfg.Objects.Kind == "" {
		cfg.Objects.Kind = objectstore.KindGCS
	}
	if cfg.TableStore == "" {
		cfg.TableStore = tablestore.KindBigQuery
	}
	if cfg.DuckDBPath == "" {
		cfg.DuckDBPath = "ingest.duckdb"
	}
	if cfg.ListenAddr == "" {
		cfg.ListenAddr = ":9443"
	}
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 2
	}
	return cfg, nil
}
