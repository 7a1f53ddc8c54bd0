package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTransformConfig(t *testing.T) {
	clearEnv := func(t *testing.T) {
		for _, k := range []string{"OBJECT_STORE", "TABLE_STORE", "DUCKDB_PATH", "LISTEN_ADDR",
			"BATCH_SIZE", "BUFFER_SIZE", "AGENT_MAX_CONCURRENCY", "AGENT_TOKEN", "PUSHGATEWAY_URL",
			"AGENT_JOB_RETENTION", "AGENT_MAX_FINISHED_JOBS"} {
			t.Setenv(k, "")
		}
	}

	t.Run("defaults", func(t *testing.T) {
		clearEnv(t)
		cfg, err := loadTransformConfig()
		require.NoError(t, err)
		assert.Equal(t, "gcs", cfg.Objects.Kind)
		assert.Equal(t, "bigquery", cfg.TableStore)
		assert.Equal(t, "ingest.duckdb", cfg.DuckDBPath)
		assert.Equal(t, ":9443", cfg.ListenAddr)
		assert.EqualValues(t, 2, cfg.MaxConcurrency)
		assert.Zero(t, cfg.BatchSize)
	})

	t.Run("custom_values", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("OBJECT_STORE", "s3")
		t.Setenv("S3_PATH_STYLE", "true")
		t.Setenv("TABLE_STORE", "duckdb")
		t.Setenv("BATCH_SIZE", "1000")
		t.Setenv("AGENT_MAX_CONCURRENCY", "8")
		t.Setenv("PUSHGATEWAY_URL", "http://pushgateway:9091")
		t.Setenv("AGENT_JOB_RETENTION", "6h")
		t.Setenv("AGENT_MAX_FINISHED_JOBS", "50")

		cfg, err := loadTransformConfig()
		require.NoError(t, err)
		assert.Equal(t, "s3", cfg.Objects.Kind)
		assert.True(t, cfg.Objects.S3PathStyle)
		assert.Equal(t, "duckdb", cfg.TableStore)
		assert.Equal(t, 1000, cfg.BatchSize)
		assert.EqualValues(t, 8, cfg.MaxConcurrency)
		assert.Equal(t, "http://pushgateway:9091", cfg.PushgatewayURL)
		assert.Equal(t, 6*time.Hour, cfg.JobRetention)
		assert.Equal(t, 50, cfg.MaxFinished)
	})

	t.Run("invalid_number", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("BATCH_SIZE", "many")
		_, err := loadTransformConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "BATCH_SIZE")
	})

	t.Run("invalid_retention", func(t *testing.T) {
		clearEnv(t)
		t.Setenv("AGENT_JOB_RETENTION", "forever")
		_, err := loadTransformConfig()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "AGENT_JOB_RETENTION")
	})
}
