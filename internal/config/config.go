// Package config handles coordinator configuration and environment loading.
package config

import (
	"bufio"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Push authentication modes.
const (
	AuthModeNone  = "none"
	AuthModeOIDC  = "oidc"
	AuthModeHS256 = "hs256"
)

// Launcher kinds.
const (
	LauncherDataflow = "dataflow"
	LauncherAgent    = "agent"
)

// PushAuthConfig controls verification of push deliveries.
type PushAuthConfig struct {
	Mode     string // none, oidc or hs256
	Audience string // expected aud claim; for Pub/Sub this is usually the push endpoint URL
	Email    string // required email claim (the push service account), optional
	Secret   string // HS256 shared secret
	Issuer   string // OIDC issuer (default https://accounts.google.com)
}

// StorageConfig holds per-backend object store settings.
type StorageConfig struct {
	GCSCredentialsFile string
	GCSEndpoint        string

	S3KeyID     string
	S3Secret    string
	S3Endpoint  string
	S3Region    string
	S3PathStyle bool

	AzureAccountName string
	AzureAccountKey  string
	AzureEndpoint    string

	LocalRoot string
}

// Config holds the coordinator configuration.
type Config struct {
	ProjectID           string
	Region              string
	Bucket              string
	Prefix              string
	Dataset             string
	TablePrefix         string
	TempLocation        string
	StagingLocation     string
	ServiceAccountEmail string

	SampleRows     int
	SampleMaxBytes int64

	ObjectStore string // gcs, s3, azure or file
	Storage     StorageConfig

	TableStore string // bigquery or duckdb
	DuckDBPath string
	BQLocation string
	BQEndpoint string

	Launcher     string // dataflow or agent
	TemplatePath string
	AgentURL     string
	AgentToken   string

	MaxBadRows      int64
	ErrorSinkPrefix string

	DedupDriver        string
	DedupDSN           string
	DedupLease         time.Duration
	DedupMaxAttempts   int
	DedupRetention     time.Duration
	DedupSweepSchedule string

	RequestTimeout time.Duration
	ListenAddr     string

	RateLimitRPS   float64
	RateLimitBurst int

	PushAuth PushAuthConfig

	LogLevel string // debug, info, warn, error (default "info")
	Env      string // "development" (default) or "production"

	// Warnings collects non-fatal warnings generated during config loading.
	// These are logged by the caller after the logger is initialised.
	Warnings []string
}

// SlogLevel maps the LogLevel string to an slog.Level.
func (c *Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// IsProduction returns true when the server is running in production mode.
func (c *Config) IsProduction() bool {
	return strings.EqualFold(c.Env, "production")
}

// LoadFromEnv loads configuration from environment variables and applies
// defaults. It fails only on values that cannot be parsed; call Validate for
// the required set.
func LoadFromEnv() (*Config, error) {
	p := &parser{}
	cfg := &Config{
		ProjectID:           env("PROJECT_ID", "GOOGLE_CLOUD_PROJECT"),
		Region:              envDefault("us-central1", "REGION"),
		Bucket:              env("BUCKET"),
		Prefix:              envDefault("incoming/", "PREFIX"),
		Dataset:             envDefault("csv_ingest", "DATASET", "BQ_DATASET"),
		TempLocation:        env("TEMP_LOCATION", "DF_TEMP_LOCATION"),
		StagingLocation:     env("STAGING_LOCATION", "DF_STAGING_LOCATION"),
		ServiceAccountEmail: env("SERVICE_ACCOUNT_EMAIL", "DATAFLOW_SA_EMAIL"),
		SampleRows:          p.int("200", "SCHEMA_SAMPLE_ROWS", "SCHEMA_SAMPLE_LINES"),
		SampleMaxBytes:      p.int64("4194304", "SCHEMA_SAMPLE_MAX_BYTES"),
		ObjectStore:         strings.ToLower(envDefault("gcs", "OBJECT_STORE")),
		Storage: StorageConfig{
			GCSCredentialsFile: env("GCS_CREDENTIALS_FILE", "GOOGLE_APPLICATION_CREDENTIALS"),
			GCSEndpoint:        env("GCS_ENDPOINT", "STORAGE_EMULATOR_HOST"),
			S3KeyID:            env("S3_KEY_ID", "AWS_ACCESS_KEY_ID"),
			S3Secret:           env("S3_SECRET", "AWS_SECRET_ACCESS_KEY"),
			S3Endpoint:         env("S3_ENDPOINT"),
			S3Region:           envDefault("us-east-1", "S3_REGION", "AWS_REGION"),
			S3PathStyle:        p.bool(false, "S3_PATH_STYLE"),
			AzureAccountName:   env("AZURE_ACCOUNT_NAME", "AZURE_STORAGE_ACCOUNT"),
			AzureAccountKey:    env("AZURE_ACCOUNT_KEY", "AZURE_STORAGE_KEY"),
			AzureEndpoint:      env("AZURE_ENDPOINT"),
			LocalRoot:          env("LOCAL_OBJECT_ROOT"),
		},
		TableStore:         strings.ToLower(envDefault("bigquery", "TABLE_STORE")),
		DuckDBPath:         envDefault("ingest.duckdb", "DUCKDB_PATH"),
		BQLocation:         env("BQ_LOCATION"),
		BQEndpoint:         env("BQ_ENDPOINT"),
		Launcher:           strings.ToLower(envDefault(LauncherDataflow, "LAUNCHER")),
		TemplatePath:       env("TEMPLATE_PATH"),
		AgentURL:           env("AGENT_URL"),
		AgentToken:         env("AGENT_TOKEN"),
		MaxBadRows:         p.int64("0", "MAX_BAD_ROWS"),
		ErrorSinkPrefix:    env("ERROR_SINK_PREFIX"),
		DedupDriver:        envDefault("sqlite3", "DEDUP_DRIVER"),
		DedupDSN:           envDefault("ingest_state.sqlite", "DEDUP_DSN"),
		DedupLease:         p.duration("10m", "DEDUP_LEASE"),
		DedupMaxAttempts:   p.int("10", "DEDUP_MAX_ATTEMPTS"),
		DedupRetention:     p.duration("720h", "DEDUP_RETENTION"),
		DedupSweepSchedule: envDefault("@hourly", "DEDUP_SWEEP_SCHEDULE"),
		RequestTimeout:     p.duration("60s", "REQUEST_TIMEOUT"),
		ListenAddr:         env("LISTEN_ADDR"),
		RateLimitRPS:       p.float("50", "RATE_LIMIT_RPS"),
		RateLimitBurst:     p.int("100", "RATE_LIMIT_BURST"),
		PushAuth: PushAuthConfig{
			Mode:     strings.ToLower(envDefault(AuthModeNone, "PUSH_AUTH_MODE")),
			Audience: env("PUSH_AUTH_AUDIENCE"),
			Email:    env("PUSH_AUTH_EMAIL"),
			Secret:   env("PUSH_AUTH_SECRET"),
			Issuer:   env("PUSH_AUTH_ISSUER"),
		},
		LogLevel: envDefault("info", "LOG_LEVEL"),
		Env:      envDefault("development", "ENV"),
	}
	if _, ok := os.LookupEnv("TABLE_PREFIX"); ok {
		cfg.TablePrefix = os.Getenv("TABLE_PREFIX")
	} else {
		cfg.TablePrefix = "csv_"
	}
	if cfg.ListenAddr == "" {
		if port := os.Getenv("PORT"); port != "" {
			cfg.ListenAddr = ":" + port
		} else {
			cfg.ListenAddr = ":8080"
		}
	}
	if err := p.err(); err != nil {
		return nil, err
	}

	if cfg.PushAuth.Mode == AuthModeNone {
		cfg.Warnings = append(cfg.Warnings, "PUSH_AUTH_MODE=none: push requests are not authenticated")
	}
	if cfg.DedupDriver == "sqlite3" {
		cfg.Warnings = append(cfg.Warnings, "dedup store is SQLite: run a single coordinator instance or set DEDUP_DRIVER=pgx")
	}
	if cfg.TableStore == "duckdb" && cfg.Launcher == LauncherDataflow {
		cfg.Warnings = append(cfg.Warnings, "TABLE_STORE=duckdb with LAUNCHER=dataflow: Dataflow workers cannot reach a local DuckDB file")
	}
	return cfg, nil
}

// Validate checks the required settings and their combinations.
func (c *Config) Validate() error {
	var errs []error
	required := []struct{ name, value string }{
		{"PROJECT_ID", c.ProjectID},
		{"BUCKET", c.Bucket},
		{"PREFIX", c.Prefix},
		{"DATASET", c.Dataset},
		{"TEMP_LOCATION", c.TempLocation},
		{"STAGING_LOCATION", c.StagingLocation},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			errs = append(errs, fmt.Errorf("%s is required", r.name))
		}
	}

	switch c.ObjectStore {
	case "gcs", "s3", "azure":
	case "file":
		if c.Storage.LocalRoot == "" {
			errs = append(errs, errors.New("LOCAL_OBJECT_ROOT is required when OBJECT_STORE=file"))
		}
	default:
		errs = append(errs, fmt.Errorf("OBJECT_STORE %q must be one of gcs, s3, azure, file", c.ObjectStore))
	}

	switch c.TableStore {
	case "bigquery":
	case "duckdb":
		if c.DuckDBPath == "" {
			errs = append(errs, errors.New("DUCKDB_PATH is required when TABLE_STORE=duckdb"))
		}
	default:
		errs = append(errs, fmt.Errorf("TABLE_STORE %q must be bigquery or duckdb", c.TableStore))
	}

	switch c.Launcher {
	case LauncherDataflow:
		if c.TemplatePath == "" {
			errs = append(errs, errors.New("TEMPLATE_PATH is required when LAUNCHER=dataflow"))
		}
	case LauncherAgent:
		if c.AgentURL == "" || c.AgentToken == "" {
			errs = append(errs, errors.New("AGENT_URL and AGENT_TOKEN are required when LAUNCHER=agent"))
		}
	default:
		errs = append(errs, fmt.Errorf("LAUNCHER %q must be dataflow or agent", c.Launcher))
	}

	switch c.PushAuth.Mode {
	case AuthModeNone:
		if c.IsProduction() {
			errs = append(errs, errors.New("PUSH_AUTH_MODE must not be none in production (ENV=production)"))
		}
	case AuthModeOIDC:
		if c.PushAuth.Audience == "" {
			errs = append(errs, errors.New("PUSH_AUTH_AUDIENCE is required when PUSH_AUTH_MODE=oidc"))
		}
	case AuthModeHS256:
		if c.PushAuth.Secret == "" {
			errs = append(errs, errors.New("PUSH_AUTH_SECRET is required when PUSH_AUTH_MODE=hs256"))
		}
	default:
		errs = append(errs, fmt.Errorf("PUSH_AUTH_MODE %q must be none, oidc or hs256", c.PushAuth.Mode))
	}

	if c.SampleRows <= 0 {
		errs = append(errs, errors.New("SCHEMA_SAMPLE_ROWS must be positive"))
	}
	if c.SampleMaxBytes <= 0 {
		errs = append(errs, errors.New("SCHEMA_SAMPLE_MAX_BYTES must be positive"))
	}
	if c.DedupMaxAttempts <= 0 {
		errs = append(errs, errors.New("DEDUP_MAX_ATTEMPTS must be positive"))
	}
	if c.DedupLease <= 0 || c.RequestTimeout <= 0 {
		errs = append(errs, errors.New("DEDUP_LEASE and REQUEST_TIMEOUT must be positive"))
	} else if c.DedupLease < c.RequestTimeout {
		errs = append(errs, errors.New("DEDUP_LEASE must not be shorter than REQUEST_TIMEOUT"))
	}
	return errors.Join(errs...)
}

// env returns the first non-empty value among keys.
func env(keys ...string) string {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return v
		}
	}
	return ""
}

func envDefault(def string, keys ...string) string {
	if v := env(keys...); v != "" {
		return v
	}
	return def
}

// parser collects parse failures so LoadFromEnv can report them together.
type parser struct {
	errs []error
}

func (p *parser) raw(def string, keys []string) (string, string) {
	for _, k := range keys {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return k, v
		}
	}
	return keys[0], def
}

func (p *parser) int(def string, keys ...string) int {
	key, v := p.raw(def, keys)
	n, err := strconv.Atoi(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, v))
	}
	return n
}

func (p *parser) int64(def string, keys ...string) int64 {
	key, v := p.raw(def, keys)
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid integer %q", key, v))
	}
	return n
}

func (p *parser) float(def string, keys ...string) float64 {
	key, v := p.raw(def, keys)
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid number %q", key, v))
	}
	return f
}

func (p *parser) duration(def string, keys ...string) time.Duration {
	key, v := p.raw(def, keys)
	d, err := time.ParseDuration(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid duration %q", key, v))
	}
	return d
}

func (p *parser) bool(def bool, keys ...string) bool {
	key, v := p.raw(strconv.FormatBool(def), keys)
	b, err := strconv.ParseBool(v)
	if err != nil {
		p.errs = append(p.errs, fmt.Errorf("%s: invalid boolean %q", key, v))
	}
	return b
}

func (p *parser) err() error {
	return errors.Join(p.errs...)
}

// LoadDotEnv reads a .env file and sets any variables not already in the environment.
// Lines must be in KEY=VALUE format. Comments (#) and blank lines are skipped.
func LoadDotEnv(path string) error {
	f, err := os.Open(path) //nolint:gosec // path is caller-controlled
	if err != nil {
		if os.IsNotExist(err) {
			return nil // .env not found is not an error
		}
		return fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close() //nolint:errcheck

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		key, value, ok := strings.Cut(strings.TrimPrefix(line, "export "), "=")
		if !ok {
			continue
		}
		key = strings.TrimSpace(key)
		value = stripQuotes(strings.TrimSpace(value))
		if _, set := os.LookupEnv(key); !set {
			if err := os.Setenv(key, value); err != nil {
				return fmt.Errorf("setenv %s: %w", key, err)
			}
		}
	}
	return scanner.Err()
}

// stripQuotes removes surrounding double or single quotes from a value.
func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '"' && s[len(s)-1] == '"') || (s[0] == '\'' && s[len(s)-1] == '\'') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
