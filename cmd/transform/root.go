package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"csv-ingest/internal/config"
)

// cliState is shared by the subcommands once the root pre-run has resolved
// logging and backend configuration.
type cliState struct {
	cfg    *TransformConfig
	logger *slog.Logger
}

func execute() int {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer cancel()

	rootCmd := newRootCmd()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		return 1
	}
	return 0
}

func newRootCmd() *cobra.Command {
	var (
		logLevel  string
		logFormat string
		envFile   string
	)
	st := &cliState{}

	rootCmd := &cobra.Command{
		Use:           "csv-transform",
		Short:         "Load CSV objects into warehouse tables",
		Long:          "Runs CSV transform jobs, either once from parameters or as an HTTP agent.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if envFile != "" {
				if err := config.LoadDotEnv(envFile); err != nil {
					return err
				}
			}
			if !cmd.Flags().Changed("log-level") {
				if v := os.Getenv("LOG_LEVEL"); v != "" {
					logLevel = v
				}
			}
			switch logFormat {
			case "auto", "json", "text":
			default:
				return fmt.Errorf("unsupported log format %q: use auto, json or text", logFormat)
			}

			level := (&config.Config{LogLevel: logLevel}).SlogLevel()
			st.logger = newLogger(cmd.ErrOrStderr(), level, logFormat)
			slog.SetDefault(st.logger)

			cfg, err := loadTransformConfig()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			st.cfg = cfg
			return nil
		},
	}

	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logFormat, "log-format", "auto", "Log format (auto, json, text); auto picks text on a terminal")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", "", "Optional .env file to load before reading the environment")

	rootCmd.AddCommand(newRunCmd(st), newAgentCmd(st))
	return rootCmd
}

// newLogger writes text to a terminal and JSON everywhere else.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	if format == "auto" {
		format = "json"
		if f, ok := w.(*os.File); ok && term.IsTerminal(int(f.Fd())) { //nolint:gosec // fd fits in int
			format = "text"
		}
	}
	opts := &slog.HandlerOptions{Level: level}
	if format == "text" {
		return slog.New(slog.NewTextHandler(w, opts))
	}
	return slog.New(slog.NewJSONHandler(w, opts))
}
