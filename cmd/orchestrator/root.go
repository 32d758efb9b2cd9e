package main

import (
	"log/slog"
	"runtime"
	"time"

	"github.com/spf13/cobra"

	"github.com/openctemio/orchestrator/internal/config"
	"github.com/openctemio/orchestrator/pkg/logger"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "orchestrator",
		Short: "Security test run orchestration engine",
		Long: `orchestrator queues security test runs, executes them through a pluggable
executor, records findings in a hash-chained evidence ledger and notifies
webhook subscribers when runs finish.

Configuration is read from the environment (and an optional .env file).`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.AddCommand(
		newServeCmd(),
		newWorkerCmd(),
		newMigrateCmd(),
		newVerifyChainCmd(),
		newRoutesCmd(),
		newVersionCmd(),
	)
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Printf("orchestrator %s (%s, %s/%s)\n", Version, runtime.Version(), runtime.GOOS, runtime.GOARCH)
		},
	}
}

// loadConfig loads configuration and builds the process logger from it.
func loadConfig() (*config.Config, *logger.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, newLogger(cfg), nil
}

func newLogger(cfg *config.Config) *logger.Logger {
	lc := logger.DefaultConfig()
	lc.Level = cfg.Log.Level
	if cfg.Log.Format != "" {
		lc.Format = cfg.Log.Format
	}
	if cfg.Log.SamplingEnabled {
		lc.Sampling = logger.SamplingConfig{
			Enabled: true,
			Tick:    time.Second,
			//nolint:gosec // G115: validated non-negative by config
			Threshold: uint64(max(cfg.Log.SamplingThreshold, 0)),
		}
	}
	log := logger.New(lc)
	slog.SetDefault(log.Logger)
	return log
}

type closer interface {
	Close() error
}

func closeWithLog(c closer, name string, log *logger.Logger) {
	if err := c.Close(); err != nil {
		log.Error("failed to close "+name, "error", err)
	}
}
