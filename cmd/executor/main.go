// Package main is the entry point for the compute-horde-executor binary.
// It wires all internal packages together and drives exactly one job.
//
// Startup sequence:
//  1. Load Config from the environment
//  2. Build logger (its level comes from Config)
//  3. Construct a Workspace (temp root + mount directories)
//  4. Dial the Miner
//  5. Run the Executor Loop to completion
//  6. Exit 0 — every failure after the connection is open is reported over
//     the wire, never via the process exit code (spec.md §6)
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/backend-developers-ltd/compute-horde-executor/internal/config"
	"github.com/backend-developers-ltd/compute-horde-executor/internal/dockercli"
	"github.com/backend-developers-ltd/compute-horde-executor/internal/executorloop"
	"github.com/backend-developers-ltd/compute-horde-executor/internal/jobrunner"
	"github.com/backend-developers-ltd/compute-horde-executor/internal/minerclient"
	"github.com/backend-developers-ltd/compute-horde-executor/internal/supervisor"
	"github.com/backend-developers-ltd/compute-horde-executor/internal/volumefetcher"
	"github.com/backend-developers-ltd/compute-horde-executor/internal/workspace"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "compute-horde-executor",
		Short: "Executor Core — runs exactly one containerized job on behalf of a Miner",
		Long: `The Executor Core connects to a Miner over a persistent WebSocket
stream, prepares and runs one containerized job under a wall-clock deadline,
and reports the result. It is launched fresh per job and exits after
sending exactly one terminal protocol message.`,
	}

	root.AddCommand(newRunCmd())
	root.AddCommand(newVersionCmd())

	return root
}

func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Connect to the configured Miner and run one job",
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("compute-horde-executor %s (commit: %s, built: %s)\n", version, commit, date)
		},
	}
}

func run(ctx context.Context) error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	logger, err := buildLogger(cfg.LogLevel)
	if err != nil {
		return fmt.Errorf("failed to build logger: %w", err)
	}
	defer logger.Sync() //nolint:errcheck

	// processID has no protocol meaning — it never appears on the wire. It
	// exists purely so every log line this process ever emits, including
	// lines before the job_uuid is known, can be correlated to one run when
	// logs from many short-lived executor processes are aggregated
	// centrally.
	processID := uuid.NewString()
	logger = logger.With(zap.String("process_id", processID))

	logger.Info("starting compute-horde-executor",
		zap.String("version", version),
		zap.String("miner_address", cfg.MinerAddress),
	)

	// A job is expected to either finish or be killed promptly on signal;
	// there is no graceful-drain period to design for, so cancellation here
	// propagates straight through to the in-flight container run and the
	// miner connection.
	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	ws, err := workspace.New()
	if err != nil {
		return fmt.Errorf("failed to create workspace: %w", err)
	}
	defer ws.Remove() //nolint:errcheck

	sup := supervisor.New()
	docker := dockercli.New(sup)
	fetcher := volumefetcher.New(cfg.VolumeMaxSizeBytes)
	runner := jobrunner.New(docker, fetcher, ws)

	client, err := minerclient.Dial(ctx, cfg.MinerAddress, cfg.ExecutorToken, logger)
	if err != nil {
		return fmt.Errorf("failed to connect to miner: %w", err)
	}
	defer client.Close() //nolint:errcheck

	executorloop.Run(ctx, client, executorloop.Deps{
		Docker: docker,
		Runner: runner,
		Logger: logger,
	})

	logger.Info("compute-horde-executor exiting")
	return nil
}

func buildLogger(level string) (*zap.Logger, error) {
	var cfg zap.Config

	switch level {
	case "debug":
		cfg = zap.NewDevelopmentConfig()
	default:
		cfg = zap.NewProductionConfig()
	}

	switch level {
	case "debug":
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	case "info":
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	case "warn":
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	case "error":
		cfg.Level = zap.NewAtomicLevelAt(zap.ErrorLevel)
	default:
		cfg.Level = zap.NewAtomicLevelAt(zap.InfoLevel)
	}

	return cfg.Build()
}
