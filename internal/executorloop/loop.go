// Package executorloop drives the one-shot lifecycle of a single job:
// connect, await the initial request, probe the CVE precondition, prepare,
// announce readiness, await the full payload, run the container, optionally
// upload output, and send exactly one terminal message before exiting.
//
// Every error surfaced anywhere in this sequence is translated to the
// correct outbound message here — the loop is the one place in the
// repository that knows the full failure-to-message mapping; every other
// package just returns (or shapes) an error.
package executorloop

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/backend-developers-ltd/compute-horde-executor/internal/cve"
	"github.com/backend-developers-ltd/compute-horde-executor/internal/dockercli"
	"github.com/backend-developers-ltd/compute-horde-executor/internal/jobrunner"
	"github.com/backend-developers-ltd/compute-horde-executor/internal/minerclient"
	"github.com/backend-developers-ltd/compute-horde-executor/internal/protocol"
	"github.com/backend-developers-ltd/compute-horde-executor/internal/uploader"
)

// Deps bundles every collaborator the loop needs. It takes a *jobrunner.Runner
// rather than its constituent docker/fetcher/workspace values because the
// Runner already owns the Workspace it operates against.
type Deps struct {
	Docker *dockercli.Client
	Runner *jobrunner.Runner
	Logger *zap.Logger
}

// Run executes the full lifecycle against an already-dialed miner
// connection. It never returns an error for anything that can be reported
// over the wire — only a truly unrecoverable condition (caught by the
// top-level recover) produces a synchronous GenericError, and even that
// does not propagate past Run as an error: the process exit code stays 0
// once the connection was established (spec.md §6).
func Run(ctx context.Context, client *minerclient.Client, deps Deps) {
	defer func() {
		if r := recover(); r != nil {
			deps.Logger.Error("executorloop: recovered from panic", zap.Any("panic", r))
			if err := client.SendSync(protocol.NewGenericError("Unexpected error")); err != nil {
				deps.Logger.Error("executorloop: failed to send final GenericError", zap.Error(err))
			}
		}
	}()

	initial, err := client.AwaitInitial(ctx)
	if err != nil {
		deps.Logger.Error("executorloop: failed waiting for initial job request", zap.Error(err))
		return
	}

	logger := deps.Logger.With(zap.String("job_uuid", initial.JobUUID))
	logger.Info("executorloop: received initial job request", zap.String("image", initial.BaseDockerImageName))

	if err := cve.Check(ctx, deps.Docker); err != nil {
		logger.Error("executorloop: CVE precondition failed", zap.Error(err))
		client.SendFailedToPrepare(initial.JobUUID)
		return
	}

	if err := deps.Runner.Prepare(ctx, initial.BaseDockerImageName); err != nil {
		logger.Error("executorloop: prepare failed", zap.Error(err))
		client.SendFailedToPrepare(initial.JobUUID)
		return
	}

	client.SendReady(initial.JobUUID)
	logger.Info("executorloop: sent ready")

	full, err := client.AwaitFullPayload(ctx)
	if err != nil {
		logger.Error("executorloop: failed waiting for full job payload", zap.Error(err))
		return
	}

	var timeout *time.Duration
	if initial.TimeoutSeconds != nil {
		d := time.Duration(*initial.TimeoutSeconds) * time.Second
		timeout = &d
	}

	result, err := deps.Runner.Run(ctx, full, timeout)
	if err != nil {
		logger.Error("executorloop: job run failed unexpectedly", zap.Error(err))
		panic(err)
	}

	if !result.Success {
		logger.Info("executorloop: job failed",
			zap.Bool("timeout", result.Timeout),
			zap.Any("exit_status", result.ExitStatus),
		)
		client.SendFailed(full.JobUUID, result.ExitStatus, result.Timeout, result.Stdout, result.Stderr)
		return
	}

	if full.OutputUpload != nil {
		if err := upload(ctx, deps.Runner, *full.OutputUpload); err != nil {
			logger.Error("executorloop: output upload failed", zap.Error(err))
			client.SendFailed(full.JobUUID, nil, false, err.Error(), "")
			return
		}
	}

	logger.Info("executorloop: job finished")
	client.SendFinished(full.JobUUID, result.Stdout, result.Stderr)
}

func upload(ctx context.Context, runner *jobrunner.Runner, desc protocol.OutputUpload) error {
	u, err := uploader.ForDescriptor(desc)
	if err != nil {
		return err
	}
	return u.Upload(ctx, runner.OutputMount())
}
