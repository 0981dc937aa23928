// Package jobrunner prepares and runs the job container: pulling the image,
// materializing the input volume, composing the docker run invocation from
// the preset and mount layout, and shaping the raw process result into the
// truncated-for-the-wire form the protocol carries.
package jobrunner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/backend-developers-ltd/compute-horde-executor/internal/dockercli"
	"github.com/backend-developers-ltd/compute-horde-executor/internal/protocol"
	"github.com/backend-developers-ltd/compute-horde-executor/internal/volumefetcher"
	"github.com/backend-developers-ltd/compute-horde-executor/internal/workspace"
)

// jobError is implemented by volumefetcher failures that are known,
// recoverable JobInputFailure conditions (oversized volume, fetch timeout).
// JobDescription, not Error(), is what goes on the wire — Error() keeps the
// verbose diagnostic for logs.
type jobError interface {
	error
	JobDescription() string
}

// maxResultSizeInResponse is the wire budget for each of stdout/stderr in a
// terminal message. Anything longer is replaced by its first and last
// prefixSize bytes joined by an ellipsis marker; the untruncated bytes are
// always written to the output mount first, so nothing is lost, only
// elided from the message the Miner sees inline.
const maxResultSizeInResponse = 1000

const prefixSize = 100

// Presets is the closed mapping from a full job payload's
// docker_run_options_preset to the docker run flags it expands to.
var Presets = map[string][]string{
	protocol.PresetNone:      {},
	protocol.PresetNvidiaAll: {"--runtime=nvidia", "--gpus", "all"},
}

// Result is the shaped outcome of running one job container, ready to be
// carried on either a FinishedRequest or a FailedRequest.
type Result struct {
	Success    bool
	ExitStatus *int
	Timeout    bool
	Stdout     string
	Stderr     string
}

// Runner prepares and runs job containers against one Workspace.
type Runner struct {
	docker    *dockercli.Client
	fetcher   *volumefetcher.Fetcher
	workspace *workspace.Workspace
}

// New creates a Runner.
func New(docker *dockercli.Client, fetcher *volumefetcher.Fetcher, ws *workspace.Workspace) *Runner {
	return &Runner{docker: docker, fetcher: fetcher, workspace: ws}
}

// OutputMount returns the workspace's output mount directory, for callers
// (the output uploader) that need it after a successful Run.
func (r *Runner) OutputMount() string {
	return r.workspace.OutputMount
}

// Prepare pulls the base image and (re)creates the mount directories. It
// corresponds to the "prepare" phase of the executor loop, run after the
// initial job request and before V0ReadyRequest is sent.
func (r *Runner) Prepare(ctx context.Context, image string) error {
	if err := r.workspace.EnsureMountDirs(); err != nil {
		return err
	}
	if err := r.docker.Pull(ctx, image); err != nil {
		return err
	}
	return nil
}

// Run materializes the volume, runs the job container under timeout, and
// shapes the result. timeout of nil means no deadline is applied.
//
// A bad preset or a volume that fails to materialize with a known JobError
// (oversized volume, fetch timeout) are JobInputFailure conditions: they are
// shaped into a failed Result, with the JobDescription carried on the wire in
// place of Error()'s verbose diagnostic, and returned with a nil error,
// exactly like a non-zero container exit. An unsupported volume_type is not a
// JobError but a NotImplemented-class condition, so it escapes as a Go error
// here, same as a failure to even invoke docker or to persist captured
// output, for the Executor Loop to treat as unexpected.
func (r *Runner) Run(ctx context.Context, req protocol.RunJobRequest, timeout *time.Duration) (*Result, error) {
	args, presetErr := r.buildArgs(req)
	if presetErr != nil {
		return inputFailure(presetErr.Error()), nil
	}

	if err := r.fetcher.Fetch(ctx, r.workspace, req.Volume); err != nil {
		var jobErr jobError
		if errors.As(err, &jobErr) {
			return inputFailure(jobErr.JobDescription()), nil
		}
		return nil, err
	}

	procResult, err := r.docker.Run(ctx, args, timeout)
	if err != nil {
		return nil, err
	}

	stdoutPath := filepath.Join(r.workspace.OutputMount, "stdout.txt")
	stderrPath := filepath.Join(r.workspace.OutputMount, "stderr.txt")
	if err := os.WriteFile(stdoutPath, procResult.Stdout, 0o644); err != nil {
		return nil, fmt.Errorf("jobrunner: failed to persist stdout: %w", err)
	}
	if err := os.WriteFile(stderrPath, procResult.Stderr, 0o644); err != nil {
		return nil, fmt.Errorf("jobrunner: failed to persist stderr: %w", err)
	}

	success := !procResult.Timeout && procResult.ExitCode != nil && *procResult.ExitCode == 0

	return &Result{
		Success:    success,
		ExitStatus: procResult.ExitCode,
		Timeout:    procResult.Timeout,
		Stdout:     truncate(string(procResult.Stdout)),
		Stderr:     truncate(string(procResult.Stderr)),
	}, nil
}

func (r *Runner) buildArgs(req protocol.RunJobRequest) ([]string, error) {
	presetArgs, ok := Presets[req.DockerRunOptionsPreset]
	if !ok {
		return nil, fmt.Errorf("jobrunner: unsupported docker_run_options_preset %q", req.DockerRunOptionsPreset)
	}

	args := append([]string{}, presetArgs...)
	args = append(args, "--rm", "--network", "none")
	args = append(args,
		"-v", r.workspace.VolumeMount+":/volume/",
		"-v", r.workspace.OutputMount+":/output/",
		req.DockerImageName,
	)
	args = append(args, req.DockerRunCmd...)
	return args, nil
}

// inputFailure shapes a bad preset or a volume-materialization error into
// the JobResult form spec.md §4.2 requires: no exit status, not a timeout,
// the description carried in stdout.
func inputFailure(description string) *Result {
	return &Result{
		Success: false,
		Stdout:  truncate(description),
	}
}

// truncate implements the stream-truncation law: strings no longer than
// maxResultSizeInResponse pass through unchanged; longer strings become
// their first prefixSize bytes, a " ... " marker, and their last
// prefixSize bytes.
func truncate(s string) string {
	if len(s) <= maxResultSizeInResponse {
		return s
	}
	return s[:prefixSize] + " ... " + s[len(s)-prefixSize:]
}
