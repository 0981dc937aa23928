// Package dockercli shells out to the docker CLI binary rather than linking
// the Docker engine SDK. The executor runs as an unprivileged, single-shot
// process alongside a docker daemon it does not own; invoking `docker` the
// way an operator would at a terminal keeps the dependency surface to "a
// docker binary on PATH" instead of a client/server API version contract.
package dockercli

import (
	"context"
	"fmt"
	"time"

	"github.com/backend-developers-ltd/compute-horde-executor/internal/supervisor"
)

// Client runs docker subcommands through a Supervisor.
type Client struct {
	supervisor *supervisor.Supervisor
}

// New creates a Client.
func New(sup *supervisor.Supervisor) *Client {
	return &Client{supervisor: sup}
}

// Pull runs `docker pull <image>` with no deadline — image pulls are sized
// by the registry and the network, not by the job's own timeout budget.
func (c *Client) Pull(ctx context.Context, image string) error {
	res, err := c.supervisor.Run(ctx, "docker", []string{"pull", image}, nil)
	if err != nil {
		return fmt.Errorf("dockercli: failed to pull %s: %w", image, err)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		return fmt.Errorf("dockercli: docker pull %s exited %v: stdout: %s stderr: %s", image, exitCodeString(res.ExitCode), res.Stdout, res.Stderr)
	}
	return nil
}

// Run runs `docker run <args...>` under an optional wall-clock deadline,
// returning the raw supervisor Result so the caller (the Job Runner) can
// apply the truncation and result-shaping rules itself.
func (c *Client) Run(ctx context.Context, args []string, deadline *time.Duration) (*supervisor.Result, error) {
	return c.supervisor.Run(ctx, "docker", append([]string{"run"}, args...), deadline)
}

// Exec runs an arbitrary docker subcommand under an optional deadline. It
// backs the CVE-2022-0492 precondition probe, which needs a plain `docker
// run` invocation of a fixed diagnostic image rather than a job container.
func (c *Client) Exec(ctx context.Context, args []string, deadline *time.Duration) (*supervisor.Result, error) {
	return c.supervisor.Run(ctx, "docker", args, deadline)
}

func exitCodeString(code *int) string {
	if code == nil {
		return "<none>"
	}
	return fmt.Sprintf("%d", *code)
}
