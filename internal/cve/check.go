// Package cve implements the CVE-2022-0492 container-escape precondition
// probe run once before any job container starts.
//
// The probe runs a fixed, known diagnostic image and inspects its stdout
// for a marker string the image prints only when the host's cgroup
// release_agent mechanism is contained, i.e. not exploitable. A host that
// fails this probe (marker absent, non-zero exit, or timeout) must never
// run an untrusted job container.
package cve

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/backend-developers-ltd/compute-horde-executor/internal/dockercli"
)

// probeImage is a small, fixed diagnostic image purpose-built for this
// check. It is not configurable — varying it would defeat the point of a
// fixed precondition probe.
const probeImage = "us-central1-docker.pkg.dev/twistlock-secresearch/public/can-ctr-escape-cve-2022-0492:latest"

// probeTimeout bounds the probe container itself, independent of any job
// timeout.
const probeTimeout = 120 * time.Second

// containedMarker is the exact substring the probe image prints to stdout
// when the host is not exploitable.
const containedMarker = "Contained: cannot escape via CVE-2022-0492"

// ErrVulnerable is returned when the probe does not confirm containment —
// absence of the marker, a non-zero exit, or a timeout are all treated the
// same way: fail closed.
var ErrVulnerable = fmt.Errorf("cve: host failed the CVE-2022-0492 precondition probe")

// Check runs the precondition probe. A nil return means the host is safe to
// run job containers on.
func Check(ctx context.Context, docker *dockercli.Client) error {
	deadline := probeTimeout
	res, err := docker.Exec(ctx, []string{"run", "--rm", probeImage}, &deadline)
	if err != nil {
		return fmt.Errorf("cve: failed to run precondition probe: %w", err)
	}
	if res.Timeout {
		return fmt.Errorf("%w: probe timed out after %s", ErrVulnerable, probeTimeout)
	}
	if res.ExitCode == nil || *res.ExitCode != 0 {
		return fmt.Errorf("%w: probe exited non-zero", ErrVulnerable)
	}
	if !strings.Contains(string(res.Stdout), containedMarker) {
		return ErrVulnerable
	}
	return nil
}
