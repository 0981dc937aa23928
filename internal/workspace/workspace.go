// Package workspace owns the per-process temp root and the two well-known
// mount directories bind-mounted into the job container.
//
// The reference executor keeps these as module-level globals created once at
// import time. This repository instead models them as an explicit value
// constructed once in main and threaded through the Job Runner and Volume
// Fetcher, so tests can construct an isolated Workspace per case instead of
// sharing process-wide state.
package workspace

import (
	"fmt"
	"os"
	"path/filepath"
)

// Workspace holds the three paths every job shares for its lifetime: the
// temp root itself, the input mount, and the output mount.
type Workspace struct {
	Root        string
	VolumeMount string
	OutputMount string
}

// New creates a fresh temp root under the OS default temp directory and the
// two mount subdirectories inside it. Call once per process.
func New() (*Workspace, error) {
	root, err := os.MkdirTemp("", "compute-horde-executor-*")
	if err != nil {
		return nil, fmt.Errorf("workspace: failed to create temp root: %w", err)
	}

	w := &Workspace{
		Root:        root,
		VolumeMount: filepath.Join(root, "volume"),
		OutputMount: filepath.Join(root, "output"),
	}

	if err := w.ensureMountDirs(); err != nil {
		return nil, err
	}
	return w, nil
}

// ensureMountDirs creates VolumeMount and OutputMount if they do not already
// exist. Safe to call repeatedly (e.g. from prepare()).
func (w *Workspace) ensureMountDirs() error {
	if err := os.MkdirAll(w.VolumeMount, 0o755); err != nil {
		return fmt.Errorf("workspace: failed to create volume mount dir: %w", err)
	}
	if err := os.MkdirAll(w.OutputMount, 0o755); err != nil {
		return fmt.Errorf("workspace: failed to create output mount dir: %w", err)
	}
	return nil
}

// EnsureMountDirs is the exported form called by the Job Runner's prepare
// step, which (re)creates the two mount directories per spec.md §4.2.
func (w *Workspace) EnsureMountDirs() error {
	return w.ensureMountDirs()
}

// AssertVolumeMountSafe panics if VolumeMount resolves to a path that must
// never be wiped wholesale — "/" or a home directory alias. This is a
// last-ditch guard against a misconfigured Workspace; it is not expected to
// ever fire in normal operation, matching the reference implementation's own
// assertion.
func (w *Workspace) AssertVolumeMountSafe() {
	switch w.VolumeMount {
	case "/", "~", "":
		panic(fmt.Sprintf("workspace: refusing to operate on unsafe volume mount path %q", w.VolumeMount))
	}
	if home, err := os.UserHomeDir(); err == nil && w.VolumeMount == home {
		panic(fmt.Sprintf("workspace: refusing to operate on home directory %q", w.VolumeMount))
	}
}

// Remove deletes the entire temp root. The reference executor never does
// this (the process is expected to exit right after the one job it ran), but
// tests benefit from cleaning up after themselves.
func (w *Workspace) Remove() error {
	return os.RemoveAll(w.Root)
}
