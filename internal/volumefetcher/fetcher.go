// Package volumefetcher materializes a job's input volume into the
// workspace's volume mount directory, from either an inline base64-encoded
// zip or an HTTPS zip URL.
//
// A zip_url volume is bounded in two independent ways: a wall-clock cap on
// the HTTP request and body download, and a byte-size cap checked against
// the response's Content-Length before any body is read. Base64 decoding of
// an inline volume and zip extraction of either source are not bounded by
// the wall-clock cap. Neither cap defends against a server that lies about
// Content-Length and then streams more than it claimed — the size check is
// a fast-reject on the declared size, not a running counter over the
// stream, matching the reference implementation.
package volumefetcher

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/backend-developers-ltd/compute-horde-executor/internal/protocol"
	"github.com/backend-developers-ltd/compute-horde-executor/internal/workspace"
)

// fetchDeadline bounds the HTTP request and body download of a zip_url
// volume, so a slow or stalled download can never eat into the job's own
// run deadline unboundedly. Inline decoding and zip extraction run outside
// it.
const fetchDeadline = 300 * time.Second

// ErrVolumeTooLarge is returned when a zip_url volume's declared
// Content-Length exceeds maxSizeBytes. Error() carries the full diagnostic
// detail for logs; JobDescription() is the literal text the reference
// implementation raises as JobError("Input volume too large") and is what
// the Job Runner must put on the wire, not Error()'s verbose form.
type ErrVolumeTooLarge struct {
	DeclaredBytes int64
	MaxBytes      int64
}

func (e *ErrVolumeTooLarge) Error() string {
	return fmt.Sprintf("volumefetcher: input volume too large: %d bytes exceeds limit of %d bytes", e.DeclaredBytes, e.MaxBytes)
}

// JobDescription is the wire-facing JobError description for this failure.
func (e *ErrVolumeTooLarge) JobDescription() string { return "Input volume too large" }

// ErrVolumeFetchTimedOut is returned when a zip_url download fails because
// fetchDeadline expired. JobDescription matches the
// reference implementation's JobError("Input volume downloading took too
// long"), raised when its own asyncio.wait_for around the unpack times out.
type ErrVolumeFetchTimedOut struct {
	Err error
}

func (e *ErrVolumeFetchTimedOut) Error() string {
	return fmt.Sprintf("volumefetcher: input volume downloading took too long: %s", e.Err)
}

// JobDescription is the wire-facing JobError description for this failure.
func (e *ErrVolumeFetchTimedOut) JobDescription() string {
	return "Input volume downloading took too long"
}

func (e *ErrVolumeFetchTimedOut) Unwrap() error { return e.Err }

// ErrUnsupportedVolumeType is returned for any volume_type other than the
// two the executor recognizes. Unlike ErrVolumeTooLarge and
// ErrVolumeFetchTimedOut, this is not a JobError but a NotImplemented-class
// failure, mirroring the reference implementation's bare NotImplementedError,
// which is never caught as a JobError and so escapes to the outermost
// unexpected-error handler instead of becoming a Failed result.
type ErrUnsupportedVolumeType struct {
	VolumeType string
}

func (e *ErrUnsupportedVolumeType) Error() string {
	return fmt.Sprintf("volumefetcher: unsupported volume type %q", e.VolumeType)
}

// Fetcher materializes volumes into a Workspace's volume mount.
type Fetcher struct {
	httpClient         *retryablehttp.Client
	volumeMaxSizeBytes int64
}

// New creates a Fetcher. volumeMaxSizeBytes of zero or less disables the
// zip_url size cap.
func New(volumeMaxSizeBytes int64) *Fetcher {
	httpClient := retryablehttp.NewClient()
	httpClient.RetryMax = 0 // a stalled or failing volume host should fail the job promptly, not retry into the job's own deadline
	httpClient.Logger = nil

	return &Fetcher{
		httpClient:         httpClient,
		volumeMaxSizeBytes: volumeMaxSizeBytes,
	}
}

// Fetch materializes vol into ws.VolumeMount, replacing any existing
// contents, then recursively chmods the whole per-process temp root (not
// just the volume mount) to 0777 so the job container — which may run as
// an arbitrary uid — can read its input and write its output.
func (f *Fetcher) Fetch(ctx context.Context, ws *workspace.Workspace, vol protocol.Volume) error {
	ws.AssertVolumeMountSafe()

	ctx, cancel := context.WithTimeout(ctx, fetchDeadline)
	defer cancel()

	if err := cleanDir(ws.VolumeMount); err != nil {
		return fmt.Errorf("volumefetcher: failed to clean volume mount: %w", err)
	}

	var err error
	switch vol.VolumeType {
	case protocol.VolumeTypeInline:
		err = f.fetchInline(vol, ws.VolumeMount)
	case protocol.VolumeTypeZipURL:
		err = f.fetchZipURL(ctx, vol, ws.VolumeMount)
	default:
		return &ErrUnsupportedVolumeType{VolumeType: vol.VolumeType}
	}
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return &ErrVolumeFetchTimedOut{Err: err}
		}
		return err
	}

	if err := chmodRecursive(ws.Root, 0o777); err != nil {
		return fmt.Errorf("volumefetcher: failed to set permissions on workspace root: %w", err)
	}
	return nil
}

func (f *Fetcher) fetchInline(vol protocol.Volume, dest string) error {
	raw, err := base64.StdEncoding.DecodeString(vol.Contents)
	if err != nil {
		return fmt.Errorf("volumefetcher: failed to decode inline volume: %w", err)
	}
	return extractZip(bytes.NewReader(raw), int64(len(raw)), dest)
}

func (f *Fetcher) fetchZipURL(ctx context.Context, vol protocol.Volume, dest string) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, vol.Contents, nil)
	if err != nil {
		return fmt.Errorf("volumefetcher: failed to build request for %s: %w", vol.Contents, err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("volumefetcher: failed to fetch %s: %w", vol.Contents, err)
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("volumefetcher: fetching %s returned status %d", vol.Contents, resp.StatusCode)
	}

	if f.volumeMaxSizeBytes > 0 {
		if declared, ok := contentLength(resp); ok && declared > f.volumeMaxSizeBytes {
			return &ErrVolumeTooLarge{DeclaredBytes: declared, MaxBytes: f.volumeMaxSizeBytes}
		}
	}

	tmpFile, err := os.CreateTemp("", "compute-horde-executor-volume-*.zip")
	if err != nil {
		return fmt.Errorf("volumefetcher: failed to create temp file: %w", err)
	}
	tmpPath := tmpFile.Name()
	defer os.Remove(tmpPath) //nolint:errcheck
	defer tmpFile.Close()    //nolint:errcheck

	written, err := io.Copy(tmpFile, resp.Body)
	if err != nil {
		return fmt.Errorf("volumefetcher: failed while downloading %s: %w", vol.Contents, err)
	}
	if err := tmpFile.Sync(); err != nil {
		return fmt.Errorf("volumefetcher: failed to flush downloaded volume: %w", err)
	}

	return extractZip(tmpFile, written, dest)
}

func contentLength(resp *http.Response) (int64, bool) {
	header := resp.Header.Get("Content-Length")
	if header == "" {
		return 0, false
	}
	n, err := strconv.ParseInt(header, 10, 64)
	if err != nil {
		return 0, false
	}
	return n, true
}

func extractZip(r io.ReaderAt, size int64, dest string) error {
	zr, err := zip.NewReader(r, size)
	if err != nil {
		return fmt.Errorf("volumefetcher: failed to read zip archive: %w", err)
	}

	for _, f := range zr.File {
		targetPath := filepath.Join(dest, f.Name) //nolint:gosec

		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(targetPath, 0o755); err != nil {
				return fmt.Errorf("volumefetcher: failed to create directory %s: %w", f.Name, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return fmt.Errorf("volumefetcher: failed to create parent directory for %s: %w", f.Name, err)
		}

		if err := extractZipEntry(f, targetPath); err != nil {
			return err
		}
	}
	return nil
}

func extractZipEntry(f *zip.File, targetPath string) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("volumefetcher: failed to open zip entry %s: %w", f.Name, err)
	}
	defer src.Close() //nolint:errcheck

	out, err := os.OpenFile(targetPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, f.Mode().Perm())
	if err != nil {
		return fmt.Errorf("volumefetcher: failed to create %s: %w", f.Name, err)
	}
	defer out.Close() //nolint:errcheck

	if _, err := io.Copy(out, src); err != nil { //nolint:gosec
		return fmt.Errorf("volumefetcher: failed to write %s: %w", f.Name, err)
	}
	return nil
}

func cleanDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return os.MkdirAll(dir, 0o755)
		}
		return err
	}
	for _, e := range entries {
		if err := os.RemoveAll(filepath.Join(dir, e.Name())); err != nil {
			return err
		}
	}
	return nil
}

func chmodRecursive(root string, mode os.FileMode) error {
	return filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		return os.Chmod(path, mode)
	})
}
