// Package uploader ships a job's output mount contents back to the Miner
// when a full job payload asks for it, via the single recognized
// output_upload_type: zipping the output directory and HTTP POSTing it as
// multipart form data.
package uploader

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"

	"github.com/hashicorp/go-retryablehttp"

	"github.com/backend-developers-ltd/compute-horde-executor/internal/protocol"
)

// OutputUploadFailed wraps any error encountered while uploading a job's
// output, so the Executor Loop can distinguish "ran fine but upload failed"
// from other failure classes when it chooses which terminal message to send.
type OutputUploadFailed struct {
	Err error
}

func (e *OutputUploadFailed) Error() string {
	return fmt.Sprintf("uploader: failed to upload output: %s", e.Err)
}

func (e *OutputUploadFailed) Unwrap() error { return e.Err }

// Uploader ships the contents of a directory somewhere.
type Uploader interface {
	Upload(ctx context.Context, dir string) error
}

// ForDescriptor returns the Uploader for desc, or an error if
// desc.OutputUploadType is not recognized. This is a closed mapping —
// exactly one upload strategy exists today.
func ForDescriptor(desc protocol.OutputUpload) (Uploader, error) {
	switch desc.OutputUploadType {
	case protocol.OutputUploadTypeZipAndHTTPPost:
		return &ZipAndHTTPPostUploader{
			PostURL:        desc.PostURL,
			PostFormFields: desc.PostFormFields,
			httpClient:     retryablehttp.NewClient(),
		}, nil
	default:
		return nil, fmt.Errorf("uploader: unsupported output_upload_type %q", desc.OutputUploadType)
	}
}

// ZipAndHTTPPostUploader zips a directory in memory and POSTs it as
// multipart/form-data to PostURL, alongside any extra form fields the Miner
// asked for (e.g. a pre-signed upload token).
type ZipAndHTTPPostUploader struct {
	PostURL        string
	PostFormFields map[string]string

	httpClient *retryablehttp.Client
}

// Upload zips dir and POSTs it to u.PostURL.
func (u *ZipAndHTTPPostUploader) Upload(ctx context.Context, dir string) error {
	var body bytes.Buffer
	writer := multipart.NewWriter(&body)

	for field, value := range u.PostFormFields {
		if err := writer.WriteField(field, value); err != nil {
			return &OutputUploadFailed{Err: fmt.Errorf("failed to write form field %q: %w", field, err)}
		}
	}

	part, err := writer.CreateFormFile("file", "output.zip")
	if err != nil {
		return &OutputUploadFailed{Err: fmt.Errorf("failed to create form file: %w", err)}
	}
	if err := zipDir(dir, part); err != nil {
		return &OutputUploadFailed{Err: err}
	}
	if err := writer.Close(); err != nil {
		return &OutputUploadFailed{Err: fmt.Errorf("failed to finalize multipart body: %w", err)}
	}

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodPost, u.PostURL, bytes.NewReader(body.Bytes()))
	if err != nil {
		return &OutputUploadFailed{Err: fmt.Errorf("failed to build upload request: %w", err)}
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return &OutputUploadFailed{Err: fmt.Errorf("upload request failed: %w", err)}
	}
	defer resp.Body.Close() //nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &OutputUploadFailed{Err: fmt.Errorf("upload returned status %d", resp.StatusCode)}
	}
	return nil
}

func zipDir(dir string, w io.Writer) error {
	zw := zip.NewWriter(w)
	defer zw.Close() //nolint:errcheck

	return filepath.Walk(dir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		entry, err := zw.Create(rel)
		if err != nil {
			return err
		}
		f, err := os.Open(path) //nolint:gosec
		if err != nil {
			return err
		}
		defer f.Close() //nolint:errcheck
		_, err = io.Copy(entry, f)
		return err
	})
}
