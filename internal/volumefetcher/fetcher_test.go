package volumefetcher

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/base64"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/backend-developers-ltd/compute-horde-executor/internal/protocol"
	"github.com/backend-developers-ltd/compute-horde-executor/internal/workspace"
)

func buildTestZip(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	zw := zip.NewWriter(&buf)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	return buf.Bytes()
}

func newTestWorkspace(t *testing.T) *workspace.Workspace {
	t.Helper()
	ws, err := workspace.New()
	require.NoError(t, err)
	t.Cleanup(func() { ws.Remove() }) //nolint:errcheck
	return ws
}

func TestFetch_Inline(t *testing.T) {
	ws := newTestWorkspace(t)
	zipBytes := buildTestZip(t, map[string]string{"hello.txt": "hi there"})

	vol := protocol.Volume{
		VolumeType: protocol.VolumeTypeInline,
		Contents:   base64.StdEncoding.EncodeToString(zipBytes),
	}

	f := New(0)
	require.NoError(t, f.Fetch(context.Background(), ws, vol))

	content, err := os.ReadFile(filepath.Join(ws.VolumeMount, "hello.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hi there", string(content))
}

func TestFetch_InlineCleansResidueFromPriorRun(t *testing.T) {
	ws := newTestWorkspace(t)

	require.NoError(t, os.WriteFile(filepath.Join(ws.VolumeMount, "stale.txt"), []byte("old"), 0o644))

	zipBytes := buildTestZip(t, map[string]string{"fresh.txt": "new"})
	vol := protocol.Volume{VolumeType: protocol.VolumeTypeInline, Contents: base64.StdEncoding.EncodeToString(zipBytes)}

	f := New(0)
	require.NoError(t, f.Fetch(context.Background(), ws, vol))

	entries, err := os.ReadDir(ws.VolumeMount)
	require.NoError(t, err)
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	assert.Equal(t, []string{"fresh.txt"}, names)
}

func TestFetch_ZipURL(t *testing.T) {
	ws := newTestWorkspace(t)
	zipBytes := buildTestZip(t, map[string]string{"from_url.txt": "downloaded"})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(zipBytes) //nolint:errcheck
	}))
	defer server.Close()

	vol := protocol.Volume{VolumeType: protocol.VolumeTypeZipURL, Contents: server.URL}
	f := New(0)
	require.NoError(t, f.Fetch(context.Background(), ws, vol))

	content, err := os.ReadFile(filepath.Join(ws.VolumeMount, "from_url.txt"))
	require.NoError(t, err)
	assert.Equal(t, "downloaded", string(content))
}

func TestFetch_ZipURLTooLarge(t *testing.T) {
	ws := newTestWorkspace(t)
	zipBytes := buildTestZip(t, map[string]string{"big.txt": "0123456789"})

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", "999999")
		w.Write(zipBytes) //nolint:errcheck
	}))
	defer server.Close()

	vol := protocol.Volume{VolumeType: protocol.VolumeTypeZipURL, Contents: server.URL}
	f := New(1024)

	err := f.Fetch(context.Background(), ws, vol)
	require.Error(t, err)
	var tooLarge *ErrVolumeTooLarge
	require.ErrorAs(t, err, &tooLarge)
	assert.Equal(t, int64(999999), tooLarge.DeclaredBytes)
}

func TestFetch_UnsupportedVolumeType(t *testing.T) {
	ws := newTestWorkspace(t)
	vol := protocol.Volume{VolumeType: "ftp", Contents: ""}

	f := New(0)
	err := f.Fetch(context.Background(), ws, vol)
	require.Error(t, err)
	var unsupported *ErrUnsupportedVolumeType
	require.ErrorAs(t, err, &unsupported)
}
