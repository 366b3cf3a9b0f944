package transport

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nroche/syncbox/internal/config"
)

func testLog() *logrus.Logger {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return log
}

func tempFile(t *testing.T, name string, size int) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	return path
}

func TestMultipartUploadReturnsFileCode(t *testing.T) {
	var gotName string
	var gotSize int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "sess-1", r.URL.Query().Get("sess_id"))
		mr, err := r.MultipartReader()
		require.NoError(t, err)
		part, err := mr.NextPart()
		require.NoError(t, err)
		gotName = part.FileName()
		gotSize, err = io.Copy(io.Discard, part)
		require.NoError(t, err)
		json.NewEncoder(w).Encode(map[string]any{
			"files": []map[string]any{
				{"name": gotName, "size": gotSize, "url": "https://dl.example/abcdef123"},
			},
		})
	}))
	defer srv.Close()

	m := NewMultipart(&config.Config{MultipartURL: srv.URL, MultipartSessionID: "sess-1"}, testLog())
	var lastTransferred int64
	code, err := m.Upload(context.Background(), UploadSpec{
		LocalPath: tempFile(t, "big.iso", 8192),
		Name:      "big.iso",
		SizeBytes: 8192,
		Progress:  func(transferred, total int64) { lastTransferred = transferred },
	})
	require.NoError(t, err)
	assert.Equal(t, "abcdef123", code)
	assert.Equal(t, "big.iso", gotName)
	assert.Equal(t, int64(8192), gotSize)
	assert.Equal(t, int64(8192), lastTransferred)
}

func TestMultipartUploadMissingFileList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		json.NewEncoder(w).Encode(map[string]any{})
	}))
	defer srv.Close()

	m := NewMultipart(&config.Config{MultipartURL: srv.URL}, testLog())
	_, err := m.Upload(context.Background(), UploadSpec{
		LocalPath: tempFile(t, "big.iso", 128),
		Name:      "big.iso",
		SizeBytes: 128,
	})
	assert.ErrorIs(t, err, ErrMissingUploadResponse)
}

func TestMultipartUploadServerError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		http.Error(w, "session expired", http.StatusForbidden)
	}))
	defer srv.Close()

	m := NewMultipart(&config.Config{MultipartURL: srv.URL}, testLog())
	_, err := m.Upload(context.Background(), UploadSpec{
		LocalPath: tempFile(t, "big.iso", 128),
		Name:      "big.iso",
		SizeBytes: 128,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
}
