// Package transport implements the two upload strategies: the FTP push
// protocol with asynchronous confirmation, and the multipart HTTP protocol
// with synchronous confirmation. Both deliver one file's bytes and resolve
// the remote file code; choosing and falling back between them is the
// orchestrator's job.
package transport

import (
	"context"
	"errors"

	"github.com/nroche/syncbox/internal/progress"
)

var (
	// ErrNotFoundAfterUpload means the push protocol delivered the bytes but
	// the file never appeared in the inbox listing before the wait timeout.
	ErrNotFoundAfterUpload = errors.New("file not found in inbox after upload")
	// ErrMissingUploadResponse means the multipart response lacked the
	// expected file list.
	ErrMissingUploadResponse = errors.New("missing files in upload response")
)

// UploadSpec describes one file to deliver.
type UploadSpec struct {
	LocalPath string
	Name      string
	SizeBytes int64
	// Progress receives periodic byte-count samples; nil disables reporting.
	Progress progress.Func
}

// Uploader is one upload strategy.
type Uploader interface {
	// Upload delivers the file and returns its remote file code.
	Upload(ctx context.Context, spec UploadSpec) (string, error)
	// Name identifies the strategy in logs and persisted errors.
	Name() string
}
