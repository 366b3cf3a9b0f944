package syncer

import (
	"errors"

	"github.com/nroche/syncbox/internal/model"
	"github.com/nroche/syncbox/internal/remote"
	"github.com/nroche/syncbox/internal/transport"
)

var (
	// ErrSyncAlreadyRunning rejects a start while another run is active.
	ErrSyncAlreadyRunning = errors.New("a sync is already running")
	// ErrLocalFileMissing means a catalogued file disappeared from disk
	// between scan and upload.
	ErrLocalFileMissing = errors.New("local file missing")
)

// fileErrorFrom converts a task failure into the persisted error descriptor.
func fileErrorFrom(err error) model.FileError {
	var apiErr *remote.APIError
	switch {
	case errors.Is(err, ErrLocalFileMissing):
		return model.FileError{Name: "file-not-found", Status: 404, Message: err.Error()}
	case errors.Is(err, transport.ErrNotFoundAfterUpload):
		return model.FileError{Name: "file-not-found-in-remote-after-upload", Status: 404, Message: err.Error()}
	case errors.Is(err, transport.ErrMissingUploadResponse):
		return model.FileError{Name: "missing-files-in-response", Status: 500, Message: err.Error()}
	case errors.Is(err, remote.ErrInvalidPath):
		return model.FileError{Name: "invalid-remote-path", Status: 400, Message: err.Error()}
	case errors.As(err, &apiErr):
		return model.FileError{Name: "remote-error", Status: apiErr.StatusCode, Message: apiErr.Message, Context: apiErr.Op}
	default:
		return model.FileError{Name: "sync-failed", Message: err.Error()}
	}
}
