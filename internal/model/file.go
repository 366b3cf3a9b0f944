// Package model contains the struct definitions shared across packages.
package model

import (
	"time"
)

// FileError captures the last failed upload attempt for a file. It mirrors
// what the remote API and transports report: a short machine name, an
// optional protocol status and free-form context.
type FileError struct {
	Name    string `json:"name"`
	Message string `json:"message,omitempty"`
	Status  int    `json:"status,omitempty"`
	Context string `json:"context,omitempty"`
}

// FileRecord is one catalogued on-disk file. Name is the unique key: two
// files sharing a base name across configured roots collide and the
// last-scanned one wins, which is a documented limitation of the catalog.
//
// Sync status is derived, not stored as an enum:
//   - SyncDate nil              => unsynced
//   - SyncDate and FileCode set => synced
//   - Error set                 => last attempt failed
//
// A record never carries both Error and a successful SyncDate/FileCode pair;
// MarkSucceeded clears the error in the same update.
type FileRecord struct {
	ID                string `json:"id"`
	Name              string `json:"name"`
	FullPath          string `json:"fullPath"`
	DirectoryFullPath string `json:"directoryFullPath"`
	// DirectoryBasePath is the configured root the file was found under. It
	// must still match a configured directory at sync time or the file is
	// skipped with a warning.
	DirectoryBasePath string     `json:"directoryBasePath"`
	FileSizeByte      int64      `json:"fileSizeByte"`
	SyncDate          *time.Time `json:"syncDate,omitempty"`
	FileCode          string     `json:"fileCode,omitempty"`
	Error             *FileError `json:"error,omitempty"`
	CreatedAt         time.Time  `json:"createdAt"`
	UpdatedAt         time.Time  `json:"updatedAt"`
}

// Synced reports whether the record currently counts as synchronized.
func (f *FileRecord) Synced() bool {
	return f.SyncDate != nil && f.FileCode != ""
}
