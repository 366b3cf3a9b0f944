package remote

import (
	"context"
	"path"
	"strings"

	"github.com/sirupsen/logrus"
)

// FolderAPI is the slice of the client the resolver needs.
type FolderAPI interface {
	FindFolder(ctx context.Context, remotePath string) (int64, error)
	CreateFolder(ctx context.Context, remotePath string) error
}

// Resolver maps an absolute remote path to its folder id, creating missing
// segments along the way.
type Resolver struct {
	api FolderAPI
	log *logrus.Entry
}

// NewResolver constructs a Resolver.
func NewResolver(api FolderAPI, log *logrus.Logger) *Resolver {
	return &Resolver{
		api: api,
		log: log.WithField("component", "resolver"),
	}
}

// EnsureFolder walks the path left to right, looking up each accumulated
// prefix and creating it when absent. Every level is a get-or-create: a
// create that fails because a concurrent upload won the race is benign as
// long as the re-lookup succeeds afterwards. Returns the final segment's id.
func (r *Resolver) EnsureFolder(ctx context.Context, remotePath string) (int64, error) {
	if !strings.HasPrefix(remotePath, "/") {
		return 0, ErrInvalidPath
	}
	var folderID int64
	prefix := "/"
	for _, segment := range strings.Split(remotePath, "/")[1:] {
		if segment == "" {
			continue
		}
		prefix = path.Join(prefix, segment)
		id, err := r.api.FindFolder(ctx, prefix)
		if err != nil {
			return 0, err
		}
		if id == 0 {
			if createErr := r.api.CreateFolder(ctx, prefix); createErr != nil {
				// Keep going: the folder may have been created by a
				// concurrent task between the lookup and the create.
				r.log.WithError(createErr).WithField("path", prefix).Debug("create folder failed, re-checking")
			}
			id, err = r.api.FindFolder(ctx, prefix)
			if err != nil {
				return 0, err
			}
			if id == 0 {
				return 0, &APIError{Op: "ensure folder", Message: "folder absent after create", Context: prefix}
			}
		}
		folderID = id
	}
	return folderID, nil
}
