// Package scanner discovers large files under the configured directories and
// refreshes the catalog.
package scanner

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/sirupsen/logrus"

	"github.com/nroche/syncbox/internal/config"
	"github.com/nroche/syncbox/internal/model"
)

// Catalog is the slice of the file catalog the scanner needs.
type Catalog interface {
	Upsert(ctx context.Context, rec *model.FileRecord) error
}

// Scanner walks the configured roots and upserts every file above the size
// threshold. The scan is additive and idempotent: it never deletes records,
// and re-running it over an unchanged tree rewrites the same rows.
type Scanner struct {
	cfg     *config.Config
	catalog Catalog
	log     *logrus.Entry
}

// New constructs a Scanner.
func New(cfg *config.Config, catalog Catalog, log *logrus.Logger) *Scanner {
	return &Scanner{
		cfg:     cfg,
		catalog: catalog,
		log:     log.WithField("component", "scanner"),
	}
}

// RefreshIndex enumerates all regular files under each configured directory
// and upserts those strictly larger than the configured minimum. Files at or
// below the threshold are ignored entirely: not recorded, and not removed if
// a previous scan recorded them.
func (s *Scanner) RefreshIndex(ctx context.Context) error {
	minBytes := s.cfg.MinSizeBytes()
	for _, dir := range s.cfg.Directories {
		s.log.WithField("directory", dir.LocalPath).Debug("reading directory")
		err := filepath.WalkDir(dir.LocalPath, func(path string, d fs.DirEntry, err error) error {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if err != nil {
				// One unreadable entry must not block cataloguing the rest.
				s.log.WithError(err).WithField("path", path).Warn("skipping unreadable entry")
				if d != nil && d.IsDir() {
					return fs.SkipDir
				}
				return nil
			}
			if !d.Type().IsRegular() {
				return nil
			}
			info, err := d.Info()
			if err != nil {
				s.log.WithError(err).WithField("path", path).Warn("file vanished during scan")
				return nil
			}
			if info.Size() <= minBytes {
				return nil
			}
			rec := &model.FileRecord{
				Name:              filepath.Base(path),
				FullPath:          path,
				DirectoryFullPath: filepath.Dir(path),
				DirectoryBasePath: dir.LocalPath,
				FileSizeByte:      info.Size(),
			}
			return s.catalog.Upsert(ctx, rec)
		})
		if err != nil {
			return fmt.Errorf("scan %s: %w", dir.LocalPath, err)
		}
	}
	return nil
}
