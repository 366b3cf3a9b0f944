// Package reconciler re-validates that previously synced files still exist
// remotely, demoting the ones that vanished so the next run re-uploads them.
package reconciler

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/nroche/syncbox/internal/config"
	"github.com/nroche/syncbox/internal/model"
	"github.com/nroche/syncbox/internal/remote"
)

// Catalog is the slice of the file catalog the reconciler needs.
type Catalog interface {
	ListSynced(ctx context.Context, fn func(model.FileRecord) error) error
	ClearSyncState(ctx context.Context, id string) error
}

// FileInfoAPI is the bulk existence/metadata lookup.
type FileInfoAPI interface {
	FileInfos(ctx context.Context, fileCodes []string) ([]remote.FileInfo, error)
}

// Reconciler walks the synced records in batches sized to the remote API's
// page ceiling and clears the sync state of every file the remote no longer
// serves.
type Reconciler struct {
	cfg     *config.Config
	catalog Catalog
	api     FileInfoAPI
	log     *logrus.Entry
}

// New constructs a Reconciler.
func New(cfg *config.Config, catalog Catalog, api FileInfoAPI, log *logrus.Logger) *Reconciler {
	return &Reconciler{
		cfg:     cfg,
		catalog: catalog,
		api:     api,
		log:     log.WithField("component", "reconciler"),
	}
}

// Reconcile runs one full pass. Errors beyond the per-file retry bound abort
// the pass so an operator sees them; they are never swallowed.
func (r *Reconciler) Reconcile(ctx context.Context) error {
	batch := make([]model.FileRecord, 0, r.cfg.ReconcileBatchSize)
	err := r.catalog.ListSynced(ctx, func(rec model.FileRecord) error {
		batch = append(batch, rec)
		if len(batch) < r.cfg.ReconcileBatchSize {
			return nil
		}
		if err := r.processBatch(ctx, batch); err != nil {
			return err
		}
		batch = batch[:0]
		return nil
	})
	if err != nil {
		return err
	}
	if len(batch) > 0 {
		return r.processBatch(ctx, batch)
	}
	return nil
}

func (r *Reconciler) processBatch(ctx context.Context, batch []model.FileRecord) error {
	codes := make([]string, len(batch))
	for i, rec := range batch {
		codes[i] = rec.FileCode
	}
	infos, err := r.api.FileInfos(ctx, codes)
	if err != nil {
		return fmt.Errorf("reconcile batch: %w", err)
	}
	byCode := make(map[string]remote.FileInfo, len(infos))
	for _, info := range infos {
		byCode[info.FileCode] = info
	}
	for _, rec := range batch {
		info, ok := byCode[rec.FileCode]
		switch {
		case !ok || info.Missing():
			r.log.WithFields(logrus.Fields{
				"name":     rec.Name,
				"fileCode": rec.FileCode,
			}).Warn("remote file vanished, clearing sync state")
			if err := r.catalog.ClearSyncState(ctx, rec.ID); err != nil {
				return err
			}
		case info.Temporary():
			if err := r.recheck(ctx, rec); err != nil {
				return err
			}
		}
	}
	// Fixed pacing between batches regardless of outcome, to respect the
	// remote API's rate expectations.
	return sleepCtx(ctx, r.cfg.ReconcilePacing)
}

// recheck retries a single temporarily-unavailable file with a fixed backoff
// and a bounded attempt count. The bound replaces the retry-by-recursion of
// older designs with an explicit loop.
func (r *Reconciler) recheck(ctx context.Context, rec model.FileRecord) error {
	for attempt := 1; attempt <= r.cfg.ReconcileRetries; attempt++ {
		if err := sleepCtx(ctx, r.cfg.ReconcileBackoff); err != nil {
			return err
		}
		infos, err := r.api.FileInfos(ctx, []string{rec.FileCode})
		if err != nil {
			return fmt.Errorf("recheck %s: %w", rec.FileCode, err)
		}
		var info remote.FileInfo
		if len(infos) > 0 {
			info = infos[0]
		}
		if info.Temporary() {
			r.log.WithFields(logrus.Fields{
				"fileCode": rec.FileCode,
				"attempt":  attempt,
			}).Debug("file still temporarily unavailable")
			continue
		}
		if len(infos) == 0 || info.Missing() {
			if err := r.catalog.ClearSyncState(ctx, rec.ID); err != nil {
				return err
			}
		}
		return nil
	}
	return fmt.Errorf("recheck %s: gave up after %d attempts: %w",
		rec.FileCode, r.cfg.ReconcileRetries, remote.ErrTemporarilyUnavailable)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(d):
		return nil
	}
}
