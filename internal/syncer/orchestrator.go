// Package syncer contains the upload orchestrator: the run state machine,
// the bounded-concurrency pool with its admission valve, and the per-file
// pipeline from local disk to the remote folder tree.
package syncer

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	"github.com/nroche/syncbox/internal/config"
	"github.com/nroche/syncbox/internal/model"
	"github.com/nroche/syncbox/internal/progress"
	"github.com/nroche/syncbox/internal/remote"
	"github.com/nroche/syncbox/internal/transport"
)

// maxRunErrors is the global error budget of one run. Failures are absorbed
// onto their FileRecord until the budget is spent; the next failure after
// that aborts the run.
const maxRunErrors = 100

// expiryWarningWindow is how far ahead of the account expiry the pre-run
// check starts warning.
const expiryWarningWindow = 3 // months

// Catalog is the slice of the file catalog the orchestrator needs.
type Catalog interface {
	ListUnsynced(ctx context.Context, fn func(model.FileRecord) error) error
	CountUnsynced(ctx context.Context) (int64, error)
	SumUnsyncedBytes(ctx context.Context) (int64, error)
	MarkSucceeded(ctx context.Context, id, fileCode string) error
	MarkFailed(ctx context.Context, id string, fe model.FileError) error
}

// RunStore persists the run state machine.
type RunStore interface {
	FindRunning(ctx context.Context) (*model.SyncRun, error)
	Insert(ctx context.Context, run *model.SyncRun) error
	Finish(ctx context.Context, id string, state model.RunState) error
}

// Account is the slice of the remote API the per-file pipeline needs beyond
// the transports.
type Account interface {
	GetAccountInfo(ctx context.Context) (remote.AccountInfo, error)
	SetFilePrivate(ctx context.Context, fileCode string) error
	MoveFile(ctx context.Context, fileCode string, folderID int64) error
}

// FolderResolver maps a remote path to its folder id, creating it as needed.
type FolderResolver interface {
	EnsureFolder(ctx context.Context, remotePath string) (int64, error)
}

// Orchestrator owns one run at a time and drives the upload pipeline.
type Orchestrator struct {
	cfg       *config.Config
	catalog   Catalog
	runs      RunStore
	account   Account
	resolver  FolderResolver
	preferred transport.Uploader
	fallback  transport.Uploader
	registry  *transport.Registry
	log       *logrus.Entry

	// admissionPoll is how often a blocked producer re-checks the valve.
	admissionPoll time.Duration

	mu     sync.Mutex
	active *runState
}

// runState is the mutable state scoped to a single run.
type runState struct {
	id string
	// cancel tears the whole run down, tasks included; only shutdown uses it.
	cancel context.CancelFunc
	// stopProducer stops the unsynced stream from dispatching further tasks.
	// Tasks already dispatched keep their live context so their outcome still
	// gets persisted.
	stopProducer context.CancelFunc
	tracker      *progress.Tracker
	admitted     atomic.Int64
	errCount     atomic.Int64
	abortOnce    sync.Once
	abortErr     error
	abortMu      sync.Mutex
}

func (rs *runState) abort(err error) {
	rs.abortOnce.Do(func() {
		rs.abortMu.Lock()
		rs.abortErr = err
		rs.abortMu.Unlock()
		rs.stopProducer()
	})
}

func (rs *runState) aborted() error {
	rs.abortMu.Lock()
	defer rs.abortMu.Unlock()
	return rs.abortErr
}

// New constructs an Orchestrator. preferred and fallback are the two
// transports in configured preference order.
func New(cfg *config.Config, catalog Catalog, runs RunStore, account Account,
	resolver FolderResolver, preferred, fallback transport.Uploader,
	registry *transport.Registry, log *logrus.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:           cfg,
		catalog:       catalog,
		runs:          runs,
		account:       account,
		resolver:      resolver,
		preferred:     preferred,
		fallback:      fallback,
		registry:      registry,
		log:           log.WithField("component", "orchestrator"),
		admissionPoll: 500 * time.Millisecond,
	}
}

// Tracker returns the progress tracker of the active run, or nil when no run
// is in flight.
func (o *Orchestrator) Tracker() *progress.Tracker {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.active == nil {
		return nil
	}
	return o.active.tracker
}

// Run executes one synchronization run to completion. It returns
// ErrSyncAlreadyRunning without side effects when a run is active, and
// otherwise leaves behind exactly one terminally-stated SyncRun record.
//
// The one-active-run check is check-then-insert: not atomic against true
// concurrent starts, accepted for single-instance deployment.
func (o *Orchestrator) Run(ctx context.Context) error {
	running, err := o.runs.FindRunning(ctx)
	if err != nil {
		return err
	}
	if running != nil {
		return ErrSyncAlreadyRunning
	}

	if err := o.checkAccountExpiry(ctx); err != nil {
		return err
	}

	run := &model.SyncRun{}
	if err := o.runs.Insert(ctx, run); err != nil {
		return err
	}

	count, err := o.catalog.CountUnsynced(ctx)
	if err != nil {
		return o.finish(run.ID, model.RunStateEndKO, err)
	}
	totalBytes, err := o.catalog.SumUnsyncedBytes(ctx)
	if err != nil {
		return o.finish(run.ID, model.RunStateEndKO, err)
	}
	o.log.WithFields(logrus.Fields{
		"files": count,
		"bytes": progress.FormatGiB(totalBytes),
	}).Info("sync run starting")

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	streamCtx, stopProducer := context.WithCancel(runCtx)
	defer stopProducer()
	rs := &runState{
		id:           run.ID,
		cancel:       cancel,
		stopProducer: stopProducer,
		tracker:      progress.NewTracker(count, totalBytes),
	}
	o.mu.Lock()
	o.active = rs
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.active = nil
		o.mu.Unlock()
	}()

	sem := semaphore.NewWeighted(int64(o.cfg.ConcurrencyLimit))
	var wg sync.WaitGroup

	streamErr := o.catalog.ListUnsynced(streamCtx, func(rec model.FileRecord) error {
		if err := o.admit(streamCtx, rs); err != nil {
			return err
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer rs.admitted.Add(-1)
			if err := sem.Acquire(runCtx, 1); err != nil {
				return
			}
			defer sem.Release(1)
			o.runTask(runCtx, rs, rec)
		}()
		return nil
	})
	wg.Wait()

	if abortErr := rs.aborted(); abortErr != nil {
		return o.finish(run.ID, model.RunStateEndKO, abortErr)
	}
	if streamErr != nil {
		return o.finish(run.ID, model.RunStateEndKO, streamErr)
	}
	o.log.WithField("run", run.ID).Info("sync run finished")
	return o.finish(run.ID, model.RunStateEndOK, nil)
}

// Shutdown force-closes every open push connection and, when a run is
// active, persists it as killed. In-flight tasks are not rolled back; this
// is a best-effort drain.
func (o *Orchestrator) Shutdown(ctx context.Context) {
	o.registry.CloseAll()
	o.mu.Lock()
	rs := o.active
	o.mu.Unlock()
	if rs == nil {
		return
	}
	rs.cancel()
	if err := o.runs.Finish(ctx, rs.id, model.RunStateEndKilled); err != nil {
		o.log.WithError(err).Error("could not mark run as killed")
	}
}

func (o *Orchestrator) checkAccountExpiry(ctx context.Context) error {
	info, err := o.account.GetAccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("account status: %w", err)
	}
	expire, err := info.ExpireDate()
	if err != nil {
		return fmt.Errorf("account status: %w", err)
	}
	if time.Now().AddDate(0, expiryWarningWindow, 0).After(expire) {
		o.log.WithField("expireDate", expire).Warn("account expires soon")
	}
	return nil
}

// admit blocks until the number of in-flight tasks drops below PoolSize.
// This is the backpressure valve keeping the unsynced stream from piling up
// as queued work ahead of the executing pool.
func (o *Orchestrator) admit(ctx context.Context, rs *runState) error {
	for rs.admitted.Load() >= int64(o.cfg.PoolSize) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(o.admissionPoll):
		}
	}
	rs.admitted.Add(1)
	return nil
}

// runTask executes the per-file pipeline and persists the outcome. Errors
// are captured on the FileRecord, never propagated, until the run error
// budget is spent.
func (o *Orchestrator) runTask(ctx context.Context, rs *runState, rec model.FileRecord) {
	taskLog := o.log.WithField("name", rec.Name)

	mapping, ok := o.cfg.MappingFor(rec.DirectoryBasePath)
	if !ok {
		// Configuration changed between scan and sync: the file has no
		// known remote destination. Not a failure.
		taskLog.WithField("directoryBasePath", rec.DirectoryBasePath).Warn("directory no longer configured, skipping")
		return
	}

	if err := o.syncFile(ctx, rs, rec, mapping); err != nil {
		taskLog.WithError(err).Error("file sync failed")
		fe := fileErrorFrom(err)
		if markErr := o.catalog.MarkFailed(ctx, rec.ID, fe); markErr != nil {
			taskLog.WithError(markErr).Error("could not persist file error")
		}
		if n := rs.errCount.Add(1); n > maxRunErrors {
			rs.abort(fmt.Errorf("error budget exceeded (%d failures): last: %w", n, err))
		}
		return
	}
	rs.tracker.FileDone()
}

func (o *Orchestrator) syncFile(ctx context.Context, rs *runState, rec model.FileRecord, mapping config.DirectoryMapping) error {
	if _, err := os.Stat(rec.FullPath); err != nil {
		return fmt.Errorf("%s: %w", rec.FullPath, ErrLocalFileMissing)
	}

	fileCode, err := o.upload(ctx, rs, rec)
	if err != nil {
		return err
	}

	if err := o.account.SetFilePrivate(ctx, fileCode); err != nil {
		return err
	}

	remotePath := mapping.RemotePrefix + strings.TrimPrefix(rec.DirectoryFullPath, mapping.LocalPath)
	folderID, err := o.resolver.EnsureFolder(ctx, remotePath)
	if err != nil {
		return err
	}
	if err := o.account.MoveFile(ctx, fileCode, folderID); err != nil {
		return err
	}

	return o.catalog.MarkSucceeded(ctx, rec.ID, fileCode)
}

// upload tries the preferred transport, then the other exactly once. When
// both fail the returned (and persisted) error is the second transport's;
// the first is only logged.
func (o *Orchestrator) upload(ctx context.Context, rs *runState, rec model.FileRecord) (string, error) {
	code, reported, err := o.uploadWith(ctx, rs, o.preferred, rec)
	if err == nil {
		return code, nil
	}
	// Withdraw the failed attempt's partial bytes; the fallback restarts the
	// transfer from zero and reports the whole file again.
	rs.tracker.AddBytes(-reported)
	o.log.WithError(err).WithFields(logrus.Fields{
		"name":      rec.Name,
		"transport": o.preferred.Name(),
	}).Warn("preferred transport failed, trying fallback")
	code, _, err = o.uploadWith(ctx, rs, o.fallback, rec)
	if err != nil {
		return "", fmt.Errorf("%s transport: %w", o.fallback.Name(), err)
	}
	return code, nil
}

// uploadWith runs one transport attempt, feeding byte deltas into the run
// tracker. It returns the attempt's last reported byte count so a failed
// attempt can be backed out.
func (o *Orchestrator) uploadWith(ctx context.Context, rs *runState, up transport.Uploader, rec model.FileRecord) (string, int64, error) {
	var last int64
	code, err := up.Upload(ctx, transport.UploadSpec{
		LocalPath: rec.FullPath,
		Name:      rec.Name,
		SizeBytes: rec.FileSizeByte,
		Progress: func(transferred, _ int64) {
			rs.tracker.AddBytes(transferred - last)
			last = transferred
		},
	})
	return code, last, err
}

func (o *Orchestrator) finish(runID string, state model.RunState, cause error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := o.runs.Finish(ctx, runID, state); err != nil {
		o.log.WithError(err).WithField("run", runID).Error("could not finish run")
		if cause == nil {
			return err
		}
	}
	return cause
}
