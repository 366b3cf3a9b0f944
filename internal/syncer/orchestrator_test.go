package syncer

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nroche/syncbox/internal/config"
	"github.com/nroche/syncbox/internal/model"
	"github.com/nroche/syncbox/internal/progress"
	"github.com/nroche/syncbox/internal/remote"
	"github.com/nroche/syncbox/internal/repository"
	"github.com/nroche/syncbox/internal/transport"
)

type fakeAccount struct {
	mu         sync.Mutex
	infoErr    error
	expire     string
	private    []string
	moves      map[string]int64
	privateErr error
}

func newFakeAccount() *fakeAccount {
	return &fakeAccount{
		expire: time.Now().AddDate(1, 0, 0).Format("2006-01-02 15:04:05"),
		moves:  map[string]int64{},
	}
}

func (f *fakeAccount) GetAccountInfo(_ context.Context) (remote.AccountInfo, error) {
	if f.infoErr != nil {
		return remote.AccountInfo{}, f.infoErr
	}
	return remote.AccountInfo{Login: "user", PremiumExpire: f.expire}, nil
}

func (f *fakeAccount) SetFilePrivate(_ context.Context, fileCode string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.privateErr != nil {
		return f.privateErr
	}
	f.private = append(f.private, fileCode)
	return nil
}

func (f *fakeAccount) MoveFile(_ context.Context, fileCode string, folderID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moves[fileCode] = folderID
	return nil
}

type fakeResolver struct {
	mu    sync.Mutex
	paths []string
}

func (f *fakeResolver) EnsureFolder(_ context.Context, remotePath string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.paths = append(f.paths, remotePath)
	return 42, nil
}

type fakeUploader struct {
	name  string
	err   error
	calls atomic.Int64
	block bool // wait for ctx cancellation instead of returning
}

func (f *fakeUploader) Name() string { return f.name }

func (f *fakeUploader) Upload(ctx context.Context, spec transport.UploadSpec) (string, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	if f.err != nil {
		return "", f.err
	}
	if spec.Progress != nil {
		spec.Progress(spec.SizeBytes, spec.SizeBytes)
	}
	return f.name + "-" + spec.Name, nil
}

type fixture struct {
	cfg       *config.Config
	catalog   *repository.MemoryCatalog
	account   *fakeAccount
	resolver  *fakeResolver
	preferred *fakeUploader
	fallback  *fakeUploader
	registry  *transport.Registry
	orch      *Orchestrator
	dir       string
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()
	f := &fixture{
		cfg: &config.Config{
			Directories:      []config.DirectoryMapping{{LocalPath: dir, RemotePrefix: "/backup"}},
			ConcurrencyLimit: 4,
			PoolSize:         8,
		},
		catalog:   repository.NewMemoryCatalog(),
		account:   newFakeAccount(),
		resolver:  &fakeResolver{},
		preferred: &fakeUploader{name: "ftp"},
		fallback:  &fakeUploader{name: "http"},
		registry:  transport.NewRegistry(),
		dir:       dir,
	}
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	f.orch = New(f.cfg, f.catalog, f.catalog, f.account, f.resolver,
		f.preferred, f.fallback, f.registry, log)
	f.orch.admissionPoll = time.Millisecond
	return f
}

// addFile creates the file on disk and catalogues it.
func (f *fixture) addFile(t *testing.T, name string, size int) model.FileRecord {
	t.Helper()
	path := filepath.Join(f.dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, make([]byte, size), 0o644))
	rec := &model.FileRecord{
		Name:              filepath.Base(name),
		FullPath:          path,
		DirectoryFullPath: filepath.Dir(path),
		DirectoryBasePath: f.dir,
		FileSizeByte:      int64(size),
	}
	require.NoError(t, f.catalog.Upsert(context.Background(), rec))
	return *rec
}

func (f *fixture) singleRunState(t *testing.T) model.RunState {
	t.Helper()
	runs := f.catalog.Runs()
	require.Len(t, runs, 1)
	return runs[0].State
}

func TestRunHappyPath(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "movies/one.mkv", 1024)
	f.addFile(t, "movies/two.mkv", 2048)

	require.NoError(t, f.orch.Run(context.Background()))

	for _, name := range []string{"one.mkv", "two.mkv"} {
		rec, ok := f.catalog.Get(name)
		require.True(t, ok)
		assert.True(t, rec.Synced(), "%s should be synced", name)
		assert.Nil(t, rec.Error)
		assert.Equal(t, "ftp-"+name, rec.FileCode)
		assert.Contains(t, f.account.private, rec.FileCode)
		assert.Equal(t, int64(42), f.account.moves[rec.FileCode])
	}
	assert.Contains(t, f.resolver.paths, "/backup/movies")
	assert.Equal(t, model.RunStateEndOK, f.singleRunState(t))

	running, err := f.catalog.FindRunning(context.Background())
	require.NoError(t, err)
	assert.Nil(t, running, "no running record left behind")
	assert.Equal(t, int64(0), f.fallback.calls.Load(), "fallback untouched when preferred works")
}

func TestRunMutualExclusion(t *testing.T) {
	f := newFixture(t)
	active := &model.SyncRun{}
	require.NoError(t, f.catalog.Insert(context.Background(), active))

	err := f.orch.Run(context.Background())
	assert.ErrorIs(t, err, ErrSyncAlreadyRunning)

	// Once the active run reaches any terminal state a new start succeeds.
	require.NoError(t, f.catalog.Finish(context.Background(), active.ID, model.RunStateEndKO))
	require.NoError(t, f.orch.Run(context.Background()))
}

func TestRunFallbackUsedOnce(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "big.iso", 512)
	f.preferred.err = errors.New("ftp socket reset")

	require.NoError(t, f.orch.Run(context.Background()))

	rec, _ := f.catalog.Get("big.iso")
	assert.True(t, rec.Synced())
	assert.Equal(t, "http-big.iso", rec.FileCode)
	assert.Equal(t, int64(1), f.preferred.calls.Load())
	assert.Equal(t, int64(1), f.fallback.calls.Load())
}

func TestRunBothTransportsFailPersistsSecondError(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "big.iso", 512)
	f.preferred.err = errors.New("ftp socket reset")
	f.fallback.err = fmt.Errorf("upload: %w", transport.ErrMissingUploadResponse)

	require.NoError(t, f.orch.Run(context.Background()))

	rec, _ := f.catalog.Get("big.iso")
	assert.False(t, rec.Synced())
	require.NotNil(t, rec.Error)
	assert.Equal(t, "missing-files-in-response", rec.Error.Name)
	assert.Equal(t, int64(1), f.preferred.calls.Load())
	assert.Equal(t, int64(1), f.fallback.calls.Load())
	// A single failure stays within the budget: the run still ends ok.
	assert.Equal(t, model.RunStateEndOK, f.singleRunState(t))
}

func TestRunLocalFileMissing(t *testing.T) {
	f := newFixture(t)
	rec := &model.FileRecord{
		Name:              "ghost.iso",
		FullPath:          filepath.Join(f.dir, "ghost.iso"),
		DirectoryFullPath: f.dir,
		DirectoryBasePath: f.dir,
		FileSizeByte:      100,
	}
	require.NoError(t, f.catalog.Upsert(context.Background(), rec))

	require.NoError(t, f.orch.Run(context.Background()))

	got, _ := f.catalog.Get("ghost.iso")
	require.NotNil(t, got.Error)
	assert.Equal(t, "file-not-found", got.Error.Name)
	assert.Equal(t, 404, got.Error.Status)
	assert.Equal(t, int64(0), f.preferred.calls.Load(), "no upload for a missing file")
}

func TestRunSkipsUnmappedDirectory(t *testing.T) {
	f := newFixture(t)
	other := t.TempDir()
	path := filepath.Join(other, "orphan.iso")
	require.NoError(t, os.WriteFile(path, make([]byte, 64), 0o644))
	rec := &model.FileRecord{
		Name:              "orphan.iso",
		FullPath:          path,
		DirectoryFullPath: other,
		DirectoryBasePath: other, // not in configured directories
		FileSizeByte:      64,
	}
	require.NoError(t, f.catalog.Upsert(context.Background(), rec))

	require.NoError(t, f.orch.Run(context.Background()))

	got, _ := f.catalog.Get("orphan.iso")
	assert.False(t, got.Synced())
	assert.Nil(t, got.Error, "a skip is a warning, not a failure")
	assert.Equal(t, int64(0), f.preferred.calls.Load())
	assert.Equal(t, model.RunStateEndOK, f.singleRunState(t))
}

func TestRunAbortsWhenErrorBudgetExceeded(t *testing.T) {
	f := newFixture(t)
	f.preferred.err = errors.New("ftp down")
	f.fallback.err = errors.New("http down")
	for i := 0; i < maxRunErrors+1; i++ {
		f.addFile(t, fmt.Sprintf("f-%03d.iso", i), 16)
	}

	err := f.orch.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error budget")
	assert.Equal(t, model.RunStateEndKO, f.singleRunState(t))

	// Every failure was still individually persisted before the abort.
	failed := 0
	require.NoError(t, f.catalog.ListUnsynced(context.Background(), func(rec model.FileRecord) error {
		if rec.Error != nil {
			failed++
		}
		return nil
	}))
	assert.GreaterOrEqual(t, failed, maxRunErrors+1)
}

func TestRunFailsWhenAccountUnreachable(t *testing.T) {
	f := newFixture(t)
	f.account.infoErr = errors.New("remote unreachable")

	err := f.orch.Run(context.Background())
	require.Error(t, err)
	assert.Empty(t, f.catalog.Runs(), "no run record when the pre-flight check fails")
}

func TestShutdownMarksRunKilled(t *testing.T) {
	f := newFixture(t)
	f.addFile(t, "slow.iso", 1024)
	f.preferred.block = true
	f.fallback.block = true

	done := make(chan error, 1)
	go func() { done <- f.orch.Run(context.Background()) }()

	// Wait until the run is inserted and the upload is in flight.
	require.Eventually(t, func() bool {
		running, err := f.catalog.FindRunning(context.Background())
		return err == nil && running != nil && f.preferred.calls.Load() > 0
	}, 2*time.Second, 5*time.Millisecond)

	f.orch.Shutdown(context.Background())
	<-done

	assert.Equal(t, model.RunStateEndKilled, f.singleRunState(t))
	running, err := f.catalog.FindRunning(context.Background())
	require.NoError(t, err)
	assert.Nil(t, running)
}

func TestRunPoolBoundsConcurrency(t *testing.T) {
	f := newFixture(t)
	f.cfg.ConcurrencyLimit = 2
	f.cfg.PoolSize = 4
	var inFlight, peak atomic.Int64
	counting := &countingUploader{inFlight: &inFlight, peak: &peak}
	f.orch.preferred = counting
	for i := 0; i < 12; i++ {
		f.addFile(t, fmt.Sprintf("c-%02d.iso", i), 16)
	}

	require.NoError(t, f.orch.Run(context.Background()))
	assert.LessOrEqual(t, peak.Load(), int64(2))
	assert.Equal(t, model.RunStateEndOK, f.singleRunState(t))
}

// strictCtxCatalog refuses writes once the caller's context is cancelled,
// matching how a SQL-backed catalog behaves.
type strictCtxCatalog struct {
	*repository.MemoryCatalog
	lostWrites atomic.Int64
}

func (c *strictCtxCatalog) MarkFailed(ctx context.Context, id string, fe model.FileError) error {
	if err := ctx.Err(); err != nil {
		c.lostWrites.Add(1)
		return err
	}
	return c.MemoryCatalog.MarkFailed(ctx, id, fe)
}

func (c *strictCtxCatalog) MarkSucceeded(ctx context.Context, id, fileCode string) error {
	if err := ctx.Err(); err != nil {
		c.lostWrites.Add(1)
		return err
	}
	return c.MemoryCatalog.MarkSucceeded(ctx, id, fileCode)
}

func TestRunAbortKeepsDispatchedTaskOutcomes(t *testing.T) {
	f := newFixture(t)
	f.cfg.ConcurrencyLimit = 8
	f.cfg.PoolSize = 16
	strict := &strictCtxCatalog{MemoryCatalog: f.catalog}
	f.orch.catalog = strict
	f.preferred.err = errors.New("ftp down")
	f.fallback.err = errors.New("http down")
	for i := 0; i < maxRunErrors+20; i++ {
		f.addFile(t, fmt.Sprintf("g-%03d.iso", i), 16)
	}

	err := f.orch.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "error budget")
	assert.Equal(t, model.RunStateEndKO, f.singleRunState(t))

	// The abort stops the producer but leaves dispatched tasks their live
	// context, so none of their writes get dropped mid-flight.
	assert.Equal(t, int64(0), strict.lostWrites.Load(), "dispatched tasks persist their outcome after the abort")
	failed := 0
	require.NoError(t, f.catalog.ListUnsynced(context.Background(), func(rec model.FileRecord) error {
		if rec.Error != nil {
			failed++
		}
		return nil
	}))
	assert.Equal(t, int64(failed), f.preferred.calls.Load(), "every attempted file has its failure persisted")
	assert.GreaterOrEqual(t, failed, maxRunErrors+1)
}

type gatedUploader struct {
	gate chan struct{}
}

func (g *gatedUploader) Name() string { return "gated" }

func (g *gatedUploader) Upload(ctx context.Context, spec transport.UploadSpec) (string, error) {
	select {
	case <-g.gate:
		return "gated-" + spec.Name, nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func activeState(o *Orchestrator) *runState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.active
}

func TestRunAdmissionValveBoundsQueuedTasks(t *testing.T) {
	f := newFixture(t)
	f.cfg.ConcurrencyLimit = 2
	f.cfg.PoolSize = 5
	gate := make(chan struct{})
	f.orch.preferred = &gatedUploader{gate: gate}
	for i := 0; i < 30; i++ {
		f.addFile(t, fmt.Sprintf("v-%02d.iso", i), 16)
	}

	done := make(chan error, 1)
	go func() { done <- f.orch.Run(context.Background()) }()

	require.Eventually(t, func() bool {
		rs := activeState(f.orch)
		return rs != nil && rs.admitted.Load() == int64(f.cfg.PoolSize)
	}, 2*time.Second, time.Millisecond, "producer fills the pool up to PoolSize")

	// With every upload parked the producer keeps polling for room; the
	// admitted count must hold at the ceiling, never above it.
	for i := 0; i < 50; i++ {
		if rs := activeState(f.orch); rs != nil {
			assert.LessOrEqual(t, rs.admitted.Load(), int64(f.cfg.PoolSize))
		}
		time.Sleep(time.Millisecond)
	}

	close(gate)
	require.NoError(t, <-done)
	assert.Equal(t, model.RunStateEndOK, f.singleRunState(t))
}

type partialUploader struct {
	reported int64
	err      error
}

func (p *partialUploader) Name() string { return "partial" }

func (p *partialUploader) Upload(_ context.Context, spec transport.UploadSpec) (string, error) {
	if spec.Progress != nil {
		spec.Progress(p.reported, spec.SizeBytes)
	}
	return "", p.err
}

func TestUploadFallbackWithdrawsPartialBytes(t *testing.T) {
	f := newFixture(t)
	f.orch.preferred = &partialUploader{reported: 600, err: errors.New("ftp reset")}
	rs := &runState{tracker: progress.NewTracker(1, 1024)}
	rec := model.FileRecord{Name: "x.iso", FullPath: filepath.Join(f.dir, "x.iso"), FileSizeByte: 1024}

	code, err := f.orch.upload(context.Background(), rs, rec)
	require.NoError(t, err)
	assert.Equal(t, "http-x.iso", code)
	assert.Equal(t, int64(1024), rs.tracker.Snapshot().BytesDone,
		"the failed attempt's partial bytes are backed out before the fallback counts the file")
}

type countingUploader struct {
	inFlight *atomic.Int64
	peak     *atomic.Int64
}

func (c *countingUploader) Name() string { return "counting" }

func (c *countingUploader) Upload(_ context.Context, spec transport.UploadSpec) (string, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		old := c.peak.Load()
		if n <= old || c.peak.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)
	return "code-" + spec.Name, nil
}
