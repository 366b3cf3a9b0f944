package repository

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/nroche/syncbox/internal/model"
)

// ErrNotFound is returned by the in-memory catalog for unknown record ids.
var ErrNotFound = errors.New("record not found")

// MemoryCatalog is an in-memory implementation of the catalog, guarded by an
// RWMutex. It backs the test suites of the scanner, orchestrator and
// reconciler so they can exercise the full state machine without Postgres,
// and mirrors the SQL repositories method for method.
type MemoryCatalog struct {
	mu    sync.RWMutex
	files map[string]*model.FileRecord // keyed by unique name
	runs  map[string]*model.SyncRun
}

// NewMemoryCatalog constructs an empty catalog.
func NewMemoryCatalog() *MemoryCatalog {
	return &MemoryCatalog{
		files: make(map[string]*model.FileRecord),
		runs:  make(map[string]*model.SyncRun),
	}
}

// Upsert inserts or refreshes a record keyed by name, like the SQL version:
// path and size fields overwritten, sync state untouched.
func (m *MemoryCatalog) Upsert(_ context.Context, rec *model.FileRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	if existing, ok := m.files[rec.Name]; ok {
		existing.FullPath = rec.FullPath
		existing.DirectoryFullPath = rec.DirectoryFullPath
		existing.DirectoryBasePath = rec.DirectoryBasePath
		existing.FileSizeByte = rec.FileSizeByte
		existing.UpdatedAt = now
		*rec = *existing
		return nil
	}
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	rec.CreatedAt = now
	rec.UpdatedAt = now
	stored := *rec
	m.files[rec.Name] = &stored
	return nil
}

// ListUnsynced streams records with no sync date, in name order.
func (m *MemoryCatalog) ListUnsynced(ctx context.Context, fn func(model.FileRecord) error) error {
	return m.list(ctx, func(r *model.FileRecord) bool { return r.SyncDate == nil }, fn)
}

// ListSynced streams records currently counting as synchronized.
func (m *MemoryCatalog) ListSynced(ctx context.Context, fn func(model.FileRecord) error) error {
	return m.list(ctx, func(r *model.FileRecord) bool { return r.Synced() }, fn)
}

func (m *MemoryCatalog) list(_ context.Context, match func(*model.FileRecord) bool, fn func(model.FileRecord) error) error {
	m.mu.RLock()
	var page []model.FileRecord
	for _, rec := range m.files {
		if match(rec) {
			page = append(page, *rec)
		}
	}
	m.mu.RUnlock()
	sort.Slice(page, func(i, j int) bool { return page[i].Name < page[j].Name })
	for i := range page {
		if err := fn(page[i]); err != nil {
			return err
		}
	}
	return nil
}

// CountUnsynced counts records matching the ListUnsynced predicate.
func (m *MemoryCatalog) CountUnsynced(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, rec := range m.files {
		if rec.SyncDate == nil {
			n++
		}
	}
	return n, nil
}

// SumUnsyncedBytes totals sizes over the ListUnsynced predicate.
func (m *MemoryCatalog) SumUnsyncedBytes(_ context.Context) (int64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var n int64
	for _, rec := range m.files {
		if rec.SyncDate == nil {
			n += rec.FileSizeByte
		}
	}
	return n, nil
}

// MarkSucceeded records a finished upload and clears any previous error.
func (m *MemoryCatalog) MarkSucceeded(_ context.Context, id, fileCode string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.byID(id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	rec.FileCode = fileCode
	rec.SyncDate = &now
	rec.Error = nil
	rec.UpdatedAt = now
	return nil
}

// MarkFailed stores the last failure without touching sync fields.
func (m *MemoryCatalog) MarkFailed(_ context.Context, id string, fe model.FileError) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.byID(id)
	if err != nil {
		return err
	}
	stored := fe
	rec.Error = &stored
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// ClearSyncState demotes a record back to unsynced.
func (m *MemoryCatalog) ClearSyncState(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, err := m.byID(id)
	if err != nil {
		return err
	}
	rec.SyncDate = nil
	rec.FileCode = ""
	rec.UpdatedAt = time.Now().UTC()
	return nil
}

// List returns one 1-based page of records in name order, optionally filtered
// on sync status, with the filtered total. Same paging arithmetic as the SQL
// version.
func (m *MemoryCatalog) List(_ context.Context, page, pageSize int, isSync *bool) ([]model.FileRecord, int64, error) {
	if pageSize <= 0 {
		pageSize = 10
	}
	m.mu.RLock()
	var all []model.FileRecord
	for _, rec := range m.files {
		if isSync != nil && *isSync != (rec.SyncDate != nil) {
			continue
		}
		all = append(all, *rec)
	}
	m.mu.RUnlock()
	sort.Slice(all, func(i, j int) bool { return all[i].Name < all[j].Name })
	total := int64(len(all))
	offset := listOffset(page, pageSize)
	if offset >= len(all) {
		return nil, total, nil
	}
	end := offset + pageSize
	if end > len(all) {
		end = len(all)
	}
	return all[offset:end], total, nil
}

// Get returns a copy of a record by name, for test assertions.
func (m *MemoryCatalog) Get(name string) (model.FileRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.files[name]
	if !ok {
		return model.FileRecord{}, false
	}
	return *rec, true
}

// Len returns the number of catalogued files.
func (m *MemoryCatalog) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.files)
}

func (m *MemoryCatalog) byID(id string) (*model.FileRecord, error) {
	for _, rec := range m.files {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, ErrNotFound
}

// FindRunning returns the active run, or nil when no run is in progress.
func (m *MemoryCatalog) FindRunning(_ context.Context) (*model.SyncRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, run := range m.runs {
		if run.State == model.RunStateRunning {
			copied := *run
			return &copied, nil
		}
	}
	return nil, nil
}

// Insert creates a new run record in the running state.
func (m *MemoryCatalog) Insert(_ context.Context, run *model.SyncRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartDate.IsZero() {
		run.StartDate = time.Now().UTC()
	}
	run.State = model.RunStateRunning
	stored := *run
	m.runs[run.ID] = &stored
	return nil
}

// Finish terminally mutates a run, once.
func (m *MemoryCatalog) Finish(_ context.Context, id string, state model.RunState) error {
	if !state.Terminal() {
		return fmt.Errorf("finish sync run: %q is not a terminal state", state)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	run, ok := m.runs[id]
	if !ok {
		return ErrNotFound
	}
	if run.State != model.RunStateRunning {
		return nil
	}
	now := time.Now().UTC()
	run.State = state
	run.EndDate = &now
	return nil
}

// Runs returns a snapshot of all run records, for test assertions.
func (m *MemoryCatalog) Runs() []model.SyncRun {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.SyncRun, 0, len(m.runs))
	for _, run := range m.runs {
		out = append(out, *run)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartDate.Before(out[j].StartDate) })
	return out
}
