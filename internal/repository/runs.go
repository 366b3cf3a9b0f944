package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/nroche/syncbox/internal/model"
)

// RunRepository wraps all SQL touching the sync_runs table.
type RunRepository struct {
	pool *pgxpool.Pool
}

// NewRunRepository constructs a repository.
func NewRunRepository(pool *pgxpool.Pool) *RunRepository {
	return &RunRepository{pool: pool}
}

// FindRunning returns the active run, or nil when no run is in progress.
func (r *RunRepository) FindRunning(ctx context.Context) (*model.SyncRun, error) {
	run, err := r.scanOne(r.pool.QueryRow(ctx, `
		SELECT id, start_date, end_date, state FROM sync_runs WHERE state=$1 LIMIT 1
	`, model.RunStateRunning))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("find running sync: %w", err)
	}
	return run, nil
}

// Insert creates a new run record in the running state.
func (r *RunRepository) Insert(ctx context.Context, run *model.SyncRun) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.StartDate.IsZero() {
		run.StartDate = time.Now().UTC()
	}
	run.State = model.RunStateRunning
	_, err := r.pool.Exec(ctx, `
		INSERT INTO sync_runs (id, start_date, state) VALUES ($1,$2,$3)
	`, run.ID, run.StartDate, run.State)
	if err != nil {
		return fmt.Errorf("insert sync run: %w", err)
	}
	return nil
}

// Finish terminally mutates a run. Runs are never deleted, so the history of
// past attempts stays queryable.
func (r *RunRepository) Finish(ctx context.Context, id string, state model.RunState) error {
	if !state.Terminal() {
		return fmt.Errorf("finish sync run: %q is not a terminal state", state)
	}
	now := time.Now().UTC()
	// Only transition out of running: a run is terminally mutated exactly
	// once, even when shutdown and run completion race.
	_, err := r.pool.Exec(ctx, `
		UPDATE sync_runs SET state=$1, end_date=$2 WHERE id=$3 AND state=$4
	`, state, now, id, model.RunStateRunning)
	if err != nil {
		return fmt.Errorf("finish sync run: %w", err)
	}
	return nil
}

func (r *RunRepository) scanOne(row pgx.Row) (*model.SyncRun, error) {
	var (
		run     model.SyncRun
		endDate sql.NullTime
	)
	if err := row.Scan(&run.ID, &run.StartDate, &endDate, &run.State); err != nil {
		return nil, err
	}
	if endDate.Valid {
		t := endDate.Time
		run.EndDate = &t
	}
	return &run, nil
}
