// Package queue defines the background task types and their enqueue helpers.
// Tasks are coarse control-plane triggers: one task per whole run, never one
// task per file. The per-file fan-out lives inside the orchestrator's own
// worker pool.
package queue

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/hibiken/asynq"
)

const (
	// SyncRunTask triggers one full synchronization run.
	SyncRunTask = "sync:run"
	// ScanFilesTask refreshes the file catalog from the configured roots.
	ScanFilesTask = "files:scan"
	// ReconcileTask re-validates synced files against the remote.
	ReconcileTask = "reconcile:run"
)

// TriggerPayload records who or what asked for the run, for the worker logs.
type TriggerPayload struct {
	RequestedBy string `json:"requested_by"`
}

// EnqueueSyncRun enqueues a synchronization run. Retries are disabled: a run
// that fails mid-way must be re-requested deliberately, not replayed by the
// queue while its half-finished state is still settling.
func EnqueueSyncRun(ctx context.Context, client *asynq.Client, payload TriggerPayload) error {
	return enqueue(ctx, client, SyncRunTask, payload, asynq.MaxRetry(0))
}

// EnqueueScan enqueues a catalog refresh.
func EnqueueScan(ctx context.Context, client *asynq.Client, payload TriggerPayload) error {
	return enqueue(ctx, client, ScanFilesTask, payload, asynq.MaxRetry(3))
}

// EnqueueReconcile enqueues a reconciliation pass.
func EnqueueReconcile(ctx context.Context, client *asynq.Client, payload TriggerPayload) error {
	return enqueue(ctx, client, ReconcileTask, payload, asynq.MaxRetry(0))
}

// ScheduledReconcileTask builds the task the cron scheduler registers.
func ScheduledReconcileTask() *asynq.Task {
	data, _ := json.Marshal(TriggerPayload{RequestedBy: "scheduler"})
	return asynq.NewTask(ReconcileTask, data, asynq.MaxRetry(0))
}

func enqueue(ctx context.Context, client *asynq.Client, typename string, payload TriggerPayload, opts ...asynq.Option) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	task := asynq.NewTask(typename, data)
	if _, err := client.EnqueueContext(ctx, task, opts...); err != nil {
		return fmt.Errorf("enqueue %s: %w", typename, err)
	}
	return nil
}
