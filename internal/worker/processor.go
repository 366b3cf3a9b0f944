// Package worker plugs the sync engine into the asynq task loop.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/nroche/syncbox/internal/queue"
	"github.com/nroche/syncbox/internal/syncer"
)

// SyncRunner starts one synchronization run.
type SyncRunner interface {
	Run(ctx context.Context) error
}

// CatalogScanner refreshes the file catalog.
type CatalogScanner interface {
	RefreshIndex(ctx context.Context) error
}

// RemoteReconciler re-validates synced files against the remote.
type RemoteReconciler interface {
	Reconcile(ctx context.Context) error
}

// Processor dispatches queued tasks to the engine components.
type Processor struct {
	runner     SyncRunner
	scanner    CatalogScanner
	reconciler RemoteReconciler
	log        *logrus.Entry
}

// NewProcessor constructs a worker processor.
func NewProcessor(runner SyncRunner, scanner CatalogScanner, reconciler RemoteReconciler, log *logrus.Logger) *Processor {
	return &Processor{
		runner:     runner,
		scanner:    scanner,
		reconciler: reconciler,
		log:        log.WithField("component", "worker"),
	}
}

// Handler registers the task handlers.
func (p *Processor) Handler() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(queue.SyncRunTask, p.handleSync)
	mux.HandleFunc(queue.ScanFilesTask, p.handleScan)
	mux.HandleFunc(queue.ReconcileTask, p.handleReconcile)
	return mux
}

func (p *Processor) handleSync(ctx context.Context, task *asynq.Task) error {
	payload, err := decodeTrigger(task)
	if err != nil {
		return err
	}
	p.log.WithField("requestedBy", payload.RequestedBy).Info("sync run requested")
	if err := p.runner.Run(ctx); err != nil {
		if errors.Is(err, syncer.ErrSyncAlreadyRunning) {
			// Someone beat this task to it. The requested work is being done,
			// so the task itself is complete.
			p.log.Warn("sync already running, dropping task")
			return nil
		}
		return fmt.Errorf("sync run: %w", err)
	}
	return nil
}

func (p *Processor) handleScan(ctx context.Context, task *asynq.Task) error {
	payload, err := decodeTrigger(task)
	if err != nil {
		return err
	}
	p.log.WithField("requestedBy", payload.RequestedBy).Info("catalog scan requested")
	if err := p.scanner.RefreshIndex(ctx); err != nil {
		return fmt.Errorf("catalog scan: %w", err)
	}
	return nil
}

func (p *Processor) handleReconcile(ctx context.Context, task *asynq.Task) error {
	payload, err := decodeTrigger(task)
	if err != nil {
		return err
	}
	p.log.WithField("requestedBy", payload.RequestedBy).Info("reconcile pass requested")
	if err := p.reconciler.Reconcile(ctx); err != nil {
		return fmt.Errorf("reconcile: %w", err)
	}
	return nil
}

func decodeTrigger(task *asynq.Task) (queue.TriggerPayload, error) {
	var payload queue.TriggerPayload
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return payload, fmt.Errorf("decode payload: %w", err)
	}
	return payload, nil
}
