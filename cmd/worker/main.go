// Package main runs the syncbox worker: the queue consumer hosting the sync
// orchestrator, the catalog scanner and the reconciler, plus the cron
// scheduler for periodic reconciliation.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/nroche/syncbox/internal/config"
	"github.com/nroche/syncbox/internal/database"
	"github.com/nroche/syncbox/internal/progress"
	"github.com/nroche/syncbox/internal/queue"
	"github.com/nroche/syncbox/internal/reconciler"
	"github.com/nroche/syncbox/internal/remote"
	"github.com/nroche/syncbox/internal/repository"
	"github.com/nroche/syncbox/internal/scanner"
	"github.com/nroche/syncbox/internal/syncer"
	"github.com/nroche/syncbox/internal/transport"
	"github.com/nroche/syncbox/internal/worker"
)

// progressEvery is how often the worker logs run progress.
const progressEvery = 30 * time.Second

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logrus.Fatalf("load config: %v", err)
	}
	log := newLogger(cfg.LogLevel)

	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("connect database: %v", err)
	}
	defer pool.Close()
	if err := database.EnsureSchema(ctx, pool); err != nil {
		log.Fatalf("ensure schema: %v", err)
	}
	files := repository.NewFileRepository(pool)
	runs := repository.NewRunRepository(pool)

	remoteClient := remote.NewClient(cfg.RemoteBaseURL, cfg.RemoteToken)
	resolver := remote.NewResolver(remoteClient, log)

	registry := transport.NewRegistry()
	push := transport.NewPush(cfg, remoteClient, registry, log)
	multipart := transport.NewMultipart(cfg, log)
	preferred, fallback := transport.Uploader(push), transport.Uploader(multipart)
	if cfg.PreferredTransport == config.TransportHTTP {
		preferred, fallback = fallback, preferred
	}

	orch := syncer.New(cfg, files, runs, remoteClient, resolver, preferred, fallback, registry, log)
	scan := scanner.New(cfg, files, log)
	recon := reconciler.New(cfg, files, remoteClient, log)
	processor := worker.NewProcessor(orch, scan, recon, log)

	redisOpt := asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	}
	srv := asynq.NewServer(redisOpt, asynq.Config{
		// One slot per task type. The heavy per-file parallelism lives inside
		// the orchestrator, not in the queue.
		Concurrency: 3,
	})

	sched := asynq.NewScheduler(redisOpt, nil)
	if _, err := sched.Register(cfg.ReconcileCron, queue.ScheduledReconcileTask()); err != nil {
		log.Fatalf("register reconcile schedule: %v", err)
	}
	if err := sched.Start(); err != nil {
		log.Fatalf("start scheduler: %v", err)
	}

	go watchProgress(ctx, orch, log)

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		orch.Shutdown(shutdownCtx)
		sched.Shutdown()
		srv.Shutdown()
	}()

	log.Info("worker started")
	if err := srv.Run(processor.Handler()); err != nil {
		log.WithError(err).Error("worker stopped")
		os.Exit(1)
	}
}

// watchProgress periodically logs the active run's totals. It is purely an
// operator convenience; nothing depends on it.
func watchProgress(ctx context.Context, orch *syncer.Orchestrator, log *logrus.Logger) {
	ticker := time.NewTicker(progressEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			tracker := orch.Tracker()
			if tracker == nil {
				continue
			}
			s := tracker.Snapshot()
			log.WithFields(logrus.Fields{
				"files":     s.FilesDone,
				"filesLeft": s.FilesTotal - s.FilesDone,
				"bytes":     progress.FormatGiB(s.BytesDone),
				"bytesLeft": progress.FormatGiB(s.BytesTotal - s.BytesDone),
			}).Info("sync progress")
		}
	}
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	}
	return log
}
