// Package main runs the syncbox HTTP control plane.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"

	"github.com/nroche/syncbox/internal/api"
	"github.com/nroche/syncbox/internal/config"
	"github.com/nroche/syncbox/internal/database"
	"github.com/nroche/syncbox/internal/remote"
	"github.com/nroche/syncbox/internal/repository"
)

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

	queueClient := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer queueClient.Close()

	srv := api.New(cfg, files, runs, resolver, queueClient, log)
	if err := srv.Run(ctx); err != nil {
		log.WithError(err).Error("server stopped")
		os.Exit(1)
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
