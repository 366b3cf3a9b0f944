// Package main is the syncbox operations CLI. It talks to the same Postgres
// catalog and Redis queue as the server and worker, so every command works
// without the HTTP control plane being up.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/hibiken/asynq"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/nroche/syncbox/internal/config"
	"github.com/nroche/syncbox/internal/database"
	"github.com/nroche/syncbox/internal/progress"
	"github.com/nroche/syncbox/internal/queue"
	"github.com/nroche/syncbox/internal/remote"
	"github.com/nroche/syncbox/internal/repository"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rootCmd := newRootCommand()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "syncbox: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "syncbox",
		Short: "syncbox operations CLI",
		Long: `The syncbox CLI triggers catalog scans, sync runs and reconciliation passes,
and inspects the file catalog and the remote folder tree.`,
		SilenceUsage: true,
	}
	cmd.AddCommand(
		newScanCmd(),
		newSyncCmd(),
		newReconcileCmd(),
		newFilesCmd(),
		newFolderCmd(),
		newStatusCmd(),
	)
	return cmd
}

func newScanCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Queue a catalog refresh of the configured directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			return enqueueTrigger(cmd.Context(), queue.EnqueueScan, "scan queued")
		},
	}
}

func newSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Queue a synchronization run",
		RunE: func(cmd *cobra.Command, args []string) error {
			return enqueueTrigger(cmd.Context(), queue.EnqueueSyncRun, "sync run queued")
		},
	}
}

func newReconcileCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reconcile",
		Short: "Queue a reconciliation pass over the synced files",
		RunE: func(cmd *cobra.Command, args []string) error {
			return enqueueTrigger(cmd.Context(), queue.EnqueueReconcile, "reconcile pass queued")
		},
	}
}

func newFilesCmd() *cobra.Command {
	var (
		page     int
		size     int
		synced   bool
		unsynced bool
	)
	cmd := &cobra.Command{
		Use:   "files",
		Short: "List catalogued files",
		RunE: func(cmd *cobra.Command, args []string) error {
			if synced && unsynced {
				return fmt.Errorf("--synced and --unsynced are mutually exclusive")
			}
			var isSync *bool
			if synced || unsynced {
				isSync = &synced
			}
			return withCatalog(cmd.Context(), func(ctx context.Context, files *repository.FileRepository, _ *repository.RunRepository) error {
				records, total, err := files.List(ctx, page, size, isSync)
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "NAME\tSIZE\tSTATUS\tFILE CODE")
				for _, rec := range records {
					status := "unsynced"
					switch {
					case rec.Synced():
						status = "synced"
					case rec.Error != nil:
						status = "failed (" + rec.Error.Name + ")"
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", rec.Name, progress.FormatGiB(rec.FileSizeByte), status, rec.FileCode)
				}
				if err := w.Flush(); err != nil {
					return err
				}
				fmt.Printf("page %d of %d files total\n", page, total)
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&page, "page", 1, "Page number")
	cmd.Flags().IntVar(&size, "size", 50, "Page size")
	cmd.Flags().BoolVar(&synced, "synced", false, "Only synced files")
	cmd.Flags().BoolVar(&unsynced, "unsynced", false, "Only unsynced files")
	return cmd
}

func newFolderCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "folder <path>",
		Short: "Resolve a remote folder path to its id, creating missing segments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}
			client := remote.NewClient(cfg.RemoteBaseURL, cfg.RemoteToken)
			resolver := remote.NewResolver(client, log)
			folderID, err := resolver.EnsureFolder(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s -> folder %d\n", args[0], folderID)
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show whether a sync run is active",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withCatalog(cmd.Context(), func(ctx context.Context, _ *repository.FileRepository, runs *repository.RunRepository) error {
				running, err := runs.FindRunning(ctx)
				if err != nil {
					return err
				}
				if running == nil {
					fmt.Println("no sync running")
					return nil
				}
				fmt.Printf("sync %s running since %s (%s)\n",
					running.ID, running.StartDate.Format(time.RFC3339),
					time.Since(running.StartDate).Round(time.Second))
				return nil
			})
		},
	}
}

func enqueueTrigger(ctx context.Context, enqueue func(context.Context, *asynq.Client, queue.TriggerPayload) error, done string) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer client.Close()
	if err := enqueue(ctx, client, queue.TriggerPayload{RequestedBy: requestedBy()}); err != nil {
		return err
	}
	fmt.Println(done)
	return nil
}

func withCatalog(ctx context.Context, fn func(context.Context, *repository.FileRepository, *repository.RunRepository) error) error {
	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	pool, err := database.Connect(ctx, cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer pool.Close()
	return fn(ctx, repository.NewFileRepository(pool), repository.NewRunRepository(pool))
}

func loadConfig() (*config.Config, *logrus.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, err
	}
	return cfg, newLogger(cfg.LogLevel), nil
}

func newLogger(level string) *logrus.Logger {
	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if lvl, err := logrus.ParseLevel(level); err == nil {
		log.SetLevel(lvl)
	}
	return log
}

func requestedBy() string {
	user := os.Getenv("USER")
	if user == "" {
		user = "cli"
	}
	return "cli:" + user + ":" + strconv.Itoa(os.Getpid())
}
