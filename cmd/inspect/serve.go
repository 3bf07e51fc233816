package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/banshee-data/scaninspect/internal/api"
	"github.com/banshee-data/scaninspect/internal/config"
	"github.com/banshee-data/scaninspect/internal/inspection"
	"github.com/banshee-data/scaninspect/internal/spool"
)

var (
	shutdownTimeout time.Duration
	spoolRescan     time.Duration
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the inspection service",
	Long: `Run the inspection service: the HTTP API, the optional spool directory
watcher and the single-worker job queue.

Jobs that were queued when the previous process stopped are resubmitted;
jobs that were processing are marked failed.

Examples:
  inspect serve --listen :8090 --token secret
  inspect serve --spool-dir /var/spool/scaninspect --retention 720h`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return runServe(ctx, cfg)
	},
}

func init() {
	f := serveCmd.Flags()
	f.StringVar(&cfg.ListenAddr, "listen", cfg.ListenAddr, "HTTP listen address")
	f.StringVar(&cfg.APIToken, "token", cfg.APIToken, "bearer token required on /v1 routes (empty disables auth)")
	f.StringVar(&cfg.WorkDir, "work-dir", cfg.WorkDir, "parent directory of per-job workspaces")
	f.StringVar(&cfg.SpoolDir, "spool-dir", cfg.SpoolDir, "watch this directory for *.json job descriptors")
	f.StringVar(&cfg.ConverterCommand, "converter-command", cfg.ConverterCommand,
		"tessellator for STEP/IGES references, e.g. 'gmsh {input} -2 -clmax {tolerance} -format stl -o {output}'")
	f.BoolVar(&cfg.AdminRoutes, "admin", cfg.AdminRoutes, "mount /debug/ admin routes")
	f.DurationVar(&cfg.Retention, "retention", cfg.Retention, "purge finished jobs older than this (0 keeps them)")
	f.DurationVar(&shutdownTimeout, "shutdown-timeout", 30*time.Second, "how long to wait for the running job on shutdown")
	f.DurationVar(&spoolRescan, "spool-rescan", time.Minute, "full spool directory rescan period (0 disables)")
}

// retentionInterval is how often the retention sweep runs for a given age.
func retentionInterval(age time.Duration) time.Duration {
	return min(max(age/24, time.Minute), time.Hour)
}

func runServe(ctx context.Context, c config.ServiceConfig) error {
	if err := c.Validate(); err != nil {
		return err
	}
	icfg, err := loadInspectionConfig(c.ConfigPath)
	if err != nil {
		return err
	}
	database, store, err := openStore(c.DBPath)
	if err != nil {
		return err
	}
	defer database.Close()

	blobs := newBlobStore(c.BlobRoot)
	worker := inspection.NewWorker(store, blobs, newConverter(c.ConverterCommand), inspection.WorkerOptions{
		WorkDir: c.WorkDir,
		Config:  icfg,
		Logger:  logger,
	})
	queue := inspection.NewQueueManager(worker, logger)
	svc := inspection.NewService(store, queue, nil, logger)
	cleaner := inspection.NewCleaner(store, blobs, queue, nil, logger)

	if _, err := inspection.Recover(ctx, store, queue, logger); err != nil {
		return fmt.Errorf("recover jobs: %w", err)
	}

	deps := api.Deps{Service: svc, Cleaner: cleaner, Token: c.APIToken, Logger: logger}
	if c.AdminRoutes {
		deps.Admin = database
	}
	srv := api.NewServer(deps)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx, c.ListenAddr)
	})
	if c.SpoolDir != "" {
		w := spool.NewWatcher(c.SpoolDir, svc, spool.Options{Rescan: spoolRescan, Logger: logger})
		g.Go(func() error {
			return w.Run(gctx)
		})
	}
	if c.Retention > 0 {
		g.Go(func() error {
			cleaner.RunRetention(gctx, retentionInterval(c.Retention), c.Retention)
			return nil
		})
	}
	logger.Info("service started", "db", c.DBPath, "blob_root", c.BlobRoot, "spool", c.SpoolDir)

	runErr := g.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := queue.Shutdown(shutdownCtx); err != nil {
		logger.Warn("queue did not drain before timeout", "err", err)
	}
	logger.Info("service stopped")
	return runErr
}
