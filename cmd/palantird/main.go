// SPDX-License-Identifier: MIT

// Command palantird is the transcription pipeline daemon: it watches a
// directory tree for audio files, queues them durably, supervises the
// speech-to-text engine subprocess pool, and serves the control API.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/sonralabs/palantir/internal/api"
	"github.com/sonralabs/palantir/internal/config"
	"github.com/sonralabs/palantir/internal/engine"
	"github.com/sonralabs/palantir/internal/health"
	"github.com/sonralabs/palantir/internal/log"
	"github.com/sonralabs/palantir/internal/metrics"
	"github.com/sonralabs/palantir/internal/queue"
	"github.com/sonralabs/palantir/internal/reconcile"
	"github.com/sonralabs/palantir/internal/store"
	"github.com/sonralabs/palantir/internal/telemetry"
	"github.com/sonralabs/palantir/internal/tracker"
	"github.com/sonralabs/palantir/internal/watcher"
	"github.com/sonralabs/palantir/internal/worker"
)

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()
	if *showVersion {
		fmt.Println(version)
		return
	}

	log.Configure(log.Config{Service: "palantir", Version: version})
	if err := run(); err != nil {
		logger := log.Base()
		logger.Error().Err(err).Msg("daemon exited with error")
		os.Exit(1)
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.FromEnv()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	log.Configure(log.Config{Level: cfg.LogLevel, Service: "palantir", Version: version})
	logger := log.WithComponent("main")
	logger.Info().
		Str("version", version).
		Str("watch_dir", cfg.WatchDir).
		Int("concurrency_limit", cfg.ConcurrencyLimit).
		Msg("starting palantird")

	tel, err := telemetry.NewProvider(ctx, cfg.OTLPEndpoint, version)
	if err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	defer func() {
		if err := tel.Shutdown(context.Background()); err != nil {
			logger.Warn().Err(err).Msg("telemetry shutdown failed")
		}
	}()

	db, err := store.Open(cfg.DataDir)
	if err != nil {
		return fmt.Errorf("open store: %w", err)
	}
	defer func() {
		if err := db.Close(); err != nil {
			logger.Error().Err(err).Msg("store close failed")
		}
	}()

	q, err := queue.New(db, queue.Options{
		ConcurrencyLimit: cfg.ConcurrencyLimit,
		LockDuration:     cfg.LockDuration,
		StalledInterval:  cfg.StalledInterval,
		MaxStalledCount:  cfg.MaxStalledCount,
		MaxAttempts:      cfg.MaxJobAttempts,
	})
	if err != nil {
		return fmt.Errorf("open queue: %w", err)
	}

	trk := tracker.New(db)

	w, err := watcher.New(cfg, q, trk)
	if err != nil {
		return fmt.Errorf("watcher: %w", err)
	}

	// Boot reconciliation runs before anything claims work. A reconciler
	// failure is fatal: starting on top of an inconsistent store corrupts
	// further.
	reconciler := reconcile.New(cfg, q, w.Ingestor())
	report, err := reconciler.Run(ctx)
	if err != nil {
		return fmt.Errorf("boot reconciliation: %w", err)
	}
	logger.Info().
		Int("files_scanned", report.FilesScanned).
		Int("jobs_created", report.JobsCreated).
		Int("jobs_reconciled", report.JobsReconciled).
		Int("phantoms_failed", report.PhantomsFailed).
		Msg("boot reconciliation complete")

	eng := engine.FromConfig(cfg)
	healthMgr := health.NewManager(version)
	healthMgr.RegisterChecker(&health.StoreChecker{DB: db})
	healthMgr.RegisterChecker(&health.EngineChecker{Settings: eng})
	healthMgr.RegisterChecker(&health.DirChecker{Label: "watch_dir", Path: cfg.WatchDir})
	healthMgr.RegisterChecker(&health.DirChecker{Label: "output_dir", Path: cfg.OutputDir})

	// Runtime reconciliation quiesces claiming for the duration of the run.
	reconcileFn := func(ctx context.Context) (*reconcile.Report, error) {
		q.Pause()
		defer q.Resume()
		return reconciler.Run(ctx)
	}

	srv, err := api.New(cfg, q, trk, w.Ingestor(), healthMgr, reconcileFn)
	if err != nil {
		return fmt.Errorf("api server: %w", err)
	}

	pool := worker.NewPool(cfg, q)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return w.Run(gctx) })
	g.Go(func() error { return pool.Run(gctx) })
	g.Go(func() error { return srv.Run(gctx) })
	g.Go(func() error {
		q.RunStallMonitor(gctx)
		return nil
	})
	g.Go(func() error {
		metrics.RunCollector(gctx, q, 15*time.Second)
		return nil
	})

	healthMgr.SetReady(true)
	logger.Info().Str("addr", cfg.ListenAddr).Msg("palantird ready")

	err = g.Wait()
	healthMgr.SetReady(false)
	if err != nil && !errors.Is(err, context.Canceled) {
		if errors.Is(err, worker.ErrShutdownForced) {
			logger.Error().Msg("forced shutdown: engine subprocesses were killed")
		}
		return err
	}
	logger.Info().Msg("palantird stopped")
	return nil
}
