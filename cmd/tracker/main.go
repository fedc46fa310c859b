// Package main wires together the tracker server binary.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/battlewatch/tracker/internal/batch"
	"github.com/battlewatch/tracker/internal/config"
	"github.com/battlewatch/tracker/internal/ingest"
	"github.com/battlewatch/tracker/internal/logging"
	queueMemory "github.com/battlewatch/tracker/internal/queue/memory"
	"github.com/battlewatch/tracker/internal/recovery"
	"github.com/battlewatch/tracker/internal/schedule"
	"github.com/battlewatch/tracker/internal/server"
	"github.com/battlewatch/tracker/internal/storage/postgres"
	"github.com/battlewatch/tracker/internal/tracker"
)

const snapshotInterval = time.Minute

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	doRecover := flag.Bool("recover", false, "Resume from a snapshot, or estimate progress from the database when none exists")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, *doRecover, logger); err != nil {
		logger.Error("tracker exited with error", zap.Error(err))
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.Config, doRecover bool, logger *zap.Logger) error {
	ranges := cfg.RealmRanges()
	if len(ranges) == 0 {
		return errors.New("no realms configured")
	}

	progress, ranges, err := prepare(ctx, cfg, doRecover, ranges, logger)
	if err != nil {
		return err
	}

	gen, err := batch.New(ranges, int64(cfg.Scheduler.BatchSize))
	if err != nil {
		return fmt.Errorf("build generator: %w", err)
	}

	policy := cfg.Policy()
	queue := queueMemory.NewQueue(cfg.Ingest.QueueDepth)
	coord := schedule.New(gen, queue, policy, schedule.Config{
		LeaseTimeout: cfg.LeaseTimeout(),
	}, logger.Named("coordinator"))
	if progress != nil {
		coord.Restore(*progress)
	}

	var dump *ingest.Dump
	if cfg.Ingest.ErrorDumpDir != "" {
		dump, err = ingest.NewDump(cfg.Ingest.ErrorDumpDir)
		if err != nil {
			return fmt.Errorf("prepare error dump: %w", err)
		}
	}
	pool := ingest.NewPool(queue, func(ctx context.Context) (tracker.PlayerStore, error) {
		return postgres.Connect(ctx, cfg.DB.DSN)
	}, dump, cfg.Ingest.Workers, logger.Named("ingest"))

	apiServer := server.NewServer(coord, policy, queue, cfg.RefillInterval(), logger.Named("server"))
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	coordCtx, stopCoord := context.WithCancel(context.Background())
	defer stopCoord()
	coordDone := make(chan struct{})
	go func() {
		coord.Run(coordCtx)
		close(coordDone)
	}()

	poolDone := make(chan struct{})
	go func() {
		pool.Run(context.Background())
		close(poolDone)
	}()

	go func() {
		logger.Info("http server started", zap.Int("port", cfg.Server.Port))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("http server error", zap.Error(err))
		}
	}()

	go snapshotLoop(coordCtx, coord, cfg.Recovery.Path, logger)

	select {
	case <-ctx.Done():
		logger.Info("shutdown initiated")
	case <-coord.Done():
		logger.Info("all work complete")
	}

	// Capture progress before the coordinator loop stops accepting commands.
	if p, err := coord.Progress(); err == nil {
		if err := recovery.Save(cfg.Recovery.Path, p); err != nil {
			logger.Error("snapshot save failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("server shutdown error", zap.Error(err))
	}

	stopCoord()
	<-coordDone

	// Let the ingest pool drain whatever the workers already delivered.
	queue.Close()
	select {
	case <-poolDone:
	case <-time.After(30 * time.Second):
		logger.Warn("ingest pool did not drain in time")
	}

	logger.Info("shutdown complete")
	return nil
}

// prepare resolves startup state that needs a database connection: recovered
// progress and expanded realm ranges. The connection is short-lived; the
// ingest pool opens its own afterwards.
func prepare(
	ctx context.Context,
	cfg config.Config,
	doRecover bool,
	ranges []batch.RealmRange,
	logger *zap.Logger,
) (*schedule.Progress, []batch.RealmRange, error) {
	var progress *schedule.Progress
	if doRecover {
		p, err := recovery.Load(cfg.Recovery.Path)
		switch {
		case err == nil:
			logger.Info("snapshot loaded", zap.String("path", cfg.Recovery.Path))
			progress = &p
		case errors.Is(err, recovery.ErrNoSnapshot):
			logger.Info("no snapshot, estimating progress from storage")
		default:
			return nil, nil, fmt.Errorf("load snapshot: %w", err)
		}
	}

	// Expansion renumbers batches after the widened realm, so it only runs
	// when no snapshot cursor is being reused.
	needsDB := progress == nil && (cfg.Scheduler.Expand || doRecover)
	if !needsDB {
		return progress, ranges, nil
	}

	store, err := postgres.Connect(ctx, cfg.DB.DSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect for startup checks: %w", err)
	}
	defer func() {
		if err := store.Close(ctx); err != nil {
			logger.Warn("close startup connection failed", zap.Error(err))
		}
	}()

	if cfg.Scheduler.Expand {
		expanded, changed, err := batch.ExpandRanges(ctx, store, ranges)
		if err != nil {
			return nil, nil, err
		}
		if changed {
			for _, r := range expanded {
				logger.Info("realm range",
					zap.String("realm", string(r.Realm)),
					zap.Int64("start", r.Start),
					zap.Int64("end", r.End),
				)
			}
		}
		ranges = expanded
	}

	if doRecover {
		cursor, err := recovery.EstimateCursor(
			ctx, store, ranges,
			int64(cfg.Scheduler.BatchSize),
			cfg.Recovery.AggressiveWindowSeconds,
		)
		if err != nil {
			return nil, nil, err
		}
		logger.Info("estimated generator cursor", zap.Int("cursor", cursor))
		progress = &schedule.Progress{GeneratorCursor: cursor}
	}

	return progress, ranges, nil
}

// snapshotLoop checkpoints progress on a fixed cadence so a crash loses at
// most one interval of scheduling state.
func snapshotLoop(ctx context.Context, coord *schedule.Coordinator, path string, logger *zap.Logger) {
	ticker := time.NewTicker(snapshotInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p, err := coord.Progress()
			if err != nil {
				return
			}
			if err := recovery.Save(path, p); err != nil {
				logger.Error("periodic snapshot failed", zap.Error(err))
			}
		case <-ctx.Done():
			return
		}
	}
}
