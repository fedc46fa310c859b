// Package ingest drains the results queue into durable storage through a
// fixed pool of workers, one storage connection each.
package ingest

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/battlewatch/tracker/internal/metrics"
	"github.com/battlewatch/tracker/internal/tracker"
)

// StoreFactory opens a dedicated store for one worker.
type StoreFactory func(ctx context.Context) (tracker.PlayerStore, error)

// Pool runs a fixed number of ingest workers over a shared results queue.
// Workers exit only once the queue has been closed and drained; a failing
// payload is diverted to the error dump and never stops the pool.
type Pool struct {
	queue    tracker.ResultQueue
	newStore StoreFactory
	dump     *Dump
	workers  int
	logger   *zap.Logger
}

// NewPool constructs a Pool.
func NewPool(
	queue tracker.ResultQueue,
	newStore StoreFactory,
	dump *Dump,
	workers int,
	logger *zap.Logger,
) *Pool {
	if logger == nil {
		logger = zap.NewNop()
	}
	if workers < 1 {
		workers = 1
	}
	metrics.Init()
	return &Pool{
		queue:    queue,
		newStore: newStore,
		dump:     dump,
		workers:  workers,
		logger:   logger,
	}
}

// Run starts the workers and blocks until all of them have drained the
// queue and exited.
func (p *Pool) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for i := 0; i < p.workers; i++ {
		wg.Add(1)
		go func(index int) {
			defer wg.Done()
			p.runWorker(ctx, index)
		}(i)
	}
	wg.Wait()
}

func (p *Pool) runWorker(ctx context.Context, index int) {
	logger := p.logger.With(zap.Int("worker", index))

	store, err := p.newStore(ctx)
	if err != nil {
		// Without a storage connection the worker is useless; the rest
		// of the pool keeps going.
		logger.Error("ingest worker has no storage connection", zap.Error(err))
		return
	}
	defer func() {
		if err := store.Close(context.Background()); err != nil {
			logger.Warn("close store failed", zap.Error(err))
		}
	}()

	for {
		res, ok, err := p.queue.Dequeue(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("dequeue failed", zap.Error(err))
			continue
		}
		if !ok {
			// Queue closed and drained.
			return
		}
		metrics.SetResultsQueueDepth(p.queue.Depth())
		p.processPayload(ctx, logger, store, res)
	}
}

func (p *Pool) processPayload(
	ctx context.Context,
	logger *zap.Logger,
	store tracker.PlayerStore,
	res tracker.Result,
) {
	applied := 0
	for _, rec := range res.Players {
		if err := store.UpsertPlayer(ctx, rec, res.PulledAt, res.Realm); err != nil {
			logger.Error("upsert failed",
				zap.Uint64("batch_id", res.BatchID),
				zap.Int64("account_id", rec.AccountID),
				zap.Error(err),
			)
			p.divert(logger, res)
			return
		}
		applied++
	}
	metrics.ObserveRowsIngested(string(res.Realm), applied)
	logger.Debug("payload ingested",
		zap.Uint64("batch_id", res.BatchID),
		zap.Int("rows", applied),
	)
}

func (p *Pool) divert(logger *zap.Logger, res tracker.Result) {
	metrics.ObserveIngestFailure()
	if p.dump == nil {
		logger.Warn("no error dump configured, payload lost",
			zap.Uint64("batch_id", res.BatchID))
		return
	}
	path, err := p.dump.Write(res)
	if err != nil {
		logger.Error("error dump write failed",
			zap.Uint64("batch_id", res.BatchID),
			zap.Error(err),
		)
		return
	}
	logger.Warn("payload diverted to error dump",
		zap.Uint64("batch_id", res.BatchID),
		zap.String("path", path),
	)
}
