package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/battlewatch/tracker/internal/queue/memory"
	"github.com/battlewatch/tracker/internal/tracker"
)

type fakeStore struct {
	mu      sync.Mutex
	rows    map[int64]tracker.PlayerRecord
	failFor int64 // account id that always errors
	closed  bool
}

func newFakeStore() *fakeStore {
	return &fakeStore{rows: make(map[int64]tracker.PlayerRecord)}
}

func (f *fakeStore) UpsertPlayer(_ context.Context, rec tracker.PlayerRecord, _ int64, _ tracker.Realm) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if rec.AccountID == f.failFor && f.failFor != 0 {
		return errors.New("write refused")
	}
	// Idempotent contract: an unchanged battles counter is a no-op.
	if prev, ok := f.rows[rec.AccountID]; ok && prev.Battles == rec.Battles {
		return nil
	}
	f.rows[rec.AccountID] = rec
	return nil
}

func (f *fakeStore) MaxAccountID(context.Context, tracker.Realm, int64) (int64, bool, error) {
	return 0, false, nil
}

func (f *fakeStore) Close(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeStore) snapshot() map[int64]tracker.PlayerRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[int64]tracker.PlayerRecord, len(f.rows))
	for k, v := range f.rows {
		out[k] = v
	}
	return out
}

func payload(batchID uint64, accounts ...int64) tracker.Result {
	res := tracker.Result{BatchID: batchID, Realm: tracker.RealmXbox, PulledAt: 1700000000}
	for _, id := range accounts {
		res.Players = append(res.Players, tracker.PlayerRecord{
			AccountID: id,
			Nickname:  "p",
			Battles:   int32(id % 1000),
		})
	}
	return res
}

func TestPoolDrainsQueueAndStops(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(8)
	store := newFakeStore()
	pool := NewPool(q, func(context.Context) (tracker.PlayerStore, error) {
		return store, nil
	}, nil, 3, nil)

	for i := uint64(1); i <= 5; i++ {
		if err := q.Enqueue(context.Background(), payload(i, int64(i*10), int64(i*10+1))); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	q.Close()

	done := make(chan struct{})
	go func() {
		pool.Run(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop after queue drained")
	}
	if got := len(store.snapshot()); got != 10 {
		t.Fatalf("ingested %d rows, want 10", got)
	}
}

func TestPoolIngestionIsIdempotent(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(4)
	store := newFakeStore()
	pool := NewPool(q, func(context.Context) (tracker.PlayerStore, error) {
		return store, nil
	}, nil, 1, nil)

	// The same payload delivered twice, as happens when a result loses the
	// lease-expiry race and the batch is redelivered.
	dup := payload(3, 300, 301)
	for i := 0; i < 2; i++ {
		if err := q.Enqueue(context.Background(), dup); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	q.Close()
	pool.Run(context.Background())

	rows := store.snapshot()
	if len(rows) != 2 {
		t.Fatalf("ingested %d rows, want 2", len(rows))
	}
}

func TestPoolDivertsFailedPayloadAndContinues(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	dump, err := NewDump(dir)
	if err != nil {
		t.Fatalf("NewDump() error = %v", err)
	}

	q := memory.NewQueue(4)
	store := newFakeStore()
	store.failFor = 666
	pool := NewPool(q, func(context.Context) (tracker.PlayerStore, error) {
		return store, nil
	}, dump, 1, nil)

	bad := payload(7, 666)
	good := payload(8, 800)
	for _, res := range []tracker.Result{bad, good} {
		if err := q.Enqueue(context.Background(), res); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}
	q.Close()
	pool.Run(context.Background())

	// The failing payload landed in the dump, keyed by batch id.
	data, err := os.ReadFile(filepath.Join(dir, "batch_000007.json"))
	if err != nil {
		t.Fatalf("error dump missing: %v", err)
	}
	var dumped tracker.Result
	if err := json.Unmarshal(data, &dumped); err != nil {
		t.Fatalf("error dump is not valid JSON: %v", err)
	}
	if dumped.BatchID != 7 {
		t.Fatalf("dumped batch id = %d, want 7", dumped.BatchID)
	}

	// The pool kept going: the good payload made it to storage.
	if _, ok := store.snapshot()[800]; !ok {
		t.Fatal("payload after the failure was not ingested")
	}
}

func TestPoolSurvivesStoreFactoryFailure(t *testing.T) {
	t.Parallel()

	q := memory.NewQueue(2)
	store := newFakeStore()
	calls := 0
	var mu sync.Mutex
	pool := NewPool(q, func(context.Context) (tracker.PlayerStore, error) {
		mu.Lock()
		defer mu.Unlock()
		calls++
		if calls == 1 {
			return nil, errors.New("connection refused")
		}
		return store, nil
	}, nil, 2, nil)

	if err := q.Enqueue(context.Background(), payload(1, 10)); err != nil {
		t.Fatalf("Enqueue() error = %v", err)
	}
	q.Close()

	done := make(chan struct{})
	go func() {
		pool.Run(context.Background())
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("pool did not stop")
	}
	if _, ok := store.snapshot()[10]; !ok {
		t.Fatal("surviving worker did not drain the queue")
	}
}
