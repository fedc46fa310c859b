package tracker

import "context"

// ResultQueue carries accepted result payloads from the coordinator to the
// ingest workers. Implementations are safe for concurrent use and make no
// ordering guarantee across consumers.
type ResultQueue interface {
	// Enqueue pushes a result. It returns an error when the context ends
	// or the queue has been closed; it never panics against a concurrent
	// Close.
	Enqueue(ctx context.Context, res Result) error

	// Dequeue pops the next result. After Close, it drains remaining items
	// and then reports ok=false.
	Dequeue(ctx context.Context) (res Result, ok bool, err error)

	// Depth reports the number of queued results.
	Depth() int

	// Close stops accepting new results. Safe to call more than once.
	Close()
}

// PlayerStore persists pulled player rows. UpsertPlayer must be idempotent:
// applying the same record twice leaves storage unchanged after the first
// application, and mutable fields are only written when the battles counter
// differs from the stored value.
type PlayerStore interface {
	UpsertPlayer(ctx context.Context, rec PlayerRecord, pulledAt int64, realm Realm) error

	// MaxAccountID returns the highest account id for the realm updated
	// within the trailing window (seconds), or ok=false when none exists.
	// A non-positive window means all time.
	MaxAccountID(ctx context.Context, realm Realm, windowSeconds int64) (id int64, ok bool, err error)

	Close(ctx context.Context) error
}
