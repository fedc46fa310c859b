package recovery

import (
	"context"
	"fmt"

	"github.com/battlewatch/tracker/internal/batch"
	"github.com/battlewatch/tracker/internal/tracker"
)

// EstimateCursor approximates a generator cursor when no snapshot exists, by
// asking storage for the highest account id pulled within the trailing
// window per realm and counting the batches that lie entirely below it.
// Realms are walked in enumeration order; the walk stops at the first realm
// that is only partially covered, since later batches were never emitted.
// The estimate is deliberately conservative: a partially covered batch is
// re-queried rather than skipped.
func EstimateCursor(
	ctx context.Context,
	store tracker.PlayerStore,
	ranges []batch.RealmRange,
	size int64,
	windowSeconds int64,
) (int, error) {
	cursor := 0
	for _, r := range ranges {
		span := r.End - r.Start
		if span <= 0 {
			continue
		}
		total := int((span + size - 1) / size)

		maxID, ok, err := store.MaxAccountID(ctx, r.Realm, windowSeconds)
		if err != nil {
			return 0, fmt.Errorf("estimate cursor for %s: %w", r.Realm, err)
		}
		if !ok || maxID < r.Start {
			break
		}

		covered := int((maxID + 1 - r.Start) / size)
		if covered >= total {
			cursor += total
			continue
		}
		cursor += covered
		break
	}
	return cursor, nil
}
