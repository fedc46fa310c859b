package batch

import (
	"context"
	"fmt"

	"github.com/battlewatch/tracker/internal/tracker"
)

// Range expansion constants: when fewer than expandHeadroom ids remain above
// the highest account seen in storage, the realm's upper bound grows by
// expandStep so the next run keeps discovering new accounts.
const (
	expandHeadroom = 50000
	expandStep     = 100000
)

// ExpandRanges checks each realm's remaining id headroom against the highest
// account id present in storage and widens exhausted ranges. It returns the
// (possibly updated) ranges and whether anything changed; realms with no
// stored players are left alone.
func ExpandRanges(
	ctx context.Context,
	store tracker.PlayerStore,
	ranges []RealmRange,
) ([]RealmRange, bool, error) {
	out := make([]RealmRange, len(ranges))
	copy(out, ranges)

	changed := false
	for i, r := range out {
		maxID, ok, err := store.MaxAccountID(ctx, r.Realm, 0)
		if err != nil {
			return nil, false, fmt.Errorf("expand range for %s: %w", r.Realm, err)
		}
		if !ok {
			continue
		}
		if r.End-maxID < expandHeadroom {
			out[i].End = r.End + expandStep
			changed = true
		}
	}
	return out, changed, nil
}
