// Package batch produces work batches over the configured realm id ranges.
package batch

import (
	"fmt"

	"github.com/battlewatch/tracker/internal/tracker"
)

// DefaultSize is the number of consecutive account ids per batch.
const DefaultSize = 100

// RealmRange is one realm's half-open account-id range [Start, End).
type RealmRange struct {
	Realm tracker.Realm
	Start int64
	End   int64
}

// Generator lazily emits batches over the realm ranges in a fixed order:
// each range is fully enumerated before the next begins. The final batch of
// a range may be shorter than the batch size. Generator is not safe for
// concurrent use; the coordinator is its only caller.
type Generator struct {
	ranges  []RealmRange
	size    int64
	rangeIx int
	cursor  int64 // next start id within the current range
	nextID  uint64
	emitted int
}

// New validates the ranges and constructs a Generator. A size of zero falls
// back to DefaultSize.
func New(ranges []RealmRange, size int64) (*Generator, error) {
	if size == 0 {
		size = DefaultSize
	}
	if size < 0 {
		return nil, fmt.Errorf("batch size must be positive, got %d", size)
	}
	if len(ranges) == 0 {
		return nil, fmt.Errorf("at least one realm range is required")
	}
	for _, r := range ranges {
		if !r.Realm.Valid() {
			return nil, fmt.Errorf("unknown realm %q", r.Realm)
		}
		if r.End < r.Start {
			return nil, fmt.Errorf("realm %s: end %d before start %d", r.Realm, r.End, r.Start)
		}
	}
	g := &Generator{ranges: ranges, size: size}
	if len(ranges) > 0 {
		g.cursor = ranges[0].Start
	}
	return g, nil
}

// Next emits the next batch, or ok=false once all ranges are exhausted.
func (g *Generator) Next() (tracker.Batch, bool) {
	for g.rangeIx < len(g.ranges) {
		r := g.ranges[g.rangeIx]
		if g.cursor < r.End {
			end := g.cursor + g.size
			if end > r.End {
				end = r.End
			}
			g.nextID++
			g.emitted++
			b := tracker.Batch{
				ID:    g.nextID,
				Start: g.cursor,
				End:   end,
				Realm: r.Realm,
			}
			g.cursor = end
			return b, true
		}
		g.rangeIx++
		if g.rangeIx < len(g.ranges) {
			g.cursor = g.ranges[g.rangeIx].Start
		}
	}
	return tracker.Batch{}, false
}

// TotalCount computes the number of batches the generator will emit over its
// lifetime, by ceiling division per range, without enumerating.
func (g *Generator) TotalCount() int {
	total := 0
	for _, r := range g.ranges {
		span := r.End - r.Start
		if span <= 0 {
			continue
		}
		total += int((span + g.size - 1) / g.size)
	}
	return total
}

// Emitted reports how many batches have been handed out so far. This is the
// cursor persisted in recovery snapshots.
func (g *Generator) Emitted() int {
	return g.emitted
}

// FastForward discards the next n batches. It is used only during recovery to
// restore a cursor position; it never rewinds.
func (g *Generator) FastForward(n int) {
	for i := 0; i < n; i++ {
		if _, ok := g.Next(); !ok {
			return
		}
	}
}
