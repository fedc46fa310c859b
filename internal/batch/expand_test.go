package batch

import (
	"context"
	"errors"
	"testing"

	"github.com/battlewatch/tracker/internal/tracker"
)

type maxIDStore struct {
	max map[tracker.Realm]int64
	err error
}

func (s *maxIDStore) UpsertPlayer(context.Context, tracker.PlayerRecord, int64, tracker.Realm) error {
	return nil
}

func (s *maxIDStore) MaxAccountID(_ context.Context, realm tracker.Realm, _ int64) (int64, bool, error) {
	if s.err != nil {
		return 0, false, s.err
	}
	id, ok := s.max[realm]
	return id, ok, nil
}

func (s *maxIDStore) Close(context.Context) error { return nil }

func TestExpandRangesWidensExhaustedRealm(t *testing.T) {
	t.Parallel()

	ranges := []RealmRange{
		{Realm: tracker.RealmXbox, Start: 5000, End: 1000000},
		{Realm: tracker.RealmPS4, Start: 1073740000, End: 1080500000},
	}
	store := &maxIDStore{max: map[tracker.Realm]int64{
		// 30000 ids of headroom left: below the threshold.
		tracker.RealmXbox: 970000,
		// Plenty of headroom: untouched.
		tracker.RealmPS4: 1074000000,
	}}

	got, changed, err := ExpandRanges(context.Background(), store, ranges)
	if err != nil {
		t.Fatalf("ExpandRanges() error = %v", err)
	}
	if !changed {
		t.Fatal("expected a change")
	}
	if got[0].End != 1100000 {
		t.Fatalf("xbox end = %d, want 1100000", got[0].End)
	}
	if got[1].End != 1080500000 {
		t.Fatalf("ps4 end = %d, want unchanged 1080500000", got[1].End)
	}
	if ranges[0].End != 1000000 {
		t.Fatal("input slice was mutated")
	}
}

func TestExpandRangesSkipsEmptyRealms(t *testing.T) {
	t.Parallel()

	ranges := []RealmRange{{Realm: tracker.RealmXbox, Start: 5000, End: 100000}}
	got, changed, err := ExpandRanges(context.Background(), &maxIDStore{}, ranges)
	if err != nil {
		t.Fatalf("ExpandRanges() error = %v", err)
	}
	if changed {
		t.Fatal("expected no change for an empty realm")
	}
	if got[0].End != 100000 {
		t.Fatalf("end = %d, want unchanged", got[0].End)
	}
}

func TestExpandRangesPropagatesStoreError(t *testing.T) {
	t.Parallel()

	ranges := []RealmRange{{Realm: tracker.RealmXbox, Start: 5000, End: 100000}}
	store := &maxIDStore{err: errors.New("db down")}
	if _, _, err := ExpandRanges(context.Background(), store, ranges); err == nil {
		t.Fatal("expected store error")
	}
}
