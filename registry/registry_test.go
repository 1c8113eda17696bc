package registry_test

import (
	"testing"
	"time"

	"github.com/s3refgc/s3refgc/registry"
)

func openTestRegistry(t *testing.T) *registry.Registry {
	t.Helper()

	r, err := registry.Open(t.Context(), ":memory:")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	t.Cleanup(func() { r.Close() })

	return r
}

func TestIncrementDecrement(t *testing.T) {
	t.Parallel()

	r := openTestRegistry(t)
	ctx := t.Context()

	for range 3 {
		if err := r.Increment(ctx, "img/a.jpg"); err != nil {
			t.Fatalf("Increment: %v", err)
		}
	}

	count, err := r.GetCount(ctx, "img/a.jpg")
	if err != nil {
		t.Fatalf("GetCount: %v", err)
	}

	if count != 3 {
		t.Fatalf("count = %d, want 3", count)
	}

	for range 2 {
		if err := r.Decrement(ctx, "img/a.jpg"); err != nil {
			t.Fatalf("Decrement: %v", err)
		}
	}

	count, err = r.GetCount(ctx, "img/a.jpg")
	if err != nil {
		t.Fatalf("GetCount: %v", err)
	}

	if count != 1 {
		t.Fatalf("count = %d, want 1", count)
	}
}

// TestSharedReferenceScenario mirrors the spec's concrete scenario 1: three
// inserts of "img/a.jpg" then two deletes leaves ref_count=1, and the key
// does not appear among orphan candidates.
func TestSharedReferenceScenario(t *testing.T) {
	t.Parallel()

	r := openTestRegistry(t)
	ctx := t.Context()

	for range 3 {
		_ = r.Increment(ctx, "img/a.jpg")
	}

	for range 2 {
		_ = r.Decrement(ctx, "img/a.jpg")
	}

	count, err := r.GetCount(ctx, "img/a.jpg")
	if err != nil || count != 1 {
		t.Fatalf("GetCount = (%d, %v), want (1, nil)", count, err)
	}

	candidates, err := r.OrphanCandidates(ctx, []string{"img/a.jpg"})
	if err != nil {
		t.Fatalf("OrphanCandidates: %v", err)
	}

	if len(candidates) != 0 {
		t.Fatalf("candidates = %v, want none", candidates)
	}
}

func TestDecrementClampsAtZero(t *testing.T) {
	t.Parallel()

	r := openTestRegistry(t)
	ctx := t.Context()

	_ = r.Increment(ctx, "k")

	for range 5 {
		if err := r.Decrement(ctx, "k"); err != nil {
			t.Fatalf("Decrement: %v", err)
		}
	}

	count, err := r.GetCount(ctx, "k")
	if err != nil || count != 0 {
		t.Fatalf("GetCount = (%d, %v), want (0, nil)", count, err)
	}
}

func TestDecrementUnknownKeyIsNoop(t *testing.T) {
	t.Parallel()

	r := openTestRegistry(t)
	ctx := t.Context()

	if err := r.Decrement(ctx, "never-seen"); err != nil {
		t.Fatalf("Decrement: %v", err)
	}

	count, err := r.GetCount(ctx, "never-seen")
	if err != nil || count != 0 {
		t.Fatalf("GetCount = (%d, %v), want (0, nil)", count, err)
	}
}

func TestOrphanCandidatesSetEquality(t *testing.T) {
	t.Parallel()

	r := openTestRegistry(t)
	ctx := t.Context()

	_ = r.Increment(ctx, "referenced.jpg")

	listed := []string{"referenced.jpg", "orphan1.jpg", "orphan2.jpg"}

	candidates, err := r.OrphanCandidates(ctx, listed)
	if err != nil {
		t.Fatalf("OrphanCandidates: %v", err)
	}

	want := map[string]bool{"orphan1.jpg": true, "orphan2.jpg": true}

	if len(candidates) != len(want) {
		t.Fatalf("candidates = %v, want %v", candidates, want)
	}

	for _, c := range candidates {
		if !want[c] {
			t.Errorf("unexpected candidate %q", c)
		}
	}
}

func TestBulkIncrementDecrement(t *testing.T) {
	t.Parallel()

	r := openTestRegistry(t)
	ctx := t.Context()

	keys := []string{"a", "b", "c"}

	if err := r.BulkIncrement(ctx, keys); err != nil {
		t.Fatalf("BulkIncrement: %v", err)
	}

	for _, k := range keys {
		count, err := r.GetCount(ctx, k)
		if err != nil || count != 1 {
			t.Fatalf("GetCount(%q) = (%d, %v), want (1, nil)", k, count, err)
		}
	}

	if err := r.BulkDecrement(ctx, keys); err != nil {
		t.Fatalf("BulkDecrement: %v", err)
	}

	for _, k := range keys {
		count, err := r.GetCount(ctx, k)
		if err != nil || count != 0 {
			t.Fatalf("GetCount(%q) = (%d, %v), want (0, nil)", k, count, err)
		}
	}
}

func TestPruneZeroRefs(t *testing.T) {
	t.Parallel()

	r := openTestRegistry(t)
	ctx := t.Context()

	_ = r.Increment(ctx, "stale")
	_ = r.Decrement(ctx, "stale")

	n, err := r.PruneZeroRefs(ctx, -time.Hour) // horizon in the past: everything qualifies
	if err != nil {
		t.Fatalf("PruneZeroRefs: %v", err)
	}

	if n != 1 {
		t.Fatalf("pruned = %d, want 1", n)
	}

	count, err := r.GetCount(ctx, "stale")
	if err != nil || count != 0 {
		t.Fatalf("GetCount = (%d, %v), want (0, nil) after prune removed the row", count, err)
	}
}

func TestGetStats(t *testing.T) {
	t.Parallel()

	r := openTestRegistry(t)
	ctx := t.Context()

	_ = r.Increment(ctx, "a")
	_ = r.Increment(ctx, "a")
	_ = r.Increment(ctx, "b")
	_ = r.Increment(ctx, "c")
	_ = r.Decrement(ctx, "c")

	stats, err := r.GetStats(ctx)
	if err != nil {
		t.Fatalf("GetStats: %v", err)
	}

	if stats.TotalKeys != 3 || stats.ReferencedKeys != 2 || stats.OrphanedKeys != 1 || stats.TotalReferences != 3 {
		t.Fatalf("stats = %+v, want {3 2 1 3}", stats)
	}
}
