package icl

import (
	"reflect"
	"testing"
)

func TestAddAllIsIdempotentUnion(t *testing.T) {
	t.Parallel()

	q := New()
	if added := q.AddAll("b", "a", "b", ""); added != 2 {
		t.Fatalf("expected 2 new names, got %d", added)
	}
	if added := q.AddAll("a", "c"); added != 1 {
		t.Fatalf("expected 1 new name, got %d", added)
	}
	if got := q.Names(); !reflect.DeepEqual(got, []string{"a", "b", "c"}) {
		t.Fatalf("unexpected names %v", got)
	}
	if !q.Contains("c") || q.Contains("z") {
		t.Fatalf("Contains mismatch")
	}
}

func TestSnapshotRestoreRollsBackAdditions(t *testing.T) {
	t.Parallel()

	q := New()
	q.AddAll("A")
	snap := q.Snapshot()

	q.AddAll("B", "C")
	if q.Len() != 3 {
		t.Fatalf("expected 3 queued, got %d", q.Len())
	}

	q.Restore(snap)
	if got := q.Names(); !reflect.DeepEqual(got, []string{"A"}) {
		t.Fatalf("expected rollback to [A], got %v", got)
	}
}

func TestSnapshotIsImmutable(t *testing.T) {
	t.Parallel()

	q := New()
	q.AddAll("A")
	snap := q.Snapshot()

	q.AddAll("B")
	q.Reset()

	if snap.Len() != 1 {
		t.Fatalf("snapshot changed with queue: %v", snap.Names())
	}
	names := snap.Names()
	names[0] = "mutated"
	if snap.Names()[0] != "A" {
		t.Fatalf("snapshot exposed its backing slice")
	}
}

func TestReset(t *testing.T) {
	t.Parallel()

	q := New()
	q.AddAll("A", "B")
	q.Reset()
	if q.Len() != 0 {
		t.Fatalf("expected empty queue after reset, got %v", q.Names())
	}
}
