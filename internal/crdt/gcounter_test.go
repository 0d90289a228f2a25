package crdt

import (
	"testing"
	"time"
)

func TestGCounterMergeTakesMax(t *testing.T) {
	now := time.Now()
	a := NewGCounter("views", "r1", now)
	b := NewGCounter("views", "r2", now)

	a.Increment("r1", 5, now)
	b.Increment("r2", 3, now)

	if _, err := a.Merge(b.State()); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if got := a.Value().(uint64); got != 8 {
		t.Fatalf("expected 8, got %d", got)
	}
}

func TestGCounterMergeTypeMismatch(t *testing.T) {
	now := time.Now()
	a := NewGCounter("views", "r1", now)
	other := NewORSet("views", "r2", time.Hour, now)

	if _, err := a.Merge(other.State()); err == nil {
		t.Fatalf("expected type mismatch error")
	}
}
