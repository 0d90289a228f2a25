package crdt

import (
	"testing"
	"time"
)

func TestLWWRegisterLaterTimestampWins(t *testing.T) {
	now := time.Now()
	r := NewLWWRegister("cfg", "r1", "v1", now)
	r.Set("r1", "v2", now.Add(time.Second))

	other := NewLWWRegister("cfg", "r2", "v1", now)
	if _, err := other.Merge(r.State()); err != nil {
		t.Fatalf("merge: %v", err)
	}
	if got := other.Value(); got != "v2" {
		t.Fatalf("expected v2, got %v", got)
	}
}

func TestLWWRegisterConcurrentTieBreak(t *testing.T) {
	now := time.Now()
	a := NewLWWRegister("cfg", "r1", "from-a", now)
	b := NewLWWRegister("cfg", "r2", "from-b", now)

	res, err := a.Merge(b.State())
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	if len(res.Conflicts) != 1 {
		t.Fatalf("expected a concurrent-write conflict to be recorded, got %d", len(res.Conflicts))
	}
}
