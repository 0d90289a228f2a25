package crdt

import (
	"testing"
	"time"
)

func TestORSetAddRemoveConverge(t *testing.T) {
	now := time.Now()
	a := NewORSet("peers", "r1", time.Hour, now)
	b := NewORSet("peers", "r2", time.Hour, now)

	a.Add("r1", "alice", now)
	b.Add("r2", "bob", now)

	resAB, err := a.Merge(b.State())
	if err != nil {
		t.Fatalf("merge a<-b: %v", err)
	}
	if !resAB.LocalChanged {
		t.Fatalf("expected a to change after merging b")
	}

	resBA, err := b.Merge(a.State())
	if err != nil {
		t.Fatalf("merge b<-a: %v", err)
	}
	if !resBA.LocalChanged {
		t.Fatalf("expected b to change after merging a")
	}

	av := valuesSet(a.Values())
	bv := valuesSet(b.Values())
	if len(av) != 2 || len(bv) != 2 {
		t.Fatalf("expected convergence to 2 elements, got a=%v b=%v", av, bv)
	}
}

func TestORSetConcurrentAddAfterRemoveWins(t *testing.T) {
	now := time.Now()
	a := NewORSet("peers", "r1", time.Hour, now)
	a.Add("r1", "alice", now)

	// b starts from a's state (already observed alice) then both replicas
	// act concurrently: a removes, b is unaware and merge happens without
	// b observing the removal first.
	b := NewORSet("peers", "r2", time.Hour, now)
	mr, err := b.Merge(a.State())
	if err != nil || !mr.Success {
		t.Fatalf("seed merge failed: %v", err)
	}

	a.Remove("r1", "alice", now.Add(time.Millisecond))
	// Simulate a concurrent add from b's perspective: b doesn't know about
	// a's removal, and "re-adds" independently, producing a genuinely
	// concurrent op pair.
	b.Add("r2", "alice", now.Add(time.Millisecond))

	result, err := a.Merge(b.State())
	if err != nil {
		t.Fatalf("merge: %v", err)
	}
	_ = result

	found := false
	for _, v := range a.Values() {
		if v == "alice" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected add-wins to reinstate alice after concurrent add/remove")
	}
}

func TestORSetGCTombstones(t *testing.T) {
	now := time.Now()
	s := NewORSet("peers", "r1", time.Millisecond, now)
	s.Add("r1", "alice", now)
	s.Remove("r1", "alice", now)

	collected := s.GCTombstones(now.Add(time.Hour))
	if collected != 1 {
		t.Fatalf("expected 1 tombstone collected, got %d", collected)
	}
}

func valuesSet(vals []interface{}) map[interface{}]struct{} {
	m := make(map[interface{}]struct{}, len(vals))
	for _, v := range vals {
		m[v] = struct{}{}
	}
	return m
}
