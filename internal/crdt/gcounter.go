package crdt

import (
	"sync"
	"time"

	"github.com/ruvnet/swarmlink/internal/vclock"
)

// GCounter is a grow-only counter: each replica tracks its own increments
// and the total is the sum across replicas. Merge takes the component-wise
// max, which makes it commutative, associative, and idempotent.
type GCounter struct {
	mu     sync.RWMutex
	meta   Meta
	counts map[string]uint64
}

// NewGCounter creates an empty counter owned by origin.
func NewGCounter(id, origin string, now time.Time) *GCounter {
	return &GCounter{
		meta:   NewMeta(id, TypeGCounter, origin, now),
		counts: make(map[string]uint64),
	}
}

func (g *GCounter) ID() string   { return g.meta.ID }
func (g *GCounter) Kind() Type   { return TypeGCounter }

// Increment adds delta to this replica's own contribution.
func (g *GCounter) Increment(replica string, delta uint64, now time.Time) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.counts[replica] += delta
	g.meta.Clock.Tick(replica)
	g.meta.touch(replica, now)
}

// Value returns the sum of all replica contributions.
func (g *GCounter) Value() interface{} {
	g.mu.RLock()
	defer g.mu.RUnlock()

	var total uint64
	for _, v := range g.counts {
		total += v
	}
	return total
}

// State returns a portable snapshot.
func (g *GCounter) State() State {
	g.mu.RLock()
	defer g.mu.RUnlock()

	counts := make(map[string]uint64, len(g.counts))
	for k, v := range g.counts {
		counts[k] = v
	}
	return State{
		ID:     g.meta.ID,
		Type:   TypeGCounter,
		Origin: g.meta.Origin,
		Clock:  g.meta.Clock.Snapshot(),
		Value:  counts,
		Meta:   g.meta,
	}
}

// Merge folds remote contributions into the local counter by taking the
// per-replica max, then unions the vector clocks.
func (g *GCounter) Merge(remote State) (MergeResult, error) {
	if remote.Type != TypeGCounter {
		return MergeResult{}, typeMismatch(remote.Type, TypeGCounter)
	}
	if remote.ID != g.meta.ID {
		return MergeResult{}, idMismatch(remote.ID, g.meta.ID)
	}

	remoteCounts, ok := remote.Value.(map[string]uint64)
	if !ok {
		return MergeResult{}, ErrCorruptState
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	changed := false
	for replica, value := range remoteCounts {
		if value > g.counts[replica] {
			g.counts[replica] = value
			changed = true
		}
	}

	g.meta.Clock.Merge(vclock.FromMap(remote.Clock))
	if changed {
		g.meta.touch(remote.Origin, time.Now())
	}

	return MergeResult{Success: true, LocalChanged: changed}, nil
}

// GenerateDelta emits a delta when the clock has moved since the last one.
// GCounter deltas carry the full counts map, one update per replica, since
// the wire format has no natural partial-update shape for grow-only sums.
func (g *GCounter) GenerateDelta(since *vclock.Clock) (*Delta, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	if !g.meta.ShouldEmitDelta() {
		return nil, false
	}

	ops := make([]Operation, 0, len(g.counts))
	for replica, value := range g.counts {
		ops = append(ops, Operation{Kind: OpUpdate, Key: replica, Value: value})
	}

	d := &Delta{
		CRDTID: g.meta.ID,
		Type:   TypeGCounter,
		Origin: g.meta.Origin,
		Clock:  g.meta.Clock.Snapshot(),
		Seq:    g.meta.seq,
		Ops:    ops,
	}
	g.meta.markDeltaSent()
	return d, true
}

// ApplyDelta applies update operations directly, taking the max per replica.
func (g *GCounter) ApplyDelta(delta *Delta) (bool, error) {
	if delta.Type != TypeGCounter {
		return false, typeMismatch(delta.Type, TypeGCounter)
	}
	if delta.CRDTID != g.meta.ID {
		return false, idMismatch(delta.CRDTID, g.meta.ID)
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	changed := false
	for _, op := range delta.Ops {
		if op.Kind != OpUpdate {
			return false, ErrCorruptState
		}
		value, ok := op.Value.(uint64)
		if !ok {
			if f, ok := op.Value.(float64); ok {
				value = uint64(f)
			} else {
				return false, ErrCorruptState
			}
		}
		if value > g.counts[op.Key] {
			g.counts[op.Key] = value
			changed = true
		}
	}

	g.meta.Clock.Merge(vclock.FromMap(delta.Clock))
	if changed {
		g.meta.touch(delta.Origin, time.Now())
	}
	return changed, nil
}

// GCTombstones is a no-op for GCounter, which never removes elements.
func (g *GCounter) GCTombstones(now time.Time) int { return 0 }

// Clone returns an independent deep copy.
func (g *GCounter) Clone() CRDT {
	g.mu.RLock()
	defer g.mu.RUnlock()

	clone := &GCounter{
		meta:   g.meta,
		counts: make(map[string]uint64, len(g.counts)),
	}
	clone.meta.Clock = g.meta.Clock.Clone()
	for k, v := range g.counts {
		clone.counts[k] = v
	}
	return clone
}

func (g *GCounter) MetaSnapshot() Meta {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return g.meta
}
