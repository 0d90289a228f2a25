package crdt

import (
	"sync"
	"time"

	"github.com/ruvnet/swarmlink/internal/vclock"
)

// lwwPayload is the wire value carried by a LWWRegister.
type lwwPayload struct {
	Value     interface{}
	WriterAt  time.Time
	Writer    string
}

// LWWRegister is a last-writer-wins register: the causally later write
// wins; concurrent writes (neither clock dominates) are broken by wall-clock
// timestamp and then lexicographically by writer id; the final writer-id
// step is the same lexicographic origin tie-break the pattern CRDT uses.
type LWWRegister struct {
	mu      sync.RWMutex
	meta    Meta
	payload lwwPayload
}

// NewLWWRegister creates a register with an initial value.
func NewLWWRegister(id, origin string, value interface{}, now time.Time) *LWWRegister {
	r := &LWWRegister{
		meta: NewMeta(id, TypeLWWReg, origin, now),
		payload: lwwPayload{
			Value:    value,
			WriterAt: now,
			Writer:   origin,
		},
	}
	r.meta.Clock.Tick(origin)
	return r
}

func (r *LWWRegister) ID() string { return r.meta.ID }
func (r *LWWRegister) Kind() Type { return TypeLWWReg }

// Set performs a local write, advancing the replica's own clock component.
func (r *LWWRegister) Set(replica string, value interface{}, now time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.meta.Clock.Tick(replica)
	r.payload = lwwPayload{Value: value, WriterAt: now, Writer: replica}
	r.meta.touch(replica, now)
}

func (r *LWWRegister) Value() interface{} {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.payload.Value
}

func (r *LWWRegister) State() State {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return State{
		ID:     r.meta.ID,
		Type:   TypeLWWReg,
		Origin: r.meta.Origin,
		Clock:  r.meta.Clock.Snapshot(),
		Value:  r.payload,
		Meta:   r.meta,
	}
}

// wins reports whether candidate should replace current under LWW rules.
func wins(currentClock, remoteClock *vclock.Clock, currentAt, remoteAt time.Time, currentWriter, remoteWriter string) bool {
	switch vclock.Compare(currentClock, remoteClock) {
	case vclock.Before:
		return true
	case vclock.After:
		return false
	default:
		if remoteAt.After(currentAt) {
			return true
		}
		if remoteAt.Before(currentAt) {
			return false
		}
		return remoteWriter > currentWriter
	}
}

// Merge applies the LWW tie-break rule against the remote state.
func (r *LWWRegister) Merge(remote State) (MergeResult, error) {
	if remote.Type != TypeLWWReg {
		return MergeResult{}, typeMismatch(remote.Type, TypeLWWReg)
	}
	if remote.ID != r.meta.ID {
		return MergeResult{}, idMismatch(remote.ID, r.meta.ID)
	}
	remotePayload, ok := remote.Value.(lwwPayload)
	if !ok {
		return MergeResult{}, ErrCorruptState
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	remoteClock := vclock.FromMap(remote.Clock)
	changed := false
	conflicts := []Conflict{}

	remoteWins := wins(r.meta.Clock, remoteClock, r.payload.WriterAt, remotePayload.WriterAt, r.payload.Writer, remotePayload.Writer)

	order := vclock.Compare(r.meta.Clock, remoteClock)
	if order == vclock.Concurrent {
		res := ResolutionPreferLocal
		if remoteWins {
			res = ResolutionPreferRemote
		}
		conflicts = append(conflicts, Conflict{
			ElementID:  r.meta.ID,
			Resolution: res,
			Detail:     "concurrent write, resolved by timestamp/writer tie-break",
		})
	}

	if remoteWins {
		r.payload = remotePayload
		changed = true
	}

	r.meta.Clock.Merge(remoteClock)
	if changed {
		r.meta.touch(remotePayload.Writer, time.Now())
	}

	return MergeResult{Success: true, LocalChanged: changed, Conflicts: conflicts}, nil
}

func (r *LWWRegister) GenerateDelta(since *vclock.Clock) (*Delta, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !r.meta.ShouldEmitDelta() {
		return nil, false
	}

	d := &Delta{
		CRDTID: r.meta.ID,
		Type:   TypeLWWReg,
		Origin: r.meta.Origin,
		Clock:  r.meta.Clock.Snapshot(),
		Seq:    r.meta.seq,
		Ops: []Operation{{
			Kind:  OpSet,
			Key:   r.meta.ID,
			Value: r.payload,
		}},
	}
	r.meta.markDeltaSent()
	return d, true
}

func (r *LWWRegister) ApplyDelta(delta *Delta) (bool, error) {
	if delta.Type != TypeLWWReg {
		return false, typeMismatch(delta.Type, TypeLWWReg)
	}
	if delta.CRDTID != r.meta.ID {
		return false, idMismatch(delta.CRDTID, r.meta.ID)
	}
	if len(delta.Ops) != 1 || delta.Ops[0].Kind != OpSet {
		return false, ErrCorruptState
	}
	remotePayload, ok := delta.Ops[0].Value.(lwwPayload)
	if !ok {
		return false, ErrCorruptState
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	remoteClock := vclock.FromMap(delta.Clock)
	changed := false
	if wins(r.meta.Clock, remoteClock, r.payload.WriterAt, remotePayload.WriterAt, r.payload.Writer, remotePayload.Writer) {
		r.payload = remotePayload
		changed = true
	}
	r.meta.Clock.Merge(remoteClock)
	if changed {
		r.meta.touch(delta.Origin, time.Now())
	}
	return changed, nil
}

func (r *LWWRegister) GCTombstones(now time.Time) int { return 0 }

func (r *LWWRegister) Clone() CRDT {
	r.mu.RLock()
	defer r.mu.RUnlock()

	clone := &LWWRegister{meta: r.meta, payload: r.payload}
	clone.meta.Clock = r.meta.Clock.Clone()
	return clone
}

func (r *LWWRegister) MetaSnapshot() Meta {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.meta
}
