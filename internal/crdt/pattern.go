package crdt

import (
	"sync"
	"time"

	"github.com/ruvnet/swarmlink/internal/vclock"
)

// SemVer is a minimal semantic version triple used to order pattern
// revisions. Comparison is purely numeric; pre-release tags are ignored.
type SemVer struct {
	Major, Minor, Patch uint32
}

// Less reports whether v is causally earlier than other.
func (v SemVer) Less(other SemVer) bool {
	if v.Major != other.Major {
		return v.Major < other.Major
	}
	if v.Minor != other.Minor {
		return v.Minor < other.Minor
	}
	return v.Patch < other.Patch
}

// Equal reports whether v and other carry the same triple.
func (v SemVer) Equal(other SemVer) bool {
	return v.Major == other.Major && v.Minor == other.Minor && v.Patch == other.Patch
}

// PatternPayload is the portable value a PatternCRDT carries. The
// coordination layer supplies the concrete pattern content; this package
// only needs the fields required to order and merge revisions.
type PatternPayload struct {
	PatternID    string
	Version      SemVer
	QualityScore float64
	Origin       string
	Content      interface{}
}

// PatternCRDT specializes merge for shared patterns: the causally later
// semantic version wins; on concurrent edits of the same pattern, the
// higher quality score wins, with a lexicographic tie-break on origin.
type PatternCRDT struct {
	mu      sync.RWMutex
	meta    Meta
	payload PatternPayload
}

// NewPatternCRDT creates a pattern CRDT seeded with an initial revision.
func NewPatternCRDT(id, origin string, payload PatternPayload, now time.Time) *PatternCRDT {
	p := &PatternCRDT{
		meta:    NewMeta(id, TypePattern, origin, now),
		payload: payload,
	}
	p.meta.Clock.Tick(origin)
	return p
}

func (p *PatternCRDT) ID() string { return p.meta.ID }
func (p *PatternCRDT) Kind() Type { return TypePattern }

// Update installs a new revision authored by replica.
func (p *PatternCRDT) Update(replica string, payload PatternPayload, now time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.meta.Clock.Tick(replica)
	p.payload = payload
	p.meta.touch(replica, now)
}

func (p *PatternCRDT) Value() interface{} {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.payload
}

func (p *PatternCRDT) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return State{
		ID:     p.meta.ID,
		Type:   TypePattern,
		Origin: p.meta.Origin,
		Clock:  p.meta.Clock.Snapshot(),
		Value:  p.payload,
		Meta:   p.meta,
	}
}

// patternWins decides whether remote should replace current.
func patternWins(currentClock, remoteClock *vclock.Clock, current, remote PatternPayload) (bool, bool) {
	order := vclock.Compare(currentClock, remoteClock)
	switch order {
	case vclock.Before:
		return true, false
	case vclock.After:
		return false, false
	}

	if !current.Version.Equal(remote.Version) {
		return current.Version.Less(remote.Version), true
	}
	if remote.QualityScore != current.QualityScore {
		return remote.QualityScore > current.QualityScore, true
	}
	return remote.Origin > current.Origin, true
}

// Merge resolves a remote revision against the local one.
func (p *PatternCRDT) Merge(remote State) (MergeResult, error) {
	if remote.Type != TypePattern {
		return MergeResult{}, typeMismatch(remote.Type, TypePattern)
	}
	if remote.ID != p.meta.ID {
		return MergeResult{}, idMismatch(remote.ID, p.meta.ID)
	}
	remotePayload, ok := remote.Value.(PatternPayload)
	if !ok {
		return MergeResult{}, ErrCorruptState
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	remoteClock := vclock.FromMap(remote.Clock)
	winRemote, wasConcurrent := patternWins(p.meta.Clock, remoteClock, p.payload, remotePayload)

	conflicts := []Conflict{}
	if wasConcurrent {
		res := ResolutionPreferLocal
		if winRemote {
			res = ResolutionPreferRemote
		}
		conflicts = append(conflicts, Conflict{
			ElementID:  p.meta.ID,
			Resolution: res,
			Detail:     "concurrent pattern edit resolved by version/quality/origin",
		})
	}

	changed := false
	if winRemote {
		p.payload = remotePayload
		changed = true
	}

	p.meta.Clock.Merge(remoteClock)
	if changed {
		p.meta.touch(remotePayload.Origin, time.Now())
	}

	return MergeResult{Success: true, LocalChanged: changed, Conflicts: conflicts}, nil
}

func (p *PatternCRDT) GenerateDelta(since *vclock.Clock) (*Delta, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if !p.meta.ShouldEmitDelta() {
		return nil, false
	}

	d := &Delta{
		CRDTID: p.meta.ID,
		Type:   TypePattern,
		Origin: p.meta.Origin,
		Clock:  p.meta.Clock.Snapshot(),
		Seq:    p.meta.seq,
		Ops: []Operation{{
			Kind:  OpSet,
			Key:   p.meta.ID,
			Value: p.payload,
		}},
	}
	p.meta.markDeltaSent()
	return d, true
}

func (p *PatternCRDT) ApplyDelta(delta *Delta) (bool, error) {
	if delta.Type != TypePattern {
		return false, typeMismatch(delta.Type, TypePattern)
	}
	if delta.CRDTID != p.meta.ID {
		return false, idMismatch(delta.CRDTID, p.meta.ID)
	}
	if len(delta.Ops) != 1 || delta.Ops[0].Kind != OpSet {
		return false, ErrCorruptState
	}
	remotePayload, ok := delta.Ops[0].Value.(PatternPayload)
	if !ok {
		return false, ErrCorruptState
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	remoteClock := vclock.FromMap(delta.Clock)
	winRemote, _ := patternWins(p.meta.Clock, remoteClock, p.payload, remotePayload)

	changed := false
	if winRemote {
		p.payload = remotePayload
		changed = true
	}
	p.meta.Clock.Merge(remoteClock)
	if changed {
		p.meta.touch(delta.Origin, time.Now())
	}
	return changed, nil
}

func (p *PatternCRDT) GCTombstones(now time.Time) int { return 0 }

func (p *PatternCRDT) Clone() CRDT {
	p.mu.RLock()
	defer p.mu.RUnlock()

	clone := &PatternCRDT{meta: p.meta, payload: p.payload}
	clone.meta.Clock = p.meta.Clock.Clone()
	return clone
}

func (p *PatternCRDT) MetaSnapshot() Meta {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.meta
}
