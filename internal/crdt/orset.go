package crdt

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/ruvnet/swarmlink/internal/vclock"
)

// orElement is one (value, tag) pair live in the set.
type orElement struct {
	Value interface{}
	Tag   string
}

// ORSet is an observed-remove set with add-wins merge semantics. Every add
// mints a unique tag; remove tombstones every tag currently observed for a
// value. A tombstone is only honored by a remote merge if the remote clock
// dominates the local clock at the time of the tombstone; concurrent adds
// reinstate the element.
type ORSet struct {
	mu         sync.RWMutex
	meta       Meta
	elements   map[string]orElement   // tag -> element
	byValue    map[string][]string    // value key -> tags
	tombstones map[string]Tombstone   // tag -> tombstone
	tombstoneTTL time.Duration
}

// NewORSet creates an empty set owned by origin, with the given tombstone
// TTL used by GCTombstones.
func NewORSet(id, origin string, tombstoneTTL time.Duration, now time.Time) *ORSet {
	return &ORSet{
		meta:         NewMeta(id, TypeORSet, origin, now),
		elements:     make(map[string]orElement),
		byValue:      make(map[string][]string),
		tombstones:   make(map[string]Tombstone),
		tombstoneTTL: tombstoneTTL,
	}
}

func (s *ORSet) ID() string { return s.meta.ID }
func (s *ORSet) Kind() Type { return TypeORSet }

func valueKey(v interface{}) string {
	return fmt.Sprintf("%v", v)
}

func newTag(replica string, now time.Time) string {
	var buf [4]byte
	_, _ = rand.Read(buf[:])
	return fmt.Sprintf("%s-%d-%s", replica, now.UnixNano(), hex.EncodeToString(buf[:]))
}

// Add inserts value into the set under a fresh unique tag.
func (s *ORSet) Add(replica string, value interface{}, now time.Time) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	tag := newTag(replica, now)
	s.elements[tag] = orElement{Value: value, Tag: tag}
	key := valueKey(value)
	s.byValue[key] = append(s.byValue[key], tag)

	s.meta.Clock.Tick(replica)
	s.meta.touch(replica, now)
	return tag
}

// Remove tombstones every tag currently present for value.
func (s *ORSet) Remove(replica string, value interface{}, now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := valueKey(value)
	tags := s.byValue[key]
	if len(tags) == 0 {
		return 0
	}

	s.meta.Clock.Tick(replica)
	clockAtDeletion := s.meta.Clock.Clone()

	removed := 0
	for _, tag := range tags {
		if _, stillLive := s.elements[tag]; !stillLive {
			continue
		}
		delete(s.elements, tag)
		s.tombstones[tag] = Tombstone{
			ElementID: key,
			Tag:       tag,
			DeletedBy: replica,
			Clock:     clockAtDeletion,
			ExpiresAt: now.Add(s.tombstoneTTL),
		}
		removed++
	}
	delete(s.byValue, key)
	s.meta.touch(replica, now)
	return removed
}

// Values returns the set of distinct live values.
func (s *ORSet) Values() []interface{} {
	s.mu.RLock()
	defer s.mu.RUnlock()

	seen := make(map[string]bool, len(s.byValue))
	out := make([]interface{}, 0, len(s.byValue))
	for _, el := range s.elements {
		key := valueKey(el.Value)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, el.Value)
	}
	return out
}

func (s *ORSet) Value() interface{} { return s.Values() }

// orSetSnapshot is the wire-portable representation of the set's internals.
type orSetSnapshot struct {
	Elements   map[string]orElement
	Tombstones map[string]Tombstone
}

func (s *ORSet) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()

	elements := make(map[string]orElement, len(s.elements))
	for k, v := range s.elements {
		elements[k] = v
	}
	tombstones := make(map[string]Tombstone, len(s.tombstones))
	for k, v := range s.tombstones {
		tombstones[k] = v
	}

	return State{
		ID:     s.meta.ID,
		Type:   TypeORSet,
		Origin: s.meta.Origin,
		Clock:  s.meta.Clock.Snapshot(),
		Value:  orSetSnapshot{Elements: elements, Tombstones: tombstones},
		Meta:   s.meta,
	}
}

// Merge folds the remote snapshot using add-wins semantics: a remote
// tombstone is honored only if the remote clock dominates ours at the time
// we apply it; otherwise a concurrently-added local element survives.
func (s *ORSet) Merge(remote State) (MergeResult, error) {
	if remote.Type != TypeORSet {
		return MergeResult{}, typeMismatch(remote.Type, TypeORSet)
	}
	if remote.ID != s.meta.ID {
		return MergeResult{}, idMismatch(remote.ID, s.meta.ID)
	}
	snap, ok := remote.Value.(orSetSnapshot)
	if !ok {
		return MergeResult{}, ErrCorruptState
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	remoteClock := vclock.FromMap(remote.Clock)
	localClockBeforeMerge := s.meta.Clock.Clone()

	stats := MergeStats{}
	conflicts := []Conflict{}
	changed := false

	// Union remote live elements in.
	for tag, el := range snap.Elements {
		if _, exists := s.elements[tag]; exists {
			continue
		}
		if _, tombstoned := s.tombstones[tag]; tombstoned {
			// We deleted this tag locally; remote still thinks it's live.
			// Add-wins: if neither clock dominates (concurrent), reinstate.
			order := vclock.Compare(localClockBeforeMerge, remoteClock)
			if order == vclock.Concurrent {
				delete(s.tombstones, tag)
				s.elements[tag] = el
				key := valueKey(el.Value)
				s.byValue[key] = append(s.byValue[key], tag)
				changed = true
				stats.ElementsAdded++
				conflicts = append(conflicts, Conflict{
					ElementID:  key,
					Resolution: ResolutionKeepBoth,
					Detail:     "concurrent add observed after local tombstone, reinstated",
				})
			}
			continue
		}
		s.elements[tag] = el
		key := valueKey(el.Value)
		s.byValue[key] = append(s.byValue[key], tag)
		changed = true
		stats.ElementsAdded++
	}

	// Apply remote tombstones, but only if the remote clock dominates ours.
	order := vclock.Compare(localClockBeforeMerge, remoteClock)
	remoteDominates := order == vclock.Before
	for tag, tomb := range snap.Tombstones {
		stats.TombstonesSeen++
		if _, exists := s.tombstones[tag]; exists {
			continue
		}
		if _, stillLive := s.elements[tag]; !stillLive {
			s.tombstones[tag] = tomb
			continue
		}
		if remoteDominates {
			el := s.elements[tag]
			delete(s.elements, tag)
			key := valueKey(el.Value)
			s.byValue[key] = removeTag(s.byValue[key], tag)
			if len(s.byValue[key]) == 0 {
				delete(s.byValue, key)
			}
			s.tombstones[tag] = tomb
			changed = true
			stats.ElementsRemoved++
		}
	}

	s.meta.Clock.Merge(remoteClock)
	if changed {
		s.meta.touch(remote.Origin, time.Now())
	}

	return MergeResult{Success: true, LocalChanged: changed, Conflicts: conflicts, Stats: stats}, nil
}

func removeTag(tags []string, target string) []string {
	out := tags[:0]
	for _, t := range tags {
		if t != target {
			out = append(out, t)
		}
	}
	return out
}

// GenerateDelta emits add/remove operations for elements and tombstones not
// yet reflected in the last delta's clock.
func (s *ORSet) GenerateDelta(since *vclock.Clock) (*Delta, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.meta.ShouldEmitDelta() {
		return nil, false
	}

	ops := make([]Operation, 0, len(s.elements)+len(s.tombstones))
	for tag, el := range s.elements {
		ops = append(ops, Operation{Kind: OpAdd, Key: valueKey(el.Value), Value: el.Value, Tag: tag})
	}
	for tag, tomb := range s.tombstones {
		ops = append(ops, Operation{Kind: OpRemove, Key: tomb.ElementID, Tag: tag})
	}

	d := &Delta{
		CRDTID: s.meta.ID,
		Type:   TypeORSet,
		Origin: s.meta.Origin,
		Clock:  s.meta.Clock.Snapshot(),
		Seq:    s.meta.seq,
		Ops:    ops,
	}
	s.meta.markDeltaSent()
	return d, true
}

// ApplyDelta replays add/remove operations directly against local state.
func (s *ORSet) ApplyDelta(delta *Delta) (bool, error) {
	if delta.Type != TypeORSet {
		return false, typeMismatch(delta.Type, TypeORSet)
	}
	if delta.CRDTID != s.meta.ID {
		return false, idMismatch(delta.CRDTID, s.meta.ID)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	remoteClock := vclock.FromMap(delta.Clock)
	localBefore := s.meta.Clock.Clone()
	remoteDominates := vclock.Compare(localBefore, remoteClock) == vclock.Before

	changed := false
	for _, op := range delta.Ops {
		switch op.Kind {
		case OpAdd:
			if op.Tag == "" {
				return false, ErrCorruptState
			}
			if _, exists := s.elements[op.Tag]; exists {
				continue
			}
			if _, tombstoned := s.tombstones[op.Tag]; tombstoned {
				continue
			}
			s.elements[op.Tag] = orElement{Value: op.Value, Tag: op.Tag}
			key := valueKey(op.Value)
			s.byValue[key] = append(s.byValue[key], op.Tag)
			changed = true
		case OpRemove:
			if op.Tag == "" {
				return false, ErrCorruptState
			}
			if _, exists := s.tombstones[op.Tag]; exists {
				continue
			}
			if el, stillLive := s.elements[op.Tag]; stillLive && remoteDominates {
				delete(s.elements, op.Tag)
				key := valueKey(el.Value)
				s.byValue[key] = removeTag(s.byValue[key], op.Tag)
				if len(s.byValue[key]) == 0 {
					delete(s.byValue, key)
				}
				changed = true
			}
			s.tombstones[op.Tag] = Tombstone{
				ElementID: op.Key,
				Tag:       op.Tag,
				DeletedBy: delta.Origin,
				Clock:     remoteClock.Clone(),
				ExpiresAt: time.Now().Add(s.tombstoneTTL),
			}
		default:
			return false, ErrCorruptState
		}
	}

	s.meta.Clock.Merge(remoteClock)
	if changed {
		s.meta.touch(delta.Origin, time.Now())
	}
	return changed, nil
}

// GCTombstones removes tombstones whose expiry has passed.
func (s *ORSet) GCTombstones(now time.Time) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	collected := 0
	for tag, tomb := range s.tombstones {
		if now.After(tomb.ExpiresAt) {
			delete(s.tombstones, tag)
			collected++
		}
	}
	return collected
}

// Clone returns an independent deep copy.
func (s *ORSet) Clone() CRDT {
	s.mu.RLock()
	defer s.mu.RUnlock()

	clone := &ORSet{
		meta:         s.meta,
		elements:     make(map[string]orElement, len(s.elements)),
		byValue:      make(map[string][]string, len(s.byValue)),
		tombstones:   make(map[string]Tombstone, len(s.tombstones)),
		tombstoneTTL: s.tombstoneTTL,
	}
	clone.meta.Clock = s.meta.Clock.Clone()
	for k, v := range s.elements {
		clone.elements[k] = v
	}
	for k, v := range s.byValue {
		tags := make([]string, len(v))
		copy(tags, v)
		clone.byValue[k] = tags
	}
	for k, v := range s.tombstones {
		clone.tombstones[k] = v
	}
	return clone
}

func (s *ORSet) MetaSnapshot() Meta {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.meta
}
