// Package crdt implements the conflict-free replicated data types used to
// converge shared state across peers: a grow-only counter, a last-writer-wins
// register, an add-wins observed-remove set, and a pattern-specific CRDT.
// Every type here is safe for concurrent use and merges deterministically
// regardless of delivery order.
package crdt

import (
	"errors"
	"fmt"
	"time"

	"github.com/ruvnet/swarmlink/internal/vclock"
)

// Type tags the kind of CRDT carried by a State or Delta.
type Type string

const (
	TypeGCounter Type = "g-counter"
	TypeLWWReg   Type = "lww-register"
	TypeORSet    Type = "or-set"
	TypePattern  Type = "pattern-crdt"
)

var (
	// ErrInvalidType is returned when merging CRDTs of mismatched type.
	ErrInvalidType = errors.New("crdt: invalid type")
	// ErrInvalidState is returned when merging CRDTs with mismatched identity.
	ErrInvalidState = errors.New("crdt: invalid state")
	// ErrCorruptState is returned for malformed deltas; the receiver drops
	// them without mutating local state.
	ErrCorruptState = errors.New("crdt: corrupt state")
)

// Resolution records how a merge conflict was resolved.
type Resolution string

const (
	ResolutionKeepBoth    Resolution = "keep_both"
	ResolutionPreferLocal Resolution = "prefer_local"
	ResolutionPreferRemote Resolution = "prefer_remote"
)

// Conflict describes one concurrent-edit decision made during a merge.
type Conflict struct {
	ElementID  string
	Resolution Resolution
	Detail     string
}

// MergeResult summarizes the outcome of folding remote state into local.
type MergeResult struct {
	Success      bool
	LocalChanged bool
	Conflicts    []Conflict
	Stats        MergeStats
}

// MergeStats carries counters useful for observability.
type MergeStats struct {
	ElementsAdded   int
	ElementsRemoved int
	TombstonesSeen  int
}

// OpKind enumerates the mutation verbs carried in a Delta.
type OpKind string

const (
	OpAdd    OpKind = "add"
	OpRemove OpKind = "remove"
	OpUpdate OpKind = "update"
	OpSet    OpKind = "set"
)

// Operation is one entry in a Delta's ordered operation list.
type Operation struct {
	Kind  OpKind
	Key   string
	Value interface{}
	Tag   string
	Tags  []string
}

// Delta is a causal update packet restartable from any point after the
// sender's last acknowledged clock.
type Delta struct {
	CRDTID    string
	Type      Type
	Origin    string
	Clock     map[string]uint64
	Seq       uint64
	Ops       []Operation
}

// Tombstone records a removed element pending garbage collection.
type Tombstone struct {
	ElementID string
	Tag       string
	DeletedBy string
	Clock     *vclock.Clock
	ExpiresAt time.Time
}

// Meta holds the identity and bookkeeping shared by every CRDT instance.
type Meta struct {
	ID           string
	Type         Type
	Origin       string
	Clock        *vclock.Clock
	CreatedAt    time.Time
	UpdatedAt    time.Time
	MergeCount   int
	LastModifier string
	Version      uint64

	seq            uint64
	lastDeltaClock *vclock.Clock
}

// NewMeta builds a fresh Meta for a CRDT created by origin replica id.
func NewMeta(id string, typ Type, origin string, now time.Time) Meta {
	return Meta{
		ID:             id,
		Type:           typ,
		Origin:         origin,
		Clock:          vclock.New(),
		CreatedAt:      now,
		UpdatedAt:      now,
		LastModifier:   origin,
		Version:        1,
		lastDeltaClock: vclock.New(),
	}
}

func (m *Meta) touch(modifier string, now time.Time) {
	m.UpdatedAt = now
	m.LastModifier = modifier
	m.Version++
	m.seq++
}

// ShouldEmitDelta reports whether the CRDT's clock has advanced since the
// last delta was generated, per the restartable-delta sequencing rule.
func (m *Meta) ShouldEmitDelta() bool {
	order := vclock.Compare(m.lastDeltaClock, m.Clock)
	return order == vclock.Before || order == vclock.Concurrent
}

func (m *Meta) markDeltaSent() {
	m.lastDeltaClock = m.Clock.Clone()
}

// CRDT is the common surface every replicated type implements.
type CRDT interface {
	ID() string
	Kind() Type
	Value() interface{}
	State() State
	Merge(remote State) (MergeResult, error)
	GenerateDelta(since *vclock.Clock) (*Delta, bool)
	ApplyDelta(delta *Delta) (bool, error)
	GCTombstones(now time.Time) int
	Clone() CRDT
	MetaSnapshot() Meta
}

// State is a portable snapshot of a CRDT, suitable for wire transfer and
// storage. Value's concrete type depends on Type.
type State struct {
	ID     string
	Type   Type
	Origin string
	Clock  map[string]uint64
	Value  interface{}
	Meta   Meta
}

func typeMismatch(got, want Type) error {
	return fmt.Errorf("%w: got %s want %s", ErrInvalidType, got, want)
}

func idMismatch(got, want string) error {
	return fmt.Errorf("%w: got %s want %s", ErrInvalidState, got, want)
}
