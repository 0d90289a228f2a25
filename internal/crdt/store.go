package crdt

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Store owns the set of CRDTs live on a replica. It is the exclusive access
// point the coordination manager uses to read, mutate, and garbage collect
// replicated state; nothing else is meant to touch a CRDT directly.
type Store struct {
	mu       sync.RWMutex
	replicaID string
	crdts    map[string]CRDT
	logger   *zap.Logger
	gcTicker *time.Ticker
	stopGC   chan struct{}
}

// NewStore creates an empty store for replicaID.
func NewStore(replicaID string, logger *zap.Logger) *Store {
	return &Store{
		replicaID: replicaID,
		crdts:     make(map[string]CRDT),
		logger:    logger,
	}
}

// Put registers a CRDT under its own id, replacing any existing entry.
func (s *Store) Put(c CRDT) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.crdts[c.ID()] = c
}

// Get returns the CRDT registered under id, if any.
func (s *Store) Get(id string) (CRDT, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	c, ok := s.crdts[id]
	return c, ok
}

// Delete drops a CRDT from the store entirely (not a tombstone operation;
// used when a CRDT's owning object is permanently retired).
func (s *Store) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.crdts, id)
}

// IDs returns all registered CRDT ids.
func (s *Store) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	ids := make([]string, 0, len(s.crdts))
	for id := range s.crdts {
		ids = append(ids, id)
	}
	return ids
}

// MergeRemote merges an incoming State into the matching local CRDT.
func (s *Store) MergeRemote(remote State) (MergeResult, error) {
	s.mu.RLock()
	c, ok := s.crdts[remote.ID]
	s.mu.RUnlock()

	if !ok {
		return MergeResult{}, fmt.Errorf("%w: unknown crdt id %s", ErrInvalidState, remote.ID)
	}
	return c.Merge(remote)
}

// ApplyRemoteDelta applies an incoming Delta to the matching local CRDT.
func (s *Store) ApplyRemoteDelta(delta *Delta) (bool, error) {
	s.mu.RLock()
	c, ok := s.crdts[delta.CRDTID]
	s.mu.RUnlock()

	if !ok {
		return false, fmt.Errorf("%w: unknown crdt id %s", ErrInvalidState, delta.CRDTID)
	}
	return c.ApplyDelta(delta)
}

// PendingDeltas returns a Delta for every registered CRDT whose clock has
// advanced since the last delta was generated.
func (s *Store) PendingDeltas() []*Delta {
	s.mu.RLock()
	defer s.mu.RUnlock()

	deltas := make([]*Delta, 0, len(s.crdts))
	for _, c := range s.crdts {
		if d, ok := c.GenerateDelta(nil); ok {
			deltas = append(deltas, d)
		}
	}
	return deltas
}

// GCAll runs tombstone collection across every registered CRDT and returns
// the total collected count.
func (s *Store) GCAll(now time.Time) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	total := 0
	for _, c := range s.crdts {
		total += c.GCTombstones(now)
	}
	return total
}

// StartGCLoop runs GCAll on interval until StopGCLoop is called.
func (s *Store) StartGCLoop(interval time.Duration) {
	s.mu.Lock()
	if s.gcTicker != nil {
		s.mu.Unlock()
		return
	}
	s.gcTicker = time.NewTicker(interval)
	s.stopGC = make(chan struct{})
	ticker := s.gcTicker
	stop := s.stopGC
	s.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				collected := s.GCAll(time.Now())
				if collected > 0 && s.logger != nil {
					s.logger.Debug("tombstone gc pass", zap.Int("collected", collected))
				}
			case <-stop:
				return
			}
		}
	}()
}

// StopGCLoop halts the background GC loop started by StartGCLoop.
func (s *Store) StopGCLoop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.gcTicker == nil {
		return
	}
	s.gcTicker.Stop()
	close(s.stopGC)
	s.gcTicker = nil
}
