// Package perf holds the coordination core's hot-path optimizations: an LRU
// summary cache in front of the pattern index, a batched update dispatcher
// for high-frequency CRDT delta writes, and a general byte-buffer pool.
// Package pattern cannot use this pool, since perf imports pattern; its
// serializer keeps a pool of its own.
package perf

import (
	"bytes"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"go.uber.org/zap"

	"github.com/ruvnet/swarmlink/internal/pattern"
)

// SummaryCache is a fixed-capacity LRU cache of pattern summaries, used to
// avoid re-deriving a Summary (which strips raw content per the sharing
// policy) on every sync pass for a pattern that hasn't changed.
type SummaryCache struct {
	cache *lru.Cache[string, pattern.Summary]
}

// NewSummaryCache creates a cache holding at most capacity entries.
func NewSummaryCache(capacity int) (*SummaryCache, error) {
	c, err := lru.New[string, pattern.Summary](capacity)
	if err != nil {
		return nil, err
	}
	return &SummaryCache{cache: c}, nil
}

// Get returns a cached summary for patternID, if present.
func (s *SummaryCache) Get(patternID string) (pattern.Summary, bool) {
	return s.cache.Get(patternID)
}

// Put stores summary under patternID, evicting the least recently used
// entry if the cache is at capacity.
func (s *SummaryCache) Put(patternID string, summary pattern.Summary) {
	s.cache.Add(patternID, summary)
}

// Invalidate drops a cached summary, used when the underlying pattern is
// updated or removed from the index.
func (s *SummaryCache) Invalidate(patternID string) {
	s.cache.Remove(patternID)
}

// Len returns the number of entries currently cached.
func (s *SummaryCache) Len() int {
	return s.cache.Len()
}

// BatchConfig tunes the batched update dispatcher.
type BatchConfig struct {
	MaxBatchSize  int
	FlushInterval time.Duration
}

// DefaultBatchConfig returns conservative defaults.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{MaxBatchSize: 100, FlushInterval: 2 * time.Second}
}

// BatchDispatcher accumulates items and flushes them either when
// MaxBatchSize is reached or FlushInterval elapses, whichever comes first.
// Used to coalesce high-frequency CRDT delta writes before they're handed
// to a sync orchestrator or storage backend.
type BatchDispatcher[T any] struct {
	mu      sync.Mutex
	cfg     BatchConfig
	pending []T
	flush   func([]T)
	logger  *zap.Logger
	stop    chan struct{}
	stopped bool
}

// NewBatchDispatcher creates a dispatcher that calls flush with each batch.
func NewBatchDispatcher[T any](cfg BatchConfig, flush func([]T), logger *zap.Logger) *BatchDispatcher[T] {
	d := &BatchDispatcher[T]{
		cfg:    cfg,
		flush:  flush,
		logger: logger,
		stop:   make(chan struct{}),
	}
	go d.flushLoop()
	return d
}

// Add appends item to the pending batch, flushing immediately if the batch
// has reached MaxBatchSize.
func (d *BatchDispatcher[T]) Add(item T) {
	d.mu.Lock()
	d.pending = append(d.pending, item)
	full := len(d.pending) >= d.cfg.MaxBatchSize
	var batch []T
	if full {
		batch = d.pending
		d.pending = nil
	}
	d.mu.Unlock()

	if full {
		d.dispatch(batch)
	}
}

func (d *BatchDispatcher[T]) flushLoop() {
	ticker := time.NewTicker(d.cfg.FlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			d.mu.Lock()
			batch := d.pending
			d.pending = nil
			d.mu.Unlock()
			if len(batch) > 0 {
				d.dispatch(batch)
			}
		case <-d.stop:
			return
		}
	}
}

func (d *BatchDispatcher[T]) dispatch(batch []T) {
	if d.logger != nil {
		d.logger.Debug("flushing batch", zap.Int("size", len(batch)))
	}
	d.flush(batch)
}

// Close stops the background flush loop, flushing any remaining items
// synchronously first.
func (d *BatchDispatcher[T]) Close() {
	d.mu.Lock()
	if d.stopped {
		d.mu.Unlock()
		return
	}
	d.stopped = true
	batch := d.pending
	d.pending = nil
	d.mu.Unlock()

	close(d.stop)
	if len(batch) > 0 {
		d.dispatch(batch)
	}
}

// bufferPool recycles byte buffers handed out by GetBuffer, avoiding a fresh
// allocation per use under sustained load.
var bufferPool = sync.Pool{
	New: func() interface{} { return new(bytes.Buffer) },
}

// GetBuffer returns a reset buffer from the pool.
func GetBuffer() *bytes.Buffer {
	buf := bufferPool.Get().(*bytes.Buffer)
	buf.Reset()
	return buf
}

// PutBuffer returns buf to the pool for reuse.
func PutBuffer(buf *bytes.Buffer) {
	bufferPool.Put(buf)
}
