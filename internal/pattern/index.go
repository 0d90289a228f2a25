package pattern

import (
	"container/list"
	"math"
	"sort"
	"sync"
	"time"
)

// IndexConfig tunes the bounded in-memory pattern index.
type IndexConfig struct {
	MaxPatterns       int
	EvictionThreshold float64 // fraction of MaxPatterns that triggers eviction
	DedupEnabled      bool
	SweepInterval     time.Duration
}

// DefaultIndexConfig returns conservative defaults.
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{
		MaxPatterns:       10000,
		EvictionThreshold: 1.1,
		DedupEnabled:      true,
		SweepInterval:     time.Minute,
	}
}

type indexEntry struct {
	pattern      SharedPattern
	element      *list.Element // position in the LRU list
	insertedAt   time.Time
	lastAccess   time.Time
	accessCount  uint64
}

// Index is a bounded, in-memory content store with vector and attribute
// search, content-hash deduplication, and LRU eviction.
type Index struct {
	mu         sync.Mutex
	cfg        IndexConfig
	byID       map[string]*indexEntry
	byHash     map[string]string // content hash -> pattern id
	lru        *list.List        // front = most recently used
	stopSweep  chan struct{}
}

// NewIndex creates an empty index.
func NewIndex(cfg IndexConfig) *Index {
	return &Index{
		cfg:    cfg,
		byID:   make(map[string]*indexEntry),
		byHash: make(map[string]string),
		lru:    list.New(),
	}
}

// Add inserts a pattern. Returns added=false without error if dedup is
// enabled and an entry with the same content hash already exists; in that
// case the existing entry's access count is bumped instead.
func (idx *Index) Add(p SharedPattern, now time.Time) (bool, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if idx.cfg.DedupEnabled && p.Content.ContentHash != "" {
		if existingID, ok := idx.byHash[p.Content.ContentHash]; ok {
			entry := idx.byID[existingID]
			entry.accessCount++
			entry.lastAccess = now
			idx.lru.MoveToFront(entry.element)
			return false, nil
		}
	}

	entry := &indexEntry{pattern: p, insertedAt: now, lastAccess: now}
	entry.element = idx.lru.PushFront(p.ID)
	idx.byID[p.ID] = entry
	if p.Content.ContentHash != "" {
		idx.byHash[p.Content.ContentHash] = p.ID
	}

	idx.evictIfNeeded()
	return true, nil
}

// evictIfNeeded assumes the lock is held.
func (idx *Index) evictIfNeeded() {
	threshold := int(float64(idx.cfg.MaxPatterns) * idx.cfg.EvictionThreshold)
	if threshold <= 0 {
		threshold = idx.cfg.MaxPatterns
	}
	if len(idx.byID) <= threshold {
		return
	}
	for len(idx.byID) > idx.cfg.MaxPatterns {
		back := idx.lru.Back()
		if back == nil {
			return
		}
		id := back.Value.(string)
		idx.removeLocked(id)
	}
}

// Get retrieves a pattern by id and marks it recently used. Expired
// entries are lazily removed instead of returned.
func (idx *Index) Get(id string, now time.Time) (SharedPattern, bool) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	entry, ok := idx.byID[id]
	if !ok {
		return SharedPattern{}, false
	}
	if entry.pattern.ExpiresAt != nil && now.After(*entry.pattern.ExpiresAt) {
		idx.removeLocked(id)
		return SharedPattern{}, false
	}

	entry.accessCount++
	entry.lastAccess = now
	idx.lru.MoveToFront(entry.element)
	return entry.pattern, true
}

// Remove deletes a pattern from the index.
func (idx *Index) Remove(id string) bool {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	_, existed := idx.byID[id]
	if existed {
		idx.removeLocked(id)
	}
	return existed
}

func (idx *Index) removeLocked(id string) {
	entry, ok := idx.byID[id]
	if !ok {
		return
	}
	idx.lru.Remove(entry.element)
	delete(idx.byID, id)
	if entry.pattern.Content.ContentHash != "" {
		delete(idx.byHash, entry.pattern.Content.ContentHash)
	}
}

// Len returns the number of entries currently stored.
func (idx *Index) Len() int {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	return len(idx.byID)
}

// Sweep proactively removes entries past their expiry.
func (idx *Index) Sweep(now time.Time) int {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	var expired []string
	for id, entry := range idx.byID {
		if entry.pattern.ExpiresAt != nil && now.After(*entry.pattern.ExpiresAt) {
			expired = append(expired, id)
		}
	}
	for _, id := range expired {
		idx.removeLocked(id)
	}
	return len(expired)
}

// StartSweepLoop runs Sweep on cfg.SweepInterval until StopSweepLoop.
func (idx *Index) StartSweepLoop() {
	idx.mu.Lock()
	if idx.stopSweep != nil {
		idx.mu.Unlock()
		return
	}
	idx.stopSweep = make(chan struct{})
	stop := idx.stopSweep
	interval := idx.cfg.SweepInterval
	idx.mu.Unlock()

	if interval <= 0 {
		return
	}
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				idx.Sweep(time.Now())
			case <-stop:
				return
			}
		}
	}()
}

// StopSweepLoop halts the background sweep goroutine.
func (idx *Index) StopSweepLoop() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	if idx.stopSweep == nil {
		return
	}
	close(idx.stopSweep)
	idx.stopSweep = nil
}

// Query describes a search request against the index.
type Query struct {
	Embedding         []float32
	TextSubstring     string
	Category          Category
	Type              string
	Domain            string
	Tags              []string
	Language          string
	Framework         string
	MinQuality        float64
	MinSuccessRate    float64
	MinUsageCount     uint64
	MinSimilarity     float32
	Limit             int
	Offset            int
}

// Result pairs a matched pattern with its similarity score.
type Result struct {
	Pattern    SharedPattern
	Similarity float32
}

// coarseFilterThreshold is the corpus size above which a category/domain
// coarse filter runs before similarity ranking.
const coarseFilterThreshold = 2000

// Search runs nearest-neighbor, substring, and attribute filtering per q.
func (idx *Index) Search(q Query) []Result {
	idx.mu.Lock()
	candidates := make([]*indexEntry, 0, len(idx.byID))
	for _, entry := range idx.byID {
		candidates = append(candidates, entry)
	}
	coarse := len(candidates) > coarseFilterThreshold
	idx.mu.Unlock()

	matches := make([]Result, 0, len(candidates))
	for _, entry := range candidates {
		p := entry.pattern

		if coarse {
			if q.Category != "" && p.Category != q.Category {
				continue
			}
			if q.Domain != "" && p.Domain != q.Domain {
				continue
			}
		}

		if !matchesAttributes(p, q) {
			continue
		}

		var sim float32 = 1
		if len(q.Embedding) > 0 {
			sim = cosineSimilarity(q.Embedding, p.Embedding)
			if sim < q.MinSimilarity {
				continue
			}
		}

		matches = append(matches, Result{Pattern: p, Similarity: sim})
	}

	sort.Slice(matches, func(i, j int) bool {
		return matches[i].Similarity > matches[j].Similarity
	})

	return paginate(matches, q.Offset, q.Limit)
}

func matchesAttributes(p SharedPattern, q Query) bool {
	if q.Category != "" && p.Category != q.Category {
		return false
	}
	if q.Type != "" && p.Type != q.Type {
		return false
	}
	if q.Domain != "" && p.Domain != q.Domain {
		return false
	}
	if q.Language != "" && p.Content.Language != q.Language {
		return false
	}
	if q.Framework != "" && p.Content.Framework != q.Framework {
		return false
	}
	if q.MinQuality > 0 && p.Quality.AverageConfidence < q.MinQuality {
		return false
	}
	if q.MinSuccessRate > 0 && p.Quality.SuccessRate < q.MinSuccessRate {
		return false
	}
	if q.MinUsageCount > 0 && p.Quality.UsageCount < q.MinUsageCount {
		return false
	}
	if q.TextSubstring != "" && !containsFold(p.Content.Normalized, q.TextSubstring) && !containsFold(p.Content.Raw, q.TextSubstring) {
		return false
	}
	if len(q.Tags) > 0 && !hasAllTags(p.Metadata.Tags, q.Tags) {
		return false
	}
	return true
}

func hasAllTags(have, want []string) bool {
	set := make(map[string]bool, len(have))
	for _, t := range have {
		set[t] = true
	}
	for _, t := range want {
		if !set[t] {
			return false
		}
	}
	return true
}

func containsFold(haystack, needle string) bool {
	if needle == "" {
		return true
	}
	return indexFold(haystack, needle) >= 0
}

func indexFold(haystack, needle string) int {
	hl := []rune(toLower(haystack))
	nl := []rune(toLower(needle))
	if len(nl) == 0 || len(nl) > len(hl) {
		if len(nl) == 0 {
			return 0
		}
		return -1
	}
	for i := 0; i+len(nl) <= len(hl); i++ {
		match := true
		for j := range nl {
			if hl[i+j] != nl[j] {
				match = false
				break
			}
		}
		if match {
			return i
		}
	}
	return -1
}

func toLower(s string) string {
	out := []rune(s)
	for i, r := range out {
		if r >= 'A' && r <= 'Z' {
			out[i] = r + ('a' - 'A')
		}
	}
	return string(out)
}

func paginate(results []Result, offset, limit int) []Result {
	if offset < 0 {
		offset = 0
	}
	if offset >= len(results) {
		return []Result{}
	}
	end := len(results)
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}
	return results[offset:end]
}

// cosineSimilarity computes the cosine similarity between normalized f32
// vectors. Mismatched lengths yield 0.
func cosineSimilarity(a, b []float32) float32 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return float32(dot / (math.Sqrt(normA) * math.Sqrt(normB)))
}
