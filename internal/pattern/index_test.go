package pattern

import (
	"testing"
	"time"
)

func patternWithHash(id, hash string, embedding []float32) SharedPattern {
	return SharedPattern{
		ID:        id,
		Category:  CategoryCode,
		Domain:    "billing",
		Content:   Content{ContentHash: hash},
		Embedding: embedding,
	}
}

func TestIndexDedupByContentHash(t *testing.T) {
	idx := NewIndex(DefaultIndexConfig())
	now := time.Now()

	added, _ := idx.Add(patternWithHash("p1", "hash-a", nil), now)
	if !added {
		t.Fatalf("expected first add to succeed")
	}
	added, _ = idx.Add(patternWithHash("p2", "hash-a", nil), now)
	if added {
		t.Fatalf("expected duplicate content hash to be rejected")
	}
	if idx.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", idx.Len())
	}
}

func TestIndexEvictsLRUAboveMaxPatterns(t *testing.T) {
	cfg := IndexConfig{MaxPatterns: 2, EvictionThreshold: 1.0, DedupEnabled: false}
	idx := NewIndex(cfg)
	now := time.Now()

	idx.Add(patternWithHash("p1", "", nil), now)
	idx.Add(patternWithHash("p2", "", nil), now)
	idx.Add(patternWithHash("p3", "", nil), now)

	if idx.Len() > cfg.MaxPatterns {
		t.Fatalf("expected index bounded at %d, got %d", cfg.MaxPatterns, idx.Len())
	}
	if _, ok := idx.Get("p1", now); ok {
		t.Fatalf("expected oldest entry p1 to have been evicted")
	}
}

func TestIndexSearchCosineSimilarity(t *testing.T) {
	idx := NewIndex(DefaultIndexConfig())
	now := time.Now()

	idx.Add(patternWithHash("close", "h1", []float32{1, 0}), now)
	idx.Add(patternWithHash("far", "h2", []float32{0, 1}), now)

	results := idx.Search(Query{Embedding: []float32{1, 0}, Limit: 10})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if results[0].Pattern.ID != "close" {
		t.Fatalf("expected closest match first, got %s", results[0].Pattern.ID)
	}
}

func TestIndexSweepRemovesExpired(t *testing.T) {
	idx := NewIndex(DefaultIndexConfig())
	now := time.Now()
	past := now.Add(-time.Hour)

	p := patternWithHash("expired", "h1", nil)
	p.ExpiresAt = &past
	idx.Add(p, now)

	collected := idx.Sweep(now)
	if collected != 1 {
		t.Fatalf("expected 1 expired entry collected, got %d", collected)
	}
	if idx.Len() != 0 {
		t.Fatalf("expected index empty after sweep")
	}
}
