package sync

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/ruvnet/swarmlink/internal/crdt"
	"github.com/ruvnet/swarmlink/internal/pattern"
)

type fakeTransport struct {
	response PatternSyncResponse
	err      error
	deltaBatches [][]*crdt.Delta
}

func (t *fakeTransport) RequestPatternSync(ctx context.Context, peerID string, req PatternSyncRequest) (PatternSyncResponse, error) {
	if t.err != nil {
		return PatternSyncResponse{}, t.err
	}
	return t.response, nil
}

func (t *fakeTransport) SendDeltaBatch(ctx context.Context, peerID string, deltas []*crdt.Delta) error {
	t.deltaBatches = append(t.deltaBatches, deltas)
	return nil
}

func samplePattern(id string) pattern.SharedPattern {
	return pattern.SharedPattern{
		ID:       id,
		Category: pattern.CategoryCode,
		Content:  pattern.Content{Raw: "func f() {}", ContentHash: "hash-" + id},
		Version:  pattern.Version{Semver: crdt.SemVer{Major: 1}},
		Sharing:  pattern.SharingPolicy{Visibility: pattern.VisibilityPublic},
		CreatedAt: time.Now(),
		UpdatedAt: time.Now(),
	}
}

func TestSyncPatternsMergesNewPatterns(t *testing.T) {
	idx := pattern.NewIndex(pattern.DefaultIndexConfig())
	store := crdt.NewStore("replica-1", nil)
	transport := &fakeTransport{response: PatternSyncResponse{Patterns: []pattern.SharedPattern{samplePattern("p1")}}}

	orch := NewOrchestrator(idx, store, transport, DefaultConfig(), nil)

	var events []Event
	orch.OnEvent(func(e Event) { events = append(events, e) })

	result, err := orch.SyncPatterns(context.Background(), "peer-1", nil)
	if err != nil {
		t.Fatalf("sync: %v", err)
	}
	if result.Synced != 1 {
		t.Fatalf("expected 1 synced pattern, got %d", result.Synced)
	}
	if _, ok := idx.Get("p1", time.Now()); !ok {
		t.Fatalf("expected pattern p1 to be indexed")
	}

	var sawStart, sawComplete bool
	for _, e := range events {
		if e.Kind == "SyncStarted" {
			sawStart = true
		}
		if e.Kind == "SyncCompleted" {
			sawComplete = true
		}
	}
	if !sawStart || !sawComplete {
		t.Fatalf("expected SyncStarted and SyncCompleted events, got %+v", events)
	}
}

func TestSyncPatternsClassifiesTimeoutAsRetryable(t *testing.T) {
	idx := pattern.NewIndex(pattern.DefaultIndexConfig())
	store := crdt.NewStore("replica-1", nil)
	transport := &fakeTransport{err: &net.DNSError{IsTimeout: true, Err: "timed out"}}

	orch := NewOrchestrator(idx, store, transport, DefaultConfig(), nil)
	_, err := orch.SyncPatterns(context.Background(), "peer-1", nil)
	if err == nil {
		t.Fatalf("expected error")
	}
	if !errors.Is(err, ErrRetryable) {
		t.Fatalf("expected retryable error, got %v", err)
	}
}

func TestSyncPatternsClassifiesOtherErrorsAsPermanent(t *testing.T) {
	idx := pattern.NewIndex(pattern.DefaultIndexConfig())
	store := crdt.NewStore("replica-1", nil)
	transport := &fakeTransport{err: errors.New("auth denied")}

	orch := NewOrchestrator(idx, store, transport, DefaultConfig(), nil)
	_, err := orch.SyncPatterns(context.Background(), "peer-1", nil)
	if !errors.Is(err, ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestSyncDeltasBatchesPendingDeltas(t *testing.T) {
	idx := pattern.NewIndex(pattern.DefaultIndexConfig())
	store := crdt.NewStore("replica-1", nil)
	counter := crdt.NewGCounter("ctr-1", "replica-1", time.Now())
	counter.Increment("replica-1", 5, time.Now())
	store.Put(counter)

	transport := &fakeTransport{}
	cfg := DefaultConfig()
	cfg.MaxBatchSize = 1
	orch := NewOrchestrator(idx, store, transport, cfg, nil)

	if err := orch.SyncDeltas(context.Background(), "peer-1"); err != nil {
		t.Fatalf("sync deltas: %v", err)
	}
	if len(transport.deltaBatches) == 0 {
		t.Fatalf("expected at least one delta batch sent")
	}
}

func TestBatchCandidatesRespectsSharingPolicy(t *testing.T) {
	idx := pattern.NewIndex(pattern.DefaultIndexConfig())
	store := crdt.NewStore("replica-1", nil)
	orch := NewOrchestrator(idx, store, &fakeTransport{}, DefaultConfig(), nil)

	p := samplePattern("private-1")
	p.Sharing = pattern.SharingPolicy{Visibility: pattern.VisibilityPrivate}
	idx.Add(p, time.Now())

	batches := orch.batchCandidates("peer-x", idx.Search(pattern.Query{}))
	for _, batch := range batches {
		for _, bp := range batch {
			if bp.ID == "private-1" {
				t.Fatalf("private pattern should not be included in outbound batch")
			}
		}
	}
}
