// Package sync periodically and on-demand reconciles pattern and CRDT state
// with each connected peer: batches candidates under a byte/count budget,
// applies the rate limit, and classifies transport failures as retryable
// or permanent so the coordination layer can decide whether to back off.
package sync

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/ruvnet/swarmlink/internal/crdt"
	"github.com/ruvnet/swarmlink/internal/pattern"
	"github.com/ruvnet/swarmlink/internal/perf"
)

// ErrPermanent wraps failures that must not be retried: auth denial, policy
// violation. ErrRetryable wraps transient network/timeout failures.
var (
	ErrPermanent = errors.New("sync: permanent failure")
	ErrRetryable = errors.New("sync: retryable failure")
)

// ClassifyError decides whether err should trigger backoff-and-retry or
// surface directly to the coordination manager.
func ClassifyError(err error) bool {
	return errors.Is(err, ErrRetryable) || !errors.Is(err, ErrPermanent)
}

// PatternSyncRequest carries the requester's per-replica vector clocks so
// the responder can omit anything already dominated.
type PatternSyncRequest struct {
	RequesterID   string
	VectorClocks  map[string]map[string]uint64
	Continuation  string
}

// PatternSyncResponse is the responder's reply: patterns the requester does
// not already dominate, paginated when large.
type PatternSyncResponse struct {
	Patterns          []pattern.SharedPattern
	HasMore           bool
	ContinuationToken string
}

// Transport is the peer-facing surface the orchestrator drives. A real
// implementation sends these over the signaling/data-channel transport.
type Transport interface {
	RequestPatternSync(ctx context.Context, peerID string, req PatternSyncRequest) (PatternSyncResponse, error)
	SendDeltaBatch(ctx context.Context, peerID string, deltas []*crdt.Delta) error
}

// Config tunes batching and rate limiting.
type Config struct {
	MaxBatchSize     int
	MaxBytesPerBatch int
	RateLimit        rate.Limit
	RateBurst        int
	Interval         time.Duration
}

// DefaultConfig returns conservative batching defaults.
func DefaultConfig() Config {
	return Config{
		MaxBatchSize:     50,
		MaxBytesPerBatch: 1 << 20,
		RateLimit:        rate.Limit(20),
		RateBurst:        40,
		Interval:         30 * time.Second,
	}
}

// Conflict records a merge conflict surfaced during a sync pass.
type Conflict struct {
	PatternID string
	Detail    string
}

// Result summarizes one sync pass against a single peer.
type Result struct {
	PeerID   string
	Synced   int
	Conflicts []Conflict
}

// Event is emitted at the start and end of a sync pass.
type Event struct {
	Kind   string
	PeerID string
	Result Result
	Err    error
}

// Orchestrator reconciles pattern and CRDT state with peers.
type Orchestrator struct {
	mu        sync.Mutex
	index     *pattern.Index
	store     *crdt.Store
	transport Transport
	cfg       Config
	limiter   *rate.Limiter
	logger    *zap.Logger
	listeners []func(Event)
	rng       *rand.Rand
}

// NewOrchestrator builds an orchestrator over the given pattern index and
// CRDT store, driving peer exchange through transport.
func NewOrchestrator(index *pattern.Index, store *crdt.Store, transport Transport, cfg Config, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		index:     index,
		store:     store,
		transport: transport,
		cfg:       cfg,
		limiter:   rate.NewLimiter(cfg.RateLimit, cfg.RateBurst),
		logger:    logger,
		rng:       rand.New(rand.NewSource(1)),
	}
}

// OnEvent registers a listener for sync start/complete/fail events.
func (o *Orchestrator) OnEvent(fn func(Event)) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.listeners = append(o.listeners, fn)
}

func (o *Orchestrator) emit(ev Event) {
	o.mu.Lock()
	listeners := append([]func(Event){}, o.listeners...)
	o.mu.Unlock()
	for _, l := range listeners {
		l(ev)
	}
}

// SyncPatterns reconciles local patterns with peerID, given the peer's
// declared vector clocks. It merges every pattern the peer returns; sharing
// policy is applied on the responder side, not here.
func (o *Orchestrator) SyncPatterns(ctx context.Context, peerID string, peerClocks map[string]map[string]uint64) (Result, error) {
	o.emit(Event{Kind: "SyncStarted", PeerID: peerID})

	req := PatternSyncRequest{RequesterID: peerID, VectorClocks: peerClocks}

	resp, err := o.transport.RequestPatternSync(ctx, peerID, req)
	if err != nil {
		wrapped := o.classify(err)
		o.emit(Event{Kind: "SyncFailed", PeerID: peerID, Err: wrapped})
		return Result{PeerID: peerID}, wrapped
	}

	result := Result{PeerID: peerID}
	for _, remote := range resp.Patterns {
		if err := o.waitLimiter(ctx); err != nil {
			return result, err
		}
		changed, conflict := o.mergePattern(remote)
		if changed {
			result.Synced++
		}
		if conflict != "" {
			result.Conflicts = append(result.Conflicts, Conflict{PatternID: remote.ID, Detail: conflict})
		}
	}

	for resp.HasMore {
		req.Continuation = resp.ContinuationToken
		resp, err = o.transport.RequestPatternSync(ctx, peerID, req)
		if err != nil {
			wrapped := o.classify(err)
			o.emit(Event{Kind: "SyncFailed", PeerID: peerID, Err: wrapped})
			return result, wrapped
		}
		for _, remote := range resp.Patterns {
			if err := o.waitLimiter(ctx); err != nil {
				return result, err
			}
			changed, conflict := o.mergePattern(remote)
			if changed {
				result.Synced++
			}
			if conflict != "" {
				result.Conflicts = append(result.Conflicts, Conflict{PatternID: remote.ID, Detail: conflict})
			}
		}
	}

	o.emit(Event{Kind: "SyncCompleted", PeerID: peerID, Result: result})
	return result, nil
}

// BatchCandidates filters the index's current contents by sharing policy
// for peerID and groups them into pages under cfg.MaxBatchSize /
// cfg.MaxBytesPerBatch, for a responder to serve one page per
// PatternSyncRequest.
func (o *Orchestrator) BatchCandidates(peerID string) [][]pattern.SharedPattern {
	candidates := o.index.Search(pattern.Query{Limit: 0})
	return o.batchCandidates(peerID, candidates)
}

// batchCandidates filters candidates by sharing policy for peerID and
// groups them into batches under MaxBatchSize / MaxBytesPerBatch.
func (o *Orchestrator) batchCandidates(peerID string, candidates []pattern.Result) [][]pattern.SharedPattern {
	var allowed []pattern.SharedPattern
	for _, r := range candidates {
		if r.Pattern.Sharing.AllowedFor(peerID) {
			allowed = append(allowed, r.Pattern)
		}
	}

	var batches [][]pattern.SharedPattern
	var current []pattern.SharedPattern
	currentBytes := 0
	for _, p := range allowed {
		approxSize := len(p.Content.Raw) + len(p.Embedding)*4
		if len(current) >= o.cfg.MaxBatchSize || (currentBytes+approxSize) > o.cfg.MaxBytesPerBatch {
			if len(current) > 0 {
				batches = append(batches, current)
			}
			current = nil
			currentBytes = 0
		}
		current = append(current, p)
		currentBytes += approxSize
	}
	if len(current) > 0 {
		batches = append(batches, current)
	}
	return batches
}

// PrepareOutbound applies each candidate's sharing policy (anonymization,
// differential privacy) and returns it ready to serialize onto the wire.
func (o *Orchestrator) PrepareOutbound(p pattern.SharedPattern) (pattern.SharedPattern, error) {
	out := p
	switch p.Sharing.PrivacyLevel {
	case pattern.PrivacyAnonymized:
		anonymized, _ := pattern.Anonymize(p.Content.Raw, pattern.AnonymizeConfig{
			ReplaceIdentifiers: true,
			ReplaceStrings:     true,
			ReplaceNumbers:     true,
			ReplacePaths:       true,
			RemoveComments:     true,
		})
		out.Content.Anonymized = anonymized
		out.Content.Raw = ""
	case pattern.PrivacyDifferential:
		if p.Sharing.DifferentialPrivacy && len(p.Embedding) > 0 {
			noised, err := pattern.ApplyDifferentialPrivacy(p.Embedding, p.Sharing.DPParams, o.rng)
			if err != nil {
				return out, fmt.Errorf("sync: apply differential privacy: %w", err)
			}
			out.Embedding = noised.Noised
		}
		out.Content.Raw = ""
	}
	return out, nil
}

func (o *Orchestrator) mergePattern(remote pattern.SharedPattern) (bool, string) {
	local, ok := o.index.Get(remote.ID, time.Now())
	if !ok {
		_, err := o.index.Add(remote, time.Now())
		return err == nil, ""
	}

	if remote.Version.Semver.Equal(local.Version.Semver) && remote.Quality.SuccessRate <= local.Quality.SuccessRate {
		return false, ""
	}
	o.index.Remove(local.ID)
	_, err := o.index.Add(remote, time.Now())
	if err != nil {
		return false, ""
	}
	return true, "pattern version superseded"
}

// SyncDeltas ships pending CRDT deltas from the store to peerID. Deltas are
// coalesced into batches of cfg.MaxBatchSize by a BatchDispatcher rather than
// sliced by hand, and each batch is rate limited the same way as pattern
// sync.
func (o *Orchestrator) SyncDeltas(ctx context.Context, peerID string) error {
	if o.store == nil {
		return nil
	}
	deltas := o.store.PendingDeltas()
	if len(deltas) == 0 {
		return nil
	}

	var sendErr error
	dispatcher := perf.NewBatchDispatcher(perf.BatchConfig{
		MaxBatchSize:  o.cfg.MaxBatchSize,
		FlushInterval: time.Hour, // only Close()'s synchronous flush matters here
	}, func(batch []*crdt.Delta) {
		if sendErr != nil {
			return
		}
		if err := o.waitLimiter(ctx); err != nil {
			sendErr = err
			return
		}
		if err := o.transport.SendDeltaBatch(ctx, peerID, batch); err != nil {
			sendErr = o.classify(err)
		}
	}, o.logger)

	for _, d := range deltas {
		dispatcher.Add(d)
	}
	dispatcher.Close()

	return sendErr
}

func (o *Orchestrator) waitLimiter(ctx context.Context) error {
	if o.limiter == nil {
		return nil
	}
	return o.limiter.Wait(ctx)
}

func (o *Orchestrator) classify(err error) error {
	if err == nil {
		return nil
	}
	var netErr interface{ Timeout() bool }
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrRetryable, err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrRetryable, err)
	}
	return fmt.Errorf("%w: %v", ErrPermanent, err)
}

// StartLoop runs SyncPatterns against peerID every cfg.Interval until the
// returned cancel function is called.
func (o *Orchestrator) StartLoop(ctx context.Context, peerID string, clockSource func() map[string]map[string]uint64) func() {
	loopCtx, cancel := context.WithCancel(ctx)
	go func() {
		ticker := time.NewTicker(o.cfg.Interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := o.SyncPatterns(loopCtx, peerID, clockSource()); err != nil && o.logger != nil {
					o.logger.Warn("periodic pattern sync failed", zap.String("peer", peerID), zap.Error(err))
				}
			case <-loopCtx.Done():
				return
			}
		}
	}()
	return cancel
}
