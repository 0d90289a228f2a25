package main

import (
	"context"
	"strconv"

	"go.uber.org/zap"

	"github.com/ruvnet/swarmlink/internal/pattern"
	"github.com/ruvnet/swarmlink/internal/perf"
	syncpkg "github.com/ruvnet/swarmlink/internal/sync"
)

// syncResolver answers inbound PatternSyncRequests against the local
// pattern index, respecting each pattern's sharing policy and caching the
// summary derived for each advertised pattern.
type syncResolver struct {
	index   *pattern.Index
	cache   *perf.SummaryCache
	prepper *syncpkg.Orchestrator
	logger  *zap.Logger
}

func newSyncResolver(index *pattern.Index, cache *perf.SummaryCache, logger *zap.Logger) *syncResolver {
	return &syncResolver{
		index:   index,
		cache:   cache,
		prepper: syncpkg.NewOrchestrator(index, nil, nil, syncpkg.DefaultConfig(), logger),
		logger:  logger,
	}
}

// Resolve implements the responder's resolve callback: it filters the local
// index by the requester's sharing entitlement, pages the result under the
// orchestrator's configured batch-size/byte budget, and applies each
// pattern's privacy policy.
func (r *syncResolver) Resolve(ctx context.Context, req syncpkg.PatternSyncRequest) (syncpkg.PatternSyncResponse, error) {
	batchIndex := 0
	if req.Continuation != "" {
		if parsed, err := strconv.Atoi(req.Continuation); err == nil && parsed > 0 {
			batchIndex = parsed
		}
	}

	batches := r.prepper.BatchCandidates(req.RequesterID)
	if batchIndex >= len(batches) {
		return syncpkg.PatternSyncResponse{}, nil
	}

	page := make([]pattern.SharedPattern, 0, len(batches[batchIndex]))
	for _, p := range batches[batchIndex] {
		if _, cached := r.cache.Get(p.ID); !cached {
			r.cache.Put(p.ID, p.ToSummary(p.Sharing.PrivacyLevel == pattern.PrivacyNone))
		}

		prepared, err := r.prepper.PrepareOutbound(p)
		if err != nil {
			if r.logger != nil {
				r.logger.Warn("prepare outbound pattern failed", zap.String("pattern_id", p.ID), zap.Error(err))
			}
			continue
		}
		page = append(page, prepared)
	}

	resp := syncpkg.PatternSyncResponse{Patterns: page}
	if batchIndex+1 < len(batches) {
		resp.HasMore = true
		resp.ContinuationToken = strconv.Itoa(batchIndex + 1)
	}
	return resp, nil
}
