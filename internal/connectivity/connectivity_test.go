package connectivity

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/ruvnet/swarmlink/internal/nat"
)

type fakeChannel struct {
	rtts []time.Duration
	idx  int
	failEvery int
}

func (c *fakeChannel) Ping(ctx context.Context) (time.Duration, error) {
	defer func() { c.idx++ }()
	if c.failEvery > 0 && c.idx%c.failEvery == c.failEvery-1 {
		return 0, errors.New("timeout")
	}
	return c.rtts[c.idx%len(c.rtts)], nil
}

func TestRunPingsComputesStats(t *testing.T) {
	ch := &fakeChannel{rtts: []time.Duration{10 * time.Millisecond, 20 * time.Millisecond, 30 * time.Millisecond}}
	report := RunPings(context.Background(), ch, 3, time.Millisecond)

	if report.Succeeded != 3 {
		t.Fatalf("expected 3 successes, got %d", report.Succeeded)
	}
	if report.MinRTT != 10*time.Millisecond || report.MaxRTT != 30*time.Millisecond {
		t.Fatalf("unexpected min/max: %v/%v", report.MinRTT, report.MaxRTT)
	}
}

func TestRankCandidatesPrefersLowLatencyHost(t *testing.T) {
	candidates := []Candidate{
		{ID: "relay", Type: CandidateRelay, RTT: 200 * time.Millisecond},
		{ID: "host", Type: CandidateHost, RTT: 10 * time.Millisecond},
	}
	scores := RankCandidates(candidates)
	if !scores[0].Recommended || scores[0].Candidate.ID != "host" {
		t.Fatalf("expected host candidate to be recommended, got %s", scores[0].Candidate.ID)
	}
}

func TestRecommendDirectForOpenPeers(t *testing.T) {
	rec := Recommend(nat.ClassOpen, nat.ClassOpen, true)
	if rec.Strategy != StrategyDirect {
		t.Fatalf("expected direct, got %s", rec.Strategy)
	}
}

func TestRecommendAbortForSymmetricWithoutTURN(t *testing.T) {
	rec := Recommend(nat.ClassSymmetric, nat.ClassSymmetric, false)
	if rec.Strategy != StrategyAbort {
		t.Fatalf("expected abort, got %s", rec.Strategy)
	}
}
