// Package connectivity probes an established data channel and ranks
// candidate paths to recommend a connection strategy.
package connectivity

import (
	"context"
	"sort"
	"time"

	"github.com/ruvnet/swarmlink/internal/nat"
	"github.com/ruvnet/swarmlink/pkg/utils"
)

// Channel is a minimal ping-capable data channel.
type Channel interface {
	Ping(ctx context.Context) (time.Duration, error)
}

// PingReport summarizes a probe run.
type PingReport struct {
	Sent        int
	Succeeded   int
	AvgRTT      time.Duration
	MinRTT      time.Duration
	MaxRTT      time.Duration
	Jitter      time.Duration
	SuccessRate float64
}

// RunPings sends count application-level pings at interval and reports
// latency statistics.
func RunPings(ctx context.Context, ch Channel, count int, interval time.Duration) PingReport {
	samples := make([]time.Duration, 0, count)

	for i := 0; i < count; i++ {
		rtt, err := ch.Ping(ctx)
		if err == nil {
			samples = append(samples, rtt)
		}
		if i < count-1 {
			select {
			case <-time.After(interval):
			case <-ctx.Done():
				i = count
			}
		}
	}

	report := PingReport{Sent: count, Succeeded: len(samples)}
	if count > 0 {
		report.SuccessRate = float64(len(samples)) / float64(count)
	}
	if len(samples) == 0 {
		return report
	}

	report.MinRTT = samples[0]
	report.MaxRTT = samples[0]
	for _, s := range samples {
		if s < report.MinRTT {
			report.MinRTT = s
		}
		if s > report.MaxRTT {
			report.MaxRTT = s
		}
	}
	floatSamples := make([]float64, len(samples))
	for i, s := range samples {
		floatSamples[i] = float64(s)
	}
	report.AvgRTT = time.Duration(utils.CalculateMean(floatSamples))

	var madTotal time.Duration
	for _, s := range samples {
		diff := s - report.AvgRTT
		if diff < 0 {
			diff = -diff
		}
		madTotal += diff
	}
	report.Jitter = madTotal / time.Duration(len(samples))

	return report
}

// CandidateType is the ICE candidate type carried by path scoring.
type CandidateType string

const (
	CandidateHost   CandidateType = "host"
	CandidateSrflx  CandidateType = "srflx"
	CandidatePrflx  CandidateType = "prflx"
	CandidateRelay  CandidateType = "relay"
)

// Candidate is one path under consideration for ranking.
type Candidate struct {
	ID       string
	Type     CandidateType
	Protocol string // udp | tcp
	RTT      time.Duration
	NATHeavy bool
}

// Score is the computed ranking for a candidate.
type Score struct {
	Candidate   Candidate
	RTTScore    float64
	Reliability float64
	PathScore   float64
	Total       float64
	Recommended bool
}

func rttScore(rtt time.Duration) float64 {
	ms := float64(rtt.Milliseconds())
	return utils.ClampFloat64(100-(ms/1000*100), 0, 100)
}

func pathScore(t CandidateType) float64 {
	switch t {
	case CandidateHost:
		return 100
	case CandidateSrflx:
		return 80
	case CandidatePrflx:
		return 70
	case CandidateRelay:
		return 30
	default:
		return 0
	}
}

func reliabilityScore(c Candidate) float64 {
	score := 50.0
	if c.Protocol == "tcp" {
		score += 20
	}
	if c.Type == CandidateRelay {
		score += 20
	}
	if c.Type == CandidateHost && c.NATHeavy {
		score -= 20
	}
	return utils.ClampFloat64(score, 0, 100)
}

// RankCandidates scores and orders candidates, marking the top one
// recommended.
func RankCandidates(candidates []Candidate) []Score {
	scores := make([]Score, 0, len(candidates))
	for _, c := range candidates {
		rtt := rttScore(c.RTT)
		rel := reliabilityScore(c)
		path := pathScore(c.Type)
		total := 0.4*rtt + 0.3*rel + 0.3*path
		scores = append(scores, Score{Candidate: c, RTTScore: rtt, Reliability: rel, PathScore: path, Total: total})
	}

	sort.Slice(scores, func(i, j int) bool { return scores[i].Total > scores[j].Total })
	if len(scores) > 0 {
		scores[0].Recommended = true
	}
	return scores
}

// Strategy is the recommended connection approach.
type Strategy string

const (
	StrategyDirect Strategy = "direct"
	StrategyHybrid Strategy = "hybrid"
	StrategyTurn   Strategy = "turn"
	StrategyAbort  Strategy = "abort"
)

// Recommendation pairs a strategy with a human-readable rationale.
type Recommendation struct {
	Strategy  Strategy
	Rationale string
}

// successProbability is the NAT x NAT success-probability matrix used by
// Recommend. Values are direct-connection success likelihoods.
var successProbability = map[nat.Classification]map[nat.Classification]float64{
	nat.ClassOpen: {
		nat.ClassOpen: 0.99, nat.ClassFullCone: 0.95, nat.ClassRestrictedCone: 0.9,
		nat.ClassPortRestricted: 0.85, nat.ClassSymmetric: 0.5, nat.ClassUnknown: 0.5,
	},
	nat.ClassFullCone: {
		nat.ClassOpen: 0.95, nat.ClassFullCone: 0.9, nat.ClassRestrictedCone: 0.8,
		nat.ClassPortRestricted: 0.7, nat.ClassSymmetric: 0.3, nat.ClassUnknown: 0.4,
	},
	nat.ClassRestrictedCone: {
		nat.ClassOpen: 0.9, nat.ClassFullCone: 0.8, nat.ClassRestrictedCone: 0.65,
		nat.ClassPortRestricted: 0.5, nat.ClassSymmetric: 0.2, nat.ClassUnknown: 0.3,
	},
	nat.ClassPortRestricted: {
		nat.ClassOpen: 0.85, nat.ClassFullCone: 0.7, nat.ClassRestrictedCone: 0.5,
		nat.ClassPortRestricted: 0.35, nat.ClassSymmetric: 0.1, nat.ClassUnknown: 0.2,
	},
	nat.ClassSymmetric: {
		nat.ClassOpen: 0.5, nat.ClassFullCone: 0.3, nat.ClassRestrictedCone: 0.2,
		nat.ClassPortRestricted: 0.1, nat.ClassSymmetric: 0.02, nat.ClassUnknown: 0.1,
	},
	nat.ClassUnknown: {
		nat.ClassOpen: 0.5, nat.ClassFullCone: 0.4, nat.ClassRestrictedCone: 0.3,
		nat.ClassPortRestricted: 0.2, nat.ClassSymmetric: 0.1, nat.ClassUnknown: 0.2,
	},
}

// Recommend picks a connection strategy from local/remote NAT classes and
// TURN availability.
func Recommend(local, remote nat.Classification, turnAvailable bool) Recommendation {
	p := 0.2
	if row, ok := successProbability[local]; ok {
		if v, ok := row[remote]; ok {
			p = v
		}
	}

	switch {
	case p >= 0.7:
		return Recommendation{Strategy: StrategyDirect, Rationale: "high estimated direct-connection success probability"}
	case p >= 0.4:
		return Recommendation{Strategy: StrategyHybrid, Rationale: "moderate success probability, attempting direct with TURN fallback"}
	case turnAvailable:
		return Recommendation{Strategy: StrategyTurn, Rationale: "low direct success probability, relaying via TURN"}
	default:
		return Recommendation{Strategy: StrategyAbort, Rationale: "low direct success probability and no TURN relay available"}
	}
}
