// Package metrics exposes Prometheus instrumentation for the coordination
// core's sync, health, hole-punch, and TURN subsystems.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds every counter, gauge, and histogram exported by a replica.
type Metrics struct {
	syncRequestsTotal   *prometheus.CounterVec
	syncConflictsTotal  *prometheus.CounterVec
	syncDuration        prometheus.Histogram
	syncBatchSize       prometheus.Histogram

	healthScore         *prometheus.GaugeVec
	healthRTT           *prometheus.GaugeVec
	healthPacketLossPct *prometheus.GaugeVec

	punchAttemptsTotal  *prometheus.CounterVec
	punchLevel          *prometheus.GaugeVec
	punchSuccessTotal   prometheus.Counter

	turnCredentialRefreshTotal *prometheus.CounterVec
	turnServerHealthy          *prometheus.GaugeVec
	turnLatency                *prometheus.GaugeVec

	patternIndexSize    prometheus.Gauge
	patternEvictions    prometheus.Counter
}

// NewMetrics registers and returns a Metrics instance. Register each
// instance exactly once per process; promauto panics on duplicate names.
func NewMetrics() *Metrics {
	return &Metrics{
		syncRequestsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmlink_sync_requests_total",
			Help: "Total number of pattern sync requests by peer and outcome.",
		}, []string{"peer", "outcome"}),

		syncConflictsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmlink_sync_conflicts_total",
			Help: "Total number of merge conflicts detected during sync.",
		}, []string{"peer"}),

		syncDuration: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "swarmlink_sync_duration_seconds",
			Help:    "Duration of a pattern sync pass with a single peer.",
			Buckets: prometheus.DefBuckets,
		}),

		syncBatchSize: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "swarmlink_sync_batch_size",
			Help:    "Number of patterns included in a single sync batch.",
			Buckets: []float64{1, 5, 10, 25, 50, 100, 250},
		}),

		healthScore: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "swarmlink_peer_health_score",
			Help: "Current composite health score (0-100) per peer.",
		}, []string{"peer"}),

		healthRTT: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "swarmlink_peer_rtt_seconds",
			Help: "Current average round-trip time per peer.",
		}, []string{"peer"}),

		healthPacketLossPct: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "swarmlink_peer_packet_loss_percent",
			Help: "Current ping packet loss percentage per peer.",
		}, []string{"peer"}),

		punchAttemptsTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmlink_punch_attempts_total",
			Help: "Total hole-punch attempts by escalation level and outcome.",
		}, []string{"level", "outcome"}),

		punchLevel: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "swarmlink_punch_current_level",
			Help: "Current escalation ladder level per peer (0=direct .. 5=turn_tls).",
		}, []string{"peer"}),

		punchSuccessTotal: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmlink_punch_success_total",
			Help: "Total successful peer connections established via hole punching.",
		}),

		turnCredentialRefreshTotal: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "swarmlink_turn_credential_refresh_total",
			Help: "Total TURN credential refreshes by server and outcome.",
		}, []string{"server", "outcome"}),

		turnServerHealthy: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "swarmlink_turn_server_healthy",
			Help: "1 if the TURN server is currently healthy, 0 otherwise.",
		}, []string{"server"}),

		turnLatency: promauto.NewGaugeVec(prometheus.GaugeOpts{
			Name: "swarmlink_turn_server_latency_seconds",
			Help: "Average measured latency to a TURN server.",
		}, []string{"server"}),

		patternIndexSize: promauto.NewGauge(prometheus.GaugeOpts{
			Name: "swarmlink_pattern_index_size",
			Help: "Current number of patterns held in the bounded index.",
		}),

		patternEvictions: promauto.NewCounter(prometheus.CounterOpts{
			Name: "swarmlink_pattern_evictions_total",
			Help: "Total patterns evicted from the bounded index.",
		}),
	}
}

func (m *Metrics) RecordSync(peer, outcome string, duration time.Duration, batchSize int) {
	m.syncRequestsTotal.WithLabelValues(peer, outcome).Inc()
	m.syncDuration.Observe(duration.Seconds())
	m.syncBatchSize.Observe(float64(batchSize))
}

func (m *Metrics) RecordSyncConflicts(peer string, count int) {
	m.syncConflictsTotal.WithLabelValues(peer).Add(float64(count))
}

func (m *Metrics) UpdatePeerHealth(peer string, score float64, rtt time.Duration, lossPct float64) {
	m.healthScore.WithLabelValues(peer).Set(score)
	m.healthRTT.WithLabelValues(peer).Set(rtt.Seconds())
	m.healthPacketLossPct.WithLabelValues(peer).Set(lossPct)
}

func (m *Metrics) RecordPunchAttempt(level, outcome string) {
	m.punchAttemptsTotal.WithLabelValues(level, outcome).Inc()
}

func (m *Metrics) RecordPunchSuccess() {
	m.punchSuccessTotal.Inc()
}

func (m *Metrics) UpdatePunchLevel(peer string, level int) {
	m.punchLevel.WithLabelValues(peer).Set(float64(level))
}

func (m *Metrics) RecordTURNCredentialRefresh(server, outcome string) {
	m.turnCredentialRefreshTotal.WithLabelValues(server, outcome).Inc()
}

func (m *Metrics) UpdateTURNServerHealth(server string, healthy bool, latency time.Duration) {
	value := 0.0
	if healthy {
		value = 1.0
	}
	m.turnServerHealthy.WithLabelValues(server).Set(value)
	m.turnLatency.WithLabelValues(server).Set(latency.Seconds())
}

func (m *Metrics) UpdatePatternIndexSize(size int) {
	m.patternIndexSize.Set(float64(size))
}

func (m *Metrics) RecordPatternEviction() {
	m.patternEvictions.Inc()
}

// GetRegistry returns the process-wide default Prometheus gatherer.
func (m *Metrics) GetRegistry() prometheus.Gatherer {
	return prometheus.DefaultGatherer
}
