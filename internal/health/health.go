// Package health monitors per-peer link quality: latency, jitter, packet
// loss, and a composite score that drives a discrete health level.
package health

import (
	"math"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Level is the discrete health classification derived from Score.
type Level int

const (
	LevelHealthy Level = iota
	LevelWarning
	LevelCritical
	LevelUnhealthy
)

func (l Level) String() string {
	switch l {
	case LevelHealthy:
		return "healthy"
	case LevelWarning:
		return "warning"
	case LevelCritical:
		return "critical"
	case LevelUnhealthy:
		return "unhealthy"
	default:
		return "unknown"
	}
}

// levelFor maps a score in [0,100] to a Level per the documented thresholds.
func levelFor(score float64) Level {
	switch {
	case score > 70:
		return LevelHealthy
	case score > 40:
		return LevelWarning
	case score > 20:
		return LevelCritical
	default:
		return LevelUnhealthy
	}
}

// Thresholds configure what counts as a "critical" or "warning" RTT/loss
// reading when computing the score penalties.
type Thresholds struct {
	WarningRTT      time.Duration
	CriticalRTT     time.Duration
	WarningLossPct  float64
	CriticalLossPct float64
	HighJitter      time.Duration
	MaxFailedPings  int
}

// DefaultThresholds are reasonable defaults for a WAN peer-to-peer link.
func DefaultThresholds() Thresholds {
	return Thresholds{
		WarningRTT:      150 * time.Millisecond,
		CriticalRTT:     400 * time.Millisecond,
		WarningLossPct:  5,
		CriticalLossPct: 20,
		HighJitter:      100 * time.Millisecond,
		MaxFailedPings:  3,
	}
}

// Config tunes sampling behavior.
type Config struct {
	CheckInterval    time.Duration
	PingTimeout      time.Duration
	LatencySampleSize int
	Thresholds       Thresholds
}

// DefaultConfig returns conservative sampling defaults.
func DefaultConfig() Config {
	return Config{
		CheckInterval:     5 * time.Second,
		PingTimeout:       2 * time.Second,
		LatencySampleSize: 20,
		Thresholds:        DefaultThresholds(),
	}
}

// Status is the health snapshot produced on each tick and on every pong.
type Status struct {
	PeerID          string
	Level           Level
	Score           float64
	CurrentRTT      time.Duration
	AvgRTT          time.Duration
	Jitter          time.Duration
	PacketLossPct   float64
	Responsive      bool
	FailedPings     int
	PingsSent       int
	PongsReceived   int
	Issues          []string
	Recommendations []string
	At              time.Time
}

// Pinger sends an application-level ping to the peer and blocks until the
// matching pong arrives or timeout elapses.
type Pinger interface {
	Ping(peerID string, timeout time.Duration) (time.Duration, error)
}

// Monitor tracks one peer's link quality over time.
type Monitor struct {
	mu            sync.Mutex
	peerID        string
	cfg           Config
	pinger        Pinger
	logger        *zap.Logger
	samples       []time.Duration
	sampleHead    int
	pingsSent     int
	pongsReceived int
	failedPings   int
	lastRTT       time.Duration
	lastLevel     Level
	listeners     []func(Status)
	stop          chan struct{}
	stopped       bool
}

// NewMonitor creates a health monitor for peerID.
func NewMonitor(peerID string, pinger Pinger, cfg Config, logger *zap.Logger) *Monitor {
	return &Monitor{
		peerID:    peerID,
		cfg:       cfg,
		pinger:    pinger,
		logger:    logger,
		samples:   make([]time.Duration, 0, cfg.LatencySampleSize),
		lastLevel: LevelHealthy,
	}
}

// OnChange registers a callback invoked whenever the health level changes.
func (m *Monitor) OnChange(fn func(Status)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// RecordPong records a successful ping round trip, growing the ring buffer
// of latency samples up to LatencySampleSize.
func (m *Monitor) RecordPong(rtt time.Duration) {
	m.mu.Lock()
	m.pongsReceived++
	m.lastRTT = rtt
	if len(m.samples) < m.cfg.LatencySampleSize {
		m.samples = append(m.samples, rtt)
	} else {
		m.samples[m.sampleHead] = rtt
		m.sampleHead = (m.sampleHead + 1) % m.cfg.LatencySampleSize
	}
	m.mu.Unlock()

	m.evaluate()
}

// RecordPingSent marks that a ping was dispatched, for loss accounting.
func (m *Monitor) RecordPingSent() {
	m.mu.Lock()
	m.pingsSent++
	m.mu.Unlock()
}

// RecordTimeout marks a ping that was not acknowledged within PingTimeout.
func (m *Monitor) RecordTimeout() {
	m.mu.Lock()
	m.failedPings++
	m.mu.Unlock()
	m.evaluate()
}

// Tick runs one evaluation cycle; callers typically invoke this on
// CheckInterval from a ticker loop.
func (m *Monitor) Tick() Status {
	return m.evaluate()
}

func (m *Monitor) evaluate() Status {
	m.mu.Lock()
	avg := meanOf(m.samples)
	jitter := stddevOf(m.samples, avg)
	lossPct := 0.0
	if m.pingsSent > 0 {
		lossPct = float64(m.pingsSent-m.pongsReceived) / float64(m.pingsSent) * 100
	}
	responsive := m.failedPings < m.cfg.Thresholds.MaxFailedPings

	status := Status{
		PeerID:        m.peerID,
		CurrentRTT:    m.lastRTT,
		AvgRTT:        avg,
		Jitter:        jitter,
		PacketLossPct: lossPct,
		Responsive:    responsive,
		FailedPings:   m.failedPings,
		PingsSent:     m.pingsSent,
		PongsReceived: m.pongsReceived,
		At:            m.now(),
	}
	score, issues, recs := m.score(status)
	status.Score = score
	status.Issues = issues
	status.Recommendations = recs
	status.Level = levelFor(score)
	if !responsive {
		status.Level = LevelUnhealthy
	}

	prevLevel := m.lastLevel
	m.lastLevel = status.Level
	listeners := append([]func(Status){}, m.listeners...)
	m.mu.Unlock()

	if status.Level != prevLevel {
		for _, l := range listeners {
			l(status)
		}
	}
	return status
}

func (m *Monitor) now() time.Time {
	return timeNow()
}

// score computes the 100-start weighted-penalty score and returns the
// contributing issue/recommendation strings.
func (m *Monitor) score(s Status) (float64, []string, []string) {
	th := m.cfg.Thresholds
	score := 100.0
	var issues, recs []string

	switch {
	case s.AvgRTT >= th.CriticalRTT:
		score -= 40
		issues = append(issues, "critical_rtt")
		recs = append(recs, "consider TURN relay or hybrid connectivity")
	case s.AvgRTT >= th.WarningRTT:
		score -= 15
		issues = append(issues, "warning_rtt")
	}

	switch {
	case s.PacketLossPct >= th.CriticalLossPct:
		score -= 40
		issues = append(issues, "critical_loss")
		recs = append(recs, "escalate hole-punch level or fall back to TURN")
	case s.PacketLossPct >= th.WarningLossPct:
		score -= 20
		issues = append(issues, "warning_loss")
	}

	if !s.Responsive {
		score -= 50
		issues = append(issues, "no_response")
		recs = append(recs, "peer unresponsive, consider disconnect and reconnect")
	}

	if s.Jitter >= th.HighJitter {
		score -= 10
		issues = append(issues, "high_jitter")
	}

	if score < 0 {
		score = 0
	}
	return score, issues, recs
}

func meanOf(samples []time.Duration) time.Duration {
	if len(samples) == 0 {
		return 0
	}
	var sum time.Duration
	for _, s := range samples {
		sum += s
	}
	return sum / time.Duration(len(samples))
}

func stddevOf(samples []time.Duration, mean time.Duration) time.Duration {
	if len(samples) < 2 {
		return 0
	}
	var sumSq float64
	for _, s := range samples {
		d := float64(s - mean)
		sumSq += d * d
	}
	variance := sumSq / float64(len(samples))
	return time.Duration(math.Sqrt(variance))
}

// StartLoop runs Tick every CheckInterval until StopLoop is called.
func (m *Monitor) StartLoop() {
	m.mu.Lock()
	if m.stop != nil {
		m.mu.Unlock()
		return
	}
	stop := make(chan struct{})
	m.stop = stop
	interval := m.cfg.CheckInterval
	m.mu.Unlock()

	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.evaluate()
			case <-stop:
				return
			}
		}
	}()
}

// StopLoop halts the background evaluation loop started by StartLoop.
func (m *Monitor) StopLoop() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stop != nil && !m.stopped {
		close(m.stop)
		m.stopped = true
	}
}

// timeNow is a var so tests can deterministically stub it; production code
// never overrides it.
var timeNow = time.Now
