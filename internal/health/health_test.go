package health

import (
	"testing"
	"time"
)

func TestRecordPongComputesAvgAndLevel(t *testing.T) {
	m := NewMonitor("peer-1", nil, DefaultConfig(), nil)
	for _, rtt := range []time.Duration{10 * time.Millisecond, 12 * time.Millisecond, 11 * time.Millisecond} {
		m.RecordPingSent()
		m.RecordPong(rtt)
	}

	status := m.Tick()
	if status.Level != LevelHealthy {
		t.Fatalf("expected healthy, got %s (score %f)", status.Level, status.Score)
	}
	if status.AvgRTT <= 0 {
		t.Fatalf("expected positive avg rtt")
	}
}

func TestCriticalRTTDegradesScore(t *testing.T) {
	cfg := DefaultConfig()
	m := NewMonitor("peer-2", nil, cfg, nil)
	for i := 0; i < 5; i++ {
		m.RecordPingSent()
		m.RecordPong(500 * time.Millisecond)
	}

	status := m.Tick()
	if status.Level == LevelHealthy {
		t.Fatalf("expected degraded level for critical rtt, got %s", status.Level)
	}
	found := false
	for _, issue := range status.Issues {
		if issue == "critical_rtt" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected critical_rtt issue, got %v", status.Issues)
	}
}

func TestUnresponsiveForcesUnhealthy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Thresholds.MaxFailedPings = 2
	m := NewMonitor("peer-3", nil, cfg, nil)
	m.RecordPingSent()
	m.RecordPong(10 * time.Millisecond)
	m.RecordTimeout()
	status := m.RecordTimeoutAndTick()

	if status.Level != LevelUnhealthy {
		t.Fatalf("expected unhealthy after exceeding max failed pings, got %s", status.Level)
	}
}

func TestOnChangeFiresOnLevelTransition(t *testing.T) {
	cfg := DefaultConfig()
	m := NewMonitor("peer-4", nil, cfg, nil)

	var transitions []Level
	m.OnChange(func(s Status) { transitions = append(transitions, s.Level) })

	m.RecordPingSent()
	m.RecordPong(5 * time.Millisecond)

	for i := 0; i < 6; i++ {
		m.RecordPingSent()
		m.RecordPong(500 * time.Millisecond)
	}

	if len(transitions) == 0 {
		t.Fatalf("expected at least one level transition callback")
	}
}

// RecordTimeoutAndTick is a test-only helper combining the two calls used
// throughout this file to assert on the resulting status.
func (m *Monitor) RecordTimeoutAndTick() Status {
	m.RecordTimeout()
	return m.Tick()
}
