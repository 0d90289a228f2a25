package metrics

import (
	"testing"
	"time"

	dto "github.com/prometheus/client_model/go"
)

// testMetrics is shared by every test: NewMetrics registers with the default
// Prometheus registry, which accepts each metric name only once per process.
var testMetrics = NewMetrics()

func TestRecordSyncUpdatesCounterAndHistogram(t *testing.T) {
	m := testMetrics
	m.RecordSync("peer-1", "success", 50*time.Millisecond, 10)
	m.RecordSyncConflicts("peer-1", 2)

	var requestMetric dto.Metric
	if err := m.syncRequestsTotal.WithLabelValues("peer-1", "success").Write(&requestMetric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if requestMetric.GetCounter().GetValue() != 1 {
		t.Fatalf("expected 1 sync request recorded, got %f", requestMetric.GetCounter().GetValue())
	}

	var conflictMetric dto.Metric
	if err := m.syncConflictsTotal.WithLabelValues("peer-1").Write(&conflictMetric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if conflictMetric.GetCounter().GetValue() != 2 {
		t.Fatalf("expected 2 conflicts recorded, got %f", conflictMetric.GetCounter().GetValue())
	}
}

func TestUpdatePeerHealthSetsGauges(t *testing.T) {
	m := testMetrics
	m.UpdatePeerHealth("peer-2", 85, 20*time.Millisecond, 1.5)

	var scoreMetric dto.Metric
	if err := m.healthScore.WithLabelValues("peer-2").Write(&scoreMetric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if scoreMetric.GetGauge().GetValue() != 85 {
		t.Fatalf("expected health score 85, got %f", scoreMetric.GetGauge().GetValue())
	}
}

func TestUpdateTURNServerHealthSetsBooleanGauge(t *testing.T) {
	m := testMetrics
	m.UpdateTURNServerHealth("turn1.example.com", true, 30*time.Millisecond)

	var healthyMetric dto.Metric
	if err := m.turnServerHealthy.WithLabelValues("turn1.example.com").Write(&healthyMetric); err != nil {
		t.Fatalf("write metric: %v", err)
	}
	if healthyMetric.GetGauge().GetValue() != 1 {
		t.Fatalf("expected healthy gauge to be 1, got %f", healthyMetric.GetGauge().GetValue())
	}
}
