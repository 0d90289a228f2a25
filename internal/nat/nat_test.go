package nat

import (
	"context"
	"testing"
	"time"
)

type fakeProber struct {
	responses map[string][2]interface{} // server addr -> [mappedAddr, mappedPort]

	// filtering controls ProbeFiltering's answer for (changeIP, changePort).
	// Defaults (zero value) mean "no response" for every combination, i.e.
	// Port Restricted Cone.
	filtering map[[2]bool]bool
}

func (f *fakeProber) Bind(ctx context.Context, server StunServer, localPort int) (string, int, error) {
	r := f.responses[server.Addr]
	return r[0].(string), r[1].(int), nil
}

func (f *fakeProber) ProbeFiltering(ctx context.Context, server StunServer, localPort int, changeIP, changePort bool) (bool, error) {
	return f.filtering[[2]bool{changeIP, changePort}], nil
}

func TestClassifyOpenWhenMappedEqualsLocal(t *testing.T) {
	prober := &fakeProber{responses: map[string][2]interface{}{
		"stun1": {"203.0.113.5", 5000},
		"stun2": {"203.0.113.5", 5000},
	}}
	d := NewDetector(prober, DetectorConfig{}, nil)

	result, err := d.Classify(context.Background(), "203.0.113.5", 5000, []StunServer{{Addr: "stun1"}, {Addr: "stun2"}})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if result.Classification != ClassOpen {
		t.Fatalf("expected Open, got %s", result.Classification)
	}
}

func TestClassifySymmetricWhenPortsDiffer(t *testing.T) {
	prober := &fakeProber{responses: map[string][2]interface{}{
		"stun1": {"198.51.100.2", 6000},
		"stun2": {"198.51.100.2", 6001},
	}}
	d := NewDetector(prober, DetectorConfig{}, nil)

	result, err := d.Classify(context.Background(), "10.0.0.5", 5000, []StunServer{{Addr: "stun1"}, {Addr: "stun2"}})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if result.Classification != ClassSymmetric {
		t.Fatalf("expected Symmetric, got %s", result.Classification)
	}
}

func TestClassifyFullConeWhenChangedEndpointResponds(t *testing.T) {
	prober := &fakeProber{
		responses: map[string][2]interface{}{
			"stun1": {"198.51.100.2", 6000},
			"stun2": {"198.51.100.2", 6000},
		},
		filtering: map[[2]bool]bool{{true, true}: true},
	}
	d := NewDetector(prober, DetectorConfig{}, nil)

	result, err := d.Classify(context.Background(), "10.0.0.5", 5000, []StunServer{{Addr: "stun1"}, {Addr: "stun2"}})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if result.Classification != ClassFullCone {
		t.Fatalf("expected FullCone, got %s", result.Classification)
	}
}

func TestClassifyRestrictedConeWhenOnlyPortChangeResponds(t *testing.T) {
	prober := &fakeProber{
		responses: map[string][2]interface{}{
			"stun1": {"198.51.100.2", 6000},
			"stun2": {"198.51.100.2", 6000},
		},
		filtering: map[[2]bool]bool{{false, true}: true},
	}
	d := NewDetector(prober, DetectorConfig{}, nil)

	result, err := d.Classify(context.Background(), "10.0.0.5", 5000, []StunServer{{Addr: "stun1"}, {Addr: "stun2"}})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if result.Classification != ClassRestrictedCone {
		t.Fatalf("expected RestrictedCone, got %s", result.Classification)
	}
}

func TestClassifyPortRestrictedWhenNoChangedEndpointResponds(t *testing.T) {
	prober := &fakeProber{
		responses: map[string][2]interface{}{
			"stun1": {"198.51.100.2", 6000},
			"stun2": {"198.51.100.2", 6000},
		},
	}
	d := NewDetector(prober, DetectorConfig{}, nil)

	result, err := d.Classify(context.Background(), "10.0.0.5", 5000, []StunServer{{Addr: "stun1"}, {Addr: "stun2"}})
	if err != nil {
		t.Fatalf("classify: %v", err)
	}
	if result.Classification != ClassPortRestricted {
		t.Fatalf("expected PortRestricted, got %s", result.Classification)
	}
}

func TestClassifyResultsAreCached(t *testing.T) {
	prober := &fakeProber{responses: map[string][2]interface{}{
		"stun1": {"198.51.100.2", 6000},
		"stun2": {"198.51.100.2", 6000},
	}}
	d := NewDetector(prober, DetectorConfig{CacheTTL: time.Minute}, nil)

	servers := []StunServer{{Addr: "stun1"}, {Addr: "stun2"}}
	first, _ := d.Classify(context.Background(), "10.0.0.5", 5000, servers)
	second, _ := d.Classify(context.Background(), "10.0.0.5", 5000, servers)

	if first.DetectedAt != second.DetectedAt {
		t.Fatalf("expected cached result to be returned unchanged")
	}
}
