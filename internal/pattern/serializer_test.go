package pattern

import (
	"testing"
	"time"

	"github.com/ruvnet/swarmlink/internal/crdt"
)

func samplePattern() SharedPattern {
	now := time.Unix(1700000000, 0).UTC()
	return SharedPattern{
		ID:       "pat-1",
		Category: CategoryTest,
		Type:     "unit-test",
		Domain:   "billing",
		Content: Content{
			Raw:         "function charge(amount) { return amount * 1.08; }",
			ContentHash: "abc123",
			Language:    "javascript",
		},
		Embedding: []float32{0.1, 0.2, 0.3, 0.4},
		Metadata:  Metadata{Tags: []string{"tax", "billing"}},
		Version: Version{
			Semver: crdt.SemVer{Major: 1, Minor: 0, Patch: 0},
			Clock:  map[string]uint64{"r1": 1},
		},
		Quality: QualityMetrics{Level: QualityStable, SuccessRate: 0.95},
		Sharing: SharingPolicy{Visibility: VisibilityPeers, Redistributable: true},
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	p := samplePattern()

	frame, err := Serialize(p)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	got, err := Deserialize(frame)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}

	if got.ID != p.ID || got.Content.ContentHash != p.Content.ContentHash {
		t.Fatalf("round-trip mismatch: %+v", got)
	}
	if len(got.Embedding) != len(p.Embedding) {
		t.Fatalf("embedding length mismatch: got %d want %d", len(got.Embedding), len(p.Embedding))
	}
	for i := range p.Embedding {
		if got.Embedding[i] != p.Embedding[i] {
			t.Fatalf("embedding[%d] mismatch: got %v want %v", i, got.Embedding[i], p.Embedding[i])
		}
	}
}

func TestDeserializeRejectsBitFlip(t *testing.T) {
	p := samplePattern()
	frame, err := Serialize(p)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}

	flipped := append([]byte(nil), frame...)
	flipped[len(flipped)/2] ^= 0x01

	if _, err := Deserialize(flipped); err == nil {
		t.Fatalf("expected deserialize to reject a corrupted frame")
	}
}

func TestDeserializeRejectsBadMagic(t *testing.T) {
	p := samplePattern()
	frame, err := Serialize(p)
	if err != nil {
		t.Fatalf("serialize: %v", err)
	}
	frame[0] = 'X'
	if _, err := Deserialize(frame); err == nil {
		t.Fatalf("expected magic mismatch error")
	}
}
