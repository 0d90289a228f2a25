package pattern

import (
	"math"
	"math/rand"
	"testing"
)

func TestApplyDifferentialPrivacyLaplaceBudget(t *testing.T) {
	embedding := []float32{1, 0.5, -0.25, 0.75}
	params := DPParams{Epsilon: 1.0, Sensitivity: 1.0, Mechanism: MechanismLaplace, ClipNorm: 2.0}

	result, err := ApplyDifferentialPrivacy(embedding, params, rand.New(rand.NewSource(42)))
	if err != nil {
		t.Fatalf("apply dp: %v", err)
	}
	if len(result.Noised) != len(embedding) {
		t.Fatalf("expected same dimensionality, got %d", len(result.Noised))
	}
	if result.L2Distance <= 0 {
		t.Fatalf("expected nonzero noise distance")
	}
	if result.Spent.Epsilon != params.Epsilon {
		t.Fatalf("expected spent epsilon to equal params epsilon")
	}
}

func TestApplyDifferentialPrivacyGaussianRequiresDelta(t *testing.T) {
	embedding := []float32{1, 1}
	params := DPParams{Epsilon: 1.0, Sensitivity: 1.0, Mechanism: MechanismGaussian, ClipNorm: 1.0}

	if _, err := ApplyDifferentialPrivacy(embedding, params, rand.New(rand.NewSource(1))); err == nil {
		t.Fatalf("expected error for missing delta")
	}
}

func TestClipL2RescalesOverNorm(t *testing.T) {
	v := []float32{3, 4} // norm 5
	clipped := clipL2(v, 1.0)

	var sumSq float64
	for _, x := range clipped {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if math.Abs(norm-1.0) > 1e-6 {
		t.Fatalf("expected clipped norm ~1.0, got %f", norm)
	}
}
