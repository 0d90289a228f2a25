package pattern

import (
	"fmt"
	"math"
	"math/rand"
)

// Mechanism selects the noise distribution applied to an embedding.
type Mechanism string

const (
	MechanismLaplace  Mechanism = "laplace"
	MechanismGaussian Mechanism = "gaussian"
)

// DPParams configures differential-privacy noise on an embedding.
type DPParams struct {
	Epsilon     float64
	Delta       float64
	Mechanism   Mechanism
	Sensitivity float64
	ClipNorm    float64
}

// Budget records how much privacy budget a noising call consumed.
type Budget struct {
	Epsilon float64
	Delta   float64
}

// NoiseResult carries the noised vector, the L2 distance introduced by
// noising, and the budget spent.
type NoiseResult struct {
	Noised   []float32
	L2Distance float64
	Spent    Budget
}

// ApplyDifferentialPrivacy clips embedding to params.ClipNorm and adds
// per-coordinate noise drawn from the configured mechanism.
func ApplyDifferentialPrivacy(embedding []float32, params DPParams, rng *rand.Rand) (NoiseResult, error) {
	if params.Epsilon <= 0 {
		return NoiseResult{}, fmt.Errorf("pattern: epsilon must be positive")
	}
	if rng == nil {
		rng = rand.New(rand.NewSource(1))
	}

	clipped := clipL2(embedding, params.ClipNorm)

	var scale float64
	switch params.Mechanism {
	case MechanismGaussian:
		if params.Delta <= 0 || params.Delta >= 1 {
			return NoiseResult{}, fmt.Errorf("pattern: delta must be in (0,1) for gaussian mechanism")
		}
		scale = params.Sensitivity * math.Sqrt(2*math.Log(1.25/params.Delta)) / params.Epsilon
	case MechanismLaplace, "":
		scale = params.Sensitivity / params.Epsilon
	default:
		return NoiseResult{}, fmt.Errorf("pattern: unknown mechanism %q", params.Mechanism)
	}

	noised := make([]float32, len(clipped))
	var sumSq float64
	for i, v := range clipped {
		var noise float64
		if params.Mechanism == MechanismGaussian {
			noise = rng.NormFloat64() * scale
		} else {
			noise = sampleLaplace(rng, scale)
		}
		nv := float64(v) + noise
		noised[i] = float32(nv)
		diff := nv - float64(v)
		sumSq += diff * diff
	}

	return NoiseResult{
		Noised:     noised,
		L2Distance: math.Sqrt(sumSq),
		Spent:      Budget{Epsilon: params.Epsilon, Delta: params.Delta},
	}, nil
}

// clipL2 rescales v so its L2 norm does not exceed clipNorm.
func clipL2(v []float32, clipNorm float64) []float32 {
	if clipNorm <= 0 {
		out := make([]float32, len(v))
		copy(out, v)
		return out
	}

	var sumSq float64
	for _, x := range v {
		sumSq += float64(x) * float64(x)
	}
	norm := math.Sqrt(sumSq)
	if norm <= clipNorm || norm == 0 {
		out := make([]float32, len(v))
		copy(out, v)
		return out
	}

	scale := clipNorm / norm
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = float32(float64(x) * scale)
	}
	return out
}

// sampleLaplace draws from a Laplace(0, scale) distribution via inverse
// transform sampling.
func sampleLaplace(rng *rand.Rand, scale float64) float64 {
	u := rng.Float64() - 0.5
	sign := 1.0
	if u < 0 {
		sign = -1.0
	}
	return -scale * sign * math.Log(1-2*math.Abs(u))
}
