package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerateIDIsUniqueAndWellFormed(t *testing.T) {
	a := GenerateID()
	b := GenerateID()
	assert.NotEqual(t, a, b)
	assert.Len(t, a, 36)
}

func TestGenerateShortIDLength(t *testing.T) {
	assert.Len(t, GenerateShortID(), 8)
}

func TestClampFloat64(t *testing.T) {
	assert.Equal(t, 100.0, ClampFloat64(150, 0, 100))
	assert.Equal(t, 0.0, ClampFloat64(-5, 0, 100))
}

func TestCalculateMeanAndStdDev(t *testing.T) {
	values := []float64{10, 20, 30, 40}
	assert.Equal(t, 25.0, CalculateMean(values))
	assert.Greater(t, CalculateStandardDeviation(values), 0.0)
}

func TestSafeDivisionHandlesZeroDenominator(t *testing.T) {
	assert.Equal(t, 0.0, SafeDivision(10, 0))
	assert.Equal(t, 5.0, SafeDivision(10, 2))
}

func TestRemoveDuplicatesPreservesOrder(t *testing.T) {
	got := RemoveDuplicates([]string{"a", "b", "a", "c", "b"})
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestChunkSlice(t *testing.T) {
	chunks := ChunkSlice([]string{"a", "b", "c", "d", "e"}, 2)
	assert.Len(t, chunks, 3)
	assert.Len(t, chunks[0], 2)
	assert.Len(t, chunks[2], 1)
}

func TestCopyMapsAreIndependent(t *testing.T) {
	original := map[string]float64{"a": 1}
	copied := CopyFloat64Map(original)
	copied["a"] = 2
	assert.Equal(t, 1.0, original["a"])
}
