package astro

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAngularSeparation(t *testing.T) {
	tests := []struct {
		name                 string
		ra1, dec1, ra2, dec2 float64
		want                 float64
	}{
		{"identical", 10, 20, 10, 20, 0},
		{"one degree RA at equator", 10, 0, 11, 0, 1},
		{"one degree dec", 10, 20, 10, 21, 1},
		{"poles", 0, 90, 0, -90, 180},
		{"RA wrap", 359.5, 0, 0.5, 0, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := AngularSeparation(tt.ra1, tt.dec1, tt.ra2, tt.dec2)
			assert.InDelta(t, tt.want, got, 1e-9)
		})
	}
}

func TestAngularSeparationDecScaling(t *testing.T) {
	// At dec=60 a degree of RA spans half a degree on the sky.
	got := AngularSeparation(10, 60, 11, 60)
	assert.InDelta(t, 0.5, got, 1e-3)
}

func TestQuadrature(t *testing.T) {
	assert.InDelta(t, 5, Quadrature(3, 4), 1e-12)
	assert.InDelta(t, 2, Quadrature(2, 0), 1e-12)
}

func TestCombinePositionsEqualWeights(t *testing.T) {
	ra, dec, sig := CombinePositions(10, 20, 1, 12, 22, 1)

	// Equal uncertainties land halfway (up to spherical projection).
	assert.InDelta(t, 11, ra, 0.05)
	assert.InDelta(t, 21, dec, 0.05)
	// Combined sigma shrinks by sqrt(2).
	assert.InDelta(t, 1/math.Sqrt2, sig, 1e-9)
}

func TestCombinePositionsWeighting(t *testing.T) {
	// A tight position dominates a loose one.
	ra, dec, _ := CombinePositions(10, 20, 0.01, 14, 24, 10)
	assert.InDelta(t, 10, ra, 0.01)
	assert.InDelta(t, 20, dec, 0.01)
}

func TestCombinePositionsRAWrap(t *testing.T) {
	ra, _, _ := CombinePositions(359.5, 0, 1, 0.5, 0, 1)
	// Naive averaging would say 180; vector averaging keeps it at the seam.
	assert.True(t, ra > 359.9 || ra < 0.1, "got ra=%v", ra)
}

func TestCombinePositionsZeroSigma(t *testing.T) {
	// Zero uncertainty must not divide by zero; it is floored instead.
	ra, dec, sig := CombinePositions(10, 20, 0, 10.5, 20.5, 1)
	assert.False(t, math.IsNaN(ra))
	assert.False(t, math.IsNaN(dec))
	assert.Greater(t, sig, 0.0)
	// Floored sigma still dominates: result hugs the exact position.
	assert.InDelta(t, 10, ra, 0.01)
}

func TestNormalizeRA(t *testing.T) {
	assert.InDelta(t, 0, NormalizeRA(360), 1e-12)
	assert.InDelta(t, 10, NormalizeRA(370), 1e-12)
	assert.InDelta(t, 350, NormalizeRA(-10), 1e-12)
	assert.InDelta(t, 123.4, NormalizeRA(123.4), 1e-12)
}
