// Package astro holds the spherical-geometry primitives shared by the
// matcher, updater, and query engine: angular separations, uncertainty
// combination, and inverse-variance position fusion. All angles are degrees.
package astro

import "math"

// minSigma floors positional uncertainties (degrees) so an exactly-reported
// position cannot collapse the inverse-variance weights to infinity.
const minSigma = 1e-4

// AngularSeparation returns the great-circle separation between two sky
// positions, in degrees, via the haversine form (stable at small angles).
func AngularSeparation(ra1, dec1, ra2, dec2 float64) float64 {
	p1 := radians(dec1)
	p2 := radians(dec2)
	dp := p2 - p1
	dl := radians(ra2 - ra1)

	a := math.Sin(dp/2)*math.Sin(dp/2) + math.Cos(p1)*math.Cos(p2)*math.Sin(dl/2)*math.Sin(dl/2)
	if a > 1 {
		a = 1
	}
	return degrees(2 * math.Asin(math.Sqrt(a)))
}

// Quadrature combines two 1-sigma radii.
func Quadrature(a, b float64) float64 {
	return math.Sqrt(a*a + b*b)
}

// CombinePositions fuses two positions by inverse-variance weighting
// (weight 1/sigma^2) and returns the fused position with its combined
// uncertainty sqrt(1/(w1+w2)). Averaging happens on unit vectors so right
// ascension wraparound at 0/360 cannot skew the centroid.
func CombinePositions(ra1, dec1, sig1, ra2, dec2, sig2 float64) (ra, dec, sig float64) {
	w1 := invVariance(sig1)
	w2 := invVariance(sig2)

	x1, y1, z1 := toVector(ra1, dec1)
	x2, y2, z2 := toVector(ra2, dec2)

	x := w1*x1 + w2*x2
	y := w1*y1 + w2*y2
	z := w1*z1 + w2*z2

	ra, dec = fromVector(x, y, z)
	sig = math.Sqrt(1 / (w1 + w2))
	return ra, dec, sig
}

// NormalizeRA maps a right ascension into [0, 360).
func NormalizeRA(ra float64) float64 {
	ra = math.Mod(ra, 360)
	if ra < 0 {
		ra += 360
	}
	return ra
}

func invVariance(sigma float64) float64 {
	if sigma < minSigma {
		sigma = minSigma
	}
	return 1 / (sigma * sigma)
}

func toVector(ra, dec float64) (x, y, z float64) {
	r := radians(ra)
	d := radians(dec)
	return math.Cos(d) * math.Cos(r), math.Cos(d) * math.Sin(r), math.Sin(d)
}

func fromVector(x, y, z float64) (ra, dec float64) {
	norm := math.Sqrt(x*x + y*y + z*z)
	if norm == 0 {
		return 0, 0
	}
	ra = NormalizeRA(degrees(math.Atan2(y, x)))
	dec = degrees(math.Asin(z / norm))
	return ra, dec
}

func radians(deg float64) float64 { return deg * math.Pi / 180 }

func degrees(rad float64) float64 { return rad * 180 / math.Pi }
