// Package distance implements the metrics used to compare samples and centroids, and the precision rules of the
// engine: rows stored as Float16 are widened to float32 before any arithmetic, pairwise distances accumulate in
// float32 and centroid sums in float64.
package distance

import (
	"github.com/chewxy/math32"
	"github.com/viterin/vek/vek32"
)

// Metric used to find the nearest centroid.
type Metric int

//go:generate go tool enumer -type=Metric distance.go

const (
	// L2 is the squared Euclidean distance, the default.
	L2 Metric = iota

	// Cosine is 1 - cosine similarity. Centroids are kept unit-norm, and samples are divided by their norm, so
	// inputs don't need to be normalized.
	Cosine
)

// SquaredL2 returns the squared Euclidean distance between a and b, which must have the same length.
func SquaredL2(a, b []float32) float32 {
	var sum float32
	for ii, v := range a {
		diff := v - b[ii]
		sum += diff * diff
	}
	return sum
}

// dot64 returns the dot product of a and b accumulated in float64.
func dot64(a, b []float32) float64 {
	var sum float64
	for ii, v := range a {
		sum += float64(v) * float64(b[ii])
	}
	return sum
}

// Dot returns the dot product of a and b.
func Dot(a, b []float32) float32 {
	if len(a) == 0 {
		return 0
	}
	return vek32.Dot(a, b)
}

// Norm returns the Euclidean norm of v.
func Norm(v []float32) float32 {
	if len(v) == 0 {
		return 0
	}
	return vek32.Norm(v)
}

// Normalize divides v by its norm in place, and returns the norm. A zero vector is left unchanged.
func Normalize(v []float32) float32 {
	n := Norm(v)
	if n == 0 {
		return 0
	}
	vek32.DivNumber_Inplace(v, n)
	return n
}

// Distance returns the metric value between sample x and centroid c. For Cosine, xNorm is the norm of x and c
// must be unit-norm; a zero sample is at distance 1 of every centroid. It is ignored for L2.
//
// Smaller is nearer for both metrics.
func (m Metric) Distance(x []float32, xNorm float32, c []float32) float32 {
	if m == Cosine {
		if xNorm == 0 {
			return 1
		}
		// In float64: for nearly parallel vectors the values are far below the float32 resolution of 1.
		return float32(1 - dot64(x, c)/float64(xNorm))
	}
	return SquaredL2(x, c)
}

// Bound converts a metric value to the Euclidean distance used by the pruning bounds: the distance itself for L2,
// and the chord distance between the normalized sample and the centroid for Cosine.
// Bound is monotonic, so comparing bounds is the same as comparing metric values.
func (m Metric) Bound(value float32) float32 {
	value = max(value, 0)
	if m == Cosine {
		return math32.Sqrt(2 * value)
	}
	return math32.Sqrt(value)
}

// Drift returns the Euclidean distance between two positions of a centroid, in the same space as Bound.
func Drift(previous, current []float32) float32 {
	return math32.Sqrt(SquaredL2(previous, current))
}
