package distance

import (
	"math"

	"github.com/gomlx/gokmeans/dtypes"
)

// Accumulator holds the float64 per-centroid sums and counts of the samples assigned to each centroid.
//
// Its storage is one flat []float64 of AccumulatorSize(k, d) values: k×d sums followed by k counts, so it can live
// in a single device buffer.
type Accumulator struct {
	metric Metric
	k, d   int
	sums   []float64
	counts []float64
}

// AccumulatorSize returns the number of float64 values needed by an Accumulator.
func AccumulatorSize(k, d int) int {
	return k*d + k
}

// NewAccumulator creates an Accumulator with its own storage.
func NewAccumulator(metric Metric, k, d int) *Accumulator {
	return WrapAccumulator(metric, k, d, make([]float64, AccumulatorSize(k, d)))
}

// WrapAccumulator creates an Accumulator over the given storage, which must have AccumulatorSize(k, d) values.
// The storage is not cleared.
func WrapAccumulator(metric Metric, k, d int, storage []float64) *Accumulator {
	return &Accumulator{
		metric: metric,
		k:      k,
		d:      d,
		sums:   storage[:k*d],
		counts: storage[k*d : k*d+k],
	}
}

// Reset sets all sums and counts to zero.
func (a *Accumulator) Reset() {
	clear(a.sums)
	clear(a.counts)
}

// Add sample x to the sums of centroid c. For Cosine the sample is divided by xNorm, and a zero sample is only
// counted.
func (a *Accumulator) Add(c int, x []float32, xNorm float32) {
	a.counts[c]++
	sum := a.sums[c*a.d : (c+1)*a.d]
	if a.metric == Cosine {
		if xNorm == 0 {
			return
		}
		inv := 1 / float64(xNorm)
		for ii, v := range x {
			sum[ii] += float64(v) * inv
		}
		return
	}
	for ii, v := range x {
		sum[ii] += float64(v)
	}
}

// Merge adds the sums and counts of other, which must have the same dimensions.
func (a *Accumulator) Merge(other *Accumulator) {
	for ii, v := range other.sums {
		a.sums[ii] += v
	}
	for ii, v := range other.counts {
		a.counts[ii] += v
	}
}

// Count returns the number of samples added to centroid c.
func (a *Accumulator) Count(c int) int {
	return int(a.counts[c])
}

// Means writes the updated centroids to dst (k×d), rounded to the precision of the storage dtype.
// Centroids with no samples keep their previous value, and their indices are returned.
// For Cosine the means are normalized; a mean of norm zero also keeps its previous value.
func (a *Accumulator) Means(previous, dst []float32, storage dtypes.DType) (empty []int) {
	for c := range a.k {
		prevRow := previous[c*a.d : (c+1)*a.d]
		dstRow := dst[c*a.d : (c+1)*a.d]
		count := a.counts[c]
		if count == 0 {
			copy(dstRow, prevRow)
			empty = append(empty, c)
			continue
		}
		sum := a.sums[c*a.d : (c+1)*a.d]
		scale := 1 / count
		if a.metric == Cosine {
			var sq float64
			for _, v := range sum {
				sq += v * v
			}
			if sq == 0 {
				copy(dstRow, prevRow)
				continue
			}
			scale = 1 / math.Sqrt(sq)
		}
		for ii, v := range sum {
			dstRow[ii] = float32(v * scale)
		}
		dtypes.RoundTrip(storage, dstRow)
	}
	return
}
