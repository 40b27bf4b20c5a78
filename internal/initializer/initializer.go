// Package initializer produces the starting centroids of a clustering run: uniform sampling without replacement,
// weighted k-means++ sampling, or centroids supplied by the caller.
//
// Randomized methods are seeded, and the result only depends on the seed and the samples: the per-sample
// distances are computed wherever the samples live (see Sampler), but all random draws and weight sums happen
// here, in sample order.
package initializer

import (
	"math"
	"math/rand/v2"

	"github.com/gomlx/gokmeans/dtypes"
	"github.com/gomlx/gokmeans/internal/distance"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/stat/sampleuv"
	"k8s.io/klog/v2"
)

// Method used to create the initial centroids.
type Method int

//go:generate go tool enumer -type=Method initializer.go

const (
	// Random draws K distinct samples uniformly.
	Random Method = iota

	// PlusPlus draws samples with probability proportional to their distance to the nearest centroid already drawn.
	PlusPlus

	// Import uses the centroids given by the caller.
	Import
)

// Sampler gives access to the samples, wherever they are stored.
type Sampler interface {
	// NumSamples returns N.
	NumSamples() int

	// Cols returns D, the number of features.
	Cols() int

	// Rows returns the given samples, widened to float32, as a flat len(indices)×D slice.
	Rows(indices []int) ([]float32, error)

	// UpdateNearest lowers minDist[i] to the metric value between sample i and centroid, if smaller.
	// len(minDist) is N and centroid has D values.
	UpdateNearest(centroid []float32, minDist []float32) error
}

// Config of an initialization.
type Config struct {
	Method Method
	K      int
	Seed   uint64
	Metric distance.Metric

	// Storage is the dtype of the samples, the returned centroids are rounded to its precision.
	Storage dtypes.DType

	// Centroids supplied by the caller for Import, flat K×D.
	Centroids []float32
}

// NewRand returns the generator used for all random choices of a run with the given seed.
func NewRand(seed uint64) *rand.Rand {
	return rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))
}

// Run creates the initial centroids, flat K×D. For the Cosine metric they are normalized.
func Run(config Config, sampler Sampler) ([]float32, error) {
	n, d := sampler.NumSamples(), sampler.Cols()
	if config.K < 1 || config.K > n {
		return nil, errors.Errorf("cannot initialize %d centroids from %d samples", config.K, n)
	}
	var centroids []float32
	switch config.Method {
	case Random:
		indices := SampleIndices(NewRand(config.Seed), n, config.K)
		klog.V(2).Infof("random initialization picked samples %v", indices)
		var err error
		centroids, err = sampler.Rows(indices)
		if err != nil {
			return nil, errors.WithMessage(err, "failed to gather initial centroids")
		}
	case PlusPlus:
		var err error
		centroids, err = plusPlus(config, sampler)
		if err != nil {
			return nil, err
		}
	case Import:
		if len(config.Centroids) != config.K*d {
			return nil, errors.Errorf("imported centroids have %d values, %d×%d required",
				len(config.Centroids), config.K, d)
		}
		centroids = make([]float32, len(config.Centroids))
		copy(centroids, config.Centroids)
	default:
		return nil, errors.Errorf("unknown initialization method %s", config.Method)
	}
	if config.Metric == distance.Cosine {
		for c := range config.K {
			distance.Normalize(centroids[c*d : (c+1)*d])
		}
	}
	dtypes.RoundTrip(config.Storage, centroids)
	return centroids, nil
}

// SampleIndices draws k distinct values from [0, n).
func SampleIndices(r *rand.Rand, n, k int) []int {
	if k < 1 {
		return nil
	}
	indices := make([]int, k)
	sampleuv.WithoutReplacement(indices, n, r)
	return indices
}

func plusPlus(config Config, sampler Sampler) ([]float32, error) {
	n, d := sampler.NumSamples(), sampler.Cols()
	r := NewRand(config.Seed)
	chosen := make([]bool, n)
	indices := make([]int, 0, config.K)
	indices = append(indices, r.IntN(n))
	chosen[indices[0]] = true

	minDist := make([]float32, n)
	for ii := range minDist {
		minDist[ii] = math.MaxFloat32
	}
	weights := make([]float64, n)
	weighted := sampleuv.NewWeighted(weights, r)
	for len(indices) < config.K {
		last, err := sampler.Rows(indices[len(indices)-1:])
		if err != nil {
			return nil, errors.WithMessage(err, "k-means++ failed to gather centroid")
		}
		if config.Metric == distance.Cosine {
			distance.Normalize(last)
		}
		dtypes.RoundTrip(config.Storage, last)
		if err = sampler.UpdateNearest(last, minDist); err != nil {
			return nil, errors.WithMessagef(err, "k-means++ failed to compute distances to centroid #%d",
				len(indices)-1)
		}
		for ii, dist := range minDist {
			if chosen[ii] {
				weights[ii] = 0
			} else {
				weights[ii] = float64(max(dist, 0))
			}
		}
		weighted.ReweightAll(weights)
		next, ok := weighted.Take()
		if !ok || chosen[next] {
			// All remaining samples coincide with some centroid: the rest are drawn uniformly among the unchosen.
			indices = append(indices, drawUnchosen(r, chosen, config.K-len(indices))...)
			break
		}
		chosen[next] = true
		indices = append(indices, next)
	}
	klog.V(2).Infof("k-means++ initialization picked samples %v", indices)
	centroids, err := sampler.Rows(indices)
	if err != nil {
		return nil, errors.WithMessage(err, "failed to gather initial centroids")
	}
	if len(centroids) != config.K*d {
		return nil, errors.Errorf("sampler returned %d values for %d centroids of %d features",
			len(centroids), config.K, d)
	}
	return centroids, nil
}

func drawUnchosen(r *rand.Rand, chosen []bool, k int) []int {
	unchosen := make([]int, 0, len(chosen))
	for ii, isChosen := range chosen {
		if !isChosen {
			unchosen = append(unchosen, ii)
		}
	}
	drawn := SampleIndices(r, len(unchosen), k)
	for ii, idx := range drawn {
		drawn[ii] = unchosen[idx]
		chosen[drawn[ii]] = true
	}
	return drawn
}
