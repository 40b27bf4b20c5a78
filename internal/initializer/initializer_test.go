package initializer

import (
	"testing"

	"github.com/gomlx/gokmeans/dtypes"
	"github.com/gomlx/gokmeans/internal/distance"
	"github.com/stretchr/testify/require"
)

// hostSampler is a Sampler over host samples, optionally split in shards to check that results don't depend on
// the sharding.
type hostSampler struct {
	values []float32
	d      int
	shards int
	metric distance.Metric
}

func (s *hostSampler) NumSamples() int { return len(s.values) / s.d }
func (s *hostSampler) Cols() int       { return s.d }

func (s *hostSampler) Rows(indices []int) ([]float32, error) {
	rows := make([]float32, 0, len(indices)*s.d)
	for _, idx := range indices {
		rows = append(rows, s.values[idx*s.d:(idx+1)*s.d]...)
	}
	return rows, nil
}

func (s *hostSampler) UpdateNearest(centroid []float32, minDist []float32) error {
	n := s.NumSamples()
	shardSize := (n + s.shards - 1) / s.shards
	for start := 0; start < n; start += shardSize {
		for ii := start; ii < min(start+shardSize, n); ii++ {
			x := s.values[ii*s.d : (ii+1)*s.d]
			dist := s.metric.Distance(x, distance.Norm(x), centroid)
			minDist[ii] = min(minDist[ii], dist)
		}
	}
	return nil
}

func grid(n int) []float32 {
	values := make([]float32, 0, 2*n)
	for ii := range n {
		values = append(values, float32(ii%10), float32(ii/10)+1)
	}
	return values
}

func TestSampleIndices(t *testing.T) {
	for _, k := range []int{1, 5, 100} {
		indices := SampleIndices(NewRand(7), 100, k)
		require.Len(t, indices, k)
		seen := make(map[int]bool)
		for _, idx := range indices {
			require.False(t, seen[idx], "index %d drawn twice", idx)
			require.True(t, idx >= 0 && idx < 100)
			seen[idx] = true
		}
		require.Equal(t, indices, SampleIndices(NewRand(7), 100, k))
	}
	require.NotEqual(t, SampleIndices(NewRand(1), 1000, 10), SampleIndices(NewRand(2), 1000, 10))
}

func TestRandom(t *testing.T) {
	sampler := &hostSampler{values: grid(200), d: 2, shards: 1}
	config := Config{Method: Random, K: 10, Seed: 3, Storage: dtypes.Float32}
	centroids, err := Run(config, sampler)
	require.NoError(t, err)
	require.Len(t, centroids, 20)
	again, err := Run(config, &hostSampler{values: grid(200), d: 2, shards: 3})
	require.NoError(t, err)
	require.Equal(t, centroids, again)

	config.K = 201
	_, err = Run(config, sampler)
	require.Error(t, err)
}

func TestPlusPlus(t *testing.T) {
	values := grid(500)
	config := Config{Method: PlusPlus, K: 25, Seed: 11, Storage: dtypes.Float32}
	var results [][]float32
	for _, shards := range []int{1, 2, 7} {
		centroids, err := Run(config, &hostSampler{values: values, d: 2, shards: shards})
		require.NoError(t, err)
		results = append(results, centroids)
	}
	require.Equal(t, results[0], results[1])
	require.Equal(t, results[0], results[2])

	// Centroids are distinct samples.
	seen := make(map[[2]float32]bool)
	for c := range config.K {
		key := [2]float32{results[0][2*c], results[0][2*c+1]}
		require.False(t, seen[key], "centroid %v drawn twice", key)
		seen[key] = true
	}
}

func TestPlusPlusWeighted(t *testing.T) {
	// One outlier far from 100 coincident samples: the second draw always separates them.
	values := make([]float32, 2*101)
	values[200], values[201] = 1000, 1000
	for seed := range uint64(10) {
		centroids, err := Run(Config{Method: PlusPlus, K: 2, Seed: seed, Storage: dtypes.Float32},
			&hostSampler{values: values, d: 2, shards: 2})
		require.NoError(t, err)
		require.ElementsMatch(t, []float32{0, 0, 1000, 1000}, centroids, "seed=%d", seed)
	}
	require.Equal(t, []int{0}, SampleIndices(NewRand(3), 1, 1))
	require.Empty(t, SampleIndices(NewRand(3), 10, 0))
}

func TestPlusPlusDuplicates(t *testing.T) {
	// Only 2 distinct points: once both are drawn the total weight is zero, and the rest are drawn uniformly
	// among the unchosen samples.
	values := []float32{0, 0, 0, 0, 0, 0, 5, 5, 5, 5}
	for _, k := range []int{2, 5} {
		centroids, err := Run(Config{Method: PlusPlus, K: k, Seed: 1, Storage: dtypes.Float32},
			&hostSampler{values: values, d: 2, shards: 1})
		require.NoError(t, err)
		require.Len(t, centroids, 2*k)
		var zeros, fives int
		for c := range k {
			if centroids[2*c] == 0 {
				zeros++
			} else {
				fives++
			}
		}
		if k == 2 {
			require.Equal(t, 1, zeros)
			require.Equal(t, 1, fives)
		} else {
			require.Equal(t, 3, zeros)
			require.Equal(t, 2, fives)
		}
	}
}

func TestImportAndCosine(t *testing.T) {
	sampler := &hostSampler{values: grid(10), d: 2, shards: 1, metric: distance.Cosine}
	centroids, err := Run(Config{Method: Import, K: 2, Metric: distance.Cosine, Storage: dtypes.Float32,
		Centroids: []float32{3, 4, 0, 2}}, sampler)
	require.NoError(t, err)
	require.InDeltaSlice(t, []float32{0.6, 0.8, 0, 1}, centroids, 1e-6)

	_, err = Run(Config{Method: Import, K: 2, Centroids: []float32{1}}, sampler)
	require.Error(t, err)

	centroids, err = Run(Config{Method: PlusPlus, K: 3, Seed: 5, Metric: distance.Cosine, Storage: dtypes.Float16},
		sampler)
	require.NoError(t, err)
	for c := range 3 {
		require.InDelta(t, 1, distance.Norm(centroids[2*c:2*c+2]), 2e-3)
	}
}

func TestMethodNames(t *testing.T) {
	require.Equal(t, "PlusPlus", PlusPlus.String())
	m, err := MethodString("random")
	require.NoError(t, err)
	require.Equal(t, Random, m)
}
