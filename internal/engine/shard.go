package engine

import (
	"math"

	"github.com/gomlx/gokmeans/device"
	"github.com/gomlx/gokmeans/dtypes"
	"github.com/gomlx/gokmeans/internal/distance"
	"github.com/gomlx/gokmeans/internal/monitor"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// shard holds the device buffers of the samples assigned to one device.
type shard struct {
	device.Shard
	scope *device.Scope

	samples     *device.Buffer // Count×D, storage width.
	assignments *device.Buffer // Count, Uint32.
	centroids   *device.Buffer // K×D, Float32 working copy.
	partials    *device.Buffer // blocks × AccumulatorSize(K, D), Float64.
	norms       *device.Buffer // Count, Float32, Cosine only.
	nearest     *device.Buffer // Count, Float32, distances to one centroid, allocated by the Sampler.

	// Yinyang bound cache, allocated when the bounds are first built.
	upper, lower *device.Buffer // Count and Count×G, Float32.
	groups       *device.Buffer // K, Uint32: group of each centroid.
	drifts       *device.Buffer // K+G, Float32: drift of each centroid, then the maximum drift of each group.

	blocks int

	// stats of the last pass, written by the kernel and read after its event.
	stats monitor.ShardStats
}

func (e *Engine) newShard(scope *device.Scope, shardRange device.Shard, samples *device.Buffer) (*shard, error) {
	dims := samples.Dimensions()
	if len(dims) != 2 || dims[0] != shardRange.Count || samples.DType() != e.dtype || (e.d != 0 && dims[1] != e.d) {
		return nil, errors.WithMessagef(device.ErrInvalidShapeOrWidth, "shard samples %s don't match %d×%d %s",
			samples, shardRange.Count, e.d, e.dtype)
	}
	s := &shard{
		Shard:   shardRange,
		scope:   scope,
		samples: samples,
		blocks:  (shardRange.Count + blockSize - 1) / blockSize,
	}
	k := e.config.K
	var err error
	if s.assignments, err = e.broker.Allocate(scope, device.MakeShape(dtypes.Uint32, s.Count)); err != nil {
		return nil, err
	}
	if s.centroids, err = e.broker.Allocate(scope, device.MakeShape(dtypes.Float32, k, e.d)); err != nil {
		return nil, err
	}
	if s.partials, err = e.broker.Allocate(scope,
		device.MakeShape(dtypes.Float64, s.blocks, distance.AccumulatorSize(k, e.d))); err != nil {
		return nil, err
	}
	if e.config.Metric == distance.Cosine {
		if s.norms, err = e.broker.Allocate(scope, device.MakeShape(dtypes.Float32, s.Count)); err != nil {
			return nil, err
		}
	}
	err = s.scope.Launch(func() error {
		assignments, err := device.View[uint32](s.assignments)
		if err != nil {
			return err
		}
		for ii := range assignments {
			assignments[ii] = Unassigned
		}
		return nil
	}).Await()
	if err != nil {
		return nil, errors.WithMessage(err, "failed to initialize assignments")
	}
	return s, nil
}

// rows returns the view of the shard samples. Only valid inside kernels.
func (s *shard) rows(e *Engine) (distance.Rows, error) {
	data, err := s.samples.Bytes()
	if err != nil {
		return distance.Rows{}, err
	}
	return distance.NewRows(e.dtype, e.d, data), nil
}

// forBlocks runs fn for each block of samples of the shard, in parallel up to the number of compute units of the
// device. Each call gets the range [start, end) of the samples of its block.
func (e *Engine) forBlocks(s *shard, fn func(block, start, end int) error) error {
	var g errgroup.Group
	g.SetLimit(e.units)
	for block := range s.blocks {
		start := block * blockSize
		end := min(start+blockSize, s.Count)
		g.Go(func() error {
			return fn(block, start, end)
		})
	}
	return g.Wait()
}

// computeNorms launches the kernels computing the norms of the samples, used by the Cosine metric.
func (e *Engine) computeNorms() error {
	events := make([]*device.Event, len(e.shards))
	for ii, s := range e.shards {
		events[ii] = s.scope.Launch(func() error {
			rows, err := s.rows(e)
			if err != nil {
				return err
			}
			norms, err := device.View[float32](s.norms)
			if err != nil {
				return err
			}
			return e.forBlocks(s, func(_, start, end int) error {
				scratch := make([]float32, e.d)
				for ii := start; ii < end; ii++ {
					norms[ii] = distance.Norm(rows.Row(ii, scratch))
				}
				return nil
			})
		})
	}
	return errors.WithMessage(device.AwaitAll(events...), "failed to compute sample norms")
}

// kernelViews holds the host views of the shard buffers used by the assignment kernels.
type kernelViews struct {
	rows        distance.Rows
	assignments []uint32
	centroids   []float32
	partials    []float64
	norms       []float32
}

func (e *Engine) views(s *shard) (v kernelViews, err error) {
	if v.rows, err = s.rows(e); err != nil {
		return
	}
	if v.assignments, err = device.View[uint32](s.assignments); err != nil {
		return
	}
	if v.centroids, err = device.View[float32](s.centroids); err != nil {
		return
	}
	if v.partials, err = device.View[float64](s.partials); err != nil {
		return
	}
	if s.norms != nil {
		v.norms, err = device.View[float32](s.norms)
	}
	return
}

func (v *kernelViews) norm(ii int) float32 {
	if v.norms == nil {
		return 0
	}
	return v.norms[ii]
}

func (v *kernelViews) accumulator(e *Engine, block int) *distance.Accumulator {
	size := distance.AccumulatorSize(e.config.K, e.d)
	acc := distance.WrapAccumulator(e.config.Metric, e.config.K, e.d, v.partials[block*size:(block+1)*size])
	acc.Reset()
	return acc
}

// nearest returns the index and metric value of the centroid nearest to x, ties broken by the lowest index.
func (e *Engine) nearest(x []float32, xNorm float32, centroids []float32) (int, float32) {
	best, bestDist := 0, float32(math.Inf(1))
	d := e.d
	for c := range e.config.K {
		dist := e.config.Metric.Distance(x, xNorm, centroids[c*d:(c+1)*d])
		if dist < bestDist {
			best, bestDist = c, dist
		}
	}
	return best, bestDist
}

// launchLloyd launches the Lloyd assignment kernel on the shard: every sample is compared to every centroid, its
// assignment updated, and added to the partial sums of its block.
func (e *Engine) launchLloyd(s *shard) *device.Event {
	return s.scope.Launch(func() error {
		v, err := e.views(s)
		if err != nil {
			return err
		}
		changed := make([]int, s.blocks)
		err = e.forBlocks(s, func(block, start, end int) error {
			acc := v.accumulator(e, block)
			scratch := make([]float32, e.d)
			for ii := start; ii < end; ii++ {
				x := v.rows.Row(ii, scratch)
				xNorm := v.norm(ii)
				best, _ := e.nearest(x, xNorm, v.centroids)
				if v.assignments[ii] != uint32(best) {
					v.assignments[ii] = uint32(best)
					changed[block]++
				}
				acc.Add(best, x, xNorm)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, c := range changed {
			s.stats.Changed += c
		}
		s.stats.Evaluations = int64(s.Count) * int64(e.config.K)
		return nil
	})
}
