package engine

import (
	"sort"

	"github.com/gomlx/gokmeans/device"
	"github.com/gomlx/gokmeans/dtypes"
	"github.com/gomlx/gokmeans/internal/broker"
	"github.com/gomlx/gokmeans/internal/initializer"
	"github.com/pkg/errors"
)

// Sampler returns the initializer.Sampler over the distributed samples: distances to a candidate centroid are
// computed on the devices, one kernel per shard.
func (e *Engine) Sampler() initializer.Sampler {
	return &sampler{e: e}
}

type sampler struct {
	e         *Engine
	distances []float32
}

var _ initializer.Sampler = (*sampler)(nil)

func (s *sampler) NumSamples() int { return s.e.n }
func (s *sampler) Cols() int       { return s.e.d }

// shardOf returns the shard holding the global sample index.
func (s *sampler) shardOf(index int) (*shard, error) {
	shards := s.e.shards
	ii := sort.Search(len(shards), func(ii int) bool { return shards[ii].End() > index })
	if index < 0 || ii == len(shards) {
		return nil, errors.Errorf("sample index %d out of range [0, %d)", index, s.e.n)
	}
	return shards[ii], nil
}

// Rows copies the requested samples to the host, widened to float32.
func (s *sampler) Rows(indices []int) ([]float32, error) {
	d := s.e.d
	rows := make([]float32, len(indices)*d)
	data := make([]byte, s.e.dtype.SizeForDimensions(d))
	for ii, index := range indices {
		sh, err := s.shardOf(index)
		if err != nil {
			return nil, err
		}
		view, err := sh.samples.SubView(index-sh.Start, 1)
		if err != nil {
			return nil, err
		}
		if err = view.ToHost(data); err != nil {
			return nil, errors.WithMessagef(err, "failed to read sample #%d", index)
		}
		dtypes.WidenToFloat32(s.e.dtype, data, rows[ii*d:(ii+1)*d])
	}
	return rows, nil
}

// UpdateNearest computes the metric values between all samples and the centroid on the devices, and lowers
// minDist with them on the host.
func (s *sampler) UpdateNearest(centroid []float32, minDist []float32) error {
	e := s.e
	if len(centroid) != e.d || len(minDist) != e.n {
		return errors.WithMessagef(device.ErrInvalidShapeOrWidth,
			"UpdateNearest given a centroid of %d values and %d distances, %d and %d expected",
			len(centroid), len(minDist), e.d, e.n)
	}
	// Buffers are set up on all shards before any kernel is launched.
	for ii, sh := range e.shards {
		if sh.nearest == nil {
			var err error
			if sh.nearest, err = e.broker.Allocate(sh.scope, device.MakeShape(dtypes.Float32, sh.Count)); err != nil {
				return errors.WithMessagef(err, "failed to allocate distances of shard #%d", ii)
			}
		}
		// The first row of the centroids buffer holds the candidate: the centroids are uploaded by Run.
		row, err := sh.centroids.SubView(0, 1)
		if err != nil {
			return err
		}
		if err = row.FromHost(dtypes.BytesOf(centroid)); err != nil {
			return errors.WithMessagef(err, "failed to upload centroid to shard #%d", ii)
		}
	}
	events := make([]*device.Event, len(e.shards))
	for ii, sh := range e.shards {
		events[ii] = sh.scope.Launch(func() error {
			v, err := e.views(sh)
			if err != nil {
				return err
			}
			dists, err := device.View[float32](sh.nearest)
			if err != nil {
				return err
			}
			candidate := v.centroids[:e.d]
			return e.forBlocks(sh, func(_, start, end int) error {
				scratch := make([]float32, e.d)
				for jj := start; jj < end; jj++ {
					dists[jj] = e.config.Metric.Distance(v.rows.Row(jj, scratch), v.norm(jj), candidate)
				}
				return nil
			})
		})
	}
	if err := device.AwaitAll(events...); err != nil {
		return errors.WithMessage(err, "failed to compute distances to centroid")
	}
	if len(s.distances) != e.n {
		s.distances = make([]float32, e.n)
	}
	parts := make([]*device.Buffer, len(e.shards))
	for ii, sh := range e.shards {
		parts[ii] = sh.nearest
	}
	if err := broker.Gather(dtypes.BytesOf(s.distances), parts); err != nil {
		return err
	}
	for ii, dist := range s.distances {
		minDist[ii] = min(minDist[ii], dist)
	}
	return nil
}
