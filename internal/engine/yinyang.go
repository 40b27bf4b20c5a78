package engine

import (
	"math"

	"github.com/gomlx/gokmeans/device"
	"github.com/gomlx/gokmeans/dtypes"
	"github.com/gomlx/gokmeans/internal/distance"
	"github.com/gomlx/gokmeans/internal/initializer"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// warmUpRatio is the fraction of reassignments below which Lloyd passes switch to Yinyang passes. Earlier, the
// centroids move too much for the bounds to prune anything.
const warmUpRatio = 0.1

// groupingIterations caps the Lloyd iterations used to group the centroids.
const groupingIterations = 5

// yinyang holds the host state of the bound pruning.
//
// The bounds are Euclidean distances (see distance.Metric.Bound): upper[i] bounds the distance of sample i to its
// centroid, lower[i][g] the distance to any other centroid of group g. After the centroids move, the upper bound
// grows by the drift of the assigned centroid and the lower bounds shrink by the largest drift in each group.
type yinyang struct {
	requestedGroups int
	numGroups       int

	// ready means warm-up is done and the next pass builds the bounds, active that the bounds are valid.
	ready, active bool

	groupOf []int

	// rel is the relative margin applied to bound comparisons, covering float32 rounding of the distances.
	rel float32
}

func newYinyang(groups int) *yinyang {
	return &yinyang{requestedGroups: groups}
}

// observe is called after each reduction with the ratio of reassignments of the pass, the centroids of the pass
// and the new ones.
func (y *yinyang) observe(e *Engine, ratio float64, working, next []float32) {
	if !y.active {
		if !y.ready && ratio <= max(e.config.Tolerance, warmUpRatio) {
			klog.V(1).Infof("yinyang warm-up done (%.2f%% reassignments), building bounds", 100*ratio)
			y.ready = true
		}
		return
	}
	k, d, groups := e.config.K, e.d, y.numGroups
	drifts := make([]float32, k+groups)
	for c := range k {
		drift := distance.Drift(working[c*d:(c+1)*d], next[c*d:(c+1)*d])
		drifts[c] = drift
		g := k + y.groupOf[c]
		drifts[g] = max(drifts[g], drift)
	}
	data := dtypes.BytesOf(drifts)
	for _, s := range e.shards {
		if err := s.drifts.FromHost(data); err != nil {
			// Bounds can't be adjusted: fall back to rebuilding them.
			klog.Errorf("failed to upload centroid drifts, rebuilding yinyang bounds: %+v", err)
			y.active = false
			return
		}
	}
}

// setup groups the centroids and allocates the bound cache. It returns false if the centroids can't be split
// in at least 2 groups.
func (y *yinyang) setup(e *Engine, working []float32) (bool, error) {
	if y.groupOf != nil {
		// Rebuilding the bounds after a failed drift upload: the groups are kept.
		return true, nil
	}
	k, d := e.config.K, e.d
	y.groupOf, y.numGroups = groupCentroids(working, k, d, min(y.requestedGroups, k), e.config.Seed)
	if y.numGroups < 2 {
		klog.Warningf("centroids can't be split in yinyang groups, using plain Lloyd")
		return false, nil
	}
	y.rel = 1e-4 + 2.4e-7*float32(d)
	groupOf := make([]uint32, k)
	for c, g := range y.groupOf {
		groupOf[c] = uint32(g)
	}
	for ii, s := range e.shards {
		var err error
		if s.upper, err = e.broker.Allocate(s.scope, device.MakeShape(dtypes.Float32, s.Count)); err != nil {
			return false, errors.WithMessagef(err, "failed to allocate yinyang bounds of shard #%d", ii)
		}
		if s.lower, err = e.broker.Allocate(s.scope, device.MakeShape(dtypes.Float32, s.Count, y.numGroups)); err != nil {
			return false, errors.WithMessagef(err, "failed to allocate yinyang bounds of shard #%d", ii)
		}
		if s.groups, err = e.broker.Upload(s.scope, device.MakeShape(dtypes.Uint32, k), dtypes.BytesOf(groupOf)); err != nil {
			return false, errors.WithMessagef(err, "failed to upload yinyang groups to shard #%d", ii)
		}
		if s.drifts, err = e.broker.Allocate(s.scope, device.MakeShape(dtypes.Float32, k+y.numGroups)); err != nil {
			return false, errors.WithMessagef(err, "failed to allocate centroid drifts of shard #%d", ii)
		}
	}
	klog.V(1).Infof("yinyang: %d centroids in %d groups", k, y.numGroups)
	return true, nil
}

// groupCentroids clusters the centroids in up to numGroups groups with a few Lloyd iterations on the host, started
// from randomly drawn centroids. Empty groups are dropped. It returns the group of each centroid and the number of
// groups.
func groupCentroids(centroids []float32, k, d, numGroups int, seed uint64) (groupOf []int, groups int) {
	centers := make([]float32, 0, numGroups*d)
	for _, idx := range initializer.SampleIndices(initializer.NewRand(seed), k, numGroups) {
		centers = append(centers, centroids[idx*d:(idx+1)*d]...)
	}
	groupOf = make([]int, k)
	sums := make([]float64, numGroups*d)
	counts := make([]int, numGroups)
	for range groupingIterations {
		changed := false
		for c := range k {
			best, bestDist := 0, float32(math.Inf(1))
			for g := range numGroups {
				dist := distance.SquaredL2(centroids[c*d:(c+1)*d], centers[g*d:(g+1)*d])
				if dist < bestDist {
					best, bestDist = g, dist
				}
			}
			if groupOf[c] != best {
				groupOf[c] = best
				changed = true
			}
		}
		clear(sums)
		clear(counts)
		for c, g := range groupOf {
			counts[g]++
			for ii, v := range centroids[c*d : (c+1)*d] {
				sums[g*d+ii] += float64(v)
			}
		}
		for g := range numGroups {
			if counts[g] == 0 {
				continue
			}
			for ii := range d {
				centers[g*d+ii] = float32(sums[g*d+ii] / float64(counts[g]))
			}
		}
		if !changed {
			break
		}
	}

	// Compact: renumber the non-empty groups in order.
	clear(counts)
	for _, g := range groupOf {
		counts[g]++
	}
	renumber := make([]int, numGroups)
	for g, count := range counts {
		if count > 0 {
			renumber[g] = groups
			groups++
		}
	}
	for c, g := range groupOf {
		groupOf[c] = renumber[g]
	}
	return groupOf, groups
}

// groupScratch tracks the two smallest distances in a group, to derive the lower bound excluding the best centroid.
type groupScratch struct {
	evaluated     bool
	first, second float32
	firstIdx      int
}

// launchYinyang launches the Yinyang assignment kernel on the shard. With full set, all distances are computed and
// the bounds are built; otherwise samples are pruned using the bounds adjusted by the centroid drifts.
func (e *Engine) launchYinyang(s *shard, full bool) *device.Event {
	y := e.yinyang
	return s.scope.Launch(func() error {
		v, err := e.views(s)
		if err != nil {
			return err
		}
		upper, err := device.View[float32](s.upper)
		if err != nil {
			return err
		}
		lower, err := device.View[float32](s.lower)
		if err != nil {
			return err
		}
		groupValues, err := device.View[uint32](s.groups)
		if err != nil {
			return err
		}
		drifts, err := device.View[float32](s.drifts)
		if err != nil {
			return err
		}
		k, d, numGroups := e.config.K, e.d, y.numGroups
		metric := e.config.Metric
		rel := y.rel
		members := make([][]int, numGroups)
		for c, g := range groupValues {
			members[g] = append(members[g], c)
		}
		upperBound := func(value float32) float32 {
			return metric.Bound(value + slack(metric, value, rel))
		}
		lowerBound := func(value float32) float32 {
			if math.IsInf(float64(value), 1) {
				return value
			}
			return metric.Bound(value - slack(metric, value, rel))
		}
		provablyLess := func(u, l float32) bool {
			return u*(1+rel) < l*(1-rel)
		}

		changed := make([]int, s.blocks)
		skipped := make([]int, s.blocks)
		evaluations := make([]int64, s.blocks)
		err = e.forBlocks(s, func(block, start, end int) error {
			acc := v.accumulator(e, block)
			scratch := make([]float32, d)
			dists := make([]float32, k)
			groupStats := make([]groupScratch, numGroups)
			for ii := start; ii < end; ii++ {
				lowers := lower[ii*numGroups : (ii+1)*numGroups]
				x := v.rows.Row(ii, scratch)
				xNorm := v.norm(ii)
				if full {
					best, bestDist := 0, float32(math.Inf(1))
					for c := range k {
						dists[c] = metric.Distance(x, xNorm, v.centroids[c*d:(c+1)*d])
						if dists[c] < bestDist {
							best, bestDist = c, dists[c]
						}
					}
					evaluations[block] += int64(k)
					for g := range lowers {
						lowers[g] = float32(math.Inf(1))
					}
					for c := range k {
						if c == best {
							continue
						}
						g := groupValues[c]
						lowers[g] = min(lowers[g], lowerBound(dists[c]))
					}
					upper[ii] = upperBound(bestDist)
					if v.assignments[ii] != uint32(best) {
						v.assignments[ii] = uint32(best)
						changed[block]++
					}
					acc.Add(best, x, xNorm)
					continue
				}

				// Adjust bounds by the drifts of the centroids.
				assigned := int(v.assignments[ii])
				u := upper[ii] + drifts[assigned]*(1+rel)
				globalLower := float32(math.Inf(1))
				for g := range lowers {
					lowers[g] = max(lowers[g]-drifts[k+g]*(1+rel), 0)
					globalLower = min(globalLower, lowers[g])
				}
				if provablyLess(u, globalLower) {
					upper[ii] = u
					skipped[block]++
					acc.Add(assigned, x, xNorm)
					continue
				}

				// Tighten the upper bound.
				assignedDist := metric.Distance(x, xNorm, v.centroids[assigned*d:(assigned+1)*d])
				evaluations[block]++
				u = upperBound(assignedDist)
				if provablyLess(u, globalLower) {
					upper[ii] = u
					skipped[block]++
					acc.Add(assigned, x, xNorm)
					continue
				}

				// Evaluate the groups that may hold a nearer centroid.
				best, bestDist := assigned, assignedDist
				for g := range groupStats {
					stats := &groupStats[g]
					*stats = groupScratch{}
					if provablyLess(upperBound(bestDist), lowers[g]) {
						continue
					}
					stats.evaluated = true
					stats.first, stats.second = float32(math.Inf(1)), float32(math.Inf(1))
					stats.firstIdx = -1
					for _, c := range members[g] {
						dist := assignedDist
						if c != assigned {
							dist = metric.Distance(x, xNorm, v.centroids[c*d:(c+1)*d])
							evaluations[block]++
						}
						if dist < stats.first {
							stats.second = stats.first
							stats.first, stats.firstIdx = dist, c
						} else if dist < stats.second {
							stats.second = dist
						}
						if dist < bestDist || (dist == bestDist && c < best) {
							best, bestDist = c, dist
						}
					}
				}
				for g := range groupStats {
					stats := &groupStats[g]
					if !stats.evaluated {
						continue
					}
					if stats.firstIdx == best {
						lowers[g] = lowerBound(stats.second)
					} else {
						lowers[g] = lowerBound(stats.first)
					}
				}
				if best != assigned {
					g := groupValues[assigned]
					if !groupStats[g].evaluated {
						lowers[g] = min(lowers[g], lowerBound(assignedDist))
					}
					v.assignments[ii] = uint32(best)
					changed[block]++
				}
				upper[ii] = upperBound(bestDist)
				acc.Add(best, x, xNorm)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for block := range s.blocks {
			s.stats.Changed += changed[block]
			s.stats.Skipped += skipped[block]
			s.stats.Evaluations += evaluations[block]
		}
		return nil
	})
}

// slack is the rounding error margin of a computed metric value: relative for L2, absolute for Cosine whose
// values are differences to 1.
func slack(metric distance.Metric, value, rel float32) float32 {
	if metric == distance.Cosine {
		return rel
	}
	return rel * float32(math.Abs(float64(value)))
}
