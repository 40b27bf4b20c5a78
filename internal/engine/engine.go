// Package engine implements the clustering loop: a state machine alternating an assignment pass, run as one
// kernel per shard on its device, and a host-side reduction of the per-shard partial centroid sums.
//
// The assignment pass is either a plain Lloyd pass, or a Yinyang pass that skips samples whose cached bounds prove
// their nearest centroid didn't change. Both produce the same assignments for the same centroids.
package engine

import (
	"math"
	"time"

	"github.com/gomlx/gokmeans/device"
	"github.com/gomlx/gokmeans/dtypes"
	"github.com/gomlx/gokmeans/internal/broker"
	"github.com/gomlx/gokmeans/internal/distance"
	"github.com/gomlx/gokmeans/internal/monitor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Unassigned is the sentinel value of assignments not yet computed.
const Unassigned = math.MaxUint32

// DefaultMaxIterations is the default cap on the number of passes.
const DefaultMaxIterations = 1000

// blockSize is the number of samples processed by one unit of a device, each block has its own partial sums.
const blockSize = 2048

// State of the clustering loop.
type State int

const (
	Initializing State = iota
	Assigning
	Updating
	ConvergenceCheck
	Terminated
)

var stateNames = [...]string{"INITIALIZING", "ASSIGNING", "UPDATING", "CONVERGENCE_CHECK", "TERMINATED"}

// String implements fmt.Stringer.
func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "UNKNOWN"
	}
	return stateNames[s]
}

// Config of a run.
type Config struct {
	K      int
	Metric distance.Metric

	// Tolerance is the fraction of reassigned samples at or below which the run converged.
	Tolerance float64

	// Yinyang is the grouping parameter t: the centroids are partitioned in ⌊t·K⌋ groups. 0 disables pruning.
	Yinyang float64

	Seed uint64

	// MaxIterations caps the number of passes. 0 means DefaultMaxIterations.
	MaxIterations int

	// FirstIteration is the label of the first pass: 0 when the initial centroids were given by the caller (the
	// first pass refines them), 1 otherwise.
	FirstIteration int

	Monitor *monitor.Monitor
}

// Result of a run.
type Result struct {
	// Centroids are the centroids the final assignments were computed against, flat K×D, already rounded to the
	// precision of the storage width.
	Centroids []float32

	// Passes is the number of assignment passes run, Iteration the label of the last one.
	Passes, Iteration int

	Stop monitor.Stop
}

// Engine runs the clustering loop over samples distributed in shards.
type Engine struct {
	broker *broker.Broker
	config Config
	dtype  dtypes.DType
	n, d   int
	units  int
	state  State
	shards []*shard

	yinyang *yinyang

	// lastEmpty are the clusters found empty by the last reduction, reported with the next pass.
	lastEmpty []int
}

// New creates an Engine over the shard buffers of the samples (see broker.Distribute). scopes[i] is the scope
// of the device of shard i. All the engine buffers are allocated through b, and released with it.
func New(b *broker.Broker, scopes []*device.Scope, shards []device.Shard, samples []*device.Buffer,
	config Config) (*Engine, error) {
	if len(shards) == 0 || len(scopes) != len(shards) || len(samples) != len(shards) {
		return nil, errors.Errorf("engine.New given %d scopes, %d shards and %d sample buffers",
			len(scopes), len(shards), len(samples))
	}
	client := b.Client()
	if !client.Capabilities().HostAddressable {
		return nil, errors.Errorf("device backend %q doesn't support host addressable memory, required by the "+
			"clustering kernels", client.Backend().Name())
	}
	if config.MaxIterations <= 0 {
		config.MaxIterations = DefaultMaxIterations
	}
	dims := samples[0].Dimensions()
	if len(dims) != 2 {
		return nil, errors.WithMessagef(device.ErrInvalidShapeOrWidth, "samples must have rank 2, got %s", samples[0])
	}
	var n int
	for _, shardRange := range shards {
		n += shardRange.Count
	}
	if config.K < 1 || config.K > n {
		return nil, errors.WithMessagef(device.ErrInvalidShapeOrWidth, "cluster count %d must be in [1, %d]",
			config.K, n)
	}
	if config.Monitor == nil {
		config.Monitor = monitor.New(nil, 0, n, config.Tolerance, config.MaxIterations)
	}
	e := &Engine{
		broker: b,
		config: config,
		dtype:  samples[0].DType(),
		d:      dims[1],
		units:  client.Capabilities().ComputeUnits,
	}
	for ii, shardRange := range shards {
		e.n += shardRange.Count
		s, err := e.newShard(scopes[ii], shardRange, samples[ii])
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to set up shard #%d on device #%d", ii, scopes[ii].Ordinal())
		}
		e.shards = append(e.shards, s)
	}
	if config.Metric == distance.Cosine {
		if err := e.computeNorms(); err != nil {
			return nil, err
		}
	}
	klog.V(1).Infof("engine: %d samples of %d features (%s), %d clusters, %d shards", e.n, e.d, e.dtype,
		config.K, len(e.shards))
	return e, nil
}

// NumSamples returns N.
func (e *Engine) NumSamples() int {
	return e.n
}

// Cols returns D.
func (e *Engine) Cols() int {
	return e.d
}

// State returns the current state of the loop.
func (e *Engine) State() State {
	return e.state
}

// Assignments returns the assignment buffer of each shard, in shard order.
func (e *Engine) Assignments() []*device.Buffer {
	buffers := make([]*device.Buffer, len(e.shards))
	for ii, s := range e.shards {
		buffers[ii] = s.assignments
	}
	return buffers
}

// Shards returns the sample ranges of the shards.
func (e *Engine) Shards() []device.Shard {
	ranges := make([]device.Shard, len(e.shards))
	for ii, s := range e.shards {
		ranges[ii] = s.Shard
	}
	return ranges
}

// Run the clustering loop from the given initial centroids (flat K×D, rounded to the storage width, unit-norm for
// Cosine).
//
// Each pass assigns the samples and accumulates the partial sums on the devices (ASSIGNING and the device half of
// UPDATING), then the convergence check runs on the aggregated reassignment counts. The host reduction into the
// new centroids only happens if the loop continues: on termination the returned centroids are the ones the final
// assignments were computed against.
func (e *Engine) Run(initial []float32) (*Result, error) {
	k, d := e.config.K, e.d
	if len(initial) != k*d {
		return nil, errors.WithMessagef(device.ErrInvalidShapeOrWidth, "initial centroids have %d values, %d×%d required",
			len(initial), k, d)
	}
	e.state = Initializing
	working := make([]float32, k*d)
	copy(working, initial)
	next := make([]float32, k*d)
	if err := e.uploadCentroids(working); err != nil {
		return nil, err
	}
	if groups := int(math.Floor(e.config.Yinyang * float64(k))); e.config.Yinyang > 0 {
		if groups < 2 {
			klog.V(1).Infof("yinyang_t=%g gives %d groups for %d clusters, using plain Lloyd",
				e.config.Yinyang, groups, k)
		} else {
			e.yinyang = newYinyang(groups)
		}
	}

	mon := e.config.Monitor
	iteration := e.config.FirstIteration
	var reduceTime time.Duration
	for {
		e.state = Assigning
		record := &monitor.Record{Iteration: iteration, Kind: "lloyd", ReduceTime: reduceTime, Empty: e.lastEmpty}
		start := time.Now()
		if err := e.assign(record, working); err != nil {
			return nil, err
		}
		record.AssignTime = time.Since(start)

		e.state = ConvergenceCheck
		stop := mon.Iteration(record)
		if stop != monitor.Continue {
			e.state = Terminated
			klog.V(1).Infof("engine: %s at iteration %d after %d passes", stop, iteration, mon.Passes())
			return &Result{Centroids: working, Passes: mon.Passes(), Iteration: iteration, Stop: stop}, nil
		}

		e.state = Updating
		start = time.Now()
		empty, err := e.reduce(working, next)
		if err != nil {
			return nil, err
		}
		e.lastEmpty = empty
		if e.yinyang != nil {
			e.yinyang.observe(e, mon.Ratio(record.Changed()), working, next)
		}
		working, next = next, working
		if err = e.uploadCentroids(working); err != nil {
			return nil, err
		}
		reduceTime = time.Since(start)
		iteration++
	}
}

// assign runs one assignment pass on all shards, and waits for all of them.
func (e *Engine) assign(record *monitor.Record, working []float32) error {
	kind := "lloyd"
	var launch func(s *shard) *device.Event
	switch {
	case e.yinyang != nil && e.yinyang.active:
		kind = "yinyang"
		launch = func(s *shard) *device.Event { return e.launchYinyang(s, false) }
	case e.yinyang != nil && e.yinyang.ready:
		kind = "yinyang-init"
		usable, err := e.yinyang.setup(e, working)
		if err != nil {
			return err
		}
		if usable {
			launch = func(s *shard) *device.Event { return e.launchYinyang(s, true) }
		} else {
			e.yinyang = nil
			kind = "lloyd"
			launch = e.launchLloyd
		}
	default:
		launch = e.launchLloyd
	}
	events := make([]*device.Event, len(e.shards))
	for ii, s := range e.shards {
		s.stats = monitor.ShardStats{Device: s.scope.Ordinal(), Samples: s.Count}
		events[ii] = launch(s)
	}
	if err := device.AwaitAll(events...); err != nil {
		return errors.WithMessagef(err, "assignment pass failed")
	}
	record.Kind = kind
	if e.yinyang != nil && (kind != "lloyd") {
		record.Groups = e.yinyang.numGroups
		e.yinyang.active = true
	}
	for _, s := range e.shards {
		record.Shards = append(record.Shards, s.stats)
	}
	return nil
}

// reduce the partial sums of all shards, in shard and block order, into the new centroids.
func (e *Engine) reduce(working, next []float32) (empty []int, err error) {
	total := distance.NewAccumulator(e.config.Metric, e.config.K, e.d)
	size := distance.AccumulatorSize(e.config.K, e.d)
	for ii, s := range e.shards {
		partials, _, err := device.BufferToArray[float64](s.partials)
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to read partial sums of shard #%d", ii)
		}
		for block := range s.blocks {
			total.Merge(distance.WrapAccumulator(e.config.Metric, e.config.K, e.d, partials[block*size:(block+1)*size]))
		}
	}
	// Means normalizes Cosine centroids before rounding them to the storage width.
	return total.Means(working, next, e.dtype), nil
}

func (e *Engine) uploadCentroids(working []float32) error {
	data := dtypes.BytesOf(working)
	for ii, s := range e.shards {
		if err := s.centroids.FromHost(data); err != nil {
			return errors.WithMessagef(err, "failed to upload centroids to shard #%d", ii)
		}
	}
	return nil
}
