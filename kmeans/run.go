package kmeans

import (
	stderrors "errors"
	"fmt"

	"github.com/gomlx/gokmeans/device"
	"github.com/gomlx/gokmeans/dtypes"
	"github.com/gomlx/gokmeans/internal/broker"
	"github.com/gomlx/gokmeans/internal/engine"
	"github.com/gomlx/gokmeans/internal/initializer"
	"github.com/gomlx/gokmeans/internal/monitor"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Result of a clustering run.
//
// For host array samples, Centroids and Assignments hold the outputs. For samples given by Descriptor, the outputs
// are CentroidsPtr and AssignmentsPtr, allocated on the device of the samples (or in pinned host memory) and owned
// by the caller, see Result.Release.
type Result struct {
	Centroids   *HostMatrix
	Assignments []uint32

	CentroidsPtr, AssignmentsPtr Descriptor

	// Iterations is the number of passes run, one per "iteration" progress record.
	Iterations int

	// Converged is false if the run stopped at the iteration cap.
	Converged bool

	client *device.Client
}

// Release frees the output pointers, if any.
func (r *Result) Release() error {
	if r.client == nil {
		return nil
	}
	var errs []error
	for _, desc := range []Descriptor{r.CentroidsPtr, r.AssignmentsPtr} {
		if err := r.client.Free(desc.Ptr); err != nil {
			errs = append(errs, err)
		}
	}
	r.CentroidsPtr, r.AssignmentsPtr = Descriptor{}, Descriptor{}
	return stderrors.Join(errs...)
}

// Done validates the configuration and runs the clustering.
//
// Validation errors are returned before anything is allocated. On failure, every buffer allocated by the run is
// released before returning; the caller's inputs are never modified nor freed.
func (c *Config) Done() (*Result, error) {
	if c.err != nil {
		return nil, c.err
	}
	if c.samples == nil {
		return nil, errors.WithMessage(ErrInvalidShapeOrWidth, "no samples given")
	}
	if c.k < 1 {
		return nil, errors.Errorf("number of clusters not set, use Config.Clusters")
	}
	client := c.client
	if client == nil {
		var err error
		if client, err = device.DefaultClient(); err != nil {
			return nil, err
		}
	}
	ordinals, err := device.Select(c.mask, client.NumDevices())
	if err != nil {
		return nil, err
	}
	samples, err := c.samples.resolve(client)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid samples")
	}
	if samples.DType == dtypes.Float16 && !client.SupportsFloat16() {
		return nil, errors.WithMessagef(ErrInvalidShapeOrWidth, "device backend %q doesn't support Float16 samples",
			client.Backend().Name())
	}
	n, d := samples.Rows, samples.Cols
	if c.k > n {
		return nil, errors.WithMessagef(ErrInvalidShapeOrWidth, "number of clusters %d is larger than the number "+
			"of samples %d", c.k, n)
	}
	var imported []float32
	if c.init == InitImport {
		if imported, err = c.importCentroids(client, samples); err != nil {
			return nil, err
		}
	}

	shards := device.Partition(n, len(ordinals))
	if len(shards) < len(ordinals) {
		klog.Warningf("only %d samples for %d devices, devices %v are not used", n, len(ordinals),
			ordinals[len(shards):])
		ordinals = ordinals[:len(shards)]
	}
	// Scopes are released first: they wait for the pending kernels before the broker frees their buffers.
	b := broker.New(client)
	defer b.Release()
	scopes := make([]*device.Scope, 0, len(ordinals))
	defer func() {
		for _, scope := range scopes {
			scope.Release()
		}
	}()
	for _, ordinal := range ordinals {
		scope, err := client.Enter(ordinal)
		if err != nil {
			return nil, err
		}
		scopes = append(scopes, scope)
	}

	buffers, err := b.Distribute(samples, scopes, shards)
	if err != nil {
		return nil, err
	}

	mon := monitor.New(c.progress, c.verbosity, n, c.tolerance, c.maxIterations)
	mon.Start(fmt.Sprintf("%d samples of %d features (%s, %s), %d clusters, init %s, metric %s, devices %v",
		n, d, samples.DType, samples.Residency, c.k, c.init, c.metric, ordinals))
	firstIteration := 1
	if c.init == InitImport {
		firstIteration = 0
	}
	e, err := engine.New(b, scopes, shards, buffers, engine.Config{
		K:              c.k,
		Metric:         c.metric,
		Tolerance:      c.tolerance,
		Yinyang:        c.yinyang,
		Seed:           c.seed,
		MaxIterations:  c.maxIterations,
		FirstIteration: firstIteration,
		Monitor:        mon,
	})
	if err != nil {
		return nil, err
	}
	initial, err := initializer.Run(initializer.Config{
		Method:    c.init,
		K:         c.k,
		Seed:      c.seed,
		Metric:    c.metric,
		Storage:   samples.DType,
		Centroids: imported,
	}, e.Sampler())
	if err != nil {
		return nil, err
	}
	run, err := e.Run(initial)
	if err != nil {
		return nil, err
	}
	mon.Finish(run.Stop)

	result := &Result{Iterations: run.Passes, Converged: run.Stop == monitor.Converged}
	if err = publish(b, samples, e, run.Centroids, result); err != nil {
		return nil, err
	}
	if samples.Residency != broker.HostArray {
		result.client = client
	}
	return result, nil
}

// importCentroids validates and reads the centroids given with WithCentroids.
func (c *Config) importCentroids(client *device.Client, samples *broker.Matrix) ([]float32, error) {
	centroids, err := c.centroids.resolve(client)
	if err != nil {
		return nil, errors.WithMessage(err, "invalid centroids")
	}
	if centroids.Rows != c.k || centroids.Cols != samples.Cols || centroids.DType != samples.DType {
		return nil, errors.WithMessagef(ErrInvalidShapeOrWidth, "centroids %s don't match %d clusters of samples %s",
			centroids, c.k, samples)
	}
	values, err := broker.ReadMatrix(centroids)
	if err != nil {
		return nil, err
	}
	return values, nil
}

// publish writes the outputs of the run in the representation mirroring the samples.
func publish(b *broker.Broker, samples *broker.Matrix, e *engine.Engine, centroids []float32, result *Result) error {
	k, d := len(centroids)/e.Cols(), e.Cols()
	narrowed := make([]byte, samples.DType.SizeForDimensions(k, d))
	dtypes.NarrowFromFloat32(samples.DType, centroids, narrowed)
	if samples.Residency == broker.HostArray {
		result.Centroids = &HostMatrix{DType: samples.DType, Rows: k, Cols: d, Data: narrowed}
		result.Assignments = make([]uint32, e.NumSamples())
		return broker.Gather(dtypes.BytesOf(result.Assignments), e.Assignments())
	}

	centroidsBuffer, err := b.Publish(samples, device.MakeShape(samples.DType, k, d), narrowed)
	if err != nil {
		return err
	}
	assignmentsBuffer, err := b.PublishShards(samples, device.MakeShape(dtypes.Uint32, e.NumSamples()),
		e.Assignments(), e.Shards())
	if err != nil {
		return err
	}
	if err = handOver(b, centroidsBuffer, assignmentsBuffer); err != nil {
		return err
	}
	result.CentroidsPtr = descriptorOf(centroidsBuffer)
	result.AssignmentsPtr = descriptorOf(assignmentsBuffer)
	klog.V(1).Infof("outputs handed over to the caller: %s and %s", result.CentroidsPtr, result.AssignmentsPtr)
	return nil
}

// handOver transfers the ownership of all the buffers to the caller, or of none: if any fails, the buffers already
// handed over are freed.
func handOver(b *broker.Broker, buffers ...*device.Buffer) error {
	var errs []error
	handed := make([]*device.Buffer, 0, len(buffers))
	for _, buffer := range buffers {
		if _, err := b.HandOver(buffer); err != nil {
			errs = append(errs, err)
			continue
		}
		handed = append(handed, buffer)
	}
	if len(errs) == 0 {
		return nil
	}
	for _, buffer := range handed {
		if err := b.Client().Free(buffer.Ptr()); err != nil {
			errs = append(errs, err)
		}
	}
	return stderrors.Join(errs...)
}
