package kmeans

import (
	"bytes"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unsafe"

	"github.com/gomlx/gokmeans/device"
	"github.com/gomlx/gokmeans/device/emulated"
	"github.com/gomlx/gokmeans/dtypes"
	"github.com/gomlx/gokmeans/internal/broker"
	"github.com/gomlx/gokmeans/internal/datasets"
	"github.com/gomlx/gokmeans/internal/distance"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}

func must1[T any](value T, err error) T {
	if err != nil {
		panic(err)
	}
	return value
}

func newTestClient(t *testing.T, memoryBytes int64) (*device.Client, *emulated.Backend) {
	client, backend, err := emulated.NewClient(emulated.Options{
		Devices:     3,
		MemoryBytes: memoryBytes,
		Units:       2,
		Float16:     emulated.Float16Enabled,
	})
	require.NoError(t, err)
	return client, backend
}

// iterationLines counts the progress records of the passes.
func iterationLines(output string) int {
	var count int
	for _, line := range strings.Split(output, "\n") {
		if strings.HasPrefix(line, "iteration ") {
			count++
		}
	}
	return count
}

func sixBlobs(client *device.Client, mask uint32, progress *bytes.Buffer) *Config {
	samples := NewHostMatrix(datasets.SixBlobs(3), datasets.SixBlobsSamples, 2)
	return Cluster(samples).WithClient(client).Clusters(50).Init(InitRandom).Devices(mask).
		Tolerance(0.05).Yinyang(0).Seed(3).Verbosity(2).Progress(progress)
}

func TestSixBlobs(t *testing.T) {
	client, backend := newTestClient(t, 64<<20)
	var progress bytes.Buffer
	first := must1(sixBlobs(client, 1, &progress).Done())
	require.True(t, first.Converged)
	require.Equal(t, first.Iterations, iterationLines(progress.String()))
	require.True(t, strings.HasPrefix(progress.String(), "iteration 1: 13000 reassignments"))
	require.Zero(t, backend.NumAllocations())

	for _, mask := range []uint32{1, 0b110, 0} {
		progress.Reset()
		r := must1(sixBlobs(client, mask, &progress).Done())
		require.Equal(t, first.Iterations, r.Iterations, "mask=%b", mask)
		require.Equal(t, first.Iterations, iterationLines(progress.String()), "mask=%b", mask)
		require.InDeltaSlice(t, first.Centroids.Float32(), r.Centroids.Float32(), 1e-4, "mask=%b", mask)
	}

	// One step reference refit: assign to the means of the final clusters.
	samples := datasets.SixBlobs(3)
	d, k := 2, 50
	sums := make([]float64, k*d)
	counts := make([]int, k)
	for ii, c := range first.Assignments {
		counts[c]++
		sums[int(c)*d] += float64(samples[ii*d])
		sums[int(c)*d+1] += float64(samples[ii*d+1])
	}
	centroids := first.Centroids.Float32()
	for c := range k {
		if counts[c] > 0 {
			centroids[c*d] = float32(sums[c*d] / float64(counts[c]))
			centroids[c*d+1] = float32(sums[c*d+1] / float64(counts[c]))
		}
	}
	var changed int
	for ii, c := range first.Assignments {
		x := samples[ii*d : (ii+1)*d]
		best, bestDist := 0, distance.SquaredL2(x, centroids[:d])
		for jj := 1; jj < k; jj++ {
			if dist := distance.SquaredL2(x, centroids[jj*d:(jj+1)*d]); dist < bestDist {
				best, bestDist = jj, dist
			}
		}
		if uint32(best) != c {
			changed++
		}
	}
	require.Less(t, float64(changed), 0.05*float64(len(first.Assignments)))
}

func TestYinyangEquivalence(t *testing.T) {
	client, _ := newTestClient(t, 64<<20)
	values := datasets.Gaussian(8000, 16, 25, 2.5, 4)
	samples := NewHostMatrix(values, 8000, 16)
	lloyd := must1(Cluster(samples).WithClient(client).Clusters(60).Tolerance(0).Yinyang(0).Seed(7).
		Progress(nil).Done())
	var progress bytes.Buffer
	yinyang := must1(Cluster(samples).WithClient(client).Clusters(60).Tolerance(0).Yinyang(0.1).Seed(7).
		Verbosity(3).Progress(&progress).Done())
	require.True(t, lloyd.Converged)
	require.True(t, yinyang.Converged)
	require.Equal(t, lloyd.Assignments, yinyang.Assignments)
	require.Equal(t, yinyang.Iterations, iterationLines(progress.String()))
	require.Contains(t, progress.String(), "samples skipped")
}

func TestCosine(t *testing.T) {
	client, _ := newTestClient(t, 64<<20)
	for _, dtype := range []dtypes.DType{dtypes.Float32, dtypes.Float16} {
		values := datasets.Sphere(3000, 256, 9)
		var samples *HostMatrix
		if dtype == dtypes.Float16 {
			halves := make([]float16.Float16, len(values))
			for ii, v := range values {
				halves[ii] = float16.Fromfloat32(v)
			}
			samples = NewHostMatrix(halves, 3000, 256)
		} else {
			samples = NewHostMatrix(values, 3000, 256)
		}
		var progress bytes.Buffer
		r := must1(Cluster(samples).WithClient(client).Clusters(20).MetricName("cos").Yinyang(0.25).
			Tolerance(0.01).Seed(1).Verbosity(3).Progress(&progress).Done())
		require.Equal(t, dtype, r.Centroids.DType)
		centroids := r.Centroids.Float32()
		for c := range 20 {
			require.InDelta(t, 1, distance.Norm(centroids[c*256:(c+1)*256]), 2e-3, "dtype=%s centroid #%d", dtype, c)
		}
		// Extra lines at verbosity 3 never start with "iteration".
		require.Equal(t, r.Iterations, iterationLines(progress.String()))
		require.Contains(t, progress.String(), "  timing: ")
	}
}

func TestFloat16Parity(t *testing.T) {
	client, _ := newTestClient(t, 64<<20)
	values := datasets.SixBlobs(2)
	halves := make([]float16.Float16, len(values))
	for ii, v := range values {
		halves[ii] = float16.Fromfloat32(v)
	}
	// The first 6 samples are one per blob.
	initial32 := append([]float32(nil), values[:12]...)
	initial16 := append([]float16.Float16(nil), halves[:12]...)

	wide := must1(Cluster(NewHostMatrix(values, datasets.SixBlobsSamples, 2)).WithClient(client).Clusters(6).
		WithCentroids(NewHostMatrix(initial32, 6, 2)).Tolerance(0).Progress(nil).Done())
	narrow := must1(Cluster(NewHostMatrix(halves, datasets.SixBlobsSamples, 2)).WithClient(client).Clusters(6).
		WithCentroids(NewHostMatrix(initial16, 6, 2)).Tolerance(0).Progress(nil).Done())
	require.Equal(t, dtypes.Float16, narrow.Centroids.DType)
	require.InDeltaSlice(t, wide.Centroids.Float32(), narrow.Centroids.Float32(), 0.05)

	// Float16 not supported by the devices.
	noHalf, _, err := emulated.NewClient(emulated.Options{Devices: 1, MemoryBytes: 1 << 20, Units: 1,
		Float16: emulated.Float16Disabled})
	require.NoError(t, err)
	require.False(t, noHalf.SupportsFloat16())
	_, err = Cluster(NewHostMatrix(halves, datasets.SixBlobsSamples, 2)).WithClient(noHalf).Clusters(6).Done()
	require.ErrorIs(t, err, ErrInvalidShapeOrWidth)
}

func TestImportedCentroids(t *testing.T) {
	client, _ := newTestClient(t, 64<<20)
	values := datasets.SixBlobs(4)
	samples := NewHostMatrix(values, datasets.SixBlobsSamples, 2)
	var progress bytes.Buffer
	r := must1(Cluster(samples).WithClient(client).Clusters(6).WithCentroids(NewHostMatrix(values[:12], 6, 2)).
		Verbosity(2).Progress(&progress).Done())
	require.True(t, strings.HasPrefix(progress.String(), "iteration 0: "))
	require.Equal(t, r.Iterations, iterationLines(progress.String()))
	// Each blob is a cluster.
	for ii, c := range r.Assignments[:60] {
		require.Equal(t, r.Assignments[ii%6], c)
	}

	_, err := Cluster(samples).WithClient(client).Clusters(6).WithCentroids(NewHostMatrix(values[:10], 5, 2)).Done()
	require.ErrorIs(t, err, ErrInvalidShapeOrWidth)
	_, err = Cluster(samples).WithClient(client).Clusters(6).
		WithCentroids(NewHostMatrix(make([]float16.Float16, 12), 6, 2)).Done()
	require.ErrorIs(t, err, ErrInvalidShapeOrWidth)
}

func TestInvalidDeviceSelection(t *testing.T) {
	client, backend := newTestClient(t, 64<<20)
	samples := NewHostMatrix(datasets.SixBlobs(1), datasets.SixBlobsSamples, 2)
	for _, mask := range []uint32{1 << 3, 0b1001, 1 << 31} {
		_, err := Cluster(samples).WithClient(client).Clusters(6).Devices(mask).Done()
		require.ErrorIs(t, err, ErrInvalidDeviceSelection, "mask=%b", mask)
		require.Zero(t, backend.NumAllocations())
		for ordinal := range 3 {
			require.Zero(t, backend.Acquired(ordinal))
		}
	}
}

func TestValidation(t *testing.T) {
	client, backend := newTestClient(t, 64<<20)
	samples := NewHostMatrix(datasets.SixBlobs(1)[:20], 10, 2)
	for _, config := range []*Config{
		Cluster(samples).WithClient(client).Clusters(11),
		Cluster(samples).WithClient(client).Clusters(0),
		Cluster(samples).WithClient(client),
		Cluster(samples).WithClient(client).Clusters(2).Tolerance(1.5),
		Cluster(samples).WithClient(client).Clusters(2).Yinyang(-1),
		Cluster(samples).WithClient(client).Clusters(2).Verbosity(4),
		Cluster(samples).WithClient(client).Clusters(2).MaxIterations(0),
		Cluster(samples).WithClient(client).Clusters(2).InitName("best"),
		Cluster(samples).WithClient(client).Clusters(2).MetricName("manhattan"),
		Cluster(samples).WithClient(client).Clusters(2).Init(InitImport),
		Cluster(NewHostMatrix(make([]float32, 7), 4, 2)).WithClient(client).Clusters(2),
		Cluster(nil).WithClient(client).Clusters(2),
		Cluster(Descriptor{DeviceID: 0, Shape: []int{10, 2}, DType: dtypes.Float32}).WithClient(client).Clusters(2),
	} {
		_, err := config.Done()
		require.Error(t, err)
	}
	require.Zero(t, backend.NumAllocations())
}

func TestAllocationFailure(t *testing.T) {
	// Each device can only hold a fraction of the samples.
	client, backend := newTestClient(t, 32<<10)
	samples := NewHostMatrix(datasets.SixBlobs(1), datasets.SixBlobsSamples, 2)
	_, err := Cluster(samples).WithClient(client).Clusters(6).Done()
	require.ErrorIs(t, err, ErrAllocationFailure)
	require.Zero(t, backend.NumAllocations())
	for ordinal := range 3 {
		require.Zero(t, backend.Acquired(ordinal))
	}
}

// slowBackend delays every kernel and fails one allocation of a device, to exercise the release of a run that
// fails while kernels are still queued.
type slowBackend struct {
	*emulated.Backend
	delay time.Duration

	failDevice, failAt int
	allocations        atomic.Int32

	pending           atomic.Int32
	freedWhilePending atomic.Int32
}

func (b *slowBackend) Allocate(ordinal int, size int) (unsafe.Pointer, error) {
	if ordinal == b.failDevice && int(b.allocations.Add(1)) == b.failAt {
		return nil, errors.WithMessagef(ErrAllocationFailure, "allocation #%d on device #%d", b.failAt, ordinal)
	}
	return b.Backend.Allocate(ordinal, size)
}

func (b *slowBackend) Free(ptr unsafe.Pointer) error {
	if b.pending.Load() > 0 {
		b.freedWhilePending.Add(1)
	}
	return b.Backend.Free(ptr)
}

func (b *slowBackend) Launch(ordinal int, kernel device.Kernel) func() error {
	b.pending.Add(1)
	return b.Backend.Launch(ordinal, func() error {
		defer b.pending.Add(-1)
		time.Sleep(b.delay)
		return kernel()
	})
}

func TestAllocationFailureMidRun(t *testing.T) {
	// Device #1 holds its shard of samples, assignments, centroids and partial sums: its 5th allocation is the
	// buffer of distances used by k-means++.
	backend := &slowBackend{
		Backend:    emulated.New(emulated.Options{Devices: 2, MemoryBytes: 64 << 20, Units: 2}),
		delay:      20 * time.Millisecond,
		failDevice: 1,
		failAt:     5,
	}
	client := must1(device.NewClient(backend))
	samples := NewHostMatrix(datasets.SixBlobs(2), datasets.SixBlobsSamples, 2)
	_, err := Cluster(samples).WithClient(client).Clusters(6).Init(InitKMeansPlusPlus).Progress(nil).Done()
	require.ErrorIs(t, err, ErrAllocationFailure)
	require.Zero(t, backend.freedWhilePending.Load())
	require.Zero(t, backend.pending.Load())
	require.Zero(t, backend.NumAllocations())
	for ordinal := range 2 {
		require.Zero(t, backend.Acquired(ordinal))
	}
}

func TestResidencyRoundTrip(t *testing.T) {
	client, backend := newTestClient(t, 64<<20)
	values := datasets.SixBlobs(6)
	n := datasets.SixBlobsSamples
	configure := func(samples Input) *Config {
		return Cluster(samples).WithClient(client).Clusters(12).Tolerance(0.01).Seed(5).Progress(nil)
	}
	host := must1(configure(NewHostMatrix(values, n, 2)).Done())

	for _, ordinal := range []int{1, device.HostDevice} {
		input := must1(device.ArrayToBuffer(client, ordinal, values, n, 2))
		desc := Descriptor{Ptr: input.Ptr(), DeviceID: ordinal, Shape: []int{n, 2}, DType: dtypes.Float32}
		r := must1(configure(desc).Done())
		require.Nil(t, r.Centroids)
		require.Nil(t, r.Assignments)
		require.Equal(t, ordinal, r.CentroidsPtr.DeviceID)
		require.Equal(t, ordinal, r.AssignmentsPtr.DeviceID)
		require.Equal(t, []int{12, 2}, r.CentroidsPtr.Shape)
		require.Equal(t, []int{n}, r.AssignmentsPtr.Shape)
		require.Equal(t, host.Iterations, r.Iterations)

		// Read the outputs back with an explicit copy.
		centroids := must1(client.Wrap(r.CentroidsPtr.Ptr, ordinal, device.MakeShape(dtypes.Float32, 12, 2)))
		flat, _ := must1Flat(device.BufferToArray[float32](centroids))
		require.Equal(t, host.Centroids.Float32(), flat)
		assignments := must1(client.Wrap(r.AssignmentsPtr.Ptr, ordinal, device.MakeShape(dtypes.Uint32, n)))
		labels, _ := must1Flat(device.BufferToArray[uint32](assignments))
		require.Equal(t, host.Assignments, labels)

		// The input was not modified, and only it and the caller owned outputs are left.
		unchanged, _ := must1Flat(device.BufferToArray[float32](input))
		require.Equal(t, values, unchanged)
		require.Equal(t, 3, backend.NumAllocations())
		require.NoError(t, r.Release())
		require.NoError(t, input.Destroy())
		require.Zero(t, backend.NumAllocations())
	}
}

func TestHostArrayDescriptor(t *testing.T) {
	client, backend := newTestClient(t, 64<<20)
	values := datasets.SixBlobs(6)
	n := datasets.SixBlobsSamples
	configure := func(samples Input) *Config {
		return Cluster(samples).WithClient(client).Clusters(12).Tolerance(0.01).Seed(5).Progress(nil)
	}
	host := must1(configure(NewHostMatrix(values, n, 2)).Done())

	// A plain Go array given by pointer, as pinned host memory.
	desc := Descriptor{Ptr: unsafe.Pointer(&values[0]), DeviceID: device.HostDevice, Shape: []int{n, 2},
		DType: dtypes.Float32}
	require.True(t, desc.IsPinnedHost())
	r := must1(configure(desc).Done())
	require.Equal(t, host.Iterations, r.Iterations)
	require.Equal(t, device.HostDevice, r.CentroidsPtr.DeviceID)
	require.Equal(t, device.HostDevice, r.AssignmentsPtr.DeviceID)
	centroids := unsafe.Slice((*float32)(r.CentroidsPtr.Ptr), 12*2)
	require.Equal(t, host.Centroids.Float32(), centroids)
	labels := unsafe.Slice((*uint32)(r.AssignmentsPtr.Ptr), n)
	require.Equal(t, host.Assignments, labels)
	require.Equal(t, datasets.SixBlobs(6), values)

	require.Equal(t, 2, backend.NumAllocations())
	require.NoError(t, r.Release())
	require.Zero(t, backend.NumAllocations())
}

func TestHandOverOutputs(t *testing.T) {
	client, backend := newTestClient(t, 1<<20)
	b := broker.New(client)
	defer b.Release()

	// A buffer the broker doesn't own can't be handed over: the other one is freed instead of leaked.
	owned := must1(b.AllocateOn(0, device.MakeShape(dtypes.Float32, 4, 2)))
	foreign := must1(client.Allocate(1, device.MakeShape(dtypes.Uint32, 4)))
	require.Error(t, handOver(b, owned, foreign))
	require.Zero(t, b.NumOwned())
	require.Equal(t, 1, backend.NumAllocations())
	require.NoError(t, foreign.Destroy())

	centroids := must1(b.AllocateOn(0, device.MakeShape(dtypes.Float32, 4, 2)))
	assignments := must1(b.AllocateOn(device.HostDevice, device.MakeShape(dtypes.Uint32, 4)))
	require.NoError(t, handOver(b, centroids, assignments))
	require.Zero(t, b.NumOwned())
	require.Equal(t, 2, backend.NumAllocations())

	// Release frees every output even if one of them fails.
	r := &Result{client: client, CentroidsPtr: Descriptor{Ptr: unsafe.Pointer(new(int64))},
		AssignmentsPtr: descriptorOf(assignments)}
	require.Error(t, r.Release())
	require.Equal(t, 1, backend.NumAllocations())
	require.NoError(t, client.Free(centroids.Ptr()))
	require.Zero(t, backend.NumAllocations())
}

func must1Flat[T any](flat []T, dims []int, err error) ([]T, []int) {
	if err != nil {
		panic(err)
	}
	return flat, dims
}

func TestParse(t *testing.T) {
	for name, want := range map[string]InitMethod{"random": InitRandom, "kmeans++": InitKMeansPlusPlus,
		"k-means++": InitKMeansPlusPlus} {
		require.Equal(t, want, must1(ParseInit(name)))
	}
	_, err := ParseInit("afk-mc2")
	require.Error(t, err)
	for name, want := range map[string]Metric{"l2": L2, "euclidean": L2, "cos": Cosine, "cosine": Cosine} {
		require.Equal(t, want, must1(ParseMetric(name)))
	}
	_, err = ParseMetric("hamming")
	require.Error(t, err)
}

func TestSupportsFloat16(t *testing.T) {
	client, err := device.DefaultClient()
	require.NoError(t, err)
	require.Equal(t, client.SupportsFloat16(), SupportsFloat16())
}
