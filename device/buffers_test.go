package device_test

import (
	"testing"
	"unsafe"

	"github.com/gomlx/gokmeans/device"
	"github.com/gomlx/gokmeans/device/emulated"
	"github.com/gomlx/gokmeans/dtypes"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/require"
	"github.com/x448/float16"
)

type errTester[T any] struct {
	value T
	err   error
}

// capture is a shortcut to test that there is no error and return the value.
func capture[T any](value T, err error) errTester[T] {
	return errTester[T]{value, err}
}

func (e errTester[T]) Test(t *testing.T) T {
	require.NoError(t, e.err)
	return e.value
}

func newTestClient(t *testing.T, devices int, memoryBytes int64) (*device.Client, *emulated.Backend) {
	client, backend, err := emulated.NewClient(emulated.Options{
		Devices:     devices,
		MemoryBytes: memoryBytes,
		Units:       2,
		Float16:     emulated.Float16Enabled,
	})
	require.NoError(t, err)
	return client, backend
}

func TestClient(t *testing.T) {
	client, _ := newTestClient(t, 3, 1<<20)
	require.Equal(t, 3, client.NumDevices())
	require.True(t, client.SupportsFloat16())
	require.Len(t, client.Devices(), 3)
	dev := capture(client.Device(2)).Test(t)
	require.Equal(t, 2, dev.Ordinal())
	require.Equal(t, int64(1<<20), dev.MemoryBytes())
	_, err := client.Device(3)
	require.ErrorIs(t, err, device.ErrInvalidDeviceSelection)
	require.Contains(t, client.String(), "emulated")

	_, err = device.NewClient(emulated.New(emulated.Options{Devices: 0, MemoryBytes: 1}))
	require.Error(t, err)
}

func testTransfersImpl[T dtypes.Supported](t *testing.T, client *device.Client, ordinal int, input []T) {
	buffer := capture(device.ArrayToBuffer(client, ordinal, input, len(input))).Test(t)
	require.Equal(t, dtypes.FromGenericsType[T](), buffer.DType())
	require.Equal(t, ordinal, buffer.Device())
	require.Equal(t, device.EngineOwned, buffer.Ownership())
	output, dims := capture2(device.BufferToArray[T](buffer))
	require.Equal(t, []int{len(input)}, dims)
	require.Equal(t, input, output)
	view := capture(device.View[T](buffer)).Test(t)
	require.Equal(t, input, view)
	require.NoError(t, buffer.Destroy())
	require.False(t, buffer.IsValid())
	require.NoError(t, buffer.Destroy(), "Destroy must be idempotent")
}

func capture2[T any](flat []T, dims []int, err error) ([]T, []int) {
	if err != nil {
		panic(err)
	}
	return flat, dims
}

func TestTransfers(t *testing.T) {
	client, backend := newTestClient(t, 2, 1<<20)
	alive := device.BuffersAlive()
	for _, ordinal := range []int{0, 1, device.HostDevice} {
		testTransfersImpl(t, client, ordinal, []float32{1, 2, 3})
		testTransfersImpl(t, client, ordinal, []float16.Float16{float16.Fromfloat32(0.5), float16.Fromfloat32(-2)})
		testTransfersImpl(t, client, ordinal, []uint32{7, 11, 13, 17})
		testTransfersImpl(t, client, ordinal, []float64{-1})
	}
	require.Equal(t, alive, device.BuffersAlive())
	require.Zero(t, backend.NumAllocations())
	require.Zero(t, backend.BytesInUse(0))

	// Wrong size.
	_, err := client.BufferFromHost().FromFlatDataWithDimensions([]float32{1, 2, 3}, []int{2, 2}).Done()
	require.ErrorIs(t, err, device.ErrInvalidShapeOrWidth)
	_, err = client.BufferFromHost().FromFlatDataWithDimensions([]float32{1, 2}, []int{2}).ToDevice(5).Done()
	require.ErrorIs(t, err, device.ErrInvalidDeviceSelection)
	_, err = client.BufferFromHost().Done()
	require.Error(t, err)
}

func TestAllocationFailure(t *testing.T) {
	client, backend := newTestClient(t, 2, 1024)
	b0 := capture(client.Allocate(0, device.MakeShape(dtypes.Float32, 200))).Test(t)
	_, err := client.Allocate(0, device.MakeShape(dtypes.Float32, 100))
	require.True(t, device.IsAllocationFailure(err))
	require.ErrorIs(t, err, device.ErrAllocationFailure)

	// Other devices have their own memory.
	b1 := capture(client.Allocate(1, device.MakeShape(dtypes.Float32, 200))).Test(t)
	require.NoError(t, b0.Destroy())
	require.NoError(t, b1.Destroy())
	require.Zero(t, backend.BytesInUse(0))
	b0 = capture(client.Allocate(0, device.MakeShape(dtypes.Float32, 256))).Test(t)
	require.NoError(t, b0.Destroy())
}

func TestSubViewAndCopy(t *testing.T) {
	client, _ := newTestClient(t, 2, 1<<20)
	values := []float32{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11}
	src := capture(client.BufferFromHost().FromFlatDataWithDimensions(values, []int{6, 2}).ToDevice(0).Done()).Test(t)
	defer func() { require.NoError(t, src.Destroy()) }()

	view := capture(src.SubView(2, 3)).Test(t)
	require.Equal(t, device.Borrowed, view.Ownership())
	require.Equal(t, []int{3, 2}, view.Dimensions())
	require.Equal(t, unsafe.Add(src.Ptr(), 2*2*4), view.Ptr())
	got, _ := capture2(device.BufferToArray[float32](view))
	require.Equal(t, []float32{4, 5, 6, 7, 8, 9}, got)

	_, err := src.SubView(5, 2)
	require.ErrorIs(t, err, device.ErrInvalidShapeOrWidth)

	// Device to device copy of the sub-view.
	dst := capture(client.Allocate(1, view.Shape())).Test(t)
	require.NoError(t, view.CopyTo(dst))
	got, _ = capture2(device.BufferToArray[float32](dst))
	require.Equal(t, []float32{4, 5, 6, 7, 8, 9}, got)
	require.NoError(t, dst.Destroy())

	// Destroying a Borrowed buffer doesn't free the parent.
	require.NoError(t, view.Destroy())
	got, _ = capture2(device.BufferToArray[float32](src))
	require.Equal(t, values, got)

	wrong := capture(client.Allocate(1, device.MakeShape(dtypes.Float32, 5))).Test(t)
	require.ErrorIs(t, src.CopyTo(wrong), device.ErrInvalidShapeOrWidth)
	require.NoError(t, wrong.Destroy())
}

func TestWrapAndHandOver(t *testing.T) {
	client, backend := newTestClient(t, 2, 1<<20)
	alive := device.BuffersAlive()
	owned := capture(device.ArrayToBuffer(client, 1, []float32{1, 2, 3, 4}, 2, 2)).Test(t)
	ptr := capture(owned.HandOver()).Test(t)
	require.Equal(t, device.CallerOwned, owned.Ownership())
	require.Equal(t, alive, device.BuffersAlive())
	require.NoError(t, owned.Destroy())
	require.Equal(t, 1, backend.NumAllocations(), "CallerOwned memory must not be freed by Destroy")

	// Wrap an interior pointer, on the right device.
	wrapped := capture(client.Wrap(unsafe.Add(ptr, 8), 1, device.MakeShape(dtypes.Float32, 2))).Test(t)
	require.Equal(t, device.Borrowed, wrapped.Ownership())
	got, _ := capture2(device.BufferToArray[float32](wrapped))
	require.Equal(t, []float32{3, 4}, got)
	_, err := wrapped.HandOver()
	require.Error(t, err)

	// Wrong device, or too many bytes.
	_, err = client.Wrap(ptr, 0, device.MakeShape(dtypes.Float32, 4))
	require.ErrorIs(t, err, device.ErrInvalidDeviceSelection)
	_, err = client.Wrap(ptr, 1, device.MakeShape(dtypes.Float32, 5))
	require.ErrorIs(t, err, device.ErrInvalidShapeOrWidth)
	_, err = client.Wrap(ptr, 7, device.MakeShape(dtypes.Float32, 4))
	require.ErrorIs(t, err, device.ErrInvalidDeviceSelection)

	require.NoError(t, client.Free(ptr))
	require.Zero(t, backend.NumAllocations())
	require.Error(t, client.Free(ptr))
}

func TestScope(t *testing.T) {
	client, backend := newTestClient(t, 2, 1<<20)
	scope := capture(client.Enter(1)).Test(t)
	require.Equal(t, 1, backend.Acquired(1))
	require.Equal(t, 1, scope.Device().Ordinal())

	buffer := capture(scope.BufferFromHost().FromFlatDataWithDimensions([]uint32{0, 0, 0}, []int{3}).Done()).Test(t)
	require.Equal(t, 1, buffer.Device())
	values := capture(device.View[uint32](buffer)).Test(t)

	// Kernels run in launch order.
	var events []*device.Event
	for ii := range 10 {
		events = append(events, scope.Launch(func() error {
			values[0] = values[0]*10 + uint32(ii%3)
			return nil
		}))
	}
	require.NoError(t, device.AwaitAll(events...))
	require.Equal(t, uint32(120120120), values[0])

	failure := errors.New("kernel error")
	require.ErrorIs(t, scope.Launch(func() error { return failure }).Await(), failure)
	panicked := scope.Launch(func() error { panic("kernel bug") })
	require.ErrorContains(t, panicked.Await(), "kernel bug")
	require.NoError(t, scope.Launch(func() error { return nil }).Await(), "stream must survive a panicking kernel")
	_ = scope.Synchronize()

	scope.Release()
	scope.Release()
	require.Zero(t, backend.Acquired(1))
	_, err := scope.Allocate(device.MakeShape(dtypes.Float32, 1))
	require.Error(t, err)
	require.Error(t, scope.Launch(func() error { return nil }).Await())
	require.NoError(t, buffer.Destroy())

	_, err = client.Enter(2)
	require.ErrorIs(t, err, device.ErrInvalidDeviceSelection)
}
