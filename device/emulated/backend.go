package emulated

import (
	"sync"
	"unsafe"

	"github.com/gomlx/gokmeans/device"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Backend emulating accelerators on the host. It is safe for concurrent use.
type Backend struct {
	opts Options

	mu          sync.Mutex
	allocations map[unsafe.Pointer]*allocation
	hostRegions map[unsafe.Pointer]*allocation // Caller host memory registered by Wrap, never freed.
	used        []int64
	acquired    []int
	streams     []chan struct{} // Completion of the last kernel launched on each device.
}

type allocation struct {
	device int

	// words keeps the memory alive and 8-bytes aligned, bytes is the view of it actually used.
	words []uint64
	bytes []byte
}

// New creates an emulated Backend. Invalid options are reported by Probe.
func New(opts Options) *Backend {
	b := &Backend{
		opts:        opts,
		allocations: make(map[unsafe.Pointer]*allocation),
		hostRegions: make(map[unsafe.Pointer]*allocation),
	}
	if opts.Devices > 0 {
		b.used = make([]int64, opts.Devices)
		b.acquired = make([]int, opts.Devices)
		b.streams = make([]chan struct{}, opts.Devices)
	}
	return b
}

var _ device.Backend = (*Backend)(nil)

// Name implements device.Backend.
func (b *Backend) Name() string {
	return Name
}

// Probe implements device.Backend.
func (b *Backend) Probe() (device.Capabilities, error) {
	if b.opts.Devices <= 0 {
		return device.Capabilities{}, errors.Errorf("emulated backend configured with %d devices", b.opts.Devices)
	}
	if b.opts.MemoryBytes <= 0 {
		return device.Capabilities{}, errors.Errorf("emulated backend configured with %d bytes of memory",
			b.opts.MemoryBytes)
	}
	caps := device.Capabilities{
		NumDevices:      b.opts.Devices,
		HostAddressable: true,
		MemoryBytes:     b.opts.MemoryBytes,
		ComputeUnits:    max(b.opts.Units, 1),
	}
	switch b.opts.Float16 {
	case Float16Enabled:
		caps.Float16 = true
	case Float16Auto:
		caps.Float16 = hostHasFloat16()
	}
	return caps, nil
}

func (b *Backend) checkDevice(ordinal int) error {
	if ordinal == device.HostDevice || (ordinal >= 0 && ordinal < b.opts.Devices) {
		return nil
	}
	return errors.WithMessagef(device.ErrInvalidDeviceSelection, "emulated device #%d doesn't exist", ordinal)
}

// Allocate implements device.Backend. Pinned host memory (device.HostDevice) has no capacity limit.
func (b *Backend) Allocate(ordinal int, size int) (unsafe.Pointer, error) {
	if err := b.checkDevice(ordinal); err != nil {
		return nil, err
	}
	if size < 0 {
		return nil, errors.WithMessagef(device.ErrInvalidShapeOrWidth, "cannot allocate %d bytes", size)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if ordinal != device.HostDevice {
		if b.used[ordinal]+int64(size) > b.opts.MemoryBytes {
			return nil, errors.WithMessagef(device.ErrAllocationFailure,
				"emulated device #%d out of memory: %d bytes requested, %d of %d bytes in use",
				ordinal, size, b.used[ordinal], b.opts.MemoryBytes)
		}
		b.used[ordinal] += int64(size)
	}
	// At least one word, so every allocation has a distinct address.
	words := make([]uint64, max((size+7)/8, 1))
	alloc := &allocation{
		device: ordinal,
		words:  words,
		bytes:  unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), size),
	}
	ptr := unsafe.Pointer(&words[0])
	b.allocations[ptr] = alloc
	klog.V(2).Infof("emulated: allocated %d bytes on device #%d at %p", size, ordinal, ptr)
	return ptr, nil
}

// Free implements device.Backend.
func (b *Backend) Free(ptr unsafe.Pointer) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	alloc, found := b.allocations[ptr]
	if !found {
		return errors.Errorf("emulated: free of unknown pointer %p", ptr)
	}
	delete(b.allocations, ptr)
	if alloc.device != device.HostDevice {
		b.used[alloc.device] -= int64(len(alloc.bytes))
	}
	return nil
}

func (b *Backend) lookup(ptr unsafe.Pointer) (*allocation, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	alloc, found := b.allocations[ptr]
	if !found {
		alloc, found = b.hostRegions[ptr]
	}
	if !found {
		return nil, errors.Errorf("emulated: unknown (or freed) allocation %p", ptr)
	}
	return alloc, nil
}

func (alloc *allocation) span(offset, size int) ([]byte, error) {
	if offset < 0 || size < 0 || offset+size > len(alloc.bytes) {
		return nil, errors.WithMessagef(device.ErrInvalidShapeOrWidth,
			"emulated: range [%d, %d) out of bounds of allocation of %d bytes", offset, offset+size, len(alloc.bytes))
	}
	return alloc.bytes[offset : offset+size], nil
}

// CopyToHost implements device.Backend.
func (b *Backend) CopyToHost(dst []byte, src unsafe.Pointer, offset int) error {
	alloc, err := b.lookup(src)
	if err != nil {
		return err
	}
	data, err := alloc.span(offset, len(dst))
	if err != nil {
		return err
	}
	copy(dst, data)
	return nil
}

// CopyToDevice implements device.Backend.
func (b *Backend) CopyToDevice(dst unsafe.Pointer, offset int, src []byte) error {
	alloc, err := b.lookup(dst)
	if err != nil {
		return err
	}
	data, err := alloc.span(offset, len(src))
	if err != nil {
		return err
	}
	copy(data, src)
	return nil
}

// CopyDeviceToDevice implements device.Backend.
func (b *Backend) CopyDeviceToDevice(dst unsafe.Pointer, dstOffset int, src unsafe.Pointer, srcOffset, size int) error {
	srcAlloc, err := b.lookup(src)
	if err != nil {
		return err
	}
	dstAlloc, err := b.lookup(dst)
	if err != nil {
		return err
	}
	srcData, err := srcAlloc.span(srcOffset, size)
	if err != nil {
		return err
	}
	dstData, err := dstAlloc.span(dstOffset, size)
	if err != nil {
		return err
	}
	copy(dstData, srcData)
	return nil
}

// Wrap implements device.Backend: ptr can point anywhere inside an allocation of the given device.
//
// For device.HostDevice, ptr can also be any caller host memory of at least size bytes (a plain Go array): it is
// registered as a host region, addressable like pinned memory but never freed. Wrapping the same pointer again
// replaces its registration.
func (b *Backend) Wrap(ptr unsafe.Pointer, ordinal int, size int) (base unsafe.Pointer, offset int, err error) {
	if err = b.checkDevice(ordinal); err != nil {
		return
	}
	addr := uintptr(ptr)
	b.mu.Lock()
	defer b.mu.Unlock()
	for allocPtr, alloc := range b.allocations {
		start := uintptr(allocPtr)
		if addr < start || addr >= start+uintptr(max(len(alloc.bytes), 1)) {
			continue
		}
		if alloc.device != ordinal {
			return nil, 0, errors.WithMessagef(device.ErrInvalidDeviceSelection,
				"emulated: pointer %p belongs to device #%d, not device #%d", ptr, alloc.device, ordinal)
		}
		offset = int(addr - start)
		if offset+size > len(alloc.bytes) {
			return nil, 0, errors.WithMessagef(device.ErrInvalidShapeOrWidth,
				"emulated: pointer %p has %d bytes available, %d required", ptr, len(alloc.bytes)-offset, size)
		}
		return allocPtr, offset, nil
	}
	if ordinal == device.HostDevice {
		b.hostRegions[ptr] = &allocation{device: device.HostDevice, bytes: unsafe.Slice((*byte)(ptr), size)}
		klog.V(2).Infof("emulated: registered %d bytes of host memory at %p", size, ptr)
		return ptr, 0, nil
	}
	return nil, 0, errors.WithMessagef(device.ErrInvalidShapeOrWidth,
		"emulated: pointer %p is not in memory of device #%d", ptr, ordinal)
}

// NumHostRegions returns the number of caller host regions registered by Wrap.
func (b *Backend) NumHostRegions() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.hostRegions)
}

// HostView implements device.Backend.
func (b *Backend) HostView(ptr unsafe.Pointer, offset, size int) ([]byte, error) {
	alloc, err := b.lookup(ptr)
	if err != nil {
		return nil, err
	}
	return alloc.span(offset, size)
}

// Acquire implements device.Backend.
func (b *Backend) Acquire(ordinal int) error {
	if ordinal < 0 || ordinal >= b.opts.Devices {
		return errors.WithMessagef(device.ErrInvalidDeviceSelection, "emulated device #%d doesn't exist", ordinal)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.acquired[ordinal]++
	return nil
}

// Release implements device.Backend.
func (b *Backend) Release(ordinal int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if ordinal < 0 || ordinal >= b.opts.Devices || b.acquired[ordinal] == 0 {
		klog.Errorf("emulated: release of device #%d that was not acquired", ordinal)
		return
	}
	b.acquired[ordinal]--
}

// Launch implements device.Backend. The kernel runs in its own goroutine, after the kernel previously launched on
// the same device is done.
func (b *Backend) Launch(ordinal int, kernel device.Kernel) (wait func() error) {
	if err := b.checkDevice(ordinal); err != nil || ordinal == device.HostDevice {
		if err == nil {
			err = errors.New("emulated: kernels cannot be launched on host memory")
		}
		return func() error { return err }
	}
	done := make(chan struct{})
	b.mu.Lock()
	previous := b.streams[ordinal]
	b.streams[ordinal] = done
	b.mu.Unlock()

	var err error
	go func() {
		defer close(done)
		if previous != nil {
			<-previous
		}
		err = kernel()
	}()
	return func() error {
		<-done
		return err
	}
}

// Acquired returns the number of scopes currently holding the device.
func (b *Backend) Acquired(ordinal int) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.acquired[ordinal]
}

// BytesInUse returns the memory allocated on the device.
func (b *Backend) BytesInUse(ordinal int) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.used[ordinal]
}

// NumAllocations returns the number of live allocations, on all devices and pinned host memory.
func (b *Backend) NumAllocations() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.allocations)
}
