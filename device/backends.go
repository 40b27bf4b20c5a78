package device

import (
	"cmp"
	"fmt"
	"os"
	"slices"
	"sync"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

const (
	// HostDevice is the device id used for pinned host memory.
	HostDevice = -1

	// BackendEnv is the name of the environment variable that forces the backend used by DefaultClient.
	BackendEnv = "GOKMEANS_BACKEND"
)

// Capabilities reported by a Backend probe.
type Capabilities struct {
	// NumDevices is the number of accelerators available.
	NumDevices int

	// Float16 is whether the devices can store and compute on Float16 samples.
	Float16 bool

	// HostAddressable is whether device memory can be viewed from the host (see Buffer.Bytes). Kernels written in Go
	// require it.
	HostAddressable bool

	// MemoryBytes is the memory capacity of each device.
	MemoryBytes int64

	// ComputeUnits is the number of parallel units of each device, used to split kernels in blocks.
	ComputeUnits int
}

// Kernel is a unit of work launched on a device stream. Kernels launched on the same device run in order.
type Kernel func() error

// Backend is the capability-based interface every accelerator runtime implements.
// All pointers are opaque handles to memory owned by the backend: device memory, or pinned host memory if allocated
// with HostDevice.
type Backend interface {
	// Name of the backend, e.g. "emulated".
	Name() string

	// Probe checks that the backend is usable and returns its capabilities.
	Probe() (Capabilities, error)

	// Allocate size bytes on the given device, or pinned host memory if device is HostDevice. Memory is zeroed.
	// It returns an error wrapping ErrAllocationFailure if there is not enough memory.
	Allocate(device int, size int) (unsafe.Pointer, error)

	// Free memory returned by Allocate.
	Free(ptr unsafe.Pointer) error

	// CopyToHost copies len(dst) bytes, starting at offset of the allocation at src.
	CopyToHost(dst []byte, src unsafe.Pointer, offset int) error

	// CopyToDevice copies src into the allocation at dst, starting at offset.
	CopyToDevice(dst unsafe.Pointer, offset int, src []byte) error

	// CopyDeviceToDevice copies size bytes between two allocations, possibly on different devices.
	CopyDeviceToDevice(dst unsafe.Pointer, dstOffset int, src unsafe.Pointer, srcOffset, size int) error

	// Wrap validates an existing pointer not allocated by the caller of Wrap: it must point into memory of the given
	// device with at least size bytes available. It returns the base of the allocation and the offset of ptr in it.
	// For HostDevice a backend can also accept host memory it didn't allocate, e.g. a caller's array.
	Wrap(ptr unsafe.Pointer, device int, size int) (base unsafe.Pointer, offset int, err error)

	// HostView returns a host-addressable view of size bytes of the allocation at ptr, starting at offset.
	// Only available if Capabilities.HostAddressable.
	HostView(ptr unsafe.Pointer, offset, size int) ([]byte, error)

	// Acquire binds the device to the caller, Release undoes it. They are paired by Scope.
	Acquire(device int) error
	Release(device int)

	// Launch enqueues the kernel on the device stream and returns a function that blocks until it is done.
	Launch(device int, kernel Kernel) (wait func() error)
}

// BackendFactory creates a Backend. It is called at most once per registered backend.
type BackendFactory func() (Backend, error)

type registeredBackend struct {
	name     string
	priority int
	factory  BackendFactory
}

var (
	// registeredBackends is protected by muBackends.
	registeredBackends []registeredBackend

	// defaultClient caches the client created by DefaultClient. Protected by muBackends.
	defaultClient *Client

	muBackends sync.Mutex
)

// RegisterBackend makes a backend available to DefaultClient. Backends with higher priority are probed first.
// It is usually called from the init function of the package implementing the backend.
func RegisterBackend(name string, priority int, factory BackendFactory) {
	muBackends.Lock()
	defer muBackends.Unlock()
	registeredBackends = slices.DeleteFunc(registeredBackends, func(b registeredBackend) bool {
		return b.name == name
	})
	registeredBackends = append(registeredBackends, registeredBackend{name: name, priority: priority, factory: factory})
	slices.SortStableFunc(registeredBackends, func(a, b registeredBackend) int {
		return cmp.Compare(b.priority, a.priority)
	})
}

// RegisteredBackends returns the names of the registered backends, in the order they are probed.
func RegisteredBackends() []string {
	muBackends.Lock()
	defer muBackends.Unlock()
	return registeredBackendNames()
}

// DefaultClient returns the process-wide client, created on first use by probing the registered backends in
// priority order (or only the one named by $GOKMEANS_BACKEND) and keeping the first that succeeds.
//
// It uses a mutex to serialize (make it safe) calls from different goroutines.
func DefaultClient() (*Client, error) {
	muBackends.Lock()
	defer muBackends.Unlock()
	if defaultClient != nil {
		return defaultClient, nil
	}

	forced, isForced := os.LookupEnv(BackendEnv)
	var probeErrs []string
	for _, registered := range registeredBackends {
		if isForced && registered.name != forced {
			continue
		}
		backend, err := registered.factory()
		if err == nil {
			var client *Client
			client, err = NewClient(backend)
			if err == nil {
				klog.V(1).Infof("using device backend %q: %s", registered.name, client)
				defaultClient = client
				return client, nil
			}
		}
		klog.V(1).Infof("device backend %q not usable: %v", registered.name, err)
		probeErrs = append(probeErrs, fmt.Sprintf("%s: %v", registered.name, err))
	}
	if isForced && len(probeErrs) == 0 {
		return nil, errors.Errorf("backend %q (from $%s) is not registered, registered backends: %v",
			forced, BackendEnv, registeredBackendNames())
	}
	return nil, errors.Errorf("no usable device backend found, probed: %v", probeErrs)
}

// registeredBackendNames assumes muBackends is held.
func registeredBackendNames() []string {
	names := make([]string, 0, len(registeredBackends))
	for _, b := range registeredBackends {
		names = append(names, b.name)
	}
	return names
}
