package device

import (
	"fmt"
	"unsafe"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Client manages the devices of one Backend: probing, scopes, allocations and transfers.
type Client struct {
	backend Backend
	caps    Capabilities
	devices []*Device
}

// NewClient probes the backend and creates a Client for it.
func NewClient(backend Backend) (*Client, error) {
	if backend == nil {
		return nil, errors.New("NewClient given a nil backend")
	}
	caps, err := backend.Probe()
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to probe device backend %q", backend.Name())
	}
	if caps.NumDevices <= 0 {
		return nil, errors.Errorf("device backend %q has no devices", backend.Name())
	}
	if caps.ComputeUnits <= 0 {
		// Non-fatal
		klog.Warningf("device backend %q reported %d compute units, using 1", backend.Name(), caps.ComputeUnits)
		caps.ComputeUnits = 1
	}
	c := &Client{backend: backend, caps: caps}
	c.devices = make([]*Device, caps.NumDevices)
	for ordinal := range caps.NumDevices {
		c.devices[ordinal] = newDevice(c, ordinal)
	}
	return c, nil
}

// Backend returns the backend used by the client.
func (c *Client) Backend() Backend {
	return c.backend
}

// Capabilities returns the capabilities probed when the client was created.
func (c *Client) Capabilities() Capabilities {
	return c.caps
}

// NumDevices returns the number of devices managed by the client.
func (c *Client) NumDevices() int {
	return len(c.devices)
}

// Devices returns the devices, ordered by ordinal.
//
// The returned slice and the Devices are owned by the Client, don't change it.
func (c *Client) Devices() []*Device {
	return c.devices
}

// Device returns the device with the given ordinal.
func (c *Client) Device(ordinal int) (*Device, error) {
	if ordinal < 0 || ordinal >= len(c.devices) {
		return nil, errors.WithMessagef(ErrInvalidDeviceSelection, "device #%d requested, only %d devices available",
			ordinal, len(c.devices))
	}
	return c.devices[ordinal], nil
}

// SupportsFloat16 returns whether the devices can work on Float16 samples. It doesn't require any allocation.
func (c *Client) SupportsFloat16() bool {
	return c.caps.Float16
}

// String implements fmt.Stringer.
func (c *Client) String() string {
	if c == nil || c.backend == nil {
		return "Invalid client"
	}
	return fmt.Sprintf("Client[backend=%q, devices=%d, float16=%v, memory=%dMB/device]",
		c.backend.Name(), len(c.devices), c.caps.Float16, c.caps.MemoryBytes/(1<<20))
}

// Enter acquires the device with the given ordinal and returns the Scope through which it is used.
// The Scope must be released on every exit path, usually with `defer scope.Release()`.
func (c *Client) Enter(ordinal int) (*Scope, error) {
	if _, err := c.Device(ordinal); err != nil {
		return nil, err
	}
	if err := c.backend.Acquire(ordinal); err != nil {
		return nil, errors.WithMessagef(err, "failed to acquire device #%d", ordinal)
	}
	return newScope(c, ordinal), nil
}

// Allocate a buffer of the given dtype and dimensions on the device (or HostDevice for pinned host memory).
// The returned buffer is EngineOwned: Buffer.Destroy frees it, unless it is handed over with Buffer.HandOver.
func (c *Client) Allocate(ordinal int, shape Shape) (*Buffer, error) {
	if ordinal != HostDevice {
		if _, err := c.Device(ordinal); err != nil {
			return nil, err
		}
	}
	if err := shape.Check(); err != nil {
		return nil, errors.WithMessagef(err, "cannot allocate buffer on %s", c.deviceName(ordinal))
	}
	ptr, err := c.backend.Allocate(ordinal, shape.Memory())
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to allocate %s on %s", shape, c.deviceName(ordinal))
	}
	return newBuffer(c, ordinal, ptr, 0, shape.Clone(), EngineOwned), nil
}

// Wrap an existing pointer on the given device (or HostDevice) as a Borrowed buffer: it is never freed by the
// client. The pointer must hold at least the bytes required by shape.
func (c *Client) Wrap(ptr unsafe.Pointer, ordinal int, shape Shape) (*Buffer, error) {
	if ordinal != HostDevice {
		if _, err := c.Device(ordinal); err != nil {
			return nil, err
		}
	}
	if ptr == nil {
		return nil, errors.WithMessagef(ErrInvalidShapeOrWidth, "cannot wrap a nil pointer on %s", c.deviceName(ordinal))
	}
	if err := shape.Check(); err != nil {
		return nil, errors.WithMessagef(err, "cannot wrap pointer on %s", c.deviceName(ordinal))
	}
	base, offset, err := c.backend.Wrap(ptr, ordinal, shape.Memory())
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to wrap pointer %p as %s on %s", ptr, shape, c.deviceName(ordinal))
	}
	return newBuffer(c, ordinal, base, offset, shape.Clone(), Borrowed), nil
}

// Free releases memory that was handed over to the caller (see Buffer.HandOver), given its pointer.
func (c *Client) Free(ptr unsafe.Pointer) error {
	if ptr == nil {
		return nil
	}
	if err := c.backend.Free(ptr); err != nil {
		return errors.WithMessagef(err, "failed to free %p", ptr)
	}
	return nil
}

// BufferFromHost creates an on-device buffer with the contents copied from the given host data.
//
// It returns a BufferFromHostConfig that must be furthered configured -- at least the host data to transfer must
// be given. Call BufferFromHostConfig.Done to trigger the transfer.
func (c *Client) BufferFromHost() *BufferFromHostConfig {
	return &BufferFromHostConfig{client: c}
}

func (c *Client) deviceName(ordinal int) string {
	if ordinal == HostDevice {
		return "pinned host memory"
	}
	return fmt.Sprintf("device #%d", ordinal)
}
