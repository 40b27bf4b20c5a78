// Package broker resolves the inputs of a clustering run into device buffers, keeps track of who owns each buffer,
// and produces the outputs in the representation mirroring the input residency.
//
// Every buffer allocated through a Broker is EngineOwned and registered in its release list. Release frees them in
// reverse order of allocation, on success and error paths alike; buffers handed over to the caller with HandOver
// are removed from the list first. Borrowed buffers (the caller's inputs) are never freed.
package broker

import (
	"fmt"
	"slices"
	"sync"

	"github.com/gomlx/gokmeans/device"
	"github.com/gomlx/gokmeans/dtypes"
	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
	"k8s.io/klog/v2"
)

// Residency of a matrix given by the caller.
type Residency int

const (
	// HostArray is an ordinary host array (a Go slice).
	HostArray Residency = iota

	// PinnedHost is a pointer to pinned host memory, device id device.HostDevice.
	PinnedHost

	// DeviceResident is a pointer to memory of one device.
	DeviceResident
)

// String implements fmt.Stringer.
func (r Residency) String() string {
	switch r {
	case HostArray:
		return "host array"
	case PinnedHost:
		return "pinned host"
	case DeviceResident:
		return "device resident"
	}
	return fmt.Sprintf("Residency(%d)", int(r))
}

// Matrix is a resolved, borrowed, row-major matrix: samples or caller-supplied centroids.
type Matrix struct {
	Residency  Residency
	DType      dtypes.DType
	Rows, Cols int

	// Host holds the data of a HostArray.
	Host []byte

	// Buffer wraps the caller's pointer for PinnedHost and DeviceResident.
	Buffer *device.Buffer
}

// Device returns the ordinal of the device holding the matrix, device.HostDevice for pinned host memory, or
// -2 for host arrays.
func (m *Matrix) Device() int {
	switch m.Residency {
	case PinnedHost:
		return device.HostDevice
	case DeviceResident:
		return m.Buffer.Device()
	}
	return -2
}

// Shape of the matrix.
func (m *Matrix) Shape() device.Shape {
	return device.MakeShape(m.DType, m.Rows, m.Cols)
}

// String implements fmt.Stringer.
func (m *Matrix) String() string {
	if m.Residency == DeviceResident {
		return fmt.Sprintf("%s %s on device #%d", m.Residency, m.Shape(), m.Device())
	}
	return fmt.Sprintf("%s %s", m.Residency, m.Shape())
}

func checkShape(dtype dtypes.DType, rows, cols int) error {
	if !dtype.IsStorage() {
		return errors.WithMessagef(device.ErrInvalidShapeOrWidth, "unsupported floating width %s, "+
			"only Float32 and Float16 are supported", dtype)
	}
	if rows <= 0 || cols <= 0 {
		return errors.WithMessagef(device.ErrInvalidShapeOrWidth, "invalid matrix shape [%d, %d]", rows, cols)
	}
	return nil
}

// FromHost resolves a host array with the given shape. The data is borrowed.
func FromHost(data []byte, dtype dtypes.DType, rows, cols int) (*Matrix, error) {
	if err := checkShape(dtype, rows, cols); err != nil {
		return nil, err
	}
	if want := dtype.SizeForDimensions(rows, cols); len(data) != want {
		return nil, errors.WithMessagef(device.ErrInvalidShapeOrWidth,
			"host array has %d bytes, shape %s[%d, %d] requires %d", len(data), dtype, rows, cols, want)
	}
	return &Matrix{Residency: HostArray, DType: dtype, Rows: rows, Cols: cols, Host: data}, nil
}

// FromBuffer resolves a matrix given by a buffer wrapping a caller's pointer (see device.Client.Wrap).
func FromBuffer(buffer *device.Buffer) (*Matrix, error) {
	dims := buffer.Dimensions()
	if len(dims) != 2 {
		return nil, errors.WithMessagef(device.ErrInvalidShapeOrWidth, "matrix must have rank 2, got %s", buffer)
	}
	if err := checkShape(buffer.DType(), dims[0], dims[1]); err != nil {
		return nil, err
	}
	residency := DeviceResident
	if buffer.Device() == device.HostDevice {
		residency = PinnedHost
	}
	return &Matrix{Residency: residency, DType: buffer.DType(), Rows: dims[0], Cols: dims[1], Buffer: buffer}, nil
}

// Broker keeps the release list of a run. It is safe for concurrent use.
type Broker struct {
	client *device.Client

	mu    sync.Mutex
	owned []*device.Buffer
}

// New creates a Broker allocating on the client's devices.
func New(client *device.Client) *Broker {
	return &Broker{client: client}
}

// Client returns the client used by the broker.
func (b *Broker) Client() *device.Client {
	return b.client
}

func (b *Broker) track(buffer *device.Buffer) *device.Buffer {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.owned = append(b.owned, buffer)
	return buffer
}

// Allocate an EngineOwned buffer in the scope, registered in the release list.
func (b *Broker) Allocate(scope *device.Scope, shape device.Shape) (*device.Buffer, error) {
	buffer, err := scope.Allocate(shape)
	if err != nil {
		return nil, err
	}
	return b.track(buffer), nil
}

// AllocateOn allocates an EngineOwned buffer on the given device, or pinned host memory, without a scope.
func (b *Broker) AllocateOn(ordinal int, shape device.Shape) (*device.Buffer, error) {
	buffer, err := b.client.Allocate(ordinal, shape)
	if err != nil {
		return nil, err
	}
	return b.track(buffer), nil
}

// NumOwned returns the number of buffers in the release list.
func (b *Broker) NumOwned() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.owned)
}

// HandOver transfers the buffer to the caller: it is removed from the release list, and its pointer returned.
func (b *Broker) HandOver(buffer *device.Buffer) (*device.Buffer, error) {
	b.mu.Lock()
	idx := slices.Index(b.owned, buffer)
	if idx < 0 {
		b.mu.Unlock()
		return nil, errors.Errorf("buffer %s is not owned by the broker", buffer)
	}
	b.owned = slices.Delete(b.owned, idx, idx+1)
	b.mu.Unlock()
	if _, err := buffer.HandOver(); err != nil {
		b.track(buffer)
		return nil, err
	}
	return buffer, nil
}

// Release frees every buffer in the release list, in reverse order of allocation. It can be called multiple times.
// Failures are logged, since Release runs on error paths.
func (b *Broker) Release() {
	b.mu.Lock()
	owned := b.owned
	b.owned = nil
	b.mu.Unlock()
	for ii := len(owned) - 1; ii >= 0; ii-- {
		if err := owned[ii].Destroy(); err != nil {
			klog.Errorf("failed to release engine buffer: %+v", err)
		}
	}
	if len(owned) > 0 {
		klog.V(2).Infof("broker released %d engine buffers", len(owned))
	}
}

// Distribute places the rows of each shard on the device of its scope, and returns the shard buffers.
//
// Host arrays and pinned host memory are uploaded. For device resident matrices, the shard on the same device is a
// zero-copy sub-view (Borrowed) of the caller's buffer, and shards on other devices receive a device-to-device copy.
// Allocations are done in shard order, transfers in parallel.
func (b *Broker) Distribute(m *Matrix, scopes []*device.Scope, shards []device.Shard) ([]*device.Buffer, error) {
	if len(scopes) != len(shards) {
		return nil, errors.Errorf("Distribute given %d scopes for %d shards", len(scopes), len(shards))
	}
	buffers := make([]*device.Buffer, len(shards))
	for ii, shard := range shards {
		scope := scopes[ii]
		if m.Residency == DeviceResident && m.Buffer.Device() == scope.Ordinal() {
			view, err := m.Buffer.SubView(shard.Start, shard.Count)
			if err != nil {
				return nil, errors.WithMessagef(err, "failed to create view of shard #%d", ii)
			}
			klog.V(1).Infof("shard #%d (%d samples) uses the input on device #%d without copy",
				ii, shard.Count, scope.Ordinal())
			buffers[ii] = view
			continue
		}
		buffer, err := b.Allocate(scope, device.MakeShape(m.DType, shard.Count, m.Cols))
		if err != nil {
			return nil, errors.WithMessagef(err, "failed to allocate shard #%d (%d samples)", ii, shard.Count)
		}
		buffers[ii] = buffer
	}

	var g errgroup.Group
	g.SetLimit(len(shards))
	rowBytes := m.DType.SizeForDimensions(m.Cols)
	for ii, shard := range shards {
		if buffers[ii].Ownership() == device.Borrowed {
			continue
		}
		g.Go(func() error {
			switch m.Residency {
			case HostArray:
				return buffers[ii].FromHost(m.Host[shard.Start*rowBytes : shard.End()*rowBytes])
			default:
				src, err := m.Buffer.SubView(shard.Start, shard.Count)
				if err != nil {
					return err
				}
				if m.Residency == DeviceResident {
					klog.V(1).Infof("shard #%d (%d samples) copied from device #%d to device #%d",
						ii, shard.Count, m.Buffer.Device(), buffers[ii].Device())
				}
				return src.CopyTo(buffers[ii])
			}
		})
	}
	if err := g.Wait(); err != nil {
		return nil, errors.WithMessagef(err, "failed to distribute %s", m)
	}
	return buffers, nil
}

// Upload copies the whole host data into a new EngineOwned buffer in the scope.
func (b *Broker) Upload(scope *device.Scope, shape device.Shape, data []byte) (*device.Buffer, error) {
	buffer, err := b.Allocate(scope, shape)
	if err != nil {
		return nil, err
	}
	if err = buffer.FromHost(data); err != nil {
		return nil, err
	}
	return buffer, nil
}

// ReadMatrix returns the whole matrix in host memory, widened to float32.
func ReadMatrix(m *Matrix) ([]float32, error) {
	data := m.Host
	if m.Residency != HostArray {
		data = make([]byte, m.Shape().Memory())
		if err := m.Buffer.ToHost(data); err != nil {
			return nil, errors.WithMessagef(err, "failed to read %s", m)
		}
	}
	values := make([]float32, m.Rows*m.Cols)
	dtypes.WidenToFloat32(m.DType, data, values)
	return values, nil
}
