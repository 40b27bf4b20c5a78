package device

import (
	"fmt"
	"runtime"
	"sync/atomic"
	"unsafe"

	"github.com/gomlx/gokmeans/dtypes"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Ownership of the memory referenced by a Buffer.
type Ownership int

const (
	// Borrowed memory belongs to someone else (the caller's input, or a parent buffer of a sub-view): it is never
	// freed through this Buffer.
	Borrowed Ownership = iota

	// EngineOwned memory was allocated by the Client and is freed by Buffer.Destroy (or when the Buffer is garbage
	// collected, which is logged as a leak).
	EngineOwned

	// CallerOwned memory was allocated by the Client and then handed over (see Buffer.HandOver): the caller frees
	// it with Client.Free.
	CallerOwned
)

// String implements fmt.Stringer.
func (o Ownership) String() string {
	switch o {
	case Borrowed:
		return "Borrowed"
	case EngineOwned:
		return "EngineOwned"
	case CallerOwned:
		return "CallerOwned"
	}
	return fmt.Sprintf("Ownership(%d)", int(o))
}

// Buffer is a reference to a typed region of device memory (or pinned host memory, if its device is HostDevice).
type Buffer struct {
	wrapper *bufferWrapper
	client  *Client

	// offset in bytes of the buffer data from the start of the allocation.
	offset int
	shape  Shape
}

// bufferWrapper holds the allocation that may require clean up.
type bufferWrapper struct {
	base      unsafe.Pointer
	backend   Backend
	device    int
	ownership Ownership
}

func (wrapper *bufferWrapper) IsValid() bool {
	return wrapper != nil && wrapper.base != nil
}

func (wrapper *bufferWrapper) Destroy() error {
	if wrapper == nil || wrapper.base == nil {
		// Already destroyed, no-op.
		return nil
	}
	var err error
	if wrapper.ownership == EngineOwned {
		err = wrapper.backend.Free(wrapper.base)
		buffersAlive.Add(-1)
	}
	wrapper.base = nil
	wrapper.backend = nil
	return err
}

var buffersAlive atomic.Int64

// BuffersAlive returns the number of EngineOwned buffers not yet destroyed (or handed over).
// It is used to check that no path leaks device memory.
func BuffersAlive() int64 {
	return buffersAlive.Load()
}

// newBuffer creates Buffer and, if EngineOwned, registers it for freeing.
func newBuffer(client *Client, device int, base unsafe.Pointer, offset int, shape Shape, ownership Ownership) *Buffer {
	b := &Buffer{
		client: client,
		wrapper: &bufferWrapper{
			base:      base,
			backend:   client.backend,
			device:    device,
			ownership: ownership,
		},
		offset: offset,
		shape:  shape,
	}
	if ownership != EngineOwned {
		return b
	}
	buffersAlive.Add(1)
	runtime.AddCleanup(b, func(wrapper *bufferWrapper) {
		if !wrapper.IsValid() || wrapper.ownership != EngineOwned {
			return
		}
		klog.Warningf("device.Buffer on %s device #%d garbage collected without being destroyed, freeing it",
			wrapper.backend.Name(), wrapper.device)
		if err := wrapper.Destroy(); err != nil {
			klog.Errorf("device.Buffer.Destroy failed: %v", err)
		}
	}, b.wrapper)
	return b
}

// Destroy the Buffer, release resources, and Buffer is no longer valid.
// Only EngineOwned memory is actually freed. It is a no-op if the Buffer was already destroyed.
func (b *Buffer) Destroy() error {
	if b == nil || !b.wrapper.IsValid() {
		return nil
	}
	err := b.wrapper.Destroy()
	b.client = nil
	return err
}

// IsValid returns whether the buffer hasn't been destroyed.
func (b *Buffer) IsValid() bool {
	return b != nil && b.client != nil && b.wrapper.IsValid()
}

func (b *Buffer) check() error {
	if !b.IsValid() {
		return errors.New("Buffer is nil, or its memory was released -- has it been destroyed already?")
	}
	return nil
}

// Client returns the client that created this Buffer.
func (b *Buffer) Client() *Client {
	return b.client
}

// Device returns the ordinal of the device holding the buffer, or HostDevice for pinned host memory.
func (b *Buffer) Device() int {
	return b.wrapper.device
}

// Ownership returns who is responsible for freeing the buffer memory.
func (b *Buffer) Ownership() Ownership {
	return b.wrapper.ownership
}

// Shape of the buffer. The returned Dimensions are owned by the Buffer, don't change them.
func (b *Buffer) Shape() Shape {
	return b.shape
}

// DType of the buffer.
func (b *Buffer) DType() dtypes.DType {
	return b.shape.DType
}

// Dimensions of the Buffer.
// Returned slice is owned by the buffer, to avoid creating a copy. Don't change it.
func (b *Buffer) Dimensions() []int {
	return b.shape.Dimensions
}

// Size returns the size in bytes of the buffer data.
func (b *Buffer) Size() int {
	return b.shape.Memory()
}

// Ptr returns the pointer to the start of the buffer data. For sub-views this is inside the parent allocation.
func (b *Buffer) Ptr() unsafe.Pointer {
	if !b.IsValid() {
		return nil
	}
	return unsafe.Add(b.wrapper.base, b.offset)
}

// String implements fmt.Stringer.
func (b *Buffer) String() string {
	if !b.IsValid() {
		return "Buffer(destroyed)"
	}
	return fmt.Sprintf("Buffer[%s on %s, %s]", b.shape, b.client.deviceName(b.wrapper.device), b.wrapper.ownership)
}

// HandOver transfers the ownership of an EngineOwned buffer to the caller, and returns its pointer.
// After that Destroy no longer frees the memory, Client.Free must be used.
func (b *Buffer) HandOver() (unsafe.Pointer, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	if b.wrapper.ownership != EngineOwned {
		return nil, errors.Errorf("only EngineOwned buffers can be handed over, %s", b)
	}
	b.wrapper.ownership = CallerOwned
	buffersAlive.Add(-1)
	return b.Ptr(), nil
}

// SubView returns a Borrowed buffer referencing numRows rows of b, starting at firstRow. The rows are the elements
// indexed by the first dimension. No data is copied, and b must outlive the sub-view.
func (b *Buffer) SubView(firstRow, numRows int) (*Buffer, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	if b.shape.Rank() == 0 {
		return nil, errors.WithMessagef(ErrInvalidShapeOrWidth, "SubView of scalar %s", b)
	}
	if firstRow < 0 || numRows < 0 || firstRow+numRows > b.shape.Dimensions[0] {
		return nil, errors.WithMessagef(ErrInvalidShapeOrWidth, "SubView(firstRow=%d, numRows=%d) out of range for %s",
			firstRow, numRows, b)
	}
	dims := make([]int, b.shape.Rank())
	copy(dims, b.shape.Dimensions)
	dims[0] = numRows
	return newBuffer(b.client, b.wrapper.device, b.wrapper.base, b.offset+firstRow*b.shape.RowBytes(),
		Shape{DType: b.shape.DType, Dimensions: dims}, Borrowed), nil
}

// Bytes returns a host view of the buffer data. It requires a backend whose memory is host addressable, and it
// is how kernels access device memory. The view must not be used after the buffer is destroyed.
func (b *Buffer) Bytes() ([]byte, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	data, err := b.wrapper.backend.HostView(b.wrapper.base, b.offset, b.Size())
	if err != nil {
		return nil, errors.WithMessagef(err, "failed to view %s from host", b)
	}
	return data, nil
}

// View returns a typed host view of the buffer data, see Buffer.Bytes.
func View[T dtypes.Supported](b *Buffer) ([]T, error) {
	if err := b.check(); err != nil {
		return nil, err
	}
	if want := dtypes.FromGenericsType[T](); want != b.shape.DType {
		return nil, errors.WithMessagef(ErrInvalidShapeOrWidth, "View[%s] requested for %s", want, b)
	}
	data, err := b.Bytes()
	if err != nil {
		return nil, err
	}
	return dtypes.SliceOf[T](data), nil
}

// CopyTo copies the contents of b into dst, which can be on another device. Both must have the same size.
func (b *Buffer) CopyTo(dst *Buffer) error {
	if err := b.check(); err != nil {
		return err
	}
	if err := dst.check(); err != nil {
		return errors.WithMessage(err, "CopyTo destination")
	}
	if b.Size() != dst.Size() {
		return errors.WithMessagef(ErrInvalidShapeOrWidth, "CopyTo from %s to %s: sizes don't match", b, dst)
	}
	err := b.wrapper.backend.CopyDeviceToDevice(dst.wrapper.base, dst.offset, b.wrapper.base, b.offset, b.Size())
	if err != nil {
		return errors.WithMessagef(err, "failed to copy %s to %s", b, dst)
	}
	return nil
}
