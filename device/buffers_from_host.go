package device

import (
	"reflect"
	"unsafe"

	"github.com/gomlx/gokmeans/dtypes"
	"github.com/pkg/errors"
)

// BufferFromHostConfig is used to configure the transfer from a buffer from host memory to on-device memory, it is
// created with Client.BufferFromHost or Scope.BufferFromHost.
//
// The data to transfer from host can be set up with one of the following methods:
//
// - FromRawData: it takes as inputs the bytes and shape (dtype and dimensions).
// - FromFlatDataWithDimensions: it takes as inputs a flat slice and dimensions.
//
// The device defaults to 0 (or the scope's device), but it can be configured with BufferFromHostConfig.ToDevice or
// BufferFromHostConfig.ToPinnedHost.
//
// At the end call BufferFromHostConfig.Done to actually allocate the buffer and do the transfer.
type BufferFromHostConfig struct {
	client     *Client
	data       []byte
	dtype      dtypes.DType
	dimensions []int
	device     int

	// err stores the first error that happened during configuration.
	// If it is not nil, it is immediately returned by the Done call.
	err error
}

// FromRawData configures the data from host to copy: bytes that must be kept alive (and constant) during the call.
// The parameters dtype and dimensions provide the shape of the array.
func (b *BufferFromHostConfig) FromRawData(data []byte, dtype dtypes.DType, dimensions []int) *BufferFromHostConfig {
	if b.err != nil {
		return b
	}
	shape := Shape{DType: dtype, Dimensions: dimensions}
	if err := shape.Check(); err != nil {
		b.err = errors.WithMessage(err, "BufferFromHost().FromRawData()")
		return b
	}
	if len(data) != shape.Memory() {
		b.err = errors.WithMessagef(ErrInvalidShapeOrWidth,
			"BufferFromHost().FromRawData() given %d bytes, but shape %s requires %d bytes",
			len(data), shape, shape.Memory())
		return b
	}
	b.data = data
	b.dtype = dtype
	b.dimensions = dimensions
	return b
}

// ToDevice configures which device to copy the host data to.
func (b *BufferFromHostConfig) ToDevice(ordinal int) *BufferFromHostConfig {
	if b.err != nil {
		return b
	}
	if _, err := b.client.Device(ordinal); err != nil {
		b.err = errors.WithMessage(err, "BufferFromHost().ToDevice()")
		return b
	}
	b.device = ordinal
	return b
}

// ToPinnedHost configures the data to be copied to pinned host memory, instead of a device.
func (b *BufferFromHostConfig) ToPinnedHost() *BufferFromHostConfig {
	if b.err != nil {
		return b
	}
	b.device = HostDevice
	return b
}

// FromFlatDataWithDimensions configures the data to come from a flat slice of the desired data type, and the underlying
// dimensions.
// The flat slice size must match the product of the dimension.
// If no dimensions are given, it is assumed to be a scalar, and flat should have length 1.
func (b *BufferFromHostConfig) FromFlatDataWithDimensions(flat any, dimensions []int) *BufferFromHostConfig {
	if b.err != nil {
		return b
	}
	// Checks dimensions.
	expectedSize := 1
	for _, dim := range dimensions {
		if dim < 0 {
			b.err = errors.WithMessagef(ErrInvalidShapeOrWidth,
				"FromFlatDataWithDimensions cannot be given negative dimensions, got %v", dimensions)
			return b
		}
		expectedSize *= dim
	}

	// Check the flat slice has the right shape.
	flatV := reflect.ValueOf(flat)
	if flatV.Kind() != reflect.Slice {
		b.err = errors.Errorf("FromFlatDataWithDimensions was given a %s for flat, but it requires a slice", flatV.Kind())
		return b
	}
	if flatV.Len() != expectedSize {
		b.err = errors.WithMessagef(ErrInvalidShapeOrWidth,
			"FromFlatDataWithDimensions(flat, dimensions=%v) needs %d values to match dimensions, but got len(flat)=%d",
			dimensions, expectedSize, flatV.Len())
		return b
	}

	// Check validity of the slice elements type.
	dtype := dtypes.FromGoType(flatV.Type().Elem())
	if dtype == dtypes.InvalidDType {
		b.err = errors.WithMessagef(ErrInvalidShapeOrWidth,
			"FromFlatDataWithDimensions(flat, dimensions=%v) got flat=[]%s, expected a slice of a supported dtype",
			dimensions, flatV.Type().Elem())
		return b
	}

	// Create a slice of bytes and set it as raw data.
	if expectedSize == 0 {
		return b.FromRawData(nil, dtype, dimensions)
	}
	flatPtr := flatV.Index(0).Addr().UnsafePointer()
	rawData := unsafe.Slice((*byte)(flatPtr), expectedSize*dtype.Size())
	return b.FromRawData(rawData, dtype, dimensions)
}

// Done will allocate the buffer and copy the data from host. It returns an EngineOwned buffer.
//
// The host data can be reused or freed once Done returns.
func (b *BufferFromHostConfig) Done() (*Buffer, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.dtype == dtypes.InvalidDType {
		return nil, errors.New("BufferFromHost() requires one to configure the host data to transfer, " +
			"see BufferFromHostConfig.FromRawData or BufferFromHostConfig.FromFlatDataWithDimensions")
	}
	buffer, err := b.client.Allocate(b.device, Shape{DType: b.dtype, Dimensions: b.dimensions})
	if err != nil {
		return nil, err
	}
	if err = buffer.FromHost(b.data); err != nil {
		_ = buffer.Destroy()
		return nil, err
	}
	return buffer, nil
}

// FromHost copies the host data into the buffer. The data must have exactly Buffer.Size bytes.
func (b *Buffer) FromHost(data []byte) error {
	if err := b.check(); err != nil {
		return err
	}
	if len(data) != b.Size() {
		return errors.WithMessagef(ErrInvalidShapeOrWidth, "FromHost given %d bytes for %s, which has %d bytes",
			len(data), b, b.Size())
	}
	if len(data) == 0 {
		return nil
	}
	if err := b.wrapper.backend.CopyToDevice(b.wrapper.base, b.offset, data); err != nil {
		return errors.WithMessagef(err, "failed to copy %d bytes from host to %s", len(data), b)
	}
	return nil
}

// ArrayToBuffer transfer a slice to a new EngineOwned buffer on the given device (or HostDevice).
func ArrayToBuffer[T dtypes.Supported](client *Client, ordinal int, flat []T, dimensions ...int) (*Buffer, error) {
	config := client.BufferFromHost().FromFlatDataWithDimensions(flat, dimensions)
	if ordinal == HostDevice {
		config = config.ToPinnedHost()
	} else {
		config = config.ToDevice(ordinal)
	}
	return config.Done()
}
