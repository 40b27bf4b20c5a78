package kmeans

import (
	"fmt"
	"unsafe"

	"github.com/gomlx/gokmeans/device"
	"github.com/gomlx/gokmeans/dtypes"
	"github.com/gomlx/gokmeans/internal/broker"
	"github.com/pkg/errors"
)

// Input is a matrix given to a clustering run: a *HostMatrix or a Descriptor.
type Input interface {
	resolve(client *device.Client) (*broker.Matrix, error)
}

// HostMatrix is a row-major matrix in an ordinary host array, Float32 or Float16.
type HostMatrix struct {
	DType      dtypes.DType
	Rows, Cols int

	// Data holds Rows×Cols values of DType.
	Data []byte
}

var _ Input = (*HostMatrix)(nil)

// NewHostMatrix creates a HostMatrix sharing the flat rows×cols values. It is not copied.
func NewHostMatrix[T dtypes.Float](flat []T, rows, cols int) *HostMatrix {
	return &HostMatrix{DType: dtypes.FromGenericsType[T](), Rows: rows, Cols: cols, Data: dtypes.BytesOf(flat)}
}

// Float32 returns the values of the matrix, widened to float32.
func (m *HostMatrix) Float32() []float32 {
	values := make([]float32, m.Rows*m.Cols)
	dtypes.WidenToFloat32(m.DType, m.Data, values)
	return values
}

// String implements fmt.Stringer.
func (m *HostMatrix) String() string {
	return fmt.Sprintf("HostMatrix(%s)[%d %d]", m.DType, m.Rows, m.Cols)
}

func (m *HostMatrix) resolve(_ *device.Client) (*broker.Matrix, error) {
	if m == nil {
		return nil, errors.WithMessage(ErrInvalidShapeOrWidth, "nil HostMatrix")
	}
	return broker.FromHost(m.Data, m.DType, m.Rows, m.Cols)
}

// Descriptor describes a row-major matrix given by pointer: pinned host memory if DeviceID is device.HostDevice,
// otherwise memory of the device DeviceID.
type Descriptor struct {
	Ptr      unsafe.Pointer
	DeviceID int
	Shape    []int
	DType    dtypes.DType
}

var _ Input = Descriptor{}

// IsPinnedHost returns whether the descriptor points to pinned host memory.
func (d Descriptor) IsPinnedHost() bool {
	return d.DeviceID == device.HostDevice
}

// String implements fmt.Stringer.
func (d Descriptor) String() string {
	where := fmt.Sprintf("device #%d", d.DeviceID)
	if d.IsPinnedHost() {
		where = "pinned host"
	}
	return fmt.Sprintf("Descriptor(%s)%v at %p on %s", d.DType, d.Shape, d.Ptr, where)
}

func (d Descriptor) resolve(client *device.Client) (*broker.Matrix, error) {
	if len(d.Shape) != 2 {
		return nil, errors.WithMessagef(ErrInvalidShapeOrWidth, "%s must have rank 2", d)
	}
	buffer, err := client.Wrap(d.Ptr, d.DeviceID, device.MakeShape(d.DType, d.Shape...))
	if err != nil {
		return nil, err
	}
	return broker.FromBuffer(buffer)
}

func descriptorOf(buffer *device.Buffer) Descriptor {
	return Descriptor{Ptr: buffer.Ptr(), DeviceID: buffer.Device(), Shape: buffer.Dimensions(), DType: buffer.DType()}
}
