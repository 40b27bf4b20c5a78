package device

import (
	"fmt"
	"slices"

	"github.com/gomlx/gokmeans/dtypes"
	"github.com/pkg/errors"
)

// Shape of a buffer: its dtype and dimensions, row-major.
type Shape struct {
	DType      dtypes.DType
	Dimensions []int
}

// MakeShape creates a Shape. The dimensions are not copied.
func MakeShape(dtype dtypes.DType, dimensions ...int) Shape {
	return Shape{DType: dtype, Dimensions: dimensions}
}

// Rank returns the number of dimensions.
func (s Shape) Rank() int {
	return len(s.Dimensions)
}

// Size returns the number of elements.
func (s Shape) Size() int {
	size := 1
	for _, dim := range s.Dimensions {
		size *= dim
	}
	return size
}

// Memory returns the number of bytes needed to store the shape.
func (s Shape) Memory() int {
	return s.DType.SizeForDimensions(s.Dimensions...)
}

// RowBytes returns the number of bytes of one row (the elements indexed by the first dimension).
// For scalars it is the size of the dtype.
func (s Shape) RowBytes() int {
	if len(s.Dimensions) == 0 {
		return s.DType.Size()
	}
	return s.DType.SizeForDimensions(s.Dimensions[1:]...)
}

// Clone returns a deep copy of the shape.
func (s Shape) Clone() Shape {
	return Shape{DType: s.DType, Dimensions: slices.Clone(s.Dimensions)}
}

// Equal returns whether the shapes have the same dtype and dimensions.
func (s Shape) Equal(other Shape) bool {
	return s.DType == other.DType && slices.Equal(s.Dimensions, other.Dimensions)
}

// Check returns an error wrapping ErrInvalidShapeOrWidth if the dtype is not valid or some dimension is negative.
func (s Shape) Check() error {
	if !s.DType.IsValid() {
		return errors.WithMessagef(ErrInvalidShapeOrWidth, "invalid dtype %s", s.DType)
	}
	for _, dim := range s.Dimensions {
		if dim < 0 {
			return errors.WithMessagef(ErrInvalidShapeOrWidth, "negative dimension in %s", s)
		}
	}
	return nil
}

// String implements fmt.Stringer.
func (s Shape) String() string {
	return fmt.Sprintf("(%s)%v", s.DType, s.Dimensions)
}
