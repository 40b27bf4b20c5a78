// Package dtypes defines the element types used by the clustering engine: the two storage widths for samples and
// centroids (Float32 and Float16), Uint32 for assignments and Float64 for the wide accumulators.
package dtypes

import (
	"fmt"
	"reflect"

	"github.com/x448/float16"
)

// DType is the element type of a buffer, on host or on device.
type DType int32

const (
	// InvalidDType represents an invalid (or not set) dtype.
	InvalidDType DType = iota

	// Float32 is the wide storage width, and the width used for pairwise distance accumulation.
	Float32

	// Float16 is the narrow storage width. Support on a device is a capability, see device.Client.SupportsFloat16.
	Float16

	// Uint32 is used by the assignment vector.
	Uint32

	// Float64 is only used internally, for the centroid sum accumulators.
	Float64
)

// Short aliases.
const (
	Invalid = InvalidDType
	F32     = Float32
	F16     = Float16
	U32     = Uint32
	F64     = Float64
)

var dtypeNames = map[DType]string{
	InvalidDType: "InvalidDType",
	Float32:      "Float32",
	Float16:      "Float16",
	Uint32:       "Uint32",
	Float64:      "Float64",
}

// MapOfNames maps the names (and common aliases) of the dtypes to their values.
var MapOfNames = map[string]DType{
	"InvalidDType": InvalidDType,
	"Invalid":      InvalidDType,
	"Float32":      Float32,
	"float32":      Float32,
	"F32":          Float32,
	"f32":          Float32,
	"fp32":         Float32,
	"Float16":      Float16,
	"float16":      Float16,
	"F16":          Float16,
	"f16":          Float16,
	"fp16":         Float16,
	"half":         Float16,
	"Uint32":       Uint32,
	"uint32":       Uint32,
	"U32":          Uint32,
	"u32":          Uint32,
	"Float64":      Float64,
	"float64":      Float64,
	"F64":          Float64,
	"f64":          Float64,
}

// String implements fmt.Stringer.
func (dtype DType) String() string {
	if name, found := dtypeNames[dtype]; found {
		return name
	}
	return fmt.Sprintf("DType(%d)", int32(dtype))
}

// IsValid returns whether the dtype is one of the defined dtypes, other than InvalidDType.
func (dtype DType) IsValid() bool {
	_, found := dtypeNames[dtype]
	return found && dtype != InvalidDType
}

// IsStorage returns whether the dtype can be used to store samples and centroids.
func (dtype DType) IsStorage() bool {
	return dtype == Float32 || dtype == Float16
}

// Size returns the number of bytes of one element of the dtype. It returns 0 for InvalidDType.
func (dtype DType) Size() int {
	switch dtype {
	case Float32, Uint32:
		return 4
	case Float16:
		return 2
	case Float64:
		return 8
	}
	return 0
}

// SizeForDimensions returns the number of bytes needed to store an array of the dtype with the given dimensions.
// With no dimensions it returns the size of a scalar.
func (dtype DType) SizeForDimensions(dimensions ...int) int {
	size := dtype.Size()
	for _, dim := range dimensions {
		size *= dim
	}
	return size
}

// GoType returns the Go type used to represent the dtype on host. It returns nil for InvalidDType.
func (dtype DType) GoType() reflect.Type {
	switch dtype {
	case Float32:
		return float32Type
	case Float16:
		return float16Type
	case Uint32:
		return uint32Type
	case Float64:
		return float64Type
	}
	return nil
}

var (
	float32Type = reflect.TypeOf(float32(0))
	float16Type = reflect.TypeOf(float16.Float16(0))
	uint32Type  = reflect.TypeOf(uint32(0))
	float64Type = reflect.TypeOf(float64(0))
)

// Supported lists the Go types that map to a DType.
type Supported interface {
	float32 | float16.Float16 | uint32 | float64
}

// Float lists the Go types of the storage widths.
type Float interface {
	float32 | float16.Float16
}

// FromGenericsType returns the DType for the generic type T.
func FromGenericsType[T Supported]() DType {
	var t T
	switch any(t).(type) {
	case float32:
		return Float32
	case float16.Float16:
		return Float16
	case uint32:
		return Uint32
	case float64:
		return Float64
	}
	return InvalidDType
}

// FromGoType returns the DType for the given Go type, or InvalidDType if it is not supported.
func FromGoType(t reflect.Type) DType {
	switch t {
	case float32Type:
		return Float32
	case float16Type:
		return Float16
	case uint32Type:
		return Uint32
	case float64Type:
		return Float64
	}
	return InvalidDType
}

// FromFlat returns the DType of the elements of the given flat slice, or InvalidDType if it is not a slice of a
// supported type.
func FromFlat(flat any) DType {
	t := reflect.TypeOf(flat)
	if t == nil || t.Kind() != reflect.Slice {
		return InvalidDType
	}
	return FromGoType(t.Elem())
}
