package dtypes

import (
	"unsafe"

	"github.com/x448/float16"
)

// This file holds the conversions between raw bytes, the storage widths and float32.

// BytesOf returns the raw bytes backing the flat slice. No data is copied.
func BytesOf[T Supported](flat []T) []byte {
	if len(flat) == 0 {
		return nil
	}
	var t T
	return unsafe.Slice((*byte)(unsafe.Pointer(unsafe.SliceData(flat))), len(flat)*int(unsafe.Sizeof(t)))
}

// SliceOf reinterprets the raw bytes as a slice of T. Trailing bytes that don't form a full element are ignored.
// No data is copied, and the bytes must be aligned for T.
func SliceOf[T Supported](data []byte) []T {
	var t T
	n := len(data) / int(unsafe.Sizeof(t))
	if n == 0 {
		return nil
	}
	return unsafe.Slice((*T)(unsafe.Pointer(unsafe.SliceData(data))), n)
}

// WidenToFloat32 converts the storage values in src (of the given dtype) to float32 values in dst.
// It returns the number of values converted, min(len(dst), number of elements in src).
func WidenToFloat32(dtype DType, src []byte, dst []float32) int {
	switch dtype {
	case Float32:
		return copy(dst, SliceOf[float32](src))
	case Float16:
		values := SliceOf[float16.Float16](src)
		n := min(len(values), len(dst))
		for ii := range n {
			dst[ii] = values[ii].Float32()
		}
		return n
	}
	return 0
}

// NarrowFromFloat32 stores the float32 values of src into dst, using the storage dtype.
// Float16 values are rounded to nearest-even.
func NarrowFromFloat32(dtype DType, src []float32, dst []byte) int {
	switch dtype {
	case Float32:
		return copy(SliceOf[float32](dst), src)
	case Float16:
		values := SliceOf[float16.Float16](dst)
		n := min(len(values), len(src))
		for ii := range n {
			values[ii] = float16.Fromfloat32(src[ii])
		}
		return n
	}
	return 0
}

// RoundTrip rounds each float32 value in place to the precision of the storage dtype.
func RoundTrip(dtype DType, values []float32) {
	if dtype != Float16 {
		return
	}
	for ii, v := range values {
		values[ii] = float16.Fromfloat32(v).Float32()
	}
}
