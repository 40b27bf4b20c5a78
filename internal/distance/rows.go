package distance

import (
	"github.com/gomlx/gokmeans/dtypes"
)

// Rows is a read-only view of a row-major matrix stored in Float32 or Float16.
type Rows struct {
	dtype    dtypes.DType
	cols     int
	rowBytes int
	data     []byte
}

// NewRows creates a view over data, a matrix with cols columns of the given storage dtype.
func NewRows(dtype dtypes.DType, cols int, data []byte) Rows {
	return Rows{
		dtype:    dtype,
		cols:     cols,
		rowBytes: dtype.SizeForDimensions(cols),
		data:     data,
	}
}

// DType of the stored values.
func (r Rows) DType() dtypes.DType {
	return r.dtype
}

// Cols returns the number of columns.
func (r Rows) Cols() int {
	return r.cols
}

// Len returns the number of rows.
func (r Rows) Len() int {
	if r.rowBytes == 0 {
		return 0
	}
	return len(r.data) / r.rowBytes
}

// Row returns row i as float32 values. For Float32 storage no data is copied and scratch is not used; for Float16
// the values are widened into scratch, which must have at least Cols elements.
// The returned slice must not be modified.
func (r Rows) Row(i int, scratch []float32) []float32 {
	raw := r.data[i*r.rowBytes : (i+1)*r.rowBytes]
	if r.dtype == dtypes.Float32 {
		return dtypes.SliceOf[float32](raw)
	}
	scratch = scratch[:r.cols]
	dtypes.WidenToFloat32(r.dtype, raw, scratch)
	return scratch
}

// Widen converts all rows to a new flat float32 slice.
func (r Rows) Widen() []float32 {
	values := make([]float32, r.Len()*r.cols)
	dtypes.WidenToFloat32(r.dtype, r.data, values)
	return values
}
