package device

import (
	"testing"

	"github.com/gomlx/gokmeans/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	shape := MakeShape(dtypes.Float16, 10, 3)
	require.Equal(t, 2, shape.Rank())
	require.Equal(t, 30, shape.Size())
	require.Equal(t, 60, shape.Memory())
	require.Equal(t, 6, shape.RowBytes())
	require.NoError(t, shape.Check())
	require.Equal(t, "(Float16)[10 3]", shape.String())

	clone := shape.Clone()
	require.True(t, clone.Equal(shape))
	clone.Dimensions[0] = 11
	require.False(t, clone.Equal(shape))
	require.Equal(t, 10, shape.Dimensions[0])

	require.ErrorIs(t, MakeShape(dtypes.InvalidDType, 1).Check(), ErrInvalidShapeOrWidth)
	require.ErrorIs(t, MakeShape(dtypes.Float32, -1, 2).Check(), ErrInvalidShapeOrWidth)

	scalar := MakeShape(dtypes.Uint32)
	require.Equal(t, 1, scalar.Size())
	require.Equal(t, 4, scalar.RowBytes())
}
