package device

import (
	"slices"

	"github.com/gomlx/gokmeans/dtypes"
	"github.com/pkg/errors"
)

// ToHost copies the buffer contents to dst, which must have exactly Buffer.Size bytes.
func (b *Buffer) ToHost(dst []byte) error {
	if err := b.check(); err != nil {
		return err
	}
	if len(dst) != b.Size() {
		return errors.WithMessagef(ErrInvalidShapeOrWidth, "ToHost given %d bytes for %s, which has %d bytes",
			len(dst), b, b.Size())
	}
	if len(dst) == 0 {
		return nil
	}
	if err := b.wrapper.backend.CopyToHost(dst, b.wrapper.base, b.offset); err != nil {
		return errors.WithMessagef(err, "failed to copy %s to host", b)
	}
	return nil
}

// BufferToArray transfers the buffer to a new flat slice and returns it along with its dimensions.
func BufferToArray[T dtypes.Supported](b *Buffer) (flat []T, dimensions []int, err error) {
	if err = b.check(); err != nil {
		return
	}
	if want := dtypes.FromGenericsType[T](); want != b.shape.DType {
		err = errors.WithMessagef(ErrInvalidShapeOrWidth, "BufferToArray[%s] called for %s", want, b)
		return
	}
	flat = make([]T, b.shape.Size())
	if err = b.ToHost(dtypes.BytesOf(flat)); err != nil {
		return nil, nil, err
	}
	dimensions = slices.Clone(b.shape.Dimensions)
	return
}
