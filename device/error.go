package device

import (
	"github.com/pkg/errors"
)

// Error taxonomy shared by the runtime and the clustering engine. Errors returned by the package wrap one of these
// with more context, test for them with errors.Is.
var (
	// ErrInvalidDeviceSelection is returned when a device mask, or a device id of a buffer, references an
	// accelerator that doesn't exist. It is always detected before any allocation.
	ErrInvalidDeviceSelection = errors.New("invalid device selection")

	// ErrInvalidShapeOrWidth is returned for mismatched dimensions, a dtype not supported by the device, or a
	// pointer that doesn't hold the declared shape.
	ErrInvalidShapeOrWidth = errors.New("invalid shape or width")

	// ErrAllocationFailure is returned when a device (or pinned host memory) is exhausted.
	ErrAllocationFailure = errors.New("allocation failure")
)

// IsAllocationFailure returns whether err was caused by an exhausted device.
func IsAllocationFailure(err error) bool {
	return errors.Is(err, ErrAllocationFailure)
}

// kernelPanicError is created when a kernel panics on a device stream.
func kernelPanicError(deviceOrdinal int, r any) error {
	return errors.Errorf("kernel panicked on device #%d: %v", deviceOrdinal, r)
}
