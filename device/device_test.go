package device

// Common initialization for the tests of the package. Tests that need a backend are in the device_test package,
// using the emulated backend.

import (
	"k8s.io/klog/v2"
)

func init() {
	klog.InitFlags(nil)
}
