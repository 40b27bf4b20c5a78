// Package device implements the accelerator runtime used by the clustering engine: a registry of backends selected
// by capability probing, a Client managing the devices of the selected backend, device Buffers with explicit
// ownership, host<->device and device<->device transfers, asynchronous kernel launches with Events, and Scope,
// the scoped acquisition of a device.
//
// A Backend is the only thing that knows how device memory is allocated and how kernels run. This module ships
// one backend, in the sub-package device/emulated, which models the accelerators on the host. A driver backend can
// register itself with RegisterBackend and it will be picked by DefaultClient if it has a higher priority and its
// probe succeeds.
//
// Typical usage:
//
//	client, err := device.DefaultClient()
//	if err != nil { ... }
//	scope, err := client.Enter(0)
//	if err != nil { ... }
//	defer scope.Release()
//	buf, err := scope.BufferFromHost().FromFlatDataWithDimensions(values, []int{rows, cols}).Done()
//	...
package device
