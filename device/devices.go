package device

import "fmt"

// Device is a lightweight reference to an accelerator managed by a Client -- it doesn't own anything.
type Device struct {
	client  *Client
	ordinal int
}

// newDevice create a new Device reference.
func newDevice(client *Client, ordinal int) *Device {
	return &Device{client: client, ordinal: ordinal}
}

// Ordinal returns the index of the device, the bit used to select it in a device mask.
func (d *Device) Ordinal() int {
	return d.ordinal
}

// MemoryBytes returns the memory capacity of the device.
func (d *Device) MemoryBytes() int64 {
	return d.client.caps.MemoryBytes
}

// ComputeUnits returns the number of parallel units of the device.
func (d *Device) ComputeUnits() int {
	return d.client.caps.ComputeUnits
}

// SupportsFloat16 returns whether the device can work on Float16 samples.
func (d *Device) SupportsFloat16() bool {
	return d.client.caps.Float16
}

// String implements fmt.Stringer.
func (d *Device) String() string {
	return fmt.Sprintf("%s device #%d", d.client.backend.Name(), d.ordinal)
}
