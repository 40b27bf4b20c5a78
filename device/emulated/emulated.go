// Package emulated implements a device.Backend that models accelerators on the host: each device has its own
// memory arena with a capacity limit, and its own stream where kernels run in launch order.
//
// It registers itself as the "emulated" backend with the lowest priority, so it is used by device.DefaultClient when
// no driver backend is available. It is configured with environment variables:
//
//   - GOKMEANS_EMULATED_DEVICES: number of devices, default 2.
//   - GOKMEANS_EMULATED_MEMORY_MB: memory of each device in MB, default 1024.
//   - GOKMEANS_EMULATED_UNITS: compute units of each device, defaults to the number of CPUs.
//   - GOKMEANS_EMULATED_FLOAT16: "1" or "0" to force Float16 support on or off. By default Float16 is supported if
//     the CPU has half-precision conversion instructions.
package emulated

import (
	"os"
	"runtime"
	"strconv"
	"strings"

	"github.com/gomlx/gokmeans/device"
	"github.com/pkg/errors"
	"golang.org/x/sys/cpu"
)

// Name of the backend in the device registry.
const Name = "emulated"

// Environment variables used by OptionsFromEnv.
const (
	DevicesEnv  = "GOKMEANS_EMULATED_DEVICES"
	MemoryEnv   = "GOKMEANS_EMULATED_MEMORY_MB"
	UnitsEnv    = "GOKMEANS_EMULATED_UNITS"
	Float16Env  = "GOKMEANS_EMULATED_FLOAT16"
	DefaultMB   = 1024
	DefaultDevs = 2
)

// Float16Mode configures the Float16 capability of the emulated devices.
type Float16Mode int

const (
	// Float16Auto reports Float16 support if the host CPU has half-precision conversion instructions.
	Float16Auto Float16Mode = iota
	Float16Enabled
	Float16Disabled
)

// Options of an emulated Backend.
type Options struct {
	Devices     int
	MemoryBytes int64
	Units       int
	Float16     Float16Mode
}

// DefaultOptions returns the options used when no environment variable is set.
func DefaultOptions() Options {
	return Options{
		Devices:     DefaultDevs,
		MemoryBytes: DefaultMB << 20,
		Units:       runtime.NumCPU(),
		Float16:     Float16Auto,
	}
}

// OptionsFromEnv returns DefaultOptions overwritten by the GOKMEANS_EMULATED_* environment variables.
func OptionsFromEnv() (Options, error) {
	opts := DefaultOptions()
	for _, env := range []struct {
		name string
		set  func(v int)
	}{
		{DevicesEnv, func(v int) { opts.Devices = v }},
		{MemoryEnv, func(v int) { opts.MemoryBytes = int64(v) << 20 }},
		{UnitsEnv, func(v int) { opts.Units = v }},
	} {
		value := os.Getenv(env.name)
		if value == "" {
			continue
		}
		v, err := strconv.Atoi(value)
		if err != nil || v <= 0 {
			return opts, errors.Errorf("invalid value $%s=%q, it must be a positive integer", env.name, value)
		}
		env.set(v)
	}
	switch strings.ToLower(os.Getenv(Float16Env)) {
	case "":
	case "1", "true", "yes":
		opts.Float16 = Float16Enabled
	case "0", "false", "no":
		opts.Float16 = Float16Disabled
	default:
		return opts, errors.Errorf("invalid value $%s=%q, it must be 0 or 1", Float16Env, os.Getenv(Float16Env))
	}
	return opts, nil
}

// hostHasFloat16 reports whether the CPU converts half-precision values in hardware.
func hostHasFloat16() bool {
	return cpu.X86.HasAVX2 || cpu.ARM64.HasFPHP || cpu.ARM64.HasASIMDHP
}

func init() {
	device.RegisterBackend(Name, 0, func() (device.Backend, error) {
		opts, err := OptionsFromEnv()
		if err != nil {
			return nil, err
		}
		return New(opts), nil
	})
}

// NewClient creates a device.Client for a new emulated backend with the given options. Mostly used by tests.
func NewClient(opts Options) (*device.Client, *Backend, error) {
	backend := New(opts)
	client, err := device.NewClient(backend)
	if err != nil {
		return nil, nil, err
	}
	return client, backend, nil
}
