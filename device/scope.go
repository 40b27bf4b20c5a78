package device

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Scope is the acquisition of one device, created by Client.Enter. Allocations and kernel launches on the device
// go through it.
//
// Release must be called on every exit path: it waits for the kernels launched in the scope and releases the
// device. Buffers allocated in the scope are not freed by Release, their owner destroys them.
type Scope struct {
	client  *Client
	ordinal int

	mu       sync.Mutex
	pending  []*Event
	released bool
}

func newScope(client *Client, ordinal int) *Scope {
	return &Scope{client: client, ordinal: ordinal}
}

// Client returns the client the scope belongs to.
func (s *Scope) Client() *Client {
	return s.client
}

// Ordinal returns the ordinal of the device acquired by the scope.
func (s *Scope) Ordinal() int {
	return s.ordinal
}

// Device returns the device acquired by the scope.
func (s *Scope) Device() *Device {
	return s.client.devices[s.ordinal]
}

// Allocate an EngineOwned buffer on the scope's device.
func (s *Scope) Allocate(shape Shape) (*Buffer, error) {
	if err := s.checkActive(); err != nil {
		return nil, err
	}
	return s.client.Allocate(s.ordinal, shape)
}

// BufferFromHost is like Client.BufferFromHost, but the target device defaults to the scope's device.
func (s *Scope) BufferFromHost() *BufferFromHostConfig {
	config := s.client.BufferFromHost()
	config.device = s.ordinal
	config.err = s.checkActive()
	return config
}

// Launch enqueues the kernel on the device stream, and returns an Event for its completion.
// Kernels launched on the same device run in the order they were launched.
//
// A kernel that panics fails its event with an error, it doesn't crash the program.
func (s *Scope) Launch(kernel Kernel) *Event {
	if err := s.checkActive(); err != nil {
		return newEvent(func() error { return err })
	}
	ordinal := s.ordinal
	wrapped := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = kernelPanicError(ordinal, r)
			}
		}()
		return kernel()
	}
	event := newEvent(s.client.backend.Launch(ordinal, wrapped))
	s.mu.Lock()
	s.pending = append(s.pending, event)
	s.mu.Unlock()
	return event
}

// Synchronize waits for all kernels launched so far in the scope, and returns the first error.
func (s *Scope) Synchronize() error {
	s.mu.Lock()
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()
	return AwaitAll(pending...)
}

// Release waits for pending kernels and releases the device. It is idempotent.
func (s *Scope) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	pending := s.pending
	s.pending = nil
	s.mu.Unlock()

	if err := AwaitAll(pending...); err != nil {
		klog.V(1).Infof("kernel failed while releasing scope of device #%d: %v", s.ordinal, err)
	}
	s.client.backend.Release(s.ordinal)
}

func (s *Scope) checkActive() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return errors.Errorf("scope of device #%d already released", s.ordinal)
	}
	return nil
}
