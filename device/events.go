package device

import (
	"sync"

	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Event is a reference to the completion of an asynchronous kernel launch, created by Scope.Launch.
type Event struct {
	once sync.Once
	wait func() error
	err  error
}

// newEvent creates an Event that completes when wait returns.
func newEvent(wait func() error) *Event {
	return &Event{wait: wait}
}

// Await blocks the calling goroutine until the event is ready, then returns the error, if any.
// It can be called multiple times, and it always returns the same error.
func (e *Event) Await() error {
	if e == nil || e.wait == nil {
		return errors.New("Event is nil or was never launched")
	}
	e.once.Do(func() {
		e.err = e.wait()
	})
	return e.err
}

// AwaitAll is the synchronization barrier: it blocks until all the events are ready, and returns the first error
// (in the order given). Further errors are only logged.
func AwaitAll(events ...*Event) error {
	var firstErr error
	for _, e := range events {
		if e == nil {
			continue
		}
		err := e.Await()
		if err == nil {
			continue
		}
		if firstErr == nil {
			firstErr = err
		} else {
			klog.V(1).Infof("AwaitAll: additional error ignored: %v", err)
		}
	}
	return firstErr
}
