package taskgroup

import (
	"sync"
	"time"
)

// ShutdownEvent is a one-shot event that composes with parent and external
// events: it reads as set when any event in its ancestry is set.
type ShutdownEvent struct {
	once sync.Once
	ch   chan struct{}

	watchOnce sync.Once
	parents   []*ShutdownEvent
}

// NewShutdownEvent creates an event composed over the given parents.
// The event is set when Set is called on it or when any parent is set.
func NewShutdownEvent(parents ...*ShutdownEvent) *ShutdownEvent {
	return &ShutdownEvent{
		ch:      make(chan struct{}),
		parents: parents,
	}
}

// Set marks the event. Idempotent; wakes all waiters.
func (e *ShutdownEvent) Set() {
	e.once.Do(func() { close(e.ch) })
}

// IsSet reports whether this event or any of its parents is set.
func (e *ShutdownEvent) IsSet() bool {
	select {
	case <-e.ch:
		return true
	default:
	}
	for _, p := range e.parents {
		if p.IsSet() {
			return true
		}
	}
	return false
}

// startWatchers propagates parent signals into this event's channel so that
// Done and Wait observe the composed state. Watchers exit once the event is
// set from any side.
func (e *ShutdownEvent) startWatchers() {
	e.watchOnce.Do(func() {
		for _, p := range e.parents {
			parent := p
			go func() {
				select {
				case <-parent.Done():
					e.Set()
				case <-e.ch:
				}
			}()
		}
	})
}

// Done returns a channel closed when the composed event is set.
func (e *ShutdownEvent) Done() <-chan struct{} {
	e.startWatchers()
	return e.ch
}

// Wait blocks until the event is set or the timeout elapses. A zero timeout
// waits forever. It returns true when the event is set.
func (e *ShutdownEvent) Wait(timeout time.Duration) bool {
	if e.IsSet() {
		return true
	}
	done := e.Done()
	if timeout <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return e.IsSet()
	}
}
