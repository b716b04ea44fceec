package monitor

import (
	"sync"

	"labwatch/pkg/backend"
)

// StateSignal exposes the latest lifecycle state of a job. Readers must
// call Load on every decision rather than caching the value, and must
// call Changed before Load so a change in between is not missed.
type StateSignal interface {
	Load() backend.LifecycleState
	// Changed returns a channel that is closed the next time the state
	// changes value.
	Changed() <-chan struct{}
}

// LifecycleSignal is the StateSignal written by a JobSession and read by
// a CheckpointMonitor. The zero value reads as pending.
type LifecycleSignal struct {
	mu      sync.Mutex
	state   backend.LifecycleState
	changed chan struct{}
}

// NewLifecycleSignal returns a signal holding initial.
func NewLifecycleSignal(initial backend.LifecycleState) *LifecycleSignal {
	return &LifecycleSignal{state: initial.Normalize()}
}

// Load returns the current state.
func (s *LifecycleSignal) Load() backend.LifecycleState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state.Normalize()
}

// Changed returns a channel closed on the next change of value.
func (s *LifecycleSignal) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.changed == nil {
		s.changed = make(chan struct{})
	}
	return s.changed
}

// Store sets the state and reports whether the value changed.
func (s *LifecycleSignal) Store(state backend.LifecycleState) bool {
	state = state.Normalize()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state.Normalize() == state {
		return false
	}
	s.state = state
	if s.changed != nil {
		close(s.changed)
		s.changed = nil
	}
	return true
}
