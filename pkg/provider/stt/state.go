package stt

import (
	"sync"
	"time"
)

// SessionState is the lifecycle state of a [SessionHandle].
//
//	Connecting -> Open -> (Streaming <-> Idle) -> Closing -> Closed
//
// Error is reachable from any state when the connection fails.
type SessionState int

const (
	StateConnecting SessionState = iota
	StateOpen
	StateStreaming
	StateIdle
	StateClosing
	StateClosed
	StateError
)

// String returns the lower-case name of the state.
func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateOpen:
		return "open"
	case StateStreaming:
		return "streaming"
	case StateIdle:
		return "idle"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// DefaultIdleAfter is how long a session may go without audio before it
// reports StateIdle instead of StateStreaming.
const DefaultIdleAfter = 500 * time.Millisecond

// StateTracker derives a session's state from explicit transitions plus the
// time audio was last sent. The zero value starts in StateConnecting and uses
// DefaultIdleAfter.
type StateTracker struct {
	mu        sync.Mutex
	state     SessionState
	lastSend  time.Time
	IdleAfter time.Duration

	// now is replaced in tests.
	now func() time.Time
}

// Set records an explicit transition. Transitions out of a terminal state
// (Closed, Error) are ignored.
func (t *StateTracker) Set(s SessionState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateClosed || t.state == StateError {
		return
	}
	t.state = s
}

// MarkSent records that an audio chunk was written to the service.
func (t *StateTracker) MarkSent() {
	t.mu.Lock()
	t.lastSend = t.clock()
	t.mu.Unlock()
}

// Get returns the current state. An open session reports Streaming while
// audio flowed within IdleAfter and Idle after that.
func (t *StateTracker) Get() SessionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state != StateOpen {
		return t.state
	}
	if t.lastSend.IsZero() {
		return StateOpen
	}
	idle := t.IdleAfter
	if idle <= 0 {
		idle = DefaultIdleAfter
	}
	if t.clock().Sub(t.lastSend) <= idle {
		return StateStreaming
	}
	return StateIdle
}

func (t *StateTracker) clock() time.Time {
	if t.now != nil {
		return t.now()
	}
	return time.Now()
}
