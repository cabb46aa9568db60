package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/MrWong99/supportline/internal/pipeline"
)

// ErrSessionUnavailable is returned by [SessionManager.Start] when the
// current configuration cannot build a pipeline (typically a missing API
// key). The wrapped error names what is missing.
var ErrSessionUnavailable = errors.New("app: session unavailable")

// SessionManager manages the lifecycle of support sessions.
// Only one session can be active at a time (the pipeline controller enforces
// it). Configuration changes made while a session runs are held back and
// applied when the next session starts.
// All exported methods are safe for concurrent use.
type SessionManager struct {
	// lifecycle serialises Start against Reconfigure so a controller is
	// never swapped out while it is starting.
	lifecycle sync.Mutex

	mu sync.Mutex

	// ctrl is nil while the configuration is incomplete; cfgErr says why.
	ctrl   *pipeline.Controller
	cfgErr error

	// pending replaces ctrl at the next Start.
	pending *pipeline.Controller
}

// NewSessionManager creates a SessionManager for cfg. An incomplete cfg is
// not an error here: the manager stays unavailable until [Reconfigure]
// supplies a usable one.
func NewSessionManager(cfg pipeline.Config) *SessionManager {
	sm := &SessionManager{}
	ctrl, err := pipeline.New(cfg)
	if err != nil {
		slog.Warn("session unavailable until the configuration is completed", "err", err)
		sm.cfgErr = err
		return sm
	}
	sm.ctrl = ctrl
	return sm
}

// Start begins a new session. It returns [pipeline.ErrNotIdle] if a session
// is already active and [ErrSessionUnavailable] if no pipeline could be built.
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.lifecycle.Lock()
	defer sm.lifecycle.Unlock()

	sm.mu.Lock()
	if sm.pending != nil && (sm.ctrl == nil || sm.ctrl.State() == pipeline.StateIdle) {
		sm.ctrl, sm.pending = sm.pending, nil
		slog.Info("session configuration updated")
	}
	ctrl, cfgErr := sm.ctrl, sm.cfgErr
	sm.mu.Unlock()

	if ctrl == nil {
		return fmt.Errorf("%w: %w", ErrSessionUnavailable, cfgErr)
	}
	return ctrl.Start(ctx)
}

// Stop ends the active session. Stopping when no session is active is a
// no-op.
func (sm *SessionManager) Stop(ctx context.Context) error {
	ctrl := sm.controller()
	if ctrl == nil {
		return nil
	}
	return ctrl.Stop(ctx)
}

// State returns the lifecycle state of the current pipeline.
func (sm *SessionManager) State() pipeline.State {
	ctrl := sm.controller()
	if ctrl == nil {
		return pipeline.StateIdle
	}
	return ctrl.State()
}

// Stats returns the statistics of the current or most recent session.
func (sm *SessionManager) Stats() pipeline.Snapshot {
	ctrl := sm.controller()
	if ctrl == nil {
		return pipeline.Snapshot{State: pipeline.StateIdle.String()}
	}
	return ctrl.Stats()
}

// SessionID returns the id of the active session, or "".
func (sm *SessionManager) SessionID() string {
	ctrl := sm.controller()
	if ctrl == nil {
		return ""
	}
	return ctrl.SessionID()
}

// Available reports whether a session can be started, and if not, why.
func (sm *SessionManager) Available() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.ctrl != nil || sm.pending != nil {
		return nil
	}
	return sm.cfgErr
}

// Reconfigure replaces the pipeline configuration. While idle the change is
// immediate; during a session it is applied at the next Start. applied
// reports which of the two happened. An unusable cfg leaves the current
// configuration in place and returns the validation error.
func (sm *SessionManager) Reconfigure(cfg pipeline.Config) (applied bool, err error) {
	next, err := pipeline.New(cfg)
	if err != nil {
		return false, err
	}

	sm.lifecycle.Lock()
	defer sm.lifecycle.Unlock()
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.cfgErr = nil
	if sm.ctrl == nil || sm.ctrl.State() == pipeline.StateIdle {
		sm.ctrl, sm.pending = next, nil
		return true, nil
	}
	sm.pending = next
	return false, nil
}

func (sm *SessionManager) controller() *pipeline.Controller {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.ctrl
}
