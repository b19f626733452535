// Package govern holds the runtime governance state that gates mapping
// suggestions: an operating mode plus a blocked-write counter that trips an
// automatic pause when too many protected-resource writes are attempted in
// a short window.
package govern

import (
	"log/slog"
	"sync"
	"time"

	"github.com/caresync-health/setu/internal/model"
)

// PauseThreshold is the number of blocked writes within the window that
// triggers an automatic pause.
const PauseThreshold = 3

// Window is the rolling period over which blocked writes are counted. The
// counter resets when a blocked write arrives after the window has elapsed
// since the count started, not on a continuous slide.
const Window = time.Hour

// State is the mutable governance state. All methods are safe for
// concurrent use. The state is process-local: a restart returns to active
// mode with a zero counter, which is acceptable because the audit log
// retains the history.
type State struct {
	mu            sync.Mutex
	mode          model.GovernanceMode
	blockedWrites int
	windowStart   time.Time
	logger        *slog.Logger
}

// NewState creates governance state in active mode.
func NewState(logger *slog.Logger) *State {
	return &State{mode: model.ModeActive, logger: logger}
}

// Mode returns the current operating mode.
func (s *State) Mode() model.GovernanceMode {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mode
}

// IsActive reports whether suggestions may be served.
func (s *State) IsActive() bool {
	return s.Mode() == model.ModeActive
}

// Snapshot returns the full state for status endpoints.
func (s *State) Snapshot() model.GovernanceSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return model.GovernanceSnapshot{
		Mode:          s.mode,
		BlockedWrites: s.blockedWrites,
		WindowStart:   s.windowStart,
	}
}

// Pause suspends suggestion serving. Idempotent.
func (s *State) Pause(reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == model.ModePaused {
		return
	}
	s.mode = model.ModePaused
	s.logger.Warn("govern: paused", "reason", reason)
}

// Resume returns to active mode. The blocked-write counter is deliberately
// left intact: if the underlying cause persists, the next blocked write
// should re-trip the pause immediately rather than granting a fresh budget.
func (s *State) Resume() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.mode == model.ModeActive {
		return
	}
	s.mode = model.ModeActive
	s.logger.Info("govern: resumed", "blocked_writes", s.blockedWrites)
}

// SetManual switches to manual-review mode, where suggestions are served
// but flagged for human confirmation downstream.
func (s *State) SetManual() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.mode = model.ModeManual
	s.logger.Info("govern: manual mode set")
}

// ResetBlockedWrites zeroes the counter, e.g. after an operator has
// investigated the blocked writes.
func (s *State) ResetBlockedWrites() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blockedWrites = 0
	s.windowStart = time.Time{}
}

// RecordBlockedWrite counts one blocked write at the given time and
// returns true when this write tripped the automatic pause. The check,
// increment, and pause happen under one lock so concurrent blocks cannot
// both trip.
func (s *State) RecordBlockedWrite(now time.Time) (tripped bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.blockedWrites == 0 || now.Sub(s.windowStart) > Window {
		s.blockedWrites = 0
		s.windowStart = now
	}
	s.blockedWrites++

	if s.blockedWrites >= PauseThreshold && s.mode == model.ModeActive {
		s.mode = model.ModePaused
		s.logger.Warn("govern: auto-paused after repeated blocked writes",
			"blocked_writes", s.blockedWrites, "window_start", s.windowStart)
		return true
	}
	return false
}
