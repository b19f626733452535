package model

import "time"

// GovernanceMode is the operational mode of automated mapping work.
type GovernanceMode string

const (
	// ModeActive: automated resolution and guarded writes proceed normally.
	ModeActive GovernanceMode = "active"
	// ModePaused: automated work is refused until an operator resumes.
	ModePaused GovernanceMode = "paused"
	// ModeManual: every action requires human approval. Entered and exited
	// only by explicit operator call; nothing transitions into it automatically.
	ModeManual GovernanceMode = "manual"
)

// GovernanceSnapshot is a point-in-time read of the governance state machine.
type GovernanceSnapshot struct {
	Mode          GovernanceMode `json:"mode"`
	BlockedWrites int            `json:"blocked_writes"`
	WindowStart   time.Time      `json:"window_start"`
}
