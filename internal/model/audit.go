package model

import (
	"time"

	"github.com/google/uuid"
)

// AuditStatus is the outcome of an audited action.
type AuditStatus string

const (
	AuditSuccess AuditStatus = "success"
	AuditBlocked AuditStatus = "blocked"
	AuditFailed  AuditStatus = "failed"
)

// AuditRecord is one append-only entry in the governance audit trail.
// Records are immutable once written: the storage layer only inserts,
// never updates or deletes.
type AuditRecord struct {
	ID             uuid.UUID      `json:"id"`
	Action         string         `json:"action"`
	Actor          string         `json:"actor"`
	Status         AuditStatus    `json:"status"`
	ResourceTarget string         `json:"resource_target,omitempty"`
	AttemptedWrite bool           `json:"attempted_write"`
	SubjectID      string         `json:"subject_id,omitempty"`
	PayloadSummary map[string]any `json:"payload_summary,omitempty"`
	ErrorMessage   string         `json:"error_message,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
}
