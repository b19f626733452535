package setu

import (
	"time"

	"github.com/google/uuid"
)

// ProvenanceStep records one step of how a candidate was produced.
type ProvenanceStep struct {
	Step   string `json:"step"`
	Detail string `json:"detail,omitempty"`
}

// Candidate is one ranked mapping suggestion for a source term.
type Candidate struct {
	TargetCode string           `json:"target_code"`
	Title      string           `json:"title"`
	Confidence float64          `json:"confidence"`
	Method     string           `json:"method"`
	Provenance []ProvenanceStep `json:"provenance,omitempty"`
}

// Outcome is the result of resolving a single term.
type Outcome struct {
	Term    string      `json:"term"`
	Tier    string      `json:"tier"`
	Results []Candidate `json:"results"`
}

// ResolveRequest asks the server to map a term to ICD-11 candidates.
type ResolveRequest struct {
	Term    string `json:"term"`
	Context string `json:"context,omitempty"`
	K       int    `json:"k,omitempty"`
}

// ReviewTask is one item in the clinician review queue.
type ReviewTask struct {
	ID         uuid.UUID      `json:"id"`
	SubjectID  string         `json:"subject_id"`
	Reason     string         `json:"reason"`
	Priority   string         `json:"priority"`
	Payload    map[string]any `json:"payload,omitempty"`
	Status     string         `json:"status"`
	Resolution map[string]any `json:"resolution,omitempty"`
	ResolvedBy string         `json:"resolved_by,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}

// ReviewFilters narrows ListReview. Zero values mean no constraint.
type ReviewFilters struct {
	Status string
	Reason string
	Limit  int
}

// ReviewResolution closes a review task.
type ReviewResolution struct {
	Status     string         `json:"status"` // "resolved" or "dismissed"
	Resolution map[string]any `json:"resolution,omitempty"`
	ResolvedBy string         `json:"resolved_by"`
}

// GovernanceSnapshot is a point-in-time read of the governance state.
type GovernanceSnapshot struct {
	Mode          string    `json:"mode"`
	BlockedWrites int       `json:"blocked_writes"`
	WindowStart   time.Time `json:"window_start"`
}

// GuardVerdict reports whether a proposed write is allowed.
type GuardVerdict struct {
	Allowed  bool   `json:"allowed"`
	Resource string `json:"resource"`
	Matched  string `json:"matched,omitempty"`
}

// Health is the server health report.
type Health struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Database string `json:"database"`
	Index    string `json:"index,omitempty"`
	Uptime   int64  `json:"uptime_seconds"`
}
