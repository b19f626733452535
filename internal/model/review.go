package model

import (
	"time"

	"github.com/google/uuid"
)

// ReviewReason is why a task was queued for human review.
type ReviewReason string

const (
	ReasonLowConfidence ReviewReason = "low_confidence"
	ReasonBlockedWrite  ReviewReason = "blocked_write"
	ReasonModelDrift    ReviewReason = "model_drift"
)

// ReviewStatus is the lifecycle state of a review task.
// Transitions: open → in_progress → resolved | dismissed.
// Terminal states never regress.
type ReviewStatus string

const (
	ReviewOpen       ReviewStatus = "open"
	ReviewInProgress ReviewStatus = "in_progress"
	ReviewResolved   ReviewStatus = "resolved"
	ReviewDismissed  ReviewStatus = "dismissed"
)

// Terminal reports whether the status admits no further transitions.
func (s ReviewStatus) Terminal() bool {
	return s == ReviewResolved || s == ReviewDismissed
}

// ReviewPriority orders tasks in the clinician work queue.
type ReviewPriority string

const (
	PriorityLow      ReviewPriority = "low"
	PriorityNormal   ReviewPriority = "normal"
	PriorityHigh     ReviewPriority = "high"
	PriorityCritical ReviewPriority = "critical"
)

// ReviewTask is one item awaiting human adjudication. Tasks are created by
// the mapping service (low confidence) or the resource guard (blocked write)
// and mutated only through resolution; they are never deleted.
type ReviewTask struct {
	ID         uuid.UUID      `json:"id"`
	SubjectID  string         `json:"subject_id"`
	Reason     ReviewReason   `json:"reason"`
	Priority   ReviewPriority `json:"priority"`
	Payload    map[string]any `json:"payload,omitempty"`
	Status     ReviewStatus   `json:"status"`
	Resolution map[string]any `json:"resolution,omitempty"`
	ResolvedBy string         `json:"resolved_by,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
	ResolvedAt *time.Time     `json:"resolved_at,omitempty"`
}
