// Package storage persists the orchestrator audit trail and the review
// queue.
//
// Two backends implement the Store interface: Postgres (pgx pool, the
// production deployment) and SQLite (modernc, zero-dependency single-node
// and test deployments). Both run the same embedded migrations model and
// enforce review-task lifecycle transitions in SQL, so concurrent
// resolvers cannot regress a terminal task.
package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/caresync-health/setu/internal/model"
	"github.com/caresync-health/setu/migrations"
)

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrTaskTerminal is returned when a review task is already resolved or
// dismissed and cannot transition further.
var ErrTaskTerminal = errors.New("storage: review task already terminal")

// AuditFilter narrows ListAudit. Zero values mean no constraint.
type AuditFilter struct {
	Action string
	Status model.AuditStatus
	Limit  int
}

// TaskFilter narrows ListReviewTasks. Zero values mean no constraint.
type TaskFilter struct {
	Status model.ReviewStatus
	Reason model.ReviewReason
	Limit  int
}

// defaultListLimit bounds unfiltered list queries.
const defaultListLimit = 100

// Store is the persistence surface used by the audit log, the guard, and
// the mapping service.
type Store interface {
	// AppendAudit persists one audit record. The audit table is append-only.
	AppendAudit(ctx context.Context, rec model.AuditRecord) error

	// ListAudit returns records matching the filter, newest first.
	ListAudit(ctx context.Context, f AuditFilter) ([]model.AuditRecord, error)

	// OpenReviewTask creates a task in the open state and returns it with
	// ID and CreatedAt populated.
	OpenReviewTask(ctx context.Context, task model.ReviewTask) (model.ReviewTask, error)

	// GetReviewTask fetches one task. Returns ErrNotFound when absent.
	GetReviewTask(ctx context.Context, id uuid.UUID) (model.ReviewTask, error)

	// ListReviewTasks returns tasks matching the filter, newest first.
	ListReviewTasks(ctx context.Context, f TaskFilter) ([]model.ReviewTask, error)

	// StartReviewTask moves an open task to in_progress. Returns
	// ErrTaskTerminal when the task is resolved or dismissed, ErrNotFound
	// when absent.
	StartReviewTask(ctx context.Context, id uuid.UUID) (model.ReviewTask, error)

	// ResolveReviewTask moves a non-terminal task to resolved or dismissed
	// in a single conditional update. Returns ErrTaskTerminal when the
	// task already reached a terminal state, ErrNotFound when absent.
	ResolveReviewTask(ctx context.Context, id uuid.UUID, status model.ReviewStatus, resolvedBy string, resolution map[string]any) (model.ReviewTask, error)

	// Ping verifies connectivity.
	Ping(ctx context.Context) error

	// Close releases connections.
	Close()
}

// Open dispatches on the database URL scheme: "sqlite:path" opens the
// embedded backend, anything else is treated as a Postgres DSN.
func Open(ctx context.Context, databaseURL string, logger *slog.Logger) (Store, error) {
	if path, ok := strings.CutPrefix(databaseURL, "sqlite:"); ok {
		return OpenSQLite(ctx, path, logger)
	}
	return OpenPostgres(ctx, databaseURL, logger)
}

// Migrate runs the embedded migrations matching the store's dialect.
func Migrate(ctx context.Context, store Store) error {
	switch s := store.(type) {
	case *Postgres:
		return s.RunMigrations(ctx, migrations.Postgres())
	case *SQLite:
		return s.RunMigrations(ctx, migrations.SQLite())
	default:
		return fmt.Errorf("storage: unknown backend %T", store)
	}
}

// validResolution guards the terminal statuses accepted by ResolveReviewTask.
func validResolution(status model.ReviewStatus) error {
	if status != model.ReviewResolved && status != model.ReviewDismissed {
		return fmt.Errorf("storage: %q is not a terminal review status", status)
	}
	return nil
}
