package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/caresync-health/setu/internal/model"
)

// Postgres is the pgx-backed Store for production deployments.
type Postgres struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// OpenPostgres creates a connection pool and verifies connectivity.
func OpenPostgres(ctx context.Context, dsn string, logger *slog.Logger) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("storage: parse DSN: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("storage: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("storage: ping pool: %w", err)
	}

	return &Postgres{pool: pool, logger: logger}, nil
}

// Pool returns the underlying connection pool for use in tests.
func (db *Postgres) Pool() *pgxpool.Pool { return db.pool }

// RunMigrations executes unapplied SQL migration files in order, tracking
// them in a schema_migrations table so each file runs at most once. A
// simple forward-only runner, which is all a two-table schema needs.
func (db *Postgres) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := db.pool.Exec(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)
	`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := db.pool.Query(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			rows.Close()
			return fmt.Errorf("storage: scan migration version: %w", err)
		}
		applied[v] = true
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return fmt.Errorf("storage: iterate migration versions: %w", err)
	}

	entries, err := fs.ReadDir(migrationsFS, ".")
	if err != nil {
		return fmt.Errorf("storage: read migrations dir: %w", err)
	}
	sort.Slice(entries, func(i, j int) bool { return entries[i].Name() < entries[j].Name() })

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}
		name := entry.Name()
		if applied[name] {
			continue
		}

		content, err := fs.ReadFile(migrationsFS, name)
		if err != nil {
			return fmt.Errorf("storage: read migration %s: %w", name, err)
		}

		db.logger.Info("storage: running migration", "file", name)
		if _, err := db.pool.Exec(ctx, string(content)); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}
		if _, err := db.pool.Exec(ctx,
			`INSERT INTO schema_migrations (version) VALUES ($1) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
	}
	return nil
}

// AppendAudit inserts one audit record. The table is append-only; there
// are no update or delete paths.
func (db *Postgres) AppendAudit(ctx context.Context, rec model.AuditRecord) error {
	payloadJSON, err := marshalMap(rec.PayloadSummary)
	if err != nil {
		return fmt.Errorf("storage: marshal audit payload: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO orchestrator_audit (
		     id, action, actor, status, resource_target, attempted_write,
		     subject_id, payload_summary, error_message, created_at
		 )
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8::jsonb, $9, $10)`,
		rec.ID, rec.Action, rec.Actor, string(rec.Status), rec.ResourceTarget, rec.AttemptedWrite,
		rec.SubjectID, payloadJSON, rec.ErrorMessage, rec.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit record: %w", err)
	}
	return nil
}

// ListAudit returns records matching the filter, newest first.
func (db *Postgres) ListAudit(ctx context.Context, f AuditFilter) ([]model.AuditRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var (
		conds []string
		args  []any
	)
	if f.Action != "" {
		args = append(args, f.Action)
		conds = append(conds, fmt.Sprintf("action = $%d", len(args)))
	}
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}

	query := `SELECT id, action, actor, status, resource_target, attempted_write,
	                 subject_id, payload_summary, error_message, created_at
	          FROM orchestrator_audit`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit: %w", err)
	}
	defer rows.Close()

	var records []model.AuditRecord
	for rows.Next() {
		var (
			rec         model.AuditRecord
			status      string
			payloadJSON []byte
		)
		if err := rows.Scan(&rec.ID, &rec.Action, &rec.Actor, &status, &rec.ResourceTarget,
			&rec.AttemptedWrite, &rec.SubjectID, &payloadJSON, &rec.ErrorMessage, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("storage: scan audit record: %w", err)
		}
		rec.Status = model.AuditStatus(status)
		if rec.PayloadSummary, err = unmarshalMap(payloadJSON); err != nil {
			return nil, fmt.Errorf("storage: unmarshal audit payload: %w", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate audit records: %w", err)
	}
	return records, nil
}

// OpenReviewTask creates a task in the open state.
func (db *Postgres) OpenReviewTask(ctx context.Context, task model.ReviewTask) (model.ReviewTask, error) {
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now().UTC()
	}
	task.Status = model.ReviewOpen
	if task.Priority == "" {
		task.Priority = model.PriorityNormal
	}

	payloadJSON, err := marshalMap(task.Payload)
	if err != nil {
		return model.ReviewTask{}, fmt.Errorf("storage: marshal task payload: %w", err)
	}

	_, err = db.pool.Exec(ctx,
		`INSERT INTO review_queue (id, subject_id, reason, priority, payload, status, created_at)
		 VALUES ($1, $2, $3, $4, $5::jsonb, $6, $7)`,
		task.ID, task.SubjectID, string(task.Reason), string(task.Priority),
		payloadJSON, string(task.Status), task.CreatedAt,
	)
	if err != nil {
		return model.ReviewTask{}, fmt.Errorf("storage: insert review task: %w", err)
	}
	return task, nil
}

const reviewTaskColumns = `id, subject_id, reason, priority, payload, status, resolution, resolved_by, created_at, resolved_at`

// GetReviewTask fetches one task by ID.
func (db *Postgres) GetReviewTask(ctx context.Context, id uuid.UUID) (model.ReviewTask, error) {
	row := db.pool.QueryRow(ctx,
		`SELECT `+reviewTaskColumns+` FROM review_queue WHERE id = $1`, id)
	task, err := scanReviewTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ReviewTask{}, ErrNotFound
	}
	if err != nil {
		return model.ReviewTask{}, fmt.Errorf("storage: get review task: %w", err)
	}
	return task, nil
}

// ListReviewTasks returns tasks matching the filter, newest first.
func (db *Postgres) ListReviewTasks(ctx context.Context, f TaskFilter) ([]model.ReviewTask, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		conds = append(conds, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Reason != "" {
		args = append(args, string(f.Reason))
		conds = append(conds, fmt.Sprintf("reason = $%d", len(args)))
	}

	query := `SELECT ` + reviewTaskColumns + ` FROM review_queue`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d", len(args))

	rows, err := db.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list review tasks: %w", err)
	}
	defer rows.Close()

	var tasks []model.ReviewTask
	for rows.Next() {
		task, err := scanReviewTask(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan review task: %w", err)
		}
		tasks = append(tasks, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate review tasks: %w", err)
	}
	return tasks, nil
}

// StartReviewTask moves an open task to in_progress. The status condition
// is in the UPDATE itself so concurrent starts cannot race past each other.
func (db *Postgres) StartReviewTask(ctx context.Context, id uuid.UUID) (model.ReviewTask, error) {
	row := db.pool.QueryRow(ctx,
		`UPDATE review_queue SET status = $1
		 WHERE id = $2 AND status = $3
		 RETURNING `+reviewTaskColumns,
		string(model.ReviewInProgress), id, string(model.ReviewOpen))

	task, err := scanReviewTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ReviewTask{}, db.classifyTaskConflict(ctx, id)
	}
	if err != nil {
		return model.ReviewTask{}, fmt.Errorf("storage: start review task: %w", err)
	}
	return task, nil
}

// ResolveReviewTask moves a non-terminal task to resolved or dismissed.
// A single conditional UPDATE enforces that terminal states never regress,
// even under concurrent resolution.
func (db *Postgres) ResolveReviewTask(ctx context.Context, id uuid.UUID, status model.ReviewStatus, resolvedBy string, resolution map[string]any) (model.ReviewTask, error) {
	if err := validResolution(status); err != nil {
		return model.ReviewTask{}, err
	}
	resolutionJSON, err := marshalMap(resolution)
	if err != nil {
		return model.ReviewTask{}, fmt.Errorf("storage: marshal resolution: %w", err)
	}

	row := db.pool.QueryRow(ctx,
		`UPDATE review_queue
		 SET status = $1, resolved_by = $2, resolution = $3::jsonb, resolved_at = $4
		 WHERE id = $5 AND status NOT IN ($6, $7)
		 RETURNING `+reviewTaskColumns,
		string(status), resolvedBy, resolutionJSON, time.Now().UTC(),
		id, string(model.ReviewResolved), string(model.ReviewDismissed))

	task, err := scanReviewTask(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ReviewTask{}, db.classifyTaskConflict(ctx, id)
	}
	if err != nil {
		return model.ReviewTask{}, fmt.Errorf("storage: resolve review task: %w", err)
	}
	return task, nil
}

// classifyTaskConflict distinguishes a missing task from a terminal one
// after a conditional update matched no rows.
func (db *Postgres) classifyTaskConflict(ctx context.Context, id uuid.UUID) error {
	var status string
	err := db.pool.QueryRow(ctx, `SELECT status FROM review_queue WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("storage: check review task status: %w", err)
	}
	if model.ReviewStatus(status).Terminal() {
		return ErrTaskTerminal
	}
	// Not terminal and not missing: a concurrent transition changed the
	// precondition (e.g. start raced with another start).
	return fmt.Errorf("storage: review task %s is %q, transition refused", id, status)
}

// Ping verifies connectivity.
func (db *Postgres) Ping(ctx context.Context) error {
	if err := db.pool.Ping(ctx); err != nil {
		return fmt.Errorf("storage: ping: %w", err)
	}
	return nil
}

// Close releases the pool.
func (db *Postgres) Close() {
	db.pool.Close()
}

// rowScanner is satisfied by pgx.Row and pgx.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanReviewTask(row rowScanner) (model.ReviewTask, error) {
	var (
		task           model.ReviewTask
		reason         string
		priority       string
		status         string
		payloadJSON    []byte
		resolutionJSON []byte
	)
	err := row.Scan(&task.ID, &task.SubjectID, &reason, &priority, &payloadJSON,
		&status, &resolutionJSON, &task.ResolvedBy, &task.CreatedAt, &task.ResolvedAt)
	if err != nil {
		return model.ReviewTask{}, err
	}
	task.Reason = model.ReviewReason(reason)
	task.Priority = model.ReviewPriority(priority)
	task.Status = model.ReviewStatus(status)
	if task.Payload, err = unmarshalMap(payloadJSON); err != nil {
		return model.ReviewTask{}, err
	}
	if task.Resolution, err = unmarshalMap(resolutionJSON); err != nil {
		return model.ReviewTask{}, err
	}
	return task, nil
}

// marshalMap encodes a map as JSON, mapping nil to SQL NULL.
func marshalMap(m map[string]any) ([]byte, error) {
	if m == nil {
		return nil, nil
	}
	return json.Marshal(m)
}

// unmarshalMap decodes JSON into a map, mapping NULL to nil.
func unmarshalMap(data []byte) (map[string]any, error) {
	if len(data) == 0 {
		return nil, nil
	}
	var m map[string]any
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	return m, nil
}
