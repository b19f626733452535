package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/caresync-health/setu/internal/model"
)

// SQLite is the embedded Store for single-node deployments and tests.
// Times are stored as RFC 3339 strings and UUIDs as text.
type SQLite struct {
	db     *sql.DB
	logger *slog.Logger
}

// OpenSQLite opens (creating if needed) the database at path. ":memory:"
// gives an ephemeral database. The connection limit is 1 because modernc
// sqlite serializes writers anyway; a single connection avoids
// SQLITE_BUSY under concurrent use.
func OpenSQLite(ctx context.Context, path string, logger *slog.Logger) (*SQLite, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("storage: open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("storage: ping sqlite: %w", err)
	}

	return &SQLite{db: db, logger: logger}, nil
}

// RunMigrations executes unapplied SQL migration files in order, mirroring
// the Postgres runner.
func (s *SQLite) RunMigrations(ctx context.Context, migrationsFS fs.FS) error {
	if _, err := s.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version TEXT PRIMARY KEY,
			applied_at TEXT NOT NULL DEFAULT (datetime('now'))
		)
	`); err != nil {
		return fmt.Errorf("storage: create schema_migrations: %w", err)
	}

	applied := make(map[string]bool)
	rows, err := s.db.QueryContext(ctx, `SELECT version FROM schema_migrations`)
	if err != nil {
		return fmt.Errorf("storage: load applied migrations: %w", err)
	}
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			_ = rows.Close()
			return fmt.Errorf("storage: scan migration version: %w", err)
		}
		applied[v] = true
	}
	_ = rows.Close()
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

		s.logger.Info("storage: running migration", "file", name)
		if _, err := s.db.ExecContext(ctx, string(content)); err != nil {
			return fmt.Errorf("storage: execute migration %s: %w", name, err)
		}
		if _, err := s.db.ExecContext(ctx,
			`INSERT INTO schema_migrations (version) VALUES (?) ON CONFLICT DO NOTHING`, name,
		); err != nil {
			return fmt.Errorf("storage: record migration %s: %w", name, err)
		}
	}
	return nil
}

// AppendAudit inserts one audit record.
func (s *SQLite) AppendAudit(ctx context.Context, rec model.AuditRecord) error {
	payloadJSON, err := marshalMap(rec.PayloadSummary)
	if err != nil {
		return fmt.Errorf("storage: marshal audit payload: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO orchestrator_audit (
		     id, action, actor, status, resource_target, attempted_write,
		     subject_id, payload_summary, error_message, created_at
		 )
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID.String(), rec.Action, rec.Actor, string(rec.Status), rec.ResourceTarget, rec.AttemptedWrite,
		rec.SubjectID, nullBytes(payloadJSON), rec.ErrorMessage, formatTime(rec.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("storage: insert audit record: %w", err)
	}
	return nil
}

// ListAudit returns records matching the filter, newest first.
func (s *SQLite) ListAudit(ctx context.Context, f AuditFilter) ([]model.AuditRecord, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var (
		conds []string
		args  []any
	)
	if f.Action != "" {
		conds = append(conds, "action = ?")
		args = append(args, f.Action)
	}
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}

	query := `SELECT id, action, actor, status, resource_target, attempted_write,
	                 subject_id, payload_summary, error_message, created_at
	          FROM orchestrator_audit`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list audit: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []model.AuditRecord
	for rows.Next() {
		var (
			rec         model.AuditRecord
			id          string
			status      string
			payloadJSON sql.NullString
			createdAt   string
		)
		if err := rows.Scan(&id, &rec.Action, &rec.Actor, &status, &rec.ResourceTarget,
			&rec.AttemptedWrite, &rec.SubjectID, &payloadJSON, &rec.ErrorMessage, &createdAt); err != nil {
			return nil, fmt.Errorf("storage: scan audit record: %w", err)
		}
		if rec.ID, err = uuid.Parse(id); err != nil {
			return nil, fmt.Errorf("storage: parse audit id %q: %w", id, err)
		}
		rec.Status = model.AuditStatus(status)
		if rec.PayloadSummary, err = unmarshalMap([]byte(payloadJSON.String)); err != nil {
			return nil, fmt.Errorf("storage: unmarshal audit payload: %w", err)
		}
		if rec.CreatedAt, err = parseTime(createdAt); err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate audit records: %w", err)
	}
	return records, nil
}

// OpenReviewTask creates a task in the open state.
func (s *SQLite) OpenReviewTask(ctx context.Context, task model.ReviewTask) (model.ReviewTask, error) {
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

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO review_queue (id, subject_id, reason, priority, payload, status, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		task.ID.String(), task.SubjectID, string(task.Reason), string(task.Priority),
		nullBytes(payloadJSON), string(task.Status), formatTime(task.CreatedAt),
	)
	if err != nil {
		return model.ReviewTask{}, fmt.Errorf("storage: insert review task: %w", err)
	}
	return task, nil
}

// GetReviewTask fetches one task by ID.
func (s *SQLite) GetReviewTask(ctx context.Context, id uuid.UUID) (model.ReviewTask, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+reviewTaskColumns+` FROM review_queue WHERE id = ?`, id.String())
	task, err := scanSQLiteReviewTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.ReviewTask{}, ErrNotFound
	}
	if err != nil {
		return model.ReviewTask{}, fmt.Errorf("storage: get review task: %w", err)
	}
	return task, nil
}

// ListReviewTasks returns tasks matching the filter, newest first.
func (s *SQLite) ListReviewTasks(ctx context.Context, f TaskFilter) ([]model.ReviewTask, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}

	var (
		conds []string
		args  []any
	)
	if f.Status != "" {
		conds = append(conds, "status = ?")
		args = append(args, string(f.Status))
	}
	if f.Reason != "" {
		conds = append(conds, "reason = ?")
		args = append(args, string(f.Reason))
	}

	query := `SELECT ` + reviewTaskColumns + ` FROM review_queue`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list review tasks: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var tasks []model.ReviewTask
	for rows.Next() {
		task, err := scanSQLiteReviewTask(rows)
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

// StartReviewTask moves an open task to in_progress.
func (s *SQLite) StartReviewTask(ctx context.Context, id uuid.UUID) (model.ReviewTask, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE review_queue SET status = ? WHERE id = ? AND status = ?`,
		string(model.ReviewInProgress), id.String(), string(model.ReviewOpen))
	if err != nil {
		return model.ReviewTask{}, fmt.Errorf("storage: start review task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return model.ReviewTask{}, fmt.Errorf("storage: start review task: %w", err)
	}
	if affected == 0 {
		return model.ReviewTask{}, s.classifyTaskConflict(ctx, id)
	}
	return s.GetReviewTask(ctx, id)
}

// ResolveReviewTask moves a non-terminal task to resolved or dismissed via
// a single conditional update.
func (s *SQLite) ResolveReviewTask(ctx context.Context, id uuid.UUID, status model.ReviewStatus, resolvedBy string, resolution map[string]any) (model.ReviewTask, error) {
	if err := validResolution(status); err != nil {
		return model.ReviewTask{}, err
	}
	resolutionJSON, err := marshalMap(resolution)
	if err != nil {
		return model.ReviewTask{}, fmt.Errorf("storage: marshal resolution: %w", err)
	}

	res, err := s.db.ExecContext(ctx,
		`UPDATE review_queue
		 SET status = ?, resolved_by = ?, resolution = ?, resolved_at = ?
		 WHERE id = ? AND status NOT IN (?, ?)`,
		string(status), resolvedBy, nullBytes(resolutionJSON), formatTime(time.Now().UTC()),
		id.String(), string(model.ReviewResolved), string(model.ReviewDismissed))
	if err != nil {
		return model.ReviewTask{}, fmt.Errorf("storage: resolve review task: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return model.ReviewTask{}, fmt.Errorf("storage: resolve review task: %w", err)
	}
	if affected == 0 {
		return model.ReviewTask{}, s.classifyTaskConflict(ctx, id)
	}
	return s.GetReviewTask(ctx, id)
}

func (s *SQLite) classifyTaskConflict(ctx context.Context, id uuid.UUID) error {
	var status string
	err := s.db.QueryRowContext(ctx, `SELECT status FROM review_queue WHERE id = ?`, id.String()).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("storage: check review task status: %w", err)
	}
	if model.ReviewStatus(status).Terminal() {
		return ErrTaskTerminal
	}
	return fmt.Errorf("storage: review task %s is %q, transition refused", id, status)
}

// Ping verifies connectivity.
func (s *SQLite) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("storage: ping: %w", err)
	}
	return nil
}

// Close releases the database handle.
func (s *SQLite) Close() {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("storage: close sqlite", "error", err)
	}
}

func scanSQLiteReviewTask(row rowScanner) (model.ReviewTask, error) {
	var (
		task           model.ReviewTask
		id             string
		reason         string
		priority       string
		status         string
		payloadJSON    sql.NullString
		resolutionJSON sql.NullString
		createdAt      string
		resolvedAt     sql.NullString
	)
	err := row.Scan(&id, &task.SubjectID, &reason, &priority, &payloadJSON,
		&status, &resolutionJSON, &task.ResolvedBy, &createdAt, &resolvedAt)
	if err != nil {
		return model.ReviewTask{}, err
	}
	if task.ID, err = uuid.Parse(id); err != nil {
		return model.ReviewTask{}, fmt.Errorf("parse task id %q: %w", id, err)
	}
	task.Reason = model.ReviewReason(reason)
	task.Priority = model.ReviewPriority(priority)
	task.Status = model.ReviewStatus(status)
	if task.Payload, err = unmarshalMap([]byte(payloadJSON.String)); err != nil {
		return model.ReviewTask{}, err
	}
	if task.Resolution, err = unmarshalMap([]byte(resolutionJSON.String)); err != nil {
		return model.ReviewTask{}, err
	}
	if task.CreatedAt, err = parseTime(createdAt); err != nil {
		return model.ReviewTask{}, err
	}
	if resolvedAt.Valid {
		at, err := parseTime(resolvedAt.String)
		if err != nil {
			return model.ReviewTask{}, err
		}
		task.ResolvedAt = &at
	}
	return task, nil
}

// nullBytes maps an empty JSON blob to SQL NULL.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("storage: parse time %q: %w", s, err)
	}
	return t, nil
}
