// Package audit provides the append-only orchestrator audit trail.
//
// Records are appended asynchronously: callers enqueue onto a buffered
// channel and a single background writer persists in order. Audit failures
// never propagate into request paths; a mapping suggestion must not fail
// because the audit store hiccuped. The trade-off is that a crash can lose
// the tail of the buffer, which is acceptable for an advisory trail backed
// by structured logs.
package audit

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/caresync-health/setu/internal/model"
)

// Appender persists audit records. Implemented by the storage layer.
type Appender interface {
	AppendAudit(ctx context.Context, rec model.AuditRecord) error
}

// writeTimeout bounds a single persistence attempt so a stuck store cannot
// wedge the writer goroutine forever.
const writeTimeout = 5 * time.Second

// Log is the asynchronous audit appender. Create with NewLog; call Drain
// during shutdown to flush the buffer.
type Log struct {
	store  Appender
	ch     chan model.AuditRecord
	done   chan struct{}
	closed sync.Once
	logger *slog.Logger
}

// NewLog starts the background writer. bufferSize bounds how many records
// may be in flight before Append starts dropping.
func NewLog(store Appender, bufferSize int, logger *slog.Logger) *Log {
	l := &Log{
		store:  store,
		ch:     make(chan model.AuditRecord, bufferSize),
		done:   make(chan struct{}),
		logger: logger,
	}
	go l.run()
	return l
}

func (l *Log) run() {
	defer close(l.done)
	for rec := range l.ch {
		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err := l.store.AppendAudit(ctx, rec)
		cancel()
		if err != nil {
			l.logger.Error("audit: append failed",
				"action", rec.Action, "actor", rec.Actor, "status", rec.Status, "error", err)
		}
	}
}

// Append enqueues a record without blocking. A zero ID and CreatedAt are
// filled in. When the buffer is full the record is dropped and logged; the
// caller is never delayed.
func (l *Log) Append(rec model.AuditRecord) {
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}

	select {
	case l.ch <- rec:
	default:
		l.logger.Error("audit: buffer full, record dropped",
			"action", rec.Action, "actor", rec.Actor, "status", rec.Status)
	}
}

// Drain stops accepting records and waits for the writer to flush the
// buffer, or for ctx to expire. Call once during shutdown; Append after
// Drain panics on the closed channel, so stop producers first.
func (l *Log) Drain(ctx context.Context) error {
	l.closed.Do(func() { close(l.ch) })

	select {
	case <-l.done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("audit: drain interrupted: %w", ctx.Err())
	}
}

// WithAudit runs fn and appends exactly one record describing the outcome,
// whatever exit path fn takes. summary may be nil. The record's status
// reflects fn's error; the error is returned unchanged.
func WithAudit(ctx context.Context, log *Log, action, actor string, summary map[string]any, fn func(context.Context) error) error {
	err := fn(ctx)

	rec := model.AuditRecord{
		Action:         action,
		Actor:          actor,
		Status:         model.AuditSuccess,
		PayloadSummary: summary,
	}
	if err != nil {
		rec.Status = model.AuditFailed
		rec.ErrorMessage = err.Error()
	}
	log.Append(rec)
	return err
}
