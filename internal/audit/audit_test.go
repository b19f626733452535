package audit

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caresync-health/setu/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// memAppender collects records; optionally fails or blocks.
type memAppender struct {
	mu      sync.Mutex
	records []model.AuditRecord
	err     error
	block   chan struct{}
}

func (a *memAppender) AppendAudit(ctx context.Context, rec model.AuditRecord) error {
	if a.block != nil {
		select {
		case <-a.block:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.err != nil {
		return a.err
	}
	a.records = append(a.records, rec)
	return nil
}

func (a *memAppender) all() []model.AuditRecord {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]model.AuditRecord(nil), a.records...)
}

func TestAppendAndDrain(t *testing.T) {
	store := &memAppender{}
	log := NewLog(store, 16, testLogger())

	log.Append(model.AuditRecord{Action: "mapping_suggested", Actor: "api", Status: model.AuditSuccess})
	log.Append(model.AuditRecord{Action: "write_blocked", Actor: "indexer", Status: model.AuditBlocked, AttemptedWrite: true})

	require.NoError(t, log.Drain(context.Background()))

	records := store.all()
	require.Len(t, records, 2)
	assert.Equal(t, "mapping_suggested", records[0].Action)
	assert.NotEqual(t, uuid.Nil, records[0].ID)
	assert.False(t, records[0].CreatedAt.IsZero())
	assert.Equal(t, model.AuditBlocked, records[1].Status)
	assert.True(t, records[1].AttemptedWrite)
}

func TestAppendPreservesExplicitFields(t *testing.T) {
	store := &memAppender{}
	log := NewLog(store, 4, testLogger())

	id := uuid.New()
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	log.Append(model.AuditRecord{ID: id, CreatedAt: at, Action: "governance_paused", Actor: "admin", Status: model.AuditSuccess})

	require.NoError(t, log.Drain(context.Background()))
	records := store.all()
	require.Len(t, records, 1)
	assert.Equal(t, id, records[0].ID)
	assert.Equal(t, at, records[0].CreatedAt)
}

func TestStoreFailureDoesNotPropagate(t *testing.T) {
	store := &memAppender{err: errors.New("db down")}
	log := NewLog(store, 4, testLogger())

	// Must not panic or block the caller.
	log.Append(model.AuditRecord{Action: "mapping_suggested", Actor: "api", Status: model.AuditSuccess})
	require.NoError(t, log.Drain(context.Background()))
	assert.Empty(t, store.all())
}

func TestBufferOverflowDrops(t *testing.T) {
	block := make(chan struct{})
	store := &memAppender{block: block}
	log := NewLog(store, 1, testLogger())

	// Fill the writer plus the one-slot buffer, then overflow. None of
	// these calls may block.
	done := make(chan struct{})
	go func() {
		for range 10 {
			log.Append(model.AuditRecord{Action: "mapping_suggested", Actor: "api", Status: model.AuditSuccess})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Append blocked on a full buffer")
	}

	close(block)
	require.NoError(t, log.Drain(context.Background()))
	// At least one record got through; the overflow was dropped silently.
	assert.NotEmpty(t, store.all())
	assert.Less(t, len(store.all()), 10)
}

func TestDrainTimeout(t *testing.T) {
	block := make(chan struct{})
	defer close(block)
	store := &memAppender{block: block}
	log := NewLog(store, 4, testLogger())

	log.Append(model.AuditRecord{Action: "mapping_suggested", Actor: "api", Status: model.AuditSuccess})

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := log.Drain(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestWithAudit(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		store := &memAppender{}
		log := NewLog(store, 4, testLogger())

		err := WithAudit(context.Background(), log, "dataset_reindexed", "indexer",
			map[string]any{"entries": 120}, func(context.Context) error {
				return nil
			})
		require.NoError(t, err)
		require.NoError(t, log.Drain(context.Background()))

		records := store.all()
		require.Len(t, records, 1)
		assert.Equal(t, "dataset_reindexed", records[0].Action)
		assert.Equal(t, model.AuditSuccess, records[0].Status)
		assert.Equal(t, 120, records[0].PayloadSummary["entries"])
		assert.Empty(t, records[0].ErrorMessage)
	})

	t.Run("failure records error and returns it", func(t *testing.T) {
		store := &memAppender{}
		log := NewLog(store, 4, testLogger())

		wantErr := errors.New("index rebuild failed")
		err := WithAudit(context.Background(), log, "dataset_reindexed", "indexer", nil, func(context.Context) error {
			return wantErr
		})
		assert.ErrorIs(t, err, wantErr)
		require.NoError(t, log.Drain(context.Background()))

		records := store.all()
		require.Len(t, records, 1)
		assert.Equal(t, model.AuditFailed, records[0].Status)
		assert.Equal(t, "index rebuild failed", records[0].ErrorMessage)
	})
}
