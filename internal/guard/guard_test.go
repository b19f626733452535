package guard

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caresync-health/setu/internal/audit"
	"github.com/caresync-health/setu/internal/govern"
	"github.com/caresync-health/setu/internal/model"
	"github.com/caresync-health/setu/internal/notify"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

// memStore collects audit records and review tasks.
type memStore struct {
	mu      sync.Mutex
	records []model.AuditRecord
	tasks   []model.ReviewTask
}

func (s *memStore) AppendAudit(_ context.Context, rec model.AuditRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *memStore) OpenReviewTask(_ context.Context, task model.ReviewTask) (model.ReviewTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tasks = append(s.tasks, task)
	return task, nil
}

// memSink collects notifications.
type memSink struct {
	mu     sync.Mutex
	events []notify.Event
}

func (s *memSink) Notify(_ context.Context, ev notify.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, ev)
	return nil
}

type fixture struct {
	guard *Guard
	state *govern.State
	store *memStore
	sink  *memSink
	log   *audit.Log
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := &memStore{}
	sink := &memSink{}
	state := govern.NewState(testLogger())
	log := audit.NewLog(store, 64, testLogger())
	g := New(defaultProtected, state, log, store, sink, testLogger())
	return &fixture{guard: g, state: state, store: store, sink: sink, log: log}
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, f.log.Drain(context.Background()))
}

func TestCheckWriteAllowsUnprotected(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.guard.CheckWrite(context.Background(), "tmp/scratch.csv", "indexer"))
	f.drain(t)
	assert.Empty(t, f.store.records)
	assert.Empty(t, f.store.tasks)
	assert.Empty(t, f.sink.events)
}

func TestCheckWriteBlocksProtected(t *testing.T) {
	f := newFixture(t)
	err := f.guard.CheckWrite(context.Background(), "data/namaste.csv", "translator")
	require.Error(t, err)

	var blocked *BlockedError
	require.ErrorAs(t, err, &blocked)
	assert.Equal(t, "data/namaste.csv", blocked.Resource)
	assert.Equal(t, "translator", blocked.Actor)

	f.drain(t)

	// Exactly one audit record per block.
	require.Len(t, f.store.records, 1)
	rec := f.store.records[0]
	assert.Equal(t, "write_attempt", rec.Action)
	assert.Equal(t, model.AuditBlocked, rec.Status)
	assert.True(t, rec.AttemptedWrite)
	assert.Equal(t, "data/namaste.csv", rec.ResourceTarget)

	// One review task, blocked_write, high priority.
	require.Len(t, f.store.tasks, 1)
	task := f.store.tasks[0]
	assert.Equal(t, model.ReasonBlockedWrite, task.Reason)
	assert.Equal(t, model.PriorityHigh, task.Priority)
	assert.Equal(t, "data/namaste.csv", task.SubjectID)

	// One warning notification, no pause yet.
	require.Len(t, f.sink.events, 1)
	assert.Equal(t, notify.SeverityWarning, f.sink.events[0].Severity)
	assert.True(t, f.state.IsActive())
}

func TestCheckWriteMatching(t *testing.T) {
	f := newFixture(t)
	tests := []struct {
		resource string
		blocked  bool
	}{
		{"namaste.csv", true},
		{"data/namaste.csv", true},
		{`data\namaste.csv`, true}, // Windows separators
		{"DATA/NAMASTE.CSV", true},
		{"backup/data/namaste.csv", true}, // protected entry as substring
		{"ayush_terms", true},
		{"mapping_model_weights", true},
		{"data/reranker.json", true},
		{"output/results.csv", false},
		{"", false},
	}
	for _, tt := range tests {
		t.Run(tt.resource, func(t *testing.T) {
			assert.Equal(t, tt.blocked, f.guard.Protected(tt.resource))
		})
	}
}

func TestThreeBlocksTripPause(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.Error(t, f.guard.CheckWrite(ctx, "namaste.csv", "a"))
	require.Error(t, f.guard.CheckWrite(ctx, "ayush_terms", "b"))
	assert.True(t, f.state.IsActive())

	require.Error(t, f.guard.CheckWrite(ctx, "data/reranker.json", "c"))
	assert.Equal(t, model.ModePaused, f.state.Mode())

	f.drain(t)
	assert.Len(t, f.store.records, 3)
	assert.Len(t, f.store.tasks, 3)

	// Three warnings plus one critical pause alert.
	criticals := 0
	for _, ev := range f.sink.events {
		if ev.Severity == notify.SeverityCritical {
			criticals++
		}
	}
	assert.Equal(t, 1, criticals)
	assert.Len(t, f.sink.events, 4)
}

func TestFourthBlockDoesNotDoublePause(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	for range 4 {
		require.Error(t, f.guard.CheckWrite(ctx, "namaste.csv", "agent"))
	}
	f.drain(t)

	assert.Equal(t, model.ModePaused, f.state.Mode())
	assert.Equal(t, 4, f.state.Snapshot().BlockedWrites)
	assert.Len(t, f.store.records, 4)

	criticals := 0
	for _, ev := range f.sink.events {
		if ev.Severity == notify.SeverityCritical {
			criticals++
		}
	}
	assert.Equal(t, 1, criticals)
}

func TestLoadProtected(t *testing.T) {
	t.Run("missing file uses defaults", func(t *testing.T) {
		protected, err := LoadProtected(filepath.Join(t.TempDir(), "absent.yml"), testLogger())
		require.NoError(t, err)
		assert.Equal(t, defaultProtected, protected)
	})

	t.Run("custom file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "protected.yml")
		require.NoError(t, os.WriteFile(path, []byte("protected:\n  - my_table\n  - data/custom.csv\n"), 0o644))
		protected, err := LoadProtected(path, testLogger())
		require.NoError(t, err)
		assert.Equal(t, []string{"my_table", "data/custom.csv"}, protected)
	})

	t.Run("empty list is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "protected.yml")
		require.NoError(t, os.WriteFile(path, []byte("protected: []\n"), 0o644))
		_, err := LoadProtected(path, testLogger())
		require.Error(t, err)
	})

	t.Run("unparseable file is an error", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "protected.yml")
		require.NoError(t, os.WriteFile(path, []byte("{not yaml"), 0o644))
		_, err := LoadProtected(path, testLogger())
		require.Error(t, err)
	})
}
