package mapping

import (
	"context"
	"log/slog"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caresync-health/setu/internal/audit"
	"github.com/caresync-health/setu/internal/catalog"
	"github.com/caresync-health/setu/internal/govern"
	"github.com/caresync-health/setu/internal/model"
	"github.com/caresync-health/setu/internal/notify"
	"github.com/caresync-health/setu/internal/resolve"
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

// memSink records delivered events.
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

func (s *memSink) all() []notify.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]notify.Event(nil), s.events...)
}

type fixture struct {
	svc   *Service
	state *govern.State
	store *memStore
	sink  *memSink
	log   *audit.Log
}

// newFixture builds a service over a catalog-only resolver: exact and rule
// tiers work, the vector tier is disabled so unknown terms come back empty.
func newFixture(t *testing.T) *fixture {
	t.Helper()

	terms := catalog.NewTermCatalog([]catalog.TermEntry{
		{Term: "Jwara", Code: "AYU-001", LinkedCode: "R50.9"},
	})
	codes := catalog.NewCodeCatalog([]catalog.CodeEntry{
		{Code: "R50.9", Title: "Fever, unspecified"},
		{Code: "J20.9", Title: "Acute bronchitis, unspecified"},
	})
	resolver := resolve.New(terms, codes, nil, nil, nil, nil, testLogger())

	store := &memStore{}
	sink := &memSink{}
	state := govern.NewState(testLogger())
	log := audit.NewLog(store, 64, testLogger())
	return &fixture{
		svc:   New(resolver, state, log, store, sink, testLogger()),
		state: state,
		store: store,
		sink:  sink,
		log:   log,
	}
}

func (f *fixture) drain(t *testing.T) {
	t.Helper()
	require.NoError(t, f.log.Drain(context.Background()))
}

func TestSuggestHighConfidence(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.Suggest(context.Background(), resolve.Request{Term: "jwara"}, "api")
	require.NoError(t, err)
	best, ok := out.Best()
	require.True(t, ok)
	assert.Equal(t, "R50.9", best.TargetCode)

	f.drain(t)
	require.Len(t, f.store.records, 1)
	rec := f.store.records[0]
	assert.Equal(t, "mapping_suggested", rec.Action)
	assert.Equal(t, model.AuditSuccess, rec.Status)
	assert.Equal(t, "jwara", rec.SubjectID)
	assert.Equal(t, "R50.9", rec.PayloadSummary["best_code"])

	// Confident outcome: no review escalation.
	assert.Empty(t, f.store.tasks)
}

func TestSuggestEmptyOutcomeEscalates(t *testing.T) {
	f := newFixture(t)

	out, err := f.svc.Suggest(context.Background(), resolve.Request{Term: "entirely unknown term"}, "api")
	require.NoError(t, err)
	assert.Empty(t, out.Results)

	f.drain(t)
	require.Len(t, f.store.tasks, 1)
	task := f.store.tasks[0]
	assert.Equal(t, model.ReasonLowConfidence, task.Reason)
	assert.Equal(t, model.PriorityNormal, task.Priority)
	assert.Equal(t, "entirely unknown term", task.SubjectID)
}

func TestSuggestRefusedWhenPaused(t *testing.T) {
	f := newFixture(t)
	f.state.Pause("test")

	_, err := f.svc.Suggest(context.Background(), resolve.Request{Term: "jwara"}, "api")
	assert.ErrorIs(t, err, ErrGovernancePaused)

	f.drain(t)
	require.Len(t, f.store.records, 1)
	assert.Equal(t, model.AuditFailed, f.store.records[0].Status)
	assert.Empty(t, f.store.tasks)
}

func TestSuggestServesInManualMode(t *testing.T) {
	f := newFixture(t)
	f.state.SetManual()

	out, err := f.svc.Suggest(context.Background(), resolve.Request{Term: "jwara"}, "api")
	require.NoError(t, err)
	_, ok := out.Best()
	assert.True(t, ok)
}

func TestGovernanceOperations(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	f.svc.Pause(ctx, "admin", "dataset migration")
	assert.Equal(t, model.ModePaused, f.svc.Status().Mode)

	f.svc.Resume(ctx, "admin")
	assert.Equal(t, model.ModeActive, f.svc.Status().Mode)

	f.svc.SetManual(ctx, "admin")
	assert.Equal(t, model.ModeManual, f.svc.Status().Mode)

	f.svc.Resume(ctx, "admin")
	f.svc.ResetBlockedWrites(ctx, "admin")
	assert.Zero(t, f.svc.Status().BlockedWrites)

	f.drain(t)
	actions := make([]string, 0, len(f.store.records))
	for _, rec := range f.store.records {
		actions = append(actions, rec.Action)
	}
	assert.Equal(t, []string{
		"governance_paused", "governance_resumed", "governance_manual",
		"governance_resumed", "blocked_writes_reset",
	}, actions)
	assert.Equal(t, map[string]any{"reason": "dataset migration"}, f.store.records[0].PayloadSummary)
}

func TestPauseAlertsOperators(t *testing.T) {
	f := newFixture(t)

	f.svc.Pause(context.Background(), "admin", "drift investigation")

	events := f.sink.all()
	require.Len(t, events, 1)
	assert.Equal(t, notify.SeverityWarning, events[0].Severity)
	assert.Equal(t, "governance paused", events[0].Title)
	assert.Contains(t, events[0].Detail, "admin")
	assert.Contains(t, events[0].Detail, "drift investigation")

	// Resume and reset are routine operations, not alerts.
	f.svc.Resume(context.Background(), "admin")
	f.svc.ResetBlockedWrites(context.Background(), "admin")
	assert.Len(t, f.sink.all(), 1)
}
