package govern

import (
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/caresync-health/setu/internal/model"
)

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestModeTransitions(t *testing.T) {
	s := NewState(testLogger())
	assert.Equal(t, model.ModeActive, s.Mode())
	assert.True(t, s.IsActive())

	s.Pause("operator request")
	assert.Equal(t, model.ModePaused, s.Mode())
	assert.False(t, s.IsActive())

	// Idempotent.
	s.Pause("again")
	assert.Equal(t, model.ModePaused, s.Mode())

	s.Resume()
	assert.True(t, s.IsActive())

	s.SetManual()
	assert.Equal(t, model.ModeManual, s.Mode())
	assert.False(t, s.IsActive())

	s.Resume()
	assert.True(t, s.IsActive())
}

func TestRecordBlockedWriteTripsPause(t *testing.T) {
	s := NewState(testLogger())
	now := time.Now()

	assert.False(t, s.RecordBlockedWrite(now))
	assert.False(t, s.RecordBlockedWrite(now.Add(time.Minute)))
	assert.True(t, s.IsActive())

	// Third block within the window trips the pause.
	assert.True(t, s.RecordBlockedWrite(now.Add(2*time.Minute)))
	assert.Equal(t, model.ModePaused, s.Mode())

	// A fourth block counts but does not trip again.
	assert.False(t, s.RecordBlockedWrite(now.Add(3*time.Minute)))

	snap := s.Snapshot()
	assert.Equal(t, 4, snap.BlockedWrites)
	assert.Equal(t, now, snap.WindowStart)
}

func TestWindowExpiryResetsCount(t *testing.T) {
	s := NewState(testLogger())
	now := time.Now()

	require.False(t, s.RecordBlockedWrite(now))
	require.False(t, s.RecordBlockedWrite(now.Add(time.Minute)))

	// Past the window: the count starts over, so two more blocks do not trip.
	later := now.Add(Window + time.Minute)
	assert.False(t, s.RecordBlockedWrite(later))
	assert.False(t, s.RecordBlockedWrite(later.Add(time.Minute)))
	assert.True(t, s.IsActive())
	assert.Equal(t, 2, s.Snapshot().BlockedWrites)
}

func TestResumeKeepsBlockedWriteCount(t *testing.T) {
	s := NewState(testLogger())
	now := time.Now()

	s.RecordBlockedWrite(now)
	s.RecordBlockedWrite(now)
	s.RecordBlockedWrite(now)
	require.Equal(t, model.ModePaused, s.Mode())

	s.Resume()
	assert.True(t, s.IsActive())
	assert.Equal(t, 3, s.Snapshot().BlockedWrites)

	// The very next block within the window re-trips immediately.
	assert.True(t, s.RecordBlockedWrite(now.Add(time.Minute)))
	assert.Equal(t, model.ModePaused, s.Mode())
}

func TestResetBlockedWrites(t *testing.T) {
	s := NewState(testLogger())
	now := time.Now()

	s.RecordBlockedWrite(now)
	s.RecordBlockedWrite(now)
	s.ResetBlockedWrites()

	snap := s.Snapshot()
	assert.Zero(t, snap.BlockedWrites)
	assert.True(t, snap.WindowStart.IsZero())

	// Counter starts fresh.
	assert.False(t, s.RecordBlockedWrite(now))
	assert.False(t, s.RecordBlockedWrite(now))
	assert.True(t, s.RecordBlockedWrite(now))
}

func TestConcurrentBlockedWrites(t *testing.T) {
	s := NewState(testLogger())
	now := time.Now()

	const goroutines = 50
	tripped := make([]bool, goroutines)

	var wg sync.WaitGroup
	for i := range goroutines {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tripped[i] = s.RecordBlockedWrite(now)
		}(i)
	}
	wg.Wait()

	// Exactly one goroutine observed the trip.
	trips := 0
	for _, tr := range tripped {
		if tr {
			trips++
		}
	}
	assert.Equal(t, 1, trips)
	assert.Equal(t, goroutines, s.Snapshot().BlockedWrites)
	assert.Equal(t, model.ModePaused, s.Mode())
}
