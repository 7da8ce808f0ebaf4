package usage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/meeting-recorder/internal/session"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newReadyMachine(t *testing.T) (*session.Machine, *fakeClock) {
	t.Helper()
	clock := &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
	m := session.New(session.Options{
		AuthSession: "auth",
		Usage:       session.UsageUpdate{CanRecord: true, MinutesRemaining: 600},
		Now:         clock.Now,
	})
	t.Cleanup(m.Stop)
	require.True(t, m.Send(session.Event{Type: session.EventSetupComplete}))
	return m, clock
}

func TestTracker_PushesMinuteTracking(t *testing.T) {
	m, _ := newReadyMachine(t)
	tracker := NewTracker(m, 10, 4, 2, time.Minute)

	tracker.Check()

	snap := m.Snapshot()
	assert.True(t, snap.CanRecord)
	assert.InDelta(t, 6, snap.MinutesRemaining, 1e-9)
	assert.Zero(t, snap.CurrentSessionMinutes)
	assert.Empty(t, snap.UsageWarning, "no warning outside recording")
}

func TestTracker_VetoesStartWhenAllowanceSpent(t *testing.T) {
	m, _ := newReadyMachine(t)
	tracker := NewTracker(m, 30, 30, 2, time.Minute)

	tracker.Check()
	assert.False(t, m.Snapshot().CanRecord)
	assert.False(t, m.Send(session.Event{Type: session.EventStartRecording}))
	assert.Equal(t, session.StateReady, m.State())
}

func TestTracker_WarnsThenEndsRecording(t *testing.T) {
	m, clock := newReadyMachine(t)
	tracker := NewTracker(m, 10, 0, 2, time.Minute)
	require.True(t, m.Send(session.Event{Type: session.EventStartRecording}))

	clock.Advance(5 * time.Minute)
	tracker.Check()
	snap := m.Snapshot()
	assert.InDelta(t, 5, snap.CurrentSessionMinutes, 1e-9)
	assert.Empty(t, snap.UsageWarning)

	clock.Advance(3*time.Minute + 30*time.Second)
	tracker.Check()
	assert.Equal(t, "2 minutes of recording left", m.Snapshot().UsageWarning)
	assert.Equal(t, session.StateRecording, m.State())

	clock.Advance(2 * time.Minute)
	tracker.Check()
	require.Eventually(t, func() bool { return m.State() == session.StateCompleted }, time.Second, 5*time.Millisecond)
	assert.Equal(t, 10*time.Minute+30*time.Second, m.Snapshot().CumulativeDuration)
}

func TestTracker_RunCommitsFinishedSession(t *testing.T) {
	m, clock := newReadyMachine(t)
	tracker := NewTracker(m, 60, 10, 5, time.Hour)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		tracker.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	// Run subscribes before its first check
	require.Eventually(t, func() bool { return m.Snapshot().MinutesRemaining == 50 }, time.Second, 5*time.Millisecond)

	require.True(t, m.Send(session.Event{Type: session.EventStartRecording}))
	clock.Advance(3 * time.Minute)
	require.True(t, m.Send(session.Event{Type: session.EventStopRecording}))
	require.Eventually(t, func() bool { return m.State() == session.StateCompleted }, time.Second, 5*time.Millisecond)

	require.Eventually(t, func() bool { return tracker.Used() == 13 }, time.Second, 5*time.Millisecond)
	snap := tracker.Snapshot()
	assert.InDelta(t, 47, snap.MinutesRemaining, 1e-9)
	assert.Zero(t, snap.CurrentSessionMinutes)
}
