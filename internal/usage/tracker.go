package usage

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-recorder/internal/observability"
	"github.com/lexiqai/meeting-recorder/internal/session"
)

// Machine is the slice of the session machine the tracker drives
type Machine interface {
	Send(ev session.Event) bool
	State() session.State
	Elapsed() time.Duration
	Subscribe() (<-chan session.Change, func())
}

// Tracker is the quota collaborator. It pushes minute tracking, warning and
// exhaustion events into the machine; the machine never polls it.
type Tracker struct {
	machine   Machine
	allowance float64
	warnAt    float64
	interval  time.Duration
	logger    zerolog.Logger

	mu        sync.Mutex
	used      float64
	committed bool
	warned    bool
	exhausted bool
}

// NewTracker creates a tracker for an allowance in minutes of which used are
// already consumed. A warning is pushed once remaining drops to warnAt.
func NewTracker(m Machine, allowance, used, warnAt float64, interval time.Duration) *Tracker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &Tracker{
		machine:   m,
		allowance: allowance,
		used:      used,
		warnAt:    warnAt,
		interval:  interval,
		logger:    observability.Component("usage"),
	}
}

// Snapshot is the quota view pushed to the machine
func (t *Tracker) Snapshot() session.UsageUpdate {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.snapshotLocked()
}

func (t *Tracker) snapshotLocked() session.UsageUpdate {
	current := 0.0
	if !t.committed {
		current = t.machine.Elapsed().Minutes()
	}
	remaining := math.Max(0, t.allowance-t.used-current)
	return session.UsageUpdate{
		CanRecord:             remaining > 0,
		MinutesRemaining:      remaining,
		CurrentSessionMinutes: current,
	}
}

// Check pushes the current quota and, while recording, the warning and
// exhaustion events. Each of those fires at most once per session.
func (t *Tracker) Check() {
	t.mu.Lock()
	update := t.snapshotLocked()
	state := t.machine.State()

	var extra []session.Event
	if state == session.StateRecording {
		if update.MinutesRemaining <= 0 && !t.exhausted {
			t.exhausted = true
			extra = append(extra, session.Event{Type: session.EventUsageLimitReached})
		} else if update.MinutesRemaining > 0 && update.MinutesRemaining <= t.warnAt && !t.warned {
			t.warned = true
			extra = append(extra, session.Event{
				Type:    session.EventApproachingUsageLimit,
				Message: fmt.Sprintf("%.0f minutes of recording left", math.Ceil(update.MinutesRemaining)),
			})
		}
	}
	t.mu.Unlock()

	t.machine.Send(session.Event{Type: session.EventUpdateMinuteTracking, Usage: &update})
	for _, ev := range extra {
		t.logger.Info().Str("event", string(ev.Type)).Float64("minutes_remaining", update.MinutesRemaining).Msg("Usage threshold crossed")
		t.machine.Send(ev)
	}
}

// Observe folds a finished session into the consumed minutes
func (t *Tracker) Observe(change session.Change) {
	if change.To != session.StateCompleted || change.From == session.StateCompleted {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committed {
		return
	}
	t.committed = true
	t.used += change.Context.CumulativeDuration.Minutes()
	t.logger.Info().Float64("used_minutes", t.used).Float64("allowance", t.allowance).Msg("Session minutes committed")
}

// Used returns the consumed minutes excluding the running session
func (t *Tracker) Used() float64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.used
}

// Run checks on every interval and on every state change until ctx is done
// or the machine stops
func (t *Tracker) Run(ctx context.Context) {
	changes, cancel := t.machine.Subscribe()
	defer cancel()

	ticker := time.NewTicker(t.interval)
	defer ticker.Stop()

	t.Check()
	for {
		select {
		case <-ctx.Done():
			return
		case change, ok := <-changes:
			if !ok {
				return
			}
			t.Observe(change)
			if change.From != change.To {
				t.Check()
			}
		case <-ticker.C:
			t.Check()
		}
	}
}
