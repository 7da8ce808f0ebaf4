package recorder

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/meeting-recorder/internal/observability"
	"github.com/lexiqai/meeting-recorder/internal/session"
	"github.com/lexiqai/meeting-recorder/internal/stt"
)

// SnapshotMachine is the machine view the autosaver reads
type SnapshotMachine interface {
	State() session.State
	Snapshot() session.Context
	TranscriptDelta() ([]stt.TranscriptSegment, int)
	MarkTranscriptSaved(index int)
}

// Autosaver periodically persists finals past the saved watermark
type Autosaver struct {
	machine  SnapshotMachine
	store    Store
	interval time.Duration
	logger   zerolog.Logger
}

// NewAutosaver creates an autosaver that flushes every interval
func NewAutosaver(m SnapshotMachine, s Store, interval time.Duration) *Autosaver {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Autosaver{
		machine:  m,
		store:    s,
		interval: interval,
		logger:   observability.Component("autosave"),
	}
}

// Save appends unsaved finals of a live session and advances the watermark.
// It returns the number of segments written.
func (a *Autosaver) Save(ctx context.Context) (int, error) {
	state := a.machine.State()
	if state != session.StateRecording && state != session.StatePaused {
		return 0, nil
	}
	id := a.machine.Snapshot().SessionID
	if id == "" {
		return 0, nil
	}

	segs, next := a.machine.TranscriptDelta()
	if len(segs) == 0 {
		return 0, nil
	}
	if err := a.store.AppendSegments(ctx, id, next-len(segs), segs); err != nil {
		observability.RecordCollaborator("store", false)
		return 0, fmt.Errorf("autosave transcript: %w", err)
	}
	observability.RecordCollaborator("store", true)
	a.machine.MarkTranscriptSaved(next)
	return len(segs), nil
}

// Run saves on every tick until ctx is done
func (a *Autosaver) Run(ctx context.Context) {
	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.Save(ctx)
			if err != nil {
				a.logger.Warn().Err(err).Msg("Autosave failed, will retry next tick")
				continue
			}
			if n > 0 {
				a.logger.Debug().Int("segments", n).Msg("Transcript autosaved")
			}
		}
	}
}
