package recorder

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/meeting-recorder/internal/stt"
)

func TestAutosaver_SavesFinalsPastWatermark(t *testing.T) {
	h := newHarness(t)
	id := h.start(t)
	saver := NewAutosaver(h.machine, h.store, time.Minute)

	h.publish(t, final("first point", stt.SpeakerMe))
	h.publish(t, final("second point", stt.SpeakerThem))
	require.Eventually(t, func() bool { return len(h.machine.Snapshot().Transcript) == 2 }, waitFor, tick)

	n, err := saver.Save(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, 2, h.machine.Snapshot().LastSavedTranscriptIndex)

	n, err = saver.Save(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "nothing new since the last save")

	h.publish(t, final("third point", stt.SpeakerMe))
	h.publish(t, interim("and a"))
	require.Eventually(t, func() bool { return len(h.machine.Snapshot().Transcript) == 4 }, waitFor, tick)

	n, err = saver.Save(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n, "interim captions are never persisted")

	saved := h.store.Saved(id)
	require.Len(t, saved, 3)
	assert.Equal(t, "third point", saved[2].Text)
}

func TestAutosaver_FailureKeepsWatermark(t *testing.T) {
	h := newHarness(t)
	h.start(t)
	saver := NewAutosaver(h.machine, h.store, time.Minute)

	h.publish(t, final("unsaved", stt.SpeakerMe))
	require.Eventually(t, func() bool { return len(h.machine.Snapshot().Transcript) == 1 }, waitFor, tick)

	h.store.mu.Lock()
	h.store.appendErr = errors.New("database is locked")
	h.store.mu.Unlock()

	_, err := saver.Save(context.Background())
	require.Error(t, err)
	assert.Zero(t, h.machine.Snapshot().LastSavedTranscriptIndex)
}

func TestAutosaver_IgnoresIdleSession(t *testing.T) {
	h := newHarness(t)
	saver := NewAutosaver(h.machine, h.store, time.Minute)

	n, err := saver.Save(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAutosaver_RunFlushesOnTick(t *testing.T) {
	h := newHarness(t)
	id := h.start(t)
	saver := NewAutosaver(h.machine, h.store, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		saver.Run(ctx)
		close(done)
	}()
	defer func() {
		cancel()
		<-done
	}()

	h.publish(t, final("saved in the background", stt.SpeakerMe))
	require.Eventually(t, func() bool { return len(h.store.Saved(id)) == 1 }, waitFor, tick)
}
