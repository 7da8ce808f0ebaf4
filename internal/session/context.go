package session

import (
	"strings"
	"time"

	"github.com/lexiqai/meeting-recorder/internal/audio"
	"github.com/lexiqai/meeting-recorder/internal/stt"
)

// State is one of the machine's mutually exclusive states
type State string

const (
	StateSetup      State = "setup"
	StateReady      State = "ready"
	StateRecording  State = "recording"
	StatePaused     State = "paused"
	StateFinalizing State = "finalizing"
	StateCompleted  State = "completed"
	StateError      State = "error"
)

// Terminal reports whether no further events are accepted
func (s State) Terminal() bool {
	return s == StateCompleted
}

// File is an uploaded context document
type File struct {
	Name        string `json:"name"`
	ContentType string `json:"contentType,omitempty"`
	Size        int64  `json:"size"`
}

// TalkStats are word counts per speaker, always derived from the transcript
type TalkStats struct {
	MeWords   int `json:"meWords"`
	ThemWords int `json:"themWords"`
}

// Error is the single user-visible fault
type Error struct {
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// Context is the machine's extended state
type Context struct {
	SessionID        string            `json:"sessionId"`
	AuthSession      string            `json:"-"`
	ConversationType string            `json:"conversationType"`
	Title            string            `json:"title"`
	Fields           map[string]string `json:"context,omitempty"`
	PersonalContext  string            `json:"personalContext,omitempty"`
	Files            []File            `json:"files,omitempty"`

	Transcript               []stt.TranscriptSegment `json:"transcript"`
	LastSavedTranscriptIndex int                     `json:"lastSavedTranscriptIndex"`

	// CumulativeDuration only advances on pause or stop. The running
	// segment is derived from RecordingStartTime on demand.
	SessionDuration    time.Duration `json:"sessionDuration"`
	CumulativeDuration time.Duration `json:"cumulativeDuration"`
	RecordingStartTime time.Time     `json:"recordingStartTime"`

	TalkStats   TalkStats    `json:"talkStats"`
	Stream      audio.Stream `json:"-"`
	Summary     string       `json:"summary,omitempty"`
	IsFinalized bool         `json:"isFinalized"`

	CanRecord             bool    `json:"canRecord"`
	MinutesRemaining      float64 `json:"minutesRemaining"`
	CurrentSessionMinutes float64 `json:"currentSessionMinutes"`
	UsageWarning          string  `json:"usageWarning,omitempty"`

	IsTabVisible bool   `json:"isTabVisible"`
	Error        *Error `json:"error"`
}

// Elapsed is the active recording time at now, including the running segment
func (c Context) Elapsed(now time.Time, recording bool) time.Duration {
	if !recording || c.RecordingStartTime.IsZero() {
		return c.CumulativeDuration
	}
	return c.CumulativeDuration + now.Sub(c.RecordingStartTime)
}

// WordCount is the total words across speakers
func (c Context) WordCount() int {
	return c.TalkStats.MeWords + c.TalkStats.ThemWords
}

// clone deep-copies the mutable collections so snapshots never alias machine state
func (c Context) clone() Context {
	out := c
	if c.Fields != nil {
		out.Fields = make(map[string]string, len(c.Fields))
		for k, v := range c.Fields {
			out.Fields[k] = v
		}
	}
	if c.Files != nil {
		out.Files = append([]File(nil), c.Files...)
	}
	if c.Transcript != nil {
		out.Transcript = append([]stt.TranscriptSegment(nil), c.Transcript...)
	}
	if c.Error != nil {
		e := *c.Error
		out.Error = &e
	}
	return out
}

// ComputeTalkStats tokenizes every segment on whitespace and attributes the
// words to its speaker. It is recomputed from scratch on every change.
func ComputeTalkStats(transcript []stt.TranscriptSegment) TalkStats {
	var stats TalkStats
	for _, seg := range transcript {
		n := len(strings.Fields(seg.Text))
		switch seg.Speaker {
		case stt.SpeakerMe:
			stats.MeWords += n
		case stt.SpeakerThem:
			stats.ThemWords += n
		}
	}
	return stats
}

// TranscriptDelta returns the final segments past the persisted watermark
// and the watermark that covers them. Interim captions only ever trail the
// transcript, so the finals form a prefix.
func (c Context) TranscriptDelta() ([]stt.TranscriptSegment, int) {
	end := len(c.Transcript)
	for i, seg := range c.Transcript {
		if !seg.IsFinal {
			end = i
			break
		}
	}
	start := c.LastSavedTranscriptIndex
	if start >= end {
		return nil, start
	}
	return append([]stt.TranscriptSegment(nil), c.Transcript[start:end]...), end
}
