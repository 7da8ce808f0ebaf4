package stt

import (
	"fmt"
	"time"
)

// Speaker attributes a segment to the local microphone or the far end
type Speaker string

const (
	SpeakerMe   Speaker = "ME"
	SpeakerThem Speaker = "THEM"
)

// TranscriptSegment is one provider transcript event with non-empty text.
// A later final for the same utterance is a new segment.
type TranscriptSegment struct {
	Text       string    `json:"text"`
	Confidence float64   `json:"confidence"`
	IsFinal    bool      `json:"isFinal"`
	Timestamp  time.Time `json:"timestamp"`
	Speaker    Speaker   `json:"speaker"`
	Start      float64   `json:"start,omitempty"`
	Duration   float64   `json:"duration,omitempty"`
}

// QualityStatus is a heuristic derived from connection lifecycle events
type QualityStatus string

const (
	QualityDisconnected QualityStatus = "disconnected"
	QualityPoor         QualityStatus = "poor"
	QualityGood         QualityStatus = "good"
	QualityExcellent    QualityStatus = "excellent"
)

// Level maps the status onto the gauge scale
func (q QualityStatus) Level() int {
	switch q {
	case QualityPoor:
		return 1
	case QualityGood:
		return 2
	case QualityExcellent:
		return 3
	default:
		return 0
	}
}

// ConnectionQuality is surfaced to the UI; it is not a measured metric
type ConnectionQuality struct {
	Status      QualityStatus `json:"status"`
	LatencyMs   *int          `json:"latencyMs,omitempty"`
	PacketsLost *int          `json:"packetsLost,omitempty"`
}

// ErrorKind tags a StreamingError
type ErrorKind string

const (
	ErrConnectionFailed ErrorKind = "CONNECTION_FAILED"
	ErrAuthFailed       ErrorKind = "AUTH_FAILED"
	ErrStreamError      ErrorKind = "STREAM_ERROR"
	ErrInitError        ErrorKind = "INIT_ERROR"
)

// StreamingError is the error value surfaced by the client
type StreamingError struct {
	Kind      ErrorKind `json:"type"`
	Message   string    `json:"message"`
	Retryable bool      `json:"retryable"`
	Timestamp time.Time `json:"timestamp"`
	Err       error     `json:"-"`
}

// NewStreamingError builds an error; only connection failures are retryable
func NewStreamingError(kind ErrorKind, message string, err error) *StreamingError {
	return &StreamingError{
		Kind:      kind,
		Message:   message,
		Retryable: kind == ErrConnectionFailed,
		Timestamp: time.Now(),
		Err:       err,
	}
}

func (e *StreamingError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *StreamingError) Unwrap() error {
	return e.Err
}

// Event is a provider callback translated into a typed value. Every
// transport delivers its events through a single ordered channel.
type Event interface {
	isEvent()
}

// Opened is synthesised by the client once a dial succeeds
type Opened struct{}

// Closed reports the transport went away
type Closed struct {
	Code   int
	Reason string
}

// Errored reports a transport or provider error. Auth marks a credential
// rejection.
type Errored struct {
	Message string
	Auth    bool
}

// SpeechStarted is the provider's speech-activity signal
type SpeechStarted struct{}

// UtteranceEnded marks the provider's end of an utterance
type UtteranceEnded struct{}

// Transcript is a raw transcript result before filtering
type Transcript struct {
	Text       string
	Confidence float64
	IsFinal    bool
	Start      float64
	Duration   float64
}

func (Opened) isEvent()         {}
func (Closed) isEvent()         {}
func (Errored) isEvent()        {}
func (SpeechStarted) isEvent()  {}
func (UtteranceEnded) isEvent() {}
func (Transcript) isEvent()     {}
