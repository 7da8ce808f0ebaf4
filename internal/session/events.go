package session

import (
	"github.com/lexiqai/meeting-recorder/internal/stt"
)

// EventType names an external event accepted by the machine
type EventType string

const (
	EventSetupComplete         EventType = "SETUP_COMPLETE"
	EventSetConversationType   EventType = "SET_CONVERSATION_TYPE"
	EventSetConversationTitle  EventType = "SET_CONVERSATION_TITLE"
	EventUpdateContext         EventType = "UPDATE_CONTEXT"
	EventUpdatePersonalContext EventType = "UPDATE_PERSONAL_CONTEXT"
	EventUploadFiles           EventType = "UPLOAD_FILES"
	EventStartRecording        EventType = "START_RECORDING"
	EventPauseRecording        EventType = "PAUSE_RECORDING"
	EventResumeRecording       EventType = "RESUME_RECORDING"
	EventStopRecording         EventType = "STOP_RECORDING"
	EventUpdateTranscript      EventType = "UPDATE_TRANSCRIPT"
	EventTabVisibilityChanged  EventType = "TAB_VISIBILITY_CHANGED"
	EventUpdateMinuteTracking  EventType = "UPDATE_MINUTE_TRACKING"
	EventUsageLimitReached     EventType = "USAGE_LIMIT_REACHED"
	EventApproachingUsageLimit EventType = "APPROACHING_USAGE_LIMIT"
	EventError                 EventType = "ERROR"
	EventClearError            EventType = "CLEAR_ERROR"
)

// Internal completions of invoked services. They are never accepted from Send.
const (
	eventStartDone      EventType = "done.start"
	eventStartFailed    EventType = "error.start"
	eventFinalizeDone   EventType = "done.finalize"
	eventFinalizeFailed EventType = "error.finalize"
)

// UsageUpdate carries the quota collaborator's view
type UsageUpdate struct {
	CanRecord             bool    `json:"canRecord"`
	MinutesRemaining      float64 `json:"minutesRemaining"`
	CurrentSessionMinutes float64 `json:"currentSessionMinutes"`
}

// Event is one message for the machine. Only the fields relevant to Type are read.
type Event struct {
	Type EventType `json:"type"`

	ConversationType string                  `json:"conversationType,omitempty"`
	Title            string                  `json:"title,omitempty"`
	Fields           map[string]string       `json:"fields,omitempty"`
	PersonalContext  string                  `json:"personalContext,omitempty"`
	Files            []File                  `json:"files,omitempty"`
	Transcript       []stt.TranscriptSegment `json:"transcript,omitempty"`
	Visible          bool                    `json:"visible,omitempty"`
	Usage            *UsageUpdate            `json:"usage,omitempty"`
	Message          string                  `json:"message,omitempty"`
}

// IsExternal reports whether t is part of the consumer event set
func (t EventType) IsExternal() bool {
	switch t {
	case EventSetupComplete, EventSetConversationType, EventSetConversationTitle,
		EventUpdateContext, EventUpdatePersonalContext, EventUploadFiles,
		EventStartRecording, EventPauseRecording, EventResumeRecording, EventStopRecording,
		EventUpdateTranscript, EventTabVisibilityChanged, EventUpdateMinuteTracking,
		EventUsageLimitReached, EventApproachingUsageLimit, EventError, EventClearError:
		return true
	}
	return false
}
