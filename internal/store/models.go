// Package store persists recording sessions and their transcript in SQLite.
package store

import "time"

// Session status values
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
)

// Session is one persisted recording
type Session struct {
	ID               string
	ConversationType string
	Title            string
	Status           string
	StartedAt        time.Time
	EndedAt          *time.Time
	Duration         time.Duration
	MeWords          int
	ThemWords        int
	Summary          string
	CreatedAt        time.Time
}

// Segment is one persisted final transcript segment
type Segment struct {
	SessionID      string
	SequenceNumber int
	Text           string
	Speaker        string
	Confidence     float64
	SpokenAt       time.Time
	CreatedAt      time.Time
}

// FinalizeRecord carries the totals written when a session completes
type FinalizeRecord struct {
	EndedAt   time.Time
	Duration  time.Duration
	MeWords   int
	ThemWords int
	Summary   string
}
