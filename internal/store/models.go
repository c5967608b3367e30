package store

import (
	"strings"
	"time"
)

// SessionStatus represents the lifecycle of a proctoring session.
type SessionStatus string

const (
	SessionActive     SessionStatus = "ACTIVE"
	SessionCompleted  SessionStatus = "COMPLETED"
	SessionProcessing SessionStatus = "PROCESSING"
	SessionDone       SessionStatus = "DONE"
)

// ChunkStatus represents the lifecycle of an uploaded chunk. Transitions are
// monotone: RECEIVED -> PROCESSING -> PROCESSED, never reversed.
type ChunkStatus string

const (
	ChunkReceived   ChunkStatus = "RECEIVED"
	ChunkProcessing ChunkStatus = "PROCESSING"
	ChunkProcessed  ChunkStatus = "PROCESSED"
)

// EventType identifies a class of behavioral event derived from frame signals.
type EventType string

const (
	EventPhoneUsage       EventType = "PHONE_USAGE"
	EventLookingAway      EventType = "LOOKING_AWAY"
	EventNoFace           EventType = "NO_FACE"
	EventMultiplePeople   EventType = "MULTIPLE_PEOPLE"
	EventIdentityMismatch EventType = "IDENTITY_MISMATCH"
)

// EventTypes returns the ordered list of known event types.
func EventTypes() []EventType {
	return []EventType{
		EventPhoneUsage,
		EventLookingAway,
		EventNoFace,
		EventMultiplePeople,
		EventIdentityMismatch,
	}
}

// ParseSessionStatus converts a string into a known SessionStatus.
func ParseSessionStatus(value string) (SessionStatus, bool) {
	normalized := SessionStatus(strings.ToUpper(strings.TrimSpace(value)))
	switch normalized {
	case SessionActive, SessionCompleted, SessionProcessing, SessionDone:
		return normalized, true
	default:
		return "", false
	}
}

// Session represents a recording session row.
type Session struct {
	ID                string
	ExamID            string
	CandidateID       string
	Status            SessionStatus
	FinalVideoURL     string
	ReferenceImageKey string
	StartedAt         time.Time
	EndedAt           *time.Time
}

// Chunk represents one uploaded recording segment. Start/end timestamps are
// client estimates until the batch job overwrites them with probed values,
// recorded by the Corrected flag.
type Chunk struct {
	ID           int64
	SessionID    string
	ChunkIndex   int
	Status       ChunkStatus
	StartSeconds float64
	EndSeconds   float64
	Corrected    bool
	StorageKey   string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Duration returns the chunk's current playback length estimate.
func (c Chunk) Duration() float64 {
	return c.EndSeconds - c.StartSeconds
}

// Event represents one derived behavioral event. Rows are append-only.
type Event struct {
	ID              string
	SessionID       string
	Type            EventType
	StartSeconds    float64
	EndSeconds      float64
	DurationSeconds float64
	Confidence      float64
	Message         string
	SourceBatchFrom int
	CreatedAt       time.Time
}

// ChunkStatusCounts aggregates a session's chunks by status.
type ChunkStatusCounts struct {
	Received   int
	Processing int
	Processed  int
}

// Total returns the total number of chunks counted.
func (c ChunkStatusCounts) Total() int {
	return c.Received + c.Processing + c.Processed
}

// DatabaseHealth captures diagnostic information about the store database.
type DatabaseHealth struct {
	DBPath           string
	DatabaseExists   bool
	DatabaseReadable bool
	TablesPresent    []string
	MissingTables    []string
	IntegrityCheck   bool
	SessionCount     int
	Error            string
}
