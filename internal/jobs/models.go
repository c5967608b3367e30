package jobs

import (
	"encoding/json"
	"fmt"
	"time"
)

// Kind identifies the handler a job is routed to.
type Kind string

const (
	// KindBatchAnalyze analyzes one batch of consecutive chunks.
	KindBatchAnalyze Kind = "batch_analyze"
	// KindFinalize drives a session toward its final recording.
	KindFinalize Kind = "finalize"
)

// Status is a job's lifecycle state. Completed jobs are deleted rather than
// kept, so there is no terminal success status.
type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDead    Status = "dead"
)

// Job is one queued unit of work.
type Job struct {
	ID          int64
	Kind        Kind
	DedupKey    string
	Payload     string
	Status      Status
	Attempts    int
	MaxAttempts int
	RunAt       time.Time
	LeasedUntil *time.Time
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// UnmarshalPayload decodes the job payload into v.
func (j *Job) UnmarshalPayload(v any) error {
	if err := json.Unmarshal([]byte(j.Payload), v); err != nil {
		return fmt.Errorf("decode %s payload: %w", j.Kind, err)
	}
	return nil
}

// KindStatusCount is one row of queue statistics.
type KindStatusCount struct {
	Kind   Kind
	Status Status
	Count  int
}

// BatchPayload is the payload for batch analysis jobs.
type BatchPayload struct {
	SessionID string `json:"session_id"`
	FromIndex int    `json:"from_index"`
	ToIndex   int    `json:"to_index"`
	Terminal  bool   `json:"terminal"`
}

// FinalizePayload is the payload for finalize jobs. Attempt counts the
// readiness re-checks consumed so far.
type FinalizePayload struct {
	SessionID string `json:"session_id"`
	Attempt   int    `json:"attempt"`
}

// BatchDedupKey is the idempotency key for a batch job. One key exists per
// (session, batch start), so a duplicate chunk upload cannot double-enqueue
// analysis.
func BatchDedupKey(sessionID string, fromIndex int) string {
	return fmt.Sprintf("batch:%s:%d", sessionID, fromIndex)
}

// TerminalBatchDedupKey is the idempotency key for the forced flush batch
// scheduled during finalize.
func TerminalBatchDedupKey(sessionID string, fromIndex int) string {
	return fmt.Sprintf("batch:%s:%d:terminal", sessionID, fromIndex)
}

// FinalizeDedupKey is the idempotency key for one finalize attempt. The
// attempt number is part of the key so a delayed re-check is not swallowed by
// the dedup constraint.
func FinalizeDedupKey(sessionID string, attempt int) string {
	return fmt.Sprintf("finalize:%s:%d", sessionID, attempt)
}
