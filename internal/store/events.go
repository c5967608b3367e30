package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Operator-readable descriptions keyed by event type.
var eventMessages = map[EventType]string{
	EventPhoneUsage:       "Phone visible in frame",
	EventLookingAway:      "Candidate looking away from screen",
	EventNoFace:           "No face visible",
	EventMultiplePeople:   "Multiple people in frame",
	EventIdentityMismatch: "Face does not match reference image",
}

// EventMessage returns the operator-readable description for an event type.
func EventMessage(eventType EventType) string {
	if msg, ok := eventMessages[eventType]; ok {
		return msg
	}
	return "Suspicious activity detected"
}

// InsertEvent appends one derived behavioral event. An empty ID or message is
// filled in; rows are never updated afterwards.
func (s *Store) InsertEvent(ctx context.Context, event *Event) error {
	if event == nil {
		return errors.New("event is nil")
	}
	if strings.TrimSpace(event.ID) == "" {
		event.ID = uuid.NewString()
	}
	if strings.TrimSpace(event.Message) == "" {
		event.Message = EventMessage(event.Type)
	}
	event.CreatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO events (id, session_id, event_type, start_time_seconds, end_time_seconds, duration_seconds, confidence_score, message, source_batch_from, created_at)
         VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID,
		event.SessionID,
		event.Type,
		event.StartSeconds,
		event.EndSeconds,
		event.DurationSeconds,
		event.Confidence,
		event.Message,
		event.SourceBatchFrom,
		event.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert event: %w", err)
	}
	return nil
}

// EventsBySession returns a session's events ordered by start time.
func (s *Store) EventsBySession(ctx context.Context, sessionID string) ([]*Event, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+eventColumns+` FROM events WHERE session_id = ? ORDER BY start_time_seconds, event_type`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query session events: %w", err)
	}
	defer rows.Close()

	var events []*Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// EventCount returns the number of events recorded for a session.
func (s *Store) EventCount(ctx context.Context, sessionID string) (int, error) {
	var count int
	row := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM events WHERE session_id = ?`, sessionID)
	if err := row.Scan(&count); err != nil {
		return 0, fmt.Errorf("count events: %w", err)
	}
	return count, nil
}

const eventColumns = "id, session_id, event_type, start_time_seconds, end_time_seconds, duration_seconds, confidence_score, message, source_batch_from, created_at"

func scanEvent(scanner interface{ Scan(dest ...any) error }) (*Event, error) {
	var (
		id         string
		sessionID  string
		eventType  string
		start      float64
		end        float64
		duration   float64
		confidence float64
		message    sql.NullString
		batchFrom  int
		createdRaw sql.NullString
	)
	if err := scanner.Scan(&id, &sessionID, &eventType, &start, &end, &duration, &confidence, &message, &batchFrom, &createdRaw); err != nil {
		return nil, err
	}

	event := &Event{
		ID:              id,
		SessionID:       sessionID,
		Type:            EventType(eventType),
		StartSeconds:    start,
		EndSeconds:      end,
		DurationSeconds: duration,
		Confidence:      confidence,
		Message:         message.String,
		SourceBatchFrom: batchFrom,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		event.CreatedAt = created
	}
	return event, nil
}
