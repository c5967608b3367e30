package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrSessionConflict indicates a session update was rejected because the row
// was not in an eligible state.
var ErrSessionConflict = errors.New("session state conflict")

// CreateSession inserts a new ACTIVE session row.
func (s *Store) CreateSession(ctx context.Context, id, examID, candidateID string) (*Session, error) {
	if strings.TrimSpace(id) == "" {
		return nil, errors.New("session id required")
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`INSERT INTO sessions (id, exam_id, candidate_id, status, started_at)
         VALUES (?, ?, ?, ?, ?)`,
		id,
		nullableString(examID),
		nullableString(candidateID),
		SessionActive,
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("insert session: %w", err)
	}
	return s.GetSession(ctx, id)
}

// GetSession fetches a session by identifier. Returns nil when not found.
func (s *Store) GetSession(ctx context.Context, id string) (*Session, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+sessionColumns+` FROM sessions WHERE id = ?`, id)
	session, err := scanSession(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return session, nil
}

// ListSessions returns sessions filtered by status set (or all when no status
// is provided), newest first.
func (s *Store) ListSessions(ctx context.Context, statuses ...SessionStatus) ([]*Session, error) {
	var (
		rows *sql.Rows
		err  error
	)
	baseQuery := `SELECT ` + sessionColumns + ` FROM sessions`
	orderClause := ` ORDER BY started_at DESC`

	if len(statuses) == 0 {
		rows, err = s.db.QueryContext(ctx, baseQuery+orderClause)
	} else {
		placeholders := makePlaceholders(len(statuses))
		args := make([]any, len(statuses))
		for i, status := range statuses {
			args[i] = status
		}
		rows, err = s.db.QueryContext(ctx, baseQuery+` WHERE status IN (`+placeholders+`)`+orderClause, args...)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []*Session
	for rows.Next() {
		session, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, session)
	}
	return sessions, rows.Err()
}

// MarkSessionCompleted records the client-initiated session end.
func (s *Store) MarkSessionCompleted(ctx context.Context, id string) error {
	now := time.Now().UTC()
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions SET status = ?, ended_at = ? WHERE id = ? AND status = ?`,
		SessionCompleted,
		now.Format(time.RFC3339Nano),
		id,
		SessionActive,
	)
	if err != nil {
		return fmt.Errorf("mark session completed: %w", err)
	}
	return nil
}

// MarkSessionProcessing moves a completed session into finalize processing.
func (s *Store) MarkSessionProcessing(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions SET status = ? WHERE id = ? AND status IN (?, ?)`,
		SessionProcessing,
		id,
		SessionCompleted,
		SessionProcessing,
	)
	if err != nil {
		return fmt.Errorf("mark session processing: %w", err)
	}
	return nil
}

// MarkSessionDone records the finalized recording URL and the DONE status in
// one statement so the final_video_url/DONE invariant cannot be observed half
// applied.
func (s *Store) MarkSessionDone(ctx context.Context, id, finalVideoURL string) error {
	if strings.TrimSpace(finalVideoURL) == "" {
		return errors.New("final video url required")
	}
	now := time.Now().UTC()
	res, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions SET status = ?, final_video_url = ?, ended_at = ?
         WHERE id = ? AND status != ?`,
		SessionDone,
		finalVideoURL,
		now.Format(time.RFC3339Nano),
		id,
		SessionDone,
	)
	if err != nil {
		return fmt.Errorf("mark session done: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: session %s already DONE or missing", ErrSessionConflict, id)
	}
	return nil
}

// SetReferenceImageKey records the object-store key of the candidate's
// reference face image.
func (s *Store) SetReferenceImageKey(ctx context.Context, id, key string) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE sessions SET reference_image_key = ? WHERE id = ?`,
		nullableString(key),
		id,
	)
	if err != nil {
		return fmt.Errorf("set reference image key: %w", err)
	}
	return nil
}

const sessionColumns = "id, exam_id, candidate_id, status, final_video_url, reference_image_key, started_at, ended_at"

func scanSession(scanner interface{ Scan(dest ...any) error }) (*Session, error) {
	var (
		id           string
		examID       sql.NullString
		candidateID  sql.NullString
		statusStr    string
		finalURL     sql.NullString
		referenceKey sql.NullString
		startedRaw   sql.NullString
		endedRaw     sql.NullString
	)
	if err := scanner.Scan(&id, &examID, &candidateID, &statusStr, &finalURL, &referenceKey, &startedRaw, &endedRaw); err != nil {
		return nil, err
	}

	session := &Session{
		ID:                id,
		ExamID:            examID.String,
		CandidateID:       candidateID.String,
		Status:            SessionStatus(statusStr),
		FinalVideoURL:     finalURL.String,
		ReferenceImageKey: referenceKey.String,
	}
	if started, err := parseTimeString(startedRaw.String); err == nil {
		session.StartedAt = started
	}
	if endedRaw.Valid {
		if ended, err := parseTimeString(endedRaw.String); err == nil {
			session.EndedAt = &ended
		}
	}
	return session, nil
}
