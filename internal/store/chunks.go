package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// CreateChunk inserts a chunk row with client-estimated timestamps. A
// duplicate (session_id, chunk_index) insert is a no-op and reports
// inserted=false; chunk upload retries are routine.
func (s *Store) CreateChunk(ctx context.Context, sessionID string, chunkIndex int, startSeconds, endSeconds float64, storageKey string) (bool, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := s.db.ExecContext(
		ctx,
		`INSERT INTO chunks (session_id, chunk_index, status, start_time_seconds, end_time_seconds, corrected, storage_key, created_at, updated_at)
         VALUES (?, ?, ?, ?, ?, 0, ?, ?, ?)
         ON CONFLICT (session_id, chunk_index) DO NOTHING`,
		sessionID,
		chunkIndex,
		ChunkReceived,
		startSeconds,
		endSeconds,
		nullableString(storageKey),
		now,
		now,
	)
	if err != nil {
		return false, fmt.Errorf("insert chunk: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("rows affected: %w", err)
	}
	return affected > 0, nil
}

// GetChunk fetches one chunk by its (session, index) key. Returns nil when not found.
func (s *Store) GetChunk(ctx context.Context, sessionID string, chunkIndex int) (*Chunk, error) {
	row := s.db.QueryRowContext(
		ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE session_id = ? AND chunk_index = ?`,
		sessionID,
		chunkIndex,
	)
	chunk, err := scanChunk(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get chunk: %w", err)
	}
	return chunk, nil
}

// ChunksBySession returns all of a session's chunks ordered by index.
func (s *Store) ChunksBySession(ctx context.Context, sessionID string) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE session_id = ? ORDER BY chunk_index`,
		sessionID,
	)
	if err != nil {
		return nil, fmt.Errorf("query session chunks: %w", err)
	}
	defer rows.Close()
	return collectChunks(rows)
}

// ChunksInRange returns a session's chunks with index in [from, to], ordered
// by index. Missing indices are simply absent from the result.
func (s *Store) ChunksInRange(ctx context.Context, sessionID string, from, to int) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+chunkColumns+` FROM chunks
         WHERE session_id = ? AND chunk_index BETWEEN ? AND ?
         ORDER BY chunk_index`,
		sessionID,
		from,
		to,
	)
	if err != nil {
		return nil, fmt.Errorf("query chunk range: %w", err)
	}
	defer rows.Close()
	return collectChunks(rows)
}

// ChunksBefore returns a session's chunks with index strictly below the given
// index, ordered by index. Used for cumulative playback offset computation.
func (s *Store) ChunksBefore(ctx context.Context, sessionID string, before int) ([]*Chunk, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT `+chunkColumns+` FROM chunks
         WHERE session_id = ? AND chunk_index < ?
         ORDER BY chunk_index`,
		sessionID,
		before,
	)
	if err != nil {
		return nil, fmt.Errorf("query prior chunks: %w", err)
	}
	defer rows.Close()
	return collectChunks(rows)
}

// MarkChunkProcessing transitions a chunk to PROCESSING. The transition is
// monotone; a chunk already PROCESSED stays PROCESSED.
func (s *Store) MarkChunkProcessing(ctx context.Context, sessionID string, chunkIndex int) error {
	return s.transitionChunk(ctx, sessionID, chunkIndex, ChunkProcessing, []ChunkStatus{ChunkReceived, ChunkProcessing})
}

// MarkChunkProcessed transitions a chunk to PROCESSED. Applied to unresolvable
// chunks as well: a permanently missing chunk must not stall the session.
func (s *Store) MarkChunkProcessed(ctx context.Context, sessionID string, chunkIndex int) error {
	return s.transitionChunk(ctx, sessionID, chunkIndex, ChunkProcessed, []ChunkStatus{ChunkReceived, ChunkProcessing, ChunkProcessed})
}

func (s *Store) transitionChunk(ctx context.Context, sessionID string, chunkIndex int, to ChunkStatus, from []ChunkStatus) error {
	placeholders := makePlaceholders(len(from))
	args := make([]any, 0, len(from)+4)
	args = append(args, to, time.Now().UTC().Format(time.RFC3339Nano), sessionID, chunkIndex)
	for _, status := range from {
		args = append(args, status)
	}
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE chunks SET status = ?, updated_at = ?
         WHERE session_id = ? AND chunk_index = ? AND status IN (`+placeholders+`)`,
		args...,
	)
	if err != nil {
		return fmt.Errorf("transition chunk to %s: %w", to, err)
	}
	return nil
}

// CorrectChunkTimestamps overwrites a chunk's client-estimated timestamps with
// probed values and flags the row as corrected.
func (s *Store) CorrectChunkTimestamps(ctx context.Context, sessionID string, chunkIndex int, startSeconds, endSeconds float64) error {
	_, err := s.db.ExecContext(
		ctx,
		`UPDATE chunks SET start_time_seconds = ?, end_time_seconds = ?, corrected = 1, updated_at = ?
         WHERE session_id = ? AND chunk_index = ?`,
		startSeconds,
		endSeconds,
		time.Now().UTC().Format(time.RFC3339Nano),
		sessionID,
		chunkIndex,
	)
	if err != nil {
		return fmt.Errorf("correct chunk timestamps: %w", err)
	}
	return nil
}

// ChunkCounts aggregates a session's chunks by status.
func (s *Store) ChunkCounts(ctx context.Context, sessionID string) (ChunkStatusCounts, error) {
	rows, err := s.db.QueryContext(
		ctx,
		`SELECT status, COUNT(1) FROM chunks WHERE session_id = ? GROUP BY status`,
		sessionID,
	)
	if err != nil {
		return ChunkStatusCounts{}, fmt.Errorf("chunk counts: %w", err)
	}
	defer rows.Close()

	var counts ChunkStatusCounts
	for rows.Next() {
		var status ChunkStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return ChunkStatusCounts{}, err
		}
		switch status {
		case ChunkReceived:
			counts.Received = count
		case ChunkProcessing:
			counts.Processing = count
		case ChunkProcessed:
			counts.Processed = count
		}
	}
	return counts, rows.Err()
}

// DeleteSessionChunks removes all chunk rows for a session. Part of the
// finalize cleanup cascade.
func (s *Store) DeleteSessionChunks(ctx context.Context, sessionID string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM chunks WHERE session_id = ?`, sessionID)
	if err != nil {
		return 0, fmt.Errorf("delete session chunks: %w", err)
	}
	return res.RowsAffected()
}

const chunkColumns = "id, session_id, chunk_index, status, start_time_seconds, end_time_seconds, corrected, storage_key, created_at, updated_at"

func scanChunk(scanner interface{ Scan(dest ...any) error }) (*Chunk, error) {
	var (
		id         int64
		sessionID  string
		chunkIndex int
		statusStr  string
		start      float64
		end        float64
		corrected  int
		storageKey sql.NullString
		createdRaw sql.NullString
		updatedRaw sql.NullString
	)
	if err := scanner.Scan(&id, &sessionID, &chunkIndex, &statusStr, &start, &end, &corrected, &storageKey, &createdRaw, &updatedRaw); err != nil {
		return nil, err
	}

	chunk := &Chunk{
		ID:           id,
		SessionID:    sessionID,
		ChunkIndex:   chunkIndex,
		Status:       ChunkStatus(statusStr),
		StartSeconds: start,
		EndSeconds:   end,
		Corrected:    corrected != 0,
		StorageKey:   storageKey.String,
	}
	if created, err := parseTimeString(createdRaw.String); err == nil {
		chunk.CreatedAt = created
	}
	if updated, err := parseTimeString(updatedRaw.String); err == nil {
		chunk.UpdatedAt = updated
	}
	return chunk, nil
}

func collectChunks(rows *sql.Rows) ([]*Chunk, error) {
	var chunks []*Chunk
	for rows.Next() {
		chunk, err := scanChunk(rows)
		if err != nil {
			return nil, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, rows.Err()
}
