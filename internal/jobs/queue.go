// Package jobs implements a SQLite-backed job queue with idempotency keys,
// lease-based dispatch, and bounded retries. Completed jobs are deleted, so
// re-delivery after a crash between handler success and completion is
// possible; handlers are written to tolerate it.
package jobs

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrDuplicate reports that a job with the same dedup key is already queued.
var ErrDuplicate = errors.New("duplicate job")

// Queue persists and leases jobs. It shares the store's database handle.
type Queue struct {
	db *sql.DB
}

// NewQueue wraps an existing database handle.
func NewQueue(db *sql.DB) *Queue {
	return &Queue{db: db}
}

// EnqueueOption customizes a single enqueue.
type EnqueueOption func(*enqueueSettings)

type enqueueSettings struct {
	delay       time.Duration
	maxAttempts int
}

// WithDelay defers the job's earliest run time.
func WithDelay(delay time.Duration) EnqueueOption {
	return func(s *enqueueSettings) {
		if delay > 0 {
			s.delay = delay
		}
	}
}

// WithMaxAttempts overrides the default retry budget.
func WithMaxAttempts(attempts int) EnqueueOption {
	return func(s *enqueueSettings) {
		if attempts > 0 {
			s.maxAttempts = attempts
		}
	}
}

// Enqueue inserts a new pending job. When a job with the same dedup key
// already exists the insert is a no-op and ErrDuplicate is returned; callers
// treat that as success for retried uploads.
func (q *Queue) Enqueue(ctx context.Context, kind Kind, dedupKey string, payload any, opts ...EnqueueOption) (*Job, error) {
	settings := enqueueSettings{maxAttempts: 3}
	for _, opt := range opts {
		opt(&settings)
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", kind, err)
	}

	now := time.Now().UTC()
	runAt := now.Add(settings.delay)
	res, err := q.db.ExecContext(
		ctx,
		`INSERT INTO jobs (kind, dedup_key, payload, status, attempts, max_attempts, run_at, created_at, updated_at)
         VALUES (?, ?, ?, ?, 0, ?, ?, ?, ?)
         ON CONFLICT (dedup_key) DO NOTHING`,
		kind,
		dedupKey,
		string(encoded),
		StatusPending,
		settings.maxAttempts,
		runAt.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return nil, fmt.Errorf("%w: %s", ErrDuplicate, dedupKey)
	}
	return q.GetByDedupKey(ctx, dedupKey)
}

// GetByDedupKey fetches a job by its idempotency key. Returns nil when the
// job no longer exists.
func (q *Queue) GetByDedupKey(ctx context.Context, dedupKey string) (*Job, error) {
	row := q.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE dedup_key = ?`, dedupKey)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job by dedup key: %w", err)
	}
	return job, nil
}

// Dequeue leases the oldest runnable job of the given kind. Returns nil when
// nothing is due.
func (q *Queue) Dequeue(ctx context.Context, kind Kind, lease time.Duration) (*Job, error) {
	tx, err := q.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin dequeue tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	now := time.Now().UTC()
	row := tx.QueryRowContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs
         WHERE kind = ? AND status = ? AND run_at <= ?
         ORDER BY run_at, id LIMIT 1`,
		kind,
		StatusPending,
		now.Format(time.RFC3339Nano),
	)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("select runnable job: %w", err)
	}

	leasedUntil := now.Add(lease)
	if _, err := tx.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, attempts = attempts + 1, leased_until = ?, updated_at = ? WHERE id = ?`,
		StatusRunning,
		leasedUntil.Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		job.ID,
	); err != nil {
		return nil, fmt.Errorf("lease job %d: %w", job.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit dequeue tx: %w", err)
	}

	job.Status = StatusRunning
	job.Attempts++
	job.LeasedUntil = &leasedUntil
	return job, nil
}

// Complete removes a finished job. Its bookkeeping is deliberately discarded;
// downstream effects carry their own idempotency.
func (q *Queue) Complete(ctx context.Context, jobID int64) error {
	if _, err := q.db.ExecContext(ctx, `DELETE FROM jobs WHERE id = ?`, jobID); err != nil {
		return fmt.Errorf("complete job %d: %w", jobID, err)
	}
	return nil
}

// Fail records a handler failure. The job returns to pending after retryDelay
// until its attempt budget is spent, then parks as dead for operator review.
func (q *Queue) Fail(ctx context.Context, job *Job, jobErr error, retryDelay time.Duration) error {
	if job == nil {
		return errors.New("job is nil")
	}
	message := ""
	if jobErr != nil {
		message = jobErr.Error()
	}

	now := time.Now().UTC()
	if job.Attempts >= job.MaxAttempts {
		_, err := q.db.ExecContext(
			ctx,
			`UPDATE jobs SET status = ?, leased_until = NULL, last_error = ?, updated_at = ? WHERE id = ?`,
			StatusDead,
			message,
			now.Format(time.RFC3339Nano),
			job.ID,
		)
		if err != nil {
			return fmt.Errorf("mark job %d dead: %w", job.ID, err)
		}
		return nil
	}

	_, err := q.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, leased_until = NULL, last_error = ?, run_at = ?, updated_at = ? WHERE id = ?`,
		StatusPending,
		message,
		now.Add(retryDelay).Format(time.RFC3339Nano),
		now.Format(time.RFC3339Nano),
		job.ID,
	)
	if err != nil {
		return fmt.Errorf("requeue job %d: %w", job.ID, err)
	}
	return nil
}

// ReclaimExpired returns jobs whose lease has lapsed to pending so another
// worker can pick them up.
func (q *Queue) ReclaimExpired(ctx context.Context) (int64, error) {
	now := time.Now().UTC().Format(time.RFC3339Nano)
	res, err := q.db.ExecContext(
		ctx,
		`UPDATE jobs SET status = ?, leased_until = NULL, updated_at = ?
         WHERE status = ? AND leased_until IS NOT NULL AND leased_until <= ?`,
		StatusPending,
		now,
		StatusRunning,
		now,
	)
	if err != nil {
		return 0, fmt.Errorf("reclaim expired leases: %w", err)
	}
	return res.RowsAffected()
}

// Stats aggregates queued jobs by kind and status.
func (q *Queue) Stats(ctx context.Context) ([]KindStatusCount, error) {
	rows, err := q.db.QueryContext(
		ctx,
		`SELECT kind, status, COUNT(1) FROM jobs GROUP BY kind, status ORDER BY kind, status`,
	)
	if err != nil {
		return nil, fmt.Errorf("queue stats: %w", err)
	}
	defer rows.Close()

	var stats []KindStatusCount
	for rows.Next() {
		var entry KindStatusCount
		if err := rows.Scan(&entry.Kind, &entry.Status, &entry.Count); err != nil {
			return nil, err
		}
		stats = append(stats, entry)
	}
	return stats, rows.Err()
}

// DeadJobs lists jobs that have exhausted their attempt budget, newest first.
func (q *Queue) DeadJobs(ctx context.Context) ([]*Job, error) {
	rows, err := q.db.QueryContext(
		ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE status = ? ORDER BY updated_at DESC`,
		StatusDead,
	)
	if err != nil {
		return nil, fmt.Errorf("list dead jobs: %w", err)
	}
	defer rows.Close()

	var dead []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		dead = append(dead, job)
	}
	return dead, rows.Err()
}

const jobColumns = "id, kind, dedup_key, payload, status, attempts, max_attempts, run_at, leased_until, last_error, created_at, updated_at"

func scanJob(scanner interface{ Scan(dest ...any) error }) (*Job, error) {
	var (
		id        int64
		kind      string
		dedupKey  string
		payload   string
		status    string
		attempts  int
		maxAtt    int
		runRaw    string
		leasedRaw sql.NullString
		lastErr   sql.NullString
		createdAt string
		updatedAt string
	)
	if err := scanner.Scan(&id, &kind, &dedupKey, &payload, &status, &attempts, &maxAtt, &runRaw, &leasedRaw, &lastErr, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	job := &Job{
		ID:          id,
		Kind:        Kind(kind),
		DedupKey:    dedupKey,
		Payload:     payload,
		Status:      Status(status),
		Attempts:    attempts,
		MaxAttempts: maxAtt,
		LastError:   lastErr.String,
	}
	if runAt, err := time.Parse(time.RFC3339Nano, runRaw); err == nil {
		job.RunAt = runAt
	}
	if leasedRaw.Valid {
		if leased, err := time.Parse(time.RFC3339Nano, leasedRaw.String); err == nil {
			job.LeasedUntil = &leased
		}
	}
	if created, err := time.Parse(time.RFC3339Nano, createdAt); err == nil {
		job.CreatedAt = created
	}
	if updated, err := time.Parse(time.RFC3339Nano, updatedAt); err == nil {
		job.UpdatedAt = updated
	}
	return job, nil
}
