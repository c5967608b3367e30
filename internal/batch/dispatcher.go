// Package batch groups uploaded chunks into fixed-size analysis batches and
// processes them: resolve media, remux, run the analyzer, sweep detectors,
// correct timestamps, and mark chunks processed.
package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"vigil/internal/jobs"
	"vigil/internal/logging"
)

// Dispatcher watches chunk arrivals and enqueues one analysis job per
// completed batch.
type Dispatcher struct {
	queue       *jobs.Queue
	batchSize   int
	maxAttempts int
	logger      *slog.Logger
}

// NewDispatcher constructs a dispatcher.
func NewDispatcher(queue *jobs.Queue, batchSize, maxAttempts int, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Dispatcher{
		queue:       queue,
		batchSize:   batchSize,
		maxAttempts: maxAttempts,
		logger:      logging.NewComponentLogger(logger, "batch"),
	}
}

// OnChunkReceived is called once per durably-recorded chunk. When the chunk
// completes a batch, exactly one analysis job is enqueued; the dedup key
// makes retried uploads and concurrent triggers converge on that one job.
func (d *Dispatcher) OnChunkReceived(ctx context.Context, sessionID string, chunkIndex int) error {
	if (chunkIndex+1)%d.batchSize != 0 {
		return nil
	}

	from := chunkIndex + 1 - d.batchSize
	payload := jobs.BatchPayload{
		SessionID: sessionID,
		FromIndex: from,
		ToIndex:   chunkIndex,
	}
	_, err := d.queue.Enqueue(
		ctx,
		jobs.KindBatchAnalyze,
		jobs.BatchDedupKey(sessionID, from),
		payload,
		jobs.WithMaxAttempts(d.maxAttempts),
	)
	if errors.Is(err, jobs.ErrDuplicate) {
		d.logger.Debug("batch already enqueued",
			logging.String(logging.FieldSessionID, sessionID),
			logging.Int(logging.FieldBatchFrom, from))
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue batch job: %w", err)
	}

	d.logger.Info("batch enqueued",
		logging.String(logging.FieldSessionID, sessionID),
		logging.Int(logging.FieldBatchFrom, from),
		logging.Int(logging.FieldBatchTo, chunkIndex))
	return nil
}
