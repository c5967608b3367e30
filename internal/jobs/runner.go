package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"vigil/internal/logging"
)

// Handler executes one leased job. A returned error sends the job through the
// retry path; a handler that wants a delayed re-check enqueues a fresh job and
// returns nil.
type Handler func(ctx context.Context, job *Job) error

type lane struct {
	kind        Kind
	concurrency int
	lease       time.Duration
	retryDelay  time.Duration
	handler     Handler
}

// Runner polls the queue and dispatches jobs to registered handlers. Each kind
// runs in its own lane with independent concurrency so a slow batch analysis
// cannot starve finalize checks.
type Runner struct {
	queue        *Queue
	logger       *slog.Logger
	pollInterval time.Duration

	mu    sync.Mutex
	lanes []lane
}

// NewRunner constructs a runner over the queue.
func NewRunner(queue *Queue, logger *slog.Logger, pollInterval time.Duration) *Runner {
	if pollInterval <= 0 {
		pollInterval = 2 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{
		queue:        queue,
		logger:       logging.NewComponentLogger(logger, "jobs"),
		pollInterval: pollInterval,
	}
}

// Register adds a handler lane for one job kind. Must be called before Run.
func (r *Runner) Register(kind Kind, concurrency int, lease, retryDelay time.Duration, handler Handler) {
	if concurrency < 1 {
		concurrency = 1
	}
	if lease <= 0 {
		lease = time.Minute
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lanes = append(r.lanes, lane{
		kind:        kind,
		concurrency: concurrency,
		lease:       lease,
		retryDelay:  retryDelay,
		handler:     handler,
	})
}

// Run blocks processing jobs until the context is canceled.
func (r *Runner) Run(ctx context.Context) error {
	r.mu.Lock()
	lanes := make([]lane, len(r.lanes))
	copy(lanes, r.lanes)
	r.mu.Unlock()
	if len(lanes) == 0 {
		return fmt.Errorf("no job handlers registered")
	}

	var wg sync.WaitGroup
	for _, ln := range lanes {
		for i := 0; i < ln.concurrency; i++ {
			wg.Add(1)
			go func(ln lane) {
				defer wg.Done()
				r.workLoop(ctx, ln)
			}(ln)
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.reclaimLoop(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

func (r *Runner) workLoop(ctx context.Context, ln lane) {
	ticker := time.NewTicker(r.pollInterval)
	defer ticker.Stop()

	for {
		processed := r.processOne(ctx, ln)
		if ctx.Err() != nil {
			return
		}
		if processed {
			// Drain without waiting while work is available.
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (r *Runner) processOne(ctx context.Context, ln lane) bool {
	job, err := r.queue.Dequeue(ctx, ln.kind, ln.lease)
	if err != nil {
		if ctx.Err() == nil {
			r.logger.Error("dequeue failed",
				logging.String(logging.FieldJobKind, string(ln.kind)),
				logging.Error(err))
		}
		return false
	}
	if job == nil {
		return false
	}

	log := r.logger.With(
		logging.Int64(logging.FieldJobID, job.ID),
		logging.String(logging.FieldJobKind, string(job.Kind)),
	)
	log.Debug("job started", logging.Int("attempt", job.Attempts))

	if err := ln.handler(ctx, job); err != nil {
		log.Error("job failed", logging.Error(err), logging.Int("attempt", job.Attempts))
		if failErr := r.queue.Fail(ctx, job, err, ln.retryDelay); failErr != nil {
			log.Error("record job failure", logging.Error(failErr))
		}
		return true
	}

	if err := r.queue.Complete(ctx, job.ID); err != nil {
		log.Error("complete job", logging.Error(err))
		return true
	}
	log.Debug("job completed")
	return true
}

func (r *Runner) reclaimLoop(ctx context.Context) {
	ticker := time.NewTicker(r.pollInterval * 5)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		reclaimed, err := r.queue.ReclaimExpired(ctx)
		if err != nil {
			if ctx.Err() == nil {
				r.logger.Error("reclaim expired leases", logging.Error(err))
			}
			continue
		}
		if reclaimed > 0 {
			r.logger.Warn("reclaimed expired job leases", logging.Int64("count", reclaimed))
		}
	}
}
