package jobs_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"vigil/internal/jobs"
	"vigil/internal/logging"
	"vigil/internal/testsupport"
)

func newQueue(t *testing.T) *jobs.Queue {
	t.Helper()
	cfg := testsupport.NewConfig(t)
	st := testsupport.MustOpenStore(t, cfg)
	return jobs.NewQueue(st.DB())
}

func TestEnqueueDeduplicates(t *testing.T) {
	queue := newQueue(t)
	ctx := context.Background()

	payload := jobs.BatchPayload{SessionID: "sess-1", FromIndex: 0, ToIndex: 2}
	key := jobs.BatchDedupKey("sess-1", 0)

	job, err := queue.Enqueue(ctx, jobs.KindBatchAnalyze, key, payload)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if job.Status != jobs.StatusPending {
		t.Fatalf("expected pending job, got %s", job.Status)
	}

	if _, err := queue.Enqueue(ctx, jobs.KindBatchAnalyze, key, payload); !errors.Is(err, jobs.ErrDuplicate) {
		t.Fatalf("expected ErrDuplicate, got %v", err)
	}
}

func TestDequeueLeasesOldestRunnable(t *testing.T) {
	queue := newQueue(t)
	ctx := context.Background()

	if _, err := queue.Enqueue(ctx, jobs.KindBatchAnalyze, jobs.BatchDedupKey("sess-a", 0), jobs.BatchPayload{SessionID: "sess-a"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	if _, err := queue.Enqueue(ctx, jobs.KindBatchAnalyze, jobs.BatchDedupKey("sess-a", 3), jobs.BatchPayload{SessionID: "sess-a"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	job, err := queue.Dequeue(ctx, jobs.KindBatchAnalyze, time.Minute)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if job == nil {
		t.Fatal("expected a job")
	}
	if job.DedupKey != jobs.BatchDedupKey("sess-a", 0) {
		t.Fatalf("expected oldest job first, got %s", job.DedupKey)
	}
	if job.Status != jobs.StatusRunning || job.Attempts != 1 {
		t.Fatalf("expected leased job with one attempt, got %#v", job)
	}
	if job.LeasedUntil == nil || !job.LeasedUntil.After(time.Now().UTC()) {
		t.Fatalf("expected future lease, got %v", job.LeasedUntil)
	}

	var payload jobs.BatchPayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		t.Fatalf("UnmarshalPayload failed: %v", err)
	}
	if payload.SessionID != "sess-a" {
		t.Fatalf("unexpected payload: %#v", payload)
	}
}

func TestDequeueHonorsRunAtDelay(t *testing.T) {
	queue := newQueue(t)
	ctx := context.Background()

	_, err := queue.Enqueue(
		ctx,
		jobs.KindFinalize,
		jobs.FinalizeDedupKey("sess-b", 1),
		jobs.FinalizePayload{SessionID: "sess-b", Attempt: 1},
		jobs.WithDelay(time.Hour),
	)
	if err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	job, err := queue.Dequeue(ctx, jobs.KindFinalize, time.Minute)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if job != nil {
		t.Fatalf("expected delayed job to stay hidden, got %#v", job)
	}
}

func TestDequeueFiltersByKind(t *testing.T) {
	queue := newQueue(t)
	ctx := context.Background()

	if _, err := queue.Enqueue(ctx, jobs.KindBatchAnalyze, jobs.BatchDedupKey("sess-c", 0), jobs.BatchPayload{SessionID: "sess-c"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	job, err := queue.Dequeue(ctx, jobs.KindFinalize, time.Minute)
	if err != nil {
		t.Fatalf("Dequeue failed: %v", err)
	}
	if job != nil {
		t.Fatalf("expected no finalize jobs, got %#v", job)
	}
}

func TestCompleteDeletesRow(t *testing.T) {
	queue := newQueue(t)
	ctx := context.Background()

	key := jobs.BatchDedupKey("sess-d", 0)
	if _, err := queue.Enqueue(ctx, jobs.KindBatchAnalyze, key, jobs.BatchPayload{SessionID: "sess-d"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	job, err := queue.Dequeue(ctx, jobs.KindBatchAnalyze, time.Minute)
	if err != nil || job == nil {
		t.Fatalf("Dequeue failed: job=%v err=%v", job, err)
	}
	if err := queue.Complete(ctx, job.ID); err != nil {
		t.Fatalf("Complete failed: %v", err)
	}

	gone, err := queue.GetByDedupKey(ctx, key)
	if err != nil {
		t.Fatalf("GetByDedupKey failed: %v", err)
	}
	if gone != nil {
		t.Fatalf("expected completed job deleted, got %#v", gone)
	}

	// The dedup key is free again once the job completed.
	if _, err := queue.Enqueue(ctx, jobs.KindBatchAnalyze, key, jobs.BatchPayload{SessionID: "sess-d"}); err != nil {
		t.Fatalf("re-enqueue after completion failed: %v", err)
	}
}

func TestFailRetriesThenParksDead(t *testing.T) {
	queue := newQueue(t)
	ctx := context.Background()

	key := jobs.BatchDedupKey("sess-e", 0)
	if _, err := queue.Enqueue(ctx, jobs.KindBatchAnalyze, key, jobs.BatchPayload{SessionID: "sess-e"}, jobs.WithMaxAttempts(2)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	job, err := queue.Dequeue(ctx, jobs.KindBatchAnalyze, time.Minute)
	if err != nil || job == nil {
		t.Fatalf("Dequeue failed: job=%v err=%v", job, err)
	}
	if err := queue.Fail(ctx, job, errors.New("analyzer crashed"), 0); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	retried, err := queue.GetByDedupKey(ctx, key)
	if err != nil {
		t.Fatalf("GetByDedupKey failed: %v", err)
	}
	if retried.Status != jobs.StatusPending {
		t.Fatalf("expected pending retry, got %s", retried.Status)
	}
	if retried.LastError != "analyzer crashed" {
		t.Fatalf("expected last error recorded, got %q", retried.LastError)
	}

	job, err = queue.Dequeue(ctx, jobs.KindBatchAnalyze, time.Minute)
	if err != nil || job == nil {
		t.Fatalf("second Dequeue failed: job=%v err=%v", job, err)
	}
	if err := queue.Fail(ctx, job, errors.New("analyzer crashed again"), 0); err != nil {
		t.Fatalf("Fail failed: %v", err)
	}

	dead, err := queue.DeadJobs(ctx)
	if err != nil {
		t.Fatalf("DeadJobs failed: %v", err)
	}
	if len(dead) != 1 || dead[0].DedupKey != key {
		t.Fatalf("expected one dead job for %s, got %#v", key, dead)
	}
}

func TestReclaimExpiredLeases(t *testing.T) {
	queue := newQueue(t)
	ctx := context.Background()

	if _, err := queue.Enqueue(ctx, jobs.KindBatchAnalyze, jobs.BatchDedupKey("sess-f", 0), jobs.BatchPayload{SessionID: "sess-f"}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}
	job, err := queue.Dequeue(ctx, jobs.KindBatchAnalyze, time.Millisecond)
	if err != nil || job == nil {
		t.Fatalf("Dequeue failed: job=%v err=%v", job, err)
	}
	time.Sleep(10 * time.Millisecond)

	reclaimed, err := queue.ReclaimExpired(ctx)
	if err != nil {
		t.Fatalf("ReclaimExpired failed: %v", err)
	}
	if reclaimed != 1 {
		t.Fatalf("expected 1 reclaimed, got %d", reclaimed)
	}

	again, err := queue.Dequeue(ctx, jobs.KindBatchAnalyze, time.Minute)
	if err != nil {
		t.Fatalf("Dequeue after reclaim failed: %v", err)
	}
	if again == nil || again.ID != job.ID {
		t.Fatalf("expected reclaimed job redelivered, got %#v", again)
	}
	if again.Attempts != 2 {
		t.Fatalf("expected second attempt, got %d", again.Attempts)
	}
}

func TestRunnerDispatchesAndCompletes(t *testing.T) {
	queue := newQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	key := jobs.BatchDedupKey("sess-run", 0)
	if _, err := queue.Enqueue(ctx, jobs.KindBatchAnalyze, key, jobs.BatchPayload{SessionID: "sess-run", FromIndex: 0, ToIndex: 2}); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	var (
		mu   sync.Mutex
		seen []string
	)
	done := make(chan struct{})
	runner := jobs.NewRunner(queue, logging.NewNop(), 10*time.Millisecond)
	runner.Register(jobs.KindBatchAnalyze, 1, time.Minute, 0, func(ctx context.Context, job *jobs.Job) error {
		var payload jobs.BatchPayload
		if err := job.UnmarshalPayload(&payload); err != nil {
			return err
		}
		mu.Lock()
		seen = append(seen, payload.SessionID)
		mu.Unlock()
		close(done)
		return nil
	})

	go func() {
		_ = runner.Run(ctx)
	}()

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("handler was not invoked")
	}

	deadline := time.Now().Add(5 * time.Second)
	for {
		job, err := queue.GetByDedupKey(context.Background(), key)
		if err != nil {
			t.Fatalf("GetByDedupKey failed: %v", err)
		}
		if job == nil {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("job was not completed: %#v", job)
		}
		time.Sleep(10 * time.Millisecond)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(seen) != 1 || seen[0] != "sess-run" {
		t.Fatalf("unexpected handler invocations: %v", seen)
	}
}

func TestRunnerRetriesFailedJobs(t *testing.T) {
	queue := newQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if _, err := queue.Enqueue(ctx, jobs.KindFinalize, jobs.FinalizeDedupKey("sess-retry", 0), jobs.FinalizePayload{SessionID: "sess-retry"}, jobs.WithMaxAttempts(2)); err != nil {
		t.Fatalf("Enqueue failed: %v", err)
	}

	attempts := make(chan int, 4)
	runner := jobs.NewRunner(queue, logging.NewNop(), 10*time.Millisecond)
	runner.Register(jobs.KindFinalize, 1, time.Minute, 0, func(ctx context.Context, job *jobs.Job) error {
		attempts <- job.Attempts
		if job.Attempts < 2 {
			return errors.New("not ready")
		}
		return nil
	})

	go func() {
		_ = runner.Run(ctx)
	}()

	var observed []int
	timeout := time.After(5 * time.Second)
	for len(observed) < 2 {
		select {
		case attempt := <-attempts:
			observed = append(observed, attempt)
		case <-timeout:
			t.Fatalf("expected 2 attempts, observed %v", observed)
		}
	}
	if observed[0] != 1 || observed[1] != 2 {
		t.Fatalf("unexpected attempt sequence: %v", observed)
	}
}
