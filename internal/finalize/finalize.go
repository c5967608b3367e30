// Package finalize drives a completed session to its final recording. The
// orchestrator is a re-entrant readiness gate: it flushes the session's
// trailing partial batch, polls by re-enqueueing itself with a delay until
// every chunk is processed, then remuxes, uploads, and cleans up.
package finalize

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"vigil/internal/config"
	"vigil/internal/jobs"
	"vigil/internal/logging"
	"vigil/internal/objectstore"
	"vigil/internal/resolve"
	"vigil/internal/statekv"
	"vigil/internal/store"
)

// Resolver materializes chunk media locally.
type Resolver interface {
	Resolve(ctx context.Context, sessionID string, chunkIndex int, destPath string) (string, error)
}

// Remuxer joins chunk files into one clip.
type Remuxer interface {
	Concat(ctx context.Context, chunkPaths []string, outputPath string) error
}

// ObjectSink is the durable-store surface finalize needs.
type ObjectSink interface {
	Upload(ctx context.Context, localPath, key, contentType string) error
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) (int, error)
	PublicURL(key string) string
}

// Flusher force-closes detector intervals still open after the last batch.
// *detector.Engine satisfies it.
type Flusher interface {
	FlushSession(ctx context.Context, sessionID string, batchFrom int) (int, error)
}

// Notifier is the alerting surface finalize needs.
type Notifier interface {
	NotifySessionDone(ctx context.Context, sessionID, finalVideoURL string) error
	NotifyFinalizeStalled(ctx context.Context, sessionID string, attempts int) error
}

// Orchestrator owns finalize jobs for all sessions.
type Orchestrator struct {
	cfg      *config.Config
	store    *store.Store
	queue    *jobs.Queue
	kv       *statekv.KV
	resolver Resolver
	remuxer  Remuxer
	objects  ObjectSink
	flusher  Flusher
	notifier Notifier
	logger   *slog.Logger
}

// New wires the orchestrator. The object sink may be nil when the object
// store tier is disabled; the final recording then stays on local disk and
// its path doubles as the recorded URL.
func New(cfg *config.Config, st *store.Store, queue *jobs.Queue, kv *statekv.KV, resolver Resolver, remuxer Remuxer, objects ObjectSink, flusher Flusher, notifier Notifier, logger *slog.Logger) *Orchestrator {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    st,
		queue:    queue,
		kv:       kv,
		resolver: resolver,
		remuxer:  remuxer,
		objects:  objects,
		flusher:  flusher,
		notifier: notifier,
		logger:   logging.NewComponentLogger(logger, "finalize"),
	}
}

// OnSessionCompleted records the client-initiated session end and enqueues
// the first finalize check.
func (o *Orchestrator) OnSessionCompleted(ctx context.Context, sessionID string) error {
	if err := o.store.MarkSessionCompleted(ctx, sessionID); err != nil {
		return err
	}
	payload := jobs.FinalizePayload{SessionID: sessionID, Attempt: 0}
	_, err := o.queue.Enqueue(
		ctx,
		jobs.KindFinalize,
		jobs.FinalizeDedupKey(sessionID, 0),
		payload,
		jobs.WithMaxAttempts(3),
	)
	if errors.Is(err, jobs.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue finalize job: %w", err)
	}
	o.logger.Info("finalize scheduled", logging.String(logging.FieldSessionID, sessionID))
	return nil
}

// Handle implements the jobs.Handler contract for finalize jobs.
func (o *Orchestrator) Handle(ctx context.Context, job *jobs.Job) error {
	var payload jobs.FinalizePayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		return err
	}
	return o.Process(ctx, payload)
}

// Process runs one finalize readiness check or, when the session is ready,
// the merge itself.
func (o *Orchestrator) Process(ctx context.Context, payload jobs.FinalizePayload) error {
	log := o.logger.With(
		logging.String(logging.FieldSessionID, payload.SessionID),
		logging.Int("attempt", payload.Attempt),
	)

	session, err := o.store.GetSession(ctx, payload.SessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return fmt.Errorf("session %s not found", payload.SessionID)
	}
	if session.Status == store.SessionDone {
		// Redelivered after a previous success; the merge already happened
		// and cleanup may have removed the chunks.
		log.Debug("session already done")
		return nil
	}

	chunks, err := o.store.ChunksBySession(ctx, payload.SessionID)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		return fmt.Errorf("session %s has no chunks to finalize", payload.SessionID)
	}

	var received []*store.Chunk
	processing := 0
	for _, chunk := range chunks {
		switch chunk.Status {
		case store.ChunkReceived:
			received = append(received, chunk)
		case store.ChunkProcessing:
			processing++
		}
	}

	if len(received) > 0 {
		if err := o.flushPartialBatch(ctx, log, payload.SessionID, received); err != nil {
			return err
		}
		return o.reschedule(ctx, log, payload)
	}
	if processing > 0 {
		log.Debug("chunks still processing", logging.Int("count", processing))
		return o.reschedule(ctx, log, payload)
	}
	return o.merge(ctx, log, payload.SessionID, chunks)
}

// flushPartialBatch forces one terminal batch over the session's trailing
// chunks that never reached the size trigger. The dedup key pins the forced
// batch so repeated readiness checks cannot enqueue it twice.
func (o *Orchestrator) flushPartialBatch(ctx context.Context, log *slog.Logger, sessionID string, received []*store.Chunk) error {
	from := received[0].ChunkIndex
	to := received[0].ChunkIndex
	for _, chunk := range received[1:] {
		if chunk.ChunkIndex < from {
			from = chunk.ChunkIndex
		}
		if chunk.ChunkIndex > to {
			to = chunk.ChunkIndex
		}
	}

	payload := jobs.BatchPayload{
		SessionID: sessionID,
		FromIndex: from,
		ToIndex:   to,
		Terminal:  true,
	}
	_, err := o.queue.Enqueue(
		ctx,
		jobs.KindBatchAnalyze,
		jobs.TerminalBatchDedupKey(sessionID, from),
		payload,
		jobs.WithMaxAttempts(o.cfg.Workers.BatchMaxAttempts),
	)
	if errors.Is(err, jobs.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("enqueue terminal batch: %w", err)
	}
	log.Info("terminal batch enqueued",
		logging.Int(logging.FieldBatchFrom, from),
		logging.Int(logging.FieldBatchTo, to))
	return nil
}

// reschedule re-enqueues the finalize check after the configured delay.
// Spending the whole attempt budget without reaching readiness is fatal and
// reported; the session stays observable short of DONE.
func (o *Orchestrator) reschedule(ctx context.Context, log *slog.Logger, payload jobs.FinalizePayload) error {
	next := payload.Attempt + 1
	if next > o.cfg.Workers.FinalizeMaxAttempts {
		log.Error("session never reached readiness",
			logging.String(logging.FieldEventType, "finalize_gate_exhausted"),
			logging.Int("attempts", payload.Attempt))
		if o.notifier != nil {
			if err := o.notifier.NotifyFinalizeStalled(ctx, payload.SessionID, payload.Attempt); err != nil {
				log.Warn("send stall alert", logging.Error(err))
			}
		}
		return fmt.Errorf("finalize gate exhausted after %d attempts for session %s", payload.Attempt, payload.SessionID)
	}

	delay := time.Duration(o.cfg.Workers.FinalizeRetryDelaySeconds) * time.Second
	_, err := o.queue.Enqueue(
		ctx,
		jobs.KindFinalize,
		jobs.FinalizeDedupKey(payload.SessionID, next),
		jobs.FinalizePayload{SessionID: payload.SessionID, Attempt: next},
		jobs.WithDelay(delay),
		jobs.WithMaxAttempts(3),
	)
	if errors.Is(err, jobs.ErrDuplicate) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("reschedule finalize: %w", err)
	}
	return nil
}

func (o *Orchestrator) merge(ctx context.Context, log *slog.Logger, sessionID string, chunks []*store.Chunk) error {
	if err := o.store.MarkSessionProcessing(ctx, sessionID); err != nil {
		return err
	}

	// The chunk set must cover [0, N-1] with no holes before the remux;
	// ChunksBySession returns them index-ordered.
	for i, chunk := range chunks {
		if chunk.ChunkIndex != i {
			return fmt.Errorf("session %s chunk sequence has a gap at index %d", sessionID, i)
		}
	}

	// A chunk count that divides evenly by the batch size never produces a
	// terminal batch, so the last batch carried its open intervals into the
	// KV. Close them before the session can reach DONE.
	if o.flusher != nil {
		lastBatchFrom := ((len(chunks) - 1) / o.cfg.Pipeline.BatchSize) * o.cfg.Pipeline.BatchSize
		persisted, err := o.flusher.FlushSession(ctx, sessionID, lastBatchFrom)
		if err != nil {
			return fmt.Errorf("flush detector state: %w", err)
		}
		if persisted > 0 {
			log.Info("force-closed carried detector intervals", logging.Int("events", persisted))
		}
	}

	scratchDir := filepath.Join(o.cfg.SessionScratchDir(sessionID), "finalize")
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return fmt.Errorf("create finalize scratch dir: %w", err)
	}

	paths := make([]string, 0, len(chunks))
	for _, chunk := range chunks {
		destPath := filepath.Join(scratchDir, resolve.ChunkFileName(chunk.ChunkIndex))
		if _, err := o.resolver.Resolve(ctx, sessionID, chunk.ChunkIndex, destPath); err != nil {
			if errors.Is(err, resolve.ErrUnresolvable) {
				// Already fail-opened during batch analysis; the final
				// recording simply misses this interval.
				log.Warn("chunk missing from final recording",
					logging.Int(logging.FieldChunkIndex, chunk.ChunkIndex))
				continue
			}
			return err
		}
		paths = append(paths, destPath)
	}
	if len(paths) == 0 {
		return fmt.Errorf("session %s has no resolvable chunks to merge", sessionID)
	}

	finalPath := filepath.Join(scratchDir, "final.webm")
	if err := o.remuxer.Concat(ctx, paths, finalPath); err != nil {
		return fmt.Errorf("remux final recording: %w", err)
	}

	var finalURL string
	if o.objects != nil {
		key := objectstore.FinalVideoKey(sessionID)
		if err := o.objects.Upload(ctx, finalPath, key, "video/webm"); err != nil {
			return fmt.Errorf("upload final recording: %w", err)
		}
		finalURL = o.objects.PublicURL(key)
	} else {
		// No durable store configured; keep the recording under the data dir
		// so the cleanup cascade cannot take it with the scratch files.
		keptPath := filepath.Join(o.cfg.Paths.DataDir, "recordings", sessionID+".webm")
		if err := os.MkdirAll(filepath.Dir(keptPath), 0o755); err != nil {
			return fmt.Errorf("create recordings dir: %w", err)
		}
		if err := os.Rename(finalPath, keptPath); err != nil {
			return fmt.Errorf("store final recording: %w", err)
		}
		finalURL = keptPath
	}

	if err := o.store.MarkSessionDone(ctx, sessionID, finalURL); err != nil {
		if errors.Is(err, store.ErrSessionConflict) {
			// Redelivered job after a previous success; nothing left to do.
			log.Debug("session already done")
			return nil
		}
		return err
	}

	o.cleanup(ctx, log, sessionID)

	log.Info("session finalized",
		logging.Int("chunks", len(paths)),
		logging.String("url", finalURL))
	if o.notifier != nil {
		if err := o.notifier.NotifySessionDone(ctx, sessionID, finalURL); err != nil {
			log.Warn("send session done notification", logging.Error(err))
		}
	}
	return nil
}

// cleanup cascades best-effort deletion of everything transient the session
// left behind. Failures are logged and swallowed; cleanup must never block a
// session that already reached DONE.
func (o *Orchestrator) cleanup(ctx context.Context, log *slog.Logger, sessionID string) {
	if err := os.RemoveAll(o.cfg.SessionScratchDir(sessionID)); err != nil {
		log.Warn("remove scratch dir", logging.Error(err))
	}
	if err := os.RemoveAll(o.cfg.ChunkCacheDir(sessionID)); err != nil {
		log.Warn("remove chunk cache dir", logging.Error(err))
	}

	if o.objects != nil {
		if _, err := o.objects.DeletePrefix(ctx, objectstore.ChunksPrefix(sessionID)); err != nil {
			log.Warn("delete chunk objects", logging.Error(err))
		}
		if session, err := o.store.GetSession(ctx, sessionID); err == nil && session != nil && session.ReferenceImageKey != "" {
			if err := o.objects.Delete(ctx, session.ReferenceImageKey); err != nil {
				log.Warn("delete reference image", logging.Error(err))
			}
		}
	}

	if _, err := o.kv.DeleteSessionKeys(ctx, sessionID); err != nil {
		log.Warn("delete session state keys", logging.Error(err))
	}
}
