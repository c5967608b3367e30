package daemon

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gofrs/flock"

	"vigil/internal/batch"
	"vigil/internal/config"
	"vigil/internal/detector"
	"vigil/internal/finalize"
	"vigil/internal/jobs"
	"vigil/internal/logging"
	"vigil/internal/media/remux"
	"vigil/internal/notifications"
	"vigil/internal/objectstore"
	"vigil/internal/oracle"
	"vigil/internal/resolve"
	"vigil/internal/statekv"
	"vigil/internal/store"
)

// batchRetryDelay spaces out retries of failed batch jobs. Analysis failures
// are usually transient tool errors; an immediate retry would hit the same
// condition.
const batchRetryDelay = 30 * time.Second

// Daemon owns the worker runtime and enforces single-instance execution.
type Daemon struct {
	cfg      *config.Config
	logger   *slog.Logger
	store    *store.Store
	queue    *jobs.Queue
	kv       *statekv.KV
	runner   *jobs.Runner
	notifier notifications.Service

	dispatcher   *batch.Dispatcher
	orchestrator *finalize.Orchestrator

	lockPath string
	lock     *flock.Flock

	running atomic.Bool
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// New constructs a daemon with initialized dependencies. The object store
// client may be nil when the durable tier is disabled; chunks then resolve
// from the local cache only and the final recording stays on disk.
func New(cfg *config.Config, st *store.Store, logger *slog.Logger, objects *objectstore.Client) (*Daemon, error) {
	if cfg == nil || st == nil {
		return nil, errors.New("daemon requires config and store")
	}
	if logger == nil {
		logger = logging.NewNop()
	}

	queue := jobs.NewQueue(st.DB())
	kv := statekv.New(st.DB())
	notifier := notifications.NewService(cfg)

	remuxer, err := remux.New(cfg.FFmpegBinary(), cfg.Pipeline.RemuxTimeout)
	if err != nil {
		return nil, fmt.Errorf("configure remuxer: %w", err)
	}
	analyzer, err := oracle.New(cfg.Pipeline.AnalyzerBinary, cfg.Pipeline.AnalyzerTimeout)
	if err != nil {
		return nil, fmt.Errorf("configure analyzer: %w", err)
	}
	prober := batch.FFprobeProber{Binary: cfg.FFprobeBinary()}

	tiers := []resolve.Tier{resolve.CacheTier{Dir: cfg.ChunkCacheDir}}
	if objects != nil {
		tiers = append(tiers, resolve.ObjectTier{Store: objects})
	}
	resolver := resolve.New(logger, tiers...)

	stateTTL := time.Duration(cfg.Detectors.StateTTLSeconds) * time.Second
	engine := detector.NewEngine(st, kv, detector.Definitions(cfg.Detectors), stateTTL, logger)

	// A nil *Client must stay a nil interface so the handlers can branch on it.
	var refs batch.ReferenceFetcher
	var sink finalize.ObjectSink
	if objects != nil {
		refs = objects
		sink = objects
	}

	handler := batch.NewHandler(cfg, st, resolver, remuxer, prober, analyzer, engine, refs, logger)
	dispatcher := batch.NewDispatcher(queue, cfg.Pipeline.BatchSize, cfg.Workers.BatchMaxAttempts, logger)
	orchestrator := finalize.New(cfg, st, queue, kv, resolver, remuxer, sink, engine, notifier, logger)

	pollInterval := time.Duration(cfg.Workers.PollInterval) * time.Second
	runner := jobs.NewRunner(queue, logger, pollInterval)
	runner.Register(
		jobs.KindBatchAnalyze,
		cfg.Workers.BatchConcurrency,
		time.Duration(cfg.Workers.BatchLeaseSeconds)*time.Second,
		batchRetryDelay,
		handler.Handle,
	)
	runner.Register(
		jobs.KindFinalize,
		cfg.Workers.FinalizeConcurrency,
		time.Duration(cfg.Workers.FinalizeLeaseSeconds)*time.Second,
		time.Duration(cfg.Workers.FinalizeRetryDelaySeconds)*time.Second,
		orchestrator.Handle,
	)

	lockPath := filepath.Join(cfg.Paths.LogDir, "vigild.lock")
	return &Daemon{
		cfg:          cfg,
		logger:       logging.NewComponentLogger(logger, "daemon"),
		store:        st,
		queue:        queue,
		kv:           kv,
		runner:       runner,
		notifier:     notifier,
		dispatcher:   dispatcher,
		orchestrator: orchestrator,
		lockPath:     lockPath,
		lock:         flock.New(lockPath),
	}, nil
}

// Start acquires the daemon lock and launches the worker and pruner loops.
func (d *Daemon) Start(ctx context.Context) error {
	if d.running.Load() {
		return errors.New("daemon already running")
	}

	ok, err := d.lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock: %w", err)
	}
	if !ok {
		return errors.New("another vigil daemon instance is already running")
	}

	runCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running.Store(true)

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.runner.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			d.logger.Error("job runner stopped", logging.Error(err))
		}
	}()

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		d.pruneLoop(runCtx)
	}()

	d.logger.Info("vigil daemon started", logging.String("lock", d.lockPath))
	return nil
}

// Stop halts background processing and releases the daemon lock.
func (d *Daemon) Stop() {
	if !d.running.Load() {
		return
	}
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.wg.Wait()
	if err := d.lock.Unlock(); err != nil {
		d.logger.Warn("release daemon lock", logging.Error(err))
	}
	d.running.Store(false)
	d.logger.Info("vigil daemon stopped")
}

// Close stops the daemon and closes the store.
func (d *Daemon) Close() error {
	d.Stop()
	if d.store != nil {
		return d.store.Close()
	}
	return nil
}

// Running reports whether the worker loops are active.
func (d *Daemon) Running() bool {
	return d.running.Load()
}

// CreateSession registers a new proctoring session.
func (d *Daemon) CreateSession(ctx context.Context, id, examID, candidateID string) (*store.Session, error) {
	return d.store.CreateSession(ctx, id, examID, candidateID)
}

// IngestChunk records one uploaded chunk and fires the batch trigger. The
// returned bool reports whether the chunk was new; a redelivered upload is
// ignored without re-triggering dispatch.
func (d *Daemon) IngestChunk(ctx context.Context, sessionID string, chunkIndex int, startSeconds, endSeconds float64, storageKey string) (bool, error) {
	created, err := d.store.CreateChunk(ctx, sessionID, chunkIndex, startSeconds, endSeconds, storageKey)
	if err != nil {
		return false, err
	}
	if !created {
		d.logger.Debug("duplicate chunk upload ignored",
			logging.String(logging.FieldSessionID, sessionID),
			logging.Int(logging.FieldChunkIndex, chunkIndex))
		return false, nil
	}
	if err := d.dispatcher.OnChunkReceived(ctx, sessionID, chunkIndex); err != nil {
		return true, err
	}
	return true, nil
}

// CompleteSession records the client-initiated session end and schedules the
// finalize readiness checks.
func (d *Daemon) CompleteSession(ctx context.Context, sessionID string) error {
	return d.orchestrator.OnSessionCompleted(ctx, sessionID)
}

func (d *Daemon) pruneLoop(ctx context.Context) {
	interval := time.Duration(d.cfg.Workers.PruneIntervalSeconds) * time.Second
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		removed, err := d.kv.Prune(ctx)
		if err != nil {
			if ctx.Err() == nil {
				d.logger.Error("prune detector state", logging.Error(err))
			}
			continue
		}
		if removed > 0 {
			d.logger.Debug("pruned expired detector state", logging.Int64("count", removed))
		}
	}
}
