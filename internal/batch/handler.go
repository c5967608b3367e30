package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"vigil/internal/config"
	"vigil/internal/detector"
	"vigil/internal/jobs"
	"vigil/internal/logging"
	"vigil/internal/oracle"
	"vigil/internal/resolve"
	"vigil/internal/store"
	"vigil/internal/timeline"
)

// Resolver materializes chunk media locally.
type Resolver interface {
	Resolve(ctx context.Context, sessionID string, chunkIndex int, destPath string) (string, error)
}

// Remuxer joins chunk files into one clip.
type Remuxer interface {
	Concat(ctx context.Context, chunkPaths []string, outputPath string) error
}

// Prober measures a media file's duration in seconds.
type Prober interface {
	Duration(ctx context.Context, path string) (float64, error)
}

// ReferenceFetcher downloads the session's reference face image. Optional;
// without one identity checks run unreferenced.
type ReferenceFetcher interface {
	Download(ctx context.Context, key, localPath string) error
}

// Handler processes batch analysis jobs.
type Handler struct {
	cfg      *config.Config
	store    *store.Store
	resolver Resolver
	remuxer  Remuxer
	prober   Prober
	oracle   oracle.Oracle
	engine   *detector.Engine
	refs     ReferenceFetcher
	logger   *slog.Logger
}

// NewHandler wires the batch pipeline.
func NewHandler(cfg *config.Config, st *store.Store, resolver Resolver, remuxer Remuxer, prober Prober, analyzer oracle.Oracle, engine *detector.Engine, refs ReferenceFetcher, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Handler{
		cfg:      cfg,
		store:    st,
		resolver: resolver,
		remuxer:  remuxer,
		prober:   prober,
		oracle:   analyzer,
		engine:   engine,
		refs:     refs,
		logger:   logging.NewComponentLogger(logger, "batch"),
	}
}

// Handle implements the jobs.Handler contract for batch analysis.
func (h *Handler) Handle(ctx context.Context, job *jobs.Job) error {
	var payload jobs.BatchPayload
	if err := job.UnmarshalPayload(&payload); err != nil {
		return err
	}
	return h.Process(ctx, payload)
}

// Process runs one batch through the full pipeline. It is safe to re-run on
// job redelivery: chunk transitions are monotone and the detector sweep
// tolerates repeats.
func (h *Handler) Process(ctx context.Context, payload jobs.BatchPayload) error {
	log := h.logger.With(
		logging.String(logging.FieldSessionID, payload.SessionID),
		logging.Int(logging.FieldBatchFrom, payload.FromIndex),
		logging.Int(logging.FieldBatchTo, payload.ToIndex),
	)

	session, err := h.store.GetSession(ctx, payload.SessionID)
	if err != nil {
		return err
	}
	if session == nil {
		return fmt.Errorf("session %s not found", payload.SessionID)
	}

	chunks, err := h.store.ChunksInRange(ctx, payload.SessionID, payload.FromIndex, payload.ToIndex)
	if err != nil {
		return err
	}
	if len(chunks) == 0 {
		log.Warn("batch has no chunk rows")
		return h.flushIfTerminal(ctx, log, payload)
	}

	scratchDir := filepath.Join(h.cfg.SessionScratchDir(payload.SessionID), fmt.Sprintf("batch_%d", payload.FromIndex))
	if err := os.MkdirAll(scratchDir, 0o755); err != nil {
		return fmt.Errorf("create batch scratch dir: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(scratchDir); err != nil {
			log.Warn("remove batch scratch dir", logging.Error(err))
		}
	}()

	resolved, err := h.resolveChunks(ctx, log, chunks, scratchDir)
	if err != nil {
		return err
	}
	if len(resolved) == 0 {
		log.Warn("no chunk in batch is resolvable, skipping analysis")
		return h.flushIfTerminal(ctx, log, payload)
	}

	clipPath := filepath.Join(scratchDir, "merged.webm")
	paths := make([]string, len(resolved))
	for i, rc := range resolved {
		paths[i] = rc.path
	}
	if err := h.remuxer.Concat(ctx, paths, clipPath); err != nil {
		return fmt.Errorf("remux batch: %w", err)
	}

	clipDuration, err := h.prober.Duration(ctx, clipPath)
	if err != nil || clipDuration <= 0 {
		clipDuration = h.cfg.Pipeline.NominalChunkSeconds * float64(len(resolved))
		log.Warn("clip probe failed, using nominal duration",
			logging.Float64("duration", clipDuration), logging.Error(err))
	}

	prior, err := h.store.ChunksBefore(ctx, payload.SessionID, payload.FromIndex)
	if err != nil {
		return err
	}
	startOfBatch := timeline.StartOfBatch(prior, payload.FromIndex, h.cfg.Pipeline.NominalChunkSeconds)

	referencePath := h.fetchReferenceImage(ctx, log, session, scratchDir)
	analysis, err := h.oracle.Analyze(ctx, clipPath, referencePath)
	if err != nil {
		return fmt.Errorf("analyze batch: %w", err)
	}

	mapper := timeline.NewMapper(analysis.FrameCount, clipDuration, startOfBatch)
	frames := make([]detector.Frame, len(analysis.Frames))
	for i, signals := range analysis.Frames {
		frames[i] = detector.Frame{
			Timestamp: mapper.FrameTime(signals.FrameIndex),
			Signals:   signals,
		}
	}

	persisted, err := h.engine.Sweep(ctx, payload.SessionID, frames, payload.FromIndex, payload.Terminal)
	if err != nil {
		return fmt.Errorf("detector sweep: %w", err)
	}

	if err := h.correctTimestamps(ctx, log, payload, resolved, startOfBatch, clipDuration); err != nil {
		return err
	}

	for _, chunk := range chunks {
		if err := h.store.MarkChunkProcessed(ctx, payload.SessionID, chunk.ChunkIndex); err != nil {
			return err
		}
	}

	log.Info("batch processed",
		logging.Int("chunks", len(resolved)),
		logging.Int("events", persisted),
		logging.Float64("clip_duration", clipDuration))
	return nil
}

// flushIfTerminal force-closes carried detector state when a terminal batch
// cannot analyze any media. Intervals opened by earlier, fully analyzed
// batches must still reach the event sink even when the trailing chunks are
// gone.
func (h *Handler) flushIfTerminal(ctx context.Context, log *slog.Logger, payload jobs.BatchPayload) error {
	if !payload.Terminal {
		return nil
	}
	persisted, err := h.engine.Sweep(ctx, payload.SessionID, nil, payload.FromIndex, true)
	if err != nil {
		return fmt.Errorf("terminal detector flush: %w", err)
	}
	if persisted > 0 {
		log.Info("force-closed carried detector intervals", logging.Int("events", persisted))
	}
	return nil
}

type resolvedChunk struct {
	index int
	path  string
}

// resolveChunks fetches each chunk's media into the scratch dir. Chunks no
// tier can produce are marked PROCESSED immediately so a lost upload cannot
// stall the session; any other resolver failure aborts the job for retry.
func (h *Handler) resolveChunks(ctx context.Context, log *slog.Logger, chunks []*store.Chunk, scratchDir string) ([]resolvedChunk, error) {
	resolved := make([]resolvedChunk, 0, len(chunks))
	for _, chunk := range chunks {
		destPath := filepath.Join(scratchDir, resolve.ChunkFileName(chunk.ChunkIndex))
		tier, err := h.resolver.Resolve(ctx, chunk.SessionID, chunk.ChunkIndex, destPath)
		if errors.Is(err, resolve.ErrUnresolvable) {
			log.Warn("chunk unresolvable, marking processed",
				logging.Int(logging.FieldChunkIndex, chunk.ChunkIndex))
			if markErr := h.store.MarkChunkProcessed(ctx, chunk.SessionID, chunk.ChunkIndex); markErr != nil {
				return nil, markErr
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if err := h.store.MarkChunkProcessing(ctx, chunk.SessionID, chunk.ChunkIndex); err != nil {
			return nil, err
		}
		log.Debug("chunk resolved",
			logging.Int(logging.FieldChunkIndex, chunk.ChunkIndex),
			logging.String("tier", tier))
		resolved = append(resolved, resolvedChunk{index: chunk.ChunkIndex, path: destPath})
	}
	return resolved, nil
}

// fetchReferenceImage best-effort downloads the candidate's reference image.
// Identity checks degrade to unreferenced analysis when it cannot be fetched.
func (h *Handler) fetchReferenceImage(ctx context.Context, log *slog.Logger, session *store.Session, scratchDir string) string {
	if h.refs == nil || session.ReferenceImageKey == "" {
		return ""
	}
	localPath := filepath.Join(scratchDir, "reference"+filepath.Ext(session.ReferenceImageKey))
	if err := h.refs.Download(ctx, session.ReferenceImageKey, localPath); err != nil {
		log.Warn("fetch reference image", logging.Error(err))
		return ""
	}
	return localPath
}

// correctTimestamps overwrites client-estimated chunk timestamps with probed
// spans laid out cumulatively from the batch start. Later batches' offset
// sums then rest on measured durations instead of client clocks.
func (h *Handler) correctTimestamps(ctx context.Context, log *slog.Logger, payload jobs.BatchPayload, resolved []resolvedChunk, startOfBatch, clipDuration float64) error {
	indices := make([]int, len(resolved))
	probed := make(map[int]float64, len(resolved))
	for i, rc := range resolved {
		indices[i] = rc.index
		duration, err := h.prober.Duration(ctx, rc.path)
		if err != nil || duration <= 0 {
			log.Warn("chunk probe failed, nominal span assumed",
				logging.Int(logging.FieldChunkIndex, rc.index), logging.Error(err))
			continue
		}
		probed[rc.index] = duration
	}
	if len(resolved) == 1 {
		// Single-chunk batches take the clip measurement directly.
		probed[resolved[0].index] = clipDuration
	}

	spans := timeline.LayoutChunks(startOfBatch, indices, probed, h.cfg.Pipeline.NominalChunkSeconds)
	for _, span := range spans {
		if err := h.store.CorrectChunkTimestamps(ctx, payload.SessionID, span.ChunkIndex, span.Start, span.End); err != nil {
			return err
		}
	}
	return nil
}
