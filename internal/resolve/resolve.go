// Package resolve locates chunk media across storage tiers. The local cache
// is consulted before the object store; a chunk no tier can produce is
// reported with ErrUnresolvable so the pipeline can skip it instead of
// stalling the session.
package resolve

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"vigil/internal/logging"
)

// ErrUnresolvable reports that no configured tier holds the chunk.
var ErrUnresolvable = errors.New("chunk unresolvable")

// Tier produces chunk media from one storage location. Fetch reports
// found=false when the tier simply does not have the chunk; errors are
// reserved for tiers that have it but cannot deliver it.
type Tier interface {
	Name() string
	Fetch(ctx context.Context, sessionID string, chunkIndex int, destPath string) (bool, error)
}

// Resolver tries tiers in order.
type Resolver struct {
	tiers  []Tier
	logger *slog.Logger
}

// New builds a resolver over the given tier order.
func New(logger *slog.Logger, tiers ...Tier) *Resolver {
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Resolver{
		tiers:  tiers,
		logger: logging.NewComponentLogger(logger, "resolve"),
	}
}

// Resolve materializes the chunk at destPath and returns the name of the tier
// that produced it. ErrUnresolvable means every tier reported the chunk
// absent.
func (r *Resolver) Resolve(ctx context.Context, sessionID string, chunkIndex int, destPath string) (string, error) {
	if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
		return "", fmt.Errorf("mkdir for resolved chunk: %w", err)
	}

	for _, tier := range r.tiers {
		found, err := tier.Fetch(ctx, sessionID, chunkIndex, destPath)
		if err != nil {
			return "", fmt.Errorf("tier %s: %w", tier.Name(), err)
		}
		if found {
			r.logger.Debug("chunk resolved",
				logging.String(logging.FieldSessionID, sessionID),
				logging.Int(logging.FieldChunkIndex, chunkIndex),
				logging.String("tier", tier.Name()))
			return tier.Name(), nil
		}
	}
	return "", fmt.Errorf("%w: session %s chunk %d", ErrUnresolvable, sessionID, chunkIndex)
}

// CacheTier serves chunks from the local upload cache directory.
type CacheTier struct {
	// Dir maps a session to its cache directory.
	Dir func(sessionID string) string
}

// Name implements Tier.
func (c CacheTier) Name() string { return "cache" }

// Fetch implements Tier by copying the cached chunk file when present.
func (c CacheTier) Fetch(ctx context.Context, sessionID string, chunkIndex int, destPath string) (bool, error) {
	source := filepath.Join(c.Dir(sessionID), ChunkFileName(chunkIndex))
	info, err := os.Stat(source)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return false, nil
		}
		return false, fmt.Errorf("stat cached chunk: %w", err)
	}
	if info.IsDir() || info.Size() == 0 {
		return false, nil
	}
	if err := copyFile(source, destPath); err != nil {
		return false, err
	}
	return true, nil
}

// ChunkFileName is the on-disk name for one chunk.
func ChunkFileName(chunkIndex int) string {
	return fmt.Sprintf("chunk_%d.webm", chunkIndex)
}

func copyFile(source, dest string) error {
	in, err := os.Open(source)
	if err != nil {
		return fmt.Errorf("open %s: %w", source, err)
	}
	defer in.Close()

	out, err := os.Create(dest)
	if err != nil {
		return fmt.Errorf("create %s: %w", dest, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return fmt.Errorf("copy %s: %w", source, err)
	}
	return out.Sync()
}
