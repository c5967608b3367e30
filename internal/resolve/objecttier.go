package resolve

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/service/s3/types"

	"vigil/internal/objectstore"
)

// Downloader is the object store surface the tier needs.
type Downloader interface {
	Download(ctx context.Context, key, localPath string) error
}

// ObjectTier serves chunks from the S3-compatible bucket.
type ObjectTier struct {
	Store Downloader
}

// Name implements Tier.
func (o ObjectTier) Name() string { return "object-store" }

// Fetch implements Tier. A missing key reports found=false; any other
// download failure is surfaced so transient outages retry instead of marking
// the chunk unresolvable.
func (o ObjectTier) Fetch(ctx context.Context, sessionID string, chunkIndex int, destPath string) (bool, error) {
	key := objectstore.ChunkKey(sessionID, chunkIndex)
	err := o.Store.Download(ctx, key, destPath)
	if err == nil {
		return true, nil
	}
	var noSuchKey *types.NoSuchKey
	if errors.As(err, &noSuchKey) {
		return false, nil
	}
	var notFound *types.NotFound
	if errors.As(err, &notFound) {
		return false, nil
	}
	return false, fmt.Errorf("download chunk %s: %w", key, err)
}
