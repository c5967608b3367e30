package batch

import (
	"context"
	"fmt"

	"vigil/internal/media/ffprobe"
)

// FFprobeProber measures durations with the ffprobe binary.
type FFprobeProber struct {
	Binary string
}

// Duration implements Prober.
func (p FFprobeProber) Duration(ctx context.Context, path string) (float64, error) {
	result, err := ffprobe.Inspect(ctx, p.Binary, path)
	if err != nil {
		return 0, err
	}
	duration := result.DurationSeconds()
	if duration <= 0 {
		return 0, fmt.Errorf("no duration reported for %s", path)
	}
	return duration, nil
}
