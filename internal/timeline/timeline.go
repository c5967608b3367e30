// Package timeline maps analyzer frame indices onto the session's absolute
// playback clock. Client-estimated chunk timestamps drift, so offsets are
// derived from probed durations accumulated across already-corrected chunks.
package timeline

import (
	"math"

	"vigil/internal/store"
)

// StartOfBatch returns the cumulative playback offset at which the chunk with
// index from begins. Prior chunks with corrected timestamps contribute their
// probed span; uncorrected ones fall back to the nominal chunk duration. A
// prior chunk missing entirely also counts as nominal so out-of-order batches
// stay close to the true offset.
func StartOfBatch(prior []*store.Chunk, from int, nominalSeconds float64) float64 {
	spans := make(map[int]float64, len(prior))
	for _, chunk := range prior {
		if chunk.ChunkIndex >= from {
			continue
		}
		if chunk.Corrected {
			spans[chunk.ChunkIndex] = chunk.Duration()
		} else {
			spans[chunk.ChunkIndex] = nominalSeconds
		}
	}

	total := 0.0
	for index := 0; index < from; index++ {
		if span, ok := spans[index]; ok {
			total += span
		} else {
			total += nominalSeconds
		}
	}
	return total
}

// Mapper converts frame indices of one analyzed clip into absolute session
// timestamps.
type Mapper struct {
	start    float64
	duration float64
	fps      float64
}

// NewMapper builds a mapper for a clip of the given probed duration that the
// analyzer sampled into frameCount frames.
func NewMapper(frameCount int, clipDuration, startOfBatch float64) Mapper {
	mapper := Mapper{start: startOfBatch, duration: clipDuration}
	if frameCount > 0 && clipDuration > 0 {
		mapper.fps = float64(frameCount) / clipDuration
	}
	return mapper
}

// FrameTime returns the absolute timestamp of frame i. Offsets floor to whole
// seconds, matching the analyzer's sampling granularity, and clamp to the clip
// duration so trailing frames cannot spill past the clip end.
func (m Mapper) FrameTime(frameIndex int) float64 {
	if m.fps <= 0 {
		return m.start
	}
	offset := math.Floor(float64(frameIndex) / m.fps)
	if offset > m.duration {
		offset = m.duration
	}
	if offset < 0 {
		offset = 0
	}
	return m.start + offset
}

// Start returns the clip's absolute start timestamp.
func (m Mapper) Start() float64 {
	return m.start
}

// End returns the clip's absolute end timestamp.
func (m Mapper) End() float64 {
	return m.start + m.duration
}

// ChunkSpan is one chunk's corrected position on the session clock.
type ChunkSpan struct {
	ChunkIndex int
	Start      float64
	End        float64
	Probed     bool
}

// LayoutChunks lays the batch's chunks out back to back from startOfBatch.
// probedDurations carries per-chunk probe results; a chunk without one takes
// the nominal duration and is flagged unprobed.
func LayoutChunks(startOfBatch float64, chunkIndices []int, probedDurations map[int]float64, nominalSeconds float64) []ChunkSpan {
	spans := make([]ChunkSpan, 0, len(chunkIndices))
	cursor := startOfBatch
	for _, index := range chunkIndices {
		duration, probed := probedDurations[index]
		if !probed || duration <= 0 {
			duration = nominalSeconds
			probed = false
		}
		spans = append(spans, ChunkSpan{
			ChunkIndex: index,
			Start:      cursor,
			End:        cursor + duration,
			Probed:     probed,
		})
		cursor += duration
	}
	return spans
}
