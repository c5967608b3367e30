package timeline_test

import (
	"math"
	"testing"

	"vigil/internal/store"
	"vigil/internal/timeline"
)

func chunk(index int, start, end float64, corrected bool) *store.Chunk {
	return &store.Chunk{
		ChunkIndex:   index,
		StartSeconds: start,
		EndSeconds:   end,
		Corrected:    corrected,
	}
}

func TestStartOfBatchSumsCorrectedDurations(t *testing.T) {
	prior := []*store.Chunk{
		chunk(0, 0, 9.8, true),
		chunk(1, 9.8, 20.1, true),
	}
	got := timeline.StartOfBatch(prior, 2, 10)
	if math.Abs(got-20.1) > 1e-9 {
		t.Fatalf("expected 20.1, got %v", got)
	}
}

func TestStartOfBatchUsesNominalForUncorrected(t *testing.T) {
	prior := []*store.Chunk{
		chunk(0, 0, 9.8, true),
		chunk(1, 10, 20, false),
	}
	got := timeline.StartOfBatch(prior, 2, 10)
	if math.Abs(got-19.8) > 1e-9 {
		t.Fatalf("expected 19.8, got %v", got)
	}
}

func TestStartOfBatchFillsMissingChunksWithNominal(t *testing.T) {
	prior := []*store.Chunk{
		chunk(0, 0, 9.8, true),
		// chunk 1 never arrived
		chunk(2, 20, 30.2, true),
	}
	got := timeline.StartOfBatch(prior, 3, 10)
	if math.Abs(got-30.0) > 1e-9 {
		t.Fatalf("expected 30.0, got %v", got)
	}
}

func TestStartOfBatchZeroForFirstBatch(t *testing.T) {
	if got := timeline.StartOfBatch(nil, 0, 10); got != 0 {
		t.Fatalf("expected 0, got %v", got)
	}
}

func TestFrameTimeFloorsAndClamps(t *testing.T) {
	// 300 frames over a 30s clip starting at 20.1: fps = 10.
	mapper := timeline.NewMapper(300, 30, 20.1)

	cases := []struct {
		frame int
		want  float64
	}{
		{0, 20.1},
		{9, 20.1},
		{10, 21.1},
		{299, 49.1},
		// Frame indices past the clip clamp to its end.
		{400, 50.1},
	}
	for _, tc := range cases {
		if got := mapper.FrameTime(tc.frame); math.Abs(got-tc.want) > 1e-9 {
			t.Fatalf("frame %d: expected %v, got %v", tc.frame, tc.want, got)
		}
	}
	if math.Abs(mapper.End()-50.1) > 1e-9 {
		t.Fatalf("expected end 50.1, got %v", mapper.End())
	}
}

func TestFrameTimeWithoutFramesDegradesToStart(t *testing.T) {
	mapper := timeline.NewMapper(0, 30, 12.5)
	if got := mapper.FrameTime(5); got != 12.5 {
		t.Fatalf("expected start fallback, got %v", got)
	}
}

func TestLayoutChunksCumulative(t *testing.T) {
	spans := timeline.LayoutChunks(20.1, []int{2, 3, 4}, map[int]float64{
		2: 9.9,
		4: 10.4,
	}, 10)

	if len(spans) != 3 {
		t.Fatalf("expected 3 spans, got %d", len(spans))
	}
	expect := []timeline.ChunkSpan{
		{ChunkIndex: 2, Start: 20.1, End: 30.0, Probed: true},
		{ChunkIndex: 3, Start: 30.0, End: 40.0, Probed: false},
		{ChunkIndex: 4, Start: 40.0, End: 50.4, Probed: true},
	}
	for i, want := range expect {
		got := spans[i]
		if got.ChunkIndex != want.ChunkIndex || got.Probed != want.Probed {
			t.Fatalf("span %d: expected %#v, got %#v", i, want, got)
		}
		if math.Abs(got.Start-want.Start) > 1e-9 || math.Abs(got.End-want.End) > 1e-9 {
			t.Fatalf("span %d: expected [%v,%v], got [%v,%v]", i, want.Start, want.End, got.Start, got.End)
		}
	}
}

func TestLayoutSingleChunkDegeneratesToClipSpan(t *testing.T) {
	spans := timeline.LayoutChunks(30.0, []int{3}, map[int]float64{3: 9.7}, 10)
	if len(spans) != 1 {
		t.Fatalf("expected 1 span, got %d", len(spans))
	}
	if math.Abs(spans[0].Start-30.0) > 1e-9 || math.Abs(spans[0].End-39.7) > 1e-9 {
		t.Fatalf("unexpected span: %#v", spans[0])
	}
}
