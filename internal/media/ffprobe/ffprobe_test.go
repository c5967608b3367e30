package ffprobe_test

import (
	"math"
	"testing"

	"vigil/internal/media/ffprobe"
)

const sampleOutput = `{
  "streams": [
    {
      "index": 0,
      "codec_name": "vp9",
      "codec_type": "video",
      "width": 1280,
      "height": 720,
      "avg_frame_rate": "30000/1001",
      "duration": "9.833000"
    },
    {
      "index": 1,
      "codec_name": "opus",
      "codec_type": "audio"
    }
  ],
  "format": {
    "filename": "chunk_0.webm",
    "nb_streams": 2,
    "duration": "9.834000",
    "size": "1048576",
    "format_name": "matroska,webm"
  }
}`

func TestParseAndDuration(t *testing.T) {
	result, err := ffprobe.Parse([]byte(sampleOutput))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := result.DurationSeconds(); math.Abs(got-9.834) > 1e-9 {
		t.Fatalf("expected 9.834, got %v", got)
	}
	if result.VideoStreamCount() != 1 {
		t.Fatalf("expected one video stream, got %d", result.VideoStreamCount())
	}
}

func TestDurationFallsBackToVideoStream(t *testing.T) {
	result, err := ffprobe.Parse([]byte(`{
      "streams": [{"index": 0, "codec_type": "video", "duration": "10.02"}],
      "format": {"format_name": "matroska,webm"}
    }`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := result.DurationSeconds(); math.Abs(got-10.02) > 1e-9 {
		t.Fatalf("expected stream fallback 10.02, got %v", got)
	}
}

func TestDurationUnavailable(t *testing.T) {
	result, err := ffprobe.Parse([]byte(`{"streams": [], "format": {}}`))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	if got := result.DurationSeconds(); got != 0 {
		t.Fatalf("expected 0 for unknown duration, got %v", got)
	}
}

func TestFrameRateParsesRatio(t *testing.T) {
	result, err := ffprobe.Parse([]byte(sampleOutput))
	if err != nil {
		t.Fatalf("Parse failed: %v", err)
	}
	want := 30000.0 / 1001.0
	if got := result.FrameRate(); math.Abs(got-want) > 1e-9 {
		t.Fatalf("expected %v, got %v", want, got)
	}
}

func TestParseRejectsGarbage(t *testing.T) {
	if _, err := ffprobe.Parse([]byte("not json")); err == nil {
		t.Fatal("expected parse error")
	}
}
