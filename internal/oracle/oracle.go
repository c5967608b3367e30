// Package oracle wraps the external vision analyzer that samples frames from
// a chunk and emits raw per-frame signals. The analyzer is a separate binary
// so its model runtime stays out of this process; the contract is JSON on
// stdout.
package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os/exec"
	"strings"
	"time"
)

// FrameSignals is the raw analyzer output for one sampled frame. Signals are
// facts about the frame; turning them into behavioral events is the detector
// engine's job.
type FrameSignals struct {
	FrameIndex       int     `json:"frame_index"`
	FaceCount        int     `json:"face_count"`
	HeadYaw          float64 `json:"head_yaw"`
	PhoneDetected    bool    `json:"phone_detected"`
	PhoneConfidence  float64 `json:"phone_confidence"`
	IdentityChecked  bool    `json:"identity_checked"`
	IdentityMismatch bool    `json:"identity_mismatch"`
}

// Analysis is the analyzer's result for one video file.
type Analysis struct {
	FrameCount int            `json:"frame_count"`
	Frames     []FrameSignals `json:"frames"`
}

// Oracle produces frame signals for a chunk file.
type Oracle interface {
	Analyze(ctx context.Context, videoPath, referenceImagePath string) (Analysis, error)
}

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, binary string, args []string) ([]byte, error)
}

// Option configures the client.
type Option func(*Client)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(c *Client) {
		if exec != nil {
			c.exec = exec
		}
	}
}

// Client invokes the analyzer binary.
type Client struct {
	binary  string
	timeout time.Duration
	exec    Executor
}

// New constructs an analyzer client.
func New(binary string, timeoutSeconds int, opts ...Option) (*Client, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("analyzer binary required")
	}
	client := &Client{
		binary:  binary,
		timeout: time.Duration(timeoutSeconds) * time.Second,
		exec:    commandExecutor{},
	}
	for _, opt := range opts {
		opt(client)
	}
	return client, nil
}

// Analyze runs the analyzer over one chunk file. The reference image is
// optional; without it identity signals are reported unchecked.
func (c *Client) Analyze(ctx context.Context, videoPath, referenceImagePath string) (Analysis, error) {
	if strings.TrimSpace(videoPath) == "" {
		return Analysis{}, errors.New("video path required")
	}
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	args := []string{"--input", videoPath, "--output-format", "json"}
	if strings.TrimSpace(referenceImagePath) != "" {
		args = append(args, "--reference-image", referenceImagePath)
	}

	output, err := c.exec.Run(ctx, c.binary, args)
	if err != nil {
		return Analysis{}, fmt.Errorf("run analyzer: %w", err)
	}
	return ParseAnalysis(output)
}

// ParseAnalysis decodes analyzer JSON output and validates its shape.
func ParseAnalysis(data []byte) (Analysis, error) {
	var analysis Analysis
	decoder := json.NewDecoder(bytes.NewReader(data))
	if err := decoder.Decode(&analysis); err != nil {
		return Analysis{}, fmt.Errorf("decode analyzer output: %w", err)
	}
	if analysis.FrameCount == 0 {
		analysis.FrameCount = len(analysis.Frames)
	}
	if analysis.FrameCount < len(analysis.Frames) {
		return Analysis{}, fmt.Errorf("analyzer reported %d frames but emitted %d", analysis.FrameCount, len(analysis.Frames))
	}
	for i, frame := range analysis.Frames {
		if frame.FrameIndex < 0 {
			return Analysis{}, fmt.Errorf("frame %d has negative index", i)
		}
	}
	return analysis, nil
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}
