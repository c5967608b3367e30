// Package remux stitches processed chunk files into one continuous recording
// using the ffmpeg concat demuxer. Streams are copied, not re-encoded.
package remux

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"
)

// Executor abstracts command execution for testability.
type Executor interface {
	Run(ctx context.Context, binary string, args []string) error
}

// Option configures the remuxer.
type Option func(*Remuxer)

// WithExecutor injects a custom executor (primarily for tests).
func WithExecutor(exec Executor) Option {
	return func(r *Remuxer) {
		if exec != nil {
			r.exec = exec
		}
	}
}

// Remuxer wraps ffmpeg concat invocations.
type Remuxer struct {
	binary  string
	timeout time.Duration
	exec    Executor
}

// New constructs a remuxer around the given ffmpeg binary.
func New(binary string, timeoutSeconds int, opts ...Option) (*Remuxer, error) {
	binary = strings.TrimSpace(binary)
	if binary == "" {
		return nil, errors.New("ffmpeg binary required")
	}
	remuxer := &Remuxer{
		binary:  binary,
		timeout: time.Duration(timeoutSeconds) * time.Second,
		exec:    commandExecutor{},
	}
	for _, opt := range opts {
		opt(remuxer)
	}
	return remuxer, nil
}

// Concat joins the chunk files, in the order given, into outputPath. The
// concat list file is written next to the output and removed afterwards.
func (r *Remuxer) Concat(ctx context.Context, chunkPaths []string, outputPath string) error {
	if len(chunkPaths) == 0 {
		return errors.New("no chunks to concatenate")
	}
	if strings.TrimSpace(outputPath) == "" {
		return errors.New("output path required")
	}
	for _, path := range chunkPaths {
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("chunk %s: %w", path, err)
		}
	}
	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("prepare output directory: %w", err)
	}

	listPath := outputPath + ".concat.txt"
	if err := writeConcatList(listPath, chunkPaths); err != nil {
		return err
	}
	defer os.Remove(listPath)

	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}

	args := []string{
		"-hide_banner",
		"-loglevel", "error",
		"-y",
		"-f", "concat",
		"-safe", "0",
		"-i", listPath,
		"-c", "copy",
		outputPath,
	}
	if err := r.exec.Run(ctx, r.binary, args); err != nil {
		return fmt.Errorf("ffmpeg concat: %w", err)
	}

	info, err := os.Stat(outputPath)
	if err != nil {
		return fmt.Errorf("concat output missing: %w", err)
	}
	if info.Size() == 0 {
		return errors.New("concat produced empty output")
	}
	return nil
}

func writeConcatList(listPath string, chunkPaths []string) error {
	var builder strings.Builder
	for _, path := range chunkPaths {
		abs, err := filepath.Abs(path)
		if err != nil {
			return fmt.Errorf("resolve chunk path: %w", err)
		}
		// The concat demuxer expects single-quoted paths with embedded quotes
		// closed, escaped, and reopened.
		escaped := strings.ReplaceAll(abs, "'", `'\''`)
		fmt.Fprintf(&builder, "file '%s'\n", escaped)
	}
	if err := os.WriteFile(listPath, []byte(builder.String()), 0o644); err != nil {
		return fmt.Errorf("write concat list: %w", err)
	}
	return nil
}

type commandExecutor struct{}

func (commandExecutor) Run(ctx context.Context, binary string, args []string) error {
	cmd := exec.CommandContext(ctx, binary, args...) //nolint:gosec
	output, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(string(output)))
	}
	return nil
}
