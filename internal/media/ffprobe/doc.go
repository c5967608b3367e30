// Package ffprobe wraps the ffprobe CLI for chunk duration probing.
package ffprobe
