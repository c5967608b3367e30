package config

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/pelletier/go-toml/v2"
)

//go:embed sample_config.toml
var sampleConfig string

// Paths contains directory configuration for the daemon.
type Paths struct {
	DataDir    string `toml:"data_dir"`
	CacheDir   string `toml:"cache_dir"`
	ScratchDir string `toml:"scratch_dir"`
	LogDir     string `toml:"log_dir"`
}

// Pipeline contains chunk batching and media tool settings.
type Pipeline struct {
	BatchSize           int     `toml:"batch_size"`
	NominalChunkSeconds float64 `toml:"nominal_chunk_seconds"`
	AnalyzerBinary      string  `toml:"analyzer_binary"`
	AnalyzerTimeout     int     `toml:"analyzer_timeout"`
	RemuxTimeout        int     `toml:"remux_timeout"`
}

// Detectors contains per-event-type thresholds. Minimum durations are policy,
// not mechanism; deployments tune them without code changes.
type Detectors struct {
	GapToleranceSeconds   float64 `toml:"gap_tolerance_seconds"`
	HeadYawThreshold      float64 `toml:"head_yaw_threshold"`
	CooldownSeconds       float64 `toml:"cooldown_seconds"`
	StateTTLSeconds       int     `toml:"state_ttl_seconds"`
	PhoneMinSeconds       float64 `toml:"phone_min_seconds"`
	NoFaceMinSeconds      float64 `toml:"no_face_min_seconds"`
	MultiplePeopleMinSecs float64 `toml:"multiple_people_min_seconds"`
	LookingAwayMinSecs    float64 `toml:"looking_away_min_seconds"`
	IdentityMinSeconds    float64 `toml:"identity_mismatch_min_seconds"`
}

// ObjectStore contains S3-compatible durable storage settings. The endpoint
// field supports non-AWS providers; the recording client uploads to R2.
type ObjectStore struct {
	Enabled         bool   `toml:"enabled"`
	Endpoint        string `toml:"endpoint"`
	Region          string `toml:"region"`
	Bucket          string `toml:"bucket"`
	AccessKeyID     string `toml:"access_key_id"`
	SecretAccessKey string `toml:"secret_access_key"`
	PublicBaseURL   string `toml:"public_base_url"`
}

// Workers contains job lane concurrency and retry settings.
type Workers struct {
	PollInterval              int `toml:"poll_interval"`
	BatchConcurrency          int `toml:"batch_concurrency"`
	FinalizeConcurrency       int `toml:"finalize_concurrency"`
	BatchLeaseSeconds         int `toml:"batch_lease_seconds"`
	FinalizeLeaseSeconds      int `toml:"finalize_lease_seconds"`
	BatchMaxAttempts          int `toml:"batch_max_attempts"`
	FinalizeRetryDelaySeconds int `toml:"finalize_retry_delay_seconds"`
	FinalizeMaxAttempts       int `toml:"finalize_max_attempts"`
	PruneIntervalSeconds      int `toml:"prune_interval_seconds"`
}

// Notifications contains configuration for ntfy push alerts.
type Notifications struct {
	NtfyTopic      string `toml:"ntfy_topic"`
	RequestTimeout int    `toml:"request_timeout"`
	SessionDone    bool   `toml:"session_done"`
	Errors         bool   `toml:"errors"`
}

// Logging contains configuration for log output.
type Logging struct {
	Format string `toml:"format"`
	Level  string `toml:"level"`
}

// Config encapsulates all configuration values for the vigil daemon.
//
// Configuration sections by subsystem:
//   - Paths: data, cache, scratch, and log directories
//   - Pipeline: batch sizing and external media tooling
//   - Detectors: per-event-type thresholds and detector state TTL
//   - ObjectStore: S3-compatible durable chunk/recording storage
//   - Workers: job lane concurrency, leases, and retry budgets
//   - Notifications: ntfy push alert settings
//   - Logging: log format and level
type Config struct {
	Paths         Paths         `toml:"paths"`
	Pipeline      Pipeline      `toml:"pipeline"`
	Detectors     Detectors     `toml:"detectors"`
	ObjectStore   ObjectStore   `toml:"object_store"`
	Workers       Workers       `toml:"workers"`
	Notifications Notifications `toml:"notifications"`
	Logging       Logging       `toml:"logging"`
}

// DefaultConfigPath returns the absolute path to the default configuration file location.
func DefaultConfigPath() (string, error) {
	return expandPath("~/.config/vigil/config.toml")
}

// Load locates, parses, and validates a configuration file. The returned config
// has all path fields expanded and normalized.
func Load(path string) (*Config, string, bool, error) {
	cfg := Default()

	resolvedPath, exists, err := resolveConfigPath(path)
	if err != nil {
		return nil, "", false, err
	}

	if exists {
		file, err := os.Open(resolvedPath)
		if err != nil {
			return nil, "", false, fmt.Errorf("open config: %w", err)
		}
		defer file.Close()

		decoder := toml.NewDecoder(file)
		if err := decoder.Decode(&cfg); err != nil {
			return nil, "", false, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := cfg.normalize(); err != nil {
		return nil, "", false, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, "", false, err
	}

	return &cfg, resolvedPath, exists, nil
}

func resolveConfigPath(path string) (string, bool, error) {
	if path != "" {
		expanded, err := expandPath(path)
		if err != nil {
			return "", false, err
		}
		_, err = os.Stat(expanded)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return expanded, false, nil
			}
			return "", false, fmt.Errorf("stat config: %w", err)
		}
		return expanded, true, nil
	}

	defaultPath, err := expandPath("~/.config/vigil/config.toml")
	if err != nil {
		return "", false, err
	}

	projectPath, err := filepath.Abs("vigil.toml")
	if err != nil {
		return "", false, err
	}

	if info, err := os.Stat(defaultPath); err == nil && !info.IsDir() {
		return defaultPath, true, nil
	}
	if info, err := os.Stat(projectPath); err == nil && !info.IsDir() {
		return projectPath, true, nil
	}

	return defaultPath, false, nil
}

// EnsureDirectories creates required directories for daemon operation.
func (c *Config) EnsureDirectories() error {
	for _, dir := range []string{c.Paths.DataDir, c.Paths.CacheDir, c.Paths.ScratchDir, c.Paths.LogDir} {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create directory %q: %w", dir, err)
		}
	}
	return nil
}

// FFmpegBinary returns the ffmpeg executable name used for remuxing.
func (c *Config) FFmpegBinary() string {
	return "ffmpeg"
}

// FFprobeBinary returns the ffprobe executable name used for duration probing.
func (c *Config) FFprobeBinary() string {
	return "ffprobe"
}

// ChunkCacheDir returns the local cache directory holding a session's chunks.
func (c *Config) ChunkCacheDir(sessionID string) string {
	return filepath.Join(c.Paths.CacheDir, sessionID)
}

// SessionScratchDir returns the scratch directory used while processing a session.
func (c *Config) SessionScratchDir(sessionID string) string {
	return filepath.Join(c.Paths.ScratchDir, sessionID)
}

func expandPath(pathValue string) (string, error) {
	if pathValue == "" {
		return pathValue, nil
	}
	if strings.HasPrefix(pathValue, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("resolve home directory: %w", err)
		}
		if pathValue == "~" {
			pathValue = home
		} else if len(pathValue) > 1 && (pathValue[1] == '/' || pathValue[1] == '\\') {
			pathValue = filepath.Join(home, pathValue[2:])
		}
	}
	cleaned := filepath.Clean(pathValue)
	absolute, err := filepath.Abs(cleaned)
	if err != nil {
		return "", fmt.Errorf("resolve absolute path for %q: %w", cleaned, err)
	}
	return absolute, nil
}

// ExpandPath exposes the repository path expansion rules for other packages.
func ExpandPath(pathValue string) (string, error) {
	return expandPath(pathValue)
}

// CreateSample writes a sample configuration file to the specified location.
func CreateSample(path string) error {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create config directory: %w", err)
		}
	}

	if err := os.WriteFile(path, []byte(sampleConfig), 0o644); err != nil {
		return fmt.Errorf("write sample config: %w", err)
	}
	return nil
}
