package config

import (
	"errors"
	"fmt"
	"strings"
)

func (c *Config) normalize() error {
	var err error
	if c.Paths.DataDir, err = expandPath(c.Paths.DataDir); err != nil {
		return err
	}
	if c.Paths.CacheDir, err = expandPath(c.Paths.CacheDir); err != nil {
		return err
	}
	if c.Paths.ScratchDir, err = expandPath(c.Paths.ScratchDir); err != nil {
		return err
	}
	if c.Paths.LogDir, err = expandPath(c.Paths.LogDir); err != nil {
		return err
	}

	c.Logging.Format = strings.ToLower(strings.TrimSpace(c.Logging.Format))
	if c.Logging.Format == "" {
		c.Logging.Format = "console"
	}
	c.Logging.Level = strings.ToLower(strings.TrimSpace(c.Logging.Level))
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}

	c.Pipeline.AnalyzerBinary = strings.TrimSpace(c.Pipeline.AnalyzerBinary)
	c.ObjectStore.Endpoint = strings.TrimSpace(c.ObjectStore.Endpoint)
	c.ObjectStore.Bucket = strings.TrimSpace(c.ObjectStore.Bucket)
	c.ObjectStore.PublicBaseURL = strings.TrimRight(strings.TrimSpace(c.ObjectStore.PublicBaseURL), "/")
	return nil
}

// Validate checks configuration invariants that would otherwise surface as
// confusing runtime failures.
func (c *Config) Validate() error {
	if err := c.validatePaths(); err != nil {
		return err
	}
	if err := c.validatePipeline(); err != nil {
		return err
	}
	if err := c.validateDetectors(); err != nil {
		return err
	}
	if err := c.validateObjectStore(); err != nil {
		return err
	}
	return c.validateWorkers()
}

func (c *Config) validatePaths() error {
	if strings.TrimSpace(c.Paths.DataDir) == "" {
		return errors.New("paths: data_dir must not be empty")
	}
	if strings.TrimSpace(c.Paths.ScratchDir) == "" {
		return errors.New("paths: scratch_dir must not be empty")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	if c.Pipeline.BatchSize < 1 {
		return fmt.Errorf("pipeline: batch_size must be at least 1, got %d", c.Pipeline.BatchSize)
	}
	if c.Pipeline.NominalChunkSeconds <= 0 {
		return fmt.Errorf("pipeline: nominal_chunk_seconds must be positive, got %g", c.Pipeline.NominalChunkSeconds)
	}
	if c.Pipeline.AnalyzerBinary == "" {
		return errors.New("pipeline: analyzer_binary must not be empty")
	}
	return nil
}

func (c *Config) validateDetectors() error {
	if c.Detectors.GapToleranceSeconds < 0 {
		return errors.New("detectors: gap_tolerance_seconds must not be negative")
	}
	if c.Detectors.HeadYawThreshold <= 0 {
		return errors.New("detectors: head_yaw_threshold must be positive")
	}
	if c.Detectors.StateTTLSeconds <= 0 {
		return errors.New("detectors: state_ttl_seconds must be positive")
	}
	for name, v := range map[string]float64{
		"phone_min_seconds":             c.Detectors.PhoneMinSeconds,
		"no_face_min_seconds":           c.Detectors.NoFaceMinSeconds,
		"multiple_people_min_seconds":   c.Detectors.MultiplePeopleMinSecs,
		"looking_away_min_seconds":      c.Detectors.LookingAwayMinSecs,
		"identity_mismatch_min_seconds": c.Detectors.IdentityMinSeconds,
	} {
		if v < 0 {
			return fmt.Errorf("detectors: %s must not be negative", name)
		}
	}
	return nil
}

func (c *Config) validateObjectStore() error {
	if !c.ObjectStore.Enabled {
		return nil
	}
	if c.ObjectStore.Bucket == "" {
		return errors.New("object_store: bucket required when enabled")
	}
	if c.ObjectStore.AccessKeyID == "" || c.ObjectStore.SecretAccessKey == "" {
		return errors.New("object_store: credentials required when enabled")
	}
	return nil
}

func (c *Config) validateWorkers() error {
	if c.Workers.PollInterval < 1 {
		return errors.New("workers: poll_interval must be at least 1 second")
	}
	if c.Workers.BatchConcurrency < 1 || c.Workers.FinalizeConcurrency < 1 {
		return errors.New("workers: lane concurrency must be at least 1")
	}
	if c.Workers.FinalizeMaxAttempts < 1 {
		return errors.New("workers: finalize_max_attempts must be at least 1")
	}
	if c.Workers.BatchLeaseSeconds < 1 || c.Workers.FinalizeLeaseSeconds < 1 {
		return errors.New("workers: lease durations must be at least 1 second")
	}
	return nil
}
