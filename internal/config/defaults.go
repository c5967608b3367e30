package config

const (
	defaultDataDir    = "~/.local/share/vigil"
	defaultCacheDir   = "~/.cache/vigil/chunks"
	defaultScratchDir = "~/.local/share/vigil/scratch"
	defaultLogDir     = "~/.local/share/vigil/logs"
)

// Default returns the built-in configuration values. Paths are expanded during
// normalization, not here.
func Default() Config {
	return Config{
		Paths: Paths{
			DataDir:    defaultDataDir,
			CacheDir:   defaultCacheDir,
			ScratchDir: defaultScratchDir,
			LogDir:     defaultLogDir,
		},
		Pipeline: Pipeline{
			BatchSize:           3,
			NominalChunkSeconds: 10,
			AnalyzerBinary:      "vigil-analyzer",
			AnalyzerTimeout:     600,
			RemuxTimeout:        300,
		},
		Detectors: Detectors{
			GapToleranceSeconds:   2,
			HeadYawThreshold:      0.4,
			CooldownSeconds:       0,
			StateTTLSeconds:       7200,
			PhoneMinSeconds:       1,
			NoFaceMinSeconds:      2,
			MultiplePeopleMinSecs: 0,
			LookingAwayMinSecs:    3,
			IdentityMinSeconds:    2,
		},
		ObjectStore: ObjectStore{
			Enabled: false,
			Region:  "auto",
		},
		Workers: Workers{
			PollInterval:              2,
			BatchConcurrency:          1,
			FinalizeConcurrency:       2,
			BatchLeaseSeconds:         600,
			FinalizeLeaseSeconds:      120,
			BatchMaxAttempts:          3,
			FinalizeRetryDelaySeconds: 5,
			FinalizeMaxAttempts:       10,
			PruneIntervalSeconds:      300,
		},
		Notifications: Notifications{
			RequestTimeout: 10,
			SessionDone:    true,
			Errors:         true,
		},
		Logging: Logging{
			Format: "console",
			Level:  "info",
		},
	}
}
