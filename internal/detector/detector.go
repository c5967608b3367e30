// Package detector turns raw per-frame signals into behavioral events. Each
// (session, event type) pair runs an independent open/extend/close state
// machine; still-open intervals survive batch boundaries through the state KV
// so a sustained behavior is never split into sub-threshold fragments.
package detector

import (
	"vigil/internal/config"
	"vigil/internal/oracle"
	"vigil/internal/store"
)

// Frame is one analyzed sample placed on the session's absolute clock.
type Frame struct {
	Timestamp float64
	Signals   oracle.FrameSignals
}

// Definition describes one watched behavior. The predicate is policy and
// replaceable; the sweep mechanics are not.
type Definition struct {
	Type         store.EventType
	Predicate    func(oracle.FrameSignals) bool
	MinDuration  float64
	GapTolerance float64
	Confidence   float64
	// Cooldown suppresses a new event of the same type starting within this
	// many seconds of the previous one's end. Zero disables it.
	Cooldown float64
}

// Definitions builds the registered detector set from configuration.
func Definitions(cfg config.Detectors) []Definition {
	yawThreshold := cfg.HeadYawThreshold
	return []Definition{
		{
			Type: store.EventPhoneUsage,
			Predicate: func(s oracle.FrameSignals) bool {
				return s.PhoneDetected
			},
			MinDuration:  cfg.PhoneMinSeconds,
			GapTolerance: cfg.GapToleranceSeconds,
			Confidence:   0.80,
			Cooldown:     cfg.CooldownSeconds,
		},
		{
			Type: store.EventNoFace,
			Predicate: func(s oracle.FrameSignals) bool {
				return s.FaceCount == 0
			},
			MinDuration:  cfg.NoFaceMinSeconds,
			GapTolerance: cfg.GapToleranceSeconds,
			Confidence:   0.90,
			Cooldown:     cfg.CooldownSeconds,
		},
		{
			Type: store.EventMultiplePeople,
			Predicate: func(s oracle.FrameSignals) bool {
				return s.FaceCount > 1
			},
			MinDuration:  cfg.MultiplePeopleMinSecs,
			GapTolerance: cfg.GapToleranceSeconds,
			Confidence:   0.95,
			Cooldown:     cfg.CooldownSeconds,
		},
		{
			Type: store.EventLookingAway,
			Predicate: func(s oracle.FrameSignals) bool {
				yaw := s.HeadYaw
				if yaw < 0 {
					yaw = -yaw
				}
				return s.FaceCount == 1 && yaw > yawThreshold
			},
			MinDuration:  cfg.LookingAwayMinSecs,
			GapTolerance: cfg.GapToleranceSeconds,
			Confidence:   0.80,
			Cooldown:     cfg.CooldownSeconds,
		},
		{
			Type: store.EventIdentityMismatch,
			Predicate: func(s oracle.FrameSignals) bool {
				return s.IdentityChecked && s.IdentityMismatch
			},
			MinDuration:  cfg.IdentityMinSeconds,
			GapTolerance: cfg.GapToleranceSeconds,
			Confidence:   0.90,
			Cooldown:     cfg.CooldownSeconds,
		},
	}
}
