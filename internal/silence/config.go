package silence

import (
	"errors"
	"fmt"
	"time"
)

// Config is the operator-tunable nudge policy. It may be replaced at any
// moment; a countdown already running keeps the threshold it was armed with.
type Config struct {
	Enabled                 bool    `json:"enabled"`
	ThresholdSeconds        float64 `json:"silence_threshold_seconds"`
	SpeechVolumeThreshold   float64 `json:"speech_volume_threshold"`
	NudgeMessage            string  `json:"nudge_message"`
	MinSecondsBetweenNudges float64 `json:"min_time_between_nudges_seconds"`
	MaxNudges               int     `json:"max_nudges"`
}

// DefaultConfig returns the stock policy.
func DefaultConfig() Config {
	return Config{
		Enabled:                 true,
		ThresholdSeconds:        10,
		SpeechVolumeThreshold:   0.02,
		NudgeMessage:            "Are you still there? Take your time, I'm listening.",
		MinSecondsBetweenNudges: 30,
		MaxNudges:               3,
	}
}

// Threshold returns the countdown length.
func (c Config) Threshold() time.Duration {
	return seconds(c.ThresholdSeconds)
}

// MinInterval returns the minimum gap between nudges; zero disables it.
func (c Config) MinInterval() time.Duration {
	return seconds(c.MinSecondsBetweenNudges)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}

// ErrInvalidConfig wraps validation failures.
var ErrInvalidConfig = errors.New("invalid silence config")

// Validate checks ranges.
func (c Config) Validate() error {
	switch {
	case c.ThresholdSeconds <= 0:
		return fmt.Errorf("%w: silence threshold must be positive", ErrInvalidConfig)
	case c.SpeechVolumeThreshold < 0:
		return fmt.Errorf("%w: speech volume threshold must not be negative", ErrInvalidConfig)
	case c.MinSecondsBetweenNudges < 0:
		return fmt.Errorf("%w: min time between nudges must not be negative", ErrInvalidConfig)
	case c.MaxNudges < 1:
		return fmt.Errorf("%w: max nudges must be at least 1", ErrInvalidConfig)
	}
	return nil
}

// Patch is a partial update; nil fields are left unchanged.
type Patch struct {
	Enabled                 *bool    `json:"enabled,omitempty"`
	ThresholdSeconds        *float64 `json:"silence_threshold_seconds,omitempty"`
	SpeechVolumeThreshold   *float64 `json:"speech_volume_threshold,omitempty"`
	NudgeMessage            *string  `json:"nudge_message,omitempty"`
	MinSecondsBetweenNudges *float64 `json:"min_time_between_nudges_seconds,omitempty"`
	MaxNudges               *int     `json:"max_nudges,omitempty"`
}

// Apply returns c with p's non-nil fields applied.
func (c Config) Apply(p Patch) Config {
	if p.Enabled != nil {
		c.Enabled = *p.Enabled
	}
	if p.ThresholdSeconds != nil {
		c.ThresholdSeconds = *p.ThresholdSeconds
	}
	if p.SpeechVolumeThreshold != nil {
		c.SpeechVolumeThreshold = *p.SpeechVolumeThreshold
	}
	if p.NudgeMessage != nil {
		c.NudgeMessage = *p.NudgeMessage
	}
	if p.MinSecondsBetweenNudges != nil {
		c.MinSecondsBetweenNudges = *p.MinSecondsBetweenNudges
	}
	if p.MaxNudges != nil {
		c.MaxNudges = *p.MaxNudges
	}
	return c
}
