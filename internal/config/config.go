// Package config provides configuration management for the companion core.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid is returned by Validate for out-of-range settings.
var ErrInvalid = errors.New("invalid configuration")

// Config holds all application configuration
type Config struct {
	Stream   StreamConfig   `mapstructure:"stream"`
	Viseme   VisemeConfig   `mapstructure:"viseme"`
	Pipeline PipelineConfig `mapstructure:"pipeline"`
	Silence  SilenceConfig  `mapstructure:"silence"`
	Speech   SpeechConfig   `mapstructure:"speech"`
	Server   ServerConfig   `mapstructure:"server"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Log      LogConfig      `mapstructure:"log"`
}

// StreamConfig configures the conversational model stream
type StreamConfig struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout"`
	ReconnectDelay   time.Duration `mapstructure:"reconnect_delay"`
	MaxReconnectWait time.Duration `mapstructure:"max_reconnect_wait"`
}

// VisemeConfig configures the viseme/subtitle service client
type VisemeConfig struct {
	URL              string        `mapstructure:"url"`
	HandshakeTimeout time.Duration `mapstructure:"handshake_timeout"`
	AckTimeout       time.Duration `mapstructure:"ack_timeout"`
}

// PipelineConfig configures turn buffering and sync
type PipelineConfig struct {
	AutoFlushTimeout time.Duration `mapstructure:"auto_flush_timeout"`
	SyncWaitTimeout  time.Duration `mapstructure:"sync_wait_timeout"` // 0 waits forever
}

// SilenceConfig is the operator-tunable nudge policy
type SilenceConfig struct {
	Enabled                 bool    `mapstructure:"enabled"`
	ThresholdSeconds        float64 `mapstructure:"threshold_seconds"`
	SpeechVolumeThreshold   float64 `mapstructure:"speech_volume_threshold"`
	NudgeMessage            string  `mapstructure:"nudge_message"`
	MinSecondsBetweenNudges float64 `mapstructure:"min_seconds_between_nudges"`
	MaxNudges               int     `mapstructure:"max_nudges"`

	ResponseWindow    time.Duration `mapstructure:"response_window"`
	IndicatorDuration time.Duration `mapstructure:"indicator_duration"`
	TerminationGrace  time.Duration `mapstructure:"termination_grace"`
}

// SpeechConfig configures the rolling speech detector
type SpeechConfig struct {
	WindowSize int `mapstructure:"window_size"`
}

// ServerConfig configures the settings HTTP surface
type ServerConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// MetricsConfig configures the Prometheus exporter
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LogConfig configures logging
type LogConfig struct {
	Dir        string `mapstructure:"dir"`
	Level      string `mapstructure:"level"`
	MaxHistory int    `mapstructure:"max_history"`
	Console    bool   `mapstructure:"console"`
}

// DefaultConfig returns sensible default configuration
func DefaultConfig() *Config {
	dir, _ := GetConfigDir()
	return &Config{
		Stream: StreamConfig{
			URL:              "ws://localhost:8765/stream",
			HandshakeTimeout: 10 * time.Second,
			WriteTimeout:     5 * time.Second,
			ReconnectDelay:   3 * time.Second,
			MaxReconnectWait: 60 * time.Second,
		},
		Viseme: VisemeConfig{
			URL:              "ws://localhost:8766/visemes",
			HandshakeTimeout: 10 * time.Second,
			AckTimeout:       5 * time.Second,
		},
		Pipeline: PipelineConfig{
			AutoFlushTimeout: 750 * time.Millisecond,
			SyncWaitTimeout:  8 * time.Second,
		},
		Silence: SilenceConfig{
			Enabled:                 true,
			ThresholdSeconds:        10,
			SpeechVolumeThreshold:   0.02,
			NudgeMessage:            "Are you still there? Take your time, I'm listening.",
			MinSecondsBetweenNudges: 30,
			MaxNudges:               3,
			ResponseWindow:          60 * time.Second,
			IndicatorDuration:       3 * time.Second,
			TerminationGrace:        5 * time.Second,
		},
		Speech: SpeechConfig{
			WindowSize: 10,
		},
		Server: ServerConfig{
			Enabled: true,
			Addr:    "127.0.0.1:8780",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Addr:    "127.0.0.1:9780",
		},
		Log: LogConfig{
			Dir:        filepath.Join(dir, "logs"),
			Level:      "info",
			MaxHistory: 500,
			Console:    true,
		},
	}
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	var problems []string
	if c.Pipeline.AutoFlushTimeout <= 0 {
		problems = append(problems, "pipeline.auto_flush_timeout must be positive")
	}
	if c.Pipeline.SyncWaitTimeout < 0 {
		problems = append(problems, "pipeline.sync_wait_timeout must not be negative")
	}
	if c.Silence.ThresholdSeconds <= 0 {
		problems = append(problems, "silence.threshold_seconds must be positive")
	}
	if c.Silence.SpeechVolumeThreshold < 0 {
		problems = append(problems, "silence.speech_volume_threshold must not be negative")
	}
	if c.Silence.MinSecondsBetweenNudges < 0 {
		problems = append(problems, "silence.min_seconds_between_nudges must not be negative")
	}
	if c.Silence.MaxNudges < 1 {
		problems = append(problems, "silence.max_nudges must be at least 1")
	}
	if c.Silence.ResponseWindow < 0 || c.Silence.IndicatorDuration < 0 || c.Silence.TerminationGrace < 0 {
		problems = append(problems, "silence durations must not be negative")
	}
	if c.Speech.WindowSize <= 0 {
		problems = append(problems, "speech.window_size must be positive")
	}
	if len(problems) > 0 {
		return fmt.Errorf("%w: %s", ErrInvalid, strings.Join(problems, "; "))
	}
	return nil
}

// values flattens cfg into dotted viper keys.
func values(cfg *Config) map[string]any {
	return map[string]any{
		"stream.url":                         cfg.Stream.URL,
		"stream.handshake_timeout":           cfg.Stream.HandshakeTimeout.String(),
		"stream.write_timeout":               cfg.Stream.WriteTimeout.String(),
		"stream.reconnect_delay":             cfg.Stream.ReconnectDelay.String(),
		"stream.max_reconnect_wait":          cfg.Stream.MaxReconnectWait.String(),
		"viseme.url":                         cfg.Viseme.URL,
		"viseme.handshake_timeout":           cfg.Viseme.HandshakeTimeout.String(),
		"viseme.ack_timeout":                 cfg.Viseme.AckTimeout.String(),
		"pipeline.auto_flush_timeout":        cfg.Pipeline.AutoFlushTimeout.String(),
		"pipeline.sync_wait_timeout":         cfg.Pipeline.SyncWaitTimeout.String(),
		"silence.enabled":                    cfg.Silence.Enabled,
		"silence.threshold_seconds":          cfg.Silence.ThresholdSeconds,
		"silence.speech_volume_threshold":    cfg.Silence.SpeechVolumeThreshold,
		"silence.nudge_message":              cfg.Silence.NudgeMessage,
		"silence.min_seconds_between_nudges": cfg.Silence.MinSecondsBetweenNudges,
		"silence.max_nudges":                 cfg.Silence.MaxNudges,
		"silence.response_window":            cfg.Silence.ResponseWindow.String(),
		"silence.indicator_duration":         cfg.Silence.IndicatorDuration.String(),
		"silence.termination_grace":          cfg.Silence.TerminationGrace.String(),
		"speech.window_size":                 cfg.Speech.WindowSize,
		"server.enabled":                     cfg.Server.Enabled,
		"server.addr":                        cfg.Server.Addr,
		"metrics.enabled":                    cfg.Metrics.Enabled,
		"metrics.addr":                       cfg.Metrics.Addr,
		"log.dir":                            cfg.Log.Dir,
		"log.level":                          cfg.Log.Level,
		"log.max_history":                    cfg.Log.MaxHistory,
		"log.console":                        cfg.Log.Console,
	}
}

func newViper(path string) *viper.Viper {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetConfigFile(path)
	for k, val := range values(DefaultConfig()) {
		v.SetDefault(k, val)
	}

	// Environment variable overrides, e.g. COMPANION_SILENCE_MAX_NUDGES
	v.SetEnvPrefix("COMPANION")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	return v
}

func decode(v *viper.Viper) (*Config, error) {
	cfg := DefaultConfig()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Load reads configuration from path and the environment. An empty path
// means DefaultPath. A missing file is created from defaults.
func Load(path string) (*Config, error) {
	if path == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		path = p
	}

	v := newViper(path)
	if err := v.ReadInConfig(); err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
		}
		if err := Save(DefaultConfig(), path); err != nil {
			return nil, err
		}
	}
	return decode(v)
}

// Save writes cfg to path as YAML.
func Save(cfg *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	v := viper.New()
	v.SetConfigType("yaml")
	for k, val := range values(cfg) {
		v.Set(k, val)
	}
	if err := v.WriteConfigAs(path); err != nil {
		return fmt.Errorf("failed to write config %s: %w", path, err)
	}
	return nil
}

// GetConfigDir returns the configuration directory path
func GetConfigDir() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(homeDir, ".companion"), nil
}

// DefaultPath returns ~/.companion/config.yaml.
func DefaultPath() (string, error) {
	dir, err := GetConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}
