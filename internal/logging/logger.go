// Package logging provides structured logging with file and console output
// and a bounded in-memory history for the settings surface.
package logging

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Entry is one captured log line.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Component string    `json:"component,omitempty"`
	Message   string    `json:"message"`
	Data      string    `json:"data,omitempty"`
}

// Config holds logger configuration.
type Config struct {
	Dir        string // directory for log files; empty disables file output
	Level      string // debug, info, warn, error
	MaxHistory int    // entries kept in memory
	Console    bool   // also write human-readable lines to stdout
}

// DefaultConfig returns defaults rooted at ~/.companion/logs.
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		Dir:        filepath.Join(home, ".companion", "logs"),
		Level:      "info",
		MaxHistory: 500,
		Console:    true,
	}
}

// Logger wraps zerolog and mirrors every event into a ring of recent entries.
type Logger struct {
	zlog    zerolog.Logger
	file    *os.File
	path    string
	mu      sync.RWMutex
	history []Entry
	maxHist int
	onLog   func(Entry)
}

// New creates a Logger. A nil cfg uses DefaultConfig.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if cfg.MaxHistory <= 0 {
		cfg.MaxHistory = 500
	}

	l := &Logger{
		history: make([]Entry, 0, cfg.MaxHistory),
		maxHist: cfg.MaxHistory,
	}

	var writers []io.Writer
	if cfg.Dir != "" {
		if err := os.MkdirAll(cfg.Dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create log directory: %w", err)
		}
		l.path = filepath.Join(cfg.Dir, fmt.Sprintf("companion_%s.log", time.Now().Format("2006-01-02")))
		file, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file: %w", err)
		}
		l.file = file
		writers = append(writers, file)
	}
	if cfg.Console {
		writers = append(writers, zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: "15:04:05"})
	}
	writers = append(writers, historyWriter{l})

	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}

	l.zlog = zerolog.New(zerolog.MultiLevelWriter(writers...)).
		Level(level).
		With().
		Timestamp().
		Str("app", "companion").
		Logger()

	l.zlog.Info().Str("component", "logging").Str("file", l.path).Str("level", level.String()).Msg("logger initialized")
	return l, nil
}

// Zerolog returns the root logger.
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}

// Component returns a child logger tagged with the component name.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zlog.With().Str("component", name).Logger()
}

// SetOnLog registers a callback invoked for every captured entry.
func (l *Logger) SetOnLog(fn func(Entry)) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.onLog = fn
}

// History returns up to limit of the most recent entries, oldest first.
// limit <= 0 returns everything retained.
func (l *Logger) History(limit int) []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()

	if limit <= 0 || limit > len(l.history) {
		limit = len(l.history)
	}
	out := make([]Entry, limit)
	copy(out, l.history[len(l.history)-limit:])
	return out
}

// Path returns the log file path, empty when file output is disabled.
func (l *Logger) Path() string {
	return l.path
}

// Close flushes and closes the log file.
func (l *Logger) Close() error {
	l.zlog.Info().Str("component", "logging").Msg("logger shutting down")
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func (l *Logger) record(e Entry) {
	l.mu.Lock()
	l.history = append(l.history, e)
	if len(l.history) > l.maxHist {
		l.history = l.history[len(l.history)-l.maxHist:]
	}
	cb := l.onLog
	l.mu.Unlock()

	if cb != nil {
		cb(e)
	}
}

// historyWriter decodes zerolog JSON lines back into entries.
type historyWriter struct{ l *Logger }

var reservedKeys = map[string]bool{
	zerolog.TimestampFieldName: true,
	zerolog.LevelFieldName:     true,
	zerolog.MessageFieldName:   true,
	"component":                true,
	"app":                      true,
}

func (w historyWriter) Write(p []byte) (int, error) {
	var fields map[string]any
	if err := json.Unmarshal(p, &fields); err != nil {
		return len(p), nil
	}

	e := Entry{Timestamp: time.Now()}
	if s, ok := fields[zerolog.LevelFieldName].(string); ok {
		e.Level = s
	}
	if s, ok := fields[zerolog.MessageFieldName].(string); ok {
		e.Message = s
	}
	if s, ok := fields["component"].(string); ok {
		e.Component = s
	}
	e.Data = formatData(fields)

	w.l.record(e)
	return len(p), nil
}

func formatData(fields map[string]any) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		if !reservedKeys[k] {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 {
		return ""
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", k, fields[k]))
	}
	return strings.Join(parts, ", ")
}
