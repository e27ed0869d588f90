// Package logging provides structured logging with rotated file and console output.
package logging

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// LogLevel represents logging levels
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
)

func (l LogLevel) zerolog() zerolog.Level {
	switch l {
	case LevelInfo:
		return zerolog.InfoLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
	default:
		return zerolog.DebugLevel
	}
}

// Logger wraps zerolog with a rotated log file
type Logger struct {
	zlog    zerolog.Logger
	file    *lumberjack.Logger
	logPath string
}

// Config holds logger configuration
type Config struct {
	LogDir     string   `mapstructure:"dir"`   // default: ~/.cortexpuppet/logs
	Level      LogLevel `mapstructure:"level"` // default: info
	Console    bool     `mapstructure:"console"`
	MaxSizeMB  int      `mapstructure:"max_size_mb"`
	MaxBackups int      `mapstructure:"max_backups"`
	MaxAgeDays int      `mapstructure:"max_age_days"`

	// ConsoleOut replaces stdout for the console writer.
	ConsoleOut io.Writer `mapstructure:"-"`
}

// DefaultConfig returns sensible defaults
func DefaultConfig() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		LogDir:     filepath.Join(home, ".cortexpuppet", "logs"),
		Level:      LevelInfo,
		Console:    true,
		MaxSizeMB:  20,
		MaxBackups: 5,
		MaxAgeDays: 14,
	}
}

// New creates a Logger writing JSON to a rotated file and, optionally,
// human-readable lines to the console.
func New(cfg *Config) (*Logger, error) {
	if cfg == nil {
		cfg = DefaultConfig()
	}

	if err := os.MkdirAll(cfg.LogDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	logPath := filepath.Join(cfg.LogDir, "cortexpuppet.log")

	file := &lumberjack.Logger{
		Filename:   logPath,
		MaxSize:    cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAgeDays,
		Compress:   true,
	}

	writers := []io.Writer{file}
	if cfg.Console {
		out := cfg.ConsoleOut
		if out == nil {
			out = os.Stdout
		}
		writers = append(writers, zerolog.ConsoleWriter{Out: out, TimeFormat: "15:04:05"})
	}

	zlog := zerolog.New(io.MultiWriter(writers...)).
		Level(cfg.Level.zerolog()).
		With().
		Timestamp().
		Str("app", "cortexpuppet").
		Logger()

	logger := &Logger{
		zlog:    zlog,
		file:    file,
		logPath: logPath,
	}

	logger.Info("logging", "Logger initialized", map[string]any{
		"logFile": logPath,
		"level":   string(cfg.Level),
	})
	return logger, nil
}

// GetLogPath returns the active log file
func (l *Logger) GetLogPath() string {
	return l.logPath
}

// Close flushes and closes the log file
func (l *Logger) Close() error {
	l.Info("logging", "Logger shutting down", nil)
	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

func fields(event *zerolog.Event, data map[string]any) *zerolog.Event {
	for k, v := range data {
		event = event.Interface(k, v)
	}
	return event
}

func (l *Logger) Debug(component, msg string, data map[string]any) {
	fields(l.zlog.Debug().Str("component", component), data).Msg(msg)
}

func (l *Logger) Info(component, msg string, data map[string]any) {
	fields(l.zlog.Info().Str("component", component), data).Msg(msg)
}

func (l *Logger) Warn(component, msg string, data map[string]any) {
	fields(l.zlog.Warn().Str("component", component), data).Msg(msg)
}

func (l *Logger) Error(component, msg string, err error, data map[string]any) {
	fields(l.zlog.Error().Str("component", component).Err(err), data).Msg(msg)
}

// Component returns a zerolog.Logger with the component field set, for
// packages that take a zerolog.Logger directly.
func (l *Logger) Component(name string) zerolog.Logger {
	return l.zlog.With().Str("component", name).Logger()
}

// Zerolog returns the underlying zerolog.Logger
func (l *Logger) Zerolog() zerolog.Logger {
	return l.zlog
}
