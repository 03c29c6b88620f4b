package utils

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LoggerConfig describes how the process logger is built.
type LoggerConfig struct {
	Level  string // DEBUG, INFO, WARN, ERROR
	Format string // json or text
	File   string // empty logs to stderr

	MaxSize    int64
	MaxBackups int
	Compress   bool
}

// ParseLogLevel converts a config level string to a zap level.
func ParseLogLevel(level string) (zapcore.Level, error) {
	switch strings.ToUpper(strings.TrimSpace(level)) {
	case "DEBUG":
		return zapcore.DebugLevel, nil
	case "INFO", "":
		return zapcore.InfoLevel, nil
	case "WARN", "WARNING":
		return zapcore.WarnLevel, nil
	case "ERROR":
		return zapcore.ErrorLevel, nil
	default:
		return zapcore.InfoLevel, fmt.Errorf("invalid log level: %s", level)
	}
}

// NewLogger builds a zap logger. The returned close function releases the
// log file, if any, and is safe to call when logging to stderr.
func NewLogger(cfg LoggerConfig) (*zap.Logger, func() error, error) {
	level, err := ParseLogLevel(cfg.Level)
	if err != nil {
		return nil, nil, err
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var encoder zapcore.Encoder
	switch strings.ToLower(cfg.Format) {
	case "json", "":
		encoder = zapcore.NewJSONEncoder(encCfg)
	case "text", "console":
		encCfg.EncodeLevel = zapcore.CapitalLevelEncoder
		encoder = zapcore.NewConsoleEncoder(encCfg)
	default:
		return nil, nil, fmt.Errorf("invalid log format: %s", cfg.Format)
	}

	sink := zapcore.Lock(os.Stderr)
	closer := func() error { return nil }
	if cfg.File != "" {
		rf, err := NewRotatingFile(RotationConfig{
			Filename:   cfg.File,
			MaxSize:    cfg.MaxSize,
			MaxBackups: cfg.MaxBackups,
			Compress:   cfg.Compress,
		})
		if err != nil {
			return nil, nil, err
		}
		sink = rf
		closer = rf.Close
	}

	core := zapcore.NewCore(encoder, sink, zap.NewAtomicLevelAt(level))
	return zap.New(core, zap.AddCaller()), closer, nil
}

// Component returns a child logger tagged with the component name. A nil
// logger yields a no-op logger.
func Component(logger *zap.Logger, name string) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger.With(zap.String("component", name))
}

// FormatBytes formats bytes as a human-readable string.
func FormatBytes(bytes int64) string {
	const unit = 1024
	if bytes < unit {
		return fmt.Sprintf("%d B", bytes)
	}

	div, exp := int64(unit), 0
	for n := bytes / unit; n >= unit; n /= unit {
		div *= unit
		exp++
	}

	return fmt.Sprintf("%.1f %cB", float64(bytes)/float64(div), "KMGTPE"[exp])
}

// ParseBytes parses sizes such as "64MB", "512K" or "1024".
func ParseBytes(s string) (int64, error) {
	s = strings.ToUpper(strings.TrimSpace(s))
	if s == "" {
		return 0, fmt.Errorf("empty size")
	}
	s = strings.TrimSuffix(s, "B")

	multiplier := int64(1)
	if s != "" {
		switch s[len(s)-1] {
		case 'K':
			multiplier = 1 << 10
		case 'M':
			multiplier = 1 << 20
		case 'G':
			multiplier = 1 << 30
		case 'T':
			multiplier = 1 << 40
		}
		if multiplier > 1 {
			s = s[:len(s)-1]
		}
	}

	var num float64
	if _, err := fmt.Sscanf(s, "%f", &num); err != nil {
		return 0, fmt.Errorf("invalid size: %q", s)
	}
	if num < 0 {
		return 0, fmt.Errorf("negative size: %q", s)
	}
	return int64(num * float64(multiplier)), nil
}
