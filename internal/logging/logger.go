// Package logging builds the zap loggers used across clusterboot.
package logging

import (
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Format selects the log encoding.
type Format string

const (
	// FormatJSON writes one JSON object per line, for CI and log shipping.
	FormatJSON Format = "json"

	// FormatConsole writes human readable lines.
	FormatConsole Format = "console"
)

// Config holds the configuration for the logger.
type Config struct {
	// Level is the minimum enabled level (debug, info, warn, error).
	Level string

	// Format is the encoding, console by default.
	Format Format

	// OutputPaths defaults to stderr so stdout stays free for command output.
	OutputPaths []string
}

// DefaultConfig returns the CLI defaults.
func DefaultConfig() Config {
	return Config{
		Level:       "warn",
		Format:      FormatConsole,
		OutputPaths: []string{"stderr"},
	}
}

// NewLogger creates a zap logger from cfg.
func NewLogger(cfg Config) (*zap.Logger, error) {
	level, err := ParseLevel(cfg.Level)
	if err != nil {
		return nil, fmt.Errorf("invalid log level %q: %w", cfg.Level, err)
	}

	var encoderConfig zapcore.EncoderConfig
	encoding := string(FormatJSON)
	if cfg.Format == FormatJSON {
		encoderConfig = zap.NewProductionEncoderConfig()
		encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	} else {
		encoderConfig = zap.NewDevelopmentEncoderConfig()
		encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
		encoding = string(FormatConsole)
	}

	outputs := cfg.OutputPaths
	if len(outputs) == 0 {
		outputs = []string{"stderr"}
	}

	zapConfig := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		DisableStacktrace: true,
		Encoding:          encoding,
		EncoderConfig:     encoderConfig,
		OutputPaths:       outputs,
		ErrorOutputPaths:  []string{"stderr"},
	}

	logger, err := zapConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("failed to build logger: %w", err)
	}
	return logger.Named("clusterboot"), nil
}

// ParseLevel converts a string level to zapcore.Level. An empty string is
// the default level.
func ParseLevel(level string) (zapcore.Level, error) {
	if level == "" {
		return zapcore.WarnLevel, nil
	}
	return zapcore.ParseLevel(strings.ToLower(level))
}
