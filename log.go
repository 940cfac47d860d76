// Copyright (C) 2019-2025, Lux Industries, Inc. All rights reserved.
// See the file LICENSE for licensing terms.

package birpc

import (
	"io"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Environment overrides applied on top of LogConfig
const (
	EnvLogLevel     = "BIRPC_LOG_LEVEL"
	EnvLogTimestamp = "BIRPC_LOG_TIMESTAMP"
	EnvLogNoColor   = "BIRPC_LOG_NOCOLOR"
)

// LogConfig configures the package logger.
type LogConfig struct {
	Level     string    `yaml:"level" toml:"level"`
	Timestamp bool      `yaml:"timestamp" toml:"timestamp"`
	NoColor   bool      `yaml:"no_color" toml:"no_color"`
	Output    io.Writer `yaml:"-" toml:"-"`
}

// DefaultLogConfig returns the runtime logging defaults.
func DefaultLogConfig() LogConfig {
	return LogConfig{
		Level:     "info",
		Timestamp: true,
	}
}

var (
	loggerMu sync.RWMutex
	logger   *zerolog.Logger
)

// NewLogger builds a console logger from cfg after environment overrides.
func NewLogger(cfg LogConfig) zerolog.Logger {
	applyEnvOverrides(&cfg)
	out := cfg.Output
	if out == nil {
		out = os.Stderr
	}
	level, ok := parseLevel(cfg.Level)
	if !ok {
		level = zerolog.InfoLevel
	}
	w := zerolog.ConsoleWriter{Out: out, NoColor: cfg.NoColor, TimeFormat: time.RFC3339}
	ctx := zerolog.New(w).Level(level).With()
	if cfg.Timestamp {
		ctx = ctx.Timestamp()
	}
	return ctx.Logger()
}

// SetLogger replaces the package logger used by components that were not
// given one explicitly.
func SetLogger(l zerolog.Logger) {
	loggerMu.Lock()
	defer loggerMu.Unlock()
	logger = &l
}

// Logger returns the package logger, building it from DefaultLogConfig on
// first use.
func Logger() zerolog.Logger {
	loggerMu.RLock()
	l := logger
	loggerMu.RUnlock()
	if l != nil {
		return *l
	}
	loggerMu.Lock()
	defer loggerMu.Unlock()
	if logger == nil {
		built := NewLogger(DefaultLogConfig())
		logger = &built
	}
	return *logger
}

func applyEnvOverrides(cfg *LogConfig) {
	if raw := strings.TrimSpace(os.Getenv(EnvLogLevel)); raw != "" {
		if _, ok := parseLevel(raw); ok {
			cfg.Level = raw
		}
	}
	if v, ok := parseBool(os.Getenv(EnvLogTimestamp)); ok {
		cfg.Timestamp = v
	}
	if v, ok := parseBool(os.Getenv(EnvLogNoColor)); ok {
		cfg.NoColor = v
	}
}

func parseLevel(raw string) (zerolog.Level, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "":
		return zerolog.InfoLevel, false
	case "trace":
		return zerolog.TraceLevel, true
	case "debug":
		return zerolog.DebugLevel, true
	case "info":
		return zerolog.InfoLevel, true
	case "warn", "warning":
		return zerolog.WarnLevel, true
	case "error":
		return zerolog.ErrorLevel, true
	case "disabled", "off", "none":
		return zerolog.Disabled, true
	default:
		return zerolog.InfoLevel, false
	}
}

func parseBool(raw string) (bool, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return false, false
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return false, false
	}
	return v, true
}
