// Package config loads process configuration from the environment.
package config

import (
	"fmt"

	"github.com/kelseyhightower/envconfig"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Prefix is the environment variable prefix for every setting.
const Prefix = "OPBRIDGE"

// Config holds process-wide settings.
type Config struct {
	LogLevel string `envconfig:"LOG_LEVEL" default:"warn"`
	LogDev   bool   `envconfig:"LOG_DEV" default:"false"`

	// BlockingThreads bounds the blocking pool. Zero picks a size from
	// GOMAXPROCS.
	BlockingThreads int `envconfig:"BLOCKING_THREADS" default:"0"`

	// BrokerPath is the unix socket of the permission broker.
	BrokerPath string `envconfig:"PERMISSION_BROKER_PATH"`
	// Prompt is one of auto, tty, line, none.
	Prompt string `envconfig:"PROMPT" default:"auto"`

	MetricsAddr string `envconfig:"METRICS_ADDR"`

	// WASMMemoryPages caps guest memory in 64KB pages. Zero keeps the
	// wazero default.
	WASMMemoryPages uint32 `envconfig:"WASM_MEMORY_PAGES" default:"0"`
}

// Load reads configuration from OPBRIDGE_* variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process(Prefix, &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Default returns the configuration used when the environment is empty.
func Default() *Config {
	return &Config{
		LogLevel: "warn",
		Prompt:   "auto",
	}
}

// Validate checks values envconfig cannot.
func (c *Config) Validate() error {
	if _, err := parseLevel(c.LogLevel); err != nil {
		return fmt.Errorf("invalid log level %q: %w", c.LogLevel, err)
	}
	if c.BlockingThreads < 0 {
		return fmt.Errorf("blocking threads must not be negative, got %d", c.BlockingThreads)
	}
	switch c.Prompt {
	case "auto", "tty", "line", "none":
	default:
		return fmt.Errorf("invalid prompt mode %q", c.Prompt)
	}
	return nil
}

// NewLogger builds the process logger. Output goes to stderr so guest
// output on stdout stays clean.
func NewLogger(cfg *Config) (*zap.Logger, error) {
	level, err := parseLevel(cfg.LogLevel)
	if err != nil {
		return nil, err
	}

	zapCfg := zap.Config{
		Level:             zap.NewAtomicLevelAt(level),
		Development:       cfg.LogDev,
		Encoding:          encodingFormat(cfg.LogDev),
		EncoderConfig:     encoderConfig(cfg.LogDev),
		OutputPaths:       []string{"stderr"},
		ErrorOutputPaths:  []string{"stderr"},
		DisableStacktrace: !cfg.LogDev,
	}
	return zapCfg.Build()
}

func parseLevel(level string) (zapcore.Level, error) {
	var l zapcore.Level
	if err := l.UnmarshalText([]byte(level)); err != nil {
		return zapcore.InfoLevel, err
	}
	return l, nil
}

func encodingFormat(development bool) string {
	if development {
		return "console"
	}
	return "json"
}

func encoderConfig(development bool) zapcore.EncoderConfig {
	if development {
		cfg := zap.NewDevelopmentEncoderConfig()
		cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
		return cfg
	}
	cfg := zap.NewProductionEncoderConfig()
	cfg.TimeKey = "timestamp"
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	return cfg
}
