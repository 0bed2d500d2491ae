package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoad_Env(t *testing.T) {
	t.Setenv("OPBRIDGE_LOG_LEVEL", "debug")
	t.Setenv("OPBRIDGE_BLOCKING_THREADS", "3")
	t.Setenv("OPBRIDGE_PERMISSION_BROKER_PATH", "/run/broker.sock")
	t.Setenv("OPBRIDGE_PROMPT", "none")
	t.Setenv("OPBRIDGE_METRICS_ADDR", ":9102")
	t.Setenv("OPBRIDGE_WASM_MEMORY_PAGES", "256")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, 3, cfg.BlockingThreads)
	assert.Equal(t, "/run/broker.sock", cfg.BrokerPath)
	assert.Equal(t, "none", cfg.Prompt)
	assert.Equal(t, ":9102", cfg.MetricsAddr)
	assert.EqualValues(t, 256, cfg.WASMMemoryPages)
}

func TestLoad_Invalid(t *testing.T) {
	t.Setenv("OPBRIDGE_PROMPT", "sometimes")
	_, err := Load()
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Default()
	cfg.LogLevel = "loud"
	assert.Error(t, cfg.Validate())

	cfg = Default()
	cfg.BlockingThreads = -1
	assert.Error(t, cfg.Validate())
}

func TestNewLogger(t *testing.T) {
	l, err := NewLogger(&Config{LogLevel: "info", LogDev: true})
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(0))

	_, err = NewLogger(&Config{LogLevel: "nope"})
	assert.Error(t, err)
}
