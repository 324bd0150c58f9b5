package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, Default(), cfg)
}

func TestLoadFromEnvironment(t *testing.T) {
	t.Setenv("CONTRACTBOX_TIMEOUT", "2s")
	t.Setenv("CONTRACTBOX_ROOT", "/var/lib/contractbox")
	t.Setenv("CONTRACTBOX_CALL_RATE", "12.5")
	t.Setenv("CONTRACTBOX_ALLOWED_HOSTS", "example.com,api.test")
	t.Setenv("CONTRACTBOX_LOG_DEV", "true")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, cfg.Timeout)
	assert.Equal(t, "/var/lib/contractbox", cfg.Root)
	assert.Equal(t, 12.5, cfg.CallRate)
	assert.Equal(t, []string{"example.com", "api.test"}, cfg.AllowedHosts)

	logCfg := cfg.Logging()
	assert.True(t, logCfg.Development)
	assert.Equal(t, "warn", logCfg.Level)
}

func TestLoadRejectsBadValue(t *testing.T) {
	t.Setenv("CONTRACTBOX_TIMEOUT", "soon")
	_, err := Load()
	assert.Error(t, err)
	assert.Equal(t, Default(), LoadOrDefault())
}
