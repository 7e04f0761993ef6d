package config

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func clearEnv(keys ...string) {
	for _, k := range keys {
		os.Unsetenv(k)
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv("SERVER_HOST", "SERVER_PORT", "MAX_OPEN_SOCK", "ACCEPT_BACKLOG",
		"BASE_RTO", "RETRANSMIT_LIMIT", "MSL", "LOG_LEVEL", "METRICS_ENABLED",
		"DIAG_ENABLED", "SECURE_ENABLED")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, "15000", cfg.Server.Port)
	assert.Equal(t, 64, cfg.Protocol.MaxOpenSock)
	assert.Equal(t, 8, cfg.Protocol.AcceptBacklog)
	assert.Equal(t, time.Second, cfg.Protocol.BaseRTO)
	assert.Equal(t, 5, cfg.Protocol.RetransmitLimit)
	assert.Equal(t, time.Second, cfg.Protocol.MSL)
	assert.Equal(t, "info", cfg.Logging.Level)
	assert.True(t, cfg.Metrics.Enabled)
	assert.True(t, cfg.Diag.Enabled)
	assert.False(t, cfg.Secure.Enabled)
}

func TestLoadFromEnvironment(t *testing.T) {
	os.Setenv("SERVER_HOST", "127.0.0.1")
	os.Setenv("SERVER_PORT", "16000")
	os.Setenv("MAX_OPEN_SOCK", "8")
	os.Setenv("RETRANSMIT_LIMIT", "3")
	os.Setenv("LOG_LEVEL", "debug")
	defer clearEnv("SERVER_HOST", "SERVER_PORT", "MAX_OPEN_SOCK", "RETRANSMIT_LIMIT", "LOG_LEVEL")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1", cfg.Server.Host)
	assert.Equal(t, "16000", cfg.Server.Port)
	assert.Equal(t, 8, cfg.Protocol.MaxOpenSock)
	assert.Equal(t, 3, cfg.Protocol.RetransmitLimit)
	assert.Equal(t, "debug", cfg.Logging.Level)
}

func TestLoadWithOverrides(t *testing.T) {
	clearEnv("SERVER_HOST", "SERVER_PORT", "LOG_LEVEL")

	cfg, err := LoadWithOverrides(LoadOptions{
		Host:     "192.168.1.100",
		Port:     "443",
		LogLevel: "warn",
	})
	require.NoError(t, err)

	assert.Equal(t, "192.168.1.100", cfg.Server.Host)
	assert.Equal(t, "443", cfg.Server.Port)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestConfigValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			Server:   ServerConfig{Host: "0.0.0.0", Port: "15000"},
			Protocol: ProtocolConfig{MaxOpenSock: 4, AcceptBacklog: 2, BaseRTO: time.Second, RetransmitLimit: 5, MSL: time.Second},
			Logging:  LoggingConfig{Level: "info"},
		}
	}

	t.Run("valid configuration", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("missing server port", func(t *testing.T) {
		c := base()
		c.Server.Port = ""
		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "server port cannot be empty")
	})

	t.Run("non-positive max open sock", func(t *testing.T) {
		c := base()
		c.Protocol.MaxOpenSock = 0
		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "max open sockets must be positive")
	})

	t.Run("invalid log level", func(t *testing.T) {
		c := base()
		c.Logging.Level = "verbose"
		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid log level")
	})

	t.Run("secure enabled without certs", func(t *testing.T) {
		c := base()
		c.Secure.Enabled = true
		err := c.Validate()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "secure certificate and key files must be specified")
	})
}

func TestGetGlobalConfig(t *testing.T) {
	clearEnv("SERVER_HOST", "SERVER_PORT")
	cfg, err := Load()
	require.NoError(t, err)

	got := GetGlobalConfig()
	require.NotNil(t, got)
	assert.Equal(t, cfg.Server.Port, got.Server.Port)
}
