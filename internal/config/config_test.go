package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad(t *testing.T) {
	path := writeConfig(t, `
server:
  port: 9090
  host: "0.0.0.0"
  allowed_origins:
    - "http://localhost:5173"
bridge:
  path: /opt/platform-tools/adb
  allowed_devices:
    - "emulator-*"
  blocked_devices:
    - "emulator-5556"
agent:
  max_size: 1920
relay:
  forward_port: 27183
  transport_port: 27184
  settle_delay: 1500ms
log:
  level: debug
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, "0.0.0.0", cfg.Server.Host)
	assert.Equal(t, []string{"http://localhost:5173"}, cfg.Server.AllowedOrigins)
	assert.Equal(t, "/opt/platform-tools/adb", cfg.Bridge.Path)
	assert.Equal(t, []string{"emulator-*"}, cfg.Bridge.AllowedDevices)
	assert.Equal(t, []string{"emulator-5556"}, cfg.Bridge.BlockedDevices)
	assert.Equal(t, 1920, cfg.Agent.MaxSize)
	assert.Equal(t, 27183, cfg.Relay.ForwardPort)
	assert.Equal(t, 27184, cfg.Relay.TransportPort)
	assert.Equal(t, 1500*time.Millisecond, cfg.Relay.SettleDelay)
	assert.Equal(t, "debug", cfg.Log.Level)

	// Unspecified fields keep their defaults.
	assert.Equal(t, "3.3.3", cfg.Agent.Version)
	assert.Equal(t, "com.genymobile.scrcpy.Server", cfg.Agent.ClassName)
	assert.Equal(t, "/data/local/tmp/scrcpy-server.jar", cfg.Agent.DevicePath)
	assert.Equal(t, "127.0.0.1", cfg.Relay.Host)
	assert.Equal(t, 2*time.Second, cfg.Monitor.PollInterval)
	assert.Equal(t, 16, cfg.Server.MaxConnections)
	require.NoError(t, cfg.Validate())
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	assert.Error(t, err)
}

func TestLoadOrDefaultMissingFile(t *testing.T) {
	cfg, err := LoadOrDefault("/nonexistent/path/config.yaml")
	require.NoError(t, err)

	assert.Equal(t, 8888, cfg.Relay.ForwardPort)
	assert.Equal(t, 8889, cfg.Relay.TransportPort)
	assert.Equal(t, 3*time.Second, cfg.Relay.SettleDelay)
	assert.Equal(t, 1280, cfg.Agent.MaxSize)
	assert.Equal(t, "127.0.0.1:8888", cfg.ForwardAddr())
	require.NoError(t, cfg.Validate())
}

func TestLoadInvalidYAML(t *testing.T) {
	path := writeConfig(t, ":::not valid yaml")
	_, err := Load(path)
	assert.Error(t, err)
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("RELAY_RELAY_TRANSPORT_PORT", "9999")
	t.Setenv("RELAY_RELAY_SETTLE_DELAY", "250ms")
	t.Setenv("RELAY_SERVER_AUTH_TOKEN", "secret")
	t.Setenv("RELAY_LOG_LEVEL", "warn")

	path := writeConfig(t, "relay:\n  transport_port: 7000\n")
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Relay.TransportPort, "env wins over file")
	assert.Equal(t, 250*time.Millisecond, cfg.Relay.SettleDelay)
	assert.Equal(t, "secret", cfg.Server.AuthToken)
	assert.Equal(t, "warn", cfg.Log.Level)
	assert.Equal(t, 8888, cfg.Relay.ForwardPort, "unset env leaves value alone")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		errMsg string
	}{
		{"same relay ports", func(c *Config) { c.Relay.TransportPort = c.Relay.ForwardPort }, "must differ"},
		{"zero forward port", func(c *Config) { c.Relay.ForwardPort = 0 }, "forward_port must be positive"},
		{"server collides", func(c *Config) { c.Server.Port = c.Relay.TransportPort }, "collides"},
		{"no settle delay", func(c *Config) { c.Relay.SettleDelay = 0 }, "settle_delay"},
		{"negative max connections", func(c *Config) { c.Server.MaxConnections = -1 }, "max_connections"},
		{"negative max size", func(c *Config) { c.Agent.MaxSize = -1 }, "max_size"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := defaultConfig()
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.errMsg)
		})
	}
}
