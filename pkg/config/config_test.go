package config

import (
	"encoding/base64"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vx11/vx11/pkg/types"
)

func env(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("", env(map[string]string{"VX11_TOKEN": "tok"}))
	require.NoError(t, err)

	assert.Equal(t, "tok", cfg.Token)
	assert.Equal(t, "X-VX11-Token", cfg.TokenHeader)
	assert.Equal(t, types.GatingAlwaysOn, cfg.Targets[types.TargetMadre].Gating)
	for _, name := range []types.Target{types.TargetSwitch, types.TargetHermes, types.TargetSpawner, types.TargetHormiguero, types.TargetManifestator} {
		assert.Equal(t, types.GatingWindow, cfg.Targets[name].Gating, name)
	}
	assert.Equal(t, time.Second, cfg.Window.MinTTL)
	assert.Equal(t, time.Hour, cfg.Window.MaxTTL)
}

func TestLoadRequiresToken(t *testing.T) {
	_, err := Load("", env(nil))
	assert.ErrorContains(t, err, "VX11_TOKEN")
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "vx11.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: 0.0.0.0:9000
targets:
  switch:
    base_url: http://switch.internal:8002
    timeout: 10s
  hermes:
    gating: always_on
window:
  max_ttl: 30m
stream:
  heartbeat_interval: 2s
`), 0o600))

	cfg, err := Load(path, env(map[string]string{
		"VX11_TOKEN":          "tok",
		"VX11_SPAWNER_URL":    "http://spawner:9999",
		"VX11_EXPIRY_TICK":    "100ms",
		"VX11_HERMES_TIMEOUT": "5",
	}))
	require.NoError(t, err)

	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	sw := cfg.Targets[types.TargetSwitch]
	assert.Equal(t, "http://switch.internal:8002", sw.BaseURL)
	assert.Equal(t, 10*time.Second, sw.Timeout)
	assert.Equal(t, types.GatingWindow, sw.Gating, "gating kept from defaults")
	assert.Equal(t, types.GatingAlwaysOn, cfg.Targets[types.TargetHermes].Gating)
	assert.Equal(t, 5*time.Second, cfg.Targets[types.TargetHermes].Timeout)
	assert.Equal(t, "http://spawner:9999", cfg.Targets[types.TargetSpawner].BaseURL)
	assert.Equal(t, 30*time.Minute, cfg.Window.MaxTTL)
	assert.Equal(t, 100*time.Millisecond, cfg.Window.ExpiryTick)
	assert.Equal(t, 2*time.Second, cfg.Stream.HeartbeatInterval)
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"max ttl over an hour", func(c *Config) { c.Window.MaxTTL = 2 * time.Hour }, "max_ttl"},
		{"min ttl under a second", func(c *Config) { c.Window.MinTTL = 0 }, "min_ttl"},
		{"madre gated", func(c *Config) {
			m := c.Targets[types.TargetMadre]
			m.Gating = types.GatingWindow
			c.Targets[types.TargetMadre] = m
		}, "madre"},
		{"relative url", func(c *Config) {
			s := c.Targets[types.TargetSwitch]
			s.BaseURL = "switch:8002"
			c.Targets[types.TargetSwitch] = s
		}, "base_url"},
		{"bad gating", func(c *Config) {
			s := c.Targets[types.TargetSwitch]
			s.Gating = "sometimes"
			c.Targets[types.TargetSwitch] = s
		}, "gating"},
		{"bad signing key", func(c *Config) { c.SigningKey = "abc" }, "signing_key"},
		{"zero queue", func(c *Config) { c.Stream.QueueCapacity = 0 }, "queue_capacity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			cfg.Token = "tok"
			tt.mutate(cfg)
			assert.ErrorContains(t, cfg.Validate(), tt.want)
		})
	}
}

func TestSigningPrivateKey(t *testing.T) {
	cfg := Default()
	key, err := cfg.SigningPrivateKey()
	require.NoError(t, err)
	assert.Nil(t, key)

	cfg.SigningKey = base64.StdEncoding.EncodeToString(make([]byte, 32))
	key, err = cfg.SigningPrivateKey()
	require.NoError(t, err)
	assert.Len(t, key, 64)
}
