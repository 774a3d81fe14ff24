package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	errs "github.com/AuroralH2020/auroral-node-agent/errors"
)

func withEnv(env map[string]string) func(string) (string, bool) {
	return func(k string) (string, bool) {
		v, ok := env[k]
		return v, ok
	}
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

func TestLoader_YAMLFile(t *testing.T) {
	path := writeFile(t, "agent.yaml", `
gateway:
  id: gtw-1
  password: secret
adapter:
  mode: proxy
  transport: nats
  use_mapping: true
wot:
  enabled: true
cache:
  remote_td_ttl: 90s
`)

	cfg, err := NewLoader().WithFile(path).Load()
	require.NoError(t, err)

	assert.Equal(t, "gtw-1", cfg.Gateway.ID)
	assert.Equal(t, ModeProxy, cfg.Adapter.Mode)
	assert.Equal(t, TransportNATS, cfg.Adapter.Transport)
	assert.True(t, cfg.Adapter.UseMapping)
	assert.Equal(t, 90*time.Second, cfg.Cache.RemoteTDTTL)
	// Untouched fields keep their defaults
	assert.Equal(t, 24*time.Hour, cfg.Cache.LocalTDTTL)
	assert.Equal(t, 10, cfg.Login.GatewayAttempts)
}

func TestLoader_JSONFile(t *testing.T) {
	path := writeFile(t, "agent.json", `{"gateway": {"id": "gtw-2", "password": "pw"}, "adapter": {"mode": "dummy"}}`)

	cfg, err := NewLoader().WithFile(path).Load()
	require.NoError(t, err)
	assert.Equal(t, "gtw-2", cfg.Gateway.ID)
	assert.Equal(t, ModeDummy, cfg.Adapter.Mode)
}

func TestLoader_EnvOverrides(t *testing.T) {
	l := NewLoader()
	l.lookupEnv = withEnv(map[string]string{
		"AGENT_GATEWAY_ID":       "gtw-env",
		"AGENT_GATEWAY_PASSWORD": "pw",
		"AGENT_ADAPTER_PORT":     "8080",
		"AGENT_USE_MAPPING":      "true",
		"AGENT_LOCAL_TD_TTL":     "120",
		"AGENT_PARTNERS":         "agent-a, agent-b,,",
	})

	cfg, err := l.Load()
	require.NoError(t, err)
	assert.Equal(t, "gtw-env", cfg.Gateway.ID)
	assert.Equal(t, 8080, cfg.Adapter.Port)
	assert.True(t, cfg.Adapter.UseMapping)
	assert.Equal(t, 2*time.Minute, cfg.Cache.LocalTDTTL)
	assert.Equal(t, []string{"agent-a", "agent-b"}, cfg.Discovery.Partners)
}

func TestLoader_BadEnvValue(t *testing.T) {
	l := NewLoader()
	l.lookupEnv = withEnv(map[string]string{"AGENT_ADAPTER_PORT": "eighty"})

	_, err := l.Load()
	require.Error(t, err)
	assert.True(t, errs.IsInvalid(err))
}

func TestLoader_RejectsUnsupportedFile(t *testing.T) {
	path := writeFile(t, "agent.toml", "x = 1")

	_, err := NewLoader().WithFile(path).Load()
	require.Error(t, err)
	assert.True(t, errs.IsInvalid(err))
}

func TestConfig_Validate(t *testing.T) {
	valid := func() *Config {
		cfg := Default()
		cfg.Gateway.ID = "gtw"
		cfg.Gateway.Password = "pw"
		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"defaults with credentials", func(*Config) {}, false},
		{"missing credentials", func(c *Config) { c.Gateway.Password = "" }, true},
		{"unknown mode", func(c *Config) { c.Adapter.Mode = "magic" }, true},
		{"unknown transport", func(c *Config) { c.Adapter.Transport = "carrier-pigeon" }, true},
		{"semantic without wot", func(c *Config) { c.Adapter.Mode = ModeSemantic }, true},
		{"semantic with wot", func(c *Config) { c.Adapter.Mode = ModeSemantic; c.WoT.Enabled = true }, false},
		{"zero ttl", func(c *Config) { c.Cache.RemoteTDTTL = 0 }, true},
		{"federation url without placeholder", func(c *Config) { c.Discovery.FederationURL = "http://x" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDiscoveryConfig_URLFor(t *testing.T) {
	d := Default().Discovery
	assert.Equal(t, "http://auroral-agent:4000/api/discovery/remote/semantic/agent-7", d.URLFor("agent-7"))
}

func TestParseDuration(t *testing.T) {
	d, err := ParseDuration("30")
	require.NoError(t, err)
	assert.Equal(t, 30*time.Second, d)

	d, err = ParseDuration("1m30s")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = ParseDuration("soon")
	assert.Error(t, err)
}
