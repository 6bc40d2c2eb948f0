package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(viper.New())
	require.NoError(t, err)

	d := Defaults()
	assert.Equal(t, d.ListenAddr, cfg.ListenAddr)
	assert.Equal(t, d.Store.Type, cfg.Store.Type)
	assert.Equal(t, d.Guardian, cfg.Guardian)
	assert.Equal(t, d.Command, cfg.Command)
	assert.Equal(t, d.Log, cfg.Log)
	assert.Empty(t, cfg.API.KeyHashes)
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
listen_addr: 0.0.0.0:9000
store:
  type: memory
guardian:
  verify_timeout: 45s
  max_auto_fixes: 5
command:
  allow: [go]
`), 0644))

	t.Setenv("GUARDIAN_LOG_LEVEL", "debug")

	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("guardian")
	v.SetEnvKeyReplacer(EnvKeyReplacer)
	v.AutomaticEnv()
	require.NoError(t, v.ReadInConfig())

	cfg, err := Load(v)
	require.NoError(t, err)
	assert.Equal(t, "0.0.0.0:9000", cfg.ListenAddr)
	assert.Equal(t, "memory", cfg.Store.Type)
	assert.Equal(t, 45*time.Second, cfg.Guardian.VerifyTimeout)
	assert.Equal(t, []string{"go"}, cfg.Command.Allow)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, 5, cfg.Guardian.MaxAutoFixes)
	assert.Equal(t, 2, cfg.Guardian.RestartRetries, "unset keys keep defaults")
	assert.Equal(t, 10*time.Minute, cfg.Guardian.AutoFixWindow)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"empty listen addr", func(c *Config) { c.ListenAddr = "" }},
		{"zero verify timeout", func(c *Config) { c.Guardian.VerifyTimeout = 0 }},
		{"negative retries", func(c *Config) { c.Guardian.RestartRetries = -1 }},
		{"no auto fixes", func(c *Config) { c.Guardian.MaxAutoFixes = 0 }},
		{"zero auto fix window", func(c *Config) { c.Guardian.AutoFixWindow = 0 }},
		{"bad log format", func(c *Config) { c.Log.Format = "xml" }},
		{"no graph id", func(c *Config) { c.Guardian.GraphID = "" }},
		{"tls key without cert", func(c *Config) { c.API.TLS.KeyFile = "guardian.key" }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
