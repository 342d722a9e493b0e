package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envMap(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestApplyEnv(t *testing.T) {
	cfg := Defaults()
	err := cfg.applyEnv(envMap(map[string]string{
		"DOCSEAL_ADDR":              ":9090",
		"DOCSEAL_ANCHOR_BACKEND":    "redis",
		"DOCSEAL_ANCHOR_TIMEOUT":    "750ms",
		"DOCSEAL_FEATURE_UV":        "false",
		"REDIS_URL":                 "redis://localhost:6379/0",
		"KAFKA_BROKERS":             " a:9092, b:9092 ,a:9092,",
		"DOCSEAL_RATE_LIMIT_VERIFY": "30",
	}))
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.Addr)
	assert.Equal(t, "redis", cfg.Anchor.Backend)
	assert.Equal(t, 750*time.Millisecond, cfg.Anchor.Timeout)
	assert.False(t, cfg.Features.UVFeatures)
	assert.True(t, cfg.Features.Hologram)
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, 30, cfg.Limits.VerifyLimit)
	assert.Equal(t, time.Minute, cfg.Limits.Window)
	require.NoError(t, cfg.Validate())
}

func TestApplyEnv_InvalidValues(t *testing.T) {
	cfg := Defaults()
	err := cfg.applyEnv(envMap(map[string]string{
		"DOCSEAL_ANCHOR_TIMEOUT":   "soon",
		"DOCSEAL_FEATURE_HOLOGRAM": "maybe",
	}))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DOCSEAL_ANCHOR_TIMEOUT")
	assert.Contains(t, err.Error(), "DOCSEAL_FEATURE_HOLOGRAM")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "defaults are valid", mutate: func(*Config) {}},
		{name: "http needs url", mutate: func(c *Config) { c.Anchor.Backend = "http" }, wantErr: "DOCSEAL_ANCHOR_URL"},
		{name: "postgres needs dsn", mutate: func(c *Config) { c.Anchor.Backend = "postgres" }, wantErr: "DATABASE_URL"},
		{name: "unknown backend", mutate: func(c *Config) { c.Anchor.Backend = "ethereum" }, wantErr: "unknown anchor backend"},
		{name: "zero timeout", mutate: func(c *Config) { c.Anchor.Timeout = 0 }, wantErr: "timeout"},
		{name: "rate limit needs window", mutate: func(c *Config) { c.Limits.Window = 0 }, wantErr: "rate limit"},
		{name: "disabled rate limit ignores window", mutate: func(c *Config) { c.Limits = RateLimit{} }},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestMergeFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "docseal.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  issuer: "Home Affairs"
anchor:
  backend: badger
  badger_path: /var/lib/docseal/ledger
  timeout: 3s
features:
  uv_features: false
`), 0o600))

	cfg := Defaults()
	require.NoError(t, cfg.mergeFile(path))
	assert.Equal(t, "Home Affairs", cfg.Server.Issuer)
	assert.Equal(t, "badger", cfg.Anchor.Backend)
	assert.Equal(t, 3*time.Second, cfg.Anchor.Timeout)
	assert.False(t, cfg.Features.UVFeatures)
	assert.True(t, cfg.Features.Watermark, "unset keys keep defaults")
}
