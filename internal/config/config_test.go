package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig(t *testing.T) Config {
	t.Helper()
	t.Setenv("BELIEF_MARKET_SERVER_JWT_SECRET", "0123456789abcdef0123456789abcdef")
	t.Setenv("BELIEF_MARKET_LEDGER_AUTHORITY_SEED", "00")
	cfg, err := Load("", true)
	require.NoError(t, err)
	return cfg
}

func TestLoadDefaults(t *testing.T) {
	cfg := validConfig(t)
	assert.Equal(t, ":4000", cfg.Server.HTTPAddr)
	assert.Equal(t, "local", cfg.Lock.Backend)
	assert.Equal(t, 30*time.Second, cfg.Ledger.Timeout)
	assert.Equal(t, time.Hour, cfg.Settlement.MinInterval)
	assert.Equal(t, 1.0, cfg.Curve.Lambda)
	assert.Equal(t, 0.5, cfg.Curve.Beta)
	assert.Equal(t, 64, cfg.Estimator.MaxIterations)
	require.NoError(t, cfg.Validate())
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
server:
  http_addr: ":9000"
  jwt_secret: "from-file-from-file-from-file-xx"
lock:
  backend: redis
curve:
  lambda: 2
`), 0o600))
	t.Setenv("BELIEF_MARKET_SERVER_HTTP_ADDR", ":9100")

	cfg, err := Load(path, false)
	require.NoError(t, err)
	assert.Equal(t, ":9100", cfg.Server.HTTPAddr)
	assert.Equal(t, "redis", cfg.Lock.Backend)
	assert.Equal(t, 2.0, cfg.Curve.Lambda)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), false)
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"short secret", func(c *Config) { c.Server.JWTSecret = "short" }, "jwt_secret"},
		{"unknown lock", func(c *Config) { c.Lock.Backend = "etcd" }, "lock.backend"},
		{"postgres lock without dsn", func(c *Config) { c.Lock.Backend = "postgres" }, "requires db.dsn"},
		{"no authority", func(c *Config) { c.Ledger.AuthoritySeed = "" }, "authority_seed"},
		{"bad beta", func(c *Config) { c.Curve.Beta = 2 }, "beta"},
		{"zero tolerance", func(c *Config) { c.Estimator.Tolerance = 0 }, "tolerance"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validConfig(t)
			tt.mutate(&cfg)
			err := cfg.Validate()
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
