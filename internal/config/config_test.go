package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "walletsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, 500*time.Millisecond, cfg.Reconcile.Interval)
	assert.Equal(t, 100*time.Millisecond, cfg.Reconcile.Debounce)
	assert.Equal(t, 5, cfg.Connect.MaxAttempts)
	assert.Equal(t, 300*time.Millisecond, cfg.Connect.Interval)
	assert.Equal(t, DriverFile, cfg.Storage.Driver)
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
service:
  http_port: 8088
  hmac_secret: s3cret
reconcile:
  interval: 2s
connect:
  max_attempts: 8
  interval: 250ms
storage:
  driver: sqlite
  path: /var/lib/walletsync/kv.db
providers:
  network: testnet
  rpc_url: https://mainnet.base.org
  app_name: StackMart
log:
  level: debug
`)
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 8088, cfg.Service.HTTPPort)
	assert.Equal(t, "s3cret", cfg.Service.HMACSecret)
	assert.Equal(t, 2*time.Second, cfg.Reconcile.Interval)
	assert.Equal(t, 100*time.Millisecond, cfg.Reconcile.Debounce, "unset keys keep defaults")
	assert.Equal(t, 8, cfg.Connect.MaxAttempts)
	assert.Equal(t, 250*time.Millisecond, cfg.Connect.Interval)
	assert.Equal(t, DriverSQLite, cfg.Storage.Driver)
	assert.Equal(t, "testnet", cfg.Providers.Network)
	assert.Equal(t, "StackMart", cfg.Providers.AppName)

	lvl, err := cfg.LogLevel()
	require.NoError(t, err)
	assert.Equal(t, zapcore.DebugLevel, lvl)
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "service:\n  http_port: 8088\n")
	t.Setenv("API_HTTP_PORT", "9090")
	t.Setenv("CONNECT_MAX_ATTEMPTS", "3")
	t.Setenv("CONNECT_INTERVAL_MS", "1000")
	t.Setenv("STORAGE_DRIVER", "postgres")
	t.Setenv("DATABASE_URL", "postgres://localhost/walletsync")
	t.Setenv("RECONCILE_INTERVAL_MS", "not-a-number")

	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Service.HTTPPort)
	assert.Equal(t, 3, cfg.Connect.MaxAttempts)
	assert.Equal(t, time.Second, cfg.Connect.Interval)
	assert.Equal(t, DriverPostgres, cfg.Storage.Driver)
	assert.Equal(t, 500*time.Millisecond, cfg.Reconcile.Interval, "unparsable override is ignored")
}

func TestValidate(t *testing.T) {
	cases := map[string]func(*Config){
		"zero attempts":     func(c *Config) { c.Connect.MaxAttempts = 0 },
		"negative interval": func(c *Config) { c.Reconcile.Interval = -time.Second },
		"unknown driver":    func(c *Config) { c.Storage.Driver = "redis" },
		"postgres sans dsn": func(c *Config) { c.Storage.Driver = DriverPostgres },
		"bad network":       func(c *Config) { c.Providers.Network = "devnet" },
		"bad level":         func(c *Config) { c.Log.Level = "loud" },
		"port":              func(c *Config) { c.Service.HTTPPort = 70000 },
		"no chain source":   func(c *Config) { c.Providers.ChainID = 0 },
	}
	for name, mutate := range cases {
		t.Run(name, func(t *testing.T) {
			cfg := Default()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
	assert.NoError(t, Default().Validate())
}

func TestChainIDOverride(t *testing.T) {
	path := writeConfig(t, "providers:\n  chain_id: 8453\n")

	t.Setenv("CHAIN_ID", "-1")
	cfg, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(8453), cfg.Providers.ChainID, "negative id is ignored")

	t.Setenv("CHAIN_ID", "0")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(8453), cfg.Providers.ChainID)

	t.Setenv("CHAIN_ID", "137")
	cfg, err = Load(path)
	require.NoError(t, err)
	assert.Equal(t, uint64(137), cfg.Providers.ChainID)

	t.Setenv("CHAIN_ID", "")
	_, err = Load(writeConfig(t, "providers:\n  chain_id: 0\n"))
	assert.Error(t, err, "zero chain id without an rpc url")

	cfg, err = Load(writeConfig(t, "providers:\n  chain_id: 0\n  rpc_url: https://mainnet.base.org\n"))
	require.NoError(t, err)
	assert.Zero(t, cfg.Providers.ChainID)
}

func TestMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "service: [unterminated"))
	assert.Error(t, err)
}
