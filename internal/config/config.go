package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"
)

// Config is the daemon configuration: walletsync.yaml overlaid with
// environment variables.
type Config struct {
	Service   ServiceConfig   `yaml:"service"`
	Reconcile ReconcileConfig `yaml:"reconcile"`
	Connect   ConnectConfig   `yaml:"connect"`
	Storage   StorageConfig   `yaml:"storage"`
	Providers ProvidersConfig `yaml:"providers"`
	Log       LogConfig       `yaml:"log"`
}

type ServiceConfig struct {
	HTTPPort int `yaml:"http_port"`
	// HMACSecret signs POST requests. Empty disables signature checks.
	HMACSecret      string        `yaml:"hmac_secret"`
	HMACClockSkew   time.Duration `yaml:"hmac_clock_skew"`
	RateLimit       float64       `yaml:"rate_limit"`
	RateBurst       int           `yaml:"rate_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

type ReconcileConfig struct {
	Interval     time.Duration `yaml:"interval"`
	Debounce     time.Duration `yaml:"debounce"`
	ProbeTimeout time.Duration `yaml:"probe_timeout"`
}

type ConnectConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Interval    time.Duration `yaml:"interval"`
}

const (
	DriverMemory   = "memory"
	DriverFile     = "file"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

type StorageConfig struct {
	Driver string `yaml:"driver"`
	// Path is the directory for the file driver and the database file for
	// sqlite.
	Path string `yaml:"path"`
	DSN  string `yaml:"dsn"`
}

type ProvidersConfig struct {
	Network string `yaml:"network"`
	RPCURL  string `yaml:"rpc_url"`
	// ChainID is used when no RPC URL is configured.
	ChainID uint64 `yaml:"chain_id"`
	AppName string `yaml:"app_name"`
	AppIcon string `yaml:"app_icon"`
}

type LogConfig struct {
	Level string `yaml:"level"`
}

const defaultPath = "walletsync.yaml"

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Service: ServiceConfig{
			HTTPPort:        3000,
			HMACClockSkew:   60 * time.Second,
			RateLimit:       5,
			RateBurst:       10,
			ShutdownTimeout: 10 * time.Second,
		},
		Reconcile: ReconcileConfig{
			Interval:     500 * time.Millisecond,
			Debounce:     100 * time.Millisecond,
			ProbeTimeout: 2 * time.Second,
		},
		Connect: ConnectConfig{
			MaxAttempts: 5,
			Interval:    300 * time.Millisecond,
		},
		Storage: StorageConfig{
			Driver: DriverFile,
			Path:   filepath.Join(os.TempDir(), "walletsync"),
		},
		Providers: ProvidersConfig{
			Network: "mainnet",
			ChainID: 1,
			AppName: "walletsync",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads path (or $WALLETSYNC_CONFIG, or ./walletsync.yaml), applies
// environment overrides and validates the result. A missing file leaves the
// defaults in place.
func Load(path string) (*Config, error) {
	if path == "" {
		path = envOr("WALLETSYNC_CONFIG", defaultPath)
	}

	cfg := Default()
	raw, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Service.HTTPPort = envOrInt("API_HTTP_PORT", c.Service.HTTPPort)
	c.Service.HMACSecret = envOr("HMAC_SECRET", c.Service.HMACSecret)
	c.Service.HMACClockSkew = envOrDuration("HMAC_CLOCK_SKEW_SECONDS", time.Second, c.Service.HMACClockSkew)

	c.Reconcile.Interval = envOrDuration("RECONCILE_INTERVAL_MS", time.Millisecond, c.Reconcile.Interval)
	c.Reconcile.Debounce = envOrDuration("RECONCILE_DEBOUNCE_MS", time.Millisecond, c.Reconcile.Debounce)

	c.Connect.MaxAttempts = envOrInt("CONNECT_MAX_ATTEMPTS", c.Connect.MaxAttempts)
	c.Connect.Interval = envOrDuration("CONNECT_INTERVAL_MS", time.Millisecond, c.Connect.Interval)

	c.Storage.Driver = envOr("STORAGE_DRIVER", c.Storage.Driver)
	c.Storage.Path = envOr("STORAGE_PATH", c.Storage.Path)
	c.Storage.DSN = envOr("DATABASE_URL", c.Storage.DSN)

	c.Providers.Network = envOr("WALLET_NETWORK", c.Providers.Network)
	c.Providers.RPCURL = envOr("CHAIN_RPC_URL", c.Providers.RPCURL)
	c.Providers.ChainID = envOrUint("CHAIN_ID", c.Providers.ChainID)
	c.Providers.AppName = envOr("APP_NAME", c.Providers.AppName)
	c.Providers.AppIcon = envOr("APP_ICON", c.Providers.AppIcon)

	c.Log.Level = envOr("LOG_LEVEL", c.Log.Level)
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	var errs []error
	if c.Service.HTTPPort <= 0 || c.Service.HTTPPort > 65535 {
		errs = append(errs, fmt.Errorf("service.http_port %d out of range", c.Service.HTTPPort))
	}
	if c.Service.RateLimit < 0 || c.Service.RateBurst < 0 {
		errs = append(errs, errors.New("service rate limits must not be negative"))
	}
	if c.Reconcile.Interval <= 0 {
		errs = append(errs, errors.New("reconcile.interval must be positive"))
	}
	if c.Reconcile.Debounce <= 0 {
		errs = append(errs, errors.New("reconcile.debounce must be positive"))
	}
	if c.Connect.MaxAttempts < 1 {
		errs = append(errs, errors.New("connect.max_attempts must be at least 1"))
	}
	if c.Connect.Interval <= 0 {
		errs = append(errs, errors.New("connect.interval must be positive"))
	}

	switch c.Storage.Driver {
	case DriverMemory:
	case DriverFile, DriverSQLite:
		if c.Storage.Path == "" {
			errs = append(errs, fmt.Errorf("storage.path is required for the %s driver", c.Storage.Driver))
		}
	case DriverPostgres:
		if c.Storage.DSN == "" {
			errs = append(errs, errors.New("storage.dsn is required for the postgres driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage.driver %q", c.Storage.Driver))
	}

	if c.Providers.Network != "mainnet" && c.Providers.Network != "testnet" {
		errs = append(errs, fmt.Errorf("providers.network must be mainnet or testnet, got %q", c.Providers.Network))
	}
	if c.Providers.RPCURL == "" && c.Providers.ChainID == 0 {
		errs = append(errs, errors.New("providers.chain_id must be positive when no rpc_url is set"))
	}
	if _, err := c.LogLevel(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return fmt.Errorf("invalid config: %w", errors.Join(errs...))
	}
	return nil
}

func (c *Config) LogLevel() (zapcore.Level, error) {
	lvl, err := zapcore.ParseLevel(c.Log.Level)
	if err != nil {
		return zapcore.InfoLevel, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

func envOr(key, fallback string) string {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		return val
	}
	return fallback
}

func envOrInt(key string, fallback int) int {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return fallback
}

// envOrUint ignores values that are not positive integers.
func envOrUint(key string, fallback uint64) uint64 {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.ParseUint(val, 10, 64); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

// envOrDuration reads an integer count of unit.
func envOrDuration(key string, unit, fallback time.Duration) time.Duration {
	if val, ok := os.LookupEnv(key); ok && val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return time.Duration(parsed) * unit
		}
	}
	return fallback
}
