package config

import (
	"errors"
	"fmt"
	"log"
	"net/url"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// ErrInvalid is returned when the loaded configuration fails validation.
var ErrInvalid = errors.New("invalid configuration")

type Config struct {
	Proxy    ProxyConfig    `yaml:"proxy"`
	Fetch    FetchConfig    `yaml:"fetch"`
	Pool     PoolConfig     `yaml:"pool"`
	Store    StoreConfig    `yaml:"store"`
	Source   SourceConfig   `yaml:"source"`
	Progress ProgressConfig `yaml:"progress"`
	ErrorLog ErrorLogConfig `yaml:"error_log"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Log      LogConfig      `yaml:"log"`
}

// ProxyConfig describes the rotating outbound proxy pool.
// An empty Host disables proxying.
type ProxyConfig struct {
	Scheme       string `yaml:"scheme"`
	Host         string `yaml:"host"`
	Username     string `yaml:"username"`
	Password     string `yaml:"password"`
	UserPrefix   string `yaml:"user_prefix"`
	StartingPort int    `yaml:"starting_port"`
	MaxPort      int    `yaml:"max_port"`
	Spread       int    `yaml:"spread"`
}

type FetchConfig struct {
	Timeout      time.Duration `yaml:"timeout"`
	UserAgent    string        `yaml:"user_agent"`
	BaseURL      string        `yaml:"base_url"`
	MaxBodyBytes int64         `yaml:"max_body_bytes"`
	ChromeTLS    bool          `yaml:"chrome_tls"`
	RatePerSec   float64       `yaml:"rate_per_sec"`
	Burst        int           `yaml:"burst"`
}

type PoolConfig struct {
	Workers        int           `yaml:"workers"`
	QueueSize      int           `yaml:"queue_size"`
	MaxRetry       int           `yaml:"max_retry"`
	BackoffInitial time.Duration `yaml:"backoff_initial"`
	BackoffMax     time.Duration `yaml:"backoff_max"`
}

type StoreConfig struct {
	Backend     string `yaml:"backend"` // "sqlite" | "postgres"
	Path        string `yaml:"path"`
	Table       string `yaml:"table"`
	PostgresDSN string `yaml:"postgres_dsn"`
}

type SourceConfig struct {
	Path      string `yaml:"path"`
	Table     string `yaml:"table"`
	URLColumn string `yaml:"url_column"`
}

type ProgressConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Location string `yaml:"location"` // directory or bucket URL
	Key      string `yaml:"key"`
}

type ErrorLogConfig struct {
	Path string `yaml:"path"`
}

type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Address   string `yaml:"address"`
	Namespace string `yaml:"namespace"`
}

type LogConfig struct {
	Format string `yaml:"format"`
	Level  string `yaml:"level"`
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 " +
	"(KHTML, like Gecko) Chrome/114.0.0.0 Safari/537.36"

// Default returns the configuration used when neither a file nor the
// environment says otherwise.
func Default() Config {
	return Config{
		Proxy: ProxyConfig{
			Scheme:       "https",
			UserPrefix:   "user-",
			StartingPort: 8001,
			MaxPort:      9000,
			Spread:       100,
		},
		Fetch: FetchConfig{
			Timeout:      10 * time.Second,
			UserAgent:    defaultUserAgent,
			BaseURL:      "https://www.laptoparena.net",
			MaxBodyBytes: 10 * 1024 * 1024,
			Burst:        1,
		},
		Pool: PoolConfig{
			Workers:        100,
			MaxRetry:       10,
			BackoffInitial: 200 * time.Millisecond,
			BackoffMax:     5 * time.Second,
		},
		Store: StoreConfig{
			Backend: "sqlite",
			Path:    "products.db",
			Table:   "products",
		},
		Source: SourceConfig{
			Path:      "Models.db",
			Table:     "models_urls",
			URLColumn: "url",
		},
		Progress: ProgressConfig{
			Enabled:  true,
			Location: ".",
			Key:      "progress.json",
		},
		ErrorLog: ErrorLogConfig{
			Path: "error_log.txt",
		},
		Metrics: MetricsConfig{
			Address:   ":9090",
			Namespace: "catalog_harvester",
		},
		Log: LogConfig{
			Format: "text",
			Level:  "info",
		},
	}
}

// MustLoad reads CONFIG_FILE (if set), applies environment overrides and
// validates the result. Any failure is fatal.
func MustLoad() Config {
	log.Println("[config] loading")

	cfg, err := Load(os.Getenv("CONFIG_FILE"))
	if err != nil {
		log.Fatalf("[config] %v", err)
	}
	return cfg
}

// Load builds a Config from defaults, an optional YAML file and the
// environment, in that order of precedence (lowest first).
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file %s: %w", path, err)
		}
	}

	applyEnv(&cfg)

	if cfg.Pool.QueueSize < 1 {
		cfg.Pool.QueueSize = cfg.Pool.Workers * 2
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Proxy.Scheme = getenvDefault("PROXY_SCHEME", cfg.Proxy.Scheme)
	cfg.Proxy.Host = getenvDefault("PROXY_HOST", cfg.Proxy.Host)
	cfg.Proxy.Username = getenvDefault("PROXY_USERNAME", cfg.Proxy.Username)
	cfg.Proxy.Password = getenvDefault("PROXY_PASSWORD", cfg.Proxy.Password)
	cfg.Proxy.UserPrefix = getenvDefault("PROXY_USER_PREFIX", cfg.Proxy.UserPrefix)
	cfg.Proxy.StartingPort = getenvInt("PROXY_STARTING_PORT", cfg.Proxy.StartingPort)
	cfg.Proxy.MaxPort = getenvInt("PROXY_MAX_PORT", cfg.Proxy.MaxPort)
	cfg.Proxy.Spread = getenvInt("PROXY_SPREAD", cfg.Proxy.Spread)

	cfg.Fetch.Timeout = getenvDuration("FETCH_TIMEOUT", cfg.Fetch.Timeout)
	cfg.Fetch.UserAgent = getenvDefault("FETCH_USER_AGENT", cfg.Fetch.UserAgent)
	cfg.Fetch.BaseURL = getenvDefault("FETCH_BASE_URL", cfg.Fetch.BaseURL)
	cfg.Fetch.ChromeTLS = getenvBool("FETCH_CHROME_TLS", cfg.Fetch.ChromeTLS)
	cfg.Fetch.RatePerSec = getenvFloat("FETCH_RATE_PER_SEC", cfg.Fetch.RatePerSec)
	cfg.Fetch.Burst = getenvInt("FETCH_BURST", cfg.Fetch.Burst)

	cfg.Pool.Workers = getenvInt("POOL_WORKERS", cfg.Pool.Workers)
	cfg.Pool.QueueSize = getenvInt("POOL_QUEUE_SIZE", cfg.Pool.QueueSize)
	cfg.Pool.MaxRetry = getenvInt("POOL_MAX_RETRY", cfg.Pool.MaxRetry)
	cfg.Pool.BackoffInitial = getenvDuration("POOL_BACKOFF_INITIAL", cfg.Pool.BackoffInitial)
	cfg.Pool.BackoffMax = getenvDuration("POOL_BACKOFF_MAX", cfg.Pool.BackoffMax)

	cfg.Store.Backend = getenvDefault("STORE_BACKEND", cfg.Store.Backend)
	cfg.Store.Path = getenvDefault("STORE_PATH", cfg.Store.Path)
	cfg.Store.Table = getenvDefault("STORE_TABLE", cfg.Store.Table)
	cfg.Store.PostgresDSN = getenvDefault("STORE_POSTGRES_DSN", cfg.Store.PostgresDSN)

	cfg.Source.Path = getenvDefault("SOURCE_PATH", cfg.Source.Path)
	cfg.Source.Table = getenvDefault("SOURCE_TABLE", cfg.Source.Table)
	cfg.Source.URLColumn = getenvDefault("SOURCE_URL_COLUMN", cfg.Source.URLColumn)

	cfg.Progress.Enabled = getenvBool("PROGRESS_ENABLED", cfg.Progress.Enabled)
	cfg.Progress.Location = getenvDefault("PROGRESS_LOCATION", cfg.Progress.Location)
	cfg.Progress.Key = getenvDefault("PROGRESS_KEY", cfg.Progress.Key)

	cfg.ErrorLog.Path = getenvDefault("ERROR_LOG_PATH", cfg.ErrorLog.Path)

	cfg.Metrics.Enabled = getenvBool("METRICS_ENABLED", cfg.Metrics.Enabled)
	cfg.Metrics.Address = getenvDefault("METRICS_ADDRESS", cfg.Metrics.Address)
	cfg.Metrics.Namespace = getenvDefault("METRICS_NAMESPACE", cfg.Metrics.Namespace)

	cfg.Log.Format = getenvDefault("LOG_FORMAT", cfg.Log.Format)
	cfg.Log.Level = getenvDefault("LOG_LEVEL", cfg.Log.Level)
}

// Validate checks the invariants the pipeline relies on.
func (c Config) Validate() error {
	if c.Proxy.StartingPort < 1 || c.Proxy.MaxPort > 65535 {
		return fmt.Errorf("%w: proxy ports must be within 1-65535", ErrInvalid)
	}
	if c.Proxy.StartingPort > c.Proxy.MaxPort {
		return fmt.Errorf("%w: starting_port %d exceeds max_port %d",
			ErrInvalid, c.Proxy.StartingPort, c.Proxy.MaxPort)
	}
	if c.Pool.Workers < 1 {
		return fmt.Errorf("%w: pool.workers must be at least 1", ErrInvalid)
	}
	if c.Pool.MaxRetry < 1 {
		return fmt.Errorf("%w: pool.max_retry must be at least 1", ErrInvalid)
	}
	if c.Fetch.Timeout <= 0 {
		return fmt.Errorf("%w: fetch.timeout must be positive", ErrInvalid)
	}
	if _, err := url.Parse(c.Fetch.BaseURL); err != nil {
		return fmt.Errorf("%w: fetch.base_url: %v", ErrInvalid, err)
	}
	switch c.Store.Backend {
	case "sqlite":
		if c.Store.Path == "" {
			return fmt.Errorf("%w: store.path required for sqlite backend", ErrInvalid)
		}
	case "postgres":
		if c.Store.PostgresDSN == "" {
			return fmt.Errorf("%w: store.postgres_dsn required for postgres backend", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: unknown store backend %q", ErrInvalid, c.Store.Backend)
	}
	return nil
}

func getenvDefault(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getenvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			return parsed
		}
	}
	return def
}

func getenvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}

func getenvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseBool(v); err == nil {
			return parsed
		}
	}
	return def
}

func getenvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if parsed, err := time.ParseDuration(v); err == nil {
			return parsed
		}
	}
	return def
}
