package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Proxy.StartingPort != 8001 || cfg.Proxy.MaxPort != 9000 {
		t.Errorf("unexpected port range %d-%d", cfg.Proxy.StartingPort, cfg.Proxy.MaxPort)
	}
	if cfg.Pool.MaxRetry != 10 {
		t.Errorf("expected retry budget 10, got %d", cfg.Pool.MaxRetry)
	}
	if cfg.Fetch.Timeout != 10*time.Second {
		t.Errorf("expected 10s timeout, got %v", cfg.Fetch.Timeout)
	}
	if cfg.Pool.QueueSize != cfg.Pool.Workers*2 {
		t.Errorf("expected queue size %d, got %d", cfg.Pool.Workers*2, cfg.Pool.QueueSize)
	}
}

func TestLoadFileThenEnv(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "harvester.yaml")
	yamlDoc := `
proxy:
  host: proxy.example.net
  username: alice
  starting_port: 10000
  max_port: 10010
pool:
  workers: 4
  backoff_initial: 50ms
store:
  path: /tmp/out.db
`
	if err := os.WriteFile(path, []byte(yamlDoc), 0644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("PROXY_PASSWORD", "secret")
	t.Setenv("POOL_WORKERS", "8")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}

	if cfg.Proxy.Host != "proxy.example.net" {
		t.Errorf("host from file not applied: %q", cfg.Proxy.Host)
	}
	if cfg.Proxy.Password != "secret" {
		t.Errorf("password from env not applied")
	}
	if cfg.Pool.Workers != 8 {
		t.Errorf("env should override file, got workers=%d", cfg.Pool.Workers)
	}
	if cfg.Pool.BackoffInitial != 50*time.Millisecond {
		t.Errorf("expected 50ms backoff, got %v", cfg.Pool.BackoffInitial)
	}
	if cfg.Proxy.Scheme != "https" {
		t.Errorf("default scheme should survive a partial file, got %q", cfg.Proxy.Scheme)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"inverted ports", func(c *Config) { c.Proxy.StartingPort, c.Proxy.MaxPort = 9000, 8000 }},
		{"port out of range", func(c *Config) { c.Proxy.MaxPort = 70000 }},
		{"no workers", func(c *Config) { c.Pool.Workers = 0 }},
		{"no retries", func(c *Config) { c.Pool.MaxRetry = 0 }},
		{"postgres without dsn", func(c *Config) { c.Store.Backend = "postgres" }},
		{"unknown backend", func(c *Config) { c.Store.Backend = "mongo" }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(&cfg)
			if err := cfg.Validate(); !errors.Is(err, ErrInvalid) {
				t.Errorf("expected ErrInvalid, got %v", err)
			}
		})
	}

	if err := Default().Validate(); err != nil {
		t.Errorf("default config should be valid: %v", err)
	}
}
