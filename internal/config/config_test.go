package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultsAreValid(t *testing.T) {
	if err := Defaults().Validate(); err != nil {
		t.Fatalf("defaults should validate: %v", err)
	}
}

func TestDSN(t *testing.T) {
	d := DatabaseConfig{
		Host: "db", Port: 5433, User: "zl", Password: "p@ss", DBName: "music", SSLMode: "require",
	}
	want := "postgres://zl:p%40ss@db:5433/music?sslmode=require"
	if got := d.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{"ok", func(c *Config) {}, ""},
		{"auth without key", func(c *Config) { c.Auth.Enabled = true }, "auth.api_key"},
		{"auth with key", func(c *Config) { c.Auth.Enabled = true; c.Auth.APIKey = "k" }, ""},
		{"bad policy", func(c *Config) { c.Refresh.Policy = "retry" }, "Refresh.Policy"},
		{"zero attempts", func(c *Config) { c.Refresh.RetryAttempts = 0 }, "Refresh.RetryAttempts"},
		{"max delay below delay", func(c *Config) { c.Refresh.MaxRetryDelay = time.Millisecond }, "Refresh.MaxRetryDelay"},
		{"empty content column", func(c *Config) { c.Engagement.ContentColumn = "" }, "Engagement.ContentColumn"},
		{"optional engagement columns may be empty", func(c *Config) {
			c.Engagement.RegionColumn = ""
			c.Engagement.StreamingHoursColumn = ""
		}, ""},
		{"clickhouse without addr", func(c *Config) { c.Source.Kind = SourceClickHouse }, "clickhouse.addr"},
		{"clickhouse with addr", func(c *Config) {
			c.Source.Kind = SourceClickHouse
			c.ClickHouse.Addr = []string{"localhost:9000"}
		}, ""},
		{"min conns above max", func(c *Config) { c.Database.MinConns = 50 }, "min_conns"},
		{"bad log level", func(c *Config) { c.Log.Level = "trace" }, "Log.Level"},
		{"redis enabled without addr", func(c *Config) {
			c.Redis.Enabled = true
			c.Redis.Addr = ""
		}, "Redis.Addr"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Defaults()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("unexpected error: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error containing %q", tt.wantErr)
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error %q does not mention %q", err, tt.wantErr)
			}
		})
	}
}

func TestLoadFrom_Layering(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "ziplisten.yaml")
	yaml := `
database:
  host: pg.internal
  port: 6432
refresh:
  policy: stop
  schedule: "@hourly"
cors:
  allowed_origins:
    - https://dash.example
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}

	t.Setenv("ZIPLISTEN_DB_PORT", "7432")
	t.Setenv("ZIPLISTEN_REFRESH_RETRY_DELAY", "250ms")
	t.Setenv("ZIPLISTEN_REFRESH_PARALLEL", "true")
	t.Setenv("ZIPLISTEN_AUTH_SKIP_PATHS", "/health, /metrics ,/api/dashboard/summary")
	t.Setenv("ZIPLISTEN_NOT_A_SETTING", "ignored")

	cfg, err := LoadFrom(path)
	if err != nil {
		t.Fatalf("LoadFrom: %v", err)
	}

	if cfg.Database.Host != "pg.internal" {
		t.Errorf("file value lost: host = %q", cfg.Database.Host)
	}
	if cfg.Database.Port != 7432 {
		t.Errorf("env should beat file: port = %d", cfg.Database.Port)
	}
	if cfg.Database.User != "ziplisten" {
		t.Errorf("default lost: user = %q", cfg.Database.User)
	}
	if cfg.Refresh.Policy != PolicyStop || cfg.Refresh.Schedule != "@hourly" {
		t.Errorf("refresh = %+v", cfg.Refresh)
	}
	if cfg.Refresh.RetryDelay != 250*time.Millisecond {
		t.Errorf("retry delay = %v", cfg.Refresh.RetryDelay)
	}
	if !cfg.Refresh.Parallel {
		t.Error("parallel should be true")
	}
	if len(cfg.CORS.AllowedOrigins) != 1 || cfg.CORS.AllowedOrigins[0] != "https://dash.example" {
		t.Errorf("cors origins = %v", cfg.CORS.AllowedOrigins)
	}
	want := []string{"/health", "/metrics", "/api/dashboard/summary"}
	if strings.Join(cfg.Auth.SkipPaths, "|") != strings.Join(want, "|") {
		t.Errorf("skip paths = %v, want %v", cfg.Auth.SkipPaths, want)
	}
}

func TestLoadFrom_InvalidFails(t *testing.T) {
	t.Setenv("ZIPLISTEN_REFRESH_POLICY", "sometimes")
	if _, err := LoadFrom(""); err == nil {
		t.Fatal("expected validation error")
	}
}
