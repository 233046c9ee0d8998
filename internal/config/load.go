package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// PathEnvVar overrides the config file location.
const PathEnvVar = "ZIPLISTEN_CONFIG"

// DefaultPaths are searched in order when PathEnvVar is unset.
var DefaultPaths = []string{
	"ziplisten.yaml",
	"ziplisten.yml",
	"/etc/ziplisten/config.yaml",
}

const envPrefix = "ZIPLISTEN_"

// Defaults returns the configuration used when neither a file nor the
// environment sets a value.
func Defaults() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			Env:             "development",
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:     "localhost",
			Port:     5432,
			User:     "ziplisten",
			Password: "ziplisten",
			DBName:   "ziplisten",
			SSLMode:  "disable",
			MaxConns: 10,
			MinConns: 2,
		},
		Redis: RedisConfig{
			Enabled: false,
			Addr:    "localhost:6379",
		},
		ClickHouse: ClickHouseConfig{
			Database:    "default",
			Username:    "default",
			DialTimeout: 10 * time.Second,
		},
		Source: SourceConfig{Kind: SourcePostgres},
		Auth: AuthConfig{
			Enabled:   false,
			SkipPaths: []string{"/health", "/metrics"},
		},
		RateLimit: RateLimitConfig{
			Enabled: true,
			RPS:     50,
			Burst:   100,
		},
		CORS: CORSConfig{AllowedOrigins: []string{"*"}},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Refresh: RefreshConfig{
			Policy:         PolicyContinue,
			Parallel:       false,
			RetryAttempts:  3,
			RetryDelay:     time.Second,
			MaxRetryDelay:  30 * time.Second,
			BuilderTimeout: 10 * time.Minute,
			LockTTL:        30 * time.Minute,
		},
		Engagement: EngagementConfig{
			ContentColumn:         "content_key",
			RegionColumn:          "region_name",
			PlayCountColumn:       "play_count",
			UniqueListenersColumn: "unique_listeners",
			StreamingHoursColumn:  "streaming_hours",
		},
		Cache: CacheConfig{DashboardTTL: 5 * time.Minute},
		Enrich: EnrichConfig{
			BaseURL:       "https://musicbrainz.org",
			UserAgent:     "ziplisten/1.0 (ops@sunflower-analytics.example)",
			RPS:           1,
			Timeout:       10 * time.Second,
			RetryAttempts: 3,
			RetryDelay:    2 * time.Second,
		},
	}
}

// Load layers defaults, an optional YAML file and ZIPLISTEN_* environment
// variables, in that order of increasing priority, then validates the result.
func Load() (*Config, error) {
	return LoadFrom(findConfigFile())
}

// LoadFrom is Load with an explicit config file path. An empty path skips the
// file layer.
func LoadFrom(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Defaults(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("failed to load defaults: %w", err)
	}

	if path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
	}

	if err := k.Load(env.Provider(envPrefix, ".", envToKey), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment variables: %w", err)
	}

	if err := splitSliceFields(k); err != nil {
		return nil, err
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal configuration: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}
	return cfg, nil
}

func findConfigFile() string {
	if p := os.Getenv(PathEnvVar); p != "" {
		return p
	}
	for _, p := range DefaultPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// envKeys maps ZIPLISTEN_* suffixes (lowercased) to config paths. Unlisted
// variables are ignored.
var envKeys = map[string]string{
	"http_addr":        "server.addr",
	"env":              "server.env",
	"read_timeout":     "server.read_timeout",
	"write_timeout":    "server.write_timeout",
	"shutdown_timeout": "server.shutdown_timeout",

	"db_host":      "database.host",
	"db_port":      "database.port",
	"db_user":      "database.user",
	"db_password":  "database.password",
	"db_name":      "database.name",
	"db_sslmode":   "database.sslmode",
	"db_max_conns": "database.max_conns",
	"db_min_conns": "database.min_conns",

	"redis_enabled":  "redis.enabled",
	"redis_addr":     "redis.addr",
	"redis_password": "redis.password",
	"redis_db":       "redis.db",

	"clickhouse_addr":     "clickhouse.addr",
	"clickhouse_database": "clickhouse.database",
	"clickhouse_username": "clickhouse.username",
	"clickhouse_password": "clickhouse.password",
	"source_kind":         "source.kind",

	"auth_enabled":    "auth.enabled",
	"api_key":         "auth.api_key",
	"auth_skip_paths": "auth.skip_paths",

	"rate_limit_enabled": "rate_limit.enabled",
	"rate_limit_rps":     "rate_limit.rps",
	"rate_limit_burst":   "rate_limit.burst",
	"cors_origins":       "cors.allowed_origins",

	"log_level":       "log.level",
	"log_format":      "log.format",
	"metrics_enabled": "metrics.enabled",
	"metrics_path":    "metrics.path",

	"refresh_policy":          "refresh.policy",
	"refresh_parallel":        "refresh.parallel",
	"refresh_retry_attempts":  "refresh.retry_attempts",
	"refresh_retry_delay":     "refresh.retry_delay",
	"refresh_max_retry_delay": "refresh.max_retry_delay",
	"refresh_builder_timeout": "refresh.builder_timeout",
	"refresh_lock_ttl":        "refresh.lock_ttl",
	"refresh_schedule":        "refresh.schedule",

	"engagement_content_column":          "engagement.content_column",
	"engagement_region_column":           "engagement.region_column",
	"engagement_play_count_column":       "engagement.play_count_column",
	"engagement_unique_listeners_column": "engagement.unique_listeners_column",
	"engagement_streaming_hours_column":  "engagement.streaming_hours_column",

	"cache_dashboard_ttl": "cache.dashboard_ttl",

	"enrich_base_url":       "enrich.base_url",
	"enrich_user_agent":     "enrich.user_agent",
	"enrich_rps":            "enrich.rps",
	"enrich_timeout":        "enrich.timeout",
	"enrich_retry_attempts": "enrich.retry_attempts",
	"enrich_retry_delay":    "enrich.retry_delay",
	"enrich_batch_size":     "enrich.batch_size",
}

func envToKey(key string) string {
	return envKeys[strings.ToLower(strings.TrimPrefix(key, envPrefix))]
}

var sliceKeys = []string{
	"clickhouse.addr",
	"auth.skip_paths",
	"cors.allowed_origins",
}

// splitSliceFields turns comma-separated env values into slices. Values that
// came from YAML are already slices and are left alone.
func splitSliceFields(k *koanf.Koanf) error {
	for _, path := range sliceKeys {
		s, ok := k.Get(path).(string)
		if !ok {
			continue
		}
		var parts []string
		for _, p := range strings.Split(s, ",") {
			if p = strings.TrimSpace(p); p != "" {
				parts = append(parts, p)
			}
		}
		if err := k.Set(path, parts); err != nil {
			return fmt.Errorf("failed to set %s: %w", path, err)
		}
	}
	return nil
}

var (
	validatorOnce sync.Once
	validatorInst *validator.Validate
)

func validate() *validator.Validate {
	validatorOnce.Do(func() {
		validatorInst = validator.New(validator.WithRequiredStructEnabled())
	})
	return validatorInst
}

func formatValidationError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err
	}
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		field := strings.TrimPrefix(fe.Namespace(), "Config.")
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s (got %v)", field, fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", field, fe.Tag()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
