package config

import (
	"fmt"
	"net/url"
	"time"
)

// Config holds all configuration for the ziplisten application.
type Config struct {
	Server     ServerConfig     `koanf:"server"`
	Database   DatabaseConfig   `koanf:"database"`
	Redis      RedisConfig      `koanf:"redis"`
	ClickHouse ClickHouseConfig `koanf:"clickhouse"`
	Source     SourceConfig     `koanf:"source"`
	Auth       AuthConfig       `koanf:"auth"`
	RateLimit  RateLimitConfig  `koanf:"rate_limit"`
	CORS       CORSConfig       `koanf:"cors"`
	Log        LogConfig        `koanf:"log"`
	Metrics    MetricsConfig    `koanf:"metrics"`
	Refresh    RefreshConfig    `koanf:"refresh"`
	Engagement EngagementConfig `koanf:"engagement"`
	Cache      CacheConfig      `koanf:"cache"`
	Enrich     EnrichConfig     `koanf:"enrich"`
}

type ServerConfig struct {
	Addr            string        `koanf:"addr" validate:"required"`
	Env             string        `koanf:"env" validate:"oneof=development staging production"`
	ReadTimeout     time.Duration `koanf:"read_timeout" validate:"gt=0"`
	WriteTimeout    time.Duration `koanf:"write_timeout" validate:"gt=0"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"gt=0"`
}

type DatabaseConfig struct {
	Host     string `koanf:"host" validate:"required"`
	Port     int    `koanf:"port" validate:"min=1,max=65535"`
	User     string `koanf:"user" validate:"required"`
	Password string `koanf:"password"`
	DBName   string `koanf:"name" validate:"required"`
	SSLMode  string `koanf:"sslmode" validate:"oneof=disable allow prefer require verify-ca verify-full"`
	MaxConns int    `koanf:"max_conns" validate:"min=1"`
	MinConns int    `koanf:"min_conns" validate:"min=0"`
}

// DSN returns the PostgreSQL connection string.
func (d DatabaseConfig) DSN() string {
	u := url.URL{
		Scheme:   "postgres",
		User:     url.UserPassword(d.User, d.Password),
		Host:     fmt.Sprintf("%s:%d", d.Host, d.Port),
		Path:     d.DBName,
		RawQuery: "sslmode=" + d.SSLMode,
	}
	return u.String()
}

type RedisConfig struct {
	Enabled  bool   `koanf:"enabled"`
	Addr     string `koanf:"addr" validate:"required_if=Enabled true"`
	Password string `koanf:"password"`
	DB       int    `koanf:"db" validate:"min=0"`
}

// ClickHouseConfig configures the optional ClickHouse raw event source.
type ClickHouseConfig struct {
	Addr        []string      `koanf:"addr"`
	Database    string        `koanf:"database"`
	Username    string        `koanf:"username"`
	Password    string        `koanf:"password"`
	DialTimeout time.Duration `koanf:"dial_timeout"`
}

// Raw event source kinds.
const (
	SourcePostgres   = "postgres"
	SourceClickHouse = "clickhouse"
)

type SourceConfig struct {
	Kind string `koanf:"kind" validate:"oneof=postgres clickhouse"`
}

type AuthConfig struct {
	Enabled   bool     `koanf:"enabled"`
	APIKey    string   `koanf:"api_key"`
	SkipPaths []string `koanf:"skip_paths"`
}

type RateLimitConfig struct {
	Enabled bool    `koanf:"enabled"`
	RPS     float64 `koanf:"rps" validate:"gte=0"`
	Burst   int     `koanf:"burst" validate:"gte=0"`
}

type CORSConfig struct {
	AllowedOrigins []string `koanf:"allowed_origins"`
}

type LogConfig struct {
	Level  string `koanf:"level" validate:"oneof=debug info warn error"`
	Format string `koanf:"format" validate:"oneof=json console"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `koanf:"enabled"`
	Path    string `koanf:"path" validate:"startswith=/"`
}

// Refresh failure policies.
const (
	PolicyContinue = "continue"
	PolicyStop     = "stop"
)

// RefreshConfig controls the summary refresh run.
type RefreshConfig struct {
	Policy   string `koanf:"policy" validate:"oneof=continue stop"`
	Parallel bool   `koanf:"parallel"`
	// RetryAttempts counts every attempt, including the first.
	RetryAttempts  int           `koanf:"retry_attempts" validate:"min=1,max=10"`
	RetryDelay     time.Duration `koanf:"retry_delay" validate:"gt=0"`
	MaxRetryDelay  time.Duration `koanf:"max_retry_delay" validate:"gtefield=RetryDelay"`
	BuilderTimeout time.Duration `koanf:"builder_timeout" validate:"gte=0"`
	LockTTL        time.Duration `koanf:"lock_ttl" validate:"gt=0"`
	// Schedule is a cron spec; empty disables the in-process scheduler.
	Schedule string `koanf:"schedule"`
}

// EngagementConfig names the columns of summary_user_engagement_by_content.
// Only ContentColumn is required; an empty optional column is not written.
type EngagementConfig struct {
	ContentColumn         string `koanf:"content_column" validate:"required"`
	RegionColumn          string `koanf:"region_column"`
	PlayCountColumn       string `koanf:"play_count_column"`
	UniqueListenersColumn string `koanf:"unique_listeners_column"`
	StreamingHoursColumn  string `koanf:"streaming_hours_column"`
}

type CacheConfig struct {
	DashboardTTL time.Duration `koanf:"dashboard_ttl" validate:"gte=0"`
}

// EnrichConfig configures the MusicBrainz genre crawler.
type EnrichConfig struct {
	BaseURL       string        `koanf:"base_url" validate:"url"`
	UserAgent     string        `koanf:"user_agent" validate:"required"`
	RPS           float64       `koanf:"rps" validate:"gt=0"`
	Timeout       time.Duration `koanf:"timeout" validate:"gt=0"`
	RetryAttempts int           `koanf:"retry_attempts" validate:"min=1"`
	RetryDelay    time.Duration `koanf:"retry_delay" validate:"gt=0"`
	BatchSize     int           `koanf:"batch_size" validate:"min=0"`
}

// Validate checks struct tags and the cross-field rules the tags cannot express.
func (c *Config) Validate() error {
	if err := validate().Struct(c); err != nil {
		return formatValidationError(err)
	}

	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key is required when auth is enabled")
	}
	if c.Database.MinConns > c.Database.MaxConns {
		return fmt.Errorf("database.min_conns (%d) exceeds database.max_conns (%d)",
			c.Database.MinConns, c.Database.MaxConns)
	}
	if c.Source.Kind == SourceClickHouse && len(c.ClickHouse.Addr) == 0 {
		return fmt.Errorf("clickhouse.addr is required when source.kind is clickhouse")
	}
	if c.RateLimit.Enabled && c.RateLimit.RPS <= 0 {
		return fmt.Errorf("rate_limit.rps must be positive when rate limiting is enabled")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Server.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Server.Env == "production"
}
