// Package config loads service configuration from YAML and SIGMA_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the root configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	OpenSearch OpenSearchConfig `mapstructure:"opensearch"`
	Detection  DetectionConfig  `mapstructure:"detection"`
	Sigma      SigmaConfig      `mapstructure:"sigma"`
	Monitor    MonitorConfig    `mapstructure:"monitor"`
	NATS       NATSConfig       `mapstructure:"nats"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Auth       AuthConfig       `mapstructure:"auth"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Port         int           `mapstructure:"port"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout"`
}

// DatabaseConfig selects the job store. Type is "postgres" or "memory".
type DatabaseConfig struct {
	Type     string         `mapstructure:"type"`
	Postgres PostgresConfig `mapstructure:"postgres"`
}

// PostgresConfig holds PostgreSQL connection settings
type PostgresConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Database string `mapstructure:"database"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	SSLMode  string `mapstructure:"sslmode"`
}

// ConnString renders a postgres:// URL usable by both pgx and the migrator.
func (p PostgresConfig) ConnString() string {
	return fmt.Sprintf("postgres://%s:%s@%s:%d/%s?sslmode=%s",
		p.User, p.Password, p.Host, p.Port, p.Database, p.SSLMode)
}

// OpenSearchConfig holds OpenSearch connection settings
type OpenSearchConfig struct {
	URL            string        `mapstructure:"url"`
	Username       string        `mapstructure:"username"`
	Password       string        `mapstructure:"password"`
	Insecure       bool          `mapstructure:"insecure"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Breaker        BreakerConfig `mapstructure:"breaker"`
}

// BreakerConfig tunes the circuit breaker around search calls.
type BreakerConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	MaxFailures uint32        `mapstructure:"max_failures"`
	OpenTimeout time.Duration `mapstructure:"open_timeout"`
}

// DetectionConfig controls scheduled detection runs.
type DetectionConfig struct {
	Enabled           bool          `mapstructure:"enabled"`
	TargetIndex       string        `mapstructure:"target_index"`
	TagField          string        `mapstructure:"tag_field"`
	TimestampField    string        `mapstructure:"timestamp_field"`
	DefaultLookback   time.Duration `mapstructure:"default_lookback"`
	DefaultInterval   string        `mapstructure:"default_interval"`
	MaxResults        int           `mapstructure:"max_results"`
	SyncInterval      time.Duration `mapstructure:"sync_interval"`
	MaxConcurrentRuns int64         `mapstructure:"max_concurrent_runs"`
	RestoreAttempts   int           `mapstructure:"restore_attempts"`
	RestoreBackoff    time.Duration `mapstructure:"restore_backoff"`
}

// SigmaConfig controls rule bundle ingestion and normalization.
type SigmaConfig struct {
	RulesURL        string         `mapstructure:"rules_url"`
	Platform        string         `mapstructure:"platform"`
	FetchTimeout    time.Duration  `mapstructure:"fetch_timeout"`
	MaxArchiveBytes int64          `mapstructure:"max_archive_bytes"`
	FailOnUnmapped  bool           `mapstructure:"fail_on_unmapped"`
	FieldMappings   []FieldMapping `mapstructure:"field_mappings"`
	Activate        bool           `mapstructure:"activate"`
	Overwrite       bool           `mapstructure:"overwrite"`
}

// FieldMapping renames a rule field. A list keeps field-name case intact.
type FieldMapping struct {
	From string `mapstructure:"from"`
	To   string `mapstructure:"to"`
}

// Mappings returns the field renames as a lookup table.
func (s SigmaConfig) Mappings() map[string]string {
	m := make(map[string]string, len(s.FieldMappings))
	for _, fm := range s.FieldMappings {
		m[fm.From] = fm.To
	}
	return m
}

// MonitorConfig holds options for monitor and saved-search artifacts.
type MonitorConfig struct {
	Indices        []string `mapstructure:"indices"`
	Interval       int      `mapstructure:"interval"`
	Unit           string   `mapstructure:"unit"`
	Enabled        bool     `mapstructure:"enabled"`
	IndexPatternID string   `mapstructure:"index_pattern_id"`
}

// NATSConfig holds NATS message broker configuration
type NATSConfig struct {
	URL           string        `mapstructure:"url"`
	Enabled       bool          `mapstructure:"enabled"`
	MaxReconnects int           `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration `mapstructure:"reconnect_wait"`
}

// RedisConfig holds Redis configuration for cross-process index locks.
type RedisConfig struct {
	URL        string        `mapstructure:"url"`
	Enabled    bool          `mapstructure:"enabled"`
	LockTTL    time.Duration `mapstructure:"lock_ttl"`
	LockRetry  time.Duration `mapstructure:"lock_retry"`
	MaxRetries int           `mapstructure:"max_retries"`
	PoolSize   int           `mapstructure:"pool_size"`
}

// AuthConfig enables bearer-token auth on the API when JWTSecret is set.
type AuthConfig struct {
	JWTSecret string `mapstructure:"jwt_secret"`
	Issuer    string `mapstructure:"issuer"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Load reads configPath, or $SIGMA_CONFIG_DIR/config.yaml when configPath is empty.
// A missing default file is not an error; defaults and SIGMA_* variables still apply.
func Load(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	explicit := configPath != ""
	if !explicit {
		configDir := os.Getenv("SIGMA_CONFIG_DIR")
		if configDir == "" {
			configDir = "/etc/telhawk-sigma"
		}
		configPath = filepath.Join(configDir, "config.yaml")
	}
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	v.SetEnvPrefix("SIGMA")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, os.ErrNotExist)) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8090)
	v.SetDefault("server.read_timeout", "15s")
	v.SetDefault("server.write_timeout", "60s")
	v.SetDefault("server.idle_timeout", "60s")

	v.SetDefault("database.type", "postgres")
	v.SetDefault("database.postgres.host", "localhost")
	v.SetDefault("database.postgres.port", 5432)
	v.SetDefault("database.postgres.database", "telhawk_sigma")
	v.SetDefault("database.postgres.user", "telhawk")
	v.SetDefault("database.postgres.password", "")
	v.SetDefault("database.postgres.sslmode", "disable")

	v.SetDefault("opensearch.url", "https://localhost:9200")
	v.SetDefault("opensearch.username", "admin")
	v.SetDefault("opensearch.password", "admin")
	v.SetDefault("opensearch.insecure", true)
	v.SetDefault("opensearch.request_timeout", "30s")
	v.SetDefault("opensearch.breaker.enabled", true)
	v.SetDefault("opensearch.breaker.max_failures", 5)
	v.SetDefault("opensearch.breaker.open_timeout", "30s")

	v.SetDefault("detection.enabled", true)
	v.SetDefault("detection.target_index", "telhawk-alerts-*")
	v.SetDefault("detection.tag_field", "sigma_alert")
	v.SetDefault("detection.timestamp_field", "@timestamp")
	v.SetDefault("detection.default_lookback", "15m")
	v.SetDefault("detection.default_interval", "15m")
	v.SetDefault("detection.max_results", 10000)
	v.SetDefault("detection.sync_interval", "30s")
	v.SetDefault("detection.max_concurrent_runs", 4)
	v.SetDefault("detection.restore_attempts", 3)
	v.SetDefault("detection.restore_backoff", "500ms")

	v.SetDefault("sigma.rules_url", "https://github.com/SigmaHQ/sigma/archive/refs/heads/master.tar.gz")
	v.SetDefault("sigma.platform", "rules/windows")
	v.SetDefault("sigma.fetch_timeout", "2m")
	v.SetDefault("sigma.max_archive_bytes", 256<<20)
	v.SetDefault("sigma.fail_on_unmapped", false)
	v.SetDefault("sigma.field_mappings", []FieldMapping{})
	v.SetDefault("sigma.activate", false)
	v.SetDefault("sigma.overwrite", false)

	v.SetDefault("monitor.indices", []string{"telhawk-alerts-*"})
	v.SetDefault("monitor.interval", 5)
	v.SetDefault("monitor.unit", "MINUTES")
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.index_pattern_id", "")

	v.SetDefault("nats.url", "nats://nats:4222")
	v.SetDefault("nats.enabled", false)
	v.SetDefault("nats.max_reconnects", -1)
	v.SetDefault("nats.reconnect_wait", "2s")

	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.lock_ttl", "30s")
	v.SetDefault("redis.lock_retry", "100ms")
	v.SetDefault("redis.max_retries", 3)
	v.SetDefault("redis.pool_size", 10)

	v.SetDefault("auth.jwt_secret", "")
	v.SetDefault("auth.issuer", "telhawk-authenticate")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}
