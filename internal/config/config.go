// Package config provides configuration management for the sealstore server.
// Configuration can be loaded from YAML files and environment variables.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"

	"github.com/prn-tf/sealstore/internal/domain"
)

// Config represents the complete application configuration.
type Config struct {
	Server      ServerConfig         `mapstructure:"server"`
	Database    DatabaseConfig       `mapstructure:"database"`
	Redis       RedisConfig          `mapstructure:"redis"`
	Storage     domain.StorageConfig `mapstructure:"storage"`
	Replication SchedulerConfig      `mapstructure:"replication"`
	Backup      SchedulerConfig      `mapstructure:"backup"`
	Dedup       DedupConfig          `mapstructure:"dedup"`
	Events      EventsConfig         `mapstructure:"events"`
	Logging     LoggingConfig        `mapstructure:"logging"`
	Metrics     MetricsConfig        `mapstructure:"metrics"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	IdleTimeout     time.Duration `mapstructure:"idle_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	MaxBodySize     int64         `mapstructure:"max_body_size"`
}

// Addr returns the listen address in host:port format.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// DatabaseConfig holds catalog database settings.
// Supports PostgreSQL, SQLite and an in-process memory store.
type DatabaseConfig struct {
	// Driver specifies the catalog driver: "postgres", "sqlite" or "memory".
	Driver string `mapstructure:"driver"`

	// PostgreSQL settings (used when Driver is "postgres")
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	SSLMode         string        `mapstructure:"ssl_mode"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`

	// SQLite settings (used when Driver is "sqlite")
	Path            string `mapstructure:"path"`             // Path to SQLite database file
	JournalMode     string `mapstructure:"journal_mode"`     // WAL, DELETE, TRUNCATE, etc.
	BusyTimeout     int    `mapstructure:"busy_timeout"`     // Milliseconds to wait for locks
	CacheSize       int    `mapstructure:"cache_size"`       // Page cache size (negative = KB)
	SynchronousMode string `mapstructure:"synchronous_mode"` // NORMAL, FULL, OFF

	// AutoMigrate applies embedded migrations on startup.
	AutoMigrate bool `mapstructure:"auto_migrate"`
}

// DSN returns the PostgreSQL connection string.
// Only valid when Driver is "postgres".
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// IsEmbedded returns true if the catalog lives inside the process (SQLite or memory).
func (c DatabaseConfig) IsEmbedded() bool {
	return c.Driver == "sqlite" || c.Driver == "memory"
}

// RedisConfig holds Redis connection settings.
// When enabled, Redis backs the dedup index and the sweep locks.
type RedisConfig struct {
	Host        string        `mapstructure:"host"`
	Port        int           `mapstructure:"port"`
	Password    string        `mapstructure:"password"`
	DB          int           `mapstructure:"db"`
	PoolSize    int           `mapstructure:"pool_size"`
	DialTimeout time.Duration `mapstructure:"dial_timeout"`
	Enabled     bool          `mapstructure:"enabled"`
}

// Addr returns the Redis address in host:port format.
func (c RedisConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// SchedulerConfig holds replication or backup sweep settings.
type SchedulerConfig struct {
	// Enabled determines if the periodic sweep runs.
	// Immediate copies after a store are governed by the storage config.
	Enabled bool `mapstructure:"enabled"`

	// Interval is how often the sweep runs.
	Interval time.Duration `mapstructure:"interval"`

	// MaxAttempts is the retry ceiling before a task is marked failed.
	MaxAttempts int `mapstructure:"max_attempts"`

	// BatchSize is the maximum number of tasks processed per sweep.
	BatchSize int `mapstructure:"batch_size"`

	// Concurrency is the number of copies run in parallel within a sweep.
	Concurrency int `mapstructure:"concurrency"`

	// LockTTL bounds how long one instance may hold the sweep lock.
	LockTTL time.Duration `mapstructure:"lock_ttl"`
}

// DedupConfig holds deduplication index settings.
type DedupConfig struct {
	// IndexTTL expires dedup entries; 0 keeps them until the object is deleted.
	IndexTTL time.Duration `mapstructure:"index_ttl"`
}

// EventsConfig holds event bus settings.
type EventsConfig struct {
	// QueueSize is the buffer of the asynchronous handler queue.
	QueueSize int `mapstructure:"queue_size"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	Output     string `mapstructure:"output"`
	TimeFormat string `mapstructure:"time_format"`
}

// MetricsConfig holds Prometheus metrics settings.
type MetricsConfig struct {
	// Enabled determines if metrics collection is active.
	Enabled bool `mapstructure:"enabled"`

	// Path is the URL path for the metrics endpoint.
	Path string `mapstructure:"path"`

	// PollInterval is how often backend-native usage is polled.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// Load reads configuration from the specified file and environment variables.
// Environment variables take precedence over file values.
// Environment variables are prefixed with SEALSTORE_ and use _ as separator.
// Unknown configuration fields are rejected.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Environment variable configuration
	v.SetEnvPrefix("SEALSTORE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Config file configuration
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("./configs")
		v.AddConfigPath("/etc/sealstore")
	}

	// Read config file (optional - environment variables can be used instead)
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
		// Config file not found is acceptable - use defaults and env vars
	}

	var cfg Config
	if err := v.Unmarshal(&cfg, strictDecoding); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// strictDecoding rejects keys that do not map to a configuration field.
func strictDecoding(dc *mapstructure.DecoderConfig) {
	dc.ErrorUnused = true
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.read_timeout", 30*time.Second)
	v.SetDefault("server.write_timeout", 60*time.Second)
	v.SetDefault("server.idle_timeout", 120*time.Second)
	v.SetDefault("server.shutdown_timeout", 30*time.Second)
	v.SetDefault("server.max_body_size", 256*1024*1024) // 256MB

	// Database defaults
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "sealstore")
	v.SetDefault("database.password", "")
	v.SetDefault("database.database", "sealstore")
	v.SetDefault("database.ssl_mode", "prefer")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", 5*time.Minute)
	v.SetDefault("database.conn_max_idle_time", 5*time.Minute)
	// SQLite defaults
	v.SetDefault("database.path", "./data/sealstore.db")
	v.SetDefault("database.journal_mode", "WAL")
	v.SetDefault("database.busy_timeout", 5000)
	v.SetDefault("database.cache_size", -2000)
	v.SetDefault("database.synchronous_mode", "NORMAL")
	v.SetDefault("database.auto_migrate", true)

	// Redis defaults
	v.SetDefault("redis.host", "localhost")
	v.SetDefault("redis.port", 6379)
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 10)
	v.SetDefault("redis.dial_timeout", 5*time.Second)
	v.SetDefault("redis.enabled", false)

	// Storage defaults
	v.SetDefault("storage.provider", "s3")
	v.SetDefault("storage.default_bucket", "sealstore")
	v.SetDefault("storage.security.encryption_at_rest", true)
	v.SetDefault("storage.security.checksum_required", true)
	v.SetDefault("storage.security.versioning_enabled", false)
	v.SetDefault("storage.security.replication_enabled", false)
	v.SetDefault("storage.optimization.compression", false)
	v.SetDefault("storage.optimization.compression_codec", "zstd")
	v.SetDefault("storage.optimization.compression_level", 0)
	v.SetDefault("storage.optimization.deduplication", false)
	v.SetDefault("storage.optimization.lifecycle_management", false)
	v.SetDefault("storage.optimization.cost_optimization", false)
	v.SetDefault("storage.backup.enabled", false)
	v.SetDefault("storage.backup.retention_days", 30)
	v.SetDefault("storage.operation_timeout", 30*time.Second)
	v.SetDefault("storage.base_cost_per_gb", domain.DefaultBaseCostPerGB)

	// Replication sweep defaults
	v.SetDefault("replication.enabled", true)
	v.SetDefault("replication.interval", time.Hour)
	v.SetDefault("replication.max_attempts", 5)
	v.SetDefault("replication.batch_size", 500)
	v.SetDefault("replication.concurrency", 4)
	v.SetDefault("replication.lock_ttl", 30*time.Minute)

	// Backup sweep defaults
	v.SetDefault("backup.enabled", true)
	v.SetDefault("backup.interval", 24*time.Hour)
	v.SetDefault("backup.max_attempts", 5)
	v.SetDefault("backup.batch_size", 500)
	v.SetDefault("backup.concurrency", 2)
	v.SetDefault("backup.lock_ttl", 2*time.Hour)

	// Dedup defaults
	v.SetDefault("dedup.index_ttl", 0)

	// Event bus defaults
	v.SetDefault("events.queue_size", 1024)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.output", "stdout")
	v.SetDefault("logging.time_format", time.RFC3339)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.path", "/metrics")
	v.SetDefault("metrics.poll_interval", 5*time.Minute)
}

// Validate checks the configuration for required values and valid ranges.
// Storage errors are returned as *domain.ConfigError.
func (c *Config) Validate() error {
	// Validate server configuration
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}

	// Validate database configuration
	switch c.Database.Driver {
	case "postgres":
		if c.Database.Host == "" {
			return fmt.Errorf("database.host is required for postgres driver")
		}
		if c.Database.User == "" {
			return fmt.Errorf("database.user is required for postgres driver")
		}
		if c.Database.Database == "" {
			return fmt.Errorf("database.database is required for postgres driver")
		}
	case "sqlite":
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for sqlite driver")
		}
	case "memory":
	default:
		return fmt.Errorf("database.driver must be 'postgres', 'sqlite' or 'memory'")
	}

	// Validate storage configuration
	if err := c.Storage.Validate(); err != nil {
		return err
	}

	// Validate schedulers
	for name, s := range map[string]SchedulerConfig{"replication": c.Replication, "backup": c.Backup} {
		if s.Enabled && s.Interval <= 0 {
			return fmt.Errorf("%s.interval must be positive", name)
		}
		if s.MaxAttempts < 1 {
			return fmt.Errorf("%s.max_attempts must be at least 1", name)
		}
	}

	if c.Events.QueueSize < 1 {
		return fmt.Errorf("events.queue_size must be at least 1")
	}

	// Validate logging configuration
	validLevels := map[string]bool{
		"trace": true, "debug": true, "info": true,
		"warn": true, "error": true, "fatal": true, "panic": true,
	}
	if !validLevels[strings.ToLower(c.Logging.Level)] {
		return fmt.Errorf("logging.level must be one of: trace, debug, info, warn, error, fatal, panic")
	}

	return nil
}

// MustLoad loads configuration or panics on error.
// Useful for main function initialization.
func MustLoad(configPath string) *Config {
	cfg, err := Load(configPath)
	if err != nil {
		panic(fmt.Sprintf("failed to load configuration: %v", err))
	}
	return cfg
}
