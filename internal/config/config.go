// Package config loads and validates ingestion service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// DefaultDBPassword is the development password baked into the defaults.
// Production deployments must override it.
const DefaultDBPassword = "ingest"

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	Environment string          `mapstructure:"environment"`
	Server      ServerConfig    `mapstructure:"server"`
	Auth        AuthConfig      `mapstructure:"auth"`
	DB          DBConfig        `mapstructure:"db"`
	Logging     LoggingConfig   `mapstructure:"logging"`
	LinkCheck   LinkCheckConfig `mapstructure:"linkcheck"`
	PubSub      PubSubConfig    `mapstructure:"pubsub"`
	Archive     ArchiveConfig   `mapstructure:"archive"`
}

// ServerConfig controls HTTP server behavior.
type ServerConfig struct {
	Port               int      `mapstructure:"port"`
	RequestTimeoutSec  int      `mapstructure:"request_timeout_seconds"`
	ShutdownTimeoutSec int      `mapstructure:"shutdown_timeout_seconds"`
	MaxBodyBytes       int64    `mapstructure:"max_body_bytes"`
	RateLimitPerMinute int      `mapstructure:"rate_limit_per_minute"`
	CORSOrigins        []string `mapstructure:"cors_origins"`
}

// AuthConfig defines API authentication toggles.
type AuthConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	APIKey  string `mapstructure:"api_key"`
}

// DBConfig selects and configures the church store.
type DBConfig struct {
	// Driver is "postgres" or "memory".
	Driver          string        `mapstructure:"driver"`
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Database        string        `mapstructure:"database"`
	Charset         string        `mapstructure:"charset"`
	MaxConns        int32         `mapstructure:"max_conns"`
	MinConns        int32         `mapstructure:"min_conns"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	SchemaFile      string        `mapstructure:"schema_file"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool `mapstructure:"development"`
}

// LinkCheckConfig tunes the website reachability checker.
type LinkCheckConfig struct {
	Enabled        bool   `mapstructure:"enabled"`
	Parallelism    int    `mapstructure:"parallelism"`
	TimeoutSeconds int    `mapstructure:"timeout_seconds"`
	UserAgent      string `mapstructure:"user_agent"`
}

// PubSubConfig holds the topic that receives session-closed events.
// Publishing is disabled when TopicName is empty.
type PubSubConfig struct {
	ProjectID string `mapstructure:"project_id"`
	TopicName string `mapstructure:"topic_name"`
}

// ArchiveConfig selects where raw batches are archived.
type ArchiveConfig struct {
	// Backend is "none", "gcs", "local" or "memory".
	Backend string `mapstructure:"backend"`
	Bucket  string `mapstructure:"bucket"`
	Prefix  string `mapstructure:"prefix"`
	BaseDir string `mapstructure:"base_dir"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("INGEST")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)
	if err := bindLegacyEnv(v); err != nil {
		return Config{}, err
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("environment", "development")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.request_timeout_seconds", 30)
	v.SetDefault("server.shutdown_timeout_seconds", 15)
	v.SetDefault("server.max_body_bytes", 8<<20)
	v.SetDefault("server.rate_limit_per_minute", 600)
	v.SetDefault("server.cors_origins", []string{})
	v.SetDefault("db.driver", "postgres")
	v.SetDefault("db.host", "localhost")
	v.SetDefault("db.port", 5432)
	v.SetDefault("db.user", "ingest")
	v.SetDefault("db.password", DefaultDBPassword)
	v.SetDefault("db.database", "orthodox_churches")
	v.SetDefault("db.charset", "UTF8")
	v.SetDefault("db.max_conns", 10)
	v.SetDefault("db.min_conns", 0)
	v.SetDefault("db.max_conn_lifetime", time.Hour)
	v.SetDefault("logging.development", true)
	v.SetDefault("linkcheck.enabled", false)
	v.SetDefault("linkcheck.parallelism", 4)
	v.SetDefault("linkcheck.timeout_seconds", 10)
	v.SetDefault("linkcheck.user_agent", "orthodox-directory-linkcheck/1.0")
	v.SetDefault("archive.backend", "none")
	v.SetDefault("archive.prefix", "batches")
}

// bindLegacyEnv lets the unprefixed DB_* variables used by existing
// deployments override the database settings. INGEST_DB_* still wins.
func bindLegacyEnv(v *viper.Viper) error {
	bindings := map[string]string{
		"db.host":     "DB_HOST",
		"db.port":     "DB_PORT",
		"db.user":     "DB_USER",
		"db.password": "DB_PASSWORD",
		"db.database": "DB_NAME",
		"db.charset":  "DB_CHARSET",
	}
	for key, legacy := range bindings {
		prefixed := "INGEST_" + strings.ToUpper(strings.ReplaceAll(key, ".", "_"))
		if err := v.BindEnv(key, prefixed, legacy); err != nil {
			return fmt.Errorf("bind %s: %w", key, err)
		}
	}
	return nil
}

// Validate enforces required values and reasonable limits.
func (c Config) Validate() error {
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	if c.Server.RequestTimeoutSec <= 0 {
		return fmt.Errorf("server.request_timeout_seconds must be > 0")
	}
	if c.Auth.Enabled && c.Auth.APIKey == "" {
		return fmt.Errorf("auth.api_key must be set when auth is enabled")
	}
	switch c.DB.Driver {
	case "postgres":
		if c.DB.Host == "" || c.DB.Database == "" {
			return fmt.Errorf("db.host and db.database are required for the postgres driver")
		}
		if c.DB.MinConns > c.DB.MaxConns {
			return fmt.Errorf("db.min_conns must not exceed db.max_conns")
		}
	case "memory":
	default:
		return fmt.Errorf("db.driver must be postgres or memory, got %q", c.DB.Driver)
	}
	if c.IsProduction() && c.DB.Driver == "postgres" && c.DB.Password == DefaultDBPassword {
		return fmt.Errorf("db.password must be overridden in production")
	}
	if c.LinkCheck.Enabled && c.LinkCheck.Parallelism <= 0 {
		return fmt.Errorf("linkcheck.parallelism must be > 0 when link checking is enabled")
	}
	if c.PubSub.TopicName != "" && c.PubSub.ProjectID == "" {
		return fmt.Errorf("pubsub.project_id is required when pubsub.topic_name is set")
	}
	switch c.Archive.Backend {
	case "", "none", "memory":
	case "gcs":
		if c.Archive.Bucket == "" {
			return fmt.Errorf("archive.bucket is required for the gcs backend")
		}
	case "local":
		if c.Archive.BaseDir == "" {
			return fmt.Errorf("archive.base_dir is required for the local backend")
		}
	default:
		return fmt.Errorf("archive.backend must be none, gcs, local or memory, got %q", c.Archive.Backend)
	}
	return nil
}

// IsProduction reports whether the service runs with production safeguards.
func (c Config) IsProduction() bool {
	return strings.EqualFold(c.Environment, "production")
}

// RequestTimeout converts the per-request budget to a duration.
func (c Config) RequestTimeout() time.Duration {
	return time.Duration(c.Server.RequestTimeoutSec) * time.Second
}

// ShutdownTimeout bounds graceful HTTP shutdown.
func (c Config) ShutdownTimeout() time.Duration {
	if c.Server.ShutdownTimeoutSec <= 0 {
		return 15 * time.Second
	}
	return time.Duration(c.Server.ShutdownTimeoutSec) * time.Second
}

// LinkCheckTimeout is the per-URL check budget.
func (c Config) LinkCheckTimeout() time.Duration {
	return time.Duration(c.LinkCheck.TimeoutSeconds) * time.Second
}
