package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// EnvPrefix namespaces environment overrides, e.g. METRICSINK_SERVER_API_KEY.
const EnvPrefix = "METRICSINK"

// Config holds every configurable value for the server and the agent.
type Config struct {
	LogLevel string   `mapstructure:"log_level" yaml:"log_level"` // debug|info|warn|error
	Server   Server   `mapstructure:"server" yaml:"server"`
	Database Database `mapstructure:"database" yaml:"database"`
	Query    Query    `mapstructure:"query" yaml:"query"`
	Agent    Agent    `mapstructure:"agent" yaml:"agent"`
}

// Server configures the HTTP surface.
type Server struct {
	Addr         string        `mapstructure:"addr" yaml:"addr"`
	APIKey       string        `mapstructure:"api_key" yaml:"api_key"`
	ReadTimeout  time.Duration `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout" yaml:"write_timeout"`
	IdleTimeout  time.Duration `mapstructure:"idle_timeout" yaml:"idle_timeout"`
	CORSOrigins  []string      `mapstructure:"cors_origins" yaml:"cors_origins"`
}

// Database configures persistence.
type Database struct {
	Driver       string        `mapstructure:"driver" yaml:"driver"` // sqlite|pgx
	DSN          string        `mapstructure:"dsn" yaml:"dsn"`       // file path for sqlite, URL for pgx
	BusyTimeout  time.Duration `mapstructure:"busy_timeout" yaml:"busy_timeout"`
	QueryTimeout time.Duration `mapstructure:"query_timeout" yaml:"query_timeout"`
	MaxOpenConns int           `mapstructure:"max_open_conns" yaml:"max_open_conns"`
}

// Query holds page-size bounds of the read endpoints.
type Query struct {
	DefaultLimit       int `mapstructure:"default_limit" yaml:"default_limit"`
	MaxLimit           int `mapstructure:"max_limit" yaml:"max_limit"`
	RecentDefaultLimit int `mapstructure:"recent_default_limit" yaml:"recent_default_limit"`
	RecentMaxLimit     int `mapstructure:"recent_max_limit" yaml:"recent_max_limit"`
}

// Agent configures the collector agent.
type Agent struct {
	ServerURL         string        `mapstructure:"server_url" yaml:"server_url"`
	APIKey            string        `mapstructure:"api_key" yaml:"api_key"`
	DeviceID          string        `mapstructure:"device_id" yaml:"device_id"`
	Source            string        `mapstructure:"source" yaml:"source"`
	Interval          time.Duration `mapstructure:"interval" yaml:"interval"`
	Timeout           time.Duration `mapstructure:"timeout" yaml:"timeout"`
	MaxRetries        uint          `mapstructure:"max_retries" yaml:"max_retries"`
	BackoffInitial    time.Duration `mapstructure:"backoff_initial" yaml:"backoff_initial"`
	BackoffMax        time.Duration `mapstructure:"backoff_max" yaml:"backoff_max"`
	QueueSize         int           `mapstructure:"queue_size" yaml:"queue_size"`
	SpoolPath         string        `mapstructure:"spool_path" yaml:"spool_path"` // empty disables the durable spool
	PrometheusURL     string        `mapstructure:"prometheus_url" yaml:"prometheus_url"`
	PrometheusQueries []string      `mapstructure:"prometheus_queries" yaml:"prometheus_queries"`
	ModelAPIURL       string        `mapstructure:"model_api_url" yaml:"model_api_url"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("log_level", "info")

	v.SetDefault("server.addr", ":5000")
	v.SetDefault("server.api_key", "")
	v.SetDefault("server.read_timeout", 10*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.idle_timeout", 60*time.Second)
	v.SetDefault("server.cors_origins", []string{"*"})

	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "./data/metrics.db")
	v.SetDefault("database.busy_timeout", 5*time.Second)
	v.SetDefault("database.query_timeout", 10*time.Second)
	v.SetDefault("database.max_open_conns", 0)

	v.SetDefault("query.default_limit", 100)
	v.SetDefault("query.max_limit", 1000)
	v.SetDefault("query.recent_default_limit", 10)
	v.SetDefault("query.recent_max_limit", 100)

	v.SetDefault("agent.server_url", "http://localhost:5000")
	v.SetDefault("agent.api_key", "")
	v.SetDefault("agent.device_id", "")
	v.SetDefault("agent.source", "local")
	v.SetDefault("agent.interval", 10*time.Second)
	v.SetDefault("agent.timeout", 10*time.Second)
	v.SetDefault("agent.max_retries", 5)
	v.SetDefault("agent.backoff_initial", time.Second)
	v.SetDefault("agent.backoff_max", 30*time.Second)
	v.SetDefault("agent.queue_size", 256)
	v.SetDefault("agent.spool_path", "./data/agent-spool.db")
	v.SetDefault("agent.prometheus_url", "")
	v.SetDefault("agent.prometheus_queries", []string{})
	v.SetDefault("agent.model_api_url", "")
}

// Load reads configuration from (in decreasing priority):
//  1. environment variables (METRICSINK_SERVER_API_KEY, ...)
//  2. the yaml file at path, or ./configs/config.yaml when path is empty
//  3. built-in defaults
//
// A missing default file is fine; an explicit path that cannot be read is not.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fmt.Errorf("read config: %w", err)
			}
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("cannot decode config: %w", err)
	}
	return &cfg, nil
}

// ValidateServer checks the settings the serve command depends on.
func (c *Config) ValidateServer() error {
	if strings.TrimSpace(c.Server.APIKey) == "" {
		return fmt.Errorf("server.api_key must not be empty (set %s_SERVER_API_KEY)", EnvPrefix)
	}
	return c.ValidateDatabase()
}

// ValidateDatabase checks the settings every command that opens the store needs.
func (c *Config) ValidateDatabase() error {
	switch strings.ToLower(c.Database.Driver) {
	case "sqlite", "sqlite3", "pgx", "postgres", "postgresql":
	default:
		return fmt.Errorf("database.driver %q is not supported (sqlite or pgx)", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn must not be empty")
	}
	q := c.Query
	if q.DefaultLimit <= 0 || q.MaxLimit < q.DefaultLimit {
		return fmt.Errorf("query limits invalid: default %d, max %d", q.DefaultLimit, q.MaxLimit)
	}
	if q.RecentDefaultLimit <= 0 || q.RecentMaxLimit < q.RecentDefaultLimit {
		return fmt.Errorf("recent limits invalid: default %d, max %d", q.RecentDefaultLimit, q.RecentMaxLimit)
	}
	return nil
}

// ValidateAgent checks the settings the agent command depends on.
func (c *Config) ValidateAgent() error {
	a := c.Agent
	if a.ServerURL == "" {
		return fmt.Errorf("agent.server_url must not be empty")
	}
	if strings.TrimSpace(a.APIKey) == "" {
		return fmt.Errorf("agent.api_key must not be empty (set %s_AGENT_API_KEY)", EnvPrefix)
	}
	if a.Source == "" {
		return fmt.Errorf("agent.source must not be empty")
	}
	if a.Interval < time.Second {
		return fmt.Errorf("agent.interval must be at least 1s, got %s", a.Interval)
	}
	if a.QueueSize <= 0 {
		return fmt.Errorf("agent.queue_size must be positive")
	}
	return nil
}
