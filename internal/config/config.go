// Package config loads relay settings. Values come, in increasing order of
// precedence, from built-in defaults, an optional YAML file named by
// CONFIG_PATH, and environment variables (a local .env file is loaded first
// when present).
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Server holds WebSocket transport settings.
type Server struct {
	ListenAddr        string        `yaml:"listenAddr"`
	WorkerPoolSize    int           `yaml:"workerPoolSize"`
	MaxConnections    int           `yaml:"maxConnections"`
	ReadTimeout       time.Duration `yaml:"readTimeout"`
	WriteTimeout      time.Duration `yaml:"writeTimeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeatInterval"`
	MaxMessageBytes   int           `yaml:"maxMessageBytes"`
	Name              string        `yaml:"name"`
}

// Postgres selects durable storage. An empty DSN means the in-memory store.
type Postgres struct {
	DSN           string `yaml:"dsn"`
	RunMigrations bool   `yaml:"runMigrations"`
}

// Redis enables the session mirror and rate limiting when Addr is set.
type Redis struct {
	Addr string `yaml:"addr"`
}

// NATS enables event publishing when URL is set.
type NATS struct {
	URL string `yaml:"url"`
}

// Logging mirrors logger.Config.
type Logging struct {
	Env       string `yaml:"env"`     // dev|stage|prod
	Backend   string `yaml:"backend"` // std|zap
	Version   string `yaml:"version"`
	Debug     bool   `yaml:"debug"`
	AddSource bool   `yaml:"addSource"`
}

// Config is the complete relay configuration.
type Config struct {
	Server   Server   `yaml:"server"`
	Postgres Postgres `yaml:"postgres"`
	Redis    Redis    `yaml:"redis"`
	NATS     NATS     `yaml:"nats"`
	Logging  Logging  `yaml:"logging"`
}

// Default returns the development defaults.
func Default() Config {
	return Config{
		Server: Server{
			ListenAddr:        ":8080",
			WorkerPoolSize:    256,
			MaxConnections:    100000,
			ReadTimeout:       10 * time.Second,
			WriteTimeout:      10 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			MaxMessageBytes:   64 << 10,
		},
		Logging: Logging{Version: "dev"},
	}
}

// Load builds the configuration from defaults, CONFIG_PATH and the
// environment.
func Load() (Config, error) {
	_ = godotenv.Load(".env")

	cfg := Default()
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return Config{}, err
		}
	}
	if err := cfg.applyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	if cfg.Server.Name == "" {
		host, _ := os.Hostname()
		cfg.Server.Name = host
	}
	if cfg.Server.Name == "" {
		cfg.Server.Name = "relay-1"
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

// applyEnv overrides fields from environment variables. lookup is
// os.LookupEnv outside tests.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && v != "" {
			*dst = v
		}
	}
	var errs []error
	num := func(key string, dst *int) {
		if v, ok := lookup(key); ok && v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				errs = append(errs, fmt.Errorf("config: %s must be a positive integer, got %q", key, v))
				return
			}
			*dst = n
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := lookup(key); ok && v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = d
		}
	}
	flag := func(key string, dst *bool) {
		if v, ok := lookup(key); ok && v != "" {
			b, err := strconv.ParseBool(strings.TrimSpace(v))
			if err != nil {
				errs = append(errs, fmt.Errorf("config: %s: %w", key, err))
				return
			}
			*dst = b
		}
	}

	str("LISTEN_ADDR", &c.Server.ListenAddr)
	num("WORKER_POOL_SIZE", &c.Server.WorkerPoolSize)
	num("MAX_CONNECTIONS", &c.Server.MaxConnections)
	dur("READ_TIMEOUT", &c.Server.ReadTimeout)
	dur("WRITE_TIMEOUT", &c.Server.WriteTimeout)
	dur("HEARTBEAT_INTERVAL", &c.Server.HeartbeatInterval)
	num("MAX_MESSAGE_BYTES", &c.Server.MaxMessageBytes)
	str("SERVER_NAME", &c.Server.Name)
	str("DATABASE_URL", &c.Postgres.DSN)
	flag("RUN_MIGRATIONS", &c.Postgres.RunMigrations)
	str("REDIS_ADDR", &c.Redis.Addr)
	str("NATS_URL", &c.NATS.URL)
	str("APP_ENV", &c.Logging.Env)
	str("LOG_BACKEND", &c.Logging.Backend)
	str("APP_VERSION", &c.Logging.Version)
	flag("LOG_DEBUG", &c.Logging.Debug)
	flag("LOG_ADD_SOURCE", &c.Logging.AddSource)

	return errors.Join(errs...)
}

func (c *Config) validate() error {
	if c.Server.ListenAddr == "" {
		return errors.New("config: server.listenAddr is required")
	}
	if c.Server.WorkerPoolSize <= 0 || c.Server.MaxConnections <= 0 {
		return errors.New("config: worker pool size and max connections must be positive")
	}
	if c.Server.HeartbeatInterval <= 0 {
		return errors.New("config: heartbeat interval must be positive")
	}
	if c.Server.MaxMessageBytes <= 0 {
		return errors.New("config: max message bytes must be positive")
	}
	return nil
}
