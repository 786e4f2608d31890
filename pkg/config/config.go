// Package config centralises configuration parsing for the pipeline.
//
// Values resolve in three layers: built-in defaults, then an optional
// YAML file, then environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config captures runtime configuration for the pipeline services.
type Config struct {
	Database   DatabaseConfig   `yaml:"database"`
	Broker     BrokerConfig     `yaml:"broker"`
	Dispatcher DispatcherConfig `yaml:"dispatcher"`
	Projection ProjectionConfig `yaml:"projection"`
}

// DatabaseConfig configures the SQLite stores.
type DatabaseConfig struct {
	// DSN is the SQLite path for the event log and outbox.
	DSN string `yaml:"dsn"`

	// ReadModelDSN is the SQLite path for the read views. Empty means
	// share the pipeline database.
	ReadModelDSN string `yaml:"read_model_dsn"`
}

// BrokerConfig configures the NATS connection and stream.
type BrokerConfig struct {
	URL           string `yaml:"url"`
	StreamName    string `yaml:"stream_name"`
	SubjectPrefix string `yaml:"subject_prefix"`

	// Username and Password authenticate directly when set.
	Username string `yaml:"username"`
	Password string `yaml:"password"`

	// CredentialsURL points at a gocloud.dev secret holding the broker
	// credentials. Takes precedence over Username/Password.
	CredentialsURL string `yaml:"credentials_url"`
}

// DispatcherConfig configures the outbox polling loop.
type DispatcherConfig struct {
	PollInterval   time.Duration `yaml:"poll_interval"`
	BatchSize      int           `yaml:"batch_size"`
	MaxAttempts    int           `yaml:"max_attempts"`
	BaseRetryDelay time.Duration `yaml:"base_retry_delay"`
	MaxRetryDelay  time.Duration `yaml:"max_retry_delay"`
}

// ProjectionConfig configures the read-model projection.
type ProjectionConfig struct {
	// ID names the projection in checkpoints and dedup keys.
	ID string `yaml:"id"`

	// RebuildOnStart clears the views and refolds the full event
	// history before serving.
	RebuildOnStart bool `yaml:"rebuild_on_start"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Database: DatabaseConfig{
			DSN: "waitqueue.db",
		},
		Broker: BrokerConfig{
			URL:           "nats://127.0.0.1:4222",
			StreamName:    "WAITQUEUE_EVENTS",
			SubjectPrefix: "waitqueue.events",
		},
		Dispatcher: DispatcherConfig{
			PollInterval:   5 * time.Second,
			BatchSize:      100,
			MaxAttempts:    5,
			BaseRetryDelay: 30 * time.Second,
			MaxRetryDelay:  time.Hour,
		},
		Projection: ProjectionConfig{
			ID: "waiting-queue",
		},
	}
}

// Load resolves configuration: defaults, then the YAML file at path
// (skipped when empty), then environment variables.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.Database.DSN = getEnv("WAITQUEUE_DB_DSN", c.Database.DSN)
	c.Database.ReadModelDSN = getEnv("WAITQUEUE_READ_MODEL_DSN", c.Database.ReadModelDSN)

	c.Broker.URL = getEnv("WAITQUEUE_NATS_URL", c.Broker.URL)
	c.Broker.StreamName = getEnv("WAITQUEUE_STREAM_NAME", c.Broker.StreamName)
	c.Broker.SubjectPrefix = getEnv("WAITQUEUE_SUBJECT_PREFIX", c.Broker.SubjectPrefix)
	c.Broker.Username = getEnv("WAITQUEUE_BROKER_USERNAME", c.Broker.Username)
	c.Broker.Password = getEnv("WAITQUEUE_BROKER_PASSWORD", c.Broker.Password)
	c.Broker.CredentialsURL = getEnv("WAITQUEUE_CREDENTIALS_URL", c.Broker.CredentialsURL)

	c.Dispatcher.PollInterval = getDurationEnv("WAITQUEUE_POLL_INTERVAL", c.Dispatcher.PollInterval)
	c.Dispatcher.BatchSize = getIntEnv("WAITQUEUE_BATCH_SIZE", c.Dispatcher.BatchSize)
	c.Dispatcher.MaxAttempts = getIntEnv("WAITQUEUE_MAX_ATTEMPTS", c.Dispatcher.MaxAttempts)
	c.Dispatcher.BaseRetryDelay = getDurationEnv("WAITQUEUE_BASE_RETRY_DELAY", c.Dispatcher.BaseRetryDelay)
	c.Dispatcher.MaxRetryDelay = getDurationEnv("WAITQUEUE_MAX_RETRY_DELAY", c.Dispatcher.MaxRetryDelay)

	c.Projection.ID = getEnv("WAITQUEUE_PROJECTION_ID", c.Projection.ID)
	c.Projection.RebuildOnStart = getBoolEnv("WAITQUEUE_REBUILD_ON_START", c.Projection.RebuildOnStart)
}

// Validate rejects configurations the services cannot run with.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return fmt.Errorf("database.dsn is required")
	}
	if c.Broker.URL == "" {
		return fmt.Errorf("broker.url is required")
	}
	if c.Broker.StreamName == "" {
		return fmt.Errorf("broker.stream_name is required")
	}
	if c.Broker.SubjectPrefix == "" {
		return fmt.Errorf("broker.subject_prefix is required")
	}
	if c.Dispatcher.PollInterval <= 0 {
		return fmt.Errorf("dispatcher.poll_interval must be positive")
	}
	if c.Dispatcher.BatchSize <= 0 {
		return fmt.Errorf("dispatcher.batch_size must be positive")
	}
	if c.Dispatcher.MaxAttempts <= 0 {
		return fmt.Errorf("dispatcher.max_attempts must be positive")
	}
	if c.Dispatcher.BaseRetryDelay <= 0 || c.Dispatcher.MaxRetryDelay < c.Dispatcher.BaseRetryDelay {
		return fmt.Errorf("dispatcher retry delays must be positive and ordered")
	}
	if c.Projection.ID == "" {
		return fmt.Errorf("projection.id is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		return value
	}
	return fallback
}

func getDurationEnv(key string, fallback time.Duration) time.Duration {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := time.ParseDuration(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getIntEnv(key string, fallback int) int {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

func getBoolEnv(key string, fallback bool) bool {
	if value, ok := os.LookupEnv(key); ok && value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}
