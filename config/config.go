// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package config loads the courier service configuration from YAML with
// validated defaults.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the courier delivery backbone.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Stream    StreamConfig    `yaml:"stream"`
	Delivery  DeliveryConfig  `yaml:"delivery"`
	Producer  ProducerConfig  `yaml:"producer"`
	Store     StoreConfig     `yaml:"store"`
	Redis     RedisConfig     `yaml:"redis"`
	Push      PushConfig      `yaml:"push"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
}

// ServerConfig holds HTTP listener configuration.
type ServerConfig struct {
	HTTPAddr        string        `yaml:"http_addr"`
	HealthAddr      string        `yaml:"health_addr"`
	HealthEnabled   bool          `yaml:"health_enabled"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// StreamConfig holds partitioned stream configuration.
type StreamConfig struct {
	// Type selects the stream backend: memory or badger.
	Type string `yaml:"type"`

	// Partitions is fixed at configuration time. Changing it on a stream
	// with un-drained entries invalidates the conversation-to-partition
	// mapping and requires a coordinated migration.
	Partitions int `yaml:"partitions"`

	// BadgerDir is the stream data directory for the badger backend.
	BadgerDir string `yaml:"badger_dir"`

	// SyncWrites fsyncs every stream append. Disabling trades durability
	// for throughput.
	SyncWrites bool `yaml:"sync_writes"`

	// ReclaimIdle is how long a pending entry claimed by one consumer must
	// sit idle before another consumer may reclaim it.
	ReclaimIdle time.Duration `yaml:"reclaim_idle"`
}

// DeliveryConfig holds the per-partition worker loop settings.
type DeliveryConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	PollBlock    time.Duration `yaml:"poll_block"`
	MaxRetries   int           `yaml:"max_retries"`
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// ProducerConfig holds the ingress hot-path settings.
type ProducerConfig struct {
	MaxContentLength int      `yaml:"max_content_length"`
	MaxRecipients    int      `yaml:"max_recipients"`
	ContentTypes     []string `yaml:"content_types"`

	// IdempotencySecret keys the idempotency hash. All producers that
	// share a message store must share this secret.
	IdempotencySecret string        `yaml:"idempotency_secret"`
	IdempotencyWindow time.Duration `yaml:"idempotency_window"`

	// RateLimit bounds sends per sender per second. Zero disables limiting.
	RateLimit float64 `yaml:"rate_limit"`
	RateBurst int     `yaml:"rate_burst"`
}

// StoreConfig selects the authoritative message and receipt store.
type StoreConfig struct {
	Type string `yaml:"type"` // memory, badger, postgres

	// BadgerDir is the store data directory for the badger backend.
	BadgerDir string `yaml:"badger_dir"`

	// PostgresURL is a pgx connection string for the postgres backend.
	PostgresURL string `yaml:"postgres_url"`
}

// RedisConfig holds the optional Redis connection used for the idempotency
// fast-path cache and the presence registry. Disabled when Addr is empty.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// PushConfig holds push notification scheduling settings.
type PushConfig struct {
	Enabled          bool            `yaml:"enabled"`
	Workers          int             `yaml:"workers"`
	QueueSize        int             `yaml:"queue_size"`
	SendTimeout      time.Duration   `yaml:"send_timeout"`
	Backoff          []time.Duration `yaml:"backoff"`
	ShutdownTimeout  time.Duration   `yaml:"shutdown_timeout"`
	DedupTTL         time.Duration   `yaml:"dedup_ttl"`
	BreakerThreshold uint32          `yaml:"breaker_threshold"`
	BreakerReset     time.Duration   `yaml:"breaker_reset"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Enabled        bool   `yaml:"enabled"`
	Endpoint       string `yaml:"endpoint"`
	ServiceName    string `yaml:"service_name"`
	ServiceVersion string `yaml:"service_version"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:        ":8080",
			HealthAddr:      ":8081",
			HealthEnabled:   true,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 30 * time.Second,
		},
		Stream: StreamConfig{
			Type:        "memory",
			Partitions:  16,
			BadgerDir:   "/tmp/courier/stream",
			SyncWrites:  true,
			ReclaimIdle: 30 * time.Second,
		},
		Delivery: DeliveryConfig{
			BatchSize:    100,
			PollBlock:    5 * time.Second,
			MaxRetries:   3,
			DrainTimeout: 30 * time.Second,
		},
		Producer: ProducerConfig{
			MaxContentLength:  10000,
			MaxRecipients:     1000,
			ContentTypes:      []string{"text/plain", "text/markdown", "application/json"},
			IdempotencyWindow: time.Second,
			RateLimit:         50,
			RateBurst:         100,
		},
		Store: StoreConfig{
			Type:      "memory",
			BadgerDir: "/tmp/courier/store",
		},
		Push: PushConfig{
			Enabled:          false,
			Workers:          4,
			QueueSize:        10000,
			SendTimeout:      5 * time.Second,
			Backoff:          []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
			ShutdownTimeout:  30 * time.Second,
			DedupTTL:         10 * time.Minute,
			BreakerThreshold: 5,
			BreakerReset:     60 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Telemetry: TelemetryConfig{
			Enabled:        false,
			Endpoint:       "localhost:4317",
			ServiceName:    "courier",
			ServiceVersion: "1.0.0",
		},
	}
}

// Load loads configuration from a YAML file.
// If the file doesn't exist, returns default configuration.
func Load(filename string) (*Config, error) {
	if filename == "" {
		return Default(), nil
	}

	data, err := os.ReadFile(filename)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr cannot be empty")
	}
	if c.Server.HealthEnabled && c.Server.HealthAddr == "" {
		return fmt.Errorf("server.health_addr required when health is enabled")
	}

	switch c.Stream.Type {
	case "memory":
	case "badger":
		if c.Stream.BadgerDir == "" {
			return fmt.Errorf("stream.badger_dir required for badger stream")
		}
	default:
		return fmt.Errorf("stream.type must be one of: memory, badger")
	}
	if c.Stream.Partitions <= 0 {
		return fmt.Errorf("stream.partitions must be positive")
	}
	if c.Stream.ReclaimIdle <= 0 {
		return fmt.Errorf("stream.reclaim_idle must be positive")
	}

	if c.Delivery.BatchSize <= 0 {
		return fmt.Errorf("delivery.batch_size must be positive")
	}
	if c.Delivery.PollBlock <= 0 {
		return fmt.Errorf("delivery.poll_block must be positive")
	}
	if c.Delivery.MaxRetries < 0 {
		return fmt.Errorf("delivery.max_retries cannot be negative")
	}
	if c.Delivery.DrainTimeout <= 0 {
		return fmt.Errorf("delivery.drain_timeout must be positive")
	}

	if c.Producer.MaxContentLength <= 0 {
		return fmt.Errorf("producer.max_content_length must be positive")
	}
	if c.Producer.MaxRecipients <= 0 {
		return fmt.Errorf("producer.max_recipients must be positive")
	}
	if len(c.Producer.ContentTypes) == 0 {
		return fmt.Errorf("producer.content_types cannot be empty")
	}
	if c.Producer.RateLimit < 0 {
		return fmt.Errorf("producer.rate_limit cannot be negative")
	}

	switch c.Store.Type {
	case "memory":
	case "badger":
		if c.Store.BadgerDir == "" {
			return fmt.Errorf("store.badger_dir required for badger store")
		}
	case "postgres":
		if c.Store.PostgresURL == "" {
			return fmt.Errorf("store.postgres_url required for postgres store")
		}
	default:
		return fmt.Errorf("store.type must be one of: memory, badger, postgres")
	}

	if c.Push.Enabled {
		if c.Push.Workers <= 0 {
			return fmt.Errorf("push.workers must be positive")
		}
		if c.Push.QueueSize <= 0 {
			return fmt.Errorf("push.queue_size must be positive")
		}
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.endpoint required when telemetry is enabled")
	}

	return nil
}
