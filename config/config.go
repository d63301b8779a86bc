// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all configuration for the fluxflow daemon.
type Config struct {
	Node      NodeConfig      `yaml:"node"`
	Log       LogConfig       `yaml:"log"`
	Storage   StorageConfig   `yaml:"storage"`
	Lock      LockConfig      `yaml:"lock"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Health    HealthConfig    `yaml:"health"`
	Workers   WorkerConfig    `yaml:"workers"`
	Consumer  ConsumerConfig  `yaml:"consumer"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Breaker   BreakerConfig   `yaml:"breaker"`
	Pipelines PipelinesConfig `yaml:"pipelines"`
}

// NodeConfig identifies this process.
type NodeConfig struct {
	ID              string        `yaml:"id"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // text, json
}

// StorageConfig selects and configures the substrate backend.
type StorageConfig struct {
	Type   string       `yaml:"type"` // badger, redis
	Badger BadgerConfig `yaml:"badger"`
	Redis  RedisConfig  `yaml:"redis"`
}

// BadgerConfig holds embedded BadgerDB settings.
type BadgerConfig struct {
	Dir         string        `yaml:"dir"`
	InMemory    bool          `yaml:"in_memory"`
	SyncWrites  bool          `yaml:"sync_writes"`
	Compression string        `yaml:"compression"` // "", s2, zstd
	GCInterval  time.Duration `yaml:"gc_interval"`
}

// RedisConfig holds Redis connection pool settings.
type RedisConfig struct {
	Addr        string        `yaml:"addr"`
	Password    string        `yaml:"password"`
	DB          int           `yaml:"db"`
	MaxIdle     int           `yaml:"max_idle"`
	MaxActive   int           `yaml:"max_active"`
	IdleTimeout time.Duration `yaml:"idle_timeout"`
	DialTimeout time.Duration `yaml:"dial_timeout"`
	Prefix      string        `yaml:"prefix"`
	ExactTrim   bool          `yaml:"exact_trim"`
}

// LockConfig selects the exclusive-execution scheduler.
type LockConfig struct {
	Type  string          `yaml:"type"` // local, etcd, redis
	Etcd  EtcdLockConfig  `yaml:"etcd"`
	Redis RedisLockConfig `yaml:"redis"`
}

// EtcdLockConfig configures etcd-backed locks.
type EtcdLockConfig struct {
	Endpoints   []string           `yaml:"endpoints"`
	Prefix      string             `yaml:"prefix"`
	SessionTTL  time.Duration      `yaml:"session_ttl"`
	DialTimeout time.Duration      `yaml:"dial_timeout"`
	Embedded    EmbeddedEtcdConfig `yaml:"embedded"`
}

// EmbeddedEtcdConfig runs a single-node etcd inside the daemon.
type EmbeddedEtcdConfig struct {
	Enabled    bool   `yaml:"enabled"`
	Name       string `yaml:"name"`
	DataDir    string `yaml:"data_dir"`
	ClientAddr string `yaml:"client_addr"` // e.g. "127.0.0.1:2379"
	PeerAddr   string `yaml:"peer_addr"`   // e.g. "127.0.0.1:2380"
}

// RedisLockConfig configures Redis-backed locks. An empty Addr reuses
// storage.redis.
type RedisLockConfig struct {
	Addr          string        `yaml:"addr"`
	Prefix        string        `yaml:"prefix"`
	LeaseTTL      time.Duration `yaml:"lease_ttl"`
	RetryInterval time.Duration `yaml:"retry_interval"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC endpoint
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0

	// Insecure disables TLS to the collector. With TLS, CAFile replaces the
	// system roots.
	Insecure bool              `yaml:"insecure"`
	CAFile   string            `yaml:"ca_file"`
	Headers  map[string]string `yaml:"headers"`

	ExportTimeout  time.Duration `yaml:"export_timeout"`
	MetricInterval time.Duration `yaml:"metric_interval"`
}

// HealthConfig holds the health server settings.
type HealthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// WorkerConfig holds defaults for queue workers.
type WorkerConfig struct {
	Concurrency  int           `yaml:"concurrency"`
	PollInterval time.Duration `yaml:"poll_interval"`
	Lease        time.Duration `yaml:"lease"`
	Attempts     int           `yaml:"attempts"`
	BackoffType  string        `yaml:"backoff_type"` // fixed, exponential
	BackoffDelay time.Duration `yaml:"backoff_delay"`
}

// ConsumerConfig holds defaults for log consumers.
type ConsumerConfig struct {
	BatchSize    int           `yaml:"batch_size"`
	Block        time.Duration `yaml:"block"`
	MaxRetention time.Duration `yaml:"max_retention"` // 0 disables trimming
	TrimInterval time.Duration `yaml:"trim_interval"`
	ClaimIdle    time.Duration `yaml:"claim_idle"`
}

// RateLimitConfig holds per-queue processing limits.
type RateLimitConfig struct {
	Enabled         bool               `yaml:"enabled"`
	Rate            float64            `yaml:"rate"` // jobs per second
	Burst           int                `yaml:"burst"`
	Overrides       map[string]float64 `yaml:"overrides"`
	CleanupInterval time.Duration      `yaml:"cleanup_interval"`
}

// BreakerConfig holds circuit breaker settings for target queue adds.
type BreakerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
	ResetTimeout     time.Duration `yaml:"reset_timeout"`
	HalfOpenRequests uint32        `yaml:"half_open_requests"`
}

// PipelinesConfig declares the patterns this node runs.
type PipelinesConfig struct {
	Routers       []RouterConfig       `yaml:"routers"`
	Fanouts       []FanoutConfig       `yaml:"fanouts"`
	Accumulations []AccumulationConfig `yaml:"accumulations"`
	Joins         []JoinConfig         `yaml:"joins"`
}

// RouterConfig declares a router from source queues to target queues.
type RouterConfig struct {
	Name    string   `yaml:"name"`
	Sources []string `yaml:"sources"`
	Targets []string `yaml:"targets"`
	JobID   string   `yaml:"job_id,omitempty"` // CEL over data
}

// FanoutConfig declares a fanout from one queue to target queues.
type FanoutConfig struct {
	Name    string   `yaml:"name"`
	Source  string   `yaml:"source"`
	Group   string   `yaml:"group"`
	Targets []string `yaml:"targets"`
	JobID   string   `yaml:"job_id,omitempty"`
}

// AccumulationConfig declares a key-based accumulation.
type AccumulationConfig struct {
	Name          string        `yaml:"name"`
	Source        string        `yaml:"source"`
	GroupKey      string        `yaml:"group_key"` // CEL over data
	Target        string        `yaml:"target"`
	ExpectedItems int           `yaml:"expected_items"`
	Timeout       time.Duration `yaml:"timeout"`
}

// JoinConfig declares a correlation join.
type JoinConfig struct {
	Name    string             `yaml:"name"`
	Sources []JoinSourceConfig `yaml:"sources"`
	Target  string             `yaml:"target"`
	Timeout time.Duration      `yaml:"timeout"`
}

// JoinSourceConfig is one join input.
type JoinSourceConfig struct {
	Queue   string `yaml:"queue"`
	JoinKey string `yaml:"join_key"` // CEL over data
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Node: NodeConfig{
			ID:              "fluxflow-1",
			ShutdownTimeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
		Storage: StorageConfig{
			Type: "badger",
			Badger: BadgerConfig{
				Dir:        "/tmp/fluxflow/data",
				GCInterval: 5 * time.Minute,
			},
			Redis: RedisConfig{
				Addr:        "localhost:6379",
				MaxIdle:     16,
				IdleTimeout: 5 * time.Minute,
				DialTimeout: 5 * time.Second,
				Prefix:      "fluxflow",
			},
		},
		Lock: LockConfig{
			Type: "local",
			Etcd: EtcdLockConfig{
				Endpoints:   []string{"localhost:2379"},
				Prefix:      "/fluxflow/locks/",
				SessionTTL:  10 * time.Second,
				DialTimeout: 5 * time.Second,
				Embedded: EmbeddedEtcdConfig{
					Name:       "fluxflow-1",
					DataDir:    "/tmp/fluxflow/etcd",
					ClientAddr: "127.0.0.1:2379",
					PeerAddr:   "127.0.0.1:2380",
				},
			},
			Redis: RedisLockConfig{
				Prefix:        "fluxflow:lock:",
				LeaseTTL:      30 * time.Second,
				RetryInterval: 20 * time.Millisecond,
			},
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "fluxflow",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  false,
			TracesEnabled:   false, // Disabled by default for performance
			TraceSampleRate: 0.1,
			Insecure:        true,
			ExportTimeout:   30 * time.Second,
			MetricInterval:  10 * time.Second,
		},
		Health: HealthConfig{
			Enabled: true,
			Addr:    ":8081",
		},
		Workers: WorkerConfig{
			Concurrency:  1,
			PollInterval: 50 * time.Millisecond,
			Lease:        30 * time.Second,
			Attempts:     3,
			BackoffType:  "exponential",
			BackoffDelay: 100 * time.Millisecond,
		},
		Consumer: ConsumerConfig{
			BatchSize:    1,
			Block:        100 * time.Millisecond,
			TrimInterval: time.Second,
			ClaimIdle:    30 * time.Second,
		},
		RateLimit: RateLimitConfig{
			Enabled:         false,
			Rate:            100,
			Burst:           100,
			CleanupInterval: time.Minute,
		},
		Breaker: BreakerConfig{
			Enabled:          true,
			FailureThreshold: 5,
			ResetTimeout:     60 * time.Second,
			HalfOpenRequests: 1,
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
	if c.Node.ID == "" {
		return fmt.Errorf("node.id cannot be empty")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[c.Log.Level] {
		return fmt.Errorf("log.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"text": true, "json": true}
	if !validFormats[c.Log.Format] {
		return fmt.Errorf("log.format must be one of: text, json")
	}

	switch c.Storage.Type {
	case "badger":
		if !c.Storage.Badger.InMemory && c.Storage.Badger.Dir == "" {
			return fmt.Errorf("storage.badger.dir required when type is badger")
		}
		validCompression := map[string]bool{"": true, "s2": true, "zstd": true}
		if !validCompression[c.Storage.Badger.Compression] {
			return fmt.Errorf("storage.badger.compression must be one of: s2, zstd")
		}
	case "redis":
		if c.Storage.Redis.Addr == "" {
			return fmt.Errorf("storage.redis.addr required when type is redis")
		}
	default:
		return fmt.Errorf("storage.type must be one of: badger, redis")
	}

	switch c.Lock.Type {
	case "local":
		if c.Storage.Type == "redis" {
			return fmt.Errorf("lock.type local cannot guard a shared redis backend")
		}
	case "etcd":
		if !c.Lock.Etcd.Embedded.Enabled && len(c.Lock.Etcd.Endpoints) == 0 {
			return fmt.Errorf("lock.etcd.endpoints required when embedded etcd is disabled")
		}
		if c.Lock.Etcd.Embedded.Enabled && c.Lock.Etcd.Embedded.DataDir == "" {
			return fmt.Errorf("lock.etcd.embedded.data_dir required when embedded etcd is enabled")
		}
	case "redis":
		if c.Lock.Redis.Addr == "" && c.Storage.Type != "redis" {
			return fmt.Errorf("lock.redis.addr required when storage is not redis")
		}
	default:
		return fmt.Errorf("lock.type must be one of: local, etcd, redis")
	}

	if c.Telemetry.MetricsEnabled || c.Telemetry.TracesEnabled {
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
		}
		if c.Telemetry.ExportTimeout <= 0 {
			return fmt.Errorf("telemetry.export_timeout must be positive")
		}
		if c.Telemetry.MetricInterval <= 0 {
			return fmt.Errorf("telemetry.metric_interval must be positive")
		}
		if c.Telemetry.Insecure && c.Telemetry.CAFile != "" {
			return fmt.Errorf("telemetry.ca_file cannot be set with telemetry.insecure")
		}
	}

	if c.Health.Enabled && c.Health.Addr == "" {
		return fmt.Errorf("health.addr required when health server is enabled")
	}

	if c.Workers.Concurrency < 1 {
		return fmt.Errorf("workers.concurrency must be at least 1")
	}
	if c.Workers.Attempts < 1 {
		return fmt.Errorf("workers.attempts must be at least 1")
	}
	if c.Workers.BackoffType != "fixed" && c.Workers.BackoffType != "exponential" {
		return fmt.Errorf("workers.backoff_type must be 'fixed' or 'exponential'")
	}
	if c.Consumer.BatchSize < 1 {
		return fmt.Errorf("consumer.batch_size must be at least 1")
	}
	if c.Consumer.MaxRetention < 0 {
		return fmt.Errorf("consumer.max_retention cannot be negative")
	}
	if c.Breaker.Enabled && c.Breaker.FailureThreshold < 1 {
		return fmt.Errorf("breaker.failure_threshold must be at least 1")
	}

	return c.Pipelines.validate()
}

func (p PipelinesConfig) validate() error {
	names := make(map[string]bool)
	unique := func(kind, name string) error {
		if name == "" {
			return fmt.Errorf("pipelines.%s: name cannot be empty", kind)
		}
		if names[name] {
			return fmt.Errorf("pipelines.%s: duplicate pipeline name %q", kind, name)
		}
		names[name] = true
		return nil
	}

	for i, r := range p.Routers {
		if err := unique("routers", r.Name); err != nil {
			return err
		}
		if len(r.Sources) == 0 {
			return fmt.Errorf("pipelines.routers[%d].sources cannot be empty", i)
		}
		if len(r.Targets) == 0 {
			return fmt.Errorf("pipelines.routers[%d].targets cannot be empty", i)
		}
	}
	for i, f := range p.Fanouts {
		if err := unique("fanouts", f.Name); err != nil {
			return err
		}
		if f.Source == "" {
			return fmt.Errorf("pipelines.fanouts[%d].source cannot be empty", i)
		}
		if len(f.Targets) == 0 {
			return fmt.Errorf("pipelines.fanouts[%d].targets cannot be empty", i)
		}
	}
	for i, a := range p.Accumulations {
		if err := unique("accumulations", a.Name); err != nil {
			return err
		}
		if a.Source == "" || a.Target == "" {
			return fmt.Errorf("pipelines.accumulations[%d] requires source and target", i)
		}
		if a.GroupKey == "" {
			return fmt.Errorf("pipelines.accumulations[%d].group_key cannot be empty", i)
		}
		if a.ExpectedItems < 0 {
			return fmt.Errorf("pipelines.accumulations[%d].expected_items cannot be negative", i)
		}
	}
	for i, j := range p.Joins {
		if err := unique("joins", j.Name); err != nil {
			return err
		}
		if len(j.Sources) == 0 {
			return fmt.Errorf("pipelines.joins[%d].sources cannot be empty", i)
		}
		if j.Target == "" {
			return fmt.Errorf("pipelines.joins[%d].target cannot be empty", i)
		}
		for k, s := range j.Sources {
			if s.Queue == "" || s.JoinKey == "" {
				return fmt.Errorf("pipelines.joins[%d].sources[%d] requires queue and join_key", i, k)
			}
		}
	}

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
