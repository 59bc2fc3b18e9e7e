// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Driver types.
const (
	DriverCompose    = "compose"
	DriverKubernetes = "kubernetes"
	DriverMemory     = "memory"
)

// Worker processor types.
const (
	ProcessorLog     = "log"
	ProcessorForward = "forward"
)

// Config holds all configuration for the qscale binaries.
type Config struct {
	Broker    BrokerConfig    `yaml:"broker"`
	Queue     QueueConfig     `yaml:"queue"`
	Producer  ProducerConfig  `yaml:"producer"`
	Consumer  ConsumerConfig  `yaml:"consumer"`
	Scaling   ScalingConfig   `yaml:"scaling"`
	Driver    DriverConfig    `yaml:"driver"`
	Ingest    IngestConfig    `yaml:"ingest"`
	Worker    WorkerConfig    `yaml:"worker"`
	Health    HealthConfig    `yaml:"health"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Log       LogConfig       `yaml:"log"`
}

// BrokerConfig holds the RabbitMQ connection settings.
type BrokerConfig struct {
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Username      string        `yaml:"username"`
	Password      string        `yaml:"password"`
	Vhost         string        `yaml:"vhost"`
	DialTimeout   time.Duration `yaml:"dial_timeout"`
	Heartbeat     time.Duration `yaml:"heartbeat"`
	TLSEnabled    bool          `yaml:"tls_enabled"`
	TLSServerName string        `yaml:"tls_server_name"`
}

// Address returns host:port.
func (b BrokerConfig) Address() string {
	return fmt.Sprintf("%s:%d", b.Host, b.Port)
}

// QueueConfig describes the work queue shared by producers and consumers.
type QueueConfig struct {
	Name    string `yaml:"name"`
	Durable bool   `yaml:"durable"`

	// Optional dead-lettering. Empty keeps reject-without-requeue lossy.
	DeadLetterExchange   string `yaml:"dead_letter_exchange"`
	DeadLetterRoutingKey string `yaml:"dead_letter_routing_key"`
}

// ProducerConfig holds publish settings.
type ProducerConfig struct {
	PublishTimeout time.Duration `yaml:"publish_timeout"`
	// Consecutive connect failures that open the breaker. Zero disables it.
	BreakerThreshold    uint32        `yaml:"breaker_threshold"`
	BreakerResetTimeout time.Duration `yaml:"breaker_reset_timeout"`
}

// ConsumerConfig holds worker connection retry settings.
type ConsumerConfig struct {
	ConnectAttempts int           `yaml:"connect_attempts"`
	ConnectDelay    time.Duration `yaml:"connect_delay"`
}

// ScalingConfig holds the autoscaler policy.
type ScalingConfig struct {
	MinWorkers         int           `yaml:"min_workers"`
	MaxWorkers         int           `yaml:"max_workers"`
	ScaleUpThreshold   float64       `yaml:"scale_up_threshold"`
	ScaleDownThreshold float64       `yaml:"scale_down_threshold"`
	CheckInterval      time.Duration `yaml:"check_interval"`
	CooldownPeriod     time.Duration `yaml:"cooldown_period"`
	MetricsTimeout     time.Duration `yaml:"metrics_timeout"`
}

// DriverConfig selects and configures the orchestration driver.
type DriverConfig struct {
	Type       string           `yaml:"type"`
	Service    string           `yaml:"service"`
	Timeout    time.Duration    `yaml:"timeout"`
	Compose    ComposeConfig    `yaml:"compose"`
	Kubernetes KubernetesConfig `yaml:"kubernetes"`
	Memory     MemoryConfig     `yaml:"memory"`
}

// ComposeConfig configures the docker compose driver.
type ComposeConfig struct {
	File    string   `yaml:"file"`
	Command []string `yaml:"command"` // e.g. ["docker", "compose"] or ["docker-compose"]
}

// KubernetesConfig configures the Kubernetes driver.
type KubernetesConfig struct {
	Kubeconfig string `yaml:"kubeconfig"` // empty uses in-cluster config
	Namespace  string `yaml:"namespace"`
}

// MemoryConfig configures the in-memory dry-run driver.
type MemoryConfig struct {
	InitialReplicas int `yaml:"initial_replicas"`
}

// IngestConfig holds the webhook receiver settings.
type IngestConfig struct {
	Address         string        `yaml:"address"`
	Secret          string        `yaml:"secret"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
	RateLimit       float64       `yaml:"rate_limit"` // requests per second per client IP, 0 disables
	RateBurst       int           `yaml:"rate_burst"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// WorkerConfig selects the processor a worker runs.
type WorkerConfig struct {
	Processor string        `yaml:"processor"`
	Forward   ForwardConfig `yaml:"forward"`
}

// ForwardConfig configures the HTTP forwarding processor.
type ForwardConfig struct {
	URL                 string            `yaml:"url"`
	Timeout             time.Duration     `yaml:"timeout"`
	Headers             map[string]string `yaml:"headers"`
	BreakerThreshold    uint32            `yaml:"breaker_threshold"`
	BreakerResetTimeout time.Duration     `yaml:"breaker_reset_timeout"`
}

// HealthConfig holds health check server configuration.
type HealthConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// TelemetryConfig holds OpenTelemetry settings.
type TelemetryConfig struct {
	Endpoint        string  `yaml:"endpoint"` // OTLP gRPC collector
	ServiceName     string  `yaml:"service_name"`
	ServiceVersion  string  `yaml:"service_version"`
	MetricsEnabled  bool    `yaml:"metrics_enabled"`
	TracesEnabled   bool    `yaml:"traces_enabled"`
	TraceSampleRate float64 `yaml:"trace_sample_rate"` // 0.0 to 1.0
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with sensible defaults.
func Default() *Config {
	return &Config{
		Broker: BrokerConfig{
			Host:        "localhost",
			Port:        5672,
			Username:    "guest",
			Password:    "guest",
			Vhost:       "/",
			DialTimeout: 5 * time.Second,
			Heartbeat:   60 * time.Second,
		},
		Queue: QueueConfig{
			Name:    "telegram_updates",
			Durable: true,
		},
		Producer: ProducerConfig{
			PublishTimeout:      5 * time.Second,
			BreakerThreshold:    0,
			BreakerResetTimeout: 30 * time.Second,
		},
		Consumer: ConsumerConfig{
			ConnectAttempts: 5,
			ConnectDelay:    5 * time.Second,
		},
		Scaling: ScalingConfig{
			MinWorkers:         1,
			MaxWorkers:         10,
			ScaleUpThreshold:   10,
			ScaleDownThreshold: 2,
			CheckInterval:      30 * time.Second,
			CooldownPeriod:     60 * time.Second,
			MetricsTimeout:     10 * time.Second,
		},
		Driver: DriverConfig{
			Type:    DriverCompose,
			Service: "worker",
			Timeout: 60 * time.Second,
			Compose: ComposeConfig{
				File:    "docker-compose.yml",
				Command: []string{"docker", "compose"},
			},
			Kubernetes: KubernetesConfig{
				Namespace: "default",
			},
		},
		Ingest: IngestConfig{
			Address:         ":8000",
			MaxBodyBytes:    1 << 20, // 1MB
			RateLimit:       50,
			RateBurst:       100,
			ShutdownTimeout: 10 * time.Second,
		},
		Worker: WorkerConfig{
			Processor: ProcessorLog,
			Forward: ForwardConfig{
				Timeout:             10 * time.Second,
				BreakerThreshold:    5,
				BreakerResetTimeout: 60 * time.Second,
			},
		},
		Health: HealthConfig{
			Enabled:         true,
			Address:         ":8081",
			ShutdownTimeout: 10 * time.Second,
		},
		Telemetry: TelemetryConfig{
			Endpoint:        "localhost:4317",
			ServiceName:     "qscale",
			ServiceVersion:  "1.0.0",
			MetricsEnabled:  false,
			TracesEnabled:   false,
			TraceSampleRate: 0.1,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file and applies environment
// overrides on top. A missing file yields the defaults.
func Load(filename string) (*Config, error) {
	cfg := Default()

	if filename != "" {
		data, err := os.ReadFile(filename)
		switch {
		case err == nil:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("failed to parse config file: %w", err)
			}
		case os.IsNotExist(err):
		default:
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	env, err := newEnv()
	if err != nil {
		return nil, err
	}
	if err := cfg.applyEnv(env); err != nil {
		return nil, fmt.Errorf("invalid environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid.
func (c *Config) Validate() error {
	if c.Broker.Host == "" {
		return fmt.Errorf("broker.host cannot be empty")
	}
	if c.Broker.Port < 1 || c.Broker.Port > 65535 {
		return fmt.Errorf("broker.port must be between 1 and 65535")
	}
	if c.Broker.Username == "" {
		return fmt.Errorf("broker.username cannot be empty")
	}
	if c.Broker.DialTimeout <= 0 {
		return fmt.Errorf("broker.dial_timeout must be positive")
	}

	if c.Queue.Name == "" {
		return fmt.Errorf("queue.name cannot be empty")
	}
	if !c.Queue.Durable {
		return fmt.Errorf("queue.durable must be true")
	}
	if c.Queue.DeadLetterRoutingKey != "" && c.Queue.DeadLetterExchange == "" {
		return fmt.Errorf("queue.dead_letter_routing_key requires queue.dead_letter_exchange")
	}

	if c.Producer.PublishTimeout <= 0 {
		return fmt.Errorf("producer.publish_timeout must be positive")
	}
	if c.Producer.BreakerThreshold > 0 && c.Producer.BreakerResetTimeout <= 0 {
		return fmt.Errorf("producer.breaker_reset_timeout must be positive when the breaker is enabled")
	}

	if c.Consumer.ConnectAttempts < 1 {
		return fmt.Errorf("consumer.connect_attempts must be at least 1")
	}
	if c.Consumer.ConnectDelay < 0 {
		return fmt.Errorf("consumer.connect_delay cannot be negative")
	}

	s := c.Scaling
	if s.MinWorkers < 0 {
		return fmt.Errorf("scaling.min_workers cannot be negative")
	}
	if s.MaxWorkers < 1 {
		return fmt.Errorf("scaling.max_workers must be at least 1")
	}
	if s.MaxWorkers < s.MinWorkers {
		return fmt.Errorf("scaling.max_workers must not be less than scaling.min_workers")
	}
	if s.ScaleDownThreshold < 0 {
		return fmt.Errorf("scaling.scale_down_threshold cannot be negative")
	}
	if s.ScaleUpThreshold <= s.ScaleDownThreshold {
		return fmt.Errorf("scaling.scale_up_threshold must be greater than scaling.scale_down_threshold")
	}
	if s.CheckInterval <= 0 {
		return fmt.Errorf("scaling.check_interval must be positive")
	}
	if s.CooldownPeriod < 0 {
		return fmt.Errorf("scaling.cooldown_period cannot be negative")
	}
	if s.MetricsTimeout <= 0 {
		return fmt.Errorf("scaling.metrics_timeout must be positive")
	}

	if c.Driver.Service == "" {
		return fmt.Errorf("driver.service cannot be empty")
	}
	if c.Driver.Timeout <= 0 {
		return fmt.Errorf("driver.timeout must be positive")
	}
	switch c.Driver.Type {
	case DriverCompose:
		if len(c.Driver.Compose.Command) == 0 {
			return fmt.Errorf("driver.compose.command cannot be empty")
		}
	case DriverKubernetes:
		if c.Driver.Kubernetes.Namespace == "" {
			return fmt.Errorf("driver.kubernetes.namespace cannot be empty")
		}
	case DriverMemory:
		if c.Driver.Memory.InitialReplicas < 0 {
			return fmt.Errorf("driver.memory.initial_replicas cannot be negative")
		}
	default:
		return fmt.Errorf("driver.type must be one of: compose, kubernetes, memory")
	}

	if c.Ingest.Address == "" {
		return fmt.Errorf("ingest.address cannot be empty")
	}
	if c.Ingest.MaxBodyBytes < 1 {
		return fmt.Errorf("ingest.max_body_bytes must be positive")
	}
	if c.Ingest.RateLimit < 0 {
		return fmt.Errorf("ingest.rate_limit cannot be negative")
	}
	if c.Ingest.RateLimit > 0 && c.Ingest.RateBurst < 1 {
		return fmt.Errorf("ingest.rate_burst must be at least 1 when rate limiting is enabled")
	}

	switch c.Worker.Processor {
	case ProcessorLog:
	case ProcessorForward:
		if c.Worker.Forward.URL == "" {
			return fmt.Errorf("worker.forward.url required when processor is forward")
		}
		if c.Worker.Forward.Timeout <= 0 {
			return fmt.Errorf("worker.forward.timeout must be positive")
		}
	default:
		return fmt.Errorf("worker.processor must be one of: log, forward")
	}

	if c.Health.Enabled && c.Health.Address == "" {
		return fmt.Errorf("health.address required when health server is enabled")
	}

	if c.Telemetry.MetricsEnabled || c.Telemetry.TracesEnabled {
		if c.Telemetry.Endpoint == "" {
			return fmt.Errorf("telemetry.endpoint cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.ServiceName == "" {
			return fmt.Errorf("telemetry.service_name cannot be empty when telemetry is enabled")
		}
		if c.Telemetry.TraceSampleRate < 0.0 || c.Telemetry.TraceSampleRate > 1.0 {
			return fmt.Errorf("telemetry.trace_sample_rate must be between 0.0 and 1.0")
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

	return nil
}

// Save writes the configuration to a YAML file.
func (c *Config) Save(filename string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(filename, data, 0o600); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
