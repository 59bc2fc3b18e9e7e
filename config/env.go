// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Environment variables understood by Load. They take precedence over the
// config file so the binaries can be driven purely from a container env.
const (
	EnvBrokerHost         = "RABBITMQ_HOST"
	EnvBrokerPort         = "RABBITMQ_PORT"
	EnvBrokerUser         = "RABBITMQ_USER"
	EnvBrokerPass         = "RABBITMQ_PASS"
	EnvBrokerVhost        = "RABBITMQ_VHOST"
	EnvQueueName          = "QUEUE_NAME"
	EnvMinWorkers         = "MIN_WORKERS"
	EnvMaxWorkers         = "MAX_WORKERS"
	EnvScaleUpThreshold   = "SCALE_UP_THRESHOLD"
	EnvScaleDownThreshold = "SCALE_DOWN_THRESHOLD"
	EnvCheckInterval      = "CHECK_INTERVAL"
	EnvCooldownPeriod     = "COOLDOWN_PERIOD"
	EnvWorkerService      = "WORKER_SERVICE_NAME"
	EnvComposeFile        = "COMPOSE_FILE"
	EnvWebhookSecret      = "WEBHOOK_SECRET"
	EnvLogLevel           = "LOG_LEVEL"
)

// envBinding maps a config key to its environment variable and the field it
// overrides.
type envBinding struct {
	key string
	env string
	set func(c *Config, v any) error
}

var envBindings = []envBinding{
	{"broker.host", EnvBrokerHost, setString(func(c *Config) *string { return &c.Broker.Host })},
	{"broker.port", EnvBrokerPort, setInt(func(c *Config) *int { return &c.Broker.Port })},
	{"broker.username", EnvBrokerUser, setString(func(c *Config) *string { return &c.Broker.Username })},
	{"broker.password", EnvBrokerPass, setString(func(c *Config) *string { return &c.Broker.Password })},
	{"broker.vhost", EnvBrokerVhost, setString(func(c *Config) *string { return &c.Broker.Vhost })},
	{"queue.name", EnvQueueName, setString(func(c *Config) *string { return &c.Queue.Name })},
	{"scaling.min_workers", EnvMinWorkers, setInt(func(c *Config) *int { return &c.Scaling.MinWorkers })},
	{"scaling.max_workers", EnvMaxWorkers, setInt(func(c *Config) *int { return &c.Scaling.MaxWorkers })},
	{"scaling.scale_up_threshold", EnvScaleUpThreshold, setFloat(func(c *Config) *float64 { return &c.Scaling.ScaleUpThreshold })},
	{"scaling.scale_down_threshold", EnvScaleDownThreshold, setFloat(func(c *Config) *float64 { return &c.Scaling.ScaleDownThreshold })},
	{"scaling.check_interval", EnvCheckInterval, setSeconds(func(c *Config) *time.Duration { return &c.Scaling.CheckInterval })},
	{"scaling.cooldown_period", EnvCooldownPeriod, setSeconds(func(c *Config) *time.Duration { return &c.Scaling.CooldownPeriod })},
	{"driver.service", EnvWorkerService, setString(func(c *Config) *string { return &c.Driver.Service })},
	{"driver.compose.file", EnvComposeFile, setString(func(c *Config) *string { return &c.Driver.Compose.File })},
	{"ingest.secret", EnvWebhookSecret, setString(func(c *Config) *string { return &c.Ingest.Secret })},
	{"log.level", EnvLogLevel, func(c *Config, v any) error {
		c.Log.Level = strings.ToLower(cast.ToString(v))
		return nil
	}},
}

// newEnv returns a viper instance with every override bound to its variable.
// Empty variables count as unset.
func newEnv() (*viper.Viper, error) {
	v := viper.New()
	for _, b := range envBindings {
		if err := v.BindEnv(b.key, b.env); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", b.env, err)
		}
	}
	return v, nil
}

func (c *Config) applyEnv(v *viper.Viper) error {
	for _, b := range envBindings {
		if !v.IsSet(b.key) {
			continue
		}
		if err := b.set(c, v.Get(b.key)); err != nil {
			return fmt.Errorf("%s: %w", b.env, err)
		}
	}
	return nil
}

func setString(field func(*Config) *string) func(*Config, any) error {
	return func(c *Config, v any) error {
		*field(c) = cast.ToString(v)
		return nil
	}
}

func setInt(field func(*Config) *int) func(*Config, any) error {
	return func(c *Config, v any) error {
		n, err := cast.ToIntE(v)
		if err != nil {
			return fmt.Errorf("%q is not an integer", v)
		}
		*field(c) = n
		return nil
	}
}

func setFloat(field func(*Config) *float64) func(*Config, any) error {
	return func(c *Config, v any) error {
		f, err := cast.ToFloat64E(v)
		if err != nil {
			return fmt.Errorf("%q is not a number", v)
		}
		*field(c) = f
		return nil
	}
}

// setSeconds accepts a bare number of seconds ("30") or a Go duration ("30s").
func setSeconds(field func(*Config) *time.Duration) func(*Config, any) error {
	return func(c *Config, v any) error {
		if n, err := cast.ToIntE(v); err == nil {
			*field(c) = time.Duration(n) * time.Second
			return nil
		}
		s := cast.ToString(v)
		if !strings.ContainsAny(s, "nsuµmh") {
			return fmt.Errorf("%q is neither seconds nor a duration", s)
		}
		d, err := cast.ToDurationE(s)
		if err != nil {
			return fmt.Errorf("%q is neither seconds nor a duration", s)
		}
		*field(c) = d
		return nil
	}
}
