// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/absmach/qscale/autoscaler"
	"github.com/absmach/qscale/config"
	"github.com/absmach/qscale/orchestrator"
	"github.com/absmach/qscale/orchestrator/compose"
	"github.com/absmach/qscale/orchestrator/k8s"
	"github.com/absmach/qscale/orchestrator/memory"
	"github.com/absmach/qscale/queuestat"
	"github.com/absmach/qscale/server/health"
	"github.com/spf13/cobra"
)

func newAutoscaleCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "autoscale",
		Short: "Run the control loop that sizes the worker pool from queue depth",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(*configFile, "autoscale", buildAutoscaler)
		},
	}
}

func buildAutoscaler(a *app) (*component, error) {
	cfg := a.cfg

	inspector, err := queuestat.New(brokerOptions(cfg.Broker), a.logger)
	if err != nil {
		return nil, err
	}

	backend, err := newBackend(a)
	if err != nil {
		return nil, err
	}
	driver := orchestrator.NewLastKnown(backend, cfg.Scaling.MinWorkers, cfg.Driver.Timeout, a.logger)

	opts := []autoscaler.Option{
		autoscaler.WithLogger(a.logger),
		autoscaler.WithMetricsTimeout(cfg.Scaling.MetricsTimeout),
	}
	if a.metrics != nil {
		opts = append(opts, autoscaler.WithMetrics(a.metrics))
	}

	scaler, err := autoscaler.New(autoscaler.Config{
		Policy: autoscaler.Policy{
			MinReplicas:        cfg.Scaling.MinWorkers,
			MaxReplicas:        cfg.Scaling.MaxWorkers,
			ScaleUpThreshold:   cfg.Scaling.ScaleUpThreshold,
			ScaleDownThreshold: cfg.Scaling.ScaleDownThreshold,
			CooldownPeriod:     cfg.Scaling.CooldownPeriod,
		},
		Queue:        cfg.Queue.Name,
		Service:      cfg.Driver.Service,
		PollInterval: cfg.Scaling.CheckInterval,
	}, inspector, driver, opts...)
	if err != nil {
		return nil, fmt.Errorf("invalid scaling policy: %w", err)
	}

	// The loop counts as stalled after missing three ticks.
	stall := 3*cfg.Scaling.CheckInterval + cfg.Scaling.MetricsTimeout + cfg.Driver.Timeout
	return &component{
		run: scaler.Run,
		checks: map[string]health.Checker{
			"control_loop": func(context.Context) error {
				last := scaler.LastTick()
				if last.IsZero() {
					return errors.New("no tick completed yet")
				}
				if since := time.Since(last); since > stall {
					return fmt.Errorf("last tick %s ago", since.Round(time.Second))
				}
				return nil
			},
		},
	}, nil
}

func newBackend(a *app) (orchestrator.Backend, error) {
	cfg := a.cfg.Driver
	switch cfg.Type {
	case config.DriverCompose:
		b, err := compose.New(cfg.Compose.Command, cfg.Compose.File, compose.WithLogger(a.logger))
		if err != nil {
			return nil, err
		}
		return b, nil
	case config.DriverKubernetes:
		client, err := k8s.NewClient(cfg.Kubernetes.Kubeconfig)
		if err != nil {
			return nil, err
		}
		return k8s.New(client, cfg.Kubernetes.Namespace, k8s.WithLogger(a.logger)), nil
	case config.DriverMemory:
		a.logger.Warn("Using in-memory driver, no workers will actually be started")
		return memory.New(cfg.Memory.InitialReplicas), nil
	default:
		return nil, fmt.Errorf("unknown driver type %q", cfg.Type)
	}
}
