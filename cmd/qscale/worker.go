// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"fmt"

	"github.com/absmach/qscale/config"
	"github.com/absmach/qscale/consumer"
	"github.com/absmach/qscale/processor"
	"github.com/absmach/qscale/server/health"
	"github.com/spf13/cobra"
)

func newWorkerCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "worker",
		Short: "Consume the work queue one message at a time",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(*configFile, "worker", buildWorker)
		},
	}
}

func buildWorker(a *app) (*component, error) {
	cfg := a.cfg

	proc, err := newProcessor(a)
	if err != nil {
		return nil, err
	}

	opts := []consumer.Option{consumer.WithLogger(a.logger)}
	if a.metrics != nil {
		opts = append(opts, consumer.WithMetrics(a.metrics))
	}
	c, err := consumer.New(brokerOptions(cfg.Broker), consumer.Config{
		Queue:           queueSpec(cfg.Queue),
		ConnectAttempts: cfg.Consumer.ConnectAttempts,
		ConnectDelay:    cfg.Consumer.ConnectDelay,
	}, opts...)
	if err != nil {
		return nil, err
	}

	return &component{
		run: func(ctx context.Context) error { return c.Run(ctx, proc) },
		checks: map[string]health.Checker{
			"consumer": func(context.Context) error {
				if !c.Running() {
					return errors.New("not consuming")
				}
				return nil
			},
		},
	}, nil
}

func newProcessor(a *app) (consumer.Processor, error) {
	cfg := a.cfg.Worker
	switch cfg.Processor {
	case config.ProcessorLog:
		return processor.NewLog(a.logger), nil
	case config.ProcessorForward:
		f, err := processor.NewForwarder(processor.ForwardConfig{
			URL:                 cfg.Forward.URL,
			Timeout:             cfg.Forward.Timeout,
			Headers:             cfg.Forward.Headers,
			BreakerThreshold:    cfg.Forward.BreakerThreshold,
			BreakerResetTimeout: cfg.Forward.BreakerResetTimeout,
		}, nil, a.logger)
		if err != nil {
			return nil, err
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unknown processor %q", cfg.Processor)
	}
}
