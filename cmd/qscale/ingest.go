// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"

	"github.com/absmach/qscale/ingest"
	"github.com/absmach/qscale/producer"
	"github.com/absmach/qscale/server/health"
	"github.com/spf13/cobra"
)

func newIngestCmd(configFile *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ingest",
		Short: "Serve the webhook endpoint that enqueues inbound events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(*configFile, "ingest", buildIngest)
		},
	}
}

func buildIngest(a *app) (*component, error) {
	cfg := a.cfg
	if cfg.Ingest.Secret == "" {
		return nil, errors.New("ingest.secret (WEBHOOK_SECRET) is required")
	}

	opts := []producer.Option{producer.WithLogger(a.logger)}
	if a.metrics != nil {
		opts = append(opts, producer.WithMetrics(a.metrics))
	}
	p, err := producer.New(brokerOptions(cfg.Broker), producer.Config{
		Queue:               queueSpec(cfg.Queue),
		PublishTimeout:      cfg.Producer.PublishTimeout,
		BreakerThreshold:    cfg.Producer.BreakerThreshold,
		BreakerResetTimeout: cfg.Producer.BreakerResetTimeout,
	}, opts...)
	if err != nil {
		return nil, err
	}

	srv, err := ingest.New(ingest.Config{
		Address:         cfg.Ingest.Address,
		Secret:          cfg.Ingest.Secret,
		MaxBodyBytes:    cfg.Ingest.MaxBodyBytes,
		RateLimit:       cfg.Ingest.RateLimit,
		RateBurst:       cfg.Ingest.RateBurst,
		ShutdownTimeout: cfg.Ingest.ShutdownTimeout,
	}, p, a.logger)
	if err != nil {
		return nil, err
	}

	return &component{
		run: srv.Listen,
		checks: map[string]health.Checker{
			"webhook": func(context.Context) error {
				if srv.Addr() == "" {
					return errors.New("not listening")
				}
				return nil
			},
			// Probing reconnects an idle producer, so readiness recovers
			// without waiting for webhook traffic.
			"broker": func(ctx context.Context) error {
				if p.Connected() {
					return nil
				}
				return p.Ping(ctx)
			},
		},
		close: p.Close,
	}, nil
}
