// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	qamqp "github.com/absmach/qscale/client/amqp091"
	"github.com/absmach/qscale/config"
	"github.com/absmach/qscale/server/health"
	"github.com/absmach/qscale/telemetry"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

const version = "0.1.0"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configFile string

	root := &cobra.Command{
		Use:           "qscale",
		Short:         "Queue-mediated dispatch with backlog-driven worker autoscaling",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&configFile, "config", "", "Path to configuration file")

	root.AddCommand(
		newAutoscaleCmd(&configFile),
		newWorkerCmd(&configFile),
		newIngestCmd(&configFile),
	)
	return root
}

// app is what every subcommand needs after startup.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *telemetry.Metrics
}

// component is the long-running part of a subcommand. checks feed the
// readiness probe.
type component struct {
	run    func(ctx context.Context) error
	checks map[string]health.Checker
	close  func() error
}

// serve loads configuration, sets up logging and telemetry, and runs the
// component built by build alongside the health server until SIGINT or
// SIGTERM.
func serve(configFile, name string, build func(a *app) (*component, error)) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		slog.Error("Failed to load configuration", "error", err)
		return err
	}

	logger := newLogger(cfg.Log).With(slog.String("component", name))
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a := &app{cfg: cfg, logger: logger}

	if cfg.Telemetry.MetricsEnabled || cfg.Telemetry.TracesEnabled {
		shutdown, err := telemetry.InitProvider(ctx, cfg.Telemetry, name)
		if err != nil {
			logger.Error("Failed to initialize OpenTelemetry", "error", err)
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := shutdown(shutdownCtx); err != nil {
				logger.Error("Failed to shutdown OpenTelemetry", "error", err)
			}
		}()
		logger.Info("OpenTelemetry initialized", "endpoint", cfg.Telemetry.Endpoint)
	}
	if cfg.Telemetry.MetricsEnabled {
		m, err := telemetry.NewMetrics(nil)
		if err != nil {
			logger.Error("Failed to create metrics", "error", err)
			return err
		}
		a.metrics = m
	}

	comp, err := build(a)
	if err != nil {
		logger.Error("Failed to start", "error", err)
		return err
	}
	if comp.close != nil {
		defer func() {
			if err := comp.close(); err != nil {
				logger.Warn("Error during close", "error", err)
			}
		}()
	}

	logger.Info("Starting qscale", "version", version)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return comp.run(gctx) })

	if cfg.Health.Enabled {
		hs := health.New(health.Config{
			Address:         cfg.Health.Address,
			ShutdownTimeout: cfg.Health.ShutdownTimeout,
		}, comp.checks, logger)
		g.Go(func() error { return hs.Listen(gctx) })
	}

	err = g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		logger.Error("Stopped with error", "error", err)
		return err
	}
	logger.Info("Shutdown complete")
	return nil
}

func newLogger(cfg config.LogConfig) *slog.Logger {
	logLevel := slog.LevelInfo
	switch cfg.Level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	return slog.New(handler)
}

func brokerOptions(cfg config.BrokerConfig) *qamqp.Options {
	opts := qamqp.NewOptions().
		SetAddress(cfg.Address()).
		SetCredentials(cfg.Username, cfg.Password).
		SetVhost(cfg.Vhost).
		SetDialTimeout(cfg.DialTimeout).
		SetHeartbeat(cfg.Heartbeat)
	if cfg.TLSEnabled {
		opts.SetTLSConfig(&tls.Config{
			ServerName: cfg.TLSServerName,
			MinVersion: tls.VersionTLS12,
		})
	}
	return opts
}

func queueSpec(cfg config.QueueConfig) qamqp.QueueSpec {
	return qamqp.QueueSpec{Name: cfg.Name, Durable: cfg.Durable}.
		WithDeadLetter(cfg.DeadLetterExchange, cfg.DeadLetterRoutingKey)
}
