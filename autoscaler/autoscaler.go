// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package autoscaler sizes the worker pool from the work queue's backlog.
//
// Every poll interval the loop reads queue depth and the current replica
// count, computes a Decision with Decide and, if the target differs, asks the
// orchestration driver to apply it. A cooldown after each applied change
// keeps the loop from reacting before the new replicas have had an effect.
package autoscaler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/absmach/qscale/orchestrator"
	"github.com/absmach/qscale/queuestat"
	"github.com/absmach/qscale/telemetry"
)

// DefaultMetricsTimeout bounds one queue depth query.
const DefaultMetricsTimeout = 10 * time.Second

// QueueMetrics reports queue depth.
type QueueMetrics interface {
	Depth(ctx context.Context, queue string) (int, error)
}

// Config configures an Autoscaler.
type Config struct {
	Policy
	Queue        string
	Service      string
	PollInterval time.Duration
}

// State is the loop's view of the pool. It changes only when a scale
// request has been accepted.
type State struct {
	CurrentReplicas int
	LastScale       time.Time
}

// Option configures optional Autoscaler collaborators.
type Option func(*Autoscaler)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(a *Autoscaler) {
		if l != nil {
			a.logger = l
		}
	}
}

// WithMetrics enables metric recording.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(a *Autoscaler) {
		a.metrics = m
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(a *Autoscaler) {
		if now != nil {
			a.now = now
		}
	}
}

// WithMetricsTimeout bounds each queue depth query.
func WithMetricsTimeout(d time.Duration) Option {
	return func(a *Autoscaler) {
		if d > 0 {
			a.metricsTimeout = d
		}
	}
}

// Autoscaler is the polling control loop. Run owns the loop; Tick and Init
// are exported for callers that drive it themselves.
type Autoscaler struct {
	cfg            Config
	queue          QueueMetrics
	driver         orchestrator.Driver
	logger         *slog.Logger
	metrics        *telemetry.Metrics
	now            func() time.Time
	metricsTimeout time.Duration

	mu       sync.Mutex
	state    State
	lastTick time.Time
}

// New creates an Autoscaler with its state initialized to the minimum.
func New(cfg Config, queue QueueMetrics, driver orchestrator.Driver, opts ...Option) (*Autoscaler, error) {
	if err := cfg.Policy.Validate(); err != nil {
		return nil, err
	}
	if cfg.PollInterval <= 0 {
		return nil, errors.New("poll interval must be positive")
	}
	if cfg.Queue == "" || cfg.Service == "" {
		return nil, errors.New("queue and service names are required")
	}
	if queue == nil || driver == nil {
		return nil, errors.New("queue metrics and driver are required")
	}

	a := &Autoscaler{
		cfg:            cfg,
		queue:          queue,
		driver:         driver,
		logger:         slog.Default(),
		now:            time.Now,
		metricsTimeout: DefaultMetricsTimeout,
		state:          State{CurrentReplicas: cfg.MinReplicas},
	}
	for _, o := range opts {
		o(a)
	}
	return a, nil
}

// State returns a snapshot of the loop state.
func (a *Autoscaler) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

// LastTick returns when the last tick completed, zero before the first.
func (a *Autoscaler) LastTick() time.Time {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.lastTick
}

// Init reads the current replica count and raises it to the minimum if it
// is below. That correction ignores the cooldown but starts one.
func (a *Autoscaler) Init(ctx context.Context) error {
	current := a.driver.CurrentReplicas(ctx, a.cfg.Service)

	if current >= a.cfg.MinReplicas {
		a.mu.Lock()
		a.state.CurrentReplicas = current
		a.mu.Unlock()
		return nil
	}

	a.logger.Info("worker count below minimum, correcting",
		slog.String("service", a.cfg.Service),
		slog.Int("current", current),
		slog.Int("min", a.cfg.MinReplicas))

	if err := a.driver.SetReplicas(ctx, a.cfg.Service, a.cfg.MinReplicas); err != nil {
		if a.metrics != nil {
			a.metrics.RecordScaleFailure(ctx, a.cfg.Service)
		}
		return fmt.Errorf("initial scale to minimum: %w", err)
	}

	a.mu.Lock()
	a.state = State{CurrentReplicas: a.cfg.MinReplicas, LastScale: a.now()}
	a.mu.Unlock()
	if a.metrics != nil {
		a.metrics.RecordDecision(ctx, string(ReasonFloorCorrection))
	}
	return nil
}

// Run logs the configuration, initializes, then ticks every PollInterval
// until ctx is cancelled. Tick failures never end the loop.
func (a *Autoscaler) Run(ctx context.Context) error {
	a.logger.Info("autoscaler started",
		slog.String("queue", a.cfg.Queue),
		slog.String("service", a.cfg.Service),
		slog.Int("min_workers", a.cfg.MinReplicas),
		slog.Int("max_workers", a.cfg.MaxReplicas),
		slog.Float64("scale_up_threshold", a.cfg.ScaleUpThreshold),
		slog.Float64("scale_down_threshold", a.cfg.ScaleDownThreshold),
		slog.Duration("check_interval", a.cfg.PollInterval),
		slog.Duration("cooldown_period", a.cfg.CooldownPeriod))

	if err := a.Init(ctx); err != nil {
		a.logger.Error("initial scaling failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()

	for {
		a.Tick(ctx)

		select {
		case <-ctx.Done():
			a.logger.Info("autoscaler stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// Tick runs one observe-decide-apply cycle and returns the decision. A panic
// inside the cycle is logged and yields a ReasonNone decision.
func (a *Autoscaler) Tick(ctx context.Context) (d Decision) {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("autoscaler tick panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			d = Decision{Reason: ReasonNone}
		}
	}()

	queueLength := a.depth(ctx)
	current := a.driver.CurrentReplicas(ctx, a.cfg.Service)

	a.mu.Lock()
	lastScale := a.state.LastScale
	a.mu.Unlock()

	now := a.now()
	d = Decide(a.cfg.Policy, Observation{
		QueueLength: queueLength,
		Current:     current,
		Now:         now,
		LastScale:   lastScale,
	})

	a.logger.Info("queue status",
		slog.String("queue", a.cfg.Queue),
		slog.Int("messages", queueLength),
		slog.Int("workers", current),
		slog.Float64("load_per_worker", d.Load))
	if a.metrics != nil {
		a.metrics.RecordQueueDepth(ctx, a.cfg.Queue, queueLength)
		a.metrics.RecordReplicas(ctx, a.cfg.Service, current)
		a.metrics.RecordDecision(ctx, string(d.Reason))
	}

	defer a.markTick()

	if d.Reason == ReasonNone || d.Target == current {
		return d
	}

	a.logger.Info("scaling workers",
		slog.String("service", a.cfg.Service),
		slog.Int("from", current),
		slog.Int("to", d.Target),
		slog.String("reason", string(d.Reason)))

	if err := a.driver.SetReplicas(ctx, a.cfg.Service, d.Target); err != nil {
		a.logger.Error("failed to scale workers",
			slog.String("service", a.cfg.Service),
			slog.Int("target", d.Target),
			slog.String("error", err.Error()))
		if a.metrics != nil {
			a.metrics.RecordScaleFailure(ctx, a.cfg.Service)
		}
		return d
	}

	a.mu.Lock()
	a.state = State{CurrentReplicas: d.Target, LastScale: now}
	a.mu.Unlock()

	a.logger.Info("scaled workers",
		slog.String("service", a.cfg.Service),
		slog.Int("replicas", d.Target))
	return d
}

func (a *Autoscaler) depth(ctx context.Context) int {
	ctx, cancel := context.WithTimeout(ctx, a.metricsTimeout)
	defer cancel()

	n, err := a.queue.Depth(ctx, a.cfg.Queue)
	switch {
	case err == nil:
		return n
	case errors.Is(err, queuestat.ErrQueueAbsent):
		a.logger.Debug("queue not declared yet, treating as empty", slog.String("queue", a.cfg.Queue))
	default:
		a.logger.Warn("failed to read queue depth, treating as empty",
			slog.String("queue", a.cfg.Queue),
			slog.String("error", err.Error()))
	}
	return 0
}

func (a *Autoscaler) markTick() {
	a.mu.Lock()
	a.lastTick = a.now()
	a.mu.Unlock()
}
