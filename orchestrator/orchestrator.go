// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator defines how the autoscaler observes and changes the
// number of worker replicas, independent of the platform running them.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

var (
	// ErrScaleFailed wraps every SetReplicas failure.
	ErrScaleFailed = errors.New("failed to scale service")
	// ErrInvalidReplicas is returned for a negative replica count.
	ErrInvalidReplicas = errors.New("replica count cannot be negative")
)

// Driver is what the autoscaler depends on.
type Driver interface {
	// CurrentReplicas returns the number of running replicas of service. It
	// never fails: when the platform cannot be queried it returns the last
	// value it knew to be good.
	CurrentReplicas(ctx context.Context, service string) int
	// SetReplicas asks the platform to run count replicas of service. It
	// returns once the request is accepted, not once it has converged.
	SetReplicas(ctx context.Context, service string, count int) error
}

// Backend is a platform integration that may fail on reads.
type Backend interface {
	Replicas(ctx context.Context, service string) (int, error)
	Scale(ctx context.Context, service string, count int) error
}

var _ Driver = (*LastKnown)(nil)

// LastKnown turns a Backend into a Driver by remembering the last replica
// count that was read or successfully applied per service.
type LastKnown struct {
	backend Backend
	initial int
	timeout time.Duration
	logger  *slog.Logger

	mu    sync.Mutex
	known map[string]int
}

// NewLastKnown wraps backend. initial is reported for a service that has
// never been read successfully. A positive timeout bounds every backend call.
func NewLastKnown(backend Backend, initial int, timeout time.Duration, logger *slog.Logger) *LastKnown {
	if logger == nil {
		logger = slog.Default()
	}
	return &LastKnown{
		backend: backend,
		initial: initial,
		timeout: timeout,
		logger:  logger,
		known:   make(map[string]int),
	}
}

// CurrentReplicas implements Driver.
func (d *LastKnown) CurrentReplicas(ctx context.Context, service string) int {
	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	n, err := d.backend.Replicas(ctx, service)
	if err != nil {
		last := d.last(service)
		d.logger.Warn("failed to read current replicas, using last known value",
			slog.String("service", service),
			slog.Int("last_known", last),
			slog.String("error", err.Error()))
		return last
	}

	d.remember(service, n)
	return n
}

// SetReplicas implements Driver.
func (d *LastKnown) SetReplicas(ctx context.Context, service string, count int) error {
	if count < 0 {
		return ErrInvalidReplicas
	}

	ctx, cancel := d.withTimeout(ctx)
	defer cancel()

	if err := d.backend.Scale(ctx, service, count); err != nil {
		return fmt.Errorf("%w %s to %d: %w", ErrScaleFailed, service, count, err)
	}

	d.remember(service, count)
	return nil
}

func (d *LastKnown) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if d.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, d.timeout)
}

func (d *LastKnown) last(service string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.known[service]; ok {
		return n
	}
	return d.initial
}

func (d *LastKnown) remember(service string, n int) {
	d.mu.Lock()
	d.known[service] = n
	d.mu.Unlock()
}
