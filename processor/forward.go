// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package processor

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/absmach/qscale/consumer"
	"github.com/sony/gobreaker"
)

// Forwarder defaults.
const (
	DefaultForwardTimeout      = 10 * time.Second
	DefaultBreakerThreshold    = 5
	DefaultBreakerResetTimeout = 60 * time.Second
)

// ErrForwardRejected is returned when the downstream answers non-2xx.
var ErrForwardRejected = errors.New("downstream rejected message")

var _ consumer.Processor = (*Forwarder)(nil)

// ForwardConfig configures a Forwarder.
type ForwardConfig struct {
	URL                 string
	Timeout             time.Duration
	Headers             map[string]string
	BreakerThreshold    uint32
	BreakerResetTimeout time.Duration
}

// Forwarder POSTs each payload to a downstream HTTP endpoint. Calls go
// through a circuit breaker so a dead downstream fails messages fast
// instead of holding each one for the full timeout.
type Forwarder struct {
	cfg     ForwardConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
}

// NewForwarder creates a Forwarder. A nil client uses a default client.
func NewForwarder(cfg ForwardConfig, client *http.Client, logger *slog.Logger) (*Forwarder, error) {
	if cfg.URL == "" {
		return nil, errors.New("forward url cannot be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultForwardTimeout
	}
	if cfg.BreakerThreshold == 0 {
		cfg.BreakerThreshold = DefaultBreakerThreshold
	}
	if cfg.BreakerResetTimeout <= 0 {
		cfg.BreakerResetTimeout = DefaultBreakerResetTimeout
	}
	if client == nil {
		client = &http.Client{}
	}
	if logger == nil {
		logger = slog.Default()
	}

	f := &Forwarder{
		cfg:    cfg,
		client: client,
		logger: logger,
	}
	f.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.URL,
		MaxRequests: 1,
		Interval:    0,
		Timeout:     cfg.BreakerResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.BreakerThreshold
		},
		OnStateChange: func(name string, from gobreaker.State, to gobreaker.State) {
			logger.Warn("forward circuit breaker state changed",
				slog.String("endpoint", name),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})
	return f, nil
}

// Process implements consumer.Processor.
func (f *Forwarder) Process(ctx context.Context, payload []byte) error {
	_, err := f.breaker.Execute(func() (interface{}, error) {
		return nil, f.send(ctx, payload)
	})
	if err != nil {
		return fmt.Errorf("forward to %s: %w", f.cfg.URL, err)
	}
	return nil
}

func (f *Forwarder) send(ctx context.Context, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, f.cfg.Timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, f.cfg.URL, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "qscale-worker/1.0")
	if id := consumer.CorrelationID(ctx); id != "" {
		req.Header.Set("X-Correlation-ID", id)
	}
	for key, value := range f.cfg.Headers {
		req.Header.Set(key, value)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return fmt.Errorf("http request failed: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: status %d", ErrForwardRejected, resp.StatusCode)
	}

	f.logger.DebugContext(ctx, "forwarded update",
		slog.String("correlation_id", consumer.CorrelationID(ctx)),
		slog.Int("status", resp.StatusCode))
	return nil
}
