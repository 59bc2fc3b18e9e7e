// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package consumer pulls messages from the work queue one at a time and
// settles each one according to the processor's verdict.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync/atomic"
	"time"

	qamqp "github.com/absmach/qscale/client/amqp091"
	"github.com/absmach/qscale/telemetry"
	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Default connect retry policy.
const (
	DefaultConnectAttempts = 5
	DefaultConnectDelay    = 5 * time.Second
)

// Processor handles one message payload. A nil error acknowledges the
// message; any error rejects it without requeue.
type Processor interface {
	Process(ctx context.Context, payload []byte) error
}

// ProcessorFunc adapts a function to Processor.
type ProcessorFunc func(ctx context.Context, payload []byte) error

// Process calls f.
func (f ProcessorFunc) Process(ctx context.Context, payload []byte) error {
	return f(ctx, payload)
}

type correlationKey struct{}

// CorrelationID returns the correlation id of the message being processed,
// or "" outside of a processor call.
func CorrelationID(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey{}).(string)
	return id
}

// Config configures a Consumer.
type Config struct {
	Queue           qamqp.QueueSpec
	ConnectAttempts int
	ConnectDelay    time.Duration
}

// Option configures optional Consumer collaborators.
type Option func(*Consumer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Consumer) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithMetrics enables metric recording.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(c *Consumer) {
		c.metrics = m
	}
}

// Consumer is a competing consumer on the work queue with prefetch 1.
// Each Run opens its own connection and closes it before returning.
type Consumer struct {
	cfg     Config
	opts    *qamqp.Options
	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer
	running atomic.Bool
}

// New creates a Consumer.
func New(opts *qamqp.Options, cfg Config, options ...Option) (*Consumer, error) {
	if opts == nil {
		opts = qamqp.NewOptions()
	}
	if cfg.Queue.Name == "" {
		return nil, qamqp.ErrInvalidQueueName
	}
	if cfg.ConnectAttempts < 1 {
		cfg.ConnectAttempts = DefaultConnectAttempts
	}
	if cfg.ConnectDelay < 0 {
		cfg.ConnectDelay = DefaultConnectDelay
	}

	o := opts.Clone().SetPrefetch(1, 0)
	if err := o.Validate(); err != nil {
		return nil, fmt.Errorf("invalid broker options: %w", err)
	}

	c := &Consumer{
		cfg:    cfg,
		opts:   o,
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/absmach/qscale/consumer"),
	}
	for _, opt := range options {
		opt(c)
	}
	return c, nil
}

// Running reports whether Run is attached to the queue.
func (c *Consumer) Running() bool {
	return c.running.Load()
}

// Run consumes until ctx is cancelled, then cancels the subscription and
// closes the connection once the in-flight message has been settled.
// It returns a *ConnectError if the broker cannot be reached within the
// retry budget, and ErrDeliveriesClosed if the broker ends the subscription.
func (c *Consumer) Run(ctx context.Context, proc Processor) error {
	if proc == nil {
		return ErrNilProcessor
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return err
	}
	if conn == nil {
		return nil
	}
	defer func() {
		if err := conn.Close(); err != nil {
			c.logger.Debug("failed to close consumer connection", slog.String("error", err.Error()))
		}
	}()

	ch, err := conn.Channel()
	if err != nil {
		return err
	}

	tag := "qscale-" + uuid.NewString()
	deliveries, err := ch.Consume(
		c.cfg.Queue.Name,
		tag,
		false, // auto-ack
		false, // exclusive
		false, // no-local
		false, // no-wait
		nil,
	)
	if err != nil {
		return fmt.Errorf("failed to start consuming from %q: %w", c.cfg.Queue.Name, err)
	}

	c.running.Store(true)
	defer c.running.Store(false)

	c.logger.Info("waiting for messages",
		slog.String("queue", c.cfg.Queue.Name),
		slog.String("consumer_tag", tag))

	for {
		select {
		case <-ctx.Done():
			if err := ch.Cancel(tag, false); err != nil {
				c.logger.Warn("failed to cancel consumer", slog.String("error", err.Error()))
			}
			c.logger.Info("consumer stopped", slog.String("queue", c.cfg.Queue.Name))
			return nil
		case d, ok := <-deliveries:
			if !ok {
				c.logger.Error("delivery channel closed", slog.String("queue", c.cfg.Queue.Name))
				return ErrDeliveriesClosed
			}
			c.handle(ctx, d, proc)
		}
	}
}

// connect dials with a bounded, fixed-delay retry. A nil Conn with a nil
// error means ctx was cancelled while waiting.
func (c *Consumer) connect(ctx context.Context) (*qamqp.Conn, error) {
	conn, err := qamqp.NewConn(c.opts)
	if err != nil {
		return nil, err
	}

	attempt := 0
	var lastErr error
	op := func() (*qamqp.Conn, error) {
		attempt++
		c.logger.Info("connecting consumer to broker",
			slog.String("endpoint", conn.Endpoint()),
			slog.Int("attempt", attempt),
			slog.Int("max_attempts", c.cfg.ConnectAttempts))

		lastErr = conn.Connect(ctx)
		if lastErr == nil {
			if _, lastErr = conn.DeclareQueue(c.cfg.Queue); lastErr == nil {
				c.logger.Info("consumer connected",
					slog.String("queue", c.cfg.Queue.Name),
					slog.Int("attempt", attempt))
				return conn, nil
			}
			lastErr = errors.Join(lastErr, conn.Close())
		}

		c.logger.Warn("consumer connection attempt failed",
			slog.Int("attempt", attempt),
			slog.String("error", lastErr.Error()))
		return nil, lastErr
	}

	connected, err := backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewConstantBackOff(c.cfg.ConnectDelay)),
		backoff.WithMaxTries(uint(c.cfg.ConnectAttempts)),
		backoff.WithMaxElapsedTime(0))
	switch {
	case err == nil:
		return connected, nil
	case attempt >= c.cfg.ConnectAttempts:
		return nil, &ConnectError{Attempts: attempt, Err: lastErr}
	case ctx.Err() != nil:
		return nil, nil
	default:
		return nil, &ConnectError{Attempts: attempt, Err: err}
	}
}

func (c *Consumer) handle(ctx context.Context, d amqp091.Delivery, proc Processor) {
	id := d.CorrelationId
	if id == "" {
		id = d.MessageId
	}

	// Cancellation of Run must not interrupt a message already being processed.
	pctx := context.WithValue(context.WithoutCancel(ctx), correlationKey{}, id)
	pctx, span := c.tracer.Start(pctx, "process "+c.cfg.Queue.Name,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.source", c.cfg.Queue.Name),
			attribute.String("messaging.message_id", id),
		))
	defer span.End()

	start := time.Now()
	err := c.process(pctx, proc, d.Body)
	elapsed := time.Since(start)

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "processing failed")
		if rerr := d.Reject(false); rerr != nil {
			c.logger.Error("failed to reject message",
				slog.String("correlation_id", id),
				slog.String("error", rerr.Error()))
		}
		c.logger.Error("failed to process update",
			slog.String("correlation_id", id),
			slog.Duration("duration", elapsed),
			slog.String("error", err.Error()))
		if c.metrics != nil {
			c.metrics.RecordRejected(pctx, c.cfg.Queue.Name, elapsed)
		}
		return
	}

	if aerr := d.Ack(false); aerr != nil {
		c.logger.Error("failed to acknowledge message",
			slog.String("correlation_id", id),
			slog.String("error", aerr.Error()))
		return
	}
	c.logger.Info("processed update",
		slog.String("correlation_id", id),
		slog.Duration("duration", elapsed))
	if c.metrics != nil {
		c.metrics.RecordAcked(pctx, c.cfg.Queue.Name, elapsed)
	}
}

func (c *Consumer) process(ctx context.Context, proc Processor, payload []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("processor panicked",
				slog.Any("panic", r),
				slog.String("stack", string(debug.Stack())))
			err = fmt.Errorf("processor panicked: %v", r)
		}
	}()
	return proc.Process(ctx, payload)
}
