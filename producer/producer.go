// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package producer enqueues opaque payloads as persistent messages on the
// work queue.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	qamqp "github.com/absmach/qscale/client/amqp091"
	"github.com/absmach/qscale/telemetry"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// DefaultPublishTimeout bounds a single publish when Config leaves it unset.
const DefaultPublishTimeout = 5 * time.Second

// Config configures a Producer.
type Config struct {
	Queue          qamqp.QueueSpec
	PublishTimeout time.Duration
	ContentType    string

	// BreakerThreshold is the number of consecutive connect failures after
	// which connects are short-circuited for BreakerResetTimeout.
	// Zero disables the breaker.
	BreakerThreshold    uint32
	BreakerResetTimeout time.Duration
}

// Option configures optional Producer collaborators.
type Option func(*Producer)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(p *Producer) {
		if l != nil {
			p.logger = l
		}
	}
}

// WithMetrics enables metric recording.
func WithMetrics(m *telemetry.Metrics) Option {
	return func(p *Producer) {
		p.metrics = m
	}
}

// Producer publishes messages over its own broker connection. The connection
// is opened lazily on the first Publish and re-opened on the next Publish
// after any failure. Publish is safe for concurrent use; calls are serialized
// over the single channel.
type Producer struct {
	cfg     Config
	conn    *qamqp.Conn
	breaker *gobreaker.CircuitBreaker
	logger  *slog.Logger
	metrics *telemetry.Metrics
	tracer  trace.Tracer

	mu sync.Mutex
}

// New creates a Producer. No connection is made until the first Publish.
func New(opts *qamqp.Options, cfg Config, options ...Option) (*Producer, error) {
	if cfg.Queue.Name == "" {
		return nil, qamqp.ErrInvalidQueueName
	}
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = DefaultPublishTimeout
	}

	conn, err := qamqp.NewConn(opts)
	if err != nil {
		return nil, fmt.Errorf("invalid broker options: %w", err)
	}

	p := &Producer{
		cfg:    cfg,
		conn:   conn,
		logger: slog.Default(),
		tracer: otel.Tracer("github.com/absmach/qscale/producer"),
	}
	for _, o := range options {
		o(p)
	}

	if cfg.BreakerThreshold > 0 {
		p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "broker-connect",
			MaxRequests: 1,
			Timeout:     cfg.BreakerResetTimeout,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= cfg.BreakerThreshold
			},
			OnStateChange: func(name string, from, to gobreaker.State) {
				p.logger.Warn("producer circuit breaker state changed",
					slog.String("breaker", name),
					slog.String("from", from.String()),
					slog.String("to", to.String()))
			},
		})
	}

	return p, nil
}

// Publish enqueues payload as a persistent message. correlationID is carried
// as the message's correlation and message id and used only for tracing and
// logging. Failures are returned as *PublishError; Publish never retries.
func (p *Producer) Publish(ctx context.Context, payload []byte, correlationID string) error {
	ctx, span := p.tracer.Start(ctx, "publish "+p.cfg.Queue.Name,
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.system", "rabbitmq"),
			attribute.String("messaging.destination", p.cfg.Queue.Name),
			attribute.String("messaging.message_id", correlationID),
		))
	defer span.End()

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureConnected(ctx); err != nil {
		return p.fail(ctx, span, ErrBrokerUnavailable, correlationID, err)
	}

	ch, err := p.conn.Channel()
	if err != nil {
		return p.fail(ctx, span, ErrBrokerUnavailable, correlationID, err)
	}

	pubCtx, cancel := context.WithTimeout(ctx, p.cfg.PublishTimeout)
	defer cancel()

	msg := amqp091.Publishing{
		ContentType:   p.cfg.ContentType,
		DeliveryMode:  amqp091.Persistent,
		CorrelationId: correlationID,
		MessageId:     correlationID,
		Timestamp:     time.Now(),
		Body:          payload,
	}
	if err := ch.PublishWithContext(pubCtx, "", p.cfg.Queue.Name, false, false, msg); err != nil {
		if cerr := p.conn.Close(); cerr != nil {
			p.logger.Debug("failed to close broken producer connection", slog.String("error", cerr.Error()))
		}
		return p.fail(ctx, span, ErrDeliveryFailed, correlationID, err)
	}

	p.logger.Info("published update",
		slog.String("queue", p.cfg.Queue.Name),
		slog.String("correlation_id", correlationID),
		slog.Int("size", len(payload)))
	if p.metrics != nil {
		p.metrics.RecordPublished(ctx, p.cfg.Queue.Name)
	}
	return nil
}

func (p *Producer) ensureConnected(ctx context.Context) error {
	if p.conn.IsConnected() {
		return nil
	}

	connect := func() (interface{}, error) {
		p.logger.Info("connecting producer to broker",
			slog.String("endpoint", p.conn.Endpoint()),
			slog.String("queue", p.cfg.Queue.Name))

		if err := p.conn.Connect(ctx); err != nil && !errors.Is(err, qamqp.ErrAlreadyConnected) {
			p.logger.Error("producer connection failed", slog.String("error", err.Error()))
			return nil, err
		}
		if _, err := p.conn.DeclareQueue(p.cfg.Queue); err != nil {
			p.logger.Error("producer queue declaration failed", slog.String("error", err.Error()))
			return nil, errors.Join(err, p.conn.Close())
		}

		p.logger.Info("producer connected", slog.String("queue", p.cfg.Queue.Name))
		return nil, nil
	}

	var err error
	if p.breaker != nil {
		_, err = p.breaker.Execute(connect)
	} else {
		_, err = connect()
	}
	return err
}

func (p *Producer) fail(ctx context.Context, span trace.Span, kind error, correlationID string, cause error) error {
	err := &PublishError{Kind: kind, CorrelationID: correlationID, Err: cause}

	span.RecordError(err)
	span.SetStatus(codes.Error, kind.Error())

	p.logger.Error("failed to publish update",
		slog.String("queue", p.cfg.Queue.Name),
		slog.String("correlation_id", correlationID),
		slog.String("kind", kindLabel(kind)),
		slog.String("error", cause.Error()))
	if p.metrics != nil {
		p.metrics.RecordPublishFailure(ctx, p.cfg.Queue.Name, kindLabel(kind))
	}
	return err
}

// Connected reports whether the producer currently holds a healthy connection.
func (p *Producer) Connected() bool {
	return p.conn.IsConnected()
}

// Ping opens the connection if it is not already open, the same way Publish
// would, without sending anything.
func (p *Producer) Ping(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.ensureConnected(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	return nil
}

// Close releases the broker connection. A later Publish reconnects.
func (p *Producer) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.conn.Close()
}
