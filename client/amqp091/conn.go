// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp091

import (
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// State is the lifecycle state of a Conn.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// QueueSpec describes the single durable queue a component works against.
type QueueSpec struct {
	Name    string
	Durable bool
	Args    amqp091.Table
}

// WithDeadLetter returns a copy of q whose rejected messages the broker routes
// to exchange instead of dropping them. An empty exchange returns q unchanged.
func (q QueueSpec) WithDeadLetter(exchange, routingKey string) QueueSpec {
	if exchange == "" {
		return q
	}
	args := amqp091.Table{}
	for k, v := range q.Args {
		args[k] = v
	}
	args["x-dead-letter-exchange"] = exchange
	if routingKey != "" {
		args["x-dead-letter-routing-key"] = routingKey
	}
	q.Args = args
	return q
}

// Conn owns one connection and one channel to the broker.
// A Conn belongs to exactly one component; it is never shared between
// producers and consumers.
type Conn struct {
	opts *Options

	mu    sync.Mutex
	state State
	conn  Connection
	ch    Channel
}

// NewConn creates a disconnected Conn.
func NewConn(opts *Options) (*Conn, error) {
	if opts == nil {
		opts = NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	return &Conn{opts: opts.Clone()}, nil
}

// Connect dials the broker and opens a channel. The dial honours both the
// configured DialTimeout and ctx.
func (c *Conn) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == StateConnected && c.healthyLocked() {
		return ErrAlreadyConnected
	}
	c.releaseLocked()
	c.state = StateConnecting

	conn, ch, err := c.open(ctx)
	if err != nil {
		c.state = StateDisconnected
		return err
	}

	c.conn = conn
	c.ch = ch
	c.state = StateConnected
	return nil
}

func (c *Conn) open(ctx context.Context) (Connection, Channel, error) {
	url, err := c.opts.dialURL()
	if err != nil {
		return nil, nil, err
	}

	timeout := c.opts.DialTimeout
	if timeout <= 0 {
		timeout = DefaultDialTimeout
	}
	dialer := &net.Dialer{Timeout: timeout}

	// The deadline covers the TLS and AMQP handshakes, which amqp091 clears
	// once the connection is open. Cancelling ctx expires it early.
	var stop func() bool
	cfg := amqp091.Config{
		TLSClientConfig: c.opts.TLSConfig,
		Heartbeat:       c.opts.Heartbeat,
		Dial: func(network, addr string) (net.Conn, error) {
			nc, err := dialer.DialContext(ctx, network, addr)
			if err != nil {
				return nil, err
			}
			deadline := time.Now().Add(timeout)
			if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
				deadline = d
			}
			if err := nc.SetDeadline(deadline); err != nil {
				return nil, errors.Join(err, nc.Close())
			}
			stop = context.AfterFunc(ctx, func() {
				_ = nc.SetDeadline(time.Now())
			})
			return nc, nil
		},
	}

	dial := c.opts.Dialer
	if dial == nil {
		dial = Dial
	}

	conn, err := dial(url, cfg)
	if stop != nil && !stop() && err == nil {
		// ctx was cancelled after the handshake had already finished.
		err = errors.Join(ctx.Err(), conn.Close())
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to connect to broker: %w", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		return nil, nil, errors.Join(fmt.Errorf("failed to open channel: %w", err), conn.Close())
	}

	if c.opts.PrefetchCount > 0 || c.opts.PrefetchSize > 0 {
		if err := ch.Qos(c.opts.PrefetchCount, c.opts.PrefetchSize, false); err != nil {
			return nil, nil, errors.Join(fmt.Errorf("failed to set qos: %w", err), ch.Close(), conn.Close())
		}
	}

	return conn, ch, nil
}

// Close closes the channel and the connection. Closing a disconnected Conn
// is a no-op.
func (c *Conn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.releaseLocked()
}

func (c *Conn) releaseLocked() error {
	var chErr, connErr error
	if c.ch != nil && !c.ch.IsClosed() {
		chErr = c.ch.Close()
	}
	if c.conn != nil && !c.conn.IsClosed() {
		connErr = c.conn.Close()
	}
	c.ch = nil
	c.conn = nil
	c.state = StateDisconnected
	return errors.Join(chErr, connErr)
}

// State returns the current lifecycle state. A connection the broker has
// dropped reports StateDisconnected even before Close is called.
func (c *Conn) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == StateConnected && !c.healthyLocked() {
		return StateDisconnected
	}
	return c.state
}

// IsConnected reports whether both connection and channel are open.
func (c *Conn) IsConnected() bool {
	return c.State() == StateConnected
}

func (c *Conn) healthyLocked() bool {
	return c.conn != nil && c.ch != nil && !c.conn.IsClosed() && !c.ch.IsClosed()
}

// Channel returns the open channel.
func (c *Conn) Channel() (Channel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != StateConnected || !c.healthyLocked() {
		return nil, ErrNotConnected
	}
	return c.ch, nil
}

// DeclareQueue declares q if it does not exist. Re-declaring an existing
// queue with identical settings is a no-op on the broker.
func (c *Conn) DeclareQueue(q QueueSpec) (amqp091.Queue, error) {
	if q.Name == "" {
		return amqp091.Queue{}, ErrInvalidQueueName
	}
	ch, err := c.Channel()
	if err != nil {
		return amqp091.Queue{}, err
	}
	queue, err := ch.QueueDeclare(
		q.Name,
		q.Durable,
		false, // auto-delete
		false, // exclusive
		false, // no-wait
		q.Args,
	)
	if err != nil {
		return amqp091.Queue{}, fmt.Errorf("failed to declare queue %q: %w", q.Name, err)
	}
	return queue, nil
}

// InspectQueue passively declares name, returning its current state without
// creating or modifying it. A missing queue yields ErrQueueNotFound; the
// broker closes the channel in that case, so the Conn is unusable afterwards.
func (c *Conn) InspectQueue(name string) (amqp091.Queue, error) {
	if name == "" {
		return amqp091.Queue{}, ErrInvalidQueueName
	}
	ch, err := c.Channel()
	if err != nil {
		return amqp091.Queue{}, err
	}
	queue, err := ch.QueueDeclarePassive(
		name,
		false, // durable (ignored for passive)
		false, // auto-delete (ignored for passive)
		false, // exclusive (ignored for passive)
		false, // no-wait
		nil,   // args
	)
	if err != nil {
		if IsNotFound(err) {
			return amqp091.Queue{}, fmt.Errorf("%w: %s", ErrQueueNotFound, name)
		}
		return amqp091.Queue{}, fmt.Errorf("failed to inspect queue %q: %w", name, err)
	}
	return queue, nil
}

// Endpoint returns the redacted broker URL for logging.
func (c *Conn) Endpoint() string {
	return c.opts.Redacted()
}
