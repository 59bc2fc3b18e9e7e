// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package testutil

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	qamqp "github.com/absmach/qscale/client/amqp091"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"
)

// Published is a message accepted by the fake broker.
type Published struct {
	Exchange string
	Key      string
	Msg      amqp091.Publishing
}

// Outcome is the settlement of one delivery.
type Outcome struct {
	Tag     uint64
	Kind    string // "ack", "nack" or "reject"
	Requeue bool
}

// QueueInfo is the declared state of a fake queue.
type QueueInfo struct {
	Name     string
	Durable  bool
	Args     amqp091.Table
	Messages int
}

// Broker is an in-memory stand-in for an AMQP 0.9.1 broker. It hands out
// fake connections through Dial and doubles as the Acknowledger of every
// delivery it produces.
type Broker struct {
	mu         sync.Mutex
	queues     map[string]*QueueInfo
	published  []Published
	outcomes   []Outcome
	events     []string
	qos        [][2]int
	cancelled  []string
	conns      []*Conn
	dialErr    error
	publishErr error
	declareErr error
	dials      int
	nextTag    uint64
	deliveries chan amqp091.Delivery
	consumers  int
}

var _ amqp091.Acknowledger = (*Broker)(nil)

// NewBroker creates an empty fake broker.
func NewBroker() *Broker {
	return &Broker{queues: make(map[string]*QueueInfo)}
}

// Dial satisfies qamqp.DialFunc.
func (b *Broker) Dial(_ string, _ amqp091.Config) (qamqp.Connection, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &Conn{b: b}
	b.conns = append(b.conns, c)
	return c, nil
}

// SetDialError makes subsequent dials fail with err (nil restores them).
func (b *Broker) SetDialError(err error) {
	b.mu.Lock()
	b.dialErr = err
	b.mu.Unlock()
}

// SetPublishError makes subsequent publishes fail with err.
func (b *Broker) SetPublishError(err error) {
	b.mu.Lock()
	b.publishErr = err
	b.mu.Unlock()
}

// SetDeclareError makes subsequent queue declarations fail with err.
func (b *Broker) SetDeclareError(err error) {
	b.mu.Lock()
	b.declareErr = err
	b.mu.Unlock()
}

// Dials returns the number of dial attempts.
func (b *Broker) Dials() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

// AddQueue pre-declares a queue holding the given number of messages.
func (b *Broker) AddQueue(name string, messages int) {
	b.mu.Lock()
	b.queues[name] = &QueueInfo{Name: name, Durable: true, Messages: messages}
	b.mu.Unlock()
}

// Queue returns the declared state of name.
func (b *Broker) Queue(name string) (QueueInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	q, ok := b.queues[name]
	if !ok {
		return QueueInfo{}, false
	}
	return *q, true
}

// Published returns a copy of every accepted publish.
func (b *Broker) Published() []Published {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Published(nil), b.published...)
}

// Outcomes returns the settlements recorded so far.
func (b *Broker) Outcomes() []Outcome {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]Outcome(nil), b.outcomes...)
}

// Record appends a test-defined event to the broker's event log, so tests
// can interleave their own markers with ack/reject events.
func (b *Broker) Record(event string) {
	b.mu.Lock()
	b.events = append(b.events, event)
	b.mu.Unlock()
}

// Events returns the ordered event log.
func (b *Broker) Events() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.events...)
}

// QosCalls returns every Qos(prefetchCount, prefetchSize) call.
func (b *Broker) QosCalls() [][2]int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([][2]int(nil), b.qos...)
}

// Cancelled returns the consumer tags that were cancelled.
func (b *Broker) Cancelled() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.cancelled...)
}

// OpenConnections counts connections not yet closed.
func (b *Broker) OpenConnections() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, c := range b.conns {
		if !c.IsClosed() {
			n++
		}
	}
	return n
}

// DropConnections simulates the broker closing every connection.
func (b *Broker) DropConnections() {
	b.mu.Lock()
	conns := append([]*Conn(nil), b.conns...)
	b.mu.Unlock()
	for _, c := range conns {
		c.drop()
	}
}

// WaitForConsumer blocks until a consumer is attached.
func (b *Broker) WaitForConsumer(t *testing.T) {
	t.Helper()
	require.Eventually(t, func() bool {
		b.mu.Lock()
		defer b.mu.Unlock()
		return b.consumers > 0 && b.deliveries != nil
	}, 2*time.Second, 5*time.Millisecond, "consumer never attached")
}

// Deliver pushes a message to the attached consumer and returns its tag.
func (b *Broker) Deliver(body []byte, correlationID string) uint64 {
	b.mu.Lock()
	b.nextTag++
	tag := b.nextTag
	ch := b.deliveries
	b.mu.Unlock()

	ch <- amqp091.Delivery{
		Acknowledger:  b,
		DeliveryTag:   tag,
		Body:          body,
		CorrelationId: correlationID,
		MessageId:     correlationID,
		DeliveryMode:  amqp091.Persistent,
	}
	return tag
}

// CloseDeliveries simulates the broker tearing down the consumer.
func (b *Broker) CloseDeliveries() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.deliveries != nil {
		close(b.deliveries)
		b.deliveries = nil
		b.consumers = 0
	}
}

// Ack implements amqp091.Acknowledger.
func (b *Broker) Ack(tag uint64, _ bool) error {
	b.settle(Outcome{Tag: tag, Kind: "ack"})
	return nil
}

// Nack implements amqp091.Acknowledger.
func (b *Broker) Nack(tag uint64, _ bool, requeue bool) error {
	b.settle(Outcome{Tag: tag, Kind: "nack", Requeue: requeue})
	return nil
}

// Reject implements amqp091.Acknowledger.
func (b *Broker) Reject(tag uint64, requeue bool) error {
	b.settle(Outcome{Tag: tag, Kind: "reject", Requeue: requeue})
	return nil
}

func (b *Broker) settle(o Outcome) {
	b.mu.Lock()
	b.outcomes = append(b.outcomes, o)
	b.events = append(b.events, fmt.Sprintf("%s:%d", o.Kind, o.Tag))
	b.mu.Unlock()
}

// Conn is a fake broker connection.
type Conn struct {
	b      *Broker
	closed atomic.Bool
	mu     sync.Mutex
	chans  []*Channel
}

var _ qamqp.Connection = (*Conn)(nil)

func (c *Conn) Channel() (qamqp.Channel, error) {
	if c.closed.Load() {
		return nil, amqp091.ErrClosed
	}
	ch := &Channel{b: c.b, conn: c}
	c.mu.Lock()
	c.chans = append(c.chans, ch)
	c.mu.Unlock()
	return ch, nil
}

func (c *Conn) IsClosed() bool { return c.closed.Load() }

func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return amqp091.ErrClosed
	}
	c.closeChannels()
	return nil
}

func (c *Conn) drop() {
	c.closed.Store(true)
	c.closeChannels()
}

func (c *Conn) closeChannels() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ch := range c.chans {
		ch.closed.Store(true)
	}
}

// Channel is a fake broker channel.
type Channel struct {
	b      *Broker
	conn   *Conn
	closed atomic.Bool
}

var _ qamqp.Channel = (*Channel)(nil)

func (ch *Channel) QueueDeclare(name string, durable, _, _, _ bool, args amqp091.Table) (amqp091.Queue, error) {
	if ch.closed.Load() {
		return amqp091.Queue{}, amqp091.ErrClosed
	}
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.b.declareErr != nil {
		return amqp091.Queue{}, ch.b.declareErr
	}
	q, ok := ch.b.queues[name]
	if !ok {
		q = &QueueInfo{Name: name, Durable: durable, Args: args}
		ch.b.queues[name] = q
	} else if q.Durable != durable {
		ch.closed.Store(true)
		return amqp091.Queue{}, &amqp091.Error{Code: amqp091.PreconditionFailed, Reason: "PRECONDITION_FAILED - inequivalent arg 'durable'"}
	}
	return amqp091.Queue{Name: name, Messages: q.Messages}, nil
}

func (ch *Channel) QueueDeclarePassive(name string, _, _, _, _ bool, _ amqp091.Table) (amqp091.Queue, error) {
	if ch.closed.Load() {
		return amqp091.Queue{}, amqp091.ErrClosed
	}
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	q, ok := ch.b.queues[name]
	if !ok {
		ch.closed.Store(true)
		return amqp091.Queue{}, &amqp091.Error{Code: amqp091.NotFound, Reason: "NOT_FOUND - no queue '" + name + "'"}
	}
	return amqp091.Queue{Name: name, Messages: q.Messages}, nil
}

func (ch *Channel) Qos(prefetchCount, prefetchSize int, _ bool) error {
	if ch.closed.Load() {
		return amqp091.ErrClosed
	}
	ch.b.mu.Lock()
	ch.b.qos = append(ch.b.qos, [2]int{prefetchCount, prefetchSize})
	ch.b.mu.Unlock()
	return nil
}

func (ch *Channel) Consume(_, _ string, autoAck, _, _, _ bool, _ amqp091.Table) (<-chan amqp091.Delivery, error) {
	if ch.closed.Load() {
		return nil, amqp091.ErrClosed
	}
	if autoAck {
		return nil, fmt.Errorf("fake broker only supports manual acknowledgement")
	}
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	d := make(chan amqp091.Delivery, 16)
	ch.b.deliveries = d
	ch.b.consumers++
	return d, nil
}

func (ch *Channel) PublishWithContext(ctx context.Context, exchange, key string, _, _ bool, msg amqp091.Publishing) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if ch.closed.Load() {
		return amqp091.ErrClosed
	}
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	if ch.b.publishErr != nil {
		return ch.b.publishErr
	}
	ch.b.published = append(ch.b.published, Published{Exchange: exchange, Key: key, Msg: msg})
	if q, ok := ch.b.queues[key]; ok && exchange == "" {
		q.Messages++
	}
	return nil
}

func (ch *Channel) Cancel(consumer string, _ bool) error {
	ch.b.mu.Lock()
	defer ch.b.mu.Unlock()
	ch.b.cancelled = append(ch.b.cancelled, consumer)
	ch.b.consumers = 0
	return nil
}

func (ch *Channel) IsClosed() bool { return ch.closed.Load() }

func (ch *Channel) Close() error {
	if ch.closed.Swap(true) {
		return amqp091.ErrClosed
	}
	return nil
}
