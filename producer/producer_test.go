// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package producer

import (
	"context"
	"errors"
	"testing"
	"time"

	qamqp "github.com/absmach/qscale/client/amqp091"
	"github.com/absmach/qscale/testutil"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const queueName = "telegram_updates"

func newProducer(t *testing.T, b *testutil.Broker, cfg Config) *Producer {
	t.Helper()
	if cfg.Queue.Name == "" {
		cfg.Queue = qamqp.QueueSpec{Name: queueName, Durable: true}
	}
	p, err := New(qamqp.NewOptions().SetDialer(b.Dial), cfg)
	require.NoError(t, err)
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func TestNewRequiresQueue(t *testing.T) {
	_, err := New(qamqp.NewOptions(), Config{})
	assert.ErrorIs(t, err, qamqp.ErrInvalidQueueName)
}

func TestPublishIsLazy(t *testing.T) {
	b := testutil.NewBroker()
	p := newProducer(t, b, Config{})

	assert.Equal(t, 0, b.Dials(), "no connection before first publish")
	assert.False(t, p.Connected())

	require.NoError(t, p.Publish(context.Background(), []byte(`{"update_id":1}`), "1"))
	assert.Equal(t, 1, b.Dials())
	assert.True(t, p.Connected())

	require.NoError(t, p.Publish(context.Background(), []byte(`{"update_id":2}`), "2"))
	assert.Equal(t, 1, b.Dials(), "healthy connection is reused")
}

func TestPing(t *testing.T) {
	b := testutil.NewBroker()
	p := newProducer(t, b, Config{})

	require.NoError(t, p.Ping(context.Background()))
	assert.True(t, p.Connected())
	_, ok := b.Queue(queueName)
	assert.True(t, ok, "ping declares the queue like a publish would")
	assert.Empty(t, b.Published())

	require.NoError(t, p.Ping(context.Background()))
	assert.Equal(t, 1, b.Dials(), "healthy connection is reused")

	b.DropConnections()
	b.SetDialError(errors.New("connection refused"))
	err := p.Ping(context.Background())
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.False(t, p.Connected())

	b.SetDialError(nil)
	require.NoError(t, p.Ping(context.Background()))
	assert.True(t, p.Connected())
}

func TestPublishMessageShape(t *testing.T) {
	b := testutil.NewBroker()
	p := newProducer(t, b, Config{ContentType: "application/json"})

	payload := []byte(`{"update_id":42}`)
	require.NoError(t, p.Publish(context.Background(), payload, "42"))

	q, ok := b.Queue(queueName)
	require.True(t, ok, "queue declared on first use")
	assert.True(t, q.Durable)
	assert.Equal(t, 1, q.Messages)

	pubs := b.Published()
	require.Len(t, pubs, 1)
	assert.Equal(t, "", pubs[0].Exchange, "default exchange")
	assert.Equal(t, queueName, pubs[0].Key)
	assert.Equal(t, amqp091.Persistent, pubs[0].Msg.DeliveryMode)
	assert.Equal(t, "42", pubs[0].Msg.CorrelationId)
	assert.Equal(t, "application/json", pubs[0].Msg.ContentType)
	assert.Empty(t, pubs[0].Msg.Expiration)
	assert.Equal(t, payload, pubs[0].Msg.Body)
}

func TestPublishBrokerDown(t *testing.T) {
	b := testutil.NewBroker()
	b.SetDialError(errors.New("dial tcp: connection refused"))
	p := newProducer(t, b, Config{})

	var err error
	require.NotPanics(t, func() {
		err = p.Publish(context.Background(), []byte("x"), "7")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.NotErrorIs(t, err, ErrDeliveryFailed)

	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)
	assert.Equal(t, "7", pubErr.CorrelationID)
	assert.Empty(t, b.Published(), "nothing is buffered")

	b.SetDialError(nil)
	require.NoError(t, p.Publish(context.Background(), []byte("x"), "8"), "next call reconnects")
	assert.Equal(t, 2, b.Dials())
}

func TestPublishDeclareFailure(t *testing.T) {
	b := testutil.NewBroker()
	b.SetDeclareError(&amqp091.Error{Code: amqp091.AccessRefused, Reason: "ACCESS_REFUSED"})
	p := newProducer(t, b, Config{})

	err := p.Publish(context.Background(), []byte("x"), "1")
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.Equal(t, 0, b.OpenConnections(), "half-open connection is released")
}

func TestPublishFailureDropsConnection(t *testing.T) {
	b := testutil.NewBroker()
	p := newProducer(t, b, Config{})
	require.NoError(t, p.Publish(context.Background(), []byte("a"), "1"))

	b.SetPublishError(amqp091.ErrClosed)
	err := p.Publish(context.Background(), []byte("b"), "2")
	assert.ErrorIs(t, err, ErrDeliveryFailed)
	assert.ErrorIs(t, err, amqp091.ErrClosed)
	assert.False(t, p.Connected())
	assert.Equal(t, 0, b.OpenConnections())

	b.SetPublishError(nil)
	require.NoError(t, p.Publish(context.Background(), []byte("c"), "3"))
	assert.Equal(t, 2, b.Dials())
	assert.Len(t, b.Published(), 2)
}

func TestPublishReconnectsAfterBrokerDrop(t *testing.T) {
	b := testutil.NewBroker()
	p := newProducer(t, b, Config{})
	require.NoError(t, p.Publish(context.Background(), []byte("a"), "1"))

	b.DropConnections()
	assert.False(t, p.Connected())

	require.NoError(t, p.Publish(context.Background(), []byte("b"), "2"))
	assert.Equal(t, 2, b.Dials())
}

func TestPublishBreakerShortCircuits(t *testing.T) {
	b := testutil.NewBroker()
	b.SetDialError(errors.New("refused"))
	p := newProducer(t, b, Config{BreakerThreshold: 2, BreakerResetTimeout: time.Hour})

	for i := 0; i < 2; i++ {
		assert.ErrorIs(t, p.Publish(context.Background(), nil, "x"), ErrBrokerUnavailable)
	}
	assert.Equal(t, 2, b.Dials())

	err := p.Publish(context.Background(), nil, "x")
	assert.ErrorIs(t, err, ErrBrokerUnavailable)
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, b.Dials(), "open breaker skips the dial")
}

func TestPublishErrorMessage(t *testing.T) {
	err := &PublishError{Kind: ErrDeliveryFailed, CorrelationID: "9", Err: errors.New("channel closed")}
	assert.Equal(t, `publish "9": delivery failed: channel closed`, err.Error())
}
