// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp091_test

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	qamqp "github.com/absmach/qscale/client/amqp091"
	"github.com/absmach/qscale/testutil"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newConn(t *testing.T, b *testutil.Broker, prefetch int) *qamqp.Conn {
	t.Helper()
	opts := qamqp.NewOptions().SetDialer(b.Dial).SetPrefetch(prefetch, 0)
	c, err := qamqp.NewConn(opts)
	require.NoError(t, err)
	return c
}

func TestOptionsValidate(t *testing.T) {
	cases := []struct {
		desc string
		opts *qamqp.Options
		err  error
	}{
		{desc: "defaults", opts: qamqp.NewOptions()},
		{desc: "no address", opts: qamqp.NewOptions().SetAddress(""), err: qamqp.ErrNoAddress},
		{desc: "no user", opts: qamqp.NewOptions().SetCredentials("", ""), err: qamqp.ErrNoCredentials},
		{desc: "negative prefetch", opts: qamqp.NewOptions().SetPrefetch(-1, 0), err: qamqp.ErrInvalidPrefetch},
		{desc: "url overrides address", opts: &qamqp.Options{URL: "amqp://u:p@rabbit:5672/"}},
	}

	for _, tc := range cases {
		t.Run(tc.desc, func(t *testing.T) {
			err := tc.opts.Validate()
			if tc.err == nil {
				assert.NoError(t, err)
				return
			}
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestOptionsRedacted(t *testing.T) {
	opts := qamqp.NewOptions().SetAddress("rabbit:5672").SetCredentials("svc", "s3cret").SetVhost("jobs")
	redacted := opts.Redacted()
	assert.Contains(t, redacted, "rabbit:5672")
	assert.Contains(t, redacted, "/jobs")
	assert.NotContains(t, redacted, "s3cret")
}

func TestConnectAndClose(t *testing.T) {
	b := testutil.NewBroker()
	c := newConn(t, b, 0)

	assert.Equal(t, qamqp.StateDisconnected, c.State())
	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, qamqp.StateConnected, c.State())
	assert.True(t, c.IsConnected())
	assert.Equal(t, 1, b.OpenConnections())
	assert.Empty(t, b.QosCalls())

	err := c.Connect(context.Background())
	assert.ErrorIs(t, err, qamqp.ErrAlreadyConnected)

	require.NoError(t, c.Close())
	assert.Equal(t, qamqp.StateDisconnected, c.State())
	assert.Equal(t, 0, b.OpenConnections())
	assert.NoError(t, c.Close(), "closing twice is a no-op")
}

func TestConnectAppliesPrefetch(t *testing.T) {
	b := testutil.NewBroker()
	c := newConn(t, b, 1)

	require.NoError(t, c.Connect(context.Background()))
	assert.Equal(t, [][2]int{{1, 0}}, b.QosCalls())
}

func TestConnectDialFailure(t *testing.T) {
	b := testutil.NewBroker()
	b.SetDialError(errors.New("connection refused"))
	c := newConn(t, b, 0)

	err := c.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, qamqp.StateDisconnected, c.State())

	_, err = c.Channel()
	assert.ErrorIs(t, err, qamqp.ErrNotConnected)
}

func TestDroppedConnectionReportsDisconnected(t *testing.T) {
	b := testutil.NewBroker()
	c := newConn(t, b, 0)
	require.NoError(t, c.Connect(context.Background()))

	b.DropConnections()
	assert.Equal(t, qamqp.StateDisconnected, c.State())

	_, err := c.Channel()
	assert.ErrorIs(t, err, qamqp.ErrNotConnected)

	require.NoError(t, c.Connect(context.Background()), "reconnect after drop")
	assert.Equal(t, 2, b.Dials())
	assert.True(t, c.IsConnected())
}

func TestDeclareQueue(t *testing.T) {
	b := testutil.NewBroker()
	c := newConn(t, b, 0)
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.DeclareQueue(qamqp.QueueSpec{})
	assert.ErrorIs(t, err, qamqp.ErrInvalidQueueName)

	_, err = c.DeclareQueue(qamqp.QueueSpec{Name: "updates", Durable: true})
	require.NoError(t, err)
	_, err = c.DeclareQueue(qamqp.QueueSpec{Name: "updates", Durable: true})
	require.NoError(t, err, "redeclare is idempotent")

	q, ok := b.Queue("updates")
	require.True(t, ok)
	assert.True(t, q.Durable)
}

func TestDeclareQueueMismatch(t *testing.T) {
	b := testutil.NewBroker()
	b.AddQueue("updates", 0)
	c := newConn(t, b, 0)
	require.NoError(t, c.Connect(context.Background()))

	_, err := c.DeclareQueue(qamqp.QueueSpec{Name: "updates", Durable: false})
	require.Error(t, err)

	var amqpErr *amqp091.Error
	require.ErrorAs(t, err, &amqpErr)
	assert.Equal(t, amqp091.PreconditionFailed, amqpErr.Code)
}

func TestInspectQueue(t *testing.T) {
	b := testutil.NewBroker()
	b.AddQueue("updates", 42)
	c := newConn(t, b, 0)
	require.NoError(t, c.Connect(context.Background()))

	q, err := c.InspectQueue("updates")
	require.NoError(t, err)
	assert.Equal(t, 42, q.Messages)

	_, ok := b.Queue("missing")
	require.False(t, ok)

	_, err = c.InspectQueue("missing")
	assert.ErrorIs(t, err, qamqp.ErrQueueNotFound)
	assert.True(t, qamqp.IsNotFound(err))

	_, ok = b.Queue("missing")
	assert.False(t, ok, "passive inspection must not create the queue")
}

func TestErrorClassification(t *testing.T) {
	assert.True(t, qamqp.IsNotFound(&amqp091.Error{Code: amqp091.NotFound}))
	assert.False(t, qamqp.IsNotFound(&amqp091.Error{Code: amqp091.AccessRefused}))
	assert.True(t, qamqp.IsClosed(amqp091.ErrClosed))
	assert.True(t, qamqp.IsClosed(qamqp.ErrNotConnected))
	assert.False(t, qamqp.IsClosed(errors.New("boom")))
}

func TestQueueSpecWithDeadLetter(t *testing.T) {
	base := qamqp.QueueSpec{Name: "updates", Durable: true}
	assert.Nil(t, base.WithDeadLetter("", "").Args, "lossy by default")

	q := base.WithDeadLetter("updates.dlx", "dead")
	assert.Equal(t, amqp091.Table{
		"x-dead-letter-exchange":    "updates.dlx",
		"x-dead-letter-routing-key": "dead",
	}, q.Args)
	assert.Nil(t, base.Args, "original spec is not mutated")

	b := testutil.NewBroker()
	c := newConn(t, b, 0)
	require.NoError(t, c.Connect(context.Background()))
	_, err := c.DeclareQueue(q)
	require.NoError(t, err)

	declared, ok := b.Queue("updates")
	require.True(t, ok)
	assert.Equal(t, "updates.dlx", declared.Args["x-dead-letter-exchange"])
}

// silentListener accepts TCP connections and never speaks AMQP.
func silentListener(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			c.Close()
		}
	})
	return ln.Addr().String()
}

func connectWithin(t *testing.T, ctx context.Context, c *qamqp.Conn, limit time.Duration) error {
	t.Helper()
	errs := make(chan error, 1)
	go func() { errs <- c.Connect(ctx) }()
	select {
	case err := <-errs:
		return err
	case <-time.After(limit):
		t.Fatalf("Connect still blocked after %s", limit)
		return nil
	}
}

func TestConnectHandshakeTimeout(t *testing.T) {
	addr := silentListener(t)
	opts := qamqp.NewOptions().SetAddress(addr).SetDialTimeout(200 * time.Millisecond)
	c, err := qamqp.NewConn(opts)
	require.NoError(t, err)

	err = connectWithin(t, context.Background(), c, 3*time.Second)
	assert.Error(t, err)
	assert.Equal(t, qamqp.StateDisconnected, c.State())
}

func TestConnectHandshakeHonoursContext(t *testing.T) {
	addr := silentListener(t)
	opts := qamqp.NewOptions().SetAddress(addr).SetDialTimeout(time.Minute)
	c, err := qamqp.NewConn(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()

	err = connectWithin(t, ctx, c, 3*time.Second)
	assert.Error(t, err)
	assert.Equal(t, qamqp.StateDisconnected, c.State())
}

func TestConnectHandshakeStopsOnCancel(t *testing.T) {
	addr := silentListener(t)
	opts := qamqp.NewOptions().SetAddress(addr).SetDialTimeout(time.Minute)
	c, err := qamqp.NewConn(opts)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(200*time.Millisecond, cancel)

	err = connectWithin(t, ctx, c, 3*time.Second)
	assert.Error(t, err)
}
