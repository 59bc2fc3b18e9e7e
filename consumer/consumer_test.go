// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	qamqp "github.com/absmach/qscale/client/amqp091"
	"github.com/absmach/qscale/testutil"
	amqp091 "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const queueName = "telegram_updates"

func newConsumer(t *testing.T, dial qamqp.DialFunc, attempts int) *Consumer {
	t.Helper()
	c, err := New(qamqp.NewOptions().SetDialer(dial), Config{
		Queue:           qamqp.QueueSpec{Name: queueName, Durable: true},
		ConnectAttempts: attempts,
		ConnectDelay:    time.Millisecond,
	})
	require.NoError(t, err)
	return c
}

type runResult struct {
	err error
}

func start(t *testing.T, c *Consumer, proc Processor) (context.CancelFunc, <-chan runResult) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan runResult, 1)
	go func() {
		done <- runResult{err: c.Run(ctx, proc)}
	}()
	t.Cleanup(cancel)
	return cancel, done
}

func wait(t *testing.T, done <-chan runResult) error {
	t.Helper()
	select {
	case r := <-done:
		return r.err
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
		return nil
	}
}

func waitOutcomes(t *testing.T, b *testutil.Broker, n int) []testutil.Outcome {
	t.Helper()
	require.Eventually(t, func() bool {
		return len(b.Outcomes()) >= n
	}, 2*time.Second, 5*time.Millisecond)
	return b.Outcomes()
}

func TestRunAcksAfterProcessing(t *testing.T) {
	b := testutil.NewBroker()
	c := newConsumer(t, b.Dial, 1)

	proc := ProcessorFunc(func(ctx context.Context, payload []byte) error {
		b.Record("start:" + CorrelationID(ctx))
		time.Sleep(10 * time.Millisecond)
		b.Record("end:" + CorrelationID(ctx))
		return nil
	})

	cancel, done := start(t, c, proc)
	b.WaitForConsumer(t)

	tag := b.Deliver([]byte(`{"update_id":1}`), "1")
	outcomes := waitOutcomes(t, b, 1)

	assert.Equal(t, []testutil.Outcome{{Tag: tag, Kind: "ack"}}, outcomes)
	assert.Equal(t, []string{"start:1", "end:1", fmt.Sprintf("ack:%d", tag)}, b.Events())
	assert.Equal(t, [][2]int{{1, 0}}, b.QosCalls(), "prefetch 1")

	q, ok := b.Queue(queueName)
	require.True(t, ok)
	assert.True(t, q.Durable)

	cancel()
	require.NoError(t, wait(t, done))
}

func TestRunRejectsWithoutRequeue(t *testing.T) {
	b := testutil.NewBroker()
	c := newConsumer(t, b.Dial, 1)

	proc := ProcessorFunc(func(context.Context, []byte) error {
		return errors.New("malformed update")
	})

	cancel, done := start(t, c, proc)
	b.WaitForConsumer(t)

	tag := b.Deliver([]byte("{"), "2")
	outcomes := waitOutcomes(t, b, 1)
	assert.Equal(t, []testutil.Outcome{{Tag: tag, Kind: "reject", Requeue: false}}, outcomes)

	cancel()
	require.NoError(t, wait(t, done))
}

func TestRunRejectsOnPanic(t *testing.T) {
	b := testutil.NewBroker()
	c := newConsumer(t, b.Dial, 1)

	proc := ProcessorFunc(func(context.Context, []byte) error {
		panic("nil map")
	})

	cancel, done := start(t, c, proc)
	b.WaitForConsumer(t)

	tag := b.Deliver([]byte("x"), "3")
	outcomes := waitOutcomes(t, b, 1)
	assert.Equal(t, []testutil.Outcome{{Tag: tag, Kind: "reject"}}, outcomes)

	cancel()
	require.NoError(t, wait(t, done))
}

func TestRunSettlesEachDeliveryOnce(t *testing.T) {
	b := testutil.NewBroker()
	c := newConsumer(t, b.Dial, 1)

	proc := ProcessorFunc(func(ctx context.Context, payload []byte) error {
		if string(payload) == "bad" {
			return errors.New("bad payload")
		}
		return nil
	})

	cancel, done := start(t, c, proc)
	b.WaitForConsumer(t)

	bodies := []string{"ok", "bad", "ok", "ok", "bad", "ok"}
	for i, body := range bodies {
		b.Deliver([]byte(body), fmt.Sprint(i))
	}

	outcomes := waitOutcomes(t, b, len(bodies))
	cancel()
	require.NoError(t, wait(t, done))

	require.Len(t, b.Outcomes(), len(bodies))
	seen := make(map[uint64]bool)
	for i, o := range outcomes {
		assert.False(t, seen[o.Tag], "tag %d settled twice", o.Tag)
		seen[o.Tag] = true
		assert.Equal(t, uint64(i+1), o.Tag, "deliveries are handled in order")
		want := "ack"
		if bodies[i] == "bad" {
			want = "reject"
		}
		assert.Equal(t, want, o.Kind)
	}
}

func TestRunFinishesInFlightOnCancel(t *testing.T) {
	b := testutil.NewBroker()
	c := newConsumer(t, b.Dial, 1)

	entered := make(chan struct{})
	release := make(chan struct{})
	var procCtxErr atomic.Value

	proc := ProcessorFunc(func(ctx context.Context, payload []byte) error {
		close(entered)
		<-release
		procCtxErr.Store(fmt.Sprint(ctx.Err()))
		return nil
	})

	cancel, done := start(t, c, proc)
	b.WaitForConsumer(t)
	assert.True(t, c.Running())

	tag := b.Deliver([]byte("slow"), "4")
	<-entered
	cancel()

	select {
	case <-done:
		t.Fatal("Run returned before the in-flight message was settled")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	require.NoError(t, wait(t, done))

	assert.Equal(t, []testutil.Outcome{{Tag: tag, Kind: "ack"}}, b.Outcomes())
	assert.Equal(t, "<nil>", procCtxErr.Load(), "processing is not interrupted by shutdown")
	assert.Len(t, b.Cancelled(), 1)
	assert.Equal(t, 0, b.OpenConnections())
	assert.False(t, c.Running())
}

func TestRunConnectRetryExhausted(t *testing.T) {
	b := testutil.NewBroker()
	b.SetDialError(errors.New("connection refused"))
	c := newConsumer(t, b.Dial, 3)

	err := c.Run(context.Background(), ProcessorFunc(func(context.Context, []byte) error { return nil }))
	require.Error(t, err)

	var connErr *ConnectError
	require.ErrorAs(t, err, &connErr)
	assert.Equal(t, 3, connErr.Attempts)
	assert.ErrorIs(t, err, ErrConnectExhausted)
	assert.ErrorContains(t, err, "connection refused")
	assert.Equal(t, 3, b.Dials())
}

func TestRunConnectRetryWaitsBetweenAttempts(t *testing.T) {
	b := testutil.NewBroker()
	b.SetDialError(errors.New("connection refused"))
	c, err := New(qamqp.NewOptions().SetDialer(b.Dial), Config{
		Queue:           qamqp.QueueSpec{Name: queueName, Durable: true},
		ConnectAttempts: 3,
		ConnectDelay:    50 * time.Millisecond,
	})
	require.NoError(t, err)

	begin := time.Now()
	err = c.Run(context.Background(), ProcessorFunc(func(context.Context, []byte) error { return nil }))
	assert.ErrorIs(t, err, ErrConnectExhausted)
	assert.GreaterOrEqual(t, time.Since(begin), 100*time.Millisecond, "two waits between three attempts")
	assert.Equal(t, 3, b.Dials())
}

func TestRunConnectRetrySucceeds(t *testing.T) {
	b := testutil.NewBroker()
	var calls atomic.Int32
	dial := func(url string, cfg amqp091.Config) (qamqp.Connection, error) {
		if calls.Add(1) < 3 {
			return nil, errors.New("broker starting")
		}
		return b.Dial(url, cfg)
	}
	c := newConsumer(t, dial, 5)

	cancel, done := start(t, c, ProcessorFunc(func(context.Context, []byte) error { return nil }))
	b.WaitForConsumer(t)
	assert.Equal(t, int32(3), calls.Load())

	cancel()
	require.NoError(t, wait(t, done))
}

func TestRunCancelledWhileRetrying(t *testing.T) {
	b := testutil.NewBroker()
	b.SetDialError(errors.New("connection refused"))
	c, err := New(qamqp.NewOptions().SetDialer(b.Dial), Config{
		Queue:           qamqp.QueueSpec{Name: queueName, Durable: true},
		ConnectAttempts: 5,
		ConnectDelay:    time.Hour,
	})
	require.NoError(t, err)

	cancel, done := start(t, c, ProcessorFunc(func(context.Context, []byte) error { return nil }))
	require.Eventually(t, func() bool { return b.Dials() == 1 }, time.Second, 5*time.Millisecond)
	cancel()
	require.NoError(t, wait(t, done))
}

func TestRunDeliveriesClosed(t *testing.T) {
	b := testutil.NewBroker()
	c := newConsumer(t, b.Dial, 1)

	_, done := start(t, c, ProcessorFunc(func(context.Context, []byte) error { return nil }))
	b.WaitForConsumer(t)
	b.CloseDeliveries()

	assert.ErrorIs(t, wait(t, done), ErrDeliveriesClosed)
	assert.Equal(t, 0, b.OpenConnections())
}

func TestRunNilProcessor(t *testing.T) {
	c := newConsumer(t, testutil.NewBroker().Dial, 1)
	assert.ErrorIs(t, c.Run(context.Background(), nil), ErrNilProcessor)
}

func TestNewRequiresQueue(t *testing.T) {
	_, err := New(qamqp.NewOptions(), Config{})
	assert.ErrorIs(t, err, qamqp.ErrInvalidQueueName)
}
