// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp091

import (
	"context"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Channel is the subset of *amqp091.Channel the pipeline relies on.
type Channel interface {
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	QueueDeclarePassive(name string, durable, autoDelete, exclusive, noWait bool, args amqp091.Table) (amqp091.Queue, error)
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp091.Table) (<-chan amqp091.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error
	Cancel(consumer string, noWait bool) error
	IsClosed() bool
	Close() error
}

// Connection is the subset of *amqp091.Connection the pipeline relies on.
type Connection interface {
	Channel() (Channel, error)
	IsClosed() bool
	Close() error
}

// DialFunc opens a connection to url using cfg.
type DialFunc func(url string, cfg amqp091.Config) (Connection, error)

// Dial is the default DialFunc backed by amqp091.DialConfig.
func Dial(url string, cfg amqp091.Config) (Connection, error) {
	conn, err := amqp091.DialConfig(url, cfg)
	if err != nil {
		return nil, err
	}
	return &connection{conn: conn}, nil
}

type connection struct {
	conn *amqp091.Connection
}

func (c *connection) Channel() (Channel, error) {
	ch, err := c.conn.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

func (c *connection) IsClosed() bool {
	return c.conn.IsClosed()
}

func (c *connection) Close() error {
	return c.conn.Close()
}
