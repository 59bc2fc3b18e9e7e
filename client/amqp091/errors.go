// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package amqp091

import (
	"errors"

	amqp091 "github.com/rabbitmq/amqp091-go"
)

// Connection errors.
var (
	ErrNoAddress        = errors.New("no broker address configured")
	ErrNoCredentials    = errors.New("no broker credentials configured")
	ErrInvalidPrefetch  = errors.New("prefetch limits cannot be negative")
	ErrNotConnected     = errors.New("broker connection not established")
	ErrAlreadyConnected = errors.New("broker connection already established")
	ErrInvalidQueueName = errors.New("queue name cannot be empty")
	ErrQueueNotFound    = errors.New("queue does not exist")
)

// IsNotFound reports whether err is the broker's 404 channel exception, which
// a passive declare raises for a queue that was never declared.
func IsNotFound(err error) bool {
	if errors.Is(err, ErrQueueNotFound) {
		return true
	}
	var amqpErr *amqp091.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp091.NotFound
	}
	return false
}

// IsClosed reports whether err signals that the connection or channel is gone.
func IsClosed(err error) bool {
	if errors.Is(err, amqp091.ErrClosed) || errors.Is(err, ErrNotConnected) {
		return true
	}
	var amqpErr *amqp091.Error
	if errors.As(err, &amqpErr) {
		return amqpErr.Code == amqp091.ChannelError || amqpErr.Code == amqp091.ConnectionForced
	}
	return false
}
