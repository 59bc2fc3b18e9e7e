// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package queuestat reports the number of ready messages in a queue.
package queuestat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	qamqp "github.com/absmach/qscale/client/amqp091"
)

var (
	// ErrQueueAbsent is returned when the queue has never been declared.
	// Callers treat it as an empty queue.
	ErrQueueAbsent = errors.New("queue absent")
	// ErrBrokerUnavailable is returned when no connection could be made.
	ErrBrokerUnavailable = errors.New("broker unavailable")
)

// Inspector queries queue depth over a fresh connection per call. Nothing
// is cached between calls.
type Inspector struct {
	opts   *qamqp.Options
	logger *slog.Logger
}

// New creates an Inspector.
func New(opts *qamqp.Options, logger *slog.Logger) (*Inspector, error) {
	if opts == nil {
		opts = qamqp.NewOptions()
	}
	if err := opts.Validate(); err != nil {
		return nil, fmt.Errorf("invalid broker options: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Inspector{opts: opts.Clone(), logger: logger}, nil
}

// Depth returns the number of messages ready for delivery in queue. The
// queue is inspected passively and never created.
func (i *Inspector) Depth(ctx context.Context, queue string) (int, error) {
	conn, err := qamqp.NewConn(i.opts)
	if err != nil {
		return 0, err
	}
	if err := conn.Connect(ctx); err != nil {
		return 0, fmt.Errorf("%w: %w", ErrBrokerUnavailable, err)
	}
	defer func() {
		if err := conn.Close(); err != nil {
			i.logger.Debug("failed to close metrics connection", slog.String("error", err.Error()))
		}
	}()

	q, err := conn.InspectQueue(queue)
	if err != nil {
		if qamqp.IsNotFound(err) {
			return 0, fmt.Errorf("%w: %s", ErrQueueAbsent, queue)
		}
		return 0, err
	}
	return q.Messages, nil
}
