// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package consumer

import (
	"errors"
	"fmt"
)

var (
	// ErrConnectExhausted is matched by every *ConnectError.
	ErrConnectExhausted = errors.New("broker connection retries exhausted")
	// ErrDeliveriesClosed is returned when the broker closes the delivery stream.
	ErrDeliveriesClosed = errors.New("delivery channel closed by broker")
	// ErrNilProcessor is returned by Run when no processor is given.
	ErrNilProcessor = errors.New("processor cannot be nil")
)

// ConnectError is returned when the bounded connect retry gives up.
type ConnectError struct {
	Attempts int
	Err      error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("failed to connect after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ConnectError) Unwrap() []error {
	return []error{ErrConnectExhausted, e.Err}
}
