// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package producer

import (
	"errors"
	"fmt"
)

// Publish failure kinds.
var (
	// ErrBrokerUnavailable means no connection could be established, so the
	// message was never handed to the broker.
	ErrBrokerUnavailable = errors.New("broker unavailable")
	// ErrDeliveryFailed means the broker connection failed while publishing.
	// The message may or may not have been enqueued.
	ErrDeliveryFailed = errors.New("delivery failed")
)

// PublishError reports a failed Publish. It matches its Kind and its cause
// with errors.Is.
type PublishError struct {
	Kind          error
	CorrelationID string
	Err           error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("publish %q: %v: %v", e.CorrelationID, e.Kind, e.Err)
}

func (e *PublishError) Unwrap() []error {
	return []error{e.Kind, e.Err}
}

func kindLabel(kind error) string {
	if errors.Is(kind, ErrBrokerUnavailable) {
		return "broker_unavailable"
	}
	return "delivery_failed"
}
