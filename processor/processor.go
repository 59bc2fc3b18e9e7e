// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package processor provides the message handlers a worker can run.
package processor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/absmach/qscale/consumer"
)

// ErrInvalidPayload is returned for payloads that are not a JSON object.
var ErrInvalidPayload = errors.New("payload is not a JSON object")

var _ consumer.Processor = (*Log)(nil)

// Log validates that each payload is a JSON object and logs it. It is the
// default worker processor.
type Log struct {
	logger *slog.Logger
}

// NewLog creates a Log processor.
func NewLog(logger *slog.Logger) *Log {
	if logger == nil {
		logger = slog.Default()
	}
	return &Log{logger: logger}
}

// Process implements consumer.Processor.
func (p *Log) Process(ctx context.Context, payload []byte) error {
	var event map[string]json.RawMessage
	if err := json.Unmarshal(payload, &event); err != nil || event == nil {
		return fmt.Errorf("%w: %d bytes", ErrInvalidPayload, len(payload))
	}

	attrs := []any{
		slog.String("correlation_id", consumer.CorrelationID(ctx)),
		slog.Int("fields", len(event)),
	}
	if msg, ok := event["message"]; ok {
		var m struct {
			Text string `json:"text"`
		}
		if json.Unmarshal(msg, &m) == nil && m.Text != "" {
			attrs = append(attrs, slog.Int("text_length", len(m.Text)))
		}
	}
	p.logger.InfoContext(ctx, "processing update", attrs...)
	return nil
}
