// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

const meterName = "github.com/absmach/qscale"

// Metrics holds the OpenTelemetry instruments for the dispatch pipeline and
// the autoscaler. Components take a *Metrics that may be nil.
type Metrics struct {
	meter metric.Meter

	// Gauges
	queueDepth      metric.Int64Gauge
	replicasCurrent metric.Int64Gauge

	// Counters
	scalingDecisions metric.Int64Counter
	scalingFailures  metric.Int64Counter
	published        metric.Int64Counter
	publishFailures  metric.Int64Counter
	acked            metric.Int64Counter
	rejected         metric.Int64Counter

	// Histograms
	processingDuration metric.Float64Histogram
}

// NewMetrics creates all instruments on mp. A nil mp uses the global provider.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	m := &Metrics{
		meter: mp.Meter(meterName),
	}

	var err error

	m.queueDepth, err = m.meter.Int64Gauge(
		"qscale.queue.depth",
		metric.WithDescription("Messages ready in the work queue at the last poll"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create queueDepth gauge: %w", err)
	}

	m.replicasCurrent, err = m.meter.Int64Gauge(
		"qscale.replicas.current",
		metric.WithDescription("Worker replicas reported by the orchestration driver"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create replicasCurrent gauge: %w", err)
	}

	m.scalingDecisions, err = m.meter.Int64Counter(
		"qscale.scaling.decisions",
		metric.WithDescription("Scaling decisions by reason"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scalingDecisions counter: %w", err)
	}

	m.scalingFailures, err = m.meter.Int64Counter(
		"qscale.scaling.failures",
		metric.WithDescription("Replica changes the driver failed to apply"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create scalingFailures counter: %w", err)
	}

	m.published, err = m.meter.Int64Counter(
		"qscale.messages.published",
		metric.WithDescription("Messages accepted by the broker"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create published counter: %w", err)
	}

	m.publishFailures, err = m.meter.Int64Counter(
		"qscale.messages.publish_failures",
		metric.WithDescription("Publish attempts that failed, by kind"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create publishFailures counter: %w", err)
	}

	m.acked, err = m.meter.Int64Counter(
		"qscale.messages.acked",
		metric.WithDescription("Deliveries acknowledged after successful processing"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create acked counter: %w", err)
	}

	m.rejected, err = m.meter.Int64Counter(
		"qscale.messages.rejected",
		metric.WithDescription("Deliveries rejected after failed processing"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create rejected counter: %w", err)
	}

	m.processingDuration, err = m.meter.Float64Histogram(
		"qscale.processing.duration",
		metric.WithDescription("Processor run time in milliseconds"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create processingDuration histogram: %w", err)
	}

	return m, nil
}

// RecordQueueDepth records the depth observed for queue.
func (m *Metrics) RecordQueueDepth(ctx context.Context, queue string, depth int) {
	m.queueDepth.Record(ctx, int64(depth), metric.WithAttributes(
		attribute.String("queue", queue),
	))
}

// RecordReplicas records the replica count observed for service.
func (m *Metrics) RecordReplicas(ctx context.Context, service string, replicas int) {
	m.replicasCurrent.Record(ctx, int64(replicas), metric.WithAttributes(
		attribute.String("service", service),
	))
}

// RecordDecision counts one scaling decision.
func (m *Metrics) RecordDecision(ctx context.Context, reason string) {
	m.scalingDecisions.Add(ctx, 1, metric.WithAttributes(
		attribute.String("reason", reason),
	))
}

// RecordScaleFailure counts one failed SetReplicas call.
func (m *Metrics) RecordScaleFailure(ctx context.Context, service string) {
	m.scalingFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("service", service),
	))
}

// RecordPublished counts one successful publish.
func (m *Metrics) RecordPublished(ctx context.Context, queue string) {
	m.published.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
	))
}

// RecordPublishFailure counts one failed publish.
func (m *Metrics) RecordPublishFailure(ctx context.Context, queue, kind string) {
	m.publishFailures.Add(ctx, 1, metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("kind", kind),
	))
}

// RecordAcked counts an acknowledged delivery and its processing time.
func (m *Metrics) RecordAcked(ctx context.Context, queue string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("queue", queue))
	m.acked.Add(ctx, 1, attrs)
	m.processingDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("outcome", "ack"),
	))
}

// RecordRejected counts a rejected delivery and its processing time.
func (m *Metrics) RecordRejected(ctx context.Context, queue string, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("queue", queue))
	m.rejected.Add(ctx, 1, attrs)
	m.processingDuration.Record(ctx, float64(d)/float64(time.Millisecond), metric.WithAttributes(
		attribute.String("queue", queue),
		attribute.String("outcome", "reject"),
	))
}
