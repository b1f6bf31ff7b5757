// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds OpenTelemetry metric instruments for the delivery pipeline.
type Metrics struct {
	meter metric.Meter

	// Counters
	messagesPersisted metric.Int64Counter
	idempotentHits    metric.Int64Counter
	recipientsOnline  metric.Int64Counter
	pushesScheduled   metric.Int64Counter
	redeliveries      metric.Int64Counter
	deadLetters       metric.Int64Counter
	errorsTotal       metric.Int64Counter

	// Histograms
	deliveryDuration metric.Float64Histogram
	batchSize        metric.Int64Histogram
}

// NewMetrics creates a new Metrics instance with all instruments initialized.
func NewMetrics() (*Metrics, error) {
	m := &Metrics{
		meter: otel.Meter("courier-delivery"),
	}

	var err error

	m.messagesPersisted, err = m.meter.Int64Counter(
		"courier.messages.persisted.total",
		metric.WithDescription("Total messages durably persisted by delivery workers"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create messagesPersisted counter: %w", err)
	}

	m.idempotentHits, err = m.meter.Int64Counter(
		"courier.idempotent.hits.total",
		metric.WithDescription("Redelivered messages already persisted and skipped"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create idempotentHits counter: %w", err)
	}

	m.recipientsOnline, err = m.meter.Int64Counter(
		"courier.recipients.online.total",
		metric.WithDescription("Recipients delivered to over the real-time transport"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create recipientsOnline counter: %w", err)
	}

	m.pushesScheduled, err = m.meter.Int64Counter(
		"courier.pushes.scheduled.total",
		metric.WithDescription("Push notifications scheduled for offline recipients"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create pushesScheduled counter: %w", err)
	}

	m.redeliveries, err = m.meter.Int64Counter(
		"courier.redeliveries.total",
		metric.WithDescription("Entries processed more than once"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create redeliveries counter: %w", err)
	}

	m.deadLetters, err = m.meter.Int64Counter(
		"courier.deadletters.total",
		metric.WithDescription("Entries moved to the dead-letter queue"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deadLetters counter: %w", err)
	}

	m.errorsTotal, err = m.meter.Int64Counter(
		"courier.delivery.errors.total",
		metric.WithDescription("Delivery pipeline errors by stage"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create errorsTotal counter: %w", err)
	}

	m.deliveryDuration, err = m.meter.Float64Histogram(
		"courier.delivery.duration.ms",
		metric.WithDescription("Per-entry delivery processing duration in milliseconds"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create deliveryDuration histogram: %w", err)
	}

	m.batchSize, err = m.meter.Int64Histogram(
		"courier.delivery.batch.size",
		metric.WithDescription("Dequeued batch size distribution"),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create batchSize histogram: %w", err)
	}

	return m, nil
}

// RecordPersisted records a message durably persisted for the first time.
func (m *Metrics) RecordPersisted(partition int) {
	m.messagesPersisted.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int("partition", partition),
	))
}

// RecordIdempotentHit records a redelivery that was already persisted.
func (m *Metrics) RecordIdempotentHit(partition int) {
	m.idempotentHits.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int("partition", partition),
	))
}

// RecordFanout records how many recipients were reached live and how many
// pushes were scheduled for a single message.
func (m *Metrics) RecordFanout(online, pushes int64) {
	ctx := context.Background()
	if online > 0 {
		m.recipientsOnline.Add(ctx, online)
	}
	if pushes > 0 {
		m.pushesScheduled.Add(ctx, pushes)
	}
}

// RecordRedelivery records an entry seen more than once.
func (m *Metrics) RecordRedelivery(partition int) {
	m.redeliveries.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int("partition", partition),
	))
}

// RecordDeadLetter records an entry parked on the dead-letter queue.
func (m *Metrics) RecordDeadLetter(partition int, reason string) {
	m.deadLetters.Add(context.Background(), 1, metric.WithAttributes(
		attribute.Int("partition", partition),
		attribute.String("reason", reason),
	))
}

// RecordError records a pipeline error by stage.
func (m *Metrics) RecordError(stage string) {
	m.errorsTotal.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("stage", stage),
	))
}

// RecordDeliveryDuration records the processing duration for one entry.
func (m *Metrics) RecordDeliveryDuration(durationMs float64) {
	m.deliveryDuration.Record(context.Background(), durationMs)
}

// RecordBatch records the size of a dequeued batch.
func (m *Metrics) RecordBatch(size int) {
	m.batchSize.Record(context.Background(), int64(size))
}
