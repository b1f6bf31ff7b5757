// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package delivery implements the cold path of the message backbone: per
// partition workers that long-poll the stream, persist envelopes
// idempotently, fan messages out to online recipients, schedule push
// notifications for offline ones, and acknowledge or dead-letter entries.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/chatmesh/courier/idempotency"
	"github.com/chatmesh/courier/push"
	"github.com/chatmesh/courier/stream"
	"github.com/chatmesh/courier/types"
)

// Options configures a partition worker.
type Options struct {
	// BatchSize is the maximum number of entries pulled per poll.
	BatchSize int

	// PollBlock is how long a dequeue blocks waiting for entries.
	PollBlock time.Duration

	// MaxRetries is the number of redeliveries allowed before an entry is
	// moved to the dead-letter queue. The first attempt does not count.
	MaxRetries int
}

// DefaultOptions returns worker options with sensible defaults.
func DefaultOptions() Options {
	return Options{
		BatchSize:  100,
		PollBlock:  5 * time.Second,
		MaxRetries: 3,
	}
}

func (o *Options) normalize() {
	if o.BatchSize <= 0 {
		o.BatchSize = 100
	}
	if o.PollBlock <= 0 {
		o.PollBlock = 5 * time.Second
	}
	if o.MaxRetries < 0 {
		o.MaxRetries = 0
	}
}

// Worker processes one partition. Entries in a batch are handled
// sequentially so in-conversation ordering stays trivial to reason about;
// parallelism comes from running one worker per partition.
type Worker struct {
	partition  int
	consumerID string

	stream   stream.Stream
	messages idempotency.MessageStore
	receipts idempotency.ReceiptStore
	fanout   *Fanout
	pusher   *push.Scheduler
	metrics  *Metrics
	logger   *slog.Logger

	opts Options
}

// NewWorker creates a delivery worker for one partition. The push
// scheduler and metrics may be nil.
func NewWorker(
	partition int,
	consumerID string,
	str stream.Stream,
	messages idempotency.MessageStore,
	receipts idempotency.ReceiptStore,
	fanout *Fanout,
	pusher *push.Scheduler,
	metrics *Metrics,
	logger *slog.Logger,
	opts Options,
) *Worker {
	opts.normalize()
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		partition:  partition,
		consumerID: consumerID,
		stream:     str,
		messages:   messages,
		receipts:   receipts,
		fanout:     fanout,
		pusher:     pusher,
		metrics:    metrics,
		logger:     logger.With("partition", partition, "consumer_id", consumerID),
		opts:       opts,
	}
}

// Run is the worker main loop. It long-polls the partition until ctx is
// cancelled. A batch already dequeued when cancellation arrives is
// processed to completion before Run returns, so in-flight entries are
// acknowledged rather than left to time out into redelivery.
func (w *Worker) Run(ctx context.Context) {
	w.logger.Info("delivery worker started")
	defer w.logger.Info("delivery worker stopped")

	for {
		entries, err := w.stream.Dequeue(ctx, w.partition, w.consumerID, w.opts.BatchSize, w.opts.PollBlock)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, stream.ErrStreamClosed) {
				return
			}
			if w.metrics != nil {
				w.metrics.RecordError("dequeue")
			}
			w.logger.Error("dequeue failed", "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(time.Second):
			}
			continue
		}

		if len(entries) == 0 {
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		}

		// Finish the batch even if shutdown started mid-poll.
		w.ProcessBatch(context.WithoutCancel(ctx), entries)

		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// ProcessBatch handles a dequeued batch sequentially and acknowledges all
// fully processed entries in one call. Entries that fail are left
// unacknowledged below the retry limit and dead-lettered at it.
func (w *Worker) ProcessBatch(ctx context.Context, entries []stream.Entry) {
	if w.metrics != nil {
		w.metrics.RecordBatch(len(entries))
	}

	acked := make([]string, 0, len(entries))
	for _, entry := range entries {
		if w.processEntry(ctx, entry) {
			acked = append(acked, entry.ID)
		}
	}

	if len(acked) == 0 {
		return
	}
	if err := w.stream.Ack(ctx, w.partition, acked); err != nil {
		// The entries stay pending and will be redelivered; idempotent
		// persistence makes the replay harmless.
		if w.metrics != nil {
			w.metrics.RecordError("ack")
		}
		w.logger.Error("batch ack failed", "entries", len(acked), "error", err)
	}
}

// processEntry runs one envelope through persist, fan-out and push
// scheduling. It returns true when the entry should be acknowledged.
func (w *Worker) processEntry(ctx context.Context, entry stream.Entry) bool {
	start := time.Now()
	env := entry.Envelope
	logger := w.logger.With(
		"entry_id", entry.ID,
		"message_id", env.MessageID,
		"conversation_id", env.ConversationID,
		"correlation_id", env.CorrelationID,
	)

	if entry.DeliveryCount > 1 {
		if w.metrics != nil {
			w.metrics.RecordRedelivery(w.partition)
		}
		logger.Info("entry redelivered", "delivery_count", entry.DeliveryCount)
	}

	inserted, err := w.messages.PersistMessage(ctx, env)
	if err != nil {
		if w.metrics != nil {
			w.metrics.RecordError("persist")
		}
		logger.Error("persist failed", "delivery_count", entry.DeliveryCount, "error", err)
		return w.retryOrPark(ctx, entry, fmt.Errorf("persist failed: %w", err), logger)
	}

	if !inserted {
		// Already persisted by an earlier attempt that crashed before
		// acking, or a duplicate send that slipped past the ingress
		// cache. Treat as fully delivered and stop here.
		if w.metrics != nil {
			w.metrics.RecordIdempotentHit(w.partition)
		}
		logger.Info("idempotent hit, skipping fan-out")
		return true
	}

	if w.metrics != nil {
		w.metrics.RecordPersisted(w.partition)
	}

	for _, userID := range env.RecipientIDs {
		if _, err := w.receipts.RecordReceipt(ctx, env.MessageID, userID, types.ReceiptSent); err != nil {
			// Receipts are derived state; the message itself is safe.
			logger.Warn("failed to record sent receipt", "user_id", userID, "error", err)
		}
	}

	offline, delivered, err := w.fanout.Deliver(ctx, env)
	if err != nil {
		if w.metrics != nil {
			w.metrics.RecordError("fanout")
		}
		logger.Error("fan-out failed", "delivery_count", entry.DeliveryCount, "error", err)
		return w.retryOrPark(ctx, entry, fmt.Errorf("fan-out failed: %w", err), logger)
	}

	for _, userID := range delivered {
		if _, err := w.receipts.RecordReceipt(ctx, env.MessageID, userID, types.ReceiptDelivered); err != nil {
			logger.Warn("failed to record delivered receipt", "user_id", userID, "error", err)
		}
	}

	scheduled := 0
	if w.pusher != nil {
		for _, userID := range offline {
			if w.pusher.Schedule(env, userID) {
				scheduled++
			}
		}
	}

	if w.metrics != nil {
		w.metrics.RecordFanout(int64(len(delivered)), int64(scheduled))
		w.metrics.RecordDeliveryDuration(float64(time.Since(start).Microseconds()) / 1000.0)
	}

	logger.Info("message delivered",
		"online", len(delivered),
		"offline", len(offline),
		"pushes_scheduled", scheduled,
		"duration_ms", time.Since(start).Milliseconds())
	return true
}

// retryOrPark decides what to do with a failed entry: leave it pending so
// the stream redelivers it, or move it to the dead-letter queue once its
// redelivery budget is spent. MaxRetries bounds redeliveries, not total
// attempts; the first delivery plus MaxRetries redeliveries may all fail
// before the entry is parked.
func (w *Worker) retryOrPark(ctx context.Context, entry stream.Entry, cause error, logger *slog.Logger) bool {
	if entry.DeliveryCount <= w.opts.MaxRetries {
		logger.Warn("leaving entry for redelivery",
			"delivery_count", entry.DeliveryCount,
			"max_retries", w.opts.MaxRetries)
		return false
	}
	return w.deadLetter(ctx, entry, "retries exhausted", cause, logger)
}

// deadLetter copies the envelope to the dead-letter queue with an owned
// retry count and reports the entry as acknowledgeable so redelivery
// stops.
func (w *Worker) deadLetter(ctx context.Context, entry stream.Entry, reason string, cause error, logger *slog.Logger) bool {
	env := entry.Envelope.WithRetry(entry.DeliveryCount - 1)
	if err := w.stream.SendToDeadLetter(ctx, w.partition, entry.ID, env, reason, cause); err != nil {
		// Could not park the entry; keep it pending so it is not lost.
		if w.metrics != nil {
			w.metrics.RecordError("deadletter")
		}
		logger.Error("failed to dead-letter entry", "reason", reason, "error", err)
		return false
	}
	if w.metrics != nil {
		w.metrics.RecordDeadLetter(w.partition, reason)
	}
	logger.Error("entry dead-lettered",
		"reason", reason,
		"delivery_count", entry.DeliveryCount,
		"cause", cause)
	return true
}
