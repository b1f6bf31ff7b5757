// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package stream

import (
	"context"
	"errors"
	"time"

	"github.com/chatmesh/courier/types"
)

var (
	ErrPartitionOutOfRange = errors.New("partition out of range")
	ErrEntryNotFound       = errors.New("entry not found")
	ErrStreamClosed        = errors.New("stream closed")
)

// Entry is a dequeued stream entry: a stable entry ID plus the envelope.
// Ownership of an entry belongs to the dequeuing consumer until it is
// acknowledged or reclaimed.
type Entry struct {
	ID        string
	Partition int
	Envelope  *types.MessageEnvelope

	// DeliveryCount is how many times this entry has been delivered to the
	// consumer group, including this delivery. It is the durable attempt
	// counter that drives the retry/dead-letter decision.
	DeliveryCount int
}

// PendingEntry tracks a delivered-but-unacknowledged entry for the consumer
// group. Pending entries are the at-least-once mechanism: they remain
// eligible for redelivery until explicitly acknowledged.
type PendingEntry struct {
	EntryID       string    `json:"entry_id"`
	Partition     int       `json:"partition"`
	ConsumerID    string    `json:"consumer_id"`
	DeliveredAt   time.Time `json:"delivered_at"`
	DeliveryCount int       `json:"delivery_count"`
}

// Stream is a durable, ordered, replayable log partitioned by conversation,
// with consumer-group pending-list semantics.
//
// Entries within one partition are delivered in append order. A conversation
// always maps to the same partition, so in-conversation ordering holds for
// the lifetime of the process configuration.
type Stream interface {
	// Enqueue appends the envelope to the partition selected by hashing its
	// conversation ID. It never silently drops: any failure is returned to
	// the caller.
	Enqueue(ctx context.Context, env *types.MessageEnvelope) (entryID string, err error)

	// Dequeue returns up to batchSize entries for the partition: first any
	// pending entries whose claim has been idle longer than the reclaim
	// threshold, then new entries. It blocks up to block waiting for new
	// entries and returns an empty batch on timeout. Cancellable via ctx.
	Dequeue(ctx context.Context, partition int, consumerID string, batchSize int, block time.Duration) ([]Entry, error)

	// Ack removes entries from the pending list. Acknowledging an already
	// acknowledged or unknown ID is a no-op.
	Ack(ctx context.Context, partition int, entryIDs []string) error

	// Lag returns the number of undelivered-or-unacknowledged entries for
	// the partition; the primary backpressure signal.
	Lag(ctx context.Context, partition int) (int64, error)

	// SendToDeadLetter copies the envelope to the partition's dead-letter
	// log annotated with failure metadata. The caller is expected to Ack
	// the original entry afterwards to stop redelivery.
	SendToDeadLetter(ctx context.Context, partition int, entryID string, env *types.MessageEnvelope, reason string, cause error) error

	// DeadLetters lists dead-letter entries for a partition. limit <= 0
	// means no limit.
	DeadLetters(ctx context.Context, partition int, limit int) ([]types.DeadLetterEntry, error)

	// ReplayDeadLetter re-enqueues a dead-letter entry onto its original
	// partition with a reset retry count, then removes it from the
	// dead-letter log.
	ReplayDeadLetter(ctx context.Context, partition int, entryID string) error

	// PurgeDeadLetters removes all dead-letter entries for a partition and
	// returns the number removed.
	PurgeDeadLetters(ctx context.Context, partition int) (int, error)

	// Partitions returns the fixed partition count.
	Partitions() int

	Close() error
}

// DeadLetterStats aggregates dead-letter counts by failure reason.
type DeadLetterStats struct {
	Total    int64            `json:"total"`
	ByReason map[string]int64 `json:"by_reason"`
}

// CollectDeadLetterStats builds stats across all partitions of a stream.
func CollectDeadLetterStats(ctx context.Context, s Stream) (*DeadLetterStats, error) {
	stats := &DeadLetterStats{ByReason: make(map[string]int64)}
	for p := 0; p < s.Partitions(); p++ {
		entries, err := s.DeadLetters(ctx, p, 0)
		if err != nil {
			return nil, err
		}
		for _, e := range entries {
			reason := e.Reason
			if reason == "" {
				reason = "unknown"
			}
			stats.ByReason[reason]++
			stats.Total++
		}
	}
	return stats, nil
}
