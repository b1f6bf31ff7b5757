// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides an in-memory stream implementation, primarily for
// testing and single-process development. Semantics match the durable
// implementations: per-partition append order, consumer-group pending list,
// reclaim of idle claims, dead-letter log.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/chatmesh/courier/stream"
	"github.com/chatmesh/courier/types"
)

// Options configures the in-memory stream.
type Options struct {
	Partitions int
	// ReclaimIdle is how long a pending entry claimed by another consumer
	// must sit idle before it becomes eligible for redelivery. Entries
	// pending for the polling consumer itself are always redelivered on its
	// next poll.
	ReclaimIdle time.Duration
}

type logEntry struct {
	seq      uint64
	id       string
	envelope *types.MessageEnvelope
}

type partitionLog struct {
	mu      sync.Mutex
	entries []logEntry
	nextSeq uint64
	cursor  int // index of the next never-delivered entry

	pending map[string]*stream.PendingEntry
	dead    []types.DeadLetterEntry

	notify chan struct{}
}

// Store is an in-memory stream.Stream.
type Store struct {
	opts   Options
	parts  []*partitionLog
	doneCh chan struct{}
	once   sync.Once
}

var _ stream.Stream = (*Store)(nil)

// New creates an in-memory stream with the given options.
func New(opts Options) *Store {
	if opts.Partitions <= 0 {
		opts.Partitions = 1
	}
	if opts.ReclaimIdle <= 0 {
		opts.ReclaimIdle = 30 * time.Second
	}

	parts := make([]*partitionLog, opts.Partitions)
	for i := range parts {
		parts[i] = &partitionLog{
			pending: make(map[string]*stream.PendingEntry),
			notify:  make(chan struct{}, 1),
		}
	}

	return &Store{
		opts:   opts,
		parts:  parts,
		doneCh: make(chan struct{}),
	}
}

// Partitions returns the fixed partition count.
func (s *Store) Partitions() int {
	return s.opts.Partitions
}

func (s *Store) partition(p int) (*partitionLog, error) {
	if p < 0 || p >= len(s.parts) {
		return nil, fmt.Errorf("%w: %d", stream.ErrPartitionOutOfRange, p)
	}
	return s.parts[p], nil
}

// Enqueue appends the envelope to the partition selected by its
// conversation ID and wakes any blocked consumer.
func (s *Store) Enqueue(ctx context.Context, env *types.MessageEnvelope) (string, error) {
	select {
	case <-s.doneCh:
		return "", stream.ErrStreamClosed
	default:
	}

	p := stream.PartitionFor(env.ConversationID, s.opts.Partitions)
	pl := s.parts[p]

	pl.mu.Lock()
	pl.nextSeq++
	entry := logEntry{
		seq:      pl.nextSeq,
		id:       entryID(p, pl.nextSeq),
		envelope: env,
	}
	pl.entries = append(pl.entries, entry)
	pl.mu.Unlock()

	// Non-blocking wake; a pending notification already covers this entry.
	select {
	case pl.notify <- struct{}{}:
	default:
	}

	return entry.id, nil
}

func entryID(partition int, seq uint64) string {
	return fmt.Sprintf("%d-%d", partition, seq)
}

// Dequeue collects redeliverable pending entries first, then new entries,
// blocking up to block when nothing is available.
func (s *Store) Dequeue(ctx context.Context, partition int, consumerID string, batchSize int, block time.Duration) ([]stream.Entry, error) {
	pl, err := s.partition(partition)
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	deadline := time.NewTimer(block)
	defer deadline.Stop()

	for {
		batch := s.collect(pl, partition, consumerID, batchSize)
		if len(batch) > 0 || block <= 0 {
			return batch, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.doneCh:
			return nil, stream.ErrStreamClosed
		case <-deadline.C:
			return nil, nil
		case <-pl.notify:
			// Re-check under lock.
		}
	}
}

func (s *Store) collect(pl *partitionLog, partition int, consumerID string, batchSize int) []stream.Entry {
	pl.mu.Lock()
	defer pl.mu.Unlock()

	now := time.Now()
	var batch []stream.Entry

	// Redeliveries: the consumer's own unacked entries come back on its
	// next poll; entries claimed by other consumers only after their claim
	// has been idle past the reclaim threshold (crash recovery). Sorted by
	// sequence, not entry ID, so redelivery preserves append order.
	type redelivery struct {
		entry logEntry
		pe    *stream.PendingEntry
	}
	var redeliver []redelivery
	for id, pe := range pl.pending {
		if pe.ConsumerID != consumerID && now.Sub(pe.DeliveredAt) < s.opts.ReclaimIdle {
			continue
		}
		entry, ok := pl.lookup(id)
		if !ok {
			// Entry replayed away from the log; drop the stale claim.
			delete(pl.pending, id)
			continue
		}
		redeliver = append(redeliver, redelivery{entry: entry, pe: pe})
	}
	sort.Slice(redeliver, func(i, j int) bool { return redeliver[i].entry.seq < redeliver[j].entry.seq })

	for _, r := range redeliver {
		if len(batch) >= batchSize {
			return batch
		}
		r.pe.ConsumerID = consumerID
		r.pe.DeliveredAt = now
		r.pe.DeliveryCount++
		batch = append(batch, stream.Entry{
			ID:            r.entry.id,
			Partition:     partition,
			Envelope:      r.entry.envelope,
			DeliveryCount: r.pe.DeliveryCount,
		})
	}

	for pl.cursor < len(pl.entries) && len(batch) < batchSize {
		entry := pl.entries[pl.cursor]
		pl.cursor++
		pl.pending[entry.id] = &stream.PendingEntry{
			EntryID:       entry.id,
			Partition:     partition,
			ConsumerID:    consumerID,
			DeliveredAt:   now,
			DeliveryCount: 1,
		}
		batch = append(batch, stream.Entry{
			ID:            entry.id,
			Partition:     partition,
			Envelope:      entry.envelope,
			DeliveryCount: 1,
		})
	}

	return batch
}

// lookup finds a log entry by ID. Callers must hold pl.mu.
func (pl *partitionLog) lookup(id string) (logEntry, bool) {
	for _, e := range pl.entries {
		if e.id == id {
			return e, true
		}
	}
	return logEntry{}, false
}

// Ack removes entries from the pending list. Unknown IDs are no-ops.
func (s *Store) Ack(ctx context.Context, partition int, entryIDs []string) error {
	pl, err := s.partition(partition)
	if err != nil {
		return err
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	for _, id := range entryIDs {
		delete(pl.pending, id)
	}
	return nil
}

// Lag returns undelivered plus delivered-but-unacknowledged entry counts.
func (s *Store) Lag(ctx context.Context, partition int) (int64, error) {
	pl, err := s.partition(partition)
	if err != nil {
		return 0, err
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	return int64(len(pl.entries)-pl.cursor) + int64(len(pl.pending)), nil
}

// SendToDeadLetter copies the envelope to the partition's dead-letter log.
// The original entry stays pending until the caller acknowledges it.
func (s *Store) SendToDeadLetter(ctx context.Context, partition int, entryID string, env *types.MessageEnvelope, reason string, cause error) error {
	pl, err := s.partition(partition)
	if err != nil {
		return err
	}

	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	pl.dead = append(pl.dead, types.DeadLetterEntry{
		Partition: partition,
		EntryID:   entryID,
		Envelope:  env,
		Reason:    reason,
		LastError: lastErr,
		FailedAt:  time.Now(),
	})
	return nil
}

// DeadLetters lists dead-letter entries for a partition.
func (s *Store) DeadLetters(ctx context.Context, partition int, limit int) ([]types.DeadLetterEntry, error) {
	pl, err := s.partition(partition)
	if err != nil {
		return nil, err
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	n := len(pl.dead)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]types.DeadLetterEntry, n)
	copy(out, pl.dead[:n])
	return out, nil
}

// ReplayDeadLetter re-enqueues a dead-letter entry with a reset retry count
// and removes it from the dead-letter log.
func (s *Store) ReplayDeadLetter(ctx context.Context, partition int, id string) error {
	pl, err := s.partition(partition)
	if err != nil {
		return err
	}

	pl.mu.Lock()
	idx := -1
	for i, d := range pl.dead {
		if d.EntryID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		pl.mu.Unlock()
		return stream.ErrEntryNotFound
	}

	env := *pl.dead[idx].Envelope
	env.RetryCount = 0
	pl.dead = append(pl.dead[:idx], pl.dead[idx+1:]...)

	pl.nextSeq++
	pl.entries = append(pl.entries, logEntry{
		seq:      pl.nextSeq,
		id:       entryID(partition, pl.nextSeq),
		envelope: &env,
	})
	pl.mu.Unlock()

	select {
	case pl.notify <- struct{}{}:
	default:
	}
	return nil
}

// PurgeDeadLetters removes all dead-letter entries for a partition.
func (s *Store) PurgeDeadLetters(ctx context.Context, partition int) (int, error) {
	pl, err := s.partition(partition)
	if err != nil {
		return 0, err
	}

	pl.mu.Lock()
	defer pl.mu.Unlock()

	n := len(pl.dead)
	pl.dead = nil
	return n, nil
}

// Close wakes all blocked consumers and rejects further operations.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.doneCh) })
	return nil
}
