// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger implements the partitioned stream on BadgerDB for
// single-binary deployments. Entries, the consumer-group pending list and
// the dead-letter log all live in one keyspace so that crash recovery needs
// no coordination beyond reopening the database.
//
// Key format:
//   - Entry:       e/{partition}/{seq}
//   - Sequence:    s/{partition}
//   - Cursor:      c/{partition}   (last delivered seq)
//   - Pending:     p/{partition}/{seq}
//   - Dead letter: d/{partition}/{seq}
package badger

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"

	"github.com/chatmesh/courier/stream"
	"github.com/chatmesh/courier/types"
)

// Config holds BadgerDB stream configuration.
type Config struct {
	Dir        string
	Partitions int
	// SyncWrites fsyncs every write. The stream is the durability boundary
	// for unpersisted messages, so this defaults to true unlike caches.
	SyncWrites bool
	// ReclaimIdle is how long another consumer's claim must sit idle before
	// a pending entry is redelivered.
	ReclaimIdle time.Duration
}

type partitionState struct {
	mu     sync.Mutex
	notify chan struct{}
}

// Store is a BadgerDB-backed stream.Stream.
type Store struct {
	db     *badger.DB
	cfg    Config
	parts  []*partitionState
	doneCh chan struct{}
	once   sync.Once
}

var _ stream.Stream = (*Store)(nil)

// New opens or creates the stream database.
func New(cfg Config) (*Store, error) {
	if cfg.Partitions <= 0 {
		cfg.Partitions = 1
	}
	if cfg.ReclaimIdle <= 0 {
		cfg.ReclaimIdle = 30 * time.Second
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = nil
	opts.SyncWrites = cfg.SyncWrites
	opts.NumVersionsToKeep = 1

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open stream database: %w", err)
	}

	parts := make([]*partitionState, cfg.Partitions)
	for i := range parts {
		parts[i] = &partitionState{notify: make(chan struct{}, 1)}
	}

	return &Store{
		db:     db,
		cfg:    cfg,
		parts:  parts,
		doneCh: make(chan struct{}),
	}, nil
}

// Partitions returns the fixed partition count.
func (s *Store) Partitions() int {
	return s.cfg.Partitions
}

func (s *Store) partition(p int) (*partitionState, error) {
	if p < 0 || p >= len(s.parts) {
		return nil, fmt.Errorf("%w: %d", stream.ErrPartitionOutOfRange, p)
	}
	return s.parts[p], nil
}

func entryKey(partition int, seq uint64) []byte {
	return []byte(fmt.Sprintf("e/%d/%020d", partition, seq))
}

func seqKey(partition int) []byte {
	return []byte(fmt.Sprintf("s/%d", partition))
}

func cursorKey(partition int) []byte {
	return []byte(fmt.Sprintf("c/%d", partition))
}

func pendingKey(partition int, seq uint64) []byte {
	return []byte(fmt.Sprintf("p/%d/%020d", partition, seq))
}

func deadKey(partition int, seq uint64) []byte {
	return []byte(fmt.Sprintf("d/%d/%020d", partition, seq))
}

func entryID(partition int, seq uint64) string {
	return fmt.Sprintf("%d-%d", partition, seq)
}

// parseEntryID splits "partition-seq" back into its components.
func parseEntryID(id string) (int, uint64, error) {
	i := strings.IndexByte(id, '-')
	if i < 0 {
		return 0, 0, fmt.Errorf("malformed entry id %q", id)
	}
	p, err := strconv.Atoi(id[:i])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed entry id %q: %w", id, err)
	}
	seq, err := strconv.ParseUint(id[i+1:], 10, 64)
	if err != nil {
		return 0, 0, fmt.Errorf("malformed entry id %q: %w", id, err)
	}
	return p, seq, nil
}

func getUint64(txn *badger.Txn, key []byte) (uint64, error) {
	item, err := txn.Get(key)
	if err == badger.ErrKeyNotFound {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var v uint64
	err = item.Value(func(val []byte) error {
		if len(val) != 8 {
			return fmt.Errorf("corrupt counter at %s", key)
		}
		v = binary.BigEndian.Uint64(val)
		return nil
	})
	return v, err
}

func setUint64(txn *badger.Txn, key []byte, v uint64) error {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return txn.Set(key, buf)
}

// Enqueue appends the envelope to its conversation's partition.
func (s *Store) Enqueue(ctx context.Context, env *types.MessageEnvelope) (string, error) {
	select {
	case <-s.doneCh:
		return "", stream.ErrStreamClosed
	default:
	}

	p := stream.PartitionFor(env.ConversationID, s.cfg.Partitions)
	ps := s.parts[p]

	data, err := json.Marshal(env)
	if err != nil {
		return "", fmt.Errorf("failed to marshal envelope: %w", err)
	}

	ps.mu.Lock()
	var seq uint64
	err = s.db.Update(func(txn *badger.Txn) error {
		cur, err := getUint64(txn, seqKey(p))
		if err != nil {
			return err
		}
		seq = cur + 1
		if err := setUint64(txn, seqKey(p), seq); err != nil {
			return err
		}
		return txn.Set(entryKey(p, seq), data)
	})
	ps.mu.Unlock()
	if err != nil {
		return "", fmt.Errorf("failed to append entry: %w", err)
	}

	select {
	case ps.notify <- struct{}{}:
	default:
	}

	return entryID(p, seq), nil
}

// Dequeue returns redeliverable pending entries followed by new entries,
// blocking up to block when none are available.
func (s *Store) Dequeue(ctx context.Context, partition int, consumerID string, batchSize int, block time.Duration) ([]stream.Entry, error) {
	ps, err := s.partition(partition)
	if err != nil {
		return nil, err
	}
	if batchSize <= 0 {
		batchSize = 1
	}

	deadline := time.NewTimer(block)
	defer deadline.Stop()

	for {
		batch, err := s.collect(ps, partition, consumerID, batchSize)
		if err != nil {
			return nil, err
		}
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
		case <-ps.notify:
		}
	}
}

func (s *Store) collect(ps *partitionState, partition int, consumerID string, batchSize int) ([]stream.Entry, error) {
	ps.mu.Lock()
	defer ps.mu.Unlock()

	now := time.Now()
	var batch []stream.Entry

	err := s.db.Update(func(txn *badger.Txn) error {
		batch = batch[:0]

		// Pass 1: redeliveries from the pending list.
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(fmt.Sprintf("p/%d/", partition))
		it := txn.NewIterator(opts)
		var redeliver []stream.PendingEntry
		for it.Rewind(); it.Valid(); it.Next() {
			var pe stream.PendingEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &pe)
			}); err != nil {
				it.Close()
				return err
			}
			if pe.ConsumerID == consumerID || now.Sub(pe.DeliveredAt) >= s.cfg.ReclaimIdle {
				redeliver = append(redeliver, pe)
			}
			if len(redeliver) >= batchSize {
				break
			}
		}
		it.Close()

		for _, pe := range redeliver {
			_, seq, err := parseEntryID(pe.EntryID)
			if err != nil {
				return err
			}
			env, err := s.readEntry(txn, partition, seq)
			if err == stream.ErrEntryNotFound {
				// Entry replayed or purged; drop the stale claim.
				if err := txn.Delete(pendingKey(partition, seq)); err != nil {
					return err
				}
				continue
			}
			if err != nil {
				return err
			}

			pe.ConsumerID = consumerID
			pe.DeliveredAt = now
			pe.DeliveryCount++
			if err := s.writePending(txn, partition, seq, &pe); err != nil {
				return err
			}
			batch = append(batch, stream.Entry{
				ID:            pe.EntryID,
				Partition:     partition,
				Envelope:      env,
				DeliveryCount: pe.DeliveryCount,
			})
		}

		if len(batch) >= batchSize {
			return nil
		}

		// Pass 2: new entries past the delivery cursor.
		cursor, err := getUint64(txn, cursorKey(partition))
		if err != nil {
			return err
		}
		last, err := getUint64(txn, seqKey(partition))
		if err != nil {
			return err
		}

		for seq := cursor + 1; seq <= last && len(batch) < batchSize; seq++ {
			env, err := s.readEntry(txn, partition, seq)
			if err == stream.ErrEntryNotFound {
				continue // trimmed or replayed away
			}
			if err != nil {
				return err
			}

			id := entryID(partition, seq)
			pe := stream.PendingEntry{
				EntryID:       id,
				Partition:     partition,
				ConsumerID:    consumerID,
				DeliveredAt:   now,
				DeliveryCount: 1,
			}
			if err := s.writePending(txn, partition, seq, &pe); err != nil {
				return err
			}
			if err := setUint64(txn, cursorKey(partition), seq); err != nil {
				return err
			}
			batch = append(batch, stream.Entry{
				ID:            id,
				Partition:     partition,
				Envelope:      env,
				DeliveryCount: 1,
			})
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("dequeue failed: %w", err)
	}

	return batch, nil
}

func (s *Store) readEntry(txn *badger.Txn, partition int, seq uint64) (*types.MessageEnvelope, error) {
	item, err := txn.Get(entryKey(partition, seq))
	if err == badger.ErrKeyNotFound {
		return nil, stream.ErrEntryNotFound
	}
	if err != nil {
		return nil, err
	}

	var env types.MessageEnvelope
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &env)
	}); err != nil {
		return nil, err
	}
	return &env, nil
}

func (s *Store) writePending(txn *badger.Txn, partition int, seq uint64, pe *stream.PendingEntry) error {
	data, err := json.Marshal(pe)
	if err != nil {
		return err
	}
	return txn.Set(pendingKey(partition, seq), data)
}

// Ack removes entries from the pending list. Unknown IDs are no-ops.
func (s *Store) Ack(ctx context.Context, partition int, entryIDs []string) error {
	ps, err := s.partition(partition)
	if err != nil {
		return err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		for _, id := range entryIDs {
			_, seq, err := parseEntryID(id)
			if err != nil {
				return err
			}
			if err := txn.Delete(pendingKey(partition, seq)); err != nil {
				return err
			}
		}
		return nil
	})
}

// Lag counts undelivered entries plus pending entries.
func (s *Store) Lag(ctx context.Context, partition int) (int64, error) {
	ps, err := s.partition(partition)
	if err != nil {
		return 0, err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	var lag int64
	err = s.db.View(func(txn *badger.Txn) error {
		cursor, err := getUint64(txn, cursorKey(partition))
		if err != nil {
			return err
		}
		last, err := getUint64(txn, seqKey(partition))
		if err != nil {
			return err
		}
		if last > cursor {
			lag = int64(last - cursor)
		}

		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(fmt.Sprintf("p/%d/", partition))
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			lag++
		}
		return nil
	})
	return lag, err
}

// SendToDeadLetter copies the envelope to the partition's dead-letter log.
func (s *Store) SendToDeadLetter(ctx context.Context, partition int, id string, env *types.MessageEnvelope, reason string, cause error) error {
	ps, err := s.partition(partition)
	if err != nil {
		return err
	}

	_, seq, err := parseEntryID(id)
	if err != nil {
		return err
	}

	lastErr := ""
	if cause != nil {
		lastErr = cause.Error()
	}

	entry := types.DeadLetterEntry{
		Partition: partition,
		EntryID:   id,
		Envelope:  env,
		Reason:    reason,
		LastError: lastErr,
		FailedAt:  time.Now(),
	}
	data, err := json.Marshal(&entry)
	if err != nil {
		return fmt.Errorf("failed to marshal dead letter: %w", err)
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(deadKey(partition, seq), data)
	})
}

// DeadLetters lists dead-letter entries for a partition in failure order.
func (s *Store) DeadLetters(ctx context.Context, partition int, limit int) ([]types.DeadLetterEntry, error) {
	if _, err := s.partition(partition); err != nil {
		return nil, err
	}

	var out []types.DeadLetterEntry
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(fmt.Sprintf("d/%d/", partition))
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			var entry types.DeadLetterEntry
			if err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &entry)
			}); err != nil {
				return err
			}
			out = append(out, entry)
			if limit > 0 && len(out) >= limit {
				return nil
			}
		}
		return nil
	})
	return out, err
}

// ReplayDeadLetter re-enqueues a dead-letter entry with a reset retry count.
func (s *Store) ReplayDeadLetter(ctx context.Context, partition int, id string) error {
	ps, err := s.partition(partition)
	if err != nil {
		return err
	}

	_, seq, err := parseEntryID(id)
	if err != nil {
		return err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	err = s.db.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(deadKey(partition, seq))
		if err == badger.ErrKeyNotFound {
			return stream.ErrEntryNotFound
		}
		if err != nil {
			return err
		}

		var entry types.DeadLetterEntry
		if err := item.Value(func(val []byte) error {
			return json.Unmarshal(val, &entry)
		}); err != nil {
			return err
		}

		env := *entry.Envelope
		env.RetryCount = 0
		data, err := json.Marshal(&env)
		if err != nil {
			return err
		}

		cur, err := getUint64(txn, seqKey(partition))
		if err != nil {
			return err
		}
		next := cur + 1
		if err := setUint64(txn, seqKey(partition), next); err != nil {
			return err
		}
		if err := txn.Set(entryKey(partition, next), data); err != nil {
			return err
		}
		return txn.Delete(deadKey(partition, seq))
	})
	if err != nil {
		return err
	}

	select {
	case ps.notify <- struct{}{}:
	default:
	}
	return nil
}

// PurgeDeadLetters removes all dead-letter entries for a partition.
func (s *Store) PurgeDeadLetters(ctx context.Context, partition int) (int, error) {
	ps, err := s.partition(partition)
	if err != nil {
		return 0, err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	count := 0
	err = s.db.Update(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = []byte(fmt.Sprintf("d/%d/", partition))
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)

		var keys [][]byte
		for it.Rewind(); it.Valid(); it.Next() {
			keys = append(keys, it.Item().KeyCopy(nil))
		}
		it.Close()

		for _, key := range keys {
			if err := txn.Delete(key); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// Close wakes blocked consumers and closes the database.
func (s *Store) Close() error {
	s.once.Do(func() { close(s.doneCh) })
	return s.db.Close()
}
