// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package badger implements the idempotency stores on BadgerDB for
// single-binary deployments. Conditional insert is a get-then-set inside
// one transaction; Badger's serializable transactions make the check and
// the write atomic.
//
// Key format:
//   - Message: m/{idempotencyKey}
//   - Receipt: r/{messageID}/{userID}/{state}
package badger

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"

	"github.com/chatmesh/courier/idempotency"
	"github.com/chatmesh/courier/types"
)

// Store implements idempotency.MessageStore and idempotency.ReceiptStore.
type Store struct {
	db *badger.DB
}

var (
	_ idempotency.MessageStore = (*Store)(nil)
	_ idempotency.ReceiptStore = (*Store)(nil)
)

// New creates a store on an already opened database.
func New(db *badger.DB) *Store {
	return &Store{db: db}
}

// Open opens a dedicated database at dir and returns a store over it.
func Open(dir string) (*Store, error) {
	opts := badger.DefaultOptions(dir)
	opts.Logger = nil
	opts.SyncWrites = true

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open idempotency database: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func messageKey(idempotencyKey string) []byte {
	return []byte("m/" + idempotencyKey)
}

func receiptKey(messageID, userID string, state types.ReceiptState) []byte {
	return []byte("r/" + messageID + "/" + userID + "/" + string(state))
}

func receiptPrefix(messageID, userID string) []byte {
	return []byte("r/" + messageID + "/" + userID + "/")
}

// PersistMessage inserts the envelope unless its idempotency key exists.
func (s *Store) PersistMessage(ctx context.Context, env *types.MessageEnvelope) (bool, error) {
	inserted := false
	err := s.db.Update(func(txn *badger.Txn) error {
		key := messageKey(env.IdempotencyKey)
		_, err := txn.Get(key)
		if err == nil {
			return nil // idempotent hit
		}
		if err != badger.ErrKeyNotFound {
			return err
		}

		data, err := json.Marshal(env)
		if err != nil {
			return fmt.Errorf("failed to marshal envelope: %w", err)
		}
		if err := txn.Set(key, data); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to persist message: %w", err)
	}
	return inserted, nil
}

// LookupMessageID returns the message ID stored for an idempotency key.
func (s *Store) LookupMessageID(ctx context.Context, idempotencyKey string) (string, error) {
	var messageID string
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(messageKey(idempotencyKey))
		if err == badger.ErrKeyNotFound {
			return idempotency.ErrMessageNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			var env types.MessageEnvelope
			if err := json.Unmarshal(val, &env); err != nil {
				return err
			}
			messageID = env.MessageID
			return nil
		})
	})
	if err != nil {
		return "", err
	}
	return messageID, nil
}

// RecordReceipt conditionally inserts a receipt transition.
func (s *Store) RecordReceipt(ctx context.Context, messageID, userID string, state types.ReceiptState) (bool, error) {
	inserted := false
	err := s.db.Update(func(txn *badger.Txn) error {
		key := receiptKey(messageID, userID, state)
		_, err := txn.Get(key)
		if err == nil {
			return nil
		}
		if err != badger.ErrKeyNotFound {
			return err
		}
		if err := txn.Set(key, []byte{1}); err != nil {
			return err
		}
		inserted = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to record receipt: %w", err)
	}
	return inserted, nil
}

// ReceiptStates returns all recorded states for (messageID, userID).
func (s *Store) ReceiptStates(ctx context.Context, messageID, userID string) ([]types.ReceiptState, error) {
	var states []types.ReceiptState
	prefix := receiptPrefix(messageID, userID)

	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			key := string(it.Item().Key())
			state := key[strings.LastIndexByte(key, '/')+1:]
			states = append(states, types.ReceiptState(state))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return states, nil
}
