// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package memory provides in-memory idempotency stores for testing and
// development.
package memory

import (
	"context"
	"sync"

	"github.com/chatmesh/courier/idempotency"
	"github.com/chatmesh/courier/types"
)

// Store implements idempotency.MessageStore and idempotency.ReceiptStore
// using in-memory maps.
type Store struct {
	mu       sync.RWMutex
	messages map[string]*types.MessageEnvelope // idempotencyKey -> envelope
	receipts map[receiptKey]struct{}
}

type receiptKey struct {
	messageID string
	userID    string
	state     types.ReceiptState
}

var (
	_ idempotency.MessageStore = (*Store)(nil)
	_ idempotency.ReceiptStore = (*Store)(nil)
)

// New creates an empty store.
func New() *Store {
	return &Store{
		messages: make(map[string]*types.MessageEnvelope),
		receipts: make(map[receiptKey]struct{}),
	}
}

func (s *Store) PersistMessage(ctx context.Context, env *types.MessageEnvelope) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.messages[env.IdempotencyKey]; exists {
		return false, nil
	}
	c := *env
	s.messages[env.IdempotencyKey] = &c
	return true, nil
}

func (s *Store) LookupMessageID(ctx context.Context, idempotencyKey string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	env, ok := s.messages[idempotencyKey]
	if !ok {
		return "", idempotency.ErrMessageNotFound
	}
	return env.MessageID, nil
}

// MessageCount returns the number of persisted messages.
func (s *Store) MessageCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *Store) RecordReceipt(ctx context.Context, messageID, userID string, state types.ReceiptState) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := receiptKey{messageID: messageID, userID: userID, state: state}
	if _, exists := s.receipts[key]; exists {
		return false, nil
	}
	s.receipts[key] = struct{}{}
	return true, nil
}

func (s *Store) ReceiptStates(ctx context.Context, messageID, userID string) ([]types.ReceiptState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var states []types.ReceiptState
	for key := range s.receipts {
		if key.messageID == messageID && key.userID == userID {
			states = append(states, key.state)
		}
	}
	return states, nil
}
