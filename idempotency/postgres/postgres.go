// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package postgres implements the authoritative idempotency stores on
// PostgreSQL. Conditional inserts ride on unique constraints: over the
// idempotency key for messages and over (message_id, user_id, state) for
// receipts, so concurrent workers need no application-level locking.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatmesh/courier/idempotency"
	"github.com/chatmesh/courier/types"
)

const createTablesQuery = `
CREATE TABLE IF NOT EXISTS messages (
    idempotency_key TEXT PRIMARY KEY,
    message_id      TEXT NOT NULL,
    conversation_id TEXT NOT NULL,
    sender_id       TEXT NOT NULL,
    content         TEXT NOT NULL DEFAULT '',
    payload_key     TEXT NOT NULL DEFAULT '',
    content_type    TEXT NOT NULL,
    priority        TEXT NOT NULL,
    correlation_id  TEXT NOT NULL,
    recipient_ids   TEXT[] NOT NULL DEFAULT '{}',
    created_at      TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages (conversation_id, created_at);

CREATE TABLE IF NOT EXISTS message_receipts (
    message_id  TEXT NOT NULL,
    user_id     TEXT NOT NULL,
    state       TEXT NOT NULL,
    recorded_at TIMESTAMPTZ NOT NULL DEFAULT now(),
    PRIMARY KEY (message_id, user_id, state)
);
`

const insertMessageQuery = `
INSERT INTO messages (
    idempotency_key, message_id, conversation_id, sender_id,
    content, payload_key, content_type, priority, correlation_id,
    recipient_ids, created_at
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
ON CONFLICT (idempotency_key) DO NOTHING;
`

const lookupMessageIDQuery = `
SELECT message_id FROM messages WHERE idempotency_key = $1;
`

const insertReceiptQuery = `
INSERT INTO message_receipts (message_id, user_id, state)
VALUES ($1, $2, $3)
ON CONFLICT (message_id, user_id, state) DO NOTHING;
`

const receiptStatesQuery = `
SELECT state FROM message_receipts WHERE message_id = $1 AND user_id = $2;
`

// Store implements idempotency.MessageStore and idempotency.ReceiptStore
// on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

var (
	_ idempotency.MessageStore = (*Store)(nil)
	_ idempotency.ReceiptStore = (*Store)(nil)
)

// New creates the store and runs the schema migration.
func New(ctx context.Context, pool *pgxpool.Pool) (*Store, error) {
	if _, err := pool.Exec(ctx, createTablesQuery); err != nil {
		return nil, fmt.Errorf("failed to create idempotency tables: %w", err)
	}
	return &Store{pool: pool}, nil
}

// PersistMessage conditionally inserts the envelope. The command tag's row
// count distinguishes a fresh insert from an idempotent hit.
func (s *Store) PersistMessage(ctx context.Context, env *types.MessageEnvelope) (bool, error) {
	tag, err := s.pool.Exec(ctx, insertMessageQuery,
		env.IdempotencyKey,
		env.MessageID,
		env.ConversationID,
		env.SenderID,
		env.Content,
		env.PayloadKey,
		env.ContentType,
		string(env.Priority),
		env.CorrelationID,
		env.RecipientIDs,
		env.CreatedAt,
	)
	if err != nil {
		return false, fmt.Errorf("failed to persist message: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// LookupMessageID returns the message ID assigned to an idempotency key.
func (s *Store) LookupMessageID(ctx context.Context, idempotencyKey string) (string, error) {
	var messageID string
	err := s.pool.QueryRow(ctx, lookupMessageIDQuery, idempotencyKey).Scan(&messageID)
	if err == pgx.ErrNoRows {
		return "", idempotency.ErrMessageNotFound
	}
	if err != nil {
		return "", fmt.Errorf("failed to look up message: %w", err)
	}
	return messageID, nil
}

// RecordReceipt conditionally inserts a receipt transition.
func (s *Store) RecordReceipt(ctx context.Context, messageID, userID string, state types.ReceiptState) (bool, error) {
	tag, err := s.pool.Exec(ctx, insertReceiptQuery, messageID, userID, string(state))
	if err != nil {
		return false, fmt.Errorf("failed to record receipt: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ReceiptStates returns all recorded states for (messageID, userID).
func (s *Store) ReceiptStates(ctx context.Context, messageID, userID string) ([]types.ReceiptState, error) {
	rows, err := s.pool.Query(ctx, receiptStatesQuery, messageID, userID)
	if err != nil {
		return nil, fmt.Errorf("failed to query receipts: %w", err)
	}
	defer rows.Close()

	var states []types.ReceiptState
	for rows.Next() {
		var state string
		if err := rows.Scan(&state); err != nil {
			return nil, fmt.Errorf("failed to scan receipt: %w", err)
		}
		states = append(states, types.ReceiptState(state))
	}
	return states, rows.Err()
}
