// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package conversations

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/chatmesh/courier/producer"
)

const createDirectoryTablesQuery = `
CREATE TABLE IF NOT EXISTS conversations (
    id     TEXT PRIMARY KEY,
    active BOOLEAN NOT NULL DEFAULT TRUE
);

CREATE TABLE IF NOT EXISTS conversation_members (
    conversation_id TEXT NOT NULL REFERENCES conversations (id),
    user_id         TEXT NOT NULL,
    active          BOOLEAN NOT NULL DEFAULT TRUE,
    PRIMARY KEY (conversation_id, user_id)
);
`

// authorizeQuery resolves existence, activity and membership in one round
// trip so the hot path pays a single bounded query.
const authorizeQuery = `
SELECT c.active,
       COALESCE(m.active, FALSE)
FROM conversations c
LEFT JOIN conversation_members m
    ON m.conversation_id = c.id AND m.user_id = $2
WHERE c.id = $1;
`

// Postgres answers authorization queries from relational conversation
// state. Read-only on the hot path.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ producer.ConversationDirectory = (*Postgres)(nil)

// NewPostgres creates the directory and runs the schema migration.
func NewPostgres(ctx context.Context, pool *pgxpool.Pool) (*Postgres, error) {
	if _, err := pool.Exec(ctx, createDirectoryTablesQuery); err != nil {
		return nil, fmt.Errorf("failed to create conversation tables: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

// Authorize implements producer.ConversationDirectory.
func (p *Postgres) Authorize(ctx context.Context, conversationID, senderID string) (producer.Authorization, error) {
	var convActive, member bool
	err := p.pool.QueryRow(ctx, authorizeQuery, conversationID, senderID).Scan(&convActive, &member)
	if err == pgx.ErrNoRows {
		return producer.Authorization{}, nil
	}
	if err != nil {
		return producer.Authorization{}, fmt.Errorf("failed to authorize sender: %w", err)
	}
	return producer.Authorization{Found: true, Active: convActive, Member: member}, nil
}
