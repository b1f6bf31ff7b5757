// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package idempotency

import (
	"context"
	"errors"

	"github.com/chatmesh/courier/types"
)

var ErrMessageNotFound = errors.New("message not found")

// MessageStore is the authoritative persistence boundary for messages.
// Implementations rely on a uniqueness constraint over the idempotency key
// as the concurrency-control primitive: conditional insert is safe under
// concurrent workers without explicit locking.
type MessageStore interface {
	// PersistMessage inserts the envelope if no message with its
	// idempotency key exists. It returns inserted=false on an idempotent
	// hit; the caller must then skip all downstream side effects.
	PersistMessage(ctx context.Context, env *types.MessageEnvelope) (inserted bool, err error)

	// LookupMessageID returns the message ID previously assigned to an
	// idempotency key, or ErrMessageNotFound.
	LookupMessageID(ctx context.Context, idempotencyKey string) (string, error)
}

// ReceiptStore records per-recipient state transitions, uniquely keyed by
// (messageID, userID, state) so a repeated transition is a no-op.
type ReceiptStore interface {
	// RecordReceipt conditionally inserts a state transition and reports
	// whether a row was newly written. Duplicate transitions are silently
	// absorbed.
	RecordReceipt(ctx context.Context, messageID, userID string, state types.ReceiptState) (inserted bool, err error)

	// ReceiptStates returns all recorded states for (messageID, userID),
	// in no particular order.
	ReceiptStates(ctx context.Context, messageID, userID string) ([]types.ReceiptState, error)
}

// CurrentReceiptState reads the furthest state recorded for a recipient.
// Rows may have been written out of order; READ implies DELIVERED implies
// SENT regardless of write order.
func CurrentReceiptState(ctx context.Context, store ReceiptStore, messageID, userID string) (types.ReceiptState, error) {
	states, err := store.ReceiptStates(ctx, messageID, userID)
	if err != nil {
		return "", err
	}
	return types.FurthestReceipt(states), nil
}
