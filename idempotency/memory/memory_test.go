// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package memory_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmesh/courier/idempotency"
	"github.com/chatmesh/courier/idempotency/memory"
	"github.com/chatmesh/courier/types"
)

func testEnvelope(key, messageID string) *types.MessageEnvelope {
	return &types.MessageEnvelope{
		MessageID:      messageID,
		ConversationID: "conv-1",
		SenderID:       "alice",
		CreatedAt:      time.Now().UTC(),
		IdempotencyKey: key,
		Content:        "hello",
		ContentType:    "text/plain",
		Priority:       types.PriorityNormal,
		RecipientIDs:   []string{"bob"},
	}
}

func TestPersistMessageOnce(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	inserted, err := store.PersistMessage(ctx, testEnvelope("key-1", "msg-1"))
	require.NoError(t, err)
	assert.True(t, inserted)

	inserted, err = store.PersistMessage(ctx, testEnvelope("key-1", "msg-1"))
	require.NoError(t, err)
	assert.False(t, inserted)

	assert.Equal(t, 1, store.MessageCount())
}

func TestLookupMessageID(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	_, err := store.PersistMessage(ctx, testEnvelope("key-1", "msg-1"))
	require.NoError(t, err)

	id, err := store.LookupMessageID(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)

	_, err = store.LookupMessageID(ctx, "missing")
	assert.ErrorIs(t, err, idempotency.ErrMessageNotFound)
}

func TestLookupReturnsFirstWriterID(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	_, err := store.PersistMessage(ctx, testEnvelope("key-1", "msg-1"))
	require.NoError(t, err)

	// A racing duplicate with a fresh server-side ID loses the insert and
	// must observe the winner's ID.
	inserted, err := store.PersistMessage(ctx, testEnvelope("key-1", "msg-2"))
	require.NoError(t, err)
	assert.False(t, inserted)

	id, err := store.LookupMessageID(ctx, "key-1")
	require.NoError(t, err)
	assert.Equal(t, "msg-1", id)
}

func TestRecordReceiptDeduplicates(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	recorded, err := store.RecordReceipt(ctx, "msg-1", "bob", types.ReceiptDelivered)
	require.NoError(t, err)
	assert.True(t, recorded)

	recorded, err = store.RecordReceipt(ctx, "msg-1", "bob", types.ReceiptDelivered)
	require.NoError(t, err)
	assert.False(t, recorded)

	states, err := store.ReceiptStates(ctx, "msg-1", "bob")
	require.NoError(t, err)
	assert.Len(t, states, 1)
}

func TestReceiptStatesPerUser(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	for _, rec := range []struct {
		user  string
		state types.ReceiptState
	}{
		{"bob", types.ReceiptSent},
		{"bob", types.ReceiptDelivered},
		{"carol", types.ReceiptSent},
	} {
		_, err := store.RecordReceipt(ctx, "msg-1", rec.user, rec.state)
		require.NoError(t, err)
	}

	states, err := store.ReceiptStates(ctx, "msg-1", "bob")
	require.NoError(t, err)
	assert.ElementsMatch(t, []types.ReceiptState{types.ReceiptSent, types.ReceiptDelivered}, states)

	states, err = store.ReceiptStates(ctx, "msg-1", "carol")
	require.NoError(t, err)
	assert.Equal(t, []types.ReceiptState{types.ReceiptSent}, states)

	states, err = store.ReceiptStates(ctx, "msg-1", "dave")
	require.NoError(t, err)
	assert.Empty(t, states)
}

func TestOutOfOrderReceiptsResolveToFurthest(t *testing.T) {
	store := memory.New()
	ctx := context.Background()

	// READ can land before DELIVERED when clients race; the furthest state
	// still wins.
	_, err := store.RecordReceipt(ctx, "msg-1", "bob", types.ReceiptRead)
	require.NoError(t, err)
	_, err = store.RecordReceipt(ctx, "msg-1", "bob", types.ReceiptDelivered)
	require.NoError(t, err)

	states, err := store.ReceiptStates(ctx, "msg-1", "bob")
	require.NoError(t, err)
	assert.Equal(t, types.ReceiptRead, types.FurthestReceipt(states))
}
