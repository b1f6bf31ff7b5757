// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmesh/courier/conversations"
	"github.com/chatmesh/courier/idempotency"
	idemmemory "github.com/chatmesh/courier/idempotency/memory"
	"github.com/chatmesh/courier/producer"
	"github.com/chatmesh/courier/push"
	"github.com/chatmesh/courier/server/api"
	streammemory "github.com/chatmesh/courier/stream/memory"
	"github.com/chatmesh/courier/types"
)

type stubPushStatus struct {
	failed []push.Failed
	depth  int
}

func (s *stubPushStatus) FailedPushes() []push.Failed { return s.failed }

func (s *stubPushStatus) QueueDepth() int { return s.depth }

type fixture struct {
	handler http.Handler
	stream  *streammemory.Store
	store   *idemmemory.Store
	dir     *conversations.Memory
	pushes  *stubPushStatus
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	s := streammemory.New(streammemory.Options{Partitions: 2})
	t.Cleanup(func() { s.Close() })
	store := idemmemory.New()

	dir := conversations.NewMemory()
	dir.Add("conv-1", "alice", "bob")

	keys := idempotency.NewKeyMaker([]byte("test-secret"), time.Minute)
	prod := producer.New(s, keys, idempotency.NewMemoryCache(), dir, nil, producer.Options{})

	pushes := &stubPushStatus{}
	srv := api.New(api.Config{Address: ":0"}, prod, s, store, pushes, nil)
	return &fixture{handler: srv.Handler(), stream: s, store: store, dir: dir, pushes: pushes}
}

func (f *fixture) do(t *testing.T, method, target string, body any) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, target, &buf)
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	return rec
}

func sendBody() map[string]any {
	return map[string]any{
		"conversationId":  "conv-1",
		"senderId":        "alice",
		"content":         "hello",
		"clientMessageId": "client-1",
		"recipientIds":    []string{"bob"},
	}
}

func TestSendMessageAccepted(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/messages", sendBody())
	require.Equal(t, http.StatusAccepted, rec.Code)

	var ack types.IngressAck
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &ack))
	assert.NotEmpty(t, ack.MessageID)
	assert.Equal(t, types.AckStatePending, ack.State)
	assert.False(t, ack.IdempotentHit)
}

func TestSendMessageDuplicateReturnsOK(t *testing.T) {
	f := newFixture(t)

	first := f.do(t, http.MethodPost, "/v1/messages", sendBody())
	require.Equal(t, http.StatusAccepted, first.Code)

	second := f.do(t, http.MethodPost, "/v1/messages", sendBody())
	require.Equal(t, http.StatusOK, second.Code)

	var ack types.IngressAck
	require.NoError(t, json.Unmarshal(second.Body.Bytes(), &ack))
	assert.True(t, ack.IdempotentHit)
}

func TestSendMessageErrors(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		mutate func(map[string]any)
		status int
		code   string
	}{
		{
			name:   "missing sender",
			mutate: func(b map[string]any) { delete(b, "senderId") },
			status: http.StatusBadRequest,
			code:   "missing_field",
		},
		{
			name:   "unknown conversation",
			mutate: func(b map[string]any) { b["conversationId"] = "conv-missing" },
			status: http.StatusNotFound,
			code:   "conversation_not_found",
		},
		{
			name:   "sender not member",
			mutate: func(b map[string]any) { b["senderId"] = "mallory" },
			status: http.StatusForbidden,
			code:   "sender_not_member",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			body := sendBody()
			tc.mutate(body)
			rec := f.do(t, http.MethodPost, "/v1/messages", body)
			assert.Equal(t, tc.status, rec.Code)

			var resp struct {
				Code string `json:"code"`
			}
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, tc.code, resp.Code)
		})
	}
}

func TestSendMessageClosedConversation(t *testing.T) {
	f := newFixture(t)
	f.dir.Deactivate("conv-1")

	rec := f.do(t, http.MethodPost, "/v1/messages", sendBody())
	assert.Equal(t, http.StatusConflict, rec.Code)
}

func TestSendMessageInvalidJSON(t *testing.T) {
	f := newFixture(t)

	req := httptest.NewRequest(http.MethodPost, "/v1/messages", bytes.NewBufferString("{not json"))
	rec := httptest.NewRecorder()
	f.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestReceiptRoundTrip(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/receipts", map[string]any{
		"message_id": "m1",
		"user_id":    "bob",
		"state":      "DELIVERED",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Inserted bool `json:"inserted"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Inserted)

	// Recording the same transition again is a no-op.
	rec = f.do(t, http.MethodPost, "/v1/receipts", map[string]any{
		"message_id": "m1",
		"user_id":    "bob",
		"state":      "DELIVERED",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Inserted)

	status := f.do(t, http.MethodGet, "/v1/receipts?message_id=m1&user_id=bob", nil)
	require.Equal(t, http.StatusOK, status.Code)

	var state struct {
		State string `json:"state"`
	}
	require.NoError(t, json.Unmarshal(status.Body.Bytes(), &state))
	assert.Equal(t, "DELIVERED", state.State)
}

func TestReceiptInvalidState(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/receipts", map[string]any{
		"message_id": "m1",
		"user_id":    "bob",
		"state":      "SEEN",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPartitionLag(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/v1/messages", sendBody())
	require.Equal(t, http.StatusAccepted, rec.Code)

	lag := f.do(t, http.MethodGet, "/v1/partitions/lag", nil)
	require.Equal(t, http.StatusOK, lag.Code)

	var resp struct {
		Partitions map[string]int64 `json:"partitions"`
		Total      int64            `json:"total"`
	}
	require.NoError(t, json.Unmarshal(lag.Body.Bytes(), &resp))
	assert.Equal(t, int64(1), resp.Total)
	assert.Len(t, resp.Partitions, 2)
}

func TestDeadLetterEndpoints(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	env := &types.MessageEnvelope{
		MessageID:      "m1",
		ConversationID: "conv-1",
		SenderID:       "alice",
		CreatedAt:      time.Now().UTC(),
		IdempotencyKey: "key-m1",
		Content:        "hello",
		ContentType:    "text/plain",
		Priority:       types.PriorityNormal,
		RecipientIDs:   []string{"bob"},
	}
	eid, err := f.stream.Enqueue(ctx, env)
	require.NoError(t, err)

	// Find which partition conv-1 hashed to.
	partition := -1
	for p := 0; p < f.stream.Partitions(); p++ {
		lag, err := f.stream.Lag(ctx, p)
		require.NoError(t, err)
		if lag > 0 {
			partition = p
		}
	}
	require.NotEqual(t, -1, partition)
	require.NoError(t, f.stream.SendToDeadLetter(ctx, partition, eid, env, "handler panic", nil))

	list := f.do(t, http.MethodGet, "/v1/dlq?partition="+strconv.Itoa(partition), nil)
	require.Equal(t, http.StatusOK, list.Code)

	var entries []types.DeadLetterEntry
	require.NoError(t, json.Unmarshal(list.Body.Bytes(), &entries))
	require.Len(t, entries, 1)
	assert.Equal(t, "m1", entries[0].Envelope.MessageID)

	stats := f.do(t, http.MethodGet, "/v1/dlq/stats", nil)
	require.Equal(t, http.StatusOK, stats.Code)

	var statsResp struct {
		Total    int64            `json:"total"`
		ByReason map[string]int64 `json:"by_reason"`
	}
	require.NoError(t, json.Unmarshal(stats.Body.Bytes(), &statsResp))
	assert.Equal(t, int64(1), statsResp.Total)
	assert.Equal(t, int64(1), statsResp.ByReason["handler panic"])

	replay := f.do(t, http.MethodPost, "/v1/dlq/replay", map[string]any{
		"partition": partition,
		"entry_id":  entries[0].EntryID,
	})
	assert.Equal(t, http.StatusOK, replay.Code)

	missing := f.do(t, http.MethodPost, "/v1/dlq/replay", map[string]any{
		"partition": partition,
		"entry_id":  "0-9999",
	})
	assert.Equal(t, http.StatusNotFound, missing.Code)

	purge := f.do(t, http.MethodPost, "/v1/dlq/purge", map[string]any{"partition": partition})
	require.Equal(t, http.StatusOK, purge.Code)

	var purged struct {
		Purged int `json:"purged"`
	}
	require.NoError(t, json.Unmarshal(purge.Body.Bytes(), &purged))
	assert.Zero(t, purged.Purged)
}

func TestPushFailures(t *testing.T) {
	f := newFixture(t)
	f.pushes.depth = 3
	f.pushes.failed = []push.Failed{
		{MessageID: "m1", UserID: "bob", LastError: "provider unavailable", FailedAt: time.Now().UTC()},
	}

	rec := f.do(t, http.MethodGet, "/v1/push/failed", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Enabled    bool          `json:"enabled"`
		QueueDepth int           `json:"queue_depth"`
		Failed     []push.Failed `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.True(t, resp.Enabled)
	assert.Equal(t, 3, resp.QueueDepth)
	require.Len(t, resp.Failed, 1)
	assert.Equal(t, "m1", resp.Failed[0].MessageID)
	assert.Equal(t, "bob", resp.Failed[0].UserID)
}

func TestPushFailuresWhenDisabled(t *testing.T) {
	s := streammemory.New(streammemory.Options{Partitions: 1})
	t.Cleanup(func() { s.Close() })
	store := idemmemory.New()
	keys := idempotency.NewKeyMaker([]byte("test-secret"), time.Minute)
	prod := producer.New(s, keys, idempotency.NewMemoryCache(), conversations.NewMemory(), nil, producer.Options{})

	srv := api.New(api.Config{Address: ":0"}, prod, s, store, nil, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/push/failed", nil)
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var resp struct {
		Enabled bool          `json:"enabled"`
		Failed  []push.Failed `json:"failed"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.False(t, resp.Enabled)
	assert.Empty(t, resp.Failed)
}

func TestDeadLettersRequirePartition(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/v1/dlq", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/v1/dlq?partition=99", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
