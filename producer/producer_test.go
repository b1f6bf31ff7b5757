// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package producer_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmesh/courier/conversations"
	"github.com/chatmesh/courier/idempotency"
	"github.com/chatmesh/courier/producer"
	"github.com/chatmesh/courier/stream"
	streammemory "github.com/chatmesh/courier/stream/memory"
	"github.com/chatmesh/courier/types"
)

func newProducer(t *testing.T, s stream.Stream, dir producer.ConversationDirectory, limiter *producer.SenderRateLimiter) *producer.Producer {
	t.Helper()

	keys := idempotency.NewKeyMaker([]byte("test-secret"), time.Minute)
	return producer.New(s, keys, idempotency.NewMemoryCache(), dir, limiter, producer.Options{})
}

func validRequest() map[string]any {
	return map[string]any{
		"conversationId":  "conv-1",
		"senderId":        "alice",
		"content":         "hello",
		"contentType":     "text/plain",
		"clientMessageId": "client-1",
		"recipientIds":    []any{"bob", "carol"},
	}
}

func TestSendEnqueuesEnvelope(t *testing.T) {
	s := streammemory.New(streammemory.Options{Partitions: 1})
	defer s.Close()
	p := newProducer(t, s, conversations.AllowAll{}, nil)
	ctx := context.Background()

	ack, err := p.Send(ctx, validRequest())
	require.NoError(t, err)
	assert.NotEmpty(t, ack.MessageID)
	assert.NotEmpty(t, ack.CorrelationID)
	assert.NotEmpty(t, ack.IdempotencyKey)
	assert.Equal(t, types.AckStatePending, ack.State)
	assert.False(t, ack.IdempotentHit)

	batch, err := s.Dequeue(ctx, 0, "w1", 10, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)

	env := batch[0].Envelope
	assert.Equal(t, ack.MessageID, env.MessageID)
	assert.Equal(t, "conv-1", env.ConversationID)
	assert.Equal(t, "alice", env.SenderID)
	assert.Equal(t, []string{"bob", "carol"}, env.RecipientIDs)
	assert.Equal(t, ack.IdempotencyKey, env.IdempotencyKey)
	assert.Equal(t, types.PriorityNormal, env.Priority)
}

func TestSendValidationErrors(t *testing.T) {
	s := streammemory.New(streammemory.Options{Partitions: 1})
	defer s.Close()
	p := newProducer(t, s, conversations.AllowAll{}, nil)
	ctx := context.Background()

	longContent := make([]byte, 10001)
	for i := range longContent {
		longContent[i] = 'x'
	}

	tooManyRecipients := make([]any, 1001)
	for i := range tooManyRecipients {
		tooManyRecipients[i] = "user"
	}

	cases := []struct {
		desc   string
		mutate func(map[string]any)
		code   producer.Code
		field  string
	}{
		{
			desc:   "missing conversation id",
			mutate: func(r map[string]any) { delete(r, "conversationId") },
			code:   producer.CodeMissingField,
			field:  "conversationId",
		},
		{
			desc:   "empty sender id",
			mutate: func(r map[string]any) { r["senderId"] = "" },
			code:   producer.CodeMissingField,
			field:  "senderId",
		},
		{
			desc: "missing content and payload key",
			mutate: func(r map[string]any) {
				delete(r, "content")
			},
			code:  producer.CodeMissingField,
			field: "content",
		},
		{
			desc:   "content too long",
			mutate: func(r map[string]any) { r["content"] = string(longContent) },
			code:   producer.CodeContentTooLong,
			field:  "content",
		},
		{
			desc:   "disallowed content type",
			mutate: func(r map[string]any) { r["contentType"] = "application/x-tar" },
			code:   producer.CodeInvalidContentType,
			field:  "contentType",
		},
		{
			desc:   "non-string conversation id",
			mutate: func(r map[string]any) { r["conversationId"] = 7 },
			code:   producer.CodeInvalidField,
			field:  "conversationId",
		},
		{
			desc:   "invalid priority",
			mutate: func(r map[string]any) { r["priority"] = "asap" },
			code:   producer.CodeInvalidField,
			field:  "priority",
		},
		{
			desc:   "too many recipients",
			mutate: func(r map[string]any) { r["recipientIds"] = tooManyRecipients },
			code:   producer.CodeTooManyRecipients,
			field:  "recipientIds",
		},
		{
			desc:   "recipient not a string",
			mutate: func(r map[string]any) { r["recipientIds"] = []any{"bob", 3} },
			code:   producer.CodeInvalidField,
			field:  "recipientIds",
		},
	}

	for _, tc := range cases {
		req := validRequest()
		tc.mutate(req)

		_, err := p.Send(ctx, req)
		require.Error(t, err, tc.desc)

		perr, ok := producer.AsError(err)
		require.True(t, ok, tc.desc)
		assert.Equal(t, tc.code, perr.Code, tc.desc)
		assert.Equal(t, tc.field, perr.Field, tc.desc)
		assert.True(t, perr.Client(), tc.desc)
	}
}

func TestSendAuthorizationErrors(t *testing.T) {
	s := streammemory.New(streammemory.Options{Partitions: 1})
	defer s.Close()
	ctx := context.Background()

	dir := conversations.NewMemory()
	dir.Add("conv-open", "alice", "bob")
	dir.Add("conv-closed", "alice")
	dir.Deactivate("conv-closed")

	p := newProducer(t, s, dir, nil)

	cases := []struct {
		desc           string
		conversationID string
		senderID       string
		code           producer.Code
	}{
		{"unknown conversation", "conv-missing", "alice", producer.CodeConversationMissing},
		{"inactive conversation", "conv-closed", "alice", producer.CodeConversationClosed},
		{"sender not a member", "conv-open", "mallory", producer.CodeSenderNotMember},
	}

	for _, tc := range cases {
		req := validRequest()
		req["conversationId"] = tc.conversationID
		req["senderId"] = tc.senderID

		_, err := p.Send(ctx, req)
		require.Error(t, err, tc.desc)

		perr, ok := producer.AsError(err)
		require.True(t, ok, tc.desc)
		assert.Equal(t, tc.code, perr.Code, tc.desc)
	}

	// Nothing reached the stream.
	lag, err := s.Lag(ctx, 0)
	require.NoError(t, err)
	assert.Zero(t, lag)
}

func TestSendDuplicateHitsCache(t *testing.T) {
	s := streammemory.New(streammemory.Options{Partitions: 1})
	defer s.Close()
	p := newProducer(t, s, conversations.AllowAll{}, nil)
	ctx := context.Background()

	first, err := p.Send(ctx, validRequest())
	require.NoError(t, err)
	require.False(t, first.IdempotentHit)

	second, err := p.Send(ctx, validRequest())
	require.NoError(t, err)
	assert.True(t, second.IdempotentHit)
	assert.Equal(t, first.MessageID, second.MessageID)
	assert.Equal(t, first.IdempotencyKey, second.IdempotencyKey)

	// The duplicate never reached the stream.
	lag, err := s.Lag(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), lag)
}

func TestSendDefaultContentType(t *testing.T) {
	s := streammemory.New(streammemory.Options{Partitions: 1})
	defer s.Close()
	p := newProducer(t, s, conversations.AllowAll{}, nil)
	ctx := context.Background()

	req := validRequest()
	delete(req, "contentType")

	_, err := p.Send(ctx, req)
	require.NoError(t, err)

	batch, err := s.Dequeue(ctx, 0, "w1", 10, 0)
	require.NoError(t, err)
	require.Len(t, batch, 1)
	assert.Equal(t, "text/plain", batch[0].Envelope.ContentType)
}

func TestSendRateLimited(t *testing.T) {
	s := streammemory.New(streammemory.Options{Partitions: 1})
	defer s.Close()
	ctx := context.Background()

	limiter := producer.NewSenderRateLimiter(1, 2, time.Minute)
	defer limiter.Stop()
	p := newProducer(t, s, conversations.AllowAll{}, limiter)

	var limited bool
	for i := 0; i < 5; i++ {
		req := validRequest()
		req["clientMessageId"] = "client-" + string(rune('a'+i))
		req["content"] = "hello " + string(rune('a'+i))
		if _, err := p.Send(ctx, req); err != nil {
			perr, ok := producer.AsError(err)
			require.True(t, ok)
			assert.Equal(t, producer.CodeRateLimited, perr.Code)
			limited = true
			break
		}
	}
	assert.True(t, limited, "burst of sends was never limited")

	// A different sender has its own budget.
	req := validRequest()
	req["senderId"] = "bob"
	_, err := p.Send(ctx, req)
	require.NoError(t, err)
}

type failingStream struct {
	stream.Stream
}

func (f *failingStream) Enqueue(context.Context, *types.MessageEnvelope) (string, error) {
	return "", errors.New("broker down")
}

func TestSendEnqueueFailure(t *testing.T) {
	inner := streammemory.New(streammemory.Options{Partitions: 1})
	defer inner.Close()
	p := newProducer(t, &failingStream{Stream: inner}, conversations.AllowAll{}, nil)

	_, err := p.Send(context.Background(), validRequest())
	require.Error(t, err)

	perr, ok := producer.AsError(err)
	require.True(t, ok)
	assert.Equal(t, producer.CodeEnqueueFailed, perr.Code)
	assert.False(t, perr.Client())
}
