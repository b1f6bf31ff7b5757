// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package producer is the hot path: it validates a raw send request,
// authorizes the sender, computes identifiers, enqueues the envelope and
// returns immediately. No synchronous database write happens here; the only
// I/O is the authorization read, the optional cache lookup and the enqueue.
package producer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/chatmesh/courier/idempotency"
	"github.com/chatmesh/courier/stream"
	"github.com/chatmesh/courier/types"
)

// Limits are the hot-path validation bounds.
type Limits struct {
	MaxContentLength int
	MaxRecipients    int
	ContentTypes     []string
}

// DefaultLimits returns the standard validation bounds.
func DefaultLimits() Limits {
	return Limits{
		MaxContentLength: 10000,
		MaxRecipients:    1000,
		ContentTypes:     []string{"text/plain", "text/markdown", "application/json"},
	}
}

// Authorization is the result of the single bounded authorization query.
type Authorization struct {
	Found  bool
	Active bool
	Member bool
}

// ConversationDirectory answers the producer's authorization query. It is a
// read-only collaborator; the producer never writes conversation state.
type ConversationDirectory interface {
	Authorize(ctx context.Context, conversationID, senderID string) (Authorization, error)
}

// SendRequest is the typed form of a validated raw request.
type SendRequest struct {
	ConversationID  string
	SenderID        string
	Content         string
	PayloadKey      string
	ContentType     string
	Priority        types.Priority
	ClientMessageID string
	RecipientIDs    []string
}

// Options configures a Producer.
type Options struct {
	Limits   Limits
	CacheTTL time.Duration
	Logger   *slog.Logger
}

// Producer accepts send requests and turns them into enqueued envelopes.
// It is stateless across requests and safe for concurrent use.
type Producer struct {
	stream    stream.Stream
	keys      *idempotency.KeyMaker
	cache     idempotency.Cache
	directory ConversationDirectory
	limiter   *SenderRateLimiter
	limits    Limits
	types     map[string]struct{}
	cacheTTL  time.Duration
	logger    *slog.Logger
}

// New creates a Producer. limiter may be nil to disable rate limiting;
// cache may be nil to disable the ingress fast path.
func New(s stream.Stream, keys *idempotency.KeyMaker, cache idempotency.Cache, directory ConversationDirectory, limiter *SenderRateLimiter, opts Options) *Producer {
	if opts.Limits.MaxContentLength <= 0 {
		opts.Limits = DefaultLimits()
	}
	if opts.CacheTTL <= 0 {
		opts.CacheTTL = time.Hour
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if cache == nil {
		cache = idempotency.NoopCache{}
	}

	allowed := make(map[string]struct{}, len(opts.Limits.ContentTypes))
	for _, ct := range opts.Limits.ContentTypes {
		allowed[ct] = struct{}{}
	}

	return &Producer{
		stream:    s,
		keys:      keys,
		cache:     cache,
		directory: directory,
		limiter:   limiter,
		limits:    opts.Limits,
		types:     allowed,
		cacheTTL:  opts.CacheTTL,
		logger:    opts.Logger,
	}
}

// Send validates, authorizes and enqueues a raw request, returning a
// "pending" acknowledgment. Delivery is eventually consistent; the ack does
// not confirm persistence.
func (p *Producer) Send(ctx context.Context, raw map[string]any) (*types.IngressAck, error) {
	req, err := p.parse(raw)
	if err != nil {
		return nil, err
	}

	if p.limiter != nil && !p.limiter.Allow(req.SenderID) {
		return nil, &Error{Code: CodeRateLimited, Message: "sender is over its send budget"}
	}

	auth, err := p.directory.Authorize(ctx, req.ConversationID, req.SenderID)
	if err != nil {
		return nil, fmt.Errorf("authorization query failed: %w", err)
	}
	switch {
	case !auth.Found:
		return nil, &Error{Code: CodeConversationMissing, Message: "conversation does not exist"}
	case !auth.Active:
		return nil, &Error{Code: CodeConversationClosed, Message: "conversation is not active"}
	case !auth.Member:
		return nil, &Error{Code: CodeSenderNotMember, Message: "sender is not an active member"}
	}

	now := time.Now().UTC()
	key := p.keys.Compute(idempotency.KeySource{
		ClientMessageID: req.ClientMessageID,
		ConversationID:  req.ConversationID,
		SenderID:        req.SenderID,
		Content:         req.Content,
		SentAt:          now,
	})

	// Fast-path duplicate check. Best effort only: cache errors are treated
	// as misses and the persistence layer remains the correctness boundary.
	if prevID, ok, cerr := p.cache.GetMessageID(ctx, key); cerr != nil {
		p.logger.Warn("idempotency cache lookup failed", "error", cerr)
	} else if ok {
		return &types.IngressAck{
			MessageID:      prevID,
			CorrelationID:  uuid.NewString(),
			State:          types.AckStatePending,
			IdempotencyKey: key,
			IdempotentHit:  true,
		}, nil
	}

	messageID, err := newMessageID()
	if err != nil {
		return nil, fmt.Errorf("failed to generate message id: %w", err)
	}
	correlationID := uuid.NewString()

	env := &types.MessageEnvelope{
		MessageID:      messageID,
		ConversationID: req.ConversationID,
		SenderID:       req.SenderID,
		CreatedAt:      now,
		IdempotencyKey: key,
		CorrelationID:  correlationID,
		Content:        req.Content,
		PayloadKey:     req.PayloadKey,
		ContentType:    req.ContentType,
		Priority:       req.Priority,
		RecipientIDs:   req.RecipientIDs,
	}

	if _, err := p.stream.Enqueue(ctx, env); err != nil {
		// Never fire-and-forget: an enqueue failure surfaces to the caller
		// as an infrastructure error.
		return nil, &Error{
			Code:    CodeEnqueueFailed,
			Message: "failed to enqueue message",
			Cause:   err,
		}
	}

	if err := p.cache.SetMessageID(ctx, key, messageID, p.cacheTTL); err != nil {
		p.logger.Warn("idempotency cache store failed", "error", err)
	}

	p.logger.Debug("message queued",
		"message_id", messageID,
		"conversation_id", req.ConversationID,
		"correlation_id", correlationID)

	return &types.IngressAck{
		MessageID:      messageID,
		CorrelationID:  correlationID,
		State:          types.AckStatePending,
		IdempotencyKey: key,
		IdempotentHit:  false,
	}, nil
}

// newMessageID returns a time-ordered UUID so message IDs sort roughly by
// creation time.
func newMessageID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

// parse validates an untyped request map against the schema, field by
// field. It does no I/O.
func (p *Producer) parse(raw map[string]any) (*SendRequest, error) {
	if raw == nil {
		return nil, missingField("request")
	}

	conversationID, err := requiredString(raw, "conversationId")
	if err != nil {
		return nil, err
	}
	senderID, err := requiredString(raw, "senderId")
	if err != nil {
		return nil, err
	}

	content, err := optionalString(raw, "content")
	if err != nil {
		return nil, err
	}
	payloadKey, err := optionalString(raw, "payloadKey")
	if err != nil {
		return nil, err
	}
	if content == "" && payloadKey == "" {
		return nil, missingField("content")
	}
	if len(content) > p.limits.MaxContentLength {
		return nil, &Error{
			Code:    CodeContentTooLong,
			Field:   "content",
			Message: fmt.Sprintf("content exceeds %d characters", p.limits.MaxContentLength),
		}
	}

	contentType, err := optionalString(raw, "contentType")
	if err != nil {
		return nil, err
	}
	if contentType == "" {
		contentType = "text/plain"
	}
	if _, ok := p.types[contentType]; !ok {
		return nil, &Error{Code: CodeInvalidContentType, Field: "contentType", Message: "content type is not allowed"}
	}

	clientMessageID, err := optionalString(raw, "clientMessageId")
	if err != nil {
		return nil, err
	}

	priority := types.PriorityNormal
	if rawPriority, ok := raw["priority"]; ok {
		s, ok := rawPriority.(string)
		if !ok {
			return nil, invalidField("priority", "must be a string")
		}
		switch types.Priority(s) {
		case types.PriorityNormal, types.PriorityHigh, types.PriorityUrgent:
			priority = types.Priority(s)
		default:
			return nil, invalidField("priority", "must be normal, high or urgent")
		}
	}

	var recipients []string
	if rawRecipients, ok := raw["recipientIds"]; ok {
		list, ok := rawRecipients.([]any)
		if !ok {
			return nil, invalidField("recipientIds", "must be an array of strings")
		}
		if len(list) > p.limits.MaxRecipients {
			return nil, &Error{
				Code:    CodeTooManyRecipients,
				Field:   "recipientIds",
				Message: fmt.Sprintf("recipient count exceeds %d", p.limits.MaxRecipients),
			}
		}
		recipients = make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok || s == "" {
				return nil, invalidField("recipientIds", "must be an array of non-empty strings")
			}
			recipients = append(recipients, s)
		}
	}

	return &SendRequest{
		ConversationID:  conversationID,
		SenderID:        senderID,
		Content:         content,
		PayloadKey:      payloadKey,
		ContentType:     contentType,
		Priority:        priority,
		ClientMessageID: clientMessageID,
		RecipientIDs:    recipients,
	}, nil
}

func requiredString(raw map[string]any, field string) (string, error) {
	v, ok := raw[field]
	if !ok {
		return "", missingField(field)
	}
	s, ok := v.(string)
	if !ok {
		return "", invalidField(field, "must be a string")
	}
	if s == "" {
		return "", missingField(field)
	}
	return s, nil
}

func optionalString(raw map[string]any, field string) (string, error) {
	v, ok := raw[field]
	if !ok {
		return "", nil
	}
	s, ok := v.(string)
	if !ok {
		return "", invalidField(field, "must be a string")
	}
	return s, nil
}

// AsError extracts a producer *Error from err if present.
func AsError(err error) (*Error, bool) {
	var perr *Error
	if errors.As(err, &perr) {
		return perr, true
	}
	return nil, false
}
