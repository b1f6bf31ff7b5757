// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

import "time"

// Priority controls relative urgency of a message inside a partition batch.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// MessageEnvelope is the immutable unit of work moved through the stream.
// It is created once by the producer at ingress and read-only afterwards;
// retry attempts operate on an owned copy (see WithRetry).
type MessageEnvelope struct {
	MessageID      string    `json:"message_id"`
	ConversationID string    `json:"conversation_id"`
	SenderID       string    `json:"sender_id"`
	CreatedAt      time.Time `json:"created_at"`
	IdempotencyKey string    `json:"idempotency_key"`
	CorrelationID  string    `json:"correlation_id"`

	// Content is inline for small payloads. When the payload exceeds the
	// inline threshold, Content is empty and PayloadKey references the
	// object storage entry.
	Content     string   `json:"content,omitempty"`
	PayloadKey  string   `json:"payload_key,omitempty"`
	ContentType string   `json:"content_type"`
	Priority    Priority `json:"priority"`

	RetryCount   int      `json:"retry_count"`
	RecipientIDs []string `json:"recipient_ids"`
}

// WithRetry returns an owned copy of the envelope carrying the given
// retry count. Workers must never mutate a dequeued envelope in place.
func (e *MessageEnvelope) WithRetry(count int) *MessageEnvelope {
	c := *e
	c.RecipientIDs = append([]string(nil), e.RecipientIDs...)
	c.RetryCount = count
	return &c
}

// Inline reports whether the message content travels inline in the envelope.
func (e *MessageEnvelope) Inline() bool {
	return e.PayloadKey == ""
}

// DeadLetterEntry captures an envelope that permanently failed processing.
// Entries are never auto-deleted; removal requires an operator or replay.
type DeadLetterEntry struct {
	Partition int              `json:"partition"`
	EntryID   string           `json:"entry_id"`
	Envelope  *MessageEnvelope `json:"envelope"`
	Reason    string           `json:"reason"`
	LastError string           `json:"last_error"`
	FailedAt  time.Time        `json:"failed_at"`
}

// IngressAck is returned to the caller of the producer's send operation.
// State is always "pending": delivery is eventually consistent and is not
// confirmed synchronously.
type IngressAck struct {
	MessageID      string `json:"message_id"`
	CorrelationID  string `json:"correlation_id"`
	State          string `json:"state"`
	IdempotencyKey string `json:"idempotency_key"`
	IdempotentHit  bool   `json:"idempotent_hit"`
}

// AckStatePending is the only state an ingress acknowledgment carries.
const AckStatePending = "pending"
