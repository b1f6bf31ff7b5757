// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package idempotency ensures that retries, duplicate client sends and
// at-least-once redelivery never produce user-visible duplicate messages or
// duplicate receipt-state transitions.
package idempotency

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"strconv"
	"time"
)

// DefaultTimeWindow is the rounding boundary used when deriving a key from
// message content. It absorbs clock and network jitter while keeping
// genuinely distinct rapid sends distinct.
const DefaultTimeWindow = time.Second

// KeyMaker computes deduplication keys as keyed hashes, so keys are
// collision-resistant and cannot be forged by callers.
type KeyMaker struct {
	secret []byte
	window time.Duration
}

// NewKeyMaker creates a KeyMaker with the given secret. A zero window
// defaults to DefaultTimeWindow.
func NewKeyMaker(secret []byte, window time.Duration) *KeyMaker {
	if window <= 0 {
		window = DefaultTimeWindow
	}
	return &KeyMaker{secret: secret, window: window}
}

// KeySource is the material a key is derived from. When ClientMessageID is
// set it alone identifies the logical send; otherwise the tuple
// (conversation, sender, content, time window) does.
type KeySource struct {
	ClientMessageID string
	ConversationID  string
	SenderID        string
	Content         string
	SentAt          time.Time
}

// Compute returns the idempotency key for a logical send.
func (k *KeyMaker) Compute(src KeySource) string {
	mac := hmac.New(sha256.New, k.secret)

	if src.ClientMessageID != "" {
		mac.Write([]byte("client\x00"))
		mac.Write([]byte(src.ClientMessageID))
		return hex.EncodeToString(mac.Sum(nil))
	}

	window := src.SentAt.Truncate(k.window).UnixNano()
	mac.Write([]byte("content\x00"))
	mac.Write([]byte(src.ConversationID))
	mac.Write([]byte{0})
	mac.Write([]byte(src.SenderID))
	mac.Write([]byte{0})
	mac.Write([]byte(src.Content))
	mac.Write([]byte{0})
	mac.Write([]byte(strconv.FormatInt(window, 10)))
	return hex.EncodeToString(mac.Sum(nil))
}
