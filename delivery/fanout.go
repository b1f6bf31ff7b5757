// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/chatmesh/courier/presence"
	"github.com/chatmesh/courier/types"
)

// wirePayload is what online recipients receive over the real-time
// transport.
type wirePayload struct {
	MessageID      string         `json:"message_id"`
	ConversationID string         `json:"conversation_id"`
	SenderID       string         `json:"sender_id"`
	Content        string         `json:"content,omitempty"`
	PayloadKey     string         `json:"payload_key,omitempty"`
	ContentType    string         `json:"content_type"`
	Priority       types.Priority `json:"priority"`
	CorrelationID  string         `json:"correlation_id"`
	CreatedAt      string         `json:"created_at"`
}

// Fanout delivers a persisted message to currently-online recipients and
// reports which recipients are offline. Emit failures are logged, never
// propagated: the transport is fire-and-forget and fan-out is recomputed
// from current presence on redelivery, so repeating it is safe.
type Fanout struct {
	registry  presence.Registry
	transport presence.Transport
	logger    *slog.Logger
}

// NewFanout creates a Fanout step.
func NewFanout(registry presence.Registry, transport presence.Transport, logger *slog.Logger) *Fanout {
	if logger == nil {
		logger = slog.Default()
	}
	return &Fanout{registry: registry, transport: transport, logger: logger}
}

// Deliver emits the message to every online recipient connection and
// returns the recipients that were offline. An error is returned only when
// the presence lookup itself fails; that is a transient infrastructure
// error and drives the retry path.
func (f *Fanout) Deliver(ctx context.Context, env *types.MessageEnvelope) (offline []string, delivered []string, err error) {
	if len(env.RecipientIDs) == 0 {
		return nil, nil, nil
	}

	online, err := f.registry.OnlineRecipients(ctx, env.RecipientIDs)
	if err != nil {
		return nil, nil, fmt.Errorf("presence lookup failed: %w", err)
	}

	payload, err := json.Marshal(wirePayload{
		MessageID:      env.MessageID,
		ConversationID: env.ConversationID,
		SenderID:       env.SenderID,
		Content:        env.Content,
		PayloadKey:     env.PayloadKey,
		ContentType:    env.ContentType,
		Priority:       env.Priority,
		CorrelationID:  env.CorrelationID,
		CreatedAt:      env.CreatedAt.Format("2006-01-02T15:04:05.000Z07:00"),
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal wire payload: %w", err)
	}

	onlineSet := make(map[string]struct{}, len(online))
	for _, o := range online {
		onlineSet[o.UserID] = struct{}{}
		emitted := false
		for _, handle := range o.ConnectionHandles {
			if err := f.transport.Emit(ctx, handle, payload); err != nil {
				f.logger.Warn("transport emit failed",
					"message_id", env.MessageID,
					"user_id", o.UserID,
					"handle", handle,
					"error", err)
				continue
			}
			emitted = true
		}
		if emitted {
			delivered = append(delivered, o.UserID)
		}
	}

	for _, id := range env.RecipientIDs {
		if _, ok := onlineSet[id]; !ok {
			offline = append(offline, id)
		}
	}
	return offline, delivered, nil
}
