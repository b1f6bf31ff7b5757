// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package redis backs the presence registry with Redis so presence is
// shared across gateway processes. Each online user has a set of
// connection handles under conn:{userID}.
package redis

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/chatmesh/courier/presence"
)

// Registry is a Redis-backed presence.Registry.
type Registry struct {
	client *redis.Client
	prefix string
}

var _ presence.Registry = (*Registry)(nil)

// New creates a registry. prefix namespaces the keys.
func New(client *redis.Client, prefix string) *Registry {
	if prefix == "" {
		prefix = "courier:conn:"
	}
	return &Registry{client: client, prefix: prefix}
}

func (r *Registry) key(userID string) string {
	return r.prefix + userID
}

// OnlineRecipients fetches connection handles for each user in one
// pipelined round trip.
func (r *Registry) OnlineRecipients(ctx context.Context, userIDs []string) ([]presence.Online, error) {
	if len(userIDs) == 0 {
		return nil, nil
	}

	pipe := r.client.Pipeline()
	cmds := make([]*redis.StringSliceCmd, len(userIDs))
	for i, id := range userIDs {
		cmds[i] = pipe.SMembers(ctx, r.key(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, fmt.Errorf("presence lookup failed: %w", err)
	}

	var online []presence.Online
	for i, cmd := range cmds {
		handles, err := cmd.Result()
		if err != nil && err != redis.Nil {
			return nil, fmt.Errorf("presence lookup failed for %s: %w", userIDs[i], err)
		}
		if len(handles) > 0 {
			online = append(online, presence.Online{
				UserID:            userIDs[i],
				ConnectionHandles: handles,
			})
		}
	}
	return online, nil
}

// Connect registers a connection handle for a user.
func (r *Registry) Connect(ctx context.Context, userID, handle string) error {
	return r.client.SAdd(ctx, r.key(userID), handle).Err()
}

// Disconnect removes a connection handle.
func (r *Registry) Disconnect(ctx context.Context, userID, handle string) error {
	return r.client.SRem(ctx, r.key(userID), handle).Err()
}
