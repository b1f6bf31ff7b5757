// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package presence defines the collaborators the fan-out step depends on:
// a registry answering which recipients are currently online, and the
// real-time transport used to emit payloads to their connections.
package presence

import (
	"context"
	"sync"
)

// Online describes one online user and their active connection handles.
type Online struct {
	UserID            string
	ConnectionHandles []string
}

// Registry answers online-presence lookups. Read-only from the pipeline's
// perspective.
type Registry interface {
	// OnlineRecipients returns presence for the subset of userIDs that are
	// currently online. Offline users are simply absent from the result.
	OnlineRecipients(ctx context.Context, userIDs []string) ([]Online, error)
}

// Transport emits a payload to a single connection. Fire-and-forget from
// the fan-out step's perspective: failures never roll back persistence.
type Transport interface {
	Emit(ctx context.Context, connectionHandle string, payload []byte) error
}

// MemoryRegistry is an in-process presence registry for development and
// tests.
type MemoryRegistry struct {
	mu      sync.RWMutex
	handles map[string][]string // userID -> connection handles
}

var _ Registry = (*MemoryRegistry)(nil)

// NewMemoryRegistry creates an empty registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{handles: make(map[string][]string)}
}

// Connect registers a connection handle for a user.
func (r *MemoryRegistry) Connect(userID, handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handles[userID] = append(r.handles[userID], handle)
}

// Disconnect removes a connection handle; the user goes offline when their
// last handle is removed.
func (r *MemoryRegistry) Disconnect(userID, handle string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	handles := r.handles[userID]
	for i, h := range handles {
		if h == handle {
			handles = append(handles[:i], handles[i+1:]...)
			break
		}
	}
	if len(handles) == 0 {
		delete(r.handles, userID)
	} else {
		r.handles[userID] = handles
	}
}

func (r *MemoryRegistry) OnlineRecipients(ctx context.Context, userIDs []string) ([]Online, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var online []Online
	for _, id := range userIDs {
		if handles, ok := r.handles[id]; ok && len(handles) > 0 {
			online = append(online, Online{
				UserID:            id,
				ConnectionHandles: append([]string(nil), handles...),
			})
		}
	}
	return online, nil
}
