// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package conversations provides directory implementations answering the
// producer's authorization query: does the conversation exist, is it
// active, and is the sender an active member.
package conversations

import (
	"context"
	"sync"

	"github.com/chatmesh/courier/producer"
)

type record struct {
	active  bool
	members map[string]struct{}
}

// Memory is an in-process conversation directory. Used in single-binary
// deployments and tests; production deployments point the producer at the
// relational directory instead.
type Memory struct {
	mu    sync.RWMutex
	convs map[string]*record
}

// NewMemory creates an empty in-memory directory.
func NewMemory() *Memory {
	return &Memory{convs: make(map[string]*record)}
}

// Add registers a conversation with the given members, replacing any
// previous entry.
func (m *Memory) Add(conversationID string, members ...string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec := &record{active: true, members: make(map[string]struct{}, len(members))}
	for _, id := range members {
		rec.members[id] = struct{}{}
	}
	m.convs[conversationID] = rec
}

// Deactivate marks a conversation inactive. Unknown IDs are a no-op.
func (m *Memory) Deactivate(conversationID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.convs[conversationID]; ok {
		rec.active = false
	}
}

// AddMember adds a member to an existing conversation.
func (m *Memory) AddMember(conversationID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.convs[conversationID]; ok {
		rec.members[userID] = struct{}{}
	}
}

// RemoveMember removes a member from a conversation.
func (m *Memory) RemoveMember(conversationID, userID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.convs[conversationID]; ok {
		delete(rec.members, userID)
	}
}

// Authorize implements producer.ConversationDirectory.
func (m *Memory) Authorize(_ context.Context, conversationID, senderID string) (producer.Authorization, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	rec, ok := m.convs[conversationID]
	if !ok {
		return producer.Authorization{}, nil
	}
	_, member := rec.members[senderID]
	return producer.Authorization{Found: true, Active: rec.active, Member: member}, nil
}

// AllowAll authorizes every sender in every conversation. Development and
// load-test use only.
type AllowAll struct{}

// Authorize implements producer.ConversationDirectory.
func (AllowAll) Authorize(context.Context, string, string) (producer.Authorization, error) {
	return producer.Authorization{Found: true, Active: true, Member: true}, nil
}
