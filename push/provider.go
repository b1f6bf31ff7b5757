// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package push

import (
	"context"
	"log/slog"
	"sync"
)

// LogProvider logs notifications instead of calling a push gateway. It
// stands in for a real provider in single-binary deployments.
type LogProvider struct {
	logger *slog.Logger
}

var _ Provider = (*LogProvider)(nil)

// NewLogProvider creates a logging provider.
func NewLogProvider(logger *slog.Logger) *LogProvider {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogProvider{logger: logger}
}

func (p *LogProvider) Send(_ context.Context, deviceTokens []string, n Notification) error {
	p.logger.Info("push sent",
		"message_id", n.MessageID,
		"tokens", len(deviceTokens),
		"priority", n.Priority)
	return nil
}

// MemoryTokens is an in-process device token registry.
type MemoryTokens struct {
	mu     sync.RWMutex
	tokens map[string][]string
}

var _ TokenSource = (*MemoryTokens)(nil)

// NewMemoryTokens creates an empty token registry.
func NewMemoryTokens() *MemoryTokens {
	return &MemoryTokens{tokens: make(map[string][]string)}
}

// Register adds a device token for a user.
func (m *MemoryTokens) Register(userID, token string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tokens[userID] = append(m.tokens[userID], token)
}

func (m *MemoryTokens) Tokens(_ context.Context, userID string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.tokens[userID]...), nil
}
