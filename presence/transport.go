// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package presence

import (
	"context"
	"log/slog"
)

// LogTransport logs emitted payloads instead of writing to a socket. It
// stands in for the real-time connection layer in single-binary
// deployments and tests.
type LogTransport struct {
	logger *slog.Logger
}

var _ Transport = (*LogTransport)(nil)

// NewLogTransport creates a logging transport.
func NewLogTransport(logger *slog.Logger) *LogTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogTransport{logger: logger}
}

func (t *LogTransport) Emit(_ context.Context, connectionHandle string, payload []byte) error {
	t.logger.Debug("emit", "handle", connectionHandle, "bytes", len(payload))
	return nil
}
