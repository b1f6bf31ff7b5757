// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package api exposes the ingress and operational HTTP surface: message
// send, receipt recording, partition lag, and dead-letter inspection.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/chatmesh/courier/producer"
	"github.com/chatmesh/courier/stream"
)

// Config holds configuration for the API server.
type Config struct {
	Address         string
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// Server provides the HTTP API server.
type Server struct {
	config     Config
	httpServer *http.Server
	logger     *slog.Logger
}

// New creates a new API server.
func New(config Config, prod *producer.Producer, str stream.Stream, receipts ReceiptRecorder, pushes PushStatus, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if config.ReadTimeout <= 0 {
		config.ReadTimeout = 30 * time.Second
	}
	if config.WriteTimeout <= 0 {
		config.WriteTimeout = 30 * time.Second
	}

	h := newHandler(prod, str, receipts, pushes, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/messages", h.sendMessage)
	mux.HandleFunc("POST /v1/receipts", h.recordReceipt)
	mux.HandleFunc("GET /v1/receipts", h.receiptStatus)
	mux.HandleFunc("GET /v1/partitions/lag", h.partitionLag)
	mux.HandleFunc("GET /v1/dlq", h.listDeadLetters)
	mux.HandleFunc("GET /v1/dlq/stats", h.deadLetterStats)
	mux.HandleFunc("POST /v1/dlq/replay", h.replayDeadLetter)
	mux.HandleFunc("POST /v1/dlq/purge", h.purgeDeadLetters)
	mux.HandleFunc("GET /v1/push/failed", h.pushFailures)

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"status":"ok"}`))
	})

	httpServer := &http.Server{
		Addr:         config.Address,
		Handler:      mux,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return &Server{
		config:     config,
		httpServer: httpServer,
		logger:     logger,
	}
}

// Handler exposes the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Listen starts the API server.
func (s *Server) Listen(ctx context.Context) error {
	errCh := make(chan error, 1)

	go func() {
		s.logger.Info("Starting API server",
			slog.String("address", s.config.Address))
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("Shutting down API server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.config.ShutdownTimeout)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("API server error: %w", err)
	}
}
