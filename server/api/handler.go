// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/chatmesh/courier/producer"
	"github.com/chatmesh/courier/push"
	"github.com/chatmesh/courier/stream"
	"github.com/chatmesh/courier/types"
)

// ReceiptRecorder is the slice of the receipt store the API needs.
type ReceiptRecorder interface {
	RecordReceipt(ctx context.Context, messageID, userID string, state types.ReceiptState) (inserted bool, err error)
	ReceiptStates(ctx context.Context, messageID, userID string) ([]types.ReceiptState, error)
}

// PushStatus is the slice of the push scheduler the ops surface reads.
type PushStatus interface {
	FailedPushes() []push.Failed
	QueueDepth() int
}

type handler struct {
	producer *producer.Producer
	stream   stream.Stream
	receipts ReceiptRecorder
	pushes   PushStatus
	logger   *slog.Logger
}

func newHandler(prod *producer.Producer, str stream.Stream, receipts ReceiptRecorder, pushes PushStatus, logger *slog.Logger) *handler {
	return &handler{
		producer: prod,
		stream:   str,
		receipts: receipts,
		pushes:   pushes,
		logger:   logger,
	}
}

type errorResponse struct {
	Code    string `json:"code"`
	Field   string `json:"field,omitempty"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, code, field, msg string) {
	writeJSON(w, status, errorResponse{Code: code, Field: field, Message: msg})
}

// statusFor maps producer error codes to HTTP status codes.
func statusFor(code producer.Code) int {
	switch code {
	case producer.CodeConversationMissing:
		return http.StatusNotFound
	case producer.CodeConversationClosed:
		return http.StatusConflict
	case producer.CodeSenderNotMember:
		return http.StatusForbidden
	case producer.CodeRateLimited:
		return http.StatusTooManyRequests
	case producer.CodeEnqueueFailed:
		return http.StatusInternalServerError
	default:
		return http.StatusBadRequest
	}
}

// sendMessage handles POST /v1/messages. The body is decoded as an
// untyped map; field-level validation belongs to the producer, not the
// transport.
func (h *handler) sendMessage(w http.ResponseWriter, r *http.Request) {
	var raw map[string]any
	if err := json.NewDecoder(r.Body).Decode(&raw); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "", "request body is not valid JSON")
		return
	}

	ack, err := h.producer.Send(r.Context(), raw)
	if err != nil {
		if perr, ok := producer.AsError(err); ok {
			if !perr.Client() {
				h.logger.Error("send failed", "code", perr.Code, "error", err)
			}
			writeError(w, statusFor(perr.Code), string(perr.Code), perr.Field, perr.Message)
			return
		}
		h.logger.Error("send failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "", "internal error")
		return
	}

	status := http.StatusAccepted
	if ack.IdempotentHit {
		status = http.StatusOK
	}
	writeJSON(w, status, ack)
}

type receiptRequest struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	State     string `json:"state"`
}

type receiptResponse struct {
	Inserted bool `json:"inserted"`
}

// recordReceipt handles POST /v1/receipts.
func (h *handler) recordReceipt(w http.ResponseWriter, r *http.Request) {
	var req receiptRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "", "request body is not valid JSON")
		return
	}
	if req.MessageID == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "message_id", "required field is missing")
		return
	}
	if req.UserID == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "user_id", "required field is missing")
		return
	}
	state := types.ReceiptState(req.State)
	if !state.Valid() {
		writeError(w, http.StatusBadRequest, "invalid_field", "state", "state must be one of: SENT, DELIVERED, READ")
		return
	}

	inserted, err := h.receipts.RecordReceipt(r.Context(), req.MessageID, req.UserID, state)
	if err != nil {
		h.logger.Error("failed to record receipt", "message_id", req.MessageID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, receiptResponse{Inserted: inserted})
}

type receiptStatusResponse struct {
	MessageID string `json:"message_id"`
	UserID    string `json:"user_id"`
	State     string `json:"state"`
}

// receiptStatus handles GET /v1/receipts?message_id=&user_id=. The state
// returned is the furthest transition recorded, regardless of write order.
func (h *handler) receiptStatus(w http.ResponseWriter, r *http.Request) {
	messageID := r.URL.Query().Get("message_id")
	userID := r.URL.Query().Get("user_id")
	if messageID == "" || userID == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "", "message_id and user_id are required")
		return
	}

	states, err := h.receipts.ReceiptStates(r.Context(), messageID, userID)
	if err != nil {
		h.logger.Error("failed to read receipts", "message_id", messageID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "", "internal error")
		return
	}

	writeJSON(w, http.StatusOK, receiptStatusResponse{
		MessageID: messageID,
		UserID:    userID,
		State:     string(types.FurthestReceipt(states)),
	})
}

type lagResponse struct {
	Partitions map[int]int64 `json:"partitions"`
	Total      int64         `json:"total"`
}

// partitionLag handles GET /v1/partitions/lag.
func (h *handler) partitionLag(w http.ResponseWriter, r *http.Request) {
	resp := lagResponse{Partitions: make(map[int]int64)}
	for p := 0; p < h.stream.Partitions(); p++ {
		lag, err := h.stream.Lag(r.Context(), p)
		if err != nil {
			h.logger.Error("failed to read partition lag", "partition", p, "error", err)
			writeError(w, http.StatusInternalServerError, "internal", "", "internal error")
			return
		}
		resp.Partitions[p] = lag
		resp.Total += lag
	}
	writeJSON(w, http.StatusOK, resp)
}

// partitionParam parses and range-checks the partition query parameter.
func (h *handler) partitionParam(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("partition")
	if raw == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "partition", "required parameter is missing")
		return 0, false
	}
	p, err := strconv.Atoi(raw)
	if err != nil || p < 0 || p >= h.stream.Partitions() {
		writeError(w, http.StatusBadRequest, "invalid_field", "partition", "partition out of range")
		return 0, false
	}
	return p, true
}

// listDeadLetters handles GET /v1/dlq?partition=&limit=.
func (h *handler) listDeadLetters(w http.ResponseWriter, r *http.Request) {
	p, ok := h.partitionParam(w, r)
	if !ok {
		return
	}

	limit := 100
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid_field", "limit", "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	entries, err := h.stream.DeadLetters(r.Context(), p, limit)
	if err != nil {
		h.logger.Error("failed to list dead letters", "partition", p, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "", "internal error")
		return
	}
	if entries == nil {
		entries = []types.DeadLetterEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// deadLetterStats handles GET /v1/dlq/stats.
func (h *handler) deadLetterStats(w http.ResponseWriter, r *http.Request) {
	stats, err := stream.CollectDeadLetterStats(r.Context(), h.stream)
	if err != nil {
		h.logger.Error("failed to collect dead-letter stats", "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

type pushStatusResponse struct {
	Enabled    bool          `json:"enabled"`
	QueueDepth int           `json:"queue_depth"`
	Failed     []push.Failed `json:"failed"`
}

// pushFailures handles GET /v1/push/failed: the push scheduler's queue
// depth plus pushes that exhausted their retries.
func (h *handler) pushFailures(w http.ResponseWriter, r *http.Request) {
	resp := pushStatusResponse{Failed: []push.Failed{}}
	if h.pushes != nil {
		resp.Enabled = true
		resp.QueueDepth = h.pushes.QueueDepth()
		if failed := h.pushes.FailedPushes(); failed != nil {
			resp.Failed = failed
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

type replayRequest struct {
	Partition int    `json:"partition"`
	EntryID   string `json:"entry_id"`
}

type replayResponse struct {
	Replayed bool `json:"replayed"`
}

// replayDeadLetter handles POST /v1/dlq/replay. The entry re-enters the
// stream with a fresh retry budget.
func (h *handler) replayDeadLetter(w http.ResponseWriter, r *http.Request) {
	var req replayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "", "request body is not valid JSON")
		return
	}
	if req.EntryID == "" {
		writeError(w, http.StatusBadRequest, "missing_field", "entry_id", "required field is missing")
		return
	}
	if req.Partition < 0 || req.Partition >= h.stream.Partitions() {
		writeError(w, http.StatusBadRequest, "invalid_field", "partition", "partition out of range")
		return
	}

	if err := h.stream.ReplayDeadLetter(r.Context(), req.Partition, req.EntryID); err != nil {
		if errors.Is(err, stream.ErrEntryNotFound) {
			writeError(w, http.StatusNotFound, "entry_not_found", "entry_id", "no dead-letter entry with that id")
			return
		}
		h.logger.Error("failed to replay dead letter", "entry_id", req.EntryID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, replayResponse{Replayed: true})
}

type purgeRequest struct {
	Partition int `json:"partition"`
}

type purgeResponse struct {
	Purged int `json:"purged"`
}

// purgeDeadLetters handles POST /v1/dlq/purge.
func (h *handler) purgeDeadLetters(w http.ResponseWriter, r *http.Request) {
	var req purgeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_body", "", "request body is not valid JSON")
		return
	}
	if req.Partition < 0 || req.Partition >= h.stream.Partitions() {
		writeError(w, http.StatusBadRequest, "invalid_field", "partition", "partition out of range")
		return
	}

	n, err := h.stream.PurgeDeadLetters(r.Context(), req.Partition)
	if err != nil {
		h.logger.Error("failed to purge dead letters", "partition", req.Partition, "error", err)
		writeError(w, http.StatusInternalServerError, "internal", "", "internal error")
		return
	}
	writeJSON(w, http.StatusOK, purgeResponse{Purged: n})
}
