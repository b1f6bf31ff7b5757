// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package types

// ReceiptState is a per-recipient delivery state for a message.
// States are monotonic: SENT -> DELIVERED -> READ. Rows are uniquely keyed
// by (messageID, userID, state) so repeated transitions are no-ops.
type ReceiptState string

const (
	ReceiptSent      ReceiptState = "SENT"
	ReceiptDelivered ReceiptState = "DELIVERED"
	ReceiptRead      ReceiptState = "READ"
)

var receiptRank = map[ReceiptState]int{
	ReceiptSent:      1,
	ReceiptDelivered: 2,
	ReceiptRead:      3,
}

// Valid reports whether s is a known receipt state.
func (s ReceiptState) Valid() bool {
	_, ok := receiptRank[s]
	return ok
}

// Rank returns the ordering rank of the state, 0 for unknown states.
func (s ReceiptState) Rank() int {
	return receiptRank[s]
}

// FurthestReceipt returns the most advanced state among those recorded.
// READ implies DELIVERED implies SENT even when the underlying rows were
// written out of order.
func FurthestReceipt(states []ReceiptState) ReceiptState {
	var best ReceiptState
	for _, s := range states {
		if s.Rank() > best.Rank() {
			best = s
		}
	}
	return best
}

// Receipt is one recorded state transition for (message, user).
type Receipt struct {
	MessageID string       `json:"message_id"`
	UserID    string       `json:"user_id"`
	State     ReceiptState `json:"state"`
}
