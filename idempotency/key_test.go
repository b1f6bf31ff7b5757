// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package idempotency

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestClientMessageIDKeyIsStable(t *testing.T) {
	km := NewKeyMaker([]byte("secret"), time.Second)

	a := km.Compute(KeySource{ClientMessageID: "client-1"})
	b := km.Compute(KeySource{ClientMessageID: "client-1"})
	assert.Equal(t, a, b)

	// Other fields are irrelevant once a client message ID is present.
	c := km.Compute(KeySource{
		ClientMessageID: "client-1",
		ConversationID:  "c1",
		SenderID:        "alice",
		Content:         "hello",
		SentAt:          time.Now(),
	})
	assert.Equal(t, a, c)
}

func TestDistinctClientMessageIDs(t *testing.T) {
	km := NewKeyMaker([]byte("secret"), time.Second)

	a := km.Compute(KeySource{ClientMessageID: "client-1"})
	b := km.Compute(KeySource{ClientMessageID: "client-2"})
	assert.NotEqual(t, a, b)
}

func TestContentKeyWindowAbsorbsJitter(t *testing.T) {
	km := NewKeyMaker([]byte("secret"), time.Second)
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	src := KeySource{ConversationID: "c1", SenderID: "alice", Content: "hi"}

	src.SentAt = base.Add(100 * time.Millisecond)
	a := km.Compute(src)
	src.SentAt = base.Add(900 * time.Millisecond)
	b := km.Compute(src)
	assert.Equal(t, a, b, "sends inside one window must collapse")

	src.SentAt = base.Add(1100 * time.Millisecond)
	c := km.Compute(src)
	assert.NotEqual(t, a, c, "sends in different windows must stay distinct")
}

func TestContentKeySeparatesTuples(t *testing.T) {
	km := NewKeyMaker([]byte("secret"), time.Second)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	base := KeySource{ConversationID: "c1", SenderID: "alice", Content: "hi", SentAt: at}

	other := base
	other.SenderID = "bob"
	assert.NotEqual(t, km.Compute(base), km.Compute(other))

	other = base
	other.ConversationID = "c2"
	assert.NotEqual(t, km.Compute(base), km.Compute(other))

	other = base
	other.Content = "hi!"
	assert.NotEqual(t, km.Compute(base), km.Compute(other))
}

func TestSecretChangesKey(t *testing.T) {
	a := NewKeyMaker([]byte("one"), time.Second).Compute(KeySource{ClientMessageID: "x"})
	b := NewKeyMaker([]byte("two"), time.Second).Compute(KeySource{ClientMessageID: "x"})
	assert.NotEqual(t, a, b)
}
