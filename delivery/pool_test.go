// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chatmesh/courier/delivery"
	idemmemory "github.com/chatmesh/courier/idempotency/memory"
	"github.com/chatmesh/courier/presence"
	"github.com/chatmesh/courier/stream"
	streammemory "github.com/chatmesh/courier/stream/memory"
)

func TestPoolProcessesAcrossPartitions(t *testing.T) {
	ctx := context.Background()
	s := streammemory.New(streammemory.Options{Partitions: 4})
	defer s.Close()
	store := idemmemory.New()
	fanout := delivery.NewFanout(presence.NewMemoryRegistry(), newCaptureTransport(), nil)

	workers := delivery.NewPartitionWorkers(delivery.WorkerDeps{
		Stream:   s,
		Messages: store,
		Receipts: store,
		Fanout:   fanout,
	}, delivery.Options{PollBlock: 50 * time.Millisecond})
	require.Len(t, workers, 4)

	pool := delivery.NewPool(workers, time.Second, nil)
	require.NoError(t, pool.Start(ctx))
	assert.True(t, pool.Ready())

	// Conversations hash to different partitions; all must be consumed.
	for i := 0; i < 20; i++ {
		env := testEnvelope("m"+string(rune('a'+i)), "bob")
		env.ConversationID = "conv-" + string(rune('a'+i))
		env.IdempotencyKey = "key-" + env.MessageID
		_, err := s.Enqueue(ctx, env)
		require.NoError(t, err)
	}

	assert.Eventually(t, func() bool {
		return store.MessageCount() == 20
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, pool.Stop())
	assert.False(t, pool.Ready())

	for p := 0; p < s.Partitions(); p++ {
		lag, err := s.Lag(ctx, p)
		require.NoError(t, err)
		assert.Zero(t, lag, "partition %d", p)
	}
}

func TestPoolStartTwice(t *testing.T) {
	s := streammemory.New(streammemory.Options{Partitions: 1})
	defer s.Close()
	store := idemmemory.New()
	fanout := delivery.NewFanout(presence.NewMemoryRegistry(), newCaptureTransport(), nil)

	workers := delivery.NewPartitionWorkers(delivery.WorkerDeps{
		Stream:   s,
		Messages: store,
		Receipts: store,
		Fanout:   fanout,
	}, delivery.Options{PollBlock: 50 * time.Millisecond})

	pool := delivery.NewPool(workers, time.Second, nil)
	require.NoError(t, pool.Start(context.Background()))
	assert.Error(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop())
}

func TestPoolStopIdempotent(t *testing.T) {
	s := streammemory.New(streammemory.Options{Partitions: 1})
	defer s.Close()
	store := idemmemory.New()
	fanout := delivery.NewFanout(presence.NewMemoryRegistry(), newCaptureTransport(), nil)

	workers := delivery.NewPartitionWorkers(delivery.WorkerDeps{
		Stream:   s,
		Messages: store,
		Receipts: store,
		Fanout:   fanout,
	}, delivery.Options{PollBlock: 50 * time.Millisecond})

	pool := delivery.NewPool(workers, time.Second, nil)
	require.NoError(t, pool.Start(context.Background()))
	require.NoError(t, pool.Stop())
	require.NoError(t, pool.Stop())
}

// stuckStream blocks Dequeue forever, ignoring cancellation, to simulate a
// worker that cannot reach quiescence.
type stuckStream struct {
	stream.Stream
	block chan struct{}
}

func (s *stuckStream) Partitions() int { return 1 }

func (s *stuckStream) Dequeue(context.Context, int, string, int, time.Duration) ([]stream.Entry, error) {
	<-s.block
	return nil, stream.ErrStreamClosed
}

func TestPoolDrainTimeout(t *testing.T) {
	stuck := &stuckStream{block: make(chan struct{})}
	defer close(stuck.block)

	store := idemmemory.New()
	fanout := delivery.NewFanout(presence.NewMemoryRegistry(), newCaptureTransport(), nil)

	workers := delivery.NewPartitionWorkers(delivery.WorkerDeps{
		Stream:   stuck,
		Messages: store,
		Receipts: store,
		Fanout:   fanout,
	}, delivery.Options{})

	pool := delivery.NewPool(workers, 50*time.Millisecond, nil)
	require.NoError(t, pool.Start(context.Background()))

	err := pool.Stop()
	assert.ErrorIs(t, err, delivery.ErrDrainTimeout)
}
