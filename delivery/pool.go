// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package delivery

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/chatmesh/courier/idempotency"
	"github.com/chatmesh/courier/push"
	"github.com/chatmesh/courier/stream"
)

// ErrDrainTimeout is returned by Pool.Stop when one or more workers did
// not reach quiescence within the drain timeout.
var ErrDrainTimeout = errors.New("delivery pool drain timed out")

// DefaultDrainTimeout bounds how long Stop waits for in-flight batches.
const DefaultDrainTimeout = 30 * time.Second

// Pool runs one delivery worker per partition and coordinates graceful
// shutdown. Stop cancels polling, waits for every worker to finish its
// in-flight batch, and gives up after the drain timeout. Termination after
// the timeout is abnormal and logged as such.
type Pool struct {
	workers      []*Worker
	drainTimeout time.Duration
	logger       *slog.Logger

	mu      sync.Mutex
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
	stopped bool
}

// NewPool creates a pool over the given per-partition workers. A
// drainTimeout of zero selects DefaultDrainTimeout.
func NewPool(workers []*Worker, drainTimeout time.Duration, logger *slog.Logger) *Pool {
	if drainTimeout <= 0 {
		drainTimeout = DefaultDrainTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Pool{
		workers:      workers,
		drainTimeout: drainTimeout,
		logger:       logger,
	}
}

// NewPartitionWorkers builds one worker per stream partition. The consumer
// ID embeds the hostname so pending entries can be traced to a process
// when inspecting a shared stream.
func NewPartitionWorkers(deps WorkerDeps, opts Options) []*Worker {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "courier"
	}

	partitions := deps.Stream.Partitions()
	workers := make([]*Worker, 0, partitions)
	for p := 0; p < partitions; p++ {
		consumerID := fmt.Sprintf("%s-p%d", host, p)
		workers = append(workers, NewWorker(
			p,
			consumerID,
			deps.Stream,
			deps.Messages,
			deps.Receipts,
			deps.Fanout,
			deps.Pusher,
			deps.Metrics,
			deps.Logger,
			opts,
		))
	}
	return workers
}

// Start launches every worker. It is an error to start a pool twice.
func (p *Pool) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.started {
		return errors.New("delivery pool already started")
	}
	p.started = true

	runCtx, cancel := context.WithCancel(ctx)
	p.cancel = cancel
	p.done = make(chan struct{})

	var wg sync.WaitGroup
	for _, w := range p.workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Run(runCtx)
		}(w)
	}

	go func() {
		wg.Wait()
		close(p.done)
	}()

	p.logger.Info("delivery pool started", "workers", len(p.workers))
	return nil
}

// Ready reports whether the pool is running. Used by the readiness probe.
func (p *Pool) Ready() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.stopped
}

// Stop signals every worker to stop polling and waits for in-flight
// batches to finish, bounded by the drain timeout.
func (p *Pool) Stop() error {
	p.mu.Lock()
	if !p.started || p.stopped {
		p.mu.Unlock()
		return nil
	}
	p.stopped = true
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()

	select {
	case <-done:
		p.logger.Info("delivery pool drained", "workers", len(p.workers))
		return nil
	case <-time.After(p.drainTimeout):
		p.logger.Error("delivery pool drain timed out, forcing termination",
			"workers", len(p.workers),
			"timeout", p.drainTimeout.String())
		return ErrDrainTimeout
	}
}

// WorkerDeps bundles the collaborators shared by all partition workers.
type WorkerDeps struct {
	Stream   stream.Stream
	Messages idempotency.MessageStore
	Receipts idempotency.ReceiptStore
	Fanout   *Fanout
	Pusher   *push.Scheduler
	Metrics  *Metrics
	Logger   *slog.Logger
}
