// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package push schedules push notifications for offline recipients on a
// queue isolated from the delivery pipeline. Provider outages, retries and
// backoff stay inside this package; they never block or fail message
// persistence or fan-out.
package push

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/sony/gobreaker"

	"github.com/chatmesh/courier/types"
)

// Notification is the provider-facing payload for one message.
type Notification struct {
	MessageID      string
	ConversationID string
	SenderID       string
	Preview        string
	Priority       types.Priority
}

// Provider is the push delivery client (FCM/APNS behind a gateway). It is
// an isolated failure domain.
type Provider interface {
	Send(ctx context.Context, deviceTokens []string, n Notification) error
}

// TokenSource resolves a user's registered device tokens.
type TokenSource interface {
	Tokens(ctx context.Context, userID string) ([]string, error)
}

// Options configures the scheduler.
type Options struct {
	Workers   int
	QueueSize int
	// Backoff is the per-attempt retry delay schedule; its length is the
	// maximum number of retries after the first attempt.
	Backoff          []time.Duration
	SendTimeout     time.Duration
	ShutdownTimeout time.Duration
	// DedupTTL is how long a (message, user) pair suppresses repeat
	// scheduling. It must outlast the stream's redelivery horizon; expired
	// pairs are evicted so the map does not grow with message volume.
	DedupTTL         time.Duration
	BreakerThreshold uint32
	BreakerReset     time.Duration
	Logger           *slog.Logger
}

// DefaultOptions returns the standard scheduler settings.
func DefaultOptions() Options {
	return Options{
		Workers:          4,
		QueueSize:        10000,
		Backoff:          []time.Duration{time.Second, 5 * time.Second, 30 * time.Second},
		SendTimeout:      5 * time.Second,
		ShutdownTimeout:  30 * time.Second,
		DedupTTL:         10 * time.Minute,
		BreakerThreshold: 5,
		BreakerReset:     60 * time.Second,
	}
}

type job struct {
	notification Notification
	userID       string
	attempt      int
}

// Failed is a push that exhausted its retries.
type Failed struct {
	MessageID string    `json:"message_id"`
	UserID    string    `json:"user_id"`
	LastError string    `json:"last_error"`
	FailedAt  time.Time `json:"failed_at"`
}

// Scheduler owns the push queue and its worker pool.
type Scheduler struct {
	opts     Options
	provider Provider
	tokens   TokenSource
	queue    chan job
	breaker  *gobreaker.CircuitBreaker
	logger   *slog.Logger

	mu        sync.Mutex
	scheduled map[string]time.Time // message_id/user_id pairs already queued
	failed    []Failed

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewScheduler creates and starts a scheduler.
func NewScheduler(provider Provider, tokens TokenSource, opts Options) *Scheduler {
	if opts.Workers <= 0 {
		opts.Workers = DefaultOptions().Workers
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultOptions().QueueSize
	}
	if len(opts.Backoff) == 0 {
		opts.Backoff = DefaultOptions().Backoff
	}
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = DefaultOptions().SendTimeout
	}
	if opts.ShutdownTimeout <= 0 {
		opts.ShutdownTimeout = DefaultOptions().ShutdownTimeout
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = DefaultOptions().DedupTTL
	}
	if opts.BreakerThreshold == 0 {
		opts.BreakerThreshold = DefaultOptions().BreakerThreshold
	}
	if opts.BreakerReset <= 0 {
		opts.BreakerReset = DefaultOptions().BreakerReset
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	s := &Scheduler{
		opts:      opts,
		provider:  provider,
		tokens:    tokens,
		queue:     make(chan job, opts.QueueSize),
		scheduled: make(map[string]time.Time),
		logger:    opts.Logger,
		ctx:       ctx,
		cancel:    cancel,
	}

	s.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "push-provider",
		MaxRequests: 1,
		Timeout:     opts.BreakerReset,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= opts.BreakerThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			opts.Logger.Warn("push circuit breaker state changed",
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		},
	})

	for i := 0; i < opts.Workers; i++ {
		s.wg.Add(1)
		go s.worker()
	}

	s.wg.Add(1)
	go s.dedupCleanupLoop()

	return s
}

func (s *Scheduler) dedupCleanupLoop() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.opts.DedupTTL)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.evictExpiredDedup()
		}
	}
}

func (s *Scheduler) evictExpiredDedup() {
	s.mu.Lock()
	defer s.mu.Unlock()

	threshold := time.Now().Add(-s.opts.DedupTTL)
	for key, queuedAt := range s.scheduled {
		if queuedAt.Before(threshold) {
			delete(s.scheduled, key)
		}
	}
}

func dedupKey(messageID, userID string) string {
	return messageID + "/" + userID
}

// Schedule queues a push for one offline recipient and reports whether the
// notification was accepted. Scheduling is keyed by (message, user):
// redelivered envelopes never produce a second push for the same
// recipient. Never blocks the caller.
func (s *Scheduler) Schedule(env *types.MessageEnvelope, userID string) bool {
	key := dedupKey(env.MessageID, userID)

	s.mu.Lock()
	if _, dup := s.scheduled[key]; dup {
		s.mu.Unlock()
		return false
	}
	s.scheduled[key] = time.Now()
	s.mu.Unlock()

	j := job{
		userID: userID,
		notification: Notification{
			MessageID:      env.MessageID,
			ConversationID: env.ConversationID,
			SenderID:       env.SenderID,
			Preview:        preview(env),
			Priority:       env.Priority,
		},
	}

	select {
	case s.queue <- j:
		return true
	default:
		s.logger.Error("push queue full, notification dropped",
			"message_id", env.MessageID,
			"user_id", userID)
		s.mu.Lock()
		delete(s.scheduled, key)
		s.mu.Unlock()
		return false
	}
}

// preview trims inline content for the notification body, backing off to a
// rune boundary so the preview stays valid UTF-8. Externalized payloads get
// no preview; the client fetches by key.
func preview(env *types.MessageEnvelope) string {
	const max = 140
	if !env.Inline() {
		return ""
	}
	if len(env.Content) <= max {
		return env.Content
	}
	cut := max
	for cut > 0 && !utf8.RuneStart(env.Content[cut]) {
		cut--
	}
	return env.Content[:cut]
}

func (s *Scheduler) worker() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return
		case j := <-s.queue:
			s.process(j)
		}
	}
}

func (s *Scheduler) process(j job) {
	err := s.deliver(j)
	if err == nil {
		return
	}

	if j.attempt < len(s.opts.Backoff) {
		delay := s.opts.Backoff[j.attempt]
		j.attempt++

		s.logger.Debug("push delivery failed, retrying",
			"message_id", j.notification.MessageID,
			"user_id", j.userID,
			"attempt", j.attempt,
			"retry_after", delay,
			"error", err)

		time.AfterFunc(delay, func() {
			select {
			case s.queue <- j:
			default:
				s.recordFailure(j, fmt.Errorf("retry queue full: %w", err))
			}
		})
		return
	}

	s.recordFailure(j, err)
}

func (s *Scheduler) deliver(j job) error {
	tokens, err := s.tokens.Tokens(s.ctx, j.userID)
	if err != nil {
		return fmt.Errorf("failed to resolve device tokens: %w", err)
	}
	if len(tokens) == 0 {
		// No registered devices; nothing to push.
		return nil
	}

	_, err = s.breaker.Execute(func() (interface{}, error) {
		ctx, cancel := context.WithTimeout(s.ctx, s.opts.SendTimeout)
		defer cancel()
		return nil, s.provider.Send(ctx, tokens, j.notification)
	})
	return err
}

func (s *Scheduler) recordFailure(j job, err error) {
	s.logger.Error("push delivery failed after max retries",
		"message_id", j.notification.MessageID,
		"user_id", j.userID,
		"attempts", j.attempt+1,
		"error", err)

	s.mu.Lock()
	s.failed = append(s.failed, Failed{
		MessageID: j.notification.MessageID,
		UserID:    j.userID,
		LastError: err.Error(),
		FailedAt:  time.Now(),
	})
	s.mu.Unlock()
}

// FailedPushes returns pushes that exhausted their retries.
func (s *Scheduler) FailedPushes() []Failed {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Failed, len(s.failed))
	copy(out, s.failed)
	return out
}

// QueueDepth returns the number of queued pushes, an operational signal.
func (s *Scheduler) QueueDepth() int {
	return len(s.queue)
}

// Close drains the queue and stops the workers, bounded by the shutdown
// timeout.
func (s *Scheduler) Close() error {
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.logger.Info("push scheduler stopped")
	case <-time.After(s.opts.ShutdownTimeout):
		s.logger.Warn("push scheduler shutdown timeout",
			"queue_depth", len(s.queue))
	}
	return nil
}
