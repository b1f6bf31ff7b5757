// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package producer

import (
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// SenderRateLimiter limits send requests per sender with a token bucket
// per sender ID. Stale buckets are evicted periodically so the map does not
// grow with the user population.
type SenderRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*senderEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
}

type senderEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewSenderRateLimiter creates a limiter allowing r requests per second
// with the given burst per sender.
func NewSenderRateLimiter(r float64, burst int, cleanupInterval time.Duration) *SenderRateLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}
	l := &SenderRateLimiter{
		limiters: make(map[string]*senderEntry),
		rate:     rate.Limit(r),
		burst:    burst,
		cleanup:  cleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a send from the given sender is within its budget.
func (l *SenderRateLimiter) Allow(senderID string) bool {
	l.mu.Lock()
	entry, exists := l.limiters[senderID]
	if !exists {
		entry = &senderEntry{
			limiter:  rate.NewLimiter(l.rate, l.burst),
			lastSeen: time.Now(),
		}
		l.limiters[senderID] = entry
	} else {
		entry.lastSeen = time.Now()
	}
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.Allow()
}

func (l *SenderRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			l.evictStale()
		case <-l.stopCh:
			return
		}
	}
}

func (l *SenderRateLimiter) evictStale() {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := time.Now().Add(-l.cleanup * 2)
	for sender, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, sender)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *SenderRateLimiter) Stop() {
	close(l.stopCh)
}
