// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package ratelimit

import (
	"context"
	"sync"
	"time"
)

// DefaultCleanupInterval is how often idle logs are dropped.
const DefaultCleanupInterval = time.Minute

// callLog is the accepted-call timestamps of one key, oldest first.
type callLog struct {
	stamps []time.Time
	window time.Duration
}

// MemoryLimiter is the per-process fallback. It is safe for concurrent use and
// runs a background goroutine dropping idle logs; call Close to stop it.
type MemoryLimiter struct {
	mu   sync.Mutex
	logs map[string]*callLog
	now  func() time.Time

	stopChan chan struct{}
	wg       sync.WaitGroup
}

// NewMemoryLimiter creates a limiter and starts its cleanup loop.
func NewMemoryLimiter(cleanupInterval time.Duration) *MemoryLimiter {
	return newMemoryLimiter(cleanupInterval, time.Now)
}

func newMemoryLimiter(cleanupInterval time.Duration, now func() time.Time) *MemoryLimiter {
	if cleanupInterval <= 0 {
		cleanupInterval = DefaultCleanupInterval
	}
	l := &MemoryLimiter{
		logs:     make(map[string]*callLog),
		now:      now,
		stopChan: make(chan struct{}),
	}
	l.wg.Add(1)
	go l.cleanupLoop(cleanupInterval)
	return l
}

// trim drops stamps at or before cutoff.
func (c *callLog) trim(cutoff time.Time) {
	i := 0
	for i < len(c.stamps) && !c.stamps[i].After(cutoff) {
		i++
	}
	c.stamps = c.stamps[i:]
}

// Check applies policy to identifier.
func (l *MemoryLimiter) Check(_ context.Context, identifier string, policy Policy) (Result, error) {
	if err := policy.validate(); err != nil {
		return Result{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	k := key(policy.Namespace, identifier)
	log, ok := l.logs[k]
	if !ok {
		log = &callLog{}
		l.logs[k] = log
	}
	log.window = policy.Window
	log.trim(now.Add(-policy.Window))

	if len(log.stamps) < policy.Max {
		log.stamps = append(log.stamps, now)
		return Result{
			Allowed:   true,
			Remaining: policy.Max - len(log.stamps),
			ResetAt:   log.stamps[0].Add(policy.Window),
		}, nil
	}

	oldest := log.stamps[0]
	return Result{
		Allowed:           false,
		Remaining:         0,
		ResetAt:           oldest.Add(policy.Window),
		RetryAfterSeconds: retryAfter(oldest, policy.Window, now),
	}, nil
}

// KeyCount returns the number of tracked keys.
func (l *MemoryLimiter) KeyCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.logs)
}

// Cleanup removes logs whose newest entry has left its window.
func (l *MemoryLimiter) Cleanup() {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	for k, log := range l.logs {
		log.trim(now.Add(-log.window))
		if len(log.stamps) == 0 {
			delete(l.logs, k)
		}
	}
}

func (l *MemoryLimiter) cleanupLoop(interval time.Duration) {
	defer l.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-l.stopChan:
			return
		case <-ticker.C:
			l.Cleanup()
		}
	}
}

// Close stops the cleanup goroutine. It blocks until the goroutine has stopped.
func (l *MemoryLimiter) Close() {
	close(l.stopChan)
	l.wg.Wait()
}
