// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

// Package scheduler runs keyed one-shot tasks. At most one task is pending
// per key, and a task either runs or is cancelled, never both.
package scheduler

import (
	"context"
	"sync"
	"time"
)

// Token identifies one scheduled run of a key.
type Token uint64

type task struct {
	token Token
	timer *time.Timer
}

// Scheduler holds pending tasks. The zero value is not usable; call New.
type Scheduler struct {
	mu     sync.Mutex
	tasks  map[string]*task
	next   Token
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a scheduler. Tasks receive a context cancelled by Close.
func New() *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		tasks:  make(map[string]*task),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Schedule runs fn after delay under key, replacing any pending task for the
// same key. Returns the token of the new task, or 0 after Close.
func (s *Scheduler) Schedule(key string, delay time.Duration, fn func(ctx context.Context)) Token {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0
	}
	if prev, ok := s.tasks[key]; ok {
		prev.timer.Stop()
	}

	s.next++
	t := &task{token: s.next}
	t.timer = time.AfterFunc(delay, func() { s.fire(key, t.token, fn) })
	s.tasks[key] = t
	return t.token
}

// fire runs fn only if token is still the pending task for key.
func (s *Scheduler) fire(key string, token Token, fn func(ctx context.Context)) {
	s.mu.Lock()
	current, ok := s.tasks[key]
	if !ok || current.token != token || s.closed {
		s.mu.Unlock()
		return
	}
	delete(s.tasks, key)
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	fn(s.ctx)
}

// Cancel drops the pending task for key. Reports whether one was pending; a
// true result guarantees the task will not run.
func (s *Scheduler) Cancel(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[key]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, key)
	return true
}

// Pending reports whether key has a task waiting to run.
func (s *Scheduler) Pending(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.tasks[key]
	return ok
}

// Len returns the number of pending tasks.
func (s *Scheduler) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tasks)
}

// Close cancels every pending task and waits for running ones to return.
func (s *Scheduler) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	for key, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, key)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
