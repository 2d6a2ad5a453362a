// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestSchedule_Runs(t *testing.T) {
	s := New()
	defer s.Close()

	done := make(chan struct{})
	s.Schedule("typing:post:1:u1", 10*time.Millisecond, func(context.Context) { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("task did not run")
	}
	assert.Eventually(t, func() bool { return !s.Pending("typing:post:1:u1") }, time.Second, 5*time.Millisecond)
}

func TestSchedule_ReplacesPendingTask(t *testing.T) {
	s := New()
	defer s.Close()

	var first, second atomic.Int32
	tok1 := s.Schedule("k", 20*time.Millisecond, func(context.Context) { first.Add(1) })
	tok2 := s.Schedule("k", 20*time.Millisecond, func(context.Context) { second.Add(1) })
	assert.NotEqual(t, tok1, tok2)
	assert.Equal(t, 1, s.Len())

	assert.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(40 * time.Millisecond)
	assert.Equal(t, int32(0), first.Load(), "replaced task must not run")
}

func TestCancel_PreventsRun(t *testing.T) {
	s := New()
	defer s.Close()

	var ran atomic.Bool
	s.Schedule("k", 20*time.Millisecond, func(context.Context) { ran.Store(true) })

	assert.True(t, s.Cancel("k"))
	assert.False(t, s.Cancel("k"), "second cancel finds nothing")

	time.Sleep(50 * time.Millisecond)
	assert.False(t, ran.Load())
}

func TestCancel_AfterRunReportsFalse(t *testing.T) {
	s := New()
	defer s.Close()

	done := make(chan struct{})
	s.Schedule("k", time.Millisecond, func(context.Context) { close(done) })
	<-done

	assert.False(t, s.Cancel("k"), "a task that ran cannot also be cancelled")
}

func TestClose_CancelsPendingAndWaitsForRunning(t *testing.T) {
	s := New()

	var pendingRan atomic.Bool
	s.Schedule("pending", time.Hour, func(context.Context) { pendingRan.Store(true) })

	started := make(chan struct{})
	var sawCancel atomic.Bool
	s.Schedule("running", time.Millisecond, func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		sawCancel.Store(true)
	})
	<-started

	s.Close()
	assert.True(t, sawCancel.Load(), "Close waits for running tasks")
	assert.False(t, pendingRan.Load())
	assert.Equal(t, 0, s.Len())
	assert.Equal(t, Token(0), s.Schedule("late", time.Millisecond, func(context.Context) {}))

	s.Close()
}
