// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

// Package reaper periodically evicts stale presence records and orphaned
// typing entries.
package reaper

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roomcast/roomcast/internal/core"
	"github.com/roomcast/roomcast/pkg/errutil"
)

// Default sweep intervals.
const (
	DefaultPresenceInterval = 60 * time.Second
	DefaultTypingInterval   = 10 * time.Second
	defaultSweepTimeout     = 10 * time.Second
)

// Eviction kinds.
const (
	KindPresence = "presence"
	KindTyping   = "typing"
)

var evictions = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "roomcast_reaper_evictions_total",
		Help: "Entries evicted by the reaper",
	},
	[]string{"kind"},
)

// RegisterMetrics registers reaper metrics with the given registerer.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(evictions)
}

// PresenceReaper evicts presence records idle since before now minus the TTL.
type PresenceReaper interface {
	Reap(ctx context.Context, now time.Time) ([]string, error)
}

// TypingSweeper removes expired typing entries.
type TypingSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// Config sets the sweep intervals. Zero values use the defaults.
type Config struct {
	PresenceInterval time.Duration
	TypingInterval   time.Duration
	// SweepTimeout bounds a single sweep.
	SweepTimeout time.Duration
}

// Reaper runs the two sweeps on their own tickers.
type Reaper struct {
	presence PresenceReaper
	typing   TypingSweeper
	cfg      Config
	now      func() time.Time

	startOnce sync.Once
	closeOnce sync.Once
	stopChan  chan struct{}
	wg        sync.WaitGroup
}

// New creates a reaper. Call Start to begin sweeping.
func New(presence PresenceReaper, typing TypingSweeper, cfg Config) (*Reaper, error) {
	if presence == nil {
		return nil, core.ErrNilDependency("presence reaper")
	}
	if typing == nil {
		return nil, core.ErrNilDependency("typing sweeper")
	}
	if cfg.PresenceInterval <= 0 {
		cfg.PresenceInterval = DefaultPresenceInterval
	}
	if cfg.TypingInterval <= 0 {
		cfg.TypingInterval = DefaultTypingInterval
	}
	if cfg.SweepTimeout <= 0 {
		cfg.SweepTimeout = defaultSweepTimeout
	}
	return &Reaper{
		presence: presence,
		typing:   typing,
		cfg:      cfg,
		now:      time.Now,
		stopChan: make(chan struct{}),
	}, nil
}

// Start launches the sweep loops. Calling it more than once has no effect.
func (r *Reaper) Start() {
	r.startOnce.Do(func() {
		r.wg.Add(2)
		go r.loop(r.cfg.PresenceInterval, r.ReapPresence)
		go r.loop(r.cfg.TypingInterval, r.SweepTyping)
	})
}

func (r *Reaper) loop(interval time.Duration, sweep func(context.Context) int) {
	defer r.wg.Done()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-r.stopChan:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), r.cfg.SweepTimeout)
			sweep(ctx)
			cancel()
		}
	}
}

// ReapPresence runs one presence sweep and returns the number of users reaped.
func (r *Reaper) ReapPresence(ctx context.Context) int {
	reaped, err := r.presence.Reap(ctx, r.now())
	if err != nil {
		errutil.LogWarnContext(ctx, slog.Default(), "presence reap incomplete", err)
	}
	if len(reaped) > 0 {
		evictions.WithLabelValues(KindPresence).Add(float64(len(reaped)))
		slog.InfoContext(ctx, "reaped stale presence", "count", len(reaped))
	}
	return len(reaped)
}

// SweepTyping runs one typing sweep and returns the number of entries removed.
func (r *Reaper) SweepTyping(ctx context.Context) int {
	removed, err := r.typing.Sweep(ctx)
	if err != nil {
		errutil.LogWarnContext(ctx, slog.Default(), "typing sweep failed", err)
	}
	if removed > 0 {
		evictions.WithLabelValues(KindTyping).Add(float64(removed))
		slog.DebugContext(ctx, "swept expired typing entries", "count", removed)
	}
	return removed
}

// Close stops the loops and waits for an in-flight sweep to finish.
func (r *Reaper) Close() {
	r.closeOnce.Do(func() {
		close(r.stopChan)
	})
	r.wg.Wait()
}
