// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package core

import (
	"log/slog"
	"sort"
	"sync"

	"github.com/oklog/ulid/v2"
)

// Sink receives frames for one local connection.
type Sink interface {
	ID() ulid.ULID
	// Deliver enqueues a frame without blocking. Returns false when the frame
	// was dropped.
	Deliver(frame Frame) bool
}

// Hub distributes frames arriving on a channel to the local connections
// subscribed to it. A connection may hold the same channel more than once
// (its personal channel joined as a room); each hold needs its own release.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[ulid.ULID]*hubEntry
}

type hubEntry struct {
	sink Sink
	refs int
}

// NewHub creates a new hub.
func NewHub() *Hub {
	return &Hub{
		subs: make(map[string]map[ulid.ULID]*hubEntry),
	}
}

// Subscribe adds a sink to a channel. Returns true when the sink is the first
// local subscriber, meaning the instance must subscribe to the channel on the
// fan-out transport.
func (h *Hub) Subscribe(channel string, sink Sink) (first bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sinks, ok := h.subs[channel]
	if !ok {
		sinks = make(map[ulid.ULID]*hubEntry)
		h.subs[channel] = sinks
	}
	first = len(sinks) == 0
	if e, held := sinks[sink.ID()]; held {
		e.refs++
		return first
	}
	sinks[sink.ID()] = &hubEntry{sink: sink, refs: 1}
	return first
}

// Unsubscribe releases one hold of a sink on a channel. Returns true when the
// channel has no local subscribers left.
func (h *Hub) Unsubscribe(channel string, id ulid.ULID) (last bool) {
	h.mu.Lock()
	defer h.mu.Unlock()

	sinks, ok := h.subs[channel]
	if !ok {
		return false
	}
	e, present := sinks[id]
	if !present {
		return false
	}
	if e.refs--; e.refs > 0 {
		return false
	}
	delete(sinks, id)
	if len(sinks) == 0 {
		delete(h.subs, channel)
		return true
	}
	return false
}

// UnsubscribeAll removes a sink from every channel and returns the channels
// that lost their last local subscriber.
func (h *Hub) UnsubscribeAll(id ulid.ULID) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	var emptied []string
	for channel, sinks := range h.subs {
		if _, present := sinks[id]; !present {
			continue
		}
		delete(sinks, id)
		if len(sinks) == 0 {
			delete(h.subs, channel)
			emptied = append(emptied, channel)
		}
	}
	sort.Strings(emptied)
	return emptied
}

// Deliver sends a frame to all local subscribers of a channel and returns how
// many accepted it.
func (h *Hub) Deliver(channel string, frame Frame) int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	delivered := 0
	for id, e := range h.subs[channel] {
		if e.sink.Deliver(frame) {
			delivered++
			continue
		}
		// Best-effort fan-out: a slow consumer misses the frame rather than
		// stalling the channel for everyone else.
		slog.Warn("frame dropped: connection buffer full",
			"channel", channel,
			"conn_id", id.String(),
			"event", frame.Event,
		)
	}
	return delivered
}

// Subscribers returns the number of local subscribers of a channel.
func (h *Hub) Subscribers(channel string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs[channel])
}

// Channels returns the channels with at least one local subscriber, sorted.
func (h *Hub) Channels() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	channels := make([]string, 0, len(h.subs))
	for channel := range h.subs {
		channels = append(channels, channel)
	}
	sort.Strings(channels)
	return channels
}
