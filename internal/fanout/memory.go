// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package fanout

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/samber/oops"

	"github.com/roomcast/roomcast/internal/core"
)

// MemoryBus is an in-process stand-in for Redis pub/sub. Each Attach call
// returns an endpoint behaving like one instance's Broadcaster, so several
// engines in one process can share a bus.
type MemoryBus struct {
	mu        sync.RWMutex
	endpoints map[*MemoryBroadcaster]struct{}
}

// NewMemoryBus creates an empty bus.
func NewMemoryBus() *MemoryBus {
	return &MemoryBus{endpoints: make(map[*MemoryBroadcaster]struct{})}
}

// Attach creates a new endpoint on the bus.
func (bus *MemoryBus) Attach(origin string) *MemoryBroadcaster {
	b := &MemoryBroadcaster{
		bus:        bus,
		origin:     origin,
		channels:   make(map[string]struct{}),
		deliveries: make(chan Message, DeliveryBuffer),
	}
	bus.mu.Lock()
	bus.endpoints[b] = struct{}{}
	bus.mu.Unlock()
	return b
}

func (bus *MemoryBus) detach(b *MemoryBroadcaster) {
	bus.mu.Lock()
	delete(bus.endpoints, b)
	bus.mu.Unlock()
}

func (bus *MemoryBus) publish(msg Message) {
	bus.mu.RLock()
	defer bus.mu.RUnlock()

	for b := range bus.endpoints {
		b.offer(msg)
	}
}

// MemoryBroadcaster is one endpoint of a MemoryBus.
type MemoryBroadcaster struct {
	bus    *MemoryBus
	origin string

	mu         sync.Mutex
	channels   map[string]struct{}
	deliveries chan Message
	closed     bool
}

// offer delivers msg if this endpoint subscribes to its channel. It never
// blocks the publisher.
func (b *MemoryBroadcaster) offer(msg Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	if _, ok := b.channels[msg.Channel]; !ok {
		return
	}
	select {
	case b.deliveries <- msg:
	default:
		droppedTotal.Inc()
		slog.Warn("fan-out delivery buffer full, dropping message",
			"channel", msg.Channel, "event", msg.Event, "origin", b.origin)
	}
}

// Publish sends msg to every subscribed endpoint on the bus.
func (b *MemoryBroadcaster) Publish(_ context.Context, msg Message) error {
	b.mu.Lock()
	closed := b.closed
	b.mu.Unlock()
	if closed {
		err := oops.Code(core.CodeInternal).With("channel", msg.Channel).Errorf("broadcaster closed")
		recordPublish(err)
		return err
	}

	if msg.Origin == "" {
		msg.Origin = b.origin
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	b.bus.publish(msg)
	recordPublish(nil)
	return nil
}

// Subscribe starts receiving channel.
func (b *MemoryBroadcaster) Subscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return oops.Code(core.CodeInternal).With("channel", channel).Errorf("broadcaster closed")
	}
	b.channels[channel] = struct{}{}
	return nil
}

// Unsubscribe stops receiving channel.
func (b *MemoryBroadcaster) Unsubscribe(_ context.Context, channel string) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	delete(b.channels, channel)
	return nil
}

// Subscribed reports whether the endpoint currently receives channel.
func (b *MemoryBroadcaster) Subscribed(channel string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	_, ok := b.channels[channel]
	return ok
}

// Deliveries returns received messages.
func (b *MemoryBroadcaster) Deliveries() <-chan Message {
	return b.deliveries
}

// Close detaches the endpoint and closes its deliveries channel.
func (b *MemoryBroadcaster) Close() error {
	b.bus.detach(b)

	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.closed {
		b.closed = true
		close(b.deliveries)
	}
	return nil
}
