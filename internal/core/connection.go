// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package core

import (
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
)

// Connection is one admitted client connection. The identity is fixed for
// the connection's lifetime; all authorization uses it.
type Connection struct {
	id          ulid.ULID
	identity    Identity
	fingerprint string
	sink        Sink
	connectedAt time.Time

	mu    sync.Mutex
	rooms map[string]struct{}
}

// NewConnection wraps an outbound sink with its identity.
func NewConnection(id ulid.ULID, identity Identity, fingerprint string, sink Sink) *Connection {
	return &Connection{
		id:          id,
		identity:    identity,
		fingerprint: fingerprint,
		sink:        sink,
		connectedAt: time.Now(),
		rooms:       make(map[string]struct{}),
	}
}

// ID returns the connection id.
func (c *Connection) ID() ulid.ULID { return c.id }

// Identity returns the cached identity.
func (c *Connection) Identity() Identity { return c.identity }

// Fingerprint returns the session fingerprint used in logs.
func (c *Connection) Fingerprint() string { return c.fingerprint }

// ConnectedAt returns when the connection was admitted.
func (c *Connection) ConnectedAt() time.Time { return c.connectedAt }

// Deliver queues a frame on the connection without blocking.
func (c *Connection) Deliver(frame Frame) bool {
	return c.sink.Deliver(frame)
}

// Send marshals payload and queues it. Returns false when the frame could
// not be built or the buffer is full.
func (c *Connection) Send(event string, payload any) bool {
	frame, err := NewFrame(event, payload)
	if err != nil {
		return false
	}
	return c.Deliver(frame)
}

// JoinRoom records roomID as joined. Returns false if it already was.
func (c *Connection) JoinRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; ok {
		return false
	}
	c.rooms[roomID] = struct{}{}
	return true
}

// LeaveRoom forgets roomID. Returns false if it was not joined.
func (c *Connection) LeaveRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.rooms[roomID]; !ok {
		return false
	}
	delete(c.rooms, roomID)
	return true
}

// InRoom reports whether roomID is joined.
func (c *Connection) InRoom(roomID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.rooms[roomID]
	return ok
}

// Rooms returns the joined rooms, sorted.
func (c *Connection) Rooms() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	rooms := make([]string, 0, len(c.rooms))
	for r := range c.rooms {
		rooms = append(rooms, r)
	}
	sort.Strings(rooms)
	return rooms
}
