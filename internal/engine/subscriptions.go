// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package engine

import (
	"context"
	"log/slog"
	"sync"

	"github.com/oklog/ulid/v2"

	"github.com/roomcast/roomcast/internal/core"
	"github.com/roomcast/roomcast/internal/fanout"
)

// Subscriptions joins the local hub to the fan-out transport. The instance
// subscribes to a channel when its first local subscriber arrives and
// unsubscribes when the last one leaves.
type Subscriptions struct {
	hub   *core.Hub
	bcast fanout.Broadcaster

	// mu keeps hub refcounts and transport state moving together.
	mu sync.Mutex
}

// NewSubscriptions creates a subscription manager.
func NewSubscriptions(hub *core.Hub, bcast fanout.Broadcaster) *Subscriptions {
	return &Subscriptions{hub: hub, bcast: bcast}
}

// Subscribe attaches conn to channel.
func (s *Subscriptions) Subscribe(ctx context.Context, channel string, conn *core.Connection) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hub.Subscribe(channel, conn) {
		return nil
	}
	if err := s.bcast.Subscribe(ctx, channel); err != nil {
		s.hub.Unsubscribe(channel, conn.ID())
		return err
	}
	return nil
}

// Unsubscribe detaches a connection from channel.
func (s *Subscriptions) Unsubscribe(ctx context.Context, channel string, connID ulid.ULID) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.hub.Unsubscribe(channel, connID) {
		return nil
	}
	return s.bcast.Unsubscribe(ctx, channel)
}

// ReleaseAll detaches a connection from every channel it still holds.
func (s *Subscriptions) ReleaseAll(ctx context.Context, connID ulid.ULID) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, channel := range s.hub.UnsubscribeAll(connID) {
		if err := s.bcast.Unsubscribe(ctx, channel); err != nil {
			slog.WarnContext(ctx, "failed to release channel",
				"channel", channel, "conn_id", connID.String(), "error", err)
		}
	}
}
