// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

// Package room manages room membership and viewer counts.
//
// Membership is a hash per room, user id to the number of that user's
// connections in the room, so the viewer count is the number of distinct
// users no matter how many tabs each has open.
package room

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/gobwas/glob"
	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/oops"

	"github.com/roomcast/roomcast/internal/core"
	"github.com/roomcast/roomcast/internal/fanout"
	"github.com/roomcast/roomcast/internal/kv"
)

// Defaults.
const (
	DefaultMembershipTTL = 2 * time.Hour
	MaxRoomIDLength      = 128
)

// DefaultPatterns is the room id allow-list.
var DefaultPatterns = []string{"post:*", "live:*", "user:*"}

// Subscriber attaches connections to channels on this instance.
type Subscriber interface {
	Subscribe(ctx context.Context, channel string, conn *core.Connection) error
	Unsubscribe(ctx context.Context, channel string, connID ulid.ULID) error
}

// TypingStopper clears typing state when a user leaves a room.
type TypingStopper interface {
	Stop(ctx context.Context, roomID string, identity core.Identity) error
}

// Config configures a Manager.
type Config struct {
	// MembershipTTL is renewed on every join. Defaults to DefaultMembershipTTL.
	MembershipTTL time.Duration
	// Patterns is the glob allow-list for room ids. Defaults to DefaultPatterns.
	Patterns []string
}

var membershipChanges = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "roomcast_room_membership_changes_total",
		Help: "Room joins and leaves",
	},
	[]string{"op"},
)

// RegisterMetrics registers room metrics with the given registerer.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(membershipChanges)
}

// Manager implements join, leave and viewer counting.
type Manager struct {
	kv     kv.Store
	pub    fanout.Publisher
	subs   Subscriber
	typing TypingStopper
	ttl    time.Duration
	allow  []glob.Glob
}

// NewManager creates a manager. typing may be nil.
func NewManager(store kv.Store, pub fanout.Publisher, subs Subscriber, typing TypingStopper, cfg Config) (*Manager, error) {
	if store == nil {
		return nil, core.ErrNilDependency("kv store")
	}
	if pub == nil {
		return nil, core.ErrNilDependency("publisher")
	}
	if subs == nil {
		return nil, core.ErrNilDependency("subscriber")
	}

	patterns := cfg.Patterns
	if len(patterns) == 0 {
		patterns = DefaultPatterns
	}
	allow := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p)
		if err != nil {
			return nil, oops.Code(core.CodeInternal).With("pattern", p).Wrapf(err, "invalid room pattern")
		}
		allow = append(allow, g)
	}

	ttl := cfg.MembershipTTL
	if ttl <= 0 {
		ttl = DefaultMembershipTTL
	}
	return &Manager{kv: store, pub: pub, subs: subs, typing: typing, ttl: ttl, allow: allow}, nil
}

// SetTypingStopper wires the typing tracker after construction.
func (m *Manager) SetTypingStopper(t TypingStopper) {
	m.typing = t
}

func membersKey(roomID string) string {
	return "room:" + roomID + ":members"
}

// Authorize checks that identity may use roomID. Personal rooms belong to
// their owner only.
func (m *Manager) Authorize(event string, identity core.Identity, roomID string) error {
	if roomID == "" || strings.TrimSpace(roomID) != roomID {
		return core.ErrValidation(event, "invalid roomId")
	}
	if len(roomID) > MaxRoomIDLength {
		return core.ErrValidation(event, "roomId too long")
	}
	if !m.allowed(roomID) {
		return core.ErrValidation(event, "unknown room type")
	}
	if owner, ok := strings.CutPrefix(roomID, "user:"); ok && owner != identity.UserID {
		return core.ErrForbidden("join", roomID)
	}
	return nil
}

func (m *Manager) allowed(roomID string) bool {
	for _, g := range m.allow {
		if g.Match(roomID) {
			return true
		}
	}
	return false
}

// Join adds conn to roomID and publishes the new viewer count. A repeated
// join from the same connection only re-sends the current count to it.
func (m *Manager) Join(ctx context.Context, conn *core.Connection, roomID string) (int, error) {
	identity := conn.Identity()
	if err := m.Authorize(core.EventRoomJoin, identity, roomID); err != nil {
		return 0, err
	}

	if !conn.JoinRoom(roomID) {
		count, err := m.ViewerCount(ctx, roomID)
		if err != nil {
			return 0, err
		}
		conn.Send(core.EventRoomViewers, core.ViewersPayload{RoomID: roomID, Count: count})
		return count, nil
	}

	if err := m.subs.Subscribe(ctx, core.RoomChannel(roomID), conn); err != nil {
		conn.LeaveRoom(roomID)
		return 0, err
	}
	if _, err := m.kv.HashIncr(ctx, membersKey(roomID), identity.UserID, 1, m.ttl); err != nil {
		conn.LeaveRoom(roomID)
		if uerr := m.subs.Unsubscribe(ctx, core.RoomChannel(roomID), conn.ID()); uerr != nil {
			slog.WarnContext(ctx, "failed to roll back room subscription",
				"room_id", roomID, "conn_id", conn.ID().String(), "error", uerr)
		}
		return 0, err
	}
	membershipChanges.WithLabelValues("join").Inc()

	return m.publishCount(ctx, roomID)
}

// Leave removes conn from roomID, clears the user's typing state there and
// publishes the new viewer count. Leaving a room not joined is a no-op.
func (m *Manager) Leave(ctx context.Context, conn *core.Connection, roomID string) (int, error) {
	if roomID == "" {
		return 0, core.ErrValidation(core.EventRoomLeave, "invalid roomId")
	}
	if !conn.LeaveRoom(roomID) {
		return m.ViewerCount(ctx, roomID)
	}
	identity := conn.Identity()

	remaining, err := m.kv.HashIncr(ctx, membersKey(roomID), identity.UserID, -1, 0)
	if err != nil {
		slog.WarnContext(ctx, "failed to decrement room membership",
			"room_id", roomID, "user_id", identity.UserID, "error", err)
	}
	if m.typing != nil && err == nil && remaining == 0 {
		if terr := m.typing.Stop(ctx, roomID, identity); terr != nil {
			slog.WarnContext(ctx, "failed to stop typing on leave",
				"room_id", roomID, "user_id", identity.UserID, "error", terr)
		}
	}
	if uerr := m.subs.Unsubscribe(ctx, core.RoomChannel(roomID), conn.ID()); uerr != nil {
		slog.WarnContext(ctx, "failed to release room subscription",
			"room_id", roomID, "conn_id", conn.ID().String(), "error", uerr)
	}
	membershipChanges.WithLabelValues("leave").Inc()
	if err != nil {
		return 0, err
	}

	return m.publishCount(ctx, roomID)
}

// LeaveAll removes conn from every room it joined. Errors are logged.
func (m *Manager) LeaveAll(ctx context.Context, conn *core.Connection) {
	for _, roomID := range conn.Rooms() {
		if _, err := m.Leave(ctx, conn, roomID); err != nil {
			slog.WarnContext(ctx, "failed to leave room on disconnect",
				"room_id", roomID, "conn_id", conn.ID().String(), "error", err)
		}
	}
}

// View sends the current viewer count of roomID to conn only, without joining.
func (m *Manager) View(ctx context.Context, conn *core.Connection, roomID string) (int, error) {
	if err := m.Authorize(core.EventRoomView, conn.Identity(), roomID); err != nil {
		return 0, err
	}
	count, err := m.ViewerCount(ctx, roomID)
	if err != nil {
		return 0, err
	}
	conn.Send(core.EventRoomViewers, core.ViewersPayload{RoomID: roomID, Count: count})
	return count, nil
}

// ViewerCount returns the number of distinct users in roomID.
func (m *Manager) ViewerCount(ctx context.Context, roomID string) (int, error) {
	return m.kv.HashLen(ctx, membersKey(roomID))
}

func (m *Manager) publishCount(ctx context.Context, roomID string) (int, error) {
	count, err := m.ViewerCount(ctx, roomID)
	if err != nil {
		return 0, err
	}
	msg, err := fanout.NewMessage(core.RoomChannel(roomID), core.EventRoomViewers,
		core.ViewersPayload{RoomID: roomID, Count: count})
	if err != nil {
		return count, err
	}
	if err := m.pub.Publish(ctx, msg); err != nil {
		return count, err
	}
	return count, nil
}
