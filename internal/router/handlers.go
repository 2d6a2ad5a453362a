// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package router

import (
	"context"
	"strings"
	"unicode/utf8"

	"github.com/roomcast/roomcast/internal/core"
	"github.com/roomcast/roomcast/internal/fanout"
	"github.com/roomcast/roomcast/internal/presence"
	"github.com/roomcast/roomcast/internal/ratelimit"
)

func (r *Router) roomJoin(ctx context.Context, conn *core.Connection, p RoomPayload) error {
	_, err := r.deps.Rooms.Join(ctx, conn, p.RoomID)
	return err
}

func (r *Router) roomLeave(ctx context.Context, conn *core.Connection, p RoomPayload) error {
	_, err := r.deps.Rooms.Leave(ctx, conn, p.RoomID)
	return err
}

func (r *Router) roomView(ctx context.Context, conn *core.Connection, p RoomPayload) error {
	_, err := r.deps.Rooms.View(ctx, conn, p.RoomID)
	return err
}

func (r *Router) typingStart(ctx context.Context, conn *core.Connection, p RoomPayload) error {
	if !conn.InRoom(p.RoomID) {
		return core.ErrForbidden("type in", p.RoomID)
	}
	return r.deps.Typing.Start(ctx, p.RoomID, conn.Identity())
}

func (r *Router) typingStop(ctx context.Context, conn *core.Connection, p RoomPayload) error {
	return r.deps.Typing.Stop(ctx, p.RoomID, conn.Identity())
}

func (r *Router) setStatus(ctx context.Context, conn *core.Connection, p StatusPayload) error {
	status := presence.Status(p.Status)
	if !status.Settable() {
		return core.ErrValidation(core.EventPresenceSetStatus, "status must be online, away or busy")
	}
	return r.deps.Presence.SetStatus(ctx, conn.Identity().UserID, status)
}

func (r *Router) notificationAck(ctx context.Context, conn *core.Connection, p AckPayload) error {
	userID := conn.Identity().UserID
	ok, err := r.deps.Notifications.MarkRead(ctx, userID, p.NotificationID)
	if err != nil {
		return err
	}
	if !ok {
		return core.ErrValidation(core.EventNotificationAck, "unknown notificationId")
	}

	count, err := r.deps.Notifications.UnreadCount(ctx, userID)
	if err != nil {
		return err
	}
	msg, err := fanout.NewMessage(core.UserChannel(userID), core.EventNotificationUnreadCount,
		core.UnreadCountPayload{Count: count})
	if err != nil {
		return err
	}
	return r.deps.Publisher.Publish(ctx, msg)
}

func (r *Router) liveMessage(ctx context.Context, conn *core.Connection, p LivePayload) error {
	if !strings.HasPrefix(p.RoomID, "live:") {
		return core.ErrValidation(core.EventLiveMessage, "live messages require a live room")
	}
	if !conn.InRoom(p.RoomID) {
		return core.ErrForbidden("message", p.RoomID)
	}
	text := strings.TrimSpace(p.Message)
	if text == "" {
		return core.ErrValidation(core.EventLiveMessage, "message is empty")
	}
	if utf8.RuneCountInString(text) > MaxMessageLength {
		return core.ErrValidation(core.EventLiveMessage, "message too long")
	}

	identity := conn.Identity()
	if r.deps.LiveGuard != nil {
		if err := r.deps.LiveGuard.AllowIn(ctx, ratelimit.LiveNamespace(p.RoomID), identity.UserID); err != nil {
			return err
		}
	}

	msg, err := fanout.NewMessage(core.RoomChannel(p.RoomID), core.EventLiveMessage, core.LiveMessagePayload{
		RoomID:    p.RoomID,
		UserID:    identity.UserID,
		Message:   text,
		Timestamp: r.now().UTC(),
	})
	if err != nil {
		return err
	}
	return r.deps.Publisher.Publish(ctx, msg)
}
