// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

// Package notifier pushes server-originated events to users, rooms and
// every connection. Delivery is fire-and-forget: failures are logged and
// counted, never returned to the caller.
package notifier

import (
	"context"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roomcast/roomcast/internal/core"
	"github.com/roomcast/roomcast/internal/fanout"
	"github.com/roomcast/roomcast/pkg/errutil"
)

// Target kinds.
const (
	TargetUser      = "user"
	TargetRoom      = "room"
	TargetBroadcast = "broadcast"
)

var emits = prometheus.NewCounterVec(
	prometheus.CounterOpts{
		Name: "roomcast_notifier_emits_total",
		Help: "Outbound pushes by target kind and result",
	},
	[]string{"target", "result"},
)

// RegisterMetrics registers notifier metrics with the given registerer.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(emits)
}

// Notifier publishes outbound pushes through the fan-out transport.
type Notifier struct {
	pub    fanout.Publisher
	logger *slog.Logger
}

// New creates a notifier. A nil logger uses slog.Default().
func New(pub fanout.Publisher, logger *slog.Logger) (*Notifier, error) {
	if pub == nil {
		return nil, core.ErrNilDependency("publisher")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{pub: pub, logger: logger}, nil
}

// EmitToUser sends event to every connection of userID.
func (n *Notifier) EmitToUser(ctx context.Context, userID, event string, payload any) {
	if userID == "" {
		n.reject(ctx, TargetUser, event, "user id is empty")
		return
	}
	n.emit(ctx, TargetUser, core.UserChannel(userID), event, payload)
}

// EmitToRoom sends event to every member of roomID.
func (n *Notifier) EmitToRoom(ctx context.Context, roomID, event string, payload any) {
	if roomID == "" {
		n.reject(ctx, TargetRoom, event, "room id is empty")
		return
	}
	n.emit(ctx, TargetRoom, core.RoomChannel(roomID), event, payload)
}

// Broadcast sends event to every connection on every instance.
func (n *Notifier) Broadcast(ctx context.Context, event string, payload any) {
	n.emit(ctx, TargetBroadcast, core.BroadcastChannel, event, payload)
}

func (n *Notifier) emit(ctx context.Context, target, channel, event string, payload any) {
	if event == "" {
		n.reject(ctx, target, event, "event name is empty")
		return
	}
	msg, err := fanout.NewMessage(channel, event, payload)
	if err != nil {
		emits.WithLabelValues(target, "error").Inc()
		errutil.LogErrorContext(ctx, n.logger, "failed to encode push", err, "channel", channel, "event", event)
		return
	}
	if err := n.pub.Publish(ctx, msg); err != nil {
		emits.WithLabelValues(target, "error").Inc()
		errutil.LogWarnContext(ctx, n.logger, "failed to publish push", err, "channel", channel, "event", event)
		return
	}
	emits.WithLabelValues(target, "ok").Inc()
}

func (n *Notifier) reject(ctx context.Context, target, event, reason string) {
	emits.WithLabelValues(target, "rejected").Inc()
	n.logger.WarnContext(ctx, "push rejected", "target", target, "event", event, "reason", reason)
}
