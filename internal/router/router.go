// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

// Package router validates inbound client events and dispatches them to
// the room, typing, presence, notification and live chat handlers.
package router

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sort"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/roomcast/roomcast/internal/core"
	"github.com/roomcast/roomcast/internal/fanout"
	"github.com/roomcast/roomcast/internal/presence"
	"github.com/roomcast/roomcast/internal/ratelimit"
	"github.com/roomcast/roomcast/pkg/errutil"
)

var tracer = otel.Tracer("roomcast/router")

// Dispatch outcomes used as the status label.
const (
	statusOK       = "ok"
	unknownEventID = "unknown"
)

var (
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "roomcast_router_events_total",
			Help: "Inbound events by name and outcome",
		},
		[]string{"event", "status"},
	)
	eventDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "roomcast_router_event_duration_seconds",
			Help:    "Time spent handling inbound events",
			Buckets: prometheus.ExponentialBuckets(0.0005, 2, 12),
		},
		[]string{"event"},
	)
)

// RegisterMetrics registers router metrics with the given registerer.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(eventsTotal, eventDuration)
}

// Rooms is the membership surface used by the room handlers.
type Rooms interface {
	Join(ctx context.Context, conn *core.Connection, roomID string) (int, error)
	Leave(ctx context.Context, conn *core.Connection, roomID string) (int, error)
	View(ctx context.Context, conn *core.Connection, roomID string) (int, error)
}

// Typing is the typing tracker surface.
type Typing interface {
	Start(ctx context.Context, roomID string, identity core.Identity) error
	Stop(ctx context.Context, roomID string, identity core.Identity) error
}

// Presence is the presence surface.
type Presence interface {
	SetStatus(ctx context.Context, userID string, status presence.Status) error
}

// Deps holds the router's collaborators. Notifications and LiveGuard are
// optional.
type Deps struct {
	Rooms         Rooms
	Typing        Typing
	Presence      Presence
	Publisher     fanout.Publisher
	Notifications core.NotificationStore
	LiveGuard     *ratelimit.Guard
}

type handlerFunc func(ctx context.Context, conn *core.Connection, raw json.RawMessage) error

type route struct {
	schema *jschema.Schema
	handle handlerFunc
}

// Router owns the fixed event table.
type Router struct {
	deps   Deps
	routes map[string]route
	now    func() time.Time
}

// New builds the event table and compiles its schemas.
func New(deps Deps) (*Router, error) {
	if deps.Rooms == nil {
		return nil, core.ErrNilDependency("rooms")
	}
	if deps.Typing == nil {
		return nil, core.ErrNilDependency("typing")
	}
	if deps.Presence == nil {
		return nil, core.ErrNilDependency("presence")
	}
	if deps.Publisher == nil {
		return nil, core.ErrNilDependency("publisher")
	}
	if deps.Notifications == nil {
		deps.Notifications = core.NopNotificationStore{}
	}

	r := &Router{deps: deps, routes: make(map[string]route), now: time.Now}
	registrations := []func() error{
		func() error { return register(r, core.EventRoomJoin, r.roomJoin) },
		func() error { return register(r, core.EventRoomLeave, r.roomLeave) },
		func() error { return register(r, core.EventRoomView, r.roomView) },
		func() error { return register(r, core.EventTypingStart, r.typingStart) },
		func() error { return register(r, core.EventTypingStop, r.typingStop) },
		func() error { return register(r, core.EventPresenceSetStatus, r.setStatus) },
		func() error { return register(r, core.EventNotificationAck, r.notificationAck) },
		func() error { return register(r, core.EventLiveMessage, r.liveMessage) },
	}
	for _, reg := range registrations {
		if err := reg(); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// register adds a typed handler to the table. The payload type's schema is
// compiled once; the handler only sees payloads that passed it.
func register[T any](r *Router, event string, fn func(context.Context, *core.Connection, T) error) error {
	var zero T
	sch, err := compileSchema(event, &zero)
	if err != nil {
		return err
	}
	r.routes[event] = route{
		schema: sch,
		handle: func(ctx context.Context, conn *core.Connection, raw json.RawMessage) error {
			var payload T
			if err := json.Unmarshal(raw, &payload); err != nil {
				return core.ErrValidation(event, "malformed payload")
			}
			return fn(ctx, conn, payload)
		},
	}
	return nil
}

// Events returns the registered event names, sorted.
func (r *Router) Events() []string {
	names := make([]string, 0, len(r.routes))
	for name := range r.routes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Dispatch validates and handles one inbound event. Any failure is sent back
// to conn as an error event and also returned; callers close the connection
// only when the returned error is INTERNAL.
func (r *Router) Dispatch(ctx context.Context, conn *core.Connection, event string, raw json.RawMessage) (err error) {
	start := time.Now()
	rt, known := r.routes[event]
	label := event
	if !known {
		label = unknownEventID
	}

	ctx, span := tracer.Start(ctx, "router.dispatch",
		trace.WithAttributes(
			attribute.String("event.name", label),
			attribute.String("conn.id", conn.ID().String()),
			attribute.String("user.id", conn.Identity().UserID),
		),
	)
	defer func() {
		if p := recover(); p != nil {
			err = core.ErrInternal("dispatch "+event, fmt.Errorf("handler panic: %v", p))
			slog.ErrorContext(ctx, "event handler panicked",
				"event", event,
				"conn_id", conn.ID().String(),
				"panic", fmt.Sprint(p),
				"stack", string(debug.Stack()),
			)
		}

		status := statusOK
		if err != nil {
			status = core.ErrorCode(err)
			span.RecordError(err)
			span.SetStatus(codes.Error, status)
			r.report(ctx, conn, event, err)
		}
		eventsTotal.WithLabelValues(label, status).Inc()
		eventDuration.WithLabelValues(label).Observe(time.Since(start).Seconds())
		span.End()
	}()

	if !known {
		return core.ErrValidation(event, "unknown event")
	}
	if conn.Identity().IsZero() {
		return core.ErrAuthInvalid("unauthenticated connection")
	}
	if err := validate(event, rt.schema, raw); err != nil {
		return err
	}
	return rt.handle(ctx, conn, raw)
}

func (r *Router) report(ctx context.Context, conn *core.Connection, event string, err error) {
	attrs := []any{"event", event, "conn_id", conn.ID().String(), "user_id", conn.Identity().UserID}
	switch core.ErrorCode(err) {
	case core.CodeInternal:
		errutil.LogErrorContext(ctx, slog.Default(), "event handler failed", err, attrs...)
	case core.CodeStoreUnavailable:
		errutil.LogWarnContext(ctx, slog.Default(), "event handler degraded", err, attrs...)
	default:
		slog.DebugContext(ctx, "event rejected", append(attrs, "error", err)...)
	}
	if !conn.Send(core.EventError, core.NewErrorPayload(event, err)) {
		slog.WarnContext(ctx, "error frame dropped", attrs...)
	}
}
