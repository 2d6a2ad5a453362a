// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

// Package engine wires the presence, room, typing, routing and push
// components of one process together and owns the connection lifecycle.
package engine

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/roomcast/roomcast/internal/auth"
	"github.com/roomcast/roomcast/internal/core"
	"github.com/roomcast/roomcast/internal/fanout"
	"github.com/roomcast/roomcast/internal/kv"
	"github.com/roomcast/roomcast/internal/notifier"
	"github.com/roomcast/roomcast/internal/presence"
	"github.com/roomcast/roomcast/internal/ratelimit"
	"github.com/roomcast/roomcast/internal/reaper"
	"github.com/roomcast/roomcast/internal/room"
	"github.com/roomcast/roomcast/internal/router"
	"github.com/roomcast/roomcast/internal/scheduler"
	"github.com/roomcast/roomcast/internal/typing"
)

// Default limits.
const (
	DefaultConnectWindow = time.Minute
	DefaultConnectMax    = 20
	DefaultLiveWindow    = time.Minute
	DefaultLiveMax       = 30
	defaultDetachTimeout = 5 * time.Second
)

// Config tunes the engine. Zero values fall back to each component's default.
type Config struct {
	// InstanceID is the origin this instance's broadcaster stamps on
	// messages. Presence changes it published itself are already cached.
	InstanceID       string
	PresenceTTL      time.Duration
	TypingTimeout    time.Duration
	MembershipTTL    time.Duration
	RoomPatterns     []string
	AdmissionTimeout time.Duration
	MinClientVersion string
	ConnectWindow    time.Duration
	ConnectMax       int
	LiveWindow       time.Duration
	LiveMax          int
	PresenceInterval time.Duration
	TypingInterval   time.Duration
}

// Deps are the engine's external collaborators.
type Deps struct {
	KV          kv.Store
	Broadcaster fanout.Broadcaster
	Limiter     ratelimit.Limiter
	Verifier    auth.Verifier
	// Profiles and Notifications are optional.
	Profiles      core.ProfileLookup
	Notifications core.NotificationStore
	Config        Config
}

// RegisterMetrics registers the metrics of every engine component.
func RegisterMetrics(reg prometheus.Registerer) {
	fanout.RegisterMetrics(reg)
	ratelimit.RegisterMetrics(reg)
	auth.RegisterMetrics(reg)
	presence.RegisterMetrics(reg)
	room.RegisterMetrics(reg)
	typing.RegisterMetrics(reg)
	router.RegisterMetrics(reg)
	notifier.RegisterMetrics(reg)
	reaper.RegisterMetrics(reg)
	reg.MustRegister(connectionsGauge)
}

var connectionsGauge = prometheus.NewGauge(prometheus.GaugeOpts{
	Name: "roomcast_connections",
	Help: "Connections attached to this instance",
})

// Engine is the composition root of one instance.
type Engine struct {
	instanceID string
	registry   *core.Registry
	hub        *core.Hub
	subs       *Subscriptions
	bcast      fanout.Broadcaster
	sched      *scheduler.Scheduler
	presence   *presence.Store
	rooms      *room.Manager
	typing     *typing.Tracker
	router     *router.Router
	notifier   *notifier.Notifier
	gatekeeper *auth.Gatekeeper
	reaper     *reaper.Reaper

	startOnce sync.Once
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New builds an engine from its dependencies.
func New(deps Deps) (*Engine, error) {
	switch {
	case deps.KV == nil:
		return nil, core.ErrNilDependency("kv store")
	case deps.Broadcaster == nil:
		return nil, core.ErrNilDependency("broadcaster")
	case deps.Limiter == nil:
		return nil, core.ErrNilDependency("rate limiter")
	case deps.Verifier == nil:
		return nil, core.ErrNilDependency("verifier")
	}
	cfg := withDefaults(deps.Config)

	e := &Engine{
		instanceID: cfg.InstanceID,
		registry:   core.NewRegistry(),
		hub:        core.NewHub(),
		bcast:      deps.Broadcaster,
		sched:      scheduler.New(),
	}
	e.subs = NewSubscriptions(e.hub, deps.Broadcaster)

	var err error
	if e.presence, err = presence.New(deps.KV, deps.Broadcaster, cfg.PresenceTTL); err != nil {
		return nil, err
	}
	if e.typing, err = typing.New(deps.KV, deps.Broadcaster, e.sched, deps.Profiles, cfg.TypingTimeout); err != nil {
		return nil, err
	}
	e.rooms, err = room.NewManager(deps.KV, deps.Broadcaster, e.subs, e.typing, room.Config{
		MembershipTTL: cfg.MembershipTTL,
		Patterns:      cfg.RoomPatterns,
	})
	if err != nil {
		return nil, err
	}

	liveGuard := ratelimit.NewGuard(deps.Limiter, ratelimit.Policy{
		Window: cfg.LiveWindow,
		Max:    cfg.LiveMax,
	}, ratelimit.FailOpen)
	e.router, err = router.New(router.Deps{
		Rooms:         e.rooms,
		Typing:        e.typing,
		Presence:      e.presence,
		Publisher:     deps.Broadcaster,
		Notifications: deps.Notifications,
		LiveGuard:     liveGuard,
	})
	if err != nil {
		return nil, err
	}

	if e.notifier, err = notifier.New(deps.Broadcaster, nil); err != nil {
		return nil, err
	}

	connectGuard := ratelimit.NewGuard(deps.Limiter, ratelimit.Policy{
		Namespace: ratelimit.NamespaceConnect,
		Window:    cfg.ConnectWindow,
		Max:       cfg.ConnectMax,
	}, ratelimit.FailClosed)
	e.gatekeeper, err = auth.NewGatekeeper(deps.Verifier, connectGuard, auth.GatekeeperConfig{
		Timeout:          cfg.AdmissionTimeout,
		MinClientVersion: cfg.MinClientVersion,
	})
	if err != nil {
		return nil, err
	}

	e.reaper, err = reaper.New(e.presence, e.typing, reaper.Config{
		PresenceInterval: cfg.PresenceInterval,
		TypingInterval:   cfg.TypingInterval,
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func withDefaults(cfg Config) Config {
	if cfg.ConnectWindow <= 0 {
		cfg.ConnectWindow = DefaultConnectWindow
	}
	if cfg.ConnectMax <= 0 {
		cfg.ConnectMax = DefaultConnectMax
	}
	if cfg.LiveWindow <= 0 {
		cfg.LiveWindow = DefaultLiveWindow
	}
	if cfg.LiveMax <= 0 {
		cfg.LiveMax = DefaultLiveMax
	}
	return cfg
}

// Start begins delivering fan-out messages and launches the reaper.
func (e *Engine) Start() {
	e.startOnce.Do(func() {
		e.wg.Add(1)
		go e.deliveryLoop()
		e.reaper.Start()
	})
}

// deliveryLoop hands every message received from the transport to the local
// subscribers of its channel. It ends when the broadcaster is closed.
func (e *Engine) deliveryLoop() {
	defer e.wg.Done()

	for msg := range e.bcast.Deliveries() {
		if msg.Event == core.EventPresenceChanged && (e.instanceID == "" || msg.Origin != e.instanceID) {
			var p core.PresencePayload
			if err := json.Unmarshal(msg.Payload, &p); err == nil && p.UserID != "" {
				e.presence.Observe(p.UserID, presence.Status(p.Status))
			}
		}
		e.hub.Deliver(msg.Channel, core.Frame{Event: msg.Event, Data: msg.Payload})
	}
}

// Admit runs the connection handshake.
func (e *Engine) Admit(ctx context.Context, creds auth.Credentials) (auth.Admission, error) {
	return e.gatekeeper.Admit(ctx, creds)
}

// Attach registers an admitted connection: it joins the user's personal
// channel and the broadcast channel and bumps the presence refcount.
func (e *Engine) Attach(ctx context.Context, admission auth.Admission, sink core.Sink) (*core.Connection, error) {
	identity := admission.Identity
	conn := core.NewConnection(sink.ID(), identity, admission.Fingerprint, sink)

	for _, channel := range []string{core.UserChannel(identity.UserID), core.BroadcastChannel} {
		if err := e.subs.Subscribe(ctx, channel, conn); err != nil {
			e.subs.ReleaseAll(ctx, conn.ID())
			return nil, err
		}
	}
	if _, err := e.presence.Connect(ctx, identity); err != nil {
		e.subs.ReleaseAll(ctx, conn.ID())
		return nil, err
	}

	local := e.registry.Connect(identity.UserID, conn.ID())
	connectionsGauge.Inc()
	slog.InfoContext(ctx, "connection attached",
		"conn_id", conn.ID().String(),
		"user_id", identity.UserID,
		"session", admission.Fingerprint,
		"local_connections", local,
	)
	return conn, nil
}

// Detach tears a connection down: it leaves every room, releases its
// subscriptions and decrements the presence refcount. The user goes offline
// when this was their last connection anywhere.
func (e *Engine) Detach(ctx context.Context, conn *core.Connection) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), defaultDetachTimeout)
	defer cancel()

	identity := conn.Identity()
	rooms := conn.Rooms()
	e.rooms.LeaveAll(ctx, conn)
	e.subs.ReleaseAll(ctx, conn.ID())
	e.registry.Disconnect(identity.UserID, conn.ID())
	connectionsGauge.Dec()

	last, err := e.presence.Disconnect(ctx, identity)
	if err != nil {
		slog.WarnContext(ctx, "failed to release presence",
			"conn_id", conn.ID().String(), "user_id", identity.UserID, "error", err)
	}
	if last {
		e.typing.StopAll(ctx, identity, rooms)
	}
	slog.InfoContext(ctx, "connection detached",
		"conn_id", conn.ID().String(),
		"user_id", identity.UserID,
		"session", conn.Fingerprint(),
		"duration", time.Since(conn.ConnectedAt()).Round(time.Millisecond).String(),
	)
}

// Heartbeat refreshes the presence TTLs of the connection's user.
func (e *Engine) Heartbeat(ctx context.Context, conn *core.Connection) {
	userID := conn.Identity().UserID
	e.registry.Touch(userID)
	if err := e.presence.Touch(ctx, userID); err != nil {
		slog.DebugContext(ctx, "presence heartbeat failed", "user_id", userID, "error", err)
	}
}

// Dispatch routes one inbound event.
func (e *Engine) Dispatch(ctx context.Context, conn *core.Connection, event string, raw json.RawMessage) error {
	return e.router.Dispatch(ctx, conn, event, raw)
}

// Notifier returns the outbound push API.
func (e *Engine) Notifier() *notifier.Notifier { return e.notifier }

// Presence returns the presence store.
func (e *Engine) Presence() *presence.Store { return e.presence }

// Rooms returns the membership manager.
func (e *Engine) Rooms() *room.Manager { return e.rooms }

// Registry returns the local connection registry.
func (e *Engine) Registry() *core.Registry { return e.registry }

// Hub returns the local delivery hub.
func (e *Engine) Hub() *core.Hub { return e.hub }

// InstanceID returns the origin stamped on this instance's messages.
func (e *Engine) InstanceID() string { return e.instanceID }

// ConnectionCount returns the number of connections attached here.
func (e *Engine) ConnectionCount() int { return e.registry.ConnectionCount() }

// Close stops the reaper and the scheduler, closes the broadcaster and waits
// for the delivery loop to drain.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.reaper.Close()
		e.sched.Close()
		err = e.bcast.Close()
		e.wg.Wait()
	})
	return err
}
