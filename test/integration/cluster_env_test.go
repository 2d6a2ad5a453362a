// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

//go:build integration

package integration

import (
	"context"
	"encoding/json"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/roomcast/roomcast/internal/auth"
	"github.com/roomcast/roomcast/internal/core"
	"github.com/roomcast/roomcast/internal/engine"
	"github.com/roomcast/roomcast/internal/fanout"
	"github.com/roomcast/roomcast/internal/gateway"
	"github.com/roomcast/roomcast/internal/kv"
	"github.com/roomcast/roomcast/internal/ratelimit"
)

const jwtSecret = "integration-secret"

// instance is one engine and gateway pair with its own Redis client.
type instance struct {
	id  string
	rdb *redis.Client
	eng *engine.Engine
	gw  *gateway.Server
}

func startInstance(redisAddr, id string, cfg engine.Config) *instance {
	GinkgoHelper()
	ctx := context.Background()

	rdb := redis.NewClient(&redis.Options{Addr: redisAddr})
	bcast, err := fanout.NewRedisBroadcaster(ctx, rdb, id, time.Second)
	Expect(err).NotTo(HaveOccurred())
	verifier, err := auth.NewJWTVerifier(jwtSecret, "", time.Second)
	Expect(err).NotTo(HaveOccurred())

	cfg.InstanceID = id
	eng, err := engine.New(engine.Deps{
		KV:          kv.NewRedisStore(rdb, time.Second),
		Broadcaster: bcast,
		Limiter:     ratelimit.NewRedisLimiter(rdb, time.Second),
		Verifier:    verifier,
		Config:      cfg,
	})
	Expect(err).NotTo(HaveOccurred())
	eng.Start()

	gw, err := gateway.New(eng, eng.Notifier(), gateway.Config{Addr: "127.0.0.1:0"})
	Expect(err).NotTo(HaveOccurred())
	_, err = gw.Start()
	Expect(err).NotTo(HaveOccurred())

	return &instance{id: id, rdb: rdb, eng: eng, gw: gw}
}

func (i *instance) stop() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	Expect(i.gw.Stop(ctx)).To(Succeed())
	Expect(i.eng.Close()).To(Succeed())
	Expect(i.rdb.Close()).To(Succeed())
}

// cluster is two instances sharing one miniredis.
type cluster struct {
	redis *miniredis.Miniredis
	a, b  *instance
}

func startCluster(cfg engine.Config) *cluster {
	GinkgoHelper()
	mr, err := miniredis.Run()
	Expect(err).NotTo(HaveOccurred())

	c := &cluster{redis: mr}
	c.a = startInstance(mr.Addr(), "node-a", cfg)
	c.b = startInstance(mr.Addr(), "node-b", cfg)
	DeferCleanup(func() {
		c.a.stop()
		c.b.stop()
		mr.Close()
	})
	return c
}

// client is a WebSocket connection whose frames are collected by a reader
// goroutine.
type client struct {
	userID string
	ws     *websocket.Conn
	frames chan core.Frame
	done   chan struct{}
}

func connect(inst *instance, userID string) *client {
	GinkgoHelper()
	token, err := auth.SignToken(jwtSecret, core.Identity{UserID: userID, DisplayName: "User " + userID}, "", time.Hour)
	Expect(err).NotTo(HaveOccurred())

	ws, resp, err := websocket.DefaultDialer.Dial("ws://"+inst.gw.Addr()+"/ws?token="+token, nil)
	Expect(err).NotTo(HaveOccurred())
	_ = resp.Body.Close()

	c := &client{userID: userID, ws: ws, frames: make(chan core.Frame, 256), done: make(chan struct{})}
	go func() {
		defer close(c.done)
		for {
			var f core.Frame
			if err := ws.ReadJSON(&f); err != nil {
				return
			}
			c.frames <- f
		}
	}()
	DeferCleanup(c.close)
	return c
}

func (c *client) send(event string, data any) {
	GinkgoHelper()
	Expect(c.ws.WriteJSON(map[string]any{"event": event, "data": data})).To(Succeed())
}

func (c *client) join(roomID string) {
	GinkgoHelper()
	c.send(core.EventRoomJoin, map[string]string{"roomId": roomID})
}

// close ends the connection and waits until the server has closed its side.
// Calling it twice is harmless.
func (c *client) close() {
	_ = c.ws.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	select {
	case <-c.done:
	case <-time.After(2 * time.Second):
	}
	_ = c.ws.Close()
}

// next returns the next frame named event that satisfies match, skipping
// any other frames.
func (c *client) next(event string, match func(json.RawMessage) bool) core.Frame {
	GinkgoHelper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case f := <-c.frames:
			if f.Event == event && (match == nil || match(f.Data)) {
				return f
			}
		case <-deadline:
			Fail(c.userID + " did not receive " + event)
			return core.Frame{}
		}
	}
}

// viewers waits for a room:viewers frame for roomID with the given count.
func (c *client) viewers(roomID string, count int) {
	GinkgoHelper()
	c.next(core.EventRoomViewers, func(raw json.RawMessage) bool {
		var p core.ViewersPayload
		return json.Unmarshal(raw, &p) == nil && p.RoomID == roomID && p.Count == count
	})
}

// presence waits for a presence:changed frame for userID.
func (c *client) presence(userID, status string) {
	GinkgoHelper()
	c.next(core.EventPresenceChanged, func(raw json.RawMessage) bool {
		var p core.PresencePayload
		return json.Unmarshal(raw, &p) == nil && p.UserID == userID && p.Status == status
	})
}

// drain collects frames until none arrive for quiet.
func (c *client) drain(quiet time.Duration) []core.Frame {
	var got []core.Frame
	for {
		select {
		case f := <-c.frames:
			got = append(got, f)
		case <-time.After(quiet):
			return got
		}
	}
}

func decode[T any](raw json.RawMessage) T {
	GinkgoHelper()
	var v T
	Expect(json.Unmarshal(raw, &v)).To(Succeed())
	return v
}
