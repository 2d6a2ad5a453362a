// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

//go:build integration

package integration

import (
	"encoding/json"
	"fmt"
	"time"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/roomcast/roomcast/internal/core"
	"github.com/roomcast/roomcast/internal/engine"
)

var _ = Describe("A two-instance cluster", func() {
	var c *cluster

	BeforeEach(func() {
		c = startCluster(engine.Config{
			TypingTimeout:  300 * time.Millisecond,
			TypingInterval: 100 * time.Millisecond,
			LiveMax:        30,
			LiveWindow:     time.Minute,
		})
	})

	Describe("room viewer counts", func() {
		It("reports joins and leaves to members on both instances", func() {
			alice := connect(c.a, "alice")
			bob := connect(c.b, "bob")

			alice.join("post:123")
			alice.viewers("post:123", 1)

			bob.join("post:123")
			bob.viewers("post:123", 2)
			alice.viewers("post:123", 2)

			bob.send(core.EventRoomLeave, map[string]string{"roomId": "post:123"})
			alice.viewers("post:123", 1)
		})

		It("counts a user with two tabs once", func() {
			first := connect(c.a, "carol")
			second := connect(c.b, "carol")

			first.join("post:7")
			first.viewers("post:7", 1)
			second.join("post:7")
			second.viewers("post:7", 1)
		})

		It("peeks at a room without joining it", func() {
			alice := connect(c.a, "alice")
			bob := connect(c.b, "bob")
			alice.join("post:9")
			alice.viewers("post:9", 1)

			bob.send(core.EventRoomView, map[string]string{"roomId": "post:9"})
			bob.viewers("post:9", 1)
		})
	})

	Describe("typing indicators", func() {
		It("drops a typist who stops signalling after the timeout", func() {
			xavier := connect(c.a, "xavier")
			yara := connect(c.b, "yara")
			xavier.join("post:123")
			xavier.viewers("post:123", 1)
			yara.join("post:123")
			yara.viewers("post:123", 2)

			xavier.send(core.EventTypingStart, map[string]string{"roomId": "post:123"})

			typing := yara.next(core.EventTypingUpdate, func(raw json.RawMessage) bool {
				return len(decode[core.TypingPayload](raw).Users) == 1
			})
			Expect(decode[core.TypingPayload](typing.Data).Users[0].UserID).To(Equal("xavier"))

			cleared := yara.next(core.EventTypingUpdate, func(raw json.RawMessage) bool {
				return len(decode[core.TypingPayload](raw).Users) == 0
			})
			Expect(decode[core.TypingPayload](cleared.Data).RoomID).To(Equal("post:123"))
		})

		It("rejects typing in a room the user has not joined", func() {
			xavier := connect(c.a, "xavier")
			xavier.send(core.EventTypingStart, map[string]string{"roomId": "post:404"})

			f := xavier.next(core.EventError, nil)
			Expect(decode[core.ErrorPayload](f.Data).Code).To(Equal(core.CodeForbidden))
		})
	})

	Describe("live messages", func() {
		It("broadcasts up to the limit and rejects the rest", func() {
			sender := connect(c.a, "sender")
			watcher := connect(c.b, "watcher")
			sender.join("live:9")
			sender.viewers("live:9", 1)
			watcher.join("live:9")
			watcher.viewers("live:9", 2)

			for n := range 31 {
				sender.send(core.EventLiveMessage, map[string]string{
					"roomId":  "live:9",
					"message": fmt.Sprintf("message %d", n),
				})
			}

			errFrame := sender.next(core.EventError, nil)
			payload := decode[core.ErrorPayload](errFrame.Data)
			Expect(payload.Code).To(Equal(core.CodeRateLimited))
			Expect(payload.RetryAfterSeconds).To(BeNumerically(">", 0))

			count := func(frames []core.Frame) int {
				n := 0
				for _, f := range frames {
					if f.Event == core.EventLiveMessage {
						n++
					}
				}
				return n
			}
			Expect(count(watcher.drain(500 * time.Millisecond))).To(Equal(30))
		})
	})

	Describe("presence across tabs", func() {
		It("goes offline only after the last connection closes", func() {
			observer := connect(c.b, "observer")

			first := connect(c.a, "dana")
			observer.presence("dana", "online")
			second := connect(c.b, "dana")

			first.close()
			for _, f := range observer.drain(500 * time.Millisecond) {
				if f.Event == core.EventPresenceChanged {
					Expect(decode[core.PresencePayload](f.Data).Status).NotTo(Equal("offline"))
				}
			}

			second.close()
			observer.presence("dana", "offline")
		})

		It("broadcasts explicit status changes", func() {
			observer := connect(c.b, "observer")
			erin := connect(c.a, "erin")
			observer.presence("erin", "online")

			erin.send(core.EventPresenceSetStatus, map[string]string{"status": "away"})
			observer.presence("erin", "away")
		})
	})
})
