// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

// Package core contains the engine's shared types: identities, wire frames,
// coded errors, and the process-local connection registry and delivery hub.
package core

import (
	"encoding/json"
	"strings"
	"time"
)

// Inbound event names.
const (
	EventRoomJoin          = "room:join"
	EventRoomLeave         = "room:leave"
	EventRoomView          = "room:view"
	EventTypingStart       = "typing:start"
	EventTypingStop        = "typing:stop"
	EventPresenceSetStatus = "presence:set-status"
	EventNotificationAck   = "notification:ack"
	EventLiveMessage       = "live:message"
)

// Outbound event names.
const (
	EventRoomViewers             = "room:viewers"
	EventTypingUpdate            = "typing:update"
	EventPresenceChanged         = "presence:changed"
	EventNotificationNew         = "notification:new"
	EventNotificationUnreadCount = "notification:unread-count"
	EventError                   = "error"
)

// BroadcastChannel is the channel every connection subscribes to on admission.
const BroadcastChannel = "broadcast"

// UserChannel returns the personal channel for a user.
func UserChannel(userID string) string {
	return "user:" + userID
}

// RoomChannel returns the fan-out channel for a room. Room ids are already
// namespaced ("post:123", "live:9"), so the channel is the id itself.
func RoomChannel(roomID string) string {
	return roomID
}

// ParseEventName splits "group:action" into its parts. Names without a
// separator return the whole name as group.
func ParseEventName(name string) (group, action string) {
	name = strings.TrimSpace(name)
	group, action, _ = strings.Cut(name, ":")
	return group, action
}

// Frame is the unit exchanged over the wire in both directions.
type Frame struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// NewFrame marshals payload into a frame.
func NewFrame(event string, payload any) (Frame, error) {
	if payload == nil {
		return Frame{Event: event}, nil
	}
	if raw, ok := payload.(json.RawMessage); ok {
		return Frame{Event: event, Data: raw}, nil
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Frame{}, ErrInternal("marshal "+event, err)
	}
	return Frame{Event: event, Data: data}, nil
}

// ViewersPayload is sent with room:viewers.
type ViewersPayload struct {
	RoomID string `json:"roomId"`
	Count  int    `json:"count"`
}

// TypingUser is one entry of a typing:update list.
type TypingUser struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
}

// TypingPayload is sent with typing:update.
type TypingPayload struct {
	RoomID string       `json:"roomId"`
	Users  []TypingUser `json:"users"`
}

// PresencePayload is sent with presence:changed.
type PresencePayload struct {
	UserID string `json:"userId"`
	Status string `json:"status"`
}

// UnreadCountPayload is sent with notification:unread-count.
type UnreadCountPayload struct {
	Count int `json:"count"`
}

// LiveMessagePayload is sent with live:message.
type LiveMessagePayload struct {
	RoomID    string    `json:"roomId"`
	UserID    string    `json:"userId"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorPayload is sent with error.
type ErrorPayload struct {
	Message           string `json:"message"`
	Code              string `json:"code"`
	Event             string `json:"event,omitempty"`
	RetryAfterSeconds int    `json:"retryAfterSeconds,omitempty"`
}

// NewErrorPayload converts an error into its client representation.
func NewErrorPayload(event string, err error) ErrorPayload {
	return ErrorPayload{
		Message:           ClientMessage(err),
		Code:              ErrorCode(err),
		Event:             event,
		RetryAfterSeconds: RetryAfter(err),
	}
}
