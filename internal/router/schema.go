// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package router

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"

	"github.com/invopop/jsonschema"
	"github.com/samber/oops"
	jschema "github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/roomcast/roomcast/internal/core"
)

// MaxMessageLength bounds live chat messages in characters.
const MaxMessageLength = 1000

// RoomPayload is the body of room:* and typing:* events.
type RoomPayload struct {
	RoomID string `json:"roomId" jsonschema:"minLength=1,maxLength=128"`
}

// StatusPayload is the body of presence:set-status.
type StatusPayload struct {
	Status string `json:"status" jsonschema:"enum=online,enum=away,enum=busy"`
}

// AckPayload is the body of notification:ack.
type AckPayload struct {
	NotificationID string `json:"notificationId" jsonschema:"minLength=1,maxLength=64"`
}

// LivePayload is the body of an inbound live:message.
type LivePayload struct {
	RoomID  string `json:"roomId" jsonschema:"minLength=1,maxLength=128"`
	Message string `json:"message" jsonschema:"minLength=1,maxLength=1000"`
}

// Payloads returns a zero value of the payload type of every inbound event.
func Payloads() map[string]any {
	return map[string]any{
		core.EventRoomJoin:          &RoomPayload{},
		core.EventRoomLeave:         &RoomPayload{},
		core.EventRoomView:          &RoomPayload{},
		core.EventTypingStart:       &RoomPayload{},
		core.EventTypingStop:        &RoomPayload{},
		core.EventPresenceSetStatus: &StatusPayload{},
		core.EventNotificationAck:   &AckPayload{},
		core.EventLiveMessage:       &LivePayload{},
	}
}

// SchemaFileName is the file an event's schema is published under.
func SchemaFileName(event string) string {
	return strings.ReplaceAll(event, ":", "-") + ".json"
}

// GenerateSchema reflects the JSON schema of a payload type.
func GenerateSchema(payload any) ([]byte, error) {
	r := jsonschema.Reflector{
		DoNotReference:            true,
		AllowAdditionalProperties: true,
		Anonymous:                 true,
	}
	data, err := json.Marshal(r.Reflect(payload))
	if err != nil {
		return nil, oops.Code(core.CodeInternal).Wrapf(err, "marshal schema")
	}
	return data, nil
}

func compileSchema(event string, payload any) (*jschema.Schema, error) {
	data, err := GenerateSchema(payload)
	if err != nil {
		return nil, err
	}
	doc, err := jschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, oops.Code(core.CodeInternal).With("event", event).Wrapf(err, "parse schema")
	}

	url := SchemaFileName(event)
	c := jschema.NewCompiler()
	if err := c.AddResource(url, doc); err != nil {
		return nil, oops.Code(core.CodeInternal).With("event", event).Wrapf(err, "add schema resource")
	}
	sch, err := c.Compile(url)
	if err != nil {
		return nil, oops.Code(core.CodeInternal).With("event", event).Wrapf(err, "compile schema")
	}
	return sch, nil
}

// validate checks raw against sch and converts failures to VALIDATION errors.
func validate(event string, sch *jschema.Schema, raw json.RawMessage) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return core.ErrValidation(event, "missing payload")
	}
	inst, err := jschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return core.ErrValidation(event, "malformed JSON")
	}
	if err := sch.Validate(inst); err != nil {
		return core.ErrValidation(event, describe(err))
	}
	return nil
}

// describe reduces a validation error to its most specific line.
func describe(err error) string {
	var ve *jschema.ValidationError
	if !errors.As(err, &ve) {
		return "payload does not match schema"
	}
	lines := strings.Split(strings.TrimSpace(ve.Error()), "\n")
	last := strings.TrimSpace(lines[len(lines)-1])
	last = strings.TrimPrefix(last, "- ")
	if last == "" {
		return "payload does not match schema"
	}
	return last
}
