// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package gateway

import (
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/roomcast/roomcast/internal/core"
	"github.com/roomcast/roomcast/internal/notifier"
)

const maxPushBody = 1 << 20

// PushRequest is the body of POST /internal/v1/emit.
type PushRequest struct {
	Target  string          `json:"target"`
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (p PushRequest) validate() error {
	if p.Event == "" {
		return core.ErrValidation("emit", "event is required")
	}
	switch p.Target {
	case notifier.TargetUser, notifier.TargetRoom:
		if p.ID == "" {
			return core.ErrValidation("emit", "id is required for target "+p.Target)
		}
	case notifier.TargetBroadcast:
	default:
		return core.ErrValidation("emit", "target must be user, room or broadcast")
	}
	return nil
}

func (s *Server) handleEmit(w http.ResponseWriter, r *http.Request) {
	token, _ := bearerToken(r)
	if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.PushSecret)) != 1 {
		s.pushFailed(w, http.StatusUnauthorized, core.ErrAuthInvalid("bad push secret"))
		return
	}

	var req PushRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxPushBody))
	if err := dec.Decode(&req); err != nil {
		s.pushFailed(w, http.StatusBadRequest, core.ErrValidation("emit", "malformed body"))
		return
	}
	if err := req.validate(); err != nil {
		s.pushFailed(w, http.StatusBadRequest, err)
		return
	}

	var payload any
	if len(req.Payload) > 0 {
		payload = req.Payload
	}
	ctx := r.Context()
	switch req.Target {
	case notifier.TargetUser:
		s.pusher.EmitToUser(ctx, req.ID, req.Event, payload)
	case notifier.TargetRoom:
		s.pusher.EmitToRoom(ctx, req.ID, req.Event, payload)
	case notifier.TargetBroadcast:
		s.pusher.Broadcast(ctx, req.Event, payload)
	}

	pushes.WithLabelValues(strconv.Itoa(http.StatusAccepted)).Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

func (s *Server) pushFailed(w http.ResponseWriter, status int, err error) {
	pushes.WithLabelValues(strconv.Itoa(status)).Inc()
	writeJSON(w, status, core.NewErrorPayload("emit", err))
}
