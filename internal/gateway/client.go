// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Roomcast Contributors

package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"golang.org/x/time/rate"

	"github.com/roomcast/roomcast/internal/core"
)

// client is the socket side of one connection. The write pump is the only
// goroutine that writes to ws.
type client struct {
	id      ulid.ULID
	ws      *websocket.Conn
	cfg     Config
	send    chan core.Frame
	done    chan struct{}
	flood   *rate.Limiter
	stopped chan struct{}

	// finished is closed once the connection has been detached.
	finished chan struct{}

	closeOnce   sync.Once
	closeCode   int
	closeReason string
}

func newClient(ws *websocket.Conn, cfg Config) *client {
	return &client{
		id:       core.NewULID(),
		ws:       ws,
		cfg:      cfg,
		send:     make(chan core.Frame, cfg.SendBuffer),
		done:     make(chan struct{}),
		flood:    rate.NewLimiter(rate.Limit(cfg.InboundRate), cfg.InboundBurst),
		stopped:  make(chan struct{}),
		finished: make(chan struct{}),
	}
}

func (c *client) ID() ulid.ULID { return c.id }

// Deliver queues a frame for the write pump. Never blocks.
func (c *client) Deliver(frame core.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

// shutdown asks the write pump to send a close frame and exit. The first
// call wins.
func (c *client) shutdown(code int, reason string) {
	c.closeOnce.Do(func() {
		c.closeCode = code
		c.closeReason = reason
		close(c.done)
	})
}

func (c *client) writePump() {
	defer close(c.stopped)
	defer c.ws.Close()

	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				slog.Debug("websocket write failed", "conn_id", c.id.String(), "error", err)
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-ticker.C:
			deadline := time.Now().Add(c.cfg.WriteTimeout)
			if err := c.ws.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				c.shutdown(websocket.CloseAbnormalClosure, "")
				return
			}
		case <-c.done:
			c.flush()
			if c.closeCode != websocket.CloseAbnormalClosure {
				msg := websocket.FormatCloseMessage(c.closeCode, c.closeReason)
				//nolint:errcheck // peer may already be gone
				c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(c.cfg.WriteTimeout))
			}
			return
		}
	}
}

// flush writes frames already queued when the close was requested, so an
// error frame explaining the close reaches the client first.
func (c *client) flush() {
	for {
		select {
		case frame := <-c.send:
			if err := c.write(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func (c *client) write(frame core.Frame) error {
	if err := c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout)); err != nil {
		return err
	}
	return c.ws.WriteJSON(frame)
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	admission, err := s.engine.Admit(r.Context(), CredentialsFromRequest(r))
	if err != nil {
		s.reject(w, r, err)
		return
	}

	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.DebugContext(r.Context(), "websocket upgrade failed", "remote", r.RemoteAddr, "error", err)
		return
	}
	ws.SetReadLimit(s.cfg.MaxMessageBytes)

	ctx, cancel := context.WithCancel(context.WithoutCancel(r.Context()))
	defer cancel()

	c := newClient(ws, s.cfg)
	if !s.track(c) {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down")
		//nolint:errcheck // closing anyway
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
		ws.Close()
		return
	}
	defer s.untrack(c)

	conn, err := s.engine.Attach(ctx, admission, c)
	if err != nil {
		slog.WarnContext(ctx, "failed to attach connection",
			"user_id", admission.Identity.UserID, "error", err)
		msg := websocket.FormatCloseMessage(websocket.CloseTryAgainLater, core.ClientMessage(err))
		//nolint:errcheck // closing anyway
		ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(s.cfg.WriteTimeout))
		ws.Close()
		return
	}

	go c.writePump()
	s.readPump(ctx, c, conn)
	c.shutdown(websocket.CloseNormalClosure, "")
	<-c.stopped
	s.engine.Detach(ctx, conn)
}

func (s *Server) readPump(ctx context.Context, c *client, conn *core.Connection) {
	ws := c.ws
	//nolint:errcheck // a failed deadline surfaces as a read error
	ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	ws.SetPongHandler(func(string) error {
		s.engine.Heartbeat(ctx, conn)
		return ws.SetReadDeadline(time.Now().Add(s.cfg.PongTimeout))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseNoStatusReceived) {
				slog.DebugContext(ctx, "websocket read failed", "conn_id", conn.ID().String(), "error", err)
			}
			return
		}
		select {
		case <-c.done:
			return
		default:
		}

		if !c.flood.Allow() {
			throttled.Inc()
			conn.Send(core.EventError, core.NewErrorPayload("", core.ErrRateLimited("frames", 1)))
			continue
		}

		var frame core.Frame
		if err := json.Unmarshal(data, &frame); err != nil || frame.Event == "" {
			conn.Send(core.EventError, core.NewErrorPayload("", core.ErrValidation("frame", "expected {\"event\": ..., \"data\": ...}")))
			continue
		}

		if err := s.engine.Dispatch(ctx, conn, frame.Event, frame.Data); core.IsCode(err, core.CodeInternal) {
			c.shutdown(websocket.CloseInternalServerErr, "internal error")
			return
		}
	}
}
