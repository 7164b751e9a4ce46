// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/AleutianAI/embedchat/services/gateway/datatypes"
	"github.com/AleutianAI/embedchat/services/gateway/middleware"
	"github.com/AleutianAI/embedchat/services/gateway/observability"
	"github.com/AleutianAI/embedchat/services/gateway/relay"
	"github.com/AleutianAI/embedchat/services/gateway/token"
)

// WSRequest is one inbound WebSocket frame. A frame with Action "cancel"
// cancels SessionID; any other frame is a chat turn.
type WSRequest struct {
	Action    string              `json:"action,omitempty"`
	SessionID string              `json:"session_id,omitempty"`
	Messages  []datatypes.Message `json:"messages,omitempty"`
	Model     string              `json:"model,omitempty"`
}

const (
	wsActionCancel = "cancel"
	wsWriteWait    = 10 * time.Second
	wsBufferSize   = 4096

	msgTurnInProgress = "a chat turn is already in progress"
	msgNoSuchSession  = "session not found"
	msgCancelling     = "cancelling"
)

// originSet normalizes an origin allowlist.
func originSet(origins []string) map[string]struct{} {
	set := make(map[string]struct{}, len(origins))
	for _, o := range origins {
		set[strings.TrimRight(strings.TrimSpace(o), "/")] = struct{}{}
	}
	return set
}

// checkOrigin admits non-browser clients (no Origin) and allowlisted pages.
func (h *ChatHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	_, ok := h.origins[origin]
	return ok
}

// =============================================================================
// Connection
// =============================================================================

// wsConn serializes data frames on one connection and stamps outgoing
// events with the same hash chain as the SSE stream. It also tracks whether
// a turn is open: the turn is released under the same lock that writes its
// final frame, so a client that has read that frame may start the next turn.
type wsConn struct {
	conn    *websocket.Conn
	mu      sync.Mutex
	stamper *eventStamper
	busy    bool
}

func (w *wsConn) WriteEvent(event datatypes.StreamEvent) error {
	return w.write(event, false)
}

func (w *wsConn) write(event datatypes.StreamEvent, endsTurn bool) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if endsTurn {
		w.busy = false
	}
	event = w.stamper.stamp(event)
	_ = w.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
	return w.conn.WriteJSON(event)
}

// claimTurn opens a turn, or reports false if one is already open.
func (w *wsConn) claimTurn() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.busy {
		return false
	}
	w.busy = true
	return true
}

func (w *wsConn) writeStatus(sessionID, message string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:      datatypes.StreamEventStatus,
		Message:   message,
		SessionID: sessionID,
	})
}

func (w *wsConn) writeError(sessionID, message string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:      datatypes.StreamEventError,
		Error:     message,
		SessionID: sessionID,
	})
}

// rejectTurn writes a turn's refusal and closes the turn.
func (w *wsConn) rejectTurn(message string) error {
	return w.write(datatypes.StreamEvent{
		Type:  datatypes.StreamEventError,
		Error: message,
	}, true)
}

// wsSink adapts a wsConn to relay.Sink.
type wsSink struct {
	w         *wsConn
	sessionID string
}

func (s wsSink) Send(ev relay.Event) error {
	return s.w.write(toStreamEvent(ev, s.sessionID), ev.Terminal())
}

var _ relay.Sink = wsSink{}

// =============================================================================
// Handler
// =============================================================================

// HandleWebSocket handles GET /api/chat/ws.
//
// # Description
//
// Upgrades an identified request to a WebSocket that carries many chat
// turns. Turns run one at a time; the events of each turn are JSON frames
// shaped like the SSE events. While a turn streams, the client may send
// {"action":"cancel","session_id":"..."} to stop it.
//
// The connection keeps the assertion it was opened with. Once that
// assertion expires the next turn is refused and the socket is closed, so
// the client reconnects and is identified again.
//
// # Inputs
//
//   - c: request that has passed IdentityMiddleware.
//
// # Limitations
//
//   - A chat frame sent before the current turn's final frame is refused
//     with an error frame, not queued.
func (h *ChatHandler) HandleWebSocket(c *gin.Context) {
	a := middleware.GetAssertion(c)
	if a == nil {
		h.reject(c, observability.EndpointWebSocket, http.StatusUnauthorized,
			observability.ErrorCodeUnauthorized, msgUnauthenticated)
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  wsBufferSize,
		WriteBufferSize: wsBufferSize,
		CheckOrigin:     h.checkOrigin,
	}
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "subject", a.Subject, "error", err)
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxRequestBodyBytes)
	pongWait := 4 * h.keepAlive
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	ws := &wsConn{conn: conn, stamper: newEventStamper()}
	logger := h.logger.With("subject", a.Subject, "transport", "websocket")
	logger.Info("websocket connected")

	turns := make(chan WSRequest, 1)
	go h.readFrames(ctx, cancel, ws, a, turns, logger)
	go h.pingLoop(ctx, conn)

	for req := range turns {
		if !h.serveTurn(ctx, ws, a, req, logger) {
			break
		}
	}

	if ctx.Err() != nil {
		h.metrics.RecordClientDisconnect(observability.EndpointWebSocket)
	}
	logger.Info("websocket closed")
}

// readFrames reads until the connection fails. Cancel frames are handled
// here so they can interrupt a streaming turn; chat frames go to turns.
func (h *ChatHandler) readFrames(ctx context.Context, cancel context.CancelFunc, ws *wsConn,
	a *token.Assertion, turns chan<- WSRequest, logger *slog.Logger) {

	defer close(turns)
	defer cancel()

	for {
		var req WSRequest
		if err := ws.conn.ReadJSON(&req); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				logger.Info("websocket read ended", "error", err)
			}
			return
		}

		if req.Action == wsActionCancel {
			h.handleCancelFrame(ctx, ws, a, req.SessionID)
			continue
		}

		if !ws.claimTurn() {
			_ = ws.writeError("", msgTurnInProgress)
			continue
		}
		select {
		case turns <- req:
		case <-ctx.Done():
			return
		}
	}
}

func (h *ChatHandler) handleCancelFrame(ctx context.Context, ws *wsConn, a *token.Assertion, sessionID string) {
	err := h.cancelSession(ctx, a, sessionID)
	switch {
	case err == nil:
		_ = ws.writeStatus(sessionID, msgCancelling)
	case errors.Is(err, relay.ErrSessionNotFound), errors.Is(err, relay.ErrSessionNotOwned):
		// Sessions of other callers are indistinguishable from missing ones.
		_ = ws.writeError(sessionID, msgNoSuchSession)
	default:
		_ = ws.writeError(sessionID, msgGenericError)
	}
}

// pingLoop keeps intermediaries from idling the connection out.
func (h *ChatHandler) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(h.keepAlive)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(wsWriteWait)); err != nil {
				return
			}
			h.metrics.RecordKeepAlive(observability.EndpointWebSocket)
		}
	}
}

// serveTurn runs one chat turn. It returns false when the connection
// should close. When it returns true, the turn's last frame has released
// the turn.
func (h *ChatHandler) serveTurn(ctx context.Context, ws *wsConn, a *token.Assertion, frame WSRequest, logger *slog.Logger) bool {
	const endpoint = observability.EndpointWebSocket

	fail := func(code observability.ErrorCode, msg string) bool {
		h.metrics.RecordError(endpoint, code)
		h.metrics.RecordRequest(endpoint, false)
		return ws.rejectTurn(msg) == nil
	}

	if h.now().After(a.ExpiresAt) {
		fail(observability.ErrorCodeUnauthorized, msgAssertionExpired)
		_ = ws.conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, msgAssertionExpired),
			time.Now().Add(wsWriteWait))
		return false
	}

	if h.limiter != nil {
		if ok, _ := h.limiter.Allow(a.Subject); !ok {
			h.metrics.RecordRateLimited()
			return fail(observability.ErrorCodeRateLimited, msgRateLimited)
		}
	}

	req := datatypes.ChatRequest{Messages: frame.Messages, Model: frame.Model}
	if err := req.Validate(); err != nil {
		logger.Debug("websocket frame failed validation", "error", err)
		return fail(observability.ErrorCodeValidation, msgInvalidRequest)
	}
	if err := h.authorize(ctx, a, actionChat, ""); err != nil {
		return fail(observability.ErrorCodeUnauthorized, msgForbidden)
	}
	if findings := h.screen(ctx, a, req.Messages, endpoint); len(findings) > 0 {
		h.metrics.RecordRequest(endpoint, false)
		return ws.rejectTurn(msgPolicyViolation) == nil
	}

	sess, err := h.relay.Start(ctx, relay.Request{
		Messages:  req.Messages,
		Model:     req.Model,
		Assertion: a,
	})
	if err != nil {
		logger.Error("failed to start session", "error", err)
		if errors.Is(err, relay.ErrRegistryClosed) {
			fail(observability.ErrorCodeInternal, msgShuttingDown)
			return false
		}
		return fail(observability.ErrorCodeInternal, msgGenericError)
	}
	h.trackOutcome(context.WithoutCancel(ctx), sess, a, endpoint)

	if err := ws.writeStatus(sess.ID(), statusStreaming); err != nil {
		sess.Cancel(relay.CauseSinkError)
		return false
	}
	if err := sess.Deliver(ctx, wsSink{w: ws, sessionID: sess.ID()}); err != nil {
		logger.Info("websocket turn ended early", "session_id", sess.ID(), "error", err)
		return false
	}
	return true
}
