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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/AleutianAI/embedchat/services/gateway/datatypes"
	"github.com/AleutianAI/embedchat/services/gateway/relay"
)

// Client-visible error messages. Internal error text never reaches clients.
const (
	msgGenericError     = "An error occurred while processing your request"
	msgConsumerTooSlow  = "stream consumer too slow"
	msgInvalidRequest   = "invalid request"
	msgUnauthenticated  = "identity required"
	msgForbidden        = "not permitted"
	msgShuttingDown     = "service is shutting down"
	msgRateLimited      = "rate limit exceeded"
	msgAssertionExpired = "identity assertion expired"
	msgPolicyViolation  = "message contains sensitive data"
)

// sanitizeError maps a terminal relay error to its client message.
func sanitizeError(err error) string {
	if errors.Is(err, relay.ErrBackpressureExceeded) {
		return msgConsumerTooSlow
	}
	return msgGenericError
}

// =============================================================================
// Event Encoding
// =============================================================================

// eventStamper assigns Id, CreatedAt, Hash and PrevHash to outgoing events.
//
// # Description
//
// Each event's Hash is SHA-256 over its identifying fields and the previous
// event's hash, so a recorded stream can be checked for dropped, reordered
// or altered events.
//
// # Thread Safety
//
// Not thread-safe; callers serialize access.
type eventStamper struct {
	prevHash string
	now      func() time.Time
}

func newEventStamper() *eventStamper {
	return &eventStamper{now: time.Now}
}

func (s *eventStamper) stamp(event datatypes.StreamEvent) datatypes.StreamEvent {
	event.Id = uuid.New().String()
	event.CreatedAt = s.now().UnixMilli()
	event.PrevHash = s.prevHash
	event.Hash = computeEventHash(event)
	s.prevHash = event.Hash
	return event
}

func computeEventHash(event datatypes.StreamEvent) string {
	hashInput := fmt.Sprintf("%s|%d|%s|%d|%s|%s|%s|%s|%s",
		event.Id,
		event.Seq,
		event.Type,
		event.CreatedAt,
		event.PrevHash,
		event.Content,
		event.Message,
		event.Error,
		event.SessionID,
	)
	hash := sha256.Sum256([]byte(hashInput))
	return hex.EncodeToString(hash[:])
}

// toStreamEvent converts a relay event to its wire form.
func toStreamEvent(ev relay.Event, sessionID string) datatypes.StreamEvent {
	out := datatypes.StreamEvent{Seq: ev.Seq}
	switch ev.Kind {
	case relay.EventToken:
		out.Type = datatypes.StreamEventToken
		out.Content = ev.Content
	case relay.EventDone:
		out.Type = datatypes.StreamEventDone
		out.SessionID = sessionID
	case relay.EventCancelled:
		out.Type = datatypes.StreamEventCancelled
		out.SessionID = sessionID
	default:
		out.Type = datatypes.StreamEventError
		out.Error = sanitizeError(ev.Err)
		out.SessionID = sessionID
	}
	return out
}

// =============================================================================
// SSE Writer
// =============================================================================

// SSEWriter writes Server-Sent Events to an HTTP response.
//
// # Description
//
// Handles the wire format (event: type\ndata: json\n\n) and stamps every
// event with Id, CreatedAt and the hash chain. Keepalives are SSE comments
// and are not part of the chain.
//
// # Thread Safety
//
// Implementations must be safe for concurrent use: the keepalive ticker
// writes from its own goroutine.
type SSEWriter interface {
	// WriteEvent stamps and writes one event, then flushes.
	WriteEvent(event datatypes.StreamEvent) error

	// WriteStatus announces the session id before the first token.
	WriteStatus(sessionID, message string) error

	// WriteError writes a sanitized error event.
	WriteError(errMsg string) error

	// WriteKeepAlive sends ": ping\n\n".
	WriteKeepAlive() error
}

type sseWriter struct {
	writer  io.Writer
	flusher http.Flusher
	stamper *eventStamper
	mu      sync.Mutex
}

// NewSSEWriter wraps w. Headers must already be set; see SetSSEHeaders.
// A writer that does not implement http.Flusher is written unflushed.
func NewSSEWriter(w http.ResponseWriter) SSEWriter {
	flusher, _ := w.(http.Flusher)
	return &sseWriter{
		writer:  w,
		flusher: flusher,
		stamper: newEventStamper(),
	}
}

func (w *sseWriter) WriteEvent(event datatypes.StreamEvent) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	event = w.stamper.stamp(event)
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := fmt.Fprintf(w.writer, "event: %s\ndata: %s\n\n", event.Type, data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	w.flush()
	return nil
}

func (w *sseWriter) WriteStatus(sessionID, message string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:      datatypes.StreamEventStatus,
		Message:   message,
		SessionID: sessionID,
	})
}

func (w *sseWriter) WriteError(errMsg string) error {
	return w.WriteEvent(datatypes.StreamEvent{
		Type:  datatypes.StreamEventError,
		Error: errMsg,
	})
}

func (w *sseWriter) WriteKeepAlive() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := io.WriteString(w.writer, ": ping\n\n"); err != nil {
		return fmt.Errorf("write keepalive: %w", err)
	}
	w.flush()
	return nil
}

func (w *sseWriter) flush() {
	if w.flusher != nil {
		w.flusher.Flush()
	}
}

// SetSSEHeaders sets the headers for an event stream and disables proxy
// buffering.
func SetSSEHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
}

// sseSink adapts an SSEWriter to relay.Sink.
type sseSink struct {
	w         SSEWriter
	sessionID string
}

func (s sseSink) Send(ev relay.Event) error {
	return s.w.WriteEvent(toStreamEvent(ev, s.sessionID))
}

var (
	_ SSEWriter  = (*sseWriter)(nil)
	_ relay.Sink = sseSink{}
)
