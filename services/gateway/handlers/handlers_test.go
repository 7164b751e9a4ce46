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
	"encoding/json"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/embedchat/pkg/extensions"
	"github.com/AleutianAI/embedchat/services/gateway/datatypes"
	"github.com/AleutianAI/embedchat/services/gateway/identity"
	"github.com/AleutianAI/embedchat/services/gateway/middleware"
	"github.com/AleutianAI/embedchat/services/gateway/observability"
	"github.com/AleutianAI/embedchat/services/gateway/relay"
	"github.com/AleutianAI/embedchat/services/gateway/token"
)

// =============================================================================
// Test Setup
// =============================================================================

func init() {
	gin.SetMode(gin.TestMode)
}

// testUserHeader names the caller in tests; it stands in for
// IdentityMiddleware.
const testUserHeader = "X-Test-User"

func testAssertion(subject string) *token.Assertion {
	now := time.Now().UTC()
	return &token.Assertion{
		ID:        "assert-" + subject,
		Subject:   subject,
		IssuedVia: identity.ViaDevOverride,
		IssuedAt:  now,
		ExpiresAt: now.Add(time.Hour),
		Token:     "signed." + subject,
	}
}

func withTestCaller() gin.HandlerFunc {
	return func(c *gin.Context) {
		if subject := c.GetHeader(testUserHeader); subject != "" {
			middleware.SetAssertion(c, testAssertion(subject))
		}
		c.Next()
	}
}

// =============================================================================
// Fake Upstream
// =============================================================================

// scriptedUpstream replays frags, then ends with err (io.EOF when nil). With
// hold set, the stream blocks after the fragments until hold is closed or
// the session is cancelled.
type scriptedUpstream struct {
	frags []string
	err   error
	hold  chan struct{}

	mu   sync.Mutex
	reqs []relay.UpstreamRequest
}

func (u *scriptedUpstream) OpenStream(ctx context.Context, req relay.UpstreamRequest) (relay.FragmentStream, error) {
	u.mu.Lock()
	u.reqs = append(u.reqs, req)
	u.mu.Unlock()
	return &scriptedStream{ctx: ctx, frags: u.frags, err: u.err, hold: u.hold}, nil
}

func (u *scriptedUpstream) requests() []relay.UpstreamRequest {
	u.mu.Lock()
	defer u.mu.Unlock()
	return append([]relay.UpstreamRequest(nil), u.reqs...)
}

type scriptedStream struct {
	ctx   context.Context
	frags []string
	next  int
	err   error
	hold  chan struct{}
}

func (s *scriptedStream) Recv() (string, error) {
	if s.next < len(s.frags) {
		f := s.frags[s.next]
		s.next++
		return f, nil
	}
	if s.hold != nil {
		select {
		case <-s.hold:
		case <-s.ctx.Done():
			return "", s.ctx.Err()
		}
	}
	if s.err != nil {
		return "", s.err
	}
	return "", io.EOF
}

func (s *scriptedStream) Close() error { return nil }

// =============================================================================
// Audit and Authz Fakes
// =============================================================================

type recordingAudit struct {
	mu     sync.Mutex
	events []extensions.AuditEvent
}

func (r *recordingAudit) Log(_ context.Context, ev extensions.AuditEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingAudit) Query(context.Context, extensions.AuditFilter) ([]extensions.AuditEvent, error) {
	return r.all(), nil
}

func (r *recordingAudit) Flush(context.Context) error { return nil }

func (r *recordingAudit) all() []extensions.AuditEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]extensions.AuditEvent(nil), r.events...)
}

// ofType returns the recorded events of one type.
func (r *recordingAudit) ofType(eventType string) []extensions.AuditEvent {
	var out []extensions.AuditEvent
	for _, ev := range r.all() {
		if ev.EventType == eventType {
			out = append(out, ev)
		}
	}
	return out
}

type denyAuthz struct{ action string }

func (d denyAuthz) Authorize(_ context.Context, req extensions.AuthzRequest) error {
	if d.action == "" || d.action == req.Action {
		return extensions.ErrUnauthorized
	}
	return nil
}

// =============================================================================
// Harness
// =============================================================================

type chatHarness struct {
	router   *gin.Engine
	handler  *ChatHandler
	relay    *relay.Relay
	audit    *recordingAudit
	metrics  *observability.StreamingMetrics
	upstream *scriptedUpstream
}

func newChatHarness(t *testing.T, up *scriptedUpstream, mutate ...func(*ChatConfig)) *chatHarness {
	t.Helper()

	metrics := observability.NewStreamingMetrics(prometheus.NewRegistry())
	r := relay.New(up, relay.NewRegistry(nil), relay.Config{CancelGrace: 2 * time.Second},
		relay.WithObserver(metrics))
	audit := &recordingAudit{}

	cfg := ChatConfig{
		Relay:             r,
		Audit:             audit,
		Metrics:           metrics,
		KeepAliveInterval: time.Hour,
		DefaultModel:      "llama3:latest",
		AllowedOrigins:    []string{"http://localhost:3000"},
	}
	for _, m := range mutate {
		m(&cfg)
	}
	h := NewChatHandler(cfg)

	router := gin.New()
	router.Use(withTestCaller())
	api := router.Group("/api/chat")
	api.POST("", h.HandleChat)
	api.POST("/stream", h.HandleChatStream)
	api.GET("/ws", h.HandleWebSocket)
	api.GET("/sessions", h.HandleListSessions)
	api.DELETE("/sessions/:id", h.HandleCancelSession)

	t.Cleanup(func() {
		r.Registry().CancelAll(relay.CauseShutdown)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = r.Registry().Drain(ctx)
	})

	return &chatHarness{
		router:   router,
		handler:  h,
		relay:    r,
		audit:    audit,
		metrics:  metrics,
		upstream: up,
	}
}

// =============================================================================
// SSE Parsing
// =============================================================================

// parseSSE decodes every data line of an event-stream body. Comment lines
// (keepalives) are skipped.
func parseSSE(t *testing.T, body string) []datatypes.StreamEvent {
	t.Helper()
	var events []datatypes.StreamEvent
	for _, block := range strings.Split(body, "\n\n") {
		var name, data string
		for _, line := range strings.Split(block, "\n") {
			switch {
			case strings.HasPrefix(line, "event: "):
				name = strings.TrimPrefix(line, "event: ")
			case strings.HasPrefix(line, "data: "):
				data = strings.TrimPrefix(line, "data: ")
			}
		}
		if data == "" {
			continue
		}
		var ev datatypes.StreamEvent
		require.NoError(t, json.Unmarshal([]byte(data), &ev), "data: %s", data)
		require.Equal(t, name, string(ev.Type), "event name matches payload type")
		events = append(events, ev)
	}
	return events
}

func eventTypes(events []datatypes.StreamEvent) []datatypes.StreamEventType {
	out := make([]datatypes.StreamEventType, len(events))
	for i, ev := range events {
		out[i] = ev.Type
	}
	return out
}

// requireChain checks Id, Hash and PrevHash linkage.
func requireChain(t *testing.T, events []datatypes.StreamEvent) {
	t.Helper()
	prev := ""
	for i, ev := range events {
		require.NotEmpty(t, ev.Id, "event %d id", i)
		require.NotZero(t, ev.CreatedAt, "event %d created_at", i)
		require.Equal(t, prev, ev.PrevHash, "event %d prev_hash", i)
		require.Equal(t, computeEventHash(ev), ev.Hash, "event %d hash", i)
		prev = ev.Hash
	}
}

const chatBody = `{"messages":[{"role":"user","content":"What is my leave balance?"}]}`
