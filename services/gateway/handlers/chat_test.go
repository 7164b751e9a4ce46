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
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/embedchat/pkg/extensions"
	"github.com/AleutianAI/embedchat/services/gateway/datatypes"
	"github.com/AleutianAI/embedchat/services/gateway/relay"
)

func postChat(h *chatHarness, path, subject, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if subject != "" {
		req.Header.Set(testUserHeader, subject)
	}
	w := httptest.NewRecorder()
	h.router.ServeHTTP(w, req)
	return w
}

func decodeError(t *testing.T, w *httptest.ResponseRecorder) string {
	t.Helper()
	var resp datatypes.ErrorResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp.Error
}

// =============================================================================
// Streaming
// =============================================================================

func TestHandleChatStream_TokensThenDone(t *testing.T) {
	h := newChatHarness(t, &scriptedUpstream{frags: []string{"Your balance", "", " is 12 days."}})

	w := postChat(h, "/api/chat/stream", "john.doe@dept.gov", chatBody)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no", w.Header().Get("X-Accel-Buffering"))

	events := parseSSE(t, w.Body.String())
	require.Equal(t, []datatypes.StreamEventType{
		datatypes.StreamEventStatus,
		datatypes.StreamEventToken,
		datatypes.StreamEventToken,
		datatypes.StreamEventDone,
	}, eventTypes(events))
	requireChain(t, events)

	sessionID := events[0].SessionID
	require.NotEmpty(t, sessionID)
	assert.Equal(t, "Your balance", events[1].Content)
	assert.Equal(t, 1, events[1].Seq)
	assert.Equal(t, " is 12 days.", events[2].Content)
	assert.Equal(t, 2, events[2].Seq)
	assert.Equal(t, 3, events[3].Seq)
	assert.Equal(t, sessionID, events[3].SessionID)

	reqs := h.upstream.requests()
	require.Len(t, reqs, 1)
	assert.Equal(t, "john.doe@dept.gov", reqs[0].Assertion.Subject)
	assert.Equal(t, "signed.john.doe@dept.gov", reqs[0].Assertion.Token)

	require.Eventually(t, func() bool {
		return len(h.audit.ofType(extensions.EventChatCompleted)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	ev := h.audit.ofType(extensions.EventChatCompleted)[0]
	assert.Equal(t, "john.doe@dept.gov", ev.Subject)
	assert.Equal(t, sessionID, ev.ResourceID)
	assert.Equal(t, "development", ev.Metadata["trust_mode"])
	assert.Equal(t, "llama3:latest", ev.Metadata["model"])
	assert.Equal(t, 2, ev.Metadata["fragments"])

	assert.Eventually(t, func() bool {
		return testutil.ToFloat64(h.metrics.RequestsTotal.WithLabelValues("chat_stream", "success")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestHandleChatStream_UpstreamFailureIsSanitized(t *testing.T) {
	up := &scriptedUpstream{
		frags: []string{"partial"},
		err:   fmt.Errorf("%w: status 500: internal model trace at /opt/model", relay.ErrUpstreamStatus),
	}
	h := newChatHarness(t, up)

	w := postChat(h, "/api/chat/stream", "alice@dept.gov", chatBody)
	require.Equal(t, http.StatusOK, w.Code)

	events := parseSSE(t, w.Body.String())
	require.Equal(t, []datatypes.StreamEventType{
		datatypes.StreamEventStatus,
		datatypes.StreamEventToken,
		datatypes.StreamEventError,
	}, eventTypes(events))
	last := events[2]
	assert.Equal(t, msgGenericError, last.Error)
	assert.NotContains(t, w.Body.String(), "/opt/model")

	require.Eventually(t, func() bool {
		return len(h.audit.ofType(extensions.EventChatFailed)) == 1
	}, 2*time.Second, 10*time.Millisecond)
	ev := h.audit.ofType(extensions.EventChatFailed)[0]
	assert.Equal(t, "failure", ev.Outcome)
	assert.Equal(t, "upstream_error", ev.Metadata["error_code"])
}

func TestHandleChatStream_RequestErrors(t *testing.T) {
	tests := []struct {
		name    string
		subject string
		body    string
		mutate  func(*ChatConfig)
		code    int
		message string
	}{
		{
			name:    "no identity",
			body:    chatBody,
			code:    http.StatusUnauthorized,
			message: msgUnauthenticated,
		},
		{
			name:    "malformed json",
			subject: "u@dept.gov",
			body:    `{"messages":`,
			code:    http.StatusBadRequest,
			message: msgInvalidRequest,
		},
		{
			name:    "no messages",
			subject: "u@dept.gov",
			body:    `{"messages":[]}`,
			code:    http.StatusBadRequest,
			message: msgInvalidRequest,
		},
		{
			name:    "unknown role",
			subject: "u@dept.gov",
			body:    `{"messages":[{"role":"robot","content":"hi"}]}`,
			code:    http.StatusBadRequest,
			message: msgInvalidRequest,
		},
		{
			name:    "oversized content",
			subject: "u@dept.gov",
			body: fmt.Sprintf(`{"messages":[{"role":"user","content":%q}]}`,
				strings.Repeat("x", datatypes.MaxMessageContentBytes+1)),
			code:    http.StatusBadRequest,
			message: msgInvalidRequest,
		},
		{
			name:    "authorization denied",
			subject: "u@dept.gov",
			body:    chatBody,
			mutate:  func(c *ChatConfig) { c.Authz = denyAuthz{action: actionChat} },
			code:    http.StatusForbidden,
			message: msgForbidden,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			up := &scriptedUpstream{frags: []string{"never"}}
			var mutate []func(*ChatConfig)
			if tt.mutate != nil {
				mutate = append(mutate, tt.mutate)
			}
			h := newChatHarness(t, up, mutate...)

			w := postChat(h, "/api/chat/stream", tt.subject, tt.body)

			assert.Equal(t, tt.code, w.Code)
			assert.Equal(t, tt.message, decodeError(t, w))
			assert.Empty(t, up.requests(), "no upstream call before the request is accepted")
		})
	}
}

func TestHandleChatStream_ShuttingDown(t *testing.T) {
	h := newChatHarness(t, &scriptedUpstream{})
	h.relay.Registry().Close()

	w := postChat(h, "/api/chat/stream", "u@dept.gov", chatBody)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Equal(t, msgShuttingDown, decodeError(t, w))
}

func TestHandleChatStream_KeepAlive(t *testing.T) {
	hold := make(chan struct{})
	h := newChatHarness(t, &scriptedUpstream{hold: hold}, func(c *ChatConfig) {
		c.KeepAliveInterval = 10 * time.Millisecond
	})
	time.AfterFunc(80*time.Millisecond, func() { close(hold) })

	w := postChat(h, "/api/chat/stream", "u@dept.gov", chatBody)

	assert.Contains(t, w.Body.String(), ": ping\n\n")
	events := parseSSE(t, w.Body.String())
	require.NotEmpty(t, events)
	assert.Equal(t, datatypes.StreamEventDone, events[len(events)-1].Type)
	assert.Positive(t, testutil.ToFloat64(h.metrics.KeepAlivesTotal.WithLabelValues("chat_stream")))
}

// TestHandleChatStream_CancelMidStream runs a real server so the stream can
// be read while a second request cancels it.
func TestHandleChatStream_CancelMidStream(t *testing.T) {
	h := newChatHarness(t, &scriptedUpstream{frags: []string{"partial"}, hold: make(chan struct{})})
	srv := httptest.NewServer(h.router)
	t.Cleanup(srv.Close)

	req, err := http.NewRequest(http.MethodPost, srv.URL+"/api/chat/stream", strings.NewReader(chatBody))
	require.NoError(t, err)
	req.Header.Set(testUserHeader, "alice@dept.gov")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	events := make(chan datatypes.StreamEvent, 16)
	go func() {
		defer close(events)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if !strings.HasPrefix(line, "data: ") {
				continue
			}
			var ev datatypes.StreamEvent
			if json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev) == nil {
				events <- ev
			}
		}
	}()

	next := func() datatypes.StreamEvent {
		select {
		case ev, ok := <-events:
			require.True(t, ok, "stream ended early")
			return ev
		case <-time.After(3 * time.Second):
			t.Fatal("timed out waiting for event")
			return datatypes.StreamEvent{}
		}
	}

	status := next()
	require.Equal(t, datatypes.StreamEventStatus, status.Type)
	require.Equal(t, datatypes.StreamEventToken, next().Type)

	del, err := http.NewRequest(http.MethodDelete, srv.URL+"/api/chat/sessions/"+status.SessionID, nil)
	require.NoError(t, err)
	del.Header.Set(testUserHeader, "alice@dept.gov")
	delResp, err := http.DefaultClient.Do(del)
	require.NoError(t, err)
	delResp.Body.Close()
	require.Equal(t, http.StatusAccepted, delResp.StatusCode)

	last := next()
	assert.Equal(t, datatypes.StreamEventCancelled, last.Type)
	assert.Equal(t, status.SessionID, last.SessionID)
	assert.Equal(t, 2, last.Seq)

	require.Eventually(t, func() bool {
		return len(h.audit.ofType(extensions.EventChatCancelled)) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

// =============================================================================
// Non-streaming
// =============================================================================

func TestHandleChat_Collected(t *testing.T) {
	h := newChatHarness(t, &scriptedUpstream{frags: []string{"Hello", " there"}})

	w := postChat(h, "/api/chat", "john.doe@dept.gov",
		`{"messages":[{"role":"user","content":"hi"}],"stream":false}`)

	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "assistant", resp.Message.Role)
	assert.Equal(t, "Hello there", resp.Message.Content)
	assert.Equal(t, "llama3:latest", resp.Model)
	assert.Equal(t, "john.doe@dept.gov", resp.User)
	assert.NotEmpty(t, resp.SessionID)
}

func TestHandleChat_ModelOverride(t *testing.T) {
	h := newChatHarness(t, &scriptedUpstream{frags: []string{"ok"}})

	w := postChat(h, "/api/chat", "u@dept.gov",
		`{"messages":[{"role":"user","content":"hi"}],"stream":false,"model":"mistral:7b"}`)

	require.Equal(t, http.StatusOK, w.Code)
	var resp datatypes.ChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "mistral:7b", resp.Model)
	assert.Equal(t, "mistral:7b", h.upstream.requests()[0].Model)
}

func TestHandleChat_StreamsByDefault(t *testing.T) {
	h := newChatHarness(t, &scriptedUpstream{frags: []string{"a"}})

	w := postChat(h, "/api/chat", "u@dept.gov", chatBody)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	events := parseSSE(t, w.Body.String())
	assert.Equal(t, datatypes.StreamEventDone, events[len(events)-1].Type)
}

func TestHandleChat_UpstreamFailure(t *testing.T) {
	h := newChatHarness(t, &scriptedUpstream{err: fmt.Errorf("%w: refused", relay.ErrUpstreamUnavailable)})

	w := postChat(h, "/api/chat", "u@dept.gov",
		`{"messages":[{"role":"user","content":"hi"}],"stream":false}`)

	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, msgGenericError, decodeError(t, w))
	assert.Len(t, h.upstream.requests(), 2, "connection errors are retried once")
}

func TestHandleChat_CancelledByOwner(t *testing.T) {
	h := newChatHarness(t, &scriptedUpstream{hold: make(chan struct{})})

	go func() {
		deadline := time.Now().Add(2 * time.Second)
		for time.Now().Before(deadline) {
			if sessions := h.relay.Registry().SnapshotFor("u@dept.gov"); len(sessions) == 1 {
				_ = h.relay.Registry().CancelOwned(sessions[0].ID, "u@dept.gov")
				return
			}
			time.Sleep(5 * time.Millisecond)
		}
	}()

	w := postChat(h, "/api/chat", "u@dept.gov",
		`{"messages":[{"role":"user","content":"hi"}],"stream":false}`)

	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestStartKeepAlive_StopWaits(t *testing.T) {
	h := NewChatHandler(ChatConfig{KeepAliveInterval: time.Millisecond})
	w := httptest.NewRecorder()
	sse := NewSSEWriter(w)

	stop := h.startKeepAlive(sse, "test")
	time.Sleep(10 * time.Millisecond)
	stop()

	n := strings.Count(w.Body.String(), ": ping")
	time.Sleep(10 * time.Millisecond)
	assert.Equal(t, n, strings.Count(w.Body.String(), ": ping"), "no writes after stop")
}

func TestRecordOutcome_WaitsForTerminalState(t *testing.T) {
	hold := make(chan struct{})
	h := newChatHarness(t, &scriptedUpstream{hold: hold})

	sess, err := h.relay.Start(context.Background(), relay.Request{
		Messages:  []datatypes.Message{{Role: "user", Content: "hi"}},
		Assertion: testAssertion("u@dept.gov"),
	})
	require.NoError(t, err)

	h.handler.trackOutcome(context.Background(), sess, testAssertion("u@dept.gov"), "chat")

	short, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, h.handler.WaitOutcomes(short), context.DeadlineExceeded, "recorded before the session ended")
	assert.Empty(t, h.audit.ofType(extensions.EventChatCompleted))

	close(hold)
	go func() { _, _ = sess.Collect(context.Background()) }()

	ctx, cancelWait := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelWait()
	require.NoError(t, h.handler.WaitOutcomes(ctx))
	assert.Len(t, h.audit.ofType(extensions.EventChatCompleted), 1)
}
