// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/embedchat/services/gateway/datatypes"
	"github.com/AleutianAI/embedchat/services/gateway/relay"
	"github.com/AleutianAI/embedchat/services/gateway/token"
)

// =============================================================================
// Mock Server Helpers
// =============================================================================

// captured is what the mock server saw on its last request.
type captured struct {
	mu        sync.Mutex
	auth      string
	assertion string
	body      openai.ChatCompletionRequest
}

func (c *captured) snapshot() (string, string, openai.ChatCompletionRequest) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.auth, c.assertion, c.body
}

// newMockOpenAIServer serves /v1/chat/completions as OpenAI SSE chunks.
//
// # Inputs
//
//   - t: test handle.
//   - chunks: delta contents, one SSE chunk each, followed by [DONE].
//
// # Outputs
//
//   - *httptest.Server: closed on test cleanup.
//   - *captured: headers and body of the most recent request.
func newMockOpenAIServer(t *testing.T, chunks ...string) (*httptest.Server, *captured) {
	t.Helper()
	c := &captured{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			http.NotFound(w, r)
			return
		}
		var body openai.ChatCompletionRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		c.mu.Lock()
		c.auth = r.Header.Get("Authorization")
		c.assertion = r.Header.Get(AssertionHeader)
		c.body = body
		c.mu.Unlock()

		w.Header().Set("Content-Type", "text/event-stream")
		flusher := w.(http.Flusher)
		writeChunk(w, `{"id":"c1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant"}}]}`)
		for _, content := range chunks {
			payload, _ := json.Marshal(map[string]any{
				"id":      "c1",
				"object":  "chat.completion.chunk",
				"choices": []any{map[string]any{"index": 0, "delta": map[string]string{"content": content}}},
			})
			writeChunk(w, string(payload))
			flusher.Flush()
		}
		_, _ = io.WriteString(w, "data: [DONE]\n\n")
		flusher.Flush()
	}))
	t.Cleanup(srv.Close)
	return srv, c
}

func writeChunk(w io.Writer, payload string) {
	_, _ = fmt.Fprintf(w, "data: %s\n\n", payload)
}

func newTestUpstream(t *testing.T, baseURL, apiKey string) *OpenAIUpstream {
	t.Helper()
	up, err := NewOpenAIUpstream(Config{
		BaseURL:     baseURL,
		APIKey:      apiKey,
		Model:       "llama3:latest",
		Temperature: 0.7,
		MaxTokens:   500,
		Timeout:     10 * time.Second,
	}, nil)
	require.NoError(t, err)
	return up
}

func testUpstreamRequest() relay.UpstreamRequest {
	return relay.UpstreamRequest{
		SessionID: "s-1",
		Messages:  []datatypes.Message{{Role: "user", Content: "What is my leave balance?"}},
		Assertion: &token.Assertion{Subject: "john.doe@dept.gov", Token: "header.payload.sig"},
	}
}

func drain(t *testing.T, fs relay.FragmentStream) ([]string, error) {
	t.Helper()
	defer fs.Close()
	var out []string
	for {
		f, err := fs.Recv()
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return out, err
		}
		if f != "" {
			out = append(out, f)
		}
	}
}

// =============================================================================
// Tests
// =============================================================================

func TestNewOpenAIUpstream_RequiresBaseURL(t *testing.T) {
	for _, base := range []string{"", "not a url", "/v1"} {
		_, err := NewOpenAIUpstream(Config{BaseURL: base}, nil)
		assert.ErrorIs(t, err, ErrNoBaseURL, "base %q", base)
	}
}

func TestOpenStream_StreamsDeltas(t *testing.T) {
	srv, seen := newMockOpenAIServer(t, "Hello", " world")
	up := newTestUpstream(t, srv.URL+"/v1", "")

	fs, err := up.OpenStream(context.Background(), testUpstreamRequest())
	require.NoError(t, err)

	got, err := drain(t, fs)
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello", " world"}, got)

	auth, assertion, body := seen.snapshot()
	assert.Equal(t, "header.payload.sig", assertion)
	assert.Equal(t, "Bearer header.payload.sig", auth, "assertion doubles as bearer without an api key")
	assert.Equal(t, "llama3:latest", body.Model)
	assert.True(t, body.Stream)
	assert.InDelta(t, 0.7, body.Temperature, 0.0001)
	assert.Equal(t, 500, body.MaxTokens)
	require.Len(t, body.Messages, 2)
	assert.Equal(t, openai.ChatMessageRoleSystem, body.Messages[0].Role)
	assert.Contains(t, body.Messages[0].Content, "assisting john.doe@dept.gov")
	assert.Equal(t, "What is my leave balance?", body.Messages[1].Content)
}

func TestOpenStream_APIKeyKeepsAssertionHeader(t *testing.T) {
	srv, seen := newMockOpenAIServer(t, "x")
	up := newTestUpstream(t, srv.URL+"/v1", "sk-test")

	req := testUpstreamRequest()
	req.Model = "gpt-4o-mini"
	fs, err := up.OpenStream(context.Background(), req)
	require.NoError(t, err)
	_, err = drain(t, fs)
	require.NoError(t, err)

	auth, assertion, body := seen.snapshot()
	assert.Equal(t, "Bearer sk-test", auth)
	assert.Equal(t, "header.payload.sig", assertion)
	assert.Equal(t, "gpt-4o-mini", body.Model)
}

func TestOpenStream_MissingAssertion(t *testing.T) {
	srv, _ := newMockOpenAIServer(t)
	up := newTestUpstream(t, srv.URL+"/v1", "")

	req := testUpstreamRequest()
	req.Assertion = nil
	_, err := up.OpenStream(context.Background(), req)
	assert.ErrorIs(t, err, relay.ErrInvalidRequest)
}

func TestOpenStream_ErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = io.WriteString(w, `{"error":{"message":"model loading","type":"server_error"}}`)
	}))
	t.Cleanup(srv.Close)
	up := newTestUpstream(t, srv.URL+"/v1", "")

	_, err := up.OpenStream(context.Background(), testUpstreamRequest())
	assert.ErrorIs(t, err, relay.ErrUpstreamStatus)
	assert.NotErrorIs(t, err, relay.ErrUpstreamUnavailable)
}

func TestOpenStream_ConnectionRefused(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	base := srv.URL + "/v1"
	srv.Close()
	up := newTestUpstream(t, base, "")

	_, err := up.OpenStream(context.Background(), testUpstreamRequest())
	assert.ErrorIs(t, err, relay.ErrUpstreamUnavailable)
}

func TestRecv_MalformedChunk(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/event-stream")
		writeChunk(w, `{"choices":[{"index":0,"delta":{"content":"ok"}}]}`)
		writeChunk(w, `{not json`)
	}))
	t.Cleanup(srv.Close)
	up := newTestUpstream(t, srv.URL+"/v1", "")

	fs, err := up.OpenStream(context.Background(), testUpstreamRequest())
	require.NoError(t, err)

	got, err := drain(t, fs)
	assert.Equal(t, []string{"ok"}, got)
	assert.ErrorIs(t, err, relay.ErrMalformedFragment)
}

func TestOpenAIUpstream_WithRelay(t *testing.T) {
	srv, _ := newMockOpenAIServer(t, "Your balance", " is 12 days.")
	up := newTestUpstream(t, srv.URL+"/v1", "")

	r := relay.New(up, relay.NewRegistry(nil), relay.Config{})
	s, err := r.Start(context.Background(), relay.Request{
		Messages:  testUpstreamRequest().Messages,
		Assertion: testUpstreamRequest().Assertion,
	})
	require.NoError(t, err)

	text, err := s.Collect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Your balance is 12 days.", text)
	assert.Equal(t, relay.StateCompleted, s.State())
}

func TestSystemPrompt(t *testing.T) {
	assert.Equal(t, "Helping alice.", Config{SystemPrompt: "Helping {user}."}.systemPrompt("alice"))
	assert.Contains(t, Config{}.systemPrompt("bob"), "assisting bob")
}
