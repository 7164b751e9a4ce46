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
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/embedchat/services/gateway/datatypes"
	"github.com/AleutianAI/embedchat/services/gateway/relay"
)

var tracer = otel.Tracer("embedchat.llm")

// ErrNoBaseURL is returned by NewOpenAIUpstream without a usable base URL.
var ErrNoBaseURL = errors.New("llm: upstream base url required")

// OpenAIUpstream streams chat completions from an OpenAI-compatible service.
//
// # Description
//
// Implements relay.Upstream on top of go-openai's CreateChatCompletionStream.
// Every HTTP request it makes carries the caller's signed assertion in
// AssertionHeader. When no API key is configured the assertion is also the
// bearer credential, so the model service can authorize per user.
//
// Errors are classified for the relay: transport failures wrap
// relay.ErrUpstreamUnavailable, non-2xx answers wrap relay.ErrUpstreamStatus,
// and chunks that do not decode wrap relay.ErrMalformedFragment.
//
// # Thread Safety
//
// Safe for concurrent use. The underlying client is shared.
type OpenAIUpstream struct {
	client *openai.Client
	cfg    Config
	logger *slog.Logger
}

var _ relay.Upstream = (*OpenAIUpstream)(nil)

// NewOpenAIUpstream creates the upstream client.
//
// # Inputs
//
//   - cfg: base URL is required; everything else has defaults.
//   - logger: nil uses slog.Default().
//
// # Outputs
//
//   - *OpenAIUpstream: ready to use.
//   - error: ErrNoBaseURL if cfg.BaseURL is missing or not absolute.
func NewOpenAIUpstream(cfg Config, logger *slog.Logger) (*OpenAIUpstream, error) {
	u, err := url.Parse(cfg.BaseURL)
	if cfg.BaseURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrNoBaseURL, cfg.BaseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}

	oc := openai.DefaultConfig(cfg.APIKey)
	oc.BaseURL = cfg.BaseURL
	oc.HTTPClient = &http.Client{
		Timeout: cfg.Timeout,
		Transport: &assertionTransport{
			base:         http.DefaultTransport,
			bearerFromID: cfg.APIKey == "",
		},
	}

	logger.Info("Initializing OpenAI-compatible upstream",
		"base_url", cfg.BaseURL,
		"model", cfg.Model,
		"api_key_present", cfg.APIKey != "")

	return &OpenAIUpstream{
		client: openai.NewClientWithConfig(oc),
		cfg:    cfg,
		logger: logger.With("component", "llm_upstream"),
	}, nil
}

// OpenStream starts one streaming completion.
func (o *OpenAIUpstream) OpenStream(ctx context.Context, req relay.UpstreamRequest) (relay.FragmentStream, error) {
	if req.Assertion == nil || req.Assertion.Token == "" {
		return nil, fmt.Errorf("%w: request carries no assertion", relay.ErrInvalidRequest)
	}

	model := req.Model
	if model == "" {
		model = o.cfg.Model
	}
	params := o.cfg.params()

	ctx, span := tracer.Start(ctx, "OpenAIUpstream.OpenStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.num_messages", len(req.Messages)))

	chatReq := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    o.buildMessages(req.Assertion.Subject, req.Messages),
		Temperature: params.Temperature,
		MaxTokens:   params.MaxTokens,
		Stream:      true,
		User:        req.Assertion.Subject,
	}

	o.logger.Debug("Opening upstream stream",
		"session_id", req.SessionID,
		"model", model,
		"messages", len(chatReq.Messages))

	stream, err := o.client.CreateChatCompletionStream(withAssertion(ctx, req.Assertion.Token), chatReq)
	if err != nil {
		err = classify(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream open failed")
		return nil, err
	}
	return &openAIStream{stream: stream}, nil
}

func (o *OpenAIUpstream) buildMessages(subject string, history []datatypes.Message) []openai.ChatCompletionMessage {
	msgs := make([]openai.ChatCompletionMessage, 0, len(history)+1)
	msgs = append(msgs, openai.ChatCompletionMessage{
		Role:    openai.ChatMessageRoleSystem,
		Content: o.cfg.systemPrompt(subject),
	})
	for _, m := range history {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return msgs
}

// =============================================================================
// Stream
// =============================================================================

type openAIStream struct {
	stream *openai.ChatCompletionStream
}

// Recv returns the next content delta. Chunks without content (role
// announcements, finish markers) yield "".
func (s *openAIStream) Recv() (string, error) {
	resp, err := s.stream.Recv()
	if err != nil {
		return "", classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Delta.Content, nil
}

func (s *openAIStream) Close() error {
	return s.stream.Close()
}

// classify maps go-openai and transport errors onto the relay taxonomy.
func classify(err error) error {
	if errors.Is(err, io.EOF) {
		return io.EOF
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return fmt.Errorf("%w: status %d: %s", relay.ErrUpstreamStatus, apiErr.HTTPStatusCode, apiErr.Message)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return fmt.Errorf("%w: status %d", relay.ErrUpstreamStatus, reqErr.HTTPStatusCode)
	}

	var syntaxErr *json.SyntaxError
	var typeErr *json.UnmarshalTypeError
	if errors.As(err, &syntaxErr) || errors.As(err, &typeErr) ||
		errors.Is(err, openai.ErrTooManyEmptyStreamMessages) {
		return fmt.Errorf("%w: %v", relay.ErrMalformedFragment, err)
	}

	return fmt.Errorf("%w: %v", relay.ErrUpstreamUnavailable, err)
}

// =============================================================================
// Transport
// =============================================================================

type assertionKey struct{}

func withAssertion(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, assertionKey{}, token)
}

// assertionTransport stamps the request's assertion onto outgoing calls.
type assertionTransport struct {
	base         http.RoundTripper
	bearerFromID bool
}

func (t *assertionTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	token, _ := req.Context().Value(assertionKey{}).(string)
	if token == "" {
		return t.base.RoundTrip(req)
	}
	out := req.Clone(req.Context())
	out.Header.Set(AssertionHeader, token)
	if t.bearerFromID {
		out.Header.Set("Authorization", "Bearer "+token)
	}
	return t.base.RoundTrip(out)
}
