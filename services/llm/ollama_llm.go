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
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/embedchat/services/gateway/datatypes"
	"github.com/AleutianAI/embedchat/services/gateway/relay"
)

// maxErrorBody bounds how much of a failed response is kept for the log.
const maxErrorBody = 512

// ollamaChatRequest is the body of POST /api/chat.
type ollamaChatRequest struct {
	Model    string              `json:"model"`
	Messages []datatypes.Message `json:"messages"`
	Stream   bool                `json:"stream"`
	Options  map[string]any      `json:"options,omitempty"`
}

// ollamaStreamChunk is one NDJSON line of a streaming /api/chat reply.
type ollamaStreamChunk struct {
	Message datatypes.Message `json:"message"`
	Done    bool              `json:"done"`
	Error   string            `json:"error,omitempty"`
}

// OllamaUpstream streams replies from Ollama's native chat API.
//
// # Description
//
// Ollama also serves the OpenAI-compatible API under /v1, which
// OpenAIUpstream uses. The native API streams newline-delimited JSON and
// accepts model options the compatibility layer drops. BaseURL may name
// either root; a trailing /v1 is removed.
//
// Errors follow the same taxonomy as OpenAIUpstream.
//
// # Thread Safety
//
// Safe for concurrent use.
type OllamaUpstream struct {
	httpClient *http.Client
	baseURL    string
	cfg        Config
	logger     *slog.Logger
}

var _ relay.Upstream = (*OllamaUpstream)(nil)

// NewOllamaUpstream creates the native Ollama client.
func NewOllamaUpstream(cfg Config, logger *slog.Logger) (*OllamaUpstream, error) {
	u, err := url.Parse(cfg.BaseURL)
	if cfg.BaseURL == "" || err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("%w: %q", ErrNoBaseURL, cfg.BaseURL)
	}
	if logger == nil {
		logger = slog.Default()
	}
	baseURL := strings.TrimSuffix(strings.TrimSuffix(cfg.BaseURL, "/"), "/v1")

	logger.Info("Initializing Ollama upstream", "base_url", baseURL, "default_model", cfg.Model)
	return &OllamaUpstream{
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &assertionTransport{
				base:         http.DefaultTransport,
				bearerFromID: cfg.APIKey == "",
			},
		},
		baseURL: baseURL,
		cfg:     cfg,
		logger:  logger.With("component", "llm_upstream"),
	}, nil
}

// OpenStream posts the conversation and returns the NDJSON reader.
func (o *OllamaUpstream) OpenStream(ctx context.Context, req relay.UpstreamRequest) (relay.FragmentStream, error) {
	if req.Assertion == nil || req.Assertion.Token == "" {
		return nil, fmt.Errorf("%w: request carries no assertion", relay.ErrInvalidRequest)
	}
	model := req.Model
	if model == "" {
		model = o.cfg.Model
	}

	ctx, span := tracer.Start(ctx, "OllamaUpstream.OpenStream")
	defer span.End()
	span.SetAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.num_messages", len(req.Messages)))

	params := o.cfg.params()
	options := map[string]any{"temperature": params.Temperature}
	if params.MaxTokens > 0 {
		options["num_predict"] = params.MaxTokens
	}
	messages := make([]datatypes.Message, 0, len(req.Messages)+1)
	messages = append(messages, datatypes.Message{Role: "system", Content: o.cfg.systemPrompt(req.Assertion.Subject)})
	messages = append(messages, req.Messages...)

	body, err := json.Marshal(ollamaChatRequest{
		Model:    model,
		Messages: messages,
		Stream:   true,
		Options:  options,
	})
	if err != nil {
		return nil, fmt.Errorf("%w: encode request: %v", relay.ErrInvalidRequest, err)
	}

	httpReq, err := http.NewRequestWithContext(withAssertion(ctx, req.Assertion.Token),
		http.MethodPost, o.baseURL+"/api/chat", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", relay.ErrUpstreamUnavailable, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.cfg.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.cfg.APIKey)
	}

	o.logger.Debug("Opening upstream stream",
		"session_id", req.SessionID,
		"model", model,
		"messages", len(messages))

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "upstream unavailable")
		return nil, fmt.Errorf("%w: %v", relay.ErrUpstreamUnavailable, err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		_ = resp.Body.Close()
		o.logger.Error("Ollama chat returned an error",
			"status_code", resp.StatusCode,
			"response", string(snippet))
		span.SetStatus(codes.Error, "upstream status")
		return nil, fmt.Errorf("%w: status %d", relay.ErrUpstreamStatus, resp.StatusCode)
	}
	return &ollamaStream{body: resp.Body, reader: bufio.NewReader(resp.Body)}, nil
}

// =============================================================================
// Stream
// =============================================================================

type ollamaStream struct {
	body   io.ReadCloser
	reader *bufio.Reader
	done   bool
	eof    bool
}

// errTruncated reports a body that ended before Ollama's done chunk.
var errTruncated = fmt.Errorf("%w: stream ended before done", relay.ErrUpstreamUnavailable)

// Recv decodes the next line. Blank lines and chunks without content yield
// "". Only a done chunk ends the stream normally; a body that ends without
// one fails with ErrUpstreamUnavailable once its last line is delivered.
func (s *ollamaStream) Recv() (string, error) {
	if s.done {
		return "", io.EOF
	}
	if s.eof {
		return "", errTruncated
	}
	line, err := s.reader.ReadBytes('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("%w: %v", relay.ErrUpstreamUnavailable, err)
	}
	if err != nil {
		s.eof = true
	}
	if len(bytes.TrimSpace(line)) == 0 {
		if s.eof {
			return "", errTruncated
		}
		return "", nil
	}

	var chunk ollamaStreamChunk
	if jerr := json.Unmarshal(line, &chunk); jerr != nil {
		return "", fmt.Errorf("%w: %v", relay.ErrMalformedFragment, jerr)
	}
	if chunk.Error != "" {
		return "", fmt.Errorf("%w: %s", relay.ErrUpstreamStatus, chunk.Error)
	}
	if chunk.Done {
		s.done = true
	}
	return chunk.Message.Content, nil
}

func (s *ollamaStream) Close() error {
	return s.body.Close()
}

// =============================================================================
// Provider selection
// =============================================================================

// Provider names accepted by NewUpstream.
const (
	ProviderOpenAI = "openai"
	ProviderOllama = "ollama"
)

// ErrUnknownProvider is returned by NewUpstream for an unsupported provider.
var ErrUnknownProvider = errors.New("llm: unknown upstream provider")

// NewUpstream returns the client for cfg.Provider. An empty provider means
// ProviderOpenAI.
func NewUpstream(cfg Config, logger *slog.Logger) (relay.Upstream, error) {
	switch cfg.Provider {
	case "", ProviderOpenAI:
		up, err := NewOpenAIUpstream(cfg, logger)
		if err != nil {
			return nil, err
		}
		return up, nil
	case ProviderOllama:
		up, err := NewOllamaUpstream(cfg, logger)
		if err != nil {
			return nil, err
		}
		return up, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, cfg.Provider)
	}
}
