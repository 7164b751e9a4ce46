// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the gateway's HTTP and WebSocket endpoints.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/AleutianAI/embedchat/pkg/extensions"
	"github.com/AleutianAI/embedchat/services/gateway/datatypes"
	"github.com/AleutianAI/embedchat/services/gateway/middleware"
	"github.com/AleutianAI/embedchat/services/gateway/observability"
	"github.com/AleutianAI/embedchat/services/gateway/policy"
	"github.com/AleutianAI/embedchat/services/gateway/relay"
	"github.com/AleutianAI/embedchat/services/gateway/token"
)

// =============================================================================
// Constants
// =============================================================================

const (
	// DefaultKeepAliveInterval stays under the 60s idle timeout of common
	// load balancers.
	DefaultKeepAliveInterval = 15 * time.Second

	// maxRequestBodyBytes covers 100 messages of 32KB plus JSON overhead.
	maxRequestBodyBytes = 4 << 20

	actionChat      = "chat"
	resourceSession = "session"
	statusStreaming = "streaming"
	tracerName      = "embedchat.gateway.handlers"
)

// =============================================================================
// Handler
// =============================================================================

// ChatConfig wires a ChatHandler.
type ChatConfig struct {
	Relay   *relay.Relay
	Authz   extensions.AuthzProvider
	Audit   extensions.AuditLogger
	Metrics *observability.StreamingMetrics

	// Limiter gates WebSocket turns, which bypass the HTTP rate-limit
	// middleware after the upgrade. Nil disables it.
	Limiter *middleware.RateLimiter

	// Policy blocks user messages that carry secrets or personal
	// identifiers. Nil disables scanning.
	Policy *policy.Engine

	KeepAliveInterval time.Duration

	// DefaultModel is reported when a request does not name a model.
	DefaultModel string

	// AllowedOrigins gates WebSocket upgrades.
	AllowedOrigins []string

	Logger *slog.Logger
}

// ChatHandler serves chat turns over SSE, JSON and WebSocket.
//
// # Description
//
// Every turn starts a relay session carrying the caller's assertion. The
// handler owns the transport side only: request validation, authorization,
// event framing, keepalives, and the audit record written when the session
// reaches its terminal state.
//
// # Thread Safety
//
// Safe for concurrent use. Gin calls handlers from many goroutines.
type ChatHandler struct {
	relay     *relay.Relay
	authz     extensions.AuthzProvider
	audit     extensions.AuditLogger
	metrics   *observability.StreamingMetrics
	limiter   *middleware.RateLimiter
	policy    *policy.Engine
	keepAlive time.Duration
	model     string
	origins   map[string]struct{}
	logger    *slog.Logger
	now       func() time.Time

	outcomes sync.WaitGroup
}

// NewChatHandler creates a ChatHandler. Nil Authz and Audit default to the
// no-op implementations. A nil Metrics registers on a private registry.
func NewChatHandler(cfg ChatConfig) *ChatHandler {
	if cfg.Authz == nil {
		cfg.Authz = &extensions.NopAuthzProvider{}
	}
	if cfg.Audit == nil {
		cfg.Audit = &extensions.NopAuditLogger{}
	}
	if cfg.Metrics == nil {
		cfg.Metrics = observability.NewStreamingMetrics(prometheus.NewRegistry())
	}
	if cfg.KeepAliveInterval <= 0 {
		cfg.KeepAliveInterval = DefaultKeepAliveInterval
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &ChatHandler{
		relay:     cfg.Relay,
		authz:     cfg.Authz,
		audit:     cfg.Audit,
		metrics:   cfg.Metrics,
		limiter:   cfg.Limiter,
		policy:    cfg.Policy,
		keepAlive: cfg.KeepAliveInterval,
		model:     cfg.DefaultModel,
		origins:   originSet(cfg.AllowedOrigins),
		logger:    cfg.Logger.With("component", "chat_handler"),
		now:       time.Now,
	}
}

// =============================================================================
// HTTP Endpoints
// =============================================================================

// HandleChatStream handles POST /api/chat/stream.
//
// # Description
//
// Always streams, whatever the body's stream flag says.
//
// # Outputs
//
// SSE stream with events:
//   - status: carries the session id, sent before the first token
//   - token: one per model fragment, in order
//   - done | cancelled | error: exactly one, last
//
// Errors before the stream opens are JSON: 400, 401, 403, 503.
func (h *ChatHandler) HandleChatStream(c *gin.Context) {
	a, req, ok := h.prepare(c, observability.EndpointChatStream)
	if !ok {
		return
	}
	sess, ok := h.start(c, a, req, observability.EndpointChatStream)
	if !ok {
		return
	}
	h.stream(c, sess, observability.EndpointChatStream)
}

// HandleChat handles POST /api/chat.
//
// # Description
//
// Streams as SSE unless the body sets "stream": false, in which case the
// reply is collected and returned as one ChatResponse.
//
// # Outputs
//
//   - 200 ChatResponse: completed turn.
//   - 409: the session was cancelled through DELETE /api/chat/sessions/:id.
//   - 502: the model service failed; the message is sanitized.
func (h *ChatHandler) HandleChat(c *gin.Context) {
	a, req, ok := h.prepare(c, observability.EndpointChat)
	if !ok {
		return
	}
	sess, ok := h.start(c, a, req, observability.EndpointChat)
	if !ok {
		return
	}
	if req.Streaming() {
		h.stream(c, sess, observability.EndpointChat)
		return
	}

	text, err := sess.Collect(c.Request.Context())
	switch {
	case err == nil:
		c.JSON(http.StatusOK, datatypes.ChatResponse{
			Message:   datatypes.Message{Role: "assistant", Content: text},
			Model:     h.modelName(req.Model),
			User:      a.Subject,
			SessionID: sess.ID(),
		})
	case c.Request.Context().Err() != nil:
		h.metrics.RecordClientDisconnect(observability.EndpointChat)
		h.logger.Info("client went away before the reply was ready",
			"session_id", sess.ID())
	case errors.Is(err, relay.ErrCancelled):
		c.JSON(http.StatusConflict, datatypes.ErrorResponse{Error: "chat cancelled"})
	default:
		c.JSON(http.StatusBadGateway, datatypes.ErrorResponse{Error: sanitizeError(err)})
	}
}

// =============================================================================
// Shared Steps
// =============================================================================

// prepare reads the caller and the body, and checks authorization. On
// failure it has already written the response.
func (h *ChatHandler) prepare(c *gin.Context, endpoint observability.Endpoint) (*token.Assertion, datatypes.ChatRequest, bool) {
	var req datatypes.ChatRequest

	a := middleware.GetAssertion(c)
	if a == nil {
		h.reject(c, endpoint, http.StatusUnauthorized, observability.ErrorCodeUnauthorized, msgUnauthenticated)
		return nil, req, false
	}

	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxRequestBodyBytes)
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Debug("chat body rejected", "subject", a.Subject, "error", err)
		h.reject(c, endpoint, http.StatusBadRequest, observability.ErrorCodeValidation, msgInvalidRequest)
		return nil, req, false
	}
	if err := req.Validate(); err != nil {
		h.logger.Debug("chat body failed validation", "subject", a.Subject, "error", err)
		h.reject(c, endpoint, http.StatusBadRequest, observability.ErrorCodeValidation, msgInvalidRequest)
		return nil, req, false
	}

	if err := h.authorize(c.Request.Context(), a, actionChat, ""); err != nil {
		h.reject(c, endpoint, http.StatusForbidden, observability.ErrorCodeUnauthorized, msgForbidden)
		return nil, req, false
	}

	if findings := h.screen(c.Request.Context(), a, req.Messages, endpoint); len(findings) > 0 {
		h.metrics.RecordRequest(endpoint, false)
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
			"error":    msgPolicyViolation,
			"findings": findings,
		})
		return nil, req, false
	}
	return a, req, true
}

// screen runs the policy engine over the user's messages. A violation is
// counted and audited here; the caller only writes the rejection.
func (h *ChatHandler) screen(ctx context.Context, a *token.Assertion, messages []datatypes.Message, endpoint observability.Endpoint) []policy.Finding {
	if h.policy == nil {
		return nil
	}
	findings := h.policy.ScanMessages(messages)
	if len(findings) == 0 {
		return nil
	}

	patterns := make([]string, 0, len(findings))
	for _, f := range findings {
		patterns = append(patterns, f.PatternID)
	}
	h.metrics.RecordError(endpoint, observability.ErrorCodePolicyViolation)
	h.logger.Warn("chat blocked by policy",
		"subject", a.Subject,
		"endpoint", endpoint,
		"patterns", patterns)
	h.logAudit(ctx, extensions.AuditEvent{
		EventType:    extensions.EventPolicyViolation,
		Subject:      a.Subject,
		Action:       actionChat,
		ResourceType: resourceSession,
		Outcome:      "failure",
		Metadata: map[string]any{
			"endpoint":       string(endpoint),
			"classification": findings[0].Classification,
			"patterns":       patterns,
			"trust_mode":     a.IssuedVia.TrustMode().String(),
		},
	})
	return findings
}

func (h *ChatHandler) authorize(ctx context.Context, a *token.Assertion, action, resourceID string) error {
	err := h.authz.Authorize(ctx, extensions.AuthzRequest{
		Caller:       a.Caller(),
		Action:       action,
		ResourceType: resourceSession,
		ResourceID:   resourceID,
	})
	if err != nil {
		h.logger.Warn("authorization denied",
			"subject", a.Subject,
			"action", action,
			"error", err)
	}
	return err
}

// start opens a relay session and schedules its audit record.
func (h *ChatHandler) start(c *gin.Context, a *token.Assertion, req datatypes.ChatRequest, endpoint observability.Endpoint) (*relay.Session, bool) {
	sess, err := h.relay.Start(c.Request.Context(), relay.Request{
		Messages:  req.Messages,
		Model:     req.Model,
		Assertion: a,
	})
	if err != nil {
		status, msg := http.StatusInternalServerError, msgGenericError
		code := observability.ErrorCodeInternal
		if errors.Is(err, relay.ErrRegistryClosed) {
			status, msg = http.StatusServiceUnavailable, msgShuttingDown
		}
		h.logger.Error("failed to start session", "subject", a.Subject, "error", err)
		h.reject(c, endpoint, status, code, msg)
		return nil, false
	}

	h.trackOutcome(context.WithoutCancel(c.Request.Context()), sess, a, endpoint)
	return sess, true
}

// stream writes the session to c as SSE.
func (h *ChatHandler) stream(c *gin.Context, sess *relay.Session, endpoint observability.Endpoint) {
	SetSSEHeaders(c.Writer)
	c.Status(http.StatusOK)

	w := NewSSEWriter(c.Writer)
	if err := w.WriteStatus(sess.ID(), statusStreaming); err != nil {
		sess.Cancel(relay.CauseSinkError)
		h.logger.Warn("failed to open event stream", "session_id", sess.ID(), "error", err)
		return
	}

	stop := h.startKeepAlive(w, endpoint)
	err := sess.Deliver(c.Request.Context(), sseSink{w: w, sessionID: sess.ID()})
	stop()

	if err != nil {
		if c.Request.Context().Err() != nil {
			h.metrics.RecordClientDisconnect(endpoint)
			h.logger.Info("client disconnected mid-stream", "session_id", sess.ID())
			return
		}
		h.logger.Warn("event stream write failed", "session_id", sess.ID(), "error", err)
	}
}

// startKeepAlive pings w until the returned stop func is called. stop
// waits for the ticker goroutine so no write follows the handler's return.
func (h *ChatHandler) startKeepAlive(w SSEWriter, endpoint observability.Endpoint) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(h.keepAlive)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				if err := w.WriteKeepAlive(); err != nil {
					return
				}
				h.metrics.RecordKeepAlive(endpoint)
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// trackOutcome runs recordOutcome in the background; WaitOutcomes waits for
// it.
func (h *ChatHandler) trackOutcome(ctx context.Context, sess *relay.Session, a *token.Assertion, endpoint observability.Endpoint) {
	h.outcomes.Add(1)
	go func() {
		defer h.outcomes.Done()
		h.recordOutcome(ctx, sess, a, endpoint)
	}()
}

// WaitOutcomes blocks until every started session's metric and audit
// record is written, or ctx ends.
func (h *ChatHandler) WaitOutcomes(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		h.outcomes.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// recordOutcome waits for the session's terminal state, then records the
// request metric and the audit event.
func (h *ChatHandler) recordOutcome(ctx context.Context, sess *relay.Session, a *token.Assertion, endpoint observability.Endpoint) {
	_, span := otel.Tracer(tracerName).Start(ctx, "chat.session")
	defer span.End()

	<-sess.Done()

	state, err := sess.State(), sess.Err()
	span.SetAttributes(
		attribute.String("session.id", sess.ID()),
		attribute.String("session.state", state.String()),
		attribute.Int("session.fragments", sess.Fragments()),
		attribute.Int("session.attempts", sess.Attempts()),
	)

	eventType, outcome := extensions.EventChatCompleted, "success"
	meta := map[string]any{
		"endpoint":   string(endpoint),
		"model":      h.modelName(sess.Model()),
		"fragments":  sess.Fragments(),
		"attempts":   sess.Attempts(),
		"trust_mode": a.IssuedVia.TrustMode().String(),
	}
	switch state {
	case relay.StateCancelled:
		eventType, outcome = extensions.EventChatCancelled, "cancelled"
	case relay.StateFailed:
		eventType, outcome = extensions.EventChatFailed, "failure"
		code := observability.ErrorCodeFor(err)
		meta["error_code"] = string(code)
		h.metrics.RecordError(endpoint, code)
		span.SetStatus(codes.Error, string(code))
	}
	h.metrics.RecordRequest(endpoint, state == relay.StateCompleted)

	h.logAudit(ctx, extensions.AuditEvent{
		EventType:    eventType,
		Subject:      a.Subject,
		Action:       actionChat,
		ResourceType: resourceSession,
		ResourceID:   sess.ID(),
		Outcome:      outcome,
		Metadata:     meta,
	})
}

func (h *ChatHandler) modelName(requested string) string {
	if requested != "" {
		return requested
	}
	return h.model
}

// reject writes a JSON error and counts it.
func (h *ChatHandler) reject(c *gin.Context, endpoint observability.Endpoint, status int, code observability.ErrorCode, msg string) {
	h.metrics.RecordError(endpoint, code)
	h.metrics.RecordRequest(endpoint, false)
	c.AbortWithStatusJSON(status, datatypes.ErrorResponse{Error: msg})
}

// logAudit writes ev and logs on failure. Audit writes never fail a request.
func (h *ChatHandler) logAudit(ctx context.Context, ev extensions.AuditEvent) {
	if err := h.audit.Log(ctx, ev); err != nil {
		h.logger.Warn("audit write failed",
			"event_type", ev.EventType,
			"subject", ev.Subject,
			"error", err)
	}
}
