// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package middleware provides HTTP middleware for the chat gateway.
//
// # Identity Flow
//
// Every chat request carries a signed assertion by the time it reaches a
// handler. It either arrives with one or gets one here:
//
//	Request
//	   │
//	   ▼
//	IdentityMiddleware
//	   │
//	   ├─► "Authorization: Bearer <assertion>" present?
//	   │       ├─► Resolver.CheckMode (other mode's signal → 401)
//	   │       └─► Verifier.Verify (invalid or other mode → 401)
//	   │
//	   ├─► else Resolver.Resolve (missing / mismatch → 401)
//	   │       └─► Issuer.Issue
//	   │
//	   └─► Store *token.Assertion in context
//	           │
//	           ▼
//	       RateLimitMiddleware (per subject) → Handler (GetAssertion)
//
// Rejections happen before any upstream call and are audited.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/embedchat/pkg/extensions"
	"github.com/AleutianAI/embedchat/services/gateway/identity"
	"github.com/AleutianAI/embedchat/services/gateway/observability"
	"github.com/AleutianAI/embedchat/services/gateway/token"
)

// =============================================================================
// Context Keys
// =============================================================================

// assertionKey is the gin context key for the caller's assertion.
const assertionKey = "embedchat_assertion"

// SetAssertion stores the caller's verified assertion.
func SetAssertion(c *gin.Context, a *token.Assertion) {
	c.Set(assertionKey, a)
}

// GetAssertion returns the caller's assertion, or nil if the request did not
// pass IdentityMiddleware.
//
// # Thread Safety
//
// Safe to call concurrently (gin context is request-scoped).
func GetAssertion(c *gin.Context) *token.Assertion {
	if v, exists := c.Get(assertionKey); exists {
		if a, ok := v.(*token.Assertion); ok {
			return a
		}
	}
	return nil
}

// =============================================================================
// Identity Middleware
// =============================================================================

// IdentityConfig wires IdentityMiddleware.
type IdentityConfig struct {
	Resolver *identity.Resolver
	Issuer   *token.Issuer
	Verifier *token.Verifier

	// Audit receives identity.resolved / identity.rejected / token.rejected
	// events. Nil disables auditing.
	Audit extensions.AuditLogger

	// Metrics is optional.
	Metrics *observability.StreamingMetrics

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

// Client-visible rejection messages. Never echo the underlying error.
const (
	msgIdentityRequired = "identity required"
	msgModeMismatch     = "identity signal not accepted in this deployment mode"
	msgInvalidAssertion = "invalid or expired identity assertion"
	msgIssueFailed      = "could not establish identity"
)

// IdentityMiddleware authenticates the caller and attaches an assertion.
//
// # Description
//
// A request presenting "Authorization: Bearer <assertion>" is verified
// against the signing secret; a valid assertion is used as is, so a widget
// can reuse the token returned by /api/auth/token. The bearer path still
// refuses a request carrying the other mode's signal, and an assertion
// issued under a different trust mode than this process runs. Any other
// request is resolved from its trust signal (client certificate or, in
// development, the override) and issued a fresh assertion.
//
// # Inputs
//
//   - cfg: Resolver, Issuer and Verifier are required.
//
// # Outputs
//
//   - gin.HandlerFunc: aborts with 401 {"error": ...} on any identity
//     failure, 500 if signing fails.
//
// # Thread Safety
//
// Thread-safe. The returned middleware can be used concurrently.
func IdentityMiddleware(cfg IdentityConfig) gin.HandlerFunc {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With(slog.String("component", "identity_middleware"))
	audit := cfg.Audit
	if audit == nil {
		audit = &extensions.NopAuditLogger{}
	}

	return func(c *gin.Context) {
		ctx := c.Request.Context()

		rejectIdentity := func(err error) {
			msg := msgIdentityRequired
			if errors.Is(err, identity.ErrModeMismatch) {
				msg = msgModeMismatch
			}
			logger.Warn("identity rejected",
				slog.String("mode", cfg.Resolver.Mode().String()),
				slog.String("path", c.FullPath()),
				slog.String("error", err.Error()))
			logAudit(ctx, logger, audit, extensions.AuditEvent{
				EventType:    extensions.EventIdentityRejected,
				Action:       "resolve",
				ResourceType: "identity",
				Outcome:      "failure",
				Metadata: map[string]any{
					"mode":   cfg.Resolver.Mode().String(),
					"reason": rejectionReason(err),
				},
			})
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
		}

		if raw := extractBearerToken(c); raw != "" {
			// The bearer does not exempt the request from the mode's signal
			// rules.
			if err := cfg.Resolver.CheckMode(c.Request); err != nil {
				if cfg.Metrics != nil {
					cfg.Metrics.RecordIdentity("", err)
				}
				rejectIdentity(err)
				return
			}

			a, err := cfg.Verifier.Verify(raw)
			if cfg.Metrics != nil {
				cfg.Metrics.RecordTokenVerification(err)
			}
			if err == nil && a.IssuedVia.TrustMode() != cfg.Resolver.Mode() {
				err = fmt.Errorf("%w: assertion issued via %s", identity.ErrModeMismatch, a.IssuedVia)
			}
			if err != nil {
				msg := msgInvalidAssertion
				if errors.Is(err, identity.ErrModeMismatch) {
					msg = msgModeMismatch
				}
				logger.Warn("assertion rejected",
					slog.String("path", c.FullPath()),
					slog.String("error", err.Error()))
				logAudit(ctx, logger, audit, extensions.AuditEvent{
					EventType:    extensions.EventTokenRejected,
					Action:       "verify",
					ResourceType: "assertion",
					Outcome:      "failure",
					Metadata:     map[string]any{"reason": rejectionReason(err)},
				})
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
				return
			}
			SetAssertion(c, a)
			c.Next()
			return
		}

		id, err := cfg.Resolver.Resolve(c.Request)
		if cfg.Metrics != nil {
			cfg.Metrics.RecordIdentity(trustModeOf(id, err), err)
		}
		if err != nil {
			rejectIdentity(err)
			return
		}

		a, err := cfg.Issuer.Issue(id)
		if err != nil {
			logger.Error("assertion issue failed",
				slog.String("subject", id.Subject),
				slog.String("error", err.Error()))
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": msgIssueFailed})
			return
		}

		logAudit(ctx, logger, audit, extensions.AuditEvent{
			EventType:    extensions.EventIdentityResolved,
			Subject:      a.Subject,
			Action:       "resolve",
			ResourceType: "assertion",
			ResourceID:   a.ID,
			Outcome:      "success",
			Metadata: map[string]any{
				"trust_mode": id.IssuedVia.TrustMode().String(),
				"issued_via": id.IssuedVia.String(),
			},
		})
		logger.Debug("identity resolved",
			slog.String("subject", a.Subject),
			slog.String("issued_via", id.IssuedVia.String()))

		SetAssertion(c, a)
		c.Next()
	}
}

// =============================================================================
// Helper Functions
// =============================================================================

// extractBearerToken returns the token from "Authorization: Bearer <token>",
// or "" if the header is missing or uses another scheme. The scheme is
// case-insensitive per RFC 7235.
func extractBearerToken(c *gin.Context) string {
	authHeader := c.GetHeader("Authorization")
	if authHeader == "" {
		return ""
	}
	parts := strings.SplitN(authHeader, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func trustModeOf(id identity.Identity, err error) string {
	if err != nil {
		return ""
	}
	return id.IssuedVia.TrustMode().String()
}

// rejectionReason is a stable, secret-free label for audit metadata.
func rejectionReason(err error) string {
	switch {
	case errors.Is(err, identity.ErrModeMismatch):
		return "mode_mismatch"
	case errors.Is(err, identity.ErrMissingIdentity):
		return "missing_identity"
	case errors.Is(err, token.ErrExpired):
		return "expired"
	case errors.Is(err, token.ErrBadSignature):
		return "bad_signature"
	default:
		return "other"
	}
}

func logAudit(ctx context.Context, logger *slog.Logger, audit extensions.AuditLogger, ev extensions.AuditEvent) {
	if err := audit.Log(ctx, ev); err != nil {
		logger.Warn("audit write failed",
			slog.String("event_type", ev.EventType),
			slog.String("error", err.Error()))
	}
}
