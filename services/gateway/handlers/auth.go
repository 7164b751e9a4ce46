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
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/AleutianAI/embedchat/pkg/extensions"
	"github.com/AleutianAI/embedchat/services/gateway/datatypes"
	"github.com/AleutianAI/embedchat/services/gateway/middleware"
	"github.com/AleutianAI/embedchat/services/gateway/observability"
	"github.com/AleutianAI/embedchat/services/gateway/token"
)

// AuthHandler issues and introspects identity assertions.
type AuthHandler struct {
	issuer  *token.Issuer
	auth    extensions.AuthProvider
	audit   extensions.AuditLogger
	metrics *observability.StreamingMetrics
	logger  *slog.Logger
}

// NewAuthHandler creates an AuthHandler. auth is normally the token
// Verifier; audit and metrics may be nil.
func NewAuthHandler(issuer *token.Issuer, auth extensions.AuthProvider, audit extensions.AuditLogger,
	metrics *observability.StreamingMetrics, logger *slog.Logger) *AuthHandler {

	if audit == nil {
		audit = &extensions.NopAuditLogger{}
	}
	if metrics == nil {
		metrics = observability.NewStreamingMetrics(prometheus.NewRegistry())
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &AuthHandler{
		issuer:  issuer,
		auth:    auth,
		audit:   audit,
		metrics: metrics,
		logger:  logger.With("component", "auth_handler"),
	}
}

// HandleIssueToken handles POST /api/auth/token.
//
// # Description
//
// Returns a fresh assertion for the identity IdentityMiddleware established.
// The widget calls this on load and again shortly before ExpiresAt; calling
// with a still-valid bearer renews it without re-resolving identity.
//
// # Outputs
//
//   - 200 TokenResponse.
//   - 401: no identity.
//   - 500: signing failed.
func (h *AuthHandler) HandleIssueToken(c *gin.Context) {
	current := middleware.GetAssertion(c)
	if current == nil {
		c.JSON(http.StatusUnauthorized, datatypes.ErrorResponse{Error: msgUnauthenticated})
		return
	}

	a, err := h.issuer.Issue(current.Identity())
	if err != nil {
		h.logger.Error("failed to issue assertion", "subject", current.Subject, "error", err)
		c.JSON(http.StatusInternalServerError, datatypes.ErrorResponse{Error: msgGenericError})
		return
	}

	trustMode := a.IssuedVia.TrustMode().String()
	if err := h.audit.Log(c.Request.Context(), extensions.AuditEvent{
		EventType:    extensions.EventTokenIssued,
		Subject:      a.Subject,
		Action:       "issue",
		ResourceType: "assertion",
		ResourceID:   a.ID,
		Outcome:      "success",
		Metadata: map[string]any{
			"trust_mode": trustMode,
			"issued_via": a.IssuedVia.String(),
			"expires_at": a.ExpiresAt,
		},
	}); err != nil {
		h.logger.Warn("audit write failed", "event_type", extensions.EventTokenIssued, "error", err)
	}

	c.JSON(http.StatusOK, datatypes.TokenResponse{
		Token:       a.Token,
		TokenType:   "Bearer",
		Subject:     a.Subject,
		DisplayName: a.DisplayName,
		TrustMode:   trustMode,
		ExpiresAt:   a.ExpiresAt,
		ExpiresIn:   int64(h.issuer.TTL().Seconds()),
	})
}

// verifyRequest is the optional JSON body of the verify endpoint.
type verifyRequest struct {
	Token string `json:"token"`
}

// HandleVerify handles POST /api/auth/verify.
//
// # Description
//
// Token introspection for downstream services that receive an assertion
// and want the gateway to vouch for it. The token comes from the
// Authorization header or a {"token": "..."} body. An invalid token is not
// an error of this endpoint: the answer is 200 with active=false.
//
// # Outputs
//
//   - 200 VerifyResponse.
//   - 400: no token supplied.
func (h *AuthHandler) HandleVerify(c *gin.Context) {
	raw := bearerToken(c.GetHeader("Authorization"))
	if raw == "" {
		var body verifyRequest
		if err := c.ShouldBindJSON(&body); err == nil {
			raw = strings.TrimSpace(body.Token)
		}
	}
	if raw == "" {
		c.JSON(http.StatusBadRequest, datatypes.ErrorResponse{Error: "token required"})
		return
	}

	caller, err := h.auth.Validate(c.Request.Context(), raw)
	h.metrics.RecordTokenVerification(err)
	if err != nil {
		h.logger.Info("introspection rejected token", "error", err)
		c.JSON(http.StatusOK, datatypes.VerifyResponse{Active: false})
		return
	}

	c.JSON(http.StatusOK, datatypes.VerifyResponse{
		Active:      true,
		Subject:     caller.Subject,
		DisplayName: caller.DisplayName,
		TrustMode:   caller.TrustMode,
		AssertionID: caller.AssertionID,
	})
}

func bearerToken(header string) string {
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}
	return ""
}
