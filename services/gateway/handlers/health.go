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
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/AleutianAI/embedchat/services/gateway/config"
	"github.com/AleutianAI/embedchat/services/gateway/relay"
)

// ServiceName is reported by the descriptor and health endpoints.
const ServiceName = "embedchat-gateway"

// HealthHandler serves the unauthenticated service endpoints.
type HealthHandler struct {
	version  string
	view     config.SafeView
	registry *relay.Registry
	started  time.Time
}

// NewHealthHandler creates a HealthHandler. view is already stripped of
// secrets; see config.Config.Safe.
func NewHealthHandler(version string, view config.SafeView, registry *relay.Registry) *HealthHandler {
	return &HealthHandler{
		version:  version,
		view:     view,
		registry: registry,
		started:  time.Now(),
	}
}

// HandleRoot handles GET /.
func (h *HealthHandler) HandleRoot(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"name":    ServiceName,
		"version": h.version,
		"status":  "running",
		"endpoints": gin.H{
			"health":      "/health",
			"config":      "/api/config",
			"metrics":     "/metrics",
			"chat":        "/api/chat",
			"chat_stream": "/api/chat/stream",
			"chat_ws":     "/api/chat/ws",
			"sessions":    "/api/chat/sessions",
			"token":       "/api/auth/token",
			"verify":      "/api/auth/verify",
		},
	})
}

// HandleHealth handles GET /health.
func (h *HealthHandler) HandleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":              "healthy",
		"service":             ServiceName,
		"auth_mode":           h.view.AuthMode,
		"active_sessions":     h.registry.Len(),
		"upstream_configured": h.view.UpstreamBaseURL != "",
		"uptime_seconds":      int64(time.Since(h.started).Seconds()),
	})
}

// HandleConfig handles GET /api/config.
func (h *HealthHandler) HandleConfig(c *gin.Context) {
	c.JSON(http.StatusOK, h.view)
}
