// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package routes

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/AleutianAI/embedchat/services/gateway/handlers"
)

// Deps is everything SetupRoutes wires.
type Deps struct {
	Chat   *handlers.ChatHandler
	Auth   *handlers.AuthHandler
	Health *handlers.HealthHandler

	// Identity resolves the caller and attaches an assertion. Required on
	// every /api route except /api/config and /api/auth/verify.
	Identity gin.HandlerFunc

	// RateLimit gates chat turns. Nil disables it.
	RateLimit gin.HandlerFunc

	// Metrics serves /metrics. Nil uses promhttp.Handler().
	Metrics http.Handler
}

// SetupRoutes registers the gateway's endpoints on router.
func SetupRoutes(router *gin.Engine, d Deps) {
	metrics := d.Metrics
	if metrics == nil {
		metrics = promhttp.Handler()
	}
	turn := []gin.HandlerFunc{d.Identity}
	if d.RateLimit != nil {
		turn = append(turn, d.RateLimit)
	}
	with := func(chain []gin.HandlerFunc, h gin.HandlerFunc) []gin.HandlerFunc {
		return append(append([]gin.HandlerFunc(nil), chain...), h)
	}

	router.GET("/", d.Health.HandleRoot)
	router.GET("/health", d.Health.HandleHealth)
	router.GET("/metrics", gin.WrapH(metrics))

	api := router.Group("/api")
	{
		api.GET("/config", d.Health.HandleConfig)

		auth := api.Group("/auth")
		{
			auth.POST("/verify", d.Auth.HandleVerify)
			auth.POST("/token", d.Identity, d.Auth.HandleIssueToken)
		}

		// WebSocket turns are limited per frame inside the handler.
		chat := api.Group("/chat")
		{
			chat.POST("", with(turn, d.Chat.HandleChat)...)
			chat.POST("/stream", with(turn, d.Chat.HandleChatStream)...)
			chat.GET("/ws", d.Identity, d.Chat.HandleWebSocket)
			chat.GET("/sessions", d.Identity, d.Chat.HandleListSessions)
			chat.DELETE("/sessions/:id", d.Identity, d.Chat.HandleCancelSession)
		}
	}
}
