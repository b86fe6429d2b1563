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
	"log/slog"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/triagebackend/consult/services/hub"
	"github.com/triagebackend/consult/services/hub/handlers"
	"github.com/triagebackend/consult/services/replay"
	"github.com/triagebackend/consult/services/repository"
)

// SetupRoutes wires the Hub's WebSocket endpoint and its administrative
// HTTP surface onto router.
func SetupRoutes(router *gin.Engine, h *hub.Hub, repo repository.Repository, replayer *replay.Replayer, turnCfg handlers.TURNConfig, ratePerMinute int, logger *slog.Logger) {
	router.GET("/health", handlers.HealthCheck)
	router.GET("/metrics", gin.WrapH(promhttp.Handler()))
	router.GET("/ws", handlers.HandleWebSocket(h, ratePerMinute, logger))
	router.GET("/rooms", handlers.ListRooms(h))
	router.GET("/turn-credentials", handlers.TurnCredentials(turnCfg))

	v1 := router.Group("/v1")
	{
		sessions := v1.Group("/sessions")
		{
			sessions.GET("", handlers.ListSessions(repo, logger))
			sessions.DELETE("/:sessionId", handlers.DeleteSession(repo, logger))
			sessions.POST("/replay", handlers.ReplaySessions(replayer, repo, logger))
		}
	}
}
