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

	"github.com/gin-gonic/gin"

	"github.com/triagebackend/consult/services/hub"
	"github.com/triagebackend/consult/services/replay"
	"github.com/triagebackend/consult/services/repository"
)

// HealthCheck reports process liveness.
func HealthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// ListRooms returns every active room and its current peer list as a bare
// array: one entry per room, each carrying its peer count and roster.
func ListRooms(h *hub.Hub) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.JSON(http.StatusOK, h.Rooms())
	}
}

// ICEServer mirrors the subset of an RTCIceServer the browser peer
// connection needs to reach a TURN relay.
type ICEServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// TURNConfig is the set of env vars TurnCredentials reads. Left unset, the
// endpoint returns an empty server list, meaning only host/srflx candidates
// are available and relayed calls will not connect.
type TURNConfig struct {
	URL        string
	Username   string
	Credential string
}

// TurnCredentials serves the WebRTC ICE server list a browser peer needs to
// traverse NATs, sourced from statically configured TURN env vars.
func TurnCredentials(cfg TURNConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		servers := []ICEServer{}
		if cfg.URL != "" {
			servers = append(servers, ICEServer{
				URLs:       []string{cfg.URL},
				Username:   cfg.Username,
				Credential: cfg.Credential,
			})
		}
		c.JSON(http.StatusOK, gin.H{"ice_servers": servers})
	}
}

// ListSessions surfaces the persisted session summaries for operator
// visibility, generalized from a Weaviate-backed endpoint of
// the same name to the session/turn repository abstraction.
func ListSessions(repo repository.Repository, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		sessions, err := repo.ListSessions(c.Request.Context())
		if err != nil {
			logger.Error("failed to list sessions", slog.Any("error", err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list sessions"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"sessions": sessions})
	}
}

// DeleteSession removes a session's persisted turns and results.
func DeleteSession(repo repository.Repository, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		sessionID := c.Param("sessionId")
		if err := repo.DeleteSession(c.Request.Context(), sessionID); err != nil {
			logger.Error("failed to delete session", slog.String("session_id", sessionID), slog.Any("error", err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete session"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"status": "success", "deleted_session_id": sessionID})
	}
}

// replaySessionsRequest is the body ReplaySessions binds: a batch of
// session IDs to re-run through the analysis graph.
type replaySessionsRequest struct {
	SessionIDs []string `json:"session_ids" binding:"required,min=1"`
}

// ReplaySessions re-runs each named session's persisted turn history
// through the analysis graph, bounded to r's configured concurrency, and
// returns one result per session. Used for backfill after a prompt or node
// change, without requiring the original peers to reconnect.
func ReplaySessions(r *replay.Replayer, repo repository.Repository, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		var req replaySessionsRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		results := r.ReplaySessions(c.Request.Context(), repo, req.SessionIDs)
		for _, res := range results {
			if res.Error != "" {
				logger.Warn("session replay failed", slog.String("session_id", res.SessionID), slog.String("error", res.Error))
			}
		}
		c.JSON(http.StatusOK, gin.H{"results": results})
	}
}
