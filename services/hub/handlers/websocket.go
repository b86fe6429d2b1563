// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package handlers implements the Hub's HTTP and WebSocket surface: one
// reader goroutine and one writer goroutine per peer, fed by and feeding
// into the Hub's room/peer registry.
package handlers

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/triagebackend/consult/services/datatypes"
	"github.com/triagebackend/consult/services/hub"
	"github.com/triagebackend/consult/services/triageerr"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4 * 1024,
	WriteBufferSize: 4 * 1024,
}

// peerConn binds one WebSocket connection to its Hub-side Peer. The reader
// goroutine owns ws.ReadJSON; once the peer has joined, the writer
// goroutine owns ws.WriteJSON, matching the single-writer requirement.
// Before the join no writer exists and the reader writes directly (send).
type peerConn struct {
	h        *hub.Hub
	ws       *websocket.Conn
	logger   *slog.Logger
	peerID   string
	limiter  *rate.Limiter
	joined   bool
	peer     *hub.Peer
	leaveSet sync.Once
}

// HandleWebSocket upgrades the HTTP connection and runs the peer's
// reader/writer pair until disconnect, at which point it performs the same
// LEAVE as an explicit leave message.
func HandleWebSocket(h *hub.Hub, ratePerMinute int, logger *slog.Logger) gin.HandlerFunc {
	if logger == nil {
		logger = slog.Default()
	}
	return func(c *gin.Context) {
		ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			logger.Error("websocket upgrade failed", slog.Any("error", err))
			return
		}
		defer ws.Close()

		limiter := newPeerLimiter(ratePerMinute)
		pc := &peerConn{h: h, ws: ws, logger: logger, peerID: uuid.NewString(), limiter: limiter}

		readLoop(pc)
		pc.doLeave()
	}
}

// newPeerLimiter builds a token bucket allowing ratePerMinute events per
// minute with a burst equal to the full allowance, so a peer can send a
// quick burst of signaling messages without being throttled mid-handshake.
// ratePerMinute <= 0 disables the limit.
func newPeerLimiter(ratePerMinute int) *rate.Limiter {
	if ratePerMinute <= 0 {
		return nil
	}
	perSecond := float64(ratePerMinute) / 60.0
	return rate.NewLimiter(rate.Limit(perSecond), ratePerMinute)
}

func (pc *peerConn) doLeave() {
	pc.leaveSet.Do(func() {
		if !pc.joined {
			return
		}
		if err := pc.h.Leave(pc.peerID); err != nil {
			pc.logger.Warn("leave on disconnect failed", slog.String("peer_id", pc.peerID), slog.Any("error", err))
		}
	})
}

// readLoop drains inbound frames and dispatches them. It also starts the
// writer goroutine once the peer has joined a room, since only then does a
// Peer (and its outbound channel) exist.
func readLoop(pc *peerConn) {
	var writerWG sync.WaitGroup
	defer writerWG.Wait()

	for {
		var env hub.Envelope
		if err := pc.ws.ReadJSON(&env); err != nil {
			if !isCleanClose(err) {
				pc.logger.Info("peer disconnected", slog.String("peer_id", pc.peerID), slog.Any("error", err))
			}
			// Leave before the deferred writerWG.Wait: writePump only exits
			// once Leave closes the peer's outbound channel.
			pc.doLeave()
			return
		}

		if pc.limiter != nil && !pc.limiter.Allow() {
			writeErrorDirect(pc, "overloaded", "rate limit exceeded")
			continue
		}

		if pc.dispatch(env, &writerWG) {
			return
		}
	}
}

// dispatch handles one inbound envelope. Returns true if the connection
// should be torn down (explicit leave).
func (pc *peerConn) dispatch(env hub.Envelope, writerWG *sync.WaitGroup) bool {
	switch env.Type {
	case hub.KindJoin:
		pc.handleJoin(env, writerWG)
	case hub.KindLeave:
		pc.doLeave()
		return true
	case hub.KindOffer, hub.KindAnswer, hub.KindICE:
		pc.handleRoute(env)
	case hub.KindTranscript:
		pc.handleTranscript(env)
	default:
		writeErrorDirect(pc, "bad_request", "unknown message type")
	}
	return false
}

func (pc *peerConn) handleJoin(env hub.Envelope, writerWG *sync.WaitGroup) {
	if pc.joined {
		writeErrorDirect(pc, "bad_request", "already joined a room")
		return
	}
	if env.Room == "" {
		writeErrorDirect(pc, "bad_request", "room is required")
		return
	}

	role := datatypes.RoleCustomer
	if env.Role == string(datatypes.RoleAgent) {
		role = datatypes.RoleAgent
	}

	peer, existing, err := pc.h.Join(context.Background(), env.Room, pc.peerID, env.Nickname, role)
	if err != nil {
		writeErrorDirect(pc, triageerr.Code(err), err.Error())
		return
	}
	pc.joined = true
	pc.peer = peer

	peerInfos := make([]hub.PeerInfo, len(existing))
	copy(peerInfos, existing)

	// Queue the "joined" ack on the peer's own outbound channel, then start
	// its writer: that keeps every write to this socket going through the
	// single writer goroutine (gorilla/websocket forbids concurrent writes),
	// while still guaranteeing "joined" is the first frame delivered.
	_ = peer.Send(hub.Envelope{Type: hub.KindJoined, PeerID: pc.peerID, Room: env.Room, Peers: peerInfos})

	writerWG.Add(1)
	go func() {
		defer writerWG.Done()
		writePump(pc, peer)
	}()
}

func (pc *peerConn) handleRoute(env hub.Envelope) {
	if !pc.joined {
		writeErrorDirect(pc, "bad_request", "join a room before signaling")
		return
	}
	if err := pc.h.Route(pc.peerID, env); err != nil {
		writeErrorDirect(pc, triageerr.Code(err), err.Error())
	}
}

func (pc *peerConn) handleTranscript(env hub.Envelope) {
	if !pc.joined {
		writeErrorDirect(pc, "bad_request", "join a room before sending transcripts")
		return
	}
	if err := env.Validate(); err != nil {
		writeErrorDirect(pc, "bad_request", err.Error())
		return
	}

	ts := time.UnixMilli(env.Timestamp)
	if env.Timestamp == 0 {
		ts = time.Now().UTC()
	}
	if err := pc.h.DeliverTranscript(pc.peerID, env.Text, ts, env.Confidence); err != nil {
		writeErrorDirect(pc, triageerr.Code(err), err.Error())
	}
}

// writePump is the peer's single writer: it owns ws.WriteJSON for the
// lifetime of the peer, draining the Hub-side outbound channel until the
// Hub closes it (on Leave) or a write fails.
func writePump(pc *peerConn, peer *hub.Peer) {
	for env := range peer.Outbound() {
		if err := pc.ws.WriteJSON(env); err != nil {
			pc.logger.Warn("write to peer failed, dropping connection",
				slog.String("peer_id", pc.peerID), slog.Any("error", err))
			return
		}
	}
}

// send writes directly from the reader goroutine. Only safe before a peer
// has joined, since no writer goroutine exists yet at that point; once
// handleJoin returns, every further write to this socket must go through
// the peer's own outbound channel and writePump instead.
func (pc *peerConn) send(env hub.Envelope) {
	if env.Type == "" {
		return
	}
	if err := pc.ws.WriteJSON(env); err != nil {
		pc.logger.Warn("direct send failed", slog.String("peer_id", pc.peerID), slog.Any("error", err))
	}
}

// writeErrorDirect delivers an error envelope to the peer. Before a join
// has succeeded there is no writer goroutine yet, so the reader goroutine
// writes directly; afterward the envelope is queued on the peer's own
// outbound channel so writePump remains the socket's sole writer.
func writeErrorDirect(pc *peerConn, code, message string) {
	env := hub.ErrorEnvelope(code, message)
	if pc.joined && pc.peer != nil {
		_ = pc.peer.Send(env)
		return
	}
	pc.send(env)
}

func isCleanClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) || errors.Is(err, websocket.ErrCloseSent)
}
