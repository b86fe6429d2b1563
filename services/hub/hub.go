// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package hub

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/triagebackend/consult/services/agent"
	"github.com/triagebackend/consult/services/datatypes"
	"github.com/triagebackend/consult/services/triageerr"
)

// AgentFactory builds the per-room agent for a newly created room, wiring
// its PublishFunc to whatever delivery mechanism the caller wants (the Hub
// passes one that fans agent-result envelopes out to the room's peers).
type AgentFactory func(ctx context.Context, roomName string, publish agent.PublishFunc) *agent.RoomAgent

// RoomSummary is the shape returned by GET /rooms.
type RoomSummary struct {
	Room      string     `json:"room"`
	PeerCount int        `json:"peer_count"`
	Peers     []PeerInfo `json:"peers"`
}

// Hub maintains rooms and peers, routes signaling messages between peers,
// and delivers transcripts to the matching Room Agent. The rooms map and
// its reverse peer index are the only state it owns exclusively; each Room
// owns its own peer set.
type Hub struct {
	logger       *slog.Logger
	newRoomAgent AgentFactory

	mu         sync.RWMutex
	rooms      map[string]*Room
	peerToRoom map[string]string

	metrics *metrics
}

// New constructs a Hub. newRoomAgent is called each time a room is
// created: on the first join to a room name, and again on a later join
// after the room was destroyed.
func New(newRoomAgent AgentFactory, logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:       logger,
		newRoomAgent: newRoomAgent,
		rooms:        make(map[string]*Room),
		peerToRoom:   make(map[string]string),
		metrics:      newMetrics(),
	}
}

// Join creates the room if absent, registers the peer, broadcasts
// PEER-JOINED to the room's other peers, and returns the new peer plus the
// current peer list (excluding itself) for the "joined" reply.
func (h *Hub) Join(ctx context.Context, roomName, peerID, nickname string, role datatypes.Role) (*Peer, []PeerInfo, error) {
	if roomName == "" || peerID == "" {
		return nil, nil, fmt.Errorf("%w: room and peer id are required", triageerr.ErrBadRequest)
	}
	if nickname == "" {
		nickname = peerID
	}

	h.mu.Lock()
	if _, exists := h.peerToRoom[peerID]; exists {
		h.mu.Unlock()
		return nil, nil, fmt.Errorf("%w: peer %s already joined a room", triageerr.ErrBadRequest, peerID)
	}

	room, ok := h.rooms[roomName]
	if !ok {
		room = h.createRoomLocked(ctx, roomName)
	}
	h.peerToRoom[peerID] = roomName
	h.mu.Unlock()

	peer := newPeer(peerID, nickname, role)
	existing := room.peerList("")
	room.addPeer(peer)
	h.metrics.setPeerCount(h.activeRoomCount(), h.totalPeerCount())

	room.broadcast(Envelope{Type: KindPeerJoined, PeerID: peerID, Nickname: nickname, Room: roomName}, peerID,
		func(id string, err error) {
			h.logger.Warn("failed to broadcast peer-joined", slog.String("peer_id", id), slog.Any("error", err))
		})

	return peer, existing, nil
}

// createRoomLocked builds a new Room and its Room Agent. Caller must hold h.mu.
func (h *Hub) createRoomLocked(ctx context.Context, roomName string) *Room {
	roomCtx, cancel := context.WithCancel(ctx)
	publish := func(ctx context.Context, result datatypes.AnalysisResult) {
		h.publishResult(roomName, result)
	}
	roomAgent := h.newRoomAgent(roomCtx, roomName, publish)
	roomAgent.Start(roomCtx)

	room := newRoom(roomName, roomAgent, cancel)
	h.rooms[roomName] = room
	h.logger.Info("room created", slog.String("room", roomName))
	return room
}

// publishResult fans an analysis result out to every current peer of the
// room as an agent-result envelope. If the room no longer exists (torn
// down while the graph was in flight) the result is dropped and logged,
// never propagated elsewhere.
func (h *Hub) publishResult(roomName string, result datatypes.AnalysisResult) {
	h.mu.RLock()
	room, ok := h.rooms[roomName]
	h.mu.RUnlock()
	if !ok {
		h.logger.Warn("dropping analysis result for destroyed room",
			slog.String("room", roomName), slog.String("kind", string(result.Kind)))
		return
	}
	env := Envelope{
		Type:       KindAgentResult,
		Room:       roomName,
		ResultKind: string(result.Kind),
		TurnID:     result.TurnID,
		ResultData: result.Payload,
		Code:       result.ErrorCode,
	}
	room.broadcast(env, "", func(id string, err error) {
		h.logger.Warn("failed to deliver agent-result", slog.String("peer_id", id), slog.Any("error", err))
	})
}

// Leave removes the peer, broadcasts PEER-LEFT, and destroys the room if it
// is now empty. Used both for explicit "leave" messages and for transport
// disconnects, with identical semantics.
func (h *Hub) Leave(peerID string) error {
	h.mu.Lock()
	roomName, ok := h.peerToRoom[peerID]
	if !ok {
		h.mu.Unlock()
		return fmt.Errorf("%w: peer %s is not in any room", triageerr.ErrNotFound, peerID)
	}
	delete(h.peerToRoom, peerID)
	room := h.rooms[roomName]
	h.mu.Unlock()

	if room == nil {
		return fmt.Errorf("%w: room %s", triageerr.ErrNotFound, roomName)
	}

	peer, removed := room.removePeer(peerID)
	if removed {
		peer.close()
	}

	room.broadcast(Envelope{Type: KindPeerLeft, PeerID: peerID, Room: roomName}, "",
		func(id string, err error) {
			h.logger.Warn("failed to broadcast peer-left", slog.String("peer_id", id), slog.Any("error", err))
		})

	if room.isEmpty() {
		h.destroyRoom(roomName, room)
	}
	h.metrics.setPeerCount(h.activeRoomCount(), h.totalPeerCount())
	return nil
}

func (h *Hub) destroyRoom(roomName string, room *Room) {
	h.mu.Lock()
	// Re-check under the map lock: another join may have raced in since
	// isEmpty() was observed true.
	if current, ok := h.rooms[roomName]; ok && current == room && room.isEmpty() {
		delete(h.rooms, roomName)
		h.mu.Unlock()
		room.agentCancel()
		room.agent.Stop()
		h.logger.Info("room destroyed", slog.String("room", roomName))
		return
	}
	h.mu.Unlock()
}

// Route forwards a signaling message (offer/answer/ice) to the peer named
// in env.To, addressed within the sender's own room. It never interprets
// the payload.
func (h *Hub) Route(fromPeerID string, env Envelope) error {
	if env.To == "" {
		return fmt.Errorf("%w: missing destination peer id", triageerr.ErrBadRequest)
	}

	h.mu.RLock()
	roomName, ok := h.peerToRoom[fromPeerID]
	var room *Room
	if ok {
		room = h.rooms[roomName]
	}
	h.mu.RUnlock()
	if !ok || room == nil {
		return fmt.Errorf("%w: sender %s is not in any room", triageerr.ErrNotFound, fromPeerID)
	}

	target, ok := room.getPeer(env.To)
	if !ok {
		return fmt.Errorf("%w: peer %s", triageerr.ErrNotFound, env.To)
	}

	env.From = fromPeerID
	env.Room = roomName
	return target.Send(env)
}

// DeliverTranscript locates the sending peer's Room Agent and hands the
// turn off to its mailbox, using the peer's role/nickname binding since
// the transcript envelope itself carries neither.
func (h *Hub) DeliverTranscript(peerID, text string, ts time.Time, confidence *float64) error {
	h.mu.RLock()
	roomName, ok := h.peerToRoom[peerID]
	var room *Room
	if ok {
		room = h.rooms[roomName]
	}
	h.mu.RUnlock()
	if !ok || room == nil {
		return fmt.Errorf("%w: peer %s is not in any room", triageerr.ErrNotFound, peerID)
	}

	peer, ok := room.getPeer(peerID)
	if !ok {
		return fmt.Errorf("%w: peer %s", triageerr.ErrNotFound, peerID)
	}

	return room.agent.OnNewTranscript(peer.Role, peer.Nickname, text, ts, confidence)
}

// Rooms returns a snapshot of every active room for GET /rooms.
func (h *Hub) Rooms() []RoomSummary {
	h.mu.RLock()
	names := make([]string, 0, len(h.rooms))
	rooms := make([]*Room, 0, len(h.rooms))
	for name, r := range h.rooms {
		names = append(names, name)
		rooms = append(rooms, r)
	}
	h.mu.RUnlock()

	out := make([]RoomSummary, 0, len(rooms))
	for i, r := range rooms {
		out = append(out, RoomSummary{Room: names[i], PeerCount: r.peerCount(), Peers: r.peerList("")})
	}
	return out
}

func (h *Hub) activeRoomCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms)
}

func (h *Hub) totalPeerCount() int {
	h.mu.RLock()
	rooms := make([]*Room, 0, len(h.rooms))
	for _, r := range h.rooms {
		rooms = append(rooms, r)
	}
	h.mu.RUnlock()

	total := 0
	for _, r := range rooms {
		total += r.peerCount()
	}
	return total
}
