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
	"sync"
	"time"

	"github.com/triagebackend/consult/services/agent"
)

// Room is a named logical space where peers exchange signaling and
// transcripts. A Room owns its peer set exclusively; the Hub owns the
// rooms map that points to it. Lazily created on first join, destroyed
// when its last peer leaves.
type Room struct {
	Name      string
	CreatedAt time.Time

	mu    sync.RWMutex
	peers map[string]*Peer

	agent       *agent.RoomAgent
	agentCancel context.CancelFunc
}

func newRoom(name string, roomAgent *agent.RoomAgent, cancel context.CancelFunc) *Room {
	return &Room{
		Name:        name,
		CreatedAt:   time.Now(),
		peers:       make(map[string]*Peer),
		agent:       roomAgent,
		agentCancel: cancel,
	}
}

func (r *Room) addPeer(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers[p.ID] = p
}

func (r *Room) removePeer(peerID string) (*Peer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.peers[peerID]
	if !ok {
		return nil, false
	}
	delete(r.peers, peerID)
	return p, true
}

func (r *Room) getPeer(peerID string) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[peerID]
	return p, ok
}

// peerList returns the public info of every current peer, optionally
// skipping one id (the peer the listing is being sent to).
func (r *Room) peerList(except string) []PeerInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]PeerInfo, 0, len(r.peers))
	for id, p := range r.peers {
		if id == except {
			continue
		}
		out = append(out, p.Info())
	}
	return out
}

func (r *Room) peerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

func (r *Room) isEmpty() bool {
	return r.peerCount() == 0
}

// broadcast fans an envelope out to every peer except the given id (pass ""
// to address everyone). Each Send failure is isolated to that one peer.
func (r *Room) broadcast(env Envelope, except string, onSendErr func(peerID string, err error)) {
	r.mu.RLock()
	targets := make([]*Peer, 0, len(r.peers))
	for id, p := range r.peers {
		if id == except {
			continue
		}
		targets = append(targets, p)
	}
	r.mu.RUnlock()

	for _, p := range targets {
		if err := p.Send(env); err != nil && onSendErr != nil {
			onSendErr(p.ID, err)
		}
	}
}
