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
	"sync"

	"github.com/triagebackend/consult/services/datatypes"
	"github.com/triagebackend/consult/services/triageerr"
)

// DefaultPeerOutboundCapacity bounds a peer's outbound envelope buffer.
// When a peer's buffer is full, Send rejects the envelope with
// ErrOverloaded instead of blocking the sender or any other peer; the
// envelope is lost and the peer stays connected.
const DefaultPeerOutboundCapacity = 64

// Peer is a connected participant. It owns no transport directly: the
// WebSocket connection lives in the handlers package, which drains
// Outbound() on a single writer goroutine per peer. The Hub only ever
// reaches a peer through Send, never through the raw connection.
type Peer struct {
	ID       string
	Nickname string
	Role     datatypes.Role

	mu       sync.Mutex
	outbound chan Envelope
	closed   bool
}

func newPeer(id, nickname string, role datatypes.Role) *Peer {
	return &Peer{
		ID:       id,
		Nickname: nickname,
		Role:     role,
		outbound: make(chan Envelope, DefaultPeerOutboundCapacity),
	}
}

// Send enqueues an envelope for delivery. A full buffer or a closed peer
// fails with ErrOverloaded/ErrNotFound rather than blocking the caller;
// a send failure to one peer never blocks the others.
func (p *Peer) Send(env Envelope) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return triageerr.ErrNotFound
	}
	select {
	case p.outbound <- env:
		return nil
	default:
		return triageerr.ErrOverloaded
	}
}

// Outbound exposes the envelope stream for the transport's writer goroutine.
func (p *Peer) Outbound() <-chan Envelope {
	return p.outbound
}

// close marks the peer as gone and closes the outbound channel so the
// writer goroutine can exit its range loop. The Hub calls it on Leave,
// after the peer has been removed from its room; later calls are no-ops.
func (p *Peer) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	close(p.outbound)
}

// Info returns the public shape of the peer for listings and join replies.
func (p *Peer) Info() PeerInfo {
	return PeerInfo{PeerID: p.ID, Nickname: p.Nickname}
}
