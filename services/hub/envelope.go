// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package hub implements the room/signaling hub: room and peer lifecycle,
// WebRTC signaling forwarding, and transcript handoff to the per-room agent.
package hub

import (
	"encoding/json"

	"github.com/go-playground/validator/v10"
)

// Kind is the envelope's "type" field, one of the WebSocket protocol's
// message kinds.
type Kind string

const (
	KindJoin        Kind = "join"
	KindJoined      Kind = "joined"
	KindLeave       Kind = "leave"
	KindPeerJoined  Kind = "peer-joined"
	KindPeerLeft    Kind = "peer-left"
	KindOffer       Kind = "offer"
	KindAnswer      Kind = "answer"
	KindICE         Kind = "ice"
	KindTranscript  Kind = "transcript"
	KindAgentResult Kind = "agent-result"
	KindError       Kind = "error"
)

// PeerInfo is the public shape of a peer surfaced to other peers and to the
// HTTP room listing.
type PeerInfo struct {
	PeerID   string `json:"peer_id"`
	Nickname string `json:"nickname"`
}

// Envelope is the single wire type for every WebSocket frame, in either
// direction. Fields not relevant to a given Type are left zero.
type Envelope struct {
	Type Kind   `json:"type" validate:"required"`
	From string `json:"from,omitempty"`
	To   string `json:"to,omitempty"`
	Room string `json:"room,omitempty"`

	// join
	Nickname string `json:"nickname,omitempty"`
	// Role is an extension to the join envelope the wire protocol
	// otherwise leaves unenumerated: it carries the peer's agent/customer hint, since
	// the transcript envelope itself carries no role and the turn's role
	// must come from somewhere (the sending peer's binding).
	Role string `json:"role,omitempty"`

	// joined / peer-joined / peer-left
	PeerID string     `json:"peer_id,omitempty"`
	Peers  []PeerInfo `json:"peers,omitempty"`

	// offer / answer / ice: opaque, forwarded verbatim
	Payload json.RawMessage `json:"payload,omitempty"`

	// transcript
	Speaker    string   `json:"speaker,omitempty"`
	Text       string   `json:"text,omitempty" validate:"omitempty,maxbytes=32768"`
	Timestamp  int64    `json:"ts,omitempty"`
	Confidence *float64 `json:"confidence,omitempty" validate:"omitempty,gte=0,lte=1"`

	// agent-result
	ResultKind string      `json:"kind,omitempty"`
	TurnID     string      `json:"turn_id,omitempty"`
	ResultData interface{} `json:"result,omitempty"`

	// error
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// envelopeValidate is the shared validator instance for inbound envelopes.
// Registers the same "maxbytes" tag used by datatypes.Message so the 32KB
// transcript-text bound is enforced at the wire boundary, not just declared.
var envelopeValidate *validator.Validate

func init() {
	envelopeValidate = validator.New()
	_ = envelopeValidate.RegisterValidation("maxbytes", validateMaxBytes)
}

func validateMaxBytes(fl validator.FieldLevel) bool {
	return len(fl.Field().String()) <= 32768
}

// Validate checks the envelope's struct tags.
func (e Envelope) Validate() error {
	return envelopeValidate.Struct(e)
}

// ErrorEnvelope builds a server-to-peer error frame.
func ErrorEnvelope(code, message string) Envelope {
	return Envelope{Type: KindError, Code: code, Message: message}
}
