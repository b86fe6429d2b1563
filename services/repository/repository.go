// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package repository defines the persistence boundary for transcript turns
// and analysis results. The core treats the persisted layout as opaque
// only the interface and an in-memory default live here.
package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/triagebackend/consult/services/datatypes"
)

// SessionInfo is the admin-visible summary of one active or recently ended
// session, surfaced via GET /v1/sessions.
type SessionInfo struct {
	SessionID  string    `json:"session_id"`
	TurnCount  int       `json:"turn_count"`
	StartedAt  time.Time `json:"started_at"`
	LastTurnAt time.Time `json:"last_turn_at"`
}

// Repository is the persistence boundary the Room Agent and Hub write
// through once a turn or result is acknowledged. Injected at construction;
// tests substitute an in-memory fake or this package's default.
type Repository interface {
	// SaveTurn persists one immutable transcript turn for a session.
	SaveTurn(ctx context.Context, sessionID string, turn datatypes.TranscriptTurn) error

	// SaveResult persists one analysis result. Per the analysis result
	// Result invariant, a second save for the same (turn id, kind) pair
	// overwrites rather than duplicates.
	SaveResult(ctx context.Context, result datatypes.AnalysisResult) error

	// ListSessions returns a summary of every session the repository has
	// recorded at least one turn for, most recently active first.
	ListSessions(ctx context.Context) ([]SessionInfo, error)

	// ListTurns returns every persisted turn for a session, in the order
	// they were saved. Used to replay a session's history back through the
	// analysis graph.
	ListTurns(ctx context.Context, sessionID string) ([]datatypes.TranscriptTurn, error)

	// DeleteSession removes all persisted state for a session. Called by
	// administrative cleanup (DELETE /v1/sessions/:sessionId); destroying a
	// room does not delete its persisted history.
	DeleteSession(ctx context.Context, sessionID string) error
}

// memoryRepository is the open-source default: everything lives in
// process memory, guarded by a single mutex, and is lost on restart. This
// mirrors the lightweight-mode fallback used elsewhere when no external store
// is configured (main.go's "Weaviate not set, running in lightweight
// mode"), generalized from vector storage to turn/result persistence.
type memoryRepository struct {
	mu      sync.Mutex
	turns   map[string][]datatypes.TranscriptTurn
	results map[string]map[string]datatypes.AnalysisResult // sessionID -> turnID|kind -> result
	started map[string]time.Time
	lastAt  map[string]time.Time
}

// NewMemoryRepository returns the default in-memory Repository.
func NewMemoryRepository() Repository {
	return &memoryRepository{
		turns:   make(map[string][]datatypes.TranscriptTurn),
		results: make(map[string]map[string]datatypes.AnalysisResult),
		started: make(map[string]time.Time),
		lastAt:  make(map[string]time.Time),
	}
}

func (r *memoryRepository) SaveTurn(_ context.Context, sessionID string, turn datatypes.TranscriptTurn) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.started[sessionID]; !ok {
		r.started[sessionID] = turn.Timestamp
	}
	r.turns[sessionID] = append(r.turns[sessionID], turn)
	r.lastAt[sessionID] = turn.Timestamp
	return nil
}

func (r *memoryRepository) SaveResult(_ context.Context, result datatypes.AnalysisResult) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	bucket, ok := r.results[result.SessionID]
	if !ok {
		bucket = make(map[string]datatypes.AnalysisResult)
		r.results[result.SessionID] = bucket
	}
	bucket[resultKey(result.TurnID, result.Kind)] = result
	return nil
}

func resultKey(turnID string, kind datatypes.ResultKind) string {
	return turnID + "|" + string(kind)
}

func (r *memoryRepository) ListSessions(_ context.Context) ([]SessionInfo, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SessionInfo, 0, len(r.turns))
	for sessionID, turns := range r.turns {
		out = append(out, SessionInfo{
			SessionID:  sessionID,
			TurnCount:  len(turns),
			StartedAt:  r.started[sessionID],
			LastTurnAt: r.lastAt[sessionID],
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastTurnAt.After(out[j].LastTurnAt) })
	return out, nil
}

func (r *memoryRepository) ListTurns(_ context.Context, sessionID string) ([]datatypes.TranscriptTurn, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	turns := r.turns[sessionID]
	out := make([]datatypes.TranscriptTurn, len(turns))
	copy(out, turns)
	return out, nil
}

func (r *memoryRepository) DeleteSession(_ context.Context, sessionID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.turns, sessionID)
	delete(r.results, sessionID)
	delete(r.started, sessionID)
	delete(r.lastAt, sessionID)
	return nil
}

var _ Repository = (*memoryRepository)(nil)
