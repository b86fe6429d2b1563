// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package replay re-runs a session's persisted turn history back through
// the analysis graph, for bulk backfill after a prompt or node change. It
// fans sessions out across a bounded pool of goroutines, generalized from
// the per-run node fan-out in the graph executor to a per-session fan-out
// across many runs.
package replay

import (
	"context"
	"log/slog"

	"golang.org/x/sync/errgroup"

	"github.com/triagebackend/consult/services/graph"
	"github.com/triagebackend/consult/services/repository"
)

// SessionResult is one session's outcome from a replay batch. Exactly one
// of Result or Error is populated; a session's failure never aborts its
// siblings, matching the graph's own per-node isolation policy.
type SessionResult struct {
	SessionID string
	Result    *graph.Result
	Error     string
}

// Replayer re-runs persisted session histories through a fixed analysis
// DAG, building a fresh Executor per session the same way a room-agent
// factory builds one per room.
type Replayer struct {
	dag         *graph.DAG
	logger      *slog.Logger
	concurrency int
}

// NewReplayer returns a Replayer bounded to at most concurrency sessions
// running at once. concurrency <= 0 means unbounded.
func NewReplayer(dag *graph.DAG, logger *slog.Logger, concurrency int) *Replayer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Replayer{dag: dag, logger: logger, concurrency: concurrency}
}

// ReplaySessions fetches each session's turn history from repo and runs it
// through the analysis graph, fanning the sessions out concurrently. The
// returned slice has one entry per input session ID, in the same order.
func (r *Replayer) ReplaySessions(ctx context.Context, repo repository.Repository, sessionIDs []string) []SessionResult {
	results := make([]SessionResult, len(sessionIDs))

	g, gctx := errgroup.WithContext(ctx)
	if r.concurrency > 0 {
		g.SetLimit(r.concurrency)
	}

	for i, sessionID := range sessionIDs {
		i, sessionID := i, sessionID
		g.Go(func() error {
			results[i] = r.replayOne(gctx, repo, sessionID)
			// A session's own failure is recorded in results[i], never
			// returned here: returning it would cancel gctx and abort
			// sibling sessions still in flight.
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (r *Replayer) replayOne(ctx context.Context, repo repository.Repository, sessionID string) SessionResult {
	turns, err := repo.ListTurns(ctx, sessionID)
	if err != nil {
		return SessionResult{SessionID: sessionID, Error: err.Error()}
	}

	executor, err := graph.NewExecutor(r.dag, r.logger)
	if err != nil {
		return SessionResult{SessionID: sessionID, Error: err.Error()}
	}

	input := &graph.SessionInput{SessionID: sessionID, Turns: turns}
	result, err := executor.Run(ctx, input)
	if err != nil {
		return SessionResult{SessionID: sessionID, Error: err.Error()}
	}

	return SessionResult{SessionID: sessionID, Result: result}
}
