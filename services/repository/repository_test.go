package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/triagebackend/consult/services/datatypes"
)

func TestSaveTurnAndListSessions(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first := datatypes.TranscriptTurn{TurnID: "t1", Timestamp: time.Now().Add(-time.Minute)}
	second := datatypes.TranscriptTurn{TurnID: "t2", Timestamp: time.Now()}

	require.NoError(t, repo.SaveTurn(ctx, "room-1", first))
	require.NoError(t, repo.SaveTurn(ctx, "room-1", second))

	sessions, err := repo.ListSessions(ctx)
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	require.Equal(t, "room-1", sessions[0].SessionID)
	require.Equal(t, 2, sessions[0].TurnCount)
	require.Equal(t, first.Timestamp, sessions[0].StartedAt)
	require.Equal(t, second.Timestamp, sessions[0].LastTurnAt)
}

func TestSaveResultOverwritesSameTurnAndKind(t *testing.T) {
	repo := NewMemoryRepository().(*memoryRepository)
	ctx := context.Background()

	first := datatypes.AnalysisResult{SessionID: "room-1", TurnID: "t1", Kind: datatypes.KindSummary, ErrorCode: "upstream"}
	require.NoError(t, repo.SaveResult(ctx, first))

	second := datatypes.AnalysisResult{SessionID: "room-1", TurnID: "t1", Kind: datatypes.KindSummary}
	require.NoError(t, repo.SaveResult(ctx, second))

	require.Len(t, repo.results["room-1"], 1)
	stored := repo.results["room-1"][resultKey("t1", datatypes.KindSummary)]
	require.Empty(t, stored.ErrorCode)
}

func TestDeleteSessionRemovesAllState(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.SaveTurn(ctx, "room-1", datatypes.TranscriptTurn{TurnID: "t1", Timestamp: time.Now()}))
	require.NoError(t, repo.SaveResult(ctx, datatypes.AnalysisResult{SessionID: "room-1", TurnID: "t1", Kind: datatypes.KindSummary}))

	require.NoError(t, repo.DeleteSession(ctx, "room-1"))

	sessions, err := repo.ListSessions(ctx)
	require.NoError(t, err)
	require.Empty(t, sessions)
}

func TestListTurnsReturnsSavedOrder(t *testing.T) {
	repo := NewMemoryRepository()
	ctx := context.Background()

	first := datatypes.TranscriptTurn{TurnID: "t1", Text: "hello"}
	second := datatypes.TranscriptTurn{TurnID: "t2", Text: "world"}
	require.NoError(t, repo.SaveTurn(ctx, "room-1", first))
	require.NoError(t, repo.SaveTurn(ctx, "room-1", second))

	turns, err := repo.ListTurns(ctx, "room-1")
	require.NoError(t, err)
	require.Equal(t, []datatypes.TranscriptTurn{first, second}, turns)

	require.Empty(t, mustListTurns(t, repo, "unknown-room"))
}

func mustListTurns(t *testing.T, repo Repository, sessionID string) []datatypes.TranscriptTurn {
	t.Helper()
	turns, err := repo.ListTurns(context.Background(), sessionID)
	require.NoError(t, err)
	return turns
}

func TestListSessionsEmptyRepository(t *testing.T) {
	repo := NewMemoryRepository()
	sessions, err := repo.ListSessions(context.Background())
	require.NoError(t, err)
	require.Empty(t, sessions)
}
