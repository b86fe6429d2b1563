package replay

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/triagebackend/consult/services/datatypes"
	"github.com/triagebackend/consult/services/graph"
	"github.com/triagebackend/consult/services/llm"
	"github.com/triagebackend/consult/services/repository"
	"github.com/triagebackend/consult/services/vectorstore"
)

func newTestDAG(t *testing.T) *graph.DAG {
	t.Helper()
	client := llm.NewLocalClient(8)
	store := vectorstore.NewStore(nil, client)
	dag, err := graph.BuildAnalysisGraph(client, store)
	require.NoError(t, err)
	return dag
}

func TestReplaySessionsRunsEachSessionIndependently(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()

	require.NoError(t, repo.SaveTurn(ctx, "room-a", datatypes.TranscriptTurn{
		TurnID: "t1", Role: datatypes.RoleCustomer, Text: "I want a refund", Timestamp: time.Now(),
	}))
	require.NoError(t, repo.SaveTurn(ctx, "room-b", datatypes.TranscriptTurn{
		TurnID: "t1", Role: datatypes.RoleCustomer, Text: "how do I reset my password", Timestamp: time.Now(),
	}))

	r := NewReplayer(newTestDAG(t), nil, 2)
	results := r.ReplaySessions(ctx, repo, []string{"room-a", "room-b", "unknown-room"})

	require.Len(t, results, 3)
	for i, sessionID := range []string{"room-a", "room-b"} {
		require.Equal(t, sessionID, results[i].SessionID)
		require.Empty(t, results[i].Error)
		require.NotNil(t, results[i].Result)
		require.True(t, results[i].Result.Success)
	}

	// A session with no persisted turns still runs (an empty-history pass
	// through the graph), it just has nothing to summarize.
	require.Equal(t, "unknown-room", results[2].SessionID)
	require.Empty(t, results[2].Error)
}

func TestReplaySessionsRespectsConcurrencyLimit(t *testing.T) {
	repo := repository.NewMemoryRepository()
	ctx := context.Background()
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, repo.SaveTurn(ctx, id, datatypes.TranscriptTurn{
			TurnID: "t1", Role: datatypes.RoleCustomer, Text: "hi", Timestamp: time.Now(),
		}))
	}

	r := NewReplayer(newTestDAG(t), nil, 1)
	results := r.ReplaySessions(ctx, repo, []string{"a", "b", "c", "d"})
	require.Len(t, results, 4)
	for _, res := range results {
		require.Empty(t, res.Error)
	}
}
