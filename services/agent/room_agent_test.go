package agent

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/triagebackend/consult/services/datatypes"
	"github.com/triagebackend/consult/services/graph"
	"github.com/triagebackend/consult/services/llm"
	"github.com/triagebackend/consult/services/triageerr"
	"github.com/triagebackend/consult/services/vectorstore"
)

func newTestExecutor(t *testing.T) *graph.Executor {
	t.Helper()
	client := llm.NewLocalClient(8)
	store := vectorstore.NewStore(nil, client)
	dag, err := graph.BuildAnalysisGraph(client, store)
	require.NoError(t, err)
	exec, err := graph.NewExecutor(dag, nil)
	require.NoError(t, err)
	return exec
}

type resultRecorder struct {
	mu      sync.Mutex
	results []datatypes.AnalysisResult
}

func (r *resultRecorder) publish(_ context.Context, result datatypes.AnalysisResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.results = append(r.results, result)
}

func (r *resultRecorder) snapshot() []datatypes.AnalysisResult {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]datatypes.AnalysisResult(nil), r.results...)
}

func TestRoomAgentSkipsAnalysisForNonCustomerTurns(t *testing.T) {
	rec := &resultRecorder{}
	a := NewRoomAgent("room-1", newTestExecutor(t), rec.publish, nil, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.Start(ctx)
	defer a.Stop()

	require.NoError(t, a.OnNewTranscript(datatypes.RoleAgent, "Jamie", "hello, how can I help?", time.Now(), nil))

	snap, err := a.Inspect(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, snap.TurnCount)
	require.Empty(t, rec.snapshot())
}

func TestRoomAgentInvokesGraphOnCustomerTurnAndIsolatesNodeFailures(t *testing.T) {
	rec := &resultRecorder{}
	a := NewRoomAgent("room-2", newTestExecutor(t), rec.publish, nil, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.Start(ctx)
	defer a.Stop()

	require.NoError(t, a.OnNewTranscript(datatypes.RoleCustomer, "Alex", "I want to cancel and get a refund", time.Now(), nil))

	snap, err := a.Inspect(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, snap.TurnCount)

	results := rec.snapshot()
	seenKinds := map[datatypes.ResultKind]bool{}
	for _, r := range results {
		require.False(t, seenKinds[r.Kind], "kind %s published more than once for the same turn", r.Kind)
		seenKinds[r.Kind] = true
		require.Equal(t, "room-2", r.SessionID)
		require.NotEmpty(t, r.TurnID)

		// faq_search never calls the chat model (it only embeds the query
		// and ranks by vector distance), so it always succeeds even though
		// LocalClient's canned reply for every other node isn't valid
		// JSON. Every node downstream of a chat call either fails directly
		// (summarize, intent, sentiment) or is skipped because its
		// dependency failed (rag_policy, risk, draft_reply) — in both
		// cases the turn still yields a result for every kind, isolated
		// from its siblings, never silently dropped.
		if r.Kind == datatypes.KindFAQ {
			require.Empty(t, r.ErrorCode)
		} else {
			require.Equal(t, "upstream", r.ErrorCode)
			require.Nil(t, r.Payload)
		}
	}
	require.True(t, seenKinds[datatypes.KindFAQ])
	require.Len(t, results, 7)
}

func TestRoomAgentStaticPrefixStableAcrossRepeatedBinding(t *testing.T) {
	a := NewRoomAgent("room-3", newTestExecutor(t), nil, nil, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.Start(ctx)
	defer a.Stop()

	info := CustomerInfo{CustomerID: "cust-1", DisplayName: "Alex", AccountTier: "gold"}
	require.NoError(t, a.SetCustomerContext(info, nil))
	first, err := a.Inspect(ctx)
	require.NoError(t, err)

	require.NoError(t, a.SetCustomerContext(info, nil))
	second, err := a.Inspect(ctx)
	require.NoError(t, err)
	require.Equal(t, first.SystemPrefix, second.SystemPrefix)

	require.NoError(t, a.SetCustomerContext(CustomerInfo{CustomerID: "cust-2", DisplayName: "Riley"}, nil))
	third, err := a.Inspect(ctx)
	require.NoError(t, err)
	require.NotEqual(t, first.SystemPrefix, third.SystemPrefix)
}

func TestRoomAgentResetClearsSessionState(t *testing.T) {
	a := NewRoomAgent("room-4", newTestExecutor(t), nil, nil, 0)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	a.Start(ctx)
	defer a.Stop()

	require.NoError(t, a.OnNewTranscript(datatypes.RoleCustomer, "Alex", "hi", time.Now(), nil))
	mid, err := a.Inspect(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, mid.TurnCount)

	require.NoError(t, a.Reset())
	after, err := a.Inspect(ctx)
	require.NoError(t, err)
	require.Zero(t, after.TurnCount)
	require.Zero(t, after.ProcessedTurns)
	require.Equal(t, basePromptPrefix, after.SystemPrefix)
}

func TestRoomAgentMailboxOverflowDropsOldestNonCustomerTurnFirst(t *testing.T) {
	a := NewRoomAgent("room-5", nil, nil, nil, 2)

	require.NoError(t, a.OnNewTranscript(datatypes.RoleCustomer, "Alex", "first", time.Time{}, nil))
	require.NoError(t, a.OnNewTranscript(datatypes.RoleAgent, "Jamie", "ack", time.Time{}, nil))
	require.Len(t, a.queue, 2)

	// Mailbox is full; the queued agent turn is dropped to make room.
	require.NoError(t, a.OnNewTranscript(datatypes.RoleCustomer, "Alex", "second", time.Time{}, nil))
	require.Len(t, a.queue, 2)
	require.Equal(t, "first", a.queue[0].text)
	require.Equal(t, "second", a.queue[1].text)

	// Now both queued entries are customer turns; nothing left to drop.
	err := a.OnNewTranscript(datatypes.RoleCustomer, "Alex", "third", time.Time{}, nil)
	require.ErrorIs(t, err, triageerr.ErrOverloaded)
}
