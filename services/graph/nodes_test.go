package graph

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/triagebackend/consult/services/datatypes"
	"github.com/triagebackend/consult/services/llm"
	"github.com/triagebackend/consult/services/vectorstore"
)

func TestSummarizeNodeSkipsChatCallWhenNoNewTurns(t *testing.T) {
	client := llm.NewLocalClient(8)
	node := NewSummarizeNode(client)

	session := &SessionInput{
		CurrentSummary:      "customer wants a refund",
		LastSummarizedIndex: 2,
		Turns: []datatypes.TranscriptTurn{
			{TurnIndex: 0, Role: datatypes.RoleCustomer, Text: "hi"},
			{TurnIndex: 1, Role: datatypes.RoleAgent, Text: "hello"},
		},
	}

	out, err := node.Execute(context.Background(), map[string]any{"root": session})
	require.NoError(t, err)
	payload := out.(datatypes.SummaryPayload)
	require.Equal(t, "customer wants a refund", payload.Summary)
}

func TestIntentNodeEmptyWithoutCustomerTurn(t *testing.T) {
	client := llm.NewLocalClient(8)
	node := NewIntentNode(client)

	session := &SessionInput{Turns: []datatypes.TranscriptTurn{
		{Role: datatypes.RoleAgent, Text: "hello, how can I help?"},
	}}

	out, err := node.Execute(context.Background(), map[string]any{"root": session})
	require.NoError(t, err)
	payload := out.(datatypes.IntentPayload)
	require.Equal(t, "", payload.Label)
}

func TestRiskNodeFlagsHighRiskOnNegativeSentimentAndTerms(t *testing.T) {
	node := NewRiskNode()
	session := &SessionInput{Turns: []datatypes.TranscriptTurn{
		{Role: datatypes.RoleCustomer, Text: "I want to cancel and get a refund, this is a scam"},
	}}

	out, err := node.Execute(context.Background(), map[string]any{
		"root":       session,
		NodeSentiment: datatypes.SentimentPayload{Valence: -0.8, Tag: "angry"},
	})
	require.NoError(t, err)
	payload := out.(datatypes.RiskPayload)
	require.Equal(t, datatypes.RiskHigh, payload.Level)
	require.NotEmpty(t, payload.Reasons)
}

func TestRiskNodeLowWithNoSignals(t *testing.T) {
	node := NewRiskNode()
	session := &SessionInput{Turns: []datatypes.TranscriptTurn{
		{Role: datatypes.RoleCustomer, Text: "thanks for your help"},
	}}

	out, err := node.Execute(context.Background(), map[string]any{
		"root":        session,
		NodeSentiment: datatypes.SentimentPayload{Valence: 0.5},
	})
	require.NoError(t, err)
	payload := out.(datatypes.RiskPayload)
	require.Equal(t, datatypes.RiskLow, payload.Level)
}

func TestFAQSearchNodeEmptyWithoutQuery(t *testing.T) {
	store := vectorstore.NewStore(nil, llm.NewLocalClient(8))
	node := NewFAQSearchNode(store)

	out, err := node.Execute(context.Background(), map[string]any{"root": &SessionInput{}})
	require.NoError(t, err)
	payload := out.(datatypes.FAQPayload)
	require.Empty(t, payload.Hits)
}

func TestBuildAnalysisGraphMatchesSpecShape(t *testing.T) {
	client := llm.NewLocalClient(8)
	store := vectorstore.NewStore(nil, client)

	d, err := BuildAnalysisGraph(client, store)
	require.NoError(t, err)
	require.Equal(t, 7, d.NodeCount())

	require.ElementsMatch(t, []string{NodeIntent}, d.GetDependencies(NodeRAGPolicy))
	require.ElementsMatch(t, []string{NodeSummarize, NodeIntent, NodeRAGPolicy}, d.GetDependencies(NodeDraftReply))
	require.ElementsMatch(t, []string{NodeSentiment}, d.GetDependencies(NodeRisk))
	require.Empty(t, d.GetDependencies(NodeFAQSearch))
}

func TestResultKindForNodeCoversAllSevenNodes(t *testing.T) {
	for _, name := range []string{NodeSummarize, NodeIntent, NodeSentiment, NodeRAGPolicy, NodeFAQSearch, NodeRisk, NodeDraftReply} {
		_, ok := ResultKindForNode(name)
		require.True(t, ok, "missing result kind mapping for %s", name)
	}
	_, ok := ResultKindForNode("nonexistent")
	require.False(t, ok)
}
