package graph

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/triagebackend/consult/services/datatypes"
	"github.com/triagebackend/consult/services/llm"
	"github.com/triagebackend/consult/services/triageerr"
	"github.com/triagebackend/consult/services/vectorstore"
)

// Node names, used both as DAG identifiers and as AnalysisResult kinds'
// string form where they happen to coincide.
const (
	NodeSummarize  = "summarize"
	NodeIntent     = "intent"
	NodeSentiment  = "sentiment"
	NodeRAGPolicy  = "rag_policy"
	NodeFAQSearch  = "faq_search"
	NodeRisk       = "risk"
	NodeDraftReply = "draft_reply"
)

// defaultIntentLabels is used when a SessionInput doesn't configure its own
// set drawn from a fixed, configurable label list.
var defaultIntentLabels = []string{
	"refund_request", "billing_question", "technical_issue",
	"cancellation", "general_inquiry", "complaint",
}

// chatJSON sends messages to client.Chat and unmarshals the response into
// out, tolerating a response wrapped in prose or a fenced code block.
// Wraps failures (after the gateway's own retry/backoff is exhausted) as
// triageerr.ErrUpstream so callers can attach an "upstream" error
// code to a null-payload result instead of failing the whole branch.
func chatJSON(ctx context.Context, client llm.LLMClient, messages []datatypes.Message, out any) error {
	raw, err := client.Chat(ctx, messages, llm.GenerationParams{})
	if err != nil {
		return fmt.Errorf("%w: chat call failed: %v", triageerr.ErrUpstream, err)
	}
	jsonText := extractJSON(raw)
	if err := json.Unmarshal([]byte(jsonText), out); err != nil {
		return fmt.Errorf("%w: malformed model response: %v", triageerr.ErrUpstream, err)
	}
	return nil
}

// withPrefix prepends session's static prefix to a node's own system
// instruction, so every chat call for this session starts with the same
// byte sequence regardless of which node issues it, per the
// implicit prompt caching contract).
func withPrefix(session *SessionInput, instruction string) string {
	if session.SystemPrefix == "" {
		return instruction
	}
	return session.SystemPrefix + "\n\n" + instruction
}

// extractJSON trims a fenced code block or leading/trailing prose a model
// sometimes wraps its JSON answer in.
func extractJSON(s string) string {
	s = strings.TrimSpace(s)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(s, "```")
		s = strings.TrimSpace(s)
	}
	if start := strings.IndexByte(s, '{'); start >= 0 {
		if end := strings.LastIndexByte(s, '}'); end > start {
			s = s[start : end+1]
		}
	}
	return s
}

// NewSummarizeNode builds the summarize node: incrementally folds new
// turns into the rolling summary, re-sending only the delta since
// LastSummarizedIndex.
func NewSummarizeNode(client llm.LLMClient) *FuncNode {
	return NewFuncNode(NodeSummarize, nil, func(ctx context.Context, inputs map[string]any) (any, error) {
		session, err := rootInput(inputs)
		if err != nil {
			return nil, err
		}

		newTurns := session.NewTurns()
		if len(newTurns) == 0 {
			return datatypes.SummaryPayload{
				Summary: session.CurrentSummary,
			}, nil
		}

		var transcript strings.Builder
		for _, t := range newTurns {
			fmt.Fprintf(&transcript, "%s: %s\n", t.Role, t.Text)
		}

		messages := []datatypes.Message{
			{Role: "system", Content: withPrefix(session, summarizeSystemPrompt)},
			{Role: "user", Content: fmt.Sprintf(
				"Prior summary:\n%s\n\nNew turns:\n%s\nReturn the updated summary as JSON.",
				session.CurrentSummary, transcript.String(),
			)},
		}

		var payload datatypes.SummaryPayload
		if err := chatJSON(ctx, client, messages, &payload); err != nil {
			return nil, err
		}
		return payload, nil
	})
}

const summarizeSystemPrompt = `You summarize a live customer support conversation for the human agent.
Respond with a single JSON object: {"summary": string, "customer_issue": string, "agent_action": string}.
Fold the new turns into the prior summary; do not restate turns already summarized.`

// NewIntentNode builds the intent classification node.
func NewIntentNode(client llm.LLMClient) *FuncNode {
	return NewFuncNode(NodeIntent, nil, func(ctx context.Context, inputs map[string]any) (any, error) {
		session, err := rootInput(inputs)
		if err != nil {
			return nil, err
		}

		utterance := session.LastCustomerUtterance()
		if utterance == "" {
			return datatypes.IntentPayload{Label: "", Confidence: 0, EvidenceSpans: nil}, nil
		}

		labels := session.IntentLabels
		if len(labels) == 0 {
			labels = defaultIntentLabels
		}

		messages := []datatypes.Message{
			{Role: "system", Content: withPrefix(session, fmt.Sprintf(
				"Classify the customer's intent into exactly one of: %s.\n"+
					`Respond with JSON: {"label": string, "confidence": number between 0 and 1, "evidence_spans": [string]}.`,
				strings.Join(labels, ", "),
			))},
			{Role: "user", Content: utterance},
		}

		var payload datatypes.IntentPayload
		if err := chatJSON(ctx, client, messages, &payload); err != nil {
			return nil, err
		}
		return payload, nil
	})
}

const sentimentSystemPrompt = `Rate the customer's emotional state in their most recent message.
Respond with JSON: {"valence": number in [-1,1], "arousal": number in [0,1], "tag": string}.`

// NewSentimentNode builds the sentiment analysis node.
func NewSentimentNode(client llm.LLMClient) *FuncNode {
	return NewFuncNode(NodeSentiment, nil, func(ctx context.Context, inputs map[string]any) (any, error) {
		session, err := rootInput(inputs)
		if err != nil {
			return nil, err
		}

		utterance := session.LastCustomerUtterance()
		if utterance == "" {
			return datatypes.SentimentPayload{Tag: "neutral"}, nil
		}

		messages := []datatypes.Message{
			{Role: "system", Content: withPrefix(session, sentimentSystemPrompt)},
			{Role: "user", Content: utterance},
		}

		var payload datatypes.SentimentPayload
		if err := chatJSON(ctx, client, messages, &payload); err != nil {
			return nil, err
		}
		return payload, nil
	})
}

// ragPolicyTopN bounds the number of policy recommendations returned,
// returning up to N ranked recommendations.
const ragPolicyTopN = 3

// NewRAGPolicyNode builds the rag_policy node: retrieves policy documents
// scoped by the intent label and ranks them by similarity.
func NewRAGPolicyNode(store *vectorstore.Store) *FuncNode {
	return NewFuncNode(NodeRAGPolicy, []string{NodeIntent}, func(ctx context.Context, inputs map[string]any) (any, error) {
		intent, _ := inputs[NodeIntent].(datatypes.IntentPayload)
		if intent.Label == "" {
			return datatypes.RAGPolicyPayload{}, nil
		}

		hits, err := store.SimilaritySearchWithScore(ctx, store.DocumentCollection, intent.Label,
			ragPolicyTopN, map[string]string{"category": "policy"})
		if err != nil {
			return nil, fmt.Errorf("%w: policy retrieval: %v", triageerr.ErrUpstream, err)
		}

		recs := make([]datatypes.PolicyRecommendation, 0, len(hits))
		for _, h := range hits {
			recs = append(recs, datatypes.PolicyRecommendation{
				Title:     h.Document.Metadata["title"],
				Snippet:   h.Document.Text,
				Rationale: fmt.Sprintf("matches intent %q", intent.Label),
				Score:     1 - h.Distance,
			})
		}
		return datatypes.RAGPolicyPayload{Recommendations: recs}, nil
	})
}

// faqSearchTopK bounds the number of FAQ hits returned.
const faqSearchTopK = 3

// NewFAQSearchNode builds the faq_search node: a cache-first lookup
// against the FAQ collection.
func NewFAQSearchNode(store *vectorstore.Store) *FuncNode {
	return NewFuncNode(NodeFAQSearch, nil, func(ctx context.Context, inputs map[string]any) (any, error) {
		session, err := rootInput(inputs)
		if err != nil {
			return nil, err
		}

		query := session.LastCustomerUtterance()
		if query == "" {
			return datatypes.FAQPayload{}, nil
		}

		hits, cacheHit, err := store.CacheLookupOrSearch(ctx, "faq", "FAQ", query, faqSearchTopK)
		if err != nil {
			return nil, fmt.Errorf("%w: faq search: %v", triageerr.ErrUpstream, err)
		}

		out := make([]datatypes.FAQHit, 0, len(hits))
		for _, h := range hits {
			out = append(out, datatypes.FAQHit{
				Question:   h.Document.Metadata["question"],
				Answer:     h.Document.Text,
				Similarity: 1 - h.Distance,
				CacheHit:   cacheHit,
			})
		}
		return datatypes.FAQPayload{Hits: out}, nil
	})
}

// riskTerms are the complaint/cancellation signal words that, combined
// with negative sentiment, mark a turn high risk.
var riskTerms = []string{"cancel", "refund", "lawsuit", "complaint", "chargeback", "fraud"}

// NewRiskNode builds the risk assessment node.
func NewRiskNode() *FuncNode {
	return NewFuncNode(NodeRisk, []string{NodeSentiment}, func(ctx context.Context, inputs map[string]any) (any, error) {
		session, err := rootInput(inputs)
		if err != nil {
			return nil, err
		}
		sentiment, _ := inputs[NodeSentiment].(datatypes.SentimentPayload)

		utterance := strings.ToLower(session.LastCustomerUtterance())
		var matched []string
		for _, term := range riskTerms {
			if strings.Contains(utterance, term) {
				matched = append(matched, term)
			}
		}

		level := datatypes.RiskLow
		var reasons []string
		switch {
		case len(matched) > 0 && sentiment.Valence < -0.3:
			level = datatypes.RiskHigh
			reasons = append(reasons, fmt.Sprintf("negative sentiment with risk terms: %s", strings.Join(matched, ", ")))
		case len(matched) > 0:
			level = datatypes.RiskMedium
			reasons = append(reasons, fmt.Sprintf("risk terms present: %s", strings.Join(matched, ", ")))
		case sentiment.Valence < -0.6:
			level = datatypes.RiskMedium
			reasons = append(reasons, "strongly negative sentiment")
		}

		return datatypes.RiskPayload{Level: level, Reasons: reasons}, nil
	})
}

const draftReplySystemPrompt = `Draft 1 to 3 short candidate replies the support agent could send or paraphrase.
Use the conversation summary, the customer's intent, and the policy recommendations provided.
Respond with JSON: {"candidates": [string]}.`

// NewDraftReplyNode builds the draft_reply node, combining summarize,
// intent, and rag_policy outputs.
func NewDraftReplyNode(client llm.LLMClient) *FuncNode {
	return NewFuncNode(NodeDraftReply, []string{NodeSummarize, NodeIntent, NodeRAGPolicy}, func(ctx context.Context, inputs map[string]any) (any, error) {
		session, err := rootInput(inputs)
		if err != nil {
			return nil, err
		}
		summary, _ := inputs[NodeSummarize].(datatypes.SummaryPayload)
		intent, _ := inputs[NodeIntent].(datatypes.IntentPayload)
		policy, _ := inputs[NodeRAGPolicy].(datatypes.RAGPolicyPayload)

		if summary.Summary == "" && intent.Label == "" {
			return datatypes.DraftReplyPayload{}, nil
		}

		var recs strings.Builder
		for _, r := range policy.Recommendations {
			fmt.Fprintf(&recs, "- %s: %s (%s)\n", r.Title, r.Snippet, r.Rationale)
		}

		messages := []datatypes.Message{
			{Role: "system", Content: withPrefix(session, draftReplySystemPrompt)},
			{Role: "user", Content: fmt.Sprintf(
				"Summary: %s\nCustomer issue: %s\nIntent: %s\nPolicy recommendations:\n%s",
				summary.Summary, summary.CustomerIssue, intent.Label, recs.String(),
			)},
		}

		var payload datatypes.DraftReplyPayload
		if err := chatJSON(ctx, client, messages, &payload); err != nil {
			return nil, err
		}
		return payload, nil
	})
}

// BuildAnalysisGraph wires the seven consultation nodes into the DAG shape
// as parallel branches: {summarize}, {intent → rag_policy →
// draft_reply}, {faq_search}, {sentiment → risk}, with draft_reply also
// depending on summarize.
func BuildAnalysisGraph(client llm.LLMClient, store *vectorstore.Store) (*DAG, error) {
	return NewBuilder("analysis").
		AddNode(NewSummarizeNode(client)).
		AddNode(NewIntentNode(client)).
		AddNode(NewSentimentNode(client)).
		AddNode(NewRAGPolicyNode(store)).
		AddNode(NewFAQSearchNode(store)).
		AddNode(NewRiskNode()).
		AddNode(NewDraftReplyNode(client)).
		Build()
}

// ResultKindForNode maps a DAG node name to the AnalysisResult kind it
// produces, used by the Room Agent when wrapping a node's raw output.
func ResultKindForNode(name string) (datatypes.ResultKind, bool) {
	switch name {
	case NodeSummarize:
		return datatypes.KindSummary, true
	case NodeIntent:
		return datatypes.KindIntent, true
	case NodeSentiment:
		return datatypes.KindSentiment, true
	case NodeRAGPolicy:
		return datatypes.KindRAGPolicy, true
	case NodeFAQSearch:
		return datatypes.KindFAQ, true
	case NodeRisk:
		return datatypes.KindRisk, true
	case NodeDraftReply:
		return datatypes.KindDraftReply, true
	default:
		return "", false
	}
}

