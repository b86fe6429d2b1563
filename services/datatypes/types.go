// Package datatypes holds the shared value types exchanged between the
// signaling hub, the room agent, the analysis graph, and the vector store.
package datatypes

import (
	"time"
)

// Role identifies the speaker of a transcript turn or chat message.
type Role string

const (
	RoleAgent     Role = "agent"
	RoleCustomer  Role = "customer"
	RoleSystem    Role = "system"
	RoleAssistant Role = "assistant"
)

// Message is one turn in a chat conversation sent to the Chat Model Gateway.
//
// # Fields
//
//   - Role: one of system, user (customer), assistant.
//   - Content: message text, bounded by MaxMessageBytes.
type Message struct {
	Role    string `json:"role" validate:"required,oneof=user assistant system"`
	Content string `json:"content" validate:"required,maxbytes=32768"`
}

// MaxMessageBytes is the validator's maxbytes bound for Message.Content.
const MaxMessageBytes = 32768

// TranscriptTurn is one immutable utterance appended to a Session.
//
// # Invariants
//
//   - TurnIndex is monotonically increasing within a Session.
//   - Once appended, a TranscriptTurn is never mutated.
type TranscriptTurn struct {
	TurnID     string    `json:"turn_id"`
	TurnIndex  int       `json:"turn_index"`
	Role       Role      `json:"role"`
	Speaker    string    `json:"speaker"`
	Text       string    `json:"text"`
	Timestamp  time.Time `json:"timestamp"`
	Confidence *float64  `json:"confidence,omitempty"`
}

// ResultKind tags the kind of analysis a graph node produced.
type ResultKind string

const (
	KindSummary    ResultKind = "summary"
	KindIntent     ResultKind = "intent"
	KindSentiment  ResultKind = "sentiment"
	KindRAGPolicy  ResultKind = "rag"
	KindFAQ        ResultKind = "faq"
	KindRisk       ResultKind = "risk"
	KindDraftReply ResultKind = "draft"
)

// AnalysisResult is the structured output of one graph node for one turn.
//
// # Invariant
//
// At most one stored AnalysisResult exists per (SessionID, TurnID, Kind).
type AnalysisResult struct {
	SessionID  string      `json:"session_id"`
	TurnID     string      `json:"turn_id"`
	Kind       ResultKind  `json:"kind"`
	Payload    interface{} `json:"payload"`
	ErrorCode  string      `json:"error_code,omitempty"`
	ProducedAt time.Time   `json:"produced_at"`
}

// SummaryPayload is the structured output of the summarize node.
type SummaryPayload struct {
	Summary       string `json:"summary"`
	CustomerIssue string `json:"customer_issue"`
	AgentAction   string `json:"agent_action"`
}

// IntentPayload is the structured output of the intent node.
type IntentPayload struct {
	Label         string   `json:"label"`
	Confidence    float64  `json:"confidence"`
	EvidenceSpans []string `json:"evidence_spans"`
}

// SentimentPayload is the structured output of the sentiment node.
type SentimentPayload struct {
	Valence float64 `json:"valence"`
	Arousal float64 `json:"arousal"`
	Tag     string  `json:"tag"`
}

// PolicyRecommendation is one ranked entry from the rag_policy node.
type PolicyRecommendation struct {
	Title     string  `json:"title"`
	Snippet   string  `json:"snippet"`
	Rationale string  `json:"rationale"`
	Score     float64 `json:"score"`
}

// RAGPolicyPayload is the structured output of the rag_policy node.
type RAGPolicyPayload struct {
	Recommendations []PolicyRecommendation `json:"recommendations"`
}

// FAQHit is one ranked FAQ entry returned by the faq_search node.
type FAQHit struct {
	Question   string  `json:"question"`
	Answer     string  `json:"answer"`
	Similarity float64 `json:"similarity"`
	CacheHit   bool    `json:"cache_hit"`
}

// FAQPayload is the structured output of the faq_search node.
type FAQPayload struct {
	Hits []FAQHit `json:"hits"`
}

// RiskLevel classifies the risk node's assessment.
type RiskLevel string

const (
	RiskLow    RiskLevel = "low"
	RiskMedium RiskLevel = "medium"
	RiskHigh   RiskLevel = "high"
)

// RiskPayload is the structured output of the risk node.
type RiskPayload struct {
	Level   RiskLevel `json:"risk_level"`
	Reasons []string  `json:"reasons"`
}

// DraftReplyPayload is the structured output of the draft_reply node.
type DraftReplyPayload struct {
	Candidates []string `json:"candidates"`
}

// Document is a retrievable unit in the vector store.
type Document struct {
	ID        string            `json:"id"`
	Text      string            `json:"text"`
	Metadata  map[string]string `json:"metadata"`
	Embedding []float32         `json:"embedding,omitempty"`
}

// DocumentScore pairs a Document with its similarity distance.
type DocumentScore struct {
	Document Document
	Distance float64
}

// CacheEntry is one semantic-cache row: a prior query embedding keyed by
// category, pointing at the documents it resolved to.
//
// # Invariant
//
// All embeddings within a cache collection share the configured dimension D.
type CacheEntry struct {
	ID          string    `json:"id"`
	QueryText   string    `json:"query_text"`
	Embedding   []float32 `json:"-"`
	Category    string    `json:"category"`
	DocumentIDs []string  `json:"document_ids"`
	HitCount    int       `json:"hit_count"`
	CreatedAt   time.Time `json:"created_at"`
}
