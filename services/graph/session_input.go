package graph

import "github.com/triagebackend/consult/services/datatypes"

// SessionInput is the root input handed to every node under the "root"
// key. It is the slice of session state a graph run needs:
// the full turn history so far, the rolling summary cursor, and the
// configured intent label set.
type SessionInput struct {
	SessionID           string
	Turns               []datatypes.TranscriptTurn
	LastSummarizedIndex int
	CurrentSummary      string
	IntentLabels        []string

	// SystemPrefix is the Room Agent's static system-prompt prefix for the
	// current customer binding. It is byte-identical across calls while the
	// binding is unchanged, which lets chat-calling nodes place it first in
	// every system message to enable provider-side implicit prompt caching

	SystemPrefix string
}

// NewTurns returns the turns appended since LastSummarizedIndex.
func (s *SessionInput) NewTurns() []datatypes.TranscriptTurn {
	if s.LastSummarizedIndex >= len(s.Turns) {
		return nil
	}
	return s.Turns[s.LastSummarizedIndex:]
}

// LastCustomerUtterance returns the most recent customer turn's text, or
// "" if the session has no customer turns yet.
func (s *SessionInput) LastCustomerUtterance() string {
	for i := len(s.Turns) - 1; i >= 0; i-- {
		if s.Turns[i].Role == datatypes.RoleCustomer {
			return s.Turns[i].Text
		}
	}
	return ""
}

// rootInput extracts and type-asserts the pipeline's root SessionInput out
// of a node's inputs map.
func rootInput(inputs map[string]any) (*SessionInput, error) {
	root, ok := inputs["root"]
	if !ok {
		return nil, ErrInvalidInput
	}
	session, ok := root.(*SessionInput)
	if !ok {
		return nil, ErrInvalidInput
	}
	return session, nil
}
