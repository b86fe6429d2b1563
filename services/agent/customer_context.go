package agent

import (
	"fmt"
	"strings"

	"github.com/triagebackend/consult/services/datatypes"
)

// CustomerInfo is the static per-session context the human agent's
// dashboard supplies once a customer binds to a room: who they are and
// any prior history to ground the system prompt in.
type CustomerInfo struct {
	CustomerID  string
	DisplayName string
	AccountTier string
	ChannelTag  string
	OpenTickets []string
}

const basePromptPrefix = `You are a real-time assistant helping a human support agent during a live
conversation. You receive the transcript so far and produce structured
analysis: summary, intent, sentiment, policy guidance, FAQ matches, risk
level, and draft replies. Never address the customer directly; your
audience is the human agent.`

// buildSystemPrefix deterministically renders the static system-prompt
// prefix for a customer binding. Byte-identical inputs must yield a
// byte-identical prefix so it can serve as a stable
// prompt-cache key across every graph invocation for that binding; it must
// never include a timestamp or any other value that changes call to call.
func buildSystemPrefix(info CustomerInfo, history []datatypes.TranscriptTurn) string {
	var b strings.Builder
	b.WriteString(basePromptPrefix)
	b.WriteString("\n\nCustomer: ")
	b.WriteString(info.DisplayName)
	if info.CustomerID != "" {
		fmt.Fprintf(&b, " (id=%s)", info.CustomerID)
	}
	if info.AccountTier != "" {
		fmt.Fprintf(&b, ", tier=%s", info.AccountTier)
	}
	if info.ChannelTag != "" {
		fmt.Fprintf(&b, ", channel=%s", info.ChannelTag)
	}
	b.WriteString("\n")

	if len(info.OpenTickets) > 0 {
		b.WriteString("Open tickets: ")
		b.WriteString(strings.Join(info.OpenTickets, ", "))
		b.WriteString("\n")
	}

	if len(history) > 0 {
		b.WriteString("Prior history:\n")
		for _, turn := range history {
			fmt.Fprintf(&b, "- %s (%s): %s\n", turn.Speaker, turn.Role, turn.Text)
		}
	}

	return b.String()
}
