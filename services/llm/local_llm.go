package llm

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"strings"

	"github.com/triagebackend/consult/services/datatypes"
)

// LocalClient is a deterministic, dependency-free LLMClient used as the
// default backend when LLM_BACKEND_TYPE is unset or unrecognized, and in
// tests that exercise the graph without a live model provider. It never
// makes a network call.
//
// # Thread Safety
//
// Safe for concurrent use; holds no mutable state.
type LocalClient struct {
	dim int
}

// NewLocalClient builds a LocalClient producing embeddings of dimension dim.
// A dim of 0 defaults to 8.
func NewLocalClient(dim int) *LocalClient {
	if dim <= 0 {
		dim = 8
	}
	return &LocalClient{dim: dim}
}

// Generate returns a canned completion that echoes the prompt's shape,
// enough for callers that only need a non-empty response in tests.
func (c *LocalClient) Generate(_ context.Context, prompt string, _ GenerationParams) (string, error) {
	return "ack: " + firstLine(prompt), nil
}

// Chat returns a canned response derived from the last user message.
func (c *LocalClient) Chat(_ context.Context, messages []datatypes.Message, _ GenerationParams) (string, error) {
	last := ""
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			last = messages[i].Content
			break
		}
	}
	return "ack: " + firstLine(last), nil
}

// ChatStream emits the Chat response as a single token event.
func (c *LocalClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	resp, err := c.Chat(ctx, messages, params)
	if err != nil {
		_ = callback(StreamEvent{Type: StreamEventError, Error: err.Error()})
		return err
	}
	return callback(StreamEvent{Type: StreamEventToken, Content: resp})
}

// Embed derives a deterministic pseudo-embedding from a SHA-256 digest of
// the text, so that identical text always embeds identically and distinct
// text embeds distinctly, without depending on a real model.
func (c *LocalClient) Embed(_ context.Context, text string) ([]float32, error) {
	sum := sha256.Sum256([]byte(text))
	vec := make([]float32, c.dim)
	for i := 0; i < c.dim; i++ {
		off := (i * 4) % (len(sum) - 3)
		bits := binary.BigEndian.Uint32(sum[off : off+4])
		vec[i] = float32(bits%2000)/1000.0 - 1.0
	}
	return vec, nil
}

func firstLine(s string) string {
	if idx := strings.IndexByte(s, '\n'); idx >= 0 {
		s = s[:idx]
	}
	if len(s) > 80 {
		s = s[:80]
	}
	return s
}
