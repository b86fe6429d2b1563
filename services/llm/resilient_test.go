package llm

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/triagebackend/consult/services/datatypes"
)

type flakyClient struct {
	failuresLeft int
	calls        int
}

func (f *flakyClient) Generate(context.Context, string, GenerationParams) (string, error) {
	f.calls++
	if f.failuresLeft > 0 {
		f.failuresLeft--
		return "", errors.New("transient")
	}
	return "ok", nil
}

func (f *flakyClient) Chat(context.Context, []datatypes.Message, GenerationParams) (string, error) {
	return f.Generate(context.Background(), "", GenerationParams{})
}

func (f *flakyClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	resp, err := f.Chat(ctx, messages, params)
	if err != nil {
		return err
	}
	return callback(StreamEvent{Type: StreamEventToken, Content: resp})
}

func (f *flakyClient) Embed(context.Context, string) ([]float32, error) {
	return []float32{1}, nil
}

func TestResilientClientRetriesTransientFailures(t *testing.T) {
	inner := &flakyClient{failuresLeft: 2}
	client := NewResilientClient(inner, 0, 3, time.Millisecond, 10*time.Millisecond)

	out, err := client.Generate(context.Background(), "hi", GenerationParams{})
	require.NoError(t, err)
	require.Equal(t, "ok", out)
	require.Equal(t, 3, inner.calls)
}

func TestResilientClientGivesUpAfterMaxAttempts(t *testing.T) {
	inner := &flakyClient{failuresLeft: 10}
	client := NewResilientClient(inner, 0, 2, time.Millisecond, 10*time.Millisecond)

	_, err := client.Generate(context.Background(), "hi", GenerationParams{})
	require.Error(t, err)
	require.Equal(t, 2, inner.calls)
}

func TestResilientClientStopsOnContextCancellation(t *testing.T) {
	inner := &flakyClient{failuresLeft: 10}
	client := NewResilientClient(inner, 0, 5, time.Millisecond, 10*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := client.Generate(ctx, "hi", GenerationParams{})
	require.Error(t, err)
}

func TestLocalClientEmbedIsDeterministic(t *testing.T) {
	client := NewLocalClient(16)
	v1, err := client.Embed(context.Background(), "refund policy")
	require.NoError(t, err)
	v2, err := client.Embed(context.Background(), "refund policy")
	require.NoError(t, err)
	require.Equal(t, v1, v2)

	v3, err := client.Embed(context.Background(), "screen broken")
	require.NoError(t, err)
	require.NotEqual(t, v1, v3)
	require.Len(t, v1, 16)
}
