package llm

import (
	"context"
	"errors"
	"log/slog"
	"math"
	"time"

	"golang.org/x/time/rate"

	"github.com/triagebackend/consult/services/datatypes"
)

// ResilientClient wraps an LLMClient with a per-backend rate limiter and
// bounded exponential-backoff retries on transient transport errors,
// matching an ollama client's rateLimiter field plus the
// "retried on transient transport errors with exponential backoff up to a
// fixed ceiling" requirement.
//
// # Thread Safety
//
// Safe for concurrent use; rate.Limiter is internally synchronized.
type ResilientClient struct {
	inner       LLMClient
	limiter     *rate.Limiter
	maxAttempts int
	baseDelay   time.Duration
	maxDelay    time.Duration
}

// NewResilientClient wraps inner with a token-bucket limiter allowing
// ratePerSecond requests/sec (burst of 1; ratePerSecond <= 0 disables it)
// and up to maxAttempts attempts in total, with exponential backoff
// between them starting at baseDelay, capped at maxDelay.
func NewResilientClient(inner LLMClient, ratePerSecond float64, maxAttempts int, baseDelay, maxDelay time.Duration) *ResilientClient {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if baseDelay <= 0 {
		baseDelay = 200 * time.Millisecond
	}
	if maxDelay <= 0 {
		maxDelay = 5 * time.Second
	}
	var limiter *rate.Limiter
	if ratePerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(ratePerSecond), 1)
	}
	return &ResilientClient{
		inner:       inner,
		limiter:     limiter,
		maxAttempts: maxAttempts,
		baseDelay:   baseDelay,
		maxDelay:    maxDelay,
	}
}

func (c *ResilientClient) wait(ctx context.Context) error {
	if c.limiter == nil {
		return nil
	}
	return c.limiter.Wait(ctx)
}

func (c *ResilientClient) backoff(attempt int) time.Duration {
	d := c.baseDelay * time.Duration(math.Pow(2, float64(attempt)))
	if d > c.maxDelay {
		d = c.maxDelay
	}
	return d
}

func (c *ResilientClient) retry(ctx context.Context, op string, fn func() error) error {
	var lastErr error
	for attempt := 0; attempt < c.maxAttempts; attempt++ {
		if err := c.wait(ctx); err != nil {
			return err
		}
		lastErr = fn()
		if lastErr == nil {
			return nil
		}
		if errors.Is(lastErr, context.Canceled) || errors.Is(lastErr, context.DeadlineExceeded) {
			return lastErr
		}
		if attempt == c.maxAttempts-1 {
			break
		}
		slog.Warn("llm call failed, retrying", "op", op, "attempt", attempt+1, "error", lastErr)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(c.backoff(attempt)):
		}
	}
	return lastErr
}

// Generate implements LLMClient.Generate with retry and rate limiting.
func (c *ResilientClient) Generate(ctx context.Context, prompt string, params GenerationParams) (string, error) {
	var out string
	err := c.retry(ctx, "Generate", func() error {
		var innerErr error
		out, innerErr = c.inner.Generate(ctx, prompt, params)
		return innerErr
	})
	return out, err
}

// Chat implements LLMClient.Chat with retry and rate limiting.
func (c *ResilientClient) Chat(ctx context.Context, messages []datatypes.Message, params GenerationParams) (string, error) {
	var out string
	err := c.retry(ctx, "Chat", func() error {
		var innerErr error
		out, innerErr = c.inner.Chat(ctx, messages, params)
		return innerErr
	})
	return out, err
}

// ChatStream implements LLMClient.ChatStream with rate limiting only.
// Streaming calls are not retried: the inner ChatStream is called once and
// its error, if any, is returned as is.
func (c *ResilientClient) ChatStream(ctx context.Context, messages []datatypes.Message, params GenerationParams, callback StreamCallback) error {
	if err := c.wait(ctx); err != nil {
		return err
	}
	return c.inner.ChatStream(ctx, messages, params, callback)
}

// Embed implements LLMClient.Embed with retry and rate limiting.
func (c *ResilientClient) Embed(ctx context.Context, text string) ([]float32, error) {
	var out []float32
	err := c.retry(ctx, "Embed", func() error {
		var innerErr error
		out, innerErr = c.inner.Embed(ctx, text)
		return innerErr
	})
	return out, err
}
