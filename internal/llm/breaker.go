package llm

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"

	"synapse/internal/logging"
)

// ErrCircuitOpen is returned while the breaker is rejecting calls.
var ErrCircuitOpen = errors.New("llm circuit breaker open")

// BreakerClient wraps a Client with a circuit breaker so a failing endpoint
// degrades fast instead of stalling every pipeline step on timeouts.
type BreakerClient struct {
	inner Client
	cb    *gobreaker.CircuitBreaker
}

// NewBreakerClient wraps inner with default breaker settings: the circuit
// opens after 5 consecutive failures and probes again after 30 seconds.
// Prompt-guard rejections are the caller's fault and never trip the breaker.
func NewBreakerClient(inner Client) *BreakerClient {
	settings := gobreaker.Settings{
		Name:    "llm",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrPromptTooLarge)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logging.Get(logging.CategoryLLM).Warn("circuit breaker %s: %s -> %s", name, from, to)
		},
	}
	return &BreakerClient{
		inner: inner,
		cb:    gobreaker.NewCircuitBreaker(settings),
	}
}

// Complete proxies to the inner client through the breaker.
func (b *BreakerClient) Complete(ctx context.Context, prompt string) (string, error) {
	return b.CompleteWithSystem(ctx, "", prompt)
}

// CompleteWithSystem proxies to the inner client through the breaker.
func (b *BreakerClient) CompleteWithSystem(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.inner.CompleteWithSystem(ctx, systemPrompt, userPrompt)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", ErrCircuitOpen
		}
		return "", err
	}
	s, _ := out.(string)
	return s, nil
}
