package assistant

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/wolfman30/docfollow/pkg/logging"
)

// ErrCircuitOpen is returned while the breaker refuses calls.
var ErrCircuitOpen = errors.New("assistant: model circuit open")

// BreakerSettings tunes BreakerLLMClient.
type BreakerSettings struct {
	Name string
	// ConsecutiveFailures trips the breaker.
	ConsecutiveFailures uint32
	// OpenFor is how long the breaker stays open before it lets a trial call through.
	OpenFor time.Duration
}

// BreakerLLMClient stops calling a failing provider for a while so extraction
// jobs fail fast into placeholder drafts instead of stacking up timeouts.
type BreakerLLMClient struct {
	next LLMClient
	cb   *gobreaker.CircuitBreaker[LLMResponse]
}

func NewBreakerLLMClient(next LLMClient, settings BreakerSettings, logger *logging.Logger) *BreakerLLMClient {
	if next == nil {
		panic("assistant: breaker requires an llm client")
	}
	if logger == nil {
		logger = logging.Default()
	}
	if settings.Name == "" {
		settings.Name = "llm"
	}
	if settings.ConsecutiveFailures == 0 {
		settings.ConsecutiveFailures = 5
	}
	if settings.OpenFor <= 0 {
		settings.OpenFor = 30 * time.Second
	}
	threshold := settings.ConsecutiveFailures
	cb := gobreaker.NewCircuitBreaker[LLMResponse](gobreaker.Settings{
		Name:        settings.Name,
		MaxRequests: 1,
		Timeout:     settings.OpenFor,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= threshold
		},
		// Input problems say nothing about provider health.
		IsSuccessful: func(err error) bool {
			return err == nil || errors.Is(err, ErrUnsupportedContent) || errors.Is(err, context.Canceled)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("llm circuit state changed", "breaker", name, "from", from.String(), "to", to.String())
		},
	})
	return &BreakerLLMClient{next: next, cb: cb}
}

func (c *BreakerLLMClient) Complete(ctx context.Context, req LLMRequest) (LLMResponse, error) {
	resp, err := c.cb.Execute(func() (LLMResponse, error) {
		return c.next.Complete(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return LLMResponse{}, errors.Join(ErrCircuitOpen, err)
	}
	return resp, err
}

// State reports the breaker state for health output.
func (c *BreakerLLMClient) State() string {
	return c.cb.State().String()
}
