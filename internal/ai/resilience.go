package ai

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker/v2"
)

// BreakerConfig controls when Guarded stops calling the provider
type BreakerConfig struct {
	Name                string
	ConsecutiveFailures uint32
	OpenTimeout         time.Duration
}

// Guarded wraps a Completer with a circuit breaker. It never retries: an open
// breaker fails fast with KindConnectionUnavailable.
type Guarded struct {
	next    Completer
	breaker *gobreaker.CircuitBreaker[CompletionResponse]
}

func NewGuarded(next Completer, cfg BreakerConfig, logger *slog.Logger) *Guarded {
	if cfg.Name == "" {
		cfg.Name = "completion"
	}
	if cfg.ConsecutiveFailures == 0 {
		cfg.ConsecutiveFailures = 5
	}
	if cfg.OpenTimeout <= 0 {
		cfg.OpenTimeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.OpenTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.ConsecutiveFailures
		},
		IsSuccessful: func(err error) bool {
			return err == nil || !recordsFailure(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("circuit_breaker_state_change", "operation", name, "from", from.String(), "to", to.String())
		},
	}
	return &Guarded{next: next, breaker: gobreaker.NewCircuitBreaker[CompletionResponse](settings)}
}

func (g *Guarded) Complete(ctx context.Context, req CompletionRequest) (CompletionResponse, error) {
	resp, err := g.breaker.Execute(func() (CompletionResponse, error) {
		return g.next.Complete(ctx, req)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return CompletionResponse{}, &UpstreamError{Kind: KindConnectionUnavailable, Op: "breaker", Err: err}
	}
	return resp, err
}

// State exposes the breaker state for health reporting
func (g *Guarded) State() string {
	return g.breaker.State().String()
}

// recordsFailure reports whether err counts against the breaker. Authentication
// and malformed responses do not.
func recordsFailure(err error) bool {
	switch KindOf(err) {
	case KindAuthenticationFailed, KindMalformedResponse:
		return false
	}
	return true
}
