package llm

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/alexshd/bifmon"
)

// BreakerConfig holds configuration for the completion circuit breaker.
type BreakerConfig struct {
	Name             string
	MaxRequests      uint32        // Allowed through while half-open
	Interval         time.Duration // Closed-state counter reset period
	Timeout          time.Duration // Open duration before probing again
	FailureThreshold float64       // Failure ratio that trips the breaker
	MinRequests      uint32        // Requests before the ratio is evaluated
}

// DefaultBreakerConfig returns a breaker that opens after mostly failing
// calls and probes again after a minute.
func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      1,
		Interval:         30 * time.Second,
		Timeout:          60 * time.Second,
		FailureThreshold: 0.8,
		MinRequests:      5,
	}
}

// Breaker short-circuits a failing provider so that extraction falls back
// to local frequency analysis without waiting on a dead endpoint.
type Breaker struct {
	next bifmon.Completer
	cb   *gobreaker.CircuitBreaker
}

// NewBreaker wraps next with a circuit breaker.
func NewBreaker(next bifmon.Completer, cfg BreakerConfig, logger *slog.Logger) *Breaker {
	if logger == nil {
		logger = slog.Default()
	}

	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return false
			}
			failureRatio := float64(counts.TotalFailures) / float64(counts.Requests)
			return failureRatio >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("llm circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
		IsSuccessful: func(err error) bool {
			// Caller cancellation says nothing about provider health.
			return err == nil || errors.Is(err, context.Canceled)
		},
	})

	return &Breaker{next: next, cb: cb}
}

// Complete implements bifmon.Completer. While the breaker is open it fails
// immediately with gobreaker.ErrOpenState.
func (b *Breaker) Complete(ctx context.Context, system, prompt string) (string, error) {
	out, err := b.cb.Execute(func() (interface{}, error) {
		return b.next.Complete(ctx, system, prompt)
	})
	if err != nil {
		return "", err
	}
	return out.(string), nil
}

// State reports the breaker state.
func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}
