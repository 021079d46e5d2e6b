// Package resilience wraps outbound collaborator calls in a circuit breaker.
package resilience

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"

	"github.com/ehr/medsafety/internal/platform/metrics"
)

// ErrUnavailable is returned while the breaker is open or saturated.
var ErrUnavailable = errors.New("collaborator unavailable: circuit open")

type BreakerConfig struct {
	Name             string
	MaxRequests      uint32
	Interval         time.Duration
	Timeout          time.Duration
	FailureThreshold uint32
	FailureRatio     float64
	MinRequests      uint32
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      3,
		Interval:         60 * time.Second,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
		FailureRatio:     0.6,
		MinRequests:      10,
	}
}

type Breaker struct {
	cb   *gobreaker.CircuitBreaker
	name string
}

func NewBreaker(cfg BreakerConfig, logger zerolog.Logger, m *metrics.Metrics) *Breaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			if counts.Requests < cfg.MinRequests {
				return counts.ConsecutiveFailures >= cfg.FailureThreshold
			}
			return float64(counts.TotalFailures)/float64(counts.Requests) >= cfg.FailureRatio
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn().
				Str("breaker", name).
				Str("from", from.String()).
				Str("to", to.String()).
				Msg("circuit breaker state changed")
			m.BreakerState(name, stateValue(to))
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings), name: cfg.Name}
}

// Do runs fn through the breaker. Context cancellation by the caller is not
// counted as a collaborator failure.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := b.cb.Execute(func() (interface{}, error) {
		err := fn(ctx)
		if err != nil && ctx.Err() != nil {
			return nil, nil
		}
		return nil, err
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrUnavailable
	}
	if err == nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

func (b *Breaker) State() gobreaker.State {
	return b.cb.State()
}

func stateValue(s gobreaker.State) int {
	switch s {
	case gobreaker.StateHalfOpen:
		return 1
	case gobreaker.StateOpen:
		return 2
	default:
		return 0
	}
}
