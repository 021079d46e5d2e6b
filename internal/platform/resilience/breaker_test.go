package resilience

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/sony/gobreaker"
)

func TestBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	cfg := DefaultBreakerConfig("allergy")
	cfg.FailureThreshold = 2
	b := NewBreaker(cfg, zerolog.Nop(), nil)
	boom := errors.New("boom")
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		if err := b.Do(ctx, func(context.Context) error { return boom }); !errors.Is(err, boom) {
			t.Fatalf("attempt %d: expected boom, got %v", i, err)
		}
	}
	if b.State() != gobreaker.StateOpen {
		t.Fatalf("expected open breaker, got %s", b.State())
	}
	called := false
	err := b.Do(ctx, func(context.Context) error { called = true; return nil })
	if !errors.Is(err, ErrUnavailable) {
		t.Errorf("expected ErrUnavailable, got %v", err)
	}
	if called {
		t.Error("fn must not run while the breaker is open")
	}
}

func TestBreaker_CallerCancellationDoesNotTrip(t *testing.T) {
	cfg := DefaultBreakerConfig("notify")
	cfg.FailureThreshold = 1
	b := NewBreaker(cfg, zerolog.Nop(), nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := b.Do(ctx, func(ctx context.Context) error { return ctx.Err() })
	if !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
	if b.State() != gobreaker.StateClosed {
		t.Errorf("expected closed breaker, got %s", b.State())
	}
}
