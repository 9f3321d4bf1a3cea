package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"

	"github.com/udisondev/gamecore/internal/eventbus"
)

const (
	breakerTripAfter = 5                // consecutive Save failures
	breakerCooldown  = 30 * time.Second // open duration before a probe
)

// Breaker wraps Save in a circuit breaker so a dead backend fails fast instead
// of stalling every flush tick on timeouts. Load passes through untouched; a
// load failure is already terminal for the requesting actor.
type Breaker[S any] struct {
	inner Store[S]
	cb    *gobreaker.CircuitBreaker
}

// NewBreaker decorates inner with a breaker named for alert events.
func NewBreaker[S any](name string, inner Store[S], bus *eventbus.Bus) *Breaker[S] {
	cb := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 1,
		Timeout:     breakerCooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= breakerTripAfter
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			slog.Warn("store breaker state change",
				"breaker", name,
				"from", from.String(),
				"to", to.String())
			bus.BreakerChange(name, from.String(), to.String())
		},
	})
	return &Breaker[S]{inner: inner, cb: cb}
}

// Load delegates to the wrapped store.
func (b *Breaker[S]) Load(ctx context.Context, kind string, id int64) (*S, error) {
	return b.inner.Load(ctx, kind, id)
}

// Save delegates through the breaker. While open, returns ErrUnavailable
// without touching the backend.
func (b *Breaker[S]) Save(ctx context.Context, kind string, id int64, state *S) error {
	_, err := b.cb.Execute(func() (any, error) {
		return nil, b.inner.Save(ctx, kind, id, state)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return fmt.Errorf("saving %s/%d: %w", kind, id, ErrUnavailable)
	}
	return err
}
