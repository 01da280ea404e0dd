// README: Circuit breaker around Google Maps calls so a failing API is skipped quickly.
package maps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sony/gobreaker"
)

var ErrUnavailable = errors.New("maps provider unavailable")

type BreakerConfig struct {
	Name             string
	MaxRequests      uint32        // allowed in half-open state
	Interval         time.Duration // failure count reset period while closed
	Timeout          time.Duration // open -> half-open
	FailureThreshold uint32        // consecutive failures to trip
}

func DefaultBreakerConfig(name string) BreakerConfig {
	return BreakerConfig{
		Name:             name,
		MaxRequests:      1,
		Interval:         time.Minute,
		Timeout:          30 * time.Second,
		FailureThreshold: 5,
	}
}

type Breaker struct {
	cb  *gobreaker.CircuitBreaker
	log *slog.Logger
}

func NewBreaker(cfg BreakerConfig, log *slog.Logger) *Breaker {
	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: cfg.MaxRequests,
		Interval:    cfg.Interval,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.FailureThreshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn("circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}
	return &Breaker{cb: gobreaker.NewCircuitBreaker(settings), log: log}
}

// Do runs fn through the breaker. Open or saturated breakers return ErrUnavailable.
func (b *Breaker) Do(ctx context.Context, fn func(ctx context.Context) (interface{}, error)) (interface{}, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	res, err := b.cb.Execute(func() (interface{}, error) {
		return fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, fmt.Errorf("%w: %s %v", ErrUnavailable, b.cb.Name(), err)
	}
	return res, err
}

func (b *Breaker) State() string {
	return b.cb.State().String()
}
