// Package resilience provides the retry primitives shared by the pollers and
// the dispatcher:
//   - Exponential backoff with an upper bound and optional jitter
//   - Cancellable sleeps
//   - A circuit breaker for lookups that must never block forwarding
package resilience

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen indicates the circuit breaker is open.
var ErrCircuitOpen = gobreaker.ErrOpenState

// Backoff computes exponential retry intervals.
type Backoff struct {
	Base         time.Duration
	Max          time.Duration
	Multiplier   float64
	RandomFactor float64
}

// DefaultBackoff is base 1s, cap 60s, doubling, no jitter.
func DefaultBackoff() Backoff {
	return Backoff{
		Base:       time.Second,
		Max:        time.Minute,
		Multiplier: 2.0,
	}
}

// Duration returns the wait before retry number attempt (1-based).
func (b Backoff) Duration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 2.0
	}

	interval := float64(b.Base)
	for i := 1; i < attempt; i++ {
		interval *= mult
		if b.Max > 0 && interval >= float64(b.Max) {
			interval = float64(b.Max)
			break
		}
	}

	if b.RandomFactor > 0 {
		interval *= 1.0 + b.RandomFactor*(2*rand.Float64()-1)
	}

	d := time.Duration(interval)
	if b.Max > 0 && d > b.Max {
		d = b.Max
	}
	return d
}

// Jitter returns a random duration in [0, max).
func Jitter(maxJitter time.Duration) time.Duration {
	if maxJitter <= 0 {
		return 0
	}
	return rand.N(maxJitter)
}

// Sleep waits for d or until ctx is done. It reports whether the full
// duration elapsed.
func Sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}

// SleepFunc is the signature of Sleep, injectable for tests.
type SleepFunc func(ctx context.Context, d time.Duration) bool

// CircuitBreakerConfig holds configuration for circuit breakers.
type CircuitBreakerConfig struct {
	Name          string
	MaxFailures   int
	Timeout       time.Duration
	ResetInterval time.Duration
	Logger        *slog.Logger
}

// CircuitBreaker wraps gobreaker with a per-call timeout.
type CircuitBreaker struct {
	name    string
	timeout time.Duration
	cb      *gobreaker.CircuitBreaker
}

// NewCircuitBreaker creates a new circuit breaker.
func NewCircuitBreaker(cfg CircuitBreakerConfig) *CircuitBreaker {
	if cfg.MaxFailures <= 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.ResetInterval <= 0 {
		cfg.ResetInterval = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	settings := gobreaker.Settings{
		Name:        cfg.Name,
		MaxRequests: 1,
		Timeout:     cfg.ResetInterval,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= uint32(cfg.MaxFailures) //nolint:gosec // small positive int
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Info("Circuit breaker state changed", "name", name, "from", from.String(), "to", to.String())
		},
	}

	return &CircuitBreaker{
		name:    cfg.Name,
		timeout: cfg.Timeout,
		cb:      gobreaker.NewCircuitBreaker(settings),
	}
}

// Execute runs operation through the breaker with the configured timeout
// applied when ctx has no deadline of its own.
func (cb *CircuitBreaker) Execute(ctx context.Context, operation func(context.Context) error) error {
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, cb.timeout)
		defer cancel()
	}

	_, err := cb.cb.Execute(func() (any, error) {
		return nil, operation(ctx)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return fmt.Errorf("%s: %w", cb.name, ErrCircuitOpen)
		}
		return err
	}
	return nil
}
