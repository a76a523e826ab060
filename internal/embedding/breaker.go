package embedding

import (
	"context"
	"errors"
	"log"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is returned when the breaker rejects a call without trying
// the provider.
var ErrCircuitOpen = errors.New("circuit breaker is open")

// BreakerConfig holds the configuration for the circuit breaker.
type BreakerConfig struct {
	// MaxFailures is the number of consecutive failures required to trip.
	// Default: 3
	MaxFailures uint32

	// Timeout is how long the circuit stays open before half-open.
	// Default: 30 seconds
	Timeout time.Duration

	// HalfOpenMaxSuccesses is the number of trial requests allowed while half-open.
	// Default: 2
	HalfOpenMaxSuccesses uint32
}

// BreakerMetrics counts calls through the breaker.
type BreakerMetrics struct {
	TotalRequests  uint64
	TotalSuccesses uint64
	TotalFailures  uint64
	Rejected       uint64
}

// Breaker wraps gobreaker so a dead provider costs one fast rejection per
// call instead of a full timeout.
type Breaker struct {
	breaker *gobreaker.CircuitBreaker

	requests  atomic.Uint64
	successes atomic.Uint64
	failures  atomic.Uint64
	rejected  atomic.Uint64
}

// NewBreaker creates a breaker, applying defaults for zero fields.
func NewBreaker(name string, cfg BreakerConfig) *Breaker {
	if cfg.MaxFailures == 0 {
		cfg.MaxFailures = 3
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.HalfOpenMaxSuccesses == 0 {
		cfg.HalfOpenMaxSuccesses = 2
	}

	b := &Breaker{}
	b.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: cfg.HalfOpenMaxSuccesses,
		Timeout:     cfg.Timeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Printf("embedding: breaker %s %s -> %s", name, from, to)
		},
	})
	return b
}

// Do runs fn through the breaker.
func (b *Breaker) Do(ctx context.Context, fn func() ([]float32, error)) ([]float32, error) {
	b.requests.Add(1)
	if err := ctx.Err(); err != nil {
		b.failures.Add(1)
		return nil, err
	}

	result, err := b.breaker.Execute(func() (interface{}, error) {
		return fn()
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			b.rejected.Add(1)
			return nil, ErrCircuitOpen
		}
		b.failures.Add(1)
		return nil, err
	}

	b.successes.Add(1)
	return result.([]float32), nil
}

// State returns "closed", "open" or "half-open".
func (b *Breaker) State() string {
	switch b.breaker.State() {
	case gobreaker.StateClosed:
		return "closed"
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// Metrics returns a snapshot of the call counters.
func (b *Breaker) Metrics() BreakerMetrics {
	return BreakerMetrics{
		TotalRequests:  b.requests.Load(),
		TotalSuccesses: b.successes.Load(),
		TotalFailures:  b.failures.Load(),
		Rejected:       b.rejected.Load(),
	}
}
