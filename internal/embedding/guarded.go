package embedding

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
	"golang.org/x/time/rate"

	"github.com/scrypster/strata/internal/storage"
)

// GuardConfig configures a Guarded provider.
type GuardConfig struct {
	Dimension       int           // Required vector width
	Timeout         time.Duration // Per-call bound (default: 5s)
	CacheSize       int           // Cached vectors; 0 disables the cache
	RatePerSec      float64       // Calls per second; 0 means unlimited
	BreakerFailures uint32
	BreakerTimeout  time.Duration
}

// Guarded is the provider the tiers actually talk to. Every error it returns
// wraps storage.ErrEmbeddingUnavailable or storage.ErrDimensionMismatch.
type Guarded struct {
	inner   Provider
	dim     int
	timeout time.Duration
	breaker *Breaker
	limiter *rate.Limiter
	cache   *ristretto.Cache
}

// NewGuarded wraps p. The provider's declared width, when set, must match
// the configured dimension.
func NewGuarded(p Provider, cfg GuardConfig) (*Guarded, error) {
	if p == nil {
		return nil, fmt.Errorf("embedding: provider is required: %w", storage.ErrInvalidInput)
	}
	if cfg.Dimension < 1 {
		return nil, fmt.Errorf("embedding: dimension must be positive: %w", storage.ErrInvalidInput)
	}
	if d := p.Dimensions(); d > 0 && d != cfg.Dimension {
		return nil, fmt.Errorf("embedding: %s produces %d dimensions, configured %d: %w",
			p.Model(), d, cfg.Dimension, storage.ErrDimensionMismatch)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 5 * time.Second
	}

	g := &Guarded{
		inner:   p,
		dim:     cfg.Dimension,
		timeout: cfg.Timeout,
		breaker: NewBreaker(p.Model(), BreakerConfig{
			MaxFailures: cfg.BreakerFailures,
			Timeout:     cfg.BreakerTimeout,
		}),
		limiter: rate.NewLimiter(rate.Inf, 1),
	}
	if cfg.RatePerSec > 0 {
		burst := int(cfg.RatePerSec)
		if burst < 1 {
			burst = 1
		}
		g.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), burst)
	}
	if cfg.CacheSize > 0 {
		cache, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: int64(cfg.CacheSize) * 10,
			MaxCost:     int64(cfg.CacheSize),
			BufferItems: 64,
		})
		if err != nil {
			return nil, fmt.Errorf("embedding: failed to create cache: %w", err)
		}
		g.cache = cache
	}
	return g, nil
}

// Embed returns a vector of exactly Dimensions() floats.
func (g *Guarded) Embed(ctx context.Context, text string) ([]float32, error) {
	if g.cache != nil {
		if v, ok := g.cache.Get(text); ok {
			return append([]float32(nil), v.([]float32)...), nil
		}
	}

	ctx, cancel := context.WithTimeout(ctx, g.timeout)
	defer cancel()

	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("%w: rate limit: %v", storage.ErrEmbeddingUnavailable, err)
	}

	vec, err := g.breaker.Do(ctx, func() ([]float32, error) {
		return g.inner.Embed(ctx, text)
	})
	if err != nil {
		if errors.Is(err, storage.ErrDimensionMismatch) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %s: %v", storage.ErrEmbeddingUnavailable, g.inner.Model(), err)
	}
	if len(vec) != g.dim {
		return nil, fmt.Errorf("%w: %s returned %d, want %d",
			storage.ErrDimensionMismatch, g.inner.Model(), len(vec), g.dim)
	}

	if g.cache != nil {
		g.cache.Set(text, append([]float32(nil), vec...), 1)
		g.cache.Wait()
	}
	return vec, nil
}

// Dimensions returns the configured width.
func (g *Guarded) Dimensions() int { return g.dim }

// Model returns the wrapped provider's model id.
func (g *Guarded) Model() string { return g.inner.Model() }

// Health reports the breaker state: "closed" means healthy.
func (g *Guarded) Health() string { return g.breaker.State() }

// Metrics exposes the breaker counters.
func (g *Guarded) Metrics() BreakerMetrics { return g.breaker.Metrics() }

// Close releases the cache and, when supported, the wrapped provider.
func (g *Guarded) Close() error {
	if g.cache != nil {
		g.cache.Close()
	}
	if c, ok := g.inner.(interface{ Close() error }); ok {
		return c.Close()
	}
	return nil
}

var _ Provider = (*Guarded)(nil)
