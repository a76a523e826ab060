// Package embedding turns text into fixed-width vectors for the warm tier.
//
// Providers are plain text-to-vector functions. Guarded wraps any provider
// with the timeout, circuit breaker, rate limit, cache and dimension checks
// the rest of the engine relies on, and maps every failure onto the storage
// error taxonomy.
package embedding

import (
	"context"
	"fmt"
	"math"

	"github.com/scrypster/strata/internal/config"
)

// Provider generates embeddings.
type Provider interface {
	// Embed returns the vector for text.
	Embed(ctx context.Context, text string) ([]float32, error)

	// Dimensions returns the vector width this provider produces.
	Dimensions() int

	// Model identifies the model, stored alongside every vector.
	Model() string
}

// New builds the configured provider wrapped in a Guarded.
func New(cfg *config.Config) (*Guarded, error) {
	var (
		p   Provider
		err error
	)
	switch cfg.Embedding.Provider {
	case "hash":
		p = NewHashProvider(cfg.Warm.Dimension)
	case "ollama":
		p = NewOllamaProvider(OllamaConfig{
			BaseURL:    cfg.Embedding.OllamaURL,
			Model:      cfg.Embedding.Model,
			Timeout:    cfg.Embedding.Timeout,
			Dimensions: cfg.Warm.Dimension,
		})
	case "onnx":
		p, err = NewONNXProvider(ONNXConfig{
			ModelPath:  cfg.Embedding.ModelPath,
			Dimensions: cfg.Warm.Dimension,
		})
	default:
		err = fmt.Errorf("embedding: unknown provider %q", cfg.Embedding.Provider)
	}
	if err != nil {
		return nil, err
	}

	return NewGuarded(p, GuardConfig{
		Dimension:       cfg.Warm.Dimension,
		Timeout:         cfg.Embedding.Timeout,
		CacheSize:       cfg.Embedding.CacheSize,
		RatePerSec:      cfg.Embedding.RatePerSec,
		BreakerFailures: uint32(cfg.Embedding.BreakerFailures),
		BreakerTimeout:  cfg.Embedding.BreakerTimeout,
	})
}

// Normalize scales vec to unit length in place.
func Normalize(vec []float32) {
	var sum float64
	for _, v := range vec {
		sum += float64(v) * float64(v)
	}
	if sum == 0 {
		return
	}
	inv := float32(1 / math.Sqrt(sum))
	for i := range vec {
		vec[i] *= inv
	}
}

// Cosine returns the cosine similarity of a and b, or 0 when the lengths
// differ or either vector is zero.
func Cosine(a, b []float32) float64 {
	if len(a) == 0 || len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		x, y := float64(a[i]), float64(b[i])
		dot += x * y
		na += x * x
		nb += y * y
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
