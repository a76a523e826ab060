package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"regexp"
	"strings"
)

var tokenPattern = regexp.MustCompile(`[\p{L}\p{N}_\-]+`)

// HashProvider is an offline embedder mixing character trigrams and whole
// tokens through FNV feature hashing. Texts sharing words or word fragments
// land close together, which is enough for local recall without a model.
type HashProvider struct {
	dims int
}

// NewHashProvider creates a hash embedder producing dims-wide vectors.
func NewHashProvider(dims int) *HashProvider {
	if dims < 1 {
		dims = 384
	}
	return &HashProvider{dims: dims}
}

// Embed never fails unless ctx is already done.
func (h *HashProvider) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	vec := make([]float32, h.dims)
	normalized := strings.ToLower(strings.TrimSpace(text))
	if normalized == "" {
		return vec, nil
	}

	tokens := tokenPattern.FindAllString(normalized, -1)
	if len(tokens) == 0 {
		tokens = []string{normalized}
	}
	for _, tok := range tokens {
		runes := []rune("#" + tok + "#")
		for i := 0; i+3 <= len(runes); i++ {
			vec[h.bucket(string(runes[i:i+3]))] += 1
		}
		vec[h.bucket("tok:"+tok)] += 1.25
	}
	Normalize(vec)
	return vec, nil
}

func (h *HashProvider) bucket(feature string) int {
	f := fnv.New64a()
	_, _ = f.Write([]byte(feature))
	return int(f.Sum64() % uint64(h.dims))
}

// Dimensions returns the vector width.
func (h *HashProvider) Dimensions() int { return h.dims }

// Model returns a stable identifier including the width.
func (h *HashProvider) Model() string { return fmt.Sprintf("strata-chargram-%d-v1", h.dims) }
