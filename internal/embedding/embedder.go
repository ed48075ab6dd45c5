package embedding

import (
	"context"
	"errors"
	"math"

	"github.com/cespare/xxhash/v2"
)

// ErrEmptyText is returned when text has no embeddable tokens.
var ErrEmptyText = errors.New("embedding: no tokens in text")

// Embedder turns text into a fixed-dimension vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// HashEmbedder is a deterministic local embedder using signed feature hashing
// of word unigrams and bigrams.
type HashEmbedder struct {
	Dimensions int
}

// NewHashEmbedder returns a HashEmbedder producing vectors of length dims.
func NewHashEmbedder(dims int) *HashEmbedder {
	return &HashEmbedder{Dimensions: dims}
}

// Embed implements Embedder. The result is L2-normalized.
func (h *HashEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dims := h.Dimensions
	if dims <= 0 {
		dims = DefaultIndexConfig().Dimensions
	}
	tokens := tokenize(text)
	if len(tokens) == 0 {
		return nil, ErrEmptyText
	}

	acc := make([]float64, dims)
	add := func(feature string, weight float64) {
		sum := xxhash.Sum64String(feature)
		idx := sum % uint64(dims)
		if sum>>63 == 1 {
			weight = -weight
		}
		acc[idx] += weight
	}
	for i, tok := range tokens {
		add(tok, 1)
		if i > 0 {
			add(tokens[i-1]+" "+tok, 0.5)
		}
	}

	var norm float64
	for _, v := range acc {
		norm += v * v
	}
	if norm == 0 {
		return nil, ErrEmptyText
	}
	norm = math.Sqrt(norm)
	out := make([]float32, dims)
	for i, v := range acc {
		out[i] = float32(v / norm)
	}
	return out, nil
}
