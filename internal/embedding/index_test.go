package embedding

import (
	"context"
	"fmt"
	"math"
	"math/rand/v2"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unit(dims int, hot ...int) []float32 {
	v := make([]float32, dims)
	for _, h := range hot {
		v[h] = 1
	}
	return v
}

func TestIndexInsertQueryRemove(t *testing.T) {
	ctx := context.Background()
	idx, err := NewIndex(IndexConfig{Dimensions: 4})
	require.NoError(t, err)

	require.NoError(t, idx.Insert(ctx, "a", unit(4, 0)))
	require.NoError(t, idx.Insert(ctx, "b", unit(4, 0, 1)))
	require.NoError(t, idx.Insert(ctx, "c", unit(4, 3)))
	assert.Equal(t, 3, idx.Len())

	hits, err := idx.Query(ctx, unit(4, 0), 2)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
	assert.Equal(t, "b", hits[1].ID)
	assert.InDelta(t, 1/math.Sqrt2, hits[1].Score, 1e-6)

	// topK larger than the collection is clamped.
	hits, err = idx.Query(ctx, unit(4, 0), 10)
	require.NoError(t, err)
	assert.Len(t, hits, 3)

	require.NoError(t, idx.Remove(ctx, "a"))
	require.NoError(t, idx.Remove(ctx, "a"))
	hits, err = idx.Query(ctx, unit(4, 0), 1)
	require.NoError(t, err)
	assert.Equal(t, "b", hits[0].ID)
}

func TestIndexInsertIsIdempotentByID(t *testing.T) {
	ctx := context.Background()
	idx, err := NewIndex(IndexConfig{Dimensions: 3})
	require.NoError(t, err)

	require.NoError(t, idx.Insert(ctx, "x", unit(3, 0)))
	require.NoError(t, idx.Insert(ctx, "x", unit(3, 2)))
	assert.Equal(t, 1, idx.Len())

	hits, err := idx.Query(ctx, unit(3, 2), 1)
	require.NoError(t, err)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)
}

func TestIndexRejectsBadVectors(t *testing.T) {
	ctx := context.Background()
	idx, err := NewIndex(IndexConfig{Dimensions: 3})
	require.NoError(t, err)

	assert.ErrorIs(t, idx.Insert(ctx, "x", []float32{1, 2}), ErrDimensionMismatch)
	assert.ErrorIs(t, idx.Insert(ctx, "x", []float32{0, 0, 0}), ErrZeroVector)
	assert.ErrorIs(t, idx.Insert(ctx, "x", []float32{float32(math.NaN()), 1, 0}), ErrZeroVector)
	assert.ErrorIs(t, idx.Insert(ctx, "", unit(3, 0)), ErrEmptyID)
	_, err = idx.Query(ctx, []float32{1}, 1)
	assert.ErrorIs(t, err, ErrDimensionMismatch)

	hits, err := idx.Query(ctx, unit(3, 0), 5)
	require.NoError(t, err)
	assert.Empty(t, hits)
}

func TestIndexApproximateMatchesExactForNearDuplicates(t *testing.T) {
	ctx := context.Background()
	const dims = 32
	idx, err := NewIndex(IndexConfig{Dimensions: dims, Tables: 6, Bits: 6, ExactThreshold: 1, Seed: 7})
	require.NoError(t, err)

	rng := rand.New(rand.NewPCG(1, 2))
	vecs := make(map[string][]float32)
	for n := range 500 {
		v := make([]float32, dims)
		for d := range v {
			v[d] = float32(rng.NormFloat64())
		}
		id := fmt.Sprintf("p%03d", n)
		vecs[id] = v
		require.NoError(t, idx.Insert(ctx, id, v))
	}

	// A slightly perturbed copy of a stored vector must find its source first.
	target := vecs["p123"]
	q := make([]float32, dims)
	for d := range q {
		q[d] = target[d] + float32(rng.NormFloat64()*0.01)
	}
	hits, err := idx.Query(ctx, q, 3)
	require.NoError(t, err)
	require.Len(t, hits, 3)
	assert.Equal(t, "p123", hits[0].ID)
	assert.Greater(t, hits[0].Score, 0.99)
	assert.GreaterOrEqual(t, hits[0].Score, hits[1].Score)
}

func TestIndexReset(t *testing.T) {
	ctx := context.Background()
	idx, err := NewIndex(IndexConfig{Dimensions: 2})
	require.NoError(t, err)
	require.NoError(t, idx.Insert(ctx, "a", unit(2, 0)))
	require.NoError(t, idx.Reset())
	assert.Zero(t, idx.Len())
	require.NoError(t, idx.Insert(ctx, "a", unit(2, 1)))
	assert.Equal(t, 1, idx.Len())
}

func TestHashEmbedder(t *testing.T) {
	ctx := context.Background()
	e := NewHashEmbedder(64)

	a, err := e.Embed(ctx, "Thorough deep analysis of unit tests")
	require.NoError(t, err)
	b, err := e.Embed(ctx, "thorough deep analysis of unit tests")
	require.NoError(t, err)
	c, err := e.Embed(ctx, "fast shallow smoke run")
	require.NoError(t, err)

	assert.Len(t, a, 64)
	assert.Equal(t, a, b)
	assert.InDelta(t, 1.0, Cosine(a, b), 1e-6)
	assert.Greater(t, Cosine(a, b), Cosine(a, c))

	_, err = e.Embed(ctx, "  --- ")
	assert.ErrorIs(t, err, ErrEmptyText)
}

func TestTokenizeDropsStopwords(t *testing.T) {
	assert.Equal(t, []string{"fix", "flaky", "tests", "ci", "round", "2"}, tokenize("Fix the flaky tests in CI, round 2"))
	assert.Equal(t, []string{"not", "retry"}, tokenize("do not retry"))
	assert.Empty(t, tokenize("what is it"))

	_, err := NewHashEmbedder(8).Embed(context.Background(), "what is it")
	assert.ErrorIs(t, err, ErrEmptyText)
}

func randomIndex(tb testing.TB, cfg IndexConfig, n int) (*Index, map[string][]float32) {
	tb.Helper()
	idx, err := NewIndex(cfg)
	require.NoError(tb, err)
	rng := rand.New(rand.NewPCG(3, 4))
	vecs := make(map[string][]float32, n)
	for k := range n {
		v := make([]float32, cfg.Dimensions)
		for d := range v {
			v[d] = float32(rng.NormFloat64())
		}
		id := fmt.Sprintf("p%05d", k)
		vecs[id] = v
		require.NoError(tb, idx.Insert(context.Background(), id, v))
	}
	return idx, vecs
}

func TestIndexProbeScoresOnlyBucketMates(t *testing.T) {
	ctx := context.Background()
	const n = 2000
	idx, vecs := randomIndex(t, IndexConfig{Dimensions: 64, Tables: 4, Bits: 8, Seed: 9}, n)

	hits, scanned, err := idx.probe(ctx, vecs["p00042"])
	require.NoError(t, err)
	assert.Less(t, scanned, n/4)
	require.NotEmpty(t, hits)
	assert.Equal(t, "p00042", hits[0].ID)
	assert.InDelta(t, 1.0, hits[0].Score, 1e-6)

	// Replacing and removing keep the in-memory buckets in step.
	moved := vecs["p00007"]
	require.NoError(t, idx.Insert(ctx, "p00042", moved))
	hits, _, err = idx.probe(ctx, moved)
	require.NoError(t, err)
	ids := make(map[string]float64, len(hits))
	for _, h := range hits {
		ids[h.ID] = h.Score
	}
	assert.InDelta(t, 1.0, ids["p00042"], 1e-6)
	assert.InDelta(t, 1.0, ids["p00007"], 1e-6)
	require.NoError(t, idx.Remove(ctx, "p00042"))
	hits, _, err = idx.probe(ctx, moved)
	require.NoError(t, err)
	for _, h := range hits {
		assert.NotEqual(t, "p00042", h.ID)
	}
	assert.Equal(t, n-1, idx.Len())

	require.NoError(t, idx.Reset())
	_, scanned, err = idx.probe(ctx, moved)
	require.NoError(t, err)
	assert.Zero(t, scanned)
}

func benchmarkQuery(b *testing.B, exactThreshold int) {
	cfg := DefaultIndexConfig()
	cfg.ExactThreshold = exactThreshold
	idx, vecs := randomIndex(b, cfg, 5000)
	q := vecs["p01234"]
	ctx := context.Background()
	b.ResetTimer()
	for b.Loop() {
		if _, err := idx.Query(ctx, q, 5); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkQueryLSH(b *testing.B)   { benchmarkQuery(b, 0) }
func BenchmarkQueryExact(b *testing.B) { benchmarkQuery(b, 1<<30) }
