// Package embedding holds the approximate nearest-neighbour index over pattern
// embeddings and the local text embedder.
package embedding

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"strconv"
	"sync"

	chromem "github.com/philippgille/chromem-go"
)

var (
	ErrDimensionMismatch = errors.New("embedding: dimension mismatch")
	ErrZeroVector        = errors.New("embedding: zero or non-finite vector")
	ErrEmptyID           = errors.New("embedding: empty id")
)

const collectionName = "patterns"

// #region config

// IndexConfig sizes the index. Zero fields take the defaults.
type IndexConfig struct {
	Dimensions     int   `koanf:"dimensions"`
	Tables         int   `koanf:"tables"`
	Bits           int   `koanf:"bits"`
	ExactThreshold int   `koanf:"exact_threshold"`
	Seed           int64 `koanf:"seed"`
}

// DefaultIndexConfig returns a 256-dimension index with 4 tables of 8 bits.
func DefaultIndexConfig() IndexConfig {
	return IndexConfig{
		Dimensions:     256,
		Tables:         4,
		Bits:           8,
		ExactThreshold: 256,
		Seed:           1,
	}
}

func (c IndexConfig) withDefaults() IndexConfig {
	d := DefaultIndexConfig()
	if c.Dimensions <= 0 {
		c.Dimensions = d.Dimensions
	}
	if c.Tables <= 0 {
		c.Tables = d.Tables
	}
	if c.Bits <= 0 {
		c.Bits = d.Bits
	}
	if c.ExactThreshold < 0 {
		c.ExactThreshold = 0
	}
	return c
}

// #endregion config

// Hit is one query result. Score is cosine similarity in [-1, 1].
type Hit struct {
	ID    string
	Score float64
}

// #region index

// Index stores vectors in a chromem collection and narrows queries with
// random-hyperplane LSH buckets held in memory. Only the vectors sharing a
// bucket with the query are scored on the probe path.
type Index struct {
	cfg    IndexConfig
	planes [][][]float32 // [table][bit][dimension]

	mu      sync.RWMutex
	db      *chromem.DB
	coll    *chromem.Collection
	buckets []map[string]map[string]struct{} // [table] bucket -> ids
	vecs    map[string]indexed
}

type indexed struct {
	vec  []float32
	sigs []string // bucket per table
}

// NewIndex builds an empty index.
func NewIndex(cfg IndexConfig) (*Index, error) {
	cfg = cfg.withDefaults()
	if cfg.Bits > 32 {
		return nil, fmt.Errorf("new index: bits %d exceeds 32", cfg.Bits)
	}
	idx := &Index{
		cfg:    cfg,
		planes: hyperplanes(cfg),
		db:     chromem.NewDB(),
	}
	idx.clearBuckets()
	coll, err := idx.db.GetOrCreateCollection(collectionName, nil, noEmbed)
	if err != nil {
		return nil, fmt.Errorf("new index: %w", err)
	}
	idx.coll = coll
	return idx, nil
}

// Dimensions returns the fixed vector length.
func (i *Index) Dimensions() int { return i.cfg.Dimensions }

// Len returns the number of indexed vectors.
func (i *Index) Len() int {
	i.mu.RLock()
	defer i.mu.RUnlock()
	return i.coll.Count()
}

// Insert adds or replaces the vector stored under id.
func (i *Index) Insert(ctx context.Context, id string, vec []float32) error {
	if id == "" {
		return ErrEmptyID
	}
	if err := i.validate(vec); err != nil {
		return fmt.Errorf("insert %s: %w", id, err)
	}
	sigs := make([]string, i.cfg.Tables)
	meta := make(map[string]string, i.cfg.Tables)
	for t := range i.cfg.Tables {
		sigs[t] = i.bucket(t, vec)
		meta[tableKey(t)] = sigs[t]
	}
	stored := slices.Clone(vec)

	i.mu.Lock()
	defer i.mu.Unlock()
	err := i.coll.AddDocument(ctx, chromem.Document{
		ID:        id,
		Metadata:  meta,
		Embedding: stored,
	})
	if err != nil {
		return fmt.Errorf("insert %s: %w", id, err)
	}
	i.unbucket(id)
	for t, sig := range sigs {
		ids := i.buckets[t][sig]
		if ids == nil {
			ids = make(map[string]struct{})
			i.buckets[t][sig] = ids
		}
		ids[id] = struct{}{}
	}
	i.vecs[id] = indexed{vec: stored, sigs: sigs}
	return nil
}

// Remove deletes id. Removing an unknown id is a no-op.
func (i *Index) Remove(ctx context.Context, id string) error {
	if id == "" {
		return ErrEmptyID
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.coll.Delete(ctx, nil, nil, id); err != nil {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	i.unbucket(id)
	return nil
}

// Reset drops every vector.
func (i *Index) Reset() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if err := i.db.Reset(); err != nil {
		return fmt.Errorf("reset index: %w", err)
	}
	coll, err := i.db.GetOrCreateCollection(collectionName, nil, noEmbed)
	if err != nil {
		return fmt.Errorf("reset index: %w", err)
	}
	i.coll = coll
	i.clearBuckets()
	return nil
}

func (i *Index) clearBuckets() {
	i.buckets = make([]map[string]map[string]struct{}, i.cfg.Tables)
	for t := range i.buckets {
		i.buckets[t] = make(map[string]map[string]struct{})
	}
	i.vecs = make(map[string]indexed)
}

// unbucket drops id from the in-memory tables. Callers hold mu.
func (i *Index) unbucket(id string) {
	old, ok := i.vecs[id]
	if !ok {
		return
	}
	for t, sig := range old.sigs {
		ids := i.buckets[t][sig]
		delete(ids, id)
		if len(ids) == 0 {
			delete(i.buckets[t], sig)
		}
	}
	delete(i.vecs, id)
}

// Query returns up to topK nearest ids ordered by score desc, then id asc.
// Small collections and sparse LSH probes fall back to an exact scan.
func (i *Index) Query(ctx context.Context, vec []float32, topK int) ([]Hit, error) {
	if topK <= 0 {
		return nil, nil
	}
	if err := i.validate(vec); err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	i.mu.RLock()
	defer i.mu.RUnlock()

	n := i.coll.Count()
	if n == 0 {
		return nil, nil
	}
	k := min(topK, n)

	if n >= i.cfg.ExactThreshold {
		hits, _, err := i.probe(ctx, vec)
		if err != nil {
			return nil, err
		}
		if len(hits) >= k {
			return hits[:k], nil
		}
	}
	return i.exact(ctx, vec, k)
}

// probe scores the union of the query's buckets across all tables and
// reports how many vectors it compared. Callers hold mu.
func (i *Index) probe(ctx context.Context, vec []float32) ([]Hit, int, error) {
	candidates := make(map[string]struct{})
	for t := range i.cfg.Tables {
		for id := range i.buckets[t][i.bucket(t, vec)] {
			candidates[id] = struct{}{}
		}
	}
	if err := ctx.Err(); err != nil {
		return nil, 0, err
	}
	hits := make([]Hit, 0, len(candidates))
	for id := range candidates {
		hits = append(hits, Hit{ID: id, Score: Cosine(vec, i.vecs[id].vec)})
	}
	sortHits(hits)
	return hits, len(candidates), nil
}

func (i *Index) exact(ctx context.Context, vec []float32, k int) ([]Hit, error) {
	res, err := i.coll.QueryEmbedding(ctx, vec, k, nil, nil)
	if err != nil {
		return nil, fmt.Errorf("exact query: %w", err)
	}
	hits := make([]Hit, 0, len(res))
	for _, r := range res {
		hits = append(hits, Hit{ID: r.ID, Score: float64(r.Similarity)})
	}
	sortHits(hits)
	return hits, nil
}

// #endregion index

// #region lsh

func hyperplanes(cfg IndexConfig) [][][]float32 {
	rng := rand.New(rand.NewPCG(uint64(cfg.Seed), 0x9e3779b97f4a7c15))
	planes := make([][][]float32, cfg.Tables)
	for t := range planes {
		planes[t] = make([][]float32, cfg.Bits)
		for b := range planes[t] {
			p := make([]float32, cfg.Dimensions)
			for d := range p {
				p[d] = float32(rng.NormFloat64())
			}
			planes[t][b] = p
		}
	}
	return planes
}

// bucket returns the table-t signature of vec as a bit string.
func (i *Index) bucket(t int, vec []float32) string {
	var sig uint32
	for b, plane := range i.planes[t] {
		var dot float64
		for d, v := range vec {
			dot += float64(plane[d]) * float64(v)
		}
		if dot >= 0 {
			sig |= 1 << b
		}
	}
	return strconv.FormatUint(uint64(sig), 2)
}

func tableKey(t int) string {
	return "lsh" + strconv.Itoa(t)
}

// #endregion lsh

// #region helpers

func (i *Index) validate(vec []float32) error {
	if len(vec) != i.cfg.Dimensions {
		return fmt.Errorf("%w: got %d, want %d", ErrDimensionMismatch, len(vec), i.cfg.Dimensions)
	}
	var sq float64
	for _, v := range vec {
		f := float64(v)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return ErrZeroVector
		}
		sq += f * f
	}
	if sq == 0 {
		return ErrZeroVector
	}
	return nil
}

func sortHits(hits []Hit) {
	slices.SortFunc(hits, func(a, b Hit) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}

func noEmbed(context.Context, string) ([]float32, error) {
	return nil, errors.New("embedding index stores precomputed vectors only")
}

// Cosine returns the cosine similarity of a and b, or 0 when either is zero.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// #endregion helpers
