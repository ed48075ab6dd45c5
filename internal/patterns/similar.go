package patterns

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"strings"
	"time"

	"go.uber.org/zap"
)

// #region find-similar

// FindSimilar returns up to topK patterns whose embedding scores at least
// minScore against vec, ordered by score desc, then confidence desc.
func (b *Bank) FindSimilar(ctx context.Context, vec []float32, topK int, minScore float64) ([]Scored, error) {
	if b.index == nil {
		return nil, fmt.Errorf("find similar: no embedding index configured")
	}
	if topK <= 0 {
		return nil, nil
	}
	start := time.Now()
	defer b.metrics.ObserveSimilarity(start)

	if err := b.refreshIndex(ctx); err != nil {
		return nil, fmt.Errorf("find similar: %w", err)
	}

	hits, err := b.index.Query(ctx, vec, topK+max(topK, 8))
	if err != nil {
		return nil, fmt.Errorf("find similar: %w", err)
	}
	ids := make([]string, 0, len(hits))
	for _, h := range hits {
		if h.Score >= minScore {
			ids = append(ids, h.ID)
		}
	}
	if len(ids) == 0 {
		return nil, nil
	}

	byID, err := b.loadByID(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("find similar: %w", err)
	}

	out := make([]Scored, 0, len(ids))
	for _, h := range hits {
		if h.Score < minScore {
			continue
		}
		p, ok := byID[h.ID]
		if !ok {
			// Pruned by another process since it was indexed.
			if err := b.index.Remove(ctx, h.ID); err != nil {
				b.logger.Warn("index remove failed", zap.String("pattern_id", h.ID), zap.Error(err))
			}
			continue
		}
		out = append(out, Scored{Pattern: p, Score: h.Score})
	}
	slices.SortFunc(out, func(a, b Scored) int {
		if c := cmp.Compare(b.Score, a.Score); c != 0 {
			return c
		}
		if c := cmp.Compare(b.Pattern.Confidence, a.Pattern.Confidence); c != 0 {
			return c
		}
		return cmp.Compare(a.Pattern.ID, b.Pattern.ID)
	})
	if len(out) > topK {
		out = out[:topK]
	}
	return out, nil
}

// FindSimilarText embeds text with the configured embedder and calls FindSimilar.
func (b *Bank) FindSimilarText(ctx context.Context, text string, topK int, minScore float64) ([]Scored, error) {
	if b.embedder == nil {
		return nil, fmt.Errorf("find similar: no embedder configured")
	}
	vec, err := b.embedder.Embed(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("find similar: embed query: %w", err)
	}
	return b.FindSimilar(ctx, vec, topK, minScore)
}

func (b *Bank) loadByID(ctx context.Context, ids []string) (map[string]Pattern, error) {
	placeholders := strings.TrimSuffix(strings.Repeat("?,", len(ids)), ",")
	args := make([]any, len(ids))
	for i, id := range ids {
		args[i] = id
	}
	rows, err := b.st.DB().QueryContext(ctx,
		`SELECT `+patternColumns+` FROM patterns WHERE id IN (`+placeholders+`)`, args...)
	if err != nil {
		return nil, fmt.Errorf("load patterns: %w", err)
	}
	ps, err := scanPatterns(rows)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]Pattern, len(ps))
	for _, p := range ps {
		byID[p.ID] = p
	}
	return byID, nil
}

// #endregion find-similar

// #region index-maintenance

// refreshIndex inserts embeddings of patterns appended since the last refresh,
// including those written by other processes.
func (b *Bank) refreshIndex(ctx context.Context) error {
	b.indexMu.Lock()
	defer b.indexMu.Unlock()

	rows, err := b.st.DB().QueryContext(ctx,
		`SELECT `+patternColumns+` FROM patterns WHERE seq > ? AND embedding IS NOT NULL ORDER BY seq`,
		b.indexedSeq)
	if err != nil {
		return fmt.Errorf("refresh index: %w", err)
	}
	ps, err := scanPatterns(rows)
	if err != nil {
		return fmt.Errorf("refresh index: %w", err)
	}
	for _, p := range ps {
		if len(p.Embedding) == b.index.Dimensions() {
			if err := b.index.Insert(ctx, p.ID, p.Embedding); err != nil {
				return fmt.Errorf("refresh index: %w", err)
			}
		}
		b.indexedSeq = max(b.indexedSeq, p.Seq)
	}
	return nil
}

// RebuildIndex drops the index and reloads every stored embedding. It is an
// explicit maintenance step; queries only ever refresh incrementally.
func (b *Bank) RebuildIndex(ctx context.Context) (int, error) {
	if b.index == nil {
		return 0, fmt.Errorf("rebuild index: no embedding index configured")
	}
	b.indexMu.Lock()
	defer b.indexMu.Unlock()

	if err := b.index.Reset(); err != nil {
		return 0, err
	}
	b.indexedSeq = 0

	rows, err := b.st.DB().QueryContext(ctx,
		`SELECT `+patternColumns+` FROM patterns WHERE embedding IS NOT NULL ORDER BY seq`)
	if err != nil {
		return 0, fmt.Errorf("rebuild index: %w", err)
	}
	ps, err := scanPatterns(rows)
	if err != nil {
		return 0, fmt.Errorf("rebuild index: %w", err)
	}
	n := 0
	for _, p := range ps {
		b.indexedSeq = max(b.indexedSeq, p.Seq)
		if len(p.Embedding) != b.index.Dimensions() {
			b.logger.Warn("skipping embedding with wrong dimension", zap.String("pattern_id", p.ID))
			continue
		}
		if err := b.index.Insert(ctx, p.ID, p.Embedding); err != nil {
			return n, fmt.Errorf("rebuild index: %w", err)
		}
		n++
	}
	b.logger.Info("index rebuilt", zap.Int("vectors", n), zap.String("db", b.st.Path()))
	return n, nil
}

// #endregion index-maintenance

