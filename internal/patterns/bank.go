// Package patterns is the cross-agent bank of strategies promoted from
// repeated successful experiences.
package patterns

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/agent-learning/internal/embedding"
	"github.com/danielpatrickdp/agent-learning/internal/experience"
	"github.com/danielpatrickdp/agent-learning/internal/logging"
	"github.com/danielpatrickdp/agent-learning/internal/metrics"
	"github.com/danielpatrickdp/agent-learning/internal/store"
)

const patternColumns = `seq, id, signature_hash, task_type, description, body, strategy, state_key,
	confidence, success_rate, usage_count, embedding, created_at, last_used_at`

// #region bank

// Bank reads and writes the shared patterns table. Writers go through
// Promote, RecordUsage and Prune so the dedup invariants hold.
type Bank struct {
	st       *store.Store
	exps     *experience.Store
	index    *embedding.Index
	cfg      Config
	gate     *Gate
	embedder embedding.Embedder
	logger   *zap.Logger
	metrics  *metrics.Metrics

	indexMu    sync.Mutex
	indexedSeq int64
}

// Option configures a Bank.
type Option func(*Bank)

// WithEmbedder embeds descriptions of candidates that carry no embedding.
func WithEmbedder(e embedding.Embedder) Option {
	return func(b *Bank) { b.embedder = e }
}

// WithLogger sets the bank's logger.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bank) { b.logger = l }
}

// WithMetrics records promotion and usage metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *Bank) { b.metrics = m }
}

// NewBank builds a bank over st. index may be nil, which disables FindSimilar.
func NewBank(st *store.Store, index *embedding.Index, cfg Config, opts ...Option) *Bank {
	b := &Bank{
		st:    st,
		exps:  experience.NewStore(st),
		index: index,
		cfg:   cfg,
		gate:  NewGate(cfg),
	}
	for _, opt := range opts {
		opt(b)
	}
	b.logger = logging.OrNop(b.logger)
	return b
}

// Config returns the bank's thresholds.
func (b *Bank) Config() Config { return b.cfg }

// #endregion bank

// #region promote

// Promote stores c as a pattern, merging into an existing pattern with the
// same signature. A candidate below the thresholds yields a *RejectedError.
func (b *Bank) Promote(ctx context.Context, c Candidate) (Pattern, error) {
	decision := b.gate.Evaluate(c)
	if decision.Action != "commit" {
		b.reject(ctx, c, decision)
		return Pattern{}, &RejectedError{Signature: c.Signature, Reason: decision.Reason}
	}

	emb := b.candidateEmbedding(ctx, c)

	var (
		p      Pattern
		merged bool
	)
	err := b.st.InTx(ctx, func(tx *sql.Tx) error {
		var err error
		p, merged, err = b.promoteTx(ctx, tx, c, emb)
		return err
	})
	if err != nil {
		return Pattern{}, fmt.Errorf("promote %s: %w", c.Signature, err)
	}
	b.afterPromote(ctx, p, merged)
	return p, nil
}

func (b *Bank) promoteTx(ctx context.Context, tx *sql.Tx, c Candidate, emb []float32) (Pattern, bool, error) {
	now := b.st.Now()
	existing, err := scanPattern(tx.QueryRowContext(ctx,
		`SELECT `+patternColumns+` FROM patterns WHERE signature_hash = ?`, c.Signature))
	switch {
	case errors.Is(err, sql.ErrNoRows):
		p := Pattern{
			ID:          uuid.New().String(),
			Signature:   c.Signature,
			TaskType:    strings.ToLower(strings.TrimSpace(c.TaskType)),
			Description: c.Description,
			Body:        c.Body,
			Strategy:    c.Strategy,
			StateKey:    c.StateKey,
			SuccessRate: clamp01(c.SuccessRate),
			UsageCount:  c.UsageCount,
			Embedding:   emb,
			CreatedAt:   now,
		}
		p.Confidence = Confidence(p.SuccessRate, p.UsageCount)
		res, err := tx.ExecContext(ctx,
			`INSERT INTO patterns (id, signature_hash, task_type, description, body, strategy, state_key,
			   confidence, success_rate, usage_count, embedding, created_at)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			p.ID, p.Signature, p.TaskType, p.Description, p.Body, p.Strategy, p.StateKey,
			p.Confidence, p.SuccessRate, p.UsageCount, store.EncodeVector(p.Embedding), store.FormatTime(now),
		)
		if err != nil {
			return Pattern{}, false, fmt.Errorf("insert pattern: %w", err)
		}
		p.Seq, _ = res.LastInsertId()
		return p, false, b.logDecision(ctx, tx, c, "promoted", "", p.ID)

	case err != nil:
		return Pattern{}, false, fmt.Errorf("load pattern: %w", err)
	}

	p := existing
	total := p.UsageCount + c.UsageCount
	if total > 0 {
		p.SuccessRate = clamp01((p.SuccessRate*float64(p.UsageCount) + c.SuccessRate*float64(c.UsageCount)) / float64(total))
	}
	p.UsageCount = total
	p.Confidence = Confidence(p.SuccessRate, p.UsageCount)
	if len(p.Embedding) == 0 && len(emb) > 0 {
		p.Embedding = emb
	}
	_, err = tx.ExecContext(ctx,
		`UPDATE patterns SET usage_count = ?, success_rate = ?, confidence = ?, embedding = ? WHERE id = ?`,
		p.UsageCount, p.SuccessRate, p.Confidence, store.EncodeVector(p.Embedding), p.ID,
	)
	if err != nil {
		return Pattern{}, false, fmt.Errorf("merge pattern: %w", err)
	}
	return p, true, b.logDecision(ctx, tx, c, "merged", "", p.ID)
}

func (b *Bank) afterPromote(ctx context.Context, p Pattern, merged bool) {
	result := "promoted"
	if merged {
		result = "merged"
	}
	b.metrics.Promotion(result)
	b.logger.Info("pattern "+result,
		zap.String("pattern_id", p.ID),
		zap.String("task_type", p.TaskType),
		zap.Int64("usage_count", p.UsageCount),
		zap.Float64("confidence", p.Confidence),
	)
	if b.index != nil && len(p.Embedding) > 0 {
		if err := b.index.Insert(ctx, p.ID, p.Embedding); err != nil {
			b.logger.Warn("index insert failed", zap.String("pattern_id", p.ID), zap.Error(err))
		}
	}
}

func (b *Bank) reject(ctx context.Context, c Candidate, d Decision) {
	b.metrics.Promotion("rejected")
	b.logger.Debug("promotion rejected",
		zap.String("signature", c.Signature),
		zap.String("reason", d.Reason),
	)
	if err := b.logDecision(ctx, b.st.DB(), c, "rejected", d.Reason, ""); err != nil {
		b.logger.Warn("promotion log write failed", zap.Error(err))
	}
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (b *Bank) logDecision(ctx context.Context, db execer, c Candidate, decision, reason, patternID string) error {
	return logging.LogPromotion(ctx, db, logging.PromotionEntry{
		SignatureHash: c.Signature,
		TaskType:      c.TaskType,
		Decision:      decision,
		Reason:        reason,
		UsageCount:    c.UsageCount,
		SuccessRate:   c.SuccessRate,
		PatternID:     patternID,
		CreatedAt:     b.st.Now(),
	})
}

// candidateEmbedding returns the candidate's own vector or embeds its
// description. Failures leave the pattern without an embedding.
func (b *Bank) candidateEmbedding(ctx context.Context, c Candidate) []float32 {
	emb := c.Embedding
	if len(emb) == 0 && b.embedder != nil {
		v, err := b.embedder.Embed(ctx, c.Description)
		if err != nil {
			b.logger.Warn("embed candidate failed", zap.String("signature", c.Signature), zap.Error(err))
			return nil
		}
		emb = v
	}
	if len(emb) > 0 && b.index != nil && len(emb) != b.index.Dimensions() {
		b.logger.Warn("candidate embedding dimension mismatch",
			zap.String("signature", c.Signature),
			zap.Int("got", len(emb)),
			zap.Int("want", b.index.Dimensions()),
		)
		return nil
	}
	return emb
}

// #endregion promote

// #region read

// FindExact returns the pattern with signature sig, or nil when absent.
func (b *Bank) FindExact(ctx context.Context, sig string) (*Pattern, error) {
	p, err := scanPattern(b.st.DB().QueryRowContext(ctx,
		`SELECT `+patternColumns+` FROM patterns WHERE signature_hash = ?`, sig))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find exact %s: %w", sig, err)
	}
	return &p, nil
}

// Get returns the pattern with id.
func (b *Bank) Get(ctx context.Context, id string) (Pattern, error) {
	p, err := scanPattern(b.st.DB().QueryRowContext(ctx,
		`SELECT `+patternColumns+` FROM patterns WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return Pattern{}, fmt.Errorf("get %s: %w", id, ErrPatternNotFound)
	}
	if err != nil {
		return Pattern{}, fmt.Errorf("get %s: %w", id, err)
	}
	return p, nil
}

// List returns patterns ordered by confidence desc.
func (b *Bank) List(ctx context.Context, opts ListOptions) ([]Pattern, error) {
	query := `SELECT ` + patternColumns + ` FROM patterns WHERE confidence >= ?`
	args := []any{opts.MinConfidence}
	if opts.TaskType != "" {
		query += ` AND task_type = ?`
		args = append(args, strings.ToLower(opts.TaskType))
	}
	query += ` ORDER BY confidence DESC, usage_count DESC, id ASC`
	if opts.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, opts.Limit)
	}
	rows, err := b.st.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list patterns: %w", err)
	}
	return scanPatterns(rows)
}

// Count returns the number of stored patterns.
func (b *Bank) Count(ctx context.Context) (int64, error) {
	var n int64
	if err := b.st.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM patterns`).Scan(&n); err != nil {
		return 0, fmt.Errorf("count patterns: %w", err)
	}
	return n, nil
}

// History returns the promotion decisions recorded for sig.
func (b *Bank) History(ctx context.Context, sig string, limit int) ([]logging.PromotionEntry, error) {
	return logging.PromotionHistory(ctx, b.st.DB(), sig, limit)
}

// #endregion read

// #region usage

// RecordUsage folds one usage report into the pattern's statistics.
func (b *Bank) RecordUsage(ctx context.Context, id string, success bool) error {
	obs := 0.0
	if success {
		obs = 1
	}
	err := b.st.InTx(ctx, func(tx *sql.Tx) error {
		var (
			usage int64
			rate  float64
		)
		err := tx.QueryRowContext(ctx,
			`SELECT usage_count, success_rate FROM patterns WHERE id = ?`, id,
		).Scan(&usage, &rate)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrPatternNotFound
		}
		if err != nil {
			return err
		}
		w := b.cfg.UsageWeight
		rate = clamp01((1-w)*rate + w*obs)
		usage++
		_, err = tx.ExecContext(ctx,
			`UPDATE patterns SET usage_count = ?, success_rate = ?, confidence = ?, last_used_at = ? WHERE id = ?`,
			usage, rate, Confidence(rate, usage), store.FormatTime(b.st.Now()), id,
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("record usage %s: %w", id, err)
	}
	b.metrics.PatternUsage(success)
	return nil
}

// #endregion usage

// #region prune

// Prune deletes patterns below floor confidence that were created and last
// used more than minAge ago. It returns the number removed.
func (b *Bank) Prune(ctx context.Context, floor float64, minAge time.Duration) (int, error) {
	cutoff := store.FormatTime(b.st.Now().Add(-minAge))
	var ids []string
	err := b.st.InTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx,
			`SELECT id FROM patterns
			 WHERE confidence < ? AND created_at < ? AND (last_used_at IS NULL OR last_used_at < ?)`,
			floor, cutoff, cutoff,
		)
		if err != nil {
			return err
		}
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				rows.Close()
				return err
			}
			ids = append(ids, id)
		}
		if err := rows.Close(); err != nil {
			return err
		}
		if err := rows.Err(); err != nil {
			return err
		}
		for _, id := range ids {
			if _, err := tx.ExecContext(ctx, `DELETE FROM patterns WHERE id = ?`, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("prune patterns: %w", err)
	}
	if b.index != nil {
		for _, id := range ids {
			if err := b.index.Remove(ctx, id); err != nil {
				b.logger.Warn("index remove failed", zap.String("pattern_id", id), zap.Error(err))
			}
		}
	}
	if len(ids) > 0 {
		b.logger.Info("patterns pruned", zap.Int("count", len(ids)), zap.Float64("floor", floor))
	}
	return len(ids), nil
}

// #endregion prune

// #region scan

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPattern(row rowScanner) (Pattern, error) {
	var (
		p        Pattern
		emb      []byte
		created  string
		lastUsed sql.NullString
	)
	err := row.Scan(&p.Seq, &p.ID, &p.Signature, &p.TaskType, &p.Description, &p.Body, &p.Strategy,
		&p.StateKey, &p.Confidence, &p.SuccessRate, &p.UsageCount, &emb, &created, &lastUsed)
	if err != nil {
		return Pattern{}, err
	}
	p.Embedding = store.DecodeVector(emb)
	p.CreatedAt = store.ParseTime(created)
	p.LastUsedAt = store.ParseNullTime(lastUsed)
	return p, nil
}

func scanPatterns(rows *sql.Rows) ([]Pattern, error) {
	defer rows.Close()
	var out []Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pattern: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// #endregion scan
