package patterns

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/agent-learning/internal/store"
)

// foldState records how far a signature's experiences have been folded into
// the bank. It lives in the KV table so every process shares it.
type foldState struct {
	LastSeq int64 `json:"last_seq"`
	Folded  int64 `json:"folded"`
}

func foldKey(sig string) string {
	return "patterns/folded/" + sig
}

// #region sweep

// PromoteFromExperiences scans the experience log for (task type, state,
// action) clusters and promotes the experiences not yet folded into a pattern.
// Each cluster is promoted in its own transaction together with its fold
// watermark, so no experience is counted twice.
func (b *Bank) PromoteFromExperiences(ctx context.Context) (SweepResult, error) {
	clusters, err := b.exps.Clusters(ctx, 1, b.cfg.SuccessThreshold)
	if err != nil {
		return SweepResult{}, fmt.Errorf("promotion sweep: %w", err)
	}

	var res SweepResult
	for _, cl := range clusters {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		res.Clusters++
		sig := Signature(cl.TaskType, Body(cl.State, cl.Action))

		var (
			p        Pattern
			merged   bool
			decision Decision
			skipped  bool
		)
		err := b.st.InTx(ctx, func(tx *sql.Tx) error {
			fs, err := b.loadFold(ctx, tx, sig)
			if err != nil {
				return err
			}
			pending, err := b.exps.ClusterSinceTx(ctx, tx, cl.TaskType, cl.State, cl.Action, fs.LastSeq, b.cfg.SuccessThreshold)
			if err != nil {
				return err
			}
			if pending.Count == 0 {
				skipped = true
				return nil
			}
			c := candidateFromCluster(pending)
			decision = b.gate.Evaluate(c)
			if decision.Action != "commit" {
				return nil
			}
			p, merged, err = b.promoteTx(ctx, tx, c, nil)
			if err != nil {
				return err
			}
			fs.LastSeq = pending.MaxSeq
			fs.Folded += int64(pending.Count)
			return b.saveFold(ctx, tx, sig, fs)
		})
		if err != nil {
			return res, fmt.Errorf("promotion sweep %s: %w", sig, err)
		}
		switch {
		case skipped:
		case decision.Action != "commit":
			res.Rejected++
			b.metrics.Promotion("rejected")
			b.logger.Debug("sweep candidate not promoted",
				zap.String("signature", sig),
				zap.String("reason", decision.Reason),
			)
		default:
			if merged {
				res.Merged++
			} else {
				res.Promoted++
			}
			b.afterSweepPromote(ctx, p, merged)
		}
	}
	b.logger.Info("promotion sweep complete",
		zap.Int("clusters", res.Clusters),
		zap.Int("promoted", res.Promoted),
		zap.Int("merged", res.Merged),
		zap.Int("rejected", res.Rejected),
	)
	return res, nil
}

// afterSweepPromote embeds a freshly promoted pattern's description when an
// embedder is configured, then publishes it like a direct promotion.
func (b *Bank) afterSweepPromote(ctx context.Context, p Pattern, merged bool) {
	if len(p.Embedding) == 0 && b.embedder != nil {
		emb := b.candidateEmbedding(ctx, Candidate{Signature: p.Signature, Description: p.Description})
		if len(emb) > 0 {
			_, err := b.st.DB().ExecContext(ctx,
				`UPDATE patterns SET embedding = ? WHERE id = ? AND embedding IS NULL`,
				store.EncodeVector(emb), p.ID)
			if err != nil {
				b.logger.Warn("store pattern embedding failed", zap.String("pattern_id", p.ID), zap.Error(err))
			} else {
				p.Embedding = emb
			}
		}
	}
	b.afterPromote(ctx, p, merged)
}

func (b *Bank) loadFold(ctx context.Context, tx *sql.Tx, sig string) (foldState, error) {
	raw, err := b.st.GetTx(ctx, tx, foldKey(sig))
	if errors.Is(err, store.ErrNotFound) {
		return foldState{}, nil
	}
	if err != nil {
		return foldState{}, err
	}
	var fs foldState
	if err := json.Unmarshal(raw, &fs); err != nil {
		return foldState{}, fmt.Errorf("decode fold state: %w", err)
	}
	return fs, nil
}

func (b *Bank) saveFold(ctx context.Context, tx *sql.Tx, sig string, fs foldState) error {
	raw, err := json.Marshal(fs)
	if err != nil {
		return fmt.Errorf("encode fold state: %w", err)
	}
	return b.st.PutTx(ctx, tx, foldKey(sig), raw, 0)
}

// #endregion sweep
