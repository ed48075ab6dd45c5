package logging

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/danielpatrickdp/agent-learning/internal/store"
)

// #region promotion-entry

// PromotionEntry is a single row in the promotion_log table.
type PromotionEntry struct {
	SignatureHash string    `json:"signature_hash" yaml:"signature_hash"`
	TaskType      string    `json:"task_type" yaml:"task_type"`
	Decision      string    `json:"decision" yaml:"decision"` // "promoted" | "merged" | "rejected"
	Reason        string    `json:"reason,omitempty" yaml:"reason,omitempty"`
	UsageCount    int64     `json:"usage_count" yaml:"usage_count"`
	SuccessRate   float64   `json:"success_rate" yaml:"success_rate"`
	PatternID     string    `json:"pattern_id,omitempty" yaml:"pattern_id,omitempty"`
	CreatedAt     time.Time `json:"created_at" yaml:"created_at"`
}

// #endregion promotion-entry

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// #region log-promotion

// LogPromotion writes a promotion decision. db may be a *sql.DB or a *sql.Tx.
func LogPromotion(ctx context.Context, db execer, entry PromotionEntry) error {
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO promotion_log (signature_hash, task_type, decision, reason, usage_count, success_rate, pattern_id, created_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.SignatureHash,
		entry.TaskType,
		entry.Decision,
		nullIfEmpty(entry.Reason),
		entry.UsageCount,
		entry.SuccessRate,
		nullIfEmpty(entry.PatternID),
		store.FormatTime(entry.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("log promotion: %w", err)
	}
	return nil
}

// PromotionHistory returns the decisions recorded for a signature, oldest first.
// An empty signature returns the most recent limit entries across all signatures.
func PromotionHistory(ctx context.Context, db queryer, signature string, limit int) ([]PromotionEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT signature_hash, task_type, decision, reason, usage_count, success_rate, pattern_id, created_at
		FROM promotion_log`
	args := []any{}
	if signature != "" {
		query += ` WHERE signature_hash = ? ORDER BY id ASC LIMIT ?`
		args = append(args, signature, limit)
	} else {
		query += ` ORDER BY id DESC LIMIT ?`
		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("promotion history: %w", err)
	}
	defer rows.Close()

	var out []PromotionEntry
	for rows.Next() {
		var (
			e         PromotionEntry
			reason    sql.NullString
			patternID sql.NullString
			created   string
		)
		if err := rows.Scan(&e.SignatureHash, &e.TaskType, &e.Decision, &reason, &e.UsageCount,
			&e.SuccessRate, &patternID, &created); err != nil {
			return nil, fmt.Errorf("scan promotion: %w", err)
		}
		e.Reason = reason.String
		e.PatternID = patternID.String
		e.CreatedAt = store.ParseTime(created)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion log-promotion

// #region helpers
func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// #endregion helpers
