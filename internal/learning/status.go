package learning

import (
	"context"
	"iter"

	"github.com/danielpatrickdp/agent-learning/internal/encoder"
	"github.com/danielpatrickdp/agent-learning/internal/patterns"
	"github.com/danielpatrickdp/agent-learning/internal/store"
)

// #region status

// Status reports the agent's persisted learning state. It never fails.
func (e *Engine) Status(ctx context.Context) Status {
	return GetStatus(ctx, e.st, e.agentID, e.cfg)
}

// GetStatus reads agentID's status from st. Any store failure yields a
// disabled, zeroed status instead of an error.
func GetStatus(ctx context.Context, st *store.Store, agentID string, cfg Config) Status {
	down := Status{AgentID: agentID}
	if st == nil {
		return down
	}
	db := st.DB()

	ls, err := loadLearner(ctx, db, agentID, cfg.ExplorationRate)
	if err != nil {
		return down
	}
	var total int64
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM learning_experiences WHERE agent_id = ?`, agentID,
	).Scan(&total); err != nil {
		return down
	}
	var learned int64
	if err := db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM q_values WHERE agent_id = ? AND update_count >= ? AND q_value >= ?`,
		agentID, cfg.PatternMinUpdates, cfg.PatternMinQ,
	).Scan(&learned); err != nil {
		return down
	}
	return Status{
		AgentID:          agentID,
		Enabled:          ls.Enabled,
		TotalExperiences: total,
		ExplorationRate:  ls.ExplorationRate,
		PatternCount:     learned,
	}
}

// #endregion status

// #region learned-patterns

// LearnedPatterns streams the agent's Q rows whose update count and value
// clear the configured thresholds, best first. Each iteration runs a fresh
// query, so the sequence can be restarted. Rows are joined with the pattern
// bank entry of the same signature when a bank is attached.
func (e *Engine) LearnedPatterns(ctx context.Context) iter.Seq2[LearnedPattern, error] {
	return func(yield func(LearnedPattern, error) bool) {
		rows, err := e.st.DB().QueryContext(ctx,
			`SELECT agent_id, state_key, action_key, q_value, update_count, last_updated
			 FROM q_values
			 WHERE agent_id = ? AND update_count >= ? AND q_value >= ?
			 ORDER BY q_value DESC, update_count DESC, state_key ASC, action_key ASC`,
			e.agentID, e.cfg.PatternMinUpdates, e.cfg.PatternMinQ,
		)
		if err != nil {
			yield(LearnedPattern{}, err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var (
				lp LearnedPattern
				ts string
			)
			if err := rows.Scan(&lp.AgentID, &lp.StateKey, &lp.Action, &lp.QValue, &lp.UpdateCount, &ts); err != nil {
				yield(LearnedPattern{}, err)
				return
			}
			lp.LastUpdated = store.ParseTime(ts)
			if s, err := encoder.ParseState(lp.StateKey); err == nil {
				lp.TaskType = s.TaskType()
			}
			lp.Signature = patterns.Signature(lp.TaskType, patterns.Body(lp.StateKey, lp.Action))
			if e.bank != nil {
				p, err := e.bank.FindExact(ctx, lp.Signature)
				if err != nil {
					yield(LearnedPattern{}, err)
					return
				}
				lp.Pattern = p
			}
			if !yield(lp, nil) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			yield(LearnedPattern{}, err)
		}
	}
}

// #endregion learned-patterns
