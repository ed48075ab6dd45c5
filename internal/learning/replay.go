package learning

import (
	"context"
	"database/sql"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/agent-learning/internal/experience"
)

// #region types

// ReplaySummary provides aggregate stats from a replay run.
type ReplaySummary struct {
	Experiences     int     `json:"experiences" yaml:"experiences"`
	Entries         int     `json:"entries" yaml:"entries"`
	States          int     `json:"states" yaml:"states"`
	ExplorationRate float64 `json:"exploration_rate" yaml:"exploration_rate"`
	// MaxDrift is the largest absolute difference between a replayed
	// Q-value and the value it replaced.
	MaxDrift float64 `json:"max_drift" yaml:"max_drift"`
}

type qKey struct {
	state  string
	action string
}

// #endregion types

// #region replay

// Replay rebuilds the agent's Q-table and exploration rate from its
// experience log, applying every transition in append order through the same
// update rule RecordOutcome uses. The rebuild commits in one transaction; the
// log itself is not modified. Replaying twice yields identical tables.
func (e *Engine) Replay(ctx context.Context) (ReplaySummary, error) {
	var sum ReplaySummary
	err := e.st.InTx(ctx, func(tx *sql.Tx) error {
		exps, err := e.exps.ListTx(ctx, tx, experience.Query{AgentID: e.agentID, Ascending: true})
		if err != nil {
			return err
		}
		rows, err := tx.QueryContext(ctx,
			`SELECT agent_id, state_key, action_key, q_value, update_count, last_updated
			 FROM q_values WHERE agent_id = ?`, e.agentID)
		if err != nil {
			return fmt.Errorf("load q values: %w", err)
		}
		prior, err := scanEntries(rows)
		if err != nil {
			return err
		}
		old := make(map[qKey]float64, len(prior))
		for _, p := range prior {
			old[qKey{p.StateKey, p.Action}] = p.QValue
		}

		entries := replayTable(e.agentID, exps, e.cfg)
		eps := e.cfg.ExplorationRate
		for range exps {
			eps = Decay(eps, e.cfg.ExplorationMin, e.cfg.ExplorationDecay)
		}
		sum = ReplaySummary{Experiences: len(exps), Entries: len(entries), ExplorationRate: eps}

		if _, err := tx.ExecContext(ctx, `DELETE FROM q_values WHERE agent_id = ?`, e.agentID); err != nil {
			return fmt.Errorf("clear q values: %w", err)
		}
		states := make(map[string]struct{})
		for _, q := range entries {
			if d := math.Abs(q.QValue - old[qKey{q.StateKey, q.Action}]); d > sum.MaxDrift {
				sum.MaxDrift = d
			}
			states[q.StateKey] = struct{}{}
			if err := upsertQ(ctx, tx, q); err != nil {
				return err
			}
		}
		sum.States = len(states)
		return saveExploration(ctx, tx, e.agentID, eps, e.st.Now())
	})
	if err != nil {
		return ReplaySummary{}, fmt.Errorf("replay %s: %w", e.agentID, err)
	}

	e.mu.Lock()
	e.epsilon = sum.ExplorationRate
	e.mu.Unlock()
	e.logger.Info("replay complete",
		zap.Int("experiences", sum.Experiences),
		zap.Int("entries", sum.Entries),
		zap.Float64("max_drift", sum.MaxDrift),
	)
	return sum, nil
}

// replayTable folds exps, oldest first, into Q rows ordered by first
// appearance.
func replayTable(agentID string, exps []experience.Experience, cfg Config) []QEntry {
	index := make(map[qKey]int)
	byState := make(map[string][]int)
	var out []QEntry

	maxAt := func(state string) float64 {
		idx, ok := byState[state]
		if !ok {
			return 0
		}
		m := out[idx[0]].QValue
		for _, i := range idx[1:] {
			m = max(m, out[i].QValue)
		}
		return m
	}

	for _, x := range exps {
		k := qKey{x.State, x.Action}
		i, ok := index[k]
		if !ok {
			i = len(out)
			index[k] = i
			byState[x.State] = append(byState[x.State], i)
			out = append(out, QEntry{AgentID: agentID, StateKey: x.State, Action: x.Action})
		}
		next := 0.0
		if x.NextState != "" {
			next = maxAt(x.NextState)
		}
		out[i].QValue = Update(out[i].QValue, next, x.Reward, cfg.LearningRate, cfg.DiscountFactor)
		out[i].UpdateCount++
		out[i].LastUpdated = x.Timestamp
	}
	return out
}

// #endregion replay
