package learning

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/agent-learning/internal/store"
)

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// #region reads

// stateRows returns the Q rows of agentID at stateKey, best first. Ties are
// broken by most recent update, then action key.
func stateRows(ctx context.Context, db queryer, agentID, stateKey string) ([]QEntry, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT agent_id, state_key, action_key, q_value, update_count, last_updated
		 FROM q_values WHERE agent_id = ? AND state_key = ?
		 ORDER BY q_value DESC, last_updated DESC, action_key ASC`,
		agentID, stateKey,
	)
	if err != nil {
		return nil, fmt.Errorf("load q values: %w", err)
	}
	return scanEntries(rows)
}

func scanEntries(rows *sql.Rows) ([]QEntry, error) {
	defer rows.Close()
	var out []QEntry
	for rows.Next() {
		var (
			e  QEntry
			ts string
		)
		if err := rows.Scan(&e.AgentID, &e.StateKey, &e.Action, &e.QValue, &e.UpdateCount, &ts); err != nil {
			return nil, fmt.Errorf("scan q value: %w", err)
		}
		e.LastUpdated = store.ParseTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// maxQ returns max_a Q(stateKey, a) for agentID, or 0 when the state is unvisited.
func maxQ(ctx context.Context, db queryer, agentID, stateKey string) (float64, error) {
	if stateKey == "" {
		return 0, nil
	}
	var v sql.NullFloat64
	err := db.QueryRowContext(ctx,
		`SELECT MAX(q_value) FROM q_values WHERE agent_id = ? AND state_key = ?`,
		agentID, stateKey,
	).Scan(&v)
	if err != nil {
		return 0, fmt.Errorf("max q: %w", err)
	}
	return v.Float64, nil
}

// loadQ returns the current value and update count of one row.
func loadQ(ctx context.Context, db queryer, agentID, stateKey, action string) (float64, int64, error) {
	var (
		q     float64
		count int64
	)
	err := db.QueryRowContext(ctx,
		`SELECT q_value, update_count FROM q_values WHERE agent_id = ? AND state_key = ? AND action_key = ?`,
		agentID, stateKey, action,
	).Scan(&q, &count)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, 0, nil
	}
	if err != nil {
		return 0, 0, fmt.Errorf("load q: %w", err)
	}
	return q, count, nil
}

// visitedStates returns the distinct state keys of agentID with the given prefix.
func visitedStates(ctx context.Context, db queryer, agentID, prefix string) ([]string, error) {
	rows, err := db.QueryContext(ctx,
		`SELECT DISTINCT state_key FROM q_values
		 WHERE agent_id = ? AND substr(state_key, 1, ?) = ?
		 ORDER BY state_key`,
		agentID, len(prefix), prefix,
	)
	if err != nil {
		return nil, fmt.Errorf("visited states: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, fmt.Errorf("scan state: %w", err)
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// #endregion reads

// #region writes

func upsertQ(ctx context.Context, tx *sql.Tx, e QEntry) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO q_values (agent_id, state_key, action_key, q_value, update_count, last_updated)
		 VALUES (?, ?, ?, ?, ?, ?)
		 ON CONFLICT(agent_id, state_key, action_key) DO UPDATE SET
		   q_value = excluded.q_value,
		   update_count = excluded.update_count,
		   last_updated = excluded.last_updated`,
		e.AgentID, e.StateKey, e.Action, e.QValue, e.UpdateCount, store.FormatTime(e.LastUpdated),
	)
	if err != nil {
		return fmt.Errorf("upsert q: %w", err)
	}
	return nil
}

// #endregion writes

// #region learner-state

type learnerState struct {
	ExplorationRate float64
	Enabled         bool
	Persisted       bool
}

func loadLearner(ctx context.Context, db queryer, agentID string, defaultRate float64) (learnerState, error) {
	var (
		rate    float64
		enabled bool
	)
	err := db.QueryRowContext(ctx,
		`SELECT exploration_rate, enabled FROM learner_state WHERE agent_id = ?`, agentID,
	).Scan(&rate, &enabled)
	if errors.Is(err, sql.ErrNoRows) {
		return learnerState{ExplorationRate: defaultRate, Enabled: true}, nil
	}
	if err != nil {
		return learnerState{}, fmt.Errorf("load learner state: %w", err)
	}
	return learnerState{ExplorationRate: rate, Enabled: enabled, Persisted: true}, nil
}

func saveExploration(ctx context.Context, tx *sql.Tx, agentID string, rate float64, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO learner_state (agent_id, exploration_rate, enabled, updated_at)
		 VALUES (?, ?, 1, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET
		   exploration_rate = excluded.exploration_rate,
		   updated_at = excluded.updated_at`,
		agentID, rate, store.FormatTime(now),
	)
	if err != nil {
		return fmt.Errorf("save exploration rate: %w", err)
	}
	return nil
}

func saveEnabled(ctx context.Context, tx *sql.Tx, agentID string, enabled bool, defaultRate float64, now time.Time) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO learner_state (agent_id, exploration_rate, enabled, updated_at)
		 VALUES (?, ?, ?, ?)
		 ON CONFLICT(agent_id) DO UPDATE SET
		   enabled = excluded.enabled,
		   updated_at = excluded.updated_at`,
		agentID, defaultRate, enabled, store.FormatTime(now),
	)
	if err != nil {
		return fmt.Errorf("save enabled: %w", err)
	}
	return nil
}

// #endregion learner-state

// #region inspect

// InspectQValues returns agentID's Q-table, optionally restricted to one
// state. It is read-only and may be used on any agent.
func InspectQValues(ctx context.Context, st *store.Store, agentID, stateKey string) ([]QEntry, error) {
	if stateKey != "" {
		return stateRows(ctx, st.DB(), agentID, stateKey)
	}
	rows, err := st.DB().QueryContext(ctx,
		`SELECT agent_id, state_key, action_key, q_value, update_count, last_updated
		 FROM q_values WHERE agent_id = ?
		 ORDER BY state_key ASC, q_value DESC, action_key ASC`,
		agentID,
	)
	if err != nil {
		return nil, fmt.Errorf("inspect q values: %w", err)
	}
	return scanEntries(rows)
}

// Agents lists every agent with persisted learning state or Q rows.
func Agents(ctx context.Context, st *store.Store) ([]string, error) {
	rows, err := st.DB().QueryContext(ctx,
		`SELECT agent_id FROM learner_state
		 UNION SELECT DISTINCT agent_id FROM q_values
		 ORDER BY 1`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// #endregion inspect
