// Package experience is the append-only log of learning transitions.
package experience

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/danielpatrickdp/agent-learning/internal/store"
)

// #region types

// Experience is one recorded (state, action, reward, next state) transition.
type Experience struct {
	ID        string    `json:"id" yaml:"id"`
	AgentID   string    `json:"agent_id" yaml:"agent_id"`
	TaskID    string    `json:"task_id" yaml:"task_id"`
	TaskType  string    `json:"task_type" yaml:"task_type"`
	State     string    `json:"state" yaml:"state"`
	Action    string    `json:"action" yaml:"action"`
	Reward    float64   `json:"reward" yaml:"reward"`
	NextState string    `json:"next_state,omitempty" yaml:"next_state,omitempty"`
	EpisodeID string    `json:"episode_id,omitempty" yaml:"episode_id,omitempty"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp"`
}

// Query filters List. Zero fields are ignored.
type Query struct {
	AgentID   string
	TaskType  string
	Since     time.Time
	Limit     int
	Ascending bool
}

// Cluster aggregates experiences sharing task type, state and action.
type Cluster struct {
	TaskType   string
	State      string
	Action     string
	Count      int
	Successes  int
	MeanReward float64
	MaxSeq     int64
}

// SuccessRate is the fraction of successful experiences in the cluster.
func (c Cluster) SuccessRate() float64 {
	if c.Count == 0 {
		return 0
	}
	return float64(c.Successes) / float64(c.Count)
}

// #endregion types

// Store reads and appends experiences.
type Store struct {
	st *store.Store
}

// NewStore wraps st.
func NewStore(st *store.Store) *Store {
	return &Store{st: st}
}

// #region append

// AppendTx inserts e inside tx. It assigns an id and timestamp when empty.
func (s *Store) AppendTx(ctx context.Context, tx *sql.Tx, e *Experience) error {
	if e.AgentID == "" || e.State == "" || e.Action == "" {
		return fmt.Errorf("append experience: agent, state and action are required")
	}
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = s.st.Now()
	}
	var episode any
	if e.EpisodeID != "" {
		episode = e.EpisodeID
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO learning_experiences
		   (id, agent_id, task_id, task_type, state_key, action, reward, next_state_key, episode_id, timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.AgentID, e.TaskID, e.TaskType, e.State, e.Action, e.Reward, e.NextState, episode,
		store.FormatTime(e.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("append experience: %w", err)
	}
	return nil
}

// #endregion append

// #region read

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

// List returns experiences matching q, newest first unless q.Ascending.
func (s *Store) List(ctx context.Context, q Query) ([]Experience, error) {
	return list(ctx, s.st.DB(), q)
}

// ListTx is List inside a caller-owned transaction.
func (s *Store) ListTx(ctx context.Context, tx *sql.Tx, q Query) ([]Experience, error) {
	return list(ctx, tx, q)
}

func list(ctx context.Context, db queryer, q Query) ([]Experience, error) {
	var (
		where []string
		args  []any
	)
	if q.AgentID != "" {
		where = append(where, "agent_id = ?")
		args = append(args, q.AgentID)
	}
	if q.TaskType != "" {
		where = append(where, "task_type = ?")
		args = append(args, q.TaskType)
	}
	if !q.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, store.FormatTime(q.Since))
	}

	query := `SELECT id, agent_id, task_id, task_type, state_key, action, reward, next_state_key, episode_id, timestamp
		FROM learning_experiences`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	if q.Ascending {
		query += " ORDER BY seq ASC"
	} else {
		query += " ORDER BY seq DESC"
	}
	if q.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, q.Limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list experiences: %w", err)
	}
	return scanExperiences(rows)
}

// Count returns the number of experiences for agentID, or for all agents when
// agentID is empty.
func (s *Store) Count(ctx context.Context, agentID string) (int64, error) {
	var n int64
	var err error
	if agentID == "" {
		err = s.st.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM learning_experiences`).Scan(&n)
	} else {
		err = s.st.DB().QueryRowContext(ctx,
			`SELECT COUNT(*) FROM learning_experiences WHERE agent_id = ?`, agentID).Scan(&n)
	}
	if err != nil {
		return 0, fmt.Errorf("count experiences: %w", err)
	}
	return n, nil
}

// Clusters aggregates all experiences by (task type, state, action) and
// returns the groups with at least minCount members. A reward at or above
// successThreshold counts as a success.
func (s *Store) Clusters(ctx context.Context, minCount int, successThreshold float64) ([]Cluster, error) {
	rows, err := s.st.DB().QueryContext(ctx,
		`SELECT task_type, state_key, action,
		        COUNT(*),
		        SUM(CASE WHEN reward >= ? THEN 1 ELSE 0 END),
		        AVG(reward),
		        MAX(seq)
		 FROM learning_experiences
		 GROUP BY task_type, state_key, action
		 HAVING COUNT(*) >= ?
		 ORDER BY task_type, state_key, action`,
		successThreshold, max(minCount, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("cluster experiences: %w", err)
	}
	defer rows.Close()

	var out []Cluster
	for rows.Next() {
		var c Cluster
		if err := rows.Scan(&c.TaskType, &c.State, &c.Action, &c.Count, &c.Successes, &c.MeanReward, &c.MaxSeq); err != nil {
			return nil, fmt.Errorf("scan cluster: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// ClusterSinceTx aggregates the experiences of one cluster appended after
// afterSeq. Count is zero when there are none.
func (s *Store) ClusterSinceTx(ctx context.Context, tx *sql.Tx, taskType, state, action string, afterSeq int64, successThreshold float64) (Cluster, error) {
	c := Cluster{TaskType: taskType, State: state, Action: action}
	var (
		successes sql.NullInt64
		mean      sql.NullFloat64
		maxSeq    sql.NullInt64
	)
	err := tx.QueryRowContext(ctx,
		`SELECT COUNT(*),
		        SUM(CASE WHEN reward >= ? THEN 1 ELSE 0 END),
		        AVG(reward),
		        MAX(seq)
		 FROM learning_experiences
		 WHERE task_type = ? AND state_key = ? AND action = ? AND seq > ?`,
		successThreshold, taskType, state, action, afterSeq,
	).Scan(&c.Count, &successes, &mean, &maxSeq)
	if err != nil {
		return Cluster{}, fmt.Errorf("cluster since %d: %w", afterSeq, err)
	}
	c.Successes = int(successes.Int64)
	c.MeanReward = mean.Float64
	c.MaxSeq = maxSeq.Int64
	return c, nil
}

// Members returns the experiences of one cluster in append order.
func (s *Store) Members(ctx context.Context, c Cluster) ([]Experience, error) {
	rows, err := s.st.DB().QueryContext(ctx,
		`SELECT id, agent_id, task_id, task_type, state_key, action, reward, next_state_key, episode_id, timestamp
		 FROM learning_experiences
		 WHERE task_type = ? AND state_key = ? AND action = ?
		 ORDER BY seq ASC`,
		c.TaskType, c.State, c.Action,
	)
	if err != nil {
		return nil, fmt.Errorf("cluster members: %w", err)
	}
	return scanExperiences(rows)
}

func scanExperiences(rows *sql.Rows) ([]Experience, error) {
	defer rows.Close()

	var out []Experience
	for rows.Next() {
		var (
			e       Experience
			episode sql.NullString
			ts      string
		)
		if err := rows.Scan(&e.ID, &e.AgentID, &e.TaskID, &e.TaskType, &e.State, &e.Action,
			&e.Reward, &e.NextState, &episode, &ts); err != nil {
			return nil, fmt.Errorf("scan experience: %w", err)
		}
		e.EpisodeID = episode.String
		e.Timestamp = store.ParseTime(ts)
		out = append(out, e)
	}
	return out, rows.Err()
}

// #endregion read

// #region retention

// Prune deletes experiences recorded before cutoff.
func (s *Store) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.st.DB().ExecContext(ctx,
		`DELETE FROM learning_experiences WHERE timestamp < ?`, store.FormatTime(cutoff))
	if err != nil {
		return 0, fmt.Errorf("prune experiences: %w", err)
	}
	return res.RowsAffected()
}

// DeleteAgentTx removes every experience of agentID inside tx.
func (s *Store) DeleteAgentTx(ctx context.Context, tx *sql.Tx, agentID string) (int64, error) {
	res, err := tx.ExecContext(ctx, `DELETE FROM learning_experiences WHERE agent_id = ?`, agentID)
	if err != nil {
		return 0, fmt.Errorf("delete agent experiences: %w", err)
	}
	return res.RowsAffected()
}

// #endregion retention
