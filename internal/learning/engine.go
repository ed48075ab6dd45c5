// Package learning is the per-agent epsilon-greedy Q-learning engine. Every
// Q-value, experience and exploration rate lives in the shared store, so any
// number of engines and processes can work on the same file.
package learning

import (
	"context"
	"database/sql"
	"fmt"
	"math/rand/v2"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/agent-learning/internal/encoder"
	"github.com/danielpatrickdp/agent-learning/internal/experience"
	"github.com/danielpatrickdp/agent-learning/internal/logging"
	"github.com/danielpatrickdp/agent-learning/internal/metrics"
	"github.com/danielpatrickdp/agent-learning/internal/patterns"
	"github.com/danielpatrickdp/agent-learning/internal/store"
)

// PatternLookup is the read side of the pattern bank used for advisory hints.
type PatternLookup interface {
	FindExact(ctx context.Context, sig string) (*patterns.Pattern, error)
}

// #region engine

// Engine is one agent's learner. It is safe for concurrent use.
type Engine struct {
	st      *store.Store
	exps    *experience.Store
	agentID string
	cfg     Config
	bank    PatternLookup
	logger  *zap.Logger
	metrics *metrics.Metrics

	retryInitial time.Duration

	mu      sync.Mutex
	rng     *rand.Rand
	epsilon float64 // last committed exploration rate
}

// Option configures an Engine.
type Option func(*Engine)

// WithPatternBank attaches a bank for advisory pattern hints.
func WithPatternBank(b PatternLookup) Option {
	return func(e *Engine) { e.bank = b }
}

// WithLogger sets the engine's logger.
func WithLogger(l *zap.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithMetrics records outcome and retry metrics.
func WithMetrics(m *metrics.Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRand sets the exploration random source.
func WithRand(r *rand.Rand) Option {
	return func(e *Engine) { e.rng = r }
}

// WithRetryBackoff sets the wait before the single persistence retry.
func WithRetryBackoff(d time.Duration) Option {
	return func(e *Engine) { e.retryInitial = d }
}

// New returns the engine for agentID. It does not write to the store.
func New(st *store.Store, exps *experience.Store, agentID string, cfg Config, opts ...Option) (*Engine, error) {
	if st == nil || exps == nil {
		return nil, fmt.Errorf("new engine: store and experience store are required")
	}
	if agentID == "" {
		return nil, fmt.Errorf("new engine: empty agent id")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	e := &Engine{
		st:           st,
		exps:         exps,
		agentID:      agentID,
		cfg:          cfg,
		retryInitial: 20 * time.Millisecond,
		epsilon:      cfg.ExplorationRate,
	}
	for _, opt := range opts {
		opt(e)
	}
	e.logger = logging.OrNop(e.logger).With(zap.String("agent_id", agentID))
	if e.rng == nil {
		e.rng = rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64()))
	}
	return e, nil
}

// AgentID returns the agent this engine learns for.
func (e *Engine) AgentID() string { return e.agentID }

// Config returns the engine's constants.
func (e *Engine) Config() Config { return e.cfg }

// ExplorationRate returns the last exploration rate this engine committed or read.
func (e *Engine) ExplorationRate() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.epsilon
}

// #endregion engine

// #region select-action

// SelectAction picks an action for state: uniformly at random with the
// persisted exploration probability, otherwise the action with the highest
// stored Q-value. Ties go to the most recently updated action, then to input
// order. With no stored values the first action wins. Store failures degrade
// to that cold-start rule.
func (e *Engine) SelectAction(ctx context.Context, state encoder.State, actions []encoder.Action) (encoder.Action, error) {
	if len(actions) == 0 {
		return "", ErrEmptyActionSet
	}
	eps := e.currentExploration(ctx)

	e.mu.Lock()
	explore := e.rng.Float64() < eps
	pick := 0
	if explore {
		pick = e.rng.IntN(len(actions))
	}
	e.mu.Unlock()

	if explore {
		return actions[pick], nil
	}
	return e.greedy(ctx, state, actions), nil
}

func (e *Engine) greedy(ctx context.Context, state encoder.State, actions []encoder.Action) encoder.Action {
	if state.IsZero() {
		return actions[0]
	}
	rows, err := stateRows(ctx, e.st.DB(), e.agentID, state.Key())
	if err != nil {
		e.logger.Warn("select action: q-table unavailable, using cold start", zap.Error(err))
		return actions[0]
	}
	known := make(map[string]QEntry, len(rows))
	for _, r := range rows {
		known[r.Action] = r
	}

	best := -1
	var bestQ float64
	var bestAt time.Time
	visited := false
	for i, a := range actions {
		r, ok := known[a.Key()]
		visited = visited || ok
		if best < 0 || r.QValue > bestQ || (r.QValue == bestQ && r.LastUpdated.After(bestAt)) {
			best, bestQ, bestAt = i, r.QValue, r.LastUpdated
		}
	}
	if !visited {
		return actions[0]
	}
	return actions[best]
}

func (e *Engine) currentExploration(ctx context.Context) float64 {
	ls, err := loadLearner(ctx, e.st.DB(), e.agentID, e.cfg.ExplorationRate)
	e.mu.Lock()
	defer e.mu.Unlock()
	if err != nil {
		e.logger.Warn("exploration rate unavailable, using last committed value", zap.Error(err))
		return e.epsilon
	}
	e.epsilon = ls.ExplorationRate
	return e.epsilon
}

// #endregion select-action

// #region record-outcome

// RecordOutcome applies the Bellman update for one transition. The Q-value
// upsert, the experience append and the exploration decay commit in one
// transaction. A failed transaction is retried once; if it still fails the
// result is a *PersistenceError and no state changes, in memory or on disk.
func (e *Engine) RecordOutcome(ctx context.Context, tr Transition) (Outcome, error) {
	if !isFinite(tr.Reward) {
		return Outcome{}, fmt.Errorf("record outcome: %w: %v", ErrInvalidReward, tr.Reward)
	}
	if !tr.Action.Valid() {
		return Outcome{}, fmt.Errorf("record outcome: %w: empty action", ErrInvalidAction)
	}
	if tr.State.IsZero() {
		return Outcome{}, &encoder.EncodingError{Field: "state", Reason: "state was never encoded"}
	}

	out, err := backoff.Retry(ctx,
		func() (Outcome, error) { return e.persistOutcome(ctx, tr) },
		backoff.WithBackOff(e.newBackOff()),
		backoff.WithMaxTries(2),
		backoff.WithNotify(func(err error, wait time.Duration) {
			e.metrics.Retry("record_outcome")
			e.logger.Warn("record outcome failed, retrying", zap.Error(err), zap.Duration("wait", wait))
		}),
	)
	if err != nil {
		e.metrics.Outcome("failed")
		e.logger.Error("record outcome failed",
			zap.String("task_id", tr.TaskID),
			zap.String("action", tr.Action.Key()),
			zap.Error(err),
		)
		return Outcome{}, &PersistenceError{Op: "record outcome", Err: err}
	}
	if out.Skipped {
		e.metrics.Outcome("skipped")
		return out, nil
	}

	e.mu.Lock()
	e.epsilon = out.ExplorationRate
	e.mu.Unlock()

	e.metrics.Outcome("recorded")
	e.metrics.SetExplorationRate(e.agentID, out.ExplorationRate)
	e.logger.Debug("outcome recorded",
		zap.String("task_id", tr.TaskID),
		zap.String("action", tr.Action.Key()),
		zap.Float64("reward", tr.Reward),
		zap.Float64("q_value", out.QValue),
		zap.Int64("update_count", out.UpdateCount),
	)
	return out, nil
}

func (e *Engine) persistOutcome(ctx context.Context, tr Transition) (Outcome, error) {
	stateKey := tr.State.Key()
	action := tr.Action.Key()
	// Clusters and signatures compare task types case-insensitively.
	taskType := strings.ToLower(strings.TrimSpace(tr.TaskType))
	if taskType == "" {
		taskType = tr.State.TaskType()
	}

	var out Outcome
	err := e.st.InTx(ctx, func(tx *sql.Tx) error {
		ls, err := loadLearner(ctx, tx, e.agentID, e.cfg.ExplorationRate)
		if err != nil {
			return err
		}
		if !ls.Enabled {
			out = Outcome{Skipped: true, ExplorationRate: ls.ExplorationRate}
			return nil
		}

		current, count, err := loadQ(ctx, tx, e.agentID, stateKey, action)
		if err != nil {
			return err
		}
		next, err := maxQ(ctx, tx, e.agentID, tr.NextState.Key())
		if err != nil {
			return err
		}
		q := Update(current, next, tr.Reward, e.cfg.LearningRate, e.cfg.DiscountFactor)
		now := e.st.Now()

		if err := upsertQ(ctx, tx, QEntry{
			AgentID:     e.agentID,
			StateKey:    stateKey,
			Action:      action,
			QValue:      q,
			UpdateCount: count + 1,
			LastUpdated: now,
		}); err != nil {
			return err
		}

		exp := &experience.Experience{
			AgentID:   e.agentID,
			TaskID:    tr.TaskID,
			TaskType:  taskType,
			State:     stateKey,
			Action:    action,
			Reward:    tr.Reward,
			NextState: tr.NextState.Key(),
			EpisodeID: tr.EpisodeID,
			Timestamp: now,
		}
		if err := e.exps.AppendTx(ctx, tx, exp); err != nil {
			return err
		}

		eps := Decay(ls.ExplorationRate, e.cfg.ExplorationMin, e.cfg.ExplorationDecay)
		if err := saveExploration(ctx, tx, e.agentID, eps, now); err != nil {
			return err
		}

		out = Outcome{
			PreviousQ:       current,
			QValue:          q,
			UpdateCount:     count + 1,
			ExplorationRate: eps,
			ExperienceID:    exp.ID,
		}
		return nil
	})
	return out, err
}

func (e *Engine) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = e.retryInitial
	return b
}

// #endregion record-outcome

// #region admin

// Reset deletes the agent's Q-values, experiences and learner state.
func (e *Engine) Reset(ctx context.Context) error {
	err := e.st.InTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `DELETE FROM q_values WHERE agent_id = ?`, e.agentID); err != nil {
			return err
		}
		if _, err := e.exps.DeleteAgentTx(ctx, tx, e.agentID); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, `DELETE FROM learner_state WHERE agent_id = ?`, e.agentID)
		return err
	})
	if err != nil {
		return fmt.Errorf("reset %s: %w", e.agentID, err)
	}
	e.mu.Lock()
	e.epsilon = e.cfg.ExplorationRate
	e.mu.Unlock()
	e.logger.Info("learning state reset")
	return nil
}

// SetEnabled turns learning on or off for the agent. A disabled agent still
// selects actions but RecordOutcome writes nothing.
func (e *Engine) SetEnabled(ctx context.Context, enabled bool) error {
	err := e.st.InTx(ctx, func(tx *sql.Tx) error {
		return saveEnabled(ctx, tx, e.agentID, enabled, e.cfg.ExplorationRate, e.st.Now())
	})
	if err != nil {
		return fmt.Errorf("set enabled %s: %w", e.agentID, err)
	}
	e.logger.Info("learning toggled", zap.Bool("enabled", enabled))
	return nil
}

// QTable returns the agent's Q rows at state, best first.
func (e *Engine) QTable(ctx context.Context, state encoder.State) ([]QEntry, error) {
	return stateRows(ctx, e.st.DB(), e.agentID, state.Key())
}

// #endregion admin
