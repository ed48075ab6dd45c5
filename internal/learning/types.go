package learning

import (
	"errors"
	"fmt"
	"time"

	"github.com/danielpatrickdp/agent-learning/internal/encoder"
	"github.com/danielpatrickdp/agent-learning/internal/patterns"
)

var (
	ErrInvalidReward  = errors.New("invalid reward: must be finite")
	ErrEmptyActionSet = errors.New("empty action set")
	ErrInvalidAction  = errors.New("invalid action")
	ErrPersistence    = errors.New("persistence error")
	ErrInvalidConfig  = errors.New("invalid learning config")
	ErrRecorderClosed = errors.New("recorder closed")
)

// PersistenceError is a storage failure that survived the retry.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: %v: %v", e.Op, ErrPersistence, e.Err)
}

// Unwrap exposes both ErrPersistence and the cause.
func (e *PersistenceError) Unwrap() []error {
	return []error{ErrPersistence, e.Err}
}

// #region config

// Config holds the Q-learning constants.
type Config struct {
	LearningRate      float64 `koanf:"learning_rate"`
	DiscountFactor    float64 `koanf:"discount_factor"`
	ExplorationRate   float64 `koanf:"exploration_rate"`
	ExplorationMin    float64 `koanf:"exploration_min"`
	ExplorationDecay  float64 `koanf:"exploration_decay"`
	PatternMinUpdates int64   `koanf:"pattern_min_updates"`
	PatternMinQ       float64 `koanf:"pattern_min_q"`
	NeighborRadius    float64 `koanf:"neighbor_radius"`
}

// DefaultConfig returns α 0.1, γ 0.95 and an exploration rate starting at
// 0.2 that decays by 0.995 per outcome down to 0.01.
func DefaultConfig() Config {
	return Config{
		LearningRate:      0.1,
		DiscountFactor:    0.95,
		ExplorationRate:   0.2,
		ExplorationMin:    0.01,
		ExplorationDecay:  0.995,
		PatternMinUpdates: 3,
		PatternMinQ:       0.5,
		NeighborRadius:    1.0,
	}
}

// Validate rejects constants outside their meaningful ranges.
func (c Config) Validate() error {
	switch {
	case c.LearningRate <= 0 || c.LearningRate > 1:
		return fmt.Errorf("%w: learning_rate %v not in (0,1]", ErrInvalidConfig, c.LearningRate)
	case c.DiscountFactor < 0 || c.DiscountFactor >= 1:
		return fmt.Errorf("%w: discount_factor %v not in [0,1)", ErrInvalidConfig, c.DiscountFactor)
	case c.ExplorationMin < 0 || c.ExplorationMin > 1:
		return fmt.Errorf("%w: exploration_min %v not in [0,1]", ErrInvalidConfig, c.ExplorationMin)
	case c.ExplorationRate < 0 || c.ExplorationRate > 1:
		return fmt.Errorf("%w: exploration_rate %v not in [0,1]", ErrInvalidConfig, c.ExplorationRate)
	case c.ExplorationDecay <= 0 || c.ExplorationDecay > 1:
		return fmt.Errorf("%w: exploration_decay %v not in (0,1]", ErrInvalidConfig, c.ExplorationDecay)
	case c.NeighborRadius < 0:
		return fmt.Errorf("%w: neighbor_radius %v negative", ErrInvalidConfig, c.NeighborRadius)
	}
	return nil
}

// #endregion config

// #region transition

// Transition is the caller's report of a completed task.
type Transition struct {
	TaskID    string
	TaskType  string
	EpisodeID string
	State     encoder.State
	Action    encoder.Action
	Reward    float64
	// NextState may be zero for a terminal transition.
	NextState encoder.State
}

// Outcome describes what RecordOutcome persisted.
type Outcome struct {
	PreviousQ       float64
	QValue          float64
	UpdateCount     int64
	ExplorationRate float64
	ExperienceID    string
	// Skipped is set when learning is disabled for the agent.
	Skipped bool
}

// #endregion transition

// #region status

// Status is the persisted learning state of one agent.
type Status struct {
	AgentID          string  `json:"agent_id" yaml:"agent_id"`
	Enabled          bool    `json:"enabled" yaml:"enabled"`
	TotalExperiences int64   `json:"total_experiences" yaml:"total_experiences"`
	ExplorationRate  float64 `json:"exploration_rate" yaml:"exploration_rate"`
	PatternCount     int64   `json:"pattern_count" yaml:"pattern_count"`
}

// QEntry is one row of an agent's Q-table.
type QEntry struct {
	AgentID     string    `json:"agent_id" yaml:"agent_id"`
	StateKey    string    `json:"state_key" yaml:"state_key"`
	Action      string    `json:"action" yaml:"action"`
	QValue      float64   `json:"q_value" yaml:"q_value"`
	UpdateCount int64     `json:"update_count" yaml:"update_count"`
	LastUpdated time.Time `json:"last_updated" yaml:"last_updated"`
}

// LearnedPattern is a Q-table row strong enough to be worth sharing, joined
// with its PatternBank entry when one exists.
type LearnedPattern struct {
	QEntry
	TaskType  string            `json:"task_type" yaml:"task_type"`
	Signature string            `json:"signature" yaml:"signature"`
	Pattern   *patterns.Pattern `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// #endregion status

// #region recommendation

// Source says where a recommendation came from.
type Source string

const (
	SourceExact     Source = "exact"
	SourceNeighbor  Source = "neighbor"
	SourceColdStart Source = "cold_start"
)

// PatternHint is the advisory PatternBank entry matching a recommendation.
type PatternHint struct {
	ID          string  `json:"id" yaml:"id"`
	Confidence  float64 `json:"confidence" yaml:"confidence"`
	SuccessRate float64 `json:"success_rate" yaml:"success_rate"`
	UsageCount  int64   `json:"usage_count" yaml:"usage_count"`
}

// Recommendation is the engine's best guess for a state before the task runs.
type Recommendation struct {
	Strategy            encoder.Action   `json:"strategy" yaml:"strategy"`
	Confidence          float64          `json:"confidence" yaml:"confidence"`
	ExpectedImprovement float64          `json:"expected_improvement" yaml:"expected_improvement"`
	Alternatives        []encoder.Action `json:"alternatives" yaml:"alternatives"`
	Source              Source           `json:"source" yaml:"source"`
	NeighborState       string           `json:"neighbor_state,omitempty" yaml:"neighbor_state,omitempty"`
	Pattern             *PatternHint     `json:"pattern,omitempty" yaml:"pattern,omitempty"`
}

// #endregion recommendation
