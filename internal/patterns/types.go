package patterns

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrPromotionRejected is matched by every *RejectedError. It is a normal
	// negative result, not a failure.
	ErrPromotionRejected = errors.New("promotion rejected")
	ErrPatternNotFound   = errors.New("pattern not found")
	ErrInvalidCluster    = errors.New("invalid experience cluster")
)

// RejectedError carries the gate's reason for refusing a candidate.
type RejectedError struct {
	Signature string
	Reason    string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("promotion rejected: %s", e.Reason)
}

// Is lets errors.Is(err, ErrPromotionRejected) match.
func (e *RejectedError) Is(target error) bool {
	return target == ErrPromotionRejected
}

// #region pattern

// Pattern is a durable strategy shared across agents.
type Pattern struct {
	ID          string    `json:"id" yaml:"id"`
	Signature   string    `json:"signature" yaml:"signature"`
	TaskType    string    `json:"task_type" yaml:"task_type"`
	Description string    `json:"description" yaml:"description"`
	Body        string    `json:"body" yaml:"body"`
	Strategy    string    `json:"strategy" yaml:"strategy"`
	StateKey    string    `json:"state_key" yaml:"state_key"`
	Confidence  float64   `json:"confidence" yaml:"confidence"`
	SuccessRate float64   `json:"success_rate" yaml:"success_rate"`
	UsageCount  int64     `json:"usage_count" yaml:"usage_count"`
	Embedding   []float32 `json:"-" yaml:"-"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
	LastUsedAt  time.Time `json:"last_used_at,omitzero" yaml:"last_used_at,omitempty"`
	Seq         int64     `json:"-" yaml:"-"`
}

// Candidate is a pattern proposed for promotion.
type Candidate struct {
	Signature   string    `json:"signature" yaml:"signature"`
	TaskType    string    `json:"task_type" yaml:"task_type"`
	Description string    `json:"description" yaml:"description"`
	Body        string    `json:"body" yaml:"body"`
	Strategy    string    `json:"strategy" yaml:"strategy"`
	StateKey    string    `json:"state_key" yaml:"state_key"`
	UsageCount  int64     `json:"usage_count" yaml:"usage_count"`
	SuccessRate float64   `json:"success_rate" yaml:"success_rate"`
	MeanReward  float64   `json:"mean_reward" yaml:"mean_reward"`
	Embedding   []float32 `json:"-" yaml:"-"`
}

// Scored pairs a pattern with its similarity to a query.
type Scored struct {
	Pattern Pattern `json:"pattern" yaml:"pattern"`
	Score   float64 `json:"score" yaml:"score"`
}

// SweepResult summarizes one promotion sweep over the experience log.
type SweepResult struct {
	Clusters int `json:"clusters" yaml:"clusters"`
	Promoted int `json:"promoted" yaml:"promoted"`
	Merged   int `json:"merged" yaml:"merged"`
	Rejected int `json:"rejected" yaml:"rejected"`
}

// ListOptions filters List.
type ListOptions struct {
	TaskType      string
	MinConfidence float64
	Limit         int
}

// #endregion pattern

// #region config

// Config holds promotion, scoring and pruning thresholds.
type Config struct {
	MinOccurrences       int           `koanf:"min_occurrences"`
	MinSuccessRate       float64       `koanf:"min_success_rate"`
	SuccessThreshold     float64       `koanf:"success_threshold"`
	UsageWeight          float64       `koanf:"usage_weight"`
	DefaultMinScore      float64       `koanf:"default_min_score"`
	PruneConfidenceFloor float64       `koanf:"prune_confidence_floor"`
	PruneMinAge          time.Duration `koanf:"prune_min_age"`
}

// DefaultConfig returns the standard promotion thresholds.
func DefaultConfig() Config {
	return Config{
		MinOccurrences:       5,
		MinSuccessRate:       0.7,
		SuccessThreshold:     0.5,
		UsageWeight:          0.1,
		DefaultMinScore:      0.6,
		PruneConfidenceFloor: 0.2,
		PruneMinAge:          30 * 24 * time.Hour,
	}
}

// #endregion config

// Confidence is success rate scaled by how much evidence backs it.
func Confidence(successRate float64, usage int64) float64 {
	if usage <= 0 {
		return 0
	}
	return clamp01(successRate * (1 - 1/(1+float64(usage))))
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
