package patterns

import (
	"cmp"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"slices"
	"strings"

	"github.com/danielpatrickdp/agent-learning/internal/experience"
)

// Signature is the dedup key of a pattern body within a task type.
func Signature(taskType, body string) string {
	h := sha256.New()
	h.Write([]byte(strings.ToLower(strings.TrimSpace(taskType))))
	h.Write([]byte{0})
	h.Write([]byte(body))
	return hex.EncodeToString(h.Sum(nil))
}

// Body renders the pattern body of an experience-derived strategy.
func Body(stateKey, action string) string {
	return stateKey + " => " + action
}

// Describe renders a human-readable description for an experience-derived strategy.
func Describe(taskType, stateKey, action string) string {
	return fmt.Sprintf("%s tasks: use %s in state %s", taskType, action, stateKey)
}

// #region extract

// ExtractCandidate aggregates a cluster of experiences that share a task type
// into a promotion candidate for its most frequent (state, action) pair.
// Usage count, success rate and mean reward cover that pair only.
func ExtractCandidate(cluster []experience.Experience, successThreshold float64) (Candidate, error) {
	if len(cluster) == 0 {
		return Candidate{}, fmt.Errorf("%w: empty", ErrInvalidCluster)
	}
	taskType := cluster[0].TaskType
	if taskType == "" {
		return Candidate{}, fmt.Errorf("%w: missing task type", ErrInvalidCluster)
	}

	type pair struct{ state, action string }
	counts := make(map[pair]int)
	for _, e := range cluster {
		if e.TaskType != taskType {
			return Candidate{}, fmt.Errorf("%w: mixed task types %q and %q", ErrInvalidCluster, taskType, e.TaskType)
		}
		counts[pair{e.State, e.Action}]++
	}

	pairs := make([]pair, 0, len(counts))
	for p := range counts {
		pairs = append(pairs, p)
	}
	slices.SortFunc(pairs, func(a, b pair) int {
		if c := cmp.Compare(counts[b], counts[a]); c != 0 {
			return c
		}
		if c := cmp.Compare(a.state, b.state); c != 0 {
			return c
		}
		return cmp.Compare(a.action, b.action)
	})
	modal := pairs[0]

	var (
		successes int
		total     float64
	)
	for _, e := range cluster {
		if (pair{e.State, e.Action}) != modal {
			continue
		}
		if e.Reward >= successThreshold {
			successes++
		}
		total += e.Reward
	}
	n := counts[modal]

	body := Body(modal.state, modal.action)
	return Candidate{
		Signature:   Signature(taskType, body),
		TaskType:    taskType,
		Description: Describe(taskType, modal.state, modal.action),
		Body:        body,
		Strategy:    modal.action,
		StateKey:    modal.state,
		UsageCount:  int64(n),
		SuccessRate: float64(successes) / float64(n),
		MeanReward:  total / float64(n),
	}, nil
}

func candidateFromCluster(c experience.Cluster) Candidate {
	body := Body(c.State, c.Action)
	return Candidate{
		Signature:   Signature(c.TaskType, body),
		TaskType:    c.TaskType,
		Description: Describe(c.TaskType, c.State, c.Action),
		Body:        body,
		Strategy:    c.Action,
		StateKey:    c.State,
		UsageCount:  int64(c.Count),
		SuccessRate: c.SuccessRate(),
		MeanReward:  c.MeanReward,
	}
}

// #endregion extract
