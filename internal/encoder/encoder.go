// Package encoder maps a task and its agent context onto a bounded, comparable
// State used as the Q-table key.
package encoder

import (
	"fmt"
	"math"
	"slices"
	"strings"
)

const (
	DefaultBins       = 10
	DefaultMaxAttempt = 5
)

// Encoder discretizes task features. The zero value uses the defaults.
type Encoder struct {
	Bins       int
	MaxAttempt int
}

// New returns an Encoder with the default bin count and attempt cap.
func New() Encoder {
	return Encoder{Bins: DefaultBins, MaxAttempt: DefaultMaxAttempt}
}

// #region encode

// Encode builds the State for task as run by agent. It is deterministic and
// independent of capability ordering.
func (e Encoder) Encode(task TaskDescriptor, agent AgentContext) (State, error) {
	bins := e.Bins
	if bins <= 0 {
		bins = DefaultBins
	}
	maxAttempt := e.MaxAttempt
	if maxAttempt <= 0 {
		maxAttempt = DefaultMaxAttempt
	}

	taskType := strings.ToLower(strings.TrimSpace(task.Type))
	if taskType == "" {
		return State{}, &EncodingError{Field: "type", Reason: "empty task type"}
	}
	if strings.ContainsAny(taskType, "|=") {
		return State{}, &EncodingError{Field: "type", Reason: fmt.Sprintf("reserved character in %q", taskType)}
	}

	complexity := 0.0
	if raw, ok := task.Payload["complexity"]; ok && raw != nil {
		f, err := toFloat("payload.complexity", raw)
		if err != nil {
			return State{}, err
		}
		complexity = f
	}

	if !isFinite(agent.ResourceAvailability) {
		return State{}, &EncodingError{Field: "resource_availability", Reason: "not a finite number"}
	}
	if agent.Attempt < 0 {
		return State{}, &EncodingError{Field: "attempt", Reason: fmt.Sprintf("negative attempt %d", agent.Attempt)}
	}

	caps, err := capabilities(agent.Capabilities, task.Payload["capabilities"])
	if err != nil {
		return State{}, err
	}

	return newState(
		taskType,
		bucket(complexity, bins),
		caps,
		bucket(agent.ResourceAvailability, bins),
		min(agent.Attempt, maxAttempt),
		bins,
	), nil
}

// #endregion encode

// #region helpers

// bucket clamps v into [0,1] and maps it onto one of bins buckets.
func bucket(v float64, bins int) int {
	v = math.Max(0, math.Min(1, v))
	b := int(v * float64(bins))
	if b >= bins {
		b = bins - 1
	}
	return b
}

func toFloat(field string, raw any) (float64, error) {
	var f float64
	switch v := raw.(type) {
	case float64:
		f = v
	case float32:
		f = float64(v)
	case int:
		f = float64(v)
	case int64:
		f = float64(v)
	case int32:
		f = float64(v)
	case uint:
		f = float64(v)
	case uint64:
		f = float64(v)
	case uint32:
		f = float64(v)
	default:
		return 0, &EncodingError{Field: field, Reason: fmt.Sprintf("expected number, got %T", raw)}
	}
	if !isFinite(f) {
		return 0, &EncodingError{Field: field, Reason: "not a finite number"}
	}
	return f, nil
}

func capabilities(agentCaps []string, payloadCaps any) ([]string, error) {
	all := slices.Clone(agentCaps)
	switch v := payloadCaps.(type) {
	case nil:
	case []string:
		all = append(all, v...)
	case []any:
		for i, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, &EncodingError{
					Field:  fmt.Sprintf("payload.capabilities[%d]", i),
					Reason: fmt.Sprintf("expected string, got %T", item),
				}
			}
			all = append(all, s)
		}
	default:
		return nil, &EncodingError{Field: "payload.capabilities", Reason: fmt.Sprintf("expected list of strings, got %T", payloadCaps)}
	}

	out := make([]string, 0, len(all))
	for _, c := range all {
		c = strings.ToLower(strings.TrimSpace(c))
		if c == "" {
			continue
		}
		if strings.ContainsAny(c, "|=,") {
			return nil, &EncodingError{Field: "capabilities", Reason: fmt.Sprintf("reserved character in %q", c)}
		}
		out = append(out, c)
	}
	slices.Sort(out)
	out = slices.Compact(out)
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// #endregion helpers
