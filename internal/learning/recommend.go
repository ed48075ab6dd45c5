package learning

import (
	"context"
	"math"
	"slices"
	"strings"

	"go.uber.org/zap"

	"github.com/danielpatrickdp/agent-learning/internal/encoder"
	"github.com/danielpatrickdp/agent-learning/internal/patterns"
)

const maxAlternatives = 2

// #region recommend

// RecommendStrategy suggests the best known action for state together with
// up to two alternatives. When state has no Q rows the nearest visited state
// of the same task type within NeighborRadius is used instead. With no
// history at all the first available action is returned with zero confidence.
// A matching PatternBank entry is attached as a hint; it never changes the
// chosen strategy.
func (e *Engine) RecommendStrategy(ctx context.Context, state encoder.State, actions []encoder.Action) (Recommendation, error) {
	rows, source, neighbor, dist := e.recommendationRows(ctx, state)

	if len(rows) == 0 {
		if len(actions) == 0 {
			return Recommendation{}, ErrEmptyActionSet
		}
		return Recommendation{
			Strategy:     actions[0],
			Alternatives: fillAlternatives(nil, actions, actions[0]),
			Source:       SourceColdStart,
		}, nil
	}

	best := rows[0]
	rec := Recommendation{
		Strategy:      encoder.Action(best.Action),
		Confidence:    RowConfidence(best.UpdateCount) / (1 + dist),
		Source:        source,
		NeighborState: neighbor,
	}
	if len(rows) > 1 {
		var sum float64
		for _, r := range rows[1:] {
			sum += r.QValue
		}
		rec.ExpectedImprovement = best.QValue - sum/float64(len(rows)-1)
	}
	var runnerUps []encoder.Action
	for _, r := range rows[1:] {
		runnerUps = append(runnerUps, encoder.Action(r.Action))
	}
	rec.Alternatives = fillAlternatives(runnerUps, actions, rec.Strategy)
	rec.Pattern = e.patternHint(ctx, state, rows[0])
	return rec, nil
}

// recommendationRows returns the Q rows used for a recommendation, best
// first, with the distance to the state they were recorded at.
func (e *Engine) recommendationRows(ctx context.Context, state encoder.State) ([]QEntry, Source, string, float64) {
	if state.IsZero() {
		return nil, SourceColdStart, "", 0
	}
	rows, err := stateRows(ctx, e.st.DB(), e.agentID, state.Key())
	if err != nil {
		e.logger.Warn("recommend: q-table unavailable", zap.Error(err))
		return nil, SourceColdStart, "", 0
	}
	if len(rows) > 0 {
		return rows, SourceExact, "", 0
	}

	neighbor, dist, ok := e.nearestState(ctx, state)
	if !ok {
		return nil, SourceColdStart, "", 0
	}
	rows, err = stateRows(ctx, e.st.DB(), e.agentID, neighbor.Key())
	if err != nil || len(rows) == 0 {
		return nil, SourceColdStart, "", 0
	}
	return rows, SourceNeighbor, neighbor.Key(), dist
}

// nearestState finds the closest visited state sharing state's task type.
func (e *Engine) nearestState(ctx context.Context, state encoder.State) (encoder.State, float64, bool) {
	prefix := state.Key()[:strings.Index(state.Key(), "|c=")+1]
	keys, err := visitedStates(ctx, e.st.DB(), e.agentID, prefix)
	if err != nil {
		e.logger.Warn("recommend: neighbor lookup failed", zap.Error(err))
		return encoder.State{}, 0, false
	}
	var (
		best     encoder.State
		bestDist = math.Inf(1)
	)
	for _, k := range keys {
		s, err := encoder.ParseState(k)
		if err != nil {
			continue
		}
		if d := encoder.Distance(state, s); d < bestDist {
			best, bestDist = s, d
		}
	}
	if best.IsZero() || bestDist > e.cfg.NeighborRadius {
		return encoder.State{}, 0, false
	}
	return best, bestDist, true
}

func (e *Engine) patternHint(ctx context.Context, state encoder.State, row QEntry) *PatternHint {
	if e.bank == nil {
		return nil
	}
	taskType := state.TaskType()
	if s, err := encoder.ParseState(row.StateKey); err == nil {
		taskType = s.TaskType()
	}
	p, err := e.bank.FindExact(ctx, patterns.Signature(taskType, patterns.Body(row.StateKey, row.Action)))
	if err != nil {
		e.logger.Debug("recommend: pattern lookup failed", zap.Error(err))
		return nil
	}
	if p == nil {
		return nil
	}
	return &PatternHint{
		ID:          p.ID,
		Confidence:  p.Confidence,
		SuccessRate: p.SuccessRate,
		UsageCount:  p.UsageCount,
	}
}

// fillAlternatives takes runner-ups first, then available actions in order,
// skipping the chosen strategy and duplicates. When nothing else is
// available the list holds the chosen strategy alone, so it is never empty.
func fillAlternatives(runnerUps, actions []encoder.Action, chosen encoder.Action) []encoder.Action {
	out := make([]encoder.Action, 0, maxAlternatives)
	for _, a := range slices.Concat(runnerUps, actions) {
		if len(out) == maxAlternatives {
			break
		}
		if a == chosen || !a.Valid() || slices.Contains(out, a) {
			continue
		}
		out = append(out, a)
	}
	if len(out) == 0 && chosen.Valid() {
		out = append(out, chosen)
	}
	return out
}

// #endregion recommend
