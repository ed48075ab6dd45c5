package learning

import "math"

// #region update-function

// Update is the Bellman step Q(s,a) + α·(r + γ·maxNext − Q(s,a)). It is pure;
// callers supply maxNext = 0 for an unvisited or terminal next state.
func Update(current, maxNext, reward, alpha, gamma float64) float64 {
	return current + alpha*(reward+gamma*maxNext-current)
}

// Decay applies one exploration-rate decay step, never going below floor.
func Decay(epsilon, floor, rate float64) float64 {
	return math.Max(floor, epsilon*rate)
}

// FixedPoint is the value Q converges to when reward r is repeated on a
// self-transition: r / (1 − γ).
func FixedPoint(reward, gamma float64) float64 {
	return reward / (1 - gamma)
}

// RowConfidence maps an update count onto [0, 1).
func RowConfidence(updateCount int64) float64 {
	if updateCount <= 0 {
		return 0
	}
	return 1 - 1/(1+float64(updateCount))
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// #endregion update-function
