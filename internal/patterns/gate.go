package patterns

import (
	"fmt"
	"math"
	"strings"
)

// #region veto-type

// VetoType enumerates hard veto categories.
type VetoType string

const (
	VetoTooFew         VetoType = "too_few_occurrences"
	VetoLowSuccess     VetoType = "low_success_rate"
	VetoMalformed      VetoType = "malformed_candidate"
	VetoSignatureDrift VetoType = "signature_mismatch"
)

// VetoSignal is one detected veto condition.
type VetoSignal struct {
	Type   VetoType
	Reason string
}

// #endregion veto-type

// #region gate-decision

// Decision is the gate's verdict on a candidate.
type Decision struct {
	Action      string // "commit" | "reject"
	Reason      string
	Vetoed      bool
	VetoSignals []VetoSignal
	SoftScore   float64 // prospective confidence, for logging
}

// #endregion gate-decision

// #region gate

// Gate decides whether a candidate may become a pattern.
type Gate struct {
	minOccurrences int
	minSuccessRate float64
}

// NewGate builds a gate from the promotion thresholds in cfg.
func NewGate(cfg Config) *Gate {
	return &Gate{minOccurrences: cfg.MinOccurrences, minSuccessRate: cfg.MinSuccessRate}
}

// Evaluate checks every hard veto, then reports the prospective confidence.
func (g *Gate) Evaluate(c Candidate) Decision {
	var vetoes []VetoSignal

	if c.Body == "" || c.TaskType == "" {
		vetoes = append(vetoes, VetoSignal{Type: VetoMalformed, Reason: "empty body or task type"})
	} else if c.Signature != Signature(c.TaskType, c.Body) {
		vetoes = append(vetoes, VetoSignal{Type: VetoSignatureDrift, Reason: "signature does not match body"})
	}
	if math.IsNaN(c.SuccessRate) || c.SuccessRate < 0 || c.SuccessRate > 1 {
		vetoes = append(vetoes, VetoSignal{Type: VetoMalformed, Reason: fmt.Sprintf("success rate %v out of range", c.SuccessRate)})
	}
	if c.UsageCount < int64(g.minOccurrences) {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoTooFew,
			Reason: fmt.Sprintf("usage %d below minimum %d", c.UsageCount, g.minOccurrences),
		})
	}
	if c.SuccessRate < g.minSuccessRate {
		vetoes = append(vetoes, VetoSignal{
			Type:   VetoLowSuccess,
			Reason: fmt.Sprintf("success rate %.3f below minimum %.3f", c.SuccessRate, g.minSuccessRate),
		})
	}

	soft := 0.0
	if !math.IsNaN(c.SuccessRate) {
		soft = Confidence(c.SuccessRate, c.UsageCount)
	}
	if len(vetoes) > 0 {
		reasons := make([]string, len(vetoes))
		for i, v := range vetoes {
			reasons[i] = v.Reason
		}
		return Decision{
			Action:      "reject",
			Reason:      strings.Join(reasons, "; "),
			Vetoed:      true,
			VetoSignals: vetoes,
			SoftScore:   soft,
		}
	}
	return Decision{
		Action:    "commit",
		Reason:    fmt.Sprintf("usage %d, success rate %.3f", c.UsageCount, c.SuccessRate),
		SoftScore: soft,
	}
}

// #endregion gate
