// Package metrics defines Prometheus metrics for the learning core.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the learning core's Prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	OutcomesTotal          *prometheus.CounterVec
	PersistenceRetries     *prometheus.CounterVec
	PromotionsTotal        *prometheus.CounterVec
	PatternUsageTotal      *prometheus.CounterVec
	SimilarityQuerySeconds prometheus.Histogram
	ExplorationRate        *prometheus.GaugeVec
	MaintenanceRuns        *prometheus.CounterVec
}

// New creates unregistered metric instances.
func New() *Metrics {
	return &Metrics{
		OutcomesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentlearn_outcomes_total",
				Help: "Recorded task outcomes by result.",
			},
			[]string{"result"},
		),
		PersistenceRetries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentlearn_persistence_retries_total",
				Help: "Persistence operations retried after a transient failure.",
			},
			[]string{"op"},
		),
		PromotionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentlearn_promotions_total",
				Help: "Pattern promotion decisions by result.",
			},
			[]string{"result"},
		),
		PatternUsageTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentlearn_pattern_usage_total",
				Help: "Pattern usage reports by result.",
			},
			[]string{"result"},
		),
		SimilarityQuerySeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "agentlearn_similarity_query_seconds",
			Help:    "Latency of pattern similarity queries in seconds.",
			Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25},
		}),
		ExplorationRate: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "agentlearn_exploration_rate",
				Help: "Last committed exploration rate per agent.",
			},
			[]string{"agent_id"},
		),
		MaintenanceRuns: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentlearn_maintenance_runs_total",
				Help: "Maintenance runs by result.",
			},
			[]string{"result"},
		),
	}
}

// Register registers every collector of m with reg.
func (m *Metrics) Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		m.OutcomesTotal,
		m.PersistenceRetries,
		m.PromotionsTotal,
		m.PatternUsageTotal,
		m.SimilarityQuerySeconds,
		m.ExplorationRate,
		m.MaintenanceRuns,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// #region recorders

// Outcome counts one recordOutcome result.
func (m *Metrics) Outcome(result string) {
	if m == nil {
		return
	}
	m.OutcomesTotal.WithLabelValues(result).Inc()
}

// Retry counts one retried persistence operation.
func (m *Metrics) Retry(op string) {
	if m == nil {
		return
	}
	m.PersistenceRetries.WithLabelValues(op).Inc()
}

// Promotion counts one promotion decision.
func (m *Metrics) Promotion(result string) {
	if m == nil {
		return
	}
	m.PromotionsTotal.WithLabelValues(result).Inc()
}

// PatternUsage counts one usage report.
func (m *Metrics) PatternUsage(success bool) {
	if m == nil {
		return
	}
	result := "failure"
	if success {
		result = "success"
	}
	m.PatternUsageTotal.WithLabelValues(result).Inc()
}

// ObserveSimilarity records the latency of a similarity query that started at start.
func (m *Metrics) ObserveSimilarity(start time.Time) {
	if m == nil {
		return
	}
	m.SimilarityQuerySeconds.Observe(time.Since(start).Seconds())
}

// SetExplorationRate publishes the committed exploration rate of agentID.
func (m *Metrics) SetExplorationRate(agentID string, rate float64) {
	if m == nil {
		return
	}
	m.ExplorationRate.WithLabelValues(agentID).Set(rate)
}

// MaintenanceRun counts one maintenance run.
func (m *Metrics) MaintenanceRun(result string) {
	if m == nil {
		return
	}
	m.MaintenanceRuns.WithLabelValues(result).Inc()
}

// #endregion recorders
