// Package maintenance runs the periodic upkeep of the learning store:
// promotion sweeps, pattern pruning, experience retention and KV expiry.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/danielpatrickdp/agent-learning/internal/experience"
	"github.com/danielpatrickdp/agent-learning/internal/logging"
	"github.com/danielpatrickdp/agent-learning/internal/metrics"
	"github.com/danielpatrickdp/agent-learning/internal/patterns"
	"github.com/danielpatrickdp/agent-learning/internal/store"
)

// LeaseName is the KV lease that keeps runs exclusive across processes.
const LeaseName = "maintenance"

// #region config

// Config controls scheduling.
type Config struct {
	Interval time.Duration `koanf:"interval"`
	// ExperienceRetention drops experiences older than this. Zero keeps all.
	ExperienceRetention time.Duration `koanf:"experience_retention"`
	LeaseTTL            time.Duration `koanf:"lease_ttl"`
}

// DefaultConfig runs hourly and keeps experiences forever.
func DefaultConfig() Config {
	return Config{
		Interval: time.Hour,
		LeaseTTL: 5 * time.Minute,
	}
}

// #endregion config

// #region report

// Report summarizes one maintenance run.
type Report struct {
	// Ran is false when another process held the lease.
	Ran               bool                 `json:"ran" yaml:"ran"`
	Sweep             patterns.SweepResult `json:"sweep" yaml:"sweep"`
	PatternsPruned    int                  `json:"patterns_pruned" yaml:"patterns_pruned"`
	ExperiencesPruned int64                `json:"experiences_pruned" yaml:"experiences_pruned"`
	KVExpired         int64                `json:"kv_expired" yaml:"kv_expired"`
	Duration          time.Duration        `json:"duration" yaml:"duration"`
}

// #endregion report

// #region scheduler

type step struct {
	name string
	run  func(ctx context.Context, r *Report) error
}

// Scheduler runs maintenance on an interval until stopped. All public
// methods are safe for concurrent use.
type Scheduler struct {
	st      *store.Store
	exps    *experience.Store
	bank    *patterns.Bank
	cfg     Config
	owner   string
	logger  *zap.Logger
	metrics *metrics.Metrics
	steps   []step

	mu      sync.Mutex
	running bool
	stopCh  chan struct{}
	done    chan struct{}
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithLogger sets the scheduler's logger.
func WithLogger(l *zap.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithMetrics records run outcomes.
func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New creates a scheduler. It does not start automatically.
func New(st *store.Store, exps *experience.Store, bank *patterns.Bank, cfg Config, opts ...Option) (*Scheduler, error) {
	if st == nil || exps == nil || bank == nil {
		return nil, errors.New("new scheduler: store, experiences and bank are required")
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultConfig().Interval
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultConfig().LeaseTTL
	}
	s := &Scheduler{
		st:    st,
		exps:  exps,
		bank:  bank,
		cfg:   cfg,
		owner: uuid.New().String(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = logging.OrNop(s.logger).Named("maintenance")
	s.steps = []step{
		{"promote", s.promote},
		{"prune_patterns", s.prunePatterns},
		{"prune_experiences", s.pruneExperiences},
		{"sweep_kv", s.sweepKV},
	}
	return s, nil
}

// Start begins running maintenance every Interval.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.running {
		return errors.New("scheduler is already running")
	}
	s.stopCh = make(chan struct{})
	s.done = make(chan struct{})
	s.running = true
	s.logger.Info("maintenance scheduler started", zap.Duration("interval", s.cfg.Interval))
	go s.loop(s.stopCh, s.done)
	return nil
}

// Stop signals the loop to exit and waits for an in-flight run to finish.
// Stopping a stopped scheduler is a no-op.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopCh)
	done := s.done
	s.mu.Unlock()

	<-done
	s.logger.Info("maintenance scheduler stopped")
}

func (s *Scheduler) loop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), s.cfg.LeaseTTL)
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error("maintenance run failed", zap.Error(err))
			}
			cancel()
		case <-stop:
			return
		}
	}
}

// #endregion scheduler

// #region run

// RunOnce performs one maintenance pass if this scheduler can take the
// lease. Every step runs even when an earlier one fails; the returned error
// joins all step failures.
func (s *Scheduler) RunOnce(ctx context.Context) (Report, error) {
	start := time.Now()
	ok, err := s.st.AcquireLease(ctx, LeaseName, s.owner, s.cfg.LeaseTTL)
	if err != nil {
		s.metrics.MaintenanceRun("error")
		return Report{}, fmt.Errorf("acquire lease: %w", err)
	}
	if !ok {
		s.metrics.MaintenanceRun("skipped")
		s.logger.Debug("maintenance lease held elsewhere, skipping")
		return Report{}, nil
	}
	defer func() {
		if err := s.st.ReleaseLease(context.WithoutCancel(ctx), LeaseName, s.owner); err != nil {
			s.logger.Warn("release maintenance lease", zap.Error(err))
		}
	}()

	r := Report{Ran: true}
	var errs []error
	for _, sp := range s.steps {
		if err := s.safeRun(ctx, sp, &r); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", sp.name, err))
		}
	}
	r.Duration = time.Since(start)

	if err := errors.Join(errs...); err != nil {
		s.metrics.MaintenanceRun("error")
		return r, err
	}
	s.metrics.MaintenanceRun("ok")
	s.logger.Info("maintenance run completed",
		zap.Int("clusters", r.Sweep.Clusters),
		zap.Int("promoted", r.Sweep.Promoted),
		zap.Int("merged", r.Sweep.Merged),
		zap.Int("patterns_pruned", r.PatternsPruned),
		zap.Int64("experiences_pruned", r.ExperiencesPruned),
		zap.Int64("kv_expired", r.KVExpired),
		zap.Duration("duration", r.Duration),
	)
	return r, nil
}

// safeRun turns a panicking step into an error so later steps still run.
func (s *Scheduler) safeRun(ctx context.Context, sp step, r *Report) (err error) {
	defer func() {
		if p := recover(); p != nil {
			s.logger.Error("maintenance step panicked",
				zap.String("step", sp.name),
				zap.Any("panic", p),
				zap.Stack("stack"),
			)
			err = fmt.Errorf("panic: %v", p)
		}
	}()
	return sp.run(ctx, r)
}

func (s *Scheduler) promote(ctx context.Context, r *Report) error {
	res, err := s.bank.PromoteFromExperiences(ctx)
	r.Sweep = res
	return err
}

func (s *Scheduler) prunePatterns(ctx context.Context, r *Report) error {
	cfg := s.bank.Config()
	n, err := s.bank.Prune(ctx, cfg.PruneConfidenceFloor, cfg.PruneMinAge)
	r.PatternsPruned = n
	return err
}

func (s *Scheduler) pruneExperiences(ctx context.Context, r *Report) error {
	if s.cfg.ExperienceRetention <= 0 {
		return nil
	}
	n, err := s.exps.Prune(ctx, s.st.Now().Add(-s.cfg.ExperienceRetention))
	r.ExperiencesPruned = n
	return err
}

func (s *Scheduler) sweepKV(ctx context.Context, r *Report) error {
	n, err := s.st.SweepExpired(ctx)
	r.KVExpired = n
	return err
}

// #endregion run
