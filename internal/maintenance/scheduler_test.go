package maintenance

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/danielpatrickdp/agent-learning/internal/embedding"
	"github.com/danielpatrickdp/agent-learning/internal/experience"
	"github.com/danielpatrickdp/agent-learning/internal/logging"
	"github.com/danielpatrickdp/agent-learning/internal/metrics"
	"github.com/danielpatrickdp/agent-learning/internal/patterns"
	"github.com/danielpatrickdp/agent-learning/internal/store"
)

type fixture struct {
	st      *store.Store
	exps    *experience.Store
	bank    *patterns.Bank
	log     *logging.TestLogger
	metrics *metrics.Metrics
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "maint.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	idx, err := embedding.NewIndex(embedding.IndexConfig{Dimensions: 8})
	require.NoError(t, err)
	tl := logging.NewTestLogger()
	return fixture{
		st:      st,
		exps:    experience.NewStore(st),
		bank:    patterns.NewBank(st, idx, patterns.DefaultConfig(), patterns.WithEmbedder(embedding.NewHashEmbedder(8))),
		log:     tl,
		metrics: metrics.New(),
	}
}

func (f fixture) scheduler(t *testing.T, cfg Config) *Scheduler {
	t.Helper()
	s, err := New(f.st, f.exps, f.bank, cfg, WithLogger(f.log.Logger), WithMetrics(f.metrics))
	require.NoError(t, err)
	return s
}

func (f fixture) append(t *testing.T, n int, at time.Time) {
	t.Helper()
	err := f.st.InTx(context.Background(), func(tx *sql.Tx) error {
		for range n {
			if err := f.exps.AppendTx(context.Background(), tx, &experience.Experience{
				AgentID:   "gen-1",
				TaskType:  "unit-test",
				State:     "v1|t=unit-test|c=4/10|caps=jest|r=8/10|n=1",
				Action:    "thorough",
				Reward:    1,
				Timestamp: at,
			}); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestNewRequiresDependencies(t *testing.T) {
	f := newFixture(t)
	_, err := New(nil, f.exps, f.bank, DefaultConfig())
	assert.Error(t, err)

	s := f.scheduler(t, Config{})
	assert.Equal(t, time.Hour, s.cfg.Interval)
	assert.Equal(t, 5*time.Minute, s.cfg.LeaseTTL)
}

func TestRunOncePromotesAndSweeps(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.append(t, 6, time.Time{})
	require.NoError(t, f.st.Put(ctx, "scratch", []byte("x"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	r, err := f.scheduler(t, DefaultConfig()).RunOnce(ctx)
	require.NoError(t, err)
	assert.True(t, r.Ran)
	assert.Equal(t, 1, r.Sweep.Promoted)
	assert.Equal(t, int64(1), r.KVExpired)
	assert.Zero(t, r.ExperiencesPruned)

	n, err := f.bank.Count(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MaintenanceRuns.WithLabelValues("ok")))
	f.log.AssertLogged(t, zapcore.InfoLevel, "maintenance run completed")

	// lease is released after the run
	ok, err := f.st.AcquireLease(ctx, LeaseName, "someone-else", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestRunOnceAppliesRetention(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.append(t, 3, time.Now().Add(-48*time.Hour))
	f.append(t, 2, time.Time{})

	cfg := DefaultConfig()
	cfg.ExperienceRetention = 24 * time.Hour
	r, err := f.scheduler(t, cfg).RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), r.ExperiencesPruned)

	left, err := f.exps.Count(ctx, "gen-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), left)
}

func TestRunOnceSkipsWhenLeaseHeld(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ok, err := f.st.AcquireLease(ctx, LeaseName, "other-process", time.Minute)
	require.NoError(t, err)
	require.True(t, ok)

	r, err := f.scheduler(t, DefaultConfig()).RunOnce(ctx)
	require.NoError(t, err)
	assert.False(t, r.Ran)
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MaintenanceRuns.WithLabelValues("skipped")))
}

func TestRunOnceRecoversPanics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	s := f.scheduler(t, DefaultConfig())
	s.steps = append([]step{{"explode", func(context.Context, *Report) error { panic("boom") }}}, s.steps...)
	require.NoError(t, f.st.Put(ctx, "scratch", []byte("x"), time.Millisecond))
	time.Sleep(5 * time.Millisecond)

	r, err := s.RunOnce(ctx)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "explode: panic: boom")
	assert.True(t, r.Ran)
	assert.Equal(t, int64(1), r.KVExpired, "later steps still run")
	f.log.AssertLogged(t, zapcore.ErrorLevel, "maintenance step panicked")
	assert.Equal(t, 1.0, testutil.ToFloat64(f.metrics.MaintenanceRuns.WithLabelValues("error")))
}

func TestStartStop(t *testing.T) {
	f := newFixture(t)
	s := f.scheduler(t, Config{Interval: 10 * time.Millisecond, LeaseTTL: time.Second})

	require.NoError(t, s.Start())
	assert.Error(t, s.Start())
	require.Eventually(t, func() bool {
		return testutil.ToFloat64(f.metrics.MaintenanceRuns.WithLabelValues("ok")) >= 2
	}, 2*time.Second, 5*time.Millisecond)

	s.Stop()
	s.Stop()
	f.log.AssertLogged(t, zapcore.InfoLevel, "maintenance scheduler stopped")

	require.NoError(t, s.Start())
	s.Stop()
}
