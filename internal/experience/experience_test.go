package experience

import (
	"context"
	"database/sql"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/danielpatrickdp/agent-learning/internal/store"
)

func tempStores(t *testing.T) (*store.Store, *Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "exp.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st, NewStore(st)
}

func appendAll(t *testing.T, st *store.Store, es *Store, exps ...Experience) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, st.InTx(ctx, func(tx *sql.Tx) error {
		for i := range exps {
			if err := es.AppendTx(ctx, tx, &exps[i]); err != nil {
				return err
			}
		}
		return nil
	}))
}

func TestAppendAssignsIDAndTimestamp(t *testing.T) {
	ctx := context.Background()
	st, es := tempStores(t)

	e := Experience{AgentID: "a1", TaskID: "t1", TaskType: "unit", State: "s", Action: "fast", Reward: 1, NextState: "s"}
	require.NoError(t, st.InTx(ctx, func(tx *sql.Tx) error { return es.AppendTx(ctx, tx, &e) }))
	assert.NotEmpty(t, e.ID)
	assert.False(t, e.Timestamp.IsZero())

	got, err := es.List(ctx, Query{AgentID: "a1"})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, e.ID, got[0].ID)
	assert.Equal(t, "fast", got[0].Action)
	assert.Empty(t, got[0].EpisodeID)
	assert.True(t, got[0].Timestamp.Equal(e.Timestamp))
}

func TestAppendRejectsIncomplete(t *testing.T) {
	ctx := context.Background()
	st, es := tempStores(t)
	err := st.InTx(ctx, func(tx *sql.Tx) error {
		return es.AppendTx(ctx, tx, &Experience{AgentID: "a1", State: "s"})
	})
	require.Error(t, err)
}

func TestAppendRollsBackWithTransaction(t *testing.T) {
	ctx := context.Background()
	st, es := tempStores(t)
	boom := errors.New("boom")
	err := st.InTx(ctx, func(tx *sql.Tx) error {
		if err := es.AppendTx(ctx, tx, &Experience{AgentID: "a1", State: "s", Action: "x"}); err != nil {
			return err
		}
		return boom
	})
	require.ErrorIs(t, err, boom)

	n, err := es.Count(ctx, "a1")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestListFiltersAndOrder(t *testing.T) {
	ctx := context.Background()
	st, es := tempStores(t)
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	appendAll(t, st, es,
		Experience{AgentID: "a1", TaskType: "unit", State: "s", Action: "x", Timestamp: base},
		Experience{AgentID: "a1", TaskType: "e2e", State: "s", Action: "y", Timestamp: base.Add(time.Hour)},
		Experience{AgentID: "a2", TaskType: "unit", State: "s", Action: "z", Timestamp: base.Add(2 * time.Hour)},
		Experience{AgentID: "a1", TaskType: "unit", State: "s", Action: "w", Timestamp: base.Add(3 * time.Hour)},
	)

	got, err := es.List(ctx, Query{AgentID: "a1"})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "w", got[0].Action)

	got, err = es.List(ctx, Query{AgentID: "a1", Ascending: true, Limit: 2})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, []string{"x", "y"}, []string{got[0].Action, got[1].Action})

	got, err = es.List(ctx, Query{TaskType: "unit", Since: base.Add(time.Hour)})
	require.NoError(t, err)
	require.Len(t, got, 2)

	total, err := es.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(4), total)
}

func TestClustersAndMembers(t *testing.T) {
	ctx := context.Background()
	st, es := tempStores(t)
	var exps []Experience
	for i, r := range []float64{1, 0.9, 0.2, 0.6, 0.5} {
		exps = append(exps, Experience{AgentID: "a1", TaskID: string(rune('a' + i)), TaskType: "unit", State: "s1", Action: "thorough", Reward: r})
	}
	exps = append(exps, Experience{AgentID: "a2", TaskType: "unit", State: "s1", Action: "fast", Reward: 1})
	appendAll(t, st, es, exps...)

	clusters, err := es.Clusters(ctx, 2, 0.5)
	require.NoError(t, err)
	require.Len(t, clusters, 1)
	c := clusters[0]
	assert.Equal(t, "thorough", c.Action)
	assert.Equal(t, 5, c.Count)
	assert.Equal(t, 4, c.Successes)
	assert.InDelta(t, 0.8, c.SuccessRate(), 1e-9)
	assert.InDelta(t, 0.64, c.MeanReward, 1e-9)

	members, err := es.Members(ctx, c)
	require.NoError(t, err)
	assert.Len(t, members, 5)
	assert.Equal(t, 1.0, members[0].Reward)
}

func TestPruneAndDeleteAgent(t *testing.T) {
	ctx := context.Background()
	st, es := tempStores(t)
	base := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	appendAll(t, st, es,
		Experience{AgentID: "a1", State: "s", Action: "x", Timestamp: base},
		Experience{AgentID: "a1", State: "s", Action: "x", Timestamp: base.Add(48 * time.Hour)},
		Experience{AgentID: "a2", State: "s", Action: "x", Timestamp: base.Add(48 * time.Hour)},
	)

	n, err := es.Prune(ctx, base.Add(24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, st.InTx(ctx, func(tx *sql.Tx) error {
		n, err := es.DeleteAgentTx(ctx, tx, "a1")
		assert.Equal(t, int64(1), n)
		return err
	}))
	left, err := es.Count(ctx, "")
	require.NoError(t, err)
	assert.Equal(t, int64(1), left)
}

func TestClusterSinceTx(t *testing.T) {
	ctx := context.Background()
	st, es := tempStores(t)
	appendAll(t, st, es,
		Experience{AgentID: "a1", TaskType: "unit", State: "s", Action: "x", Reward: 1},
		Experience{AgentID: "a1", TaskType: "unit", State: "s", Action: "x", Reward: 0},
		Experience{AgentID: "a1", TaskType: "unit", State: "s", Action: "x", Reward: 0.8},
	)

	require.NoError(t, st.InTx(ctx, func(tx *sql.Tx) error {
		all, err := es.ClusterSinceTx(ctx, tx, "unit", "s", "x", 0, 0.5)
		require.NoError(t, err)
		assert.Equal(t, 3, all.Count)
		assert.Equal(t, 2, all.Successes)
		assert.Equal(t, int64(3), all.MaxSeq)

		tail, err := es.ClusterSinceTx(ctx, tx, "unit", "s", "x", 1, 0.5)
		require.NoError(t, err)
		assert.Equal(t, 2, tail.Count)
		assert.Equal(t, 1, tail.Successes)

		none, err := es.ClusterSinceTx(ctx, tx, "unit", "s", "x", 3, 0.5)
		require.NoError(t, err)
		assert.Zero(t, none.Count)
		assert.Zero(t, none.MaxSeq)
		return nil
	}))
}
