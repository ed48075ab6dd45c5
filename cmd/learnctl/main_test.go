package main

import (
	"bytes"
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/danielpatrickdp/agent-learning/internal/app"
	"github.com/danielpatrickdp/agent-learning/internal/config"
	"github.com/danielpatrickdp/agent-learning/internal/encoder"
	"github.com/danielpatrickdp/agent-learning/internal/learning"
	"github.com/danielpatrickdp/agent-learning/internal/patterns"
)

// seed records n successful outcomes for gen-1 and returns the db path.
func seed(t *testing.T, n int) (string, encoder.State) {
	t.Helper()
	ctx := context.Background()
	cfg := config.Default()
	cfg.Store.Path = filepath.Join(t.TempDir(), "learnctl.db")

	a, err := app.Open(ctx, &cfg, nil, nil)
	require.NoError(t, err)
	defer a.Close()

	e, err := a.Engine("gen-1")
	require.NoError(t, err)
	s, err := encoder.New().Encode(
		encoder.TaskDescriptor{Type: "unit-test", Payload: map[string]any{"complexity": 0.4}},
		encoder.AgentContext{Capabilities: []string{"jest"}, ResourceAvailability: 0.8},
	)
	require.NoError(t, err)
	for range n {
		_, err := e.RecordOutcome(ctx, learning.Transition{TaskID: "t", State: s, Action: "thorough", Reward: 1})
		require.NoError(t, err)
	}
	return cfg.Store.Path, s
}

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := newRootCmd()
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.Execute()
	return out.String(), err
}

func TestStatusJSON(t *testing.T) {
	db, _ := seed(t, 3)

	out, err := run(t, "status", "--agent", "gen-1", "--db", db, "-o", "json")
	require.NoError(t, err)

	var st learning.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Equal(t, "gen-1", st.AgentID)
	assert.True(t, st.Enabled)
	assert.EqualValues(t, 3, st.TotalExperiences)
	assert.Less(t, st.ExplorationRate, learning.DefaultConfig().ExplorationRate)
}

func TestQTableYAML(t *testing.T) {
	db, s := seed(t, 1)

	out, err := run(t, "qtable", "--agent", "gen-1", "--state", s.Key(), "--db", db, "-o", "yaml")
	require.NoError(t, err)

	var rows []learning.QEntry
	require.NoError(t, yaml.Unmarshal([]byte(out), &rows))
	require.Len(t, rows, 1)
	assert.Equal(t, "thorough", rows[0].Action)
	assert.InDelta(t, 0.1, rows[0].QValue, 1e-9)
}

func TestAgentsTable(t *testing.T) {
	db, _ := seed(t, 1)

	out, err := run(t, "agents", "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "AGENT")
	assert.Contains(t, out, "gen-1")
}

func TestPromoteThenList(t *testing.T) {
	db, _ := seed(t, patterns.DefaultConfig().MinOccurrences)

	out, err := run(t, "promote", "--db", db, "-o", "json")
	require.NoError(t, err)
	var res patterns.SweepResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	assert.Equal(t, 1, res.Promoted)

	out, err = run(t, "patterns", "list", "--task-type", "unit-test", "--db", db, "-o", "json")
	require.NoError(t, err)
	var ps []patterns.Pattern
	require.NoError(t, json.Unmarshal([]byte(out), &ps))
	require.Len(t, ps, 1)
	assert.Equal(t, "thorough", ps[0].Strategy)

	out, err = run(t, "patterns", "history", "--signature", ps[0].Signature, "--db", db)
	require.NoError(t, err)
	assert.Contains(t, out, "promoted")

	out, err = run(t, "rebuild-index", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "indexed 1 patterns\n", out)
}

func TestReplayAndReset(t *testing.T) {
	db, _ := seed(t, 4)

	out, err := run(t, "replay", "--agent", "gen-1", "--db", db, "-o", "json")
	require.NoError(t, err)
	var sum learning.ReplaySummary
	require.NoError(t, json.Unmarshal([]byte(out), &sum))
	assert.Equal(t, 4, sum.Experiences)
	assert.InDelta(t, 0, sum.MaxDrift, 1e-9)

	out, err = run(t, "reset", "--agent", "gen-1", "--db", db)
	require.NoError(t, err)
	assert.Equal(t, "reset gen-1\n", out)

	out, err = run(t, "status", "--agent", "gen-1", "--db", db, "-o", "json")
	require.NoError(t, err)
	var st learning.Status
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	assert.Zero(t, st.TotalExperiences)
}

func TestMaintain(t *testing.T) {
	db, _ := seed(t, 1)

	out, err := run(t, "maintain", "--db", db, "-o", "json")
	require.NoError(t, err)
	var r struct {
		Ran bool `json:"ran"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &r))
	assert.True(t, r.Ran)
}

func TestArgumentErrors(t *testing.T) {
	db := filepath.Join(t.TempDir(), "empty.db")

	_, err := run(t, "status", "--db", db)
	assert.ErrorContains(t, err, "--agent is required")

	_, err = run(t, "agents", "--db", db, "-o", "xml")
	assert.ErrorContains(t, err, "unknown output format")

	_, err = run(t, "patterns", "similar", "--db", db)
	assert.ErrorContains(t, err, "--text is required")
}

func TestExperiencesClusterView(t *testing.T) {
	db, s := seed(t, 3)

	out, err := run(t, "experiences", "--task-type", "unit-test", "--state", s.Key(), "--action", "thorough", "--db", db, "-o", "json")
	require.NoError(t, err)

	var view clusterView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Len(t, view.Experiences, 3)
	assert.Equal(t, int64(3), view.Candidate.UsageCount)
	assert.InDelta(t, 1.0, view.Candidate.SuccessRate, 1e-9)
	assert.Equal(t, patterns.Signature("unit-test", patterns.Body(s.Key(), "thorough")), view.Candidate.Signature)

	_, err = run(t, "experiences", "--state", s.Key(), "--db", db)
	assert.ErrorContains(t, err, "required together")

	_, err = run(t, "experiences", "--task-type", "unit-test", "--state", s.Key(), "--action", "fast", "--db", db)
	assert.ErrorContains(t, err, "no experiences")
}
