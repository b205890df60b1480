package runner

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attractorhq/attractor/internal/audit"
	"github.com/attractorhq/attractor/internal/dag"
	"github.com/attractorhq/attractor/internal/guardrails"
	"github.com/attractorhq/attractor/internal/identity"
	"github.com/attractorhq/attractor/internal/pipeline"
	"github.com/attractorhq/attractor/internal/signalbus"
)

const testYAML = `
nodes:
  - id: start
    handler: terminal-entry
    status: validated
  - id: impl_A
    handler: code-generator
  - id: impl_B
    handler: code-generator
  - id: validate_A
    handler: human-wait
  - id: exit
    handler: terminal-exit
edges:
  - from: start
    to: impl_A
  - from: start
    to: impl_B
  - from: impl_A
    to: validate_A
  - from: validate_A
    to: exit
  - from: impl_B
    to: exit
`

type fakeSessions struct {
	alive map[string]bool
	spawned []string
}

func newFakeSessions() *fakeSessions {
	return &fakeSessions{alive: make(map[string]bool)}
}

func (f *fakeSessions) IsAlive(name string) (bool, error) {
	return f.alive[name], nil
}

func (f *fakeSessions) Spawn(name, workingDir, initialInput string) error {
	f.alive[name] = true
	f.spawned = append(f.spawned, name)
	return nil
}

func newTestRunner(t *testing.T, d *dag.DAG, sessions *fakeSessions) (*Runner, *pipeline.RunnerState, string) {
	t.Helper()
	dir := t.TempDir()

	signals, err := signalbus.NewStore(filepath.Join(dir, "signals"))
	require.NoError(t, err)

	auditLog, err := audit.NewWriter(filepath.Join(dir, "audit.jsonl"))
	require.NoError(t, err)

	identities, err := identity.NewRegistry(filepath.Join(dir, "identities"))
	require.NoError(t, err)

	hooks := guardrails.New(3, 0, 0)

	state := pipeline.NewRunnerState("pipe-1", "pipeline.yaml", "sess-1")
	stateDir := filepath.Join(dir, "state")

	r := New(d, state, stateDir, signals, auditLog, hooks, identities, sessions, 3)
	return r, state, stateDir
}

func TestCycleSpawnsReadyCodeGeneratorNodes(t *testing.T) {
	d, err := dag.Parse([]byte(testYAML))
	require.NoError(t, err)

	sessions := newFakeSessions()
	r, _, _ := newTestRunner(t, d, sessions)

	plan, err := r.Cycle(context.Background())
	require.NoError(t, err)

	assert.False(t, plan.PipelineComplete)
	assert.Len(t, plan.Actions, 2)
	assert.Equal(t, dag.StatusActive, d.Node("impl_A").Status)
	assert.Equal(t, dag.StatusActive, d.Node("impl_B").Status)
	assert.Contains(t, sessions.spawned, "orchestrator-impl_A")
	assert.Contains(t, sessions.spawned, "orchestrator-impl_B")
}

func TestCycleDispatchesValidationForImplCompleteNode(t *testing.T) {
	d, err := dag.Parse([]byte(testYAML))
	require.NoError(t, err)
	d.SetStatus("impl_A", dag.StatusImplComplete)
	d.SetStatus("impl_B", dag.StatusImplComplete)

	sessions := newFakeSessions()
	r, _, _ := newTestRunner(t, d, sessions)

	plan, err := r.Cycle(context.Background())
	require.NoError(t, err)

	var dispatched []string
	for _, a := range plan.Actions {
		if a.Kind == pipeline.ActionDispatchValidation {
			dispatched = append(dispatched, a.NodeID)
		}
	}
	assert.Contains(t, dispatched, "impl_A")

	sigs, err := r.signals.List(signalbus.RoleGuardian)
	require.NoError(t, err)
	var sawReview bool
	for _, s := range sigs {
		if s.Type == signalbus.TypeNeedsReview {
			sawReview = true
		}
	}
	assert.True(t, sawReview)
}

func TestCycleSignalsStuckAloneWhenRetryBudgetExhausted(t *testing.T) {
	d, err := dag.Parse([]byte(testYAML))
	require.NoError(t, err)
	d.SetStatus("impl_A", dag.StatusFailed)
	for i := 0; i < 3; i++ {
		d.IncrementRetry("impl_A")
	}

	sessions := newFakeSessions()
	r, _, _ := newTestRunner(t, d, sessions)

	plan, err := r.Cycle(context.Background())
	require.NoError(t, err)

	require.Len(t, plan.Actions, 1)
	assert.Equal(t, pipeline.ActionSignalStuck, plan.Actions[0].Kind)
	assert.Equal(t, "impl_A", plan.Actions[0].NodeID)
}

func TestCycleFinalizesWhenAllLeavesValidated(t *testing.T) {
	d, err := dag.Parse([]byte(testYAML))
	require.NoError(t, err)
	for _, id := range []string{"impl_A", "impl_B", "validate_A", "exit"} {
		d.SetStatus(id, dag.StatusValidated)
	}

	sessions := newFakeSessions()
	r, _, _ := newTestRunner(t, d, sessions)

	plan, err := r.Cycle(context.Background())
	require.NoError(t, err)

	assert.True(t, plan.PipelineComplete)
	require.Len(t, plan.Actions, 1)
	assert.Equal(t, pipeline.ActionSignalFinalize, plan.Actions[0].Kind)
}

func TestDrainSignalsTransitionsNodeFromInboundSignal(t *testing.T) {
	d, err := dag.Parse([]byte(testYAML))
	require.NoError(t, err)
	d.SetStatus("impl_A", dag.StatusActive)

	sessions := newFakeSessions()
	sessions.alive["orchestrator-impl_A"] = true
	r, _, _ := newTestRunner(t, d, sessions)

	payload, err := json.Marshal(map[string]interface{}{"node_id": "impl_A", "agent_id": "agent-9"})
	require.NoError(t, err)
	_, err = r.signals.Write(signalbus.Signal{
		Source:  signalbus.RoleTerminal,
		Target:  signalbus.RoleRunner,
		Type:    signalbus.TypeNodeImplComplete,
		Payload: payload,
	})
	require.NoError(t, err)

	_, err = r.Cycle(context.Background())
	require.NoError(t, err)

	assert.Equal(t, dag.StatusImplComplete, d.Node("impl_A").Status)
}

func TestPersistWritesRunnerStateAndLoadStateReadsItBack(t *testing.T) {
	d, err := dag.Parse([]byte(testYAML))
	require.NoError(t, err)

	sessions := newFakeSessions()
	r, state, stateDir := newTestRunner(t, d, sessions)

	_, err = r.Cycle(context.Background())
	require.NoError(t, err)

	loaded, err := LoadState(stateDir, state.PipelineID)
	require.NoError(t, err)
	assert.Equal(t, state.PipelineID, loaded.PipelineID)
	assert.NotNil(t, loaded.LastPlan)
}
