package guardian

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/attractorhq/attractor/internal/pipeline"
	"github.com/attractorhq/attractor/internal/signalbus"
)

type fakeSessionChecker struct{ alive bool }

func (f fakeSessionChecker) IsAlive(name string) (bool, error) { return f.alive, nil }

type fixedClock struct{ t time.Time }

func (f fixedClock) Now() time.Time { return f.t }

func writeState(t *testing.T, dir string, state *pipeline.RunnerState) {
	t.Helper()
	data, err := json.Marshal(state)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, state.PipelineID+".json"), data, 0o644))
}

func newTestGuardian(t *testing.T, now time.Time) (*Guardian, string) {
	t.Helper()
	dir := t.TempDir()
	signals, err := signalbus.NewStore(filepath.Join(dir, "signals"))
	require.NoError(t, err)
	g := New(dir, signals, 300*time.Second, WithClock(fixedClock{now}))
	return g, dir
}

func TestStatusLabelsCompleteWhenPlanIsComplete(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g, dir := newTestGuardian(t, now)

	state := pipeline.NewRunnerState("pipe-1", "p.yaml", "s1")
	state.UpdatedAt = now
	state.LastPlan = &pipeline.Plan{PipelineComplete: true}
	writeState(t, dir, state)

	h, err := g.Status("pipe-1")
	require.NoError(t, err)
	assert.Equal(t, LabelComplete, h.Label)
}

func TestStatusLabelsStaleWhenAgeExceedsThreshold(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g, dir := newTestGuardian(t, now)

	state := pipeline.NewRunnerState("pipe-1", "p.yaml", "s1")
	state.UpdatedAt = now.Add(-10 * time.Minute)
	writeState(t, dir, state)

	h, err := g.Status("pipe-1")
	require.NoError(t, err)
	assert.Equal(t, LabelStale, h.Label)
}

func TestStatusLabelsStuckWhenBlockedWithNoActions(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g, dir := newTestGuardian(t, now)

	state := pipeline.NewRunnerState("pipe-1", "p.yaml", "s1")
	state.UpdatedAt = now
	state.LastPlan = &pipeline.Plan{
		BlockedNodes: []pipeline.BlockedNode{{NodeID: "impl_A", Reason: "retry budget exhausted"}},
	}
	writeState(t, dir, state)

	h, err := g.Status("pipe-1")
	require.NoError(t, err)
	assert.Equal(t, LabelStuck, h.Label)
}

func TestStatusLabelsWarningOnHighRetryCount(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g, dir := newTestGuardian(t, now)

	state := pipeline.NewRunnerState("pipe-1", "p.yaml", "s1")
	state.UpdatedAt = now
	state.RetryCounts = map[string]int{"impl_A": 2}
	writeState(t, dir, state)

	h, err := g.Status("pipe-1")
	require.NoError(t, err)
	assert.Equal(t, LabelWarning, h.Label)
}

func TestListPipelinesSortsByUpdatedAtDescending(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g, dir := newTestGuardian(t, now)

	older := pipeline.NewRunnerState("pipe-old", "p.yaml", "s1")
	older.UpdatedAt = now.Add(-2 * time.Hour)
	writeState(t, dir, older)

	newer := pipeline.NewRunnerState("pipe-new", "p.yaml", "s1")
	newer.UpdatedAt = now.Add(-1 * time.Minute)
	writeState(t, dir, newer)

	list, err := g.ListPipelines()
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, "pipe-new", list[0].PipelineID)
	assert.Equal(t, "pipe-old", list[1].PipelineID)
}

func TestRespondApprovedWritesValidationPassedSignalToRunner(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g, _ := newTestGuardian(t, now)

	require.NoError(t, g.Respond("impl_A", VerdictApproved, ""))

	sigs, err := g.signals.List(signalbus.RoleRunner)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, signalbus.TypeValidationPassed, sigs[0].Type)
}

func TestEscalateToTerminalWritesEscalateSignal(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g, _ := newTestGuardian(t, now)

	require.NoError(t, g.EscalateToTerminal("pipe-1", "needs human input", nil))

	sigs, err := g.signals.List(signalbus.RoleTerminal)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, signalbus.TypeEscalate, sigs[0].Type)
}

func TestReactApprovesNeedsReviewWhenHookPasses(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g, _ := newTestGuardian(t, now)

	payload, err := json.Marshal(map[string]interface{}{"node_id": "impl_A"})
	require.NoError(t, err)
	_, err = g.signals.Write(signalbus.Signal{
		Source: signalbus.RoleRunner, Target: signalbus.RoleGuardian,
		Type: signalbus.TypeNeedsReview, Payload: payload,
	})
	require.NoError(t, err)

	hook := func(pipelineID, nodeID string, payload map[string]interface{}) (bool, string) {
		return true, ""
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err = g.React(ctx, "pipe-1", "", 5*time.Second, 5*time.Millisecond, hook, nil)
	require.Error(t, err) // returns once ctx's deadline is reached

	sigs, err := g.signals.List(signalbus.RoleRunner)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, signalbus.TypeValidationPassed, sigs[0].Type)
}

func TestReactRejectsNeedsReviewWhenHookFails(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g, _ := newTestGuardian(t, now)

	payload, err := json.Marshal(map[string]interface{}{"node_id": "impl_A"})
	require.NoError(t, err)
	_, err = g.signals.Write(signalbus.Signal{
		Source: signalbus.RoleRunner, Target: signalbus.RoleGuardian,
		Type: signalbus.TypeNeedsReview, Payload: payload,
	})
	require.NoError(t, err)

	hook := func(pipelineID, nodeID string, payload map[string]interface{}) (bool, string) {
		return false, "tests failed"
	}

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err = g.React(ctx, "pipe-1", "", 5*time.Second, 5*time.Millisecond, hook, nil)
	require.Error(t, err)

	sigs, err := g.signals.List(signalbus.RoleRunner)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, signalbus.TypeValidationFailed, sigs[0].Type)
}

func TestReactRejectsNeedsReviewWhenNoHookConfigured(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g, _ := newTestGuardian(t, now)

	payload, err := json.Marshal(map[string]interface{}{"node_id": "impl_A"})
	require.NoError(t, err)
	_, err = g.signals.Write(signalbus.Signal{
		Source: signalbus.RoleRunner, Target: signalbus.RoleGuardian,
		Type: signalbus.TypeNeedsReview, Payload: payload,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err = g.React(ctx, "pipe-1", "", 5*time.Second, 5*time.Millisecond, nil, nil)
	require.Error(t, err)

	sigs, err := g.signals.List(signalbus.RoleRunner)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, signalbus.TypeValidationFailed, sigs[0].Type)
}

func TestReactEscalatesNeedsInputToTerminal(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g, _ := newTestGuardian(t, now)

	payload, err := json.Marshal(map[string]interface{}{"node_id": "impl_A", "issue": "ambiguous requirement"})
	require.NoError(t, err)
	_, err = g.signals.Write(signalbus.Signal{
		Source: signalbus.RoleRunner, Target: signalbus.RoleGuardian,
		Type: signalbus.TypeNeedsInput, Payload: payload,
	})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err = g.React(ctx, "pipe-1", "", 5*time.Second, 5*time.Millisecond, nil, nil)
	require.Error(t, err)

	sigs, err := g.signals.List(signalbus.RoleTerminal)
	require.NoError(t, err)
	require.Len(t, sigs, 1)
	assert.Equal(t, signalbus.TypeEscalate, sigs[0].Type)
}

func TestReactEscalatesOnDeadSessionDuringSilence(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g, _ := newTestGuardian(t, now)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	err := g.React(ctx, "pipe-1", "worker-1", 20*time.Millisecond, 5*time.Millisecond, nil, fakeSessionChecker{alive: false})
	require.Error(t, err)

	sigs, err := g.signals.List(signalbus.RoleTerminal)
	require.NoError(t, err)
	require.NotEmpty(t, sigs, "expected at least one escalation while the session was dead")
	assert.Equal(t, signalbus.TypeEscalate, sigs[0].Type)
}

func TestReactDoesNotEscalateWhenSessionAliveAndHeartbeatFresh(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	g, dir := newTestGuardian(t, now)

	state := pipeline.NewRunnerState("pipe-1", "p.yaml", "s1")
	state.UpdatedAt = now
	writeState(t, dir, state)

	ctx, cancel := context.WithTimeout(context.Background(), 80*time.Millisecond)
	defer cancel()
	err := g.React(ctx, "pipe-1", "worker-1", 20*time.Millisecond, 5*time.Millisecond, nil, fakeSessionChecker{alive: true})
	require.Error(t, err)

	sigs, err := g.signals.List(signalbus.RoleTerminal)
	require.NoError(t, err)
	assert.Empty(t, sigs, "should not escalate while the heartbeat is fresh and the session is alive")
}
