// Package runner implements the Pipeline Runner (C5): the reactive planner
// that converts DAG state into a Plan, applies transitions through the
// guard rails, and persists RunnerState atomically every cycle.
package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/attractorhq/attractor/core"
	"github.com/attractorhq/attractor/internal/audit"
	"github.com/attractorhq/attractor/internal/dag"
	"github.com/attractorhq/attractor/internal/guardrails"
	"github.com/attractorhq/attractor/internal/identity"
	"github.com/attractorhq/attractor/internal/pipeline"
	"github.com/attractorhq/attractor/internal/signalbus"
	"github.com/attractorhq/attractor/logger"
)

// SessionHost is the subset of the Session Host Adapter (C8) the Runner
// needs to spawn code-generator workers and check on ones already running.
// Defined here rather than imported from internal/sessionhost so the Runner
// depends only on the capability it uses, not the adapter's tmux internals.
type SessionHost interface {
	IsAlive(name string) (bool, error)
	Spawn(name, workingDir, initialInput string) error
}

// Runner drives one pipeline's DAG to completion.
type Runner struct {
	dag        *dag.DAG
	state      *pipeline.RunnerState
	stateDir   string
	signals    *signalbus.Store
	auditLog   *audit.Writer
	hooks      *guardrails.Hooks
	identities *identity.Registry
	sessions   SessionHost
	logger     logger.Logger
	telemetry  core.Telemetry
	clock      core.Clock
	maxRetries int
}

// Option configures a Runner.
type Option func(*Runner)

// WithLogger attaches a logger, defaulting to logger.NewDefaultLogger(),
// which writes through the standard log package.
func WithLogger(l logger.Logger) Option {
	return func(r *Runner) { r.logger = l }
}

// WithTelemetry attaches a Telemetry implementation, defaulting to NoOp.
func WithTelemetry(t core.Telemetry) Option {
	return func(r *Runner) { r.telemetry = t }
}

// WithClock overrides the runner's clock, for deterministic tests.
func WithClock(c core.Clock) Option {
	return func(r *Runner) { r.clock = c }
}

// New builds a Runner for one pipeline, wiring together its collaborators.
func New(
	d *dag.DAG,
	state *pipeline.RunnerState,
	stateDir string,
	signals *signalbus.Store,
	auditLog *audit.Writer,
	hooks *guardrails.Hooks,
	identities *identity.Registry,
	sessions SessionHost,
	maxRetries int,
	opts ...Option,
) *Runner {
	r := &Runner{
		dag:        d,
		state:      state,
		stateDir:   stateDir,
		signals:    signals,
		auditLog:   auditLog,
		hooks:      hooks,
		identities: identities,
		sessions:   sessions,
		maxRetries: maxRetries,
		logger:     logger.NewDefaultLogger(),
		telemetry:  core.NoOpTelemetry{},
		clock:      core.SystemClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

func sessionName(nodeID string) string { return "orchestrator-" + nodeID }

func hashPayload(payload map[string]interface{}) string {
	data, err := json.Marshal(payload)
	if err != nil {
		return ""
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Cycle runs exactly one planner cycle: drain inbound signals into node
// transitions, compose a Plan from current DAG state, gate and execute each
// action, then persist RunnerState atomically (spec.md §4.5).
func (r *Runner) Cycle(ctx context.Context) (*pipeline.Plan, error) {
	ctx, span := r.telemetry.StartSpan(ctx, "runner.cycle")
	defer span.End()

	if err := r.drainSignals(ctx); err != nil {
		span.RecordError(err)
		return nil, err
	}

	r.reapDeadSessions(ctx)

	plan := r.composePlan()

	for i := range plan.Actions {
		action := plan.Actions[i]
		decision := r.hooks.PreHook(action, r.state.RetryCounts, r.state.ImplementerMap)
		if !decision.Accepted {
			plan.BlockedNodes = append(plan.BlockedNodes, pipeline.BlockedNode{
				NodeID: action.NodeID,
				Reason: decision.Reason,
			})
			r.logger.Info("action refused by guard rail", "node_id", action.NodeID, "kind", action.Kind, "reason", decision.Reason)
			continue
		}
		if err := r.execute(ctx, action); err != nil {
			r.logger.Warn("action execution failed", "node_id", action.NodeID, "kind", action.Kind, "error", err)
			continue
		}
	}

	plan.CompletedNodes = r.validatedNodeIDs()
	plan.RetryCounts = r.state.RetryCounts

	r.state.LastPlan = plan
	r.state.UpdatedAt = r.clock.Now().UTC()
	if plan.PipelineComplete {
		r.state.CompletedCheckpointPath = filepath.Join(r.stateDir, r.state.PipelineID+"-complete.json")
	}

	if err := r.persist(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	return plan, nil
}

// Run executes Cycle repeatedly until ctx is cancelled or a cycle reports the
// pipeline complete, sleeping interval between cycles (spec.md §5, "between
// cycles" suspension point). While the state is marked paused, cycles are
// skipped but the loop keeps running.
func (r *Runner) Run(ctx context.Context, interval time.Duration) error {
	for {
		if r.state.Paused {
			r.logger.Info("runner paused, skipping cycle", "pipeline_id", r.state.PipelineID)
		} else {
			plan, err := r.Cycle(ctx)
			if err != nil {
				return err
			}
			if plan.PipelineComplete {
				r.logger.Info("pipeline complete, runner stopping", "pipeline_id", r.state.PipelineID)
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

// composePlan applies the ordered rule table from spec.md §4.5 step 3.
// Stuck-node and pipeline-complete actions are never mixed with
// progress-advancing ones in the same cycle (spec.md §4.5, "Ordering and
// tie-breaks").
func (r *Runner) composePlan() *pipeline.Plan {
	plan := &pipeline.Plan{
		PipelineID: r.state.PipelineID,
		Stage:      pipeline.StageExecute,
	}

	if r.dag.IsComplete() {
		plan.Stage = pipeline.StageFinalize
		plan.PipelineComplete = true
		plan.Summary = "pipeline complete; signalling finalize"
		plan.Actions = []pipeline.Action{{
			Kind:     pipeline.ActionSignalFinalize,
			Priority: pipeline.PriorityHigh,
			Payload:  map[string]interface{}{"pipeline_id": r.state.PipelineID},
		}}
		return plan
	}

	stuck := r.dag.Stuck(r.maxRetries)
	var stuckActions []pipeline.Action
	for _, s := range stuck {
		if s.Node.Status == dag.StatusFailed && s.Node.RetryCount >= r.maxRetries {
			stuckActions = append(stuckActions, pipeline.Action{
				Kind:     pipeline.ActionSignalStuck,
				NodeID:   s.Node.ID,
				Priority: pipeline.PriorityHigh,
				Reason:   s.Reason,
				Payload:  map[string]interface{}{"node_id": s.Node.ID, "reason": s.Reason},
			})
		}
	}
	if len(stuckActions) > 0 {
		plan.Summary = fmt.Sprintf("%d node(s) stuck with retry budget exhausted", len(stuckActions))
		plan.Actions = stuckActions
		return plan
	}

	var actions []pipeline.Action
	for _, n := range r.dag.Ready() {
		if n.Handler != dag.HandlerCodeGenerator {
			continue
		}
		actions = append(actions, pipeline.Action{
			Kind:     pipeline.ActionSpawnOrchestrator,
			NodeID:   n.ID,
			Priority: priorityOf(n.Priority),
			Payload:  map[string]interface{}{"node_id": n.ID, "file_path": n.FilePath},
		})
	}

	for _, n := range r.dag.Nodes() {
		if n.Status != dag.StatusImplComplete {
			continue
		}
		for _, succID := range r.dag.Successors(n.ID) {
			if succ := r.dag.Node(succID); succ != nil && succ.Handler == dag.HandlerHumanWait {
				actions = append(actions, pipeline.Action{
					Kind:     pipeline.ActionDispatchValidation,
					NodeID:   n.ID,
					Priority: priorityOf(n.Priority),
					Payload:  map[string]interface{}{"node_id": n.ID},
				})
				break
			}
		}
	}

	plan.Actions = actions
	if len(actions) == 0 {
		plan.Summary = "nothing actionable; waiting"
	} else {
		plan.Summary = fmt.Sprintf("%d action(s) proposed", len(actions))
	}
	return plan
}

func priorityOf(p string) pipeline.Priority {
	if p == "high" {
		return pipeline.PriorityHigh
	}
	return pipeline.PriorityNormal
}

// execute runs an accepted action via its collaborator, then calls
// PostHook to fold the resulting state mutations back into RunnerState and
// the DAG (spec.md §4.5 step 5).
func (r *Runner) execute(ctx context.Context, action pipeline.Action) error {
	switch action.Kind {
	case pipeline.ActionSpawnOrchestrator:
		return r.executeSpawn(action)
	case pipeline.ActionDispatchValidation:
		return r.executeDispatchValidation(action)
	case pipeline.ActionSignalStuck:
		return r.executeSignal(signalbus.TypeRunnerStuck, action.Payload)
	case pipeline.ActionSignalFinalize:
		return r.executeSignal(signalbus.TypeRunnerComplete, action.Payload)
	default:
		return nil
	}
}

func (r *Runner) executeSpawn(action pipeline.Action) error {
	name := sessionName(action.NodeID)
	node := r.dag.Node(action.NodeID)
	workingDir := ""
	if node != nil {
		workingDir = node.FilePath
	}

	if err := r.sessions.Spawn(name, workingDir, ""); err != nil {
		return err
	}
	rec, err := r.identities.Create("orchestrator", action.NodeID, name, workingDir)
	if err != nil {
		return err
	}

	r.dag.SetStatus(action.NodeID, dag.StatusActive)

	result := r.hooks.PostHook(action, "pending", guardrails.TransitionRequest{NodeID: action.NodeID}, rec.AgentID, hashPayload(action.Payload))
	r.applyPostHook(result)

	if err := r.executeSignal(signalbus.TypeNodeSpawned, map[string]interface{}{"node_id": action.NodeID, "agent_id": rec.AgentID}); err != nil {
		r.logger.Warn("failed to emit node_spawned signal", "node_id", action.NodeID, "error", err)
	}
	return nil
}

func (r *Runner) executeDispatchValidation(action pipeline.Action) error {
	if err := r.executeSignal(signalbus.TypeNeedsReview, action.Payload); err != nil {
		return err
	}
	result := r.hooks.PostHook(action, string(dag.StatusImplComplete), guardrails.TransitionRequest{NodeID: action.NodeID}, "", hashPayload(action.Payload))
	r.applyPostHook(result)
	return nil
}

func (r *Runner) executeSignal(t signalbus.Type, payload map[string]interface{}) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return core.NewError("runner.executeSignal", "runner", core.ErrMalformedSignal)
	}
	_, err = r.signals.Write(signalbus.Signal{
		Source:  signalbus.RoleRunner,
		Target:  signalbus.RoleGuardian,
		Type:    t,
		Payload: data,
	})
	return err
}

// applyPostHook folds a guardrails.PostHookResult's state mutations into
// the DAG and RunnerState, and appends its audit entries.
func (r *Runner) applyPostHook(result guardrails.PostHookResult) {
	if r.state.RetryCounts == nil {
		r.state.RetryCounts = make(map[string]int)
	}
	if r.state.ImplementerMap == nil {
		r.state.ImplementerMap = make(map[string]string)
	}

	for nodeID, delta := range result.RetryCountDelta {
		r.state.RetryCounts[nodeID] += delta
		for i := 0; i < delta; i++ {
			r.dag.IncrementRetry(nodeID)
		}
	}
	for _, nodeID := range result.ClearRetryCount {
		delete(r.state.RetryCounts, nodeID)
		r.dag.ResetRetry(nodeID)
	}
	for nodeID, agentID := range result.ImplementerUpdates {
		r.state.ImplementerMap[nodeID] = agentID
	}

	if result.Entry != nil {
		if _, err := r.auditLog.Append(*result.Entry); err != nil {
			r.logger.Error("failed to append audit entry", "node_id", result.Entry.NodeID, "error", err)
		}
	}
	if result.SpotCheckEntry != nil {
		if _, err := r.auditLog.Append(*result.SpotCheckEntry); err != nil {
			r.logger.Error("failed to append spot-check audit entry", "node_id", result.SpotCheckEntry.NodeID, "error", err)
		}
	}
}

// drainSignals consumes every signal addressed to the Runner and folds it
// into a node transition, gated by the same guard rails as any other
// action (spec.md §4.5 step 1, "refresh node statuses from state").
func (r *Runner) drainSignals(ctx context.Context) error {
	sigs, err := r.signals.List(signalbus.RoleRunner)
	if err != nil {
		return err
	}

	for _, sig := range sigs {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		newStatus, ok := statusForSignal(sig.Type)
		if !ok {
			continue
		}

		var body struct {
			NodeID             string `json:"node_id"`
			AgentID            string `json:"agent_id"`
			EvidenceTimestamp  string `json:"evidence_timestamp"`
		}
		if err := json.Unmarshal(sig.Payload, &body); err != nil {
			r.logger.Warn("skipping malformed inbound signal", "id", sig.ID, "error", err)
			continue
		}
		if body.NodeID == "" {
			continue
		}
		node := r.dag.Node(body.NodeID)
		if node == nil {
			r.logger.Warn("signal references unknown node", "node_id", body.NodeID)
			continue
		}

		payload := map[string]interface{}{
			"new_status": string(newStatus),
			"agent_id":   body.AgentID,
		}
		if body.EvidenceTimestamp != "" {
			payload["evidence_timestamp"] = body.EvidenceTimestamp
		}
		action := pipeline.Action{
			Kind:    pipeline.ActionTransitionNode,
			NodeID:  body.NodeID,
			Payload: payload,
		}

		decision := r.hooks.PreHook(action, r.state.RetryCounts, r.state.ImplementerMap)
		path := findSignalPath(r.signals, sig)
		if !decision.Accepted {
			r.logger.Info("inbound transition refused by guard rail", "node_id", body.NodeID, "reason", decision.Reason)
			if path != "" {
				_ = r.signals.Consume(path)
			}
			continue
		}

		fromStatus := string(node.Status)
		r.dag.SetStatus(body.NodeID, newStatus)

		req := guardrails.TransitionRequest{NodeID: body.NodeID, NewStatus: string(newStatus), AgentID: body.AgentID}
		result := r.hooks.PostHook(action, fromStatus, req, body.AgentID, hashPayload(payload))
		r.applyPostHook(result)

		if path != "" {
			if err := r.signals.Consume(path); err != nil {
				r.logger.Warn("failed to consume signal", "id", sig.ID, "error", err)
			}
		}
	}
	return nil
}

// findSignalPath recovers a signal's on-disk path for Consume. Store.List
// does not return paths directly; the id-derived filename is stable and
// reconstructible since Write names files exactly "{id}.json".
func findSignalPath(store *signalbus.Store, sig signalbus.Signal) string {
	return store.PathFor(sig)
}

func statusForSignal(t signalbus.Type) (dag.Status, bool) {
	switch t {
	case signalbus.TypeNodeImplComplete:
		return dag.StatusImplComplete, true
	case signalbus.TypeValidationPassed, signalbus.TypeNodeValidated:
		return dag.StatusValidated, true
	case signalbus.TypeValidationFailed, signalbus.TypeNodeFailed:
		return dag.StatusFailed, true
	default:
		return "", false
	}
}

// reapDeadSessions transitions any "active" node whose backing session is
// no longer alive to failed, so the next cycle's stuck/retry logic can act
// on it (spec.md §4.5 step 2, "active... still running per C8").
func (r *Runner) reapDeadSessions(ctx context.Context) {
	for _, n := range r.dag.Nodes() {
		if n.Status != dag.StatusActive {
			continue
		}
		alive, err := r.sessions.IsAlive(sessionName(n.ID))
		if err != nil {
			r.logger.Warn("is_alive check failed", "node_id", n.ID, "error", err)
			continue
		}
		if alive {
			continue
		}

		action := pipeline.Action{Kind: pipeline.ActionTransitionNode, NodeID: n.ID, Payload: map[string]interface{}{"new_status": "failed"}}
		decision := r.hooks.PreHook(action, r.state.RetryCounts, r.state.ImplementerMap)
		if !decision.Accepted {
			continue
		}
		r.dag.SetStatus(n.ID, dag.StatusFailed)
		result := r.hooks.PostHook(action, string(dag.StatusActive), guardrails.TransitionRequest{NodeID: n.ID, NewStatus: "failed"}, "", "")
		r.applyPostHook(result)
		r.logger.Info("reaped dead session, node marked failed", "node_id", n.ID)
	}
}

func (r *Runner) validatedNodeIDs() []string {
	var out []string
	for _, n := range r.dag.Nodes() {
		if n.Status == dag.StatusValidated {
			out = append(out, n.ID)
		}
	}
	return out
}

// persist writes RunnerState to {stateDir}/{pipeline_id}.json via
// write-to-temp-then-rename (spec.md §4.3/§4.5, "Persist RunnerState
// atomically").
func (r *Runner) persist() error {
	data, err := json.Marshal(r.state)
	if err != nil {
		return core.NewError("runner.persist", "runner", core.ErrStoreIO)
	}

	if err := os.MkdirAll(r.stateDir, 0o755); err != nil {
		return core.NewError("runner.persist", "runner", core.ErrStoreIO)
	}
	final := filepath.Join(r.stateDir, r.state.PipelineID+".json")

	tmp, err := os.CreateTemp(r.stateDir, ".tmp-state-*")
	if err != nil {
		return core.NewError("runner.persist", "runner", core.ErrStoreIO)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return core.NewError("runner.persist", "runner", core.ErrStoreIO)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return core.NewError("runner.persist", "runner", core.ErrStoreIO)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return core.NewError("runner.persist", "runner", core.ErrStoreIO)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return core.NewError("runner.persist", "runner", core.ErrStoreIO)
	}
	return nil
}

// LoadState reads a persisted RunnerState from {stateDir}/{pipelineID}.json.
func LoadState(stateDir, pipelineID string) (*pipeline.RunnerState, error) {
	data, err := os.ReadFile(filepath.Join(stateDir, pipelineID+".json"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.NewError("runner.LoadState", "runner", core.ErrNodeNotFound)
		}
		return nil, core.NewError("runner.LoadState", "runner", core.ErrStoreIO)
	}
	var state pipeline.RunnerState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, core.NewError("runner.LoadState", "runner", core.ErrMalformedSignal)
	}
	return &state, nil
}
