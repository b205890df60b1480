// Package guardian implements the Guardian (C7): a read-only sibling
// monitor of one spawned worker's Pipeline Runner, deriving health labels
// from persisted state without ever mutating it.
package guardian

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/attractorhq/attractor/core"
	"github.com/attractorhq/attractor/internal/audit"
	"github.com/attractorhq/attractor/internal/pipeline"
	"github.com/attractorhq/attractor/internal/signalbus"
	"github.com/attractorhq/attractor/logger"
)

// Label is a pipeline's derived health label (spec.md §4.7 condition table).
type Label string

const (
	LabelComplete Label = "complete"
	LabelPaused   Label = "paused"
	LabelStale    Label = "stale"
	LabelStuck    Label = "stuck"
	LabelWarning  Label = "warning"
	LabelHealthy  Label = "healthy"
)

// Health is the Guardian's derived view of one pipeline.
type Health struct {
	PipelineID string
	Label      Label
	UpdatedAt  time.Time
	AgeSeconds float64
}

// Guardian reads RunnerState and audit logs from stateDir; it never writes
// to either.
type Guardian struct {
	stateDir       string
	signals        *signalbus.Store
	staleThreshold time.Duration
	logger         logger.Logger
	clock          core.Clock
}

// Option configures a Guardian.
type Option func(*Guardian)

// WithLogger attaches a logger, defaulting to logger.NewDefaultLogger(),
// which writes through the standard log package.
func WithLogger(l logger.Logger) Option {
	return func(g *Guardian) { g.logger = l }
}

// WithClock overrides the guardian's clock, for deterministic tests.
func WithClock(c core.Clock) Option {
	return func(g *Guardian) { g.clock = c }
}

// New builds a Guardian reading RunnerState from stateDir and writing
// response/escalation signals through signals.
func New(stateDir string, signals *signalbus.Store, staleThreshold time.Duration, opts ...Option) *Guardian {
	g := &Guardian{
		stateDir:       stateDir,
		signals:        signals,
		staleThreshold: staleThreshold,
		logger:         logger.NewDefaultLogger(),
		clock:          core.SystemClock{},
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *Guardian) statePath(pipelineID string) string {
	return filepath.Join(g.stateDir, pipelineID+".json")
}

func (g *Guardian) auditPath(pipelineID string) string {
	return filepath.Join(g.stateDir, pipelineID+core.AuditSuffix)
}

func (g *Guardian) readState(pipelineID string) (*pipeline.RunnerState, error) {
	data, err := os.ReadFile(g.statePath(pipelineID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.NewError("guardian.readState", "guardian", core.ErrNodeNotFound)
		}
		return nil, core.NewError("guardian.readState", "guardian", core.ErrStoreIO)
	}
	var state pipeline.RunnerState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, core.NewError("guardian.readState", "guardian", core.ErrMalformedSignal)
	}
	return &state, nil
}

// Status derives a Health for pipelineID from its persisted RunnerState
// (spec.md §4.7).
func (g *Guardian) Status(pipelineID string) (Health, error) {
	state, err := g.readState(pipelineID)
	if err != nil {
		return Health{}, err
	}
	return g.deriveHealth(state), nil
}

func (g *Guardian) deriveHealth(state *pipeline.RunnerState) Health {
	age := g.clock.Now().UTC().Sub(state.UpdatedAt)

	label := LabelHealthy
	switch {
	case state.LastPlan != nil && state.LastPlan.PipelineComplete:
		label = LabelComplete
	case state.Paused:
		label = LabelPaused
	case age > g.staleThreshold:
		label = LabelStale
	case state.LastPlan != nil && len(state.LastPlan.BlockedNodes) > 0 && len(state.LastPlan.Actions) == 0:
		label = LabelStuck
	case hasRetryWarning(state.RetryCounts):
		label = LabelWarning
	}

	return Health{
		PipelineID: state.PipelineID,
		Label:      label,
		UpdatedAt:  state.UpdatedAt,
		AgeSeconds: age.Seconds(),
	}
}

func hasRetryWarning(retryCounts map[string]int) bool {
	for _, n := range retryCounts {
		if n >= 2 {
			return true
		}
	}
	return false
}

// VerifyChain delegates to the Chained Audit Writer (C2).
func (g *Guardian) VerifyChain(pipelineID string) (bool, string, error) {
	w, err := audit.NewWriter(g.auditPath(pipelineID))
	if err != nil {
		return false, "", err
	}
	return w.VerifyChain()
}

// ListPipelines enumerates every RunnerState file under stateDir, sorted
// by updated_at descending (spec.md §4.7).
func (g *Guardian) ListPipelines() ([]Health, error) {
	entries, err := os.ReadDir(g.stateDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.NewError("guardian.ListPipelines", "guardian", core.ErrStoreIO)
	}

	var out []Health
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		pipelineID := strings.TrimSuffix(e.Name(), ".json")
		state, err := g.readState(pipelineID)
		if err != nil {
			g.logger.Warn("skipping malformed runner state", "file", e.Name(), "error", err)
			continue
		}
		out = append(out, g.deriveHealth(state))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

// Verdict is the outcome of a human or Guardian-automated review, fed to
// Respond.
type Verdict string

const (
	VerdictApproved Verdict = "approved"
	VerdictRejected Verdict = "rejected"
	VerdictGuidance Verdict = "guidance"
)

// Respond writes an approval/override/guidance signal targeting the
// Runner, which will fold it into a transition_node action on its next
// drain (spec.md §4.7, "respond(worker, verdict)").
func (g *Guardian) Respond(nodeID string, verdict Verdict, reason string) error {
	var sigType signalbus.Type
	payload := map[string]interface{}{"node_id": nodeID}

	switch verdict {
	case VerdictApproved:
		sigType = signalbus.TypeValidationPassed
	case VerdictRejected:
		sigType = signalbus.TypeValidationFailed
		payload["new_status"] = "failed"
		payload["reason"] = reason
	default:
		sigType = signalbus.TypeGuidance
		payload["reason"] = reason
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return core.NewError("guardian.Respond", "guardian", core.ErrMalformedSignal)
	}
	_, err = g.signals.Write(signalbus.Signal{
		Source:  signalbus.RoleGuardian,
		Target:  signalbus.RoleRunner,
		Type:    sigType,
		Payload: data,
	})
	return err
}

// EscalateToTerminal writes a signal targeting the human-operator role
// (spec.md §4.7).
func (g *Guardian) EscalateToTerminal(pipelineID, issue string, options map[string]interface{}) error {
	payload := map[string]interface{}{"pipeline_id": pipelineID, "issue": issue}
	for k, v := range options {
		payload[k] = v
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return core.NewError("guardian.EscalateToTerminal", "guardian", core.ErrMalformedSignal)
	}
	_, err = g.signals.Write(signalbus.Signal{
		Source:  signalbus.RoleGuardian,
		Target:  signalbus.RoleTerminal,
		Type:    signalbus.TypeEscalate,
		Payload: data,
	})
	return err
}

// ValidationHook runs the configured validation check for a node that
// signaled NEEDS_REVIEW (spec.md §4.7, "run the configured validation
// hook"). It reports whether the node passed and, on failure, why.
type ValidationHook func(pipelineID, nodeID string, payload map[string]interface{}) (ok bool, reason string)

// SessionChecker is the subset of the Session Host Adapter (C8) the
// reaction loop needs to detect a dead worker session.
type SessionChecker interface {
	IsAlive(sessionName string) (bool, error)
}

// React runs the Guardian's reaction loop for one worker (spec.md §4.7,
// "Reaction loop"): wait for the next signal targeting the Guardian,
// dispatch it by type, and repeat until ctx is canceled.
//
// Each wait blocks for up to stuckThreshold before timing out; spec.md
// names this STUCK_THRESHOLD but defines no separate environment variable
// for it, so callers pass the same threshold used for Status's
// STALE_THRESHOLD (g's staleThreshold) — one knob governs both "stale" and
// "stuck-silent" detection. On timeout, React checks whether the
// persisted heartbeat is stale or the session has died and escalates if
// so, then waits again. hook may be nil, in which case every NEEDS_REVIEW
// is rejected: no configured validation means no pass.
func (g *Guardian) React(ctx context.Context, pipelineID, sessionName string, stuckThreshold, pollInterval time.Duration, hook ValidationHook, sessions SessionChecker) error {
	for {
		sig, err := g.signals.Wait(ctx, signalbus.RoleGuardian, stuckThreshold, pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, core.ErrWaitTimedOut) {
				if g.shouldEscalateOnSilence(pipelineID, sessionName, sessions) {
					if escErr := g.EscalateToTerminal(pipelineID, "heartbeat stale or session dead", nil); escErr != nil {
						g.logger.Warn("failed to escalate on silence", "pipeline_id", pipelineID, "error", escErr)
					}
				}
				continue
			}
			g.logger.Warn("guardian reaction wait failed", "pipeline_id", pipelineID, "error", err)
			continue
		}

		g.handleSignal(pipelineID, sig, hook)

		if path := g.signals.PathFor(sig); path != "" {
			if err := g.signals.Consume(path); err != nil {
				g.logger.Warn("failed to consume reaction signal", "id", sig.ID, "error", err)
			}
		}
	}
}

// shouldEscalateOnSilence reports whether a timed-out wait represents a
// genuinely stuck worker: a stale persisted heartbeat, or (when a
// SessionChecker is supplied) a dead session.
func (g *Guardian) shouldEscalateOnSilence(pipelineID, sessionName string, sessions SessionChecker) bool {
	if state, err := g.readState(pipelineID); err == nil {
		if g.clock.Now().UTC().Sub(state.UpdatedAt) > g.staleThreshold {
			return true
		}
	}
	if sessions == nil || sessionName == "" {
		return false
	}
	alive, err := sessions.IsAlive(sessionName)
	return err == nil && !alive
}

// handleSignal dispatches one signal addressed to the Guardian per the
// reaction-loop table in spec.md §4.7.
func (g *Guardian) handleSignal(pipelineID string, sig signalbus.Signal, hook ValidationHook) {
	switch sig.Type {
	case signalbus.TypeNeedsReview:
		var body struct {
			NodeID  string                 `json:"node_id"`
			Payload map[string]interface{} `json:"payload"`
		}
		if err := json.Unmarshal(sig.Payload, &body); err != nil {
			g.logger.Warn("skipping malformed NEEDS_REVIEW signal", "error", err)
			return
		}

		ok, reason := false, "no validation hook configured"
		if hook != nil {
			ok, reason = hook(pipelineID, body.NodeID, body.Payload)
		}
		verdict := VerdictRejected
		if ok {
			verdict = VerdictApproved
		}
		if err := g.Respond(body.NodeID, verdict, reason); err != nil {
			g.logger.Warn("failed to respond to NEEDS_REVIEW", "node_id", body.NodeID, "error", err)
		}

	case signalbus.TypeNeedsInput:
		var body struct {
			NodeID string `json:"node_id"`
			Issue  string `json:"issue"`
		}
		if err := json.Unmarshal(sig.Payload, &body); err != nil {
			g.logger.Warn("skipping malformed NEEDS_INPUT signal", "error", err)
			return
		}
		issue := body.Issue
		if issue == "" {
			issue = "worker requested input"
		}
		if err := g.EscalateToTerminal(pipelineID, issue, map[string]interface{}{"node_id": body.NodeID}); err != nil {
			g.logger.Warn("failed to escalate NEEDS_INPUT", "node_id", body.NodeID, "error", err)
		}

	default:
		g.logger.Debug("guardian ignoring signal outside reaction loop", "type", sig.Type)
	}
}
