// Package guardrails implements the Runner Hooks / Guard Rails (C6): pre-
// and post-action gates enforcing forbidden operations, retry caps,
// evidence freshness, and implementer separation. Refusals are returned as
// an explicit Decision value, never as a panic or unwound error — the
// Runner branches on the result instead of handling an exception
// (spec.md §9, "exception-based control flow becomes an explicit result
// type").
package guardrails

import (
	"math/rand"
	"time"

	"github.com/attractorhq/attractor/core"
	"github.com/attractorhq/attractor/internal/audit"
	"github.com/attractorhq/attractor/internal/pipeline"
	"github.com/attractorhq/attractor/logger"
)

// Decision is the result of a pre-hook check: either Accept or Refuse with
// a human-readable reason.
type Decision struct {
	Accepted bool
	Reason   string
}

// Accept is the zero-reason, accepted Decision.
func Accept() Decision { return Decision{Accepted: true} }

// Refuse builds a refused Decision carrying reason.
func Refuse(reason string) Decision { return Decision{Accepted: false, Reason: reason} }

// ForbiddenToolPayloadKey is the action payload key naming the tool; the Runner never directly
// edits source files, so any action the caller tags with a file-mutation
// tool is refused outright (spec.md §4.6 rule 1).
const ForbiddenToolPayloadKey = "tool"

var forbiddenTools = map[string]bool{
	"edit_file":  true,
	"write_file": true,
	"apply_patch": true,
}

// TransitionRequest is the payload shape guard rails expect on a
// transition_node action.
type TransitionRequest struct {
	NodeID            string
	NewStatus         string
	AgentID           string
	EvidenceTimestamp time.Time
}

// Hooks bundles the configured thresholds the pre/post hooks enforce.
type Hooks struct {
	MaxRetries     int
	EvidenceMaxAge time.Duration
	SpotCheckRate  float64
	clock          core.Clock
	logger         logger.Logger
	rng            *rand.Rand
}

// Option configures Hooks.
type Option func(*Hooks)

// WithClock overrides the clock used for evidence-freshness checks.
func WithClock(c core.Clock) Option {
	return func(h *Hooks) { h.clock = c }
}

// WithLogger attaches a logger.
func WithLogger(l logger.Logger) Option {
	return func(h *Hooks) { h.logger = l }
}

// WithRandSource overrides the spot-check random source, for deterministic
// tests.
func WithRandSource(r *rand.Rand) Option {
	return func(h *Hooks) { h.rng = r }
}

// New builds Hooks with the given thresholds.
func New(maxRetries int, evidenceMaxAge time.Duration, spotCheckRate float64, opts ...Option) *Hooks {
	h := &Hooks{
		MaxRetries:     maxRetries,
		EvidenceMaxAge: evidenceMaxAge,
		SpotCheckRate:  spotCheckRate,
		clock:          core.SystemClock{},
		logger:         logger.NewDefaultLogger(),
		rng:            rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// PreHook runs every pre-hook rule against action and returns the first
// refusal encountered, or Accept if every rule passes.
//
// retryCounts and implementerMap are read-only snapshots of the Runner's
// current state; PreHook never mutates them.
func (h *Hooks) PreHook(action pipeline.Action, retryCounts map[string]int, implementerMap map[string]string) Decision {
	if tool, ok := action.Payload[ForbiddenToolPayloadKey]; ok {
		if name, ok := tool.(string); ok && forbiddenTools[name] {
			return Refuse("forbidden tool invocation: runner may not directly mutate source files")
		}
	}

	if action.Kind != pipeline.ActionTransitionNode {
		return Accept()
	}

	req, ok := parseTransitionRequest(action)
	if !ok {
		return Accept()
	}

	if req.NewStatus == "active" {
		if retryCounts[req.NodeID] >= h.MaxRetries {
			return Refuse("retry-limit guard: node has exhausted its retry budget")
		}
	}

	if req.NewStatus == "validated" || req.NewStatus == "impl_complete" {
		if !req.EvidenceTimestamp.IsZero() {
			age := h.clock.Now().UTC().Sub(req.EvidenceTimestamp)
			if age > h.EvidenceMaxAge || age < -h.EvidenceMaxAge {
				return Refuse("evidence-freshness guard: evidence_timestamp outside allowed window")
			}
		}
	}

	if req.NewStatus == "validated" {
		if implementer, ok := implementerMap[req.NodeID]; ok && implementer == req.AgentID {
			return Refuse("implementer-separation guard: validating agent is the same as the implementer")
		}
	}

	return Accept()
}

func parseTransitionRequest(action pipeline.Action) (TransitionRequest, bool) {
	req := TransitionRequest{NodeID: action.NodeID}
	if action.Payload == nil {
		return req, true
	}
	if v, ok := action.Payload["new_status"].(string); ok {
		req.NewStatus = v
	}
	if v, ok := action.Payload["agent_id"].(string); ok {
		req.AgentID = v
	}
	if v, ok := action.Payload["evidence_timestamp"].(string); ok && v != "" {
		if t, err := time.Parse(time.RFC3339, v); err == nil {
			req.EvidenceTimestamp = t
		}
	}
	return req, true
}

// PostHookResult carries the audit entry (if any) and state mutations the
// Runner must apply after executing an accepted action.
type PostHookResult struct {
	Entry              *audit.Entry
	SpotCheckEntry     *audit.Entry
	RetryCountDelta    map[string]int // node id -> delta to add to retry_counts
	ClearRetryCount    []string       // node ids whose retry_counts entry should be deleted
	ImplementerUpdates map[string]string
}

// PostHook builds the audit entry and state mutations for an accepted,
// executed action (spec.md §4.6).
func (h *Hooks) PostHook(action pipeline.Action, fromStatus string, result TransitionRequest, agentID, payloadHash string) PostHookResult {
	out := PostHookResult{
		RetryCountDelta:    make(map[string]int),
		ImplementerUpdates: make(map[string]string),
	}

	switch action.Kind {
	case pipeline.ActionTransitionNode:
		out.Entry = &audit.Entry{
			Timestamp:   h.clock.Now().UTC(),
			NodeID:      action.NodeID,
			FromStatus:  fromStatus,
			ToStatus:    result.NewStatus,
			AgentID:     agentID,
			PayloadHash: payloadHash,
		}
		if result.NewStatus == "failed" {
			out.RetryCountDelta[action.NodeID] = 1
		}
		if result.NewStatus == "validated" {
			out.ClearRetryCount = append(out.ClearRetryCount, action.NodeID)
		}
		if h.SpotCheckRate > 0 && h.rng.Float64() < h.SpotCheckRate {
			out.SpotCheckEntry = &audit.Entry{
				Timestamp:   h.clock.Now().UTC(),
				NodeID:      action.NodeID,
				FromStatus:  result.NewStatus,
				ToStatus:    "spot_check_flagged",
				AgentID:     agentID,
				PayloadHash: payloadHash,
			}
		}

	case pipeline.ActionSpawnOrchestrator:
		out.ImplementerUpdates[action.NodeID] = agentID
	}

	return out
}
