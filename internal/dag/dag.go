// Package dag implements the DAG Model & Loader (C4): parsing a textual
// pipeline description into nodes and edges, and answering ready/stuck/
// completeness queries over a DAG plus live node state.
package dag

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/attractorhq/attractor/core"
)

// Handler is the kind of work a Node performs (spec.md §3).
type Handler string

const (
	HandlerCodeGenerator    Handler = "code-generator"
	HandlerAutomatedValidator Handler = "automated-validator"
	HandlerHumanWait        Handler = "human-wait"
	HandlerDecisionBranch   Handler = "decision-branch"
	HandlerTerminalEntry    Handler = "terminal-entry"
	HandlerTerminalExit     Handler = "terminal-exit"
)

// Status is a Node's lifecycle state (spec.md §3, §4.5 state machine).
type Status string

const (
	StatusPending      Status = "pending"
	StatusActive       Status = "active"
	StatusImplComplete Status = "impl_complete"
	StatusValidated    Status = "validated"
	StatusFailed       Status = "failed"
	StatusBlocked      Status = "blocked"
)

// Node is a vertex in the pipeline DAG.
type Node struct {
	ID         string                 `yaml:"id" json:"id"`
	Handler    Handler                `yaml:"handler" json:"handler"`
	FilePath   string                 `yaml:"file_path,omitempty" json:"file_path,omitempty"`
	Acceptance string                 `yaml:"acceptance,omitempty" json:"acceptance,omitempty"`
	Priority   string                 `yaml:"priority,omitempty" json:"priority,omitempty"` // "normal" | "high"
	Status     Status                 `yaml:"status,omitempty" json:"status"`
	RetryCount int                    `yaml:"retry_count,omitempty" json:"retry_count"`
	Metadata   map[string]interface{} `yaml:"metadata,omitempty" json:"metadata,omitempty"`
}

// Edge is a dependency: To is ready only once From is validated.
type Edge struct {
	From string `yaml:"from" json:"from"`
	To   string `yaml:"to" json:"to"`
}

// document is the on-disk shape a DAG is loaded from (YAML or JSON — the
// YAML decoder accepts both, same tolerance the teacher's config loader
// shows for its own config files).
type document struct {
	Nodes []Node `yaml:"nodes"`
	Edges []Edge `yaml:"edges"`
}

// DAG is a parsed pipeline: a flat map of nodes keyed by id, plus the edge
// list, per the "no cyclic object graph" design note (spec.md §9).
type DAG struct {
	mu    sync.RWMutex
	nodes map[string]*Node
	edges []Edge
	preds map[string][]string // node id -> predecessor node ids
	succs map[string][]string // node id -> successor node ids
}

// Load parses a YAML or JSON DAG description from path.
func Load(path string) (*DAG, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, core.NewError("dag.Load", "dag", core.ErrStoreIO)
	}
	return Parse(data)
}

// Parse parses a YAML or JSON DAG description from raw bytes.
func Parse(data []byte) (*DAG, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, core.NewError("dag.Parse", "dag", core.ErrMalformedSignal)
	}

	d := &DAG{
		nodes: make(map[string]*Node),
		preds: make(map[string][]string),
		succs: make(map[string][]string),
	}

	for i := range doc.Nodes {
		n := doc.Nodes[i]
		if n.Status == "" {
			n.Status = StatusPending
		}
		d.nodes[n.ID] = &n
	}

	for _, e := range doc.Edges {
		if _, ok := d.nodes[e.From]; !ok {
			return nil, core.NewError("dag.Parse", "dag", core.ErrNodeNotFound)
		}
		if _, ok := d.nodes[e.To]; !ok {
			return nil, core.NewError("dag.Parse", "dag", core.ErrNodeNotFound)
		}
		d.edges = append(d.edges, e)
		d.preds[e.To] = append(d.preds[e.To], e.From)
		d.succs[e.From] = append(d.succs[e.From], e.To)
	}

	if err := d.validateAcyclic(); err != nil {
		return nil, err
	}

	return d, nil
}

// validateAcyclic runs DFS cycle detection over the successor graph.
func (d *DAG) validateAcyclic() error {
	visited := make(map[string]bool)
	recStack := make(map[string]bool)

	var visit func(id string) bool
	visit = func(id string) bool {
		visited[id] = true
		recStack[id] = true
		for _, next := range d.succs[id] {
			if !visited[next] {
				if visit(next) {
					return true
				}
			} else if recStack[next] {
				return true
			}
		}
		recStack[id] = false
		return false
	}

	for id := range d.nodes {
		if !visited[id] {
			if visit(id) {
				return core.NewError("dag.Validate", "dag", core.ErrDAGCycle)
			}
		}
	}
	return nil
}

// Node returns the node with the given id, or nil.
func (d *DAG) Node(id string) *Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.nodes[id]
}

// Nodes returns every node in the DAG, in no particular order.
func (d *DAG) Nodes() []*Node {
	d.mu.RLock()
	defer d.mu.RUnlock()
	out := make([]*Node, 0, len(d.nodes))
	for _, n := range d.nodes {
		out = append(out, n)
	}
	return out
}

// SetStatus mutates a node's status and, when transitioning into "active"
// from "failed", the caller is responsible for incrementing RetryCount —
// the DAG itself only stores state, leaving transition policy to the Runner
// and its guard rails (spec.md §4.5/§4.6).
func (d *DAG) SetStatus(id string, status Status) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[id]; ok {
		n.Status = status
	}
}

// IncrementRetry increments a node's retry_count.
func (d *DAG) IncrementRetry(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[id]; ok {
		n.RetryCount++
	}
}

// ResetRetry resets a node's retry_count to 0.
func (d *DAG) ResetRetry(id string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.nodes[id]; ok {
		n.RetryCount = 0
	}
}

// predecessorsValidated reports whether every predecessor of id is validated.
func (d *DAG) predecessorsValidated(id string) bool {
	for _, p := range d.preds[id] {
		if d.nodes[p].Status != StatusValidated {
			return false
		}
	}
	return true
}

// Ready returns every node whose status is pending and whose predecessors
// are all validated, sorted by (priority DESC, node_id ASC) for
// deterministic planning (spec.md §4.5).
func (d *DAG) Ready() []*Node {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var ready []*Node
	for id, n := range d.nodes {
		if n.Status == StatusPending && d.predecessorsValidated(id) {
			ready = append(ready, n)
		}
	}

	sort.Slice(ready, func(i, j int) bool {
		pi, pj := priorityRank(ready[i].Priority), priorityRank(ready[j].Priority)
		if pi != pj {
			return pi > pj
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

func priorityRank(p string) int {
	if strings.EqualFold(p, "high") {
		return 1
	}
	return 0
}

// StuckNode pairs a node with why it is considered stuck.
type StuckNode struct {
	Node   *Node
	Reason string
}

// Stuck returns every node that is failed with retry budget exhausted,
// blocked with no forward path, or pending with a direct predecessor in one
// of those two states (spec.md §4.4). Nodes further downstream of such a
// pending node are not reported.
func (d *DAG) Stuck(maxRetries int) []StuckNode {
	d.mu.RLock()
	defer d.mu.RUnlock()

	var out []StuckNode
	permanentlyBlocked := make(map[string]bool)

	for id, n := range d.nodes {
		if n.Status == StatusFailed && n.RetryCount >= maxRetries {
			out = append(out, StuckNode{Node: n, Reason: "retry budget exhausted"})
			permanentlyBlocked[id] = true
		}
		if n.Status == StatusBlocked {
			out = append(out, StuckNode{Node: n, Reason: "blocked with no forward path"})
			permanentlyBlocked[id] = true
		}
	}

	for id, n := range d.nodes {
		if n.Status != StatusPending {
			continue
		}
		for _, p := range d.preds[id] {
			if permanentlyBlocked[p] {
				out = append(out, StuckNode{Node: n, Reason: fmt.Sprintf("depends on permanently-blocked node %s", p)})
				break
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Node.ID < out[j].Node.ID })
	return out
}

// IsComplete reports whether every terminal-exit node is validated
// (equivalently, every leaf node is validated).
func (d *DAG) IsComplete() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()

	for id, n := range d.nodes {
		if n.Handler == HandlerTerminalExit && n.Status != StatusValidated {
			return false
		}
		if len(d.succs[id]) == 0 && n.Status != StatusValidated {
			return false
		}
	}
	return true
}

// Predecessors returns the node ids that must precede id.
func (d *DAG) Predecessors(id string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.preds[id]...)
}

// Successors returns the node ids that depend on id.
func (d *DAG) Successors(id string) []string {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]string(nil), d.succs[id]...)
}
