// Package sessionhost implements the Session Host Adapter (C8): an
// abstract capability for managing named, long-lived worker sessions,
// backed in production by tmux (SPEC_FULL.md §C, grounded on the spawn
// mechanics of the original test_spawn_orchestrator.py).
package sessionhost

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/attractorhq/attractor/core"
	"github.com/attractorhq/attractor/logger"
	"github.com/attractorhq/attractor/resilience"
)

// defaultWidth/defaultHeight size the tmux pane so an attached human sees a
// full, unwrapped terminal — the same "sized terminal" convention the
// original spawn script used.
const (
	defaultWidth  = 220
	defaultHeight = 50
	keystrokeDelay = 150 * time.Millisecond
)

// Multiplexer is the thin capability a terminal multiplexer must provide.
// Production code is backed by TmuxMultiplexer; tests substitute a fake.
type Multiplexer interface {
	NewSession(name, workingDir string, width, height int) error
	HasSession(name string) (bool, error)
	SendKeys(name, keys string) error
	KillSession(name string) error
}

// TmuxMultiplexer shells out to the tmux binary.
type TmuxMultiplexer struct{}

func (TmuxMultiplexer) NewSession(name, workingDir string, width, height int) error {
	args := []string{"new-session", "-d", "-s", name, "-x", fmt.Sprintf("%d", width), "-y", fmt.Sprintf("%d", height)}
	if workingDir != "" {
		args = append(args, "-c", workingDir)
	}
	cmd := exec.Command("tmux", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return core.NewError("tmux.NewSession", "session", fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), core.ErrConnectionFailed))
	}
	return nil
}

func (TmuxMultiplexer) HasSession(name string) (bool, error) {
	cmd := exec.Command("tmux", "has-session", "-t", name)
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			_ = exitErr
			return false, nil
		}
		return false, core.NewError("tmux.HasSession", "session", core.ErrConnectionFailed)
	}
	return true, nil
}

func (TmuxMultiplexer) SendKeys(name, keys string) error {
	cmd := exec.Command("tmux", "send-keys", "-t", name, keys, "Enter")
	if out, err := cmd.CombinedOutput(); err != nil {
		return core.NewError("tmux.SendKeys", "session", fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), core.ErrConnectionFailed))
	}
	return nil
}

func (TmuxMultiplexer) KillSession(name string) error {
	cmd := exec.Command("tmux", "kill-session", "-t", name)
	if out, err := cmd.CombinedOutput(); err != nil {
		return core.NewError("tmux.KillSession", "session", fmt.Errorf("%s: %w", strings.TrimSpace(string(out)), core.ErrConnectionFailed))
	}
	return nil
}

// RespawnStatus is the outcome of a Respawn call.
type RespawnStatus string

const (
	RespawnAlreadyAlive RespawnStatus = "already_alive"
	RespawnRespawned    RespawnStatus = "respawned"
	RespawnError        RespawnStatus = "error"
)

// RespawnResult reports what Respawn did.
type RespawnResult struct {
	Status   RespawnStatus
	NewCount int
	Message  string
}

// Adapter implements the Session Host Adapter contract (spec.md §4.8).
type Adapter struct {
	mux              Multiplexer
	reservedPrefixes []string
	maxRespawn       int
	respawnCounts    map[string]int
	breaker          *resilience.CircuitBreaker
	logger           logger.Logger
	mu               sync.Mutex
}

// Option configures an Adapter.
type Option func(*Adapter)

// WithLogger attaches a logger, defaulting to logger.NewDefaultLogger(),
// which writes through the standard log package.
func WithLogger(l logger.Logger) Option {
	return func(a *Adapter) { a.logger = l }
}

// WithCircuitBreaker wraps spawn/respawn calls in a circuit breaker, so a
// multiplexer that starts failing systemically (tmux binary missing, host
// out of resources) stops being hammered with retries.
func WithCircuitBreaker(cb *resilience.CircuitBreaker) Option {
	return func(a *Adapter) { a.breaker = cb }
}

// New builds an Adapter over mux, rejecting any session name that starts
// with a reserved prefix (spec.md §4.8, "Reserved session-name prefixes").
func New(mux Multiplexer, reservedPrefixes []string, maxRespawn int, opts ...Option) *Adapter {
	a := &Adapter{
		mux:              mux,
		reservedPrefixes: reservedPrefixes,
		maxRespawn:       maxRespawn,
		respawnCounts:    make(map[string]int),
		logger:           logger.NewDefaultLogger(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Adapter) reserved(name string) bool {
	for _, p := range a.reservedPrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	return false
}

// IsAlive reports whether session_name has a live backing session.
func (a *Adapter) IsAlive(sessionName string) (bool, error) {
	return a.mux.HasSession(sessionName)
}

// Spawn creates a session, refusing reserved-prefix names and names that
// are already alive (spec.md §4.8).
func (a *Adapter) Spawn(sessionName, workingDir, initialInput string) error {
	if a.reserved(sessionName) {
		return core.NewError("sessionhost.Spawn", "session", core.ErrReservedSessionName)
	}

	alive, err := a.mux.HasSession(sessionName)
	if err != nil {
		return err
	}
	if alive {
		return core.NewError("sessionhost.Spawn", "session", core.ErrSessionAlreadyAlive)
	}

	run := func() error { return a.mux.NewSession(sessionName, workingDir, defaultWidth, defaultHeight) }
	if err := a.runProtected(run); err != nil {
		return err
	}

	if initialInput != "" {
		// A freshly spawned shell needs a moment before it accepts input
		// reliably; the staged delay mirrors the original spawn script's
		// behavior of waiting before sending the first command.
		time.Sleep(keystrokeDelay)
		if err := a.mux.SendKeys(sessionName, initialInput); err != nil {
			a.logger.Warn("initial input send failed after spawn", "session", sessionName, "error", err)
		}
	}

	a.logger.Info("session spawned", "session", sessionName, "working_dir", workingDir)
	return nil
}

// Send delivers keystrokes to an existing session.
func (a *Adapter) Send(sessionName, keystrokes string) error {
	return a.mux.SendKeys(sessionName, keystrokes)
}

// Respawn recreates a dead session, refusing once the per-session respawn
// cap is reached (spec.md §4.8).
func (a *Adapter) Respawn(sessionName, workingDir string) (RespawnResult, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	alive, err := a.mux.HasSession(sessionName)
	if err != nil {
		return RespawnResult{Status: RespawnError, Message: err.Error()}, err
	}
	if alive {
		return RespawnResult{Status: RespawnAlreadyAlive}, nil
	}

	count := a.respawnCounts[sessionName]
	if count >= a.maxRespawn {
		return RespawnResult{
			Status:   RespawnError,
			NewCount: count,
			Message:  fmt.Sprintf("respawn cap reached (%d/%d)", count, a.maxRespawn),
		}, core.NewError("sessionhost.Respawn", "session", core.ErrRespawnCapReached)
	}

	run := func() error { return a.mux.NewSession(sessionName, workingDir, defaultWidth, defaultHeight) }
	if err := a.runProtected(run); err != nil {
		return RespawnResult{Status: RespawnError, Message: err.Error()}, err
	}

	count++
	a.respawnCounts[sessionName] = count
	a.logger.Info("session respawned", "session", sessionName, "new_count", count)
	return RespawnResult{Status: RespawnRespawned, NewCount: count}, nil
}

// RespawnCount reports how many times sessionName has been respawned.
func (a *Adapter) RespawnCount(sessionName string) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.respawnCounts[sessionName]
}

func (a *Adapter) runProtected(fn func() error) error {
	if a.breaker == nil {
		return fn()
	}
	return a.breaker.Execute(context.Background(), fn)
}
