// Package signalbus implements the Signal Envelope & Store (C1): a durable,
// ordered, point-to-point message queue backed by the filesystem.
package signalbus

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/google/uuid"

	"github.com/attractorhq/attractor/core"
	"github.com/attractorhq/attractor/logger"
)

// Role is a signal's source or target.
type Role string

const (
	RoleRunner   Role = "runner"
	RoleGuardian Role = "guardian"
	RoleTerminal Role = "terminal"
	RoleChannel  Role = "channel"
	RoleSystem   Role = "system"
)

// Type is the closed set of signal types, per spec.md §6.
type Type string

const (
	TypeNeedsReview         Type = "NEEDS_REVIEW"
	TypeNeedsInput          Type = "NEEDS_INPUT"
	TypeViolation           Type = "VIOLATION"
	TypeOrchestratorStuck   Type = "ORCHESTRATOR_STUCK"
	TypeOrchestratorCrashed Type = "ORCHESTRATOR_CRASHED"
	TypeNodeComplete        Type = "NODE_COMPLETE"
	TypeValidationPassed    Type = "VALIDATION_PASSED"
	TypeValidationFailed    Type = "VALIDATION_FAILED"
	TypeInputResponse       Type = "INPUT_RESPONSE"
	TypeKillOrchestrator    Type = "KILL_ORCHESTRATOR"
	TypeGuidance            Type = "GUIDANCE"
	TypeInboundCommand      Type = "INBOUND_COMMAND"
	TypeRunnerStarted       Type = "RUNNER_STARTED"
	TypeRunnerHeartbeat     Type = "RUNNER_HEARTBEAT"
	TypeRunnerComplete      Type = "RUNNER_COMPLETE"
	TypeRunnerStuck         Type = "RUNNER_STUCK"
	TypeRunnerError         Type = "RUNNER_ERROR"
	TypeRunnerUnregistered  Type = "RUNNER_UNREGISTERED"
	TypeNodeSpawned         Type = "NODE_SPAWNED"
	TypeNodeImplComplete    Type = "NODE_IMPL_COMPLETE"
	TypeNodeValidated       Type = "NODE_VALIDATED"
	TypeNodeFailed          Type = "NODE_FAILED"
	TypeAwaitingApproval    Type = "AWAITING_APPROVAL"
	TypeEscalate            Type = "ESCALATE"
)

// Signal is an immutable envelope exchanged between components (spec.md §3).
type Signal struct {
	ID        string          `json:"id"`
	Source    Role            `json:"source"`
	Target    Role            `json:"target"`
	Type      Type            `json:"signal_type"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

const processedDirName = "processed"

// Store is a filesystem-backed signal queue rooted at one directory.
type Store struct {
	dir    string
	logger logger.Logger
	clock  core.Clock
}

// Option configures a Store.
type Option func(*Store)

// WithLogger attaches a logger, defaulting to logger.NewDefaultLogger(),
// which writes through the standard log package.
func WithLogger(l logger.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// WithClock overrides the store's clock, for deterministic tests.
func WithClock(c core.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// NewStore creates a Store rooted at dir, creating dir and its processed/
// sibling if they do not exist.
func NewStore(dir string, opts ...Option) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, core.NewError("signalbus.NewStore", "signal", core.ErrStoreIO)
	}
	if err := os.MkdirAll(filepath.Join(dir, processedDirName), 0o755); err != nil {
		return nil, core.NewError("signalbus.NewStore", "signal", core.ErrStoreIO)
	}

	s := &Store{
		dir:    dir,
		logger: logger.NewDefaultLogger(),
		clock:  core.SystemClock{},
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Write serializes sig, writes it to a temp file in the store's directory,
// fsyncs, then renames to its final name — the filename format guarantees a
// lexical sort is a chronological sort (spec.md §4.1, invariant 4).
func (s *Store) Write(sig Signal) (string, error) {
	if sig.CreatedAt.IsZero() {
		sig.CreatedAt = s.clock.Now().UTC()
	}
	if sig.ID == "" {
		sig.ID = newSignalID(sig.CreatedAt, sig.Source, sig.Target)
	}

	data, err := json.Marshal(sig)
	if err != nil {
		return "", core.NewError("signalbus.Write", "signal", core.ErrMalformedSignal)
	}

	finalName := sig.ID + ".json"
	finalPath := filepath.Join(s.dir, finalName)

	tmp, err := os.CreateTemp(s.dir, ".tmp-signal-*")
	if err != nil {
		return "", core.NewError("signalbus.Write", "signal", core.ErrStoreIO)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", core.NewError("signalbus.Write", "signal", core.ErrStoreIO)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return "", core.NewError("signalbus.Write", "signal", core.ErrStoreIO)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return "", core.NewError("signalbus.Write", "signal", core.ErrStoreIO)
	}
	if err := os.Rename(tmpPath, finalPath); err != nil {
		os.Remove(tmpPath)
		return "", core.NewError("signalbus.Write", "signal", core.ErrStoreIO)
	}

	s.logger.Debug("signal written", "id", sig.ID, "source", sig.Source, "target", sig.Target, "type", sig.Type)
	return finalPath, nil
}

// newSignalID builds {ISO8601}-{source}-{target}-{6-random}, filename-safe
// and lexically sortable (no colons). The random suffix comes from a UUID,
// truncated per spec.md §6's "6-random" convention.
func newSignalID(t time.Time, source, target Role) string {
	ts := t.Format("20060102T150405.000000000Z")
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:6]
	return fmt.Sprintf("%s-%s-%s-%s", ts, source, target, suffix)
}

// List scans the store's directory, returning every unconsumed signal whose
// target matches, sorted oldest-first.
func (s *Store) List(target Role) ([]Signal, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, core.NewError("signalbus.List", "signal", core.ErrStoreIO)
	}

	var names []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	var out []Signal
	for _, name := range names {
		sig, err := s.ReadOne(filepath.Join(s.dir, name))
		if err != nil {
			s.logger.Warn("skipping malformed signal", "file", name, "error", err)
			continue
		}
		if sig.Target == target {
			out = append(out, sig)
		}
	}
	return out, nil
}

// PathFor reconstructs the on-disk path of sig from its id, since Write
// always names a signal's file exactly "{id}.json" in the store directory.
func (s *Store) PathFor(sig Signal) string {
	if sig.ID == "" {
		return ""
	}
	return filepath.Join(s.dir, sig.ID+".json")
}

// ReadOne parses the signal at path.
func (s *Store) ReadOne(path string) (Signal, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Signal{}, core.NewError("signalbus.ReadOne", "signal", core.ErrStoreIO)
	}
	var sig Signal
	if err := json.Unmarshal(data, &sig); err != nil {
		return Signal{}, core.NewError("signalbus.ReadOne", "signal", core.ErrMalformedSignal)
	}
	return sig, nil
}

// Consume atomically removes a signal from the active set by renaming it
// into the processed/ subdirectory. A second call on the same path is a
// no-op (spec.md §8, idempotence law).
func (s *Store) Consume(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil
	}

	dest := filepath.Join(s.dir, processedDirName, filepath.Base(path))
	if err := os.Rename(path, dest); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return core.NewError("signalbus.Consume", "signal", core.ErrStoreIO)
	}
	return nil
}

// Wait polls List(target) until it is non-empty or timeout elapses, backed
// by an fsnotify watch on the store directory for low-latency wakeups; the
// poll is kept as a fallback since fsnotify delivery is not guaranteed on
// every filesystem (network mounts, some container overlays).
func (s *Store) Wait(ctx context.Context, target Role, timeout, pollInterval time.Duration) (Signal, error) {
	deadline := time.Now().Add(timeout)

	watcher, werr := fsnotify.NewWatcher()
	if werr == nil {
		defer watcher.Close()
		if err := watcher.Add(s.dir); err != nil {
			s.logger.Warn("fsnotify watch failed, falling back to poll-only wait", "error", err)
		}
	}

	if pollInterval <= 0 {
		pollInterval = core.DefaultPollInterval
	}
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		sigs, err := s.List(target)
		if err != nil {
			return Signal{}, err
		}
		if len(sigs) > 0 {
			return sigs[0], nil
		}
		if time.Now().After(deadline) {
			return Signal{}, core.NewError("signalbus.Wait", "signal", core.ErrWaitTimedOut)
		}

		select {
		case <-ctx.Done():
			return Signal{}, core.NewError("signalbus.Wait", "signal", ctx.Err())
		case <-ticker.C:
			continue
		case _, ok := <-eventsOrNil(watcher):
			if !ok {
				continue
			}
			continue
		case <-time.After(time.Until(deadline)):
			continue
		}
	}
}

// eventsOrNil returns w.Events, or a nil channel (which blocks forever in a
// select) when w is nil — keeps Wait's select simple regardless of whether
// the fsnotify watcher was created successfully.
func eventsOrNil(w *fsnotify.Watcher) chan fsnotify.Event {
	if w == nil {
		return nil
	}
	return w.Events
}
