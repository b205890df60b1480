// Package identity implements the Identity Registry (C3): a namespace of
// active agents and their liveness, persisted one JSON file per (role, name).
package identity

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/attractorhq/attractor/core"
	"github.com/attractorhq/attractor/logger"
)

// Status is an identity's lifecycle state.
type Status string

const (
	StatusActive     Status = "active"
	StatusCrashed    Status = "crashed"
	StatusTerminated Status = "terminated"
)

// Record is one agent's identity (spec.md §3).
type Record struct {
	Role          string                 `json:"role"`
	Name          string                 `json:"name"`
	SessionID     string                 `json:"session_id"`
	Worktree      string                 `json:"worktree"`
	AgentID       string                 `json:"agent_id"`
	Status        Status                 `json:"status"`
	CreatedAt     time.Time              `json:"created_at"`
	LastHeartbeat time.Time              `json:"last_heartbeat"`
	CrashedAt     *time.Time             `json:"crashed_at,omitempty"`
	TerminatedAt  *time.Time             `json:"terminated_at,omitempty"`
	PredecessorID string                 `json:"predecessor_id,omitempty"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// Registry is a filesystem-backed directory of Records, one file per
// (role, name) pair, with an optional Redis cache that is written on every
// record change. Reads (Read, ListAll, FindStale) always use the filesystem
// and do not consult the cache.
type Registry struct {
	dir    string
	logger logger.Logger
	clock  core.Clock
	cache  *Cache
}

// Option configures a Registry.
type Option func(*Registry)

// WithLogger attaches a logger, defaulting to logger.NewDefaultLogger(),
// which writes through the standard log package.
func WithLogger(l logger.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// WithClock overrides the registry's clock, for deterministic tests.
func WithClock(c core.Clock) Option {
	return func(r *Registry) { r.clock = c }
}

// WithCache attaches an optional Redis look-aside cache (SPEC_FULL.md §B).
// Filesystem remains the system of record; the registry writes each changed
// record to the cache but never reads from it, so ListAll/FindStale always
// scan the directory.
func WithCache(c *Cache) Option {
	return func(r *Registry) { r.cache = c }
}

// NewRegistry creates a Registry rooted at dir.
func NewRegistry(dir string, opts ...Option) (*Registry, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, core.NewError("identity.NewRegistry", "identity", core.ErrStoreIO)
	}
	r := &Registry{
		dir:    dir,
		logger: logger.NewDefaultLogger(),
		clock:  core.SystemClock{},
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

func (r *Registry) path(role, name string) string {
	return filepath.Join(r.dir, fmt.Sprintf("%s-%s.json", role, name))
}

// Create writes a new identity record atomically. agent_id follows the
// {role}-{name}-{random-suffix} convention (SPEC_FULL.md §C).
func (r *Registry) Create(role, name, sessionID, worktree string, opts ...func(*Record)) (*Record, error) {
	now := r.clock.Now().UTC()
	suffix := strings.ReplaceAll(uuid.New().String(), "-", "")[:8]

	rec := &Record{
		Role:          role,
		Name:          name,
		SessionID:     sessionID,
		Worktree:      worktree,
		AgentID:       fmt.Sprintf("%s-%s-%s", role, name, suffix),
		Status:        StatusActive,
		CreatedAt:     now,
		LastHeartbeat: now,
	}
	for _, opt := range opts {
		opt(rec)
	}

	if err := r.write(rec); err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Put(rec.AgentID, rec.LastHeartbeat)
	}
	return rec, nil
}

// WithPredecessor sets PredecessorID, for respawn lineage tracking.
func WithPredecessor(predecessorID string) func(*Record) {
	return func(r *Record) { r.PredecessorID = predecessorID }
}

// WithMetadata sets Metadata.
func WithMetadata(md map[string]interface{}) func(*Record) {
	return func(r *Record) { r.Metadata = md }
}

func (r *Registry) write(rec *Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return core.NewError("identity.write", "identity", core.ErrStoreIO)
	}

	final := r.path(rec.Role, rec.Name)
	tmp, err := os.CreateTemp(r.dir, ".tmp-identity-*")
	if err != nil {
		return core.NewError("identity.write", "identity", core.ErrStoreIO)
	}
	tmpPath := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return core.NewError("identity.write", "identity", core.ErrStoreIO)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return core.NewError("identity.write", "identity", core.ErrStoreIO)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return core.NewError("identity.write", "identity", core.ErrStoreIO)
	}
	if err := os.Rename(tmpPath, final); err != nil {
		os.Remove(tmpPath)
		return core.NewError("identity.write", "identity", core.ErrStoreIO)
	}
	return nil
}

// Read parses the identity record for (role, name).
func (r *Registry) Read(role, name string) (*Record, error) {
	data, err := os.ReadFile(r.path(role, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, core.NewError("identity.Read", "identity", core.ErrIdentityNotFound)
		}
		return nil, core.NewError("identity.Read", "identity", core.ErrStoreIO)
	}
	var rec Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, core.NewError("identity.Read", "identity", core.ErrMalformedSignal)
	}
	return &rec, nil
}

// Heartbeat updates last_heartbeat to now.
func (r *Registry) Heartbeat(role, name string) error {
	rec, err := r.Read(role, name)
	if err != nil {
		return err
	}
	rec.LastHeartbeat = r.clock.Now().UTC()
	if err := r.write(rec); err != nil {
		return err
	}
	if r.cache != nil {
		r.cache.Put(rec.AgentID, rec.LastHeartbeat)
	}
	return nil
}

// MarkCrashed sets the record's terminal crashed status.
func (r *Registry) MarkCrashed(role, name string) error {
	rec, err := r.Read(role, name)
	if err != nil {
		return err
	}
	now := r.clock.Now().UTC()
	rec.Status = StatusCrashed
	rec.CrashedAt = &now
	if err := r.write(rec); err != nil {
		return err
	}
	if r.cache != nil {
		r.cache.Remove(rec.AgentID)
	}
	return nil
}

// MarkTerminated sets the record's terminal terminated status.
func (r *Registry) MarkTerminated(role, name string) error {
	rec, err := r.Read(role, name)
	if err != nil {
		return err
	}
	now := r.clock.Now().UTC()
	rec.Status = StatusTerminated
	rec.TerminatedAt = &now
	if err := r.write(rec); err != nil {
		return err
	}
	if r.cache != nil {
		r.cache.Remove(rec.AgentID)
	}
	return nil
}

// ListAll scans the directory and parses every record, skipping malformed
// files (spec.md §5, "readers tolerate missing or malformed files").
func (r *Registry) ListAll() ([]*Record, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return nil, core.NewError("identity.ListAll", "identity", core.ErrStoreIO)
	}

	var out []*Record
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(r.dir, e.Name()))
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			r.logger.Warn("skipping malformed identity record", "file", e.Name())
			continue
		}
		out = append(out, &rec)
	}
	return out, nil
}

// FindStale returns every active record whose last_heartbeat is older than
// timeoutSeconds.
func (r *Registry) FindStale(timeoutSeconds int) ([]*Record, error) {
	all, err := r.ListAll()
	if err != nil {
		return nil, err
	}

	cutoff := r.clock.Now().UTC().Add(-time.Duration(timeoutSeconds) * time.Second)
	var stale []*Record
	for _, rec := range all {
		if rec.Status == StatusActive && rec.LastHeartbeat.Before(cutoff) {
			stale = append(stale, rec)
		}
	}
	return stale, nil
}
