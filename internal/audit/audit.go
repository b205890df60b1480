// Package audit implements the Chained Audit Writer (C2): an append-only,
// tamper-evident JSONL log of state transitions.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/attractorhq/attractor/core"
	"github.com/attractorhq/attractor/logger"
)

// Entry is one line of the audit log (spec.md §3).
type Entry struct {
	Timestamp   time.Time `json:"timestamp"`
	NodeID      string    `json:"node_id"`
	FromStatus  string    `json:"from_status"`
	ToStatus    string    `json:"to_status"`
	AgentID     string    `json:"agent_id"`
	PayloadHash string    `json:"payload_hash"`
	PrevHash    string    `json:"prev_hash"`
	EntryHash   string    `json:"entry_hash"`
}

// hashableFields mirrors Entry without EntryHash, in a fixed field order —
// this is the "canonical JSON" the entry hash is computed over. Since the
// schema never changes shape, a fixed struct field order is as canonical as
// a sorted-keys encoder for this purpose, and cheaper.
type hashableFields struct {
	Timestamp   time.Time `json:"timestamp"`
	NodeID      string    `json:"node_id"`
	FromStatus  string    `json:"from_status"`
	ToStatus    string    `json:"to_status"`
	AgentID     string    `json:"agent_id"`
	PayloadHash string    `json:"payload_hash"`
	PrevHash    string    `json:"prev_hash"`
}

func (e Entry) canonicalHashInput() ([]byte, error) {
	return json.Marshal(hashableFields{
		Timestamp:   e.Timestamp,
		NodeID:      e.NodeID,
		FromStatus:  e.FromStatus,
		ToStatus:    e.ToStatus,
		AgentID:     e.AgentID,
		PayloadHash: e.PayloadHash,
		PrevHash:    e.PrevHash,
	})
}

func computeHash(e Entry) (string, error) {
	data, err := e.canonicalHashInput()
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Writer appends Entry records to a single JSONL file, maintaining the hash
// chain as it goes.
type Writer struct {
	path   string
	logger logger.Logger
}

// Option configures a Writer.
type Option func(*Writer)

// WithLogger attaches a logger, defaulting to logger.NewDefaultLogger(),
// which writes through the standard log package.
func WithLogger(l logger.Logger) Option {
	return func(w *Writer) { w.logger = l }
}

// NewWriter opens (creating if necessary) the audit log at path.
func NewWriter(path string, opts ...Option) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, core.NewError("audit.NewWriter", "audit", core.ErrAuditIO)
	}
	f.Close()

	w := &Writer{path: path, logger: logger.NewDefaultLogger()}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Append computes entry.PrevHash from the last line on disk (or "" if the
// log is empty), computes entry.EntryHash, appends one JSON line, and
// fsyncs.
func (w *Writer) Append(entry Entry) (Entry, error) {
	entries, err := w.readAll()
	if err != nil {
		return Entry{}, err
	}

	if len(entries) == 0 {
		entry.PrevHash = ""
	} else {
		entry.PrevHash = entries[len(entries)-1].EntryHash
	}

	hash, err := computeHash(entry)
	if err != nil {
		return Entry{}, core.NewError("audit.Append", "audit", core.ErrAuditIO)
	}
	entry.EntryHash = hash

	line, err := json.Marshal(entry)
	if err != nil {
		return Entry{}, core.NewError("audit.Append", "audit", core.ErrAuditIO)
	}

	f, err := os.OpenFile(w.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return Entry{}, core.NewError("audit.Append", "audit", core.ErrAuditIO)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return Entry{}, core.NewError("audit.Append", "audit", core.ErrAuditIO)
	}
	if err := f.Sync(); err != nil {
		return Entry{}, core.NewError("audit.Append", "audit", core.ErrAuditIO)
	}

	w.logger.Debug("audit entry appended", "node_id", entry.NodeID, "to_status", entry.ToStatus)
	return entry, nil
}

// readAll reads every parseable entry in file order, skipping malformed
// lines (spec.md §7: "malformed input" → skip the line).
func (w *Writer) readAll() ([]Entry, error) {
	f, err := os.Open(w.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, core.NewError("audit.readAll", "audit", core.ErrAuditIO)
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 10*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(line, &e); err != nil {
			w.logger.Warn("skipping malformed audit line", "error", err)
			continue
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, core.NewError("audit.readAll", "audit", core.ErrAuditIO)
	}
	return entries, nil
}

// VerifyChain reads the log line by line and confirms the hash chain is
// unbroken: the first entry has an empty PrevHash, and every subsequent
// entry's PrevHash equals the previous entry's EntryHash, recomputed from
// its own fields (not merely copied), to catch tampering of any field.
func (w *Writer) VerifyChain() (bool, string, error) {
	entries, err := w.readAll()
	if err != nil {
		return false, "", err
	}
	if len(entries) == 0 {
		return true, "", nil
	}

	if entries[0].PrevHash != "" {
		return false, "entry 1: expected empty prev_hash", nil
	}

	prevHash := ""
	for i, e := range entries {
		recomputed, err := computeHash(e)
		if err != nil {
			return false, fmt.Sprintf("entry %d: failed to hash", i+1), nil
		}
		if recomputed != e.EntryHash {
			return false, fmt.Sprintf("entry %d: entry_hash mismatch (tampered)", i+1), nil
		}
		if e.PrevHash != prevHash {
			return false, fmt.Sprintf("entry %d: prev_hash mismatch with entry %d", i+1, i), nil
		}
		prevHash = e.EntryHash
	}
	return true, "", nil
}

// Count returns the number of well-formed entries in the log.
func (w *Writer) Count() (int, error) {
	entries, err := w.readAll()
	if err != nil {
		return 0, err
	}
	return len(entries), nil
}

// Tail returns the last n entries, oldest first.
func (w *Writer) Tail(n int) ([]Entry, error) {
	entries, err := w.readAll()
	if err != nil {
		return nil, err
	}
	if n <= 0 || n >= len(entries) {
		return entries, nil
	}
	return entries[len(entries)-n:], nil
}
