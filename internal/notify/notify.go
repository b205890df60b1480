// Package notify implements the Notification Dispatcher (C11): proactive
// outbound notifications with deduplication and quiet-hours, broadcast
// through the Channel Bridge (C9).
package notify

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/attractorhq/attractor/core"
	"github.com/attractorhq/attractor/internal/channelbridge"
	"github.com/attractorhq/attractor/internal/signalbus"
	"github.com/attractorhq/attractor/logger"
)

// DedupWindow is the default window within which a repeated dedup_key is
// skipped (spec.md §4.11).
const DedupWindow = 300 * time.Second

const (
	defaultQuietStart = "22:00"
	defaultQuietEnd   = "07:00"
)

// Status is a notification's dispatch outcome.
type Status string

const (
	StatusSent              Status = "sent"
	StatusSkippedDedup      Status = "skipped_dedup"
	StatusSkippedQuietHours Status = "skipped_quiet_hours"
	StatusError             Status = "error"
)

// LogEntry is one persisted dispatch record.
type LogEntry struct {
	Timestamp time.Time `json:"timestamp"`
	EventType string    `json:"event_type"`
	Space     string    `json:"space"`
	Thread    string    `json:"thread"`
	DedupKey  string    `json:"dedup_key"`
	Status    Status    `json:"status"`
	Error     string    `json:"error,omitempty"`
}

// dispatchLog is the on-disk shape of the notification log file.
type dispatchLog struct {
	Entries            []LogEntry `json:"entries"`
	Version            int        `json:"version"`
	TotalSent          int        `json:"total_sent"`
	TotalSkippedDedup  int        `json:"total_skipped_dedup"`
	TotalSkippedQuiet  int        `json:"total_skipped_quiet_hours"`
	TotalErrors        int        `json:"total_errors"`
}

// Stats summarizes the dispatcher's activity, mirroring get_stats().
type Stats struct {
	TotalEntries      int
	TotalSent         int
	TotalSkippedDedup int
	TotalSkippedQuiet int
	TotalErrors       int
	QuietStart        string
	QuietEnd          string
	CurrentlyQuiet    bool
	DedupWindow       time.Duration
	LogPath           string
}

// Dispatcher persists its log at logPath and broadcasts via a Bridge.
type Dispatcher struct {
	logPath    string
	quietStart string
	quietEnd   string
	bridge     *channelbridge.Bridge
	logger     logger.Logger
	clock      core.Clock
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithQuietHours overrides the default 22:00-07:00 local-time quiet window.
// Both values must be "HH:MM".
func WithQuietHours(start, end string) Option {
	return func(d *Dispatcher) { d.quietStart = start; d.quietEnd = end }
}

// WithLogger attaches a logger, defaulting to logger.NewDefaultLogger(),
// which writes through the standard log package.
func WithLogger(l logger.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithClock overrides the dispatcher's clock, for deterministic tests.
func WithClock(c core.Clock) Option {
	return func(d *Dispatcher) { d.clock = c }
}

// New builds a Dispatcher writing its log to logPath and broadcasting
// through bridge.
func New(logPath string, bridge *channelbridge.Bridge, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		logPath:    logPath,
		quietStart: defaultQuietStart,
		quietEnd:   defaultQuietEnd,
		bridge:     bridge,
		logger:     logger.NewDefaultLogger(),
		clock:      core.SystemClock{},
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

func (d *Dispatcher) loadLog() (*dispatchLog, error) {
	data, err := os.ReadFile(d.logPath)
	if err != nil {
		if os.IsNotExist(err) {
			return &dispatchLog{Version: 1}, nil
		}
		return nil, core.NewError("notify.loadLog", "notify", core.ErrStoreIO)
	}
	var log dispatchLog
	if err := json.Unmarshal(data, &log); err != nil {
		d.logger.Warn("notify: malformed log, starting fresh", "path", d.logPath, "error", err)
		return &dispatchLog{Version: 1}, nil
	}
	return &log, nil
}

func (d *Dispatcher) saveLog(log *dispatchLog) error {
	if err := os.MkdirAll(filepath.Dir(d.logPath), 0o755); err != nil {
		return core.NewError("notify.saveLog", "notify", core.ErrStoreIO)
	}
	data, err := json.MarshalIndent(log, "", "  ")
	if err != nil {
		return core.NewError("notify.saveLog", "notify", core.ErrMalformedSignal)
	}
	tmp := d.logPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return core.NewError("notify.saveLog", "notify", core.ErrStoreIO)
	}
	if err := os.Rename(tmp, d.logPath); err != nil {
		os.Remove(tmp)
		return core.NewError("notify.saveLog", "notify", core.ErrStoreIO)
	}
	return nil
}

// CoreFields is the per-event-type subset of event_data used to compute a
// dedup key (spec.md §4.11 step 1).
func CoreFields(eventType string, eventData map[string]interface{}) map[string]interface{} {
	get := func(k string) interface{} {
		if v, ok := eventData[k]; ok {
			return v
		}
		return ""
	}

	switch eventType {
	case "heartbeat_finding":
		return map[string]interface{}{"finding_type": get("finding_type"), "summary": get("summary")}
	case "task_completion":
		return map[string]interface{}{"task_title": get("task_title"), "status": get("status")}
	case "blocked_alert":
		return map[string]interface{}{"task_title": get("task_title"), "blocker_description": get("blocker_description")}
	case "morning_briefing", "eod_summary":
		return map[string]interface{}{"date": get("date")}
	case "orchestrator_status":
		return map[string]interface{}{"orchestrator_name": get("orchestrator_name"), "status": get("status")}
	default:
		return eventData
	}
}

// ComputeDedupKey hashes CoreFields(eventType, eventData) over sorted JSON
// keys, matching spec.md §4.11 step 1.
func ComputeDedupKey(eventType string, eventData map[string]interface{}) (string, error) {
	core := CoreFields(eventType, eventData)
	canonical, err := canonicalJSON(core)
	if err != nil {
		return "", err
	}
	sum := md5.Sum([]byte(canonical))
	return fmt.Sprintf("%s:%s", eventType, hex.EncodeToString(sum[:])[:16]), nil
}

func canonicalJSON(m map[string]interface{}) (string, error) {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make([]byte, 0, 128)
	ordered = append(ordered, '{')
	for i, k := range keys {
		if i > 0 {
			ordered = append(ordered, ',')
		}
		keyJSON, err := json.Marshal(k)
		if err != nil {
			return "", err
		}
		valJSON, err := json.Marshal(m[k])
		if err != nil {
			return "", err
		}
		ordered = append(ordered, keyJSON...)
		ordered = append(ordered, ':')
		ordered = append(ordered, valJSON...)
	}
	ordered = append(ordered, '}')
	return string(ordered), nil
}

// shouldSend runs the dedup and quiet-hours checks (spec.md §4.11 steps
// 2-3), returning the skip status when the notification must not go out.
func (d *Dispatcher) shouldSend(log *dispatchLog, dedupKey string) (bool, Status) {
	now := d.clock.Now()
	cutoff := now.Add(-DedupWindow)

	for i := len(log.Entries) - 1; i >= 0; i-- {
		e := log.Entries[i]
		if e.Timestamp.Before(cutoff) {
			break
		}
		if e.DedupKey == dedupKey && e.Status == StatusSent {
			return false, StatusSkippedDedup
		}
	}

	if d.isQuietHours(now) {
		return false, StatusSkippedQuietHours
	}

	return true, ""
}

// isQuietHours implements the overnight-wraparound comparison from spec.md
// §4.11 step 3.
func (d *Dispatcher) isQuietHours(now time.Time) bool {
	start, errA := time.Parse("15:04", d.quietStart)
	end, errB := time.Parse("15:04", d.quietEnd)
	if errA != nil || errB != nil {
		d.logger.Warn("notify: invalid quiet hours, treating as never-quiet", "start", d.quietStart, "end", d.quietEnd)
		return false
	}

	local := now.Local()
	current := local.Hour()*60 + local.Minute()
	startMin := start.Hour()*60 + start.Minute()
	endMin := end.Hour()*60 + end.Minute()

	if startMin <= endMin {
		return current >= startMin && current <= endMin
	}
	return current >= startMin || current <= endMin
}

// formatterTable is the closed event_type → broadcast payload builder mapping
// (spec.md §4.11 step 4, grounded on map_event_to_formatter); the signal type
// for each event comes from eventTypeToSignal.
var formatterTable = map[string]func(map[string]interface{}) map[string]interface{}{
	"heartbeat_finding": func(d map[string]interface{}) map[string]interface{} {
		return withDefaults(d, map[string]interface{}{"action_needed": true, "thread_key": "heartbeat"})
	},
	"task_completion": func(d map[string]interface{}) map[string]interface{} {
		return withDefaults(d, map[string]interface{}{"status": "completed", "thread_key": "tasks"})
	},
	"blocked_alert": func(d map[string]interface{}) map[string]interface{} {
		return withDefaults(d, map[string]interface{}{"urgency": "medium", "thread_key": "alerts"})
	},
	"morning_briefing": func(d map[string]interface{}) map[string]interface{} {
		return withDefaults(d, map[string]interface{}{"briefing_type": "morning", "thread_key": "briefings"})
	},
	"eod_summary": func(d map[string]interface{}) map[string]interface{} {
		return withDefaults(d, map[string]interface{}{"briefing_type": "eod", "thread_key": "briefings"})
	},
	"orchestrator_status": func(d map[string]interface{}) map[string]interface{} {
		return withDefaults(d, map[string]interface{}{"status": "running", "thread_key": "progress"})
	},
}

func withDefaults(data map[string]interface{}, defaults map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(data)+len(defaults))
	for k, v := range defaults {
		out[k] = v
	}
	for k, v := range data {
		out[k] = v
	}
	return out
}

// Dispatch runs the full decision chain for one event and logs the outcome
// (spec.md §4.11). space/thread identify the broadcast target for logging.
func (d *Dispatcher) Dispatch(ctx context.Context, eventType string, eventData map[string]interface{}, space, thread string) (Status, error) {
	formatter, ok := formatterTable[eventType]
	if !ok {
		return StatusError, core.NewError("notify.Dispatch", "notify", core.ErrUnknownEventType)
	}

	dedupKey, err := ComputeDedupKey(eventType, eventData)
	if err != nil {
		return StatusError, err
	}

	log, err := d.loadLog()
	if err != nil {
		return StatusError, err
	}

	send, skipStatus := d.shouldSend(log, dedupKey)
	if !send {
		d.appendAndSave(log, eventType, dedupKey, space, thread, skipStatus, "")
		return skipStatus, nil
	}

	payload := formatter(eventData)
	results := d.bridge.Broadcast(ctx, signalbus.Type(eventTypeToSignal(eventType)), payload, nil)

	status := StatusSent
	errMsg := ""
	for _, r := range results {
		if !r.Sent {
			status = StatusError
			errMsg = r.Error
			break
		}
	}

	d.appendAndSave(log, eventType, dedupKey, space, thread, status, errMsg)
	return status, nil
}

func (d *Dispatcher) appendAndSave(log *dispatchLog, eventType, dedupKey, space, thread string, status Status, errMsg string) {
	entry := LogEntry{
		Timestamp: d.clock.Now(),
		EventType: eventType,
		Space:     space,
		Thread:    thread,
		DedupKey:  dedupKey,
		Status:    status,
		Error:     errMsg,
	}
	log.Entries = append(log.Entries, entry)

	switch status {
	case StatusSent:
		log.TotalSent++
	case StatusSkippedDedup:
		log.TotalSkippedDedup++
	case StatusSkippedQuietHours:
		log.TotalSkippedQuiet++
	case StatusError:
		log.TotalErrors++
	}

	if err := d.saveLog(log); err != nil {
		d.logger.Error("notify: failed to persist log", "error", err)
	}
}

// eventTypeToSignal maps a notification event_type onto the closed
// signal_type vocabulary the Channel Bridge already knows how to format.
func eventTypeToSignal(eventType string) string {
	switch eventType {
	case "blocked_alert":
		return string(signalbus.TypeAwaitingApproval)
	default:
		return string(signalbus.TypeRunnerHeartbeat)
	}
}

// History returns the most recent entries, optionally filtered by space,
// newest first.
func (d *Dispatcher) History(space string, limit int) ([]LogEntry, error) {
	log, err := d.loadLog()
	if err != nil {
		return nil, err
	}

	var filtered []LogEntry
	for _, e := range log.Entries {
		if space == "" || e.Space == space {
			filtered = append(filtered, e)
		}
	}

	if limit > 0 && len(filtered) > limit {
		filtered = filtered[len(filtered)-limit:]
	}

	out := make([]LogEntry, len(filtered))
	for i, e := range filtered {
		out[len(filtered)-1-i] = e
	}
	return out, nil
}

// GetStats reports dispatcher activity, mirroring get_stats().
func (d *Dispatcher) GetStats() (Stats, error) {
	log, err := d.loadLog()
	if err != nil {
		return Stats{}, err
	}
	return Stats{
		TotalEntries:      len(log.Entries),
		TotalSent:         log.TotalSent,
		TotalSkippedDedup: log.TotalSkippedDedup,
		TotalSkippedQuiet: log.TotalSkippedQuiet,
		TotalErrors:       log.TotalErrors,
		QuietStart:        d.quietStart,
		QuietEnd:          d.quietEnd,
		CurrentlyQuiet:    d.isQuietHours(d.clock.Now()),
		DedupWindow:       DedupWindow,
		LogPath:           d.logPath,
	}, nil
}
