// Package signals derives per-task and cross-task signals from reflections
// and metrics, persisted in an active/archive JSONL split.
package signals

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"evoagent/internal/logging"
	"evoagent/internal/store"
)

// Signal priorities.
const (
	PriorityCritical = "CRITICAL"
	PriorityHigh     = "HIGH"
	PriorityMedium   = "MEDIUM"
	PriorityLow      = "LOW"
)

// Signal statuses.
const (
	StatusActive  = "active"
	StatusHandled = "handled"
)

// Signal is one observation worth acting on.
type Signal struct {
	SignalID     string   `json:"signal_id"`
	SignalType   string   `json:"signal_type"`
	Priority     string   `json:"priority"`
	Source       string   `json:"source"`
	Description  string   `json:"description"`
	RelatedTasks []string `json:"related_tasks"`
	Timestamp    string   `json:"timestamp"`
	Status       string   `json:"status"`
	Handler      string   `json:"handler,omitempty"`
	HandledAt    string   `json:"handled_at,omitempty"`
}

// NewID returns a fresh signal id.
func NewID() string {
	return "sig_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}

// Filter narrows queries over the active set. Zero values match everything.
type Filter struct {
	Priority   string
	SignalType string
}

// Store persists signals. The mark-handled rewrite of active.jsonl is the
// one mutation that must not interleave, hence the mutex.
type Store struct {
	activePath  string
	archivePath string
	logger      logging.Logger
	mu          sync.Mutex
}

// NewStore creates the store under signalsDir.
func NewStore(signalsDir string, logger logging.Logger) *Store {
	return &Store{
		activePath:  filepath.Join(signalsDir, "active.jsonl"),
		archivePath: filepath.Join(signalsDir, "archive.jsonl"),
		logger:      logging.OrNop(logger),
	}
}

// Add appends one signal to active.jsonl, filling id, timestamp and status
// when absent.
func (s *Store) Add(signal Signal) Signal {
	if signal.SignalID == "" {
		signal.SignalID = NewID()
	}
	if signal.Timestamp == "" {
		signal.Timestamp = store.Now()
	}
	if signal.Status == "" {
		signal.Status = StatusActive
	}
	if err := store.AppendJSONL(s.activePath, signal); err != nil {
		s.logger.Error("signals: append active: %v", err)
	}
	return signal
}

// Active returns matching active signals, newest first.
func (s *Store) Active(filter Filter) []Signal {
	rows, err := store.ReadJSONL[Signal](s.activePath)
	if err != nil {
		s.logger.Error("signals: read active: %v", err)
		return nil
	}
	var out []Signal
	for _, row := range rows {
		if row.Status != "" && row.Status != StatusActive {
			continue
		}
		if filter.Priority != "" && row.Priority != filter.Priority {
			continue
		}
		if filter.SignalType != "" && row.SignalType != filter.SignalType {
			continue
		}
		out = append(out, row)
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Timestamp > out[j].Timestamp })
	return out
}

// MarkHandled moves the given signals from active to archive, stamping
// handler and handled_at. The rewrite is serialized.
func (s *Store) MarkHandled(signalIDs []string, handler string) {
	if len(signalIDs) == 0 {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	target := map[string]bool{}
	for _, id := range signalIDs {
		target[id] = true
	}

	rows, err := store.ReadJSONL[Signal](s.activePath)
	if err != nil {
		s.logger.Error("signals: read active for rewrite: %v", err)
		return
	}
	handledAt := store.Now()
	var keep, handled []Signal
	for _, row := range rows {
		if target[row.SignalID] {
			row.Status = StatusHandled
			row.Handler = handler
			row.HandledAt = handledAt
			handled = append(handled, row)
		} else {
			keep = append(keep, row)
		}
	}

	if err := store.RewriteJSONL(s.activePath, keep); err != nil {
		s.logger.Error("signals: rewrite active: %v", err)
		return
	}
	for _, row := range handled {
		if err := store.AppendJSONL(s.archivePath, row); err != nil {
			s.logger.Error("signals: append archive: %v", err)
		}
	}
}

// CountRecent counts matching active signals within the last N hours.
func (s *Store) CountRecent(filter Filter, hours int) int {
	if hours < 0 {
		hours = 0
	}
	windowStart := time.Now().Add(-time.Duration(hours) * time.Hour)
	count := 0
	for _, row := range s.Active(filter) {
		ts, err := time.ParseInLocation(store.TimeLayout, row.Timestamp, time.Local)
		if err != nil {
			continue
		}
		if !ts.Before(windowStart) {
			count++
		}
	}
	return count
}
