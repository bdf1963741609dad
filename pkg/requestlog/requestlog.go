// Package requestlog records the lineage of every outbound harvest request:
// which run issued it (ppid), which attempt it was (pid), the exact URL and
// parameters, and the classified outcome. The log is the single source of
// truth for partial-failure reporting and for the identifiers injected into
// merged features.
package requestlog

import (
	"errors"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Errors reported by Finalize via StateError.
var (
	// ErrUnknownEntry indicates a finalize call for a pid never created.
	ErrUnknownEntry = errors.New("unknown log entry")

	// ErrAlreadyFinalized indicates a second finalize call for the same pid.
	ErrAlreadyFinalized = errors.New("entry already finalized")
)

// StateError is a log contract violation. It signals a bug in the caller,
// not a normal harvest outcome.
type StateError struct {
	PID string
	Err error
}

func (e *StateError) Error() string {
	return fmt.Sprintf("request log state error for pid %s: %v", e.PID, e.Err)
}

func (e *StateError) Unwrap() error {
	return e.Err
}

var entriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
	Name: "grale_log_entries_total",
	Help: "Total request log entries finalized by status",
}, []string{"status"})

// Log is a concurrency-safe request lineage log. Workers call Create and
// Finalize directly without any external locking.
type Log struct {
	mu      sync.Mutex
	entries map[string]*Entry
	order   []string
}

// New creates an empty Log.
func New() *Log {
	return &Log{
		entries: make(map[string]*Entry),
	}
}

var defaultLog = New()

// Default returns the process-wide log instance. Callers that want isolation
// between harvests pass their own Log instead.
func Default() *Log {
	return defaultLog
}

// Create inserts a new in-flight entry under ppid and returns its pid.
func (l *Log) Create(ppid string, params url.Values, request string) (string, error) {
	if ppid == "" {
		return "", fmt.Errorf("ppid is required")
	}

	pid := uuid.NewString()
	entry := &Entry{
		PPID:         ppid,
		PID:          pid,
		UTCTimestamp: time.Now().UTC().Truncate(time.Second),
		Request:      request,
		Parameters:   params,
	}

	l.mu.Lock()
	l.entries[pid] = entry
	l.order = append(l.order, pid)
	l.mu.Unlock()

	return pid, nil
}

// Finalize completes the entry for pid exactly once.
func (l *Log) Finalize(pid, status string, results []string, elapsed time.Duration, size int) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[pid]
	if !ok {
		return &StateError{PID: pid, Err: ErrUnknownEntry}
	}
	if entry.finalized {
		return &StateError{PID: pid, Err: ErrAlreadyFinalized}
	}

	entry.Status = status
	entry.Results = results
	entry.Elapsed = elapsed
	entry.Size = size
	entry.finalized = true

	entriesTotal.WithLabelValues(status).Inc()
	return nil
}

// Get returns a copy of the entry for pid.
func (l *Log) Get(pid string) (Entry, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	entry, ok := l.entries[pid]
	if !ok {
		return Entry{}, false
	}
	return *entry, true
}

// Snapshot returns copies of all entries in insertion order, finalized and
// in-flight alike, consistent as of call time.
func (l *Log) Snapshot() []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make([]Entry, 0, len(l.order))
	for _, pid := range l.order {
		out = append(out, *l.entries[pid])
	}
	return out
}

// SnapshotPPID returns copies of the entries created under ppid, in
// insertion order.
func (l *Log) SnapshotPPID(ppid string) []Entry {
	l.mu.Lock()
	defer l.mu.Unlock()

	var out []Entry
	for _, pid := range l.order {
		if e := l.entries[pid]; e.PPID == ppid {
			out = append(out, *e)
		}
	}
	return out
}

// Len returns the number of entries in the log.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.order)
}
