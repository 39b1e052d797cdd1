// Package runs implements the optional run-lifecycle bookkeeping of
// spec.md §4.7: RUN_STARTED/FINISHED/CANCEL/ERROR tracking, active-run
// limits, and RUN_NOT_FOUND/RUN_LIMIT_EXCEEDED detection. Grounded on the
// teacher's task-store status-tracking shape (internal/transaction, in
// turn grounded on runtime/a2a/task_store.go), generalized from tasks to
// runs with no replay window of their own.
package runs

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haiprotocol/haip/internal/metrics"
)

// Status is a run's lifecycle state.
type Status string

const (
	StatusActive    Status = "active"
	StatusFinished  Status = "finished"
	StatusCancelled Status = "cancelled"
	StatusError     Status = "error"
)

// Errors surfaced to the dispatcher as wire error codes.
var (
	ErrNotFound      = errors.New("runs: run not found")
	ErrLimitExceeded = errors.New("runs: max_concurrent_runs exceeded")
)

// Run is one RUN_STARTED..RUN_FINISHED|RUN_CANCEL|RUN_ERROR scope.
type Run struct {
	ID      string
	Status  Status
	StartTS time.Time
	EndTS   time.Time
	Summary string
	Err     string
}

// Table tracks a single session's runs and enforces max_concurrent_runs.
type Table struct {
	mu     sync.Mutex
	runs   map[string]*Run
	active map[string]bool
	max    int
}

// NewTable creates an empty run table. maxConcurrent <= 0 means unlimited.
func NewTable(maxConcurrent int) *Table {
	return &Table{runs: make(map[string]*Run), active: make(map[string]bool), max: maxConcurrent}
}

// Start allocates or adopts runID as active. Returns ErrLimitExceeded if
// the session is already at max_concurrent_runs.
func (t *Table) Start(runID string) (*Run, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.max > 0 && len(t.active) >= t.max {
		if !t.active[runID] {
			return nil, ErrLimitExceeded
		}
	}

	r, ok := t.runs[runID]
	if !ok {
		r = &Run{ID: runID}
		t.runs[runID] = r
	}
	r.Status = StatusActive
	r.StartTS = time.Now().UTC()
	if !t.active[runID] {
		metrics.RunsActive.Inc()
	}
	t.active[runID] = true
	return r, nil
}

func (t *Table) finish(runID string, status Status, summary, errMsg string) (*Run, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, ok := t.runs[runID]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNotFound, runID)
	}
	r.Status = status
	r.EndTS = time.Now().UTC()
	r.Summary = summary
	r.Err = errMsg
	if t.active[runID] {
		metrics.RunsActive.Dec()
	}
	delete(t.active, runID)
	return r, nil
}

// Finish marks a run finished with an optional summary.
func (t *Table) Finish(runID, summary string) (*Run, error) {
	return t.finish(runID, StatusFinished, summary, "")
}

// Cancel marks a run cancelled.
func (t *Table) Cancel(runID string) (*Run, error) {
	return t.finish(runID, StatusCancelled, "", "")
}

// Error marks a run errored with the given message.
func (t *Table) Error(runID, errMsg string) (*Run, error) {
	return t.finish(runID, StatusError, "", errMsg)
}

// Get looks up a run by id.
func (t *Table) Get(runID string) (*Run, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	r, ok := t.runs[runID]
	return r, ok
}

// ActiveCount returns the number of currently active runs.
func (t *Table) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.active)
}

// ActiveIDs returns the ids of all active runs, for session teardown
// (emitting RUN_ERROR/RUN_CANCEL on session close is the caller's job).
func (t *Table) ActiveIDs() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.active))
	for id := range t.active {
		out = append(out, id)
	}
	return out
}
