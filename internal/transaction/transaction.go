// Package transaction implements the per-session transaction registry:
// lifecycle (pending/started/closed), tool binding, and the exclusive
// replay window each transaction owns. Grounded on the task-store
// interface-plus-in-memory-impl shape and explicit state-transition table
// from the teacher's a2a package (TaskStore/InMemoryTaskStore), generalized
// from task records to HAIP transactions.
package transaction

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haiprotocol/haip/internal/protocol"
	"github.com/haiprotocol/haip/internal/replay"
	ctxerrors "github.com/haiprotocol/haip/pkg/errors"
)

// Status is a transaction's lifecycle state (spec.md §3).
type Status string

const (
	StatusPending Status = "pending"
	StatusStarted Status = "started"
	StatusClosed  Status = "closed"
)

// Store errors.
var (
	ErrNotFound          = errors.New("transaction: not found")
	ErrAlreadyExists     = errors.New("transaction: already exists")
	ErrInvalidTransition = errors.New("transaction: invalid state transition")
	ErrTerminal          = errors.New("transaction: already closed")
)

var validTransitions = map[Status]map[Status]bool{
	StatusPending: {StatusStarted: true, StatusClosed: true},
	StatusStarted: {StatusClosed: true},
}

// Transaction is a single TRANSACTION_START..TRANSACTION_END scope: it binds
// a tool invocation (if any) and owns the replay window for everything
// exchanged under it (spec.md §3: "A transaction is the exclusive owner of
// ... its replay window").
type Transaction struct {
	ID          string
	SessionID   string
	ToolName    string
	ToolParams  map[string]any
	ReferenceID string

	mu        sync.Mutex
	status    Status
	startedAt time.Time
	closedAt  time.Time
}

// Status returns the transaction's current lifecycle state.
func (t *Transaction) Status() Status {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.status
}

func (t *Transaction) transition(to Status) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.status == StatusClosed {
		cause := fmt.Errorf("%w: transaction %q", ErrTerminal, t.ID)
		return ctxerrors.New("transaction", "transition", cause).WithDetails(map[string]any{"id": t.ID, "to": to})
	}
	allowed, ok := validTransitions[t.status]
	if !ok || !allowed[to] {
		cause := fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, t.status, to)
		return ctxerrors.New("transaction", "transition", cause).WithDetails(map[string]any{"id": t.ID, "from": t.status, "to": to})
	}
	t.status = to
	switch to {
	case StatusStarted:
		t.startedAt = time.Now().UTC()
	case StatusClosed:
		t.closedAt = time.Now().UTC()
	}
	return nil
}

// Registry is a session's table of transactions plus their replay storage.
// A session owns exactly one Registry; a Registry's Transactions are never
// shared across sessions (spec.md §3).
type Registry struct {
	mu           sync.RWMutex
	transactions map[string]*Transaction
	replayStore  replay.Store
}

// NewRegistry creates an empty transaction registry backed by store (pass a
// *replay.MemoryStore for the default in-process buffer, or a
// *replay.RedisStore for externalized storage).
func NewRegistry(store replay.Store) *Registry {
	return &Registry{transactions: make(map[string]*Transaction), replayStore: store}
}

// Start registers a new transaction in the pending state, bound to an
// optional tool invocation. The caller transitions it to started once the
// bound tool (if any) begins executing.
func (r *Registry) Start(id, sessionID, toolName string, toolParams map[string]any, referenceID string) (*Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.transactions[id]; exists {
		return nil, ctxerrors.New("transaction", "Start", fmt.Errorf("%w: %q", ErrAlreadyExists, id))
	}
	txn := &Transaction{
		ID:          id,
		SessionID:   sessionID,
		ToolName:    toolName,
		ToolParams:  toolParams,
		ReferenceID: referenceID,
		status:      StatusPending,
	}
	r.transactions[id] = txn
	return txn, nil
}

// Get looks up a transaction by id.
func (r *Registry) Get(id string) (*Transaction, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	txn, ok := r.transactions[id]
	if !ok {
		return nil, ctxerrors.New("transaction", "Get", fmt.Errorf("%w: %q", ErrNotFound, id))
	}
	return txn, nil
}

// MarkStarted transitions a transaction from pending to started, e.g. once
// its bound tool handler begins executing.
func (r *Registry) MarkStarted(id string) error {
	txn, err := r.Get(id)
	if err != nil {
		return err
	}
	return txn.transition(StatusStarted)
}

// Close transitions a transaction to closed and drops its replay window
// (TRANSACTION_END). Closing an already-closed transaction is an error.
func (r *Registry) Close(ctx context.Context, id string) error {
	txn, err := r.Get(id)
	if err != nil {
		return err
	}
	if err := txn.transition(StatusClosed); err != nil {
		return err
	}
	if dropper, ok := r.replayStore.(interface{ Drop(string) }); ok {
		dropper.Drop(id)
	}
	_ = ctx
	return nil
}

// RecordDelivery inserts an accepted envelope into a transaction's replay
// window. Call this after the envelope is durably queued for delivery so
// REPLAY_REQUEST can reproduce exactly what was sent.
func (r *Registry) RecordDelivery(ctx context.Context, id string, e *protocol.Envelope) error {
	return r.replayStore.Insert(ctx, id, e)
}

// Replay returns the envelopes in [fromSeq, toSeq] (toSeq nil means
// unbounded) previously recorded for transaction id, or replay.ErrTooOld if
// fromSeq predates what is still retained.
func (r *Registry) Replay(ctx context.Context, id string, fromSeq uint64, toSeq *uint64) ([]*protocol.Envelope, error) {
	return r.replayStore.Range(ctx, id, fromSeq, toSeq)
}

// List returns every transaction currently tracked, for diagnostics and
// session teardown (closing all open transactions).
func (r *Registry) List() []*Transaction {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Transaction, 0, len(r.transactions))
	for _, t := range r.transactions {
		out = append(out, t)
	}
	return out
}

// Remove deletes a transaction from the registry entirely, regardless of
// its status. Used for terminal cleanup once a TRANSACTION_END has been
// acknowledged and nothing will query the transaction again.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.transactions, id)
}
