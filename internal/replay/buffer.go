// Package replay implements the per-transaction replay window: a bounded,
// seq-ordered FIFO of delivered envelopes, evicted by age or count, served
// on REPLAY_REQUEST. Grounded on the task-store interface-plus-in-memory-impl
// shape from the teacher's runtime/a2a package, generalized from task
// records to envelope history.
package replay

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/haiprotocol/haip/internal/metrics"
	"github.com/haiprotocol/haip/internal/protocol"
)

// ErrTooOld is returned when the earliest surviving seq exceeds the
// requested from_seq — the requested range has already been evicted.
var ErrTooOld = errors.New("replay: requested range no longer retained")

// Defaults per spec.md §3.
const (
	DefaultWindowTime = 5 * time.Minute
	DefaultWindowSize = 1000
)

type entry struct {
	seq uint64
	ts  time.Time
	env *protocol.Envelope
}

// Buffer is a single transaction's replay window. A transaction is the
// exclusive owner of its Buffer (spec.md §3).
type Buffer struct {
	mu         sync.Mutex
	windowTime time.Duration
	windowSize int
	entries    []entry // kept sorted by seq ascending
	now        func() time.Time
}

// New creates a Buffer with the given eviction thresholds. A zero value for
// either uses the spec default.
func New(windowTime time.Duration, windowSize int) *Buffer {
	if windowTime <= 0 {
		windowTime = DefaultWindowTime
	}
	if windowSize <= 0 {
		windowSize = DefaultWindowSize
	}
	return &Buffer{windowTime: windowTime, windowSize: windowSize, now: time.Now}
}

// Insert records an accepted inbound envelope and evicts anything now
// older than windowTime or beyond windowSize, oldest first.
func (b *Buffer) Insert(e *protocol.Envelope) error {
	seq, err := e.Seq()
	if err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()

	b.entries = append(b.entries, entry{seq: seq, ts: b.now(), env: e})
	b.evictLocked()
	return nil
}

func (b *Buffer) evictLocked() {
	cutoff := b.now().Add(-b.windowTime)
	i := 0
	for i < len(b.entries) && b.entries[i].ts.Before(cutoff) {
		i++
	}
	if i > 0 {
		metrics.ReplayEvictionsTotal.WithLabelValues("time").Add(float64(i))
	}
	b.entries = b.entries[i:]

	if over := len(b.entries) - b.windowSize; over > 0 {
		metrics.ReplayEvictionsTotal.WithLabelValues("count").Add(float64(over))
		b.entries = b.entries[over:]
	}
}

// Range returns, in ascending seq order, the stored envelopes with
// fromSeq <= seq and (toSeq == nil or seq <= *toSeq). If the buffer is
// non-empty and a non-zero fromSeq is below the earliest surviving entry,
// it returns ErrTooOld. An empty buffer returns no entries and no error,
// even when everything it held has been evicted.
func (b *Buffer) Range(fromSeq uint64, toSeq *uint64) ([]*protocol.Envelope, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictLocked()

	if len(b.entries) == 0 {
		return nil, nil
	}
	if fromSeq > 0 && fromSeq < b.entries[0].seq {
		return nil, ErrTooOld
	}

	idx := sort.Search(len(b.entries), func(i int) bool { return b.entries[i].seq >= fromSeq })
	var out []*protocol.Envelope
	for ; idx < len(b.entries); idx++ {
		if toSeq != nil && b.entries[idx].seq > *toSeq {
			break
		}
		out = append(out, b.entries[idx].env)
	}
	return out, nil
}

// Len returns the current number of retained entries (after eviction).
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.evictLocked()
	return len(b.entries)
}
