// Package credit implements the per-(session, channel) credit accountant:
// message and byte credits, pause bits, and pending-envelope queues, per
// spec.md §4.4.
package credit

import (
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/haiprotocol/haip/internal/protocol"
)

// Grant is an initial or incremental credit grant for one channel.
type Grant struct {
	Messages int
	Bytes    int64
}

// channelState holds one channel's credit bookkeeping. Exclusive owner of
// its pending queue; guarded by the Accountant's mutex.
type channelState struct {
	msgCredit  int
	byteCredit int64
	paused     bool
	pending    []*protocol.Envelope
}

// Accountant tracks credits for every channel of a single session. A
// session owns exactly one Accountant (spec.md §3: "Exclusive owner of its
// credits, queues").
type Accountant struct {
	mu           sync.Mutex
	channels     map[protocol.Channel]*channelState
	drainLimiter *rate.Limiter
}

// New creates an Accountant with the given initial grants. Channels not
// present in initial start with zero credit (all inbound denied until a
// FLOW_UPDATE arrives).
func New(initial map[protocol.Channel]Grant) *Accountant {
	a := &Accountant{channels: make(map[protocol.Channel]*channelState)}
	for ch, g := range initial {
		a.channels[ch] = &channelState{msgCredit: g.Messages, byteCredit: g.Bytes}
	}
	return a
}

func (a *Accountant) state(ch protocol.Channel) *channelState {
	cs, ok := a.channels[ch]
	if !ok {
		cs = &channelState{}
		a.channels[ch] = cs
	}
	return cs
}

// AdmitResult is the outcome of admitting an inbound envelope.
type AdmitResult int

const (
	// Admitted means the envelope may proceed; credits were decremented.
	Admitted AdmitResult = iota
	// DeniedInsufficient means the channel still has message credit left but
	// this envelope's byte cost exceeds the remaining byte credit: local
	// admission denied awaiting a further grant (INSUFFICIENT_CREDITS).
	DeniedInsufficient
	// DeniedViolation means the peer sent on a channel with zero message
	// credit remaining — it has exceeded what it was granted outright,
	// rather than merely outrunning the byte budget of one envelope
	// (FLOW_CONTROL_VIOLATION).
	DeniedViolation
)

// AdmitInbound applies inbound credit accounting for an envelope on channel
// ch with the given effective byte length. On success it decrements both
// credit dimensions and returns Admitted. Otherwise it returns DeniedViolation
// if the channel's message credit is already exhausted (the peer kept
// sending past its grant) or DeniedInsufficient if message credit remains
// but this envelope's byte cost exceeds the remaining byte credit.
func (a *Accountant) AdmitInbound(ch protocol.Channel, byteLen int64) AdmitResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	cs := a.state(ch)
	if cs.msgCredit <= 0 {
		return DeniedViolation
	}
	if cs.byteCredit < byteLen {
		return DeniedInsufficient
	}
	cs.msgCredit--
	cs.byteCredit -= byteLen
	return Admitted
}

// Grant increases credits for a channel (FLOW_UPDATE handling). It releases
// nothing itself; callers collect the envelopes now eligible to send by
// calling Drain.
func (a *Accountant) Grant(ch protocol.Channel, g Grant) {
	a.mu.Lock()
	defer a.mu.Unlock()
	cs := a.state(ch)
	cs.msgCredit += g.Messages
	cs.byteCredit += g.Bytes
}

// Pause sets the paused bit for a channel; subsequent EnqueueOutbound calls
// queue rather than admit until Resume.
func (a *Accountant) Pause(ch protocol.Channel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state(ch).paused = true
}

// Resume clears the paused bit for a channel.
func (a *Accountant) Resume(ch protocol.Channel) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.state(ch).paused = false
}

// Paused reports the current paused bit for a channel.
func (a *Accountant) Paused(ch protocol.Channel) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state(ch).paused
}

// EnqueueOutbound attempts to admit an outbound envelope for emission. If
// the channel is paused or either credit dimension would go negative, the
// envelope is appended to the channel's pending FIFO (preserving enqueue
// order) and EnqueueOutbound returns false ("queued, not sent"). Otherwise
// credits are decremented and it returns true ("send now").
func (a *Accountant) EnqueueOutbound(e *protocol.Envelope) bool {
	a.mu.Lock()
	defer a.mu.Unlock()

	cs := a.state(e.Channel)
	byteLen := e.EffectiveByteLen()
	if cs.paused || cs.msgCredit <= 0 || cs.byteCredit < byteLen {
		cs.pending = append(cs.pending, e)
		return false
	}
	cs.msgCredit--
	cs.byteCredit -= byteLen
	return true
}

// SetDrainRateLimit caps the byte rate at which Drain releases pending
// envelopes, independent of the credit balance — a defensive throttle so a
// burst FLOW_UPDATE grant can't flood a slow peer's outbound socket the
// instant credit becomes available. bytesPerSecond <= 0 removes the limit
// (the default: drain is bounded by credit alone).
func (a *Accountant) SetDrainRateLimit(bytesPerSecond float64, burst int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if bytesPerSecond <= 0 {
		a.drainLimiter = nil
		return
	}
	a.drainLimiter = rate.NewLimiter(rate.Limit(bytesPerSecond), burst)
}

// Drain returns, in original enqueue order, as many pending envelopes for
// ch as current credits, the paused bit, and the drain rate limit allow,
// decrementing credits for each one returned. Call after Grant or Resume
// per spec.md §4.4.
func (a *Accountant) Drain(ch protocol.Channel) []*protocol.Envelope {
	a.mu.Lock()
	defer a.mu.Unlock()

	cs := a.state(ch)
	if cs.paused {
		return nil
	}
	var sent []*protocol.Envelope
	remaining := cs.pending[:0:0]
	i := 0
	for ; i < len(cs.pending); i++ {
		e := cs.pending[i]
		byteLen := e.EffectiveByteLen()
		if cs.msgCredit <= 0 || cs.byteCredit < byteLen {
			break
		}
		if a.drainLimiter != nil && !a.drainLimiter.AllowN(time.Now(), int(byteLen)) {
			break
		}
		cs.msgCredit--
		cs.byteCredit -= byteLen
		sent = append(sent, e)
	}
	remaining = append(remaining, cs.pending[i:]...)
	cs.pending = remaining
	return sent
}

// Snapshot returns a read-only copy of current credit levels, for
// diagnostics/tests.
type Snapshot struct {
	MsgCredit   int
	ByteCredit  int64
	Paused      bool
	PendingLen  int
}

// Snapshot returns the current state of a channel.
func (a *Accountant) Snapshot(ch protocol.Channel) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	cs := a.state(ch)
	return Snapshot{MsgCredit: cs.msgCredit, ByteCredit: cs.byteCredit, Paused: cs.paused, PendingLen: len(cs.pending)}
}
