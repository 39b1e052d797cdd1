// Package session implements the HAIP session state machine: handshake
// negotiation, credit/transaction/tool-registry wiring, heartbeat
// lifecycle, and the per-envelope dispatch pipeline of spec.md §4.2-§4.3.
// Grounded on the teacher's runtime/a2a.Server — specifically its
// cancel-function-map idiom for per-task cancellation (reduced here to the
// heartbeat monitor's single cancelable goroutine per session) and its
// single struct owning all per-connection state under one mutex.
package session

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/haiprotocol/haip/internal/credit"
	"github.com/haiprotocol/haip/internal/eventbus"
	"github.com/haiprotocol/haip/internal/heartbeat"
	"github.com/haiprotocol/haip/internal/logger"
	"github.com/haiprotocol/haip/internal/metrics"
	"github.com/haiprotocol/haip/internal/protocol"
	"github.com/haiprotocol/haip/internal/replay"
	"github.com/haiprotocol/haip/internal/runs"
	"github.com/haiprotocol/haip/internal/tools"
	"github.com/haiprotocol/haip/internal/transaction"
)

// State is one of the session's lifecycle states (spec.md §4.2).
type State int

const (
	StateAccepted State = iota
	StateAwaitingHello
	StateAuthenticated
	StateOpen
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateAccepted:
		return "accepted"
	case StateAwaitingHello:
		return "awaiting_hello"
	case StateAuthenticated:
		return "authenticated"
	case StateOpen:
		return "open"
	case StateClosing:
		return "closing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Sink is the transport-facing outbound interface a Session writes to. An
// adapter (ws/sse/httpstream) implements this.
type Sink interface {
	Send(ctx context.Context, e *protocol.Envelope) error
	SendBinary(ctx context.Context, data []byte) error
	Close(reason string) error
}

// Authenticator validates a HAI handshake's auth payload and returns the
// bound user id. ok=false means authentication failed.
type Authenticator func(auth map[string]any) (userID string, ok bool)

// SupportedMajors are the protocol majors this server implements, highest
// preferred first.
var SupportedMajors = []int{1}

// SupportedEvents is the full set of event names this server can emit or
// accept, used to compute the negotiated accept_events intersection.
// TOOL_CALL, TOOL_UPDATE, TOOL_DONE and TOOL_CANCEL are advertised here but
// have no inbound handler: the dispatcher answers them with UNSUPPORTED_TYPE.
var SupportedEvents = []protocol.EventType{
	protocol.EventHAI, protocol.EventPing, protocol.EventPong, protocol.EventError,
	protocol.EventInfo, protocol.EventFlowUpdate, protocol.EventTransactionStart,
	protocol.EventTransactionEnd, protocol.EventReplayRequest, protocol.EventMessageStart,
	protocol.EventMessagePart, protocol.EventMessageEnd, protocol.EventAudioChunk,
	protocol.EventToolList, protocol.EventToolSchema, protocol.EventRunStarted,
	protocol.EventRunFinished, protocol.EventRunCancel, protocol.EventRunError,
	protocol.EventToolCall, protocol.EventToolUpdate, protocol.EventToolDone,
	protocol.EventToolCancel, protocol.EventPauseChannel, protocol.EventResumeChannel,
}

// Config bundles the dependencies and tuning knobs shared by every session
// on a server.
type Config struct {
	Tools                 *tools.Registry
	Authenticator         Authenticator
	InitialCreditMessages int
	InitialCreditBytes    int64
	MaxConcurrentRuns     int
	HeartbeatInterval     time.Duration
	HeartbeatTimeout      time.Duration
	ReplayWindowTime      time.Duration
	ReplayWindowSize      int
	// Transport labels this session's metrics ("ws", "sse", "httpstream").
	Transport string
	// Bus receives lifecycle events for observability subscribers
	// (internal/admin's connection counters). Nil means no publication.
	Bus *eventbus.Bus
	// DrainBytesPerSecond caps the rate at which queued outbound envelopes
	// are released once credit allows it, independent of the credit balance
	// itself. Zero disables the limit.
	DrainBytesPerSecond float64
	DrainBurstBytes     int
}

// Session owns all per-connection state: credits, transactions, runs, and
// the heartbeat monitor. Exported methods are safe for concurrent use;
// internally, state transitions and dispatch share s.mu.
type Session struct {
	id   string
	cfg  Config
	sink Sink
	log  *slog.Logger

	mu               sync.Mutex
	state            State
	userID           string
	negotiatedMajor  int
	negotiatedEvents map[protocol.EventType]bool
	lastRxSeq        map[string]uint64 // transaction id -> highest accepted seq
	pendingBinary    *protocol.Envelope // AUDIO_CHUNK header awaiting its physical binary frame

	outSeq atomic.Uint64

	credits      *credit.Accountant
	transactions *transaction.Registry
	runs         *runs.Table
	heartbeatMon *heartbeat.Monitor
}

// New creates a session in the Accepted state, bound to sink.
func New(cfg Config, sink Sink) *Session {
	return &Session{
		id:           uuid.New().String(),
		cfg:          cfg,
		sink:         sink,
		state:        StateAccepted,
		log:          logger.For("session"),
		lastRxSeq:    make(map[string]uint64),
		transactions: transaction.NewRegistry(replay.NewMemoryStore(cfg.ReplayWindowTime, cfg.ReplayWindowSize)),
		runs:         runs.NewTable(cfg.MaxConcurrentRuns),
	}
}

// ID returns the session's server-assigned identifier.
func (s *Session) ID() string { return s.id }

// State returns the session's current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) setState(st State) {
	s.mu.Lock()
	prev := s.state
	s.state = st
	s.mu.Unlock()
	if st == StateOpen && prev != StateOpen {
		metrics.SessionsActive.WithLabelValues(s.transportLabel()).Inc()
		s.publish(eventbus.SessionOpened, nil)
	}
}

// publish sends a lifecycle event to cfg.Bus, a no-op if none is configured.
func (s *Session) publish(t eventbus.Type, data map[string]any) {
	if s.cfg.Bus == nil {
		return
	}
	s.cfg.Bus.Publish(&eventbus.Event{Type: t, SessionID: s.id, Transport: s.transportLabel(), Data: data})
}

func (s *Session) transportLabel() string {
	if s.cfg.Transport == "" {
		return "unknown"
	}
	return s.cfg.Transport
}

// Start sends the server's own HAI handshake and transitions to
// AwaitingHello. Call once, before feeding the session any inbound
// envelopes via HandleInbound.
func (s *Session) Start(ctx context.Context) error {
	s.setState(StateAccepted)
	if err := s.sendServerHello(ctx); err != nil {
		return err
	}
	s.setState(StateAwaitingHello)
	return nil
}

func (s *Session) sendServerHello(ctx context.Context) error {
	payload := protocol.HAIPayload{
		HaipVersion:  "1.1.2",
		AcceptMajor:  SupportedMajors,
		AcceptEvents: eventNames(SupportedEvents),
		Capabilities: &protocol.HAICapabilities{
			BinaryFrames: true,
			FlowControl: &protocol.FlowLimits{
				InitialCreditMessages: s.cfg.InitialCreditMessages,
				InitialCreditBytes:    int(s.cfg.InitialCreditBytes),
			},
			MaxConcurrent: s.cfg.MaxConcurrentRuns,
		},
	}
	return s.emitSystem(ctx, protocol.EventHAI, payload)
}

// armHeartbeat starts the liveness monitor once the session reaches Open.
// It runs the monitor on its own goroutine, which returns when ctx is
// cancelled; armHeartbeat itself returns immediately.
func (s *Session) armHeartbeat(ctx context.Context) {
	s.heartbeatMon = heartbeat.New(s.cfg.HeartbeatInterval, s.cfg.HeartbeatTimeout,
		func(nonce string) error {
			return s.emitSystem(ctx, protocol.EventPing, protocol.PingPongPayload{Nonce: nonce})
		},
		func() {
			s.log.Warn("heartbeat timeout, closing session", "session", s.id)
			s.Close("heartbeat_timeout")
		},
	)
	go func() {
		if err := s.heartbeatMon.Run(ctx); err != nil && ctx.Err() == nil {
			s.log.Error("heartbeat monitor stopped", "error", err)
		}
	}()
}

// Close transitions the session to Closing then Closed, stopping the
// heartbeat monitor and closing the transport sink. Safe to call multiple
// times; only the first call has effect.
func (s *Session) Close(reason string) {
	s.mu.Lock()
	if s.state == StateClosing || s.state == StateClosed {
		s.mu.Unlock()
		return
	}
	wasOpen := s.state == StateOpen
	s.state = StateClosing
	s.mu.Unlock()
	if wasOpen {
		metrics.SessionsActive.WithLabelValues(s.transportLabel()).Dec()
	}
	s.publish(eventbus.SessionClosed, map[string]any{"reason": reason})

	if reason == "heartbeat_timeout" {
		metrics.HeartbeatTimeoutsTotal.Inc()
		s.publish(eventbus.HeartbeatTimeout, nil)
	}

	if s.heartbeatMon != nil {
		s.heartbeatMon.Stop()
	}
	if err := s.sink.Close(reason); err != nil {
		s.log.Warn("sink close error", "error", err, "reason", reason)
	}
	s.setState(StateClosed)
}

func eventNames(evs []protocol.EventType) []string {
	out := make([]string, len(evs))
	for i, e := range evs {
		out[i] = string(e)
	}
	return out
}
