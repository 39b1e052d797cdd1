package session

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"strconv"

	"github.com/google/uuid"

	"github.com/haiprotocol/haip/internal/credit"
	"github.com/haiprotocol/haip/internal/eventbus"
	"github.com/haiprotocol/haip/internal/metrics"
	"github.com/haiprotocol/haip/internal/protocol"
	"github.com/haiprotocol/haip/internal/telemetry"
)

// HandleInbound is the entry point transport adapters call with exactly one
// decoded text frame (and any associated binary data already merged into
// the envelope by the adapter). It implements the validate → credit →
// replay → route pipeline of spec.md §4.3.
func (s *Session) HandleInbound(ctx context.Context, raw []byte) error {
	e, err := protocol.Decode(raw)
	if err != nil {
		return s.emitError(ctx, protocol.NewError(protocol.CodeInvalidMessage, err.Error()))
	}

	if s.State() == StateAwaitingHello {
		return s.handleHello(ctx, e)
	}
	if pe := protocol.Validate(raw, e); pe != nil {
		return s.emitError(ctx, pe.WithRelated(e.ID))
	}
	if s.State() != StateOpen {
		// Late envelope after handshake started but before Open, or after
		// Closing began; the peer should not be sending anything else yet.
		return s.emitError(ctx, protocol.NewError(protocol.CodeProtocolViolation, "session not open"))
	}

	s.mu.Lock()
	negotiated := s.negotiatedEvents[e.Type]
	s.mu.Unlock()
	if !negotiated {
		return s.emitError(ctx, protocol.NewError(protocol.CodeUnsupportedType, "type not in negotiated accept_events").WithRelated(e.ID))
	}

	if e.Transaction != "" {
		seq, _ := e.Seq() // parseability already confirmed by protocol.Validate
		s.mu.Lock()
		last := s.lastRxSeq[e.Transaction]
		s.mu.Unlock()
		if protocol.ClassifySeq(seq, last) == protocol.SeqDuplicate {
			s.log.Debug("dropping duplicate seq", "transaction", e.Transaction, "seq", seq, "last_delivered_seq", last)
			return nil
		}
	}

	switch s.credits.AdmitInbound(e.Channel, e.EffectiveByteLen()) {
	case credit.DeniedViolation:
		metrics.CreditDenialsTotal.WithLabelValues(string(e.Channel)).Inc()
		s.publish(eventbus.CreditDenied, map[string]any{"channel": string(e.Channel)})
		return s.emitError(ctx, protocol.NewError(protocol.CodeFlowControlViolation, "peer exceeded granted credit on channel "+string(e.Channel)).WithRelated(e.ID))
	case credit.DeniedInsufficient:
		metrics.CreditDenialsTotal.WithLabelValues(string(e.Channel)).Inc()
		s.publish(eventbus.CreditDenied, map[string]any{"channel": string(e.Channel)})
		return s.emitError(ctx, protocol.NewError(protocol.CodeInsufficientCredits, "no credit available on channel "+string(e.Channel)).WithRelated(e.ID))
	}
	metrics.EnvelopesTotal.WithLabelValues("inbound", string(e.Type)).Inc()

	if e.Transaction != "" {
		seq, _ := e.Seq()
		s.mu.Lock()
		s.lastRxSeq[e.Transaction] = seq
		s.mu.Unlock()
		_ = s.transactions.RecordDelivery(ctx, e.Transaction, e)
	}

	return s.route(ctx, e)
}

func (s *Session) route(ctx context.Context, e *protocol.Envelope) error {
	ctx, span := telemetry.StartDispatch(ctx, s.id, e.Transaction, string(e.Type))
	err := s.routeTraced(ctx, e)
	telemetry.End(span, err)
	return err
}

func (s *Session) routeTraced(ctx context.Context, e *protocol.Envelope) error {
	switch e.Type {
	case protocol.EventHAI:
		return s.emitError(ctx, protocol.NewError(protocol.CodeProtocolViolation, "session already authenticated").WithRelated(e.ID))

	case protocol.EventTransactionStart:
		return s.handleTransactionStart(ctx, e)

	case protocol.EventTransactionEnd:
		return s.handleTransactionEnd(ctx, e)

	case protocol.EventPing:
		return s.emitSystem(ctx, protocol.EventPong, mustUnmarshalPingPong(e.Payload))

	case protocol.EventPong:
		var p protocol.PingPongPayload
		_ = json.Unmarshal(e.Payload, &p)
		if s.heartbeatMon != nil {
			if latency, ok := s.heartbeatMon.Pong(p.Nonce); ok {
				metrics.HeartbeatLatencySeconds.Observe(latency.Seconds())
			}
		}
		return nil

	case protocol.EventReplayRequest:
		return s.handleReplayRequest(ctx, e)

	case protocol.EventMessageStart, protocol.EventMessagePart, protocol.EventMessageEnd:
		return s.handleToolMessage(ctx, e)

	case protocol.EventAudioChunk:
		return s.handleToolAudio(ctx, e)

	case protocol.EventToolList:
		return s.handleToolList(ctx)

	case protocol.EventToolSchema:
		return s.handleToolSchema(ctx, e)

	case protocol.EventFlowUpdate:
		return s.handleFlowUpdate(ctx, e)

	case protocol.EventPauseChannel:
		return s.handlePauseResume(ctx, e, true)

	case protocol.EventResumeChannel:
		return s.handlePauseResume(ctx, e, false)

	case protocol.EventRunStarted:
		return s.handleRunStarted(ctx, e)
	case protocol.EventRunFinished, protocol.EventRunCancel, protocol.EventRunError:
		return s.handleRunTerminal(ctx, e)

	case protocol.EventError, protocol.EventInfo:
		s.log.Info("peer event", "type", e.Type, "id", e.ID)
		return nil

	default:
		return s.emitError(ctx, protocol.NewError(protocol.CodeUnsupportedType, "unhandled event type "+string(e.Type)).WithRelated(e.ID))
	}
}

func mustUnmarshalPingPong(raw json.RawMessage) protocol.PingPongPayload {
	var p protocol.PingPongPayload
	_ = json.Unmarshal(raw, &p)
	return p
}

func (s *Session) handleTransactionStart(ctx context.Context, e *protocol.Envelope) error {
	var p protocol.TransactionStartPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return s.emitError(ctx, protocol.NewError(protocol.CodeInvalidMessage, "malformed TRANSACTION_START payload").WithRelated(e.ID))
	}
	if p.ToolName == "" {
		return s.emitError(ctx, protocol.NewError(protocol.CodeMissingToolName, "tool_name is required").WithRelated(e.ID))
	}
	handler, ok := s.cfg.Tools.Get(p.ToolName)
	if !ok {
		return s.emitError(ctx, protocol.NewError(protocol.CodeToolNotFound, p.ToolName+" is not registered").WithRelated(e.ID))
	}
	if err := s.cfg.Tools.ValidateParams(p.ToolName, marshalParams(p.ToolParams)); err != nil {
		return s.emitError(ctx, protocol.NewError(protocol.CodeInvalidMessage, err.Error()).WithRelated(e.ID))
	}

	peerTempID := e.Transaction
	txn, err := s.transactions.Start(newTransactionID(), s.id, p.ToolName, p.ToolParams, peerTempID)
	if err != nil {
		return s.emitError(ctx, protocol.NewError(protocol.CodeProtocolViolation, err.Error()).WithRelated(e.ID))
	}
	if err := s.transactions.MarkStarted(txn.ID); err != nil {
		s.log.Warn("failed to mark transaction started", "error", err)
	}
	_ = handler
	s.publish(eventbus.TransactionStarted, map[string]any{"transaction": txn.ID, "tool_name": p.ToolName})

	reply := protocol.TransactionStartPayload{ToolName: p.ToolName, ReferenceID: peerTempID}
	data, _ := json.Marshal(reply)
	return s.emit(ctx, &protocol.Envelope{Channel: e.Channel, Type: protocol.EventTransactionStart, Transaction: txn.ID, Payload: data})
}

func (s *Session) handleTransactionEnd(ctx context.Context, e *protocol.Envelope) error {
	if err := s.transactions.Close(ctx, e.Transaction); err != nil {
		return s.emitError(ctx, protocol.NewError(protocol.CodeTransactionNotFound, err.Error()).WithRelated(e.ID))
	}
	s.publish(eventbus.TransactionClosed, map[string]any{"transaction": e.Transaction})
	return nil
}

func (s *Session) handleReplayRequest(ctx context.Context, e *protocol.Envelope) error {
	var p protocol.ReplayRequestPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return s.emitError(ctx, protocol.NewError(protocol.CodeInvalidMessage, "malformed REPLAY_REQUEST payload").WithRelated(e.ID))
	}
	fromSeq, err := parseSeqString(p.FromSeq)
	if err != nil {
		return s.emitError(ctx, protocol.NewError(protocol.CodeInvalidMessage, "invalid from_seq").WithRelated(e.ID))
	}
	var toSeq *uint64
	if p.ToSeq != "" {
		v, err := parseSeqString(p.ToSeq)
		if err != nil {
			return s.emitError(ctx, protocol.NewError(protocol.CodeInvalidMessage, "invalid to_seq").WithRelated(e.ID))
		}
		toSeq = &v
	}

	envelopes, err := s.transactions.Replay(ctx, e.Transaction, fromSeq, toSeq)
	if err != nil {
		return s.emitError(ctx, protocol.NewError(protocol.CodeReplayTooOld, err.Error()).WithRelated(e.ID))
	}
	for _, replayed := range envelopes {
		if err := s.sink.Send(ctx, replayed); err != nil {
			return err
		}
	}
	return nil
}

func (s *Session) handleToolMessage(ctx context.Context, e *protocol.Envelope) error {
	txn, err := s.transactions.Get(e.Transaction)
	if err != nil {
		return s.emitError(ctx, protocol.NewError(protocol.CodeTransactionNotFound, err.Error()).WithRelated(e.ID))
	}
	handler, ok := s.cfg.Tools.Get(txn.ToolName)
	if !ok {
		return s.emitError(ctx, protocol.NewError(protocol.CodeToolNotFound, txn.ToolName+" is not registered").WithRelated(e.ID))
	}
	if err := handler.HandleMessage(ctx, e.Payload); err != nil {
		return s.emitError(ctx, protocol.NewError(protocol.CodeProtocolViolation, err.Error()).WithRelated(e.ID))
	}
	return nil
}

// handleToolAudio processes an AUDIO_CHUNK header. If it declares bin_len,
// the actual bytes arrive in a following physical binary frame (WS/binary
// transports); we park the header and wait for HandleInboundBinary. On
// text-only transports (no bin_len) the bytes are inline, base64-encoded in
// the payload, and are dispatched immediately.
func (s *Session) handleToolAudio(ctx context.Context, e *protocol.Envelope) error {
	if e.HasBinary() {
		s.mu.Lock()
		s.pendingBinary = e
		s.mu.Unlock()
		return nil
	}
	var p protocol.AudioChunkPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return s.emitError(ctx, protocol.NewError(protocol.CodeInvalidMessage, "malformed AUDIO_CHUNK payload").WithRelated(e.ID))
	}
	data, err := base64.StdEncoding.DecodeString(p.Data)
	if err != nil {
		return s.emitError(ctx, protocol.NewError(protocol.CodeInvalidMessage, "invalid base64 audio data").WithRelated(e.ID))
	}
	return s.dispatchAudio(ctx, e, data)
}

// HandleInboundBinary delivers a physical binary frame to the tool bound by
// the most recently received AUDIO_CHUNK header declaring bin_len. Transport
// adapters call this for every binary frame they receive.
func (s *Session) HandleInboundBinary(ctx context.Context, data []byte) error {
	s.mu.Lock()
	header := s.pendingBinary
	s.pendingBinary = nil
	s.mu.Unlock()

	if header == nil {
		return s.emitError(ctx, protocol.NewError(protocol.CodeProtocolViolation, "binary frame with no preceding AUDIO_CHUNK header"))
	}
	return s.dispatchAudio(ctx, header, data)
}

func (s *Session) dispatchAudio(ctx context.Context, e *protocol.Envelope, data []byte) error {
	txn, err := s.transactions.Get(e.Transaction)
	if err != nil {
		return s.emitError(ctx, protocol.NewError(protocol.CodeTransactionNotFound, err.Error()).WithRelated(e.ID))
	}
	handler, ok := s.cfg.Tools.Get(txn.ToolName)
	if !ok {
		return s.emitError(ctx, protocol.NewError(protocol.CodeToolNotFound, txn.ToolName+" is not registered").WithRelated(e.ID))
	}
	if err := handler.HandleAudioChunk(ctx, e.BinMime, data); err != nil {
		return s.emitError(ctx, protocol.NewError(protocol.CodeProtocolViolation, err.Error()).WithRelated(e.ID))
	}
	return nil
}

func (s *Session) handleToolList(ctx context.Context) error {
	var entries []protocol.ToolListEntry
	for _, d := range s.cfg.Tools.List() {
		entries = append(entries, protocol.ToolListEntry{Name: d.QualifiedName(), Description: d.Description})
	}
	return s.emitSystem(ctx, protocol.EventToolList, protocol.ToolListPayload{Tools: entries})
}

func (s *Session) handleToolSchema(ctx context.Context, e *protocol.Envelope) error {
	var p protocol.ToolSchemaPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return s.emitError(ctx, protocol.NewError(protocol.CodeInvalidMessage, "malformed TOOL_SCHEMA request").WithRelated(e.ID))
	}
	handler, ok := s.cfg.Tools.Get(p.ToolName)
	if !ok {
		return s.emitError(ctx, protocol.NewError(protocol.CodeToolNotFound, p.ToolName+" is not registered").WithRelated(e.ID))
	}
	d := handler.Schema()
	var inputSchema any
	_ = json.Unmarshal(d.InputSchema, &inputSchema)
	return s.emitSystem(ctx, protocol.EventToolSchema, protocol.ToolSchemaPayload{ToolName: p.ToolName, InputSchema: inputSchema})
}

func (s *Session) handleFlowUpdate(ctx context.Context, e *protocol.Envelope) error {
	var p protocol.FlowUpdatePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return s.emitError(ctx, protocol.NewError(protocol.CodeInvalidMessage, "malformed FLOW_UPDATE payload").WithRelated(e.ID))
	}
	if !p.Channel.Valid() {
		return s.emitError(ctx, protocol.NewError(protocol.CodeInvalidMessage, "unknown channel").WithRelated(e.ID))
	}
	s.credits.Grant(p.Channel, credit.Grant{Messages: p.AddMessages, Bytes: p.AddBytes})
	s.drainPending(ctx, p.Channel)
	return nil
}

func (s *Session) handlePauseResume(ctx context.Context, e *protocol.Envelope, pause bool) error {
	var p protocol.PauseResumePayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return s.emitError(ctx, protocol.NewError(protocol.CodeInvalidMessage, "malformed payload").WithRelated(e.ID))
	}
	if !p.Channel.Valid() {
		return s.emitError(ctx, protocol.NewError(protocol.CodeInvalidMessage, "unknown channel").WithRelated(e.ID))
	}
	if pause {
		s.credits.Pause(p.Channel)
		return nil
	}
	s.credits.Resume(p.Channel)
	s.drainPending(ctx, p.Channel)
	return nil
}

func (s *Session) handleRunStarted(ctx context.Context, e *protocol.Envelope) error {
	var p protocol.RunEventPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil || p.RunID == "" {
		return s.emitError(ctx, protocol.NewError(protocol.CodeMissingRunID, "run_id is required").WithRelated(e.ID))
	}
	if _, err := s.runs.Start(p.RunID); err != nil {
		return s.emitError(ctx, protocol.NewError(protocol.CodeRunLimitExceeded, err.Error()).WithRelated(e.ID))
	}
	s.publish(eventbus.RunStarted, map[string]any{"run_id": p.RunID})
	return nil
}

func (s *Session) handleRunTerminal(ctx context.Context, e *protocol.Envelope) error {
	var p protocol.RunEventPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil || p.RunID == "" {
		return s.emitError(ctx, protocol.NewError(protocol.CodeMissingRunID, "run_id is required").WithRelated(e.ID))
	}

	var opErr error
	var evt eventbus.Type
	switch e.Type {
	case protocol.EventRunFinished:
		_, opErr = s.runs.Finish(p.RunID, p.Summary)
		evt = eventbus.RunFinished
	case protocol.EventRunCancel:
		_, opErr = s.runs.Cancel(p.RunID)
		evt = eventbus.RunCancelled
	case protocol.EventRunError:
		_, opErr = s.runs.Error(p.RunID, p.Error)
		evt = eventbus.RunErrored
	}
	if opErr != nil {
		return s.emitError(ctx, protocol.NewError(protocol.CodeRunNotFound, opErr.Error()).WithRelated(e.ID))
	}
	s.publish(evt, map[string]any{"run_id": p.RunID})
	return nil
}

func marshalParams(params map[string]any) json.RawMessage {
	if params == nil {
		return json.RawMessage(`{}`)
	}
	data, err := json.Marshal(params)
	if err != nil {
		return json.RawMessage(`{}`)
	}
	return data
}

func newTransactionID() string {
	return "txn-" + uuid.New().String()
}

func parseSeqString(s string) (uint64, error) {
	return strconv.ParseUint(s, 10, 64)
}
