// Package protocol implements the HAIP envelope: its wire shape, the closed
// enumerations for channel and event type, and validation per the envelope
// invariants (required fields, seq ordering, crit-field rejection).
package protocol

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// Channel is one of the closed set of logical streams used for credit
// accounting and pause/resume.
type Channel string

// The fixed channel set. Custom channel names are not accepted on the wire;
// only these five are ever dispatched or credited.
const (
	ChannelUser     Channel = "USER"
	ChannelAgent    Channel = "AGENT"
	ChannelSystem   Channel = "SYSTEM"
	ChannelAudioIn  Channel = "AUDIO_IN"
	ChannelAudioOut Channel = "AUDIO_OUT"
)

var validChannels = map[Channel]bool{
	ChannelUser:     true,
	ChannelAgent:    true,
	ChannelSystem:   true,
	ChannelAudioIn:  true,
	ChannelAudioOut: true,
}

// Valid reports whether c is one of the five accepted channels.
func (c Channel) Valid() bool { return validChannels[c] }

// EventType is the enumerated event kind carried by an envelope's `type`
// field. This implementation adopts the MESSAGE_*/TRANSACTION_* event-name
// family as authoritative (spec.md §9 open question (a)).
type EventType string

const (
	EventHAI              EventType = "HAI"
	EventPing             EventType = "PING"
	EventPong             EventType = "PONG"
	EventError            EventType = "ERROR"
	EventInfo             EventType = "INFO"
	EventFlowUpdate       EventType = "FLOW_UPDATE"
	EventTransactionStart EventType = "TRANSACTION_START"
	EventTransactionEnd   EventType = "TRANSACTION_END"
	EventReplayRequest    EventType = "REPLAY_REQUEST"
	EventMessageStart     EventType = "MESSAGE_START"
	EventMessagePart      EventType = "MESSAGE_PART"
	EventMessageEnd       EventType = "MESSAGE_END"
	EventAudioChunk       EventType = "AUDIO_CHUNK"
	EventToolList         EventType = "TOOL_LIST"
	EventToolSchema       EventType = "TOOL_SCHEMA"
	EventRunStarted       EventType = "RUN_STARTED"
	EventRunFinished      EventType = "RUN_FINISHED"
	EventRunCancel        EventType = "RUN_CANCEL"
	EventRunError         EventType = "RUN_ERROR"
	EventToolCall         EventType = "TOOL_CALL"
	EventToolUpdate       EventType = "TOOL_UPDATE"
	EventToolDone         EventType = "TOOL_DONE"
	EventToolCancel       EventType = "TOOL_CANCEL"
	EventPauseChannel     EventType = "PAUSE_CHANNEL"
	EventResumeChannel    EventType = "RESUME_CHANNEL"
)

var validEventTypes = map[EventType]bool{
	EventHAI: true, EventPing: true, EventPong: true, EventError: true,
	EventInfo: true, EventFlowUpdate: true, EventTransactionStart: true,
	EventTransactionEnd: true, EventReplayRequest: true, EventMessageStart: true,
	EventMessagePart: true, EventMessageEnd: true, EventAudioChunk: true,
	EventToolList: true, EventToolSchema: true, EventRunStarted: true,
	EventRunFinished: true, EventRunCancel: true, EventRunError: true,
	EventToolCall: true, EventToolUpdate: true, EventToolDone: true,
	EventToolCancel: true, EventPauseChannel: true, EventResumeChannel: true,
}

// Valid reports whether t is in the fixed event-type enumeration.
func (t EventType) Valid() bool { return validEventTypes[t] }

// noTransactionRequired lists event types that are valid without a
// transaction id: handshake, liveness, and SYSTEM-level control.
var noTransactionRequired = map[EventType]bool{
	EventHAI: true, EventPing: true, EventPong: true, EventError: true,
	EventInfo: true, EventFlowUpdate: true, EventTransactionStart: true,
	EventReplayRequest: true, EventToolList: true, EventToolSchema: true,
	EventRunStarted: true, EventRunFinished: true, EventRunCancel: true,
	EventRunError: true, EventPauseChannel: true, EventResumeChannel: true,
}

// RequiresTransaction reports whether envelopes of this type must carry a
// transaction id.
func (t EventType) RequiresTransaction() bool { return !noTransactionRequired[t] }

// Envelope is the unit of transfer for HAIP. Seq and Ack are carried as
// decimal strings on the wire (per spec.md §3) but are parsed into Seq()/
// Ack() for ordering comparisons.
type Envelope struct {
	ID          string          `json:"id"`
	Session     string          `json:"session"`
	Transaction string          `json:"transaction,omitempty"`
	SeqStr      string          `json:"seq"`
	AckStr      string          `json:"ack,omitempty"`
	TsStr       string          `json:"ts"`
	Channel     Channel         `json:"channel"`
	Type        EventType       `json:"type"`
	Payload     json.RawMessage `json:"payload,omitempty"`
	PV          int             `json:"pv,omitempty"`
	Crit        bool            `json:"crit,omitempty"`
	BinLen      *int64          `json:"bin_len,omitempty"`
	BinMime     string          `json:"bin_mime,omitempty"`
	RunID       string          `json:"run_id,omitempty"`
	ThreadID    string          `json:"thread_id,omitempty"`
}

// Seq parses the envelope's decimal seq string. Returns an error if absent
// or not a valid non-negative integer.
func (e *Envelope) Seq() (uint64, error) {
	if e.SeqStr == "" {
		return 0, fmt.Errorf("protocol: missing seq")
	}
	return strconv.ParseUint(e.SeqStr, 10, 64)
}

// SetSeq sets the seq field from an integer, encoding it as a decimal string.
func (e *Envelope) SetSeq(n uint64) { e.SeqStr = strconv.FormatUint(n, 10) }

// Ack parses the envelope's decimal ack string, if present.
func (e *Envelope) Ack() (uint64, bool, error) {
	if e.AckStr == "" {
		return 0, false, nil
	}
	v, err := strconv.ParseUint(e.AckStr, 10, 64)
	return v, true, err
}

// HasBinary reports whether a binary frame follows this envelope on the wire.
func (e *Envelope) HasBinary() bool { return e.BinLen != nil && *e.BinLen > 0 }

// EffectiveByteLen returns the byte size to use for byte-credit accounting:
// BinLen when a binary frame is declared, otherwise the length of the raw
// JSON payload bytes as received (base64 data inside it is not decoded).
func (e *Envelope) EffectiveByteLen() int64 {
	if e.HasBinary() {
		return *e.BinLen
	}
	return int64(len(e.Payload))
}

// Encode serialises the envelope to its wire JSON form.
func (e *Envelope) Encode() ([]byte, error) {
	return json.Marshal(e)
}

// Decode parses exactly one envelope from a text frame.
func Decode(data []byte) (*Envelope, error) {
	var e Envelope
	if err := json.Unmarshal(data, &e); err != nil {
		return nil, fmt.Errorf("protocol: decode envelope: %w", err)
	}
	return &e, nil
}
