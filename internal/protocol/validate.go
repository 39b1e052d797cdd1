package protocol

import (
	"encoding/json"
)

// knownEnvelopeFields mirrors the json tags in Envelope, used to detect
// unrecognised top-level fields when Crit is set.
var knownEnvelopeFields = map[string]bool{
	"id": true, "session": true, "transaction": true, "seq": true,
	"ack": true, "ts": true, "channel": true, "type": true, "payload": true,
	"pv": true, "crit": true, "bin_len": true, "bin_mime": true,
	"run_id": true, "thread_id": true,
}

// Validate checks the envelope invariants from spec.md §3/§4.1:
//   - required fields present
//   - channel and type in the fixed enumerations
//   - payload is a structured object (or absent)
//   - seq is present and parses
//   - if crit, no unrecognised top-level field
//
// Validate does not compare seq against the transaction's last delivered
// seq; callers classify duplicates vs gaps with ClassifySeq and drop
// duplicates themselves rather than treating them as validation failures
// (a duplicate is not an error, per spec.md §3).
func Validate(raw []byte, e *Envelope) *Error {
	if e.ID == "" || e.Session == "" || e.SeqStr == "" || e.TsStr == "" {
		return NewError(CodeInvalidMessage, "missing required field")
	}
	if !e.Channel.Valid() {
		return NewError(CodeInvalidMessage, "unknown channel: "+string(e.Channel))
	}
	if !e.Type.Valid() {
		return NewError(CodeUnsupportedType, "unknown event type: "+string(e.Type))
	}
	if e.Type.RequiresTransaction() && e.Transaction == "" {
		return NewError(CodeInvalidMessage, "transaction id required for type "+string(e.Type))
	}
	if len(e.Payload) > 0 {
		trimmed := trimLeadingSpace(e.Payload)
		if len(trimmed) == 0 || trimmed[0] != '{' {
			return NewError(CodeInvalidMessage, "payload must be a structured object")
		}
		if !json.Valid(e.Payload) {
			return NewError(CodeInvalidMessage, "payload is not valid JSON")
		}
	}
	if _, err := e.Seq(); err != nil {
		return NewError(CodeInvalidMessage, "seq is not a valid integer: "+err.Error())
	}
	if e.Crit {
		if err := checkUnknownFields(raw, e.Payload); err != nil {
			return err
		}
	}
	return nil
}

// SeqOutcome classifies an inbound envelope's seq relative to the last
// delivered seq on its transaction.
type SeqOutcome int

const (
	SeqAccepted SeqOutcome = iota
	SeqDuplicate
)

// ClassifySeq returns SeqDuplicate when seq <= lastDelivered (silently
// dropped per spec.md §3/§8), otherwise SeqAccepted (gaps are allowed).
func ClassifySeq(seq, lastDelivered uint64) SeqOutcome {
	if lastDelivered > 0 && seq <= lastDelivered {
		return SeqDuplicate
	}
	return SeqAccepted
}

func trimLeadingSpace(b []byte) []byte {
	i := 0
	for i < len(b) && (b[i] == ' ' || b[i] == '\t' || b[i] == '\n' || b[i] == '\r') {
		i++
	}
	return b[i:]
}

// checkUnknownFields decodes the raw envelope into a generic map and rejects
// any top-level key not in knownEnvelopeFields. Only envelope-level keys are
// checked: unknown fields inside the payload are not rejected, here or by
// the payload handlers, which decode into structs and ignore extra keys.
func checkUnknownFields(raw []byte, _ json.RawMessage) *Error {
	var generic map[string]json.RawMessage
	if err := json.Unmarshal(raw, &generic); err != nil {
		return NewError(CodeInvalidMessage, "malformed envelope")
	}
	for k := range generic {
		if !knownEnvelopeFields[k] {
			return NewError(CodeUnsupportedType, "unrecognised field: "+k)
		}
	}
	return nil
}
