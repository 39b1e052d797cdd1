package session

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/haiprotocol/haip/internal/metrics"
	"github.com/haiprotocol/haip/internal/protocol"
)

// emit assigns the next seq to an outbound envelope, applies credit
// accounting and transaction replay recording, and sends it (or queues it
// if the channel is paused/out of credit). PONG and ERROR envelopes skip
// credit accounting and are always sent: they answer the peer's own
// traffic, which may just have spent the channel's last credit. Tool code
// never calls this directly with fabricated session/transaction ids — the
// server fills those in.
func (s *Session) emit(ctx context.Context, e *protocol.Envelope) error {
	e.Session = s.id
	e.TsStr = time.Now().UTC().Format(time.RFC3339Nano)
	if e.ID == "" {
		e.ID = uuid.New().String()
	}
	e.SetSeq(s.outSeq.Add(1))

	if s.credits != nil && e.Type != protocol.EventPong && e.Type != protocol.EventError {
		if s.credits.EnqueueOutbound(e) {
			if err := s.sink.Send(ctx, e); err != nil {
				return err
			}
			metrics.EnvelopesTotal.WithLabelValues("outbound", string(e.Type)).Inc()
		}
	} else if err := s.sink.Send(ctx, e); err != nil {
		return err
	} else {
		metrics.EnvelopesTotal.WithLabelValues("outbound", string(e.Type)).Inc()
	}

	if e.Transaction != "" && s.transactions != nil {
		_ = s.transactions.RecordDelivery(ctx, e.Transaction, e)
	}
	return nil
}

// emitSystem is a convenience wrapper for handshake/control envelopes on
// the SYSTEM channel, outside any transaction.
func (s *Session) emitSystem(ctx context.Context, t protocol.EventType, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return s.emit(ctx, &protocol.Envelope{Channel: protocol.ChannelSystem, Type: t, Payload: data})
}

// emitError sends a protocol-level ERROR envelope on SYSTEM. If pe.Fatal,
// the caller is responsible for closing the session afterward.
func (s *Session) emitError(ctx context.Context, pe *protocol.Error) error {
	data, err := json.Marshal(pe.Payload())
	if err != nil {
		return err
	}
	return s.emit(ctx, &protocol.Envelope{Channel: protocol.ChannelSystem, Type: protocol.EventError, Payload: data})
}

// drainPending flushes any envelopes queued by the credit accountant for ch
// once it has been granted credit or resumed.
func (s *Session) drainPending(ctx context.Context, ch protocol.Channel) {
	if s.credits == nil {
		return
	}
	for _, e := range s.credits.Drain(ch) {
		if err := s.sink.Send(ctx, e); err != nil {
			s.log.Warn("failed to send drained envelope", "error", err)
			continue
		}
		if e.Transaction != "" && s.transactions != nil {
			_ = s.transactions.RecordDelivery(ctx, e.Transaction, e)
		}
	}
}
