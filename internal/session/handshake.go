package session

import (
	"context"
	"encoding/json"

	"github.com/haiprotocol/haip/internal/credit"
	"github.com/haiprotocol/haip/internal/protocol"
)

// handleHello processes the peer's first envelope. Per spec.md §4.2, any
// non-HAI first envelope is a NOT_HAI fatal error; a HAI that fails auth or
// version negotiation is also fatal. On success the session moves through
// Authenticated to Open and the heartbeat monitor is armed.
func (s *Session) handleHello(ctx context.Context, e *protocol.Envelope) error {
	if e.Type != protocol.EventHAI {
		s.emitError(ctx, protocol.NewFatalError(protocol.CodeNotHAI, "first envelope must be HAI").WithRelated(e.ID))
		s.Close("not_hai")
		return nil
	}

	var hello protocol.HAIPayload
	if err := json.Unmarshal(e.Payload, &hello); err != nil {
		s.emitError(ctx, protocol.NewFatalError(protocol.CodeInvalidMessage, "malformed HAI payload").WithRelated(e.ID))
		s.Close("invalid_hello")
		return nil
	}

	ok := true
	var userID string
	if s.cfg.Authenticator != nil {
		userID, ok = s.cfg.Authenticator(hello.Auth)
	}
	if !ok {
		s.emitError(ctx, protocol.NewFatalError(protocol.CodeFailedAuth, "authentication failed").WithRelated(e.ID))
		s.Close("failed_auth")
		return nil
	}
	s.mu.Lock()
	s.userID = userID
	s.mu.Unlock()
	s.setState(StateAuthenticated)

	major, negotiated := negotiateMajor(hello.AcceptMajor)
	if !negotiated {
		s.emitError(ctx, protocol.NewFatalError(protocol.CodeVersionIncompatible, "no mutually supported protocol major").WithRelated(e.ID))
		s.Close("version_incompatible")
		return nil
	}

	s.mu.Lock()
	s.negotiatedMajor = major
	s.negotiatedEvents = intersectEvents(hello.AcceptEvents)
	s.mu.Unlock()

	msgCredit := s.cfg.InitialCreditMessages
	byteCredit := s.cfg.InitialCreditBytes
	if hello.Capabilities != nil && hello.Capabilities.FlowControl != nil {
		if hello.Capabilities.FlowControl.InitialCreditMessages > 0 {
			msgCredit = hello.Capabilities.FlowControl.InitialCreditMessages
		}
		if hello.Capabilities.FlowControl.InitialCreditBytes > 0 {
			byteCredit = int64(hello.Capabilities.FlowControl.InitialCreditBytes)
		}
	}
	s.credits = credit.New(map[protocol.Channel]credit.Grant{
		protocol.ChannelUser:     {Messages: msgCredit, Bytes: byteCredit},
		protocol.ChannelAgent:    {Messages: msgCredit, Bytes: byteCredit},
		protocol.ChannelSystem:   {Messages: msgCredit, Bytes: byteCredit},
		protocol.ChannelAudioIn:  {Messages: msgCredit, Bytes: byteCredit},
		protocol.ChannelAudioOut: {Messages: msgCredit, Bytes: byteCredit},
	})
	if s.cfg.DrainBytesPerSecond > 0 {
		s.credits.SetDrainRateLimit(s.cfg.DrainBytesPerSecond, s.cfg.DrainBurstBytes)
	}

	s.setState(StateOpen)
	s.armHeartbeat(ctx)
	return nil
}

// negotiateMajor returns the highest major present in both SupportedMajors
// and accepted, and whether any overlap exists.
func negotiateMajor(accepted []int) (int, bool) {
	acceptedSet := make(map[int]bool, len(accepted))
	for _, m := range accepted {
		acceptedSet[m] = true
	}
	best := 0
	found := false
	for _, m := range SupportedMajors {
		if acceptedSet[m] && m > best {
			best = m
			found = true
		}
	}
	return best, found
}

// intersectEvents computes the negotiated accept_events set: names the
// peer listed that this server also supports. An empty or absent list from
// the peer is treated as "accept everything this server supports" so
// permissive clients aren't penalized for omitting the field.
func intersectEvents(peerEvents []string) map[protocol.EventType]bool {
	out := make(map[protocol.EventType]bool, len(SupportedEvents))
	if len(peerEvents) == 0 {
		for _, e := range SupportedEvents {
			out[e] = true
		}
		return out
	}
	peerSet := make(map[string]bool, len(peerEvents))
	for _, n := range peerEvents {
		peerSet[n] = true
	}
	for _, e := range SupportedEvents {
		if peerSet[string(e)] {
			out[e] = true
		}
	}
	return out
}
