package session

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haiprotocol/haip/internal/eventbus"
	"github.com/haiprotocol/haip/internal/protocol"
	"github.com/haiprotocol/haip/internal/tools"
)

type fakeSink struct {
	mu     sync.Mutex
	sent   []*protocol.Envelope
	closed bool
	reason string
}

func (f *fakeSink) Send(_ context.Context, e *protocol.Envelope) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent = append(f.sent, e)
	return nil
}

func (f *fakeSink) SendBinary(context.Context, []byte) error { return nil }

func (f *fakeSink) Close(reason string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	f.reason = reason
	return nil
}

func (f *fakeSink) envelopesOfType(t protocol.EventType) []*protocol.Envelope {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []*protocol.Envelope
	for _, e := range f.sent {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

type echoHandler struct {
	descriptor *tools.Descriptor
}

func (h *echoHandler) Schema() *tools.Descriptor { return h.descriptor }
func (h *echoHandler) HandleMessage(context.Context, json.RawMessage) error { return nil }
func (h *echoHandler) HandleAudioChunk(context.Context, string, []byte) error { return nil }

func newTestSession(t *testing.T) (*Session, *fakeSink) {
	t.Helper()
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(&echoHandler{descriptor: &tools.Descriptor{Name: "echo", Description: "echoes input"}}))

	cfg := Config{
		Tools:                 registry,
		InitialCreditMessages: 100,
		InitialCreditBytes:    100000,
		MaxConcurrentRuns:     10,
		HeartbeatInterval:     time.Hour,
		HeartbeatTimeout:      time.Hour,
		ReplayWindowTime:      time.Minute,
		ReplayWindowSize:      100,
	}
	sink := &fakeSink{}
	s := New(cfg, sink)
	require.NoError(t, s.Start(context.Background()))
	return s, sink
}

func newCreditLimitedSession(t *testing.T, msgCredit int, byteCredit int64) (*Session, *fakeSink) {
	t.Helper()
	registry := tools.NewRegistry()
	require.NoError(t, registry.Register(&echoHandler{descriptor: &tools.Descriptor{Name: "echo", Description: "echoes input"}}))

	cfg := Config{
		Tools:                 registry,
		InitialCreditMessages: msgCredit,
		InitialCreditBytes:    byteCredit,
		MaxConcurrentRuns:     10,
		HeartbeatInterval:     time.Hour,
		HeartbeatTimeout:      time.Hour,
		ReplayWindowTime:      time.Minute,
		ReplayWindowSize:      100,
	}
	sink := &fakeSink{}
	s := New(cfg, sink)
	require.NoError(t, s.Start(context.Background()))
	return s, sink
}

func helloEnvelope(acceptEvents []string) []byte {
	payload, _ := json.Marshal(protocol.HAIPayload{
		HaipVersion:  "1.1.2",
		AcceptMajor:  []int{1},
		AcceptEvents: acceptEvents,
	})
	e := protocol.Envelope{
		ID:      uuid.New().String(),
		Session: "peer-does-not-assign-this",
		Channel: protocol.ChannelSystem,
		Type:    protocol.EventHAI,
		Payload: payload,
	}
	e.SetSeq(1)
	e.TsStr = time.Now().UTC().Format(time.RFC3339Nano)
	data, _ := e.Encode()
	return data
}

func TestHandshakeTransitionsToOpen(t *testing.T) {
	s, sink := newTestSession(t)
	assert.Equal(t, StateAwaitingHello, s.State())

	require.NoError(t, s.HandleInbound(context.Background(), helloEnvelope(nil)))
	assert.Equal(t, StateOpen, s.State())
	assert.NotEmpty(t, sink.envelopesOfType(protocol.EventHAI))
}

func TestNonHelloFirstEnvelopeClosesSession(t *testing.T) {
	s, sink := newTestSession(t)

	e := protocol.Envelope{ID: uuid.New().String(), Session: "x", Channel: protocol.ChannelSystem, Type: protocol.EventPing}
	e.SetSeq(1)
	e.TsStr = time.Now().UTC().Format(time.RFC3339Nano)
	data, _ := e.Encode()

	require.NoError(t, s.HandleInbound(context.Background(), data))
	assert.Equal(t, StateClosed, s.State())
	assert.True(t, sink.closed)
	assert.Equal(t, "not_hai", sink.reason)
}

func TestPingIsAnsweredWithPong(t *testing.T) {
	s, sink := newTestSession(t)
	require.NoError(t, s.HandleInbound(context.Background(), helloEnvelope(nil)))

	ping := protocol.Envelope{ID: uuid.New().String(), Session: s.ID(), Channel: protocol.ChannelSystem, Type: protocol.EventPing, Payload: mustJSON(protocol.PingPongPayload{Nonce: "abc"})}
	ping.SetSeq(2)
	ping.TsStr = time.Now().UTC().Format(time.RFC3339Nano)
	data, _ := ping.Encode()

	require.NoError(t, s.HandleInbound(context.Background(), data))
	pongs := sink.envelopesOfType(protocol.EventPong)
	require.Len(t, pongs, 1)

	var p protocol.PingPongPayload
	require.NoError(t, json.Unmarshal(pongs[0].Payload, &p))
	assert.Equal(t, "abc", p.Nonce)
}

func TestTransactionStartUnknownToolReturnsError(t *testing.T) {
	s, sink := newTestSession(t)
	require.NoError(t, s.HandleInbound(context.Background(), helloEnvelope(nil)))

	start := protocol.Envelope{
		ID: uuid.New().String(), Session: s.ID(), Channel: protocol.ChannelUser,
		Type: protocol.EventTransactionStart, Transaction: "client-temp-1",
		Payload: mustJSON(protocol.TransactionStartPayload{ToolName: "does-not-exist"}),
	}
	start.SetSeq(2)
	start.TsStr = time.Now().UTC().Format(time.RFC3339Nano)
	data, _ := start.Encode()

	require.NoError(t, s.HandleInbound(context.Background(), data))
	errs := sink.envelopesOfType(protocol.EventError)
	require.NotEmpty(t, errs)

	var p protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(errs[len(errs)-1].Payload, &p))
	assert.Equal(t, protocol.CodeToolNotFound, p.Code)
}

func TestTransactionStartBindsToolAndRebindsID(t *testing.T) {
	s, sink := newTestSession(t)
	require.NoError(t, s.HandleInbound(context.Background(), helloEnvelope(nil)))

	start := protocol.Envelope{
		ID: uuid.New().String(), Session: s.ID(), Channel: protocol.ChannelUser,
		Type: protocol.EventTransactionStart, Transaction: "client-temp-1",
		Payload: mustJSON(protocol.TransactionStartPayload{ToolName: "echo"}),
	}
	start.SetSeq(2)
	start.TsStr = time.Now().UTC().Format(time.RFC3339Nano)
	data, _ := start.Encode()

	require.NoError(t, s.HandleInbound(context.Background(), data))
	replies := sink.envelopesOfType(protocol.EventTransactionStart)
	require.Len(t, replies, 1)
	assert.NotEqual(t, "client-temp-1", replies[0].Transaction)

	var p protocol.TransactionStartPayload
	require.NoError(t, json.Unmarshal(replies[0].Payload, &p))
	assert.Equal(t, "client-temp-1", p.ReferenceID)
}

func TestHandshakePublishesSessionOpenedEvent(t *testing.T) {
	registry := tools.NewRegistry()
	bus := eventbus.New()
	var got []eventbus.Type
	bus.SubscribeAll(func(e *eventbus.Event) { got = append(got, e.Type) })

	cfg := Config{
		Tools: registry, InitialCreditMessages: 100, InitialCreditBytes: 100000,
		MaxConcurrentRuns: 10, HeartbeatInterval: time.Hour, HeartbeatTimeout: time.Hour,
		ReplayWindowTime: time.Minute, ReplayWindowSize: 100, Bus: bus, Transport: "ws",
	}
	s := New(cfg, &fakeSink{})
	require.NoError(t, s.Start(context.Background()))
	require.NoError(t, s.HandleInbound(context.Background(), helloEnvelope(nil)))

	assert.Contains(t, got, eventbus.SessionOpened)

	s.Close("connection_closed")
	assert.Contains(t, got, eventbus.SessionClosed)
}

func mustJSON(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return data
}
