package httpstream

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haiprotocol/haip/internal/protocol"
	"github.com/haiprotocol/haip/internal/session"
	"github.com/haiprotocol/haip/internal/tools"
)

func newTestHandler() *Handler {
	registry := tools.NewRegistry()
	return NewHandler(func(sink session.Sink) *session.Session {
		return session.New(session.Config{
			Tools:                 registry,
			InitialCreditMessages: 100,
			InitialCreditBytes:    100000,
			MaxConcurrentRuns:     10,
			HeartbeatInterval:     time.Hour,
			HeartbeatTimeout:      time.Hour,
			ReplayWindowTime:      time.Minute,
			ReplayWindowSize:      100,
		}, sink)
	})
}

func TestHandshakeAndPingPongOverSingleStream(t *testing.T) {
	h := newTestHandler()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	pr, pw := io.Pipe()
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	t.Cleanup(cancel)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, srv.URL, pr)
	require.NoError(t, err)

	respCh := make(chan *http.Response, 1)
	errCh := make(chan error, 1)
	go func() {
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			errCh <- err
			return
		}
		respCh <- resp
	}()

	var resp *http.Response
	select {
	case resp = <-respCh:
	case err := <-errCh:
		t.Fatalf("request failed: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for response headers")
	}
	t.Cleanup(func() { resp.Body.Close() })

	reader := bufio.NewReader(resp.Body)
	line, err := reader.ReadBytes('\n')
	require.NoError(t, err)
	var hai protocol.Envelope
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(line), &hai))
	require.Equal(t, protocol.EventHAI, hai.Type)

	hello := protocol.Envelope{ID: "c1", Session: hai.Session, Channel: protocol.ChannelSystem, Type: protocol.EventHAI}
	hello.SetSeq(1)
	hello.TsStr = time.Now().UTC().Format(time.RFC3339Nano)
	payload, _ := json.Marshal(protocol.HAIPayload{HaipVersion: "1.1.2", AcceptMajor: []int{1}})
	hello.Payload = payload
	data, err := hello.Encode()
	require.NoError(t, err)
	_, err = pw.Write(append(data, '\n'))
	require.NoError(t, err)

	ping := protocol.Envelope{Session: hai.Session, Channel: protocol.ChannelSystem, Type: protocol.EventPing}
	ping.SetSeq(2)
	ping.TsStr = time.Now().UTC().Format(time.RFC3339Nano)
	ping.Payload, _ = json.Marshal(protocol.PingPongPayload{Nonce: "abc"})
	pingData, err := ping.Encode()
	require.NoError(t, err)
	_, err = pw.Write(append(pingData, '\n'))
	require.NoError(t, err)

	for {
		l, err := reader.ReadBytes('\n')
		require.NoError(t, err)
		var e protocol.Envelope
		require.NoError(t, json.Unmarshal(bytes.TrimSpace(l), &e))
		if e.Type == protocol.EventPong {
			var p protocol.PingPongPayload
			require.NoError(t, json.Unmarshal(e.Payload, &p))
			require.Equal(t, "abc", p.Nonce)
			break
		}
	}

	pw.Close()
}
