// Package httpstream implements the HTTP-stream transport adapter: a
// single long-lived POST whose request body is newline-delimited client→
// server envelope JSON and whose response body is the same server→client,
// the server's HAI handshake written as the first response line. Grounded
// on the teacher's runtime/a2a/server.go request-body-size-limited HTTP
// handler shape, generalized from request/response JSON-RPC to a streaming
// duplex body.
package httpstream

import (
	"bufio"
	"context"
	"log/slog"
	"net/http"
	"sync"

	"github.com/haiprotocol/haip/internal/logger"
	"github.com/haiprotocol/haip/internal/protocol"
	"github.com/haiprotocol/haip/internal/session"
)

const (
	maxBodySize = 10 << 20
	outBuffer   = 256
)

// SessionFactory builds a new Session for an accepted stream, given the
// Sink it should write outbound envelopes to.
type SessionFactory func(sink session.Sink) *session.Session

// Handler serves one HAIP session per POST request for the lifetime of the
// connection.
type Handler struct {
	newSession SessionFactory
	log        *slog.Logger
}

func NewHandler(f SessionFactory) *Handler {
	return &Handler{newSession: f, log: logger.For("transport.httpstream")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, maxBodySize)
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.WriteHeader(http.StatusOK)

	c := &streamConn{w: w, flusher: flusher, out: make(chan []byte, outBuffer), done: make(chan struct{})}
	s := h.newSession(c)

	ctx := r.Context()
	if err := s.Start(ctx); err != nil {
		h.log.Warn("session start failed", "error", err)
		return
	}

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		c.writeLoop()
	}()

	scanner := bufio.NewScanner(r.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), maxBodySize)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		if err := s.HandleInbound(ctx, append([]byte(nil), line...)); err != nil {
			h.log.Warn("inbound envelope rejected", "error", err)
		}
	}

	s.Close("connection_closed")
	c.stop()
	wg.Wait()
}

type streamConn struct {
	w       http.ResponseWriter
	flusher http.Flusher

	mu     sync.Mutex
	closed bool
	out    chan []byte
	done   chan struct{}
}

func (c *streamConn) Send(_ context.Context, e *protocol.Envelope) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	data = append(data, '\n')
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	select {
	case c.out <- data:
	default:
	}
	return nil
}

// SendBinary is unsupported: HTTP-stream carries binary inline as base64
// per spec, the same as the SSE adapter.
func (c *streamConn) SendBinary(context.Context, []byte) error { return nil }

func (c *streamConn) Close(string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return nil
}

func (c *streamConn) stop() {
	c.mu.Lock()
	if !c.closed {
		c.closed = true
	}
	c.mu.Unlock()
	close(c.done)
}

func (c *streamConn) writeLoop() {
	for {
		select {
		case data := <-c.out:
			_, _ = c.w.Write(data)
			c.flusher.Flush()
		case <-c.done:
			return
		}
	}
}
