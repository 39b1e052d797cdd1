// Package sse implements the SSE transport adapter: a GET endpoint streams
// server→client envelopes as `data: <json>\n\n`, and a paired POST endpoint
// carries newline-delimited client→server envelopes for the same session.
// Grounded on the teacher's runtime/a2a/server_stream.go writeSSE/
// http.Flusher idiom, generalized from one-shot JSON-RPC responses to a
// standing per-session event stream.
package sse

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"sync"

	"github.com/haiprotocol/haip/internal/logger"
	"github.com/haiprotocol/haip/internal/protocol"
	"github.com/haiprotocol/haip/internal/session"
)

const eventBuffer = 128

// SessionFactory builds a new Session for an accepted stream, given the
// Sink it should write outbound envelopes to.
type SessionFactory func(sink session.Sink) *session.Session

// Handler exposes a paired GET (event stream) / POST (inbound envelopes)
// HTTP surface per session, keyed by the server-assigned session id that
// the GET stream's HAI envelope carries and the POST side names in its path.
type Handler struct {
	newSession SessionFactory
	log        *slog.Logger

	mu       sync.Mutex
	sessions map[string]*sseConn // session id -> conn
}

func NewHandler(f SessionFactory) *Handler {
	return &Handler{newSession: f, log: logger.For("transport.sse"), sessions: make(map[string]*sseConn)}
}

// ServeStream handles GET /stream: opens the SSE connection and creates the
// session. The response is held open for the session's lifetime.
func (h *Handler) ServeStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	c := &sseConn{w: w, flusher: flusher, out: make(chan []byte, eventBuffer), done: make(chan struct{})}
	s := h.newSession(c)
	c.sessionID = s.ID()
	c.session = s

	h.mu.Lock()
	h.sessions[s.ID()] = c
	h.mu.Unlock()
	defer func() {
		h.mu.Lock()
		delete(h.sessions, s.ID())
		h.mu.Unlock()
	}()

	ctx := r.Context()
	if err := s.Start(ctx); err != nil {
		h.log.Warn("session start failed", "error", err)
		return
	}

	for {
		select {
		case data := <-c.out:
			_, _ = fmt.Fprintf(w, "data: %s\n\n", data)
			flusher.Flush()
		case <-c.done:
			return
		case <-ctx.Done():
			s.Close("connection_closed")
			return
		}
	}
}

// ServePost handles POST /sessions/{id}/envelopes: the request body is
// newline-delimited envelope JSON for the session named in the path.
func (h *Handler) ServePost(sessionID string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.Lock()
		c := h.sessions[sessionID]
		h.mu.Unlock()
		if c == nil {
			http.Error(w, "unknown session", http.StatusNotFound)
			return
		}

		scanner := bufio.NewScanner(r.Body)
		scanner.Buffer(make([]byte, 0, 64*1024), 8<<20)
		for scanner.Scan() {
			line := scanner.Bytes()
			if len(line) == 0 {
				continue
			}
			if err := c.session.HandleInbound(r.Context(), append([]byte(nil), line...)); err != nil {
				h.log.Warn("inbound envelope rejected", "error", err)
			}
		}
		w.WriteHeader(http.StatusAccepted)
	}
}

// sseConn implements session.Sink over the held-open GET response. Binary
// frames have no place on an SSE transport so SendBinary always errors;
// clients must use base64-inline AUDIO_CHUNK payloads instead.
type sseConn struct {
	w         http.ResponseWriter
	flusher   http.Flusher
	sessionID string
	session   *session.Session

	mu     sync.Mutex
	closed bool
	out    chan []byte
	done   chan struct{}
}

func (c *sseConn) Send(_ context.Context, e *protocol.Envelope) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
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

func (c *sseConn) SendBinary(context.Context, []byte) error {
	return fmt.Errorf("sse: binary frames unsupported, use base64-inline AUDIO_CHUNK")
}

func (c *sseConn) Close(string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	close(c.done)
	return nil
}
