// Package ws implements the WebSocket transport adapter: one
// *websocket.Conn per HAIP session, text frames carrying envelope JSON and
// binary frames carrying raw audio/bin payloads. Grounded on the teacher's
// net/http server shape (runtime/a2a/server.go's Handler/ListenAndServe)
// generalized from single-request-response JSON-RPC to a long-lived
// bidirectional connection, using gorilla/websocket for the frame layer
// since the teacher itself is HTTP/SSE-only.
package ws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/haiprotocol/haip/internal/logger"
	"github.com/haiprotocol/haip/internal/protocol"
	"github.com/haiprotocol/haip/internal/session"
)

const (
	writeWait      = 10 * time.Second
	maxMessageSize = 8 << 20
	sendQueueDepth = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// SessionFactory builds a new Session for an accepted connection, given the
// Sink it should write outbound frames to.
type SessionFactory func(sink session.Sink) *session.Session

// Handler upgrades incoming HTTP requests to WebSocket connections and
// bridges each one to a HAIP session for the lifetime of the socket.
type Handler struct {
	newSession SessionFactory
	log        *slog.Logger
}

func NewHandler(f SessionFactory) *Handler {
	return &Handler{newSession: f, log: logger.For("transport.ws")}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(maxMessageSize)

	c := &wsConn{conn: conn, out: make(chan frame, sendQueueDepth), log: h.log}
	s := h.newSession(c)
	c.session = s

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.readLoop(gctx, s) })

	if err := s.Start(gctx); err != nil {
		h.log.Warn("session start failed", "error", err)
		cancel()
	}

	if err := g.Wait(); err != nil {
		h.log.Debug("websocket connection ended", "error", err)
	}
	s.Close("connection_closed")
}

type frameKind int

const (
	frameText frameKind = iota
	frameBinary
	frameClose
)

type frame struct {
	kind frameKind
	data []byte
}

// wsConn implements session.Sink over a single *websocket.Conn. Writes are
// serialized through a buffered channel consumed by one writer goroutine,
// since gorilla/websocket forbids concurrent writers on the same conn.
type wsConn struct {
	conn    *websocket.Conn
	session *session.Session
	log     *slog.Logger

	mu     sync.Mutex
	closed bool
	out    chan frame
}

func (c *wsConn) Send(_ context.Context, e *protocol.Envelope) error {
	data, err := e.Encode()
	if err != nil {
		return err
	}
	return c.enqueue(frame{kind: frameText, data: data})
}

func (c *wsConn) SendBinary(_ context.Context, data []byte) error {
	return c.enqueue(frame{kind: frameBinary, data: data})
}

func (c *wsConn) Close(reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	_ = c.enqueue(frame{kind: frameClose, data: []byte(reason)})
	return nil
}

func (c *wsConn) enqueue(f frame) error {
	c.mu.Lock()
	closed := c.closed
	c.mu.Unlock()
	if closed && f.kind != frameClose {
		return nil
	}
	select {
	case c.out <- f:
		return nil
	default:
		c.log.Warn("websocket send queue full, dropping connection")
		return websocket.ErrCloseSent
	}
}

func (c *wsConn) writeLoop(ctx context.Context) error {
	for {
		select {
		case f := <-c.out:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			switch f.kind {
			case frameText:
				if err := c.conn.WriteMessage(websocket.TextMessage, f.data); err != nil {
					return err
				}
			case frameBinary:
				if err := c.conn.WriteMessage(websocket.BinaryMessage, f.data); err != nil {
					return err
				}
			case frameClose:
				msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, string(f.data))
				_ = c.conn.WriteMessage(websocket.CloseMessage, msg)
				return c.conn.Close()
			}
		case <-ctx.Done():
			_ = c.conn.Close()
			return ctx.Err()
		}
	}
}

func (c *wsConn) readLoop(ctx context.Context, s *session.Session) error {
	for {
		mt, data, err := c.conn.ReadMessage()
		if err != nil {
			return err
		}
		switch mt {
		case websocket.TextMessage:
			if err := s.HandleInbound(ctx, data); err != nil {
				c.log.Warn("inbound envelope rejected", "error", err)
			}
		case websocket.BinaryMessage:
			if err := s.HandleInboundBinary(ctx, data); err != nil {
				c.log.Warn("inbound binary chunk rejected", "error", err)
			}
		}
	}
}
