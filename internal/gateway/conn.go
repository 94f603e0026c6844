package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	"github.com/vivavoce/viva/internal/exam"
)

// outbound is one queued frame plus an optional close to perform after it is
// written.
type outbound struct {
	event exam.ServerEvent
	close *closeAction
}

type closeAction struct {
	code   websocket.StatusCode
	reason string
}

// conn adapts a *websocket.Conn to [exam.Conn]. Outbound events pass through
// a buffered queue drained by a single writer goroutine, so Send never blocks
// the orchestrator's run loop; a peer that lets the queue overflow is closed.
type conn struct {
	id string
	ws *websocket.Conn

	sendCh chan outbound

	mu     sync.Mutex
	closed bool
}

var _ exam.Conn = (*conn)(nil)

func newConn(ws *websocket.Conn) *conn {
	return &conn{
		id:     uuid.NewString(),
		ws:     ws,
		sendCh: make(chan outbound, sendQueueDepth),
	}
}

// ID implements [exam.Conn].
func (c *conn) ID() string { return c.id }

// Send implements [exam.Conn]. It never blocks: when the queue is full the
// peer is deemed stuck and the connection is closed.
func (c *conn) Send(ev exam.ServerEvent) {
	c.enqueue(outbound{event: ev})
}

// Kick implements [exam.Conn]: a final rejection event followed by a close.
func (c *conn) Kick(code exam.RejectCode, message string) {
	c.enqueue(outbound{
		event: exam.ServerEvent{
			Type:    exam.EventConnectRejected,
			Code:    string(code),
			Message: message,
		},
		close: &closeAction{code: closeRejected, reason: string(code)},
	})
}

// Close implements [exam.Conn]: a normal close after any queued events.
func (c *conn) Close() {
	c.enqueue(outbound{close: &closeAction{code: websocket.StatusNormalClosure, reason: "session ended"}})
}

func (c *conn) enqueue(out outbound) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	select {
	case c.sendCh <- out:
		c.mu.Unlock()
	default:
		c.markClosedLocked()
		c.mu.Unlock()
		slog.Warn("outbound queue overflow, closing connection", "connection_id", c.id)
		_ = c.ws.Close(closeStuckPeer, "outbound queue overflow")
	}
}

// markClosedLocked flips the closed flag and closes the send queue so the
// writer goroutine drains and exits. Callers must hold mu. All sends on
// sendCh also happen under mu, so closing here cannot race a send.
func (c *conn) markClosedLocked() {
	if c.closed {
		return
	}
	c.closed = true
	close(c.sendCh)
}

// shutdown marks the connection dead after a read failure so late Sends
// become no-ops and the writer goroutine winds down. status is logged for
// diagnosis.
func (c *conn) shutdown(status websocket.StatusCode, where string) {
	c.mu.Lock()
	already := c.closed
	c.markClosedLocked()
	c.mu.Unlock()
	if !already {
		slog.Debug("connection closed", "connection_id", c.id, "status", int(status), "where", where)
	}
}

// writeLoop drains the outbound queue onto the socket. It exits when a write
// fails or a queued close is performed; the read loop observes the closed
// socket and reports the disconnect.
func (c *conn) writeLoop() {
	for out := range c.sendCh {
		if out.event.Type != "" {
			if err := c.writeEvent(out.event); err != nil {
				c.shutdown(websocket.CloseStatus(err), "write")
				return
			}
		}
		if out.close != nil {
			c.mu.Lock()
			c.markClosedLocked()
			c.mu.Unlock()
			_ = c.ws.Close(out.close.code, out.close.reason)
			return
		}
	}
}

func (c *conn) writeEvent(ev exam.ServerEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return c.ws.Write(ctx, websocket.MessageText, data)
}
