// Package gateway is the WebSocket front door. It upgrades HTTP requests,
// hands new connections to the exam gatekeeper for admission, decodes client
// messages into orchestrator calls, and pushes server events back out.
//
// The gateway owns only transport concerns: framing, JSON codec, write
// queueing, close codes. All session semantics live in internal/exam.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/vivavoce/viva/internal/exam"
)

const (
	// sendQueueDepth is the per-connection outbound buffer. A peer that
	// cannot drain this many events is considered stuck and is closed.
	sendQueueDepth = 128

	// writeTimeout bounds a single frame write to the peer.
	writeTimeout = 5 * time.Second

	// readLimitSlack is added on top of the derived frame limit to account
	// for JSON envelope overhead around the base64 payload.
	readLimitSlack = 4 * 1024

	// readLimitFactor sizes the transport frame limit as a multiple of the
	// configured chunk ceiling. Oversized chunks up to this multiple must
	// reach the session core so the client gets a recoverable size rejection
	// instead of a dead connection; only grossly oversized frames are cut at
	// the transport.
	readLimitFactor = 2
)

// WebSocket close codes in the application range.
const (
	closeRejected  websocket.StatusCode = 4001 // admission rejected
	closeStuckPeer websocket.StatusCode = 4002 // outbound queue overflow
)

// Core is the slice of the orchestrator the gateway drives. Satisfied by
// [exam.Orchestrator]; tests supply fakes.
type Core interface {
	HandleAudio(connID, encoded string, clientTS time.Time)
	HandlePause(connID string)
	HandleResume(connID string)
	HandleEnd(connID, reason string)
	HandleDisconnect(connID string)
}

// Admitter decides whether a new connection may join a session. Satisfied by
// [exam.Gatekeeper].
type Admitter interface {
	Admit(ctx context.Context, conn exam.Conn, examSessionID, token string) *exam.RejectError
}

// clientMessage is the single inbound frame shape. Type selects which fields
// are meaningful.
type clientMessage struct {
	Type      string     `json:"type"` // "audio", "pause", "resume", "end"
	Audio     string     `json:"audio,omitempty"`
	Timestamp *time.Time `json:"timestamp,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// Handler upgrades and serves exam WebSocket connections.
type Handler struct {
	admitter  Admitter
	core      Core
	readLimit int64
}

// New creates a Handler. maxChunkBytes is the configured audio chunk ceiling;
// the connection read limit is derived from it.
func New(admitter Admitter, core Core, maxChunkBytes int) *Handler {
	return &Handler{
		admitter:  admitter,
		core:      core,
		readLimit: int64(readLimitFactor*maxChunkBytes + readLimitSlack),
	}
}

// ServeHTTP implements the connection endpoint. The exam session id is the
// "session" query parameter; the credential is the "token" query parameter or
// an Authorization bearer header.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, nil)
	if err != nil {
		slog.Warn("websocket accept failed", "remote", r.RemoteAddr, "err", err)
		return
	}
	ws.SetReadLimit(h.readLimit)

	c := newConn(ws)
	go c.writeLoop()

	examSessionID := r.URL.Query().Get("session")
	token := bearerToken(r)

	if rej := h.admitter.Admit(r.Context(), c, examSessionID, token); rej != nil {
		c.Kick(rej.Code, rej.Message)
		return
	}

	h.readLoop(c)
}

// readLoop decodes inbound frames until the connection dies, then reports the
// disconnect. It runs on the request goroutine so the HTTP handler stays
// alive for the connection's lifetime.
func (h *Handler) readLoop(c *conn) {
	defer h.core.HandleDisconnect(c.ID())

	for {
		_, data, err := c.ws.Read(context.Background())
		if err != nil {
			c.shutdown(websocket.CloseStatus(err), "read")
			return
		}

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.Send(exam.ServerEvent{
				Type:    exam.EventRecoverableError,
				Code:    string(exam.CodeAudioChunkInvalid),
				Message: "message is not valid JSON",
			})
			continue
		}

		switch msg.Type {
		case "audio":
			ts := time.Now()
			if msg.Timestamp != nil {
				ts = *msg.Timestamp
			}
			h.core.HandleAudio(c.ID(), msg.Audio, ts)
		case "pause":
			h.core.HandlePause(c.ID())
		case "resume":
			h.core.HandleResume(c.ID())
		case "end":
			h.core.HandleEnd(c.ID(), msg.Reason)
		default:
			c.Send(exam.ServerEvent{
				Type:    exam.EventRecoverableError,
				Code:    string(exam.CodeStateMismatch),
				Message: "unknown message type " + msg.Type,
			})
		}
	}
}

// bearerToken extracts the credential from the token query parameter or the
// Authorization header.
func bearerToken(r *http.Request) string {
	if tok := r.URL.Query().Get("token"); tok != "" {
		return tok
	}
	auth := r.Header.Get("Authorization")
	if rest, ok := strings.CutPrefix(auth, "Bearer "); ok {
		return rest
	}
	return ""
}
