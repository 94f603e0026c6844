package exam

import (
	"time"

	"github.com/vivavoce/viva/pkg/provider/speech"
)

// Server → client event types.
const (
	EventReady            = "ready"
	EventReply            = "reply"
	EventTimeWarning      = "time_warning"
	EventPausedAck        = "paused"
	EventResumedAck       = "resumed"
	EventPauseExpired     = "pause_expired"
	EventEnded            = "ended"
	EventRecoverableError = "error"
	EventConnectRejected  = "rejected"
)

// ServerEvent is a discrete message pushed to the client. Exactly the fields
// relevant to Type are populated; the rest are omitted on the wire.
type ServerEvent struct {
	Type string `json:"type"`

	// ready
	ExamSessionID    string     `json:"examSessionId,omitempty"`
	Part             int        `json:"part,omitempty"`
	StartTime        *time.Time `json:"startTime,omitempty"`
	TimeLimitSeconds int        `json:"timeLimitSeconds,omitempty"`
	Status           string     `json:"status,omitempty"` // "ready" or "reconnected"

	// reply
	Text        string     `json:"text,omitempty"`
	Audio       string     `json:"audio,omitempty"` // base64 PCM16
	AudioFormat string     `json:"audioFormat,omitempty"`
	Timestamp   *time.Time `json:"timestamp,omitempty"`

	// time_warning
	RemainingSeconds int `json:"remainingSeconds,omitempty"`

	// paused
	ElapsedSeconds int `json:"elapsedSeconds,omitempty"`

	// ended
	Reason string `json:"reason,omitempty"`

	// error / rejected
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// Conn is the transport attachment the orchestrator pushes events through.
// The gateway implements it over a WebSocket; tests supply fakes.
//
// Send must not block the caller: implementations enqueue and drop-or-close
// on a stuck peer. Kick closes the connection with a rejection code.
type Conn interface {
	// ID is the unique identifier of this network connection.
	ID() string

	// Send enqueues a server event for delivery.
	Send(ev ServerEvent)

	// Kick sends a final rejection event and closes the connection.
	Kick(code RejectCode, message string)

	// Close closes the connection normally, after any queued events.
	Close()
}

// event is the closed set of inputs a session's event loop processes. All
// session mutation happens by handling these, one at a time.
type event interface{ isEvent() }

// evAudio is an inbound candidate audio chunk, still base64-encoded.
type evAudio struct {
	encoded  string
	clientTS time.Time
}

// evPause is an explicit pause request.
type evPause struct{}

// evResume is an explicit resume request.
type evResume struct{}

// evEnd is an explicit end request from the attached client.
type evEnd struct{ reason string }

// evDisconnect reports that the attached connection with the given id went
// away. Stale ids (after a reconnect) are ignored.
type evDisconnect struct{ connID string }

// evReattach asks the loop to adopt a new connection during the grace period.
type evReattach struct{ conn Conn }

// evTimer reports that the timer with the given purpose fired.
type evTimer struct{ purpose TimerPurpose }

// evAdapter delivers one asynchronous speech-provider event. gen identifies
// which adapter handle produced it so events from a deliberately closed
// handle are ignored.
type evAdapter struct {
	gen int
	evt speech.Event
}

// evForceEnd is an administrative termination, possibly with no attached
// connection.
type evForceEnd struct{ reason string }

func (evAudio) isEvent()      {}
func (evPause) isEvent()      {}
func (evResume) isEvent()     {}
func (evEnd) isEvent()        {}
func (evDisconnect) isEvent() {}
func (evReattach) isEvent()   {}
func (evTimer) isEvent()      {}
func (evAdapter) isEvent()    {}
func (evForceEnd) isEvent()   {}
