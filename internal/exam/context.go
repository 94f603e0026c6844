package exam

import (
	"sync"
	"time"

	"github.com/vivavoce/viva/internal/store"
	"github.com/vivavoce/viva/pkg/provider/speech"
)

// sessionEventBuf is the depth of a session's event queue. Deep enough to
// absorb a burst of adapter audio events without stalling the provider pump.
const sessionEventBuf = 256

// Session is the live state of one exam attempt plus its serialized event
// queue. All fields below the queue are owned exclusively by the session's
// run loop; nothing else reads or writes them after Register.
type Session struct {
	// ExamSessionID is the stable identifier of the exam attempt.
	ExamSessionID string

	// OwnerID is the candidate identity every operation is verified against.
	OwnerID string

	// Part is the exam segment being conducted.
	Part int

	// TimeLimit is the fixed budget. Zero means untimed.
	TimeLimit time.Duration

	// events is the serialized input queue; post delivers into it.
	events chan event

	// done is closed when the run loop exits; posts after that are refused.
	done chan struct{}

	// ── run-loop-owned state ──────────────────────────────────────────────

	// state is written only by the run loop; the mutex makes it readable
	// from the gatekeeper and tests without tearing. Decisions taken on an
	// outside read are always re-validated inside the loop.
	stateMu sync.Mutex
	state   State

	// conn is the attached network connection; nil while disconnected.
	conn Conn

	// handle is the open speech-provider handle; nil while released.
	handle speech.SessionHandle

	// handleGen counts adapter opens. Events tagged with an older generation
	// come from a handle this session already discarded.
	handleGen int

	// log is the append-only conversation. flushedLen marks how much of it
	// has already been persisted, so repeated flushes are cheap no-ops.
	log        []store.TranscriptEntry
	flushedLen int

	// startedAt anchors the attempt; activeSince anchors the current Active
	// stretch. elapsedFrozen accumulates completed Active stretches and is
	// authoritative whenever state != Active.
	startedAt     time.Time
	activeSince   time.Time
	elapsedFrozen time.Duration

	// expectedEndAt is recomputed on every (re)entry into Active.
	expectedEndAt time.Time

	// lastAudioAt is the arrival time of the most recent accepted chunk.
	lastAudioAt time.Time

	// audioIn is the total playback duration of accepted candidate audio.
	audioIn time.Duration

	timers *TimerSet
	rate   *RateWindow

	// adapterAttempts and lastAdapterErr are diagnostic bookkeeping.
	adapterAttempts int
	lastAdapterErr  error
}

// State returns the session's current state.
func (s *Session) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

// setState records a transition. Only the run loop calls this.
func (s *Session) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// elapsed returns the attempt's charged time at now.
func (s *Session) elapsed(now time.Time) time.Duration {
	if s.state == StateActive {
		return s.elapsedFrozen + now.Sub(s.activeSince)
	}
	return s.elapsedFrozen
}

// remaining returns the unspent budget at now; untimed sessions return zero.
func (s *Session) remaining(now time.Time) time.Duration {
	if s.TimeLimit <= 0 {
		return 0
	}
	r := s.TimeLimit - s.elapsed(now)
	if r < 0 {
		return 0
	}
	return r
}

// post delivers ev to the run loop. It reports false once the loop has
// terminated, so callers racing a teardown degrade to a no-op instead of
// blocking or panicking.
func (s *Session) post(ev event) bool {
	select {
	case <-s.done:
		return false
	default:
	}
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}
