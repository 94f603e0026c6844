// Package speech defines the Provider interface for real-time conversational
// speech backends used as the automated examiner.
//
// A speech provider wraps a bidirectional streaming voice service that accepts
// raw candidate audio and returns synthesised examiner speech plus transcripts
// in a single, stateful session. Examples include the OpenAI Realtime API and
// the Gemini Live API.
//
// The central abstraction is SessionHandle: one long-lived streaming handle
// per exam attempt. Unlike callback-style adapters, all asynchronous output
// (reply audio, reply text, transcripts, errors, termination) is delivered on
// a single Events channel so the caller can merge provider events with client
// messages and timer firings in one serialized loop.
//
// All implementations must be safe for concurrent use.
package speech

import (
	"context"
	"time"
)

// Speaker identifies who produced a transcript fragment.
type Speaker string

const (
	SpeakerExaminer  Speaker = "examiner"
	SpeakerCandidate Speaker = "candidate"
)

// EventKind discriminates the variants of [Event].
type EventKind int

const (
	// EventReplyText carries a fragment of the examiner's spoken reply as text.
	EventReplyText EventKind = iota

	// EventReplyAudio carries a chunk of synthesised examiner speech (PCM16).
	EventReplyAudio

	// EventTranscript carries a completed transcript fragment for either
	// speaker. Candidate fragments are the provider's recognition of input
	// audio; examiner fragments mirror the generated reply.
	EventTranscript

	// EventError reports a provider-side error. The session is no longer
	// usable; a Closed event follows once the handle shuts down.
	EventError

	// EventClosed is the final event on the channel. Err holds the cause when
	// the session ended abnormally, nil on a clean close.
	EventClosed
)

// Event is a single asynchronous occurrence on a speech session. Exactly the
// fields relevant to Kind are populated.
type Event struct {
	Kind      EventKind
	Text      string
	Audio     []byte
	Speaker   Speaker
	Err       error
	Timestamp time.Time
}

// Turn is one prior conversation entry supplied when re-opening a session so
// the examiner can resume coherently after a pause.
type Turn struct {
	Speaker Speaker
	Text    string
}

// SessionConfig is the initial configuration for a new speech session.
type SessionConfig struct {
	// Instructions is the examiner persona and behavioural script for the exam
	// part being conducted.
	Instructions string

	// Voice selects the provider voice for synthesised speech. Empty selects
	// the provider default.
	Voice string

	// PriorConversation, when non-empty, is replayed into the new session as
	// continuation context. Used when re-opening a handle after a pause.
	PriorConversation []Turn
}

// SessionHandle represents an open speech session. It is an interface so test
// code can supply mock implementations without a live provider connection.
//
// Methods must return quickly: audio output is channel-based so the provider's
// receive loop is never blocked by a slow caller. Callers must drain Events
// until EventClosed and must call Close when the session is no longer needed.
type SessionHandle interface {
	// SendAudio delivers a raw PCM16 candidate audio chunk to the provider.
	// It fails fast if the session is closed; chunks are never buffered for a
	// later retry.
	SendAudio(chunk []byte) error

	// TriggerTurn instructs the model to speak next without waiting for
	// candidate audio. Used so the examiner opens the session (or resumes
	// after a re-open) rather than requiring the candidate to speak first.
	// The instruction is a short out-of-band direction, not candidate speech.
	TriggerTurn(instruction string) error

	// Events returns the channel on which all asynchronous session output is
	// delivered. The channel is closed after an EventClosed event.
	Events() <-chan Event

	// Err returns the error that terminated the session, or nil while the
	// session is healthy or after a clean close.
	Err() error

	// Close terminates the session and releases all resources. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Provider is the abstraction over any real-time speech backend.
//
// Implementations must be safe for concurrent use: the server opens one
// session per concurrent exam attempt.
type Provider interface {
	// Connect establishes a new speech session with the given configuration.
	// It blocks until the provider acknowledges setup completion and returns
	// an error if setup does not complete before ctx's deadline. The caller
	// owns the SessionHandle and is responsible for calling Close.
	Connect(ctx context.Context, cfg SessionConfig) (SessionHandle, error)
}
