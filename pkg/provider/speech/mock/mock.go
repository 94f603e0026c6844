// Package mock provides test doubles for the speech package interfaces.
//
// Use Provider to verify Connect calls and feed controlled sessions. Use
// Session to drive the event stream and inspect which methods the
// orchestrator invoked.
//
// Example:
//
//	sess := mock.NewSession()
//	p := &mock.Provider{Session: sess}
//	handle, _ := p.Connect(ctx, cfg)
//	sess.Emit(speech.Event{Kind: speech.EventReplyText, Text: "Let us begin."})
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/vivavoce/viva/pkg/provider/speech"
)

// ConnectCall records a single invocation of Provider.Connect.
type ConnectCall struct {
	// Ctx is the context passed to Connect.
	Ctx context.Context
	// Cfg is the SessionConfig passed to Connect.
	Cfg speech.SessionConfig
}

// Provider is a mock implementation of speech.Provider.
type Provider struct {
	mu sync.Mutex

	// Session is the SessionHandle returned by Connect. If nil, Connect
	// returns a fresh default Session.
	Session speech.SessionHandle

	// ConnectErr, if non-nil, is returned as the error from Connect.
	ConnectErr error

	// ConnectDelay, if non-zero, is slept before Connect returns. Used to
	// exercise setup-timeout paths.
	ConnectDelay time.Duration

	// ConnectCalls records every call to Connect in order.
	ConnectCalls []ConnectCall

	// Returned records every SessionHandle handed out, in order. Useful when
	// Session is nil and each Connect creates a fresh default Session.
	Returned []speech.SessionHandle
}

// Connect records the call and returns Session, ConnectErr.
func (p *Provider) Connect(ctx context.Context, cfg speech.SessionConfig) (speech.SessionHandle, error) {
	p.mu.Lock()
	p.ConnectCalls = append(p.ConnectCalls, ConnectCall{Ctx: ctx, Cfg: cfg})
	delay := p.ConnectDelay
	connectErr := p.ConnectErr
	sess := p.Session
	p.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if connectErr != nil {
		return nil, connectErr
	}
	if sess == nil {
		sess = NewSession()
	}
	p.mu.Lock()
	p.Returned = append(p.Returned, sess)
	p.mu.Unlock()
	return sess, nil
}

// Handles returns a copy of the handles handed out by Connect.
func (p *Provider) Handles() []speech.SessionHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]speech.SessionHandle, len(p.Returned))
	copy(out, p.Returned)
	return out
}

// Calls returns a copy of the recorded Connect calls.
func (p *Provider) Calls() []ConnectCall {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]ConnectCall, len(p.ConnectCalls))
	copy(out, p.ConnectCalls)
	return out
}

// Ensure Provider implements speech.Provider at compile time.
var _ speech.Provider = (*Provider)(nil)

// Session is a mock implementation of speech.SessionHandle. Drive the event
// stream with Emit and end it with Finish.
type Session struct {
	mu sync.Mutex

	// SendAudioErr, if non-nil, is returned from SendAudio.
	SendAudioErr error

	// TriggerTurnErr, if non-nil, is returned from TriggerTurn.
	TriggerTurnErr error

	// SentChunks records copies of every chunk passed to SendAudio.
	SentChunks [][]byte

	// TurnInstructions records every instruction passed to TriggerTurn.
	TurnInstructions []string

	// CloseCount is the number of times Close was called.
	CloseCount int

	errVal   error
	closed   bool
	finished bool

	events chan speech.Event
}

// NewSession creates a Session with a buffered event channel.
func NewSession() *Session {
	return &Session{events: make(chan speech.Event, 64)}
}

// Emit delivers an event to the session's consumer. Returns false if the
// stream already finished.
func (s *Session) Emit(evt speech.Event) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return false
	}
	s.events <- evt
	return true
}

// Fail records err, emits an EventError, and finishes the stream — the shape
// a real provider produces on an upstream failure.
func (s *Session) Fail(err error) {
	s.mu.Lock()
	if s.finished {
		s.mu.Unlock()
		return
	}
	s.errVal = err
	s.events <- speech.Event{Kind: speech.EventError, Err: err, Timestamp: time.Now()}
	s.mu.Unlock()
	s.Finish()
}

// Finish emits the terminal EventClosed and closes the event channel.
func (s *Session) Finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.finished {
		return
	}
	s.finished = true
	s.events <- speech.Event{Kind: speech.EventClosed, Err: s.errVal, Timestamp: time.Now()}
	close(s.events)
}

// SendAudio records the chunk and returns SendAudioErr.
func (s *Session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.SendAudioErr != nil {
		return s.SendAudioErr
	}
	cp := make([]byte, len(chunk))
	copy(cp, chunk)
	s.SentChunks = append(s.SentChunks, cp)
	return nil
}

// TriggerTurn records the instruction and returns TriggerTurnErr.
func (s *Session) TriggerTurn(instruction string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TriggerTurnErr != nil {
		return s.TriggerTurnErr
	}
	s.TurnInstructions = append(s.TurnInstructions, instruction)
	return nil
}

// Events returns the mock event channel.
func (s *Session) Events() <-chan speech.Event { return s.events }

// Err returns the error recorded by Fail, if any.
func (s *Session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close increments CloseCount and finishes the stream. Idempotent.
func (s *Session) Close() error {
	s.mu.Lock()
	s.CloseCount++
	alreadyClosed := s.closed
	s.closed = true
	s.mu.Unlock()
	if !alreadyClosed {
		s.Finish()
	}
	return nil
}

// Sent returns a copy of the recorded audio chunks.
func (s *Session) Sent() [][]byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([][]byte, len(s.SentChunks))
	copy(out, s.SentChunks)
	return out
}

// Turns returns a copy of the recorded TriggerTurn instructions.
func (s *Session) Turns() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, len(s.TurnInstructions))
	copy(out, s.TurnInstructions)
	return out
}

// Closes returns the number of Close calls.
func (s *Session) Closes() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.CloseCount
}

// Ensure Session implements speech.SessionHandle at compile time.
var _ speech.SessionHandle = (*Session)(nil)
