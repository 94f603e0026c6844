// Package openai implements the speech.Provider interface for OpenAI's
// Realtime API.
//
// It establishes a bidirectional WebSocket connection to the Realtime endpoint
// and exchanges JSON events according to the Realtime API protocol. Audio is
// transmitted as base64-encoded PCM16 chunks. Connect blocks until the server
// confirms the session.update round-trip so the handle is never returned in a
// half-configured state.
package openai

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/vivavoce/viva/pkg/audio"
	"github.com/vivavoce/viva/pkg/provider/speech"
)

// Compile-time assertions that Provider and session satisfy the speech interfaces.
var _ speech.Provider = (*Provider)(nil)
var _ speech.SessionHandle = (*session)(nil)

const (
	defaultModel   = "gpt-4o-realtime-preview"
	defaultBaseURL = "wss://api.openai.com/v1/realtime"

	// defaultSetupTimeout bounds the wait for the server's session
	// acknowledgement after the WebSocket dial succeeds.
	defaultSetupTimeout = 10 * time.Second

	// apiSampleRate is the PCM16 rate the Realtime API speaks in both
	// directions. Candidate audio is captured at [audio.InputFormat] and must
	// be resampled up before transmission.
	apiSampleRate = 24000

	eventBuf = 64

	// closedEventTimeout bounds the delivery of the terminal Closed event
	// when the consumer has a full buffer and has stopped draining.
	closedEventTimeout = 5 * time.Second
)

// ── Options ────────────────────────────────────────────────────────────────────

// Option is a functional option for configuring a Provider.
type Option func(*Provider)

// WithModel sets the OpenAI model used for sessions.
func WithModel(model string) Option {
	return func(p *Provider) { p.model = model }
}

// WithBaseURL overrides the base WebSocket URL. Primarily used in tests to
// point at a local mock server.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithSetupTimeout overrides the setup acknowledgement timeout.
func WithSetupTimeout(d time.Duration) Option {
	return func(p *Provider) { p.setupTimeout = d }
}

// ── Provider ───────────────────────────────────────────────────────────────────

// Provider implements speech.Provider for OpenAI's Realtime API.
type Provider struct {
	apiKey       string
	model        string
	baseURL      string
	setupTimeout time.Duration
}

// New creates a new OpenAI Realtime Provider with the given API key and options.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{
		apiKey:       apiKey,
		model:        defaultModel,
		baseURL:      defaultBaseURL,
		setupTimeout: defaultSetupTimeout,
	}
	for _, o := range opts {
		o(p)
	}
	return p
}

// Connect establishes a new OpenAI Realtime session. It sends the
// session.update configuration, replays any prior conversation as
// conversation items, and waits for the server's session acknowledgement
// before returning. On setup timeout or early close the partial handle is
// discarded.
func (p *Provider) Connect(ctx context.Context, cfg speech.SessionConfig) (speech.SessionHandle, error) {
	wsURL := fmt.Sprintf("%s?model=%s", p.baseURL, p.model)

	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{
			"Authorization": []string{"Bearer " + p.apiKey},
			"OpenAI-Beta":   []string{"realtime=v1"},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("openai: dial: %w", err)
	}

	sessCtx, sessCancel := context.WithCancel(context.Background())
	sess := &session{
		conn:     conn,
		events:   make(chan speech.Event, eventBuf),
		setupAck: make(chan error, 1),
		ctx:      sessCtx,
		cancel:   sessCancel,
	}

	if err := sess.sendSessionUpdate(cfg.Voice, cfg.Instructions); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "session update failed")
		return nil, fmt.Errorf("openai: session update: %w", err)
	}
	if err := sess.replayConversation(cfg.PriorConversation); err != nil {
		sessCancel()
		conn.Close(websocket.StatusInternalError, "context replay failed")
		return nil, fmt.Errorf("openai: replay conversation: %w", err)
	}

	go sess.receiveLoop()

	// Wait for the server to acknowledge the session before handing out the
	// handle. A provider-side close before acknowledgement fails the open.
	setupTimer := time.NewTimer(p.setupTimeout)
	defer setupTimer.Stop()
	select {
	case err := <-sess.setupAck:
		if err != nil {
			_ = sess.Close()
			return nil, fmt.Errorf("openai: setup: %w", err)
		}
	case <-setupTimer.C:
		_ = sess.Close()
		return nil, fmt.Errorf("openai: setup timeout after %s", p.setupTimeout)
	case <-ctx.Done():
		_ = sess.Close()
		return nil, fmt.Errorf("openai: setup: %w", ctx.Err())
	}

	return sess, nil
}

// ── Protocol message types (outgoing) ─────────────────────────────────────────

type sessionUpdateMessage struct {
	Type    string        `json:"type"`
	Session sessionParams `json:"session"`
}

type sessionParams struct {
	Voice             string `json:"voice,omitempty"`
	Instructions      string `json:"instructions,omitempty"`
	InputAudioFormat  string `json:"input_audio_format"`
	OutputAudioFormat string `json:"output_audio_format"`
}

type appendAudioMessage struct {
	Type  string `json:"type"`
	Audio string `json:"audio"` // base64-encoded PCM16
}

type createConversationItemMessage struct {
	Type string           `json:"type"`
	Item conversationItem `json:"item"`
}

type conversationItem struct {
	Type    string             `json:"type"`
	Role    string             `json:"role,omitempty"`
	Content []conversationPart `json:"content,omitempty"`
}

type conversationPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type createResponseMessage struct {
	Type string `json:"type"`
}

// serverErrorDetail represents the nested error object in a Realtime error
// event: {"type":"error","error":{"type":"...","code":"...","message":"..."}}.
type serverErrorDetail struct {
	Type    string `json:"type"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

// ── Protocol message types (incoming) ─────────────────────────────────────────

type serverEvent struct {
	Type string `json:"type"`

	// response.audio.delta / response.audio_transcript.delta
	Delta string `json:"delta,omitempty"`

	// conversation.item.input_audio_transcription.completed
	Transcript string `json:"transcript,omitempty"`

	// error event
	Error *serverErrorDetail `json:"error,omitempty"`
}

// ── session ────────────────────────────────────────────────────────────────────

type session struct {
	conn   *websocket.Conn
	events chan speech.Event

	// setupAck receives nil once the server confirms the session, or the
	// terminating error if the stream dies first.
	setupAck chan error

	mu     sync.Mutex
	ready  bool
	errVal error
	closed bool

	// currentReply accumulates response.audio_transcript.delta fragments
	// until response.audio_transcript.done arrives.
	currentReply string

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
}

// sendSessionUpdate configures voice, instructions, and audio formats.
func (s *session) sendSessionUpdate(voice, instructions string) error {
	return s.writeJSON(sessionUpdateMessage{
		Type: "session.update",
		Session: sessionParams{
			Voice:             voice,
			Instructions:      instructions,
			InputAudioFormat:  "pcm16",
			OutputAudioFormat: "pcm16",
		},
	})
}

// replayConversation injects prior turns as conversation items so a re-opened
// session continues where the paused one stopped.
func (s *session) replayConversation(turns []speech.Turn) error {
	for _, turn := range turns {
		role := "user"
		partType := "input_text"
		if turn.Speaker == speech.SpeakerExaminer {
			role = "assistant"
			partType = "text"
		}
		msg := createConversationItemMessage{
			Type: "conversation.item.create",
			Item: conversationItem{
				Type: "message",
				Role: role,
				Content: []conversationPart{
					{Type: partType, Text: turn.Text},
				},
			},
		}
		if err := s.writeJSON(msg); err != nil {
			return err
		}
	}
	return nil
}

// writeJSON marshals v and writes it as a text WebSocket message.
func (s *session) writeJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("openai: marshal: %w", err)
	}
	return s.conn.Write(s.ctx, websocket.MessageText, data)
}

// receiveLoop reads events from the WebSocket and dispatches them. It owns the
// events channel: it emits the final EventClosed and closes the channel when
// it exits.
func (s *session) receiveLoop() {
	defer s.finish()

	for {
		_, data, err := s.conn.Read(s.ctx)
		if err != nil {
			if s.ctx.Err() != nil {
				return
			}
			s.setErr(err)
			s.failSetup(err)
			return
		}

		var evt serverEvent
		if err := json.Unmarshal(data, &evt); err != nil {
			continue
		}

		s.handleServerEvent(&evt)
	}
}

func (s *session) handleServerEvent(evt *serverEvent) {
	switch evt.Type {
	case "session.created", "session.updated":
		s.ackSetup()

	case "response.audio.delta":
		if evt.Delta == "" {
			return
		}
		audioData, err := base64.StdEncoding.DecodeString(evt.Delta)
		if err != nil || len(audioData) == 0 {
			return
		}
		s.emit(speech.Event{
			Kind:      speech.EventReplyAudio,
			Audio:     audioData,
			Speaker:   speech.SpeakerExaminer,
			Timestamp: time.Now(),
		})

	case "response.audio_transcript.delta":
		if evt.Delta == "" {
			return
		}
		s.mu.Lock()
		s.currentReply += evt.Delta
		s.mu.Unlock()
		s.emit(speech.Event{
			Kind:      speech.EventReplyText,
			Text:      evt.Delta,
			Speaker:   speech.SpeakerExaminer,
			Timestamp: time.Now(),
		})

	case "response.audio_transcript.done":
		s.mu.Lock()
		text := s.currentReply
		s.currentReply = ""
		s.mu.Unlock()
		if text == "" {
			return
		}
		s.emit(speech.Event{
			Kind:      speech.EventTranscript,
			Text:      text,
			Speaker:   speech.SpeakerExaminer,
			Timestamp: time.Now(),
		})

	case "conversation.item.input_audio_transcription.completed":
		if evt.Transcript == "" {
			return
		}
		s.emit(speech.Event{
			Kind:      speech.EventTranscript,
			Text:      evt.Transcript,
			Speaker:   speech.SpeakerCandidate,
			Timestamp: time.Now(),
		})

	case "error":
		msg := "unknown error"
		if evt.Error != nil && evt.Error.Message != "" {
			msg = evt.Error.Message
		}
		err := fmt.Errorf("openai: %s", msg)
		s.setErr(err)
		s.failSetup(err)
		s.emit(speech.Event{
			Kind:      speech.EventError,
			Err:       err,
			Timestamp: time.Now(),
		})
	}
}

// ackSetup marks the session ready and releases a Connect waiting on setup.
func (s *session) ackSetup() {
	s.mu.Lock()
	already := s.ready
	s.ready = true
	s.mu.Unlock()
	if already {
		return
	}
	select {
	case s.setupAck <- nil:
	default:
	}
}

// failSetup releases a Connect waiting on setup with err. No-op once the
// session is ready or a verdict was already delivered.
func (s *session) failSetup(err error) {
	select {
	case s.setupAck <- err:
	default:
	}
}

func (s *session) setErr(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.errVal == nil {
		s.errVal = err
	}
}

// emit delivers an event unless the session context is gone.
func (s *session) emit(evt speech.Event) {
	select {
	case s.events <- evt:
	case <-s.ctx.Done():
	}
}

// finish emits the terminal EventClosed and closes the events channel.
func (s *session) finish() {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		err := s.errVal
		s.mu.Unlock()
		// The terminal event must not be lost to a full buffer; block until
		// the consumer drains, bounded so an abandoned handle cannot wedge
		// the receive loop forever.
		select {
		case s.events <- speech.Event{Kind: speech.EventClosed, Err: err, Timestamp: time.Now()}:
		case <-time.After(closedEventTimeout):
		}
		close(s.events)
	})
}

// ── SessionHandle methods ──────────────────────────────────────────────────────

// SendAudio delivers a raw PCM16 audio chunk to the model, resampling from
// the capture rate to the API rate.
func (s *session) SendAudio(chunk []byte) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai: session closed")
	}
	if !s.ready {
		s.mu.Unlock()
		return fmt.Errorf("openai: session setup not complete")
	}
	s.mu.Unlock()

	pcm := audio.ResampleMono16(chunk, audio.InputFormat.SampleRate, apiSampleRate)
	encoded := base64.StdEncoding.EncodeToString(pcm)
	return s.writeJSON(appendAudioMessage{
		Type:  "input_audio_buffer.append",
		Audio: encoded,
	})
}

// TriggerTurn injects a system instruction and requests a model response so
// the examiner speaks without waiting for candidate audio.
func (s *session) TriggerTurn(instruction string) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("openai: session closed")
	}
	s.mu.Unlock()

	if instruction != "" {
		msg := createConversationItemMessage{
			Type: "conversation.item.create",
			Item: conversationItem{
				Type: "message",
				Role: "system",
				Content: []conversationPart{
					{Type: "input_text", Text: instruction},
				},
			},
		}
		if err := s.writeJSON(msg); err != nil {
			return err
		}
	}
	return s.writeJSON(createResponseMessage{Type: "response.create"})
}

// Events returns the channel on which session events arrive.
func (s *session) Events() <-chan speech.Event { return s.events }

// Err returns the first non-nil error that terminated the session.
func (s *session) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.errVal
}

// Close terminates the session and releases all resources. Idempotent.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.conn.Close(websocket.StatusNormalClosure, "session closed")
	return nil
}
