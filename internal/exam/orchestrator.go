// Package exam implements the real-time oral-examination session core: the
// per-session state machine, timer-driven transitions, audio admission, and
// the bridge to the external speech provider.
//
// Concurrency model: every live session has exactly one run-loop goroutine
// consuming a single event queue. Client messages, timer firings, and speech
// provider events all enter through that queue, so mutation of a session is
// fully serialized without per-field locking. Sessions proceed independently
// of each other. Timer callbacks and provider pumps only post events; every
// timer body re-validates the session's state when it is finally handled,
// which makes stale firings harmless.
package exam

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/vivavoce/viva/internal/config"
	"github.com/vivavoce/viva/internal/observe"
	"github.com/vivavoce/viva/internal/store"
	"github.com/vivavoce/viva/pkg/audio"
	"github.com/vivavoce/viva/pkg/provider/speech"
)

// End reasons accepted from clients and administrators.
const (
	ReasonCompleted   = "completed"
	ReasonCancelled   = "cancelled"
	ReasonTimeLimit   = "time_limit"
	ReasonInterrupted = "interrupted"
)

// persistTimeout bounds store calls made from a session's run loop so a slow
// database cannot wedge teardown.
const persistTimeout = 10 * time.Second

// OrchestratorConfig holds the dependencies for an [Orchestrator].
type OrchestratorConfig struct {
	Provider    speech.Provider
	Exams       store.ExamStore
	Transcripts store.TranscriptSink
	Policy      config.SessionConfig
	Speech      config.SpeechConfig

	// Metrics may be nil; no telemetry is recorded then.
	Metrics *observe.Metrics
}

// Orchestrator runs every live session's state machine. It is the only
// component that mutates session state. All exported methods are safe for
// concurrent use.
type Orchestrator struct {
	registry    *Registry
	provider    speech.Provider
	exams       store.ExamStore
	transcripts store.TranscriptSink
	policy      config.SessionConfig
	speechCfg   config.SpeechConfig
	metrics     *observe.Metrics

	mu     sync.Mutex
	closed bool

	// wg tracks run-loop goroutines and adapter pumps so Shutdown can wait
	// for every session to finish tearing down.
	wg sync.WaitGroup
}

// NewOrchestrator creates an Orchestrator with the given dependencies.
func NewOrchestrator(cfg OrchestratorConfig) *Orchestrator {
	return &Orchestrator{
		registry:    NewRegistry(cfg.Policy.MaxSessions),
		provider:    cfg.Provider,
		exams:       cfg.Exams,
		transcripts: cfg.Transcripts,
		policy:      cfg.Policy,
		speechCfg:   cfg.Speech,
		metrics:     cfg.Metrics,
	}
}

// Registry exposes the session table for admission decisions and tests.
func (o *Orchestrator) Registry() *Registry { return o.registry }

// ── client-facing entry points (called by the gateway) ───────────────────────

// HandleAudio posts an inbound audio chunk, still base64-encoded, to the
// session attached to connID.
func (o *Orchestrator) HandleAudio(connID, encoded string, clientTS time.Time) {
	if sess, ok := o.registry.LookupByConn(connID); ok {
		sess.post(evAudio{encoded: encoded, clientTS: clientTS})
	}
}

// HandlePause posts an explicit pause request.
func (o *Orchestrator) HandlePause(connID string) {
	if sess, ok := o.registry.LookupByConn(connID); ok {
		sess.post(evPause{})
	}
}

// HandleResume posts an explicit resume request.
func (o *Orchestrator) HandleResume(connID string) {
	if sess, ok := o.registry.LookupByConn(connID); ok {
		sess.post(evResume{})
	}
}

// HandleEnd posts an explicit end request. Reason is "completed" or
// "cancelled"; anything else is treated as "completed".
func (o *Orchestrator) HandleEnd(connID, reason string) {
	if sess, ok := o.registry.LookupByConn(connID); ok {
		sess.post(evEnd{reason: reason})
	}
}

// HandleDisconnect reports that connID went away.
func (o *Orchestrator) HandleDisconnect(connID string) {
	if sess, ok := o.registry.LookupByConn(connID); ok {
		sess.post(evDisconnect{connID: connID})
	}
}

// ForceEnd terminates the session for examSessionID regardless of whether a
// connection is attached. Used by administrative tooling and tests.
func (o *Orchestrator) ForceEnd(examSessionID, reason string) error {
	sess, ok := o.registry.Lookup(examSessionID)
	if !ok {
		return fmt.Errorf("orchestrator: exam session %s is not live", examSessionID)
	}
	if !sess.post(evForceEnd{reason: reason}) {
		return fmt.Errorf("orchestrator: exam session %s already tearing down", examSessionID)
	}
	return nil
}

// Shutdown force-ends every live session and waits for their run loops to
// finish, bounded by ctx. Each teardown cancels the session's timers, closes
// its adapter handle, flushes its transcript, and persists "interrupted", in
// that order.
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	o.mu.Unlock()

	for _, sess := range o.registry.All() {
		sess.post(evForceEnd{reason: ReasonInterrupted})
	}

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("orchestrator: shutdown: %w", ctx.Err())
	}
}

// accepting reports whether new sessions may be admitted.
func (o *Orchestrator) accepting() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return !o.closed
}

// ── session start ─────────────────────────────────────────────────────────────

// startSession builds and registers a fresh session for rec, opens its speech
// handle, and starts its run loop. Called by the gatekeeper after all
// admission checks passed.
func (o *Orchestrator) startSession(ctx context.Context, rec store.ExamSession, conn Conn) *RejectError {
	now := time.Now()
	sess := &Session{
		ExamSessionID: rec.ID,
		OwnerID:       rec.OwnerID,
		Part:          rec.Part,
		TimeLimit:     rec.TimeLimit,
		events:        make(chan event, sessionEventBuf),
		done:          make(chan struct{}),
		state:         StateActive,
		conn:          conn,
		startedAt:     now,
		activeSince:   now,
		lastAudioAt:   now,
		timers:        NewTimerSet(),
		rate:          NewRateWindow(o.policy.MaxChunksPerSecond, time.Second),
	}
	if rec.TimeLimit > 0 {
		sess.expectedEndAt = now.Add(rec.TimeLimit)
	}

	if err := o.registry.Register(sess, conn.ID()); err != nil {
		if o.registry.Len() >= o.policy.MaxSessions && o.policy.MaxSessions > 0 {
			return Reject(CodeSessionLimit, "server is at capacity")
		}
		return Reject(CodeDuplicateConnection, "exam session already has a live connection")
	}

	if err := o.openAdapter(ctx, sess, nil); err != nil {
		o.registry.Remove(sess.ExamSessionID)
		slog.Warn("speech session open failed",
			"exam_session_id", sess.ExamSessionID, "attempt", sess.adapterAttempts, "err", err)
		return Reject(CodeUpstreamInitFailed, "examiner service unavailable")
	}

	o.scheduleExamTimers(sess, now)
	o.scheduleIdleTimer(sess)

	start := sess.startedAt
	conn.Send(ServerEvent{
		Type:             EventReady,
		ExamSessionID:    sess.ExamSessionID,
		Part:             sess.Part,
		StartTime:        &start,
		TimeLimitSeconds: int(sess.TimeLimit.Seconds()),
		Status:           "ready",
	})

	// The examiner speaks first; the candidate should never face silence.
	if err := sess.handle.TriggerTurn(openingInstruction(sess.Part)); err != nil {
		slog.Warn("initial examiner turn failed",
			"exam_session_id", sess.ExamSessionID, "err", err)
	}

	// The run loop starts only after setup is complete: until here this
	// goroutine is the sole writer of the session's fields, so adapter events
	// and timer firings queued above are handled against a fully built
	// session.
	o.wg.Add(1)
	go o.run(sess)

	if o.metrics != nil {
		o.metrics.SessionsAdmitted.Add(context.Background(), 1)
		o.metrics.ActiveSessions.Add(context.Background(), 1)
	}
	slog.Info("exam session started",
		"exam_session_id", sess.ExamSessionID,
		"owner_id", sess.OwnerID,
		"part", sess.Part,
		"time_limit", sess.TimeLimit,
	)
	return nil
}

// openAdapter connects a speech handle for sess, carrying prior conversation
// as continuation context when non-nil, and starts its event pump.
func (o *Orchestrator) openAdapter(ctx context.Context, sess *Session, prior []speech.Turn) error {
	sess.adapterAttempts++

	connectCtx, cancel := context.WithTimeout(ctx, o.speechCfg.SetupTimeout)
	defer cancel()

	started := time.Now()
	handle, err := o.provider.Connect(connectCtx, speech.SessionConfig{
		Instructions:      examinerInstructions(sess.Part),
		Voice:             o.speechCfg.Voice,
		PriorConversation: prior,
	})
	if err != nil {
		sess.lastAdapterErr = err
		if o.metrics != nil {
			o.metrics.AdapterErrors.Add(context.Background(), 1)
		}
		return err
	}
	if o.metrics != nil {
		o.metrics.AdapterSetupDuration.Record(context.Background(), time.Since(started).Seconds())
	}

	sess.handle = handle
	sess.handleGen++
	gen := sess.handleGen

	o.wg.Add(1)
	go o.pump(sess, gen, handle.Events())
	return nil
}

// pump forwards one handle's events into the session queue, tagged with the
// handle generation so events from discarded handles are ignored.
func (o *Orchestrator) pump(sess *Session, gen int, events <-chan speech.Event) {
	defer o.wg.Done()
	for evt := range events {
		if !sess.post(evAdapter{gen: gen, evt: evt}) {
			return
		}
	}
}

// ── run loop ──────────────────────────────────────────────────────────────────

// run consumes the session's event queue until a terminal transition, then
// performs mechanical teardown: cancel timers, close the adapter handle,
// deregister. That ordering prevents a timer firing against a half-torn-down
// session.
func (o *Orchestrator) run(sess *Session) {
	defer o.wg.Done()

	for ev := range sess.events {
		o.dispatch(sess, ev)
		if sess.state.Terminal() {
			break
		}
	}

	sess.timers.CancelAll()
	o.closeAdapter(sess)
	o.registry.Remove(sess.ExamSessionID)
	close(sess.done)

	// Reattach requests that were queued before the terminal transition would
	// otherwise never be answered; kick those connections so the client does
	// not hang waiting for adoption.
drain:
	for {
		select {
		case ev := <-sess.events:
			if r, ok := ev.(evReattach); ok {
				r.conn.Kick(CodeWrongStatus, "exam session is no longer live")
			}
		default:
			break drain
		}
	}

	if o.metrics != nil {
		o.metrics.ActiveSessions.Add(context.Background(), -1)
		o.metrics.SessionDuration.Record(context.Background(), sess.elapsedFrozen.Seconds())
	}
	slog.Info("exam session closed",
		"exam_session_id", sess.ExamSessionID,
		"state", sess.state.String(),
		"elapsed", sess.elapsedFrozen,
		"audio_in", sess.audioIn,
	)
}

// dispatch handles one event, catching panics at the handler boundary so a
// bug in one session cannot crash the process. A panicking session is torn
// down as interrupted.
func (o *Orchestrator) dispatch(sess *Session, ev event) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("session handler panic",
				"exam_session_id", sess.ExamSessionID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			if !sess.state.Terminal() {
				o.flushTranscript(sess)
				o.persistStatus(sess, store.StatusInterrupted)
				if sess.conn != nil {
					sess.conn.Send(ServerEvent{
						Type:    EventRecoverableError,
						Code:    string(CodeUnexpectedFailure),
						Message: "internal error",
					})
				}
				sess.setState(StateInterrupted)
			}
		}
	}()

	switch e := ev.(type) {
	case evAudio:
		o.handleAudio(sess, e)
	case evPause:
		o.handlePause(sess)
	case evResume:
		o.handleResume(sess)
	case evEnd:
		o.handleEnd(sess, e.reason, false)
	case evDisconnect:
		o.handleDisconnect(sess, e)
	case evReattach:
		o.handleReattach(sess, e)
	case evTimer:
		o.handleTimer(sess, e.purpose)
	case evAdapter:
		o.handleAdapter(sess, e)
	case evForceEnd:
		o.handleEnd(sess, e.reason, true)
	}
}

// ── audio pipeline ────────────────────────────────────────────────────────────

func (o *Orchestrator) handleAudio(sess *Session, e evAudio) {
	now := time.Now()

	switch sess.state {
	case StateActive:
		// proceed
	case StatePaused, StateGracePeriod:
		o.recoverable(sess, CodeStateMismatch, "audio not accepted while %s; resume first", sess.state)
		return
	default:
		o.recoverable(sess, CodeStateMismatch, "session is %s", sess.state)
		return
	}

	raw, err := base64.StdEncoding.DecodeString(e.encoded)
	if err != nil {
		o.recoverable(sess, CodeAudioChunkInvalid, "audio chunk is not valid base64")
		return
	}
	if len(e.encoded) > o.policy.MaxChunkBytes {
		o.recoverable(sess, CodeAudioChunkTooLong, "audio chunk exceeds %d bytes", o.policy.MaxChunkBytes)
		return
	}
	if err := audio.ValidatePCM(raw); err != nil {
		o.recoverable(sess, CodeAudioChunkInvalid, "audio chunk is not int16 PCM")
		return
	}
	if !sess.rate.Allow(now) {
		o.recoverable(sess, CodeRateExceeded, "more than %d chunks in the trailing second", o.policy.MaxChunksPerSecond)
		return
	}

	chunk := audio.Chunk{
		Data:       raw,
		SampleRate: audio.InputFormat.SampleRate,
		Channels:   audio.InputFormat.Channels,
		Timestamp:  e.clientTS,
	}
	if err := sess.handle.SendAudio(chunk.Data); err != nil {
		sess.lastAdapterErr = err
		slog.Warn("audio forward failed",
			"exam_session_id", sess.ExamSessionID, "err", err)
		o.fatal(sess, err)
		return
	}

	sess.lastAudioAt = now
	sess.audioIn += chunk.Duration()
	o.scheduleIdleTimer(sess)
	if o.metrics != nil {
		o.metrics.AudioChunksIn.Add(context.Background(), 1)
	}
}

// ── pause / resume ────────────────────────────────────────────────────────────

func (o *Orchestrator) handlePause(sess *Session) {
	switch sess.state {
	case StateActive:
		// proceed
	default:
		o.recoverable(sess, CodeStateMismatch, "cannot pause while %s", sess.state)
		return
	}

	now := time.Now()
	o.cancelExamTimers(sess)
	sess.elapsedFrozen += now.Sub(sess.activeSince)
	sess.setState(StatePaused)
	o.persistStatus(sess, store.StatusPaused)

	sess.timers.Schedule(PurposePauseExpiry, o.policy.PauseBudget, func() {
		sess.post(evTimer{purpose: PurposePauseExpiry})
	})

	if sess.conn != nil {
		sess.conn.Send(ServerEvent{
			Type:           EventPausedAck,
			ElapsedSeconds: int(sess.elapsedFrozen.Seconds()),
		})
	}
	slog.Info("exam session paused",
		"exam_session_id", sess.ExamSessionID, "elapsed", sess.elapsedFrozen)
}

func (o *Orchestrator) handleResume(sess *Session) {
	switch sess.state {
	case StatePaused, StateGracePeriod:
		// proceed; GracePeriod here is the pause-outlived-its-budget case,
		// where the connection is still attached.
	default:
		o.recoverable(sess, CodeStateMismatch, "cannot resume while %s", sess.state)
		return
	}
	if sess.conn == nil {
		// A disconnected grace-period session resumes via reconnection, not
		// via a resume message.
		return
	}

	sess.timers.Cancel(PurposePauseExpiry)

	if err := o.ensureAdapter(sess); err != nil {
		o.fatal(sess, err)
		return
	}

	o.enterActive(sess)
	if sess.conn != nil {
		sess.conn.Send(ServerEvent{Type: EventResumedAck})
	}
	slog.Info("exam session resumed",
		"exam_session_id", sess.ExamSessionID, "elapsed", sess.elapsedFrozen)
}

// ensureAdapter re-opens the speech handle if it was released, feeding the
// accumulated conversation back as continuation context and prompting the
// examiner to pick the thread back up.
func (o *Orchestrator) ensureAdapter(sess *Session) error {
	if sess.handle != nil {
		return nil
	}

	prior := make([]speech.Turn, 0, len(sess.log))
	for _, entry := range sess.log {
		prior = append(prior, speech.Turn{
			Speaker: speech.Speaker(entry.Speaker),
			Text:    entry.Text,
		})
	}
	if err := o.openAdapter(context.Background(), sess, prior); err != nil {
		return err
	}
	if err := sess.handle.TriggerTurn(continuationInstruction()); err != nil {
		slog.Warn("continuation examiner turn failed",
			"exam_session_id", sess.ExamSessionID, "err", err)
	}
	return nil
}

// enterActive transitions into Active: re-anchors the clock, recomputes the
// expected end so pause time never counts against the budget, and reschedules
// the exam timers.
func (o *Orchestrator) enterActive(sess *Session) {
	now := time.Now()
	sess.activeSince = now
	if sess.TimeLimit > 0 {
		sess.expectedEndAt = now.Add(sess.TimeLimit - sess.elapsedFrozen)
	}
	sess.setState(StateActive)
	o.scheduleExamTimers(sess, now)
	o.scheduleIdleTimer(sess)
	o.persistStatus(sess, store.StatusActive)
}

// ── disconnect / reconnect ────────────────────────────────────────────────────

func (o *Orchestrator) handleDisconnect(sess *Session, e evDisconnect) {
	if sess.conn == nil || sess.conn.ID() != e.connID {
		return // stale: a newer connection already took over
	}

	switch sess.state {
	case StateActive, StatePaused, StateGracePeriod:
		// proceed
	default:
		return
	}

	now := time.Now()
	o.flushTranscript(sess)
	if sess.state == StateActive {
		sess.elapsedFrozen += now.Sub(sess.activeSince)
	}
	o.registry.DetachConn(e.connID)
	sess.conn = nil
	sess.setState(StateGracePeriod)

	// Everything except the grace-expiry timer is cancelled: the clock is
	// frozen and the only pending question is whether the candidate returns.
	sess.timers.CancelAll()
	sess.timers.Schedule(PurposeGraceExpiry, o.policy.GracePeriod, func() {
		sess.post(evTimer{purpose: PurposeGraceExpiry})
	})

	slog.Info("exam session connection lost, grace period started",
		"exam_session_id", sess.ExamSessionID,
		"grace_period", o.policy.GracePeriod,
	)
}

func (o *Orchestrator) handleReattach(sess *Session, e evReattach) {
	if sess.state != StateGracePeriod {
		e.conn.Kick(CodeDuplicateConnection, "exam session already has a live connection")
		return
	}
	if sess.conn != nil {
		// Pause-derived grace period: the original connection is still
		// attached, so a second one is a duplicate.
		e.conn.Kick(CodeDuplicateConnection, "exam session already has a live connection")
		return
	}

	sess.timers.Cancel(PurposeGraceExpiry)
	sess.conn = e.conn
	o.registry.Reattach(sess.ExamSessionID, "", e.conn.ID())

	if err := o.ensureAdapter(sess); err != nil {
		o.fatal(sess, err)
		return
	}

	sess.lastAudioAt = time.Now()
	o.enterActive(sess)

	start := sess.startedAt
	e.conn.Send(ServerEvent{
		Type:             EventReady,
		ExamSessionID:    sess.ExamSessionID,
		Part:             sess.Part,
		StartTime:        &start,
		TimeLimitSeconds: int(sess.TimeLimit.Seconds()),
		Status:           "reconnected",
	})

	if o.metrics != nil {
		o.metrics.Reconnections.Add(context.Background(), 1)
	}
	slog.Info("exam session reconnected",
		"exam_session_id", sess.ExamSessionID, "connection_id", e.conn.ID())
}

// ── timers ────────────────────────────────────────────────────────────────────

func (o *Orchestrator) handleTimer(sess *Session, purpose TimerPurpose) {
	switch purpose {
	case PurposeAutoEnd:
		if sess.state != StateActive {
			return
		}
		o.handleEnd(sess, ReasonTimeLimit, true)

	case PurposePauseExpiry:
		if sess.state != StatePaused {
			return
		}
		// The pause outlived its budget: release the upstream handle but keep
		// the session resumable.
		o.closeAdapter(sess)
		sess.setState(StateGracePeriod)
		if sess.conn != nil {
			sess.conn.Send(ServerEvent{Type: EventPauseExpired})
		}
		slog.Info("pause budget exhausted, upstream handle released",
			"exam_session_id", sess.ExamSessionID)

	case PurposeGraceExpiry:
		if sess.state != StateGracePeriod {
			return
		}
		o.flushTranscript(sess)
		o.persistStatus(sess, store.StatusInterrupted)
		sess.setState(StateInterrupted)
		slog.Info("grace period expired without reconnection",
			"exam_session_id", sess.ExamSessionID, "elapsed", sess.elapsedFrozen)

	case PurposeIdle:
		if sess.state != StateActive {
			return
		}
		// Advisory only: the exam timer is the sole authority on ending.
		slog.Info("no candidate audio received recently",
			"exam_session_id", sess.ExamSessionID,
			"last_audio_at", sess.lastAudioAt,
			"audio_in", sess.audioIn,
		)

	default:
		// Warning timers carry their threshold in the purpose.
		if sess.state != StateActive {
			return
		}
		remaining := sess.remaining(time.Now())
		if sess.conn != nil {
			sess.conn.Send(ServerEvent{
				Type:             EventTimeWarning,
				RemainingSeconds: int(remaining.Round(time.Second).Seconds()),
			})
		}
	}
}

// scheduleExamTimers schedules the auto-end timer and one warning timer per
// configured threshold still ahead of the session.
func (o *Orchestrator) scheduleExamTimers(sess *Session, now time.Time) {
	if sess.TimeLimit <= 0 {
		return
	}
	remaining := sess.remaining(now)
	sess.timers.Schedule(PurposeAutoEnd, remaining, func() {
		sess.post(evTimer{purpose: PurposeAutoEnd})
	})
	for _, threshold := range o.policy.WarningThresholds {
		if remaining <= threshold {
			continue
		}
		purpose := WarningPurpose(threshold)
		sess.timers.Schedule(purpose, remaining-threshold, func() {
			sess.post(evTimer{purpose: purpose})
		})
	}
}

func (o *Orchestrator) scheduleIdleTimer(sess *Session) {
	if o.policy.IdleTimeout <= 0 {
		return
	}
	sess.timers.Schedule(PurposeIdle, o.policy.IdleTimeout, func() {
		sess.post(evTimer{purpose: PurposeIdle})
	})
}

// cancelExamTimers cancels the budget-driven timers; lifecycle timers
// (pause-expiry, grace-expiry) are managed by their own transitions.
func (o *Orchestrator) cancelExamTimers(sess *Session) {
	sess.timers.Cancel(PurposeAutoEnd)
	sess.timers.Cancel(PurposeIdle)
	for _, threshold := range o.policy.WarningThresholds {
		sess.timers.Cancel(WarningPurpose(threshold))
	}
}

// ── end / teardown ────────────────────────────────────────────────────────────

// handleEnd performs the terminal Completed transition (or Cancelled /
// Interrupted per reason). Calling it on an already-terminal session is a
// no-op, which makes end requests and late auto-end firings idempotent.
func (o *Orchestrator) handleEnd(sess *Session, reason string, forced bool) {
	if sess.state.Terminal() {
		return
	}

	now := time.Now()
	if sess.state == StateActive {
		sess.elapsedFrozen += now.Sub(sess.activeSince)
	}

	o.flushTranscript(sess)

	var status store.Status
	var terminal State
	switch reason {
	case ReasonCancelled:
		status, terminal = store.StatusCancelled, StateCompleted
	case ReasonInterrupted:
		status, terminal = store.StatusInterrupted, StateInterrupted
	default:
		reason = normalizeEndReason(reason)
		if o.policy.MinEvaluableDuration > 0 && sess.elapsedFrozen < o.policy.MinEvaluableDuration {
			status = store.StatusCompletedUnscored
		} else {
			status = store.StatusCompleted
		}
		terminal = StateCompleted
	}
	o.persistStatus(sess, status)

	if sess.conn != nil {
		sess.conn.Send(ServerEvent{Type: EventEnded, Reason: reason})
		if forced {
			sess.conn.Close()
		}
	}
	sess.setState(terminal)

	slog.Info("exam session ended",
		"exam_session_id", sess.ExamSessionID,
		"reason", reason,
		"status", string(status),
		"elapsed", sess.elapsedFrozen,
	)
}

// fatal tears the session down after an unrecoverable upstream failure.
func (o *Orchestrator) fatal(sess *Session, cause error) {
	if sess.state.Terminal() {
		return
	}

	now := time.Now()
	if sess.state == StateActive {
		sess.elapsedFrozen += now.Sub(sess.activeSince)
	}
	sess.lastAdapterErr = cause

	o.flushTranscript(sess)
	o.persistStatus(sess, store.StatusInterrupted)

	if sess.conn != nil {
		sess.conn.Send(ServerEvent{
			Type:    EventRecoverableError,
			Code:    string(CodeUpstreamFailed),
			Message: "examiner service failed",
		})
		sess.conn.Send(ServerEvent{Type: EventEnded, Reason: ReasonInterrupted})
	}
	sess.setState(StateInterrupted)

	if o.metrics != nil {
		o.metrics.AdapterErrors.Add(context.Background(), 1)
	}
	slog.Warn("exam session interrupted by upstream failure",
		"exam_session_id", sess.ExamSessionID, "err", cause)
}

// ── adapter events ────────────────────────────────────────────────────────────

func (o *Orchestrator) handleAdapter(sess *Session, e evAdapter) {
	if e.gen != sess.handleGen {
		return // from a handle this session already discarded
	}

	switch e.evt.Kind {
	case speech.EventReplyText:
		if sess.conn != nil {
			ts := e.evt.Timestamp
			sess.conn.Send(ServerEvent{
				Type:      EventReply,
				Text:      e.evt.Text,
				Timestamp: &ts,
			})
		}

	case speech.EventReplyAudio:
		if sess.conn != nil {
			ts := e.evt.Timestamp
			sess.conn.Send(ServerEvent{
				Type:        EventReply,
				Audio:       base64.StdEncoding.EncodeToString(e.evt.Audio),
				AudioFormat: fmt.Sprintf("pcm16;rate=%d", audio.OutputFormat.SampleRate),
				Timestamp:   &ts,
			})
		}
		if o.metrics != nil {
			o.metrics.AudioChunksOut.Add(context.Background(), 1)
		}

	case speech.EventTranscript:
		sess.log = append(sess.log, store.TranscriptEntry{
			Speaker:   string(e.evt.Speaker),
			Text:      e.evt.Text,
			Timestamp: e.evt.Timestamp,
		})

	case speech.EventError:
		o.fatal(sess, e.evt.Err)

	case speech.EventClosed:
		// A deliberate close bumps the generation, so reaching here means the
		// provider ended the stream on its own.
		err := e.evt.Err
		if err == nil {
			err = fmt.Errorf("speech session closed unexpectedly")
		}
		sess.handle = nil
		o.fatal(sess, err)
	}
}

// ── helpers ───────────────────────────────────────────────────────────────────

// rejected records an admission rejection.
func (o *Orchestrator) rejected(code RejectCode) {
	if o.metrics != nil {
		o.metrics.SessionsRejected.Add(context.Background(), 1,
			observe.WithRejectCode(string(code)))
	}
}

// recoverable reports an operational error to the attached client; the
// session stays alive.
func (o *Orchestrator) recoverable(sess *Session, code RejectCode, format string, args ...any) {
	if o.metrics != nil {
		o.metrics.OperationalErrors.Add(context.Background(), 1)
	}
	if sess.conn == nil {
		return
	}
	sess.conn.Send(ServerEvent{
		Type:    EventRecoverableError,
		Code:    string(code),
		Message: fmt.Sprintf(format, args...),
	})
}

// flushTranscript persists any conversation lines not yet flushed. Failures
// are logged and swallowed: at the points this runs, releasing resources
// matters more than durability.
func (o *Orchestrator) flushTranscript(sess *Session) {
	if len(sess.log) == 0 || len(sess.log) == sess.flushedLen {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := o.transcripts.PersistTranscript(ctx, sess.ExamSessionID, sess.log); err != nil {
		slog.Warn("transcript flush failed",
			"exam_session_id", sess.ExamSessionID, "entries", len(sess.log), "err", err)
		return
	}
	sess.flushedLen = len(sess.log)
}

// persistStatus writes the session's lifecycle status. Failures are logged
// and swallowed for the same reason as flushTranscript.
func (o *Orchestrator) persistStatus(sess *Session, status store.Status) {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()
	if err := o.exams.PersistStatus(ctx, sess.ExamSessionID, status, sess.elapsedFrozen); err != nil {
		slog.Warn("status persist failed",
			"exam_session_id", sess.ExamSessionID, "status", string(status), "err", err)
	}
}

// closeAdapter releases the speech handle, if open, and bumps the handle
// generation so in-flight events from it are discarded.
func (o *Orchestrator) closeAdapter(sess *Session) {
	if sess.handle == nil {
		return
	}
	if err := sess.handle.Close(); err != nil {
		slog.Warn("speech session close failed",
			"exam_session_id", sess.ExamSessionID, "err", err)
	}
	sess.handle = nil
	sess.handleGen++
}

func normalizeEndReason(reason string) string {
	switch reason {
	case ReasonCompleted, ReasonTimeLimit:
		return reason
	}
	return ReasonCompleted
}
