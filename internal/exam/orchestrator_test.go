package exam_test

import (
	"context"
	"encoding/base64"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/vivavoce/viva/internal/auth"
	"github.com/vivavoce/viva/internal/config"
	"github.com/vivavoce/viva/internal/exam"
	"github.com/vivavoce/viva/internal/store"
	storemock "github.com/vivavoce/viva/internal/store/mock"
	"github.com/vivavoce/viva/pkg/provider/speech"
	speechmock "github.com/vivavoce/viva/pkg/provider/speech/mock"
)

// ── Helpers ───────────────────────────────────────────────────────────────────

// fakeConn records everything the orchestrator pushes at a client.
type fakeConn struct {
	id string

	mu     sync.Mutex
	events []exam.ServerEvent
	kicks  []exam.ServerEvent
	closes int
}

func newFakeConn(id string) *fakeConn { return &fakeConn{id: id} }

func (c *fakeConn) ID() string { return c.id }

func (c *fakeConn) Send(ev exam.ServerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events = append(c.events, ev)
}

func (c *fakeConn) Kick(code exam.RejectCode, message string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.kicks = append(c.kicks, exam.ServerEvent{
		Type: exam.EventConnectRejected, Code: string(code), Message: message,
	})
}

func (c *fakeConn) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closes++
}

func (c *fakeConn) closeCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closes
}

func (c *fakeConn) kicked() []exam.ServerEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]exam.ServerEvent, len(c.kicks))
	copy(out, c.kicks)
	return out
}

// ofType returns all recorded events of the given type.
func (c *fakeConn) ofType(typ string) []exam.ServerEvent {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []exam.ServerEvent
	for _, ev := range c.events {
		if ev.Type == typ {
			out = append(out, ev)
		}
	}
	return out
}

// waitFor blocks until an event of the given type arrives.
func (c *fakeConn) waitFor(t *testing.T, typ string) exam.ServerEvent {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if evs := c.ofType(typ); len(evs) > 0 {
			return evs[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %q event", typ)
	return exam.ServerEvent{}
}

// waitUntil polls cond until it holds.
func waitUntil(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

type env struct {
	orch     *exam.Orchestrator
	gate     *exam.Gatekeeper
	provider *speechmock.Provider
	db       *storemock.Store
}

func defaultPolicy() config.SessionConfig {
	return config.SessionConfig{
		GracePeriod:        250 * time.Millisecond,
		PauseBudget:        time.Minute,
		MaxChunkBytes:      100 * 1024,
		MaxChunksPerSecond: 1000,
		MaxSessions:        8,
	}
}

func newEnv(t *testing.T, policy config.SessionConfig) *env {
	t.Helper()
	provider := &speechmock.Provider{}
	db := storemock.New()
	orch := exam.NewOrchestrator(exam.OrchestratorConfig{
		Provider:    provider,
		Exams:       db,
		Transcripts: db,
		Policy:      policy,
		Speech:      config.SpeechConfig{SetupTimeout: 2 * time.Second, Voice: "sage"},
	})
	gate := exam.NewGatekeeper(orch, auth.StaticVerifier{
		"tok-alice": "alice",
		"tok-bob":   "bob",
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = orch.Shutdown(ctx)
	})
	return &env{orch: orch, gate: gate, provider: provider, db: db}
}

func (e *env) addRecord(id, owner string, limit time.Duration) {
	e.db.Add(store.ExamSession{
		ID: id, OwnerID: owner, Part: 2,
		Status: store.StatusActive, TimeLimit: limit,
		CreatedAt: time.Now(),
	})
}

func (e *env) admit(t *testing.T, conn *fakeConn, sessionID, token string) {
	t.Helper()
	if rej := e.gate.Admit(context.Background(), conn, sessionID, token); rej != nil {
		t.Fatalf("Admit rejected: %v", rej)
	}
}

// handle returns the i-th speech session handed out by the mock provider.
func (e *env) handle(t *testing.T, i int) *speechmock.Session {
	t.Helper()
	handles := e.provider.Handles()
	if len(handles) <= i {
		t.Fatalf("provider handed out %d handles, want at least %d", len(handles), i+1)
	}
	return handles[i].(*speechmock.Session)
}

func pcmChunk(n int) string {
	return base64.StdEncoding.EncodeToString(make([]byte, n))
}

func lastStatus(t *testing.T, db *storemock.Store) storemock.StatusCall {
	t.Helper()
	calls := db.Statuses()
	if len(calls) == 0 {
		t.Fatal("no status was persisted")
	}
	return calls[len(calls)-1]
}

// ── Admission ─────────────────────────────────────────────────────────────────

func TestAdmit_HappyPath(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultPolicy())
	e.addRecord("exam-1", "alice", 10*time.Minute)
	conn := newFakeConn("conn-1")

	e.admit(t, conn, "exam-1", "tok-alice")

	ready := conn.waitFor(t, exam.EventReady)
	if ready.ExamSessionID != "exam-1" {
		t.Errorf("ready.ExamSessionID = %q, want exam-1", ready.ExamSessionID)
	}
	if ready.Part != 2 {
		t.Errorf("ready.Part = %d, want 2", ready.Part)
	}
	if ready.TimeLimitSeconds != 600 {
		t.Errorf("ready.TimeLimitSeconds = %d, want 600", ready.TimeLimitSeconds)
	}
	if ready.StartTime == nil {
		t.Error("ready.StartTime is nil")
	}

	calls := e.provider.Calls()
	if len(calls) != 1 {
		t.Fatalf("Connect calls = %d, want 1", len(calls))
	}
	if calls[0].Cfg.Voice != "sage" {
		t.Errorf("Connect voice = %q, want sage", calls[0].Cfg.Voice)
	}
	if calls[0].Cfg.Instructions == "" {
		t.Error("Connect instructions are empty")
	}

	// The examiner is prompted to open the session.
	h := e.handle(t, 0)
	waitUntil(t, "opening turn", func() bool { return len(h.Turns()) > 0 })

	if e.orch.Registry().Len() != 1 {
		t.Errorf("registry size = %d, want 1", e.orch.Registry().Len())
	}
}

func TestAdmit_Rejections(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name      string
		sessionID string
		token     string
		setup     func(e *env)
		wantCode  exam.RejectCode
	}{
		{
			name:     "missing target",
			token:    "tok-alice",
			wantCode: exam.CodeMissingTarget,
		},
		{
			name:      "missing credential",
			sessionID: "exam-1",
			wantCode:  exam.CodeMissingCredential,
		},
		{
			name:      "invalid credential",
			sessionID: "exam-1",
			token:     "tok-nobody",
			wantCode:  exam.CodeInvalidCredential,
		},
		{
			name:      "unknown session",
			sessionID: "exam-missing",
			token:     "tok-alice",
			wantCode:  exam.CodeNotFound,
		},
		{
			name:      "wrong status",
			sessionID: "exam-done",
			token:     "tok-alice",
			setup: func(e *env) {
				e.db.Add(store.ExamSession{
					ID: "exam-done", OwnerID: "alice", Status: store.StatusCompleted,
				})
			},
			wantCode: exam.CodeWrongStatus,
		},
		{
			name:      "ownership not verified",
			sessionID: "exam-1",
			token:     "tok-bob",
			wantCode:  exam.CodeOwnershipNotVerified,
		},
		{
			name:      "expired entitlement",
			sessionID: "exam-1",
			token:     "tok-alice",
			setup:     func(e *env) { e.db.ExpiredOwners["alice"] = true },
			wantCode:  exam.CodeExpiredEntitlement,
		},
		{
			name:      "upstream init failed",
			sessionID: "exam-1",
			token:     "tok-alice",
			setup:     func(e *env) { e.provider.ConnectErr = errors.New("dial refused") },
			wantCode:  exam.CodeUpstreamInitFailed,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()

			e := newEnv(t, defaultPolicy())
			e.addRecord("exam-1", "alice", time.Minute)
			if tc.setup != nil {
				tc.setup(e)
			}

			conn := newFakeConn("conn-r")
			rej := e.gate.Admit(context.Background(), conn, tc.sessionID, tc.token)
			if rej == nil {
				t.Fatal("Admit succeeded, want rejection")
			}
			if rej.Code != tc.wantCode {
				t.Errorf("rejection code = %s, want %s", rej.Code, tc.wantCode)
			}
			if e.orch.Registry().Len() != 0 {
				t.Errorf("registry size = %d after rejection, want 0", e.orch.Registry().Len())
			}
		})
	}
}

func TestAdmit_DuplicateConnection(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultPolicy())
	e.addRecord("exam-1", "alice", time.Minute)

	e.admit(t, newFakeConn("conn-1"), "exam-1", "tok-alice")

	rej := e.gate.Admit(context.Background(), newFakeConn("conn-2"), "exam-1", "tok-alice")
	if rej == nil {
		t.Fatal("second Admit succeeded, want DUPLICATE_CONNECTION")
	}
	if rej.Code != exam.CodeDuplicateConnection {
		t.Errorf("rejection code = %s, want %s", rej.Code, exam.CodeDuplicateConnection)
	}
	if e.orch.Registry().Len() != 1 {
		t.Errorf("registry size = %d, want 1", e.orch.Registry().Len())
	}
}

func TestAdmit_SessionLimit(t *testing.T) {
	t.Parallel()

	policy := defaultPolicy()
	policy.MaxSessions = 1
	e := newEnv(t, policy)
	e.addRecord("exam-1", "alice", time.Minute)
	e.addRecord("exam-2", "bob", time.Minute)

	e.admit(t, newFakeConn("conn-1"), "exam-1", "tok-alice")

	rej := e.gate.Admit(context.Background(), newFakeConn("conn-2"), "exam-2", "tok-bob")
	if rej == nil {
		t.Fatal("Admit succeeded at capacity, want SESSION_LIMIT")
	}
	if rej.Code != exam.CodeSessionLimit {
		t.Errorf("rejection code = %s, want %s", rej.Code, exam.CodeSessionLimit)
	}
}

// ── Audio pipeline ────────────────────────────────────────────────────────────

func TestAudio_ForwardedToProvider(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultPolicy())
	e.addRecord("exam-1", "alice", time.Minute)
	conn := newFakeConn("conn-1")
	e.admit(t, conn, "exam-1", "tok-alice")

	e.orch.HandleAudio("conn-1", pcmChunk(320), time.Now())

	h := e.handle(t, 0)
	waitUntil(t, "forwarded chunk", func() bool { return len(h.Sent()) == 1 })
	if got := len(h.Sent()[0]); got != 320 {
		t.Errorf("forwarded chunk length = %d, want 320", got)
	}
	if len(conn.ofType(exam.EventRecoverableError)) != 0 {
		t.Errorf("unexpected error events: %+v", conn.ofType(exam.EventRecoverableError))
	}
}

func TestAudio_InvalidChunks(t *testing.T) {
	t.Parallel()

	policy := defaultPolicy()
	policy.MaxChunkBytes = 64
	e := newEnv(t, policy)
	e.addRecord("exam-1", "alice", time.Minute)
	conn := newFakeConn("conn-1")
	e.admit(t, conn, "exam-1", "tok-alice")

	cases := []struct {
		name     string
		encoded  string
		wantCode exam.RejectCode
	}{
		{"not base64", "%%%not-base64%%%", exam.CodeAudioChunkInvalid},
		{"odd byte count", base64.StdEncoding.EncodeToString([]byte{1, 2, 3}), exam.CodeAudioChunkInvalid},
		{"empty payload", "", exam.CodeAudioChunkInvalid},
		{"oversized", pcmChunk(256), exam.CodeAudioChunkTooLong},
	}

	for _, tc := range cases {
		e.orch.HandleAudio("conn-1", tc.encoded, time.Now())
		waitUntil(t, tc.name+" error", func() bool {
			for _, ev := range conn.ofType(exam.EventRecoverableError) {
				if ev.Code == string(tc.wantCode) {
					return true
				}
			}
			return false
		})
	}

	// Nothing reached the provider, and the session survived every error.
	if got := len(e.handle(t, 0).Sent()); got != 0 {
		t.Errorf("provider received %d chunks, want 0", got)
	}
	if e.orch.Registry().Len() != 1 {
		t.Error("session did not survive invalid chunks")
	}
}

func TestAudio_RateLimited(t *testing.T) {
	t.Parallel()

	policy := defaultPolicy()
	policy.MaxChunksPerSecond = 2
	e := newEnv(t, policy)
	e.addRecord("exam-1", "alice", time.Minute)
	conn := newFakeConn("conn-1")
	e.admit(t, conn, "exam-1", "tok-alice")

	for range 3 {
		e.orch.HandleAudio("conn-1", pcmChunk(320), time.Now())
	}

	ev := conn.waitFor(t, exam.EventRecoverableError)
	if ev.Code != string(exam.CodeRateExceeded) {
		t.Errorf("error code = %s, want %s", ev.Code, exam.CodeRateExceeded)
	}
	h := e.handle(t, 0)
	waitUntil(t, "two accepted chunks", func() bool { return len(h.Sent()) == 2 })
	if e.orch.Registry().Len() != 1 {
		t.Error("session did not survive rate limiting")
	}
}

func TestAudio_RejectedWhilePaused(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultPolicy())
	e.addRecord("exam-1", "alice", time.Minute)
	conn := newFakeConn("conn-1")
	e.admit(t, conn, "exam-1", "tok-alice")

	e.orch.HandlePause("conn-1")
	conn.waitFor(t, exam.EventPausedAck)

	e.orch.HandleAudio("conn-1", pcmChunk(320), time.Now())
	ev := conn.waitFor(t, exam.EventRecoverableError)
	if ev.Code != string(exam.CodeStateMismatch) {
		t.Errorf("error code = %s, want %s", ev.Code, exam.CodeStateMismatch)
	}
}

// ── Pause / resume ────────────────────────────────────────────────────────────

func TestPauseResume(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultPolicy())
	e.addRecord("exam-1", "alice", time.Minute)
	conn := newFakeConn("conn-1")
	e.admit(t, conn, "exam-1", "tok-alice")

	e.orch.HandlePause("conn-1")
	conn.waitFor(t, exam.EventPausedAck)
	if st := lastStatus(t, e.db); st.Status != store.StatusPaused {
		t.Errorf("persisted status = %s, want paused", st.Status)
	}

	e.orch.HandleResume("conn-1")
	conn.waitFor(t, exam.EventResumedAck)
	if st := lastStatus(t, e.db); st.Status != store.StatusActive {
		t.Errorf("persisted status = %s, want active", st.Status)
	}

	// The upstream handle survived a short pause: no second Connect.
	if n := len(e.provider.Calls()); n != 1 {
		t.Errorf("Connect calls = %d, want 1", n)
	}

	// Audio flows again.
	e.orch.HandleAudio("conn-1", pcmChunk(320), time.Now())
	h := e.handle(t, 0)
	waitUntil(t, "post-resume chunk", func() bool { return len(h.Sent()) == 1 })
}

func TestPause_DoesNotConsumeExamTime(t *testing.T) {
	t.Parallel()

	// Budget accounting: only Active stretches are charged, so a pause that
	// outlasts the original wall-clock deadline must not end the session;
	// the remaining budget picks up where the pause began.
	e := newEnv(t, defaultPolicy())
	e.addRecord("exam-1", "alice", 500*time.Millisecond)
	conn := newFakeConn("conn-1")
	e.admit(t, conn, "exam-1", "tok-alice")

	time.Sleep(100 * time.Millisecond)
	e.orch.HandlePause("conn-1")
	conn.waitFor(t, exam.EventPausedAck)

	// Sit paused past the point the untouched deadline would have fired.
	time.Sleep(600 * time.Millisecond)
	if n := len(conn.ofType(exam.EventEnded)); n != 0 {
		t.Fatalf("session ended during pause: %d ended events", n)
	}

	e.orch.HandleResume("conn-1")
	conn.waitFor(t, exam.EventResumedAck)

	// Roughly 400ms of budget remains; the session must not end right away.
	time.Sleep(150 * time.Millisecond)
	if n := len(conn.ofType(exam.EventEnded)); n != 0 {
		t.Fatalf("session ended immediately after resume: %d ended events", n)
	}

	ev := conn.waitFor(t, exam.EventEnded)
	if ev.Reason != exam.ReasonTimeLimit {
		t.Errorf("end reason = %q, want %q", ev.Reason, exam.ReasonTimeLimit)
	}
}

func TestPause_NotActiveRejected(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultPolicy())
	e.addRecord("exam-1", "alice", time.Minute)
	conn := newFakeConn("conn-1")
	e.admit(t, conn, "exam-1", "tok-alice")

	e.orch.HandlePause("conn-1")
	conn.waitFor(t, exam.EventPausedAck)

	e.orch.HandlePause("conn-1")
	ev := conn.waitFor(t, exam.EventRecoverableError)
	if ev.Code != string(exam.CodeStateMismatch) {
		t.Errorf("error code = %s, want %s", ev.Code, exam.CodeStateMismatch)
	}
}

func TestPauseExpiry_ReleasesHandleAndResumes(t *testing.T) {
	t.Parallel()

	policy := defaultPolicy()
	policy.PauseBudget = 60 * time.Millisecond
	e := newEnv(t, policy)
	e.addRecord("exam-1", "alice", time.Minute)
	conn := newFakeConn("conn-1")
	e.admit(t, conn, "exam-1", "tok-alice")

	e.orch.HandlePause("conn-1")
	conn.waitFor(t, exam.EventPausedAck)

	conn.waitFor(t, exam.EventPauseExpired)
	h := e.handle(t, 0)
	waitUntil(t, "handle release", func() bool { return h.Closes() > 0 })

	// Resuming re-opens a fresh handle and prompts a continuation turn.
	e.orch.HandleResume("conn-1")
	conn.waitFor(t, exam.EventResumedAck)
	waitUntil(t, "second Connect", func() bool { return len(e.provider.Calls()) == 2 })

	h2 := e.handle(t, 1)
	waitUntil(t, "continuation turn", func() bool { return len(h2.Turns()) > 0 })
}

// ── Ending ────────────────────────────────────────────────────────────────────

func TestEnd_Completed(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultPolicy())
	e.addRecord("exam-1", "alice", time.Minute)
	conn := newFakeConn("conn-1")
	e.admit(t, conn, "exam-1", "tok-alice")

	h := e.handle(t, 0)
	h.Emit(speech.Event{
		Kind: speech.EventTranscript, Speaker: speech.SpeakerExaminer,
		Text: "Describe your approach.", Timestamp: time.Now(),
	})
	h.Emit(speech.Event{
		Kind: speech.EventTranscript, Speaker: speech.SpeakerCandidate,
		Text: "I started by profiling.", Timestamp: time.Now(),
	})

	// Let the transcript events land before ending.
	time.Sleep(30 * time.Millisecond)

	e.orch.HandleEnd("conn-1", "completed")

	ended := conn.waitFor(t, exam.EventEnded)
	if ended.Reason != "completed" {
		t.Errorf("ended reason = %q, want completed", ended.Reason)
	}
	waitUntil(t, "deregistration", func() bool { return e.orch.Registry().Len() == 0 })

	if st := lastStatus(t, e.db); st.Status != store.StatusCompleted {
		t.Errorf("persisted status = %s, want completed", st.Status)
	}
	flushes := e.db.Transcripts()
	if len(flushes) != 1 {
		t.Fatalf("transcript flushes = %d, want 1", len(flushes))
	}
	if len(flushes[0].Entries) != 2 {
		t.Errorf("flushed entries = %d, want 2", len(flushes[0].Entries))
	}
	if h.Closes() == 0 {
		t.Error("upstream handle was not closed")
	}
}

func TestEnd_Cancelled(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultPolicy())
	e.addRecord("exam-1", "alice", time.Minute)
	conn := newFakeConn("conn-1")
	e.admit(t, conn, "exam-1", "tok-alice")

	e.orch.HandleEnd("conn-1", "cancelled")
	ended := conn.waitFor(t, exam.EventEnded)
	if ended.Reason != "cancelled" {
		t.Errorf("ended reason = %q, want cancelled", ended.Reason)
	}
	waitUntil(t, "deregistration", func() bool { return e.orch.Registry().Len() == 0 })
	if st := lastStatus(t, e.db); st.Status != store.StatusCancelled {
		t.Errorf("persisted status = %s, want cancelled", st.Status)
	}
}

func TestEnd_TooShortIsUnscored(t *testing.T) {
	t.Parallel()

	policy := defaultPolicy()
	policy.MinEvaluableDuration = time.Hour
	e := newEnv(t, policy)
	e.addRecord("exam-1", "alice", time.Minute)
	conn := newFakeConn("conn-1")
	e.admit(t, conn, "exam-1", "tok-alice")

	e.orch.HandleEnd("conn-1", "completed")
	conn.waitFor(t, exam.EventEnded)
	waitUntil(t, "deregistration", func() bool { return e.orch.Registry().Len() == 0 })

	if st := lastStatus(t, e.db); st.Status != store.StatusCompletedUnscored {
		t.Errorf("persisted status = %s, want completed_unscored", st.Status)
	}
}

func TestAutoEnd_TimeLimit(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultPolicy())
	e.addRecord("exam-1", "alice", 80*time.Millisecond)
	conn := newFakeConn("conn-1")
	e.admit(t, conn, "exam-1", "tok-alice")

	ended := conn.waitFor(t, exam.EventEnded)
	if ended.Reason != "time_limit" {
		t.Errorf("ended reason = %q, want time_limit", ended.Reason)
	}
	waitUntil(t, "forced disconnect", func() bool { return conn.closeCount() == 1 })
	waitUntil(t, "deregistration", func() bool { return e.orch.Registry().Len() == 0 })
}

func TestTimeWarnings(t *testing.T) {
	t.Parallel()

	policy := defaultPolicy()
	policy.WarningThresholds = []time.Duration{400 * time.Millisecond, 200 * time.Millisecond}
	e := newEnv(t, policy)
	e.addRecord("exam-1", "alice", 600*time.Millisecond)
	conn := newFakeConn("conn-1")
	e.admit(t, conn, "exam-1", "tok-alice")

	conn.waitFor(t, exam.EventEnded)
	if got := len(conn.ofType(exam.EventTimeWarning)); got != 2 {
		t.Errorf("time warnings = %d, want 2", got)
	}
}

func TestForceEnd(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultPolicy())
	e.addRecord("exam-1", "alice", time.Minute)
	conn := newFakeConn("conn-1")
	e.admit(t, conn, "exam-1", "tok-alice")

	if err := e.orch.ForceEnd("exam-1", "cancelled"); err != nil {
		t.Fatalf("ForceEnd: %v", err)
	}
	waitUntil(t, "deregistration", func() bool { return e.orch.Registry().Len() == 0 })
	if st := lastStatus(t, e.db); st.Status != store.StatusCancelled {
		t.Errorf("persisted status = %s, want cancelled", st.Status)
	}

	if err := e.orch.ForceEnd("exam-1", "cancelled"); err == nil {
		t.Error("ForceEnd on dead session should error")
	}
}

// ── Disconnect / reconnect ────────────────────────────────────────────────────

func TestDisconnect_GraceExpiryInterrupts(t *testing.T) {
	t.Parallel()

	policy := defaultPolicy()
	policy.GracePeriod = 60 * time.Millisecond
	e := newEnv(t, policy)
	e.addRecord("exam-1", "alice", time.Minute)
	conn := newFakeConn("conn-1")
	e.admit(t, conn, "exam-1", "tok-alice")

	h := e.handle(t, 0)
	h.Emit(speech.Event{
		Kind: speech.EventTranscript, Speaker: speech.SpeakerExaminer,
		Text: "First question.", Timestamp: time.Now(),
	})
	time.Sleep(20 * time.Millisecond)

	e.orch.HandleDisconnect("conn-1")

	waitUntil(t, "deregistration", func() bool { return e.orch.Registry().Len() == 0 })
	if st := lastStatus(t, e.db); st.Status != store.StatusInterrupted {
		t.Errorf("persisted status = %s, want interrupted", st.Status)
	}

	// Disconnect flushed the transcript; grace expiry found nothing new, so
	// exactly one flush happened.
	if flushes := e.db.Transcripts(); len(flushes) != 1 {
		t.Errorf("transcript flushes = %d, want 1", len(flushes))
	}
	if h.Closes() == 0 {
		t.Error("upstream handle was not closed")
	}
}

func TestReconnect_WithinGracePeriod(t *testing.T) {
	t.Parallel()

	policy := defaultPolicy()
	policy.GracePeriod = 2 * time.Second
	e := newEnv(t, policy)
	e.addRecord("exam-1", "alice", time.Minute)

	conn1 := newFakeConn("conn-1")
	e.admit(t, conn1, "exam-1", "tok-alice")

	e.orch.HandleDisconnect("conn-1")
	waitUntil(t, "grace period", func() bool {
		sess, ok := e.orch.Registry().Lookup("exam-1")
		return ok && sess.State() == exam.StateGracePeriod
	})

	conn2 := newFakeConn("conn-2")
	e.admit(t, conn2, "exam-1", "tok-alice")

	ready := conn2.waitFor(t, exam.EventReady)
	if ready.Status != "reconnected" {
		t.Errorf("ready.Status = %q, want reconnected", ready.Status)
	}

	// The original upstream handle survived the disconnect.
	if n := len(e.provider.Calls()); n != 1 {
		t.Errorf("Connect calls = %d, want 1", n)
	}

	// Audio flows on the new connection; the old id is dead.
	e.orch.HandleAudio("conn-2", pcmChunk(320), time.Now())
	h := e.handle(t, 0)
	waitUntil(t, "chunk via new connection", func() bool { return len(h.Sent()) == 1 })

	e.orch.HandleAudio("conn-1", pcmChunk(320), time.Now())
	time.Sleep(30 * time.Millisecond)
	if got := len(h.Sent()); got != 1 {
		t.Errorf("stale connection delivered audio: %d chunks", got)
	}
}

func TestReconnect_WrongOwner(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultPolicy())
	e.addRecord("exam-1", "alice", time.Minute)

	conn1 := newFakeConn("conn-1")
	e.admit(t, conn1, "exam-1", "tok-alice")
	e.orch.HandleDisconnect("conn-1")
	waitUntil(t, "grace period", func() bool {
		sess, ok := e.orch.Registry().Lookup("exam-1")
		return ok && sess.State() == exam.StateGracePeriod
	})

	rej := e.gate.Admit(context.Background(), newFakeConn("conn-2"), "exam-1", "tok-bob")
	if rej == nil {
		t.Fatal("Admit succeeded for wrong owner")
	}
	if rej.Code != exam.CodeOwnershipMismatch {
		t.Errorf("rejection code = %s, want %s", rej.Code, exam.CodeOwnershipMismatch)
	}
}

func TestReconnect_AfterGraceExpiry(t *testing.T) {
	t.Parallel()

	policy := defaultPolicy()
	policy.GracePeriod = 40 * time.Millisecond
	e := newEnv(t, policy)
	e.addRecord("exam-1", "alice", time.Minute)

	conn1 := newFakeConn("conn-1")
	e.admit(t, conn1, "exam-1", "tok-alice")
	e.orch.HandleDisconnect("conn-1")
	waitUntil(t, "deregistration", func() bool { return e.orch.Registry().Len() == 0 })

	// The record was persisted as interrupted, so a late reconnect is a
	// plain admission against a non-connectable record.
	rej := e.gate.Admit(context.Background(), newFakeConn("conn-2"), "exam-1", "tok-alice")
	if rej == nil {
		t.Fatal("Admit succeeded after grace expiry")
	}
	if rej.Code != exam.CodeWrongStatus {
		t.Errorf("rejection code = %s, want %s", rej.Code, exam.CodeWrongStatus)
	}
}

// ── Upstream failures ─────────────────────────────────────────────────────────

func TestUpstreamFailure_Interrupts(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultPolicy())
	e.addRecord("exam-1", "alice", time.Minute)
	conn := newFakeConn("conn-1")
	e.admit(t, conn, "exam-1", "tok-alice")

	e.handle(t, 0).Fail(errors.New("stream reset"))

	ev := conn.waitFor(t, exam.EventRecoverableError)
	if ev.Code != string(exam.CodeUpstreamFailed) {
		t.Errorf("error code = %s, want %s", ev.Code, exam.CodeUpstreamFailed)
	}
	ended := conn.waitFor(t, exam.EventEnded)
	if ended.Reason != "interrupted" {
		t.Errorf("ended reason = %q, want interrupted", ended.Reason)
	}
	waitUntil(t, "deregistration", func() bool { return e.orch.Registry().Len() == 0 })
	if st := lastStatus(t, e.db); st.Status != store.StatusInterrupted {
		t.Errorf("persisted status = %s, want interrupted", st.Status)
	}
}

func TestUpstreamReplies_ForwardedToClient(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultPolicy())
	e.addRecord("exam-1", "alice", time.Minute)
	conn := newFakeConn("conn-1")
	e.admit(t, conn, "exam-1", "tok-alice")

	h := e.handle(t, 0)
	h.Emit(speech.Event{Kind: speech.EventReplyText, Text: "Tell me more.", Timestamp: time.Now()})
	h.Emit(speech.Event{Kind: speech.EventReplyAudio, Audio: []byte{1, 2, 3, 4}, Timestamp: time.Now()})

	ev := conn.waitFor(t, exam.EventReply)
	if ev.Text != "Tell me more." {
		t.Errorf("reply text = %q, want %q", ev.Text, "Tell me more.")
	}
	waitUntil(t, "audio reply", func() bool {
		for _, ev := range conn.ofType(exam.EventReply) {
			if ev.Audio != "" {
				return ev.AudioFormat != ""
			}
		}
		return false
	})
}

// ── Shutdown ──────────────────────────────────────────────────────────────────

func TestShutdown_InterruptsAllSessions(t *testing.T) {
	t.Parallel()

	e := newEnv(t, defaultPolicy())
	e.addRecord("exam-1", "alice", time.Minute)
	e.addRecord("exam-2", "bob", time.Minute)
	e.admit(t, newFakeConn("conn-1"), "exam-1", "tok-alice")
	e.admit(t, newFakeConn("conn-2"), "exam-2", "tok-bob")

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := e.orch.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}

	if e.orch.Registry().Len() != 0 {
		t.Errorf("registry size after shutdown = %d, want 0", e.orch.Registry().Len())
	}
	statuses := map[string]store.Status{}
	for _, call := range e.db.Statuses() {
		statuses[call.ID] = call.Status
	}
	for _, id := range []string{"exam-1", "exam-2"} {
		if statuses[id] != store.StatusInterrupted {
			t.Errorf("session %s persisted as %s, want interrupted", id, statuses[id])
		}
	}

	// New admissions are refused after shutdown.
	rej := e.gate.Admit(context.Background(), newFakeConn("conn-3"), "exam-1", "tok-alice")
	if rej == nil {
		t.Fatal("Admit succeeded after shutdown")
	}
}
