package exam

import (
	"context"
	"errors"
	"log/slog"

	"github.com/vivavoce/viva/internal/auth"
	"github.com/vivavoce/viva/internal/store"
)

// Gatekeeper performs the ordered admission checks for a new connection:
// credential, live-session lookup (reconnection), record lookup, ownership,
// status, standing, then session start. It rejects with a stable code; the
// caller is responsible for delivering that rejection and closing the
// connection.
type Gatekeeper struct {
	orch     *Orchestrator
	verifier auth.TokenVerifier
}

// NewGatekeeper creates a Gatekeeper admitting into orch.
func NewGatekeeper(orch *Orchestrator, verifier auth.TokenVerifier) *Gatekeeper {
	return &Gatekeeper{orch: orch, verifier: verifier}
}

// Admit runs the admission sequence for conn. A nil return means the
// connection was adopted, either by a freshly started session or by a
// grace-period session it reconnected to. A non-nil return is the rejection
// to deliver; no session holds a reference to conn in that case.
func (g *Gatekeeper) Admit(ctx context.Context, conn Conn, examSessionID, token string) *RejectError {
	rej := g.admit(ctx, conn, examSessionID, token)
	if rej != nil {
		g.orch.rejected(rej.Code)
		slog.Info("connection rejected",
			"connection_id", conn.ID(),
			"exam_session_id", examSessionID,
			"code", string(rej.Code),
		)
	}
	return rej
}

func (g *Gatekeeper) admit(ctx context.Context, conn Conn, examSessionID, token string) *RejectError {
	if !g.orch.accepting() {
		return Reject(CodeUnexpectedFailure, "server is shutting down")
	}
	if examSessionID == "" {
		return Reject(CodeMissingTarget, "exam session id is required")
	}

	ownerID, err := g.verifier.Verify(token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrMissingToken):
			return Reject(CodeMissingCredential, "credential is required")
		case errors.Is(err, auth.ErrExpiredToken):
			return Reject(CodeInvalidCredential, "credential has expired")
		default:
			return Reject(CodeInvalidCredential, "credential is invalid")
		}
	}

	// Reconnection path: a live session in its grace period adopts the new
	// connection. The decision taken here on an outside state read is
	// re-validated by the session's own loop, which kicks the connection if
	// the window closed in between.
	if sess, ok := g.orch.registry.Lookup(examSessionID); ok {
		if sess.OwnerID != ownerID {
			return Reject(CodeOwnershipMismatch, "exam session belongs to another candidate")
		}
		if sess.State() == StateGracePeriod && sess.post(evReattach{conn: conn}) {
			return nil
		}
		if !sess.State().Terminal() {
			return Reject(CodeDuplicateConnection, "exam session already has a live connection")
		}
		// Terminal but not yet deregistered: fall through to fresh admission,
		// which the registry will arbitrate.
	}

	rec, err := g.orch.exams.LoadExamSession(ctx, examSessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return Reject(CodeNotFound, "exam session does not exist")
		}
		slog.Error("exam session load failed", "exam_session_id", examSessionID, "err", err)
		return Reject(CodeUnexpectedFailure, "could not load exam session")
	}
	if rec.OwnerID != ownerID {
		return Reject(CodeOwnershipNotVerified, "exam session belongs to another candidate")
	}
	if rec.Status != store.StatusActive {
		return Reject(CodeWrongStatus, "exam session is %s and cannot be connected to", rec.Status)
	}

	if err := g.orch.exams.VerifyOwnerStanding(ctx, ownerID); err != nil {
		if errors.Is(err, store.ErrStandingExpired) {
			return Reject(CodeExpiredEntitlement, "candidate entitlement has expired")
		}
		slog.Error("owner standing check failed", "owner_id", ownerID, "err", err)
		return Reject(CodeUnexpectedFailure, "could not verify candidate standing")
	}

	return g.orch.startSession(ctx, rec, conn)
}
