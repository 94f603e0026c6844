package exam

import (
	"fmt"
	"sync"
)

// Registry is the in-memory table of live sessions. The primary index is the
// stable exam-session id; a secondary index maps the currently attached
// connection id back to it. Reconnection updates only the secondary index,
// the primary record never moves.
//
// All methods are safe for concurrent use.
type Registry struct {
	mu sync.Mutex

	// byExam is the owning table.
	byExam map[string]*Session

	// byConn maps connection id → exam-session id.
	byConn map[string]string

	// maxSessions caps live sessions; zero means unlimited.
	maxSessions int
}

// NewRegistry creates an empty registry admitting at most maxSessions live
// sessions (zero for unlimited).
func NewRegistry(maxSessions int) *Registry {
	return &Registry{
		byExam:      make(map[string]*Session),
		byConn:      make(map[string]string),
		maxSessions: maxSessions,
	}
}

// Register adds sess under its exam-session id and indexes connID. It fails
// if the id is already registered (single-flight invariant) or the session
// cap is reached.
func (r *Registry) Register(sess *Session, connID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.byExam[sess.ExamSessionID]; exists {
		return fmt.Errorf("registry: exam session %s already live", sess.ExamSessionID)
	}
	if r.maxSessions > 0 && len(r.byExam) >= r.maxSessions {
		return fmt.Errorf("registry: session limit %d reached", r.maxSessions)
	}
	r.byExam[sess.ExamSessionID] = sess
	if connID != "" {
		r.byConn[connID] = sess.ExamSessionID
	}
	return nil
}

// Lookup returns the live session for an exam-session id.
func (r *Registry) Lookup(examSessionID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	sess, ok := r.byExam[examSessionID]
	return sess, ok
}

// LookupByConn returns the live session a connection id is attached to.
func (r *Registry) LookupByConn(connID string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	examID, ok := r.byConn[connID]
	if !ok {
		return nil, false
	}
	sess, ok := r.byExam[examID]
	return sess, ok
}

// Reattach points connID at the session's exam id, dropping the previous
// connection index entry if any.
func (r *Registry) Reattach(examSessionID, oldConnID, newConnID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if oldConnID != "" {
		delete(r.byConn, oldConnID)
	}
	if newConnID != "" {
		r.byConn[newConnID] = examSessionID
	}
}

// DetachConn removes the secondary index entry for connID.
func (r *Registry) DetachConn(connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byConn, connID)
}

// Remove deregisters the session and any connection index pointing at it.
func (r *Registry) Remove(examSessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byExam, examSessionID)
	for connID, examID := range r.byConn {
		if examID == examSessionID {
			delete(r.byConn, connID)
		}
	}
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.byExam)
}

// All returns a snapshot of every live session.
func (r *Registry) All() []*Session {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Session, 0, len(r.byExam))
	for _, sess := range r.byExam {
		out = append(out, sess)
	}
	return out
}
