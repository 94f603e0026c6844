// Package mock provides in-memory test doubles for the store interfaces.
package mock

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/vivavoce/viva/internal/store"
)

// StatusCall records a single invocation of PersistStatus.
type StatusCall struct {
	ID      string
	Status  store.Status
	Elapsed time.Duration
}

// TranscriptCall records a single invocation of PersistTranscript.
type TranscriptCall struct {
	ID      string
	Entries []store.TranscriptEntry
}

// Store is an in-memory implementation of store.ExamStore and
// store.TranscriptSink. Pre-populate Sessions and ExpiredOwners, then inspect
// the recorded calls.
type Store struct {
	mu sync.Mutex

	// Sessions maps exam-session id to its record.
	Sessions map[string]store.ExamSession

	// ExpiredOwners lists owner ids whose standing has lapsed.
	ExpiredOwners map[string]bool

	// LoadErr, StandingErr, StatusErr, TranscriptErr force the corresponding
	// method to fail when non-nil.
	LoadErr       error
	StandingErr   error
	StatusErr     error
	TranscriptErr error

	// StatusCalls and TranscriptCalls record every mutation in order.
	StatusCalls     []StatusCall
	TranscriptCalls []TranscriptCall
}

// Compile-time interface checks.
var (
	_ store.ExamStore      = (*Store)(nil)
	_ store.TranscriptSink = (*Store)(nil)
)

// New creates an empty mock store.
func New() *Store {
	return &Store{
		Sessions:      make(map[string]store.ExamSession),
		ExpiredOwners: make(map[string]bool),
	}
}

// Add registers an exam-session record.
func (s *Store) Add(rec store.ExamSession) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Sessions[rec.ID] = rec
}

// LoadExamSession implements [store.ExamStore].
func (s *Store) LoadExamSession(_ context.Context, id string) (store.ExamSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.LoadErr != nil {
		return store.ExamSession{}, s.LoadErr
	}
	rec, ok := s.Sessions[id]
	if !ok {
		return store.ExamSession{}, fmt.Errorf("mock store: %w", store.ErrNotFound)
	}
	return rec, nil
}

// VerifyOwnerStanding implements [store.ExamStore].
func (s *Store) VerifyOwnerStanding(_ context.Context, ownerID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StandingErr != nil {
		return s.StandingErr
	}
	if s.ExpiredOwners[ownerID] {
		return fmt.Errorf("mock store: %w", store.ErrStandingExpired)
	}
	return nil
}

// PersistStatus implements [store.ExamStore]. The stored record's status is
// updated so later loads observe it.
func (s *Store) PersistStatus(_ context.Context, id string, status store.Status, elapsed time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.StatusErr != nil {
		return s.StatusErr
	}
	s.StatusCalls = append(s.StatusCalls, StatusCall{ID: id, Status: status, Elapsed: elapsed})
	if rec, ok := s.Sessions[id]; ok {
		rec.Status = status
		s.Sessions[id] = rec
	}
	return nil
}

// PersistTranscript implements [store.TranscriptSink].
func (s *Store) PersistTranscript(_ context.Context, id string, entries []store.TranscriptEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.TranscriptErr != nil {
		return s.TranscriptErr
	}
	cp := make([]store.TranscriptEntry, len(entries))
	copy(cp, entries)
	s.TranscriptCalls = append(s.TranscriptCalls, TranscriptCall{ID: id, Entries: cp})
	return nil
}

// Statuses returns a copy of the recorded status calls.
func (s *Store) Statuses() []StatusCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]StatusCall, len(s.StatusCalls))
	copy(out, s.StatusCalls)
	return out
}

// Transcripts returns a copy of the recorded transcript calls.
func (s *Store) Transcripts() []TranscriptCall {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]TranscriptCall, len(s.TranscriptCalls))
	copy(out, s.TranscriptCalls)
	return out
}
