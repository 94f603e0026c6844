// Package store defines the persistence contracts the session orchestrator
// depends on: exam-session records, candidate standing, and transcript
// persistence. Implementations live in subpackages (postgres for production,
// mock for tests).
package store

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors shared by all implementations.
var (
	// ErrNotFound is returned when no exam session exists for the given id.
	ErrNotFound = errors.New("store: exam session not found")

	// ErrStandingExpired is returned by VerifyOwnerStanding when the
	// candidate's entitlement has lapsed.
	ErrStandingExpired = errors.New("store: owner standing expired")
)

// Status is the persisted lifecycle status of an exam session.
type Status string

const (
	// StatusActive marks a session that may be connected to.
	StatusActive Status = "active"

	// StatusPaused marks a session whose candidate requested a pause.
	StatusPaused Status = "paused"

	// StatusCompleted marks a normally ended session.
	StatusCompleted Status = "completed"

	// StatusCompletedUnscored marks a completed session too short to be
	// eligible for scoring.
	StatusCompletedUnscored Status = "completed_unscored"

	// StatusCancelled marks a session the candidate abandoned deliberately.
	StatusCancelled Status = "cancelled"

	// StatusInterrupted marks a session ended by disconnect or upstream
	// failure.
	StatusInterrupted Status = "interrupted"
)

// ExamSession is the durable record of one exam attempt.
type ExamSession struct {
	// ID is the stable exam-session identifier.
	ID string

	// OwnerID identifies the candidate the attempt belongs to.
	OwnerID string

	// Part is the exam segment being attempted.
	Part int

	// Status is the persisted lifecycle status.
	Status Status

	// TimeLimit is the attempt's fixed budget. Zero means untimed.
	TimeLimit time.Duration

	// CreatedAt is when the attempt record was created.
	CreatedAt time.Time
}

// TranscriptEntry is one line of the accumulated conversation.
type TranscriptEntry struct {
	// Speaker is "examiner" or "candidate".
	Speaker string

	// Text is the spoken content.
	Text string

	// Timestamp is when the line was produced.
	Timestamp time.Time
}

// ExamStore loads and updates exam-session records.
type ExamStore interface {
	// LoadExamSession returns the record for id, or an error wrapping
	// [ErrNotFound].
	LoadExamSession(ctx context.Context, id string) (ExamSession, error)

	// VerifyOwnerStanding confirms the candidate may sit exams. Returns nil
	// when in good standing, an error wrapping [ErrStandingExpired] when the
	// entitlement lapsed.
	VerifyOwnerStanding(ctx context.Context, ownerID string) error

	// PersistStatus records the session's lifecycle status and elapsed time.
	PersistStatus(ctx context.Context, id string, status Status, elapsed time.Duration) error
}

// TranscriptSink durably persists an accumulated conversation. Flushes
// replace any previously persisted transcript for the session, so repeated
// flushes during one attempt are safe.
type TranscriptSink interface {
	PersistTranscript(ctx context.Context, id string, entries []TranscriptEntry) error
}
