// Package postgres provides the PostgreSQL-backed implementation of the
// store contracts: exam-session records, candidate standing, and transcript
// persistence.
//
// All operations share a single [pgxpool.Pool]. [New] runs the schema
// bootstrap automatically via CREATE TABLE IF NOT EXISTS.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/vivavoce/viva/internal/store"
)

// Compile-time interface checks.
var (
	_ store.ExamStore      = (*Store)(nil)
	_ store.TranscriptSink = (*Store)(nil)
)

const schema = `
CREATE TABLE IF NOT EXISTS exam_sessions (
    id          TEXT         PRIMARY KEY,
    owner_id    TEXT         NOT NULL,
    part        INT          NOT NULL DEFAULT 1,
    status      TEXT         NOT NULL DEFAULT 'active',
    time_limit_seconds INT   NOT NULL DEFAULT 0,
    elapsed_seconds    INT   NOT NULL DEFAULT 0,
    created_at  TIMESTAMPTZ  NOT NULL DEFAULT now(),
    updated_at  TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_exam_sessions_owner
    ON exam_sessions (owner_id);

CREATE TABLE IF NOT EXISTS exam_owners (
    id                TEXT        PRIMARY KEY,
    standing_expires  TIMESTAMPTZ
);

CREATE TABLE IF NOT EXISTS exam_transcripts (
    id          BIGSERIAL    PRIMARY KEY,
    session_id  TEXT         NOT NULL,
    seq         INT          NOT NULL,
    speaker     TEXT         NOT NULL,
    text        TEXT         NOT NULL,
    timestamp   TIMESTAMPTZ  NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_exam_transcripts_session
    ON exam_transcripts (session_id, seq);
`

// Store is the PostgreSQL-backed exam store. All methods are safe for
// concurrent use.
type Store struct {
	pool *pgxpool.Pool
}

// New establishes a connection pool to the database at dsn, verifies it with
// a ping, and bootstraps the schema.
func New(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("exam store: create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("exam store: ping: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("exam store: bootstrap schema: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Ping probes database connectivity. Used by the readiness endpoint.
func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() {
	s.pool.Close()
}

// LoadExamSession implements [store.ExamStore].
func (s *Store) LoadExamSession(ctx context.Context, id string) (store.ExamSession, error) {
	const q = `
		SELECT id, owner_id, part, status, time_limit_seconds, created_at
		FROM exam_sessions
		WHERE id = $1`

	var (
		rec          store.ExamSession
		limitSeconds int
		status       string
	)
	err := s.pool.QueryRow(ctx, q, id).Scan(
		&rec.ID, &rec.OwnerID, &rec.Part, &status, &limitSeconds, &rec.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return store.ExamSession{}, fmt.Errorf("exam store: load %q: %w", id, store.ErrNotFound)
		}
		return store.ExamSession{}, fmt.Errorf("exam store: load %q: %w", id, err)
	}
	rec.Status = store.Status(status)
	rec.TimeLimit = time.Duration(limitSeconds) * time.Second
	return rec, nil
}

// VerifyOwnerStanding implements [store.ExamStore]. An owner with no row or a
// NULL expiry is in good standing.
func (s *Store) VerifyOwnerStanding(ctx context.Context, ownerID string) error {
	const q = `SELECT standing_expires FROM exam_owners WHERE id = $1`

	var expires *time.Time
	err := s.pool.QueryRow(ctx, q, ownerID).Scan(&expires)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil
		}
		return fmt.Errorf("exam store: verify standing %q: %w", ownerID, err)
	}
	if expires != nil && expires.Before(time.Now()) {
		return fmt.Errorf("exam store: owner %q: %w", ownerID, store.ErrStandingExpired)
	}
	return nil
}

// PersistStatus implements [store.ExamStore].
func (s *Store) PersistStatus(ctx context.Context, id string, status store.Status, elapsed time.Duration) error {
	const q = `
		UPDATE exam_sessions
		SET status = $2, elapsed_seconds = $3, updated_at = now()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, q, id, string(status), int(elapsed.Seconds()))
	if err != nil {
		return fmt.Errorf("exam store: persist status %q: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("exam store: persist status %q: %w", id, store.ErrNotFound)
	}
	return nil
}

// PersistTranscript implements [store.TranscriptSink]. The previous transcript
// for the session is replaced so repeated flushes during one attempt never
// duplicate lines.
func (s *Store) PersistTranscript(ctx context.Context, id string, entries []store.TranscriptEntry) error {
	batch := &pgx.Batch{}
	batch.Queue(`DELETE FROM exam_transcripts WHERE session_id = $1`, id)
	for i, e := range entries {
		batch.Queue(
			`INSERT INTO exam_transcripts (session_id, seq, speaker, text, timestamp)
			 VALUES ($1, $2, $3, $4, $5)`,
			id, i, e.Speaker, e.Text, e.Timestamp,
		)
	}

	br := s.pool.SendBatch(ctx, batch)
	defer br.Close()
	for range batch.Len() {
		if _, err := br.Exec(); err != nil {
			return fmt.Errorf("exam store: persist transcript %q: %w", id, err)
		}
	}
	return nil
}
