// Package store persists users, memories, reflections, and the
// idempotency ledger in SQLite.
//
// The ledger is the single source of truth for deduplication: all mutations
// are single-row conditional writes, so at most one worker ever holds a
// fresh claim for a given (user, period). Timestamps are stored as Unix
// nanoseconds for exact range and lease comparisons.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/fyrsmithlabs/reverie/internal/journal"
)

// ErrClaimConflict signals that another worker already owns a fresh claim
// for the period, or the period is already complete. It is a no-op signal,
// not a failure.
var ErrClaimConflict = errors.New("store: claim conflict")

// Store is the SQLite-backed entry store and idempotency ledger.
type Store struct {
	db *sql.DB
}

// New opens or creates the database at the given path.
func New(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create db dir: %w", err)
	}

	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(wal)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(on)")
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS users (
		id         TEXT PRIMARY KEY,
		active     INTEGER NOT NULL DEFAULT 1,
		created_at INTEGER NOT NULL
	);

	CREATE TABLE IF NOT EXISTS memories (
		id         TEXT PRIMARY KEY,
		user_id    TEXT NOT NULL REFERENCES users(id),
		mood       TEXT NOT NULL DEFAULT '',
		ciphertext BLOB NOT NULL,
		created_at INTEGER NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_memories_user_created ON memories(user_id, created_at);

	CREATE TABLE IF NOT EXISTS reflections (
		user_id      TEXT NOT NULL,
		period_kind  TEXT NOT NULL,
		period_start INTEGER NOT NULL,
		period_end   INTEGER NOT NULL,
		ciphertext   BLOB,
		status       TEXT NOT NULL,
		generated_at INTEGER,
		PRIMARY KEY (user_id, period_kind, period_start)
	);

	CREATE TABLE IF NOT EXISTS reflection_ledger (
		user_id      TEXT NOT NULL,
		period_kind  TEXT NOT NULL,
		period_start INTEGER NOT NULL,
		status       TEXT NOT NULL,
		claimed_by   TEXT NOT NULL DEFAULT '',
		claimed_at   INTEGER NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, period_kind, period_start)
	);
	`
	_, err := s.db.Exec(schema)
	return err
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// CreateUser registers a user. Idempotent.
func (s *Store) CreateUser(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO users (id, active, created_at) VALUES (?, 1, ?)`,
		id, time.Now().UTC().UnixNano())
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

// ActiveUsers lists the users the scheduler enumerates on each tick.
func (s *Store) ActiveUsers(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM users WHERE active = 1 ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list active users: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// AddMemory stores an encrypted journal entry. Memories are immutable once
// written; this is the entry-submission surface used by the CRUD layer.
func (s *Store) AddMemory(ctx context.Context, m journal.Memory) (string, error) {
	if m.ID == "" {
		m.ID = uuid.New().String()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO memories (id, user_id, mood, ciphertext, created_at) VALUES (?, ?, ?, ?, ?)`,
		m.ID, m.UserID, m.Mood, m.Ciphertext, m.CreatedAt.UTC().UnixNano())
	if err != nil {
		return "", fmt.Errorf("insert memory: %w", err)
	}
	return m.ID, nil
}

// ListMemories returns the user's memories within [start, end), ordered by
// created_at ascending.
func (s *Store) ListMemories(ctx context.Context, userID string, start, end time.Time) ([]journal.Memory, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, user_id, mood, ciphertext, created_at FROM memories
		 WHERE user_id = ? AND created_at >= ? AND created_at < ?
		 ORDER BY created_at ASC, id ASC`,
		userID, start.UTC().UnixNano(), end.UTC().UnixNano())
	if err != nil {
		return nil, fmt.Errorf("list memories: %w", err)
	}
	defer rows.Close()

	var memories []journal.Memory
	for rows.Next() {
		var m journal.Memory
		var createdAt int64
		if err := rows.Scan(&m.ID, &m.UserID, &m.Mood, &m.Ciphertext, &createdAt); err != nil {
			return nil, err
		}
		m.CreatedAt = time.Unix(0, createdAt).UTC()
		memories = append(memories, m)
	}
	return memories, rows.Err()
}

// UpsertReflection writes or replaces the reflection row for the period.
func (s *Store) UpsertReflection(ctx context.Context, r journal.Reflection) error {
	return upsertReflection(ctx, s.db, r)
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func upsertReflection(ctx context.Context, db execer, r journal.Reflection) error {
	var generatedAt any
	if !r.GeneratedAt.IsZero() {
		generatedAt = r.GeneratedAt.UTC().UnixNano()
	}
	_, err := db.ExecContext(ctx,
		`INSERT INTO reflections (user_id, period_kind, period_start, period_end, ciphertext, status, generated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(user_id, period_kind, period_start) DO UPDATE SET
		   period_end = excluded.period_end,
		   ciphertext = excluded.ciphertext,
		   status = excluded.status,
		   generated_at = excluded.generated_at`,
		r.UserID, string(r.Period.Kind), r.Period.Start.UTC().UnixNano(), r.Period.End.UTC().UnixNano(),
		r.Ciphertext, string(r.Status), generatedAt)
	if err != nil {
		return fmt.Errorf("upsert reflection: %w", err)
	}
	return nil
}

// GetReflection fetches the reflection row for a (user, period) key.
func (s *Store) GetReflection(ctx context.Context, userID string, p journal.Period) (journal.Reflection, bool, error) {
	var r journal.Reflection
	var periodStart, periodEnd int64
	var generatedAt sql.NullInt64
	var kind, status string
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, period_kind, period_start, period_end, ciphertext, status, generated_at
		 FROM reflections WHERE user_id = ? AND period_kind = ? AND period_start = ?`,
		userID, string(p.Kind), p.Start.UTC().UnixNano()).
		Scan(&r.UserID, &kind, &periodStart, &periodEnd, &r.Ciphertext, &status, &generatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return journal.Reflection{}, false, nil
	}
	if err != nil {
		return journal.Reflection{}, false, fmt.Errorf("get reflection: %w", err)
	}
	r.Period = journal.Period{
		Kind:  journal.PeriodKind(kind),
		Start: time.Unix(0, periodStart).UTC(),
		End:   time.Unix(0, periodEnd).UTC(),
	}
	r.Status = journal.ReflectionStatus(status)
	if generatedAt.Valid {
		r.GeneratedAt = time.Unix(0, generatedAt.Int64).UTC()
	}
	return r, true, nil
}
