package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/fyrsmithlabs/reverie/internal/journal"
)

// Claim atomically takes the generation claim for (userID, period) on
// behalf of workerID. The single conditional upsert succeeds only when the
// entry is unclaimed, failed, or claimed with an expired lease; any other
// state returns ErrClaimConflict. This is the mutual-exclusion point: at
// most one worker is ever generating a given period at a time.
//
// On success Claim also returns the entry's status before the claim, so
// callers can tell a first claim from a reclaim of a dead-lettered or
// stale period and keep dead-letter terminal.
func (s *Store) Claim(ctx context.Context, userID string, p journal.Period, workerID string, now time.Time, lease time.Duration) (journal.LedgerStatus, error) {
	prior := journal.LedgerUnclaimed
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT status FROM reflection_ledger
		 WHERE user_id = ? AND period_kind = ? AND period_start = ?`,
		userID, string(p.Kind), p.Start.UTC().UnixNano()).Scan(&status)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return "", fmt.Errorf("claim: prior status: %w", err)
	default:
		prior = journal.LedgerStatus(status)
	}

	staleBefore := now.Add(-lease).UTC().UnixNano()
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO reflection_ledger (user_id, period_kind, period_start, status, claimed_by, claimed_at)
		 VALUES (?, ?, ?, 'claimed', ?, ?)
		 ON CONFLICT(user_id, period_kind, period_start) DO UPDATE SET
		   status = 'claimed',
		   claimed_by = excluded.claimed_by,
		   claimed_at = excluded.claimed_at
		 WHERE reflection_ledger.status IN ('unclaimed', 'failed')
		    OR (reflection_ledger.status = 'claimed' AND reflection_ledger.claimed_at <= ?)`,
		userID, string(p.Kind), p.Start.UTC().UnixNano(), workerID, now.UTC().UnixNano(), staleBefore)
	if err != nil {
		return "", fmt.Errorf("claim: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", fmt.Errorf("claim: rows affected: %w", err)
	}
	if n == 0 {
		return "", ErrClaimConflict
	}
	return prior, nil
}

// Release returns a claimed entry to unclaimed, but only for the worker
// that holds the claim. Used before nacking a transiently failed job so a
// later delivery can reclaim without waiting out the lease.
func (s *Store) Release(ctx context.Context, userID string, p journal.Period, workerID string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE reflection_ledger SET status = 'unclaimed', claimed_by = '', claimed_at = 0
		 WHERE user_id = ? AND period_kind = ? AND period_start = ?
		   AND status = 'claimed' AND claimed_by = ?`,
		userID, string(p.Kind), p.Start.UTC().UnixNano(), workerID)
	if err != nil {
		return fmt.Errorf("release claim: %w", err)
	}
	return nil
}

// Ledger fetches the ledger entry for a (user, period) key. The second
// return value is false when no entry exists (the period is unclaimed).
func (s *Store) Ledger(ctx context.Context, userID string, p journal.Period) (journal.LedgerEntry, bool, error) {
	var e journal.LedgerEntry
	var kind, status string
	var periodStart, claimedAt int64
	err := s.db.QueryRowContext(ctx,
		`SELECT user_id, period_kind, period_start, status, claimed_by, claimed_at
		 FROM reflection_ledger WHERE user_id = ? AND period_kind = ? AND period_start = ?`,
		userID, string(p.Kind), p.Start.UTC().UnixNano()).
		Scan(&e.UserID, &kind, &periodStart, &status, &e.ClaimedBy, &claimedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return journal.LedgerEntry{}, false, nil
	}
	if err != nil {
		return journal.LedgerEntry{}, false, fmt.Errorf("get ledger entry: %w", err)
	}
	e.Period = p
	e.Status = journal.LedgerStatus(status)
	if claimedAt != 0 {
		e.ClaimedAt = time.Unix(0, claimedAt).UTC()
	}
	return e, true, nil
}

// CompleteReflection commits a successful generation: the reflection row
// and the ledger transition to complete happen in one local transaction.
// The ledger update is conditional on workerID still holding the claim;
// a lost lease returns ErrClaimConflict and writes nothing.
func (s *Store) CompleteReflection(ctx context.Context, userID string, p journal.Period, ciphertext []byte, workerID string, generatedAt time.Time) error {
	return s.commitReflection(ctx, userID, p, ciphertext, workerID, generatedAt, journal.ReflectionComplete, journal.LedgerComplete)
}

// FailReflection records a terminal failure (retry exhaustion or a
// permanent error): a failed reflection row plus the ledger dead-letter
// transition, in one transaction.
func (s *Store) FailReflection(ctx context.Context, userID string, p journal.Period, workerID string, failedAt time.Time) error {
	return s.commitReflection(ctx, userID, p, nil, workerID, failedAt, journal.ReflectionFailed, journal.LedgerFailed)
}

func (s *Store) commitReflection(ctx context.Context, userID string, p journal.Period, ciphertext []byte, workerID string, at time.Time, rs journal.ReflectionStatus, ls journal.LedgerStatus) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("commit reflection: begin: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE reflection_ledger SET status = ?
		 WHERE user_id = ? AND period_kind = ? AND period_start = ?
		   AND status = 'claimed' AND claimed_by = ?`,
		string(ls), userID, string(p.Kind), p.Start.UTC().UnixNano(), workerID)
	if err != nil {
		return fmt.Errorf("commit reflection: ledger: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("commit reflection: rows affected: %w", err)
	}
	if n == 0 {
		return ErrClaimConflict
	}

	if err := upsertReflection(ctx, tx, journal.Reflection{
		UserID:      userID,
		Period:      p,
		GeneratedAt: at,
		Ciphertext:  ciphertext,
		Status:      rs,
	}); err != nil {
		return err
	}

	return tx.Commit()
}
