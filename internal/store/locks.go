package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/meridianctl/agentctl/internal/apierr"
	"github.com/meridianctl/agentctl/pkg/types"
)

// AcquireLocksForNewSession creates sess and inserts one file_locks row per
// path in the same transaction, all-or-nothing. If any path is already held
// by a non-terminal session, the whole transaction rolls back and an
// *apierr.ConflictError is returned naming every contested path, not just
// the first one the insert tripped over.
//
// Path-set deduplication happens here, not in the caller: a repeated path in
// paths would otherwise self-conflict against the INSERT this same
// transaction just made for it.
func (s *Store) AcquireLocksForNewSession(ctx context.Context, sess *types.Session, paths []string, lockedAt int64) error {
	unique := dedupe(paths)

	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := s.createSessionTx(ctx, tx, sess); err != nil {
			return err
		}

		for _, p := range unique {
			_, err := tx.Exec(ctx, `INSERT INTO file_locks (path, session_id, locked_at) VALUES ($1, $2, $3)`,
				p, sess.ID, lockedAt)
			if err != nil {
				if isUniqueViolation(err) {
					return s.conflictErrorTx(ctx, tx, unique)
				}
				return fmt.Errorf("insert lock %q: %w", p, err)
			}
		}
		return nil
	})
}

// conflictErrorTx resolves every contested path's current holder inside the
// same transaction that observed the conflict, so the response reflects a
// single consistent snapshot rather than a second, separately-racing read.
func (s *Store) conflictErrorTx(ctx context.Context, tx pgx.Tx, paths []string) error {
	rows, err := tx.Query(ctx, `SELECT path, session_id FROM file_locks WHERE path = ANY($1)`, paths)
	if err != nil {
		return fmt.Errorf("resolve lock conflict: %w", err)
	}
	defer rows.Close()

	var conflicts []apierr.PathConflict
	held := make(map[string]bool)
	for rows.Next() {
		var c apierr.PathConflict
		if err := rows.Scan(&c.Path, &c.HeldBy); err != nil {
			return fmt.Errorf("scan lock conflict: %w", err)
		}
		conflicts = append(conflicts, c)
		held[c.Path] = true
	}
	if err := rows.Err(); err != nil {
		return err
	}

	if !held[tripped] {
		// Another transaction held it only momentarily; still report it
		// so the caller can retry rather than assume success.
		conflicts = append(conflicts, apierr.PathConflict{Path: tripped, HeldBy: ""})
	}

	return &apierr.ConflictError{Conflicts: conflicts}
}

// Release deletes every lock held by sessionID inside tx. Its caller is
// PurgeLocksForSession, the force-terminate path.
func (s *Store) Release(ctx context.Context, tx pgx.Tx, sessionID string) error {
	_, err := tx.Exec(ctx, `DELETE FROM file_locks WHERE session_id = $1`, sessionID)
	if err != nil {
		return fmt.Errorf("release locks for %q: %w", sessionID, err)
	}
	return nil
}

// Transfer atomically moves every lock sessionID holds to a newly created
// child session, as part of spawning a remediation attempt. Both the
// child session insert and the lock re-assignment happen in
// one transaction so a crash can never leave the parent's locks orphaned.
func (s *Store) Transfer(ctx context.Context, fromSessionID string, child *types.Session) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		if err := s.createSessionTx(ctx, tx, child); err != nil {
			return err
		}
		_, err := tx.Exec(ctx, `UPDATE file_locks SET session_id = $2 WHERE session_id = $1`, fromSessionID, child.ID)
		if err != nil {
			return fmt.Errorf("transfer locks from %q to %q: %w", fromSessionID, child.ID, err)
		}
		return nil
	})
}

// ConflictStatus returns the current holder of every lock, joined with its
// owning session's observable state, for the GET /locks endpoint.
func (s *Store) ConflictStatus(ctx context.Context) ([]types.LockHolder, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT fl.path, fl.session_id, s.status, s.branch_name, fl.locked_at
		FROM file_locks fl
		JOIN sessions s ON s.id = fl.session_id
		ORDER BY fl.locked_at`)
	if err != nil {
		return nil, fmt.Errorf("list lock holders: %w", err)
	}
	defer rows.Close()

	var holders []types.LockHolder
	for rows.Next() {
		var h types.LockHolder
		if err := rows.Scan(&h.Path, &h.SessionID, &h.Status, &h.Branch, &h.LockedAt); err != nil {
			return nil, fmt.Errorf("scan lock holder: %w", err)
		}
		holders = append(holders, h)
	}
	return holders, rows.Err()
}

// PurgeLocksForSession force-releases every lock a session holds, used by
// the operator-facing force-terminate path outside of
// a normal terminal-status transition.
func (s *Store) PurgeLocksForSession(ctx context.Context, sessionID string) error {
	return s.inTx(ctx, func(tx pgx.Tx) error {
		return s.Release(ctx, tx, sessionID)
	})
}

// DeleteAllLocks purges every lock row, returning how many were released.
// Backs the operator's DELETE /locks escape hatch.
func (s *Store) DeleteAllLocks(ctx context.Context) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM file_locks`)
	if err != nil {
		return 0, fmt.Errorf("purge locks: %w", err)
	}
	return tag.RowsAffected(), nil
}

func dedupe(paths []string) []string {
	seen := make(map[string]bool, len(paths))
	out := make([]string, 0, len(paths))
	for _, p := range paths {
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}
