package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/meridianctl/agentctl/internal/apierr"
	"github.com/meridianctl/agentctl/pkg/types"
)

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx, letting
// createSessionTx run standalone or as part of a caller's transaction
// (internal/lock.Acquire creates a session and its locks atomically).
type queryer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// CreateSession inserts a new session row. Callers that also need to
// acquire locks atomically with creation should use internal/lock's
// Acquire, which wraps this in the same transaction.
func (s *Store) CreateSession(ctx context.Context, sess *types.Session) error {
	return s.createSessionTx(ctx, s.pool, sess)
}

func (s *Store) createSessionTx(ctx context.Context, q queryer, sess *types.Session) error {
	_, err := q.Exec(ctx, `
		INSERT INTO sessions (
			id, goal_id, cascade_id, parent_session_id, source_repo, branch_name, base_branch,
			external_agent_id, external_agent_url, last_reviewed_commit, remediation_depth,
			status, last_error, last_synced_at, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)`,
		sess.ID, sess.GoalID, nullableString(sess.CascadeID), nullableString(sess.ParentSessionID),
		sess.SourceRepo, sess.BranchName, sess.BaseBranch, sess.ExternalAgentID, sess.ExternalAgentURL,
		sess.LastReviewedCommit, sess.RemediationDepth, sess.Status, sess.LastError,
		nullableInt64(sess.LastSyncedAt), sess.CreatedAt, sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert session: %w", err)
	}
	return nil
}

// GetSession reads a single session by ID.
func (s *Store) GetSession(ctx context.Context, id string) (*types.Session, error) {
	row := s.pool.QueryRow(ctx, sessionSelect+` WHERE id = $1`, id)
	return scanSession(row)
}

// ListActiveSessions returns every session not yet in a terminal status,
// oldest first.
func (s *Store) ListActiveSessions(ctx context.Context) ([]*types.Session, error) {
	rows, err := s.pool.Query(ctx, sessionSelect+`
		WHERE status NOT IN ($1, $2) ORDER BY created_at`,
		types.SessionCompleted, types.SessionFailed,
	)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// ListSessionsByCascade returns every session dispatched as part of a
// cascade, used to detect whether the cascade as a whole is done.
func (s *Store) ListSessionsByCascade(ctx context.Context, cascadeID string) ([]*types.Session, error) {
	rows, err := s.pool.Query(ctx, sessionSelect+` WHERE cascade_id = $1 ORDER BY created_at`, cascadeID)
	if err != nil {
		return nil, fmt.Errorf("list sessions by cascade: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// MostRecentNonTerminalSession returns the latest non-terminal session for
// (sourceRepo, branchName), or apierr.ErrNotFound if none exists. The
// Review & Remediation Loop uses this to locate the session a VCS event
// applies to.
func (s *Store) MostRecentNonTerminalSession(ctx context.Context, sourceRepo, branchName string) (*types.Session, error) {
	row := s.pool.QueryRow(ctx, sessionSelect+`
		WHERE source_repo = $1 AND branch_name = $2 AND status NOT IN ($3, $4)
		ORDER BY created_at DESC LIMIT 1`,
		sourceRepo, branchName, types.SessionCompleted, types.SessionFailed,
	)
	return scanSession(row)
}

// ListSessions returns every session, newest first, for operator listing.
func (s *Store) ListSessions(ctx context.Context) ([]*types.Session, error) {
	rows, err := s.pool.Query(ctx, sessionSelect+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()
	return scanSessions(rows)
}

// UpdateSession writes back a session's full mutable state. Callers
// transitioning a session into a terminal status should use
// TransitionToTerminal instead, so the lock release happens in the same
// transaction.
func (s *Store) UpdateSession(ctx context.Context, sess *types.Session) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE sessions SET
			external_agent_id=$2, external_agent_url=$3, last_reviewed_commit=$4,
			remediation_depth=$5, status=$6, last_error=$7, last_synced_at=$8, updated_at=$9
		WHERE id=$1`,
		sess.ID, sess.ExternalAgentID, sess.ExternalAgentURL, sess.LastReviewedCommit,
		sess.RemediationDepth, sess.Status, sess.LastError, nullableInt64(sess.LastSyncedAt), sess.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update session: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return apierr.ErrNotFound
	}
	return nil
}

// TransitionToTerminal moves sessionID to status (completed or failed) and
// releases every lock it holds in the same transaction, so a crash between
// the two can never leave a terminal session still holding locks.
func (s *Store) TransitionToTerminal(ctx context.Context, sessionID string, status types.SessionStatus, lastError string, updatedAt int64) error {
	if !status.Terminal() {
		return fmt.Errorf("TransitionToTerminal called with non-terminal status %q", status)
	}

	return s.inTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE sessions SET status=$2, last_error=$3, updated_at=$4 WHERE id=$1`,
			sessionID, status, lastError, updatedAt)
		if err != nil {
			return fmt.Errorf("update session status: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return apierr.ErrNotFound
		}

		if _, err := tx.Exec(ctx, `DELETE FROM file_locks WHERE session_id = $1`, sessionID); err != nil {
			return fmt.Errorf("release locks for %q: %w", sessionID, err)
		}
		return nil
	})
}

const sessionSelect = `
	SELECT id, goal_id, COALESCE(cascade_id, ''), COALESCE(parent_session_id, ''),
		source_repo, branch_name, base_branch, external_agent_id, external_agent_url,
		last_reviewed_commit, remediation_depth, status, last_error,
		COALESCE(last_synced_at, 0), created_at, updated_at
	FROM sessions`

func scanSessions(rows pgx.Rows) ([]*types.Session, error) {
	var out []*types.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

func scanSession(row rowScanner) (*types.Session, error) {
	var sess types.Session
	err := row.Scan(
		&sess.ID, &sess.GoalID, &sess.CascadeID, &sess.ParentSessionID,
		&sess.SourceRepo, &sess.BranchName, &sess.BaseBranch, &sess.ExternalAgentID, &sess.ExternalAgentURL,
		&sess.LastReviewedCommit, &sess.RemediationDepth, &sess.Status, &sess.LastError,
		&sess.LastSyncedAt, &sess.CreatedAt, &sess.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, apierr.ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}
	return &sess, nil
}

func nullableString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}
