package lock

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/meridianctl/agentctl/internal/apierr"
	"github.com/meridianctl/agentctl/internal/eventbus"
	"github.com/meridianctl/agentctl/internal/store"
	"github.com/meridianctl/agentctl/pkg/types"
)

// Manager is the Lock Manager.
type Manager struct {
	store *store.Store
}

// New wires a Lock Manager onto a Registry Store.
func New(s *store.Store) *Manager {
	return &Manager{store: s}
}

// Acquire creates a session and claims spec.Paths for it in one atomic
// step. On success it returns the created session. On a path conflict it
// returns *apierr.ConflictError (via errors.As) naming every contested
// path, and creates nothing; the caller decides whether to retry, narrow
// the path set, or surface the conflict to whoever queued the request.
func (m *Manager) Acquire(ctx context.Context, spec types.CreateSessionSpec) (*types.Session, error) {
	now := time.Now().UnixMilli()
	sess := &types.Session{
		ID:               generateID(),
		GoalID:           spec.GoalID,
		CascadeID:        spec.CascadeID,
		ParentSessionID:  spec.ParentSessionID,
		SourceRepo:       spec.SourceRepo,
		BranchName:       spec.BranchName,
		BaseBranch:       spec.BaseBranch,
		RemediationDepth: spec.RemediationDepth,
		Status:           types.SessionQueued,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	err := m.store.AcquireLocksForNewSession(ctx, sess, spec.Paths, now)
	if err != nil {
		if conflict, ok := apierr.AsConflict(err); ok {
			eventbus.Publish(eventbus.Event{Type: eventbus.LockConflict, Data: *conflict})
		}
		return nil, err
	}

	eventbus.Publish(eventbus.Event{Type: eventbus.LockAcquired, Data: sess})
	return sess, nil
}

// Transfer spawns a remediation child session and moves every lock
// fromSessionID holds onto it atomically: the parent's
// working set keeps moving forward under a new session ID rather than
// re-acquiring paths the parent already held, which could race against an
// unrelated session that grabbed one in the gap.
func (m *Manager) Transfer(ctx context.Context, fromSessionID string, spec types.CreateSessionSpec) (*types.Session, error) {
	now := time.Now().UnixMilli()
	child := &types.Session{
		ID:               generateID(),
		GoalID:           spec.GoalID,
		CascadeID:        spec.CascadeID,
		ParentSessionID:  spec.ParentSessionID,
		SourceRepo:       spec.SourceRepo,
		BranchName:       spec.BranchName,
		BaseBranch:       spec.BaseBranch,
		RemediationDepth: spec.RemediationDepth,
		Status:           types.SessionQueued,
		CreatedAt:        now,
		UpdatedAt:        now,
	}

	if err := m.store.Transfer(ctx, fromSessionID, child); err != nil {
		return nil, fmt.Errorf("transfer locks from %q: %w", fromSessionID, err)
	}

	eventbus.Publish(eventbus.Event{Type: eventbus.LockAcquired, Data: child})
	return child, nil
}

// Release drops every lock sessionID holds, in its own transaction. Used by
// the force-terminate path outside of a normal terminal-status transition;
// internal/sessionlifecycle instead calls store.TransitionToTerminal, which
// releases locks in the same transaction as the status update.
func (m *Manager) Release(ctx context.Context, sessionID string) error {
	if err := m.store.PurgeLocksForSession(ctx, sessionID); err != nil {
		return fmt.Errorf("release locks for %q: %w", sessionID, err)
	}
	eventbus.Publish(eventbus.Event{Type: eventbus.LockReleased, Data: sessionID})
	return nil
}

// ConflictStatus returns the current holder of every outstanding lock,
// joined with its session's observable state (surfaced
// on GET /locks so a caller can see who holds what without separately
// fetching every session).
func (m *Manager) ConflictStatus(ctx context.Context) ([]types.LockHolder, error) {
	return m.store.ConflictStatus(ctx)
}

func generateID() string {
	return "sess_" + ulid.Make().String()
}
