package lock

import (
	"context"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/meridianctl/agentctl/internal/store"
	"github.com/meridianctl/agentctl/pkg/types"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	dsn := os.Getenv("AGENTCTL_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("AGENTCTL_TEST_POSTGRES_DSN not set, skipping lock manager integration test")
	}

	s, err := store.New(context.Background(), dsn)
	require.NoError(t, err)
	t.Cleanup(s.Close)

	require.NoError(t, s.CreateGoal(context.Background(), &types.Goal{
		ID: "goal_lock_test", Title: "g", Status: types.GoalBacklog, CreatedAt: 1, UpdatedAt: 1,
	}))

	return New(s)
}

func TestAcquireThenConflictThenRelease(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	sessA, err := m.Acquire(ctx, types.CreateSessionSpec{
		GoalID: "goal_lock_test", SourceRepo: "r", BranchName: "a", BaseBranch: "main",
		Paths: []string{"pkg/a.go"},
	})
	require.NoError(t, err)
	require.Equal(t, types.SessionQueued, sessA.Status)

	_, err = m.Acquire(ctx, types.CreateSessionSpec{
		GoalID: "goal_lock_test", SourceRepo: "r", BranchName: "b", BaseBranch: "main",
		Paths: []string{"pkg/a.go"},
	})
	require.Error(t, err)

	holders, err := m.ConflictStatus(ctx)
	require.NoError(t, err)
	require.Len(t, holders, 1)
	require.Equal(t, sessA.ID, holders[0].SessionID)

	require.NoError(t, m.Release(ctx, sessA.ID))

	holders, err = m.ConflictStatus(ctx)
	require.NoError(t, err)
	require.Empty(t, holders)
}

func TestTransferMovesLockOwnership(t *testing.T) {
	m := newTestManager(t)
	ctx := context.Background()

	parent, err := m.Acquire(ctx, types.CreateSessionSpec{
		GoalID: "goal_lock_test", SourceRepo: "r", BranchName: "parent", BaseBranch: "main",
		Paths: []string{"pkg/c.go"},
	})
	require.NoError(t, err)

	child, err := m.Transfer(ctx, parent.ID, types.CreateSessionSpec{
		GoalID: "goal_lock_test", SourceRepo: "r", BranchName: "parent", BaseBranch: "main",
		ParentSessionID: parent.ID, RemediationDepth: 1,
	})
	require.NoError(t, err)

	holders, err := m.ConflictStatus(ctx)
	require.NoError(t, err)
	require.Len(t, holders, 1)
	require.Equal(t, child.ID, holders[0].SessionID)
}
