package cascade

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianctl/agentctl/internal/agentprovider"
	"github.com/meridianctl/agentctl/internal/apierr"
	"github.com/meridianctl/agentctl/pkg/types"
)

type fakeRegistry struct {
	mu       sync.Mutex
	cascades map[string]*types.Cascade
	goals    map[string]*types.Goal
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{cascades: map[string]*types.Cascade{}, goals: map[string]*types.Goal{}}
}

func (f *fakeRegistry) CreateCascade(_ context.Context, c *types.Cascade) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cascades[c.ID] = c
	return nil
}

func (f *fakeRegistry) UpdateCascadeStatus(_ context.Context, id string, status types.CascadeStatus, updatedAt int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.cascades[id]
	if !ok {
		return apierr.ErrNotFound
	}
	c.Status = status
	c.UpdatedAt = updatedAt
	return nil
}

func (f *fakeRegistry) CreateGoal(_ context.Context, g *types.Goal) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.goals[g.ID] = g
	return nil
}

// fakeLifecycle tracks sessions and simulates lock conflicts for a
// configured path set.
type fakeLifecycle struct {
	mu           sync.Mutex
	sessions     map[string]*types.Session
	lockedPaths  map[string]string // path -> holder session id
	nextID       int
	failedCalls  []string
	acceptedSess []string
}

func newFakeLifecycle() *fakeLifecycle {
	return &fakeLifecycle{sessions: map[string]*types.Session{}, lockedPaths: map[string]string{}}
}

func (f *fakeLifecycle) Create(_ context.Context, spec types.CreateSessionSpec) (*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var conflicts []apierr.PathConflict
	for _, p := range spec.Paths {
		if holder, held := f.lockedPaths[p]; held {
			conflicts = append(conflicts, apierr.PathConflict{Path: p, HeldBy: holder})
		}
	}
	if len(conflicts) > 0 {
		return nil, &apierr.ConflictError{Conflicts: conflicts}
	}

	f.nextID++
	sess := &types.Session{
		ID:         fmt.Sprintf("sess_%d", f.nextID),
		GoalID:     spec.GoalID,
		CascadeID:  spec.CascadeID,
		SourceRepo: spec.SourceRepo,
		BranchName: spec.BranchName,
		BaseBranch: spec.BaseBranch,
		Status:     types.SessionQueued,
	}
	f.sessions[sess.ID] = sess
	for _, p := range spec.Paths {
		f.lockedPaths[p] = sess.ID
	}
	return sess, nil
}

func (f *fakeLifecycle) CreateFailed(_ context.Context, spec types.CreateSessionSpec, lastError string) (*types.Session, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nextID++
	sess := &types.Session{
		ID:        fmt.Sprintf("sess_%d", f.nextID),
		GoalID:    spec.GoalID,
		CascadeID: spec.CascadeID,
		Status:    types.SessionFailed,
		LastError: lastError,
	}
	f.sessions[sess.ID] = sess
	return sess, nil
}

func (f *fakeLifecycle) AgentAccepted(_ context.Context, sessionID, agentID, agentURL string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess, ok := f.sessions[sessionID]; ok {
		sess.Status = types.SessionExecuting
		sess.ExternalAgentID = agentID
		sess.ExternalAgentURL = agentURL
	}
	f.acceptedSess = append(f.acceptedSess, sessionID)
	return nil
}

func (f *fakeLifecycle) Fail(_ context.Context, sessionID, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if sess, ok := f.sessions[sessionID]; ok {
		sess.Status = types.SessionFailed
		sess.LastError = lastError
		for p, holder := range f.lockedPaths {
			if holder == sessionID {
				delete(f.lockedPaths, p)
			}
		}
	}
	f.failedCalls = append(f.failedCalls, sessionID)
	return nil
}

type fakeOracle struct {
	analysis *types.CascadeAnalysis
	err      error
}

func (f *fakeOracle) Review(context.Context, types.ReviewInput) (*types.AuditReport, error) {
	return nil, fmt.Errorf("not a reviewer")
}

func (f *fakeOracle) Decompose(context.Context, types.DecomposeInput) (*types.CascadeAnalysis, error) {
	return f.analysis, f.err
}

type fakeAgents struct {
	mu      sync.Mutex
	created int
	err     error
}

func (f *fakeAgents) CreateAgent(_ context.Context, req types.CreateAgentRequest) (*types.CreateAgentResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.created++
	return &types.CreateAgentResponse{
		ID:  fmt.Sprintf("agent_%d", f.created),
		URL: fmt.Sprintf("https://agents.example/agent_%d", f.created),
	}, nil
}

func (f *fakeAgents) GetAgent(context.Context, string) (*types.AgentState, error) {
	return &types.AgentState{Status: types.AgentRunning}, nil
}

func (f *fakeAgents) ListSources(context.Context) ([]agentprovider.Source, error) {
	return nil, nil
}

func newTestEngine(reg *fakeRegistry, lc *fakeLifecycle, oracle *fakeOracle, agents *fakeAgents, globs []string) *Engine {
	return New(reg, lc, oracle, agents, Options{
		CoreFileGlobs:     &globs,
		MaxParallelAgents: 5,
		MinConfidence:     0.7,
		AnalysisTimeout:   time.Second,
	})
}

func TestMatchCoreFiles(t *testing.T) {
	e := newTestEngine(newFakeRegistry(), newFakeLifecycle(), &fakeOracle{}, &fakeAgents{},
		[]string{"src/core/**", "*.config.ts"})

	core := e.MatchCoreFiles([]string{
		"src/core/router.ts",
		"src/pages/home.ts",
		"app.config.ts",
	})
	assert.Equal(t, []string{"src/core/router.ts", "app.config.ts"}, core)

	assert.Empty(t, e.MatchCoreFiles([]string{"README.md"}))
}

func TestAnalyze_EnforcesDisjointness(t *testing.T) {
	oracle := &fakeOracle{analysis: &types.CascadeAnalysis{
		IsCascade:  true,
		Confidence: 0.9,
		RepairJobs: []types.RepairJob{
			{ID: "low", Priority: types.PriorityLow, Files: []string{"a.ts", "b.ts"}},
			{ID: "high", Priority: types.PriorityHigh, Files: []string{"a.ts", "c.ts"}},
		},
	}}
	e := newTestEngine(newFakeRegistry(), newFakeLifecycle(), oracle, &fakeAgents{}, nil)

	analysis, err := e.Analyze(context.Background(), types.DecomposeInput{})
	require.NoError(t, err)

	// High priority job keeps the contested path; the low one loses it.
	require.Len(t, analysis.RepairJobs, 2)
	assert.Equal(t, "high", analysis.RepairJobs[0].ID)
	assert.Equal(t, []string{"a.ts", "c.ts"}, analysis.RepairJobs[0].Files)
	assert.Equal(t, []string{"b.ts"}, analysis.RepairJobs[1].Files)
}

func TestAnalyze_DropsEmptiedJobs(t *testing.T) {
	oracle := &fakeOracle{analysis: &types.CascadeAnalysis{
		Confidence: 0.9,
		RepairJobs: []types.RepairJob{
			{ID: "first", Priority: types.PriorityHigh, Files: []string{"a.ts"}},
			{ID: "dupe", Priority: types.PriorityLow, Files: []string{"a.ts"}},
		},
	}}
	e := newTestEngine(newFakeRegistry(), newFakeLifecycle(), oracle, &fakeAgents{}, nil)

	analysis, err := e.Analyze(context.Background(), types.DecomposeInput{})
	require.NoError(t, err)
	require.Len(t, analysis.RepairJobs, 1)
	assert.Equal(t, "first", analysis.RepairJobs[0].ID)
}

func TestAnalyze_ConfidenceFloorDiscardsJobs(t *testing.T) {
	oracle := &fakeOracle{analysis: &types.CascadeAnalysis{
		IsCascade:  true,
		Confidence: 0.4,
		RepairJobs: []types.RepairJob{{ID: "j1", Files: []string{"a.ts"}}},
	}}
	e := newTestEngine(newFakeRegistry(), newFakeLifecycle(), oracle, &fakeAgents{}, nil)

	analysis, err := e.Analyze(context.Background(), types.DecomposeInput{})
	require.NoError(t, err)
	assert.Empty(t, analysis.RepairJobs)
	assert.True(t, analysis.IsCascade)
}

func TestAnalyze_ParallelismCapKeepsHighestPriority(t *testing.T) {
	var jobs []types.RepairJob
	for i := 0; i < 4; i++ {
		jobs = append(jobs, types.RepairJob{
			ID: fmt.Sprintf("low-%d", i), Priority: types.PriorityLow,
			Files: []string{fmt.Sprintf("l%d.ts", i)},
		})
	}
	jobs = append(jobs,
		types.RepairJob{ID: "high", Priority: types.PriorityHigh, Files: []string{"h.ts"}},
		types.RepairJob{ID: "med", Priority: types.PriorityMedium, Files: []string{"m.ts"}},
	)
	oracle := &fakeOracle{analysis: &types.CascadeAnalysis{Confidence: 0.95, RepairJobs: jobs}}

	e := New(newFakeRegistry(), newFakeLifecycle(), oracle, &fakeAgents{}, Options{
		MaxParallelAgents: 3, MinConfidence: 0.7, AnalysisTimeout: time.Second,
	})

	analysis, err := e.Analyze(context.Background(), types.DecomposeInput{})
	require.NoError(t, err)
	require.Len(t, analysis.RepairJobs, 3)
	assert.Equal(t, "high", analysis.RepairJobs[0].ID)
	assert.Equal(t, "med", analysis.RepairJobs[1].ID)
	assert.Equal(t, "low-0", analysis.RepairJobs[2].ID)
}

func TestDispatch_Success(t *testing.T) {
	reg := newFakeRegistry()
	lc := newFakeLifecycle()
	agents := &fakeAgents{}
	e := newTestEngine(reg, lc, &fakeOracle{}, agents, nil)

	result, err := e.Dispatch(context.Background(), DispatchRequest{
		Analysis: &types.CascadeAnalysis{
			Summary:    "router rename broke imports",
			Confidence: 0.9,
			RepairJobs: []types.RepairJob{
				{ID: "J1", Priority: types.PriorityHigh, Files: []string{"a.ts"}, Prompt: "fix a"},
				{ID: "J2", Priority: types.PriorityMedium, Files: []string{"b.ts"}, Prompt: "fix b"},
			},
		},
		GoalID:     "goal_1",
		SourceRepo: "acme/web",
		BaseBranch: "main",
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Telemetry.DispatchedCount)
	assert.Zero(t, result.Telemetry.ConflictCount)
	assert.Zero(t, result.Telemetry.FailedCount)
	assert.Equal(t, types.CascadeDispatched, result.Cascade.Status)
	assert.False(t, result.Conflicted())

	for _, sess := range result.DispatchedSessions {
		assert.Equal(t, types.SessionExecuting, sess.Status)
		assert.Equal(t, result.Cascade.ID, sess.CascadeID)
		assert.NotEmpty(t, sess.ExternalAgentID)
	}
}

func TestDispatch_ScenarioE_PartialConflict(t *testing.T) {
	reg := newFakeRegistry()
	lc := newFakeLifecycle()
	lc.lockedPaths["b.ts"] = "sess_other"
	e := newTestEngine(reg, lc, &fakeOracle{}, &fakeAgents{}, nil)

	result, err := e.Dispatch(context.Background(), DispatchRequest{
		Analysis: &types.CascadeAnalysis{
			Confidence: 0.9,
			RepairJobs: []types.RepairJob{
				{ID: "J1", Files: []string{"a.ts"}, Prompt: "fix a"},
				{ID: "J2", Files: []string{"b.ts"}, Prompt: "fix b"},
			},
		},
		GoalID:     "goal_1",
		SourceRepo: "acme/web",
		BaseBranch: "main",
	})
	require.NoError(t, err)

	assert.Equal(t, 1, result.Telemetry.DispatchedCount)
	assert.Equal(t, 1, result.Telemetry.ConflictCount)
	assert.Equal(t, 1, result.Telemetry.FailedCount)
	assert.Equal(t, types.CascadeDispatched, result.Cascade.Status)
	assert.False(t, result.Conflicted())

	require.Len(t, result.LockConflicts, 1)
	assert.Equal(t, "b.ts", result.LockConflicts[0].Path)
	assert.Equal(t, "sess_other", result.LockConflicts[0].HeldBy)

	require.Len(t, result.FailedSessions, 1)
	assert.Contains(t, result.FailedSessions[0].LastError, "LockConflict(b.ts)")
}

func TestDispatch_AllConflictedSignalsConflict(t *testing.T) {
	lc := newFakeLifecycle()
	lc.lockedPaths["a.ts"] = "sess_other"
	e := newTestEngine(newFakeRegistry(), lc, &fakeOracle{}, &fakeAgents{}, nil)

	result, err := e.Dispatch(context.Background(), DispatchRequest{
		Analysis: &types.CascadeAnalysis{
			Confidence: 0.9,
			RepairJobs: []types.RepairJob{{ID: "J1", Files: []string{"a.ts"}, Prompt: "fix a"}},
		},
		GoalID:     "goal_1",
		SourceRepo: "acme/web",
		BaseBranch: "main",
	})
	require.NoError(t, err)

	assert.True(t, result.Conflicted())
	assert.Equal(t, types.CascadeFailed, result.Cascade.Status)
}

func TestDispatch_AgentRejectionFailsSessionAndReleasesLocks(t *testing.T) {
	lc := newFakeLifecycle()
	agents := &fakeAgents{err: fmt.Errorf("provider down")}
	e := newTestEngine(newFakeRegistry(), lc, &fakeOracle{}, agents, nil)

	result, err := e.Dispatch(context.Background(), DispatchRequest{
		Analysis: &types.CascadeAnalysis{
			Confidence: 0.9,
			RepairJobs: []types.RepairJob{{ID: "J1", Files: []string{"a.ts"}, Prompt: "fix a"}},
		},
		GoalID:     "goal_1",
		SourceRepo: "acme/web",
		BaseBranch: "main",
	})
	require.NoError(t, err)

	assert.Zero(t, result.Telemetry.DispatchedCount)
	assert.Equal(t, 1, result.Telemetry.FailedCount)
	assert.Equal(t, types.CascadeFailed, result.Cascade.Status)
	assert.Empty(t, lc.lockedPaths, "agent rejection must release the job's locks")
}

func TestDispatch_SynthesizesGoalWhenNoneSupplied(t *testing.T) {
	reg := newFakeRegistry()
	e := newTestEngine(reg, newFakeLifecycle(), &fakeOracle{}, &fakeAgents{}, nil)

	result, err := e.Dispatch(context.Background(), DispatchRequest{
		Analysis: &types.CascadeAnalysis{
			Summary:    "core change",
			Confidence: 0.9,
			RepairJobs: []types.RepairJob{{ID: "J1", Files: []string{"a.ts"}, Prompt: "repair the import graph"}},
		},
		SourceRepo: "acme/web",
		BaseBranch: "main",
	})
	require.NoError(t, err)

	require.Len(t, reg.goals, 1)
	for _, g := range reg.goals {
		assert.True(t, g.Synthetic)
		assert.Equal(t, types.GoalInProgress, g.Status)
		require.Len(t, g.Criteria, 1)
		assert.Equal(t, "repair the import graph", g.Criteria[0].Text)
		assert.Equal(t, g.ID, result.Cascade.GoalID)
	}
}

func TestRepairBranch(t *testing.T) {
	branch := repairBranch("casc_01HXYZABCDEFGH", "Fix Imports!")
	assert.Equal(t, "repair/01hxyzab/fix-imports", branch)
}
