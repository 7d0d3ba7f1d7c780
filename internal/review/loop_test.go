package review

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianctl/agentctl/internal/agentprovider"
	"github.com/meridianctl/agentctl/internal/apierr"
	"github.com/meridianctl/agentctl/pkg/types"
)

type fakeRegistry struct {
	sessions map[string]*types.Session
	goals    map[string]*types.Goal
	cascades map[string]*types.Cascade
	merges   []string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		sessions: map[string]*types.Session{},
		goals:    map[string]*types.Goal{},
		cascades: map[string]*types.Cascade{},
	}
}

func (f *fakeRegistry) MostRecentNonTerminalSession(_ context.Context, sourceRepo, branch string) (*types.Session, error) {
	var latest *types.Session
	for _, s := range f.sessions {
		if s.SourceRepo == sourceRepo && s.BranchName == branch && !s.Status.Terminal() {
			if latest == nil || s.CreatedAt > latest.CreatedAt {
				latest = s
			}
		}
	}
	if latest == nil {
		return nil, apierr.ErrNotFound
	}
	return latest, nil
}

func (f *fakeRegistry) ListActiveSessions(context.Context) ([]*types.Session, error) {
	var out []*types.Session
	for _, s := range f.sessions {
		if !s.Status.Terminal() {
			out = append(out, s)
		}
	}
	return out, nil
}

func (f *fakeRegistry) UpdateSession(_ context.Context, sess *types.Session) error {
	f.sessions[sess.ID] = sess
	return nil
}

func (f *fakeRegistry) GetGoal(_ context.Context, id string) (*types.Goal, error) {
	g, ok := f.goals[id]
	if !ok {
		return nil, apierr.ErrNotFound
	}
	return g, nil
}

func (f *fakeRegistry) UpdateGoal(_ context.Context, g *types.Goal) error {
	f.goals[g.ID] = g
	return nil
}

func (f *fakeRegistry) MergeCriterionAssessment(_ context.Context, goalID, criterionID string, met bool, reasoning string, evidence []string) error {
	g, ok := f.goals[goalID]
	if !ok {
		return apierr.ErrNotFound
	}
	idx := g.CriterionIndex(criterionID)
	if idx < 0 {
		return fmt.Errorf("criterion %q not found", criterionID)
	}
	g.Criteria[idx].Met = met
	g.Criteria[idx].Reasoning = reasoning
	g.Criteria[idx].EvidenceFiles = evidence
	f.merges = append(f.merges, criterionID)
	return nil
}

func (f *fakeRegistry) CreateCascade(_ context.Context, c *types.Cascade) error {
	f.cascades[c.ID] = c
	return nil
}

type fakeLifecycle struct {
	reg       *fakeRegistry
	completed []string
	failed    map[string]string
	accepted  []string
}

func newFakeLifecycle(reg *fakeRegistry) *fakeLifecycle {
	return &fakeLifecycle{reg: reg, failed: map[string]string{}}
}

func (f *fakeLifecycle) Complete(_ context.Context, sessionID string, artifact *types.ReviewArtifact) error {
	if s, ok := f.reg.sessions[sessionID]; ok {
		s.Status = types.SessionCompleted
	}
	f.completed = append(f.completed, sessionID)
	return nil
}

func (f *fakeLifecycle) Fail(_ context.Context, sessionID, lastError string) error {
	if s, ok := f.reg.sessions[sessionID]; ok {
		s.Status = types.SessionFailed
		s.LastError = lastError
	}
	f.failed[sessionID] = lastError
	return nil
}

func (f *fakeLifecycle) AgentAccepted(_ context.Context, sessionID, agentID, agentURL string) error {
	if s, ok := f.reg.sessions[sessionID]; ok {
		s.Status = types.SessionExecuting
		s.ExternalAgentID = agentID
	}
	f.accepted = append(f.accepted, sessionID)
	return nil
}

type fakeLocks struct {
	reg       *fakeRegistry
	transfers []string
	nextID    int
}

func (f *fakeLocks) Transfer(_ context.Context, fromSessionID string, spec types.CreateSessionSpec) (*types.Session, error) {
	f.nextID++
	child := &types.Session{
		ID:               fmt.Sprintf("child_%d", f.nextID),
		GoalID:           spec.GoalID,
		CascadeID:        spec.CascadeID,
		ParentSessionID:  spec.ParentSessionID,
		SourceRepo:       spec.SourceRepo,
		BranchName:       spec.BranchName,
		BaseBranch:       spec.BaseBranch,
		RemediationDepth: spec.RemediationDepth,
		Status:           types.SessionQueued,
		CreatedAt:        time.Now().UnixMilli(),
	}
	f.reg.sessions[child.ID] = child
	f.transfers = append(f.transfers, fromSessionID)
	return child, nil
}

type fakeOracle struct {
	report *types.AuditReport
	err    error
	calls  int
}

func (f *fakeOracle) Review(context.Context, types.ReviewInput) (*types.AuditReport, error) {
	f.calls++
	return f.report, f.err
}

func (f *fakeOracle) Decompose(context.Context, types.DecomposeInput) (*types.CascadeAnalysis, error) {
	return nil, fmt.Errorf("not a decomposer")
}

type fakeVCS struct {
	diff     string
	logs     string
	logsErr  error
	comments []string
}

func (f *fakeVCS) GetCommitDiff(context.Context, string, string, string) (string, error) {
	return f.diff, nil
}

func (f *fakeVCS) GetPullRequestDiff(context.Context, string, string, int) (string, error) {
	return f.diff, nil
}

func (f *fakeVCS) GetCheckRunLogs(context.Context, string, string, int64) (string, error) {
	return f.logs, f.logsErr
}

func (f *fakeVCS) PostPullRequestComment(_ context.Context, _, _ string, _ int, body string) error {
	f.comments = append(f.comments, body)
	return nil
}

func (f *fakeVCS) PostCommitComment(_ context.Context, _, _, _, body string) error {
	f.comments = append(f.comments, body)
	return nil
}

type fakeAgents struct {
	err     error
	created int
}

func (f *fakeAgents) CreateAgent(context.Context, types.CreateAgentRequest) (*types.CreateAgentResponse, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.created++
	return &types.CreateAgentResponse{ID: fmt.Sprintf("agent_%d", f.created), URL: "https://agents.example"}, nil
}

func (f *fakeAgents) GetAgent(context.Context, string) (*types.AgentState, error) {
	return &types.AgentState{Status: types.AgentRunning}, nil
}

func (f *fakeAgents) ListSources(context.Context) ([]agentprovider.Source, error) { return nil, nil }

type fixture struct {
	reg    *fakeRegistry
	lc     *fakeLifecycle
	locks  *fakeLocks
	oracle *fakeOracle
	vcs    *fakeVCS
	agents *fakeAgents
	loop   *Loop
}

func newFixture(report *types.AuditReport) *fixture {
	reg := newFakeRegistry()
	lc := newFakeLifecycle(reg)
	locks := &fakeLocks{reg: reg}
	oracle := &fakeOracle{report: report}
	vcs := &fakeVCS{diff: "diff --git a/x.ts b/x.ts\n--- a/x.ts\n+++ b/x.ts\n@@ -1 +1 @@\n-old\n+new\n"}
	agents := &fakeAgents{}

	return &fixture{
		reg: reg, lc: lc, locks: locks, oracle: oracle, vcs: vcs, agents: agents,
		loop: New(reg, lc, locks, oracle, vcs, agents, Options{MaxRemediationDepth: 3, ReviewTimeout: time.Second}),
	}
}

func (fx *fixture) addSession(id string, depth int) *types.Session {
	sess := &types.Session{
		ID: id, GoalID: "goal_1", SourceRepo: "acme/web", BranchName: "feature/x",
		BaseBranch: "main", RemediationDepth: depth, Status: types.SessionExecuting,
		CreatedAt: time.Now().UnixMilli(),
	}
	fx.reg.sessions[id] = sess
	return sess
}

func (fx *fixture) addGoal(criteria ...types.Criterion) {
	fx.reg.goals["goal_1"] = &types.Goal{
		ID: "goal_1", Title: "g", Status: types.GoalInProgress, Criteria: criteria,
	}
}

func passingReport() *types.AuditReport {
	return &types.AuditReport{
		Severity: types.SeverityNone,
		Summary:  "all good",
		CriteriaAssessment: map[string]types.CriterionAssessment{
			"c1": {Met: true, Reasoning: "implemented"},
		},
	}
}

func failingReport() *types.AuditReport {
	return &types.AuditReport{
		Severity: types.SeverityMajor,
		Summary:  "broken",
		Findings: []string{"login handler removed"},
		CriteriaAssessment: map[string]types.CriterionAssessment{
			"c1": {Met: false, Reasoning: "missing"},
		},
	}
}

func pushEvent(commit string) PushEvent {
	return PushEvent{Owner: "acme", Repo: "web", Branch: "feature/x", Commit: commit}
}

func TestHandlePush_NoActiveSession(t *testing.T) {
	fx := newFixture(passingReport())

	result, err := fx.loop.HandlePush(context.Background(), pushEvent("abc"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoActiveSession, result.Outcome)
	assert.Zero(t, fx.oracle.calls)
}

func TestHandlePush_PassingReviewCompletes(t *testing.T) {
	fx := newFixture(passingReport())
	sess := fx.addSession("sess_1", 0)
	fx.addGoal(types.Criterion{ID: "c1", Text: "login works"})

	result, err := fx.loop.HandlePush(context.Background(), pushEvent("abc"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, []string{"sess_1"}, fx.lc.completed)
	assert.Equal(t, "abc", sess.LastReviewedCommit)
	assert.Equal(t, []string{"c1"}, fx.reg.merges)
	require.Len(t, fx.vcs.comments, 1)
	assert.Contains(t, fx.vcs.comments[0], "no issues")
}

func TestHandlePush_ScenarioC_DuplicateCommitSuppression(t *testing.T) {
	fx := newFixture(passingReport())
	fx.addSession("sess_1", 0)
	fx.addGoal(types.Criterion{ID: "c1", Text: "login works"})

	first, err := fx.loop.HandlePush(context.Background(), pushEvent("abc"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, first.Outcome)
	assert.Equal(t, 1, fx.oracle.calls)
	assert.Len(t, fx.vcs.comments, 1)

	// Redelivery of the same payload: no new audit, no new comment. The
	// session is terminal now, but even a still-active session with the
	// same lastReviewedCommit is suppressed, so exercise that too.
	fx.addSession("sess_2", 0).LastReviewedCommit = "abc"

	second, err := fx.loop.HandlePush(context.Background(), pushEvent("abc"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicateCommitSkipped, second.Outcome)
	assert.Equal(t, 1, fx.oracle.calls)
	assert.Len(t, fx.vcs.comments, 1)
}

func TestHandlePush_EmptyDiffSkipped(t *testing.T) {
	fx := newFixture(passingReport())
	fx.addSession("sess_1", 0)
	fx.vcs.diff = "   \n"

	result, err := fx.loop.HandlePush(context.Background(), pushEvent("abc"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeEmptyDiffSkipped, result.Outcome)
	assert.Zero(t, fx.oracle.calls)
}

func TestHandlePush_FailedReviewSpawnsChild(t *testing.T) {
	fx := newFixture(failingReport())
	fx.addSession("sess_1", 0)
	fx.addGoal(types.Criterion{ID: "c1", Text: "login works"})

	result, err := fx.loop.HandlePush(context.Background(), pushEvent("abc"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeRemediationDispatched, result.Outcome)
	assert.Equal(t, []string{"sess_1"}, fx.locks.transfers)
	assert.Contains(t, fx.lc.failed, "sess_1")
	assert.Contains(t, fx.lc.failed["sess_1"], "c1")

	child := fx.reg.sessions[result.ChildID]
	require.NotNil(t, child)
	assert.Equal(t, 1, child.RemediationDepth)
	assert.Equal(t, "sess_1", child.ParentSessionID)
	assert.Equal(t, "feature/x", child.BranchName)
	assert.NotEmpty(t, child.CascadeID, "child inherits or gets an auto-remediation cascade")
	assert.Equal(t, types.SessionExecuting, child.Status)
}

func TestHandlePush_ChildInheritsParentCascade(t *testing.T) {
	fx := newFixture(failingReport())
	sess := fx.addSession("sess_1", 0)
	sess.CascadeID = "casc_existing"
	fx.addGoal(types.Criterion{ID: "c1", Text: "login works"})

	result, err := fx.loop.HandlePush(context.Background(), pushEvent("abc"))
	require.NoError(t, err)

	child := fx.reg.sessions[result.ChildID]
	assert.Equal(t, "casc_existing", child.CascadeID)
	assert.Empty(t, fx.reg.cascades, "no fresh cascade when the parent has one")
}

func TestHandlePush_ScenarioD_DepthExhaustionDriftsGoal(t *testing.T) {
	fx := newFixture(failingReport())
	fx.addSession("sess_deep", 3)
	fx.addGoal(types.Criterion{ID: "c1", Text: "login works"})

	result, err := fx.loop.HandlePush(context.Background(), pushEvent("abc"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeManualIntervention, result.Outcome)
	assert.Empty(t, fx.locks.transfers, "no child at max depth")
	assert.Contains(t, fx.lc.failed["sess_deep"], "ManualInterventionRequired")
	assert.Equal(t, types.GoalDrifted, fx.reg.goals["goal_1"].Status)
}

func TestHandlePush_AgentDispatchErrorFailsChildButKeepsOutcome(t *testing.T) {
	fx := newFixture(failingReport())
	fx.addSession("sess_1", 0)
	fx.addGoal(types.Criterion{ID: "c1", Text: "login works"})
	fx.agents.err = fmt.Errorf("provider down")

	result, err := fx.loop.HandlePush(context.Background(), pushEvent("abc"))
	require.NoError(t, err)

	assert.Equal(t, OutcomeRemediationDispatched, result.Outcome)
	assert.NotEmpty(t, result.DispatchError)
	assert.Contains(t, fx.lc.failed, result.ChildID)
}

func TestHandlePush_OracleErrorLeavesCommitUnreviewed(t *testing.T) {
	fx := newFixture(nil)
	fx.oracle.err = fmt.Errorf("oracle timeout")
	sess := fx.addSession("sess_1", 0)

	_, err := fx.loop.HandlePush(context.Background(), pushEvent("abc"))
	require.Error(t, err)
	assert.Empty(t, sess.LastReviewedCommit, "redelivery must retry the audit")
	assert.Empty(t, fx.vcs.comments)
}

func TestHandleCIFailure_RemediatesWithLogExcerpt(t *testing.T) {
	fx := newFixture(nil)
	fx.addSession("sess_1", 0)
	fx.vcs.logs = "step build: FAILED\nmissing symbol matchRoute\n"

	result, err := fx.loop.HandleCIFailure(context.Background(), CIFailureEvent{
		Owner: "acme", Repo: "web", Branch: "feature/x", HeadCommit: "abc", JobID: 9, Pipeline: "build-and-test",
	})
	require.NoError(t, err)

	assert.Equal(t, OutcomeRemediationDispatched, result.Outcome)
	assert.Zero(t, fx.oracle.calls, "CI failure path does not call the reviewer")
	assert.Contains(t, fx.lc.failed["sess_1"], "build-and-test")
}

func TestHandleCIFailure_LogFetchErrorIsBestEffort(t *testing.T) {
	fx := newFixture(nil)
	fx.addSession("sess_1", 0)
	fx.vcs.logsErr = fmt.Errorf("log endpoint 500")

	result, err := fx.loop.HandleCIFailure(context.Background(), CIFailureEvent{
		Owner: "acme", Repo: "web", Branch: "feature/x", HeadCommit: "abc", JobID: 9, Pipeline: "build-and-test",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeRemediationDispatched, result.Outcome)
}

func TestHandleCIFailure_DuplicateSuppressed(t *testing.T) {
	fx := newFixture(nil)
	fx.addSession("sess_1", 0).LastReviewedCommit = "abc"

	result, err := fx.loop.HandleCIFailure(context.Background(), CIFailureEvent{
		Owner: "acme", Repo: "web", Branch: "feature/x", HeadCommit: "abc",
	})
	require.NoError(t, err)
	assert.Equal(t, OutcomeDuplicateCommitSkipped, result.Outcome)
}

func TestReAudit_BypassesDuplicateSuppression(t *testing.T) {
	fx := newFixture(passingReport())
	fx.addSession("sess_1", 0).LastReviewedCommit = "abc"
	fx.addGoal(types.Criterion{ID: "c1", Text: "login works"})

	result, err := fx.loop.ReAudit(context.Background(), "goal_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeCompleted, result.Outcome)
	assert.Equal(t, 1, fx.oracle.calls)
}

func TestReAudit_NoSessionOrNoCommit(t *testing.T) {
	fx := newFixture(passingReport())

	result, err := fx.loop.ReAudit(context.Background(), "goal_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNoActiveSession, result.Outcome)

	fx.addSession("sess_1", 0)
	result, err = fx.loop.ReAudit(context.Background(), "goal_1")
	require.NoError(t, err)
	assert.Equal(t, OutcomeEmptyDiffSkipped, result.Outcome)
}

func TestReviewFailed(t *testing.T) {
	assert.False(t, reviewFailed(&types.AuditReport{Severity: types.SeverityMinor,
		CriteriaAssessment: map[string]types.CriterionAssessment{"c1": {Met: true}}}))

	assert.True(t, reviewFailed(&types.AuditReport{Severity: types.SeverityNone,
		CriteriaAssessment: map[string]types.CriterionAssessment{"c1": {Met: false}}}))

	// Major severity with criteria assessed (all met) is not a failure.
	assert.False(t, reviewFailed(&types.AuditReport{Severity: types.SeverityMajor,
		CriteriaAssessment: map[string]types.CriterionAssessment{"c1": {Met: true}}}))

	// Major severity with no assessment at all is.
	assert.True(t, reviewFailed(&types.AuditReport{Severity: types.SeverityMajor}))
}

func TestComposeReviewComment(t *testing.T) {
	report := failingReport()
	comment := composeReviewComment(pushEvent("abcdef123456"), report, "diff --git a/x.ts b/x.ts\n--- a/x.ts\n+++ b/x.ts\n@@\n-old\n+new\n")

	assert.Contains(t, comment, "major")
	assert.Contains(t, comment, "c1")
	assert.Contains(t, comment, "login handler removed")
	assert.Contains(t, comment, "abcdef12")
	assert.Contains(t, comment, "[Auto]")
}

func TestRemediationPromptFromCI_TruncatesLogs(t *testing.T) {
	long := ""
	for i := 0; i < 4000; i++ {
		long += fmt.Sprintf("line %d\n", i)
	}
	prompt := remediationPromptFromCI(CIFailureEvent{Pipeline: "ci", HeadCommit: "abc", Branch: "b"}, long)
	assert.Contains(t, prompt, "line 3999")
	assert.NotContains(t, prompt, "line 0\n")
}
