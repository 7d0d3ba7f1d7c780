package review

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/meridianctl/agentctl/internal/agentprovider"
	"github.com/meridianctl/agentctl/internal/apierr"
	"github.com/meridianctl/agentctl/internal/auditor"
	"github.com/meridianctl/agentctl/internal/eventbus"
	"github.com/meridianctl/agentctl/internal/logging"
	"github.com/meridianctl/agentctl/internal/sessionlifecycle"
	"github.com/meridianctl/agentctl/internal/vcsprovider"
	"github.com/meridianctl/agentctl/pkg/types"
)

// Outcome classifies what one review event did. Outcomes are returned to
// the webhook caller verbatim so redeliveries and no-ops are observable.
type Outcome string

const (
	OutcomeNoActiveSession        Outcome = "no_active_session"
	OutcomeDuplicateCommitSkipped Outcome = "duplicate_commit_skipped"
	OutcomeEmptyDiffSkipped       Outcome = "empty_diff_skipped"
	OutcomeCompleted              Outcome = "review_completed"
	OutcomeRemediationDispatched  Outcome = "remediation_dispatched"
	OutcomeManualIntervention     Outcome = "manual_intervention_required"
)

// registry is the slice of the Registry Store the loop needs.
type registry interface {
	MostRecentNonTerminalSession(ctx context.Context, sourceRepo, branchName string) (*types.Session, error)
	ListActiveSessions(ctx context.Context) ([]*types.Session, error)
	UpdateSession(ctx context.Context, sess *types.Session) error
	GetGoal(ctx context.Context, id string) (*types.Goal, error)
	UpdateGoal(ctx context.Context, g *types.Goal) error
	MergeCriterionAssessment(ctx context.Context, goalID, criterionID string, met bool, reasoning string, evidence []string) error
	CreateCascade(ctx context.Context, c *types.Cascade) error
}

// lifecycle is the slice of the Session Lifecycle state machine the loop
// drives.
type lifecycle interface {
	Complete(ctx context.Context, sessionID string, artifact *types.ReviewArtifact) error
	Fail(ctx context.Context, sessionID, lastError string) error
	AgentAccepted(ctx context.Context, sessionID, externalAgentID, externalAgentURL string) error
}

// lockTransfer spawns the child session and moves the parent's locks to it
// in one transaction. *lock.Manager satisfies it.
type lockTransfer interface {
	Transfer(ctx context.Context, fromSessionID string, spec types.CreateSessionSpec) (*types.Session, error)
}

// Options are the loop's tunables.
type Options struct {
	MaxRemediationDepth int
	ReviewTimeout       time.Duration
}

// Loop is the Review & Remediation Loop.
type Loop struct {
	registry  registry
	lifecycle lifecycle
	locks     lockTransfer
	oracle    auditor.Oracle
	vcs       vcsprovider.Provider
	agents    agentprovider.Provider
	opts      Options
}

// New wires a Loop.
func New(r registry, l lifecycle, locks lockTransfer, o auditor.Oracle, v vcsprovider.Provider, a agentprovider.Provider, opts Options) *Loop {
	if opts.MaxRemediationDepth <= 0 {
		opts.MaxRemediationDepth = types.MaxRemediationDepth
	}
	if opts.ReviewTimeout <= 0 {
		opts.ReviewTimeout = 30 * time.Second
	}
	return &Loop{registry: r, lifecycle: l, locks: locks, oracle: o, vcs: v, agents: a, opts: opts}
}

// PushEvent is a VCS push or change-proposal event already unwrapped by the
// webhook receiver.
type PushEvent struct {
	Owner    string
	Repo     string
	Branch   string
	Commit   string
	PRNumber int
	PRURL    string
}

func (e PushEvent) sourceRepo() string {
	return e.Owner + "/" + e.Repo
}

// Result is what a review run reports back to its caller.
type Result struct {
	Outcome   Outcome            `json:"outcome"`
	SessionID string             `json:"sessionId,omitempty"`
	ChildID   string             `json:"childSessionId,omitempty"`
	Report    *types.AuditReport `json:"report,omitempty"`
	// DispatchError is set when the child was spawned (locks transferred)
	// but the Agent Provider refused to start its agent. Non-fatal at the
	// HTTP level so webhook senders don't redeliver.
	DispatchError string `json:"dispatchError,omitempty"`
}

// HandlePush runs the full review pipeline for one push or
// change-proposal event.
func (l *Loop) HandlePush(ctx context.Context, ev PushEvent) (*Result, error) {
	sess, err := l.registry.MostRecentNonTerminalSession(ctx, ev.sourceRepo(), ev.Branch)
	if err != nil {
		if errors.Is(err, apierr.ErrNotFound) {
			return &Result{Outcome: OutcomeNoActiveSession}, nil
		}
		return nil, err
	}

	if sessionlifecycle.IsDuplicateCommit(sess, ev.Commit) {
		l := logging.WithSession(sess.ID)
		l.Info().Str("commit", ev.Commit).Msg("duplicate commit, review skipped")
		return &Result{Outcome: OutcomeDuplicateCommitSkipped, SessionID: sess.ID}, nil
	}

	return l.reviewCommit(ctx, sess, ev)
}

// reviewCommit is the shared core of HandlePush and ReAudit: fetch diff,
// audit, merge, comment, then complete or remediate.
func (l *Loop) reviewCommit(ctx context.Context, sess *types.Session, ev PushEvent) (*Result, error) {
	diff, err := l.fetchDiff(ctx, ev)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(diff) == "" {
		return &Result{Outcome: OutcomeEmptyDiffSkipped, SessionID: sess.ID}, nil
	}

	var goal *types.Goal
	if sess.GoalID != "" {
		goal, err = l.registry.GetGoal(ctx, sess.GoalID)
		if err != nil && !errors.Is(err, apierr.ErrNotFound) {
			return nil, err
		}
	}

	var criteria []types.Criterion
	if goal != nil {
		criteria = goal.Criteria
	}

	reviewCtx, cancel := context.WithTimeout(ctx, l.opts.ReviewTimeout)
	report, err := l.oracle.Review(reviewCtx, types.ReviewInput{
		Repo:     ev.sourceRepo(),
		Branch:   ev.Branch,
		Commit:   ev.Commit,
		Criteria: criteria,
		Diff:     diff,
	})
	cancel()
	if err != nil {
		// Not acknowledged as reviewed: lastReviewedCommit stays put, so a
		// webhook redelivery retries the audit.
		return nil, fmt.Errorf("auditor review: %w", err)
	}

	if goal != nil {
		l.mergeAssessment(ctx, goal, report)
	}

	comment := composeReviewComment(ev, report, diff)
	if err := l.postComment(ctx, ev, comment); err != nil {
		sl := logging.WithSession(sess.ID)
		sl.Warn().Err(err).Msg("review comment post failed")
	}

	sess.LastReviewedCommit = ev.Commit
	sess.UpdatedAt = time.Now().UnixMilli()
	if err := l.registry.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}

	eventbus.Publish(eventbus.Event{Type: eventbus.ReviewCompleted, Data: report})

	if !reviewFailed(report) {
		var artifact *types.ReviewArtifact
		if ev.PRURL != "" {
			artifact = &types.ReviewArtifact{URL: ev.PRURL, SessionID: sess.ID, ExternalAgentID: sess.ExternalAgentID}
		}
		if err := l.lifecycle.Complete(ctx, sess.ID, artifact); err != nil {
			return nil, err
		}
		return &Result{Outcome: OutcomeCompleted, SessionID: sess.ID, Report: report}, nil
	}

	prompt := remediationPromptFromReview(ev, report, diff)
	reason := failureReason(report)
	return l.remediate(ctx, sess, prompt, reason, report)
}

// CIFailureEvent is a failed primary check_run already unwrapped by the
// webhook receiver.
type CIFailureEvent struct {
	Owner      string
	Repo       string
	Branch     string
	HeadCommit string
	JobID      int64
	Pipeline   string
}

// HandleCIFailure runs the self-healing CI loop: fetch logs best-effort and
// follow the same remediation path as a failed review. Duplicate-commit
// suppression applies uniformly, so a redelivered check_run for an
// already-remediated head commit is a no-op.
func (l *Loop) HandleCIFailure(ctx context.Context, ev CIFailureEvent) (*Result, error) {
	sess, err := l.registry.MostRecentNonTerminalSession(ctx, ev.Owner+"/"+ev.Repo, ev.Branch)
	if err != nil {
		if errors.Is(err, apierr.ErrNotFound) {
			return &Result{Outcome: OutcomeNoActiveSession}, nil
		}
		return nil, err
	}

	if sessionlifecycle.IsDuplicateCommit(sess, ev.HeadCommit) {
		return &Result{Outcome: OutcomeDuplicateCommitSkipped, SessionID: sess.ID}, nil
	}

	var logs string
	if ev.JobID != 0 {
		logs, err = l.vcs.GetCheckRunLogs(ctx, ev.Owner, ev.Repo, ev.JobID)
		if err != nil {
			logging.Warn().Err(err).Int64("job_id", ev.JobID).Msg("CI log fetch failed, remediating without logs")
			logs = ""
		}
	}

	sess.LastReviewedCommit = ev.HeadCommit
	sess.UpdatedAt = time.Now().UnixMilli()
	if err := l.registry.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}

	prompt := remediationPromptFromCI(ev, logs)
	reason := fmt.Sprintf("primary CI pipeline %q failed on %s", ev.Pipeline, shortSHA(ev.HeadCommit))
	return l.remediate(ctx, sess, prompt, reason, nil)
}

// ReAudit replays the review against a goal's most recent non-terminal
// session and its last reviewed commit, bypassing duplicate suppression.
// Used after an operator edits acceptance criteria by hand.
func (l *Loop) ReAudit(ctx context.Context, goalID string) (*Result, error) {
	sess, err := l.latestSessionForGoal(ctx, goalID)
	if err != nil {
		return nil, err
	}
	if sess == nil {
		return &Result{Outcome: OutcomeNoActiveSession}, nil
	}
	if sess.LastReviewedCommit == "" {
		return &Result{Outcome: OutcomeEmptyDiffSkipped, SessionID: sess.ID}, nil
	}

	owner, repo := splitRepo(sess.SourceRepo)
	return l.reviewCommit(ctx, sess, PushEvent{
		Owner:  owner,
		Repo:   repo,
		Branch: sess.BranchName,
		Commit: sess.LastReviewedCommit,
	})
}

func (l *Loop) latestSessionForGoal(ctx context.Context, goalID string) (*types.Session, error) {
	active, err := l.registry.ListActiveSessions(ctx)
	if err != nil {
		return nil, err
	}
	var latest *types.Session
	for _, s := range active {
		if s.GoalID != goalID {
			continue
		}
		if latest == nil || s.CreatedAt > latest.CreatedAt {
			latest = s
		}
	}
	return latest, nil
}

// remediate fails the parent and, if the depth bound allows, spawns a child
// repair session that inherits the parent's locks atomically.
func (l *Loop) remediate(ctx context.Context, parent *types.Session, prompt, reason string, report *types.AuditReport) (*Result, error) {
	if parent.RemediationDepth >= l.opts.MaxRemediationDepth {
		if err := l.lifecycle.Fail(ctx, parent.ID, "ManualInterventionRequired: "+reason); err != nil {
			return nil, err
		}
		if err := l.driftGoal(ctx, parent.GoalID); err != nil {
			return nil, err
		}
		pl := logging.WithSession(parent.ID)
		pl.Warn().
			Int("depth", parent.RemediationDepth).
			Msg("remediation exhausted, manual intervention required")
		return &Result{Outcome: OutcomeManualIntervention, SessionID: parent.ID, Report: report}, nil
	}

	cascadeID := parent.CascadeID
	if cascadeID == "" {
		casc, err := l.autoRemediationCascade(ctx, parent, reason)
		if err != nil {
			return nil, err
		}
		cascadeID = casc.ID
	}

	child, err := l.locks.Transfer(ctx, parent.ID, types.CreateSessionSpec{
		GoalID:           parent.GoalID,
		CascadeID:        cascadeID,
		ParentSessionID:  parent.ID,
		SourceRepo:       parent.SourceRepo,
		BranchName:       parent.BranchName,
		BaseBranch:       parent.BaseBranch,
		RemediationDepth: parent.RemediationDepth + 1,
	})
	if err != nil {
		return nil, fmt.Errorf("spawn remediation child: %w", err)
	}

	if err := l.lifecycle.Fail(ctx, parent.ID, reason); err != nil {
		return nil, err
	}

	agent, err := l.agents.CreateAgent(ctx, types.CreateAgentRequest{
		Prompt:         prompt,
		SourceRepo:     parent.SourceRepo,
		StartingBranch: parent.BranchName,
		Context:        fmt.Sprintf("Remediation attempt %d for session %s", child.RemediationDepth, parent.ID),
	})
	if err != nil {
		if ferr := l.lifecycle.Fail(ctx, child.ID, fmt.Sprintf("agent dispatch failed: %v", err)); ferr != nil {
			cl := logging.WithSession(child.ID)
			cl.Error().Err(ferr).Msg("failing undispatched remediation child")
		}
		return &Result{
			Outcome:       OutcomeRemediationDispatched,
			SessionID:     parent.ID,
			ChildID:       child.ID,
			Report:        report,
			DispatchError: err.Error(),
		}, nil
	}

	if err := l.lifecycle.AgentAccepted(ctx, child.ID, agent.ID, agent.URL); err != nil {
		return nil, err
	}

	chl := logging.WithSession(child.ID)
	chl.Info().
		Str("parent_id", parent.ID).
		Int("depth", child.RemediationDepth).
		Msg("remediation child dispatched")

	return &Result{Outcome: OutcomeRemediationDispatched, SessionID: parent.ID, ChildID: child.ID, Report: report}, nil
}

// driftGoal moves a goal to the drifted terminal-failure status (invariant
// Synthetic cascade goals drift the same way operator goals do.
func (l *Loop) driftGoal(ctx context.Context, goalID string) error {
	if goalID == "" {
		return nil
	}
	goal, err := l.registry.GetGoal(ctx, goalID)
	if err != nil {
		if errors.Is(err, apierr.ErrNotFound) {
			return nil
		}
		return err
	}
	if goal.Status == types.GoalDrifted {
		return nil
	}
	goal.Status = types.GoalDrifted
	goal.UpdatedAt = time.Now().UnixMilli()
	if err := l.registry.UpdateGoal(ctx, goal); err != nil {
		return err
	}
	eventbus.Publish(eventbus.Event{Type: eventbus.GoalDrifted, Data: goal})
	return nil
}

func (l *Loop) autoRemediationCascade(ctx context.Context, parent *types.Session, reason string) (*types.Cascade, error) {
	now := time.Now().UnixMilli()
	casc := &types.Cascade{
		ID:               "casc_" + ulid.Make().String(),
		TriggerSessionID: parent.ID,
		GoalID:           parent.GoalID,
		RepairJobCount:   1,
		Summary:          "Auto-remediation: " + reason,
		Status:           types.CascadeDispatched,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := l.registry.CreateCascade(ctx, casc); err != nil {
		return nil, fmt.Errorf("create auto-remediation cascade: %w", err)
	}
	return casc, nil
}

func (l *Loop) fetchDiff(ctx context.Context, ev PushEvent) (string, error) {
	if ev.PRNumber > 0 {
		return l.vcs.GetPullRequestDiff(ctx, ev.Owner, ev.Repo, ev.PRNumber)
	}
	return l.vcs.GetCommitDiff(ctx, ev.Owner, ev.Repo, ev.Commit)
}

func (l *Loop) postComment(ctx context.Context, ev PushEvent, body string) error {
	if ev.PRNumber > 0 {
		return l.vcs.PostPullRequestComment(ctx, ev.Owner, ev.Repo, ev.PRNumber, body)
	}
	return l.vcs.PostCommitComment(ctx, ev.Owner, ev.Repo, ev.Commit, body)
}

// mergeAssessment writes the oracle's per-criterion verdicts onto the goal,
// by stable criterion id, for returned ids only. Unknown ids are the
// oracle hallucinating; they are logged and dropped.
func (l *Loop) mergeAssessment(ctx context.Context, goal *types.Goal, report *types.AuditReport) {
	gl := logging.WithGoal(goal.ID)
	for id, a := range report.CriteriaAssessment {
		if goal.CriterionIndex(id) < 0 {
			gl.Warn().Str("criterion", id).Msg("auditor assessed unknown criterion, dropped")
			continue
		}
		if err := l.registry.MergeCriterionAssessment(ctx, goal.ID, id, a.Met, a.Reasoning, a.EvidenceFiles); err != nil {
			gl.Error().Err(err).Str("criterion", id).Msg("criterion merge failed")
		}
	}
}

// reviewFailed decides failure: any assessed criterion unmet, or no
// assessment at all combined with major severity.
func reviewFailed(report *types.AuditReport) bool {
	for _, a := range report.CriteriaAssessment {
		if !a.Met {
			return true
		}
	}
	return len(report.CriteriaAssessment) == 0 && report.Severity == types.SeverityMajor
}

func failureReason(report *types.AuditReport) string {
	var unmet []string
	for id, a := range report.CriteriaAssessment {
		if !a.Met {
			unmet = append(unmet, id)
		}
	}
	if len(unmet) > 0 {
		sort.Strings(unmet)
		return fmt.Sprintf("review failed: criteria unmet (%s)", strings.Join(unmet, ", "))
	}
	return "review failed: severity major"
}

func splitRepo(sourceRepo string) (owner, repo string) {
	parts := strings.SplitN(sourceRepo, "/", 2)
	if len(parts) != 2 {
		return "", sourceRepo
	}
	return parts[0], parts[1]
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}
