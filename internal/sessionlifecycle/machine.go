package sessionlifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/meridianctl/agentctl/internal/eventbus"
	"github.com/meridianctl/agentctl/internal/lock"
	"github.com/meridianctl/agentctl/internal/logging"
	"github.com/meridianctl/agentctl/internal/store"
	"github.com/meridianctl/agentctl/pkg/types"
)

// Machine is the Session Lifecycle state machine.
type Machine struct {
	store *store.Store
	locks *lock.Manager
}

// New wires a Machine onto a Registry Store and the Lock Manager it
// delegates all lock mutation to.
func New(s *store.Store, l *lock.Manager) *Machine {
	return &Machine{store: s, locks: l}
}

// Create inserts a new queued session, optionally acquiring locks for
// spec.Paths atomically.
func (m *Machine) Create(ctx context.Context, spec types.CreateSessionSpec) (*types.Session, error) {
	if spec.RemediationDepth > types.MaxRemediationDepth {
		return nil, fmt.Errorf("refusing to create session at remediationDepth %d > %d", spec.RemediationDepth, types.MaxRemediationDepth)
	}
	return m.locks.Acquire(ctx, spec)
}

// CreateFailed inserts a session directly in the failed state, holding no
// locks. The Cascade Engine uses it to keep an audit-trail row for a
// repair job whose lock acquisition was blocked and which therefore never
// ran.
func (m *Machine) CreateFailed(ctx context.Context, spec types.CreateSessionSpec, lastError string) (*types.Session, error) {
	now := nowMillis()
	sess := &types.Session{
		ID:               "sess_" + ulid.Make().String(),
		GoalID:           spec.GoalID,
		CascadeID:        spec.CascadeID,
		ParentSessionID:  spec.ParentSessionID,
		SourceRepo:       spec.SourceRepo,
		BranchName:       spec.BranchName,
		BaseBranch:       spec.BaseBranch,
		RemediationDepth: spec.RemediationDepth,
		Status:           types.SessionFailed,
		LastError:        lastError,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := m.store.CreateSession(ctx, sess); err != nil {
		return nil, err
	}
	m.publishTransition(sess)
	return sess, nil
}

// AgentAccepted records the Agent Provider's confirmation and moves a
// queued session to executing.
func (m *Machine) AgentAccepted(ctx context.Context, sessionID, externalAgentID, externalAgentURL string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}
	sess.ExternalAgentID = externalAgentID
	sess.ExternalAgentURL = externalAgentURL
	sess.Status = types.SessionExecuting
	sess.UpdatedAt = nowMillis()
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return err
	}
	m.publishTransition(sess)
	return nil
}

// AgentRejected fails a queued session and releases any locks it held.
func (m *Machine) AgentRejected(ctx context.Context, sessionID, reason string) error {
	return m.transitionToTerminal(ctx, sessionID, types.SessionFailed, fmt.Sprintf("agent provider rejected: %s", reason))
}

// CIOutcome is the classification CIResult returns for observability and
// for the Review & Remediation Loop to decide whether to act.
type CIOutcome string

const (
	CINonPrimaryIgnored CIOutcome = "non_primary_ignored"
	CITransitionedToVerifying CIOutcome = "transitioned_to_verifying"
	CINoOp             CIOutcome = "no_op"
	CIFailureDetected  CIOutcome = "ci_failure_detected"
)

// CIResult classifies an incoming check_run completion against the
// operator-configured primary-pipeline allow-list and applies the
// resulting transition.
//
// pipelineName not in primaryPipelines is logged and ignored; if it's a
// near-miss of an allow-listed name (edit distance ≤ 2), a warning names
// the likely-intended pipeline, purely as an operator diagnostic. It does
// not change classification.
func (m *Machine) CIResult(ctx context.Context, sessionID, pipelineName string, primaryPipelines []string, success bool) (CIOutcome, error) {
	if !isPrimaryPipeline(pipelineName, primaryPipelines) {
		if hint := nearestPipelineName(pipelineName, primaryPipelines); hint != "" {
			logging.Warn().
				Str("pipeline", pipelineName).
				Str("didYouMean", hint).
				Msg("non-primary CI pipeline ignored, close to an allow-listed name")
		} else {
			logging.Info().Str("pipeline", pipelineName).Msg("non-primary CI pipeline ignored")
		}
		return CINonPrimaryIgnored, nil
	}

	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}
	if sess.Status.Terminal() {
		return CINoOp, nil
	}

	if !success {
		return CIFailureDetected, nil
	}

	if sess.Status == types.SessionExecuting {
		sess.Status = types.SessionVerifying
		sess.UpdatedAt = nowMillis()
		if err := m.store.UpdateSession(ctx, sess); err != nil {
			return "", err
		}
		m.publishTransition(sess)
		return CITransitionedToVerifying, nil
	}

	return CINoOp, nil
}

// MarkVerifying transitions an executing session to verifying when a
// change proposal was pushed and reviewed without a CI signal in the
// pipeline.
func (m *Machine) MarkVerifying(ctx context.Context, sessionID string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() || sess.Status != types.SessionExecuting {
		return nil
	}
	sess.Status = types.SessionVerifying
	sess.UpdatedAt = nowMillis()
	if err := m.store.UpdateSession(ctx, sess); err != nil {
		return err
	}
	m.publishTransition(sess)
	return nil
}

// Complete marks a session completed, releases its locks, and appends a
// review artifact to its goal deduplicated by (url, externalAgentId).
func (m *Machine) Complete(ctx context.Context, sessionID string, artifact *types.ReviewArtifact) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}

	if err := m.store.TransitionToTerminal(ctx, sessionID, types.SessionCompleted, "", nowMillis()); err != nil {
		return err
	}

	if artifact != nil && sess.GoalID != "" {
		if err := m.store.AppendReviewArtifact(ctx, sess.GoalID, *artifact); err != nil {
			return fmt.Errorf("append review artifact: %w", err)
		}
	}

	sess.Status = types.SessionCompleted
	m.publishTransition(sess)
	return nil
}

// Fail marks a session failed with lastError and releases its locks.
func (m *Machine) Fail(ctx context.Context, sessionID, lastError string) error {
	return m.transitionToTerminal(ctx, sessionID, types.SessionFailed, lastError)
}

func (m *Machine) transitionToTerminal(ctx context.Context, sessionID string, status types.SessionStatus, lastError string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}

	if err := m.store.TransitionToTerminal(ctx, sessionID, status, lastError, nowMillis()); err != nil {
		return err
	}

	sess.Status = status
	sess.LastError = lastError
	m.publishTransition(sess)
	return nil
}

// ChangeProposalClosed handles a pull_request.closed event for sess's
// branch: merged → completed, otherwise → failed. Both release locks.
func (m *Machine) ChangeProposalClosed(ctx context.Context, sessionID string, merged bool, artifact *types.ReviewArtifact) error {
	if merged {
		return m.Complete(ctx, sessionID, artifact)
	}
	return m.Fail(ctx, sessionID, "change proposal closed without merge")
}

// ReconcileAgentStatus maps an Agent Provider poll result onto a
// transition.
func (m *Machine) ReconcileAgentStatus(ctx context.Context, sessionID string, status types.AgentStatus, changeProposalURL string) error {
	sess, err := m.store.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}
	if sess.Status.Terminal() {
		return nil
	}

	switch status {
	case types.AgentPlanning, types.AgentRunning:
		if sess.Status == types.SessionQueued {
			return m.AgentAccepted(ctx, sessionID, sess.ExternalAgentID, sess.ExternalAgentURL)
		}
		return nil
	case types.AgentCompleted:
		var artifact *types.ReviewArtifact
		if changeProposalURL != "" {
			artifact = &types.ReviewArtifact{URL: changeProposalURL, SessionID: sessionID, ExternalAgentID: sess.ExternalAgentID}
		}
		return m.Complete(ctx, sessionID, artifact)
	case types.AgentFailed, types.AgentCancelled:
		return m.Fail(ctx, sessionID, fmt.Sprintf("agent provider reported %s", status))
	default:
		return nil
	}
}

// IsDuplicateCommit reports whether commit has already been reviewed for
// sess, keeping review idempotent under webhook redelivery.
func IsDuplicateCommit(sess *types.Session, commit string) bool {
	return commit != "" && sess.LastReviewedCommit == commit
}

func (m *Machine) publishTransition(sess *types.Session) {
	eventbus.Publish(eventbus.Event{Type: eventbus.SessionTransitioned, Data: sess})
}

func nowMillis() int64 {
	return time.Now().UnixMilli()
}
