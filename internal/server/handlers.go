package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/oklog/ulid/v2"

	"github.com/meridianctl/agentctl/internal/apierr"
	"github.com/meridianctl/agentctl/internal/cascade"
	"github.com/meridianctl/agentctl/internal/logging"
	"github.com/meridianctl/agentctl/internal/vcsprovider"
	"github.com/meridianctl/agentctl/pkg/types"
)

func cascadeDispatchRequest(analysis *types.CascadeAnalysis, goalID, triggerSessionID, sourceRepo, baseBranch string) cascade.DispatchRequest {
	return cascade.DispatchRequest{
		Analysis:         analysis,
		GoalID:           goalID,
		TriggerSessionID: triggerSessionID,
		SourceRepo:       sourceRepo,
		BaseBranch:       baseBranch,
	}
}

// analyzeCascade runs cascade analysis and dispatch against an explicit
// commit (POST /cascade/analyze).
func (s *Server) analyzeCascade(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Owner            string `json:"owner"`
		Repo             string `json:"repo"`
		Commit           string `json:"commit"`
		BaseBranch       string `json:"baseBranch"`
		GoalID           string `json:"goalId"`
		TriggerSessionID string `json:"triggerSessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, validationError("malformed request body"))
		return
	}
	if req.Owner == "" || req.Repo == "" || req.Commit == "" {
		writeError(w, validationError("owner, repo, and commit are required"))
		return
	}
	if req.BaseBranch == "" {
		req.BaseBranch = "main"
	}

	diff, err := s.deps.VCS.GetCommitDiff(r.Context(), req.Owner, req.Repo, req.Commit)
	if err != nil {
		writeError(w, err)
		return
	}

	changed := vcsprovider.ChangedPaths(diff)
	core := s.deps.Cascade.MatchCoreFiles(changed)

	fragments := vcsprovider.SplitByFile(diff)
	coreDiffs := make(map[string]string, len(core))
	for _, p := range core {
		coreDiffs[p] = fragments[p]
	}

	analysis, err := s.deps.Cascade.Analyze(r.Context(), types.DecomposeInput{
		CoreFileDiffs: coreDiffs,
		ChangedPaths:  changed,
	})
	if err != nil {
		writeError(w, err)
		return
	}

	result, err := s.deps.Cascade.Dispatch(r.Context(), cascadeDispatchRequest(
		analysis, req.GoalID, req.TriggerSessionID, req.Owner+"/"+req.Repo, req.BaseBranch))
	if err != nil {
		writeError(w, err)
		return
	}

	if result.Conflicted() {
		writeJSON(w, http.StatusConflict, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// dispatchBatch dispatches operator-supplied jobs under one cascade
// (POST /orchestrator/batch).
func (s *Server) dispatchBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SourceRepo string            `json:"sourceRepo"`
		BaseBranch string            `json:"baseBranch"`
		GoalID     string            `json:"goalId"`
		Summary    string            `json:"summary"`
		Jobs       []types.RepairJob `json:"jobs"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, validationError("malformed request body"))
		return
	}
	if req.SourceRepo == "" || len(req.Jobs) == 0 {
		writeError(w, validationError("sourceRepo and at least one job are required"))
		return
	}
	if req.BaseBranch == "" {
		req.BaseBranch = "main"
	}

	var downstream []string
	for _, j := range req.Jobs {
		downstream = append(downstream, j.Files...)
	}

	// Operator-supplied batches bypass the oracle; full confidence, but the
	// dispatch still enforces disjointness and the parallelism cap.
	analysis := &types.CascadeAnalysis{
		IsCascade:       true,
		DownstreamFiles: downstream,
		RepairJobs:      req.Jobs,
		Summary:         req.Summary,
		Confidence:      1.0,
	}

	result, err := s.deps.Cascade.Dispatch(r.Context(), cascadeDispatchRequest(
		analysis, req.GoalID, "", req.SourceRepo, req.BaseBranch))
	if err != nil {
		writeError(w, err)
		return
	}

	status := http.StatusOK
	if result.Conflicted() {
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{
		"batchId":         result.Cascade.ID,
		"dispatchedCount": result.Telemetry.DispatchedCount,
		"failedCount":     result.Telemetry.FailedCount,
		"sessions":        result.DispatchedSessions,
		"lockConflicts":   result.LockConflicts,
		"telemetry":       result.Telemetry,
	})
}

// syncSession reconciles one session against the Agent Provider
// (POST /orchestrator/sync).
func (s *Server) syncSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionID string `json:"sessionId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.SessionID == "" {
		writeError(w, validationError("sessionId is required"))
		return
	}

	resp, err := s.syncOne(r, req.SessionID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// syncBatch reconciles many sessions (POST /orchestrator/sync-batch). An
// empty sessionIds list syncs every active session.
func (s *Server) syncBatch(w http.ResponseWriter, r *http.Request) {
	var req struct {
		SessionIDs []string `json:"sessionIds"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, validationError("malformed request body"))
		return
	}

	ids := req.SessionIDs
	if len(ids) == 0 {
		active, err := s.deps.Registry.ListActiveSessions(r.Context())
		if err != nil {
			writeError(w, err)
			return
		}
		for _, sess := range active {
			ids = append(ids, sess.ID)
		}
	}

	results := make([]any, 0, len(ids))
	for _, id := range ids {
		resp, err := s.syncOne(r, id)
		if err != nil {
			results = append(results, map[string]string{"sessionId": id, "error": err.Error()})
			continue
		}
		results = append(results, resp)
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": results})
}

type syncResponse struct {
	Session           *types.Session    `json:"session"`
	ExternalStatus    types.AgentStatus `json:"externalStatus,omitempty"`
	ChangeProposalURL string            `json:"changeProposalUrl,omitempty"`
}

func (s *Server) syncOne(r *http.Request, sessionID string) (*syncResponse, error) {
	ctx := r.Context()

	sess, err := s.deps.Registry.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if sess.Status.Terminal() || sess.ExternalAgentID == "" {
		return &syncResponse{Session: sess}, nil
	}

	state, err := s.deps.Agents.GetAgent(ctx, sess.ExternalAgentID)
	if err != nil {
		return nil, err
	}

	var proposalURL string
	if state.Outputs != nil {
		proposalURL = state.Outputs.ChangeProposal.URL
	}

	if err := s.deps.Machine.ReconcileAgentStatus(ctx, sess.ID, state.Status, proposalURL); err != nil {
		return nil, err
	}

	sess, err = s.deps.Registry.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	sess.LastSyncedAt = time.Now().UnixMilli()
	sess.UpdatedAt = sess.LastSyncedAt
	if err := s.deps.Registry.UpdateSession(ctx, sess); err != nil {
		return nil, err
	}

	return &syncResponse{Session: sess, ExternalStatus: state.Status, ChangeProposalURL: proposalURL}, nil
}

// --- Goals ---

func (s *Server) listGoals(w http.ResponseWriter, r *http.Request) {
	status := types.GoalStatus(r.URL.Query().Get("status"))
	goals, err := s.deps.Registry.ListGoals(r.Context(), status)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"goals": goals})
}

func (s *Server) createGoal(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Title       string   `json:"title"`
		Description string   `json:"description"`
		Criteria    []string `json:"criteria"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Title == "" {
		writeError(w, validationError("title is required"))
		return
	}

	now := time.Now().UnixMilli()
	goal := &types.Goal{
		ID:          "goal_" + ulid.Make().String(),
		Title:       req.Title,
		Description: req.Description,
		Status:      types.GoalBacklog,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, text := range req.Criteria {
		goal.Criteria = append(goal.Criteria, types.Criterion{
			ID:   "crit_" + ulid.Make().String(),
			Text: text,
		})
	}

	if err := s.deps.Registry.CreateGoal(r.Context(), goal); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, goal)
}

func (s *Server) getGoal(w http.ResponseWriter, r *http.Request) {
	goal, err := s.deps.Registry.GetGoal(r.Context(), chi.URLParam(r, "goalID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, goal)
}

// updateGoal patches a goal's mutable fields. Criterion text edits keep
// their ids; new criteria get fresh ids; omitted criteria
// are removed.
func (s *Server) updateGoal(w http.ResponseWriter, r *http.Request) {
	goal, err := s.deps.Registry.GetGoal(r.Context(), chi.URLParam(r, "goalID"))
	if err != nil {
		writeError(w, err)
		return
	}

	var req struct {
		Title       *string `json:"title"`
		Description *string `json:"description"`
		Status      *string `json:"status"`
		Criteria    []struct {
			ID   string `json:"id"`
			Text string `json:"text"`
		} `json:"criteria"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, validationError("malformed request body"))
		return
	}

	if req.Title != nil {
		goal.Title = *req.Title
	}
	if req.Description != nil {
		goal.Description = *req.Description
	}
	if req.Status != nil {
		goal.Status = types.GoalStatus(*req.Status)
	}
	if req.Criteria != nil {
		var merged []types.Criterion
		for _, c := range req.Criteria {
			if idx := goal.CriterionIndex(c.ID); idx >= 0 {
				existing := goal.Criteria[idx]
				existing.Text = c.Text
				merged = append(merged, existing)
				continue
			}
			merged = append(merged, types.Criterion{
				ID:   "crit_" + ulid.Make().String(),
				Text: c.Text,
			})
		}
		goal.Criteria = merged
	}
	goal.UpdatedAt = time.Now().UnixMilli()

	if err := s.deps.Registry.UpdateGoal(r.Context(), goal); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, goal)
}

func (s *Server) deleteGoal(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Registry.DeleteGoal(r.Context(), chi.URLParam(r, "goalID")); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) reAuditGoal(w http.ResponseWriter, r *http.Request) {
	result, err := s.deps.Review.ReAudit(r.Context(), chi.URLParam(r, "goalID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// --- Sessions ---

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	var (
		sessions []*types.Session
		err      error
	)
	if r.URL.Query().Get("all") == "true" {
		sessions, err = s.deps.Registry.ListSessions(r.Context())
	} else {
		sessions, err = s.deps.Registry.ListActiveSessions(r.Context())
	}
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"sessions": sessions})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.deps.Registry.GetSession(r.Context(), chi.URLParam(r, "sessionID"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// terminateSession force-terminates a session, idempotently: a session
// already terminal still answers success, and its locks are re-released as
// a safety net (they are normally already released by the terminal
// transition itself).
func (s *Server) terminateSession(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "sessionID")

	sess, err := s.deps.Registry.GetSession(r.Context(), sessionID)
	if err != nil {
		writeError(w, err)
		return
	}

	if !sess.Status.Terminal() {
		if err := s.deps.Machine.Fail(r.Context(), sessionID, "force-terminated by operator"); err != nil {
			writeError(w, err)
			return
		}
	}
	if err := s.deps.Locks.Release(r.Context(), sessionID); err != nil {
		writeError(w, err)
		return
	}

	if sess.CascadeID != "" {
		s.settleCascade(r, sess.CascadeID)
	}

	writeJSON(w, http.StatusOK, map[string]any{"success": true, "sessionId": sessionID})
}

// settleCascade marks a cascade failed when its last active session was
// terminated and none of its sessions ever completed.
func (s *Server) settleCascade(r *http.Request, cascadeID string) {
	ctx := r.Context()

	sessions, err := s.deps.Registry.ListSessionsByCascade(ctx, cascadeID)
	if err != nil {
		l := logging.WithCascade(cascadeID)
		l.Warn().Err(err).Msg("cascade settle lookup failed")
		return
	}

	anyActive, anyCompleted := false, false
	for _, sess := range sessions {
		if !sess.Status.Terminal() {
			anyActive = true
		}
		if sess.Status == types.SessionCompleted {
			anyCompleted = true
		}
	}
	if anyActive || anyCompleted {
		return
	}

	if err := s.deps.Registry.UpdateCascadeStatus(ctx, cascadeID, types.CascadeFailed, time.Now().UnixMilli()); err != nil {
		if !errors.Is(err, apierr.ErrNotFound) {
			l := logging.WithCascade(cascadeID)
			l.Warn().Err(err).Msg("cascade settle update failed")
		}
	}
}

// --- Locks ---

func (s *Server) listLocks(w http.ResponseWriter, r *http.Request) {
	holders, err := s.deps.Locks.ConflictStatus(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"locks": holders})
}

func (s *Server) purgeLocks(w http.ResponseWriter, r *http.Request) {
	count, err := s.deps.Registry.DeleteAllLocks(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	logging.Warn().Int64("released", count).Msg("operator purged all locks")
	writeJSON(w, http.StatusOK, map[string]any{"releasedCount": count})
}

func (s *Server) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
