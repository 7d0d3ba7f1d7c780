package server

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	"github.com/meridianctl/agentctl/internal/apierr"
	"github.com/meridianctl/agentctl/internal/logging"
	"github.com/meridianctl/agentctl/internal/review"
	"github.com/meridianctl/agentctl/internal/sessionlifecycle"
	"github.com/meridianctl/agentctl/internal/vcsprovider"
	"github.com/meridianctl/agentctl/pkg/types"
)

// automatedMarker in a commit message identifies commits the control plane
// itself (or its agents' tooling) produced; they never trigger review or
// cascade analysis, which would otherwise self-amplify.
const automatedMarker = "[Auto]"

// webhookResponse is the success body of POST /webhook/vcs.
type webhookResponse struct {
	Received       bool   `json:"received"`
	EventType      string `json:"eventType"`
	Result         string `json:"result"`
	CascadeTrigger any    `json:"cascadeTrigger,omitempty"`
}

type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
			Name  string `json:"name"`
		} `json:"owner"`
	} `json:"repository"`
	HeadCommit struct {
		ID      string `json:"id"`
		Message string `json:"message"`
		Author  struct {
			Name string `json:"name"`
		} `json:"author"`
	} `json:"head_commit"`
	Commits []struct {
		Added    []string `json:"added"`
		Removed  []string `json:"removed"`
		Modified []string `json:"modified"`
	} `json:"commits"`
}

type pullRequestPayload struct {
	Action     string `json:"action"`
	Number     int    `json:"number"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
	PullRequest struct {
		HTMLURL string `json:"html_url"`
		Merged  bool   `json:"merged"`
		Head    struct {
			Ref string `json:"ref"`
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
}

type checkRunPayload struct {
	Action     string `json:"action"`
	Repository struct {
		Name  string `json:"name"`
		Owner struct {
			Login string `json:"login"`
		} `json:"owner"`
	} `json:"repository"`
	CheckRun struct {
		ID         int64  `json:"id"`
		Name       string `json:"name"`
		Status     string `json:"status"`
		Conclusion string `json:"conclusion"`
		HeadSHA    string `json:"head_sha"`
		CheckSuite struct {
			HeadBranch string `json:"head_branch"`
		} `json:"check_suite"`
	} `json:"check_run"`
}

// handleWebhook authenticates and routes one VCS webhook delivery.
// Provider failures inside event handling return 200 with a failure result
// so the sender does not redeliver; only auth and malformed payloads are
// non-2xx.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 10<<20))
	if err != nil {
		writeError(w, validationError("unreadable body"))
		return
	}

	if !s.verifySignature(r, body) {
		writeError(w, apierr.ErrAuthenticationFailure)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	switch eventType {
	case "push":
		s.handlePushEvent(w, r, body)
	case "pull_request":
		s.handlePullRequestEvent(w, r, body)
	case "check_run":
		s.handleCheckRunEvent(w, r, body)
	default:
		writeJSON(w, http.StatusAccepted, webhookResponse{
			Received: true, EventType: eventType, Result: "ignored_unsupported_event",
		})
	}
}

// verifySignature checks the HMAC-SHA256 of the raw body against the
// shared secret, in constant time.
func (s *Server) verifySignature(r *http.Request, body []byte) bool {
	if s.config.WebhookSecret == "" {
		return false
	}

	sig := strings.TrimPrefix(r.Header.Get("X-Hub-Signature-256"), "sha256=")
	expected, err := hex.DecodeString(sig)
	if err != nil || len(expected) == 0 {
		return false
	}

	mac := hmac.New(sha256.New, []byte(s.config.WebhookSecret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), expected)
}

func (s *Server) handlePushEvent(w http.ResponseWriter, r *http.Request, body []byte) {
	var payload pushPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, validationError("malformed push payload"))
		return
	}

	owner := payload.Repository.Owner.Login
	if owner == "" {
		owner = payload.Repository.Owner.Name
	}
	branch := strings.TrimPrefix(payload.Ref, "refs/heads/")

	if s.isAutomatedCommit(payload.HeadCommit.Author.Name, payload.HeadCommit.Message) {
		writeJSON(w, http.StatusOK, webhookResponse{
			Received: true, EventType: "push", Result: "automated_commit_skipped",
		})
		return
	}

	result, err := s.deps.Review.HandlePush(r.Context(), review.PushEvent{
		Owner:  owner,
		Repo:   payload.Repository.Name,
		Branch: branch,
		Commit: payload.After,
	})
	if err != nil {
		logging.Error().Err(err).Str("branch", branch).Msg("push review failed")
		writeJSON(w, http.StatusOK, webhookResponse{
			Received: true, EventType: "push", Result: "review_failed: " + err.Error(),
		})
		return
	}

	resp := webhookResponse{Received: true, EventType: "push", Result: string(result.Outcome)}

	var changed []string
	for _, c := range payload.Commits {
		changed = append(changed, c.Added...)
		changed = append(changed, c.Removed...)
		changed = append(changed, c.Modified...)
	}
	if core := s.deps.Cascade.MatchCoreFiles(changed); len(core) > 0 {
		resp.CascadeTrigger = s.runCascade(r, owner, payload.Repository.Name, payload.After, branch, core, changed, result.SessionID)
	}

	writeJSON(w, http.StatusOK, resp)
}

// runCascade performs the blast-radius analysis and dispatch for a push
// touching core files. Failures are reported in the response rather than
// failing the webhook.
func (s *Server) runCascade(r *http.Request, owner, repo, commit, branch string, coreFiles, changed []string, triggerSessionID string) any {
	ctx := r.Context()

	diff, err := s.deps.VCS.GetCommitDiff(ctx, owner, repo, commit)
	if err != nil {
		logging.Error().Err(err).Str("commit", commit).Msg("cascade diff fetch failed")
		return map[string]string{"error": err.Error()}
	}

	fragments := vcsprovider.SplitByFile(diff)
	coreDiffs := make(map[string]string, len(coreFiles))
	for _, p := range coreFiles {
		if frag, ok := fragments[p]; ok {
			coreDiffs[p] = frag
		}
	}

	analysis, err := s.deps.Cascade.Analyze(ctx, types.DecomposeInput{
		CoreFileDiffs: coreDiffs,
		ChangedPaths:  changed,
	})
	if err != nil {
		logging.Error().Err(err).Str("commit", commit).Msg("cascade analysis failed")
		return map[string]string{"error": err.Error()}
	}
	if !analysis.IsCascade {
		return map[string]any{"isCascade": false, "summary": analysis.Summary}
	}

	var goalID string
	if triggerSessionID != "" {
		if sess, err := s.deps.Registry.GetSession(ctx, triggerSessionID); err == nil {
			goalID = sess.GoalID
		}
	}

	dispatch, err := s.deps.Cascade.Dispatch(ctx, cascadeDispatchRequest(analysis, goalID, triggerSessionID, owner+"/"+repo, branch))
	if err != nil {
		logging.Error().Err(err).Str("commit", commit).Msg("cascade dispatch failed")
		return map[string]string{"error": err.Error()}
	}
	return dispatch
}

func (s *Server) handlePullRequestEvent(w http.ResponseWriter, r *http.Request, body []byte) {
	var payload pullRequestPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, validationError("malformed pull_request payload"))
		return
	}

	owner := payload.Repository.Owner.Login
	repo := payload.Repository.Name
	branch := payload.PullRequest.Head.Ref

	switch payload.Action {
	case "opened", "synchronize":
		result, err := s.deps.Review.HandlePush(r.Context(), review.PushEvent{
			Owner:    owner,
			Repo:     repo,
			Branch:   branch,
			Commit:   payload.PullRequest.Head.SHA,
			PRNumber: payload.Number,
			PRURL:    payload.PullRequest.HTMLURL,
		})
		if err != nil {
			logging.Error().Err(err).Int("pr", payload.Number).Msg("pull request review failed")
			writeJSON(w, http.StatusOK, webhookResponse{
				Received: true, EventType: "pull_request", Result: "review_failed: " + err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, webhookResponse{
			Received: true, EventType: "pull_request", Result: string(result.Outcome),
		})

	case "closed":
		sess, err := s.deps.Registry.MostRecentNonTerminalSession(r.Context(), owner+"/"+repo, branch)
		if err != nil {
			writeJSON(w, http.StatusOK, webhookResponse{
				Received: true, EventType: "pull_request", Result: string(review.OutcomeNoActiveSession),
			})
			return
		}

		var artifact *types.ReviewArtifact
		if payload.PullRequest.Merged && payload.PullRequest.HTMLURL != "" {
			artifact = &types.ReviewArtifact{
				URL:             payload.PullRequest.HTMLURL,
				SessionID:       sess.ID,
				ExternalAgentID: sess.ExternalAgentID,
			}
		}
		if err := s.deps.Machine.ChangeProposalClosed(r.Context(), sess.ID, payload.PullRequest.Merged, artifact); err != nil {
			writeError(w, err)
			return
		}

		result := "change_proposal_closed_unmerged"
		if payload.PullRequest.Merged {
			result = "change_proposal_merged"
		}
		writeJSON(w, http.StatusOK, webhookResponse{Received: true, EventType: "pull_request", Result: result})

	default:
		writeJSON(w, http.StatusAccepted, webhookResponse{
			Received: true, EventType: "pull_request", Result: "ignored_action_" + payload.Action,
		})
	}
}

func (s *Server) handleCheckRunEvent(w http.ResponseWriter, r *http.Request, body []byte) {
	var payload checkRunPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		writeError(w, validationError("malformed check_run payload"))
		return
	}

	if payload.Action != "completed" {
		writeJSON(w, http.StatusAccepted, webhookResponse{
			Received: true, EventType: "check_run", Result: "ignored_action_" + payload.Action,
		})
		return
	}

	owner := payload.Repository.Owner.Login
	repo := payload.Repository.Name
	branch := payload.CheckRun.CheckSuite.HeadBranch

	sess, err := s.deps.Registry.MostRecentNonTerminalSession(r.Context(), owner+"/"+repo, branch)
	if err != nil {
		writeJSON(w, http.StatusOK, webhookResponse{
			Received: true, EventType: "check_run", Result: string(review.OutcomeNoActiveSession),
		})
		return
	}

	success := payload.CheckRun.Conclusion == "success"
	outcome, err := s.deps.Machine.CIResult(r.Context(), sess.ID, payload.CheckRun.Name, s.primaryPipelines(), success)
	if err != nil {
		writeError(w, err)
		return
	}

	if outcome == sessionlifecycle.CIFailureDetected {
		result, err := s.deps.Review.HandleCIFailure(r.Context(), review.CIFailureEvent{
			Owner:      owner,
			Repo:       repo,
			Branch:     branch,
			HeadCommit: payload.CheckRun.HeadSHA,
			JobID:      payload.CheckRun.ID,
			Pipeline:   payload.CheckRun.Name,
		})
		if err != nil {
			l := logging.WithSession(sess.ID)
			l.Error().Err(err).Msg("CI failure remediation failed")
			writeJSON(w, http.StatusOK, webhookResponse{
				Received: true, EventType: "check_run", Result: "remediation_failed: " + err.Error(),
			})
			return
		}
		writeJSON(w, http.StatusOK, webhookResponse{
			Received: true, EventType: "check_run", Result: string(result.Outcome),
		})
		return
	}

	writeJSON(w, http.StatusOK, webhookResponse{
		Received: true, EventType: "check_run", Result: string(outcome),
	})
}

func (s *Server) isAutomatedCommit(author, message string) bool {
	if strings.Contains(message, automatedMarker) {
		return true
	}
	return s.config.AutomatedBotName != "" && author == s.config.AutomatedBotName
}
