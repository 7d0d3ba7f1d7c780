package cascade

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/oklog/ulid/v2"

	"github.com/meridianctl/agentctl/internal/agentprovider"
	"github.com/meridianctl/agentctl/internal/apierr"
	"github.com/meridianctl/agentctl/internal/auditor"
	"github.com/meridianctl/agentctl/internal/eventbus"
	"github.com/meridianctl/agentctl/internal/logging"
	"github.com/meridianctl/agentctl/pkg/types"
)

// registry is the slice of the Registry Store the engine needs. *store.Store
// satisfies it; tests use an in-memory fake.
type registry interface {
	CreateCascade(ctx context.Context, c *types.Cascade) error
	UpdateCascadeStatus(ctx context.Context, id string, status types.CascadeStatus, updatedAt int64) error
	CreateGoal(ctx context.Context, g *types.Goal) error
}

// lifecycle is the slice of the Session Lifecycle state machine the engine
// drives. *sessionlifecycle.Machine satisfies it.
type lifecycle interface {
	Create(ctx context.Context, spec types.CreateSessionSpec) (*types.Session, error)
	CreateFailed(ctx context.Context, spec types.CreateSessionSpec, lastError string) (*types.Session, error)
	AgentAccepted(ctx context.Context, sessionID, externalAgentID, externalAgentURL string) error
	Fail(ctx context.Context, sessionID, lastError string) error
}

// Options are the engine's operator tunables. CoreFileGlobs is a pointer so
// internal/config's hot reload is observed on every call.
type Options struct {
	CoreFileGlobs     *[]string
	MaxParallelAgents int
	MinConfidence     float64
	AnalysisTimeout   time.Duration
}

// Engine is the Cascade Engine.
type Engine struct {
	registry  registry
	lifecycle lifecycle
	oracle    auditor.Oracle
	agents    agentprovider.Provider
	opts      Options
}

// New wires an Engine.
func New(r registry, l lifecycle, o auditor.Oracle, a agentprovider.Provider, opts Options) *Engine {
	if opts.MaxParallelAgents <= 0 {
		opts.MaxParallelAgents = 5
	}
	if opts.MinConfidence <= 0 {
		opts.MinConfidence = 0.7
	}
	if opts.AnalysisTimeout <= 0 {
		opts.AnalysisTimeout = 60 * time.Second
	}
	return &Engine{registry: r, lifecycle: l, oracle: o, agents: a, opts: opts}
}

// MatchCoreFiles returns the subset of changedPaths matching the configured
// core-file glob set. Empty when cascading is not
// configured or nothing core was touched.
func (e *Engine) MatchCoreFiles(changedPaths []string) []string {
	if e.opts.CoreFileGlobs == nil {
		return nil
	}
	globs := *e.opts.CoreFileGlobs

	var core []string
	for _, p := range changedPaths {
		for _, g := range globs {
			if ok, err := doublestar.Match(g, p); err == nil && ok {
				core = append(core, p)
				break
			}
		}
	}
	return core
}

// Analyze asks the Auditor oracle to decompose the blast radius, then
// normalizes the result: disjoint job file sets, the confidence floor, and
// the parallelism cap are all enforced here regardless of oracle output.
func (e *Engine) Analyze(ctx context.Context, input types.DecomposeInput) (*types.CascadeAnalysis, error) {
	ctx, cancel := context.WithTimeout(ctx, e.opts.AnalysisTimeout)
	defer cancel()

	analysis, err := e.oracle.Decompose(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("cascade decomposition: %w", err)
	}

	e.normalize(analysis)
	return analysis, nil
}

// normalize applies the engine-side invariants to an oracle response.
func (e *Engine) normalize(a *types.CascadeAnalysis) {
	// Priority first, original order within a priority. sort.SliceStable
	// keeps the oracle's ordering as the tie-break.
	sort.SliceStable(a.RepairJobs, func(i, j int) bool {
		return a.RepairJobs[i].Priority.Less(a.RepairJobs[j].Priority)
	})

	// Disjointness: a path claimed by an earlier (higher-priority) job is
	// dropped from every later one. Jobs left without files are removed.
	claimed := make(map[string]bool)
	jobs := a.RepairJobs[:0]
	for _, job := range a.RepairJobs {
		var files []string
		for _, f := range job.Files {
			if !claimed[f] {
				claimed[f] = true
				files = append(files, f)
			}
		}
		if len(files) == 0 {
			continue
		}
		job.Files = files
		jobs = append(jobs, job)
	}
	a.RepairJobs = jobs

	if a.Confidence < e.opts.MinConfidence {
		logging.Info().
			Float64("confidence", a.Confidence).
			Float64("floor", e.opts.MinConfidence).
			Msg("cascade confidence below floor, discarding repair jobs")
		a.RepairJobs = nil
		return
	}

	if len(a.RepairJobs) > e.opts.MaxParallelAgents {
		logging.Info().
			Int("jobs", len(a.RepairJobs)).
			Int("cap", e.opts.MaxParallelAgents).
			Msg("truncating repair jobs to parallelism cap")
		a.RepairJobs = a.RepairJobs[:e.opts.MaxParallelAgents]
	}
}

// DispatchRequest carries everything Dispatch needs beyond the analysis.
type DispatchRequest struct {
	Analysis         *types.CascadeAnalysis
	GoalID           string
	TriggerSessionID string
	SourceRepo       string
	BaseBranch       string
}

// Telemetry is the per-dispatch measurement set persisted against the
// cascade and attached to the response.
type Telemetry struct {
	DispatchLatencyMs int64 `json:"dispatchLatencyMs"`
	ConflictCount     int   `json:"conflictCount"`
	DispatchedCount   int   `json:"dispatchedCount"`
	FailedCount       int   `json:"failedCount"`
}

// DispatchResult is what one dispatch reports back to its caller.
type DispatchResult struct {
	Cascade            *types.Cascade        `json:"cascade"`
	DispatchedSessions []*types.Session      `json:"dispatchedSessions"`
	FailedSessions     []*types.Session      `json:"failedSessions,omitempty"`
	LockConflicts      []apierr.PathConflict `json:"lockConflicts,omitempty"`
	Telemetry          Telemetry             `json:"telemetry"`
}

// Conflicted reports whether the dispatch as a whole should surface as a
// lock conflict to the caller: nothing went out and at least one job was
// blocked.
func (r *DispatchResult) Conflicted() bool {
	return r.Telemetry.DispatchedCount == 0 && r.Telemetry.ConflictCount > 0
}

type jobOutcome struct {
	session   *types.Session
	failed    *types.Session
	conflicts []apierr.PathConflict
}

// Dispatch persists the cascade and launches one session per surviving
// repair job, in parallel. Jobs within one cascade have disjoint file sets,
// so they can only conflict with locks held by other cascades' sessions.
func (e *Engine) Dispatch(ctx context.Context, req DispatchRequest) (*DispatchResult, error) {
	started := time.Now()
	now := started.UnixMilli()
	analysis := req.Analysis

	// Idempotent on an Analyze result; operator-supplied batches enter
	// here directly and get the same invariants enforced.
	e.normalize(analysis)

	goalID := req.GoalID
	if goalID == "" {
		goal, err := e.synthesizeGoal(ctx, analysis, now)
		if err != nil {
			return nil, err
		}
		goalID = goal.ID
	}

	casc := &types.Cascade{
		ID:               "casc_" + ulid.Make().String(),
		TriggerSessionID: req.TriggerSessionID,
		GoalID:           goalID,
		CoreFilesChanged: analysis.CoreFilesChanged,
		DownstreamFiles:  analysis.DownstreamFiles,
		RepairJobCount:   len(analysis.RepairJobs),
		Summary:          analysis.Summary,
		Status:           types.CascadeAnalyzing,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := e.registry.CreateCascade(ctx, casc); err != nil {
		return nil, fmt.Errorf("persist cascade: %w", err)
	}

	outcomes := make([]jobOutcome, len(analysis.RepairJobs))
	var wg sync.WaitGroup
	for i, job := range analysis.RepairJobs {
		wg.Add(1)
		go func(i int, job types.RepairJob) {
			defer wg.Done()
			outcomes[i] = e.dispatchJob(ctx, casc, goalID, req, job)
		}(i, job)
	}
	wg.Wait()

	result := &DispatchResult{Cascade: casc}
	for _, o := range outcomes {
		switch {
		case o.session != nil:
			result.DispatchedSessions = append(result.DispatchedSessions, o.session)
		case o.failed != nil:
			result.FailedSessions = append(result.FailedSessions, o.failed)
		}
		result.LockConflicts = append(result.LockConflicts, o.conflicts...)
	}
	result.Telemetry = Telemetry{
		DispatchLatencyMs: time.Since(started).Milliseconds(),
		ConflictCount:     len(result.LockConflicts),
		DispatchedCount:   len(result.DispatchedSessions),
		FailedCount:       len(result.FailedSessions),
	}

	status := types.CascadeFailed
	if result.Telemetry.DispatchedCount > 0 {
		status = types.CascadeDispatched
	}
	casc.Status = status
	casc.UpdatedAt = time.Now().UnixMilli()
	if err := e.registry.UpdateCascadeStatus(ctx, casc.ID, status, casc.UpdatedAt); err != nil {
		return nil, fmt.Errorf("update cascade status: %w", err)
	}

	eventbus.Publish(eventbus.Event{Type: eventbus.CascadeDispatched, Data: result})
	cl := logging.WithCascade(casc.ID)
	cl.Info().
		Int("dispatched", result.Telemetry.DispatchedCount).
		Int("conflicts", result.Telemetry.ConflictCount).
		Int("failed", result.Telemetry.FailedCount).
		Int64("latency_ms", result.Telemetry.DispatchLatencyMs).
		Msg("cascade dispatch finished")

	return result, nil
}

// dispatchJob runs one repair job end to end: session + locks, then the
// Agent Provider. A lock conflict still records a failed session so the
// cascade's lineage shows what was attempted and why it went nowhere.
func (e *Engine) dispatchJob(ctx context.Context, casc *types.Cascade, goalID string, req DispatchRequest, job types.RepairJob) jobOutcome {
	spec := types.CreateSessionSpec{
		GoalID:     goalID,
		CascadeID:  casc.ID,
		SourceRepo: req.SourceRepo,
		BranchName: repairBranch(casc.ID, job.ID),
		BaseBranch: req.BaseBranch,
		Paths:      job.Files,
	}

	sess, err := e.lifecycle.Create(ctx, spec)
	if err != nil {
		if conflict, ok := apierr.AsConflict(err); ok {
			failed, ferr := e.lifecycle.CreateFailed(ctx, spec, lockConflictError(conflict))
			if ferr != nil {
				logging.Error().Err(ferr).Str("job", job.ID).Msg("recording conflicted repair job failed")
			}
			return jobOutcome{failed: failed, conflicts: conflict.Conflicts}
		}
		logging.Error().Err(err).Str("job", job.ID).Msg("repair session creation failed")
		return jobOutcome{}
	}

	agent, err := e.agents.CreateAgent(ctx, types.CreateAgentRequest{
		Prompt:         job.Prompt,
		SourceRepo:     req.SourceRepo,
		StartingBranch: spec.BranchName,
		Context:        fmt.Sprintf("Repair job %s of cascade: %s", job.ID, casc.Summary),
	})
	if err != nil {
		if ferr := e.lifecycle.Fail(ctx, sess.ID, fmt.Sprintf("agent dispatch failed: %v", err)); ferr != nil {
			sl := logging.WithSession(sess.ID)
			sl.Error().Err(ferr).Msg("failing undispatched repair session")
		}
		sess.Status = types.SessionFailed
		sess.LastError = fmt.Sprintf("agent dispatch failed: %v", err)
		return jobOutcome{failed: sess}
	}

	if err := e.lifecycle.AgentAccepted(ctx, sess.ID, agent.ID, agent.URL); err != nil {
		al := logging.WithSession(sess.ID)
		al.Error().Err(err).Msg("recording agent acceptance failed")
	}
	sess.Status = types.SessionExecuting
	sess.ExternalAgentID = agent.ID
	sess.ExternalAgentURL = agent.URL
	return jobOutcome{session: sess}
}

// synthesizeGoal creates the stand-in goal for a cascade dispatched without
// one: its acceptance criteria are the repair prompts themselves. Synthetic
// goals drift like any other when remediation is exhausted.
func (e *Engine) synthesizeGoal(ctx context.Context, analysis *types.CascadeAnalysis, now int64) (*types.Goal, error) {
	goal := &types.Goal{
		ID:          "goal_" + ulid.Make().String(),
		Title:       "Cascade repair: " + clipSummary(analysis.Summary),
		Description: analysis.Summary,
		Status:      types.GoalInProgress,
		Synthetic:   true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	for _, job := range analysis.RepairJobs {
		goal.Criteria = append(goal.Criteria, types.Criterion{
			ID:   "crit_" + ulid.Make().String(),
			Text: job.Prompt,
		})
	}
	if err := e.registry.CreateGoal(ctx, goal); err != nil {
		return nil, fmt.Errorf("synthesize cascade goal: %w", err)
	}
	return goal, nil
}

func repairBranch(cascadeID, jobID string) string {
	short := cascadeID
	if idx := strings.IndexByte(short, '_'); idx >= 0 {
		short = short[idx+1:]
	}
	if len(short) > 8 {
		short = short[:8]
	}
	return fmt.Sprintf("repair/%s/%s", strings.ToLower(short), slug(jobID))
}

func slug(s string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(s) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('-')
		}
	}
	return strings.Trim(b.String(), "-")
}

func lockConflictError(c *apierr.ConflictError) string {
	paths := make([]string, len(c.Conflicts))
	for i, pc := range c.Conflicts {
		paths[i] = pc.Path
	}
	return fmt.Sprintf("LockConflict(%s)", strings.Join(paths, ", "))
}

func clipSummary(s string) string {
	if len(s) <= 72 {
		return s
	}
	return s[:72] + "…"
}
