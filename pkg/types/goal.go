// Package types defines the persisted domain entities shared across the
// control plane: goals, sessions, file locks, and cascades.
package types

// GoalStatus is the lifecycle state of a Goal.
type GoalStatus string

const (
	GoalBacklog    GoalStatus = "backlog"
	GoalInProgress GoalStatus = "in-progress"
	GoalCompleted  GoalStatus = "completed"
	GoalDrifted    GoalStatus = "drifted"
)

// Criterion is a single testable requirement of a Goal, assessed per-diff by
// the Auditor oracle. ID is stable for the goal's lifetime so
// that Auditor updates are idempotent.
type Criterion struct {
	ID            string   `json:"id"`
	Text          string   `json:"text"`
	Met           bool     `json:"met"`
	Reasoning     string   `json:"reasoning,omitempty"`
	EvidenceFiles []string `json:"evidenceFiles,omitempty"`
}

// ReviewArtifact references a merged or pending change proposal produced by
// a session while working toward a Goal.
type ReviewArtifact struct {
	URL             string `json:"url"`
	SessionID       string `json:"sessionId"`
	ExternalAgentID string `json:"externalAgentId,omitempty"`
}

// Goal is a stable architectural objective decomposed into acceptance
// criteria and worked on by one or more Sessions.
type Goal struct {
	ID              string           `json:"id"`
	Title           string           `json:"title"`
	Description     string           `json:"description"`
	Criteria        []Criterion      `json:"criteria"`
	ReviewArtifacts []ReviewArtifact `json:"reviewArtifacts"`
	Status          GoalStatus       `json:"status"`
	// Synthetic is true when the goal was auto-created by the Cascade
	// Engine for a cascade dispatched without an explicit goalId. Its
	// criteria are the repair job prompts themselves.
	Synthetic bool  `json:"synthetic"`
	CreatedAt int64 `json:"createdAt"`
	UpdatedAt int64 `json:"updatedAt"`
}

// CriterionIndex returns the index of the criterion with the given ID, or -1
// if absent.
func (g *Goal) CriterionIndex(id string) int {
	for i := range g.Criteria {
		if g.Criteria[i].ID == id {
			return i
		}
	}
	return -1
}

// AllCriteriaMet reports whether every criterion on the goal is satisfied.
// A goal with no criteria is vacuously met.
func (g *Goal) AllCriteriaMet() bool {
	for _, c := range g.Criteria {
		if !c.Met {
			return false
		}
	}
	return true
}
