package types

// Severity is the Auditor oracle's overall judgment of a diff.
type Severity string

const (
	SeverityNone  Severity = "none"
	SeverityMinor Severity = "minor"
	SeverityMajor Severity = "major"
)

// CriterionAssessment is the Auditor's verdict on a single acceptance
// criterion, keyed by Criterion.ID in AuditReport.CriteriaAssessment.
type CriterionAssessment struct {
	Met           bool     `json:"met"`
	Reasoning     string   `json:"reasoning"`
	EvidenceFiles []string `json:"evidenceFiles,omitempty"`
}

// ReviewInput is what the Review & Remediation Loop sends to the Auditor
// oracle's review operation.
type ReviewInput struct {
	Repo       string      `json:"repo"`
	Branch     string      `json:"branch"`
	Commit     string      `json:"commit"`
	Criteria   []Criterion `json:"criteria"`
	Diff       string      `json:"diff"`
}

// AuditReport is the Auditor oracle's review verdict.
type AuditReport struct {
	Severity             Severity                       `json:"severity"`
	Summary              string                         `json:"summary"`
	Findings             []string                       `json:"findings"`
	RecommendedFixPrompt string                         `json:"recommendedFixPrompt,omitempty"`
	CriteriaAssessment   map[string]CriterionAssessment `json:"criteriaAssessment"`
}

// DecomposeInput is what the Cascade Engine sends to the Auditor oracle's
// decompose operation.
type DecomposeInput struct {
	CoreFileDiffs map[string]string `json:"coreFileDiffs"`
	ChangedPaths  []string          `json:"changedPaths"`
}

// CascadeAnalysis is the Auditor oracle's blast-radius decomposition
// output contract.
type CascadeAnalysis struct {
	IsCascade        bool        `json:"isCascade"`
	CoreFilesChanged []string    `json:"coreFilesChanged"`
	DownstreamFiles  []string    `json:"downstreamFiles"`
	RepairJobs       []RepairJob `json:"repairJobs"`
	Summary          string      `json:"summary"`
	Confidence       float64     `json:"confidence"`
}

// AgentStatus is the Agent Provider's status code for a running agent.
type AgentStatus string

const (
	AgentPlanning  AgentStatus = "PLANNING"
	AgentRunning   AgentStatus = "RUNNING"
	AgentCompleted AgentStatus = "COMPLETED"
	AgentFailed    AgentStatus = "FAILED"
	AgentCancelled AgentStatus = "CANCELLED"
)

// CreateAgentRequest is the Agent Provider's createAgent input.
type CreateAgentRequest struct {
	Prompt         string `json:"prompt"`
	SourceRepo     string `json:"sourceRepo"`
	StartingBranch string `json:"startingBranch"`
	Context        string `json:"context,omitempty"`
}

// CreateAgentResponse is the Agent Provider's createAgent output.
type CreateAgentResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

// ChangeProposal is the external artifact (e.g. a pull request) an agent
// produces.
type ChangeProposal struct {
	URL string `json:"url,omitempty"`
}

// AgentState is the Agent Provider's getAgent output.
type AgentState struct {
	Status  AgentStatus `json:"status"`
	URL     string      `json:"url,omitempty"`
	Outputs *struct {
		ChangeProposal ChangeProposal `json:"changeProposal"`
	} `json:"outputs,omitempty"`
}
