package auditor

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meridianctl/agentctl/internal/config"
	"github.com/meridianctl/agentctl/pkg/types"
)

func TestDecodeOracleJSON_Bare(t *testing.T) {
	var report types.AuditReport
	err := decodeOracleJSON(`{"severity":"minor","summary":"ok","findings":["f1"]}`, &report)
	require.NoError(t, err)
	assert.Equal(t, types.SeverityMinor, report.Severity)
	assert.Equal(t, []string{"f1"}, report.Findings)
}

func TestDecodeOracleJSON_Fenced(t *testing.T) {
	raw := "Here is my assessment:\n```json\n{\"severity\":\"major\",\"summary\":\"broken\"}\n```\nLet me know if you need more."
	var report types.AuditReport
	err := decodeOracleJSON(raw, &report)
	require.NoError(t, err)
	assert.Equal(t, types.SeverityMajor, report.Severity)
}

func TestDecodeOracleJSON_NestedBracesAndStrings(t *testing.T) {
	raw := `{"summary":"touches {handler} and \"quoted\" text","criteriaAssessment":{"c1":{"met":true,"reasoning":"yes"}}}`
	var report types.AuditReport
	err := decodeOracleJSON(raw, &report)
	require.NoError(t, err)
	require.Contains(t, report.CriteriaAssessment, "c1")
	assert.True(t, report.CriteriaAssessment["c1"].Met)
}

func TestDecodeOracleJSON_NoObject(t *testing.T) {
	var report types.AuditReport
	err := decodeOracleJSON("I cannot review this diff.", &report)
	assert.Error(t, err)
}

func TestDecodeOracleJSON_Unterminated(t *testing.T) {
	var report types.AuditReport
	err := decodeOracleJSON(`{"severity":"none"`, &report)
	assert.Error(t, err)
}

func TestRenderReviewInput_CriteriaAndTruncation(t *testing.T) {
	input := types.ReviewInput{
		Repo:   "acme/web",
		Branch: "feature/auth",
		Commit: "abc123",
		Criteria: []types.Criterion{
			{ID: "c1", Text: "login works", Met: true},
			{ID: "c2", Text: "logout works"},
		},
		Diff: strings.Repeat("x", maxDiffChars+100),
	}

	rendered := renderReviewInput(input)
	assert.Contains(t, rendered, "[c1] login works (currently met)")
	assert.Contains(t, rendered, "[c2] logout works (currently unmet)")
	assert.Contains(t, rendered, "... (truncated)")
	assert.Less(t, len(rendered), maxDiffChars+1000)
}

func TestRenderDecomposeInput_SortsDiffPaths(t *testing.T) {
	input := types.DecomposeInput{
		CoreFileDiffs: map[string]string{
			"src/b.ts": "diff-b",
			"src/a.ts": "diff-a",
		},
		ChangedPaths: []string{"src/a.ts", "src/b.ts", "src/leaf.ts"},
	}

	rendered := renderDecomposeInput(input)
	assert.Less(t, strings.Index(rendered, "src/a.ts"), strings.Index(rendered, "src/b.ts"))
	assert.Contains(t, rendered, "src/leaf.ts")
}

func TestNew_UnknownBackend(t *testing.T) {
	_, err := New(context.Background(), config.AuditorConfig{Backend: "palmreader"})
	assert.Error(t, err)

	_, err = New(context.Background(), config.AuditorConfig{})
	assert.Error(t, err)
}

func TestNewLLMOracle_RequiresAPIKey(t *testing.T) {
	_, err := NewLLMOracle(context.Background(), config.AuditorConfig{Backend: "claude"})
	assert.Error(t, err)
}
