package auditorstub

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func callReview(t *testing.T, args map[string]any) map[string]any {
	t.Helper()
	return callTool(t, reviewHandler, args)
}

func callDecompose(t *testing.T, args map[string]any) map[string]any {
	t.Helper()
	return callTool(t, decomposeHandler, args)
}

func callTool(t *testing.T, handler func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error), args map[string]any) map[string]any {
	t.Helper()

	req := mcp.CallToolRequest{}
	req.Params.Name = "test"
	req.Params.Arguments = args

	result, err := handler(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.IsError)

	require.Len(t, result.Content, 1)
	textContent, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "content should be text")

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(textContent.Text), &out))
	return out
}

func TestReview_CleanDiff(t *testing.T) {
	out := callReview(t, map[string]any{
		"diff": "diff --git a/x b/x\n+clean change\n",
		"criteria": []any{
			map[string]any{"id": "c1", "text": "works"},
		},
	})

	assert.Equal(t, "none", out["severity"])
	assessment := out["criteriaAssessment"].(map[string]any)
	c1 := assessment["c1"].(map[string]any)
	assert.Equal(t, true, c1["met"])
}

func TestReview_UnmetMarkerAndSeverity(t *testing.T) {
	out := callReview(t, map[string]any{
		"diff": "+BREAKING rework\n+UNMET:c2\n",
		"criteria": []any{
			map[string]any{"id": "c1"},
			map[string]any{"id": "c2"},
		},
	})

	assert.Equal(t, "major", out["severity"])
	assessment := out["criteriaAssessment"].(map[string]any)
	assert.Equal(t, true, assessment["c1"].(map[string]any)["met"])
	assert.Equal(t, false, assessment["c2"].(map[string]any)["met"])
	assert.NotEmpty(t, out["recommendedFixPrompt"])
}

func TestReview_MissingDiffIsToolError(t *testing.T) {
	req := mcp.CallToolRequest{}
	req.Params.Arguments = map[string]any{}

	result, err := reviewHandler(context.Background(), req)
	require.NoError(t, err)
	assert.True(t, result.IsError)
}

func TestDecompose_GroupsByTopDir(t *testing.T) {
	out := callDecompose(t, map[string]any{
		"coreFileDiffs": map[string]any{"src/core/router.ts": "diff"},
		"changedPaths": []any{
			"src/core/router.ts",
			"pages/home.ts",
			"pages/about.ts",
			"lib/client.ts",
		},
	})

	assert.Equal(t, true, out["isCascade"])
	assert.InDelta(t, 0.9, out["confidence"].(float64), 0.001)

	jobs := out["repairJobs"].([]any)
	require.Len(t, jobs, 2)

	first := jobs[0].(map[string]any)
	assert.Equal(t, "repair-lib", first["id"])
	assert.Equal(t, "high", first["priority"])

	second := jobs[1].(map[string]any)
	assert.Equal(t, "repair-pages", second["id"])
	assert.Len(t, second["files"].([]any), 2)
}

func TestDecompose_NoDownstreamMeansNoCascade(t *testing.T) {
	out := callDecompose(t, map[string]any{
		"coreFileDiffs": map[string]any{"core.ts": "diff"},
		"changedPaths":  []any{"core.ts"},
	})

	assert.Equal(t, false, out["isCascade"])
	assert.Empty(t, out["repairJobs"])
}

func TestNewServer_HasBothTools(t *testing.T) {
	s := NewServer()

	review := s.GetTool("review")
	require.NotNil(t, review, "review tool should exist")
	assert.Equal(t, "review", review.Tool.Name)

	decompose := s.GetTool("decompose")
	require.NotNil(t, decompose, "decompose tool should exist")
	assert.Equal(t, "decompose", decompose.Tool.Name)
}
