// Package auditorstub provides a deterministic Auditor oracle as an MCP
// server, for validating the engine without an LLM. Its verdicts are pure
// functions of the input: a diff line "UNMET:<criterionId>" marks that
// criterion unmet, a "BREAKING" marker makes severity major, and decompose
// groups downstream files into one repair job per top-level directory.
package auditorstub

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewServer creates the stub MCP server with the review and decompose
// tools.
func NewServer() *server.MCPServer {
	s := server.NewMCPServer(
		"auditor-stub",
		"1.0.0",
		server.WithToolCapabilities(true),
	)

	reviewTool := mcp.NewTool("review",
		mcp.WithDescription("Deterministically audit a diff against acceptance criteria"),
		mcp.WithString("repo", mcp.Description("owner/repo")),
		mcp.WithString("branch", mcp.Description("Branch under review")),
		mcp.WithString("commit", mcp.Description("Commit SHA")),
		mcp.WithString("diff", mcp.Required(), mcp.Description("Unified diff to audit")),
		mcp.WithArray("criteria",
			mcp.Description("Acceptance criteria records"),
			mcp.Items(map[string]any{"type": "object"}),
		),
	)
	s.AddTool(reviewTool, reviewHandler)

	decomposeTool := mcp.NewTool("decompose",
		mcp.WithDescription("Deterministically group a blast radius into repair jobs"),
		mcp.WithObject("coreFileDiffs", mcp.Description("Per-core-file diff fragments")),
		mcp.WithArray("changedPaths",
			mcp.Required(),
			mcp.Description("All changed paths"),
			mcp.Items(map[string]any{"type": "string"}),
		),
	)
	s.AddTool(decomposeTool, decomposeHandler)

	return s
}

// unmetMarker in a diff marks a criterion as unmet: "UNMET:crit_abc".
const unmetMarker = "UNMET:"

func reviewHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	diff, _ := args["diff"].(string)
	if diff == "" {
		return mcp.NewToolResultError("diff argument is required"), nil
	}

	severity := "none"
	var findings []string
	if strings.Contains(diff, "BREAKING") {
		severity = "major"
		findings = append(findings, "diff carries a BREAKING marker")
	} else if strings.Contains(diff, "TODO") || strings.Contains(diff, "FIXME") {
		severity = "minor"
		findings = append(findings, "diff leaves TODO/FIXME markers behind")
	}

	assessment := map[string]map[string]any{}
	for _, id := range criterionIDs(args["criteria"]) {
		met := !strings.Contains(diff, unmetMarker+id)
		reasoning := "no unmet marker for this criterion"
		if !met {
			reasoning = "diff marks this criterion unmet"
		}
		assessment[id] = map[string]any{
			"met":           met,
			"reasoning":     reasoning,
			"evidenceFiles": []string{},
		}
	}

	report := map[string]any{
		"severity":           severity,
		"summary":            fmt.Sprintf("Deterministic stub review: severity %s, %d criteria assessed.", severity, len(assessment)),
		"findings":           findings,
		"criteriaAssessment": assessment,
	}
	if severity != "none" {
		report["recommendedFixPrompt"] = "Remove the failure markers and re-run the checks."
	}

	return jsonResult(report)
}

func decomposeHandler(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.GetArguments()

	changed, err := toStringSlice(args["changedPaths"])
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("invalid changedPaths: %v", err)), nil
	}

	var coreFiles []string
	if coreDiffs, ok := args["coreFileDiffs"].(map[string]any); ok {
		for p := range coreDiffs {
			coreFiles = append(coreFiles, p)
		}
	}
	sort.Strings(coreFiles)

	core := make(map[string]bool, len(coreFiles))
	for _, p := range coreFiles {
		core[p] = true
	}

	// One job per top-level directory of the non-core changed files, in
	// sorted order so output is reproducible.
	groups := map[string][]string{}
	var downstream []string
	for _, p := range changed {
		if core[p] {
			continue
		}
		downstream = append(downstream, p)
		groups[topDir(p)] = append(groups[topDir(p)], p)
	}

	dirs := make([]string, 0, len(groups))
	for d := range groups {
		dirs = append(dirs, d)
	}
	sort.Strings(dirs)

	jobs := make([]map[string]any, 0, len(dirs))
	for i, d := range dirs {
		priority := "medium"
		if i == 0 {
			priority = "high"
		}
		jobs = append(jobs, map[string]any{
			"id":              "repair-" + strings.ReplaceAll(d, "/", "-"),
			"files":           groups[d],
			"prompt":          fmt.Sprintf("Update the files under %s/ for the core change in %s.", d, strings.Join(coreFiles, ", ")),
			"priority":        priority,
			"estimatedImpact": fmt.Sprintf("%d file(s) under %s/", len(groups[d]), d),
		})
	}

	return jsonResult(map[string]any{
		"isCascade":        len(jobs) > 0,
		"coreFilesChanged": coreFiles,
		"downstreamFiles":  downstream,
		"repairJobs":       jobs,
		"summary":          fmt.Sprintf("Deterministic stub decomposition: %d job(s) over %d downstream file(s).", len(jobs), len(downstream)),
		"confidence":       0.9,
	})
}

func criterionIDs(raw any) []string {
	items, ok := raw.([]any)
	if !ok {
		return nil
	}
	var ids []string
	for _, item := range items {
		if m, ok := item.(map[string]any); ok {
			if id, ok := m["id"].(string); ok && id != "" {
				ids = append(ids, id)
			}
		}
	}
	sort.Strings(ids)
	return ids
}

func toStringSlice(raw any) ([]string, error) {
	items, ok := raw.([]any)
	if !ok {
		return nil, fmt.Errorf("expected array, got %T", raw)
	}
	out := make([]string, 0, len(items))
	for _, item := range items {
		s, ok := item.(string)
		if !ok {
			return nil, fmt.Errorf("expected string element, got %T", item)
		}
		out = append(out, s)
	}
	return out, nil
}

func topDir(path string) string {
	if idx := strings.IndexByte(path, '/'); idx > 0 {
		return path[:idx]
	}
	return "."
}

func jsonResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encode result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
