package auditor

import (
	"fmt"
	"sort"
	"strings"

	"github.com/meridianctl/agentctl/pkg/types"
)

const reviewSystemPrompt = `You are a code auditor for an automated agent fleet.
You receive a unified diff produced by one agent session and the acceptance
criteria of the goal that session works toward. Judge the diff.

Respond with a single JSON object and nothing else:
{
  "severity": "none" | "minor" | "major",
  "summary": "one paragraph",
  "findings": ["specific observations"],
  "recommendedFixPrompt": "instructions for a repair agent, only when severity is not none",
  "criteriaAssessment": {
    "<criterionId>": {"met": true|false, "reasoning": "...", "evidenceFiles": ["path"]}
  }
}

Only include criteria in criteriaAssessment that this diff gives evidence
for or against. severity "major" means the change breaks behavior or
directly contradicts a criterion.`

const decomposeSystemPrompt = `You are a blast-radius analyst for an automated agent fleet.
A commit changed one or more core files. You receive the core-file diffs and
the full set of changed paths. Group the downstream files that may now be
broken into independent repair jobs. Jobs must not share files: every file
appears in at most one job.

Respond with a single JSON object and nothing else:
{
  "isCascade": true|false,
  "coreFilesChanged": ["path"],
  "downstreamFiles": ["path"],
  "repairJobs": [
    {"id": "short-slug", "files": ["path"], "prompt": "instructions for the repair agent",
     "priority": "high" | "medium" | "low", "estimatedImpact": "one line"}
  ],
  "summary": "one paragraph",
  "confidence": 0.0
}

confidence is your own estimate in [0,1] that this grouping is correct and
complete. Set isCascade false when the core change cannot break anything
downstream.`

// maxDiffChars bounds how much diff text a single oracle call carries.
// Diffs past the bound are truncated tail-first; the head of a diff names
// the files, which is what the criteria assessment needs most.
const maxDiffChars = 60000

func renderReviewInput(input types.ReviewInput) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Repository: %s\nBranch: %s\nCommit: %s\n\n", input.Repo, input.Branch, input.Commit)

	b.WriteString("Acceptance criteria:\n")
	if len(input.Criteria) == 0 {
		b.WriteString("  (none; judge on severity alone)\n")
	}
	for _, c := range input.Criteria {
		status := "unmet"
		if c.Met {
			status = "met"
		}
		fmt.Fprintf(&b, "  [%s] %s (currently %s)\n", c.ID, c.Text, status)
	}

	b.WriteString("\nDiff:\n")
	b.WriteString(truncate(input.Diff, maxDiffChars))
	return b.String()
}

func renderDecomposeInput(input types.DecomposeInput) string {
	var b strings.Builder

	b.WriteString("Core file diffs:\n")
	paths := make([]string, 0, len(input.CoreFileDiffs))
	for p := range input.CoreFileDiffs {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	budget := maxDiffChars
	if len(paths) > 0 {
		budget = maxDiffChars / len(paths)
	}
	for _, p := range paths {
		fmt.Fprintf(&b, "--- %s ---\n%s\n", p, truncate(input.CoreFileDiffs[p], budget))
	}

	b.WriteString("\nAll changed paths:\n")
	for _, p := range input.ChangedPaths {
		fmt.Fprintf(&b, "  %s\n", p)
	}
	return b.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}
