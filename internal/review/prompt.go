package review

import (
	"fmt"
	"sort"
	"strings"

	"github.com/meridianctl/agentctl/internal/vcsprovider"
	"github.com/meridianctl/agentctl/pkg/types"
)

// composeReviewComment renders the audit verdict as the Markdown comment
// posted back to the change proposal. Per-file changes are condensed to
// word-level summaries so the comment stays readable on large diffs.
func composeReviewComment(ev PushEvent, report *types.AuditReport, diff string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "## Automated review: %s\n\n", severityBadge(report.Severity))
	if report.Summary != "" {
		b.WriteString(report.Summary)
		b.WriteString("\n\n")
	}

	if len(report.CriteriaAssessment) > 0 {
		b.WriteString("### Acceptance criteria\n\n")
		ids := make([]string, 0, len(report.CriteriaAssessment))
		for id := range report.CriteriaAssessment {
			ids = append(ids, id)
		}
		sort.Strings(ids)
		for _, id := range ids {
			a := report.CriteriaAssessment[id]
			mark := "❌"
			if a.Met {
				mark = "✅"
			}
			fmt.Fprintf(&b, "- %s `%s`: %s\n", mark, id, a.Reasoning)
		}
		b.WriteString("\n")
	}

	if len(report.Findings) > 0 {
		b.WriteString("### Findings\n\n")
		for _, f := range report.Findings {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}

	fragments := vcsprovider.SplitByFile(diff)
	if len(fragments) > 0 {
		b.WriteString("### Changes\n\n")
		paths := make([]string, 0, len(fragments))
		for p := range fragments {
			paths = append(paths, p)
		}
		sort.Strings(paths)
		for _, p := range paths {
			summary := vcsprovider.CondenseHunks(fragments[p])
			if summary == "" {
				continue
			}
			fmt.Fprintf(&b, "- `%s`: %s\n", p, summary)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "_Reviewed commit `%s` on `%s`._ [Auto]\n", shortSHA(ev.Commit), ev.Branch)
	return b.String()
}

func severityBadge(s types.Severity) string {
	switch s {
	case types.SeverityMajor:
		return "🔴 major"
	case types.SeverityMinor:
		return "🟡 minor"
	default:
		return "🟢 no issues"
	}
}

// maxPromptDiffChars bounds the parent diff carried into a remediation
// prompt; the agent can fetch the full branch itself.
const maxPromptDiffChars = 20000

// remediationPromptFromReview builds the prompt for a child agent repairing
// a failed review: the Auditor's findings plus the parent diff.
func remediationPromptFromReview(ev PushEvent, report *types.AuditReport, diff string) string {
	var b strings.Builder

	b.WriteString("The previous change on this branch failed review. Fix it without starting over.\n\n")
	if report.RecommendedFixPrompt != "" {
		b.WriteString(report.RecommendedFixPrompt)
		b.WriteString("\n\n")
	}

	var unmet []string
	for id, a := range report.CriteriaAssessment {
		if !a.Met {
			unmet = append(unmet, fmt.Sprintf("- %s: %s", id, a.Reasoning))
		}
	}
	if len(unmet) > 0 {
		sort.Strings(unmet)
		b.WriteString("Unmet acceptance criteria:\n")
		b.WriteString(strings.Join(unmet, "\n"))
		b.WriteString("\n\n")
	}

	if len(report.Findings) > 0 {
		b.WriteString("Reviewer findings:\n")
		for _, f := range report.Findings {
			fmt.Fprintf(&b, "- %s\n", f)
		}
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "The diff under review (commit %s on branch %s):\n\n%s\n",
		shortSHA(ev.Commit), ev.Branch, clipText(diff, maxPromptDiffChars))
	return b.String()
}

// remediationPromptFromCI builds the prompt for a child agent repairing a
// failed primary CI run, with a truncated log excerpt when one could be
// fetched.
func remediationPromptFromCI(ev CIFailureEvent, logs string) string {
	var b strings.Builder

	fmt.Fprintf(&b, "The CI pipeline %q failed for commit %s on branch %s. Diagnose and fix the failure on the same branch.\n\n",
		ev.Pipeline, shortSHA(ev.HeadCommit), ev.Branch)

	if logs != "" {
		b.WriteString("Log excerpt (tail):\n\n```\n")
		b.WriteString(vcsprovider.TailExcerpt(logs, vcsprovider.MaxLogExcerptChars))
		b.WriteString("\n```\n")
	} else {
		b.WriteString("CI logs were unavailable; reproduce the failure locally from the pipeline definition.\n")
	}
	return b.String()
}

func clipText(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "\n... (truncated)"
}
