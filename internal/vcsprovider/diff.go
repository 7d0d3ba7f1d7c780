package vcsprovider

import (
	"strings"

	diffmatchpatch "github.com/sergi/go-diff/diffmatchpatch"
)

// ChangedPaths extracts the set of file paths a unified diff touches, in
// first-appearance order. Renames contribute both sides.
func ChangedPaths(diff string) []string {
	var paths []string
	seen := make(map[string]bool)
	add := func(p string) {
		p = strings.TrimSpace(p)
		if p == "" || p == "/dev/null" || seen[p] {
			return
		}
		seen[p] = true
		paths = append(paths, p)
	}

	for _, line := range strings.Split(diff, "\n") {
		switch {
		case strings.HasPrefix(line, "diff --git "):
			// "diff --git a/path b/path"
			rest := strings.TrimPrefix(line, "diff --git ")
			parts := strings.SplitN(rest, " b/", 2)
			if len(parts) == 2 {
				add(strings.TrimPrefix(parts[0], "a/"))
				add(parts[1])
			}
		case strings.HasPrefix(line, "rename from "):
			add(strings.TrimPrefix(line, "rename from "))
		case strings.HasPrefix(line, "rename to "):
			add(strings.TrimPrefix(line, "rename to "))
		}
	}
	return paths
}

// SplitByFile splits a unified diff into per-file fragments keyed by path
// (the post-image path of each "diff --git" header). The Cascade Engine
// uses this to hand the Auditor oracle only the core-file portions of a
// large commit.
func SplitByFile(diff string) map[string]string {
	out := make(map[string]string)
	var current string
	var buf strings.Builder

	flush := func() {
		if current != "" {
			out[current] = buf.String()
		}
		buf.Reset()
	}

	for _, line := range strings.Split(diff, "\n") {
		if strings.HasPrefix(line, "diff --git ") {
			flush()
			current = ""
			rest := strings.TrimPrefix(line, "diff --git ")
			if parts := strings.SplitN(rest, " b/", 2); len(parts) == 2 {
				current = strings.TrimSpace(parts[1])
			}
		}
		if current != "" {
			buf.WriteString(line)
			buf.WriteString("\n")
		}
	}
	flush()
	return out
}

// CondenseHunks produces a compact word-level change summary of one file's
// diff fragment, for the human-readable review comment: removed and added
// lines are re-diffed against each other and cleaned up semantically, so a
// one-word rename reads as a one-word change instead of two full lines.
func CondenseHunks(fragment string) string {
	var removed, added []string
	for _, line := range strings.Split(fragment, "\n") {
		switch {
		case strings.HasPrefix(line, "---"), strings.HasPrefix(line, "+++"):
		case strings.HasPrefix(line, "-"):
			removed = append(removed, line[1:])
		case strings.HasPrefix(line, "+"):
			added = append(added, line[1:])
		}
	}
	if len(removed) == 0 && len(added) == 0 {
		return ""
	}

	// Each word becomes one "line" so the diff runs on whole words rather
	// than on characters.
	toWords := func(lines []string) string {
		return strings.Join(strings.Fields(strings.Join(lines, " ")), "\n") + "\n"
	}
	dmp := diffmatchpatch.New()
	chars1, chars2, words := dmp.DiffLinesToChars(toWords(removed), toWords(added))
	diffs := dmp.DiffCharsToLines(dmp.DiffMain(chars1, chars2, false), words)
	diffs = dmp.DiffCleanupSemantic(diffs)

	var b strings.Builder
	for _, d := range diffs {
		text := strings.TrimSpace(d.Text)
		if text == "" {
			continue
		}
		switch d.Type {
		case diffmatchpatch.DiffDelete:
			b.WriteString("`-" + clip(text, 80) + "` ")
		case diffmatchpatch.DiffInsert:
			b.WriteString("`+" + clip(text, 80) + "` ")
		}
	}
	return strings.TrimSpace(b.String())
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
