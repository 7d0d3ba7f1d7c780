package sessionlifecycle

import (
	"strings"

	"github.com/agnivade/levenshtein"
)

// typoHintMaxDistance bounds how close a non-primary pipeline name has to
// be to an allow-listed one before CIResult logs a did-you-mean hint. It is
// a diagnostic only: classification never changes because of it.
const typoHintMaxDistance = 2

func isPrimaryPipeline(name string, primary []string) bool {
	for _, p := range primary {
		if p == name {
			return true
		}
	}
	return false
}

// nearestPipelineName returns the closest allow-listed pipeline name to
// name by Levenshtein distance, if within typoHintMaxDistance, else "".
func nearestPipelineName(name string, primary []string) string {
	best := ""
	bestDist := typoHintMaxDistance + 1
	for _, p := range primary {
		d := levenshtein.ComputeDistance(strings.ToLower(name), strings.ToLower(p))
		if d < bestDist {
			bestDist = d
			best = p
		}
	}
	if bestDist <= typoHintMaxDistance {
		return best
	}
	return ""
}
