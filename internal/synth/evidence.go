package synth

import (
	"regexp"
	"strconv"
	"strings"
	"unicode/utf8"

	"knowledge-agent/internal/domain"
)

const (
	DefaultMaxEvidence = 3
	DefaultMaxChars    = 6000
)

// SelectEvidence keeps the highest-ranked evidence that fits the context
// budget. It stops at the first item that does not fit. A single top item
// larger than the whole budget is truncated rather than dropped.
func SelectEvidence(evidence []domain.Evidence, maxItems, maxChars int) []domain.Evidence {
	if maxItems <= 0 {
		maxItems = DefaultMaxEvidence
	}
	if maxChars <= 0 {
		maxChars = DefaultMaxChars
	}

	out := make([]domain.Evidence, 0, min(maxItems, len(evidence)))
	used := 0
	for i, e := range evidence {
		if len(out) == maxItems {
			break
		}
		size := utf8.RuneCountInString(e.Excerpt)
		if used+size > maxChars {
			if i == 0 {
				e.Excerpt = truncateRunes(e.Excerpt, maxChars)
				out = append(out, e)
			}
			break
		}
		used += size
		out = append(out, e)
	}
	return out
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return strings.TrimSpace(string(runes[:n]))
}

var citationMarker = regexp.MustCompile(`\[(\d{1,2})\]`)

// Cited returns the evidence referenced by [n] markers in answer, in order of
// first reference. Without any valid marker the full evidence list is returned.
func Cited(answer string, evidence []domain.Evidence) []domain.Evidence {
	seen := make(map[int]bool)
	var out []domain.Evidence
	for _, m := range citationMarker.FindAllStringSubmatch(answer, -1) {
		n, err := strconv.Atoi(m[1])
		if err != nil || n < 1 || n > len(evidence) || seen[n] {
			continue
		}
		seen[n] = true
		out = append(out, evidence[n-1])
	}
	if len(out) == 0 {
		return evidence
	}
	return out
}
