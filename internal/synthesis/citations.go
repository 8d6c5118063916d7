package synthesis

import (
	"fmt"
	"regexp"
	"strconv"

	"deepresearch/internal/metrics"
	"deepresearch/internal/research"
)

var (
	// numericCitationRe matches bare bracketed indices like [3] that some
	// models emit despite being given markdown links.
	numericCitationRe = regexp.MustCompile(`\[(\d+)\]`)

	// sourceLinkRe matches the citation link format and captures its URL.
	sourceLinkRe = regexp.MustCompile(`\[🔗[^\]]*\]\(([^)]+)\)`)
)

// repairCitations normalizes the citations in one block of text. Two passes:
// numeric indices are rewritten to full links against the findings (1-based),
// then links pointing at URLs outside the findings are removed. Out-of-range
// indices are removed rather than guessed.
func repairCitations(text string, findings []research.Finding, known map[string]bool) string {
	text = numericCitationRe.ReplaceAllStringFunc(text, func(match string) string {
		idx, err := strconv.Atoi(numericCitationRe.FindStringSubmatch(match)[1])
		if err != nil || idx < 1 || idx > len(findings) {
			metrics.CitationsRemoved.Inc()
			return ""
		}
		src := findings[idx-1].SourceInfo
		return fmt.Sprintf("[🔗 %s](%s)", src.Title, src.URL)
	})

	return sourceLinkRe.ReplaceAllStringFunc(text, func(match string) string {
		url := sourceLinkRe.FindStringSubmatch(match)[1]
		if known[url] {
			return match
		}
		metrics.CitationsRemoved.Inc()
		return ""
	})
}
