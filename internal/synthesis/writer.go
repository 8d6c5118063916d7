// Package synthesis turns accumulated findings into the final cited report.
package synthesis

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"deepresearch/internal/llm"
	"deepresearch/internal/metrics"
	"deepresearch/internal/research"
)

const writerSystemPrompt = `You are a research report writer. Using ONLY the findings provided, write a comprehensive report as a JSON object with this exact structure:
{
  "title": "Report title",
  "executive_summary": "2-3 paragraph summary",
  "sections": [{"heading": "Section heading", "content": "Section content"}],
  "confidence_assessment": "One paragraph on the reliability of the findings"
}
Cite sources inline using the markdown link format provided with each finding, for example [🔗 Example Title](https://example.com/page). Never invent sources or URLs. Respond with the JSON object only.`

// Writer synthesizes reports via the configured language model and repairs
// any malformed citations the model produced.
type Writer struct {
	client llm.Client
	logger *zap.Logger
}

// NewWriter creates a report writer.
func NewWriter(client llm.Client, logger *zap.Logger) *Writer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Writer{client: client, logger: logger}
}

// Synthesize builds the final report. With no findings it returns a degraded
// report carrying an explanatory error field rather than failing the run.
// Transport failures from the model are returned as errors; a malformed model
// payload degrades to a single-section report wrapping the raw text.
func (w *Writer) Synthesize(ctx context.Context, state *research.State) (*research.Report, error) {
	if len(state.Findings) == 0 {
		w.logger.Warn("Synthesizing with no findings", zap.String("session_id", state.SessionID))
		return &research.Report{
			Title:                "Research Report: " + state.Query,
			ExecutiveSummary:     "No research findings were collected for this query.",
			Sections:             []research.Section{},
			SourcesUsed:          []research.Source{},
			ConfidenceAssessment: "No confidence: the research produced no findings.",
			WordCount:            0,
			Error:                "no findings available",
		}, nil
	}

	raw, usage, err := w.client.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: writerSystemPrompt},
		{Role: llm.RoleUser, Content: buildContext(state)},
	}, llm.Options{Temperature: 0.3, JSONMode: true})
	if err != nil {
		return nil, fmt.Errorf("generate report: %w", err)
	}
	state.TokensUsed += usage.TotalTokens

	report := w.parseReport(raw, state)
	w.finalize(report, state)
	return report, nil
}

// parseReport decodes the model output, falling back to a single-section
// report wrapping the raw text when the payload is not valid report JSON.
func (w *Writer) parseReport(raw string, state *research.State) *research.Report {
	trimmed := stripCodeFence(strings.TrimSpace(raw))
	if trimmed == "" {
		return &research.Report{
			Title:            "Research Report: " + state.Query,
			ExecutiveSummary: "Report generation produced no content.",
			Sections:         []research.Section{},
			Error:            "empty model output",
		}
	}

	var report research.Report
	if err := json.Unmarshal([]byte(trimmed), &report); err != nil {
		w.logger.Warn("Report output was not valid JSON, using raw text",
			zap.String("session_id", state.SessionID),
			zap.Error(err),
		)
		return &research.Report{
			Title: "Research Report: " + state.Query,
			Sections: []research.Section{
				{Heading: "Findings", Content: trimmed},
			},
			WordCount: len(strings.Fields(trimmed)),
		}
	}
	return &report
}

// finalize backfills defaults, recomputes sources from the findings, repairs
// citations, and settles the word count.
func (w *Writer) finalize(report *research.Report, state *research.State) {
	if report.Title == "" {
		report.Title = "Research Report"
	}
	if report.ExecutiveSummary == "" {
		report.ExecutiveSummary = "No executive summary generated."
	}
	if report.Sections == nil {
		report.Sections = []research.Section{}
	}
	if report.ConfidenceAssessment == "" {
		report.ConfidenceAssessment = "Confidence not assessed."
	}

	// sources_used is always derived from the findings, never trusted from
	// the model: the model cites, the findings authenticate.
	report.SourcesUsed = extractSources(state.Findings)

	known := make(map[string]bool, len(report.SourcesUsed))
	for _, src := range report.SourcesUsed {
		known[src.URL] = true
	}
	report.ExecutiveSummary = repairCitations(report.ExecutiveSummary, state.Findings, known)
	for i := range report.Sections {
		report.Sections[i].Content = repairCitations(report.Sections[i].Content, state.Findings, known)
	}

	if report.WordCount == 0 {
		report.WordCount = countWords(report)
	}
	metrics.ReportWordCount.Observe(float64(report.WordCount))
}

// buildContext renders the findings into the prompt, one block per finding
// with its citation-ready link.
func buildContext(state *research.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research query: %s\n\n", state.Query)
	if len(state.Plan) > 0 {
		b.WriteString("Sub-questions investigated:\n")
		for _, sq := range state.Plan {
			fmt.Fprintf(&b, "- %s\n", sq.Question)
		}
		b.WriteString("\n")
	}
	b.WriteString("Findings:\n\n")
	for i, f := range state.Findings {
		fmt.Fprintf(&b, "## Finding %d: %s\n", i+1, f.SourceInfo.Title)
		fmt.Fprintf(&b, "Source link: [🔗 %s](%s)\n", f.SourceInfo.Title, f.SourceInfo.URL)
		fmt.Fprintf(&b, "Reliability: %s\n", f.SourceInfo.Reliability)
		fmt.Fprintf(&b, "Summary: %s\n", f.Summary)
		if len(f.KeyFacts) > 0 {
			b.WriteString("Key facts:\n")
			for _, fact := range f.KeyFacts {
				fmt.Fprintf(&b, "- %s\n", fact)
			}
		}
		b.WriteString("\n")
	}
	return b.String()
}

// extractSources dedupes finding URLs in first-seen order and assigns
// sequential citation ids.
func extractSources(findings []research.Finding) []research.Source {
	sources := make([]research.Source, 0, len(findings))
	seen := make(map[string]bool, len(findings))
	for _, f := range findings {
		url := f.SourceInfo.URL
		if url == "" || seen[url] {
			continue
		}
		seen[url] = true
		sources = append(sources, research.Source{
			ID:          fmt.Sprintf("source-%03d", len(sources)+1),
			URL:         url,
			Title:       f.SourceInfo.Title,
			Domain:      domainOf(url),
			Reliability: f.SourceInfo.Reliability,
			Confidence:  f.Metadata.Confidence,
		})
	}
	return sources
}

func domainOf(rawURL string) string {
	rest := rawURL
	if i := strings.Index(rest, "://"); i >= 0 {
		rest = rest[i+3:]
	}
	if i := strings.IndexAny(rest, "/?#"); i >= 0 {
		rest = rest[:i]
	}
	return strings.TrimPrefix(rest, "www.")
}

func countWords(report *research.Report) int {
	n := len(strings.Fields(report.ExecutiveSummary))
	for _, s := range report.Sections {
		n += len(strings.Fields(s.Content))
	}
	return n
}

// stripCodeFence unwraps a markdown-fenced payload, which models emit even
// when told not to.
func stripCodeFence(s string) string {
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
