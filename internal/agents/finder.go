package agents

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"deepresearch/internal/research"
)

// Finder searches each planned sub-question and appends raw findings carrying
// the source and snippet. The summarizer later enriches them; a finding whose
// metadata confidence is zero has not been summarized yet.
type Finder struct {
	search             SearchProvider
	resultsPerQuestion int
	logger             *zap.Logger
}

// NewFinder creates a finder; resultsPerQuestion <= 0 defaults to 3.
func NewFinder(search SearchProvider, resultsPerQuestion int, logger *zap.Logger) *Finder {
	if resultsPerQuestion <= 0 {
		resultsPerQuestion = 3
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Finder{search: search, resultsPerQuestion: resultsPerQuestion, logger: logger}
}

// Find is the engine step. Individual search failures are logged and skipped;
// the step fails only when every search fails and nothing was found so far.
func (f *Finder) Find(ctx context.Context, state *research.State) (*research.State, error) {
	seen := make(map[string]bool, len(state.Findings))
	for _, existing := range state.Findings {
		seen[existing.SourceInfo.URL] = true
	}

	var added int
	var lastErr error
	for _, sq := range state.Plan {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		results, err := f.search.Search(ctx, sq.Question, f.resultsPerQuestion)
		if err != nil {
			f.logger.Warn("Search failed for sub-question",
				zap.String("session_id", state.SessionID),
				zap.String("question", sq.Question),
				zap.Error(err),
			)
			lastErr = err
			continue
		}
		for _, r := range results {
			if r.URL == "" || seen[r.URL] {
				continue
			}
			seen[r.URL] = true
			state.Findings = append(state.Findings, research.Finding{
				SourceInfo: research.SourceInfo{
					URL:         r.URL,
					Title:       r.Title,
					Reliability: classifyReliability(r.URL),
				},
				Summary: r.Snippet,
				Metadata: research.FindingMetadata{
					RelevanceScore: r.Score,
				},
			})
			added++
		}
	}

	if added == 0 && lastErr != nil && len(state.Findings) == 0 {
		return nil, lastErr
	}
	f.logger.Info("Finding pass done",
		zap.String("session_id", state.SessionID),
		zap.Int("new_findings", added),
		zap.Int("total_findings", len(state.Findings)),
	)
	return state, nil
}

// classifyReliability grades a source from its URL. Coarse by design; the
// reviewer weighs reliability, it does not gate on it.
func classifyReliability(url string) research.Reliability {
	host := strings.ToLower(url)
	switch {
	case strings.Contains(host, ".gov") || strings.Contains(host, ".edu") ||
		strings.Contains(host, "arxiv.org") || strings.Contains(host, "doi.org"):
		return research.ReliabilityHigh
	case strings.Contains(host, "wikipedia.org") || strings.Contains(host, ".org"):
		return research.ReliabilityMedium
	case host == "":
		return research.ReliabilityUnknown
	default:
		return research.ReliabilityLow
	}
}
