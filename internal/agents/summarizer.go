package agents

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"deepresearch/internal/llm"
	"deepresearch/internal/research"
)

const summarizerSystemPrompt = `You are a research summarizer. For the source below, produce a JSON object only:
{"summary": "2-4 sentence summary relevant to the research query", "key_facts": ["..."], "relevance_score": 0.0, "confidence": 0.0}
relevance_score and confidence are between 0 and 1.`

// Summarizer enriches raw findings with a focused summary, key facts, and
// scores. Already-summarized findings (nonzero confidence) are left alone, so
// a replan pass only pays for the new material.
type Summarizer struct {
	client llm.Client
	logger *zap.Logger
}

// NewSummarizer creates a summarizer.
func NewSummarizer(client llm.Client, logger *zap.Logger) *Summarizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Summarizer{client: client, logger: logger}
}

// Summarize is the engine step. A failed summarization keeps the raw snippet
// instead of dropping the finding.
func (s *Summarizer) Summarize(ctx context.Context, state *research.State) (*research.State, error) {
	var enriched int
	for i := range state.Findings {
		if state.Findings[i].Metadata.Confidence > 0 {
			continue
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if err := s.enrich(ctx, state, i); err != nil {
			s.logger.Warn("Summarization failed, keeping raw snippet",
				zap.String("session_id", state.SessionID),
				zap.String("url", state.Findings[i].SourceInfo.URL),
				zap.Error(err),
			)
			// Mark as processed so the next pass does not retry it forever.
			state.Findings[i].Metadata.Confidence = 0.1
			continue
		}
		enriched++
	}
	s.logger.Info("Summarization pass done",
		zap.String("session_id", state.SessionID),
		zap.Int("enriched", enriched),
	)
	return state, nil
}

func (s *Summarizer) enrich(ctx context.Context, state *research.State, idx int) error {
	f := &state.Findings[idx]
	prompt := fmt.Sprintf("Research query: %s\n\nSource: %s (%s)\nContent:\n%s",
		state.Query, f.SourceInfo.Title, f.SourceInfo.URL, f.Summary)

	raw, usage, err := s.client.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: summarizerSystemPrompt},
		{Role: llm.RoleUser, Content: prompt},
	}, llm.Options{Temperature: 0.2, JSONMode: true})
	if err != nil {
		return err
	}
	state.TokensUsed += usage.TotalTokens

	var parsed struct {
		Summary        string   `json:"summary"`
		KeyFacts       []string `json:"key_facts"`
		RelevanceScore float64  `json:"relevance_score"`
		Confidence     float64  `json:"confidence"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &parsed); err != nil {
		return fmt.Errorf("decode summary: %w", err)
	}
	if strings.TrimSpace(parsed.Summary) != "" {
		f.Summary = parsed.Summary
	}
	f.KeyFacts = parsed.KeyFacts
	f.Metadata.RelevanceScore = clamp01(parsed.RelevanceScore)
	f.Metadata.Confidence = clamp01(parsed.Confidence)
	if f.Metadata.Confidence == 0 {
		f.Metadata.Confidence = 0.5
	}
	return nil
}

func clamp01(v float64) float64 {
	switch {
	case v < 0:
		return 0
	case v > 1:
		return 1
	}
	return v
}
