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

const reviewerSystemPrompt = `You are a research quality reviewer. Judge whether the findings cover the query and its sub-questions. Respond with a JSON object only:
{"overall_severity": "none|low|medium|high", "confidence": 0.0, "gaps": [{"type": "coverage|depth|reliability|recency", "severity": "low|medium|high", "description": "..."}], "recommendations": ["..."]}
Severity "none" or "low" means the findings are sufficient to write the report.`

// Reviewer evaluates coverage and produces the gap analysis that drives the
// replan decision. Each pass replaces the previous analysis outright.
type Reviewer struct {
	client llm.Client
	logger *zap.Logger
}

// NewReviewer creates a reviewer.
func NewReviewer(client llm.Client, logger *zap.Logger) *Reviewer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Reviewer{client: client, logger: logger}
}

// Review is the engine step. An unusable model response degrades to a
// no-gaps analysis with low confidence: writing a report from what we have
// beats looping on a broken reviewer.
func (r *Reviewer) Review(ctx context.Context, state *research.State) (*research.State, error) {
	if len(state.Findings) == 0 {
		state.Gaps = &research.GapAnalysis{
			OverallSeverity: research.SeverityHigh,
			Confidence:      1,
			Gaps: []research.Gap{{
				Type:        "coverage",
				Severity:    research.SeverityHigh,
				Description: "no findings were collected",
			}},
			Recommendations: []string{"broaden the search terms", "rephrase the sub-questions"},
		}
		return state, nil
	}

	raw, usage, err := r.client.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: reviewerSystemPrompt},
		{Role: llm.RoleUser, Content: r.buildPrompt(state)},
	}, llm.Options{Temperature: 0.2, JSONMode: true})
	if err != nil {
		return nil, fmt.Errorf("review findings: %w", err)
	}
	state.TokensUsed += usage.TotalTokens

	var parsed research.GapAnalysis
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &parsed); err != nil || !validSeverity(parsed.OverallSeverity) {
		r.logger.Warn("Reviewer output unusable, accepting current findings",
			zap.String("session_id", state.SessionID),
		)
		state.Gaps = &research.GapAnalysis{
			OverallSeverity: research.SeverityNone,
			Confidence:      0.2,
		}
		return state, nil
	}

	state.Gaps = &parsed
	r.logger.Info("Gap review done",
		zap.String("session_id", state.SessionID),
		zap.String("severity", string(parsed.OverallSeverity)),
		zap.Int("gaps", len(parsed.Gaps)),
		zap.Int("iteration", state.Iteration),
	)
	return state, nil
}

func (r *Reviewer) buildPrompt(state *research.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research query: %s\n\nSub-questions:\n", state.Query)
	for _, sq := range state.Plan {
		fmt.Fprintf(&b, "- %s\n", sq.Question)
	}
	fmt.Fprintf(&b, "\nFindings (%d):\n", len(state.Findings))
	for i, f := range state.Findings {
		fmt.Fprintf(&b, "%d. [%s, reliability %s] %s\n",
			i+1, f.SourceInfo.Title, f.SourceInfo.Reliability, f.Summary)
	}
	fmt.Fprintf(&b, "\nThis is research pass %d.\n", state.Iteration+1)
	return b.String()
}

func validSeverity(s research.Severity) bool {
	switch s {
	case research.SeverityNone, research.SeverityLow, research.SeverityMedium, research.SeverityHigh:
		return true
	}
	return false
}

// stripCodeFence unwraps a markdown-fenced model payload.
func stripCodeFence(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}
