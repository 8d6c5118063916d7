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

const plannerSystemPrompt = `You are a research planner. Break the query into focused sub-questions that together cover it. Respond with a JSON object only:
{"sub_questions": [{"question": "...", "rationale": "..."}]}`

// Planner decomposes the query into sub-questions. On later iterations it
// revises the plan from the reviewer's gap recommendations instead of
// replanning from scratch.
type Planner struct {
	client          llm.Client
	maxSubQuestions int
	logger          *zap.Logger
}

// NewPlanner creates a planner; maxSubQuestions <= 0 defaults to 5.
func NewPlanner(client llm.Client, maxSubQuestions int, logger *zap.Logger) *Planner {
	if maxSubQuestions <= 0 {
		maxSubQuestions = 5
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{client: client, maxSubQuestions: maxSubQuestions, logger: logger}
}

// Plan is the engine step.
func (p *Planner) Plan(ctx context.Context, state *research.State) (*research.State, error) {
	raw, usage, err := p.client.Chat(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: plannerSystemPrompt},
		{Role: llm.RoleUser, Content: p.buildPrompt(state)},
	}, llm.Options{Temperature: 0.5, JSONMode: true})
	if err != nil {
		return nil, fmt.Errorf("plan query: %w", err)
	}
	state.TokensUsed += usage.TotalTokens

	var parsed struct {
		SubQuestions []research.SubQuestion `json:"sub_questions"`
	}
	if err := json.Unmarshal([]byte(stripCodeFence(raw)), &parsed); err != nil || len(parsed.SubQuestions) == 0 {
		// Degrade to researching the query directly rather than failing the run.
		p.logger.Warn("Planner output unusable, using query as single sub-question",
			zap.String("session_id", state.SessionID),
		)
		state.Plan = []research.SubQuestion{{Question: state.Query, Rationale: "direct research of the original query"}}
		return state, nil
	}

	if len(parsed.SubQuestions) > p.maxSubQuestions {
		parsed.SubQuestions = parsed.SubQuestions[:p.maxSubQuestions]
	}
	state.Plan = parsed.SubQuestions
	p.logger.Info("Research plan ready",
		zap.String("session_id", state.SessionID),
		zap.Int("sub_questions", len(state.Plan)),
		zap.Int("iteration", state.Iteration),
	)
	return state, nil
}

func (p *Planner) buildPrompt(state *research.State) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Research query: %s\n", state.Query)
	fmt.Fprintf(&b, "Produce at most %d sub-questions.\n", p.maxSubQuestions)

	if state.Gaps != nil && len(state.Gaps.Recommendations) > 0 {
		b.WriteString("\nA previous research pass left gaps. Target these recommendations:\n")
		for _, rec := range state.Gaps.Recommendations {
			fmt.Fprintf(&b, "- %s\n", rec)
		}
		if len(state.Findings) > 0 {
			fmt.Fprintf(&b, "\n%d findings already exist; do not repeat questions they answer.\n", len(state.Findings))
		}
	}
	return b.String()
}
