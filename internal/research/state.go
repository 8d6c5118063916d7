package research

import "time"

// Reliability grades how trustworthy a source is considered.
type Reliability string

const (
	ReliabilityHigh    Reliability = "high"
	ReliabilityMedium  Reliability = "medium"
	ReliabilityLow     Reliability = "low"
	ReliabilityUnknown Reliability = "unknown"
)

// Severity grades how serious a detected research gap is.
type Severity string

const (
	SeverityNone   Severity = "none"
	SeverityLow    Severity = "low"
	SeverityMedium Severity = "medium"
	SeverityHigh   Severity = "high"
)

// SubQuestion is one entry in the research plan.
type SubQuestion struct {
	Question  string `json:"question"`
	Rationale string `json:"rationale,omitempty"`
}

// SourceInfo identifies where a finding came from.
type SourceInfo struct {
	URL         string      `json:"url"`
	Title       string      `json:"title"`
	Reliability Reliability `json:"reliability"`
}

// FindingMetadata carries scoring produced by the summarization step.
type FindingMetadata struct {
	RelevanceScore float64 `json:"relevance_score"`
	Confidence     float64 `json:"confidence"`
}

// Finding is one piece of summarized evidence tied to a source. The finding
// step appends it carrying the raw snippet with zero metadata confidence; the
// summarization step fills Summary, KeyFacts, and Metadata exactly once.
// After summarization a finding is never mutated, and passes only add.
type Finding struct {
	SourceInfo SourceInfo      `json:"source_info"`
	Summary    string          `json:"summary"`
	KeyFacts   []string        `json:"key_facts"`
	Metadata   FindingMetadata `json:"metadata"`
}

// Gap is a single detected deficiency in research coverage.
type Gap struct {
	Type        string   `json:"type"`
	Severity    Severity `json:"severity"`
	Description string   `json:"description"`
}

// GapAnalysis is produced once per iteration by the review step and replaced,
// not merged, on the next pass.
type GapAnalysis struct {
	OverallSeverity Severity `json:"overall_severity"`
	Confidence      float64  `json:"confidence"`
	Gaps            []Gap    `json:"gaps"`
	Recommendations []string `json:"recommendations"`
}

// Section is one heading/content block of the final report.
type Section struct {
	Heading string `json:"heading"`
	Content string `json:"content"`
}

// Source is a deduplicated, citation-ready view of a finding's origin.
// Sources are derived from findings; one per distinct URL, first-seen order.
type Source struct {
	ID          string      `json:"id"`
	URL         string      `json:"url"`
	Title       string      `json:"title"`
	Domain      string      `json:"domain"`
	Reliability Reliability `json:"reliability"`
	Confidence  float64     `json:"confidence"`
}

// Report is the synthesized research output. Every citation embedded in
// ExecutiveSummary or a section's content references a URL in SourcesUsed.
type Report struct {
	Title                string    `json:"title"`
	ExecutiveSummary     string    `json:"executive_summary"`
	Sections             []Section `json:"sections"`
	SourcesUsed          []Source  `json:"sources_used"`
	ConfidenceAssessment string    `json:"confidence_assessment"`
	WordCount            int       `json:"word_count"`
	Error                string    `json:"error,omitempty"`
}

// State is the mutable record threaded through the workflow for one session.
// It is written only by the session's own workflow goroutine.
type State struct {
	Query       string        `json:"query"`
	SessionID   string        `json:"session_id"`
	Plan        []SubQuestion `json:"plan"`
	Findings    []Finding     `json:"findings"`
	Gaps        *GapAnalysis  `json:"gaps,omitempty"`
	Iteration   int           `json:"iteration"`
	TokensUsed  int           `json:"tokens_used"`
	FinalReport *Report       `json:"final_report,omitempty"`
	Error       string        `json:"error,omitempty"`
	UpdatedAt   time.Time     `json:"updated_at"`
}

// NewState creates the initial state for a session.
func NewState(query, sessionID string) *State {
	return &State{
		Query:     query,
		SessionID: sessionID,
		UpdatedAt: time.Now().UTC(),
	}
}

// Completed reports whether the workflow reached its terminal success state.
func (s *State) Completed() bool {
	return s.FinalReport != nil
}
