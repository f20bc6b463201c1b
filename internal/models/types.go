package models

import (
	"time"

	"github.com/google/uuid"
)

// Worker result statuses
const (
	StatusSucceeded = "succeeded"
	StatusFailed    = "failed"
	StatusTimedOut  = "timed_out"
)

// Invocation roles; each maps to an independently configured model profile
const (
	RolePlanner     = "planner"
	RoleWorker      = "worker"
	RoleQuality     = "quality"
	RoleSynthesizer = "synthesizer"
)

// Query is the immutable input for one research run.
type Query struct {
	ID            uuid.UUID `json:"id"`
	Text          string    `json:"text"`
	NumWorkers    int       `json:"num_workers"`
	MaxIterations int       `json:"max_iterations"`
}

// ResearchAngle is a narrowed sub-question dispatched to exactly one worker
// per round. GapNote is set only on angles regenerated from a quality gap.
type ResearchAngle struct {
	ID        uuid.UUID `json:"id"`
	Text      string    `json:"text"`
	Iteration int       `json:"iteration"`
	GapNote   string    `json:"gap_note,omitempty"`
}

// Source is a single retrieved reference backing a finding.
type Source struct {
	Title       string    `json:"title"`
	URL         string    `json:"url"`
	Domain      string    `json:"domain"`
	Relevance   float64   `json:"relevance"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// WorkerResult is the terminal outcome of one worker task for one angle.
// Every dispatched angle produces exactly one, whatever its status.
type WorkerResult struct {
	AngleID     uuid.UUID  `json:"angle_id"`
	Angle       string     `json:"angle"`
	Iteration   int        `json:"iteration"`
	Status      string     `json:"status"`
	Findings    []string   `json:"findings,omitempty"`
	Sources     []Source   `json:"sources,omitempty"`
	Error       string     `json:"error,omitempty"`
	SearchCount int        `json:"search_count"`
	CacheHits   int        `json:"cache_hits"`
	Usage       TokenUsage `json:"usage"`
	DurationMs  int64      `json:"duration_ms"`
}

// Succeeded reports whether the result carries usable findings.
func (r WorkerResult) Succeeded() bool { return r.Status == StatusSucceeded }

// Gap is a concrete missing-coverage area identified by the quality gate.
// Each gap maps to exactly one follow-up ResearchAngle in the next iteration.
type Gap struct {
	Area      string   `json:"area"`
	Questions []string `json:"questions,omitempty"`
}

// ScoreBreakdown carries the per-dimension contributions to a verdict score.
type ScoreBreakdown struct {
	Coverage        float64 `json:"coverage"`
	SuccessRate     float64 `json:"success_rate"`
	SourceDiversity float64 `json:"source_diversity"`
	CrossReference  float64 `json:"cross_reference"`
}

// QualityVerdict is the gate's decision for one completed iteration.
type QualityVerdict struct {
	Iteration int            `json:"iteration"`
	Score     float64        `json:"score"`
	Threshold float64        `json:"threshold"`
	Passed    bool           `json:"passed"`
	Gaps      []Gap          `json:"gaps,omitempty"`
	Rationale string         `json:"rationale"`
	Breakdown ScoreBreakdown `json:"breakdown"`
}

// TokenUsage aggregates model token consumption and its estimated cost.
type TokenUsage struct {
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	CostUSD      float64 `json:"cost_usd"`
}

// Add accumulates another usage sample into u.
func (u *TokenUsage) Add(other TokenUsage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.CostUSD += other.CostUSD
}

// TotalTokens returns input plus output tokens.
func (u TokenUsage) TotalTokens() int { return u.InputTokens + u.OutputTokens }

// FinalReport is the finalized output of one run, handed off for persistence.
type FinalReport struct {
	RunID          uuid.UUID  `json:"run_id"`
	Query          string     `json:"query"`
	ReportText     string     `json:"report_text"`
	Sources        []Source   `json:"sources"`
	Iterations     int        `json:"iterations"`
	QualityScore   float64    `json:"quality_score"`
	BelowThreshold bool       `json:"below_threshold"`
	TotalSearches  int        `json:"total_searches"`
	CacheHits      int        `json:"cache_hits"`
	Usage          TokenUsage `json:"usage"`
	StartedAt      time.Time  `json:"started_at"`
	CompletedAt    time.Time  `json:"completed_at"`
}

// Duration returns the wall time of the run.
func (r FinalReport) Duration() time.Duration { return r.CompletedAt.Sub(r.StartedAt) }
