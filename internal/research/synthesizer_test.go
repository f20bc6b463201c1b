package research

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openresearchlab/orchestrator/internal/llm"
	"github.com/openresearchlab/orchestrator/internal/models"
	"github.com/openresearchlab/orchestrator/internal/thoughtlog"
)

func succeededResult(angle string, iteration int, findings []string, urls ...string) models.WorkerResult {
	r := models.WorkerResult{
		AngleID:   uuid.New(),
		Angle:     angle,
		Iteration: iteration,
		Status:    models.StatusSucceeded,
		Findings:  findings,
	}
	for _, u := range urls {
		r.Sources = append(r.Sources, models.Source{Title: "src " + u, URL: u, Domain: "example.com"})
	}
	return r
}

func TestSynthesizeBuildsReportFromAllIterations(t *testing.T) {
	mock := llm.NewMockInvoker().On(models.RoleSynthesizer, llm.MockResponse{
		Text:  "Summary of everything [1] and more [2].",
		Usage: models.TokenUsage{InputTokens: 500, OutputTokens: 300},
	})
	s := NewSynthesizer(mock, thoughtlog.New(64), zaptest.NewLogger(t))

	results := []models.WorkerResult{
		succeededResult("angle one", 1, []string{"finding A"}, "https://a.example.com/1"),
		succeededResult("angle two", 2, []string{"finding B"}, "https://b.example.com/2", "https://a.example.com/1"),
		{AngleID: uuid.New(), Angle: "failed angle", Iteration: 1, Status: models.StatusFailed},
	}

	syn, err := s.Synthesize(context.Background(), uuid.New(), "the query", results)

	require.NoError(t, err)
	// Duplicate URL across iterations collapses into one master source.
	require.Len(t, syn.Sources, 2)
	assert.Equal(t, "https://a.example.com/1", syn.Sources[0].URL)
	assert.Contains(t, syn.Body, "[[1]](https://a.example.com/1)")
	assert.Contains(t, syn.Body, "[[2]](https://b.example.com/2)")
	assert.Equal(t, 800, syn.Usage.TotalTokens())

	// The model sees findings from both iterations plus the numbered sources.
	prompt := mock.Calls[0].Prompt
	assert.Contains(t, prompt, "finding A")
	assert.Contains(t, prompt, "finding B")
	assert.Contains(t, prompt, "[2] src https://b.example.com/2")
	assert.NotContains(t, prompt, "failed angle")
}

func TestSynthesizeFailsWithoutFindings(t *testing.T) {
	s := NewSynthesizer(llm.NewMockInvoker(), thoughtlog.New(64), zaptest.NewLogger(t))

	_, err := s.Synthesize(context.Background(), uuid.New(), "q", []models.WorkerResult{
		{AngleID: uuid.New(), Angle: "a", Status: models.StatusFailed},
		{AngleID: uuid.New(), Angle: "b", Status: models.StatusTimedOut},
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "no findings")
}

func TestSynthesizePropagatesInvocationFailure(t *testing.T) {
	mock := llm.NewMockInvoker().On(models.RoleSynthesizer, llm.MockResponse{Err: errors.New("model overloaded")})
	s := NewSynthesizer(mock, thoughtlog.New(64), zaptest.NewLogger(t))

	_, err := s.Synthesize(context.Background(), uuid.New(), "q", []models.WorkerResult{
		succeededResult("angle", 1, []string{"finding"}, "https://a.example.com/1"),
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "model overloaded")
}

func TestLinkCitations(t *testing.T) {
	sources := []models.Source{
		{URL: "https://a.example.com"},
		{URL: "https://b.example.com"},
	}
	in := "Claim one [1]. Claim two [2]. Out of range [3]. Not a citation [x]."
	out := LinkCitations(in, sources)

	assert.Contains(t, out, "[[1]](https://a.example.com)")
	assert.Contains(t, out, "[[2]](https://b.example.com)")
	assert.Contains(t, out, "Out of range [3].")
	assert.Contains(t, out, "[x]")
}

func TestRenderMarkdown(t *testing.T) {
	started := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
	report := models.FinalReport{
		Query: "quantum computing",
		Sources: []models.Source{
			{Title: "Paper", URL: "https://a.example.com", Domain: "a.example.com"},
		},
		Iterations:     2,
		QualityScore:   81.5,
		BelowThreshold: false,
		TotalSearches:  12,
		CacheHits:      3,
		Usage:          models.TokenUsage{InputTokens: 1000, OutputTokens: 400, CostUSD: 0.0123},
		StartedAt:      started,
		CompletedAt:    started.Add(90 * time.Second),
	}

	doc := RenderMarkdown(report, "The body [1].")

	assert.Contains(t, doc, "# Research Report: quantum computing")
	assert.Contains(t, doc, "The body [1].")
	assert.Contains(t, doc, "1. [Paper](https://a.example.com) - a.example.com")
	assert.Contains(t, doc, "Iterations: 2")
	assert.Contains(t, doc, "Quality score: 81.5")
	assert.Contains(t, doc, "12 (3 served from cache)")
	assert.Contains(t, doc, "1000 in / 400 out")
	assert.NotContains(t, doc, "budget exhausted")

	report.BelowThreshold = true
	assert.Contains(t, RenderMarkdown(report, "body"), "budget exhausted")
}
