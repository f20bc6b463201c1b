package research

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openresearchlab/orchestrator/internal/llm"
	"github.com/openresearchlab/orchestrator/internal/models"
	"github.com/openresearchlab/orchestrator/internal/thoughtlog"
)

// Synthesizer merges the findings of all iterations into one coherent
// report. Synthesis failure is fatal to the run; partial findings stay
// readable in the thought log.
type Synthesizer struct {
	invoker llm.Invoker
	log     *thoughtlog.Log
	logger  *zap.Logger
}

func NewSynthesizer(invoker llm.Invoker, log *thoughtlog.Log, logger *zap.Logger) *Synthesizer {
	return &Synthesizer{invoker: invoker, log: log, logger: logger}
}

// Synthesis is a synthesized report body with its master source list.
type Synthesis struct {
	Body    string
	Sources []models.Source
	Usage   models.TokenUsage
}

const synthesisPromptTemplate = `You are a lead researcher writing the final report.

Research query: %s

Findings from all research rounds, with numbered sources:
%s

Write a well-structured report answering the query: an executive summary,
the key findings organized by theme, and recommendations or open questions.
Cite sources inline using their [n] numbers. Use only the findings above.`

// Synthesize produces the report body from every collected result, across
// all iterations. Only succeeded results contribute.
func (s *Synthesizer) Synthesize(ctx context.Context, runID uuid.UUID, queryText string, results []models.WorkerResult) (*Synthesis, error) {
	sources := masterSources(results)
	digest := findingsDigest(results, sources)
	if digest == "" {
		return nil, fmt.Errorf("no findings to synthesize")
	}

	s.log.Append(thoughtlog.ThoughtEvent{
		RunID:    runID,
		AgentID:  "synthesizer",
		Category: thoughtlog.CategorySynthesizing,
		Content:  fmt.Sprintf("Synthesizing final report from %d sources", len(sources)),
	})

	comp, err := s.invoker.Invoke(ctx, models.RoleSynthesizer, fmt.Sprintf(synthesisPromptTemplate, queryText, digest))
	if err != nil {
		return nil, fmt.Errorf("synthesize report: %w", err)
	}

	return &Synthesis{
		Body:    LinkCitations(comp.Text, sources),
		Sources: sources,
		Usage:   comp.Usage,
	}, nil
}

// masterSources merges every result's sources into one numbered list,
// deduplicated by URL in encounter order.
func masterSources(results []models.WorkerResult) []models.Source {
	seen := make(map[string]bool)
	var sources []models.Source
	for _, r := range results {
		if !r.Succeeded() {
			continue
		}
		for _, src := range r.Sources {
			if src.URL == "" || seen[src.URL] {
				continue
			}
			seen[src.URL] = true
			sources = append(sources, src)
		}
	}
	return sources
}

// findingsDigest lays out every finding under its angle, followed by the
// numbered master source list the model cites against.
func findingsDigest(results []models.WorkerResult, sources []models.Source) string {
	var sb strings.Builder
	wrote := false
	for _, r := range results {
		if !r.Succeeded() || len(r.Findings) == 0 {
			continue
		}
		wrote = true
		fmt.Fprintf(&sb, "Angle (iteration %d): %s\n", r.Iteration, r.Angle)
		for _, f := range r.Findings {
			fmt.Fprintf(&sb, "- %s\n", f)
		}
		sb.WriteString("\n")
	}
	if !wrote {
		return ""
	}
	sb.WriteString("Sources:\n")
	for i, src := range sources {
		fmt.Fprintf(&sb, "[%d] %s - %s\n", i+1, src.Title, src.URL)
	}
	return sb.String()
}

var citationRe = regexp.MustCompile(`\[(\d+)\]`)

// LinkCitations rewrites bare [n] citations as markdown links to the nth
// source. Out-of-range numbers are left untouched.
func LinkCitations(body string, sources []models.Source) string {
	return citationRe.ReplaceAllStringFunc(body, func(m string) string {
		n, err := strconv.Atoi(m[1 : len(m)-1])
		if err != nil || n < 1 || n > len(sources) {
			return m
		}
		return fmt.Sprintf("[%s](%s)", m, sources[n-1].URL)
	})
}

// RenderMarkdown wraps the synthesized body as the final research document,
// with the source list and run statistics appended.
func RenderMarkdown(report models.FinalReport, body string) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# Research Report: %s\n\n", report.Query)
	sb.WriteString(strings.TrimSpace(body))
	sb.WriteString("\n\n## Sources\n\n")
	for i, src := range report.Sources {
		fmt.Fprintf(&sb, "%d. [%s](%s) - %s\n", i+1, src.Title, src.URL, src.Domain)
	}
	sb.WriteString("\n## Research Statistics\n\n")
	fmt.Fprintf(&sb, "- Iterations: %d\n", report.Iterations)
	fmt.Fprintf(&sb, "- Quality score: %.1f\n", report.QualityScore)
	if report.BelowThreshold {
		sb.WriteString("- Note: iteration budget exhausted below the quality threshold\n")
	}
	fmt.Fprintf(&sb, "- Searches: %d (%d served from cache)\n", report.TotalSearches, report.CacheHits)
	fmt.Fprintf(&sb, "- Tokens: %d in / %d out (est. $%.4f)\n",
		report.Usage.InputTokens, report.Usage.OutputTokens, report.Usage.CostUSD)
	fmt.Fprintf(&sb, "- Duration: %s\n", report.Duration().Round(time.Millisecond))
	return sb.String()
}
