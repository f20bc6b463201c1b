package quality

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openresearchlab/orchestrator/internal/metrics"
	"github.com/openresearchlab/orchestrator/internal/models"
	"github.com/openresearchlab/orchestrator/internal/thoughtlog"
)

// Weights distributes the 100-point scale across the four scoring
// dimensions. They must sum to 100.
type Weights struct {
	Coverage        float64
	SuccessRate     float64
	SourceDiversity float64
	CrossReference  float64
}

// DefaultWeights favors coverage: a round that answered every angle with
// thin sourcing still beats one that ignored half the plan.
func DefaultWeights() Weights {
	return Weights{
		Coverage:        35,
		SuccessRate:     25,
		SourceDiversity: 20,
		CrossReference:  20,
	}
}

func (w Weights) total() float64 {
	return w.Coverage + w.SuccessRate + w.SourceDiversity + w.CrossReference
}

// Evaluator decides whether a research round clears the quality bar.
type Evaluator interface {
	Evaluate(runID uuid.UUID, iteration int, results []models.WorkerResult, angles []models.ResearchAngle) models.QualityVerdict
}

// Gate is a deterministic policy evaluator: the same results always produce
// the same verdict, so repeated gate runs cannot flap between pass and fail.
type Gate struct {
	threshold float64
	weights   Weights
	log       *thoughtlog.Log
	logger    *zap.Logger
}

func NewGate(threshold float64, weights Weights, log *thoughtlog.Log, logger *zap.Logger) *Gate {
	if weights.total() == 0 {
		weights = DefaultWeights()
	}
	return &Gate{threshold: threshold, weights: weights, log: log, logger: logger}
}

// Evaluate scores the evidence accumulated across all completed rounds. A
// failing verdict always carries at least one gap so the next iteration has
// something concrete to chase.
func (g *Gate) Evaluate(runID uuid.UUID, iteration int, results []models.WorkerResult, angles []models.ResearchAngle) models.QualityVerdict {
	breakdown := g.score(results, angles)
	score := breakdown.Coverage + breakdown.SuccessRate + breakdown.SourceDiversity + breakdown.CrossReference
	passed := score >= g.threshold

	verdict := models.QualityVerdict{
		Iteration: iteration,
		Score:     score,
		Threshold: g.threshold,
		Passed:    passed,
		Breakdown: breakdown,
	}
	if !passed {
		verdict.Gaps = g.deriveGaps(results, angles, breakdown)
	}
	verdict.Rationale = g.rationale(verdict, results)

	outcome := "passed"
	if !passed {
		outcome = "failed"
	}
	metrics.QualityScore.Observe(score)
	metrics.QualityVerdicts.WithLabelValues(outcome).Inc()

	g.log.Append(thoughtlog.ThoughtEvent{
		RunID:    runID,
		AgentID:  "quality_gate",
		Category: thoughtlog.CategoryDeciding,
		Content:  fmt.Sprintf("Iteration %d scored %.1f/%.0f (threshold %.0f): %s", iteration, score, g.weights.total(), g.threshold, outcome),
		Metadata: map[string]interface{}{
			"score":            score,
			"passed":           passed,
			"coverage":         breakdown.Coverage,
			"success_rate":     breakdown.SuccessRate,
			"source_diversity": breakdown.SourceDiversity,
			"cross_reference":  breakdown.CrossReference,
			"gaps":             len(verdict.Gaps),
		},
	})
	g.logger.Info("Quality verdict",
		zap.String("run_id", runID.String()),
		zap.Int("iteration", iteration),
		zap.Float64("score", score),
		zap.Bool("passed", passed),
		zap.Int("gaps", len(verdict.Gaps)),
	)
	return verdict
}

func (g *Gate) score(results []models.WorkerResult, angles []models.ResearchAngle) models.ScoreBreakdown {
	var b models.ScoreBreakdown
	if len(angles) == 0 || len(results) == 0 {
		return b
	}

	answered := make(map[uuid.UUID]bool)
	succeeded := 0
	domainUses := make(map[string]int) // domain -> distinct results citing it
	for _, r := range results {
		if !r.Succeeded() {
			continue
		}
		succeeded++
		if len(r.Findings) > 0 {
			answered[r.AngleID] = true
		}
		seen := make(map[string]bool)
		for _, s := range r.Sources {
			if s.Domain == "" || seen[s.Domain] {
				continue
			}
			seen[s.Domain] = true
			domainUses[s.Domain]++
		}
	}

	covered := 0
	for _, a := range angles {
		if answered[a.ID] {
			covered++
		}
	}
	b.Coverage = g.weights.Coverage * float64(covered) / float64(len(angles))
	b.SuccessRate = g.weights.SuccessRate * float64(succeeded) / float64(len(results))

	// Diversity targets two independent domains per angle; cross-reference
	// rewards domains that multiple workers converged on.
	target := 2 * len(angles)
	diversity := float64(len(domainUses)) / float64(target)
	if diversity > 1 {
		diversity = 1
	}
	b.SourceDiversity = g.weights.SourceDiversity * diversity

	if len(domainUses) > 0 {
		shared := 0
		for _, n := range domainUses {
			if n >= 2 {
				shared++
			}
		}
		b.CrossReference = g.weights.CrossReference * float64(shared) / float64(len(domainUses))
	}
	return b
}

// deriveGaps turns the weakest parts of the evidence into follow-up work:
// unanswered angles first, then the lowest-scoring dimension as a fallback,
// so a failing verdict is never gap-free. Only the latest iteration's angles
// are scanned; earlier weak angles already had their follow-up generated.
func (g *Gate) deriveGaps(results []models.WorkerResult, angles []models.ResearchAngle, b models.ScoreBreakdown) []models.Gap {
	var gaps []models.Gap
	resultByAngle := make(map[uuid.UUID]models.WorkerResult, len(results))
	for _, r := range results {
		resultByAngle[r.AngleID] = r
	}
	latest := 0
	for _, a := range angles {
		if a.Iteration > latest {
			latest = a.Iteration
		}
	}
	for _, a := range angles {
		if a.Iteration < latest {
			continue
		}
		r, ok := resultByAngle[a.ID]
		switch {
		case !ok || r.Status == models.StatusFailed:
			gaps = append(gaps, models.Gap{
				Area:      a.Text,
				Questions: []string{fmt.Sprintf("Research on %q failed; retry with a narrower framing", a.Text)},
			})
		case r.Status == models.StatusTimedOut:
			gaps = append(gaps, models.Gap{
				Area:      a.Text,
				Questions: []string{fmt.Sprintf("Research on %q timed out; break it into smaller questions", a.Text)},
			})
		case len(r.Findings) == 0:
			gaps = append(gaps, models.Gap{
				Area:      a.Text,
				Questions: []string{fmt.Sprintf("No substantive findings for %q; look for primary sources", a.Text)},
			})
		}
	}
	if len(gaps) > 0 {
		return gaps
	}

	type dim struct {
		name     string
		earned   float64
		possible float64
		question string
	}
	dims := []dim{
		{"angle coverage", b.Coverage, g.weights.Coverage, "Which planned angles are still missing substantive findings?"},
		{"worker success rate", b.SuccessRate, g.weights.SuccessRate, "Which workers failed and what alternative approaches would succeed?"},
		{"source diversity", b.SourceDiversity, g.weights.SourceDiversity, "What additional independent publishers cover this topic?"},
		{"cross-referencing", b.CrossReference, g.weights.CrossReference, "Which key claims are backed by only a single source?"},
	}
	sort.SliceStable(dims, func(i, j int) bool {
		return dims[i].earned/max1(dims[i].possible) < dims[j].earned/max1(dims[j].possible)
	})
	weakest := dims[0]
	return []models.Gap{{
		Area:      weakest.name,
		Questions: []string{weakest.question},
	}}
}

func max1(v float64) float64 {
	if v <= 0 {
		return 1
	}
	return v
}

func (g *Gate) rationale(v models.QualityVerdict, results []models.WorkerResult) string {
	succeeded := 0
	for _, r := range results {
		if r.Succeeded() {
			succeeded++
		}
	}
	if v.Passed {
		return fmt.Sprintf("Score %.1f meets threshold %.0f with %d/%d workers succeeding.", v.Score, v.Threshold, succeeded, len(results))
	}
	areas := make([]string, 0, len(v.Gaps))
	for _, gap := range v.Gaps {
		areas = append(areas, gap.Area)
	}
	return fmt.Sprintf("Score %.1f below threshold %.0f; gaps: %s.", v.Score, v.Threshold, strings.Join(areas, "; "))
}

// EvaluatePlan gives advisory feedback on a research plan before dispatch.
// It only logs suggestions; a weak plan still runs.
func (g *Gate) EvaluatePlan(runID uuid.UUID, queryText string, angles []models.ResearchAngle) {
	var suggestions []string
	if len(angles) < 3 {
		suggestions = append(suggestions, "plan has few angles; broad queries usually need at least three")
	}
	seen := make(map[string]bool)
	for _, a := range angles {
		key := strings.ToLower(strings.Join(strings.Fields(a.Text), " "))
		if seen[key] {
			suggestions = append(suggestions, fmt.Sprintf("duplicate angle: %q", a.Text))
		}
		seen[key] = true
		if len(strings.Fields(a.Text)) < 3 {
			suggestions = append(suggestions, fmt.Sprintf("angle %q may be too vague to search well", a.Text))
		}
	}
	if len(suggestions) == 0 {
		return
	}
	g.log.Append(thoughtlog.ThoughtEvent{
		RunID:    runID,
		AgentID:  "quality_gate",
		Category: thoughtlog.CategoryEvaluating,
		Content:  fmt.Sprintf("Plan review for %q: %s", queryText, strings.Join(suggestions, "; ")),
		Metadata: map[string]interface{}{"suggestions": len(suggestions)},
	})
	g.logger.Debug("Plan review suggestions",
		zap.String("run_id", runID.String()),
		zap.Strings("suggestions", suggestions),
	)
}
