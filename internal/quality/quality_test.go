package quality

import (
	"fmt"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openresearchlab/orchestrator/internal/models"
	"github.com/openresearchlab/orchestrator/internal/thoughtlog"
)

func newTestGate(t *testing.T, threshold float64) (*Gate, *thoughtlog.Log) {
	log := thoughtlog.New(128)
	return NewGate(threshold, DefaultWeights(), log, zaptest.NewLogger(t)), log
}

func resultFor(a models.ResearchAngle, status string, findings []string, domains ...string) models.WorkerResult {
	r := models.WorkerResult{
		AngleID:   a.ID,
		Angle:     a.Text,
		Iteration: a.Iteration,
		Status:    status,
		Findings:  findings,
	}
	for _, d := range domains {
		r.Sources = append(r.Sources, models.Source{
			Title:  "ref from " + d,
			URL:    "https://" + d + "/article",
			Domain: d,
		})
	}
	return r
}

func strongRound(n int) ([]models.ResearchAngle, []models.WorkerResult) {
	angles := make([]models.ResearchAngle, n)
	results := make([]models.WorkerResult, n)
	for i := range angles {
		angles[i] = models.ResearchAngle{ID: uuid.New(), Text: fmt.Sprintf("angle %d in depth", i), Iteration: 1}
		// Every worker cites one shared domain plus one of its own, so both
		// diversity and cross-referencing score well.
		results[i] = resultFor(angles[i], models.StatusSucceeded,
			[]string{"finding"},
			"shared.example.org", fmt.Sprintf("site%d.example.com", i), fmt.Sprintf("extra%d.example.net", i))
	}
	return angles, results
}

func TestEvaluateIsDeterministic(t *testing.T) {
	gate, _ := newTestGate(t, 75)
	angles, results := strongRound(4)
	runID := uuid.New()

	first := gate.Evaluate(runID, 1, results, angles)
	for i := 0; i < 5; i++ {
		again := gate.Evaluate(runID, 1, results, angles)
		assert.Equal(t, first.Score, again.Score)
		assert.Equal(t, first.Passed, again.Passed)
		assert.Equal(t, first.Breakdown, again.Breakdown)
	}
}

func TestEvaluatePassesStrongRound(t *testing.T) {
	gate, log := newTestGate(t, 75)
	angles, results := strongRound(5)
	runID := uuid.New()

	v := gate.Evaluate(runID, 1, results, angles)

	assert.True(t, v.Passed)
	assert.GreaterOrEqual(t, v.Score, 75.0)
	assert.Empty(t, v.Gaps)
	assert.Equal(t, 75.0, v.Threshold)

	events := log.ReplaySince(runID, 0, thoughtlog.Filter{Categories: []string{thoughtlog.CategoryDeciding}})
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Content, "passed")
}

func TestEvaluateFailuresProduceGaps(t *testing.T) {
	gate, _ := newTestGate(t, 75)
	angles := []models.ResearchAngle{
		{ID: uuid.New(), Text: "market adoption trends", Iteration: 1},
		{ID: uuid.New(), Text: "regulatory landscape", Iteration: 1},
		{ID: uuid.New(), Text: "technical limitations", Iteration: 1},
	}
	results := []models.WorkerResult{
		resultFor(angles[0], models.StatusSucceeded, []string{"finding"}, "a.example.com"),
		resultFor(angles[1], models.StatusFailed, nil),
		resultFor(angles[2], models.StatusTimedOut, nil),
	}

	v := gate.Evaluate(uuid.New(), 1, results, angles)

	require.False(t, v.Passed)
	require.Len(t, v.Gaps, 2)
	assert.Equal(t, "regulatory landscape", v.Gaps[0].Area)
	assert.Contains(t, v.Gaps[0].Questions[0], "failed")
	assert.Equal(t, "technical limitations", v.Gaps[1].Area)
	assert.Contains(t, v.Gaps[1].Questions[0], "timed out")
}

func TestEvaluateEmptyFindingsAreGaps(t *testing.T) {
	gate, _ := newTestGate(t, 75)
	angles := []models.ResearchAngle{
		{ID: uuid.New(), Text: "primary cost drivers", Iteration: 2},
	}
	results := []models.WorkerResult{
		resultFor(angles[0], models.StatusSucceeded, nil, "a.example.com"),
	}

	v := gate.Evaluate(uuid.New(), 2, results, angles)

	require.False(t, v.Passed)
	require.NotEmpty(t, v.Gaps)
	assert.Equal(t, "primary cost drivers", v.Gaps[0].Area)
}

func TestEvaluateFailingVerdictNeverGapFree(t *testing.T) {
	gate, _ := newTestGate(t, 99)
	// Every angle answered, so no angle-level gaps exist; the gate must fall
	// back to a dimension-level gap.
	angles := []models.ResearchAngle{
		{ID: uuid.New(), Text: "single sourced topic", Iteration: 1},
	}
	results := []models.WorkerResult{
		resultFor(angles[0], models.StatusSucceeded, []string{"finding"}, "only.example.com"),
	}

	v := gate.Evaluate(uuid.New(), 1, results, angles)

	require.False(t, v.Passed)
	require.Len(t, v.Gaps, 1)
	assert.NotEmpty(t, v.Gaps[0].Area)
	assert.NotEmpty(t, v.Gaps[0].Questions)
}

func TestEvaluateAccumulatedEvidenceScoresAllRounds(t *testing.T) {
	gate, _ := newTestGate(t, 75)
	runID := uuid.New()

	// Round one: two weak angles, one unanswered.
	angles := []models.ResearchAngle{
		{ID: uuid.New(), Text: "cost structure overview", Iteration: 1},
		{ID: uuid.New(), Text: "vendor landscape", Iteration: 1},
	}
	results := []models.WorkerResult{
		resultFor(angles[0], models.StatusSucceeded, []string{"finding"}, "a.example.com"),
		resultFor(angles[1], models.StatusFailed, nil),
	}
	first := gate.Evaluate(runID, 1, results, angles)
	require.False(t, first.Passed)

	// Round two adds one strong follow-up; scoring the accumulated set must
	// still see the unanswered round-one angle.
	follow := models.ResearchAngle{ID: uuid.New(), Text: "vendor landscape follow-up", Iteration: 2, GapNote: "vendor landscape"}
	angles = append(angles, follow)
	results = append(results, resultFor(follow, models.StatusSucceeded,
		[]string{"finding"}, "b.example.com", "c.example.com"))

	second := gate.Evaluate(runID, 2, results, angles)

	// Two of three angles answered: coverage stays partial even though the
	// latest round was flawless.
	assert.InDelta(t, DefaultWeights().Coverage*2/3, second.Breakdown.Coverage, 0.001)
	require.False(t, second.Passed)
	// Gaps come only from the latest round's angles; the round-one failure
	// already produced its follow-up.
	for _, g := range second.Gaps {
		assert.NotEqual(t, "vendor landscape", g.Area)
	}
}

func TestEvaluateAllTimeoutsStillYieldsVerdict(t *testing.T) {
	gate, _ := newTestGate(t, 75)
	angles := make([]models.ResearchAngle, 4)
	results := make([]models.WorkerResult, 4)
	for i := range angles {
		angles[i] = models.ResearchAngle{ID: uuid.New(), Text: fmt.Sprintf("angle %d", i), Iteration: 1}
		results[i] = resultFor(angles[i], models.StatusTimedOut, nil)
	}

	v := gate.Evaluate(uuid.New(), 1, results, angles)

	assert.False(t, v.Passed)
	assert.Equal(t, 0.0, v.Score)
	assert.Len(t, v.Gaps, 4)
}

func TestEvaluateEmptyInputs(t *testing.T) {
	gate, _ := newTestGate(t, 75)
	v := gate.Evaluate(uuid.New(), 1, nil, nil)
	assert.False(t, v.Passed)
	assert.Equal(t, 0.0, v.Score)
	assert.NotEmpty(t, v.Gaps)
}

func TestEvaluatePlanAdvisory(t *testing.T) {
	gate, log := newTestGate(t, 75)
	runID := uuid.New()

	gate.EvaluatePlan(runID, "quantum computing", []models.ResearchAngle{
		{ID: uuid.New(), Text: "qubits", Iteration: 1},
		{ID: uuid.New(), Text: "qubits", Iteration: 1},
	})

	events := log.ReplaySince(runID, 0, thoughtlog.Filter{Categories: []string{thoughtlog.CategoryEvaluating}})
	require.Len(t, events, 1)
	assert.Contains(t, events[0].Content, "duplicate angle")
}

func TestEvaluatePlanSilentOnSolidPlan(t *testing.T) {
	gate, log := newTestGate(t, 75)
	runID := uuid.New()

	gate.EvaluatePlan(runID, "quantum computing", []models.ResearchAngle{
		{ID: uuid.New(), Text: "current hardware qubit counts", Iteration: 1},
		{ID: uuid.New(), Text: "error correction progress since 2020", Iteration: 1},
		{ID: uuid.New(), Text: "commercial cloud quantum offerings", Iteration: 1},
	})

	assert.Empty(t, log.ReplaySince(runID, 0, thoughtlog.Filter{}))
}
