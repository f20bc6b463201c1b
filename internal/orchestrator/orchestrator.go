package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openresearchlab/orchestrator/internal/budget"
	"github.com/openresearchlab/orchestrator/internal/dispatch"
	"github.com/openresearchlab/orchestrator/internal/metrics"
	"github.com/openresearchlab/orchestrator/internal/models"
	"github.com/openresearchlab/orchestrator/internal/research"
	"github.com/openresearchlab/orchestrator/internal/thoughtlog"
)

// Fatal run errors. Worker-level failures are never errors here; they ride
// inside WorkerResult and feed the quality gate as data.
var (
	ErrPlanningFailed  = errors.New("planning failed")
	ErrSynthesisFailed = errors.New("synthesis failed")
	// ErrGateDefect marks a failing verdict that carries no gaps. The run is
	// not aborted; it finalizes with whatever evidence it has.
	ErrGateDefect = errors.New("quality gate returned failing verdict without gaps")
)

// Planner produces first-round angles and regenerates follow-ups from gaps.
type Planner interface {
	Plan(ctx context.Context, query models.Query) ([]models.ResearchAngle, models.TokenUsage, error)
	AnglesFromGaps(gaps []models.Gap, iteration int, previous []models.ResearchAngle) []models.ResearchAngle
}

// Researcher executes one angle; the dispatcher owns its timeout.
type Researcher interface {
	Research(ctx context.Context, runID uuid.UUID, angle models.ResearchAngle) (*models.WorkerResult, error)
}

// Evaluator issues exactly one verdict per completed iteration.
type Evaluator interface {
	Evaluate(runID uuid.UUID, iteration int, results []models.WorkerResult, angles []models.ResearchAngle) models.QualityVerdict
}

// PlanReviewer gives advisory-only feedback on a plan before dispatch.
type PlanReviewer interface {
	EvaluatePlan(runID uuid.UUID, queryText string, angles []models.ResearchAngle)
}

// Verifier cross-checks key claims after the iteration loop completes. Its
// report is advisory input to synthesis; a verifier failure never fails the
// run.
type Verifier interface {
	CheckFacts(ctx context.Context, runID uuid.UUID, queryText string, results []models.WorkerResult) (*research.FactCheckReport, error)
}

// Synthesizer merges all collected findings into the report body.
type Synthesizer interface {
	Synthesize(ctx context.Context, runID uuid.UUID, queryText string, results []models.WorkerResult) (*research.Synthesis, error)
}

// Store receives persistence handoffs. Writes are fire-and-forget from the
// orchestrator's point of view; a failing store never fails a run.
type Store interface {
	SaveRun(runID uuid.UUID, query string, startedAt time.Time)
	SaveFinding(runID uuid.UUID, result models.WorkerResult)
	CompleteRun(report models.FinalReport, status string)
}

// NopStore discards all persistence handoffs.
type NopStore struct{}

func (NopStore) SaveRun(uuid.UUID, string, time.Time)       {}
func (NopStore) SaveFinding(uuid.UUID, models.WorkerResult) {}
func (NopStore) CompleteRun(models.FinalReport, string)     {}

// RunState is the mutable bookkeeping of one run: where the control loop
// is, what has been collected, and how it ended.
type RunState struct {
	RunID      uuid.UUID
	Iteration  int
	Angles     []models.ResearchAngle
	Results    []models.WorkerResult
	Verdicts   []models.QualityVerdict
	Outcome    string
	StartedAt  time.Time
	FinishedAt time.Time
}

// LatestVerdict returns the most recent verdict, if any iteration completed.
func (s *RunState) LatestVerdict() (models.QualityVerdict, bool) {
	if len(s.Verdicts) == 0 {
		return models.QualityVerdict{}, false
	}
	return s.Verdicts[len(s.Verdicts)-1], true
}

// Orchestrator drives one research run through plan, dispatch, evaluate and
// synthesize. A single goroutine owns all state transitions; concurrency
// lives entirely inside the dispatcher.
type Orchestrator struct {
	planner       Planner
	dispatcher    *dispatch.Dispatcher
	worker        Researcher
	gate          Evaluator
	checker       Verifier
	synthesizer   Synthesizer
	store         Store
	usage         *budget.Tracker
	log           *thoughtlog.Log
	logger        *zap.Logger
	maxIterations int
}

// New assembles an orchestrator. A nil checker skips the fact-check stage;
// a nil store disables persistence.
func New(planner Planner, dispatcher *dispatch.Dispatcher, worker Researcher, gate Evaluator, checker Verifier, synthesizer Synthesizer, store Store, usage *budget.Tracker, log *thoughtlog.Log, logger *zap.Logger, maxIterations int) *Orchestrator {
	if store == nil {
		store = NopStore{}
	}
	if usage == nil {
		usage = budget.NewTracker(0, logger)
	}
	if maxIterations <= 0 {
		maxIterations = 3
	}
	return &Orchestrator{
		planner:       planner,
		dispatcher:    dispatcher,
		worker:        worker,
		gate:          gate,
		checker:       checker,
		synthesizer:   synthesizer,
		store:         store,
		usage:         usage,
		log:           log,
		logger:        logger,
		maxIterations: maxIterations,
	}
}

// Run executes one research query to a terminal outcome. It returns a
// report on success; a non-nil error means the run failed fatally, with
// the thought log still holding everything collected before the failure.
func (o *Orchestrator) Run(ctx context.Context, query models.Query) (*models.FinalReport, error) {
	if query.ID == uuid.Nil {
		query.ID = uuid.New()
	}
	state := &RunState{RunID: query.ID, StartedAt: time.Now()}
	iterBudget := o.maxIterations
	if query.MaxIterations > 0 && query.MaxIterations < iterBudget {
		iterBudget = query.MaxIterations
	}

	metrics.RunsStarted.Inc()
	o.store.SaveRun(query.ID, query.Text, state.StartedAt)
	defer o.usage.Forget(query.ID)
	o.transition(state, "PLANNING", fmt.Sprintf("Starting research run for query: %s", query.Text))

	angles, planUsage, err := o.planner.Plan(ctx, query)
	if err != nil {
		return nil, o.fail(state, fmt.Errorf("%w: %v", ErrPlanningFailed, err))
	}
	o.usage.Record(query.ID, models.RolePlanner, planUsage)
	if reviewer, ok := o.gate.(PlanReviewer); ok {
		reviewer.EvaluatePlan(query.ID, query.Text, angles)
	}

	belowThreshold := false
	for iteration := 1; iteration <= iterBudget; iteration++ {
		state.Iteration = iteration
		state.Angles = append(state.Angles, angles...)

		o.transition(state, "DISPATCHING", fmt.Sprintf("Iteration %d: dispatching %d workers", iteration, len(angles)))
		results := o.dispatcher.Run(ctx, query.ID, angles, func(ctx context.Context, angle models.ResearchAngle) (*models.WorkerResult, error) {
			return o.worker.Research(ctx, query.ID, angle)
		})

		o.transition(state, "COLLECTING", fmt.Sprintf("Iteration %d: collected %d results", iteration, len(results)))
		for _, r := range results {
			state.Results = append(state.Results, r)
			o.usage.Record(query.ID, models.RoleWorker, r.Usage)
			o.store.SaveFinding(query.ID, r)
		}

		o.transition(state, "EVALUATING", fmt.Sprintf("Iteration %d: evaluating quality", iteration))
		// The gate sees everything collected so far, not just this round:
		// a strong follow-up round must not mask weak earlier coverage.
		verdict := o.gate.Evaluate(query.ID, iteration, state.Results, state.Angles)
		state.Verdicts = append(state.Verdicts, verdict)

		if verdict.Passed {
			break
		}
		if iteration == iterBudget {
			belowThreshold = true
			o.logger.Info("Iteration budget exhausted below threshold",
				zap.String("run_id", query.ID.String()),
				zap.Float64("score", verdict.Score),
			)
			break
		}
		if len(verdict.Gaps) == 0 {
			// A failing verdict must point somewhere. When it does not, the
			// gate is defective and iterating again would chase nothing.
			belowThreshold = true
			o.logger.Error("Forcing synthesis", zap.Error(ErrGateDefect), zap.String("run_id", query.ID.String()))
			o.event(state, thoughtlog.CategoryError, ErrGateDefect.Error())
			break
		}

		o.transition(state, "ITERATING", fmt.Sprintf("Iteration %d: regenerating %d angles from gaps", iteration, len(verdict.Gaps)))
		angles = o.planner.AnglesFromGaps(verdict.Gaps, iteration+1, state.Angles)
		if len(angles) == 0 {
			belowThreshold = true
			break
		}
	}

	if o.checker != nil {
		if rep, err := o.checker.CheckFacts(ctx, query.ID, query.Text, state.Results); err != nil {
			o.logger.Warn("Fact check failed, synthesizing without it",
				zap.String("run_id", query.ID.String()), zap.Error(err))
			o.event(state, thoughtlog.CategoryError, fmt.Sprintf("Fact check failed: %v", err))
		} else if rep != nil {
			o.usage.Record(query.ID, models.RoleQuality, rep.Usage)
			// The report rides into synthesis as one more finding, exactly
			// like any worker's output.
			state.Results = append(state.Results, models.WorkerResult{
				AngleID:   uuid.New(),
				Angle:     "Fact-Checking and Verification Report",
				Iteration: state.Iteration,
				Status:    models.StatusSucceeded,
				Findings:  []string{rep.Render()},
			})
		}
	}

	o.transition(state, "SYNTHESIZING", fmt.Sprintf("Synthesizing report from %d results", len(state.Results)))
	syn, err := o.synthesizer.Synthesize(ctx, query.ID, query.Text, state.Results)
	if err != nil {
		return nil, o.fail(state, fmt.Errorf("%w: %v", ErrSynthesisFailed, err))
	}
	o.usage.Record(query.ID, models.RoleSynthesizer, syn.Usage)

	report := o.buildReport(query, state, syn, o.usage.Total(query.ID), belowThreshold)
	state.Outcome = "completed"
	state.FinishedAt = report.CompletedAt

	metrics.RunsCompleted.WithLabelValues("completed").Inc()
	metrics.RunDuration.Observe(report.Duration().Seconds())
	metrics.RunIterations.Observe(float64(report.Iterations))
	o.store.CompleteRun(*report, "completed")
	o.transition(state, "DONE", fmt.Sprintf("Run completed after %d iteration(s), score %.1f", report.Iterations, report.QualityScore))
	return report, nil
}

func (o *Orchestrator) buildReport(query models.Query, state *RunState, syn *research.Synthesis, usage models.TokenUsage, belowThreshold bool) *models.FinalReport {
	report := models.FinalReport{
		RunID:          query.ID,
		Query:          query.Text,
		Sources:        syn.Sources,
		Iterations:     state.Iteration,
		BelowThreshold: belowThreshold,
		Usage:          usage,
		StartedAt:      state.StartedAt,
		CompletedAt:    time.Now(),
	}
	if v, ok := state.LatestVerdict(); ok {
		report.QualityScore = v.Score
	}
	for _, r := range state.Results {
		report.TotalSearches += r.SearchCount
		report.CacheHits += r.CacheHits
	}
	report.ReportText = research.RenderMarkdown(report, syn.Body)
	return &report
}

func (o *Orchestrator) fail(state *RunState, err error) error {
	state.Outcome = "failed"
	state.FinishedAt = time.Now()
	metrics.RunsCompleted.WithLabelValues("failed").Inc()
	o.event(state, thoughtlog.CategoryError, err.Error())
	o.store.CompleteRun(models.FinalReport{
		RunID:       state.RunID,
		Iterations:  state.Iteration,
		StartedAt:   state.StartedAt,
		CompletedAt: state.FinishedAt,
	}, "failed")
	o.logger.Error("Run failed", zap.String("run_id", state.RunID.String()), zap.Error(err))
	return err
}

func (o *Orchestrator) transition(state *RunState, phase, detail string) {
	o.logger.Info("Run state",
		zap.String("run_id", state.RunID.String()),
		zap.String("phase", phase),
		zap.Int("iteration", state.Iteration),
	)
	o.event(state, thoughtlog.CategoryInfo, detail)
}

func (o *Orchestrator) event(state *RunState, category, content string) {
	o.log.Append(thoughtlog.ThoughtEvent{
		RunID:    state.RunID,
		AgentID:  "orchestrator",
		Category: category,
		Content:  content,
		Metadata: map[string]interface{}{"iteration": state.Iteration},
	})
}
