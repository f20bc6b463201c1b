package budget

import (
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openresearchlab/orchestrator/internal/models"
)

// Tracker accounts token usage and estimated cost per run, broken down by
// agent role. A soft per-run token ceiling produces a single warning when
// crossed; it never stops a run.
type Tracker struct {
	mu         sync.Mutex
	runs       map[uuid.UUID]*runUsage
	warnTokens int
	logger     *zap.Logger
}

type runUsage struct {
	total  models.TokenUsage
	byRole map[string]models.TokenUsage
	warned bool
}

// NewTracker builds a tracker. warnTokens <= 0 disables the ceiling.
func NewTracker(warnTokens int, logger *zap.Logger) *Tracker {
	return &Tracker{
		runs:       make(map[uuid.UUID]*runUsage),
		warnTokens: warnTokens,
		logger:     logger,
	}
}

// Record accumulates one usage sample against a run and role.
func (t *Tracker) Record(runID uuid.UUID, role string, usage models.TokenUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ru := t.runs[runID]
	if ru == nil {
		ru = &runUsage{byRole: make(map[string]models.TokenUsage)}
		t.runs[runID] = ru
	}
	ru.total.Add(usage)
	perRole := ru.byRole[role]
	perRole.Add(usage)
	ru.byRole[role] = perRole

	if t.warnTokens > 0 && !ru.warned && ru.total.TotalTokens() > t.warnTokens {
		ru.warned = true
		t.logger.Warn("Run exceeded soft token ceiling",
			zap.String("run_id", runID.String()),
			zap.Int("tokens", ru.total.TotalTokens()),
			zap.Int("ceiling", t.warnTokens),
			zap.Float64("cost_usd", ru.total.CostUSD),
		)
	}
}

// Total returns the run's accumulated usage.
func (t *Tracker) Total(runID uuid.UUID) models.TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	if ru := t.runs[runID]; ru != nil {
		return ru.total
	}
	return models.TokenUsage{}
}

// ByRole returns a copy of the run's per-role usage.
func (t *Tracker) ByRole(runID uuid.UUID) map[string]models.TokenUsage {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make(map[string]models.TokenUsage)
	if ru := t.runs[runID]; ru != nil {
		for role, u := range ru.byRole {
			out[role] = u
		}
	}
	return out
}

// Forget releases a finished run's bookkeeping.
func (t *Tracker) Forget(runID uuid.UUID) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.runs, runID)
}
