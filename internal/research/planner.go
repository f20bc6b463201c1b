package research

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openresearchlab/orchestrator/internal/llm"
	"github.com/openresearchlab/orchestrator/internal/models"
	"github.com/openresearchlab/orchestrator/internal/thoughtlog"
)

// Planner decomposes a research query into independent angles, one per
// worker. Angle count is clamped to the worker bounds; an unparseable plan
// falls back to a generic decomposition rather than failing the run.
type Planner struct {
	invoker   llm.Invoker
	minAngles int
	maxAngles int
	log       *thoughtlog.Log
	logger    *zap.Logger
}

func NewPlanner(invoker llm.Invoker, minAngles, maxAngles int, log *thoughtlog.Log, logger *zap.Logger) *Planner {
	return &Planner{
		invoker:   invoker,
		minAngles: minAngles,
		maxAngles: maxAngles,
		log:       log,
		logger:    logger,
	}
}

const planPromptTemplate = `You are a lead researcher planning a research effort.

Research query: %s

Break this query into %d independent research angles. Each angle must be a
self-contained sub-question that one researcher can investigate through web
search without depending on the others. Respond with one angle per line,
numbered.`

// Plan produces the first-iteration angles for a query. Planning failure is
// fatal to the run; a degenerate-but-parseable plan is repaired instead.
func (p *Planner) Plan(ctx context.Context, query models.Query) ([]models.ResearchAngle, models.TokenUsage, error) {
	target := p.clampCount(query.NumWorkers)

	p.log.Append(thoughtlog.ThoughtEvent{
		RunID:    query.ID,
		AgentID:  "planner",
		Category: thoughtlog.CategoryPlanning,
		Content:  fmt.Sprintf("Decomposing query into up to %d research angles", target),
	})

	comp, err := p.invoker.Invoke(ctx, models.RolePlanner, fmt.Sprintf(planPromptTemplate, query.Text, target))
	if err != nil {
		return nil, models.TokenUsage{}, fmt.Errorf("plan query: %w", err)
	}

	texts := ParseListItems(comp.Text)
	if len(texts) == 0 {
		p.logger.Warn("Plan yielded no parseable angles, using fallback decomposition",
			zap.String("run_id", query.ID.String()),
		)
		texts = fallbackAngleTexts(query.Text)
	}
	if len(texts) > target {
		texts = texts[:target]
	}
	for _, extra := range fallbackAngleTexts(query.Text) {
		if len(texts) >= p.minAngles {
			break
		}
		if !containsNormalized(texts, extra) {
			texts = append(texts, extra)
		}
	}

	angles := make([]models.ResearchAngle, len(texts))
	for i, text := range texts {
		angles[i] = models.ResearchAngle{ID: uuid.New(), Text: text, Iteration: 1}
	}

	p.log.Append(thoughtlog.ThoughtEvent{
		RunID:    query.ID,
		AgentID:  "planner",
		Category: thoughtlog.CategoryPlanning,
		Content:  fmt.Sprintf("Planned %d research angles", len(angles)),
		Metadata: map[string]interface{}{"angles": texts},
	})
	return angles, comp.Usage, nil
}

// AnglesFromGaps regenerates the next iteration's angles from the gate's
// gaps only. Texts verbatim-equal to an earlier angle are reframed so the
// same search is never dispatched twice.
func (p *Planner) AnglesFromGaps(gaps []models.Gap, iteration int, previous []models.ResearchAngle) []models.ResearchAngle {
	prior := make(map[string]bool, len(previous))
	for _, a := range previous {
		prior[normalizeText(a.Text)] = true
	}

	angles := make([]models.ResearchAngle, 0, len(gaps))
	for _, gap := range gaps {
		text := gap.Area
		if len(gap.Questions) > 0 {
			text = fmt.Sprintf("%s: %s", gap.Area, gap.Questions[0])
		}
		if prior[normalizeText(text)] {
			text = fmt.Sprintf("Deeper follow-up on %s", text)
		}
		prior[normalizeText(text)] = true
		angles = append(angles, models.ResearchAngle{
			ID:        uuid.New(),
			Text:      text,
			Iteration: iteration,
			GapNote:   gap.Area,
		})
	}
	if len(angles) > p.maxAngles {
		angles = angles[:p.maxAngles]
	}
	return angles
}

func (p *Planner) clampCount(requested int) int {
	if requested <= 0 {
		requested = p.minAngles
	}
	if requested < p.minAngles {
		return p.minAngles
	}
	if requested > p.maxAngles {
		return p.maxAngles
	}
	return requested
}

// ParseListItems extracts items from a numbered or bulleted model response,
// skipping prose lines that are not list entries.
func ParseListItems(text string) []string {
	var items []string
	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		stripped, ok := stripListMarker(line)
		if !ok {
			continue
		}
		stripped = strings.Trim(stripped, "*_ ")
		if stripped == "" {
			continue
		}
		items = append(items, stripped)
	}
	return items
}

func stripListMarker(line string) (string, bool) {
	if strings.HasPrefix(line, "- ") || strings.HasPrefix(line, "* ") {
		return strings.TrimSpace(line[2:]), true
	}
	i := 0
	for i < len(line) && line[i] >= '0' && line[i] <= '9' {
		i++
	}
	if i > 0 && i < len(line) && (line[i] == '.' || line[i] == ')') {
		return strings.TrimSpace(line[i+1:]), true
	}
	return "", false
}

// fallbackAngleTexts is the generic decomposition used when the model
// produces nothing parseable.
func fallbackAngleTexts(query string) []string {
	return []string{
		fmt.Sprintf("Current state and key facts about %s", query),
		fmt.Sprintf("Recent developments and trends in %s", query),
		fmt.Sprintf("Main challenges and open problems around %s", query),
		fmt.Sprintf("Expert analysis and future outlook for %s", query),
	}
}

func normalizeText(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

func containsNormalized(items []string, candidate string) bool {
	for _, it := range items {
		if normalizeText(it) == normalizeText(candidate) {
			return true
		}
	}
	return false
}
