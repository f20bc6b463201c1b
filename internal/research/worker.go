package research

import (
	"context"
	"fmt"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openresearchlab/orchestrator/internal/evidence"
	"github.com/openresearchlab/orchestrator/internal/llm"
	"github.com/openresearchlab/orchestrator/internal/models"
	"github.com/openresearchlab/orchestrator/internal/search"
	"github.com/openresearchlab/orchestrator/internal/thoughtlog"
)

// Worker investigates a single research angle: derive search queries, pull
// evidence through the cache, and distill the retrieved content into
// findings with source attribution. Errors bubble up to the dispatcher,
// which records them as the angle's terminal status.
type Worker struct {
	invoker          llm.Invoker
	cache            *evidence.Cache
	provider         search.Provider
	params           search.Params
	searchesPerAngle int
	log              *thoughtlog.Log
	logger           *zap.Logger
}

func NewWorker(invoker llm.Invoker, cache *evidence.Cache, provider search.Provider, params search.Params, searchesPerAngle int, log *thoughtlog.Log, logger *zap.Logger) *Worker {
	if searchesPerAngle <= 0 {
		searchesPerAngle = 2
	}
	return &Worker{
		invoker:          invoker,
		cache:            cache,
		provider:         provider,
		params:           params,
		searchesPerAngle: searchesPerAngle,
		log:              log,
		logger:           logger,
	}
}

const queryPromptTemplate = `You are a research assistant preparing web searches.

Research angle: %s
%s
Propose up to %d distinct web search queries that together cover this angle.
Respond with one query per line, numbered.`

const analysisPromptTemplate = `You are a research assistant analyzing search results.

Research angle: %s

Search results:
%s

Extract the concrete, evidence-backed findings that answer the angle. Each
finding must be supported by the results above. Respond with one finding per
line, numbered. If the results contain nothing relevant, respond with an
empty list.`

// Research runs one angle to completion and returns its result. The caller
// owns timeout and panic handling.
func (w *Worker) Research(ctx context.Context, runID uuid.UUID, angle models.ResearchAngle) (*models.WorkerResult, error) {
	agentID := "worker-" + angle.ID.String()[:8]
	result := &models.WorkerResult{}

	queries, usage, err := w.deriveQueries(ctx, angle)
	if err != nil {
		return nil, fmt.Errorf("derive search queries: %w", err)
	}
	result.Usage.Add(usage)

	var corpus []search.Item
	var sources []models.Source
	seenURL := make(map[string]bool)
	var fetchErrs []string
	for _, q := range queries {
		res, cached, err := w.cache.GetOrFetch(ctx, evidence.Lookup{
			Text:    q,
			Params:  w.params,
			RunID:   runID,
			AgentID: agentID,
		}, func(ctx context.Context) (*search.Result, error) {
			return w.provider.Search(ctx, q, w.params)
		})
		result.SearchCount++
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			fetchErrs = append(fetchErrs, fmt.Sprintf("%s: %v", q, err))
			continue
		}
		if cached {
			result.CacheHits++
		}
		corpus = append(corpus, res.Items...)
		appendSources(&sources, seenURL, res)
	}
	if len(corpus) == 0 {
		if len(fetchErrs) > 0 {
			return nil, fmt.Errorf("all searches failed: %s", strings.Join(fetchErrs, "; "))
		}
		// Searches succeeded but returned nothing; that is a finding-free
		// success the quality gate turns into a gap.
		w.event(runID, agentID, thoughtlog.CategoryAnalyzing, fmt.Sprintf("No search results for angle: %s", angle.Text), nil)
		return result, nil
	}

	findings, analysisUsage, err := w.analyze(ctx, angle, corpus)
	if err != nil {
		return nil, fmt.Errorf("analyze search results: %w", err)
	}
	result.Usage.Add(analysisUsage)
	result.Findings = findings
	result.Sources = sources

	w.event(runID, agentID, thoughtlog.CategoryAnalyzing,
		fmt.Sprintf("Extracted %d findings from %d sources for angle: %s", len(findings), len(result.Sources), angle.Text),
		map[string]interface{}{"findings": len(findings), "sources": len(result.Sources), "cache_hits": result.CacheHits},
	)
	return result, nil
}

func (w *Worker) deriveQueries(ctx context.Context, angle models.ResearchAngle) ([]string, models.TokenUsage, error) {
	gapHint := ""
	if angle.GapNote != "" {
		gapHint = fmt.Sprintf("This angle fills a coverage gap from an earlier round: %s\n", angle.GapNote)
	}
	comp, err := w.invoker.Invoke(ctx, models.RoleWorker, fmt.Sprintf(queryPromptTemplate, angle.Text, gapHint, w.searchesPerAngle))
	if err != nil {
		return nil, models.TokenUsage{}, err
	}
	queries := ParseListItems(comp.Text)
	if len(queries) == 0 {
		queries = []string{angle.Text}
	}
	if len(queries) > w.searchesPerAngle {
		queries = queries[:w.searchesPerAngle]
	}
	return queries, comp.Usage, nil
}

func (w *Worker) analyze(ctx context.Context, angle models.ResearchAngle, corpus []search.Item) ([]string, models.TokenUsage, error) {
	var sb strings.Builder
	for i, item := range corpus {
		fmt.Fprintf(&sb, "[%d] %s (%s)\n%s\n\n", i+1, item.Title, item.URL, item.Content)
	}
	comp, err := w.invoker.Invoke(ctx, models.RoleWorker, fmt.Sprintf(analysisPromptTemplate, angle.Text, sb.String()))
	if err != nil {
		return nil, models.TokenUsage{}, err
	}
	return ParseListItems(comp.Text), comp.Usage, nil
}

// appendSources converts one search result's hits into attributed sources,
// deduplicated by URL with the first occurrence winning.
func appendSources(sources *[]models.Source, seen map[string]bool, res *search.Result) {
	for _, it := range res.Items {
		if it.URL == "" || seen[it.URL] {
			continue
		}
		seen[it.URL] = true
		domain := it.Domain
		if domain == "" {
			domain = search.ExtractDomain(it.URL)
		}
		*sources = append(*sources, models.Source{
			Title:       it.Title,
			URL:         it.URL,
			Domain:      domain,
			Relevance:   it.Score,
			RetrievedAt: res.RetrievedAt,
		})
	}
}

func (w *Worker) event(runID uuid.UUID, agentID, category, content string, meta map[string]interface{}) {
	w.log.Append(thoughtlog.ThoughtEvent{
		RunID:    runID,
		AgentID:  agentID,
		Category: category,
		Content:  content,
		Metadata: meta,
	})
}
