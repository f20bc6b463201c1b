package research

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openresearchlab/orchestrator/internal/evidence"
	"github.com/openresearchlab/orchestrator/internal/llm"
	"github.com/openresearchlab/orchestrator/internal/models"
	"github.com/openresearchlab/orchestrator/internal/search"
	"github.com/openresearchlab/orchestrator/internal/thoughtlog"
)

type fakeProvider struct {
	mu    sync.Mutex
	calls int
	items []search.Item
	err   error
}

func (f *fakeProvider) Search(ctx context.Context, query string, p search.Params) (*search.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &search.Result{Query: query, Items: f.items, RetrievedAt: time.Now()}, nil
}

func newTestWorker(t *testing.T, mock *llm.MockInvoker, provider search.Provider) (*Worker, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	cache := evidence.NewCacheWithClient(client, time.Hour, thoughtlog.New(128), zaptest.NewLogger(t))
	w := NewWorker(mock, cache, provider, search.Params{Depth: "basic", MaxResults: 5}, 2, thoughtlog.New(128), zaptest.NewLogger(t))
	return w, s
}

func TestResearchProducesFindingsWithSources(t *testing.T) {
	mock := llm.NewMockInvoker().On(models.RoleWorker,
		llm.MockResponse{
			Text:  "1. qubit counts 2026\n2. qubit roadmap vendors",
			Usage: models.TokenUsage{InputTokens: 50, OutputTokens: 20},
		},
		llm.MockResponse{
			Text:  "1. Vendor A shipped a 1000-qubit system\n2. Error rates dropped tenfold",
			Usage: models.TokenUsage{InputTokens: 200, OutputTokens: 80},
		},
	)
	provider := &fakeProvider{items: []search.Item{
		{Title: "Qubit milestone", URL: "https://news.example.com/a", Content: "1000 qubits", Score: 0.9},
		{Title: "Roadmaps", URL: "https://vendor.example.org/b", Content: "roadmap", Score: 0.7},
	}}
	w, _ := newTestWorker(t, mock, provider)

	res, err := w.Research(context.Background(), uuid.New(), models.ResearchAngle{
		ID: uuid.New(), Text: "current hardware qubit counts", Iteration: 1,
	})

	require.NoError(t, err)
	assert.Equal(t, 2, res.SearchCount)
	assert.Equal(t, []string{"Vendor A shipped a 1000-qubit system", "Error rates dropped tenfold"}, res.Findings)
	// Both queries return the same two URLs; the source list stays deduplicated.
	require.Len(t, res.Sources, 2)
	assert.Equal(t, "news.example.com", res.Sources[0].Domain)
	assert.Equal(t, 350, res.Usage.TotalTokens())
	assert.Equal(t, 2, mock.CallsFor(models.RoleWorker))
}

func TestResearchCountsCacheHits(t *testing.T) {
	mock := llm.NewMockInvoker().On(models.RoleWorker,
		// Both derived queries normalize to the same fingerprint.
		llm.MockResponse{Text: "1. solar panel efficiency\n2. Solar panel efficiency?"},
		llm.MockResponse{Text: "1. efficiency is rising"},
	)
	provider := &fakeProvider{items: []search.Item{
		{Title: "Solar", URL: "https://energy.example.com/x", Content: "22%", Score: 0.8},
	}}
	w, _ := newTestWorker(t, mock, provider)

	res, err := w.Research(context.Background(), uuid.New(), models.ResearchAngle{
		ID: uuid.New(), Text: "solar efficiency", Iteration: 1,
	})

	require.NoError(t, err)
	assert.Equal(t, 2, res.SearchCount)
	assert.Equal(t, 1, res.CacheHits)
	assert.Equal(t, 1, provider.calls, "second lookup must come from the cache")
}

func TestResearchFailsWhenAllSearchesFail(t *testing.T) {
	mock := llm.NewMockInvoker().On(models.RoleWorker,
		llm.MockResponse{Text: "1. some query"},
	)
	provider := &fakeProvider{err: errors.New("provider unavailable")}
	w, _ := newTestWorker(t, mock, provider)

	_, err := w.Research(context.Background(), uuid.New(), models.ResearchAngle{
		ID: uuid.New(), Text: "anything", Iteration: 1,
	})

	require.Error(t, err)
	assert.Contains(t, err.Error(), "all searches failed")
}

func TestResearchEmptyResultsSucceedWithoutFindings(t *testing.T) {
	mock := llm.NewMockInvoker().On(models.RoleWorker,
		llm.MockResponse{Text: "1. very obscure query"},
	)
	provider := &fakeProvider{items: nil}
	w, _ := newTestWorker(t, mock, provider)

	res, err := w.Research(context.Background(), uuid.New(), models.ResearchAngle{
		ID: uuid.New(), Text: "obscure topic", Iteration: 1,
	})

	require.NoError(t, err)
	assert.Empty(t, res.Findings)
	assert.Empty(t, res.Sources)
	// Analysis is skipped when there is nothing to analyze.
	assert.Equal(t, 1, mock.CallsFor(models.RoleWorker))
}

func TestResearchGapNoteReachesQueryPrompt(t *testing.T) {
	mock := llm.NewMockInvoker().On(models.RoleWorker,
		llm.MockResponse{Text: "1. follow up query"},
		llm.MockResponse{Text: "1. a finding"},
	)
	provider := &fakeProvider{items: []search.Item{
		{Title: "t", URL: "https://a.example.com/1", Content: "c", Score: 0.5},
	}}
	w, _ := newTestWorker(t, mock, provider)

	_, err := w.Research(context.Background(), uuid.New(), models.ResearchAngle{
		ID: uuid.New(), Text: "pricing depth", Iteration: 2, GapNote: "pricing models",
	})

	require.NoError(t, err)
	require.NotEmpty(t, mock.Calls)
	assert.Contains(t, mock.Calls[0].Prompt, "coverage gap")
	assert.Contains(t, mock.Calls[0].Prompt, "pricing models")
}
