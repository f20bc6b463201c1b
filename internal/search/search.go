package search

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/openresearchlab/orchestrator/internal/config"
	"github.com/openresearchlab/orchestrator/internal/metrics"
)

// Params are the provider-specific knobs of one lookup. They take part in
// the evidence cache fingerprint: the same text at a different depth is a
// different lookup.
type Params struct {
	Depth      string `json:"depth"`
	MaxResults int    `json:"max_results"`
}

// Item is a single search hit.
type Item struct {
	Title   string  `json:"title"`
	URL     string  `json:"url"`
	Content string  `json:"content"`
	Domain  string  `json:"domain"`
	Score   float64 `json:"score"`
}

// Result is the raw outcome of one provider call.
type Result struct {
	Query       string    `json:"query"`
	Items       []Item    `json:"items"`
	RetrievedAt time.Time `json:"retrieved_at"`
}

// Provider is the external search capability, always consumed through the
// evidence cache.
type Provider interface {
	Search(ctx context.Context, query string, p Params) (*Result, error)
}

type searchRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth"`
	MaxResults  int    `json:"max_results"`
}

type searchResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

// Client calls a Tavily-style search API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.Logger
}

// NewClient builds a search client from configuration.
func NewClient(cfg config.SearchConfig, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		apiKey:     cfg.APIKey,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     logger,
	}
}

// Search performs one provider call. Failures are returned to the caller;
// the evidence cache never stores them.
func (c *Client) Search(ctx context.Context, query string, p Params) (*Result, error) {
	payload, err := json.Marshal(searchRequest{
		APIKey:      c.apiKey,
		Query:       query,
		SearchDepth: p.Depth,
		MaxResults:  p.MaxResults,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal search request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("create search request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		metrics.SearchRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("call search provider: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		metrics.SearchRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("search provider returned status %d", resp.StatusCode)
	}

	var out searchResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		metrics.SearchRequests.WithLabelValues("error").Inc()
		return nil, fmt.Errorf("decode search response: %w", err)
	}
	metrics.SearchRequests.WithLabelValues("ok").Inc()

	result := &Result{Query: query, RetrievedAt: time.Now()}
	for _, r := range out.Results {
		result.Items = append(result.Items, Item{
			Title:   r.Title,
			URL:     r.URL,
			Content: r.Content,
			Domain:  ExtractDomain(r.URL),
			Score:   r.Score,
		})
	}
	return result, nil
}

// ExtractDomain returns the registrable host of a URL, without a www prefix.
func ExtractDomain(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Hostname() == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}
