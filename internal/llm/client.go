package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/openresearchlab/orchestrator/internal/config"
	"github.com/openresearchlab/orchestrator/internal/metrics"
	"github.com/openresearchlab/orchestrator/internal/models"
	"github.com/openresearchlab/orchestrator/internal/pricing"
)

// Invoker is the model invocation service as the orchestration core sees it:
// an opaque, possibly slow, possibly failing capability. The role selects an
// invocation profile; everything else is configuration.
type Invoker interface {
	Invoke(ctx context.Context, role, prompt string) (*Completion, error)
}

// Completion is one model response plus its usage accounting.
type Completion struct {
	Text     string
	Model    string
	Provider string
	Usage    models.TokenUsage
}

// invokeRequest is the HTTP request body for the LLM service.
type invokeRequest struct {
	Prompt      string  `json:"prompt"`
	Role        string  `json:"role"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// invokeResponse is the HTTP response from the LLM service.
type invokeResponse struct {
	Text         string `json:"text"`
	Model        string `json:"model"`
	Provider     string `json:"provider"`
	InputTokens  int    `json:"input_tokens"`
	OutputTokens int    `json:"output_tokens"`
}

// Client is an HTTP client for the model invocation service with request
// pacing and bounded retries on transient failures.
type Client struct {
	baseURL    string
	httpClient *http.Client
	limiter    *rate.Limiter
	maxRetries int
	catalog    *pricing.Catalog
	logger     *zap.Logger
}

// NewClient builds a client from configuration and the role profile catalog.
func NewClient(cfg config.LLMConfig, catalog *pricing.Catalog, logger *zap.Logger) *Client {
	return &Client{
		baseURL:    cfg.BaseURL,
		httpClient: &http.Client{Timeout: cfg.Timeout},
		limiter:    rate.NewLimiter(rate.Limit(cfg.RequestsPerSec), cfg.Burst),
		maxRetries: cfg.MaxRetries,
		catalog:    catalog,
		logger:     logger,
	}
}

// Invoke resolves the role's profile, paces the request, and calls the
// service. Retries apply only to 429 and 5xx responses; request marshalling
// and 4xx responses fail immediately.
func (c *Client) Invoke(ctx context.Context, role, prompt string) (*Completion, error) {
	profile, err := c.catalog.ProfileFor(role)
	if err != nil {
		return nil, err
	}

	reqBody := invokeRequest{
		Prompt:      prompt,
		Role:        role,
		Model:       profile.Model,
		Temperature: profile.Temperature,
		MaxTokens:   profile.MaxTokens,
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal invoke request: %w", err)
	}

	var lastErr error
	for attempt := 0; attempt <= c.maxRetries; attempt++ {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, err
		}
		if attempt > 0 {
			backoff := time.Duration(attempt) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
		}

		comp, retryable, err := c.doOnce(ctx, role, payload)
		if err == nil {
			metrics.ModelRequests.WithLabelValues(role, "ok").Inc()
			metrics.ModelTokensUsed.Observe(float64(comp.Usage.TotalTokens()))
			metrics.ModelCostUSD.Observe(comp.Usage.CostUSD)
			return comp, nil
		}
		lastErr = err
		if !retryable {
			break
		}
		c.logger.Warn("Model invocation failed, retrying",
			zap.String("role", role),
			zap.Int("attempt", attempt+1),
			zap.Error(err),
		)
	}
	metrics.ModelRequests.WithLabelValues(role, "error").Inc()
	return nil, lastErr
}

func (c *Client) doOnce(ctx context.Context, role string, payload []byte) (*Completion, bool, error) {
	url := fmt.Sprintf("%s/v1/invoke", c.baseURL)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, false, fmt.Errorf("create invoke request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, true, fmt.Errorf("call model service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
		return nil, true, fmt.Errorf("model service returned status %d for role %s", resp.StatusCode, role)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, false, fmt.Errorf("model service returned status %d for role %s", resp.StatusCode, role)
	}

	var out invokeResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, false, fmt.Errorf("decode invoke response: %w", err)
	}
	if out.Text == "" {
		return nil, false, fmt.Errorf("model service returned empty text for role %s", role)
	}

	provider := out.Provider
	if provider == "" {
		provider = models.DetectProvider(out.Model)
	}
	return &Completion{
		Text:     out.Text,
		Model:    out.Model,
		Provider: provider,
		Usage: models.TokenUsage{
			InputTokens:  out.InputTokens,
			OutputTokens: out.OutputTokens,
			CostUSD:      c.catalog.CostUSD(out.Model, out.InputTokens, out.OutputTokens),
		},
	}, false, nil
}
