package pricing

import (
	"fmt"
	"os"
	"sync"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
)

// Profile is the invocation profile for one agent role: which model to call
// and with what parameters. Roles are independent so a planner and a worker
// can run different models without any orchestration change.
type Profile struct {
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	MaxTokens   int     `yaml:"max_tokens"`
}

// modelPrice is per-1K-token pricing for one model.
type modelPrice struct {
	InputPer1K  float64 `yaml:"input_per_1k"`
	OutputPer1K float64 `yaml:"output_per_1k"`
}

// catalogFile is the on-disk structure of config/models.yaml.
type catalogFile struct {
	Profiles map[string]Profile `yaml:"profiles"`
	Pricing  struct {
		Defaults struct {
			CombinedPer1K float64 `yaml:"combined_per_1k"`
		} `yaml:"defaults"`
		Models map[string]modelPrice `yaml:"models"`
	} `yaml:"pricing"`
}

// Catalog holds role profiles and model pricing loaded from models.yaml.
// Reload is safe to call concurrently with readers, which makes it suitable
// for fsnotify-driven hot reload.
type Catalog struct {
	mu     sync.RWMutex
	path   string
	logger *zap.Logger
	data   catalogFile
}

// Fallback when a model has no pricing entry: $0.002 per 1K combined tokens.
const defaultPerToken = 0.000002

// LoadCatalog reads models.yaml from path. A missing or unreadable file is
// an error: the service must not start without profiles.
func LoadCatalog(path string, logger *zap.Logger) (*Catalog, error) {
	c := &Catalog{path: path, logger: logger}
	if err := c.Reload(); err != nil {
		return nil, err
	}
	return c, nil
}

// Reload re-reads the catalog file. On parse failure the previous catalog
// stays in effect.
func (c *Catalog) Reload() error {
	raw, err := os.ReadFile(c.path)
	if err != nil {
		return fmt.Errorf("read models catalog: %w", err)
	}
	var parsed catalogFile
	if err := yaml.Unmarshal(raw, &parsed); err != nil {
		return fmt.Errorf("parse models catalog: %w", err)
	}
	if len(parsed.Profiles) == 0 {
		return fmt.Errorf("models catalog %s defines no profiles", c.path)
	}
	c.mu.Lock()
	c.data = parsed
	c.mu.Unlock()
	c.logger.Info("Loaded models catalog",
		zap.String("path", c.path),
		zap.Int("profiles", len(parsed.Profiles)),
		zap.Int("priced_models", len(parsed.Pricing.Models)),
	)
	return nil
}

// Path returns the catalog file location, used by the reload watcher.
func (c *Catalog) Path() string { return c.path }

// ProfileFor returns the invocation profile for a role.
func (c *Catalog) ProfileFor(role string) (Profile, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	p, ok := c.data.Profiles[role]
	if !ok {
		return Profile{}, fmt.Errorf("no invocation profile for role %q", role)
	}
	return p, nil
}

// Roles lists the configured role names.
func (c *Catalog) Roles() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.data.Profiles))
	for r := range c.data.Profiles {
		out = append(out, r)
	}
	return out
}

// CostUSD estimates the cost of an invocation from its token split, falling
// back to the combined default when the model has no pricing entry.
func (c *Catalog) CostUSD(model string, inputTokens, outputTokens int) float64 {
	if inputTokens < 0 {
		inputTokens = 0
	}
	if outputTokens < 0 {
		outputTokens = 0
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if p, ok := c.data.Pricing.Models[model]; ok && (p.InputPer1K > 0 || p.OutputPer1K > 0) {
		return float64(inputTokens)/1000.0*p.InputPer1K + float64(outputTokens)/1000.0*p.OutputPer1K
	}
	perToken := defaultPerToken
	if d := c.data.Pricing.Defaults.CombinedPer1K; d > 0 {
		perToken = d / 1000.0
	}
	return float64(inputTokens+outputTokens) * perToken
}
