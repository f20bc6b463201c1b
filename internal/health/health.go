package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Checker probes one dependency. Critical checkers gate readiness;
// non-critical ones only show up in the report.
type Checker interface {
	Name() string
	Critical() bool
	Check(ctx context.Context) error
}

// CheckResult is the outcome of one probe.
type CheckResult struct {
	Component string        `json:"component"`
	Healthy   bool          `json:"healthy"`
	Critical  bool          `json:"critical"`
	Error     string        `json:"error,omitempty"`
	Duration  time.Duration `json:"duration_ns"`
}

// Report aggregates all probes for one evaluation.
type Report struct {
	Ready     bool          `json:"ready"`
	Checks    []CheckResult `json:"checks"`
	Timestamp time.Time     `json:"timestamp"`
}

// Manager runs registered checkers on demand.
type Manager struct {
	mu       sync.RWMutex
	checkers []Checker
	timeout  time.Duration
	logger   *zap.Logger
}

func NewManager(logger *zap.Logger) *Manager {
	return &Manager{timeout: 5 * time.Second, logger: logger}
}

// Register adds a checker. Safe to call during startup wiring only.
func (m *Manager) Register(c Checker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, c)
}

// Evaluate runs every checker. Ready is false when any critical probe fails.
func (m *Manager) Evaluate(ctx context.Context) Report {
	m.mu.RLock()
	checkers := m.checkers
	m.mu.RUnlock()

	report := Report{Ready: true, Timestamp: time.Now()}
	for _, c := range checkers {
		probeCtx, cancel := context.WithTimeout(ctx, m.timeout)
		start := time.Now()
		err := c.Check(probeCtx)
		cancel()

		res := CheckResult{
			Component: c.Name(),
			Healthy:   err == nil,
			Critical:  c.Critical(),
			Duration:  time.Since(start),
		}
		if err != nil {
			res.Error = err.Error()
			if c.Critical() {
				report.Ready = false
			}
			m.logger.Warn("Health check failed",
				zap.String("component", c.Name()),
				zap.Bool("critical", c.Critical()),
				zap.Error(err),
			)
		}
		report.Checks = append(report.Checks, res)
	}
	return report
}

// Handler serves liveness and readiness endpoints.
type Handler struct {
	manager *Manager
}

func NewHandler(manager *Manager) *Handler {
	return &Handler{manager: manager}
}

// RegisterRoutes registers the health endpoints on the provided mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/health/live", h.handleLiveness)
	mux.HandleFunc("/health/ready", h.handleReadiness)
	mux.HandleFunc("/health", h.handleReadiness)
}

// handleLiveness answers as long as the process serves HTTP.
func (h *Handler) handleLiveness(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "alive"})
}

// handleReadiness runs all probes and reports 503 when a critical
// dependency is down.
func (h *Handler) handleReadiness(w http.ResponseWriter, r *http.Request) {
	report := h.manager.Evaluate(r.Context())
	w.Header().Set("Content-Type", "application/json")
	if !report.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	json.NewEncoder(w).Encode(report)
}

// CheckFunc adapts a probe function into a Checker.
type CheckFunc struct {
	ComponentName string
	IsCritical    bool
	Probe         func(ctx context.Context) error
}

func (c CheckFunc) Name() string                    { return c.ComponentName }
func (c CheckFunc) Critical() bool                  { return c.IsCritical }
func (c CheckFunc) Check(ctx context.Context) error { return c.Probe(ctx) }
