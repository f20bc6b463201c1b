package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openresearchlab/orchestrator/internal/db"
	"github.com/openresearchlab/orchestrator/internal/models"
	"github.com/openresearchlab/orchestrator/internal/thoughtlog"
)

// Runner executes one research query to a terminal outcome.
type Runner interface {
	Run(ctx context.Context, query models.Query) (*models.FinalReport, error)
}

// RunReader reads persisted run summaries.
type RunReader interface {
	GetRun(ctx context.Context, runID uuid.UUID) (*db.RunRow, error)
}

// ResearchHandler accepts research queries and serves run lookups. Runs
// execute in the background; observers follow them over the stream
// endpoints.
type ResearchHandler struct {
	runner Runner
	reader RunReader
	log    *thoughtlog.Log
	logger *zap.Logger
}

func NewResearchHandler(runner Runner, reader RunReader, log *thoughtlog.Log, logger *zap.Logger) *ResearchHandler {
	return &ResearchHandler{runner: runner, reader: reader, log: log, logger: logger}
}

// RegisterRoutes registers the research routes on the provided mux.
func (h *ResearchHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/research", h.handleSubmit)
	mux.HandleFunc("/runs/", h.handleRun)
}

type submitRequest struct {
	Query         string `json:"query"`
	NumWorkers    int    `json:"num_workers"`
	MaxIterations int    `json:"max_iterations"`
}

type submitResponse struct {
	RunID string `json:"run_id"`
}

// handleSubmit starts a run and returns its id immediately.
// POST /research {"query": "...", "num_workers": 5}
func (h *ResearchHandler) handleSubmit(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, `{"error":"invalid request body"}`, http.StatusBadRequest)
		return
	}
	if strings.TrimSpace(req.Query) == "" {
		http.Error(w, `{"error":"query required"}`, http.StatusBadRequest)
		return
	}

	query := models.Query{
		ID:            uuid.New(),
		Text:          strings.TrimSpace(req.Query),
		NumWorkers:    req.NumWorkers,
		MaxIterations: req.MaxIterations,
	}
	go func() {
		// The run outlives the submit request on purpose.
		if _, err := h.runner.Run(context.Background(), query); err != nil {
			h.logger.Error("Background run failed",
				zap.String("run_id", query.ID.String()),
				zap.Error(err),
			)
		}
	}()

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(submitResponse{RunID: query.ID.String()})
}

// handleRun serves GET /runs/{id} and GET /runs/{id}/summary.
func (h *ResearchHandler) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, `{"error":"method not allowed"}`, http.StatusMethodNotAllowed)
		return
	}
	rest := strings.TrimPrefix(r.URL.Path, "/runs/")
	idPart, _, isSummary := strings.Cut(rest, "/")
	runID, err := uuid.Parse(idPart)
	if err != nil {
		http.Error(w, `{"error":"invalid run id"}`, http.StatusBadRequest)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	if isSummary {
		if !strings.HasSuffix(rest, "/summary") {
			http.Error(w, `{"error":"not found"}`, http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(h.log.Summarize(runID))
		return
	}

	if h.reader == nil {
		http.Error(w, `{"error":"run store unavailable"}`, http.StatusServiceUnavailable)
		return
	}
	row, err := h.reader.GetRun(r.Context(), runID)
	if err != nil {
		http.Error(w, `{"error":"run not found"}`, http.StatusNotFound)
		return
	}
	json.NewEncoder(w).Encode(row)
}
