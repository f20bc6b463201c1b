package httpapi

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/openresearchlab/orchestrator/internal/thoughtlog"
)

// StreamingHandler serves SSE and WebSocket views over the thought log so
// observers can follow a run live or replay it from a sequence number.
type StreamingHandler struct {
	log    *thoughtlog.Log
	logger *zap.Logger
}

func NewStreamingHandler(log *thoughtlog.Log, logger *zap.Logger) *StreamingHandler {
	return &StreamingHandler{log: log, logger: logger}
}

// RegisterRoutes registers the stream routes on the provided mux.
func (h *StreamingHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/stream/sse", h.handleSSE)
	h.RegisterWebSocket(mux)
}

// streamParams are the shared query parameters of both stream endpoints.
type streamParams struct {
	runID  uuid.UUID
	filter thoughtlog.Filter
	// lastSeq is -1 when no replay was requested.
	lastSeq int64
}

func parseStreamParams(r *http.Request) (*streamParams, error) {
	raw := r.URL.Query().Get("run_id")
	if raw == "" {
		return nil, fmt.Errorf("run_id required")
	}
	runID, err := uuid.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid run_id")
	}

	p := &streamParams{runID: runID, lastSeq: -1}
	if s := r.URL.Query().Get("types"); s != "" {
		for _, c := range strings.Split(s, ",") {
			if c = strings.TrimSpace(c); c != "" {
				p.filter.Categories = append(p.filter.Categories, c)
			}
		}
	}
	p.filter.AgentID = r.URL.Query().Get("agent_id")

	if lei := r.Header.Get("Last-Event-ID"); lei != "" {
		if n, err := strconv.ParseUint(lei, 10, 64); err == nil {
			p.lastSeq = int64(n)
		}
	}
	if q := r.URL.Query().Get("last_event_id"); q != "" && p.lastSeq < 0 {
		if n, err := strconv.ParseUint(q, 10, 64); err == nil {
			p.lastSeq = int64(n)
		}
	}
	return p, nil
}

// handleSSE streams thought events for one run via Server-Sent Events.
// GET /stream/sse?run_id=<uuid>&types=planning,deciding&last_event_id=<seq>
func (h *StreamingHandler) handleSSE(w http.ResponseWriter, r *http.Request) {
	p, err := parseStreamParams(r)
	if err != nil {
		http.Error(w, fmt.Sprintf(`{"error":%q}`, err.Error()), http.StatusBadRequest)
		return
	}

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming not supported", http.StatusInternalServerError)
		return
	}

	ch := h.log.Subscribe(p.runID, 256)
	defer h.log.Unsubscribe(p.runID, ch)

	fmt.Fprintf(w, ": connected to run %s\n\n", p.runID)
	flusher.Flush()

	if p.lastSeq >= 0 {
		for _, ev := range h.log.ReplaySince(p.runID, uint64(p.lastSeq), p.filter) {
			writeSSEEvent(w, ev)
		}
		flusher.Flush()
	}

	hb := time.NewTicker(15 * time.Second)
	defer hb.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			h.logger.Debug("SSE client disconnected", zap.String("run_id", p.runID.String()))
			return
		case ev := <-ch:
			if !p.filter.Match(ev) {
				continue
			}
			writeSSEEvent(w, ev)
			flusher.Flush()
		case <-hb.C:
			fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

func writeSSEEvent(w http.ResponseWriter, ev thoughtlog.ThoughtEvent) {
	fmt.Fprintf(w, "id: %d\n", ev.Seq)
	fmt.Fprintf(w, "event: %s\n", ev.Category)
	fmt.Fprintf(w, "data: %s\n\n", string(ev.Marshal()))
}
