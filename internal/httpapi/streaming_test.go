package httpapi

import (
	"bufio"
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openresearchlab/orchestrator/internal/thoughtlog"
)

func newStreamServer(t *testing.T) (*httptest.Server, *thoughtlog.Log) {
	log := thoughtlog.New(256)
	mux := http.NewServeMux()
	NewStreamingHandler(log, zaptest.NewLogger(t)).RegisterRoutes(mux)
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, log
}

func appendEvents(log *thoughtlog.Log, runID uuid.UUID, categories ...string) {
	for _, c := range categories {
		log.Append(thoughtlog.ThoughtEvent{
			RunID:    runID,
			AgentID:  "orchestrator",
			Category: c,
			Content:  "content " + c,
		})
	}
}

// readSSEDataLines reads n "data:" lines from an open SSE stream.
func readSSEDataLines(t *testing.T, r *bufio.Reader, n int) []string {
	t.Helper()
	var lines []string
	deadline := time.After(5 * time.Second)
	got := make(chan string, 16)
	go func() {
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				close(got)
				return
			}
			if strings.HasPrefix(line, "data: ") {
				got <- strings.TrimSpace(strings.TrimPrefix(line, "data: "))
			}
		}
	}()
	for len(lines) < n {
		select {
		case line, ok := <-got:
			if !ok {
				t.Fatalf("stream closed after %d of %d events", len(lines), n)
			}
			lines = append(lines, line)
		case <-deadline:
			t.Fatalf("timed out after %d of %d events", len(lines), n)
		}
	}
	return lines
}

func TestSSEReplaysFromLastEventID(t *testing.T) {
	srv, log := newStreamServer(t)
	runID := uuid.New()
	appendEvents(log, runID, thoughtlog.CategoryPlanning, thoughtlog.CategorySearching, thoughtlog.CategoryDeciding)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/stream/sse?run_id="+runID.String()+"&last_event_id=1", nil)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	// Seq 1 is excluded; seqs 2 and 3 replay.
	lines := readSSEDataLines(t, bufio.NewReader(resp.Body), 2)
	assert.Contains(t, lines[0], thoughtlog.CategorySearching)
	assert.Contains(t, lines[1], thoughtlog.CategoryDeciding)
}

func TestSSEStreamsLiveEventsWithTypeFilter(t *testing.T) {
	srv, log := newStreamServer(t)
	runID := uuid.New()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, _ := http.NewRequestWithContext(ctx, http.MethodGet,
		srv.URL+"/stream/sse?run_id="+runID.String()+"&types=deciding", nil)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	reader := bufio.NewReader(resp.Body)
	// The initial comment confirms the subscription exists before we append.
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(line, ": connected"))

	appendEvents(log, runID, thoughtlog.CategorySearching, thoughtlog.CategoryDeciding)

	lines := readSSEDataLines(t, reader, 1)
	assert.Contains(t, lines[0], thoughtlog.CategoryDeciding)
	assert.NotContains(t, lines[0], `"content":"content searching"`)
}

func TestSSERequiresRunID(t *testing.T) {
	srv, _ := newStreamServer(t)

	resp, err := srv.Client().Get(srv.URL + "/stream/sse")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, err := srv.Client().Get(srv.URL + "/stream/sse?run_id=not-a-uuid")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp2.StatusCode)
}

func TestWebSocketReplayAndLive(t *testing.T) {
	srv, log := newStreamServer(t)
	runID := uuid.New()
	appendEvents(log, runID, thoughtlog.CategoryPlanning)

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/stream/ws?run_id=" + runID.String() + "&last_event_id=0"
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()

	var replayed thoughtlog.ThoughtEvent
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	require.NoError(t, conn.ReadJSON(&replayed))
	assert.Equal(t, thoughtlog.CategoryPlanning, replayed.Category)
	assert.Equal(t, uint64(1), replayed.Seq)

	appendEvents(log, runID, thoughtlog.CategoryAnalyzing)
	var live thoughtlog.ThoughtEvent
	require.NoError(t, conn.ReadJSON(&live))
	assert.Equal(t, thoughtlog.CategoryAnalyzing, live.Category)
}
