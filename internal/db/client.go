package db

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/openresearchlab/orchestrator/internal/config"
	"github.com/openresearchlab/orchestrator/internal/metrics"
	"github.com/openresearchlab/orchestrator/internal/models"
	"github.com/openresearchlab/orchestrator/internal/thoughtlog"
)

// Client persists runs, findings and thought events to Postgres through an
// async write queue. The orchestration core enqueues and moves on; write
// failures are logged and counted, never surfaced to the run.
type Client struct {
	db     *sqlx.DB
	logger *zap.Logger

	writeQueue chan writeRequest
	workers    int
	stopCh     chan struct{}
	workerWg   sync.WaitGroup
}

type writeRequest struct {
	kind string
	exec func(ctx context.Context, db *sqlx.DB) error
}

const (
	queueCapacity = 1024
	writeTimeout  = 5 * time.Second
)

// NewClient opens the connection pool, verifies it, and starts the write
// workers.
func NewClient(cfg config.PostgresConfig, logger *zap.Logger) (*Client, error) {
	db, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxConnections)
	db.SetMaxIdleConns(cfg.IdleConnections)
	db.SetConnMaxLifetime(cfg.MaxLifetime)

	c := newClient(db, logger)
	logger.Info("Database client initialized",
		zap.String("host", cfg.Host),
		zap.Int("max_connections", cfg.MaxConnections),
		zap.Int("workers", c.workers),
	)
	return c, nil
}

// NewClientWithDB wraps an existing connection, used by tests.
func NewClientWithDB(db *sqlx.DB, logger *zap.Logger) *Client {
	return newClient(db, logger)
}

func newClient(db *sqlx.DB, logger *zap.Logger) *Client {
	c := &Client{
		db:         db,
		logger:     logger,
		writeQueue: make(chan writeRequest, queueCapacity),
		workers:    4,
		stopCh:     make(chan struct{}),
	}
	for i := 0; i < c.workers; i++ {
		c.workerWg.Add(1)
		go c.writeWorker()
	}
	return c
}

func (c *Client) writeWorker() {
	defer c.workerWg.Done()
	for {
		select {
		case <-c.stopCh:
			c.drain()
			return
		case req := <-c.writeQueue:
			c.process(req)
		}
	}
}

func (c *Client) process(req writeRequest) {
	metrics.DBQueueDepth.Set(float64(len(c.writeQueue)))
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	if err := req.exec(ctx, c.db); err != nil {
		metrics.DBWriteErrors.Inc()
		c.logger.Error("Database write failed",
			zap.String("kind", req.kind),
			zap.Error(err),
		)
	}
}

// drain empties the queue on shutdown, bounded so a dead database cannot
// hang Close.
func (c *Client) drain() {
	deadline := time.After(10 * time.Second)
	for {
		select {
		case req := <-c.writeQueue:
			c.process(req)
		case <-deadline:
			c.logger.Warn("Timeout draining write queue", zap.Int("remaining", len(c.writeQueue)))
			return
		default:
			return
		}
	}
}

// enqueue adds a write, falling back to a synchronous write when the queue
// is full so nothing is dropped.
func (c *Client) enqueue(kind string, exec func(ctx context.Context, db *sqlx.DB) error) {
	metrics.DBWritesQueued.Inc()
	req := writeRequest{kind: kind, exec: exec}
	select {
	case c.writeQueue <- req:
	default:
		c.logger.Warn("Write queue full, writing synchronously", zap.String("kind", kind))
		c.process(req)
	}
}

// SaveRun records the start of a run.
func (c *Client) SaveRun(runID uuid.UUID, query string, startedAt time.Time) {
	c.enqueue("run", func(ctx context.Context, db *sqlx.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO research_runs (id, query, status, started_at)
			VALUES ($1, $2, 'running', $3)
			ON CONFLICT (id) DO NOTHING`,
			runID, query, startedAt)
		return err
	})
}

// SaveFinding records one worker's terminal result, whatever its status.
func (c *Client) SaveFinding(runID uuid.UUID, result models.WorkerResult) {
	findings, _ := json.Marshal(result.Findings)
	sources, _ := json.Marshal(result.Sources)
	c.enqueue("finding", func(ctx context.Context, db *sqlx.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO research_findings
				(run_id, angle_id, angle, iteration, status, findings, sources,
				 error, search_count, cache_hits, duration_ms, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())`,
			runID, result.AngleID, result.Angle, result.Iteration, result.Status,
			findings, sources, result.Error, result.SearchCount, result.CacheHits,
			result.DurationMs)
		return err
	})
}

// SaveThoughtEvent archives one thought log entry.
func (c *Client) SaveThoughtEvent(ev thoughtlog.ThoughtEvent) {
	meta, _ := json.Marshal(ev.Metadata)
	c.enqueue("thought_event", func(ctx context.Context, db *sqlx.DB) error {
		_, err := db.ExecContext(ctx, `
			INSERT INTO thought_events (run_id, seq, agent_id, category, content, metadata, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7)`,
			ev.RunID, ev.Seq, ev.AgentID, ev.Category, ev.Content, meta, ev.Timestamp)
		return err
	})
}

// CompleteRun records the terminal outcome of a run.
func (c *Client) CompleteRun(report models.FinalReport, status string) {
	c.enqueue("complete_run", func(ctx context.Context, db *sqlx.DB) error {
		_, err := db.ExecContext(ctx, `
			UPDATE research_runs
			SET status = $2, completed_at = $3, iterations = $4, quality_score = $5,
			    below_threshold = $6, report_text = $7, total_searches = $8,
			    cache_hits = $9, input_tokens = $10, output_tokens = $11, cost_usd = $12
			WHERE id = $1`,
			report.RunID, status, report.CompletedAt, report.Iterations,
			report.QualityScore, report.BelowThreshold, report.ReportText,
			report.TotalSearches, report.CacheHits, report.Usage.InputTokens,
			report.Usage.OutputTokens, report.Usage.CostUSD)
		return err
	})
}

// RunRow is one persisted run summary.
type RunRow struct {
	ID           uuid.UUID  `db:"id"`
	Query        string     `db:"query"`
	Status       string     `db:"status"`
	StartedAt    time.Time  `db:"started_at"`
	CompletedAt  *time.Time `db:"completed_at"`
	Iterations   *int       `db:"iterations"`
	QualityScore *float64   `db:"quality_score"`
}

// GetRun reads one run summary back, synchronously.
func (c *Client) GetRun(ctx context.Context, runID uuid.UUID) (*RunRow, error) {
	var row RunRow
	err := c.db.GetContext(ctx, &row, `
		SELECT id, query, status, started_at, completed_at, iterations, quality_score
		FROM research_runs WHERE id = $1`, runID)
	if err != nil {
		return nil, fmt.Errorf("get run %s: %w", runID, err)
	}
	return &row, nil
}

// Ping verifies database connectivity for readiness checks.
func (c *Client) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Close stops the workers, drains pending writes and closes the pool.
func (c *Client) Close() error {
	close(c.stopCh)
	c.workerWg.Wait()
	return c.db.Close()
}
