package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/semaphore"

	"github.com/openresearchlab/orchestrator/internal/metrics"
	"github.com/openresearchlab/orchestrator/internal/models"
	"github.com/openresearchlab/orchestrator/internal/thoughtlog"
)

// WorkerFunc executes one research angle to completion. The context carries
// the per-task deadline; a returned error marks the result failed unless
// the deadline caused it.
type WorkerFunc func(ctx context.Context, angle models.ResearchAngle) (*models.WorkerResult, error)

// Dispatcher fans a set of angles out to concurrent workers and collects a
// terminal result for every one of them. Concurrency is bounded to protect
// the model service and evidence cache; a task that exceeds its timeout is
// marked timed_out without cancelling its siblings.
type Dispatcher struct {
	maxConcurrency int64
	taskTimeout    time.Duration
	log            *thoughtlog.Log
	logger         *zap.Logger
}

// New builds a dispatcher with the given concurrency bound and per-task
// timeout.
func New(maxConcurrency int, taskTimeout time.Duration, log *thoughtlog.Log, logger *zap.Logger) *Dispatcher {
	return &Dispatcher{
		maxConcurrency: int64(maxConcurrency),
		taskTimeout:    taskTimeout,
		log:            log,
		logger:         logger,
	}
}

// Run dispatches every angle and blocks until all workers reach a terminal
// state. The returned slice always has one result per submitted angle, in
// submission order. No worker goroutine outlives this call.
func (d *Dispatcher) Run(ctx context.Context, runID uuid.UUID, angles []models.ResearchAngle, fn WorkerFunc) []models.WorkerResult {
	results := make([]models.WorkerResult, len(angles))
	sem := semaphore.NewWeighted(d.maxConcurrency)

	var wg sync.WaitGroup
	for i, angle := range angles {
		d.log.Append(thoughtlog.ThoughtEvent{
			RunID:    runID,
			AgentID:  "dispatcher",
			Category: thoughtlog.CategorySearching,
			Content:  fmt.Sprintf("Dispatching worker for angle: %s", angle.Text),
			Metadata: map[string]interface{}{"angle_id": angle.ID.String(), "iteration": angle.Iteration},
		})
		metrics.WorkersDispatched.Inc()

		wg.Add(1)
		go func(i int, angle models.ResearchAngle) {
			defer wg.Done()
			results[i] = d.runOne(ctx, sem, angle, fn)
		}(i, angle)
	}
	wg.Wait()

	for _, r := range results {
		metrics.WorkerResults.WithLabelValues(r.Status).Inc()
		metrics.WorkerDuration.Observe(float64(r.DurationMs))
	}
	return results
}

// runOne executes a single angle under the concurrency bound and its own
// timeout, converting every possible outcome into a terminal WorkerResult.
func (d *Dispatcher) runOne(ctx context.Context, sem *semaphore.Weighted, angle models.ResearchAngle, fn WorkerFunc) (result models.WorkerResult) {
	start := time.Now()
	terminal := func(status, errMsg string) models.WorkerResult {
		return models.WorkerResult{
			AngleID:    angle.ID,
			Angle:      angle.Text,
			Iteration:  angle.Iteration,
			Status:     status,
			Error:      errMsg,
			DurationMs: time.Since(start).Milliseconds(),
		}
	}

	// A worker panic must not take down the run; it terminates as a failure.
	defer func() {
		if rec := recover(); rec != nil {
			d.logger.Error("Worker panicked",
				zap.String("angle", angle.Text),
				zap.Any("panic", rec),
			)
			result = terminal(models.StatusFailed, fmt.Sprintf("worker panic: %v", rec))
		}
	}()

	if err := sem.Acquire(ctx, 1); err != nil {
		return terminal(models.StatusFailed, fmt.Sprintf("acquire worker slot: %v", err))
	}
	defer sem.Release(1)

	taskCtx, cancel := context.WithTimeout(ctx, d.taskTimeout)
	defer cancel()

	res, err := fn(taskCtx, angle)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || taskCtx.Err() == context.DeadlineExceeded {
			return terminal(models.StatusTimedOut, fmt.Sprintf("task exceeded %s timeout", d.taskTimeout))
		}
		// External errors are captured as data so one bad worker cannot
		// cancel its siblings.
		return terminal(models.StatusFailed, err.Error())
	}
	if res == nil {
		return terminal(models.StatusFailed, "worker returned no result")
	}

	out := *res
	out.AngleID = angle.ID
	out.Angle = angle.Text
	out.Iteration = angle.Iteration
	if out.Status == "" {
		out.Status = models.StatusSucceeded
	}
	out.DurationMs = time.Since(start).Milliseconds()
	return out
}
