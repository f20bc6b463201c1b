package db

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/openresearchlab/orchestrator/internal/models"
	"github.com/openresearchlab/orchestrator/internal/thoughtlog"
)

func newMockClient(t *testing.T) (*Client, sqlmock.Sqlmock) {
	mockDB, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	mock.MatchExpectationsInOrder(false)
	mock.ExpectClose()
	return NewClientWithDB(sqlx.NewDb(mockDB, "sqlmock"), zaptest.NewLogger(t)), mock
}

func TestRunLifecycleWrites(t *testing.T) {
	c, mock := newMockClient(t)
	runID := uuid.New()

	mock.ExpectExec("INSERT INTO research_runs").
		WithArgs(runID, "the query", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("UPDATE research_runs").
		WillReturnResult(sqlmock.NewResult(0, 1))

	c.SaveRun(runID, "the query", time.Now())
	c.CompleteRun(models.FinalReport{
		RunID:        runID,
		Query:        "the query",
		Iterations:   2,
		QualityScore: 81.5,
		CompletedAt:  time.Now(),
	}, "completed")

	require.NoError(t, c.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveFindingSerializesResult(t *testing.T) {
	c, mock := newMockClient(t)
	runID := uuid.New()

	mock.ExpectExec("INSERT INTO research_findings").
		WillReturnResult(sqlmock.NewResult(1, 1))

	c.SaveFinding(runID, models.WorkerResult{
		AngleID:     uuid.New(),
		Angle:       "an angle",
		Iteration:   1,
		Status:      models.StatusSucceeded,
		Findings:    []string{"finding one"},
		Sources:     []models.Source{{Title: "t", URL: "https://a.example.com", Domain: "a.example.com"}},
		SearchCount: 2,
		CacheHits:   1,
		DurationMs:  1200,
	})

	require.NoError(t, c.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSaveThoughtEventWrite(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectExec("INSERT INTO thought_events").
		WillReturnResult(sqlmock.NewResult(1, 1))

	c.SaveThoughtEvent(thoughtlog.ThoughtEvent{
		RunID:     uuid.New(),
		AgentID:   "planner",
		Category:  thoughtlog.CategoryPlanning,
		Content:   "planned",
		Timestamp: time.Now(),
		Seq:       1,
	})

	require.NoError(t, c.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestWriteFailureIsSwallowed(t *testing.T) {
	c, mock := newMockClient(t)

	mock.ExpectExec("INSERT INTO research_runs").
		WillReturnError(errors.New("connection reset"))

	// The failure must be absorbed by the queue worker, not surfaced.
	c.SaveRun(uuid.New(), "q", time.Now())

	require.NoError(t, c.Close())
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestGetRun(t *testing.T) {
	c, mock := newMockClient(t)
	runID := uuid.New()
	started := time.Now()

	mock.ExpectQuery("SELECT id, query, status").
		WithArgs(runID).
		WillReturnRows(sqlmock.NewRows([]string{"id", "query", "status", "started_at", "completed_at", "iterations", "quality_score"}).
			AddRow(runID, "the query", "running", started, nil, nil, nil))

	row, err := c.GetRun(context.Background(), runID)

	require.NoError(t, err)
	assert.Equal(t, runID, row.ID)
	assert.Equal(t, "running", row.Status)
	assert.Nil(t, row.CompletedAt)
	require.NoError(t, c.Close())
}

func TestGetRunNotFound(t *testing.T) {
	c, mock := newMockClient(t)
	runID := uuid.New()

	mock.ExpectQuery("SELECT id, query, status").
		WithArgs(runID).
		WillReturnError(errors.New("sql: no rows in result set"))

	_, err := c.GetRun(context.Background(), runID)

	require.Error(t, err)
	assert.Contains(t, err.Error(), runID.String())
	require.NoError(t, c.Close())
}
