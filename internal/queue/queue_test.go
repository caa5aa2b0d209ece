package queue

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valetsys/valetcore/internal/domain"
)

func newTestStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	sqlxDB := sqlx.NewDb(db, "postgres")
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return New(sqlxDB, logger), mock
}

func jobRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"job_id", "job_type", "target_url", "task_description", "input_data", "user_id",
		"timeout_seconds", "max_retries", "priority", "scheduled_at", "callback_url",
		"external_task_id", "target_worker_id", "tags", "idempotency_key", "created_at",
		"status", "worker_id", "retry_count", "last_heartbeat", "started_at", "completed_at",
		"paused_at", "interaction_type", "interaction_data", "status_message",
		"result_data", "result_summary", "error_code", "error_details", "screenshot_urls",
		"llm_cost_cents", "action_count", "total_tokens", "execution_mode", "final_mode",
		"updated_at", "metadata",
	})
}

func addJobRow(rows *sqlmock.Rows, jobID, status, workerID string) *sqlmock.Rows {
	now := time.Now()
	emptyArrayLiteral := "{}" // parsed by pq.StringArray.Scan as a postgres array literal
	return rows.AddRow(
		jobID, "scrape_page", "https://example.com", "scrape", json.RawMessage(`{}`), "user-1",
		600, 3, 0, nil, "",
		"", nil, emptyArrayLiteral, "", now,
		status, workerID, 0, now, now, nil,
		nil, nil, nil, "",
		nil, "", nil, nil, emptyArrayLiteral,
		0, 0, 0, "automatic", "",
		now, json.RawMessage(`{}`),
	)
}

func TestClaim_ReturnsJobOnSuccess(t *testing.T) {
	store, mock := newTestStore(t)
	jobID := "11111111-1111-1111-1111-111111111111"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT job_id FROM jobs`).
		WithArgs(domain.JobStatusPending, "worker-1").
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}).AddRow(jobID))
	mock.ExpectQuery(`UPDATE jobs`).
		WithArgs(domain.JobStatusRunning, "worker-1", jobID, domain.JobStatusPending).
		WillReturnRows(addJobRow(jobRows(), jobID, string(domain.JobStatusRunning), "worker-1"))
	mock.ExpectCommit()

	job, err := store.Claim(context.Background(), "worker-1")
	require.NoError(t, err)
	assert.Equal(t, jobID, job.JobID)
	assert.Equal(t, domain.JobStatusRunning, job.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestClaim_NoJobAvailable(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT job_id FROM jobs`).
		WillReturnError(sql.ErrNoRows)
	mock.ExpectRollback()

	_, err := store.Claim(context.Background(), "worker-1")
	assert.ErrorIs(t, err, domain.ErrNoJobAvailable)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancel_RejectsTerminalJob(t *testing.T) {
	store, mock := newTestStore(t)
	jobID := "22222222-2222-2222-2222-222222222222"

	mock.ExpectExec(`UPDATE jobs`).
		WithArgs(domain.JobStatusCancelled, jobID, domain.JobStatusCompleted, domain.JobStatusFailed, domain.JobStatusCancelled).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	err := store.Cancel(context.Background(), jobID)
	assert.ErrorIs(t, err, domain.ErrTransitionRejected)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCancel_NotFound(t *testing.T) {
	store, mock := newTestStore(t)
	jobID := "33333333-3333-3333-3333-333333333333"

	mock.ExpectExec(`UPDATE jobs`).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))

	err := store.Cancel(context.Background(), jobID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}

func TestCancel_Success(t *testing.T) {
	store, mock := newTestStore(t)
	jobID := "44444444-4444-4444-4444-444444444444"

	mock.ExpectExec(`UPDATE jobs`).
		WillReturnResult(sqlmock.NewResult(0, 1))

	err := store.Cancel(context.Background(), jobID)
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestList_FiltersAndPaginatesByCursor(t *testing.T) {
	store, mock := newTestStore(t)
	jobID := "55555555-5555-5555-5555-555555555555"
	cursorTime := time.Now().Add(-time.Hour)

	mock.ExpectQuery(`SELECT .* FROM jobs WHERE`).
		WithArgs("user-1", string(domain.JobStatusPending), cursorTime, "prev-job", 21).
		WillReturnRows(addJobRow(jobRows(), jobID, string(domain.JobStatusPending), ""))

	jobs, err := store.List(context.Background(), ListFilter{
		UserID:   "user-1",
		Status:   string(domain.JobStatusPending),
		PageSize: 20,
		Cursor:   &Cursor{CreatedAt: cursorTime, JobID: "prev-job"},
	})
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, jobID, jobs[0].JobID)
	require.NoError(t, mock.ExpectationsWereMet())
}

// releaseDetailsMatcher is a sqlmock.Argument that decodes the error_details
// JSON a requeue UPDATE was called with and checks the audit fields the
// reclamation sweep must record (released_by, reason=stuck_job, a
// released_at timestamp), without pinning down the exact bytes.
type releaseDetailsMatcher struct {
	wantReleasedBy string
}

func (m releaseDetailsMatcher) Match(v driver.Value) bool {
	raw, ok := v.([]byte)
	if !ok {
		return false
	}
	var details struct {
		ReleasedBy string `json:"released_by"`
		Reason     string `json:"reason"`
		ReleasedAt string `json:"released_at"`
	}
	if err := json.Unmarshal(raw, &details); err != nil {
		return false
	}
	return details.ReleasedBy == m.wantReleasedBy && details.Reason == "stuck_job" && details.ReleasedAt != ""
}

func TestReclaimStuck_RequeuesWithoutIncrementingRetryCountAndRecordsReleaseDetails(t *testing.T) {
	store, mock := newTestStore(t)
	jobID := "66666666-6666-6666-6666-666666666666"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT job_id FROM jobs`).
		WithArgs(domain.JobStatusRunning, domain.JobStatusPaused, "30 seconds").
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}).AddRow(jobID))
	mock.ExpectQuery(`SELECT retry_count, max_retries, worker_id FROM jobs WHERE job_id`).
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"retry_count", "max_retries", "worker_id"}).AddRow(1, 3, "worker-1"))
	mock.ExpectExec(`UPDATE jobs`).
		WithArgs(domain.JobStatusPending, releaseDetailsMatcher{wantReleasedBy: "worker-1"}, jobID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	requeued, failed, err := store.ReclaimStuck(context.Background(), "30 seconds")
	require.NoError(t, err)
	assert.Equal(t, 1, requeued)
	assert.Equal(t, 0, failed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimStuck_FailsJobAtMaxRetriesInsteadOfRequeuing(t *testing.T) {
	store, mock := newTestStore(t)
	jobID := "88888888-8888-8888-8888-888888888888"

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT job_id FROM jobs`).
		WithArgs(domain.JobStatusRunning, domain.JobStatusPaused, "30 seconds").
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}).AddRow(jobID))
	mock.ExpectQuery(`SELECT retry_count, max_retries, worker_id FROM jobs WHERE job_id`).
		WithArgs(jobID).
		WillReturnRows(sqlmock.NewRows([]string{"retry_count", "max_retries", "worker_id"}).AddRow(3, 3, "worker-1"))
	mock.ExpectExec(`UPDATE jobs`).
		WithArgs(domain.JobStatusFailed, domain.ErrorCodeTimeout, sqlmock.AnyArg(), jobID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	requeued, failed, err := store.ReclaimStuck(context.Background(), "30 seconds")
	require.NoError(t, err)
	assert.Equal(t, 0, requeued)
	assert.Equal(t, 1, failed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestReclaimStuck_NoStaleJobsIsANoop(t *testing.T) {
	store, mock := newTestStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(`SELECT job_id FROM jobs`).
		WithArgs(domain.JobStatusRunning, domain.JobStatusPaused, "30 seconds").
		WillReturnRows(sqlmock.NewRows([]string{"job_id"}))
	mock.ExpectCommit()

	requeued, failed, err := store.ReclaimStuck(context.Background(), "30 seconds")
	require.NoError(t, err)
	assert.Equal(t, 0, requeued)
	assert.Equal(t, 0, failed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetByID_NotFound(t *testing.T) {
	store, mock := newTestStore(t)
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE job_id`).
		WillReturnError(sql.ErrNoRows)

	_, err := store.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrJobNotFound)
}
