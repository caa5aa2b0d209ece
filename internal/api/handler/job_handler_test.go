package handler

import (
	"bytes"
	"database/sql"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/gin-gonic/gin"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/valetsys/valetcore/internal/domain"
	"github.com/valetsys/valetcore/internal/queue"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func newTestHandler(t *testing.T) (*JobHandler, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	store := queue.New(sqlx.NewDb(db, "postgres"), logger)
	return NewJobHandler(&Dependencies{Logger: logger, Queue: store}), mock
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

func addJobRow(rows *sqlmock.Rows, jobID, status string) *sqlmock.Rows {
	now := time.Now()
	return rows.AddRow(
		jobID, "scrape_page", "https://example.com", "scrape", json.RawMessage(`{}`), "user-1",
		600, 3, 0, nil, "",
		"", nil, "{}", "idem-1", now,
		status, nil, 0, now, now, nil,
		nil, nil, nil, "",
		nil, "", nil, nil, "{}",
		0, 0, 0, "automatic", "",
		now, json.RawMessage(`{}`),
	)
}

func performRequest(r http.Handler, method, path string, body []byte) *httptest.ResponseRecorder {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func TestCreateJob_InsertsAndReturnsJob(t *testing.T) {
	h, mock := newTestHandler(t)

	mock.ExpectExec(`INSERT INTO jobs`).WillReturnResult(sqlmock.NewResult(1, 1))

	r := gin.New()
	r.POST("/api/v1/jobs", h.CreateJob)

	body, _ := json.Marshal(map[string]interface{}{
		"job_type":        "scrape_page",
		"target_url":      "https://example.com",
		"user_id":         "user-1",
		"idempotency_key": "idem-1",
	})
	w := performRequest(r, http.MethodPost, "/api/v1/jobs", body)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, "pending", resp["status"])
	assert.NotEmpty(t, resp["job_id"])
}

func TestCreateJob_MissingRequiredField_BadRequest(t *testing.T) {
	h, _ := newTestHandler(t)
	r := gin.New()
	r.POST("/api/v1/jobs", h.CreateJob)

	body, _ := json.Marshal(map[string]interface{}{"job_type": "scrape_page"})
	w := performRequest(r, http.MethodPost, "/api/v1/jobs", body)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestGetJob_Found(t *testing.T) {
	h, mock := newTestHandler(t)
	jobID := "11111111-1111-1111-1111-111111111111"

	mock.ExpectQuery(`SELECT .* FROM jobs WHERE job_id`).
		WillReturnRows(addJobRow(jobRows(), jobID, string(domain.JobStatusRunning)))

	r := gin.New()
	r.GET("/api/v1/jobs/:job_id", h.GetJob)

	w := performRequest(r, http.MethodGet, "/api/v1/jobs/"+jobID, nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Equal(t, jobID, resp["job_id"])
	assert.Equal(t, "running", resp["status"])
}

func TestGetJob_NotFound(t *testing.T) {
	h, mock := newTestHandler(t)

	mock.ExpectQuery(`SELECT .* FROM jobs WHERE job_id`).WillReturnError(sql.ErrNoRows)

	r := gin.New()
	r.GET("/api/v1/jobs/:job_id", h.GetJob)

	w := performRequest(r, http.MethodGet, "/api/v1/jobs/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCancelJob_Success(t *testing.T) {
	h, mock := newTestHandler(t)
	jobID := "22222222-2222-2222-2222-222222222222"

	mock.ExpectExec(`UPDATE jobs`).WillReturnResult(sqlmock.NewResult(0, 1))

	r := gin.New()
	r.POST("/api/v1/jobs/:job_id/cancel", h.CancelJob)

	w := performRequest(r, http.MethodPost, "/api/v1/jobs/"+jobID+"/cancel", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCancelJob_AlreadyTerminal_Conflict(t *testing.T) {
	h, mock := newTestHandler(t)
	jobID := "33333333-3333-3333-3333-333333333333"

	mock.ExpectExec(`UPDATE jobs`).WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(`SELECT EXISTS`).WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))

	r := gin.New()
	r.POST("/api/v1/jobs/:job_id/cancel", h.CancelJob)

	w := performRequest(r, http.MethodPost, "/api/v1/jobs/"+jobID+"/cancel", nil)
	assert.Equal(t, http.StatusConflict, w.Code)
}

func TestListJobs_ReturnsJobsAndNextCursor(t *testing.T) {
	h, mock := newTestHandler(t)

	rows := jobRows()
	for i := 0; i < 3; i++ {
		addJobRow(rows, "job-"+string(rune('a'+i)), string(domain.JobStatusPending))
	}
	mock.ExpectQuery(`SELECT .* FROM jobs WHERE`).WillReturnRows(rows)

	r := gin.New()
	r.GET("/api/v1/jobs", h.ListJobs)

	w := performRequest(r, http.MethodGet, "/api/v1/jobs?page_size=2", nil)

	require.Equal(t, http.StatusOK, w.Code)
	var resp struct {
		Jobs       []map[string]interface{} `json:"jobs"`
		NextCursor string                   `json:"next_cursor"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	assert.Len(t, resp.Jobs, 2)
	assert.NotEmpty(t, resp.NextCursor)
}

func TestListJobs_InvalidCursor_BadRequest(t *testing.T) {
	h, _ := newTestHandler(t)
	r := gin.New()
	r.GET("/api/v1/jobs", h.ListJobs)

	w := performRequest(r, http.MethodGet, "/api/v1/jobs?cursor=not-valid-base64!!", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
