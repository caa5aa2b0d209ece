package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/valetsys/valetcore/internal/api/dto"
	"github.com/valetsys/valetcore/internal/domain"
	"github.com/valetsys/valetcore/internal/queue"
)

const defaultPageSize = 20
const maxPageSize = 100

// CreateJob handles POST /api/v1/jobs.
// Inserts a pending job row for a producer submission and nudges the
// RabbitMQ wake channel so an idle worker doesn't have to wait a full poll
// interval to notice it.
func (h *JobHandler) CreateJob(c *gin.Context) {
	var req dto.CreateJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.Error("invalid create job request", slog.String("error", err.Error()))
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	job := &domain.Job{
		JobID:           uuid.New().String(),
		JobType:         req.JobType,
		TargetURL:       req.TargetURL,
		TaskDescription: req.TaskDescription,
		InputData:       req.InputData,
		UserID:          req.UserID,
		TimeoutSeconds:  req.TimeoutSeconds,
		MaxRetries:      req.MaxRetries,
		Priority:        req.Priority,
		CallbackURL:     req.CallbackURL,
		ExternalTaskID:  req.ExternalTaskID,
		Tags:            req.Tags,
		IdempotencyKey:  req.IdempotencyKey,
		Status:          domain.JobStatusPending,
		CreatedAt:       time.Now(),
		UpdatedAt:       time.Now(),
	}
	if req.TargetWorkerID != "" {
		job.TargetWorkerID = &req.TargetWorkerID
	}
	if req.ScheduledAt != nil && *req.ScheduledAt != "" {
		t, err := time.Parse(time.RFC3339, *req.ScheduledAt)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "scheduled_at must be RFC3339"})
			return
		}
		job.ScheduledAt = &t
	}

	if err := h.queue.Insert(c.Request.Context(), job); err != nil {
		h.logger.Error("failed to create job", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create job"})
		return
	}

	if h.wakeup != nil {
		h.wakeup.Hint(c.Request.Context())
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// GetJob handles GET /api/v1/jobs/:job_id.
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("job_id")

	job, err := h.queue.GetByID(c.Request.Context(), jobID)
	if errors.Is(err, domain.ErrJobNotFound) {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	if err != nil {
		h.logger.Error("failed to get job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get job"})
		return
	}

	c.JSON(http.StatusOK, toJobDTO(job))
}

// ListJobs handles GET /api/v1/jobs: cursor-paginated, filtered by
// user_id/job_type/status, following the teacher's ListJobs/DecodeJobCursor
// shape unchanged.
func (h *JobHandler) ListJobs(c *gin.Context) {
	var req dto.ListJobsRequest
	if err := c.ShouldBindQuery(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid query parameters"})
		return
	}

	if req.PageSize <= 0 {
		req.PageSize = defaultPageSize
	}
	if req.PageSize > maxPageSize {
		req.PageSize = maxPageSize
	}

	cursor, err := DecodeJobCursor(req.Cursor)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid cursor"})
		return
	}

	jobs, err := h.queue.List(c.Request.Context(), queue.ListFilter{
		UserID:   req.UserID,
		JobType:  req.JobType,
		Status:   req.Status,
		PageSize: req.PageSize,
		Cursor:   cursor,
	})
	if err != nil {
		h.logger.Error("failed to list jobs", slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list jobs"})
		return
	}

	hasMore := len(jobs) > req.PageSize
	if hasMore {
		jobs = jobs[:req.PageSize]
	}

	jobResponse := make([]dto.JobDTO, len(jobs))
	for i := range jobs {
		jobResponse[i] = toJobDTO(&jobs[i])
	}

	var nextCursor string
	if hasMore {
		last := jobs[len(jobs)-1]
		nextCursor, err = EncodeJobCursor(&queue.Cursor{CreatedAt: last.CreatedAt, JobID: last.JobID})
		if err != nil {
			h.logger.Error("failed to encode next cursor", slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode next cursor"})
			return
		}
	}

	c.JSON(http.StatusOK, dto.ListJobsResponse{Jobs: jobResponse, NextCursor: nextCursor})
}

// CancelJob handles POST /api/v1/jobs/:job_id/cancel. The write is a
// guarded UPDATE on a non-terminal row. The owning worker does not interrupt
// a running handler for it: a paused job's HITL wait sees the cancel at its
// next status check, and a running job's final transition is rejected.
func (h *JobHandler) CancelJob(c *gin.Context) {
	jobID := c.Param("job_id")

	err := h.queue.Cancel(c.Request.Context(), jobID)
	switch {
	case errors.Is(err, domain.ErrJobNotFound):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, domain.ErrTransitionRejected):
		c.JSON(http.StatusConflict, gin.H{"error": "job is already in a terminal state"})
	case err != nil:
		h.logger.Error("failed to cancel job", slog.String("job_id", jobID), slog.String("error", err.Error()))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to cancel job"})
	default:
		c.JSON(http.StatusOK, gin.H{"job_id": jobID, "status": string(domain.JobStatusCancelled)})
	}
}

func toJobDTO(j *domain.Job) dto.JobDTO {
	d := dto.JobDTO{
		JobID:           j.JobID,
		JobType:         j.JobType,
		TargetURL:       j.TargetURL,
		TaskDescription: j.TaskDescription,
		UserID:          j.UserID,
		Status:          string(j.Status),
		Priority:        j.Priority,
		RetryCount:      j.RetryCount,
		ExternalTaskID:  j.ExternalTaskID,
		IdempotencyKey:  j.IdempotencyKey,
		ResultSummary:   j.ResultSummary,
		LLMCostCents:    j.LLMCostCents,
		ActionCount:     j.ActionCount,
		TotalTokens:     j.TotalTokens,
		CreatedAt:       j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:       j.UpdatedAt.Format(time.RFC3339),
	}
	if j.WorkerID != nil {
		d.WorkerID = *j.WorkerID
	}
	if j.ErrorCode != nil {
		d.ErrorCode = *j.ErrorCode
	}
	if j.CompletedAt != nil {
		d.CompletedAt = j.CompletedAt.Format(time.RFC3339)
	}
	if j.ExecutionMode != "" || j.FinalMode != "" {
		d.Manual = &dto.ManualMetadata{ExecutionMode: j.ExecutionMode, FinalMode: j.FinalMode}
	}
	return d
}
