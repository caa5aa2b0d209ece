package handler

import (
	"log/slog"

	"github.com/valetsys/valetcore/internal/queue"
	"github.com/valetsys/valetcore/internal/wakeup"
)

// Dependencies holds all dependencies needed by handlers.
type Dependencies struct {
	Logger *slog.Logger
	Queue  *queue.Store
	Wakeup *wakeup.Publisher
}

// JobHandler handles job-related HTTP requests. It talks to the jobs table
// through the same internal/queue.Store the Worker Runtime uses — the
// status API is a second reader/writer of the scheduler's one source of
// truth, not a separate storage layer.
type JobHandler struct {
	logger *slog.Logger
	queue  *queue.Store
	wakeup *wakeup.Publisher
}

// NewJobHandler creates a new JobHandler instance.
func NewJobHandler(deps *Dependencies) *JobHandler {
	return &JobHandler{
		logger: deps.Logger,
		queue:  deps.Queue,
		wakeup: deps.Wakeup,
	}
}
