package worker

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/valetsys/valetcore/internal/domain"
)

func TestJobRuntime_AccessorsReflectUnderlyingJob(t *testing.T) {
	job := &domain.Job{
		JobID:           "job-1",
		JobType:         "scrape_page",
		TargetURL:       "https://example.com",
		TaskDescription: "scrape the page",
		InputData:       []byte(`{"k":"v"}`),
		UserID:          "user-1",
	}
	rt := &jobRuntime{job: job, workerID: "worker-1"}

	assert.Equal(t, "job-1", rt.JobID())
	assert.Equal(t, "scrape_page", rt.JobType())
	assert.Equal(t, "https://example.com", rt.TargetURL())
	assert.Equal(t, "scrape the page", rt.TaskDescription())
	assert.Equal(t, []byte(`{"k":"v"}`), rt.InputData())
	assert.Equal(t, "user-1", rt.UserID())
}
