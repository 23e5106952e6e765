// handlers_jobs.go - Extraction job status handlers
package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
)

// Progress streams poll the job at this interval and give up after
// streamTimeout.
var (
	pollInterval  = 100 * time.Millisecond
	streamTimeout = 5 * time.Minute
)

// JobHandlerImpl implements the JobHandler interface
type JobHandlerImpl struct {
	svc ArchiveService
}

// NewJobHandler creates a new job handler instance
func NewJobHandler(svc ArchiveService) JobHandler {
	return &JobHandlerImpl{svc: svc}
}

// HandleJobStatus returns the current state of an extraction job
func (h *JobHandlerImpl) HandleJobStatus(c echo.Context) error {
	id := c.Param("jobId")
	if id == "" {
		return NewValidationError("jobId")
	}

	job, err := h.svc.JobStatus(id)
	if err != nil {
		return FromError(err, "job", id)
	}
	return c.JSON(http.StatusOK, job)
}

// HandleJobProgressStream streams job progress via SSE
func (h *JobHandlerImpl) HandleJobProgressStream(c echo.Context) error {
	id := c.Param("jobId")
	if id == "" {
		return NewValidationError("jobId")
	}

	// Set SSE headers
	c.Response().Header().Set("Content-Type", "text/event-stream")
	c.Response().Header().Set("Cache-Control", "no-cache")
	c.Response().Header().Set("Connection", "keep-alive")
	c.Response().Header().Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)

	job, err := h.svc.JobStatus(id)
	if err != nil {
		sendSSEError(c, "job not found")
		return nil
	}
	sendSSEData(c, job)
	if job.Terminal() {
		return nil
	}

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	timeout := time.NewTimer(streamTimeout)
	defer timeout.Stop()

	last := job
	for {
		select {
		case <-c.Request().Context().Done():
			return nil

		case <-ticker.C:
			job, err := h.svc.JobStatus(id)
			if err != nil {
				sendSSEError(c, "job not found")
				return nil
			}

			if job.Progress != last.Progress || job.State != last.State || job.Phase != last.Phase {
				sendSSEData(c, job)
				last = job
			}

			if job.Terminal() {
				return nil
			}

		case <-timeout.C:
			sendSSEError(c, "stream timeout")
			return nil
		}
	}
}

func sendSSEData(c echo.Context, data interface{}) {
	jsonData, _ := json.Marshal(data)
	fmt.Fprintf(c.Response(), "data: %s\n\n", jsonData)
	c.Response().Flush()
}

func sendSSEError(c echo.Context, message string) {
	sendSSEData(c, map[string]string{"error": message})
}
