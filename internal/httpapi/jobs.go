package httpapi

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/coremachine/coremachine/internal/core/engine"
	"github.com/coremachine/coremachine/internal/core/model"
	"github.com/coremachine/coremachine/internal/core/store"
)

// JobHandler exposes submit/status over HTTP, grounded on the teacher's
// internal/http/handlers/job.go (GetJob's parse-param/service-call/
// respond shape; submit has no teacher analogue since the source system
// creates jobs from internal service calls, not a public POST).
type JobHandler struct {
	core *engine.Core
}

func NewJobHandler(core *engine.Core) *JobHandler {
	return &JobHandler{core: core}
}

type submitJobRequest struct {
	JobType       string                 `json:"job_type" binding:"required"`
	Parameters    map[string]interface{} `json:"parameters"`
	CorrelationID string                 `json:"correlation_id"`
}

type submitJobResponse struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	Idempotent bool   `json:"idempotent"`
}

// PostJobs implements POST /jobs (spec §6's submission API).
func (h *JobHandler) PostJobs(c *gin.Context) {
	var req submitJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid_request", err)
		return
	}

	result, err := h.core.Submit(c.Request.Context(), req.JobType, req.Parameters, req.CorrelationID)
	if err != nil {
		var validationErr *model.ValidationError
		var unknownTypeErr *model.UnknownJobTypeError
		switch {
		case errors.As(err, &validationErr):
			respondError(c, http.StatusBadRequest, "validation_error", err)
		case errors.As(err, &unknownTypeErr):
			respondError(c, http.StatusBadRequest, "unknown_job_type", err)
		default:
			respondError(c, http.StatusInternalServerError, "submit_failed", err)
		}
		return
	}

	status := http.StatusCreated
	if result.Idempotent {
		status = http.StatusOK
	}
	c.JSON(status, submitJobResponse{
		JobID:      result.JobID,
		Status:     string(result.Status),
		Idempotent: result.Idempotent,
	})
}

// GetJob implements GET /jobs/:id (spec §6's status-query API).
func (h *JobHandler) GetJob(c *gin.Context) {
	jobID := c.Param("id")
	job, err := h.core.GetJobStatus(c.Request.Context(), jobID)
	if err != nil {
		if store.IsNotFound(err) {
			respondError(c, http.StatusNotFound, "job_not_found", err)
			return
		}
		respondError(c, http.StatusInternalServerError, "get_job_failed", err)
		return
	}
	respondOK(c, job)
}
