package http

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"distillery/src/infrastructure/job"
)

type enqueueJobRequest struct {
	Type        job.Type        `json:"type" binding:"required"`
	Payload     json.RawMessage `json:"payload" binding:"required"`
	MaxAttempts int             `json:"maxAttempts"`
}

// EnqueueJob godoc
// @Summary Enqueue a background job
// @Tags jobs
// @Accept json
// @Produce json
// @Param body body enqueueJobRequest true "Job type and payload"
// @Success 201 {object} job.Job
// @Failure 400 {object} ErrorResponse
// @Router /jobs [post]
func (h *Handler) EnqueueJob(c *gin.Context) {
	var req enqueueJobRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		sendError(c, http.StatusBadRequest, err)
		return
	}

	j, err := h.jobs.EnqueueRaw(c.Request.Context(), req.Type, req.Payload, req.MaxAttempts)
	if err != nil {
		sendError(c, http.StatusBadRequest, err)
		return
	}

	sendJSON(c, http.StatusCreated, j)
}

// ListJobs godoc
// @Summary List jobs, newest first
// @Tags jobs
// @Produce json
// @Param type query string false "Job type filter"
// @Param status query string false "Status filter"
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {array} job.Job
// @Failure 500 {object} ErrorResponse
// @Router /jobs [get]
func (h *Handler) ListJobs(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	jobs, err := h.jobs.List(c.Request.Context(), job.ListFilter{
		Type:   job.Type(c.Query("type")),
		Status: job.Status(c.Query("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}

	sendJSON(c, http.StatusOK, jobs)
}

// GetJob godoc
// @Summary Get one job with its result or failure history
// @Tags jobs
// @Param id path string true "Job ID"
// @Produce json
// @Success 200 {object} job.Job
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /jobs/{id} [get]
func (h *Handler) GetJob(c *gin.Context) {
	j, err := h.jobs.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	sendJSON(c, http.StatusOK, j)
}

// CancelJob godoc
// @Summary Request cooperative cancellation of a running job
// @Tags jobs
// @Param id path string true "Job ID"
// @Produce json
// @Success 202 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Failure 409 {object} ErrorResponse
// @Router /jobs/{id}/cancel [post]
func (h *Handler) CancelJob(c *gin.Context) {
	id := c.Param("id")
	if err := h.jobs.RequestCancel(c.Request.Context(), id); err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}

	// The executor observes the flip at its next checkpoint; this only
	// acknowledges the request.
	sendJSON(c, http.StatusAccepted, gin.H{"id": id, "status": string(job.StatusCancelling)})
}
