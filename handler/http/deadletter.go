package http

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"distillery/src/infrastructure/dlq"
)

func deadLetterID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		sendError(c, http.StatusBadRequest, err)
		return 0, false
	}
	return id, true
}

// ListDeadLetters godoc
// @Summary List dead letters, oldest first
// @Tags dlq
// @Produce json
// @Param kind query string false "Source kind filter (llm_request, acquisition_job)"
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {array} dlq.Item
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /dlq [get]
func (h *Handler) ListDeadLetters(c *gin.Context) {
	kind := dlq.SourceKind(c.Query("kind"))
	switch kind {
	case "", dlq.SourceLLMRequest, dlq.SourceAcquisitionJob:
	default:
		sendError(c, http.StatusBadRequest, fmt.Errorf("unknown source kind %q", kind))
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	items, err := h.letters.List(c.Request.Context(), kind, limit, offset)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	sendJSON(c, http.StatusOK, items)
}

// GetDeadLetter godoc
// @Summary Get one dead letter with its payload and failure history
// @Tags dlq
// @Param id path int true "Dead letter ID"
// @Produce json
// @Success 200 {object} dlq.Item
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /dlq/{id} [get]
func (h *Handler) GetDeadLetter(c *gin.Context) {
	id, ok := deadLetterID(c)
	if !ok {
		return
	}

	item, err := h.letters.Get(c.Request.Context(), id)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	sendJSON(c, http.StatusOK, item)
}

// RequeueDeadLetter godoc
// @Summary Resubmit a dead letter as fresh work
// @Tags dlq
// @Param id path int true "Dead letter ID"
// @Produce json
// @Success 200 {object} map[string]string
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /dlq/{id}/requeue [post]
func (h *Handler) RequeueDeadLetter(c *gin.Context) {
	id, ok := deadLetterID(c)
	if !ok {
		return
	}

	newID, err := h.replayer.Requeue(c.Request.Context(), id)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	sendJSON(c, http.StatusOK, gin.H{"new_id": newID})
}

// DeleteDeadLetter godoc
// @Summary Discard a dead letter without replaying it
// @Tags dlq
// @Param id path int true "Dead letter ID"
// @Success 204 "No Content"
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /dlq/{id} [delete]
func (h *Handler) DeleteDeadLetter(c *gin.Context) {
	id, ok := deadLetterID(c)
	if !ok {
		return
	}

	if err := h.letters.Delete(c.Request.Context(), id); err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	c.Status(http.StatusNoContent)
}
