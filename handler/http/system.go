package http

import (
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
)

// GetMetrics godoc
// @Summary Snapshot queue depths and dead letter counts
// @Tags system
// @Produce json
// @Success 200 {object} metrics.Snapshot
// @Failure 500 {object} ErrorResponse
// @Router /metrics [get]
func (h *Handler) GetMetrics(c *gin.Context) {
	snapshot, err := h.collector.Collect(c.Request.Context())
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	sendJSON(c, http.StatusOK, snapshot)
}

// CheckHealth godoc
// @Summary Check API health
// @Tags system
// @Produce json
// @Success 200 {object} map[string]string
// @Router /health [get]
func (h *Handler) CheckHealth(c *gin.Context) {
	sendJSON(c, http.StatusOK, gin.H{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}
