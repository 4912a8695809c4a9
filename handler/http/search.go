package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"distillery/src/storage/weaviate"
)

// searchResult is one search hit in either mode. Fields carries the raw
// extracted object and is only populated by keyword search; hybrid
// matches come back without it.
type searchResult struct {
	RecordID   string          `json:"record_id"`
	DocumentID string          `json:"document_id"`
	ProjectID  string          `json:"project_id"`
	Profile    string          `json:"profile"`
	Summary    string          `json:"summary"`
	Score      float64         `json:"score"`
	Fields     json.RawMessage `json:"fields,omitempty"`
}

// SearchRecords godoc
// @Summary Search extraction records
// @Tags records
// @Produce json
// @Param q query string true "Query text"
// @Param project_id query string false "Project filter"
// @Param limit query int false "Result cap"
// @Param hybrid query bool false "Blend vector similarity into the ranking"
// @Success 200 {array} searchResult
// @Failure 400 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Failure 503 {object} ErrorResponse
// @Router /records/search [get]
func (h *Handler) SearchRecords(c *gin.Context) {
	query := c.Query("q")
	if query == "" {
		sendError(c, http.StatusBadRequest, errors.New("query parameter q is required"))
		return
	}
	projectID := c.Query("project_id")
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))

	if c.Query("hybrid") == "true" {
		h.searchHybrid(c, query, projectID, limit)
		return
	}

	hits, err := h.index.Search(c.Request.Context(), projectID, query, limit)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}

	results := make([]searchResult, 0, len(hits))
	for _, hit := range hits {
		results = append(results, searchResult{
			RecordID:   hit.RecordID,
			DocumentID: hit.Source.DocumentID,
			ProjectID:  hit.Source.ProjectID,
			Profile:    hit.Source.Profile,
			Summary:    hit.Source.Summary,
			Score:      hit.Score,
			Fields:     hit.Source.Fields,
		})
	}
	sendJSON(c, http.StatusOK, results)
}

func (h *Handler) searchHybrid(c *gin.Context, query, projectID string, limit int) {
	if h.artifacts == nil || h.embedder == nil {
		sendError(c, http.StatusServiceUnavailable, errors.New("hybrid search is not configured"))
		return
	}
	ctx := c.Request.Context()

	vector, err := h.embedder.Embed(ctx, query)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}

	cfg := weaviate.DefaultQueryConfig(query)
	cfg.ProjectID = projectID
	if limit > 0 {
		cfg.Limit = limit
	}

	matches, err := h.artifacts.Query(ctx, vector, cfg)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}

	results := make([]searchResult, 0, len(matches))
	for _, m := range matches {
		results = append(results, searchResult{
			RecordID:   m.RecordID,
			DocumentID: m.DocumentID,
			ProjectID:  m.ProjectID,
			Profile:    m.Profile,
			Summary:    m.Summary,
			Score:      m.Score,
		})
	}
	sendJSON(c, http.StatusOK, results)
}
