package http

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"distillery/src/storage/minioctrl"
	"distillery/src/storage/postgres/documentctrl"
	"distillery/src/storage/postgres/recordctrl"
	"distillery/src/storage/postgres/unitctrl"
)

type documentDetail struct {
	Document *documentctrl.Document        `json:"document"`
	Units    []unitctrl.Unit               `json:"units"`
	Records  []recordctrl.ExtractionRecord `json:"records"`
}

func documentID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		sendError(c, http.StatusBadRequest, err)
		return 0, false
	}
	return id, true
}

// ListDocuments godoc
// @Summary List acquired documents, newest first
// @Tags documents
// @Produce json
// @Param project_id query string false "Project filter"
// @Param limit query int false "Page size"
// @Param offset query int false "Page offset"
// @Success 200 {array} documentctrl.Document
// @Failure 500 {object} ErrorResponse
// @Router /documents [get]
func (h *Handler) ListDocuments(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "20"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))

	documents, err := h.documents.List(c.Request.Context(), c.Query("project_id"), limit, offset)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	sendJSON(c, http.StatusOK, documents)
}

// GetDocument godoc
// @Summary Get one document with its units and extraction records
// @Tags documents
// @Param id path int true "Document ID"
// @Produce json
// @Success 200 {object} documentDetail
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /documents/{id} [get]
func (h *Handler) GetDocument(c *gin.Context) {
	id, ok := documentID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	doc, err := h.documents.GetByID(ctx, id)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	if doc == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Code: "NOT_FOUND", Message: "document not found"})
		return
	}

	units, err := h.units.GetByDocumentID(ctx, id)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	records, err := h.records.GetByDocumentID(ctx, id)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}

	sendJSON(c, http.StatusOK, documentDetail{Document: doc, Units: units, Records: records})
}

// DeleteDocument godoc
// @Summary Delete a document and everything derived from it
// @Tags documents
// @Param id path int true "Document ID"
// @Success 204 "No Content"
// @Failure 400 {object} ErrorResponse
// @Failure 404 {object} ErrorResponse
// @Failure 500 {object} ErrorResponse
// @Router /documents/{id} [delete]
func (h *Handler) DeleteDocument(c *gin.Context) {
	id, ok := documentID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()

	doc, err := h.documents.GetByID(ctx, id)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	if doc == nil {
		c.JSON(http.StatusNotFound, ErrorResponse{Code: "NOT_FOUND", Message: "document not found"})
		return
	}

	units, err := h.units.GetByDocumentID(ctx, id)
	if err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}

	// Indexes go first and rows last, so a failed delete can simply be
	// retried against the still existing document.
	if err := h.index.DeleteByDocumentID(ctx, strconv.FormatInt(id, 10)); err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	if h.artifacts != nil {
		if err := h.artifacts.DeleteByDocumentID(ctx, id); err != nil {
			sendError(c, http.StatusInternalServerError, err)
			return
		}
	}

	objectsByBucket := make(map[string][]string)
	for _, unit := range units {
		if bucket, object := minioctrl.SplitURL(unit.MinioURL); bucket != "" {
			objectsByBucket[bucket] = append(objectsByBucket[bucket], object)
		}
	}
	if bucket, object := minioctrl.SplitURL(doc.MinioURL); bucket != "" {
		objectsByBucket[bucket] = append(objectsByBucket[bucket], object)
	}
	for bucket, names := range objectsByBucket {
		if err := h.objects.DeleteObjects(ctx, bucket, names); err != nil {
			sendError(c, http.StatusInternalServerError, err)
			return
		}
	}

	if err := h.records.DeleteByDocumentID(ctx, id); err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	if err := h.units.DeleteByDocumentID(ctx, id); err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}
	if err := h.documents.DeleteByID(ctx, id); err != nil {
		sendError(c, http.StatusInternalServerError, err)
		return
	}

	c.Status(http.StatusNoContent)
}
