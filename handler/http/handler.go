package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"distillery/src/infrastructure/dlq"
	"distillery/src/infrastructure/job"
	"distillery/src/infrastructure/metrics"
	"distillery/src/storage/elastic"
	"distillery/src/storage/postgres/documentctrl"
	"distillery/src/storage/postgres/recordctrl"
	"distillery/src/storage/postgres/unitctrl"
	"distillery/src/storage/weaviate"
)

// DocumentStore is the slice of the document service the API needs.
type DocumentStore interface {
	GetByID(ctx context.Context, id int64) (*documentctrl.Document, error)
	List(ctx context.Context, projectID string, limit int, offset int) ([]documentctrl.Document, error)
	DeleteByID(ctx context.Context, id int64) error
}

// UnitStore is the slice of the unit service the API needs.
type UnitStore interface {
	GetByDocumentID(ctx context.Context, documentID int64) ([]unitctrl.Unit, error)
	DeleteByDocumentID(ctx context.Context, documentID int64) error
}

// RecordStore is the slice of the record service the API needs.
type RecordStore interface {
	GetByDocumentID(ctx context.Context, documentID int64) ([]recordctrl.ExtractionRecord, error)
	DeleteByDocumentID(ctx context.Context, documentID int64) error
}

// ObjectStore deletes stored document and unit objects.
type ObjectStore interface {
	DeleteObjects(ctx context.Context, bucketName string, objectNames []string) error
}

// RecordIndex is the full text index over extraction records.
type RecordIndex interface {
	Search(ctx context.Context, projectID, query string, limit int) ([]elastic.Hit, error)
	DeleteByDocumentID(ctx context.Context, documentID string) error
}

// ArtifactIndex is the vector store over extraction artifacts. Optional;
// hybrid search answers 503 without it.
type ArtifactIndex interface {
	Query(ctx context.Context, vector []float32, config weaviate.QueryConfig) ([]weaviate.Match, error)
	DeleteByDocumentID(ctx context.Context, documentID int64) error
}

// QueryEmbedder embeds search queries for hybrid search. Optional.
type QueryEmbedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

type Handler struct {
	jobs      *job.Service
	letters   dlq.Store
	replayer  *dlq.Replayer
	collector *metrics.Collector
	documents DocumentStore
	units     UnitStore
	records   RecordStore
	objects   ObjectStore
	index     RecordIndex
	artifacts ArtifactIndex
	embedder  QueryEmbedder
}

func NewHandler(jobs *job.Service, letters dlq.Store, replayer *dlq.Replayer, collector *metrics.Collector, documents DocumentStore, units UnitStore, records RecordStore, objects ObjectStore, index RecordIndex, artifacts ArtifactIndex, embedder QueryEmbedder) *Handler {
	return &Handler{
		jobs:      jobs,
		letters:   letters,
		replayer:  replayer,
		collector: collector,
		documents: documents,
		units:     units,
		records:   records,
		objects:   objects,
		index:     index,
		artifacts: artifacts,
		embedder:  embedder,
	}
}

// RegisterRoutes registers all API routes
func (h *Handler) RegisterRoutes(r *gin.Engine) {
	api := r.Group("/api/v1")

	// Job routes
	api.POST("/jobs", h.EnqueueJob)
	api.GET("/jobs", h.ListJobs)
	api.GET("/jobs/:id", h.GetJob)
	api.POST("/jobs/:id/cancel", h.CancelJob)

	// Document routes
	api.GET("/documents", h.ListDocuments)
	api.GET("/documents/:id", h.GetDocument)
	api.DELETE("/documents/:id", h.DeleteDocument)

	// Record search routes
	api.GET("/records/search", h.SearchRecords)

	// Dead letter routes
	api.GET("/dlq", h.ListDeadLetters)
	api.GET("/dlq/:id", h.GetDeadLetter)
	api.POST("/dlq/:id/requeue", h.RequeueDeadLetter)
	api.DELETE("/dlq/:id", h.DeleteDeadLetter)

	// System routes
	api.GET("/metrics", h.GetMetrics)
	api.GET("/health", h.CheckHealth)
}

// Common error response structure
type ErrorResponse struct {
	Code    string      `json:"code"`
	Message string      `json:"message"`
	Details interface{} `json:"details,omitempty"`
}

func sendError(c *gin.Context, status int, err error) {
	code := "INTERNAL_ERROR"
	switch {
	case errors.Is(err, job.ErrNotFound), errors.Is(err, dlq.ErrNotFound):
		code = "NOT_FOUND"
		status = http.StatusNotFound
	case errors.Is(err, job.ErrNotCancellable):
		code = "NOT_CANCELLABLE"
		status = http.StatusConflict
	default:
		switch status {
		case http.StatusBadRequest:
			code = "BAD_REQUEST"
		case http.StatusNotFound:
			code = "NOT_FOUND"
		case http.StatusServiceUnavailable:
			code = "UNAVAILABLE"
		}
	}

	c.JSON(status, ErrorResponse{
		Code:    code,
		Message: err.Error(),
	})
}

func sendJSON(c *gin.Context, status int, data interface{}) {
	c.JSON(status, data)
}
