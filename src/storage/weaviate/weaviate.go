package weaviate

import (
	"context"
	"fmt"
	"strconv"

	"github.com/go-openapi/strfmt"
	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v4/weaviate"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/filters"
	"github.com/weaviate/weaviate/entities/models"
)

// ClassName is the Weaviate class holding one object per extraction
// record.
const ClassName = "ExtractionArtifact"

// ArtifactStore encapsulates all Weaviate operations on extraction
// artifacts.
type ArtifactStore struct {
	client *weaviate.Client
}

func NewArtifactStore(client *weaviate.Client) *ArtifactStore {
	return &ArtifactStore{
		client: client,
	}
}

// Artifact is the indexable projection of one extraction record. The id
// fields are stored as text because snowflake ids do not survive the
// float64 round trip of GraphQL numbers.
type Artifact struct {
	RecordID   int64
	DocumentID int64
	UnitID     int64
	ProjectID  string
	Profile    string
	Summary    string
	Fields     string
	Vector     []float32
}

// objectID derives a stable Weaviate id from the record id so re-running
// an extraction overwrites the artifact instead of duplicating it.
func objectID(recordID int64) string {
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte("distillery/records/"+strconv.FormatInt(recordID, 10))).String()
}

// EnsureSchema creates the artifact class when it does not exist yet.
// Calling it on every startup is safe.
func (w *ArtifactStore) EnsureSchema(ctx context.Context) error {
	exists, err := w.classExists(ctx, ClassName)
	if err != nil {
		return fmt.Errorf("failed to check if class exists: %v", err)
	}
	if exists {
		return nil
	}

	class := &models.Class{
		Class: ClassName,
		Properties: []*models.Property{
			{Name: "recordId", DataType: []string{"text"}},
			{Name: "documentId", DataType: []string{"text"}},
			{Name: "unitId", DataType: []string{"text"}},
			{Name: "projectId", DataType: []string{"text"}},
			{Name: "profile", DataType: []string{"text"}},
			{Name: "summary", DataType: []string{"text"}},
			{Name: "fields", DataType: []string{"text"}},
		},
		Vectorizer: "none",
	}

	err = w.client.Schema().ClassCreator().WithClass(class).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to create Weaviate class: %v", err)
	}

	return nil
}

// classExists checks if a class exists in the schema
func (w *ArtifactStore) classExists(ctx context.Context, className string) (bool, error) {
	schema, err := w.client.Schema().Getter().Do(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to get schema: %v", err)
	}

	for _, class := range schema.Classes {
		if class.Class == className {
			return true, nil
		}
	}

	return false, nil
}

// UpsertArtifact writes the artifact under its stable id. The batcher is
// used even for a single object because batch writes replace existing
// objects instead of rejecting the id.
func (w *ArtifactStore) UpsertArtifact(ctx context.Context, artifact Artifact) error {
	obj := &models.Object{
		Class: ClassName,
		ID:    strfmt.UUID(objectID(artifact.RecordID)),
		Properties: map[string]interface{}{
			"recordId":   strconv.FormatInt(artifact.RecordID, 10),
			"documentId": strconv.FormatInt(artifact.DocumentID, 10),
			"unitId":     strconv.FormatInt(artifact.UnitID, 10),
			"projectId":  artifact.ProjectID,
			"profile":    artifact.Profile,
			"summary":    artifact.Summary,
			"fields":     artifact.Fields,
		},
		Vector: artifact.Vector,
	}

	resp, err := w.client.Batch().ObjectsBatcher().WithObjects(obj).Do(ctx)
	if err != nil {
		return fmt.Errorf("failed to upsert artifact: %v", err)
	}
	if len(resp) == 0 {
		return fmt.Errorf("batch operation returned no results")
	}

	return nil
}

// DeleteByRecordID removes the artifact of one extraction record.
func (w *ArtifactStore) DeleteByRecordID(ctx context.Context, recordID int64) error {
	err := w.client.Data().Deleter().
		WithClassName(ClassName).
		WithID(objectID(recordID)).
		Do(ctx)

	if err != nil {
		return fmt.Errorf("failed to delete artifact: %v", err)
	}

	return nil
}

// DeleteByDocumentID removes every artifact derived from one document.
func (w *ArtifactStore) DeleteByDocumentID(ctx context.Context, documentID int64) error {
	where := filters.Where().
		WithPath([]string{"documentId"}).
		WithOperator(filters.Equal).
		WithValueText(strconv.FormatInt(documentID, 10))

	_, err := w.client.Batch().ObjectsBatchDeleter().
		WithClassName(ClassName).
		WithWhere(where).
		Do(ctx)

	if err != nil {
		return fmt.Errorf("failed to delete artifacts: %v", err)
	}

	return nil
}
