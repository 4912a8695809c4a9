package elastic

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/elastic/go-elasticsearch/v8"
	"github.com/elastic/go-elasticsearch/v8/esutil"
)

// DefaultIndex is the index holding one entry per extraction record.
const DefaultIndex = "extraction-records"

const mapping = `{
	"mappings": {
		"properties": {
			"record_id":   { "type": "keyword" },
			"document_id": { "type": "keyword" },
			"unit_id":     { "type": "keyword" },
			"project_id":  { "type": "keyword" },
			"profile":     { "type": "keyword" },
			"summary":     { "type": "text" },
			"fields":      { "type": "flattened" },
			"fields_text": { "type": "text" }
		}
	}
}`

// RecordDoc is the indexed projection of one extraction record. The id
// fields are strings because snowflake ids do not survive the float64
// round trip of JSON numbers. FieldsText duplicates the extracted fields
// as plain text for full text search.
type RecordDoc struct {
	RecordID   string          `json:"record_id"`
	DocumentID string          `json:"document_id"`
	UnitID     string          `json:"unit_id"`
	ProjectID  string          `json:"project_id"`
	Profile    string          `json:"profile"`
	Summary    string          `json:"summary"`
	Fields     json.RawMessage `json:"fields,omitempty"`
	FieldsText string          `json:"fields_text,omitempty"`
}

// Hit is one full text search result.
type Hit struct {
	RecordID string    `json:"record_id"`
	Score    float64   `json:"score"`
	Source   RecordDoc `json:"source"`
}

// IndexService encapsulates all Elasticsearch operations on extraction
// records.
type IndexService struct {
	client *elasticsearch.Client
	index  string
}

func NewIndexService(client *elasticsearch.Client, index string) *IndexService {
	if index == "" {
		index = DefaultIndex
	}
	return &IndexService{
		client: client,
		index:  index,
	}
}

// EnsureIndex creates the records index when it does not exist yet.
// Calling it on every startup is safe.
func (s *IndexService) EnsureIndex(ctx context.Context) error {
	res, err := s.client.Indices.Exists(
		[]string{s.index},
		s.client.Indices.Exists.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to check index existence: %v", err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusOK {
		return nil
	}
	if res.StatusCode != http.StatusNotFound {
		return fmt.Errorf("failed to check index existence: %s", res.Status())
	}

	created, err := s.client.Indices.Create(
		s.index,
		s.client.Indices.Create.WithContext(ctx),
		s.client.Indices.Create.WithBody(strings.NewReader(mapping)),
	)
	if err != nil {
		return fmt.Errorf("failed to create index: %v", err)
	}
	defer created.Body.Close()

	if created.IsError() {
		return fmt.Errorf("failed to create index: %s", created.Status())
	}
	return nil
}

// IndexRecord writes the record document under the record id, replacing
// any previous version.
func (s *IndexService) IndexRecord(ctx context.Context, doc RecordDoc) error {
	res, err := s.client.Index(
		s.index,
		esutil.NewJSONReader(doc),
		s.client.Index.WithDocumentID(doc.RecordID),
		s.client.Index.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to index record: %v", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("failed to index record: %s", res.Status())
	}
	return nil
}

// Search runs a full text query over summaries and extracted fields,
// optionally narrowed to one project.
func (s *IndexService) Search(ctx context.Context, projectID, query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = 20
	}

	boolQuery := map[string]interface{}{
		"must": []interface{}{
			map[string]interface{}{
				"multi_match": map[string]interface{}{
					"query":  query,
					"fields": []string{"summary", "fields_text"},
				},
			},
		},
	}
	if projectID != "" {
		boolQuery["filter"] = []interface{}{
			map[string]interface{}{
				"term": map[string]interface{}{"project_id": projectID},
			},
		}
	}

	body := map[string]interface{}{
		"query": map[string]interface{}{"bool": boolQuery},
		"size":  limit,
	}

	res, err := s.client.Search(
		s.client.Search.WithContext(ctx),
		s.client.Search.WithIndex(s.index),
		s.client.Search.WithBody(esutil.NewJSONReader(body)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to search records: %v", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return nil, fmt.Errorf("failed to search records: %s", res.Status())
	}

	var envelope struct {
		Hits struct {
			Hits []struct {
				ID     string    `json:"_id"`
				Score  float64   `json:"_score"`
				Source RecordDoc `json:"_source"`
			} `json:"hits"`
		} `json:"hits"`
	}
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %v", err)
	}

	hits := make([]Hit, 0, len(envelope.Hits.Hits))
	for _, h := range envelope.Hits.Hits {
		hits = append(hits, Hit{
			RecordID: h.ID,
			Score:    h.Score,
			Source:   h.Source,
		})
	}
	return hits, nil
}

// DeleteByDocumentID removes every record document derived from one
// document.
func (s *IndexService) DeleteByDocumentID(ctx context.Context, documentID string) error {
	body := map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"document_id": documentID},
		},
	}

	res, err := s.client.DeleteByQuery(
		[]string{s.index},
		esutil.NewJSONReader(body),
		s.client.DeleteByQuery.WithContext(ctx),
	)
	if err != nil {
		return fmt.Errorf("failed to delete records: %v", err)
	}
	defer res.Body.Close()

	if res.IsError() {
		return fmt.Errorf("failed to delete records: %s", res.Status())
	}
	return nil
}
