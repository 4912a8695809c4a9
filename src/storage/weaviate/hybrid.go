package weaviate

import (
	"context"
	"fmt"

	"github.com/weaviate/weaviate-go-client/v4/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v4/weaviate/graphql"
)

// QueryConfig contains configuration for hybrid artifact search.
type QueryConfig struct {
	Query     string  // Text query for BM25
	ProjectID string  // Optional project filter
	Alpha     float32 // Weight for vector search (default: 0.75)
	Limit     int
}

const DefaultQueryLimit = 20

// DefaultQueryConfig returns default configuration for hybrid search
func DefaultQueryConfig(query string) QueryConfig {
	return QueryConfig{
		Query: query,
		Alpha: 0.75, // 75% vector search, 25% BM25
		Limit: DefaultQueryLimit,
	}
}

// Match is a single result from hybrid artifact search.
type Match struct {
	RecordID   string
	DocumentID string
	ProjectID  string
	Profile    string
	Summary    string
	Score      float64
}

// Query performs hybrid search over artifacts, combining vector
// similarity with BM25 over summary and fields.
func (w *ArtifactStore) Query(ctx context.Context, vector []float32, config QueryConfig) ([]Match, error) {
	fields := []graphql.Field{
		{Name: "recordId"},
		{Name: "documentId"},
		{Name: "projectId"},
		{Name: "profile"},
		{Name: "summary"},
		// _additional carries the hybrid score
		{Name: "_additional { id score }"},
	}

	hybridBuilder := w.client.GraphQL().HybridArgumentBuilder().
		WithVector(vector).
		WithQuery(config.Query)
	if config.Alpha > 0 {
		hybridBuilder.WithAlpha(config.Alpha)
	}

	limit := config.Limit
	if limit <= 0 {
		limit = DefaultQueryLimit
	}

	query := w.client.GraphQL().Get().
		WithClassName(ClassName).
		WithFields(fields...).
		WithHybrid(hybridBuilder).
		WithLimit(limit)

	if config.ProjectID != "" {
		query = query.WithWhere(filters.Where().
			WithPath([]string{"projectId"}).
			WithOperator(filters.Equal).
			WithValueText(config.ProjectID))
	}

	result, err := query.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to query artifacts: %v", err)
	}

	var matches []Match
	if data, ok := result.Data["Get"].(map[string]interface{}); ok {
		if objects, ok := data[ClassName].([]interface{}); ok {
			for _, obj := range objects {
				objMap, ok := obj.(map[string]interface{})
				if !ok {
					continue
				}

				match := Match{
					RecordID:   stringProp(objMap, "recordId"),
					DocumentID: stringProp(objMap, "documentId"),
					ProjectID:  stringProp(objMap, "projectId"),
					Profile:    stringProp(objMap, "profile"),
					Summary:    stringProp(objMap, "summary"),
				}
				if additional, ok := objMap["_additional"].(map[string]interface{}); ok {
					switch score := additional["score"].(type) {
					case float64:
						match.Score = score
					case string:
						// Weaviate returns the hybrid score as a string.
						fmt.Sscanf(score, "%f", &match.Score)
					}
				}
				matches = append(matches, match)
			}
		}
	}

	return matches, nil
}

func stringProp(objMap map[string]interface{}, name string) string {
	if v, ok := objMap[name].(string); ok {
		return v
	}
	return ""
}
