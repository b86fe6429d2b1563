package vectorstore

import (
	"encoding/json"
	"fmt"

	"github.com/weaviate/weaviate/entities/models"
)

// parseGraphQLResponse unmarshals a Weaviate GraphQL response into a
// strongly-typed shape. Grounded on a
// datatypes.ParseGraphQLResponse[T] generic (weaviate_query.go).
func parseGraphQLResponse[T any](resp *models.GraphQLResponse) (*T, error) {
	if resp == nil {
		return nil, fmt.Errorf("nil GraphQL response")
	}
	raw, err := json.Marshal(resp.Data)
	if err != nil {
		return nil, fmt.Errorf("marshal graphql response data: %w", err)
	}
	var out T
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("unmarshal graphql response into target type: %w", err)
	}
	return &out, nil
}

// documentQueryResponse shapes a Get query against a document collection;
// Weaviate keys the result list by the queried class name.
type documentQueryResponse struct {
	Get map[string][]documentResult `json:"Get"`
}

type documentResult struct {
	Text     string            `json:"text"`
	Metadata map[string]string `json:"metadata"`
	DocID    string            `json:"doc_id"`

	Additional struct {
		ID        string   `json:"id"`
		Certainty *float64 `json:"certainty"`
		Distance  *float64 `json:"distance"`
	} `json:"_additional"`
}

// cacheQueryResponse shapes a Get query against the SemanticCache class.
type cacheQueryResponse struct {
	Get struct {
		SemanticCache []cacheResult `json:"SemanticCache"`
	} `json:"Get"`
}

type cacheResult struct {
	QueryText   string   `json:"query_text"`
	Category    string   `json:"category"`
	DocumentIDs []string `json:"document_ids"`
	HitCount    int      `json:"hit_count"`
	CreatedAt   string   `json:"created_at"`

	Additional struct {
		ID        string   `json:"id"`
		Certainty *float64 `json:"certainty"`
		Distance  *float64 `json:"distance"`
	} `json:"_additional"`
}
