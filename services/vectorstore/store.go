// Package vectorstore implements C1: dense-vector similarity search over a
// document collection, plus a semantic cache keyed by approximate query
// match. Grounded on a conversation/search.go reference (GraphQL
// NearVector + filters.Where() AND-combinator idiom) and datatypes/rag.go
// (certainty-based scoring, cache entry shape).
package vectorstore

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/filters"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"
	"go.opentelemetry.io/otel"

	"github.com/triagebackend/consult/services/datatypes"
)

var tracer = otel.Tracer("consult.vectorstore")

// DocumentClass and CacheClass are the two Weaviate collections this store
// manages: one for retrievable policy/FAQ text, one for cached query
// embeddings keyed by category.
const (
	DocumentClass = "Document"
	CacheClass    = "SemanticCache"
)

// Embedder is the narrow capability the store needs from a Chat Model
// Gateway: turning text into a dense vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// Store implements similarity_search / similarity_search_with_score / upsert
// plus the cache-hit lookup protocol. A nil *weaviate.Client
// degrades every method to empty-but-successful results, matching the
// teacher's main.go "lightweight mode" startup degradation.
//
// # Thread Safety
//
// Safe for concurrent use; the underlying Weaviate client pools connections
// and this type holds no other mutable state.
type Store struct {
	client   *weaviate.Client
	embedder Embedder

	// CacheDistanceThreshold is the cosine distance τ below which a cache
	// lookup is considered a hit (similarity ≥ 0.45 for short
	// Korean queries by default, i.e. distance ≤ 0.55).
	CacheDistanceThreshold float64

	// DocumentCollection is the Weaviate class policy/FAQ retrieval
	// queries against. Defaults to DocumentClass; overridable per
	// deployment so a tenant can point at its own collection.
	DocumentCollection string
}

// NewStore builds a Store. client may be nil (lightweight/degraded mode).
func NewStore(client *weaviate.Client, embedder Embedder) *Store {
	return &Store{
		client:                 client,
		embedder:               embedder,
		CacheDistanceThreshold: 0.55,
		DocumentCollection:     DocumentClass,
	}
}

// Available reports whether a live Weaviate backend is configured.
func (s *Store) Available() bool {
	return s.client != nil
}

// Upsert embeds each document's text and persists (id, embedding, text,
// metadata) into the given collection.
func (s *Store) Upsert(ctx context.Context, collection string, docs []datatypes.Document) error {
	if !s.Available() {
		slog.Warn("vectorstore upsert skipped: no backend configured", "collection", collection)
		return nil
	}
	ctx, span := tracer.Start(ctx, "Store.Upsert")
	defer span.End()

	for i := range docs {
		doc := &docs[i]
		if doc.ID == "" {
			doc.ID = uuid.NewString()
		}
		if len(doc.Embedding) == 0 {
			vec, err := s.embedder.Embed(ctx, doc.Text)
			if err != nil {
				return fmt.Errorf("embed document %s: %w", doc.ID, err)
			}
			doc.Embedding = vec
		}

		props := map[string]interface{}{
			"text":     doc.Text,
			"doc_id":   doc.ID,
			"metadata": doc.Metadata,
		}
		_, err := s.client.Data().Creator().
			WithClassName(collection).
			WithID(doc.ID).
			WithProperties(props).
			WithVector(doc.Embedding).
			Do(ctx)
		if err != nil {
			return fmt.Errorf("upsert document %s into %s: %w", doc.ID, collection, err)
		}
	}
	return nil
}

// SimilaritySearch returns the top-k documents ordered by ascending
// distance. k=0 returns [] without contacting the backend.
func (s *Store) SimilaritySearch(ctx context.Context, collection, queryText string, k int, filter map[string]string) ([]datatypes.Document, error) {
	scored, err := s.SimilaritySearchWithScore(ctx, collection, queryText, k, filter)
	if err != nil {
		return nil, err
	}
	docs := make([]datatypes.Document, len(scored))
	for i, ds := range scored {
		docs[i] = ds.Document
	}
	return docs, nil
}

// SimilaritySearchWithScore is SimilaritySearch with distances attached.
func (s *Store) SimilaritySearchWithScore(ctx context.Context, collection, queryText string, k int, filter map[string]string) ([]datatypes.DocumentScore, error) {
	if k == 0 {
		return []datatypes.DocumentScore{}, nil
	}
	if !s.Available() {
		slog.Warn("vectorstore search degraded: no backend configured", "collection", collection)
		return []datatypes.DocumentScore{}, nil
	}
	ctx, span := tracer.Start(ctx, "Store.SimilaritySearchWithScore")
	defer span.End()

	vector, err := s.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vector)

	fields := []graphql.Field{
		{Name: "text"},
		{Name: "doc_id"},
		{Name: "metadata"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "certainty"},
			{Name: "distance"},
		}},
	}

	getBuilder := s.client.GraphQL().Get().
		WithClassName(collection).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithLimit(k)

	if where := buildEqualityFilter(filter); where != nil {
		getBuilder = getBuilder.WithWhere(where)
	}

	result, err := getBuilder.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("weaviate similarity search on %s: %w", collection, err)
	}

	parsed, err := parseGraphQLResponse[documentQueryResponse](result)
	if err != nil {
		return nil, fmt.Errorf("parse similarity search results: %w", err)
	}

	docs := parsed.Get[collection]
	out := make([]datatypes.DocumentScore, 0, len(docs))
	for _, d := range docs {
		distance := certaintyToDistance(d.Additional.Certainty, d.Additional.Distance)
		out = append(out, datatypes.DocumentScore{
			Document: datatypes.Document{
				ID:       d.DocID,
				Text:     d.Text,
				Metadata: d.Metadata,
			},
			Distance: distance,
		})
	}
	return out, nil
}

// buildEqualityFilter AND-combines string-equality filters over a metadata
// map, grounded on conversation/search.go's filters.Where()/filters.And use.
func buildEqualityFilter(filter map[string]string) *filters.WhereBuilder {
	if len(filter) == 0 {
		return nil
	}
	operands := make([]*filters.WhereBuilder, 0, len(filter))
	for key, value := range filter {
		operands = append(operands, filters.Where().
			WithPath([]string{key}).
			WithOperator(filters.Equal).
			WithValueString(value))
	}
	if len(operands) == 1 {
		return operands[0]
	}
	return filters.Where().WithOperator(filters.And).WithOperands(operands)
}

// certaintyToDistance prefers the backend's reported certainty (always in
// [0,1], per the documented scoring preference) and converts it to a
// cosine-distance-shaped value for callers that compare against τ;
// falls back to a raw distance field if certainty is absent.
func certaintyToDistance(certainty, distance *float64) float64 {
	if certainty != nil {
		return 1 - *certainty
	}
	if distance != nil {
		return *distance
	}
	return 1
}
