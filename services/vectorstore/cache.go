package vectorstore

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/weaviate/weaviate-go-client/v5/weaviate/graphql"

	"github.com/triagebackend/consult/services/datatypes"
)

// CacheLookupOrSearch implements the semantic cache protocol (see the
// §4.1): embed the query once, probe the cache collection for the nearest
// prior query in the same category, and either serve its referenced
// documents (cache hit) or fall through to a full similarity search on the
// primary collection and record a new cache entry (cache miss).
//
// On an equal-distance tie between two cache rows the one with the higher
// hit_count wins; a further tie prefers the more recently created row.
// Weaviate's NearVector ordering already returns the single nearest row
// when k=1, so the tie-break only matters when the backend reports
// identical distances across ties in its own ordering, which this method
// re-applies defensively by refetching candidates at a small k and
// resolving locally.
func (s *Store) CacheLookupOrSearch(ctx context.Context, category, primaryCollection, queryText string, k int) ([]datatypes.DocumentScore, bool, error) {
	if !s.Available() {
		hits, err := s.SimilaritySearchWithScore(ctx, primaryCollection, queryText, k, nil)
		return hits, false, err
	}
	ctx, span := tracer.Start(ctx, "Store.CacheLookupOrSearch")
	defer span.End()

	vector, err := s.embedder.Embed(ctx, queryText)
	if err != nil {
		return nil, false, fmt.Errorf("embed cache query: %w", err)
	}

	entry, distance, err := s.nearestCacheEntry(ctx, category, vector)
	if err != nil {
		return nil, false, err
	}

	if entry != nil && distance <= s.CacheDistanceThreshold {
		if err := s.incrementHitCount(ctx, entry.ID, entry.HitCount+1); err != nil {
			return nil, false, fmt.Errorf("increment cache hit count: %w", err)
		}
		hits, err := s.fetchByIDs(ctx, primaryCollection, entry.DocumentIDs)
		if err != nil {
			return nil, false, err
		}
		return hits, true, nil
	}

	hits, err := s.SimilaritySearchWithScore(ctx, primaryCollection, queryText, k, nil)
	if err != nil {
		return nil, false, err
	}

	ids := make([]string, len(hits))
	for i, h := range hits {
		ids[i] = h.Document.ID
	}
	if err := s.insertCacheEntry(ctx, category, queryText, vector, ids); err != nil {
		return hits, false, fmt.Errorf("insert cache entry: %w", err)
	}
	return hits, false, nil
}

// nearestCacheEntry returns the single nearest cache row in category along
// with its distance, applying the hit_count/created_at tie-break when the
// top candidates report equal distance.
func (s *Store) nearestCacheEntry(ctx context.Context, category string, vector []float32) (*datatypes.CacheEntry, float64, error) {
	const tieBreakCandidates = 5

	nearVector := s.client.GraphQL().NearVectorArgBuilder().WithVector(vector)
	where := buildEqualityFilter(map[string]string{"category": category})

	fields := []graphql.Field{
		{Name: "query_text"},
		{Name: "category"},
		{Name: "document_ids"},
		{Name: "hit_count"},
		{Name: "created_at"},
		{Name: "_additional", Fields: []graphql.Field{
			{Name: "id"},
			{Name: "certainty"},
			{Name: "distance"},
		}},
	}

	result, err := s.client.GraphQL().Get().
		WithClassName(CacheClass).
		WithFields(fields...).
		WithNearVector(nearVector).
		WithWhere(where).
		WithLimit(tieBreakCandidates).
		Do(ctx)
	if err != nil {
		return nil, 0, fmt.Errorf("weaviate cache lookup: %w", err)
	}

	parsed, err := parseGraphQLResponse[cacheQueryResponse](result)
	if err != nil {
		return nil, 0, fmt.Errorf("parse cache lookup results: %w", err)
	}
	if len(parsed.Get.SemanticCache) == 0 {
		return nil, 1, nil
	}

	best := parsed.Get.SemanticCache[0]
	bestDistance := certaintyToDistance(best.Additional.Certainty, best.Additional.Distance)
	for _, candidate := range parsed.Get.SemanticCache[1:] {
		d := certaintyToDistance(candidate.Additional.Certainty, candidate.Additional.Distance)
		if d > bestDistance {
			continue
		}
		if d < bestDistance || betterCacheCandidate(candidate, best) {
			best, bestDistance = candidate, d
		}
	}

	createdAt, _ := time.Parse(time.RFC3339, best.CreatedAt)
	entry := &datatypes.CacheEntry{
		ID:          best.Additional.ID,
		QueryText:   best.QueryText,
		Category:    best.Category,
		DocumentIDs: best.DocumentIDs,
		HitCount:    best.HitCount,
		CreatedAt:   createdAt,
	}
	return entry, bestDistance, nil
}

// betterCacheCandidate breaks a distance tie: higher hit_count wins, then
// newer created_at (the cache tie-break rule).
func betterCacheCandidate(candidate, incumbent cacheResult) bool {
	if candidate.HitCount != incumbent.HitCount {
		return candidate.HitCount > incumbent.HitCount
	}
	return candidate.CreatedAt > incumbent.CreatedAt
}

func (s *Store) incrementHitCount(ctx context.Context, id string, newCount int) error {
	return s.client.Data().Updater().
		WithClassName(CacheClass).
		WithID(id).
		WithMerge().
		WithProperties(map[string]interface{}{"hit_count": newCount}).
		Do(ctx)
}

func (s *Store) insertCacheEntry(ctx context.Context, category, queryText string, vector []float32, documentIDs []string) error {
	id := uuid.NewString()
	props := map[string]interface{}{
		"query_text":   queryText,
		"category":     category,
		"document_ids": documentIDs,
		"hit_count":    0,
		"created_at":   time.Now().UTC().Format(time.RFC3339),
	}
	_, err := s.client.Data().Creator().
		WithClassName(CacheClass).
		WithID(id).
		WithProperties(props).
		WithVector(vector).
		Do(ctx)
	return err
}

// fetchByIDs retrieves documents referenced by a cache hit. Missing IDs are
// silently skipped; a cache entry outliving its referenced documents is not
// treated as an error.
func (s *Store) fetchByIDs(ctx context.Context, collection string, ids []string) ([]datatypes.DocumentScore, error) {
	out := make([]datatypes.DocumentScore, 0, len(ids))
	for _, id := range ids {
		obj, err := s.client.Data().ObjectsGetter().
			WithClassName(collection).
			WithID(id).
			Do(ctx)
		if err != nil || len(obj) == 0 {
			continue
		}
		props, ok := obj[0].Properties.(map[string]interface{})
		if !ok {
			continue
		}
		doc := datatypes.Document{ID: id}
		if text, ok := props["text"].(string); ok {
			doc.Text = text
		}
		if metaRaw, ok := props["metadata"].(map[string]interface{}); ok {
			doc.Metadata = make(map[string]string, len(metaRaw))
			for k, v := range metaRaw {
				if sv, ok := v.(string); ok {
					doc.Metadata[k] = sv
				}
			}
		}
		out = append(out, datatypes.DocumentScore{Document: doc, Distance: 0})
	}
	return out, nil
}

// ClearCache deletes every cache row, or only those in category when
// category is non-empty.
func (s *Store) ClearCache(ctx context.Context, category string) error {
	if !s.Available() {
		return nil
	}
	deleter := s.client.Batch().ObjectsBatchDeleter().
		WithClassName(CacheClass).
		WithOutput("minimal")
	if category != "" {
		deleter = deleter.WithWhere(buildEqualityFilter(map[string]string{"category": category}))
	}
	_, err := deleter.Do(ctx)
	if err != nil {
		return fmt.Errorf("clear cache: %w", err)
	}
	return nil
}
