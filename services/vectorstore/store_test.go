package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/triagebackend/consult/services/datatypes"
)

type stubEmbedder struct{}

func (stubEmbedder) Embed(context.Context, string) ([]float32, error) {
	return []float32{0.1, 0.2, 0.3}, nil
}

func TestStoreDegradesWithoutBackend(t *testing.T) {
	s := NewStore(nil, stubEmbedder{})
	require.False(t, s.Available())

	docs, err := s.SimilaritySearch(context.Background(), DocumentClass, "refund policy", 3, nil)
	require.NoError(t, err)
	require.Empty(t, docs)

	require.NoError(t, s.Upsert(context.Background(), DocumentClass, []datatypes.Document{{Text: "x"}}))
	require.NoError(t, s.ClearCache(context.Background(), ""))
}

func TestSimilaritySearchZeroKShortCircuits(t *testing.T) {
	s := NewStore(nil, stubEmbedder{})
	scored, err := s.SimilaritySearchWithScore(context.Background(), DocumentClass, "anything", 0, nil)
	require.NoError(t, err)
	require.Empty(t, scored)
}

func TestCacheLookupOrSearchFallsBackWithoutBackend(t *testing.T) {
	s := NewStore(nil, stubEmbedder{})
	hits, cacheHit, err := s.CacheLookupOrSearch(context.Background(), "billing", DocumentClass, "why was I charged twice", 3)
	require.NoError(t, err)
	require.False(t, cacheHit)
	require.Empty(t, hits)
}

func TestBetterCacheCandidateTieBreak(t *testing.T) {
	higherHits := cacheResult{HitCount: 5, CreatedAt: "2026-01-01T00:00:00Z"}
	lowerHits := cacheResult{HitCount: 1, CreatedAt: "2026-06-01T00:00:00Z"}
	require.True(t, betterCacheCandidate(higherHits, lowerHits))

	newer := cacheResult{HitCount: 1, CreatedAt: "2026-06-01T00:00:00Z"}
	older := cacheResult{HitCount: 1, CreatedAt: "2026-01-01T00:00:00Z"}
	require.True(t, betterCacheCandidate(newer, older))
	require.False(t, betterCacheCandidate(older, newer))
}

func TestCertaintyToDistancePrefersCertainty(t *testing.T) {
	certainty := 0.9
	distance := 0.8
	require.InDelta(t, 0.1, certaintyToDistance(&certainty, &distance), 1e-9)

	require.InDelta(t, 0.8, certaintyToDistance(nil, &distance), 1e-9)
	require.Equal(t, float64(1), certaintyToDistance(nil, nil))
}

func TestBuildEqualityFilterNilWhenEmpty(t *testing.T) {
	require.Nil(t, buildEqualityFilter(nil))
	require.NotNil(t, buildEqualityFilter(map[string]string{"category": "billing"}))
	require.NotNil(t, buildEqualityFilter(map[string]string{"a": "1", "b": "2"}))
}
