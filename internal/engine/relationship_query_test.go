package engine

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mrorigo/memoria/pkg/types"
)

func newTestQuery(repo *fakeRepo) *RelationshipQuery {
	return NewRelationshipQuery(repo, zap.NewNop(), 8, time.Minute)
}

func queryFixture(t *testing.T) (*fakeRepo, *RelationshipQuery) {
	t.Helper()
	repo := newFakeRepo()

	origin := testMemory("mem:default:origin", "default", "the origin record")
	origin.GeneralRelationships = []types.Relationship{
		validEdge(types.RelationRelated, "mem:default:strong", 0.9, 0.9),
		validEdge(types.RelationReference, "mem:default:weak", 0.4, 0.3),
	}

	inbound := testMemory("mem:default:inbound", "default", "points at the origin")
	inbound.GeneralRelationships = []types.Relationship{
		validEdge(types.RelationContinuation, "mem:default:origin", 0.8, 0.7),
	}

	mustStore(repo, origin, inbound,
		testMemory("mem:default:strong", "default", "strongly related"),
		testMemory("mem:default:weak", "default", "weakly related"),
	)
	return repo, newTestQuery(repo)
}

func TestGetRelatedMemoriesBothDirections(t *testing.T) {
	_, q := queryFixture(t)

	results, err := q.GetRelatedMemories(context.Background(), "mem:default:origin", QueryFilters{})
	require.NoError(t, err)
	require.Len(t, results, 3)

	byID := make(map[string]types.RelatedMemory)
	for _, r := range results {
		byID[r.Memory.ID] = r
	}
	assert.Equal(t, "outgoing", byID["mem:default:strong"].Direction)
	assert.Equal(t, "outgoing", byID["mem:default:weak"].Direction)
	assert.Equal(t, "incoming", byID["mem:default:inbound"].Direction)

	// Sorted by (strength+confidence)/2 descending: strong first.
	assert.Equal(t, "mem:default:strong", results[0].Memory.ID)
}

func TestGetRelatedMemoriesFilters(t *testing.T) {
	_, q := queryFixture(t)

	results, err := q.GetRelatedMemories(context.Background(), "mem:default:origin",
		QueryFilters{MinConfidence: 0.7})
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		assert.NotEqual(t, "mem:default:weak", r.Memory.ID)
	}

	typed, err := q.GetRelatedMemories(context.Background(), "mem:default:origin",
		QueryFilters{Type: types.RelationContinuation})
	require.NoError(t, err)
	require.Len(t, typed, 1)
	assert.Equal(t, "incoming", typed[0].Direction)
}

func TestGetRelatedMemoriesLimit(t *testing.T) {
	_, q := queryFixture(t)

	results, err := q.GetRelatedMemories(context.Background(), "mem:default:origin",
		QueryFilters{Limit: 1})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "mem:default:strong", results[0].Memory.ID)
}

func TestGetRelatedMemoriesMissingOrigin(t *testing.T) {
	_, q := queryFixture(t)
	_, err := q.GetRelatedMemories(context.Background(), "mem:default:ghost", QueryFilters{})
	assert.Error(t, err)
}

func TestGetMemoriesByRelationship(t *testing.T) {
	_, q := queryFixture(t)

	results, err := q.GetMemoriesByRelationship(context.Background(),
		QueryFilters{Type: types.RelationContinuation})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "mem:default:inbound", results[0].Memory.ID)
	assert.Contains(t, results[0].MatchReason, "continuation")
}

func TestNamespaceScanCacheInvalidation(t *testing.T) {
	repo, q := queryFixture(t)

	// Prime the cache.
	_, err := q.GetMemoriesByRelationship(context.Background(), QueryFilters{})
	require.NoError(t, err)

	// A write after priming is invisible until invalidation.
	late := testMemory("mem:default:late", "default", "late arrival")
	late.GeneralRelationships = []types.Relationship{
		validEdge(types.RelationRelated, "mem:default:origin", 0.9, 0.8),
	}
	mustStore(repo, late)

	stale, err := q.GetMemoriesByRelationship(context.Background(), QueryFilters{})
	require.NoError(t, err)
	for _, r := range stale {
		assert.NotEqual(t, "mem:default:late", r.Memory.ID)
	}

	q.InvalidateNamespace("default")
	fresh, err := q.GetMemoriesByRelationship(context.Background(), QueryFilters{})
	require.NoError(t, err)
	found := false
	for _, r := range fresh {
		if r.Memory.ID == "mem:default:late" {
			found = true
		}
	}
	assert.True(t, found)
}
