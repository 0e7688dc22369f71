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

func newTestRelationshipManager(repo *fakeRepo) *RelationshipManager {
	logger := zap.NewNop()
	return NewRelationshipManager(repo, NewRelationshipValidator(nil, logger), logger, time.Minute)
}

func validEdge(relType types.RelationshipType, target string, confidence, strength float64) types.Relationship {
	return types.Relationship{
		Type:           relType,
		TargetMemoryID: target,
		Confidence:     confidence,
		Strength:       strength,
		Reason:         "observed in the same conversation thread",
		Context:        "session review",
	}
}

func TestStoreRelationshipsPartitionsSupersedes(t *testing.T) {
	repo := newFakeRepo()
	mustStore(repo, testMemory("mem:default:a", "default", "source record"))
	manager := newTestRelationshipManager(repo)

	stored, invalid, err := manager.StoreRelationships(context.Background(), "mem:default:a",
		[]types.Relationship{
			validEdge(types.RelationRelated, "mem:default:b", 0.8, 0.7),
			validEdge(types.RelationSupersedes, "mem:default:c", 0.9, 0.8),
		}, "default")
	require.NoError(t, err)
	assert.Equal(t, 2, stored)
	assert.Empty(t, invalid)

	record, err := repo.Get(context.Background(), "default", "mem:default:a")
	require.NoError(t, err)
	require.Len(t, record.GeneralRelationships, 1)
	require.Len(t, record.SupersedingRelationships, 1)
	assert.Equal(t, types.RelationSupersedes, record.SupersedingRelationships[0].Type)
	assert.True(t, len(record.GeneralRelationships[0].ID) > 4)
	assert.Equal(t, "1", record.Additional["relationship_count"])
}

func TestStoreRelationshipsMergeKeepsHigherScores(t *testing.T) {
	repo := newFakeRepo()
	mustStore(repo, testMemory("mem:default:a", "default", "source record"))
	manager := newTestRelationshipManager(repo)

	_, _, err := manager.StoreRelationships(context.Background(), "mem:default:a",
		[]types.Relationship{validEdge(types.RelationRelated, "mem:default:b", 0.9, 0.8)}, "default")
	require.NoError(t, err)

	// A weaker edge with the same key does not replace the stored one.
	weaker := validEdge(types.RelationRelated, "mem:default:b", 0.5, 0.4)
	weaker.Reason = "a thinner reason entirely"
	stored, _, err := manager.StoreRelationships(context.Background(), "mem:default:a",
		[]types.Relationship{weaker}, "default")
	require.NoError(t, err)
	assert.Equal(t, 0, stored)

	record, _ := repo.Get(context.Background(), "default", "mem:default:a")
	require.Len(t, record.GeneralRelationships, 1)
	assert.Equal(t, 0.9, record.GeneralRelationships[0].Confidence)
	assert.Equal(t, "observed in the same conversation thread", record.GeneralRelationships[0].Reason)

	// A stronger edge upgrades in place, keeping the original id.
	originalID := record.GeneralRelationships[0].ID
	stronger := validEdge(types.RelationRelated, "mem:default:b", 0.95, 0.9)
	stored, _, err = manager.StoreRelationships(context.Background(), "mem:default:a",
		[]types.Relationship{stronger}, "default")
	require.NoError(t, err)
	assert.Equal(t, 1, stored)

	record, _ = repo.Get(context.Background(), "default", "mem:default:a")
	require.Len(t, record.GeneralRelationships, 1)
	assert.Equal(t, 0.95, record.GeneralRelationships[0].Confidence)
	assert.Equal(t, originalID, record.GeneralRelationships[0].ID)
}

func TestStoreRelationshipsCollectsInvalid(t *testing.T) {
	repo := newFakeRepo()
	mustStore(repo, testMemory("mem:default:a", "default", "source record"))
	manager := newTestRelationshipManager(repo)

	bad := validEdge(types.RelationRelated, "mem:default:b", 0.5, 0.95) // strength > confidence + 0.3
	good := validEdge(types.RelationReference, "mem:default:c", 0.7, 0.6)

	stored, invalid, err := manager.StoreRelationships(context.Background(), "mem:default:a",
		[]types.Relationship{bad, good}, "default")
	require.NoError(t, err)
	assert.Equal(t, 1, stored)
	require.Len(t, invalid, 1)
	assert.NotEmpty(t, invalid[0].Errors)
}

func TestUpdateRelationshipsOperations(t *testing.T) {
	repo := newFakeRepo()
	mustStore(repo, testMemory("mem:default:a", "default", "source record"))
	manager := newTestRelationshipManager(repo)

	_, _, err := manager.StoreRelationships(context.Background(), "mem:default:a",
		[]types.Relationship{validEdge(types.RelationRelated, "mem:default:b", 0.8, 0.7)}, "default")
	require.NoError(t, err)

	updated := validEdge(types.RelationRelated, "mem:default:b", 0.85, 0.75)
	added := validEdge(types.RelationReference, "mem:default:c", 0.7, 0.6)
	missing := validEdge(types.RelationContinuation, "mem:default:z", 0.7, 0.6)

	result, err := manager.UpdateRelationships(context.Background(), "mem:default:a",
		[]types.RelationshipChange{
			{Relationship: updated, Operation: types.RelationshipOpUpdate},
			{Relationship: added, Operation: types.RelationshipOpAdd},
			{Relationship: missing, Operation: types.RelationshipOpUpdate},
			{Relationship: validEdge(types.RelationRelated, "mem:default:absent", 0.5, 0.5), Operation: types.RelationshipOpRemove},
		}, "default")
	require.NoError(t, err)
	// update + add + no-op remove succeed; update of a missing key is collected.
	assert.Equal(t, 3, result.Updated)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "not found")

	record, _ := repo.Get(context.Background(), "default", "mem:default:a")
	require.Len(t, record.GeneralRelationships, 2)
	assert.Equal(t, 0.85, record.GeneralRelationships[0].Confidence)
}

func TestUpdateRelationshipsRefreshesCounts(t *testing.T) {
	repo := newFakeRepo()
	mustStore(repo, testMemory("mem:default:a", "default", "source record"))
	manager := newTestRelationshipManager(repo)

	_, _, err := manager.StoreRelationships(context.Background(), "mem:default:a",
		[]types.Relationship{
			validEdge(types.RelationRelated, "mem:default:b", 0.8, 0.7),
			validEdge(types.RelationSupersedes, "mem:default:c", 0.9, 0.8),
		}, "default")
	require.NoError(t, err)

	result, err := manager.UpdateRelationships(context.Background(), "mem:default:a",
		[]types.RelationshipChange{
			{Relationship: validEdge(types.RelationReference, "mem:default:d", 0.7, 0.6), Operation: types.RelationshipOpAdd},
			{Relationship: validEdge(types.RelationRelated, "mem:default:b", 0.8, 0.7), Operation: types.RelationshipOpRemove},
		}, "default")
	require.NoError(t, err)
	assert.Equal(t, 2, result.Updated)

	record, err := repo.Get(context.Background(), "default", "mem:default:a")
	require.NoError(t, err)
	assert.Equal(t, "1", record.Additional["relationship_count"])
	assert.Equal(t, "1", record.Additional["superseding_count"])
}

func TestUpdateRelationshipsRemoveDeletes(t *testing.T) {
	repo := newFakeRepo()
	mustStore(repo, testMemory("mem:default:a", "default", "source record"))
	manager := newTestRelationshipManager(repo)

	_, _, err := manager.StoreRelationships(context.Background(), "mem:default:a",
		[]types.Relationship{validEdge(types.RelationRelated, "mem:default:b", 0.8, 0.7)}, "default")
	require.NoError(t, err)

	result, err := manager.UpdateRelationships(context.Background(), "mem:default:a",
		[]types.RelationshipChange{{
			Relationship: validEdge(types.RelationRelated, "mem:default:b", 0.8, 0.7),
			Operation:    types.RelationshipOpRemove,
		}}, "default")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Updated)

	record, _ := repo.Get(context.Background(), "default", "mem:default:a")
	assert.Empty(t, record.GeneralRelationships)
}

func TestStoreRelationshipsMissingMemory(t *testing.T) {
	manager := newTestRelationshipManager(newFakeRepo())
	_, _, err := manager.StoreRelationships(context.Background(), "mem:default:ghost",
		[]types.Relationship{validEdge(types.RelationRelated, "mem:default:b", 0.8, 0.7)}, "default")
	assert.Error(t, err)
}
