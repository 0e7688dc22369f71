package sqlite

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrorigo/memoria/internal/storage"
	"github.com/mrorigo/memoria/pkg/types"
)

func newTestStore(t *testing.T) *MemoryStore {
	t.Helper()
	store, err := NewMemoryStore(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func sampleMemory(id, content string) *types.MemoryRecord {
	return &types.MemoryRecord{
		ID:              id,
		Namespace:       "default",
		Content:         content,
		Summary:         "summary of " + id,
		Classification:  types.ClassificationConsciousInfo,
		Importance:      types.ImportanceMedium,
		ConfidenceScore: 0.8,
		Entities:        []string{"entity-a"},
		ProcessingState: types.StateProcessed,
	}
}

func TestStoreAndGetRoundTrip(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := sampleMemory("mem:default:a", "stored content for retrieval")
	record.GeneralRelationships = []types.Relationship{{
		ID: "rel:1", Type: types.RelationRelated, TargetMemoryID: "mem:default:b",
		Confidence: 0.8, Strength: 0.7,
		Reason: "observed in the same thread", Context: "test fixture",
	}}
	now := time.Now().UTC().Truncate(time.Second)
	record.LastConsolidatedAt = &now
	require.NoError(t, store.Store(ctx, record))

	got, err := store.Get(ctx, "default", "mem:default:a")
	require.NoError(t, err)
	assert.Equal(t, record.Content, got.Content)
	assert.Equal(t, record.Summary, got.Summary)
	assert.Equal(t, types.ClassificationConsciousInfo, got.Classification)
	assert.Equal(t, []string{"entity-a"}, got.Entities)
	require.Len(t, got.GeneralRelationships, 1)
	assert.Equal(t, "mem:default:b", got.GeneralRelationships[0].TargetMemoryID)
	require.NotNil(t, got.LastConsolidatedAt)
}

func TestGetNotFound(t *testing.T) {
	store := newTestStore(t)
	_, err := store.Get(context.Background(), "default", "mem:default:ghost")
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestStoreUpsert(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := sampleMemory("mem:default:a", "first version")
	require.NoError(t, store.Store(ctx, record))
	record.Content = "second version"
	require.NoError(t, store.Store(ctx, record))

	got, err := store.Get(ctx, "default", "mem:default:a")
	require.NoError(t, err)
	assert.Equal(t, "second version", got.Content)

	count, err := store.Count(ctx, "default", storage.CountFilter{})
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestUpdateMissingRecord(t *testing.T) {
	store := newTestStore(t)
	err := store.Update(context.Background(), sampleMemory("mem:default:ghost", "content"))
	assert.True(t, errors.Is(err, storage.ErrNotFound))
}

func TestNamespaceIsolation(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	record := sampleMemory("mem:shared:a", "namespaced content")
	record.Namespace = "tenant-1"
	require.NoError(t, store.Store(ctx, record))

	_, err := store.Get(ctx, "tenant-2", "mem:shared:a")
	assert.True(t, errors.Is(err, storage.ErrNotFound))

	got, err := store.Get(ctx, "tenant-1", "mem:shared:a")
	require.NoError(t, err)
	assert.Equal(t, "tenant-1", got.Namespace)
}

func TestListFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	plain := sampleMemory("mem:default:plain", "plain record")
	dup := sampleMemory("mem:default:dup", "tracked duplicate")
	dup.IsDuplicate = true
	merged := sampleMemory("mem:default:merged", "merged away")
	merged.ConsolidatedInto = "mem:default:plain"
	conv := sampleMemory("mem:default:conv", "conversational record")
	conv.Classification = types.ClassificationConversational
	for _, r := range []*types.MemoryRecord{plain, dup, merged, conv} {
		require.NoError(t, store.Store(ctx, r))
	}

	all, err := store.List(ctx, storage.ListOptions{Namespace: "default"})
	require.NoError(t, err)
	assert.Len(t, all, 4)

	live, err := store.List(ctx, storage.ListOptions{Namespace: "default", ExcludeConsolidated: true})
	require.NoError(t, err)
	assert.Len(t, live, 3)

	dups, err := store.List(ctx, storage.ListOptions{Namespace: "default", OnlyDuplicates: true})
	require.NoError(t, err)
	require.Len(t, dups, 1)
	assert.Equal(t, "mem:default:dup", dups[0].ID)

	conscious, err := store.List(ctx, storage.ListOptions{
		Namespace:      "default",
		Classification: types.ClassificationConsciousInfo,
	})
	require.NoError(t, err)
	assert.Len(t, conscious, 3)
}

func TestCountFilters(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	plain := sampleMemory("mem:default:plain", "plain record")
	merged := sampleMemory("mem:default:merged", "merged away")
	merged.ConsolidatedInto = "mem:default:plain"
	archived := sampleMemory("mem:default:archived", "archived record")
	archived.ProcessingState = types.StateArchived
	for _, r := range []*types.MemoryRecord{plain, merged, archived} {
		require.NoError(t, store.Store(ctx, r))
	}

	consolidated, err := store.Count(ctx, "default", storage.CountFilter{OnlyConsolidated: true})
	require.NoError(t, err)
	assert.Equal(t, 1, consolidated)

	eligible, err := store.Count(ctx, "default", storage.CountFilter{EligibleOnly: true})
	require.NoError(t, err)
	assert.Equal(t, 1, eligible)
}

func TestWithTxCommitsAtomically(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Store(ctx, sampleMemory("mem:default:a", "initial content")))

	err := store.WithTx(ctx, "default", time.Minute, func(tx storage.Tx) error {
		record, err := tx.Get("mem:default:a")
		if err != nil {
			return err
		}
		record.Content = "updated in tx"
		if err := tx.Put(record); err != nil {
			return err
		}
		fresh := sampleMemory("mem:default:b", "created in tx")
		return tx.Put(fresh)
	})
	require.NoError(t, err)

	a, err := store.Get(ctx, "default", "mem:default:a")
	require.NoError(t, err)
	assert.Equal(t, "updated in tx", a.Content)
	_, err = store.Get(ctx, "default", "mem:default:b")
	assert.NoError(t, err)
}

func TestWithTxRollsBackOnError(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, store.Store(ctx, sampleMemory("mem:default:a", "initial content")))

	sentinel := fmt.Errorf("forced failure")
	err := store.WithTx(ctx, "default", time.Minute, func(tx storage.Tx) error {
		record, err := tx.Get("mem:default:a")
		if err != nil {
			return err
		}
		record.Content = "should never land"
		if err := tx.Put(record); err != nil {
			return err
		}
		return sentinel
	})
	require.ErrorIs(t, err, sentinel)

	got, err := store.Get(ctx, "default", "mem:default:a")
	require.NoError(t, err)
	assert.Equal(t, "initial content", got.Content)
}

func TestSearchFindsRelevantRecords(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, store.Store(ctx, sampleMemory("mem:default:deploy", "kubernetes deployment rollout strategy")))
	require.NoError(t, store.Store(ctx, sampleMemory("mem:default:coffee", "favorite coffee brewing ratios")))

	hits, err := store.Search(ctx, "kubernetes deployment", storage.SimilaritySearchOptions{Namespace: "default"})
	require.NoError(t, err)
	require.NotEmpty(t, hits)
	assert.Equal(t, "mem:default:deploy", hits[0].ID)
	assert.Greater(t, hits[0].Score, 0.0)
}

func TestSearchExcludesConsolidated(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	merged := sampleMemory("mem:default:merged", "kubernetes deployment rollout strategy")
	merged.ConsolidatedInto = "mem:default:primary"
	require.NoError(t, store.Store(ctx, merged))

	hits, err := store.Search(ctx, "kubernetes deployment", storage.SimilaritySearchOptions{Namespace: "default"})
	require.NoError(t, err)
	assert.Empty(t, hits)
}
