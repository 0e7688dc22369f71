package engine

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mrorigo/memoria/internal/storage"
	"github.com/mrorigo/memoria/pkg/types"
)

func TestListAllRecordsSpansPages(t *testing.T) {
	repo := newFakeRepo()
	for i := 0; i < 25; i++ {
		mustStore(repo, testMemory(fmt.Sprintf("mem:default:%04d", i), "default", "page fill"))
	}

	records, err := listAllRecords(context.Background(), repo, storage.ListOptions{
		Namespace: "default",
		Limit:     10,
	})
	require.NoError(t, err)

	require.Len(t, records, 25)
	seen := make(map[string]bool, len(records))
	for _, record := range records {
		seen[record.ID] = true
	}
	assert.Len(t, seen, 25)
}

func TestListAllRecordsExactPageBoundary(t *testing.T) {
	repo := newFakeRepo()
	for i := 0; i < 20; i++ {
		mustStore(repo, testMemory(fmt.Sprintf("mem:default:%04d", i), "default", "page fill"))
	}

	records, err := listAllRecords(context.Background(), repo, storage.ListOptions{
		Namespace: "default",
		Limit:     10,
	})
	require.NoError(t, err)
	assert.Len(t, records, 20)
}

func TestFakeRepoListHonorsLimitAndOffset(t *testing.T) {
	repo := newFakeRepo()
	for i := 0; i < 7; i++ {
		mustStore(repo, testMemory(fmt.Sprintf("mem:default:%04d", i), "default", "page fill"))
	}

	page, err := repo.List(context.Background(), storage.ListOptions{Namespace: "default", Limit: 3, Offset: 6})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "mem:default:0006", page[0].ID)

	empty, err := repo.List(context.Background(), storage.ListOptions{Namespace: "default", Limit: 3, Offset: 7})
	require.NoError(t, err)
	assert.Empty(t, empty)
}

// A duplicate pair that sorts after a full page of unrelated records must
// still be detected by a namespace sweep.
func TestFindDuplicateGroupsBeyondFirstPage(t *testing.T) {
	repo := newFakeRepo()
	for i := 0; i < sweepPageSize+3; i++ {
		content := fmt.Sprintf("alpha%d beta%d gamma%d delta%d", i, i, i, i)
		mustStore(repo, testMemory(fmt.Sprintf("mem:default:m%04d", i), "default", content))
	}
	mustStore(repo,
		testMemory("mem:default:zz-dup-a", "default", "the deploy pipeline fails on staging with a timeout error"),
		testMemory("mem:default:zz-dup-b", "default", "the deploy pipeline fails on staging with a timeout error"),
	)

	detector := newTestDetector(repo)
	groups, err := detector.FindDuplicateGroups(context.Background(), DetectorOptions{Namespace: "default"})
	require.NoError(t, err)

	require.Len(t, groups, 1)
	assert.Equal(t, "mem:default:zz-dup-a", groups[0].PrimaryID)
	require.Len(t, groups[0].Candidates, 1)
	assert.Equal(t, "mem:default:zz-dup-b", groups[0].Candidates[0].ID)
	assert.Equal(t, types.RecommendMerge, groups[0].Candidates[0].Recommendation)
}
