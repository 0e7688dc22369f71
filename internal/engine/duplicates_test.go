package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/mrorigo/memoria/pkg/types"
)

func newTestDetector(repo *fakeRepo) *DuplicateDetector {
	return NewDuplicateDetector(repo, &fakeSimilarity{repo: repo}, nil, zap.NewNop(),
		DefaultSimilarityThreshold, DefaultCandidateWindow)
}

func TestFindCandidatesScoresAndExcludesSelf(t *testing.T) {
	repo := newFakeRepo()
	primary := testMemory("mem:default:primary", "default", "user prefers dark mode in the editor")
	near := testMemory("mem:default:near", "default", "user prefers dark mode in the editor always")
	far := testMemory("mem:default:far", "default", "completely unrelated note about groceries")
	mustStore(repo, primary, near, far)

	detector := newTestDetector(repo)
	candidates, err := detector.FindCandidates(context.Background(), primary, DetectorOptions{Namespace: "default"})
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	assert.Equal(t, "mem:default:near", candidates[0].ID)
	assert.GreaterOrEqual(t, candidates[0].SimilarityScore, DefaultSimilarityThreshold)
}

func TestFindCandidatesMergeRecommendation(t *testing.T) {
	repo := newFakeRepo()
	primary := testMemory("mem:default:primary", "default", "deployment checklist for the staging cluster")
	exact := testMemory("mem:default:exact", "default", "deployment checklist for the staging cluster")
	mustStore(repo, primary, exact)

	detector := newTestDetector(repo)
	candidates, err := detector.FindCandidates(context.Background(), primary, DetectorOptions{Namespace: "default"})
	require.NoError(t, err)

	require.Len(t, candidates, 1)
	assert.Equal(t, types.RecommendMerge, candidates[0].Recommendation)
	assert.Equal(t, 1.0, candidates[0].SimilarityScore)
}

func TestFindCandidatesDeterministicOrdering(t *testing.T) {
	repo := newFakeRepo()
	primary := testMemory("mem:default:primary", "default", "shared sentence about build caching behavior")
	// Two candidates with identical content tie on similarity; lower id wins.
	a := testMemory("mem:default:aaa", "default", "shared sentence about build caching behavior today")
	b := testMemory("mem:default:bbb", "default", "shared sentence about build caching behavior today")
	mustStore(repo, primary, a, b)

	detector := newTestDetector(repo)
	first, err := detector.FindCandidates(context.Background(), primary, DetectorOptions{Namespace: "default"})
	require.NoError(t, err)
	second, err := detector.FindCandidates(context.Background(), primary, DetectorOptions{Namespace: "default"})
	require.NoError(t, err)

	require.Len(t, first, 2)
	assert.Equal(t, "mem:default:aaa", first[0].ID)
	assert.Equal(t, first, second)
}

func TestFindCandidatesClassificationRestriction(t *testing.T) {
	repo := newFakeRepo()
	primary := testMemory("mem:default:primary", "default", "weekly report cadence for the platform team")
	other := testMemory("mem:default:other", "default", "weekly report cadence for the platform team too")
	other.Classification = types.ClassificationConversational
	mustStore(repo, primary, other)

	detector := newTestDetector(repo)
	candidates, err := detector.FindCandidates(context.Background(), primary, DetectorOptions{
		Namespace:              "default",
		RestrictClassification: types.ClassificationConsciousInfo,
	})
	require.NoError(t, err)
	assert.Empty(t, candidates)
}

func TestFindCandidatesSearchFailure(t *testing.T) {
	repo := newFakeRepo()
	primary := testMemory("mem:default:primary", "default", "anything")
	mustStore(repo, primary)

	detector := NewDuplicateDetector(repo, &fakeSimilarity{repo: repo, err: errors.New("backend down")},
		nil, zap.NewNop(), 0, 0)

	_, err := detector.FindCandidates(context.Background(), primary, DetectorOptions{Namespace: "default"})
	assert.Error(t, err)
}

func TestFindDuplicateGroupsClaimsEachRecordOnce(t *testing.T) {
	repo := newFakeRepo()
	mustStore(repo,
		testMemory("mem:default:a", "default", "the incident retro notes from tuesday afternoon"),
		testMemory("mem:default:b", "default", "the incident retro notes from tuesday afternoon session"),
		testMemory("mem:default:c", "default", "grocery list apples oranges bananas bread milk"),
	)

	detector := newTestDetector(repo)
	groups, err := detector.FindDuplicateGroups(context.Background(), DetectorOptions{Namespace: "default"})
	require.NoError(t, err)

	require.Len(t, groups, 1)
	assert.Equal(t, "mem:default:a", groups[0].PrimaryID)
	require.Len(t, groups[0].Candidates, 1)
	assert.Equal(t, "mem:default:b", groups[0].Candidates[0].ID)
}

func TestFindDuplicateGroupsSkipsConsolidated(t *testing.T) {
	repo := newFakeRepo()
	merged := testMemory("mem:default:merged", "default", "the incident retro notes from tuesday afternoon")
	merged.ConsolidatedInto = "mem:default:elsewhere"
	mustStore(repo, merged,
		testMemory("mem:default:live", "default", "the incident retro notes from tuesday afternoon session"))

	detector := newTestDetector(repo)
	groups, err := detector.FindDuplicateGroups(context.Background(), DetectorOptions{Namespace: "default"})
	require.NoError(t, err)
	assert.Empty(t, groups)
}

func TestJaccard(t *testing.T) {
	a := tokenSet("alpha beta gamma")
	b := tokenSet("beta gamma delta")
	// Intersection 2, union 4.
	assert.Equal(t, 0.5, jaccard(a, b))
	assert.Equal(t, 0.0, jaccard(tokenSet(""), tokenSet("")))
	assert.Equal(t, 1.0, jaccard(a, tokenSet("Alpha BETA gamma")))
}
