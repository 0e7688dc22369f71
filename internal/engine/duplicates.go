package engine

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/mrorigo/memoria/internal/observe"
	"github.com/mrorigo/memoria/internal/storage"
	"github.com/mrorigo/memoria/pkg/types"
)

// Thresholds for duplicate candidate scoring.
const (
	// DefaultSimilarityThreshold is the minimum Jaccard similarity for a
	// candidate to be emitted.
	DefaultSimilarityThreshold = 0.7

	// mergeRecommendationThreshold is the similarity above which a candidate
	// is recommended for merging outright.
	mergeRecommendationThreshold = 0.85

	// DefaultCandidateWindow bounds how many similarity hits are examined per
	// primary.
	DefaultCandidateWindow = 20
)

// DetectorOptions configures a single detection pass.
type DetectorOptions struct {
	// Namespace scopes detection. Defaults to "default".
	Namespace string

	// Threshold overrides the configured similarity threshold when > 0.
	Threshold float64

	// Window overrides the candidate window when > 0.
	Window int

	// RestrictClassification limits eligible candidates to one classification.
	// Automated sweeps restrict to conscious-info; manual calls leave this
	// empty for an unrestricted pool.
	RestrictClassification types.Classification
}

// DuplicateDetector turns similarity-source output into scored duplicate
// candidates and groups them. Detection is deterministic: repeated runs on
// unchanged data produce the same candidates in the same order.
type DuplicateDetector struct {
	repo      storage.MemoryRepository
	breaker   *gobreaker.CircuitBreaker
	source    storage.SimilaritySource
	metrics   *Metrics
	logger    *zap.Logger
	threshold float64
	window    int
}

// NewDuplicateDetector wires a detector over the repository and similarity
// source. The similarity source sits behind a circuit breaker so a degraded
// search backend sheds load instead of stalling every sweep.
func NewDuplicateDetector(repo storage.MemoryRepository, source storage.SimilaritySource, metrics *Metrics, logger *zap.Logger, threshold float64, window int) *DuplicateDetector {
	if threshold <= 0 || threshold > 1 {
		threshold = DefaultSimilarityThreshold
	}
	if window <= 0 {
		window = DefaultCandidateWindow
	}
	return &DuplicateDetector{
		repo: repo,
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:    "similarity-source",
			Timeout: 30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
		}),
		source:    source,
		metrics:   metrics,
		logger:    observe.Component(logger, "duplicates"),
		threshold: threshold,
		window:    window,
	}
}

// FindCandidates scores similarity hits against the primary and returns the
// candidates at or above threshold, ordered by similarity descending with
// ties broken by lower id.
func (d *DuplicateDetector) FindCandidates(ctx context.Context, primary *types.MemoryRecord, opts DetectorOptions) ([]types.DuplicateCandidate, error) {
	if primary == nil {
		return nil, fmt.Errorf("find candidates: %w: nil primary", storage.ErrInvalidInput)
	}

	namespace := types.NormalizeNamespace(opts.Namespace)
	threshold := d.threshold
	if opts.Threshold > 0 {
		threshold = opts.Threshold
	}
	window := d.window
	if opts.Window > 0 {
		window = opts.Window
	}

	searchText := primary.SearchText()
	hits, err := d.search(ctx, searchText, storage.SimilaritySearchOptions{
		Namespace:       namespace,
		Limit:           window,
		IncludeMetadata: true,
	})
	if err != nil {
		return nil, fmt.Errorf("find candidates: similarity search: %w", err)
	}

	primaryTokens := tokenSet(searchText)

	var candidates []types.DuplicateCandidate
	for _, hit := range hits {
		if hit.ID == primary.ID {
			continue
		}
		if opts.RestrictClassification != "" && hit.Classification != opts.RestrictClassification {
			continue
		}

		similarity := jaccard(primaryTokens, tokenSet(hit.Content))
		if similarity < threshold {
			continue
		}

		candidates = append(candidates, types.DuplicateCandidate{
			ID:              hit.ID,
			Content:         hit.Content,
			SimilarityScore: similarity,
			Confidence:      hit.ConfidenceScore,
			Recommendation:  recommend(primary, hit, similarity),
		})
	}

	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].SimilarityScore != candidates[j].SimilarityScore {
			return candidates[i].SimilarityScore > candidates[j].SimilarityScore
		}
		return candidates[i].ID < candidates[j].ID
	})

	if d.metrics != nil {
		d.metrics.duplicatesDetected.Add(float64(len(candidates)))
	}
	d.logger.Info("duplicate detection complete",
		zap.String("namespace", namespace),
		zap.String("primary_id", primary.ID),
		zap.Int("hits", len(hits)),
		zap.Int("candidates", len(candidates)))

	return candidates, nil
}

// FindDuplicateGroups sweeps the eligible candidate pool of a namespace and
// proposes one group per primary that has at least one candidate. Records
// already consolidated away never appear as primaries.
func (d *DuplicateDetector) FindDuplicateGroups(ctx context.Context, opts DetectorOptions) ([]types.DuplicateGroup, error) {
	namespace := types.NormalizeNamespace(opts.Namespace)

	records, err := listAllRecords(ctx, d.repo, storage.ListOptions{
		Namespace:           namespace,
		Limit:               sweepPageSize,
		Classification:      opts.RestrictClassification,
		ExcludeConsolidated: true,
	})
	if err != nil {
		return nil, fmt.Errorf("find duplicate groups: list: %w", err)
	}

	claimed := make(map[string]bool, len(records))
	var groups []types.DuplicateGroup
	for i := range records {
		record := &records[i]
		if claimed[record.ID] || !record.EligibleForConsolidation() {
			continue
		}

		candidates, err := d.FindCandidates(ctx, record, opts)
		if err != nil {
			return nil, err
		}

		var free []types.DuplicateCandidate
		for _, c := range candidates {
			if !claimed[c.ID] {
				free = append(free, c)
			}
		}
		if len(free) == 0 {
			continue
		}

		claimed[record.ID] = true
		for _, c := range free {
			claimed[c.ID] = true
		}
		groups = append(groups, types.DuplicateGroup{PrimaryID: record.ID, Candidates: free})
	}

	return groups, nil
}

func (d *DuplicateDetector) search(ctx context.Context, text string, opts storage.SimilaritySearchOptions) ([]storage.SimilarityHit, error) {
	result, err := d.breaker.Execute(func() (any, error) {
		return d.source.Search(ctx, text, opts)
	})
	if err != nil {
		return nil, err
	}
	return result.([]storage.SimilarityHit), nil
}

// recommend picks the action for a scored candidate: merge above the merge
// threshold, replace when the candidate is newer and more confident than the
// primary, otherwise ignore.
func recommend(primary *types.MemoryRecord, hit storage.SimilarityHit, similarity float64) types.Recommendation {
	if similarity >= mergeRecommendationThreshold {
		return types.RecommendMerge
	}
	if hit.CreatedAt.After(primary.CreatedAt) && hit.ConfidenceScore > primary.ConfidenceScore {
		return types.RecommendReplace
	}
	return types.RecommendIgnore
}

// tokenSet builds the lower-cased whitespace-token set Jaccard operates on.
func tokenSet(text string) map[string]bool {
	set := make(map[string]bool)
	for _, token := range strings.Fields(strings.ToLower(text)) {
		set[token] = true
	}
	return set
}

// jaccard computes |A∩B| / |A∪B| over two token sets.
func jaccard(a, b map[string]bool) float64 {
	if len(a) == 0 && len(b) == 0 {
		return 0
	}
	intersection := 0
	for token := range a {
		if b[token] {
			intersection++
		}
	}
	union := len(a) + len(b) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}
