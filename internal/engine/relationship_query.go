package engine

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"go.uber.org/zap"

	"github.com/mrorigo/memoria/internal/observe"
	"github.com/mrorigo/memoria/internal/storage"
	"github.com/mrorigo/memoria/pkg/types"
)

// DefaultQueryLimit bounds how many related memories a query returns.
const DefaultQueryLimit = 20

// QueryFilters narrows a relationship query. Zero values mean "no filter".
type QueryFilters struct {
	Namespace     string
	Type          types.RelationshipType
	MinConfidence float64
	MinStrength   float64
	Limit         int
}

func (f *QueryFilters) normalize() {
	f.Namespace = types.NormalizeNamespace(f.Namespace)
	if f.Limit <= 0 {
		f.Limit = DefaultQueryLimit
	}
}

// RelationshipQuery answers filtered traversal queries over stored edges.
// Incoming-edge resolution requires a namespace-wide scan; scans are cached
// briefly so a burst of queries against the same namespace hits storage once.
type RelationshipQuery struct {
	repo   storage.MemoryRepository
	cache  *expirable.LRU[string, []types.MemoryRecord]
	logger *zap.Logger
}

// NewRelationshipQuery builds a query engine. cacheSize and cacheTTL bound
// the namespace-scan cache; zero values select modest defaults.
func NewRelationshipQuery(repo storage.MemoryRepository, logger *zap.Logger, cacheSize int, cacheTTL time.Duration) *RelationshipQuery {
	if cacheSize <= 0 {
		cacheSize = 64
	}
	if cacheTTL <= 0 {
		cacheTTL = 30 * time.Second
	}
	return &RelationshipQuery{
		repo:   repo,
		cache:  expirable.NewLRU[string, []types.MemoryRecord](cacheSize, nil, cacheTTL),
		logger: observe.Component(logger, "relationship-query"),
	}
}

// GetRelatedMemories returns the memories connected to memoryID: outgoing
// edges from its own stored lists and incoming edges from memories elsewhere
// in the namespace that target it. Results are sorted by rank score
// descending and truncated to the filter limit.
func (q *RelationshipQuery) GetRelatedMemories(ctx context.Context, memoryID string, filters QueryFilters) ([]types.RelatedMemory, error) {
	filters.normalize()

	origin, err := q.repo.Get(ctx, filters.Namespace, memoryID)
	if err != nil {
		return nil, fmt.Errorf("related memories for %s: %w", memoryID, err)
	}

	records, err := q.namespaceScan(ctx, filters.Namespace)
	if err != nil {
		return nil, fmt.Errorf("related memories for %s: %w", memoryID, err)
	}
	byID := make(map[string]*types.MemoryRecord, len(records))
	for i := range records {
		byID[records[i].ID] = &records[i]
	}

	var results []types.RelatedMemory

	// Outgoing: the origin's own edges, grouped by target.
	outgoing := make(map[string][]types.Relationship)
	for _, edge := range origin.Relationships() {
		if edge.TargetMemoryID == "" || !matchesFilters(edge, filters) {
			continue
		}
		outgoing[edge.TargetMemoryID] = append(outgoing[edge.TargetMemoryID], edge)
	}
	for target, edges := range outgoing {
		memory, ok := byID[target]
		if !ok {
			continue
		}
		results = append(results, types.RelatedMemory{
			Memory:        memory,
			Relationships: edges,
			Direction:     "outgoing",
		})
	}

	// Incoming: every other memory in the namespace whose edges target the
	// origin.
	for i := range records {
		record := &records[i]
		if record.ID == memoryID {
			continue
		}
		var edges []types.Relationship
		for _, edge := range record.Relationships() {
			if edge.TargetMemoryID == memoryID && matchesFilters(edge, filters) {
				edges = append(edges, edge)
			}
		}
		if len(edges) > 0 {
			results = append(results, types.RelatedMemory{
				Memory:        record,
				Relationships: edges,
				Direction:     "incoming",
			})
		}
	}

	sortAndTruncate(&results, filters.Limit)
	q.logger.Info("related memories resolved",
		zap.String("namespace", filters.Namespace),
		zap.String("memory_id", memoryID),
		zap.Int("results", len(results)))
	return results, nil
}

// GetMemoriesByRelationship scans the namespace for memories owning edges
// that match the filters, annotating each result with the reason it matched.
func (q *RelationshipQuery) GetMemoriesByRelationship(ctx context.Context, filters QueryFilters) ([]types.RelatedMemory, error) {
	filters.normalize()

	records, err := q.namespaceScan(ctx, filters.Namespace)
	if err != nil {
		return nil, fmt.Errorf("memories by relationship: %w", err)
	}

	var results []types.RelatedMemory
	for i := range records {
		record := &records[i]
		var edges []types.Relationship
		for _, edge := range record.Relationships() {
			if matchesFilters(edge, filters) {
				edges = append(edges, edge)
			}
		}
		if len(edges) == 0 {
			continue
		}

		reason := fmt.Sprintf("%d matching relationship(s)", len(edges))
		if filters.Type != "" {
			reason = fmt.Sprintf("%d %s relationship(s)", len(edges), filters.Type)
		}
		results = append(results, types.RelatedMemory{
			Memory:        record,
			Relationships: edges,
			MatchReason:   reason,
		})
	}

	sortAndTruncate(&results, filters.Limit)
	return results, nil
}

// InvalidateNamespace drops the cached scan for a namespace. Callers that
// just wrote relationship edges use this to read their own writes.
func (q *RelationshipQuery) InvalidateNamespace(namespace string) {
	q.cache.Remove(types.NormalizeNamespace(namespace))
}

func (q *RelationshipQuery) namespaceScan(ctx context.Context, namespace string) ([]types.MemoryRecord, error) {
	if cached, ok := q.cache.Get(namespace); ok {
		return cached, nil
	}
	records, err := listAllRecords(ctx, q.repo, storage.ListOptions{Namespace: namespace, Limit: sweepPageSize})
	if err != nil {
		return nil, err
	}
	q.cache.Add(namespace, records)
	return records, nil
}

func matchesFilters(edge types.Relationship, filters QueryFilters) bool {
	if filters.Type != "" && edge.Type != filters.Type {
		return false
	}
	if edge.Confidence < filters.MinConfidence {
		return false
	}
	if edge.Strength < filters.MinStrength {
		return false
	}
	return true
}

// sortAndTruncate orders results by their best edge's rank score descending,
// breaking ties by memory id for deterministic output.
func sortAndTruncate(results *[]types.RelatedMemory, limit int) {
	best := func(r types.RelatedMemory) float64 {
		score := 0.0
		for i := range r.Relationships {
			if s := r.Relationships[i].RankScore(); s > score {
				score = s
			}
		}
		return score
	}
	sort.SliceStable(*results, func(i, j int) bool {
		si, sj := best((*results)[i]), best((*results)[j])
		if si != sj {
			return si > sj
		}
		return (*results)[i].Memory.ID < (*results)[j].Memory.ID
	})
	if len(*results) > limit {
		*results = (*results)[:limit]
	}
}
