package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/mrorigo/memoria/internal/storage"
	"github.com/mrorigo/memoria/pkg/types"
)

// fakeRepo is an in-memory MemoryRepository for engine tests. WithTx stages
// writes and applies them only when the callback succeeds, matching the
// atomicity contract of the real backends.
type fakeRepo struct {
	mu      sync.Mutex
	records map[string]map[string]*types.MemoryRecord

	// failPutID makes any transactional Put of this id fail, for exercising
	// rollback paths.
	failPutID string

	// failUpdateID makes Update of this id fail, for exercising partial
	// rollback failures.
	failUpdateID string
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{records: make(map[string]map[string]*types.MemoryRecord)}
}

func (r *fakeRepo) Store(_ context.Context, record *types.MemoryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	ns := types.NormalizeNamespace(record.Namespace)
	if r.records[ns] == nil {
		r.records[ns] = make(map[string]*types.MemoryRecord)
	}
	clone := *record
	r.records[ns][record.ID] = &clone
	return nil
}

func (r *fakeRepo) Get(_ context.Context, namespace, id string) (*types.MemoryRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(namespace, id)
}

func (r *fakeRepo) getLocked(namespace, id string) (*types.MemoryRecord, error) {
	record, ok := r.records[types.NormalizeNamespace(namespace)][id]
	if !ok {
		return nil, fmt.Errorf("get %s: %w", id, storage.ErrNotFound)
	}
	clone := *record
	return &clone, nil
}

func (r *fakeRepo) List(_ context.Context, opts storage.ListOptions) ([]types.MemoryRecord, error) {
	opts.Normalize()
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]string, 0, len(r.records[opts.Namespace]))
	for id := range r.records[opts.Namespace] {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var out []types.MemoryRecord
	for _, id := range ids {
		record := r.records[opts.Namespace][id]
		if opts.Classification != "" && record.Classification != opts.Classification {
			continue
		}
		if opts.State != "" && record.ProcessingState != opts.State {
			continue
		}
		if opts.ExcludeConsolidated && record.ConsolidatedInto != "" {
			continue
		}
		if opts.OnlyDuplicates && !record.IsDuplicate {
			continue
		}
		out = append(out, *record)
	}

	if opts.Offset >= len(out) {
		return nil, nil
	}
	out = out[opts.Offset:]
	if len(out) > opts.Limit {
		out = out[:opts.Limit]
	}
	return out, nil
}

func (r *fakeRepo) Update(_ context.Context, record *types.MemoryRecord) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if record.ID == r.failUpdateID {
		return fmt.Errorf("update %s: injected failure", record.ID)
	}
	ns := types.NormalizeNamespace(record.Namespace)
	if _, ok := r.records[ns][record.ID]; !ok {
		return fmt.Errorf("update %s: %w", record.ID, storage.ErrNotFound)
	}
	clone := *record
	r.records[ns][record.ID] = &clone
	return nil
}

func (r *fakeRepo) Count(_ context.Context, namespace string, filter storage.CountFilter) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, record := range r.records[types.NormalizeNamespace(namespace)] {
		if filter.Classification != "" && record.Classification != filter.Classification {
			continue
		}
		if filter.OnlyDuplicates && !record.IsDuplicate {
			continue
		}
		if filter.OnlyConsolidated && !record.IsConsolidated {
			continue
		}
		if filter.EligibleOnly && !record.EligibleForConsolidation() {
			continue
		}
		count++
	}
	return count, nil
}

func (r *fakeRepo) WithTx(_ context.Context, namespace string, _ time.Duration, fn func(tx storage.Tx) error) error {
	tx := &fakeTx{repo: r, namespace: types.NormalizeNamespace(namespace), staged: make(map[string]*types.MemoryRecord)}
	if err := fn(tx); err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.records[tx.namespace] == nil {
		r.records[tx.namespace] = make(map[string]*types.MemoryRecord)
	}
	for id, record := range tx.staged {
		clone := *record
		r.records[tx.namespace][id] = &clone
	}
	return nil
}

func (r *fakeRepo) Close() error { return nil }

type fakeTx struct {
	repo      *fakeRepo
	namespace string
	staged    map[string]*types.MemoryRecord
}

func (t *fakeTx) Get(id string) (*types.MemoryRecord, error) {
	if record, ok := t.staged[id]; ok {
		clone := *record
		return &clone, nil
	}
	t.repo.mu.Lock()
	defer t.repo.mu.Unlock()
	return t.repo.getLocked(t.namespace, id)
}

func (t *fakeTx) Put(record *types.MemoryRecord) error {
	if record.ID == t.repo.failPutID {
		return fmt.Errorf("put %s: injected failure", record.ID)
	}
	clone := *record
	t.staged[record.ID] = &clone
	return nil
}

// fakeSimilarity serves similarity hits straight from the repo using the
// same token-overlap measure the detector scores with, so tests exercise the
// real Jaccard path end to end.
type fakeSimilarity struct {
	repo *fakeRepo

	// err makes every search fail, for exercising the circuit breaker.
	err error
}

func (s *fakeSimilarity) Search(ctx context.Context, text string, opts storage.SimilaritySearchOptions) ([]storage.SimilarityHit, error) {
	if s.err != nil {
		return nil, s.err
	}
	opts.Normalize()

	records, err := listAllRecords(ctx, s.repo, storage.ListOptions{Namespace: opts.Namespace, Limit: sweepPageSize, ExcludeConsolidated: true})
	if err != nil {
		return nil, err
	}

	query := tokenSet(text)
	var hits []storage.SimilarityHit
	for i := range records {
		record := &records[i]
		score := jaccard(query, tokenSet(record.SearchText()))
		if score <= 0 {
			continue
		}
		hits = append(hits, storage.SimilarityHit{
			ID:              record.ID,
			Content:         record.SearchText(),
			Score:           score,
			Classification:  record.Classification,
			ConfidenceScore: record.ConfidenceScore,
			CreatedAt:       record.CreatedAt,
		})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].ID < hits[j].ID
	})
	if len(hits) > opts.Limit {
		hits = hits[:opts.Limit]
	}
	return hits, nil
}

func testMemory(id, namespace, content string) *types.MemoryRecord {
	now := time.Now().UTC()
	return &types.MemoryRecord{
		ID:              id,
		Namespace:       types.NormalizeNamespace(namespace),
		CreatedAt:       now,
		UpdatedAt:       now,
		Content:         content,
		Classification:  types.ClassificationConsciousInfo,
		Importance:      types.ImportanceMedium,
		ConfidenceScore: 0.8,
		ProcessingState: types.StateProcessed,
	}
}

func mustStore(repo *fakeRepo, records ...*types.MemoryRecord) {
	for _, record := range records {
		if err := repo.Store(context.Background(), record); err != nil {
			panic(err)
		}
	}
}
