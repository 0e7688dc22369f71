package engine

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/mrorigo/memoria/internal/observe"
	"github.com/mrorigo/memoria/internal/storage"
	"github.com/mrorigo/memoria/pkg/types"
)

// RelationshipManager persists and mutates the relationship edges owned by a
// memory. SUPERSEDES edges live in their own partition; every write goes
// through the repository's transaction primitive so concurrent
// read-modify-writes on the same memory cannot lose updates.
type RelationshipManager struct {
	repo      storage.MemoryRepository
	validator *RelationshipValidator
	logger    *zap.Logger
	txTimeout time.Duration
}

// NewRelationshipManager builds a manager over the repository.
func NewRelationshipManager(repo storage.MemoryRepository, validator *RelationshipValidator, logger *zap.Logger, txTimeout time.Duration) *RelationshipManager {
	if txTimeout <= 0 {
		txTimeout = DefaultTxTimeout
	}
	return &RelationshipManager{
		repo:      repo,
		validator: validator,
		logger:    observe.Component(logger, "relationships"),
		txTimeout: txTimeout,
	}
}

// StoreRelationships merges the given edges into the memory's stored lists.
// Malformed edges are collected into the invalid list rather than aborting
// the batch. Returns how many edges were stored (appended or upgraded).
func (m *RelationshipManager) StoreRelationships(ctx context.Context, memoryID string, relationships []types.Relationship, namespace string) (int, []types.InvalidRelationship, error) {
	namespace = types.NormalizeNamespace(namespace)

	valid, invalid := m.validator.Partition(relationships)
	if len(valid) == 0 {
		return 0, invalid, nil
	}

	stored := 0
	err := m.repo.WithTx(ctx, namespace, m.txTimeout, func(tx storage.Tx) error {
		record, err := tx.Get(memoryID)
		if err != nil {
			return fmt.Errorf("load %s: %w", memoryID, err)
		}

		now := time.Now().UTC()
		for i := range valid {
			edge := valid[i]
			if edge.ID == "" {
				edge.ID = "rel:" + uuid.NewString()
			}
			if edge.CreatedAt.IsZero() {
				edge.CreatedAt = now
			}
			edge.UpdatedAt = now

			if edge.Type == types.RelationSupersedes {
				record.SupersedingRelationships, stored = mergeEdge(record.SupersedingRelationships, edge, stored)
			} else {
				record.GeneralRelationships, stored = mergeEdge(record.GeneralRelationships, edge, stored)
			}
		}

		refreshRelationshipCounts(record)
		record.UpdatedAt = now
		return tx.Put(record)
	})
	if err != nil {
		return 0, invalid, fmt.Errorf("store relationships for %s: %w", memoryID, err)
	}

	m.logger.Info("relationships stored",
		zap.String("namespace", namespace),
		zap.String("memory_id", memoryID),
		zap.Int("stored", stored),
		zap.Int("invalid", len(invalid)))
	return stored, invalid, nil
}

// UpdateRelationships applies a batch of add/update/remove operations to one
// memory's edge lists inside a single transaction. Per-change failures are
// collected so one bad change never blocks the rest.
func (m *RelationshipManager) UpdateRelationships(ctx context.Context, memoryID string, changes []types.RelationshipChange, namespace string) (types.BatchResult, error) {
	namespace = types.NormalizeNamespace(namespace)
	result := types.BatchResult{Errors: []string{}}

	err := m.repo.WithTx(ctx, namespace, m.txTimeout, func(tx storage.Tx) error {
		record, err := tx.Get(memoryID)
		if err != nil {
			return fmt.Errorf("load %s: %w", memoryID, err)
		}

		now := time.Now().UTC()
		for _, change := range changes {
			if err := m.applyChange(record, change, now); err != nil {
				result.Errors = append(result.Errors, err.Error())
				continue
			}
			result.Updated++
		}

		refreshRelationshipCounts(record)
		record.UpdatedAt = now
		return tx.Put(record)
	})
	if err != nil {
		return types.BatchResult{Errors: []string{err.Error()}}, fmt.Errorf("update relationships for %s: %w", memoryID, err)
	}
	return result, nil
}

func (m *RelationshipManager) applyChange(record *types.MemoryRecord, change types.RelationshipChange, now time.Time) error {
	edge := change.Relationship
	key := edge.Key()

	list := &record.GeneralRelationships
	if edge.Type == types.RelationSupersedes {
		list = &record.SupersedingRelationships
	}

	switch change.Operation {
	case types.RelationshipOpAdd:
		if errs := m.validator.Validate(edge); len(errs) > 0 {
			return fmt.Errorf("add %s: %v", key, errs)
		}
		if edge.ID == "" {
			edge.ID = "rel:" + uuid.NewString()
		}
		if edge.CreatedAt.IsZero() {
			edge.CreatedAt = now
		}
		edge.UpdatedAt = now
		*list, _ = mergeEdge(*list, edge, 0)
		return nil

	case types.RelationshipOpUpdate:
		if errs := m.validator.Validate(edge); len(errs) > 0 {
			return fmt.Errorf("update %s: %v", key, errs)
		}
		for i := range *list {
			if (*list)[i].Key() == key {
				edge.ID = (*list)[i].ID
				edge.CreatedAt = (*list)[i].CreatedAt
				edge.UpdatedAt = now
				(*list)[i] = edge
				return nil
			}
		}
		return fmt.Errorf("update %s: relationship not found", key)

	case types.RelationshipOpRemove:
		for i := range *list {
			if (*list)[i].Key() == key {
				*list = append((*list)[:i], (*list)[i+1:]...)
				return nil
			}
		}
		m.logger.Info("remove of absent relationship ignored",
			zap.String("memory_id", record.ID),
			zap.String("key", key))
		return nil

	default:
		return fmt.Errorf("unknown relationship operation %q", change.Operation)
	}
}

// refreshRelationshipCounts keeps the Additional counters in step with the
// stored edge lists. Every write path calls it so the counters never drift.
func refreshRelationshipCounts(record *types.MemoryRecord) {
	if record.Additional == nil {
		record.Additional = make(map[string]string)
	}
	record.Additional["relationship_count"] = strconv.Itoa(len(record.GeneralRelationships))
	record.Additional["superseding_count"] = strconv.Itoa(len(record.SupersedingRelationships))
}

// mergeEdge implements merge-or-append by (type, target) key. An incoming
// edge replaces an existing one only when its confidence or strength is
// higher; the existing edge keeps its richer reason and context otherwise.
func mergeEdge(list []types.Relationship, edge types.Relationship, stored int) ([]types.Relationship, int) {
	key := edge.Key()
	for i := range list {
		if list[i].Key() != key {
			continue
		}
		if edge.Confidence > list[i].Confidence || edge.Strength > list[i].Strength {
			edge.ID = list[i].ID
			edge.CreatedAt = list[i].CreatedAt
			list[i] = edge
			return list, stored + 1
		}
		return list, stored
	}
	return append(list, edge), stored + 1
}
