package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/mrorigo/memoria/internal/observe"
	"github.com/mrorigo/memoria/internal/storage"
	"github.com/mrorigo/memoria/pkg/types"
)

// DefaultTxTimeout is the budget for the atomic consolidation transaction.
const DefaultTxTimeout = 60 * time.Second

// consolidatedMarker prefixes a merged-away duplicate's content so the merge
// is visible in any downstream search or export.
func consolidatedMarker(primaryID string) string {
	return "[CONSOLIDATED into " + primaryID + "] "
}

// Consolidator orchestrates a consolidation: validate, backup, merge and
// write atomically, transition state, and roll back on failure.
type Consolidator struct {
	repo      storage.MemoryRepository
	validator *ConsolidationValidator
	backup    *BackupManager
	states    *StateTracker
	metrics   *Metrics
	logger    *zap.Logger
	txTimeout time.Duration

	// sweepLimiter paces batch sweeps so cleanup never saturates the store.
	sweepLimiter *rate.Limiter

	// reservations holds an in-process advisory claim per primary id, closing
	// the window where two concurrent consolidations of the same primary both
	// pass validation before either commits.
	reservations sync.Map
}

// NewConsolidator wires the executor from its collaborators.
func NewConsolidator(repo storage.MemoryRepository, validator *ConsolidationValidator, backup *BackupManager, states *StateTracker, metrics *Metrics, logger *zap.Logger, txTimeout time.Duration, sweepRatePerSec float64) *Consolidator {
	if txTimeout <= 0 {
		txTimeout = DefaultTxTimeout
	}
	if sweepRatePerSec <= 0 {
		sweepRatePerSec = 50
	}
	return &Consolidator{
		repo:         repo,
		validator:    validator,
		backup:       backup,
		states:       states,
		metrics:      metrics,
		logger:       observe.Component(logger, "consolidator"),
		txTimeout:    txTimeout,
		sweepLimiter: rate.NewLimiter(rate.Limit(sweepRatePerSec), 1),
	}
}

// Consolidate merges the duplicates into the primary. Expected failures
// (validation, transaction faults) are reported in the result's Errors; the
// returned error is reserved for conditions the caller cannot act on, such as
// a repository that cannot be reached for the pre-flight reads.
func (c *Consolidator) Consolidate(ctx context.Context, primaryID string, duplicateIDs []string, namespace string) (types.ConsolidationResult, error) {
	namespace = types.NormalizeNamespace(namespace)
	result := types.ConsolidationResult{Errors: []string{}}

	// An empty duplicate list is a no-op, not an error.
	if len(duplicateIDs) == 0 {
		return result, nil
	}
	for _, id := range duplicateIDs {
		if id == primaryID {
			result.Errors = append(result.Errors, "Primary memory cannot be in the duplicate list")
			return result, nil
		}
	}

	reservationKey := namespace + "/" + primaryID
	if _, loaded := c.reservations.LoadOrStore(reservationKey, struct{}{}); loaded {
		result.Errors = append(result.Errors, fmt.Sprintf("Consolidation already in progress for primary %s", primaryID))
		return result, nil
	}
	defer c.reservations.Delete(reservationKey)

	validation, err := c.validator.Validate(ctx, primaryID, duplicateIDs, namespace)
	if err != nil {
		return result, fmt.Errorf("consolidate %s: %w", primaryID, err)
	}
	if !validation.IsValid {
		result.Errors = validation.Errors
		c.countOutcome("rejected")
		return result, nil
	}

	affected := append([]string{primaryID}, duplicateIDs...)
	snapshot, err := c.backup.Backup(ctx, affected, namespace)
	if err != nil {
		return result, fmt.Errorf("consolidate %s: backup: %w", primaryID, err)
	}

	c.logger.Info("consolidation started",
		zap.String("namespace", namespace),
		zap.String("primary_id", primaryID),
		zap.Int("duplicates", len(duplicateIDs)))

	txErr := c.repo.WithTx(ctx, namespace, c.txTimeout, func(tx storage.Tx) error {
		return c.applyMerge(tx, primaryID, duplicateIDs)
	})
	if txErr != nil {
		c.countOutcome("failed")
		c.logger.Error("consolidation transaction failed",
			zap.String("namespace", namespace),
			zap.String("primary_id", primaryID),
			zap.Error(txErr))

		if rbErr := c.backup.Rollback(ctx, snapshot, fmt.Sprintf("consolidation failed: %v", txErr)); rbErr != nil {
			c.logger.Error("rollback incomplete",
				zap.String("namespace", namespace),
				zap.String("primary_id", primaryID),
				zap.Error(rbErr))
		}

		result.Errors = append(result.Errors, txErr.Error())
		return result, nil
	}

	// State transition happens outside the transaction; a failure here does
	// not undo a committed merge.
	if _, err := c.states.TransitionTo(ctx, namespace, primaryID, types.StateConsolidated, TransitionOptions{
		Reason: fmt.Sprintf("consolidated %d duplicates", len(duplicateIDs)),
		Force:  true,
	}); err != nil {
		c.logger.Error("post-consolidation state transition failed",
			zap.String("namespace", namespace),
			zap.String("primary_id", primaryID),
			zap.Error(err))
	}

	c.countOutcome("success")
	c.logger.Info("consolidation complete",
		zap.String("namespace", namespace),
		zap.String("primary_id", primaryID),
		zap.Int("consolidated", len(duplicateIDs)))

	result.Consolidated = len(duplicateIDs)
	return result, nil
}

// applyMerge is the body of the atomic transaction: load everything, merge,
// write the primary and mark every duplicate. Any missing duplicate fails the
// whole transaction.
func (c *Consolidator) applyMerge(tx storage.Tx, primaryID string, duplicateIDs []string) error {
	primary, err := tx.Get(primaryID)
	if err != nil {
		return fmt.Errorf("load primary %s: %w", primaryID, err)
	}

	duplicates := make([]types.MemoryRecord, 0, len(duplicateIDs))
	for _, id := range duplicateIDs {
		dup, err := tx.Get(id)
		if err != nil {
			return fmt.Errorf("load duplicate %s: %w", id, err)
		}
		duplicates = append(duplicates, *dup)
	}

	mergeStart := time.Now()
	merged := MergeRecords(primary, duplicates)
	if c.metrics != nil {
		c.metrics.mergeDuration.Observe(time.Since(mergeStart).Seconds())
	}

	now := time.Now().UTC()
	event := types.ConsolidationEvent{
		ConsolidatedAt:         now,
		ConsolidatedIDs:        append([]string(nil), duplicateIDs...),
		DataIntegrityHash:      IntegrityHash(merged),
		PreviousClassification: primary.Classification,
		PreviousImportance:     primary.Importance,
		DuplicateCount:         len(duplicateIDs),
	}

	primary.Content = merged.Content
	primary.Summary = merged.Summary
	primary.Topic = merged.Topic
	primary.Entities = merged.Entities
	primary.Keywords = merged.Keywords
	primary.ConfidenceScore = merged.ConfidenceScore
	primary.ClassificationReason = merged.ClassificationReason
	primary.IsConsolidated = true
	primary.ConsolidationHistory = append(primary.ConsolidationHistory, event)
	primary.LastConsolidatedAt = &now
	primary.UpdatedAt = now
	if err := tx.Put(primary); err != nil {
		return fmt.Errorf("write primary %s: %w", primaryID, err)
	}

	for i := range duplicates {
		dup := &duplicates[i]
		preMergeHash := recordIntegrityHash(
			dup.Content, dup.Summary, dup.Topic, dup.ClassificationReason,
			dup.Entities, dup.Keywords, dup.ConfidenceScore)

		dup.IsConsolidated = true
		dup.ConsolidatedInto = primaryID
		dup.Content = consolidatedMarker(primaryID) + dup.Content
		dup.ConsolidationHistory = append(dup.ConsolidationHistory, types.ConsolidationEvent{
			ConsolidatedAt:    now,
			ConsolidatedIDs:   []string{dup.ID},
			DataIntegrityHash: preMergeHash,
			DuplicateCount:    1,
		})
		dup.LastConsolidatedAt = &now
		dup.ProcessingState = types.StateConsolidated
		dup.UpdatedAt = now
		if err := tx.Put(dup); err != nil {
			return fmt.Errorf("write duplicate %s: %w", dup.ID, err)
		}
	}

	return nil
}

// UpdateDuplicateTracking marks each candidate in the detected groups as a
// duplicate of its primary. One transaction per record: a single failure is
// collected, not fatal to the batch.
func (c *Consolidator) UpdateDuplicateTracking(ctx context.Context, namespace string, groups []types.DuplicateGroup) (types.BatchResult, error) {
	namespace = types.NormalizeNamespace(namespace)
	result := types.BatchResult{Errors: []string{}}

	for _, group := range groups {
		for _, candidate := range group.Candidates {
			// A memory never duplicates itself.
			if candidate.ID == group.PrimaryID {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: record cannot be its own duplicate", candidate.ID))
				continue
			}
			err := c.repo.WithTx(ctx, namespace, c.txTimeout, func(tx storage.Tx) error {
				record, err := tx.Get(candidate.ID)
				if err != nil {
					return err
				}
				record.IsDuplicate = true
				record.DuplicateOf = group.PrimaryID
				record.UpdatedAt = time.Now().UTC()
				return tx.Put(record)
			})
			if err != nil {
				result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", candidate.ID, err))
				continue
			}
			result.Updated++
		}
	}

	c.logger.Info("duplicate tracking updated",
		zap.String("namespace", namespace),
		zap.Int("updated", result.Updated),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

// CleanupConsolidated archives duplicates that were merged away more than
// retention ago. Paced by the sweep limiter; one transaction per record with
// partial-failure reporting.
func (c *Consolidator) CleanupConsolidated(ctx context.Context, namespace string, retention time.Duration) (types.CleanupResult, error) {
	namespace = types.NormalizeNamespace(namespace)
	result := types.CleanupResult{Errors: []string{}}

	records, err := listAllRecords(ctx, c.repo, storage.ListOptions{
		Namespace: namespace,
		Limit:     sweepPageSize,
	})
	if err != nil {
		return result, fmt.Errorf("cleanup: list: %w", err)
	}

	cutoff := time.Now().UTC().Add(-retention)
	for i := range records {
		record := &records[i]
		if record.ConsolidatedInto == "" || record.ProcessingState == types.StateArchived {
			continue
		}
		if record.LastConsolidatedAt == nil || record.LastConsolidatedAt.After(cutoff) {
			result.Skipped++
			continue
		}

		if err := c.sweepLimiter.Wait(ctx); err != nil {
			return result, fmt.Errorf("cleanup: %w", err)
		}

		ok, err := c.states.TransitionTo(ctx, namespace, record.ID, types.StateArchived, TransitionOptions{
			Reason: "consolidated duplicate past retention",
		})
		if err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", record.ID, err))
			continue
		}
		if !ok {
			result.Skipped++
			continue
		}
		result.Cleaned++
	}

	c.logger.Info("cleanup complete",
		zap.String("namespace", namespace),
		zap.Int("cleaned", result.Cleaned),
		zap.Int("skipped", result.Skipped),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

// Stats aggregates namespace-level consolidation counters. The four counts
// are independent reads and are issued concurrently.
func (c *Consolidator) Stats(ctx context.Context, namespace string) (types.ConsolidationStats, error) {
	namespace = types.NormalizeNamespace(namespace)
	var stats types.ConsolidationStats

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		n, err := c.repo.Count(gctx, namespace, storage.CountFilter{})
		stats.TotalRecords = n
		return err
	})
	g.Go(func() error {
		n, err := c.repo.Count(gctx, namespace, storage.CountFilter{OnlyDuplicates: true})
		stats.Duplicates = n
		return err
	})
	g.Go(func() error {
		n, err := c.repo.Count(gctx, namespace, storage.CountFilter{OnlyConsolidated: true})
		stats.Consolidated = n
		return err
	})
	g.Go(func() error {
		n, err := c.repo.Count(gctx, namespace, storage.CountFilter{EligibleOnly: true})
		stats.CandidatePoolSize = n
		return err
	})
	if err := g.Wait(); err != nil {
		return types.ConsolidationStats{}, fmt.Errorf("stats: %w", err)
	}
	return stats, nil
}

func (c *Consolidator) countOutcome(outcome string) {
	if c.metrics != nil {
		c.metrics.consolidationsTotal.WithLabelValues(outcome).Inc()
	}
}
