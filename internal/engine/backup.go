package engine

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/mrorigo/memoria/internal/observe"
	"github.com/mrorigo/memoria/internal/storage"
	"github.com/mrorigo/memoria/pkg/types"
)

// RecordBackup captures every field the merge engine can write, keyed by
// memory id inside a BackupSnapshot. Restored verbatim on rollback.
type RecordBackup struct {
	ID                   string
	Content              string
	Summary              string
	Topic                string
	Entities             []string
	Keywords             []string
	ConfidenceScore      float64
	ClassificationReason string

	IsDuplicate          bool
	DuplicateOf          string
	IsConsolidated       bool
	ConsolidatedInto     string
	ConsolidationHistory []types.ConsolidationEvent
	LastConsolidatedAt   *time.Time
	ProcessingState      types.ProcessingState
}

// BackupSnapshot is the pre-consolidation state of all affected records.
// Created immediately before the transaction begins, discarded on success,
// consumed on failure, never persisted.
type BackupSnapshot struct {
	Namespace string
	TakenAt   time.Time
	Records   map[string]RecordBackup
}

// BackupManager snapshots mutable record fields before a consolidation and
// restores them after a failed one.
type BackupManager struct {
	repo    storage.MemoryRepository
	logger  *zap.Logger
	metrics *Metrics
}

// NewBackupManager builds a backup manager over the repository.
func NewBackupManager(repo storage.MemoryRepository, metrics *Metrics, logger *zap.Logger) *BackupManager {
	return &BackupManager{
		repo:    repo,
		logger:  observe.Component(logger, "backup"),
		metrics: metrics,
	}
}

// Backup reads and snapshots every listed record. A missing record fails the
// whole backup; consolidating a record that cannot be snapshotted would leave
// it unrecoverable on rollback.
func (b *BackupManager) Backup(ctx context.Context, ids []string, namespace string) (*BackupSnapshot, error) {
	namespace = types.NormalizeNamespace(namespace)
	snapshot := &BackupSnapshot{
		Namespace: namespace,
		TakenAt:   time.Now().UTC(),
		Records:   make(map[string]RecordBackup, len(ids)),
	}

	for _, id := range ids {
		record, err := b.repo.Get(ctx, namespace, id)
		if err != nil {
			return nil, fmt.Errorf("backup %s: %w", id, err)
		}
		snapshot.Records[id] = snapshotRecord(record)
	}

	b.logger.Info("backup created",
		zap.String("namespace", namespace),
		zap.Int("records", len(snapshot.Records)))
	return snapshot, nil
}

// Rollback writes each snapshot back verbatim and appends a rollback marker
// to the restored record's consolidation history. Per-record failures are
// logged and counted but not retried; the remaining records are still
// restored. A non-nil error means at least one record was left unrestored,
// which is an operational alert condition.
func (b *BackupManager) Rollback(ctx context.Context, snapshot *BackupSnapshot, reason string) error {
	if snapshot == nil {
		return fmt.Errorf("rollback: %w: nil snapshot", storage.ErrInvalidInput)
	}

	var failed []string
	for id, backup := range snapshot.Records {
		record, err := b.repo.Get(ctx, snapshot.Namespace, id)
		if err != nil {
			b.logger.Error("rollback read failed",
				zap.String("namespace", snapshot.Namespace),
				zap.String("memory_id", id),
				zap.Error(err))
			failed = append(failed, id)
			continue
		}

		restoreRecord(record, backup)
		record.ConsolidationHistory = append(record.ConsolidationHistory, types.ConsolidationEvent{
			ConsolidatedAt: time.Now().UTC(),
			RollbackReason: reason,
		})
		record.UpdatedAt = time.Now().UTC()

		if err := b.repo.Update(ctx, record); err != nil {
			b.logger.Error("rollback write failed",
				zap.String("namespace", snapshot.Namespace),
				zap.String("memory_id", id),
				zap.Error(err))
			failed = append(failed, id)
		}
	}

	outcome := "success"
	if len(failed) > 0 {
		outcome = "partial_failure"
	}
	if b.metrics != nil {
		b.metrics.rollbacksTotal.WithLabelValues(outcome).Inc()
	}
	b.logger.Info("rollback complete",
		zap.String("namespace", snapshot.Namespace),
		zap.String("reason", reason),
		zap.Int("restored", len(snapshot.Records)-len(failed)),
		zap.Int("failed", len(failed)))

	if len(failed) > 0 {
		return fmt.Errorf("rollback left %d record(s) unrestored: %v", len(failed), failed)
	}
	return nil
}

func snapshotRecord(record *types.MemoryRecord) RecordBackup {
	return RecordBackup{
		ID:                   record.ID,
		Content:              record.Content,
		Summary:              record.Summary,
		Topic:                record.Topic,
		Entities:             append([]string(nil), record.Entities...),
		Keywords:             append([]string(nil), record.Keywords...),
		ConfidenceScore:      record.ConfidenceScore,
		ClassificationReason: record.ClassificationReason,
		IsDuplicate:          record.IsDuplicate,
		DuplicateOf:          record.DuplicateOf,
		IsConsolidated:       record.IsConsolidated,
		ConsolidatedInto:     record.ConsolidatedInto,
		ConsolidationHistory: append([]types.ConsolidationEvent(nil), record.ConsolidationHistory...),
		LastConsolidatedAt:   record.LastConsolidatedAt,
		ProcessingState:      record.ProcessingState,
	}
}

func restoreRecord(record *types.MemoryRecord, backup RecordBackup) {
	record.Content = backup.Content
	record.Summary = backup.Summary
	record.Topic = backup.Topic
	record.Entities = append([]string(nil), backup.Entities...)
	record.Keywords = append([]string(nil), backup.Keywords...)
	record.ConfidenceScore = backup.ConfidenceScore
	record.ClassificationReason = backup.ClassificationReason
	record.IsDuplicate = backup.IsDuplicate
	record.DuplicateOf = backup.DuplicateOf
	record.IsConsolidated = backup.IsConsolidated
	record.ConsolidatedInto = backup.ConsolidatedInto
	record.ConsolidationHistory = append([]types.ConsolidationEvent(nil), backup.ConsolidationHistory...)
	record.LastConsolidatedAt = backup.LastConsolidatedAt
	record.ProcessingState = backup.ProcessingState
}
