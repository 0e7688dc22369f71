package engine

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/mrorigo/memoria/internal/observe"
	"github.com/mrorigo/memoria/internal/storage"
	"github.com/mrorigo/memoria/pkg/types"
)

const (
	// MaxConsolidationBatch caps how many duplicates one consolidation may
	// fold into a primary.
	MaxConsolidationBatch = 50

	// DefaultRecencyGuard is the minimum time between consolidations of the
	// same primary, guarding against thrashing.
	DefaultRecencyGuard = time.Hour
)

// ConsolidationValidator runs the pre-flight checks before any consolidation
// mutation. Expected violations are returned as data in a ValidationResult;
// only repository faults surface as errors.
type ConsolidationValidator struct {
	repo         storage.MemoryRepository
	logger       *zap.Logger
	recencyGuard time.Duration
	maxBatch     int
}

// NewConsolidationValidator builds a validator over the repository.
func NewConsolidationValidator(repo storage.MemoryRepository, logger *zap.Logger, recencyGuard time.Duration, maxBatch int) *ConsolidationValidator {
	if recencyGuard <= 0 {
		recencyGuard = DefaultRecencyGuard
	}
	if maxBatch <= 0 {
		maxBatch = MaxConsolidationBatch
	}
	return &ConsolidationValidator{
		repo:         repo,
		logger:       observe.Component(logger, "validator"),
		recencyGuard: recencyGuard,
		maxBatch:     maxBatch,
	}
}

// Validate checks a proposed consolidation. It never fails for expected
// violations; callers must check IsValid before mutating anything.
func (v *ConsolidationValidator) Validate(ctx context.Context, primaryID string, duplicateIDs []string, namespace string) (types.ValidationResult, error) {
	namespace = types.NormalizeNamespace(namespace)
	result := types.ValidationResult{IsValid: true, Errors: []string{}}

	fail := func(msg string) {
		result.IsValid = false
		result.Errors = append(result.Errors, msg)
	}

	if primaryID == "" {
		fail("Primary memory ID is required")
	}
	if len(duplicateIDs) == 0 {
		fail("Duplicate memory list is empty")
	}
	for _, id := range duplicateIDs {
		if id == primaryID {
			fail("Primary memory cannot be in the duplicate list")
			break
		}
	}
	if len(duplicateIDs) > v.maxBatch {
		fail(fmt.Sprintf("Batch size %d exceeds maximum of %d", len(duplicateIDs), v.maxBatch))
	}

	// Structural violations make the storage checks moot.
	if !result.IsValid {
		return result, nil
	}

	primary, err := v.repo.Get(ctx, namespace, primaryID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			fail(fmt.Sprintf("Primary memory %s not found in namespace %s", primaryID, namespace))
			return result, nil
		}
		return types.ValidationResult{}, fmt.Errorf("validate consolidation: load primary: %w", err)
	}

	if primary.LastConsolidatedAt != nil && time.Since(*primary.LastConsolidatedAt) < v.recencyGuard {
		fail(fmt.Sprintf("Primary memory %s was consolidated less than %s ago", primaryID, v.recencyGuard))
	}

	// Duplicate reads are independent, so they are issued concurrently and
	// joined. Results land in per-index slots; no shared mutable state.
	missing := make([]string, len(duplicateIDs))
	circular := make([]string, len(duplicateIDs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, id := range duplicateIDs {
		i, id := i, id
		g.Go(func() error {
			dup, err := v.repo.Get(gctx, namespace, id)
			if err != nil {
				if errors.Is(err, storage.ErrNotFound) {
					mu.Lock()
					missing[i] = id
					mu.Unlock()
					return nil
				}
				return err
			}
			if dup.ConsolidatedInto == primaryID {
				mu.Lock()
				circular[i] = id
				mu.Unlock()
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return types.ValidationResult{}, fmt.Errorf("validate consolidation: load duplicates: %w", err)
	}

	if ids := collectIDs(missing); len(ids) > 0 {
		fail(fmt.Sprintf("Duplicate memories not found in namespace %s: %s", namespace, strings.Join(ids, ", ")))
	}
	if ids := collectIDs(circular); len(ids) > 0 {
		fail(fmt.Sprintf("Duplicate memories already consolidated into %s: %s", primaryID, strings.Join(ids, ", ")))
	}

	if !result.IsValid {
		v.logger.Info("consolidation rejected by validation",
			zap.String("namespace", namespace),
			zap.String("primary_id", primaryID),
			zap.Strings("errors", result.Errors))
	}
	return result, nil
}

func collectIDs(slots []string) []string {
	var ids []string
	for _, id := range slots {
		if id != "" {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}
