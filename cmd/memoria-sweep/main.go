// Command memoria-sweep runs one duplicate-detection and consolidation pass
// over a namespace and prints a summary. It is the operational entry point
// for scheduled consolidation; agents embedding the engine call the same
// components programmatically.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"

	"github.com/mrorigo/memoria/internal/config"
	"github.com/mrorigo/memoria/internal/engine"
	"github.com/mrorigo/memoria/internal/observe"
	"github.com/mrorigo/memoria/internal/storage"
	"github.com/mrorigo/memoria/internal/storage/postgres"
	"github.com/mrorigo/memoria/internal/storage/sqlite"
	"github.com/mrorigo/memoria/pkg/types"
)

func main() {
	var (
		configPath = flag.String("config", "", "path to YAML config file (optional)")
		namespace  = flag.String("namespace", "default", "namespace to sweep")
		dryRun     = flag.Bool("dry-run", false, "detect and report groups without consolidating")
		cleanup    = flag.Duration("cleanup-retention", 0, "archive consolidated duplicates older than this (0 disables)")
		initStates = flag.Bool("init-states", false, "backfill processing states for legacy records first")
	)
	flag.Parse()

	if err := run(*configPath, *namespace, *dryRun, *cleanup, *initStates); err != nil {
		fmt.Fprintf(os.Stderr, "memoria-sweep: %v\n", err)
		os.Exit(1)
	}
}

func run(configPath, namespace string, dryRun bool, cleanupRetention time.Duration, initStates bool) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}

	logger, err := observe.NewLogger(cfg.Logging.Level, cfg.Logging.Format)
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	repo, source, err := openStore(cfg, logger)
	if err != nil {
		return err
	}
	defer repo.Close()

	metrics := engine.NewMetrics()
	validator := engine.NewConsolidationValidator(repo, logger, cfg.Consolidation.RecencyGuard, cfg.Consolidation.MaxBatchSize)
	backup := engine.NewBackupManager(repo, metrics, logger)
	states := engine.NewStateTracker(repo, metrics, logger, cfg.State.HistoryCap)
	detector := engine.NewDuplicateDetector(repo, source, metrics, logger,
		cfg.Consolidation.SimilarityThreshold, cfg.Consolidation.CandidateWindow)
	consolidator := engine.NewConsolidator(repo, validator, backup, states, metrics, logger,
		cfg.Consolidation.TxTimeout, cfg.Consolidation.SweepRatePerSec)

	ctx := context.Background()

	if initStates {
		result, err := states.InitializeExistingStates(ctx, namespace)
		if err != nil {
			return err
		}
		fmt.Printf("initialized states: %d updated, %d errors\n", result.Updated, len(result.Errors))
	}

	groups, err := detector.FindDuplicateGroups(ctx, engine.DetectorOptions{
		Namespace:              namespace,
		RestrictClassification: types.ClassificationConsciousInfo,
	})
	if err != nil {
		return err
	}
	fmt.Printf("detected %d duplicate group(s) in namespace %q\n", len(groups), namespace)

	if dryRun {
		for _, group := range groups {
			fmt.Printf("  primary %s: %d candidate(s)\n", group.PrimaryID, len(group.Candidates))
			for _, c := range group.Candidates {
				fmt.Printf("    %s similarity=%.3f recommendation=%s\n", c.ID, c.SimilarityScore, c.Recommendation)
			}
		}
		return nil
	}

	tracking, err := consolidator.UpdateDuplicateTracking(ctx, namespace, groups)
	if err != nil {
		return err
	}
	fmt.Printf("duplicate tracking: %d updated, %d errors\n", tracking.Updated, len(tracking.Errors))

	consolidated, failed := 0, 0
	for _, group := range groups {
		ids := make([]string, 0, len(group.Candidates))
		for _, c := range group.Candidates {
			if c.Recommendation == types.RecommendMerge {
				ids = append(ids, c.ID)
			}
		}
		if len(ids) == 0 {
			continue
		}

		result, err := consolidator.Consolidate(ctx, group.PrimaryID, ids, namespace)
		if err != nil {
			return err
		}
		if len(result.Errors) > 0 {
			failed++
			logger.Warn("consolidation skipped",
				zap.String("primary_id", group.PrimaryID),
				zap.Strings("errors", result.Errors))
			continue
		}
		consolidated += result.Consolidated
	}
	fmt.Printf("consolidated %d record(s), %d group(s) skipped\n", consolidated, failed)

	if cleanupRetention > 0 {
		result, err := consolidator.CleanupConsolidated(ctx, namespace, cleanupRetention)
		if err != nil {
			return err
		}
		fmt.Printf("cleanup: %d archived, %d skipped, %d errors\n", result.Cleaned, result.Skipped, len(result.Errors))
	}

	stats, err := consolidator.Stats(ctx, namespace)
	if err != nil {
		return err
	}
	fmt.Printf("stats: %d total, %d duplicates, %d consolidated, %d eligible\n",
		stats.TotalRecords, stats.Duplicates, stats.Consolidated, stats.CandidatePoolSize)
	return nil
}

// openStore builds the configured backend. Both backends implement the
// repository and similarity-source contracts directly.
func openStore(cfg *config.Config, logger *zap.Logger) (storage.MemoryRepository, storage.SimilaritySource, error) {
	switch cfg.Storage.Engine {
	case "sqlite", "":
		store, err := sqlite.NewMemoryStore(cfg.Storage.DSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, store, nil
	case "postgres":
		store, err := postgres.NewMemoryStore(cfg.Storage.DSN, logger)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres store: %w", err)
		}
		return store, store, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage engine %q", cfg.Storage.Engine)
	}
}
