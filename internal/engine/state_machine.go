package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/mrorigo/memoria/internal/observe"
	"github.com/mrorigo/memoria/internal/storage"
	"github.com/mrorigo/memoria/pkg/types"
)

// DefaultHistoryCap bounds the per-memory transition history.
const DefaultHistoryCap = 50

// ErrInvalidTransition marks a transition request naming an unknown target
// state. Transitions that are merely disallowed by the table return false
// from TransitionTo instead.
var ErrInvalidTransition = errors.New("invalid state transition")

// TransitionOptions qualifies a state transition request.
type TransitionOptions struct {
	Reason  string
	AgentID string

	// Force bypasses the allowed-transition table. Forced transitions are
	// recorded as such in the history.
	Force bool
}

// RetryOptions bounds retryTransition attempts.
type RetryOptions struct {
	MaxRetries int
	Delay      time.Duration

	// Exponential doubles the delay after each failed attempt.
	Exponential bool
}

// StateTracker maintains each memory's processing lifecycle: the current
// state on the record, a bounded in-memory transition history, and aggregate
// per-transition counters.
type StateTracker struct {
	repo    storage.MemoryRepository
	logger  *zap.Logger
	metrics *Metrics

	mu         sync.Mutex
	history    map[string][]types.StateTransition
	counters   map[string]int64
	historyCap int
}

// NewStateTracker builds a tracker over the repository.
func NewStateTracker(repo storage.MemoryRepository, metrics *Metrics, logger *zap.Logger, historyCap int) *StateTracker {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	return &StateTracker{
		repo:       repo,
		logger:     observe.Component(logger, "state"),
		metrics:    metrics,
		history:    make(map[string][]types.StateTransition),
		counters:   make(map[string]int64),
		historyCap: historyCap,
	}
}

// TransitionTo moves a memory to the target state. It returns false without
// error when the transition is not in the allowed table and Force is unset,
// so callers can branch without error handling. Errors are reserved for
// repository faults.
func (s *StateTracker) TransitionTo(ctx context.Context, namespace, memoryID string, to types.ProcessingState, opts TransitionOptions) (bool, error) {
	namespace = types.NormalizeNamespace(namespace)
	if !types.IsValidProcessingState(to) {
		return false, fmt.Errorf("transition %s: %w: unknown state %q", memoryID, ErrInvalidTransition, to)
	}

	record, err := s.repo.Get(ctx, namespace, memoryID)
	if err != nil {
		return false, fmt.Errorf("transition %s: %w", memoryID, err)
	}

	from := record.ProcessingState
	if !opts.Force && !types.IsValidStateTransition(from, to) {
		s.logger.Info("transition rejected",
			zap.String("namespace", namespace),
			zap.String("memory_id", memoryID),
			zap.String("from", string(from)),
			zap.String("to", string(to)))
		return false, nil
	}

	record.ProcessingState = to
	record.UpdatedAt = time.Now().UTC()
	if err := s.repo.Update(ctx, record); err != nil {
		return false, fmt.Errorf("transition %s: %w", memoryID, err)
	}

	transition := types.StateTransition{
		MemoryID: memoryID,
		From:     from,
		To:       to,
		At:       time.Now().UTC(),
		Reason:   opts.Reason,
		AgentID:  opts.AgentID,
		Forced:   opts.Force,
	}
	s.record(transition)

	s.logger.Info("state transition",
		zap.String("namespace", namespace),
		zap.String("memory_id", memoryID),
		zap.String("from", string(from)),
		zap.String("to", string(to)),
		zap.Bool("forced", opts.Force))
	return true, nil
}

// RetryTransition re-attempts a transition with backoff. Returns false when
// all attempts are exhausted; only repository faults on the final attempt
// surface as errors.
func (s *StateTracker) RetryTransition(ctx context.Context, namespace, memoryID string, to types.ProcessingState, opts TransitionOptions, retry RetryOptions) (bool, error) {
	if retry.MaxRetries < 1 {
		retry.MaxRetries = 1
	}
	if retry.Delay <= 0 {
		retry.Delay = 100 * time.Millisecond
	}

	delay := retry.Delay
	var lastErr error
	for attempt := 1; attempt <= retry.MaxRetries; attempt++ {
		ok, err := s.TransitionTo(ctx, namespace, memoryID, to, opts)
		if ok {
			return true, nil
		}
		lastErr = err

		if attempt == retry.MaxRetries {
			break
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(delay):
		}
		if retry.Exponential {
			delay *= 2
		}
	}

	if lastErr != nil && !errors.Is(lastErr, storage.ErrNotFound) {
		return false, lastErr
	}
	return false, nil
}

// History returns a copy of the recorded transitions for a memory, oldest
// first.
func (s *StateTracker) History(memoryID string) []types.StateTransition {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]types.StateTransition(nil), s.history[memoryID]...)
}

// Counters returns a copy of the aggregate "{from}_TO_{to}" counter map.
func (s *StateTracker) Counters() map[string]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]int64, len(s.counters))
	for k, v := range s.counters {
		out[k] = v
	}
	return out
}

// InitializeExistingStates backfills the processing state of records created
// before lifecycle tracking existed. Records with an empty state become
// PROCESSED (they are stored, by definition); consolidated records become
// CONSOLIDATED. Partial failures are collected, not fatal.
func (s *StateTracker) InitializeExistingStates(ctx context.Context, namespace string) (types.BatchResult, error) {
	namespace = types.NormalizeNamespace(namespace)
	result := types.BatchResult{Errors: []string{}}

	records, err := listAllRecords(ctx, s.repo, storage.ListOptions{Namespace: namespace, Limit: sweepPageSize})
	if err != nil {
		return result, fmt.Errorf("initialize states: list: %w", err)
	}

	for i := range records {
		record := &records[i]
		if record.ProcessingState != "" {
			continue
		}

		if record.IsConsolidated || record.ConsolidatedInto != "" {
			record.ProcessingState = types.StateConsolidated
		} else {
			record.ProcessingState = types.StateProcessed
		}
		record.UpdatedAt = time.Now().UTC()

		if err := s.repo.Update(ctx, record); err != nil {
			result.Errors = append(result.Errors, fmt.Sprintf("%s: %v", record.ID, err))
			continue
		}
		result.Updated++
	}

	s.logger.Info("existing states initialized",
		zap.String("namespace", namespace),
		zap.Int("updated", result.Updated),
		zap.Int("errors", len(result.Errors)))
	return result, nil
}

func (s *StateTracker) record(t types.StateTransition) {
	s.mu.Lock()
	entries := append(s.history[t.MemoryID], t)
	if len(entries) > s.historyCap {
		entries = entries[len(entries)-s.historyCap:]
	}
	s.history[t.MemoryID] = entries
	s.counters[t.MetricKey()]++
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.stateTransitionsTotal.WithLabelValues(string(t.From), string(t.To)).Inc()
	}
}
