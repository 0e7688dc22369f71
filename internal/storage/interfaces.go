// Package storage provides the repository interfaces for the Memoria system.
//
// The storage layer is designed with small, focused interfaces that can be
// implemented independently and composed as needed. The consolidation engine
// depends only on these contracts, never on a concrete backend.
package storage

import (
	"context"
	"time"

	"github.com/mrorigo/memoria/pkg/types"
)

// MemoryRepository provides namespace-scoped CRUD, scans, counts, and the
// transactional multi-record write primitive the consolidation executor
// builds on.
type MemoryRepository interface {
	// Store creates or updates a memory record (upsert semantics).
	Store(ctx context.Context, record *types.MemoryRecord) error

	// Get retrieves a record by namespace and ID.
	// Returns ErrNotFound if the record doesn't exist in that namespace.
	Get(ctx context.Context, namespace, id string) (*types.MemoryRecord, error)

	// List scans records in a namespace with filtering and pagination.
	List(ctx context.Context, opts ListOptions) ([]types.MemoryRecord, error)

	// Update modifies an existing record.
	// Returns ErrNotFound if the record doesn't exist.
	Update(ctx context.Context, record *types.MemoryRecord) error

	// Count returns the number of records in a namespace matching the filter.
	Count(ctx context.Context, namespace string, filter CountFilter) (int, error)

	// WithTx executes fn as a single atomic transaction with the given
	// timeout budget. Every read and write issued through the Tx commits or
	// rolls back together; on timeout the transaction is treated as a
	// failure. This is the primitive backing atomic consolidation writes and
	// serialized relationship read-modify-writes.
	WithTx(ctx context.Context, namespace string, timeout time.Duration, fn func(tx Tx) error) error

	// Close releases any resources held by the repository.
	Close() error
}

// Tx is the handle passed to WithTx callbacks. All operations are scoped to
// the namespace the transaction was opened for.
type Tx interface {
	// Get retrieves a record by ID within the transaction.
	// Returns ErrNotFound if the record doesn't exist.
	Get(id string) (*types.MemoryRecord, error)

	// Put writes a record within the transaction (upsert semantics).
	Put(record *types.MemoryRecord) error
}

// SimilarityHit is one ranked result from a similarity source.
type SimilarityHit struct {
	ID              string
	Content         string
	Score           float64
	Classification  types.Classification
	ConfidenceScore float64
	CreatedAt       time.Time
}

// SimilaritySearchOptions bounds a similarity query.
type SimilaritySearchOptions struct {
	// Namespace scopes the search. Required.
	Namespace string

	// Limit caps the candidate window (default: 20).
	Limit int

	// IncludeMetadata requests classification/confidence fields on hits.
	IncludeMetadata bool
}

// Normalize applies defaults to the search options.
func (o *SimilaritySearchOptions) Normalize() {
	o.Namespace = types.NormalizeNamespace(o.Namespace)
	if o.Limit < 1 {
		o.Limit = 20
	}
	if o.Limit > 100 {
		o.Limit = 100
	}
}

// SimilaritySource returns ranked candidate memories for free text. The
// duplicate detector depends only on this output shape; ranking strategy
// (lexical, vector, hybrid) is the implementation's concern.
type SimilaritySource interface {
	Search(ctx context.Context, text string, opts SimilaritySearchOptions) ([]SimilarityHit, error)
}
