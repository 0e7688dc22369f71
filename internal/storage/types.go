package storage

import (
	"errors"

	"github.com/mrorigo/memoria/pkg/types"
)

var (
	// ErrNotFound indicates that the requested record was not found.
	ErrNotFound = errors.New("record not found")

	// ErrInvalidInput indicates that the input parameters are invalid.
	ErrInvalidInput = errors.New("invalid input")

	// ErrTxTimeout indicates the transaction exceeded its timeout budget.
	// Timed-out transactions are rolled back by the backend.
	ErrTxTimeout = errors.New("transaction timed out")
)

// ListOptions provides filtering and pagination for namespace scans.
type ListOptions struct {
	// Namespace scopes the scan. Required; blank maps to "default".
	Namespace string

	// Limit is the number of records per page (default: 100, max: 1000).
	Limit int

	// Offset is the number of records to skip.
	Offset int

	// Classification filters by classification. Empty means no filter.
	Classification types.Classification

	// State filters by processing state. Empty means no filter.
	State types.ProcessingState

	// ExcludeConsolidated removes records already merged into a primary
	// (consolidated_into set) from the result.
	ExcludeConsolidated bool

	// OnlyDuplicates restricts results to records flagged is_duplicate.
	OnlyDuplicates bool
}

// Normalize applies defaults and validates the ListOptions.
func (o *ListOptions) Normalize() {
	o.Namespace = types.NormalizeNamespace(o.Namespace)

	if o.Limit < 1 {
		o.Limit = 100
	}
	if o.Limit > 1000 {
		o.Limit = 1000
	}
	if o.Offset < 0 {
		o.Offset = 0
	}
}

// CountFilter selects which records a Count covers.
type CountFilter struct {
	// Classification filters by classification. Empty means no filter.
	Classification types.Classification

	// OnlyDuplicates counts records flagged is_duplicate.
	OnlyDuplicates bool

	// OnlyConsolidated counts records merged into a primary.
	OnlyConsolidated bool

	// EligibleOnly counts records still allowed in candidate pools
	// (not consolidated away, not archived).
	EligibleOnly bool
}
