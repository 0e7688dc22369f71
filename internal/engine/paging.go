package engine

import (
	"context"

	"github.com/mrorigo/memoria/internal/storage"
	"github.com/mrorigo/memoria/pkg/types"
)

// sweepPageSize is the page size namespace-wide sweeps read with.
const sweepPageSize = 1000

// listAllRecords pages through a namespace scan until the backend returns a
// short page, so sweeps see every record no matter how large the namespace
// grows. The options' Limit is the page size.
func listAllRecords(ctx context.Context, repo storage.MemoryRepository, opts storage.ListOptions) ([]types.MemoryRecord, error) {
	opts.Normalize()

	var all []types.MemoryRecord
	for offset := opts.Offset; ; offset += opts.Limit {
		page := opts
		page.Offset = offset
		records, err := repo.List(ctx, page)
		if err != nil {
			return nil, err
		}
		all = append(all, records...)
		if len(records) < opts.Limit {
			return all, nil
		}
	}
}
