package postgres

import (
	"context"
	"fmt"

	pgvector "github.com/pgvector/pgvector-go"

	"github.com/mrorigo/memoria/internal/storage"
	"github.com/mrorigo/memoria/pkg/types"
)

// Ensure *MemoryStore implements storage.SimilaritySource at compile time.
var _ storage.SimilaritySource = (*MemoryStore)(nil)

// Search performs tsvector-backed lexical similarity search. ts_rank values
// are unbounded; they are folded into 0..1 as rank/(1+rank) so callers see
// "higher is better". The duplicate detector re-scores hits with Jaccard
// similarity, so this ranking only needs to be a reasonable pre-filter.
func (s *MemoryStore) Search(ctx context.Context, text string, opts storage.SimilaritySearchOptions) ([]storage.SimilarityHit, error) {
	opts.Normalize()

	const querySQL = `
		SELECT id, content, summary, classification, confidence_score, created_at,
			ts_rank(search_tsv, plainto_tsquery('english', $1)) AS rank
		FROM memories
		WHERE namespace = $2
		  AND consolidated_into = ''
		  AND search_tsv @@ plainto_tsquery('english', $1)
		ORDER BY rank DESC, id ASC
		LIMIT $3
	`

	rows, err := s.db.QueryContext(ctx, querySQL, text, opts.Namespace, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: similarity search %q: %w", text, err)
	}
	defer func() { _ = rows.Close() }()

	var hits []storage.SimilarityHit
	for rows.Next() {
		var (
			hit            storage.SimilarityHit
			summary        string
			classification string
			rank           float64
		)
		if err := rows.Scan(&hit.ID, &hit.Content, &summary, &classification, &hit.ConfidenceScore, &hit.CreatedAt, &rank); err != nil {
			return nil, fmt.Errorf("postgres: similarity search scan: %w", err)
		}
		if summary != "" {
			hit.Content = hit.Content + " " + summary
		}
		hit.Score = rank / (1 + rank)
		if opts.IncludeMetadata {
			hit.Classification = types.Classification(classification)
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: similarity search rows: %w", err)
	}

	return hits, nil
}

// StoreEmbedding stores a vector embedding for a memory. Requires the
// pgvector extension.
func (s *MemoryStore) StoreEmbedding(ctx context.Context, namespace, id string, embedding []float32) error {
	if !s.pgvectorAvailable {
		return fmt.Errorf("postgres: pgvector extension not available")
	}

	namespace = types.NormalizeNamespace(namespace)
	vec := pgvector.NewVector(embedding)

	result, err := s.db.ExecContext(ctx,
		`UPDATE memories SET embedding = $1, updated_at = NOW() WHERE namespace = $2 AND id = $3`,
		vec, namespace, id)
	if err != nil {
		return fmt.Errorf("postgres: failed to store embedding for %s: %w", id, err)
	}

	n, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: failed to get rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: memory %s in namespace %s", storage.ErrNotFound, id, namespace)
	}
	return nil
}

// SearchByVector ranks memories by cosine distance to the query vector.
// Requires the pgvector extension.
func (s *MemoryStore) SearchByVector(ctx context.Context, query []float32, opts storage.SimilaritySearchOptions) ([]storage.SimilarityHit, error) {
	if !s.pgvectorAvailable {
		return nil, fmt.Errorf("postgres: pgvector extension not available")
	}

	opts.Normalize()
	vec := pgvector.NewVector(query)

	const querySQL = `
		SELECT id, content, summary, classification, confidence_score, created_at,
			1 - (embedding <=> $1) AS score
		FROM memories
		WHERE namespace = $2
		  AND consolidated_into = ''
		  AND embedding IS NOT NULL
		ORDER BY embedding <=> $1, id ASC
		LIMIT $3
	`

	rows, err := s.db.QueryContext(ctx, querySQL, vec, opts.Namespace, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: vector search: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var hits []storage.SimilarityHit
	for rows.Next() {
		var (
			hit            storage.SimilarityHit
			summary        string
			classification string
		)
		if err := rows.Scan(&hit.ID, &hit.Content, &summary, &classification, &hit.ConfidenceScore, &hit.CreatedAt, &hit.Score); err != nil {
			return nil, fmt.Errorf("postgres: vector search scan: %w", err)
		}
		if summary != "" {
			hit.Content = hit.Content + " " + summary
		}
		if opts.IncludeMetadata {
			hit.Classification = types.Classification(classification)
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: vector search rows: %w", err)
	}

	return hits, nil
}
