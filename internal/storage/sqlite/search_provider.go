package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/mrorigo/memoria/internal/storage"
	"github.com/mrorigo/memoria/pkg/types"
)

// Ensure *MemoryStore implements storage.SimilaritySource at compile time.
var _ storage.SimilaritySource = (*MemoryStore)(nil)

// Search performs FTS5-backed similarity search across memory content and
// summary. The duplicate detector consumes the ranked hits and re-scores
// them with Jaccard similarity, so the FTS rank only needs to be a
// reasonable pre-filter.
//
// FTS5 bm25() values are positive with lower == better; they are folded into
// a 0..1 score as 1/(1+bm25) so callers see "higher is better".
func (s *MemoryStore) Search(ctx context.Context, text string, opts storage.SimilaritySearchOptions) ([]storage.SimilarityHit, error) {
	opts.Normalize()

	ftsQuery := sanitiseFTSQuery(text)
	if ftsQuery == "" {
		return nil, nil
	}

	const querySQL = `
		SELECT m.id, m.content, m.summary, m.classification, m.confidence_score, m.created_at,
			bm25(memories_fts) AS rank
		FROM memories_fts fts
		JOIN memories m ON m.rowid = fts.rowid
		WHERE memories_fts MATCH ? AND m.namespace = ? AND m.consolidated_into = ''
		ORDER BY rank ASC, m.id ASC
		LIMIT ?
	`

	rows, err := s.db.QueryContext(ctx, querySQL, ftsQuery, opts.Namespace, opts.Limit)
	if err != nil {
		return nil, fmt.Errorf("sqlite: similarity search MATCH %q: %w", text, err)
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
			return nil, fmt.Errorf("sqlite: similarity search scan: %w", err)
		}
		if summary != "" {
			hit.Content = hit.Content + " " + summary
		}
		if rank < 0 {
			rank = -rank
		}
		hit.Score = 1.0 / (1.0 + rank)
		if opts.IncludeMetadata {
			hit.Classification = types.Classification(classification)
		}
		hits = append(hits, hit)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: similarity search rows: %w", err)
	}

	return hits, nil
}

// sanitiseFTSQuery converts free-form text into a safe FTS5 query. FTS5
// syntax is fragile: an unbalanced quote or stray operator keyword causes a
// syntax error, so each word is quoted and joined with OR semantics.
func sanitiseFTSQuery(text string) string {
	fields := strings.Fields(text)
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		cleaned := strings.Map(func(r rune) rune {
			if r == '"' || r == '\'' || r == '*' || r == '(' || r == ')' || r == ':' || r == '^' {
				return -1
			}
			return r
		}, f)
		if cleaned == "" {
			continue
		}
		terms = append(terms, `"`+cleaned+`"`)
	}
	return strings.Join(terms, " OR ")
}
