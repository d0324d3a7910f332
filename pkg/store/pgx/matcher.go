package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pgvector/pgvector-go"

	"github.com/OFFIS-RIT/fabric/pkg/common"
	"github.com/OFFIS-RIT/fabric/pkg/match"
	"github.com/OFFIS-RIT/fabric/pkg/store"
)

const similarEntitiesSQL = `
SELECT ` + entityColumns + `, 1 - (name_embedding <=> $3) AS score
FROM entities
WHERE active
  AND name_embedding IS NOT NULL
  AND ($1 = '' OR type = $1)
ORDER BY name_embedding <=> $3
LIMIT $2;
`

// Match implements the fuzzy matcher contract on pgvector cosine
// similarity over stored name embeddings. Requires WithEmbedder; without
// one, callers should use the trigram matcher instead.
func (s *Store) Match(ctx context.Context, name, entityType string, topK int) ([]match.Candidate, error) {
	if s.embedder == nil {
		return nil, errors.New("vector match: no embedder configured")
	}
	if topK <= 0 {
		topK = 5
	}

	values, err := s.embedder(ctx, name)
	if err != nil {
		return nil, fmt.Errorf("vector match: embed query: %w", err)
	}
	query := pgvector.NewVector(values)

	rows, err := s.conn.Query(ctx, similarEntitiesSQL, entityType, topK, query)
	if err != nil {
		return nil, fmt.Errorf("vector match: %w", err)
	}
	defer rows.Close()

	var out []match.Candidate
	for rows.Next() {
		var c match.Candidate
		var attrs []byte
		e := &c.Entity
		err := rows.Scan(
			&e.ID, &e.Name, &e.Type, &attrs, &e.Version, &e.Provisional,
			&e.Flagged, &e.SuggestedDuplicateID, &e.Active, &e.CreatedAt,
			&e.UpdatedAt, &c.Score,
		)
		if err != nil {
			return nil, fmt.Errorf("vector match: %w", err)
		}
		e.Attributes = make(map[string]common.AttributeValue)
		if len(attrs) > 0 {
			if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
				return nil, fmt.Errorf("vector match: decode attributes of %s: %w", e.ID, err)
			}
		}
		if c.Score < 0 {
			c.Score = 0
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

var (
	_ store.Storage = (*Store)(nil)
	_ match.Matcher = (*Store)(nil)
)
