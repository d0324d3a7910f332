package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"

	"github.com/OFFIS-RIT/fabric/pkg/common"
	"github.com/OFFIS-RIT/fabric/pkg/store"
)

const defaultCandidateLimit = 500

const entityColumns = `id, name, type, attributes, version, provisional, flagged,
       COALESCE(suggested_duplicate_id, ''), active, created_at, updated_at`

const getEntitySQL = `
SELECT ` + entityColumns + `
FROM entities
WHERE id = $1;
`

const candidateEntitiesSQL = `
SELECT ` + entityColumns + `
FROM entities
WHERE active AND ($1 = '' OR type = $1)
ORDER BY updated_at DESC
LIMIT $2;
`

func (s *Store) GetEntity(ctx context.Context, entityID string) (*common.Entity, error) {
	entity, err := scanEntity(s.conn.QueryRow(ctx, getEntitySQL, entityID))
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get entity %s: %w", entityID, err)
	}
	return entity, nil
}

func (s *Store) CandidateEntities(ctx context.Context, entityType string, limit int) ([]common.Entity, error) {
	if limit <= 0 {
		limit = defaultCandidateLimit
	}

	rows, err := s.conn.Query(ctx, candidateEntitiesSQL, entityType, limit)
	if err != nil {
		return nil, fmt.Errorf("candidate entities: %w", err)
	}
	defer rows.Close()

	out := make([]common.Entity, 0)
	for rows.Next() {
		entity, err := scanEntity(rows)
		if err != nil {
			return nil, fmt.Errorf("candidate entities: %w", err)
		}
		out = append(out, *entity)
	}
	return out, rows.Err()
}

func scanEntity(row pgxv5.Row) (*common.Entity, error) {
	var e common.Entity
	var attrs []byte
	err := row.Scan(
		&e.ID, &e.Name, &e.Type, &attrs, &e.Version, &e.Provisional,
		&e.Flagged, &e.SuggestedDuplicateID, &e.Active, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	e.Attributes = make(map[string]common.AttributeValue)
	if len(attrs) > 0 {
		if err := json.Unmarshal(attrs, &e.Attributes); err != nil {
			return nil, fmt.Errorf("decode attributes of %s: %w", e.ID, err)
		}
	}
	return &e, nil
}
