package pgx

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/OFFIS-RIT/fabric/pkg/common"
	"github.com/OFFIS-RIT/fabric/pkg/store"
)

const historySQL = `
SELECT id, entity_id, version, prev_version, fact_attributes,
       fact_identifiers, provenance, changes, created_at
FROM lineage_records
WHERE entity_id = $1
ORDER BY version ASC;
`

func (s *Store) History(ctx context.Context, entityID string) ([]common.LineageRecord, error) {
	rows, err := s.conn.Query(ctx, historySQL, entityID)
	if err != nil {
		return nil, fmt.Errorf("history of %s: %w", entityID, err)
	}
	defer rows.Close()

	var out []common.LineageRecord
	for rows.Next() {
		var r common.LineageRecord
		var factAttrs, factIds, prov, changes []byte
		err := rows.Scan(
			&r.ID, &r.EntityID, &r.Version, &r.PrevVersion,
			&factAttrs, &factIds, &prov, &changes, &r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("history of %s: %w", entityID, err)
		}
		if err := json.Unmarshal(factAttrs, &r.FactAttributes); err != nil {
			return nil, fmt.Errorf("decode fact attributes of record %s: %w", r.ID, err)
		}
		if err := json.Unmarshal(factIds, &r.FactIdentifiers); err != nil {
			return nil, fmt.Errorf("decode fact identifiers of record %s: %w", r.ID, err)
		}
		if err := json.Unmarshal(prov, &r.Provenance); err != nil {
			return nil, fmt.Errorf("decode provenance of record %s: %w", r.ID, err)
		}
		if err := json.Unmarshal(changes, &r.Changes); err != nil {
			return nil, fmt.Errorf("decode changes of record %s: %w", r.ID, err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, store.ErrNotFound
	}
	return out, nil
}
