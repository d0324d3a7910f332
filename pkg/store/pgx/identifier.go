package pgx

import (
	"context"
	"fmt"

	"github.com/OFFIS-RIT/fabric/pkg/common"
	"github.com/OFFIS-RIT/fabric/pkg/store"
)

const lookupIdentifierSQL = `
SELECT entity_id, scheme, value, source_name, source_type, confidence,
       first_seen, last_seen, active
FROM identifier_claims
WHERE scheme = $1 AND value = $2 AND active
ORDER BY confidence DESC, entity_id ASC;
`

const deactivateClaimSQL = `
UPDATE identifier_claims
SET active = FALSE
WHERE scheme = $1 AND value = $2 AND source_name = $3;
`

func (s *Store) LookupIdentifier(ctx context.Context, scheme, value string) ([]common.IdentifierClaim, error) {
	rows, err := s.conn.Query(ctx, lookupIdentifierSQL, scheme, value)
	if err != nil {
		return nil, fmt.Errorf("lookup identifier %s|%s: %w", scheme, value, err)
	}
	defer rows.Close()

	var out []common.IdentifierClaim
	for rows.Next() {
		var c common.IdentifierClaim
		err := rows.Scan(
			&c.EntityID, &c.Scheme, &c.Value, &c.SourceName, &c.SourceType,
			&c.Confidence, &c.FirstSeen, &c.LastSeen, &c.Active,
		)
		if err != nil {
			return nil, fmt.Errorf("lookup identifier %s|%s: %w", scheme, value, err)
		}
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(out) == 0 {
		return nil, store.ErrNotFound
	}
	return out, nil
}

func (s *Store) DeactivateClaim(ctx context.Context, scheme, value, sourceName string) error {
	_, err := s.conn.Exec(ctx, deactivateClaimSQL, scheme, value, sourceName)
	if err != nil {
		return fmt.Errorf("deactivate claim %s|%s from %s: %w", scheme, value, sourceName, err)
	}
	return nil
}
