package pgx

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pgvector/pgvector-go"

	"github.com/OFFIS-RIT/fabric/pkg/common"
	"github.com/OFFIS-RIT/fabric/pkg/logger"
	"github.com/OFFIS-RIT/fabric/pkg/store"
)

const advisoryLockSQL = `
SELECT pg_advisory_xact_lock(hashtextextended($1, 0));
`

const activeClaimExistsSQL = `
SELECT EXISTS (
    SELECT 1
    FROM identifier_claims
    WHERE scheme = $1 AND value = $2 AND active AND confidence >= $3
);
`

const insertEntitySQL = `
INSERT INTO entities (
    id, name, type, attributes, version, provisional, flagged,
    suggested_duplicate_id, active, name_embedding, created_at, updated_at
)
VALUES ($1, $2, $3, $4::jsonb, 1, $5, $6, NULLIF($7, ''), TRUE, $8, $9, $9);
`

const updateEntitySQL = `
UPDATE entities
SET name           = $2,
    attributes     = $3::jsonb,
    version        = version + 1,
    flagged        = flagged OR $4,
    name_embedding = COALESCE($5, name_embedding),
    updated_at     = $6
WHERE id = $1
RETURNING version;
`

const upsertNodeSQL = `
INSERT INTO graph_nodes (entity_id, label, type, mention_count)
VALUES ($1, $2, $3, 1)
ON CONFLICT (entity_id) DO UPDATE
SET label         = EXCLUDED.label,
    mention_count = graph_nodes.mention_count + 1;
`

const upsertClaimSQL = `
INSERT INTO identifier_claims (
    entity_id, scheme, value, source_name, source_type, confidence,
    first_seen, last_seen, active
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $7, TRUE)
ON CONFLICT (entity_id, scheme, value, source_name) DO UPDATE
SET last_seen   = EXCLUDED.last_seen,
    source_type = EXCLUDED.source_type,
    confidence  = GREATEST(identifier_claims.confidence, EXCLUDED.confidence),
    active      = TRUE;
`

const insertLineageSQL = `
INSERT INTO lineage_records (
    id, entity_id, version, prev_version, fact_attributes, fact_identifiers,
    provenance, changes, created_at
)
VALUES ($1, $2, $3, $4, $5::jsonb, $6::jsonb, $7::jsonb, $8::jsonb, $9);
`

// ApplyFact persists one resolved fact in a single transaction. Advisory
// transaction locks on every identifier key serialize competing creates,
// so the conflict check below sees any claim a parallel transaction
// committed first.
func (s *Store) ApplyFact(ctx context.Context, app store.FactApplication) (*common.LineageRecord, error) {
	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("apply fact: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, key := range claimKeys(app.Claims) {
		if _, err := tx.Exec(ctx, advisoryLockSQL, key.String()); err != nil {
			return nil, fmt.Errorf("apply fact: lock %s: %w", key.String(), err)
		}
	}

	now := time.Now().UTC()

	attrsJSON, err := json.Marshal(app.Attributes)
	if err != nil {
		return nil, fmt.Errorf("apply fact: encode attributes: %w", err)
	}

	entityID := app.EntityID
	version := int64(1)
	prevVersion := int64(0)

	if app.Create {
		// Claims below the conflict threshold are not authoritative and
		// coexist with the new entity's own claims.
		for _, key := range claimKeys(app.Claims) {
			var claimed bool
			if err := tx.QueryRow(ctx, activeClaimExistsSQL, key.Scheme, key.Value, app.ConflictThreshold).Scan(&claimed); err != nil {
				return nil, fmt.Errorf("apply fact: conflict check %s: %w", key.String(), err)
			}
			if claimed {
				return nil, store.ErrConflict
			}
		}

		entityID, err = gonanoid.New()
		if err != nil {
			return nil, err
		}

		_, err = tx.Exec(ctx, insertEntitySQL,
			entityID, app.Name, app.EntityType, string(attrsJSON),
			app.Provisional, app.Flagged, app.SuggestedDuplicateID,
			s.embed(ctx, app.Name), now,
		)
		if err != nil {
			return nil, fmt.Errorf("apply fact: insert entity: %w", err)
		}
	} else {
		err = tx.QueryRow(ctx, updateEntitySQL,
			entityID, app.Name, string(attrsJSON), app.Flagged,
			s.embed(ctx, app.Name), now,
		).Scan(&version)
		if err != nil {
			return nil, fmt.Errorf("apply fact: update entity %s: %w", entityID, err)
		}
		prevVersion = version - 1
	}

	if _, err := tx.Exec(ctx, upsertNodeSQL, entityID, app.Name, app.EntityType); err != nil {
		return nil, fmt.Errorf("apply fact: upsert node: %w", err)
	}

	for _, c := range app.Claims {
		_, err := tx.Exec(ctx, upsertClaimSQL,
			entityID, c.Scheme, c.Value, c.SourceName, c.SourceType, c.Confidence, now,
		)
		if err != nil {
			return nil, fmt.Errorf("apply fact: upsert claim %s|%s: %w", c.Scheme, c.Value, err)
		}
	}

	recordID, err := gonanoid.New()
	if err != nil {
		return nil, err
	}
	record := common.LineageRecord{
		ID:              recordID,
		EntityID:        entityID,
		Version:         version,
		PrevVersion:     prevVersion,
		FactAttributes:  app.FactAttributes,
		FactIdentifiers: app.FactIdentifiers,
		Provenance:      app.Provenance,
		Changes:         app.Changes,
		CreatedAt:       now,
	}

	factAttrsJSON, err := json.Marshal(record.FactAttributes)
	if err != nil {
		return nil, fmt.Errorf("apply fact: encode fact attributes: %w", err)
	}
	factIdsJSON, err := json.Marshal(record.FactIdentifiers)
	if err != nil {
		return nil, fmt.Errorf("apply fact: encode fact identifiers: %w", err)
	}
	provJSON, err := json.Marshal(record.Provenance)
	if err != nil {
		return nil, fmt.Errorf("apply fact: encode provenance: %w", err)
	}
	changesJSON, err := json.Marshal(record.Changes)
	if err != nil {
		return nil, fmt.Errorf("apply fact: encode changes: %w", err)
	}

	_, err = tx.Exec(ctx, insertLineageSQL,
		record.ID, record.EntityID, record.Version, record.PrevVersion,
		string(factAttrsJSON), string(factIdsJSON), string(provJSON), string(changesJSON),
		record.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("apply fact: insert lineage record: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("apply fact: commit: %w", err)
	}
	return &record, nil
}

// embed computes the name embedding when an embedder is configured. An
// embedding failure does not fail the fact; the column stays NULL and
// candidate search falls back to the type scan.
func (s *Store) embed(ctx context.Context, name string) *pgvector.Vector {
	if s.embedder == nil || name == "" {
		return nil
	}
	values, err := s.embedder(ctx, name)
	if err != nil {
		logger.Warn("[Store] Name embedding failed, storing without vector", "error", err)
		return nil
	}
	vec := pgvector.NewVector(values)
	return &vec
}

// claimKeys returns the distinct identifier keys of the claims in sorted
// order. Sorted acquisition keeps advisory lock order consistent across
// transactions.
func claimKeys(claims []common.IdentifierClaim) []common.IdentifierKey {
	seen := make(map[common.IdentifierKey]struct{}, len(claims))
	out := make([]common.IdentifierKey, 0, len(claims))
	for _, c := range claims {
		key := common.IdentifierKey{Scheme: c.Scheme, Value: c.Value}
		if _, ok := seen[key]; ok {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, key)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].String() < out[j].String()
	})
	return out
}
