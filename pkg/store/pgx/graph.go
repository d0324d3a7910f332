package pgx

import (
	"context"
	"errors"
	"fmt"
	"time"

	pgxv5 "github.com/jackc/pgx/v5"

	"github.com/OFFIS-RIT/fabric/pkg/common"
	"github.com/OFFIS-RIT/fabric/pkg/store"
)

const getNodeSQL = `
SELECT entity_id, label, type, mention_count
FROM graph_nodes
WHERE entity_id = $1;
`

const upsertEdgeSQL = `
INSERT INTO graph_edges (
    source_id, target_id, relationship_type, confidence, mention_count,
    first_seen, last_seen
)
VALUES ($1, $2, $3, $4, 1, $5, $5)
ON CONFLICT (source_id, target_id, relationship_type) DO UPDATE
SET confidence    = GREATEST(graph_edges.confidence, EXCLUDED.confidence),
    mention_count = graph_edges.mention_count + 1,
    last_seen     = GREATEST(graph_edges.last_seen, EXCLUDED.last_seen)
RETURNING source_id, target_id, relationship_type, confidence,
          mention_count, first_seen, last_seen;
`

const insertEvidenceSQL = `
INSERT INTO edge_evidence (
    source_id, target_id, relationship_type, source_name, source_record_id,
    batch_id, excerpt, confidence, method, seen_at
)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10);
`

const edgeEvidenceSQL = `
SELECT source_name, source_record_id, batch_id, excerpt, confidence, method, seen_at
FROM edge_evidence
WHERE source_id = $1 AND target_id = $2 AND relationship_type = $3
ORDER BY seen_at ASC, id ASC;
`

const edgeColumns = `source_id, target_id, relationship_type, confidence,
       mention_count, first_seen, last_seen`

const edgesFromSQL = `
SELECT ` + edgeColumns + `
FROM graph_edges
WHERE source_id = $1
ORDER BY source_id, target_id, relationship_type;
`

const edgesToSQL = `
SELECT ` + edgeColumns + `
FROM graph_edges
WHERE target_id = $1
ORDER BY source_id, target_id, relationship_type;
`

const edgesNotSeenSinceSQL = `
SELECT ` + edgeColumns + `
FROM graph_edges
WHERE last_seen < $1
ORDER BY source_id, target_id, relationship_type;
`

func (s *Store) GetNode(ctx context.Context, entityID string) (*common.GraphNode, error) {
	var n common.GraphNode
	err := s.conn.QueryRow(ctx, getNodeSQL, entityID).Scan(
		&n.EntityID, &n.Label, &n.Type, &n.MentionCount,
	)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return nil, store.ErrNotFound
		}
		return nil, fmt.Errorf("get node %s: %w", entityID, err)
	}
	return &n, nil
}

// UpsertEdge records one relationship observation. The conditional upsert
// makes concurrent observations of the same triple commutative: confidence
// takes the maximum and the mention count simply increments.
func (s *Store) UpsertEdge(ctx context.Context, up store.EdgeUpsert) (*common.GraphEdge, error) {
	seen := up.Evidence.SeenAt
	if seen.IsZero() {
		seen = time.Now().UTC()
	}

	tx, err := s.conn.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("upsert edge: begin: %w", err)
	}
	defer tx.Rollback(ctx)

	var edge common.GraphEdge
	err = tx.QueryRow(ctx, upsertEdgeSQL,
		up.SourceID, up.TargetID, up.Type, up.Confidence, seen,
	).Scan(
		&edge.SourceID, &edge.TargetID, &edge.Type, &edge.Confidence,
		&edge.MentionCount, &edge.FirstSeen, &edge.LastSeen,
	)
	if err != nil {
		return nil, fmt.Errorf("upsert edge %s->%s: %w", up.SourceID, up.TargetID, err)
	}

	ev := up.Evidence
	ev.SeenAt = seen
	_, err = tx.Exec(ctx, insertEvidenceSQL,
		up.SourceID, up.TargetID, up.Type,
		ev.SourceName, ev.SourceRecordID, ev.BatchID, ev.Excerpt,
		ev.Confidence, ev.Method, ev.SeenAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert edge evidence: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("upsert edge: commit: %w", err)
	}

	edge.Evidence, err = s.evidenceFor(ctx, edge.SourceID, edge.TargetID, edge.Type)
	if err != nil {
		return nil, err
	}
	return &edge, nil
}

func (s *Store) EdgesFrom(ctx context.Context, entityID string) ([]common.GraphEdge, error) {
	return s.queryEdges(ctx, edgesFromSQL, entityID)
}

func (s *Store) EdgesTo(ctx context.Context, entityID string) ([]common.GraphEdge, error) {
	return s.queryEdges(ctx, edgesToSQL, entityID)
}

func (s *Store) EdgesNotSeenSince(ctx context.Context, cutoff time.Time) ([]common.GraphEdge, error) {
	return s.queryEdges(ctx, edgesNotSeenSinceSQL, cutoff)
}

func (s *Store) queryEdges(ctx context.Context, sql string, arg any) ([]common.GraphEdge, error) {
	rows, err := s.conn.Query(ctx, sql, arg)
	if err != nil {
		return nil, fmt.Errorf("query edges: %w", err)
	}
	defer rows.Close()

	var out []common.GraphEdge
	for rows.Next() {
		var e common.GraphEdge
		err := rows.Scan(
			&e.SourceID, &e.TargetID, &e.Type, &e.Confidence,
			&e.MentionCount, &e.FirstSeen, &e.LastSeen,
		)
		if err != nil {
			return nil, fmt.Errorf("query edges: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) evidenceFor(ctx context.Context, sourceID, targetID, relType string) ([]common.EdgeEvidence, error) {
	rows, err := s.conn.Query(ctx, edgeEvidenceSQL, sourceID, targetID, relType)
	if err != nil {
		return nil, fmt.Errorf("edge evidence: %w", err)
	}
	defer rows.Close()

	var out []common.EdgeEvidence
	for rows.Next() {
		var ev common.EdgeEvidence
		err := rows.Scan(
			&ev.SourceName, &ev.SourceRecordID, &ev.BatchID, &ev.Excerpt,
			&ev.Confidence, &ev.Method, &ev.SeenAt,
		)
		if err != nil {
			return nil, fmt.Errorf("edge evidence: %w", err)
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}
