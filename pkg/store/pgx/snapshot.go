package pgx

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	pgxv5 "github.com/jackc/pgx/v5"

	"github.com/OFFIS-RIT/fabric/pkg/common"
)

const getSnapshotSQL = `
SELECT snapshot
FROM source_snapshots
WHERE source_name = $1;
`

const saveSnapshotSQL = `
INSERT INTO source_snapshots (source_name, snapshot, updated_at)
VALUES ($1, $2::jsonb, now())
ON CONFLICT (source_name) DO UPDATE
SET snapshot   = EXCLUDED.snapshot,
    updated_at = now();
`

func (s *Store) SourceSnapshot(ctx context.Context, sourceName string) (map[string]common.FactDigest, error) {
	var raw []byte
	err := s.conn.QueryRow(ctx, getSnapshotSQL, sourceName).Scan(&raw)
	if err != nil {
		if errors.Is(err, pgxv5.ErrNoRows) {
			return map[string]common.FactDigest{}, nil
		}
		return nil, fmt.Errorf("source snapshot %s: %w", sourceName, err)
	}

	snap := make(map[string]common.FactDigest)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &snap); err != nil {
			return nil, fmt.Errorf("decode snapshot of %s: %w", sourceName, err)
		}
	}
	return snap, nil
}

func (s *Store) SaveSourceSnapshot(ctx context.Context, sourceName string, snap map[string]common.FactDigest) error {
	raw, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("encode snapshot of %s: %w", sourceName, err)
	}
	if _, err := s.conn.Exec(ctx, saveSnapshotSQL, sourceName, string(raw)); err != nil {
		return fmt.Errorf("save snapshot of %s: %w", sourceName, err)
	}
	return nil
}
