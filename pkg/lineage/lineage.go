package lineage

import (
	"context"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/fabric/pkg/common"
	"github.com/OFFIS-RIT/fabric/pkg/store"
)

// EntityState is an entity's attribute snapshot reconstructed for a
// point in time.
type EntityState struct {
	EntityID   string                           `json:"entity_id"`
	Name       string                           `json:"name"`
	Attributes map[string]common.AttributeValue `json:"attributes"`
	Version    int64                            `json:"version"`
	AsOf       time.Time                        `json:"as_of"`
}

// Service answers history and point-in-time questions from the
// append-only lineage log. Reconstruction replays records with the same
// merge policy used at ingestion, so an as-of query is always consistent
// with the log regardless of when it runs.
type Service struct {
	store  store.Storage
	policy common.MergePolicy
}

// NewServiceParams configures a lineage service. The policy must be the
// one the resolution engine ingests with, otherwise replay diverges.
type NewServiceParams struct {
	Store  store.Storage
	Policy common.MergePolicy
}

// NewService creates a lineage service over the given store.
func NewService(params NewServiceParams) *Service {
	return &Service{store: params.Store, policy: params.Policy}
}

// History returns an entity's lineage records in the order they were
// applied.
func (s *Service) History(ctx context.Context, entityID string) ([]common.LineageRecord, error) {
	return s.store.History(ctx, entityID)
}

// AsOf reconstructs the entity's state as it was known at the given
// time by replaying all lineage records with a timestamp at or before
// the cutoff. Returns store.ErrNotFound when no record predates it.
func (s *Service) AsOf(ctx context.Context, entityID string, at time.Time) (*EntityState, error) {
	records, err := s.store.History(ctx, entityID)
	if err != nil {
		return nil, err
	}

	state := &EntityState{
		EntityID:   entityID,
		Attributes: map[string]common.AttributeValue{},
		AsOf:       at,
	}
	applied := false

	for _, rec := range records {
		if rec.CreatedAt.After(at) {
			break
		}
		state.Attributes, _ = s.policy.Apply(state.Attributes, rec.FactAttributes, rec.Provenance)
		state.Version = rec.Version
		applied = true
	}

	if !applied {
		return nil, fmt.Errorf("no lineage for entity %s at %s: %w", entityID, at.Format(time.RFC3339), store.ErrNotFound)
	}

	if v, ok := state.Attributes[common.FieldPrimaryName]; ok {
		state.Name = v.Value
	}
	return state, nil
}

// Changes flattens the field-level deltas of an entity's history, oldest
// first, to answer "what changed and why".
func (s *Service) Changes(ctx context.Context, entityID string) ([]common.EntityChange, error) {
	records, err := s.store.History(ctx, entityID)
	if err != nil {
		return nil, err
	}

	var changes []common.EntityChange
	for _, rec := range records {
		changes = append(changes, rec.Changes...)
	}
	return changes, nil
}
