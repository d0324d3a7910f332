package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	gonanoid "github.com/matoous/go-nanoid/v2"

	"github.com/OFFIS-RIT/fabric/pkg/common"
	"github.com/OFFIS-RIT/fabric/pkg/store"
)

const defaultCandidateLimit = 500

// Store is the in-memory reference implementation of store.Storage. A
// single RWMutex makes every ApplyFact and UpsertEdge atomic; reads take
// the read lock only. It backs tests and single-process deployments.
type Store struct {
	mu sync.RWMutex

	entities  map[string]*common.Entity
	claims    map[common.IdentifierKey][]*common.IdentifierClaim
	lineage   map[string][]common.LineageRecord
	nodes     map[string]*common.GraphNode
	edges     map[string]*common.GraphEdge
	snapshots map[string]map[string]common.FactDigest
}

// NewStore creates an empty in-memory store.
func NewStore() *Store {
	return &Store{
		entities:  make(map[string]*common.Entity),
		claims:    make(map[common.IdentifierKey][]*common.IdentifierClaim),
		lineage:   make(map[string][]common.LineageRecord),
		nodes:     make(map[string]*common.GraphNode),
		edges:     make(map[string]*common.GraphEdge),
		snapshots: make(map[string]map[string]common.FactDigest),
	}
}

func (s *Store) LookupIdentifier(ctx context.Context, scheme, value string) ([]common.IdentifierClaim, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	claims := s.claims[common.IdentifierKey{Scheme: scheme, Value: value}]
	out := make([]common.IdentifierClaim, 0, len(claims))
	for _, c := range claims {
		if c.Active {
			out = append(out, *c)
		}
	}
	if len(out) == 0 {
		return nil, store.ErrNotFound
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].Confidence > out[j].Confidence
	})
	return out, nil
}

func (s *Store) DeactivateClaim(ctx context.Context, scheme, value, sourceName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, c := range s.claims[common.IdentifierKey{Scheme: scheme, Value: value}] {
		if c.SourceName == sourceName {
			c.Active = false
		}
	}
	return nil
}

func (s *Store) GetEntity(ctx context.Context, entityID string) (*common.Entity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.entities[entityID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *e
	cp.Attributes = e.CloneAttributes()
	return &cp, nil
}

func (s *Store) CandidateEntities(ctx context.Context, entityType string, limit int) ([]common.Entity, error) {
	if limit <= 0 {
		limit = defaultCandidateLimit
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]common.Entity, 0)
	for _, e := range s.entities {
		if !e.Active {
			continue
		}
		if entityType != "" && e.Type != entityType {
			continue
		}
		cp := *e
		cp.Attributes = e.CloneAttributes()
		out = append(out, cp)
		if len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ApplyFact persists one resolved fact under the write lock, which makes
// the entity update, claim upserts, lineage append and node bump a single
// atomic unit.
func (s *Store) ApplyFact(ctx context.Context, app store.FactApplication) (*common.LineageRecord, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()

	var entity *common.Entity
	prevVersion := int64(0)

	if app.Create {
		for _, c := range app.Claims {
			key := common.IdentifierKey{Scheme: c.Scheme, Value: c.Value}
			for _, existing := range s.claims[key] {
				if existing.Active && existing.EntityID != app.EntityID &&
					existing.Confidence >= app.ConflictThreshold {
					return nil, store.ErrConflict
				}
			}
		}

		id, err := gonanoid.New()
		if err != nil {
			return nil, err
		}
		entity = &common.Entity{
			ID:                   id,
			Name:                 app.Name,
			Type:                 app.EntityType,
			Attributes:           app.Attributes,
			Version:              1,
			Provisional:          app.Provisional,
			Flagged:              app.Flagged,
			SuggestedDuplicateID: app.SuggestedDuplicateID,
			Active:               true,
			CreatedAt:            now,
			UpdatedAt:            now,
		}
		s.entities[id] = entity
		s.nodes[id] = &common.GraphNode{
			EntityID: id,
			Label:    app.Name,
			Type:     app.EntityType,
		}
	} else {
		existing, ok := s.entities[app.EntityID]
		if !ok {
			return nil, store.ErrNotFound
		}
		prevVersion = existing.Version
		existing.Name = app.Name
		existing.Attributes = app.Attributes
		existing.Version++
		existing.UpdatedAt = now
		if app.Flagged {
			existing.Flagged = true
		}
		entity = existing
		if node, ok := s.nodes[entity.ID]; ok {
			node.Label = app.Name
		}
	}

	for _, c := range app.Claims {
		s.upsertClaimLocked(entity.ID, c, now)
	}

	if node, ok := s.nodes[entity.ID]; ok {
		node.MentionCount++
	}

	recID, err := gonanoid.New()
	if err != nil {
		return nil, err
	}
	record := common.LineageRecord{
		ID:              recID,
		EntityID:        entity.ID,
		Version:         entity.Version,
		PrevVersion:     prevVersion,
		FactAttributes:  app.FactAttributes,
		FactIdentifiers: app.FactIdentifiers,
		Provenance:      app.Provenance,
		Changes:         app.Changes,
		CreatedAt:       now,
	}
	s.lineage[entity.ID] = append(s.lineage[entity.ID], record)

	return &record, nil
}

func (s *Store) upsertClaimLocked(entityID string, c common.IdentifierClaim, now time.Time) {
	key := common.IdentifierKey{Scheme: c.Scheme, Value: c.Value}
	for _, existing := range s.claims[key] {
		if existing.EntityID == entityID && existing.SourceName == c.SourceName {
			existing.LastSeen = now
			existing.Active = true
			if c.Confidence > existing.Confidence {
				existing.Confidence = c.Confidence
			}
			return
		}
	}

	claim := c
	claim.EntityID = entityID
	claim.FirstSeen = now
	claim.LastSeen = now
	claim.Active = true
	s.claims[key] = append(s.claims[key], &claim)
}

func (s *Store) History(ctx context.Context, entityID string) ([]common.LineageRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	records, ok := s.lineage[entityID]
	if !ok {
		return nil, store.ErrNotFound
	}
	out := make([]common.LineageRecord, len(records))
	copy(out, records)
	return out, nil
}

func (s *Store) GetNode(ctx context.Context, entityID string) (*common.GraphNode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[entityID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *n
	return &cp, nil
}

func (s *Store) UpsertEdge(ctx context.Context, up store.EdgeUpsert) (*common.GraphEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := up.Evidence.SeenAt
	if seen.IsZero() {
		seen = time.Now().UTC()
	}

	key := up.SourceID + "|" + up.TargetID + "|" + up.Type
	edge, ok := s.edges[key]
	if !ok {
		edge = &common.GraphEdge{
			SourceID:   up.SourceID,
			TargetID:   up.TargetID,
			Type:       up.Type,
			Confidence: up.Confidence,
			FirstSeen:  seen,
		}
		s.edges[key] = edge
	}
	if up.Confidence > edge.Confidence {
		edge.Confidence = up.Confidence
	}
	edge.MentionCount++
	edge.LastSeen = seen
	edge.Evidence = append(edge.Evidence, up.Evidence)

	cp := *edge
	cp.Evidence = append([]common.EdgeEvidence(nil), edge.Evidence...)
	return &cp, nil
}

func (s *Store) EdgesFrom(ctx context.Context, entityID string) ([]common.GraphEdge, error) {
	return s.filterEdges(func(e *common.GraphEdge) bool { return e.SourceID == entityID })
}

func (s *Store) EdgesTo(ctx context.Context, entityID string) ([]common.GraphEdge, error) {
	return s.filterEdges(func(e *common.GraphEdge) bool { return e.TargetID == entityID })
}

func (s *Store) EdgesNotSeenSince(ctx context.Context, cutoff time.Time) ([]common.GraphEdge, error) {
	return s.filterEdges(func(e *common.GraphEdge) bool { return e.LastSeen.Before(cutoff) })
}

func (s *Store) filterEdges(keep func(*common.GraphEdge) bool) ([]common.GraphEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []common.GraphEdge
	for _, e := range s.edges {
		if !keep(e) {
			continue
		}
		cp := *e
		cp.Evidence = append([]common.EdgeEvidence(nil), e.Evidence...)
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceID != out[j].SourceID {
			return out[i].SourceID < out[j].SourceID
		}
		if out[i].TargetID != out[j].TargetID {
			return out[i].TargetID < out[j].TargetID
		}
		return out[i].Type < out[j].Type
	})
	return out, nil
}

func (s *Store) SourceSnapshot(ctx context.Context, sourceName string) (map[string]common.FactDigest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := make(map[string]common.FactDigest, len(s.snapshots[sourceName]))
	for k, v := range s.snapshots[sourceName] {
		snap[k] = v
	}
	return snap, nil
}

func (s *Store) SaveSourceSnapshot(ctx context.Context, sourceName string, snap map[string]common.FactDigest) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := make(map[string]common.FactDigest, len(snap))
	for k, v := range snap {
		cp[k] = v
	}
	s.snapshots[sourceName] = cp
	return nil
}
