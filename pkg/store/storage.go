package store

import (
	"context"
	"errors"
	"time"

	"github.com/OFFIS-RIT/fabric/pkg/common"
)

var (
	// ErrNotFound is returned for lookups that match nothing.
	ErrNotFound = errors.New("store: not found")
	// ErrConflict is returned when a fact application loses a race on an
	// identifier key, typically a unique-claim violation between the
	// caller's lookup and its write. Callers retry resolution once.
	ErrConflict = errors.New("store: concurrent create conflict")
)

// FactApplication is the single atomic unit of work produced by resolving
// one fact: the entity create-or-update, the identifier claims it carries
// and the lineage record documenting it. Implementations apply all of it
// in one transaction or not at all, so a cancelled batch leaves no
// partial entity behind.
type FactApplication struct {
	// EntityID is empty when Create is set; the store assigns the id.
	EntityID   string
	Create     bool
	Name       string
	EntityType string

	Provisional          bool
	Flagged              bool
	SuggestedDuplicateID string

	// Attributes is the full merged snapshot after the policy ran.
	Attributes map[string]common.AttributeValue
	Changes    []common.EntityChange

	// Claims are upserted: first_seen is kept, last_seen refreshed,
	// confidence raised to the maximum observed.
	Claims []common.IdentifierClaim
	// ConflictThreshold is the confidence at and above which another
	// entity's active claim on one of the Claims' keys blocks a create.
	// Claims below it coexist. Zero blocks on any active claim.
	ConflictThreshold float64

	FactAttributes  map[string]string
	FactIdentifiers map[string]string
	Provenance      common.Provenance
}

// EdgeUpsert is one observation of a relationship between two resolved
// entities. The store keys edges by (source, target, type): an absent
// edge is created, an existing one accumulates the evidence.
type EdgeUpsert struct {
	SourceID   string
	TargetID   string
	Type       string
	Confidence float64
	Evidence   common.EdgeEvidence
}

// Storage is the logical persistence contract of the Fabric: the
// identifier index, canonical entities, the append-only lineage log, the
// relationship graph and the per-source snapshots used for diffing.
// The physical encoding is the implementation's choice.
type Storage interface {
	// LookupIdentifier returns all active claims for a (scheme, value)
	// pair, best confidence first. ErrNotFound when none exist.
	LookupIdentifier(ctx context.Context, scheme, value string) ([]common.IdentifierClaim, error)
	// DeactivateClaim marks one source's claim on an identifier inactive
	// without touching the entity or other sources' claims.
	DeactivateClaim(ctx context.Context, scheme, value, sourceName string) error

	GetEntity(ctx context.Context, entityID string) (*common.Entity, error)
	// CandidateEntities returns active entities of a type for fuzzy
	// candidate scoring, up to limit (0 means implementation default).
	CandidateEntities(ctx context.Context, entityType string, limit int) ([]common.Entity, error)

	// ApplyFact atomically persists one resolved fact and returns the
	// lineage record it produced. Returns ErrConflict when a competing
	// create claimed one of the fact's identifiers first at or above
	// ConflictThreshold.
	ApplyFact(ctx context.Context, app FactApplication) (*common.LineageRecord, error)

	// History returns an entity's lineage records in version order.
	History(ctx context.Context, entityID string) ([]common.LineageRecord, error)

	GetNode(ctx context.Context, entityID string) (*common.GraphNode, error)
	UpsertEdge(ctx context.Context, up EdgeUpsert) (*common.GraphEdge, error)
	// EdgesFrom and EdgesTo return the directional adjacency of a node.
	EdgesFrom(ctx context.Context, entityID string) ([]common.GraphEdge, error)
	EdgesTo(ctx context.Context, entityID string) ([]common.GraphEdge, error)
	// EdgesNotSeenSince returns edges whose last mention is older than
	// the cutoff, for stale flagging.
	EdgesNotSeenSince(ctx context.Context, cutoff time.Time) ([]common.GraphEdge, error)

	// SourceSnapshot returns the keyed digest set stored by the last
	// ingestion run for a source; an empty map when the source is new.
	SourceSnapshot(ctx context.Context, sourceName string) (map[string]common.FactDigest, error)
	SaveSourceSnapshot(ctx context.Context, sourceName string, snap map[string]common.FactDigest) error
}
