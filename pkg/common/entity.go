package common

import "time"

// FieldPrimaryName is the reserved attribute key under which an entity's
// primary name is merged. Keeping the name inside the attribute map means
// it follows the same source-priority rule as every other field, and that
// point-in-time replay reproduces historical names.
const FieldPrimaryName = "primary_name"

// AttributeValue is a single attribute field together with the provenance
// that set it. The merge policy compares provenance, not arrival order.
type AttributeValue struct {
	Value      string    `json:"value"`
	SourceType string    `json:"source_type"`
	SourceName string    `json:"source_name"`
	Confidence float64   `json:"confidence"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// Entity is the canonical, persistent representation of a real-world thing.
// The ID is assigned once at creation and never changes; entities are
// deactivated, never deleted.
type Entity struct {
	ID          string                    `json:"id"`
	Name        string                    `json:"name"`
	Type        string                    `json:"type"`
	Attributes  map[string]AttributeValue `json:"attributes"`
	Version     int64                     `json:"version"`
	Provisional bool                      `json:"provisional"`
	Flagged     bool                      `json:"flagged"`
	// SuggestedDuplicateID points at the best fuzzy candidate when the
	// entity was created provisionally inside the review band.
	SuggestedDuplicateID string    `json:"suggested_duplicate_id,omitempty"`
	Active               bool      `json:"active"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
}

// CloneAttributes returns a copy of the entity's attribute map so callers
// can compute merges without mutating shared state.
func (e *Entity) CloneAttributes() map[string]AttributeValue {
	out := make(map[string]AttributeValue, len(e.Attributes))
	for k, v := range e.Attributes {
		out[k] = v
	}
	return out
}

// IdentifierClaim asserts that a scheme+value pair (for example an ISIN)
// belongs to an entity, as observed by one source. At or above the
// auto-merge threshold a (scheme, value) pair resolves to exactly one
// active entity; weaker claims may sit on provisional entities.
type IdentifierClaim struct {
	EntityID   string    `json:"entity_id"`
	Scheme     string    `json:"scheme"`
	Value      string    `json:"value"`
	SourceName string    `json:"source_name"`
	SourceType string    `json:"source_type"`
	Confidence float64   `json:"confidence"`
	FirstSeen  time.Time `json:"first_seen"`
	LastSeen   time.Time `json:"last_seen"`
	Active     bool      `json:"active"`
}

// IdentifierKey is the lookup key of the identifier index.
type IdentifierKey struct {
	Scheme string `json:"scheme"`
	Value  string `json:"value"`
}

func (k IdentifierKey) String() string {
	return k.Scheme + "|" + k.Value
}
