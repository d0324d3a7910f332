package common

import "time"

// LineageRecord is the append-only record of one fact applied to one
// entity. It stores the fact's raw attribute values (with the primary
// name folded in under FieldPrimaryName) so the entity's state at any
// point in time can be reconstructed by replaying records in order with
// the same merge policy used at ingestion. Records are never mutated or
// deleted; corrections are new records.
type LineageRecord struct {
	ID       string `json:"id"`
	EntityID string `json:"entity_id"`
	// Version is the entity version this record produced. PrevVersion is
	// 0 for the record that created the entity.
	Version        int64             `json:"version"`
	PrevVersion    int64             `json:"prev_version"`
	FactAttributes map[string]string `json:"fact_attributes"`
	FactIdentifiers map[string]string `json:"fact_identifiers,omitempty"`
	Provenance     Provenance        `json:"provenance"`
	Changes        []EntityChange    `json:"changes,omitempty"`
	CreatedAt      time.Time         `json:"created_at"`
}

// EntityChange is a single field-level delta derived while applying a fact.
type EntityChange struct {
	Field  string    `json:"field"`
	Old    string    `json:"old"`
	New    string    `json:"new"`
	Reason string    `json:"reason"`
	At     time.Time `json:"at"`
}
