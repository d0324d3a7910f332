package common

import "time"

// Provenance records where a fact came from and how much the extraction
// step trusted it. Every lineage record and every piece of edge evidence
// carries one.
type Provenance struct {
	SourceType           string    `json:"source_type" validate:"required"`
	SourceName           string    `json:"source_name" validate:"required"`
	SourceRecordID       string    `json:"source_record_id"`
	BatchID              string    `json:"batch_id"`
	IngestedAt           time.Time `json:"ingested_at"`
	ExtractionConfidence float64   `json:"extraction_confidence" validate:"min=0,max=1"`
	ExtractionMethod     string    `json:"extraction_method"`
}

// IncomingFact is the ephemeral input record produced by a source adapter.
// It is never persisted as-is; resolution turns it into entity state,
// identifier claims and a lineage record.
type IncomingFact struct {
	EntityType    string                 `json:"entity_type" validate:"required"`
	PrimaryName   string                 `json:"primary_name" validate:"required"`
	Identifiers   map[string]string      `json:"identifiers,omitempty"`
	Attributes    map[string]string      `json:"attributes,omitempty"`
	Relationships []DeclaredRelationship `json:"relationships,omitempty"`
	Provenance    Provenance             `json:"provenance" validate:"required"`
}

// DeclaredRelationship is a relationship a fact asserts between its subject
// entity and a target reference. The target is resolved like any other fact
// before an edge is written.
type DeclaredRelationship struct {
	Type              string            `json:"type" validate:"required"`
	TargetName        string            `json:"target_name" validate:"required"`
	TargetType        string            `json:"target_type"`
	TargetIdentifiers map[string]string `json:"target_identifiers,omitempty"`
	Confidence        float64           `json:"confidence"`
	Excerpt           string            `json:"excerpt,omitempty"`
}
