package common

import "time"

// FactDigest is the per-key snapshot entry kept for change tracking. It
// captures what one source said about one keyed record during its last
// ingestion run.
type FactDigest struct {
	Key         string            `json:"key"`
	PrimaryName string            `json:"primary_name"`
	EntityType  string            `json:"entity_type"`
	Identifiers map[string]string `json:"identifiers,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// FieldDelta is one differing field between two snapshot digests.
type FieldDelta struct {
	Field string `json:"field"`
	Old   string `json:"old"`
	New   string `json:"new"`
}

// SnapshotDiff is the added/removed/modified comparison between the
// current ingestion run and the previous one, for a single source.
// Unchanged entries are counted, not enumerated, to bound diff size.
type SnapshotDiff struct {
	SourceName     string                  `json:"source_name"`
	BatchID        string                  `json:"batch_id,omitempty"`
	KeyField       string                  `json:"key_field"`
	Added          map[string]FactDigest   `json:"added"`
	Removed        map[string]FactDigest   `json:"removed"`
	Modified       map[string][]FieldDelta `json:"modified"`
	UnchangedCount int                     `json:"unchanged_count"`
	ComputedAt     time.Time               `json:"computed_at"`
}
