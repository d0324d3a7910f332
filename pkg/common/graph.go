package common

import "time"

// GraphNode is the graph-side projection of an entity (1:1). Label and
// type are denormalized for traversal output; MentionCount counts the
// facts that touched the entity.
type GraphNode struct {
	EntityID     string `json:"entity_id"`
	Label        string `json:"label"`
	Type         string `json:"type"`
	MentionCount int64  `json:"mention_count"`
}

// EdgeEvidence is a single source-backed observation supporting an edge.
type EdgeEvidence struct {
	SourceName     string    `json:"source_name"`
	SourceRecordID string    `json:"source_record_id"`
	BatchID        string    `json:"batch_id"`
	Excerpt        string    `json:"excerpt,omitempty"`
	Confidence     float64   `json:"confidence"`
	Method         string    `json:"method"`
	SeenAt         time.Time `json:"seen_at"`
}

// GraphEdge is a directional relationship between two nodes, unique per
// (source, target, type) triple. Confidence is the maximum over all
// evidence seen; edges accumulate evidence and are never deleted on a
// missing mention, only reported stale after a no-mention window.
type GraphEdge struct {
	SourceID     string         `json:"source_id"`
	TargetID     string         `json:"target_id"`
	Type         string         `json:"type"`
	Confidence   float64        `json:"confidence"`
	MentionCount int64          `json:"mention_count"`
	FirstSeen    time.Time      `json:"first_seen"`
	LastSeen     time.Time      `json:"last_seen"`
	Evidence     []EdgeEvidence `json:"evidence,omitempty"`
}

// Key returns the edge's identity triple in stable string form.
func (e *GraphEdge) Key() string {
	return e.SourceID + "|" + e.TargetID + "|" + e.Type
}
