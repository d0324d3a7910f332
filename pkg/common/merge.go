package common

import "strings"

// MergePolicy decides which source wins when two facts disagree about a
// field. Sources are ranked by type: a field set by a higher-ranked source
// type is only replaced by an equal or higher rank, with ties broken by
// the later ingestion timestamp. Last-writer-wins is deliberately not used.
type MergePolicy struct {
	rank map[string]int
}

// NewMergePolicy builds a policy from source types ordered highest trust
// first. Source types not listed rank below every listed one.
func NewMergePolicy(orderedSourceTypes []string) MergePolicy {
	rank := make(map[string]int, len(orderedSourceTypes))
	for i, t := range orderedSourceTypes {
		t = strings.TrimSpace(strings.ToLower(t))
		if t == "" {
			continue
		}
		if _, ok := rank[t]; !ok {
			rank[t] = i
		}
	}
	return MergePolicy{rank: rank}
}

func (p MergePolicy) sourceRank(sourceType string) int {
	if r, ok := p.rank[strings.ToLower(sourceType)]; ok {
		return r
	}
	return len(p.rank)
}

// wins reports whether the incoming provenance may replace the current
// attribute value.
func (p MergePolicy) wins(current AttributeValue, prov Provenance) bool {
	cr := p.sourceRank(current.SourceType)
	ir := p.sourceRank(prov.SourceType)
	if ir != cr {
		return ir < cr
	}
	return !prov.IngestedAt.Before(current.UpdatedAt)
}

// Apply merges a fact's raw attribute values into the current attribute
// snapshot and returns the new snapshot plus the field-level changes it
// caused. The current map is not mutated. Fields whose value is identical
// to the kept one produce no change, which is what makes re-ingesting an
// unchanged fact a no-op.
func (p MergePolicy) Apply(
	current map[string]AttributeValue,
	factAttrs map[string]string,
	prov Provenance,
) (map[string]AttributeValue, []EntityChange) {
	merged := make(map[string]AttributeValue, len(current)+len(factAttrs))
	for k, v := range current {
		merged[k] = v
	}

	var changes []EntityChange
	for field, value := range factAttrs {
		cur, exists := merged[field]
		if exists {
			if !p.wins(cur, prov) {
				continue
			}
			if cur.Value == value {
				continue
			}
		}

		merged[field] = AttributeValue{
			Value:      value,
			SourceType: prov.SourceType,
			SourceName: prov.SourceName,
			Confidence: prov.ExtractionConfidence,
			UpdatedAt:  prov.IngestedAt,
		}

		old := ""
		reason := "field added by " + prov.SourceName
		if exists {
			old = cur.Value
			reason = "overridden by " + prov.SourceName
		}
		changes = append(changes, EntityChange{
			Field:  field,
			Old:    old,
			New:    value,
			Reason: reason,
			At:     prov.IngestedAt,
		})
	}

	return merged, changes
}
