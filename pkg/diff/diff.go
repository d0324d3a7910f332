package diff

import (
	"context"
	"fmt"
	"time"

	"github.com/OFFIS-RIT/fabric/pkg/common"
	"github.com/OFFIS-RIT/fabric/pkg/logger"
	"github.com/OFFIS-RIT/fabric/pkg/store"
)

// Tracker compares each ingestion run of a source against that source's
// previous run. Diffs are strictly per source: a record disappearing
// from one source deactivates that source's identifier claims only and
// never touches the entity or other sources' claims.
type Tracker struct {
	store store.Storage
}

// NewTracker creates a change tracker over the given store.
func NewTracker(s store.Storage) *Tracker {
	return &Tracker{store: s}
}

// ComputeDiff diffs the incoming facts against the source's stored
// snapshot, persists the new snapshot and deactivates this source's
// claims on identifiers it stopped asserting, whether the whole record
// disappeared or a single identifier did. keyField names the identifier
// scheme (or attribute) used as the snapshot key; facts lacking it fall
// back to their primary name.
func (t *Tracker) ComputeDiff(
	ctx context.Context,
	sourceName string,
	facts []common.IncomingFact,
	keyField string,
) (*common.SnapshotDiff, error) {
	if sourceName == "" {
		return nil, fmt.Errorf("diff: source name is empty")
	}

	previous, err := t.store.SourceSnapshot(ctx, sourceName)
	if err != nil {
		return nil, err
	}

	current := make(map[string]common.FactDigest, len(facts))
	for _, fact := range facts {
		key := snapshotKey(fact, keyField)
		if key == "" {
			continue
		}
		if _, dup := current[key]; dup {
			logger.Warn("[Diff] Duplicate snapshot key in batch, keeping last",
				"source", sourceName,
				"key", key,
			)
		}
		current[key] = digest(fact, key)
	}

	result := &common.SnapshotDiff{
		SourceName: sourceName,
		KeyField:   keyField,
		Added:      map[string]common.FactDigest{},
		Removed:    map[string]common.FactDigest{},
		Modified:   map[string][]common.FieldDelta{},
		ComputedAt: time.Now().UTC(),
	}

	for key, cur := range current {
		prev, ok := previous[key]
		if !ok {
			result.Added[key] = cur
			continue
		}
		deltas := compareDigests(prev, cur)
		if len(deltas) == 0 {
			result.UnchangedCount++
			continue
		}
		result.Modified[key] = deltas

		// An identifier the source stopped asserting is deactivated the
		// same way a removed record's identifiers are.
		for scheme, oldVal := range prev.Identifiers {
			if cur.Identifiers[scheme] == oldVal {
				continue
			}
			if err := t.store.DeactivateClaim(ctx, scheme, oldVal, sourceName); err != nil {
				return nil, err
			}
		}
	}

	for key, prev := range previous {
		if _, ok := current[key]; !ok {
			result.Removed[key] = prev
		}
	}

	// Removal is source-scoped: only this source's claims go inactive.
	for _, gone := range result.Removed {
		for scheme, value := range gone.Identifiers {
			if err := t.store.DeactivateClaim(ctx, scheme, value, sourceName); err != nil {
				return nil, err
			}
		}
	}

	if err := t.store.SaveSourceSnapshot(ctx, sourceName, current); err != nil {
		return nil, err
	}

	return result, nil
}

// snapshotKey picks the configured identifier field off a fact, falling
// back to attributes and finally the primary name.
func snapshotKey(fact common.IncomingFact, keyField string) string {
	if keyField != "" {
		if v, ok := fact.Identifiers[keyField]; ok && v != "" {
			return v
		}
		if v, ok := fact.Attributes[keyField]; ok && v != "" {
			return v
		}
	}
	return fact.PrimaryName
}

func digest(fact common.IncomingFact, key string) common.FactDigest {
	d := common.FactDigest{
		Key:         key,
		PrimaryName: fact.PrimaryName,
		EntityType:  fact.EntityType,
	}
	if len(fact.Identifiers) > 0 {
		d.Identifiers = make(map[string]string, len(fact.Identifiers))
		for k, v := range fact.Identifiers {
			d.Identifiers[k] = v
		}
	}
	if len(fact.Attributes) > 0 {
		d.Attributes = make(map[string]string, len(fact.Attributes))
		for k, v := range fact.Attributes {
			d.Attributes[k] = v
		}
	}
	return d
}

func compareDigests(prev, cur common.FactDigest) []common.FieldDelta {
	var deltas []common.FieldDelta

	if prev.PrimaryName != cur.PrimaryName {
		deltas = append(deltas, common.FieldDelta{
			Field: common.FieldPrimaryName,
			Old:   prev.PrimaryName,
			New:   cur.PrimaryName,
		})
	}

	for field, newVal := range cur.Attributes {
		oldVal, ok := prev.Attributes[field]
		if !ok {
			deltas = append(deltas, common.FieldDelta{Field: field, New: newVal})
			continue
		}
		if oldVal != newVal {
			deltas = append(deltas, common.FieldDelta{Field: field, Old: oldVal, New: newVal})
		}
	}
	for field, oldVal := range prev.Attributes {
		if _, ok := cur.Attributes[field]; !ok {
			deltas = append(deltas, common.FieldDelta{Field: field, Old: oldVal})
		}
	}

	for scheme, newVal := range cur.Identifiers {
		oldVal, ok := prev.Identifiers[scheme]
		if !ok {
			deltas = append(deltas, common.FieldDelta{Field: identifierField(scheme), New: newVal})
			continue
		}
		if oldVal != newVal {
			deltas = append(deltas, common.FieldDelta{Field: identifierField(scheme), Old: oldVal, New: newVal})
		}
	}
	for scheme, oldVal := range prev.Identifiers {
		if _, ok := cur.Identifiers[scheme]; !ok {
			deltas = append(deltas, common.FieldDelta{Field: identifierField(scheme), Old: oldVal})
		}
	}

	return deltas
}

// identifierField namespaces identifier deltas so a scheme cannot shadow
// an attribute of the same name.
func identifierField(scheme string) string {
	return "identifier:" + scheme
}
