package graph

import (
	"context"

	"github.com/OFFIS-RIT/fabric/pkg/common"
	"github.com/OFFIS-RIT/fabric/pkg/logger"
	"github.com/OFFIS-RIT/fabric/pkg/resolve"
	"github.com/OFFIS-RIT/fabric/pkg/store"
)

// Resolver resolves a target reference to an entity. Satisfied by
// *resolve.Engine; declared here so the builder resolves relationship
// targets exactly the way facts are resolved.
type Resolver interface {
	Resolve(ctx context.Context, fact common.IncomingFact) (*resolve.Resolution, error)
}

// Builder turns the relationships a fact declares into evidence-backed
// edges. Targets are resolved through the resolution engine first, so a
// relationship to an unseen company creates (or provisionally creates)
// that company like any other fact would.
type Builder struct {
	store    store.Storage
	resolver Resolver
}

// NewBuilderParams configures a graph builder.
type NewBuilderParams struct {
	Store    store.Storage
	Resolver Resolver
}

// NewBuilder creates a graph builder.
func NewBuilder(params NewBuilderParams) *Builder {
	return &Builder{store: params.Store, resolver: params.Resolver}
}

// Link upserts one edge per declared relationship, keyed by
// (source, target, type). Existing edges accumulate evidence: confidence
// rises to the maximum seen, the mention count increments and last_seen
// advances. A relationship whose target cannot be resolved is skipped
// and logged; storage failures abort.
func (b *Builder) Link(
	ctx context.Context,
	entityID string,
	relationships []common.DeclaredRelationship,
	prov common.Provenance,
) ([]common.GraphEdge, error) {
	edges := make([]common.GraphEdge, 0, len(relationships))

	for _, rel := range relationships {
		if rel.Type == "" || rel.TargetName == "" {
			logger.Warn("[Graph] Skipping relationship without type or target",
				"entity", entityID,
				"source", prov.SourceName,
			)
			continue
		}

		targetProv := prov
		targetProv.ExtractionMethod = "relationship_target"

		res, err := b.resolver.Resolve(ctx, common.IncomingFact{
			EntityType:  targetType(rel),
			PrimaryName: rel.TargetName,
			Identifiers: rel.TargetIdentifiers,
			Provenance:  targetProv,
		})
		if err != nil {
			if resolve.IsRecordError(err) {
				logger.Warn("[Graph] Skipping relationship with unresolvable target",
					"entity", entityID,
					"target", rel.TargetName,
					"err", err,
				)
				continue
			}
			return nil, err
		}

		confidence := rel.Confidence
		if confidence <= 0 {
			confidence = prov.ExtractionConfidence
		}

		edge, err := b.store.UpsertEdge(ctx, store.EdgeUpsert{
			SourceID:   entityID,
			TargetID:   res.EntityID,
			Type:       rel.Type,
			Confidence: confidence,
			Evidence: common.EdgeEvidence{
				SourceName:     prov.SourceName,
				SourceRecordID: prov.SourceRecordID,
				BatchID:        prov.BatchID,
				Excerpt:        rel.Excerpt,
				Confidence:     confidence,
				Method:         prov.ExtractionMethod,
				SeenAt:         prov.IngestedAt,
			},
		})
		if err != nil {
			return nil, err
		}
		edges = append(edges, *edge)
	}

	return edges, nil
}

func targetType(rel common.DeclaredRelationship) string {
	if rel.TargetType != "" {
		return rel.TargetType
	}
	return "unknown"
}
