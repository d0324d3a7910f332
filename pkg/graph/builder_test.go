package graph

import (
	"context"
	"testing"
	"time"

	"github.com/OFFIS-RIT/fabric/pkg/common"
	"github.com/OFFIS-RIT/fabric/pkg/resolve"
	"github.com/OFFIS-RIT/fabric/pkg/store/memory"
)

func TestLink_ResolvesTargetsAndAccumulates(t *testing.T) {
	t.Parallel()

	s := memory.NewStore()
	engine := resolve.NewEngine(resolve.NewEngineParams{
		Store:  s,
		Policy: common.NewMergePolicy([]string{"regulatory", "vendor"}),
	})
	builder := NewBuilder(NewBuilderParams{Store: s, Resolver: engine})
	ctx := context.Background()

	prov := common.Provenance{
		SourceType:           "vendor",
		SourceName:           "feed-a",
		SourceRecordID:       "rec-1",
		BatchID:              "batch-1",
		ExtractionConfidence: 0.97,
		IngestedAt:           time.Date(2026, 3, 1, 8, 0, 0, 0, time.UTC),
	}

	subject, err := engine.Resolve(ctx, common.IncomingFact{
		EntityType:  "company",
		PrimaryName: "Acme Corp",
		Identifiers: map[string]string{"isin": "DE000J"},
		Provenance:  prov,
	})
	if err != nil {
		t.Fatalf("resolve subject: %v", err)
	}

	rels := []common.DeclaredRelationship{
		{
			Type:              "supplier_of",
			TargetName:        "Globex Industries",
			TargetType:        "company",
			TargetIdentifiers: map[string]string{"isin": "DE000K"},
			Confidence:        0.85,
			Excerpt:           "Acme supplies Globex",
		},
		{TargetName: "No Type Ltd"}, // skipped: no relationship type
	}

	edges, err := builder.Link(ctx, subject.EntityID, rels, prov)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if len(edges) != 1 {
		t.Fatalf("expected 1 edge, got %d", len(edges))
	}

	edge := edges[0]
	if edge.SourceID != subject.EntityID || edge.Type != "supplier_of" {
		t.Fatalf("unexpected edge: %+v", edge)
	}
	if edge.Confidence != 0.85 || edge.MentionCount != 1 {
		t.Fatalf("unexpected edge state: %+v", edge)
	}
	if len(edge.Evidence) != 1 || edge.Evidence[0].Excerpt != "Acme supplies Globex" {
		t.Fatalf("evidence not recorded: %+v", edge.Evidence)
	}

	// The target was created through resolution and is reachable by its
	// identifier afterwards.
	claims, err := s.LookupIdentifier(ctx, "isin", "DE000K")
	if err != nil {
		t.Fatalf("LookupIdentifier: %v", err)
	}
	if claims[0].EntityID != edge.TargetID {
		t.Fatalf("target claim points at %s, edge at %s", claims[0].EntityID, edge.TargetID)
	}

	// A second mention of the same relationship accumulates instead of
	// duplicating.
	edges, err = builder.Link(ctx, subject.EntityID, rels[:1], prov)
	if err != nil {
		t.Fatalf("second Link: %v", err)
	}
	if edges[0].MentionCount != 2 {
		t.Fatalf("mention count = %d, want 2", edges[0].MentionCount)
	}
	if len(edges[0].Evidence) != 2 {
		t.Fatalf("expected 2 evidence entries, got %d", len(edges[0].Evidence))
	}
}

func TestLink_ConfidenceFallsBackToProvenance(t *testing.T) {
	t.Parallel()

	s := memory.NewStore()
	engine := resolve.NewEngine(resolve.NewEngineParams{
		Store:  s,
		Policy: common.NewMergePolicy(nil),
	})
	builder := NewBuilder(NewBuilderParams{Store: s, Resolver: engine})
	ctx := context.Background()

	prov := common.Provenance{
		SourceType:           "vendor",
		SourceName:           "feed-a",
		ExtractionConfidence: 0.7,
		IngestedAt:           time.Now().UTC(),
	}

	subject, err := engine.Resolve(ctx, common.IncomingFact{
		EntityType:  "company",
		PrimaryName: "Acme Corp",
		Provenance:  prov,
	})
	if err != nil {
		t.Fatalf("resolve subject: %v", err)
	}

	edges, err := builder.Link(ctx, subject.EntityID, []common.DeclaredRelationship{
		{Type: "owns", TargetName: "Subsidiary GmbH"},
	}, prov)
	if err != nil {
		t.Fatalf("Link: %v", err)
	}
	if edges[0].Confidence != 0.7 {
		t.Fatalf("confidence = %f, want provenance fallback 0.7", edges[0].Confidence)
	}
}
