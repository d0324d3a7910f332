package lineage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/OFFIS-RIT/fabric/pkg/common"
	"github.com/OFFIS-RIT/fabric/pkg/resolve"
	"github.com/OFFIS-RIT/fabric/pkg/store"
	"github.com/OFFIS-RIT/fabric/pkg/store/memory"
)

func testPolicy() common.MergePolicy {
	return common.NewMergePolicy([]string{"regulatory", "vendor"})
}

func ingest(t *testing.T, e *resolve.Engine, fact common.IncomingFact) *resolve.Resolution {
	t.Helper()
	res, err := e.Resolve(context.Background(), fact)
	if err != nil {
		t.Fatalf("ingest: %v", err)
	}
	return res
}

func TestAsOf_ReplaysHistory(t *testing.T) {
	t.Parallel()

	s := memory.NewStore()
	policy := testPolicy()
	engine := resolve.NewEngine(resolve.NewEngineParams{Store: s, Policy: policy})
	svc := NewService(NewServiceParams{Store: s, Policy: policy})
	ctx := context.Background()

	res := ingest(t, engine, common.IncomingFact{
		EntityType:  "company",
		PrimaryName: "Acme Corp",
		Identifiers: map[string]string{"isin": "DE000H"},
		Attributes:  map[string]string{"sector": "tech"},
		Provenance: common.Provenance{
			SourceType:           "vendor",
			SourceName:           "feed-b",
			ExtractionConfidence: 1.0,
		},
	})
	afterFirst := time.Now().UTC()
	time.Sleep(10 * time.Millisecond)

	ingest(t, engine, common.IncomingFact{
		EntityType:  "company",
		PrimaryName: "Acme Corporation",
		Identifiers: map[string]string{"isin": "DE000H"},
		Attributes:  map[string]string{"sector": "energy", "hq": "Berlin"},
		Provenance: common.Provenance{
			SourceType:           "regulatory",
			SourceName:           "feed-a",
			ExtractionConfidence: 1.0,
		},
	})

	// Before any record: not found.
	_, err := svc.AsOf(ctx, res.EntityID, afterFirst.Add(-time.Hour))
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before first record, got %v", err)
	}

	// Between the two records: only the first fact applies.
	state, err := svc.AsOf(ctx, res.EntityID, afterFirst)
	if err != nil {
		t.Fatalf("AsOf after first: %v", err)
	}
	if state.Name != "Acme Corp" {
		t.Fatalf("historical name = %q, want Acme Corp", state.Name)
	}
	if state.Attributes["sector"].Value != "tech" {
		t.Fatalf("historical sector = %q, want tech", state.Attributes["sector"].Value)
	}
	if _, ok := state.Attributes["hq"]; ok {
		t.Fatal("hq must not exist yet at this point in time")
	}
	if state.Version != 1 {
		t.Fatalf("historical version = %d, want 1", state.Version)
	}

	// After both records: replay matches current state.
	state, err = svc.AsOf(ctx, res.EntityID, time.Now().UTC())
	if err != nil {
		t.Fatalf("AsOf now: %v", err)
	}
	current, err := s.GetEntity(ctx, res.EntityID)
	if err != nil {
		t.Fatalf("GetEntity: %v", err)
	}
	if state.Name != current.Name {
		t.Fatalf("replayed name %q diverges from current %q", state.Name, current.Name)
	}
	for field, want := range current.Attributes {
		got, ok := state.Attributes[field]
		if !ok || got.Value != want.Value {
			t.Fatalf("replayed %s = %+v, want %+v", field, got, want)
		}
	}
	if state.Version != current.Version {
		t.Fatalf("replayed version %d, current %d", state.Version, current.Version)
	}
}

func TestHistoryAndChanges(t *testing.T) {
	t.Parallel()

	s := memory.NewStore()
	policy := testPolicy()
	engine := resolve.NewEngine(resolve.NewEngineParams{Store: s, Policy: policy})
	svc := NewService(NewServiceParams{Store: s, Policy: policy})
	ctx := context.Background()

	res := ingest(t, engine, common.IncomingFact{
		EntityType:  "company",
		PrimaryName: "Acme",
		Identifiers: map[string]string{"isin": "DE000I"},
		Attributes:  map[string]string{"sector": "tech"},
		Provenance: common.Provenance{
			SourceType:           "vendor",
			SourceName:           "feed-b",
			ExtractionConfidence: 1.0,
		},
	})
	ingest(t, engine, common.IncomingFact{
		EntityType:  "company",
		PrimaryName: "Acme",
		Identifiers: map[string]string{"isin": "DE000I"},
		Attributes:  map[string]string{"sector": "energy"},
		Provenance: common.Provenance{
			SourceType:           "regulatory",
			SourceName:           "feed-a",
			ExtractionConfidence: 1.0,
		},
	})

	records, err := svc.History(ctx, res.EntityID)
	if err != nil {
		t.Fatalf("History: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].Version != 1 || records[1].Version != 2 {
		t.Fatalf("records out of order: %d, %d", records[0].Version, records[1].Version)
	}

	changes, err := svc.Changes(ctx, res.EntityID)
	if err != nil {
		t.Fatalf("Changes: %v", err)
	}
	found := false
	for _, c := range changes {
		if c.Field == "sector" && c.Old == "tech" && c.New == "energy" {
			found = true
			if c.Reason == "" {
				t.Fatal("change must carry a reason")
			}
		}
	}
	if !found {
		t.Fatalf("expected a sector override change, got %+v", changes)
	}

	_, err = svc.History(ctx, "missing")
	if !errors.Is(err, store.ErrNotFound) {
		t.Fatalf("expected ErrNotFound for unknown entity, got %v", err)
	}
}
